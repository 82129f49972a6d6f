package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	didvcr "github.com/did-vc-registry/go-didvcr"
	"github.com/did-vc-registry/go-didvcr/registryd"
)

func main() {
	cmd := &cli.Command{
		Name:  "registryd",
		Usage: "DID/VC registry server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "postgres-url",
				Usage:   "PostgreSQL connection string (if set, uses Postgres instead of SQLite)",
				Sources: cli.EnvVars("POSTGRES_URL"),
			},
			&cli.StringFlag{
				Name:    "sqlite-path",
				Usage:   "SQLite database file path (used when --postgres-url is not set)",
				Value:   "registry.db",
				Sources: cli.EnvVars("SQLITE_PATH"),
			},
			&cli.StringFlag{
				Name:    "bind",
				Usage:   "HTTP server listen address",
				Value:   ":8080",
				Sources: cli.EnvVars("REGISTRY_BIND"),
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Metrics HTTP server listen address",
				Value:   ":9464",
				Sources: cli.EnvVars("METRICS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "admin",
				Usage:   "Caller identity granted directory admin rights",
				Value:   "admin",
				Sources: cli.EnvVars("REGISTRY_ADMIN"),
			},
			&cli.StringFlag{
				Name:     "auth-secret",
				Usage:    "HMAC secret for bearer token verification",
				Required: true,
				Sources:  cli.EnvVars("AUTH_SECRET"),
			},
			&cli.StringFlag{
				Name:    "upstream-url",
				Usage:   "Upstream registry base URL to mirror (disables if empty)",
				Sources: cli.EnvVars("UPSTREAM_URL"),
			},
			&cli.Int64Flag{
				Name:    "cursor-override",
				Usage:   "Starting cursor (export sequence number) for mirroring",
				Value:   -1,
				Sources: cli.EnvVars("CURSOR_OVERRIDE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "Output logs in JSON format",
				Sources: cli.EnvVars("LOG_JSON"),
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	// Parse configuration
	postgresURL := cmd.String("postgres-url")
	sqlitePath := cmd.String("sqlite-path")
	bind := cmd.String("bind")
	metricsAddr := cmd.String("metrics-addr")
	admin := cmd.String("admin")
	authSecret := cmd.String("auth-secret")
	upstreamURL := cmd.String("upstream-url")
	cursorOverride := cmd.Int64("cursor-override")
	logLevel := cmd.String("log-level")
	logJSON := cmd.Bool("log-json")

	// Initialize logger
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if logJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	otelShutdown, err := setupOTel(ctx)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer otelShutdown(context.Background())

	var journal *registryd.Journal

	if postgresURL != "" {
		slog.Info("using database", "type", "postgres", "url", postgresURL)
		journal, err = registryd.NewJournalWithPostgres(postgresURL, logger)
		if err != nil {
			return fmt.Errorf("failed to create postgres journal: %w", err)
		}
	} else {
		slog.Info("using database", "type", "sqlite", "path", sqlitePath)
		journal, err = registryd.NewJournalWithSqlite(sqlitePath, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqlite journal: %w", err)
		}
	}

	firehose := registryd.NewFirehose(journal, logger)
	journal.OnAppend(firehose.Broadcast)

	dir := didvcr.NewDirectory(admin, time.Now, journal)
	server := registryd.NewServer(dir, journal, firehose, []byte(authSecret), bind, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Run)

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("metrics server listening", "addr", metricsAddr)
		return http.ListenAndServe(metricsAddr, mux)
	})

	if upstreamURL != "" {
		mirror, err := registryd.NewMirror(journal, upstreamURL, cursorOverride, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return mirror.Run(gctx)
		})
	}

	return g.Wait()
}
