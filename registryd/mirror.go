package registryd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// retryDelay is the delay before retrying after an ingestion error.
	retryDelay = 1 * time.Second

	// cursorPersistInterval is how often the resume cursor is persisted.
	cursorPersistInterval = 1 * time.Second

	// Also used as the timeout for websocket reads, triggering a reconnect.
	httpClientTimeout = 30 * time.Second
)

// errPageDrained is returned by mirrorPaginated when an export page comes
// back shorter than the page size, meaning the upstream has no more backlog
// and streaming can take over.
var errPageDrained = errors.New("export backlog drained")

// Mirror follows another registry's export feed, verifies each envelope
// against the local per-ledger chain tip, and commits it to the local
// journal. Commit order is the upstream export order, so a mirror's /export
// replays the same global sequence.
type Mirror struct {
	journal           *Journal
	upstreamURL       string
	parsedUpstreamURL *url.URL
	cursorHost        string
	startCursor       int64
	userAgent         string
	httpClient        *http.Client
	wsDialer          *websocket.Dialer
	logger            *slog.Logger

	cursor atomic.Uint64
}

// NewMirror creates a new Mirror. Pass startCursor == -1 to resume from the
// cursor stored in the database.
func NewMirror(journal *Journal, upstreamURL string, startCursor int64, logger *slog.Logger) (*Mirror, error) {
	parsed, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, err
	}
	return &Mirror{
		journal:           journal,
		upstreamURL:       upstreamURL,
		parsedUpstreamURL: parsed,
		cursorHost:        parsed.Host, // "host" or "host:port"
		startCursor:       startCursor,
		userAgent:         fmt.Sprintf("go-didvcr-mirror/%s", versioninfo.Short()),
		httpClient: &http.Client{
			Timeout:   httpClientTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		wsDialer: websocket.DefaultDialer,
		logger:   logger.With("component", "mirror"),
	}, nil
}

// Run executes the mirror loop: resolve the resume cursor, persist it
// periodically, and alternate between paginated catch-up and websocket
// streaming until the context is cancelled.
func (m *Mirror) Run(ctx context.Context) error {
	if m.startCursor >= 0 {
		m.cursor.Store(uint64(m.startCursor))
	} else {
		cursor, err := m.journal.GetCursor(ctx, m.cursorHost)
		if err != nil {
			return err
		}
		m.cursor.Store(cursor)
	}

	go m.persistCursorLoop(ctx)

	for {
		m.logger.Info("starting paginated catch-up", "cursor", m.cursor.Load())
		err := m.mirrorPaginated(ctx)
		if errors.Is(err, errPageDrained) {
			m.logger.Info("caught up, switching to stream", "cursor", m.cursor.Load())
			err = m.mirrorStream(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Error("mirror ingestion error, retrying", "error", err)
		if !sleepCtx(ctx, retryDelay) {
			return ctx.Err()
		}
	}
}

func (m *Mirror) persistCursorLoop(ctx context.Context) {
	ticker := time.NewTicker(cursorPersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cursor := m.cursor.Load()
			if err := m.journal.PutCursor(ctx, m.cursorHost, cursor); err != nil {
				m.logger.Error("failed to persist cursor", "error", err)
			}
			MirrorCursorGauge.Record(ctx, int64(cursor))
		}
	}
}

// commit verifies an upstream entry against the local chain tip and appends
// it. Entries at or below the local tip are skipped, so re-delivery after a
// reconnect is harmless.
func (m *Mirror) commit(ctx context.Context, entry ExportEntry) error {
	env := entry.Envelope

	computed, err := env.ComputeCID()
	if err != nil {
		return fmt.Errorf("computing CID for %s seq %d: %w", env.Ledger, env.Seq, err)
	}
	if computed != env.CID {
		return fmt.Errorf("CID mismatch for %s seq %d: claimed %s, computed %s", env.Ledger, env.Seq, env.CID, computed)
	}

	latest, err := m.journal.Latest(ctx, env.Ledger)
	if err != nil {
		return err
	}
	switch {
	case latest == nil:
		if env.Seq != 1 {
			return fmt.Errorf("ledger %s starts at seq %d, expected 1", env.Ledger, env.Seq)
		}
		if env.Prev != "" {
			return fmt.Errorf("first envelope for ledger %s has prev %s", env.Ledger, env.Prev)
		}
	case env.Seq <= latest.Seq:
		m.logger.Debug("skipping already-committed envelope", "ledger", env.Ledger, "seq", env.Seq)
		return nil
	case env.Seq != latest.Seq+1:
		return fmt.Errorf("ledger %s has gap: local tip %d, upstream sent %d", env.Ledger, latest.Seq, env.Seq)
	case env.Prev != latest.CID:
		return fmt.Errorf("ledger %s chain broken at seq %d: prev %s, local tip CID %s", env.Ledger, env.Seq, env.Prev, latest.CID)
	}

	if err := m.journal.Append(ctx, env); err != nil {
		return err
	}
	if entry.Seq > m.cursor.Load() {
		m.cursor.Store(entry.Seq)
	}
	return nil
}

// mirrorStream connects to the upstream /export/stream websocket endpoint
// and commits entries until an error occurs.
func (m *Mirror) mirrorStream(ctx context.Context) error {
	wsURL := buildStreamURL(m.parsedUpstreamURL, m.cursor.Load())
	m.logger.Debug("websocket connecting", "url", wsURL)

	header := http.Header{}
	header.Set("User-Agent", m.userAgent)

	conn, _, err := m.wsDialer.Dial(wsURL, header)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	// Close the connection when ctx is cancelled. ReadMessage doesn't accept
	// a context, so we need this goroutine to interrupt it.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)
	defer conn.Close()

	m.logger.Info("websocket connected", "url", wsURL)

	for {
		conn.SetReadDeadline(time.Now().Add(httpClientTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read error: %w", err)
		}

		var entry ExportEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return fmt.Errorf("failed to parse websocket message: %w", err)
		}
		if err := m.commit(ctx, entry); err != nil {
			return err
		}
	}
}

// mirrorPaginated fetches entries from the paginated upstream /export
// endpoint. It loops through pages until an error occurs or a short page
// signals the backlog is drained (returns errPageDrained).
func (m *Mirror) mirrorPaginated(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		reqURL := fmt.Sprintf("%s/export?after=%d", m.upstreamURL, m.cursor.Load())
		req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", m.userAgent)

		m.logger.Debug("http request starting", "method", "GET", "url", reqURL)
		resp, err := m.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to fetch export: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("export endpoint returned status %d: %s", resp.StatusCode, string(body))
		}

		count := 0
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(nil, 10000000)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				resp.Body.Close()
				return ctx.Err()
			default:
			}

			var entry ExportEntry
			if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
				resp.Body.Close()
				return fmt.Errorf("failed to parse export entry: %w", err)
			}
			if err := m.commit(ctx, entry); err != nil {
				resp.Body.Close()
				return err
			}
			count++
		}

		if err := scanner.Err(); err != nil {
			resp.Body.Close()
			return fmt.Errorf("error reading export stream: %w", err)
		}
		resp.Body.Close()

		if count < exportPageSize {
			return errPageDrained
		}
	}
}

// buildStreamURL converts an HTTP upstream URL to a websocket /export/stream
// URL, e.g. "https://host" -> "wss://host/export/stream?cursor=N".
func buildStreamURL(u *url.URL, cursor uint64) string {
	copy := *u

	switch copy.Scheme {
	case "https":
		copy.Scheme = "wss"
	case "http":
		copy.Scheme = "ws"
	}

	copy.Path = "/export/stream"
	q := copy.Query()
	q.Set("cursor", fmt.Sprintf("%d", cursor))
	copy.RawQuery = q.Encode()
	return copy.String()
}

// sleepCtx sleeps for the given duration or until the context is cancelled.
// Returns true if the sleep completed, false if the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
