package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	didvcr "github.com/did-vc-registry/go-didvcr"
	"github.com/did-vc-registry/go-didvcr/registryd"
)

const VCRCLI_USER_AGENT = "go-didvcr/vcrcli"

func main() {
	app := cli.Command{
		Name:  "vcrcli",
		Usage: "simple CLI client tool for DID/VC registry operations",
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "registry-host",
			Usage:   "method, hostname, and port of the registry server",
			Value:   "http://localhost:8080",
			Sources: cli.EnvVars("REGISTRY_HOST"),
		},
		&cli.StringFlag{
			Name:    "auth-secret",
			Usage:   "HMAC secret used to mint bearer tokens",
			Sources: cli.EnvVars("AUTH_SECRET"),
		},
		&cli.StringFlag{
			Name:    "caller",
			Usage:   "caller identity for mutating operations",
			Sources: cli.EnvVars("VCR_CALLER"),
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "token",
			Usage:  "mint a bearer token for the configured caller, printed to stdout",
			Action: runToken,
			Flags: []cli.Flag{
				&cli.DurationFlag{
					Name:  "validity",
					Usage: "token lifetime",
					Value: 24 * time.Hour,
				},
			},
		},
		{
			Name:      "create-registry",
			Usage:     "provision a named DID/VC ledger pair (directory admin only)",
			ArgsUsage: "<name>",
			Action:    runCreateRegistry,
		},
		{
			Name:   "registries",
			Usage:  "list all registry names and handles",
			Action: runListRegistries,
		},
		{
			Name:      "registry",
			Usage:     "fetch one registry pair by name",
			ArgsUsage: "<name>",
			Action:    runGetRegistry,
		},
		{
			Name:      "deactivate-registry",
			Usage:     "deactivate a registry pair (directory admin only)",
			ArgsUsage: "<name>",
			Action:    runDeactivateRegistry,
		},
		{
			Name:      "reactivate-registry",
			Usage:     "reactivate a registry pair (directory admin only)",
			ArgsUsage: "<name>",
			Action:    runReactivateRegistry,
		},
		{
			Name:      "create-did",
			Usage:     "register a DID (reads the document JSON from stdin)",
			ArgsUsage: "<registry> <did>",
			Action:    runCreateDID,
		},
		{
			Name:      "resolve",
			Usage:     "fetch a DID record from the registry",
			ArgsUsage: "<registry> <did>",
			Action:    runResolve,
		},
		{
			Name:      "update-did",
			Usage:     "replace a DID document (reads the document JSON from stdin)",
			ArgsUsage: "<registry> <did>",
			Action:    runUpdateDID,
		},
		{
			Name:      "transfer-did",
			Usage:     "transfer DID ownership to another caller",
			ArgsUsage: "<registry> <did> <new-owner>",
			Action:    runTransferDID,
		},
		{
			Name:      "deactivate-did",
			Usage:     "permanently deactivate a DID",
			ArgsUsage: "<registry> <did>",
			Action:    runDeactivateDID,
		},
		{
			Name:      "dids",
			Usage:     "list DIDs owned by a caller, in registration order",
			ArgsUsage: "<registry> <owner>",
			Action:    runDIDsByOwner,
		},
		{
			Name:      "issue-vc",
			Usage:     "issue a credential to a holder DID (reads the credential JSON from stdin)",
			ArgsUsage: "<registry> <vc-id> <holder-did>",
			Action:    runIssueVC,
		},
		{
			Name:      "vc",
			Usage:     "fetch one credential record",
			ArgsUsage: "<registry> <vc-id>",
			Action:    runGetVC,
		},
		{
			Name:      "update-vc",
			Usage:     "replace credential data (issuer only; reads JSON from stdin)",
			ArgsUsage: "<registry> <vc-id>",
			Action:    runUpdateVC,
		},
		{
			Name:      "revoke-vc",
			Usage:     "permanently revoke a credential (issuer only)",
			ArgsUsage: "<registry> <vc-id>",
			Action:    runRevokeVC,
		},
		{
			Name:      "auditlog",
			Usage:     "fetch the audit event chain for a single ledger handle",
			ArgsUsage: "<ledger-handle>",
			Action:    runAuditLog,
		},
		{
			Name:      "verify",
			Usage:     "fetch the audit chain for a ledger handle, and verify hashes and linkage",
			ArgsUsage: "<ledger-handle>",
			Action:    runVerify,
		},
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(h))
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Println("Error:", err)
		os.Exit(-1)
	}
}

func newClient(cmd *cli.Command) (*registryd.Client, error) {
	c := &registryd.Client{
		BaseURL:   cmd.String("registry-host"),
		UserAgent: VCRCLI_USER_AGENT,
	}
	secret := cmd.String("auth-secret")
	caller := cmd.String("caller")
	if secret != "" && caller != "" {
		token, err := registryd.GenerateToken(caller, []byte(secret), time.Hour)
		if err != nil {
			return nil, err
		}
		c.Token = token
	}
	return c, nil
}

func printJSON(v any) error {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}

func readStdin() (string, error) {
	inBytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(inBytes), nil
}

func runToken(ctx context.Context, cmd *cli.Command) error {
	secret := cmd.String("auth-secret")
	caller := cmd.String("caller")
	if secret == "" || caller == "" {
		return fmt.Errorf("both --auth-secret and --caller are required")
	}
	token, err := registryd.GenerateToken(caller, []byte(secret), cmd.Duration("validity"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runCreateRegistry(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("need to provide a registry name as an argument")
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	view, err := c.CreateRegistry(ctx, name)
	if err != nil {
		return err
	}
	return printJSON(view)
}

func runListRegistries(ctx context.Context, cmd *cli.Command) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	views, err := c.ListRegistries(ctx)
	if err != nil {
		return err
	}
	return printJSON(views)
}

func runGetRegistry(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("need to provide a registry name as an argument")
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	view, err := c.GetRegistry(ctx, name)
	if err != nil {
		return err
	}
	return printJSON(view)
}

func runDeactivateRegistry(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("need to provide a registry name as an argument")
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	if err := c.DeactivateRegistry(ctx, name); err != nil {
		return err
	}
	fmt.Printf("deactivated registry: %s\n", name)
	return nil
}

func runReactivateRegistry(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("need to provide a registry name as an argument")
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	if err := c.ReactivateRegistry(ctx, name); err != nil {
		return err
	}
	fmt.Printf("reactivated registry: %s\n", name)
	return nil
}

func runCreateDID(ctx context.Context, cmd *cli.Command) error {
	registry := cmd.Args().Get(0)
	did := cmd.Args().Get(1)
	if registry == "" || did == "" {
		return fmt.Errorf("need to provide registry name and DID as arguments")
	}
	document, err := readStdin()
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	if err := c.CreateDID(ctx, registry, did, document); err != nil {
		return err
	}
	fmt.Printf("registered: %s\n", did)
	return nil
}

func runResolve(ctx context.Context, cmd *cli.Command) error {
	registry := cmd.Args().Get(0)
	did := cmd.Args().Get(1)
	if registry == "" || did == "" {
		return fmt.Errorf("need to provide registry name and DID as arguments")
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	rec, err := c.GetDID(ctx, registry, did)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func runUpdateDID(ctx context.Context, cmd *cli.Command) error {
	registry := cmd.Args().Get(0)
	did := cmd.Args().Get(1)
	if registry == "" || did == "" {
		return fmt.Errorf("need to provide registry name and DID as arguments")
	}
	document, err := readStdin()
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	if err := c.UpdateDIDDocument(ctx, registry, did, document); err != nil {
		return err
	}
	fmt.Printf("updated: %s\n", did)
	return nil
}

func runTransferDID(ctx context.Context, cmd *cli.Command) error {
	registry := cmd.Args().Get(0)
	did := cmd.Args().Get(1)
	newOwner := cmd.Args().Get(2)
	if registry == "" || did == "" || newOwner == "" {
		return fmt.Errorf("need to provide registry name, DID, and new owner as arguments")
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	if err := c.TransferDIDOwnership(ctx, registry, did, newOwner); err != nil {
		return err
	}
	fmt.Printf("transferred %s to %s\n", did, newOwner)
	return nil
}

func runDeactivateDID(ctx context.Context, cmd *cli.Command) error {
	registry := cmd.Args().Get(0)
	did := cmd.Args().Get(1)
	if registry == "" || did == "" {
		return fmt.Errorf("need to provide registry name and DID as arguments")
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	if err := c.DeactivateDID(ctx, registry, did); err != nil {
		return err
	}
	fmt.Printf("deactivated: %s\n", did)
	return nil
}

func runDIDsByOwner(ctx context.Context, cmd *cli.Command) error {
	registry := cmd.Args().Get(0)
	owner := cmd.Args().Get(1)
	if registry == "" || owner == "" {
		return fmt.Errorf("need to provide registry name and owner as arguments")
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	dids, err := c.DIDsByOwner(ctx, registry, owner)
	if err != nil {
		return err
	}
	return printJSON(dids)
}

func runIssueVC(ctx context.Context, cmd *cli.Command) error {
	registry := cmd.Args().Get(0)
	vcID := cmd.Args().Get(1)
	holder := cmd.Args().Get(2)
	if registry == "" || vcID == "" || holder == "" {
		return fmt.Errorf("need to provide registry name, VC id, and holder DID as arguments")
	}
	credential, err := readStdin()
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	if err := c.IssueVC(ctx, registry, vcID, holder, credential); err != nil {
		return err
	}
	fmt.Printf("issued: %s\n", vcID)
	return nil
}

func runGetVC(ctx context.Context, cmd *cli.Command) error {
	registry := cmd.Args().Get(0)
	vcID := cmd.Args().Get(1)
	if registry == "" || vcID == "" {
		return fmt.Errorf("need to provide registry name and VC id as arguments")
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	rec, err := c.GetVC(ctx, registry, vcID)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func runUpdateVC(ctx context.Context, cmd *cli.Command) error {
	registry := cmd.Args().Get(0)
	vcID := cmd.Args().Get(1)
	if registry == "" || vcID == "" {
		return fmt.Errorf("need to provide registry name and VC id as arguments")
	}
	credential, err := readStdin()
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	if err := c.UpdateVCCredential(ctx, registry, vcID, credential); err != nil {
		return err
	}
	fmt.Printf("updated: %s\n", vcID)
	return nil
}

func runRevokeVC(ctx context.Context, cmd *cli.Command) error {
	registry := cmd.Args().Get(0)
	vcID := cmd.Args().Get(1)
	if registry == "" || vcID == "" {
		return fmt.Errorf("need to provide registry name and VC id as arguments")
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	if err := c.RevokeVC(ctx, registry, vcID); err != nil {
		return err
	}
	fmt.Printf("revoked: %s\n", vcID)
	return nil
}

func fetchAuditlog(ctx context.Context, cmd *cli.Command) ([]didvcr.Envelope, error) {
	ledger := cmd.Args().First()
	if ledger == "" {
		return nil, fmt.Errorf("need to provide a ledger handle as an argument")
	}
	c, err := newClient(cmd)
	if err != nil {
		return nil, err
	}
	return c.AuditLog(ctx, ledger)
}

func runAuditLog(ctx context.Context, cmd *cli.Command) error {
	entries, err := fetchAuditlog(ctx, cmd)
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func runVerify(ctx context.Context, cmd *cli.Command) error {
	entries, err := fetchAuditlog(ctx, cmd)
	if err != nil {
		return err
	}
	if err := didvcr.VerifyEnvelopeChain(entries); err != nil {
		return err
	}
	fmt.Println("valid")
	return nil
}
