package registryd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	didvcr "github.com/did-vc-registry/go-didvcr"
)

// Client is a small HTTP client for the registry server API. Token is sent
// as a bearer token on mutating calls; reads are unauthenticated.
type Client struct {
	BaseURL    string
	UserAgent  string
	Token      string
	HTTPClient *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{
		Timeout:   httpClientTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// apiError is the JSON error body returned by the server.
type apiError struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" && method != http.MethodGet {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) CreateRegistry(ctx context.Context, name string) (*RegistryView, error) {
	var view RegistryView
	if err := c.do(ctx, "POST", "/registries", map[string]string{"name": name}, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) GetRegistry(ctx context.Context, name string) (*RegistryView, error) {
	var view RegistryView
	if err := c.do(ctx, "GET", "/registries/"+name, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) ListRegistries(ctx context.Context) ([]RegistryView, error) {
	var views []RegistryView
	if err := c.do(ctx, "GET", "/registries", nil, &views); err != nil {
		return nil, err
	}
	return views, nil
}

func (c *Client) DeactivateRegistry(ctx context.Context, name string) error {
	return c.do(ctx, "POST", "/registries/"+name+"/deactivate", nil, nil)
}

func (c *Client) ReactivateRegistry(ctx context.Context, name string) error {
	return c.do(ctx, "POST", "/registries/"+name+"/reactivate", nil, nil)
}

func (c *Client) CreateDID(ctx context.Context, registry, did, document string) error {
	return c.do(ctx, "POST", "/registries/"+registry+"/dids",
		map[string]string{"did": did, "document": document}, nil)
}

func (c *Client) GetDID(ctx context.Context, registry, did string) (*didvcr.DIDRecord, error) {
	var rec didvcr.DIDRecord
	if err := c.do(ctx, "GET", "/registries/"+registry+"/dids/"+did, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) UpdateDIDDocument(ctx context.Context, registry, did, document string) error {
	return c.do(ctx, "POST", "/registries/"+registry+"/dids/"+did+"/document",
		map[string]string{"document": document}, nil)
}

func (c *Client) TransferDIDOwnership(ctx context.Context, registry, did, newOwner string) error {
	return c.do(ctx, "POST", "/registries/"+registry+"/dids/"+did+"/transfer",
		map[string]string{"newOwner": newOwner}, nil)
}

func (c *Client) DeactivateDID(ctx context.Context, registry, did string) error {
	return c.do(ctx, "POST", "/registries/"+registry+"/dids/"+did+"/deactivate", nil, nil)
}

func (c *Client) DIDsByOwner(ctx context.Context, registry, owner string) ([]string, error) {
	var dids []string
	if err := c.do(ctx, "GET", "/registries/"+registry+"/dids?owner="+owner, nil, &dids); err != nil {
		return nil, err
	}
	return dids, nil
}

func (c *Client) IssueVC(ctx context.Context, registry, vcID, holder, credential string) error {
	return c.do(ctx, "POST", "/registries/"+registry+"/vcs",
		map[string]string{"vcId": vcID, "holder": holder, "credential": credential}, nil)
}

func (c *Client) GetVC(ctx context.Context, registry, vcID string) (*didvcr.VCRecord, error) {
	var rec didvcr.VCRecord
	if err := c.do(ctx, "GET", "/registries/"+registry+"/vcs/"+vcID, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) UpdateVCCredential(ctx context.Context, registry, vcID, credential string) error {
	return c.do(ctx, "POST", "/registries/"+registry+"/vcs/"+vcID+"/credential",
		map[string]string{"credential": credential}, nil)
}

func (c *Client) RevokeVC(ctx context.Context, registry, vcID string) error {
	return c.do(ctx, "POST", "/registries/"+registry+"/vcs/"+vcID+"/revoke", nil, nil)
}

func (c *Client) VCsByIssuer(ctx context.Context, registry, issuer string) ([]string, error) {
	var ids []string
	if err := c.do(ctx, "GET", "/registries/"+registry+"/vcs?issuer="+issuer, nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *Client) VCsByHolder(ctx context.Context, registry, holder string) ([]string, error) {
	var ids []string
	if err := c.do(ctx, "GET", "/registries/"+registry+"/vcs?holder="+holder, nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Export fetches one page of the export feed.
func (c *Client) Export(ctx context.Context, after uint64, limit int) ([]ExportEntry, error) {
	req, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/export?after=%d&limit=%d", c.BaseURL, after, limit), nil)
	if err != nil {
		return nil, err
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /export: status %d", resp.StatusCode)
	}

	var entries []ExportEntry
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(nil, 10000000)
	for scanner.Scan() {
		var entry ExportEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("failed to parse export entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading export feed: %w", err)
	}
	return entries, nil
}

// AuditLog fetches the full export feed and filters it down to one ledger's
// chain, in chain order.
func (c *Client) AuditLog(ctx context.Context, ledger string) ([]didvcr.Envelope, error) {
	var chain []didvcr.Envelope
	after := uint64(0)
	for {
		entries, err := c.Export(ctx, after, exportPageSize)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			if entry.Envelope.Ledger == ledger {
				chain = append(chain, entry.Envelope)
			}
			after = entry.Seq
		}
		if len(entries) < exportPageSize {
			break
		}
	}
	return chain, nil
}
