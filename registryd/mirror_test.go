package registryd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	didvcr "github.com/did-vc-registry/go-didvcr"
)

func TestBuildStreamURL_HTTPS(t *testing.T) {
	u, err := url.Parse("https://registry.example.com")
	require.NoError(t, err)
	got := buildStreamURL(u, 42)
	assert.Equal(t, "wss://registry.example.com/export/stream?cursor=42", got)
}

func TestBuildStreamURL_HTTP(t *testing.T) {
	u, err := url.Parse("http://localhost:8080")
	require.NoError(t, err)
	got := buildStreamURL(u, 0)
	assert.Equal(t, "ws://localhost:8080/export/stream?cursor=0", got)
}

func TestSleepCtx_Completes(t *testing.T) {
	ctx := context.Background()
	ok := sleepCtx(ctx, 1*time.Millisecond)
	assert.True(t, ok)
}

func TestSleepCtx_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := sleepCtx(ctx, 10*time.Second)
	assert.False(t, ok)
}

// upstreamEntries produces a valid export feed by running mutations against
// an in-memory ledger.
func upstreamEntries(t *testing.T) []ExportEntry {
	t.Helper()
	buf := didvcr.NewEventBuffer()
	ledger := didvcr.NewDIDLedger("admin", journalClock(), buf)
	require.NoError(t, ledger.CreateDID("did:vcr:alice", "{}", "alice"))
	require.NoError(t, ledger.UpdateDID("did:vcr:alice", `{"v":2}`, "alice"))
	require.NoError(t, ledger.DeactivateDID("did:vcr:alice", "alice"))

	envs := buf.Entries()
	entries := make([]ExportEntry, 0, len(envs))
	for i, env := range envs {
		entries = append(entries, ExportEntry{Seq: uint64(i + 1), Envelope: env})
	}
	return entries
}

func newTestMirror(t *testing.T, journal *Journal, upstreamURL string) *Mirror {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := NewMirror(journal, upstreamURL, -1, logger)
	require.NoError(t, err)
	return m
}

func TestMirrorCommit_ValidChain(t *testing.T) {
	journal := newTestJournal(t)
	m := newTestMirror(t, journal, "http://upstream.example.com")
	ctx := context.Background()

	entries := upstreamEntries(t)
	for _, entry := range entries {
		require.NoError(t, m.commit(ctx, entry))
	}

	committed, err := journal.ListAfter(ctx, entries[0].Envelope.Ledger, 0, 100)
	require.NoError(t, err)
	require.Len(t, committed, 3)
	assert.NoError(t, didvcr.VerifyEnvelopeChain(committed))
	assert.Equal(t, uint64(3), m.cursor.Load())
}

func TestMirrorCommit_SkipsDuplicates(t *testing.T) {
	journal := newTestJournal(t)
	m := newTestMirror(t, journal, "http://upstream.example.com")
	ctx := context.Background()

	entries := upstreamEntries(t)
	require.NoError(t, m.commit(ctx, entries[0]))
	// Re-delivery after reconnect.
	require.NoError(t, m.commit(ctx, entries[0]))

	committed, err := journal.ListAfter(ctx, entries[0].Envelope.Ledger, 0, 100)
	require.NoError(t, err)
	assert.Len(t, committed, 1)
}

func TestMirrorCommit_RejectsGap(t *testing.T) {
	journal := newTestJournal(t)
	m := newTestMirror(t, journal, "http://upstream.example.com")
	ctx := context.Background()

	entries := upstreamEntries(t)
	require.NoError(t, m.commit(ctx, entries[0]))

	err := m.commit(ctx, entries[2]) // skips seq 2
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gap")
}

func TestMirrorCommit_RejectsTamperedEnvelope(t *testing.T) {
	journal := newTestJournal(t)
	m := newTestMirror(t, journal, "http://upstream.example.com")
	ctx := context.Background()

	entries := upstreamEntries(t)
	entries[0].Envelope.Attrs["owner"] = "mallory"

	err := m.commit(ctx, entries[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CID mismatch")
}

func TestMirrorCommit_RejectsWrongGenesis(t *testing.T) {
	journal := newTestJournal(t)
	m := newTestMirror(t, journal, "http://upstream.example.com")
	ctx := context.Background()

	entries := upstreamEntries(t)
	err := m.commit(ctx, entries[1]) // seq 2 with no local tip
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 1")
}

func TestMirrorPaginated_CommitsAndDrains(t *testing.T) {
	entries := upstreamEntries(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/export", r.URL.Path)
		w.Header().Set("Content-Type", "application/jsonlines")
		enc := json.NewEncoder(w)
		for _, entry := range entries {
			require.NoError(t, enc.Encode(entry))
		}
	}))
	defer ts.Close()

	journal := newTestJournal(t)
	m := newTestMirror(t, journal, ts.URL)
	ctx := context.Background()

	err := m.mirrorPaginated(ctx)
	assert.ErrorIs(t, err, errPageDrained)
	assert.Equal(t, uint64(3), m.cursor.Load())

	committed, err := journal.ListAfter(ctx, entries[0].Envelope.Ledger, 0, 100)
	require.NoError(t, err)
	assert.Len(t, committed, 3)
}

func TestMirrorPaginated_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, "internal error")
	}))
	defer ts.Close()

	journal := newTestJournal(t)
	m := newTestMirror(t, journal, ts.URL)

	err := m.mirrorPaginated(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
