package registryd

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
)

// exportPageSize is the backfill batch size for reconnecting subscribers.
const exportPageSize = 1000

// Firehose broadcasts journaled audit entries to websocket subscribers.
// Reconnecting consumers pass ?cursor=<export seq> to backfill from the
// journal before switching to the live feed.
type Firehose struct {
	journal  *Journal
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch chan ExportEntry
}

func NewFirehose(journal *Journal, logger *slog.Logger) *Firehose {
	return &Firehose{
		journal: journal,
		logger:  logger.With("component", "firehose"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Broadcast delivers a freshly journaled entry to every live subscriber.
// Subscribers that cannot keep up are dropped rather than blocking the
// caller.
func (f *Firehose) Broadcast(entry ExportEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		select {
		case sub.ch <- entry:
		default:
			f.logger.Warn("dropping slow subscriber")
			delete(f.subs, sub)
			close(sub.ch)
		}
	}
}

func (f *Firehose) add(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub] = struct{}{}
	FirehoseSubscribersCount.Add(context.Background(), 1)
}

func (f *Firehose) remove(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub]; ok {
		delete(f.subs, sub)
		close(sub.ch)
		FirehoseSubscribersCount.Add(context.Background(), -1)
	}
}

// ServeHTTP handles GET /export/stream.
func (f *Firehose) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var cursor uint64
	hasCursor := false
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSONError(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
		hasCursor = true
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Subscribe before backfill so nothing committed in between is lost;
	// duplicates across the boundary are filtered by export seq below.
	sub := &subscriber{ch: make(chan ExportEntry, 256)}
	f.add(sub)
	defer f.remove(sub)

	// Reads are only expected as connection closes; the goroutine unblocks
	// the write loop when the peer goes away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				f.remove(sub)
				return
			}
		}
	}()

	lastSent := uint64(0)
	if hasCursor {
		lastSent = cursor
		for {
			entries, err := f.journal.Export(ctx, lastSent, exportPageSize)
			if err != nil {
				f.logger.Error("backfill failed", "error", err)
				return
			}
			for _, entry := range entries {
				if err := conn.WriteJSON(entry); err != nil {
					return
				}
				lastSent = entry.Seq
			}
			if len(entries) < exportPageSize {
				break
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-sub.ch:
			if !ok {
				return
			}
			if entry.Seq <= lastSent {
				continue
			}
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
			lastSent = entry.Seq
		}
	}
}
