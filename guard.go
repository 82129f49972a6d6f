package didvcr

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// reentryGuard serializes mutating operations on a single instance and
// rejects nested calls made from inside one. The mutex is held for the
// whole operation, including event emission, so concurrent callers queue
// behind each other and each one sees a consistent chain tip. Only a call
// issued from the goroutine already running an operation (a sink callback
// re-entering mid-emission) gets ErrReentrant.
type reentryGuard struct {
	mu    sync.Mutex
	owner atomic.Int64
}

func (g *reentryGuard) enter(op string) error {
	gid := goroutineID()
	if g.owner.Load() == gid {
		return fmt.Errorf("%w: %s invoked mid-operation", ErrReentrant, op)
	}
	g.mu.Lock()
	g.owner.Store(gid)
	return nil
}

func (g *reentryGuard) exit() {
	g.owner.Store(0)
	g.mu.Unlock()
}

// goroutineID parses the current goroutine's id out of the stack header
// ("goroutine 123 [running]:"); the runtime has no direct accessor. IDs
// start at 1, so the guard's zero owner never matches a live goroutine.
func goroutineID() int64 {
	var buf [64]byte
	header := buf[:runtime.Stack(buf[:], false)]
	header = bytes.TrimPrefix(header, []byte("goroutine "))
	i := bytes.IndexByte(header, ' ')
	if i <= 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(header[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
