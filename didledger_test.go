package didvcr

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock returns a Clock advancing by step on every call.
func stepClock(start time.Time, step time.Duration) Clock {
	cur := start
	return func() time.Time {
		t := cur
		cur = cur.Add(step)
		return t
	}
}

func newTestDIDLedger(t *testing.T) (*DIDLedger, *EventBuffer) {
	t.Helper()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	buf := NewEventBuffer()
	return NewDIDLedger("admin", stepClock(t0, time.Second), buf), buf
}

func TestDIDLedger_CreateAndGet(t *testing.T) {
	ledger, buf := newTestDIDLedger(t)

	require.NoError(t, ledger.CreateDID("did:x:1", "D1", "alice"))

	rec, err := ledger.GetDID("did:x:1")
	require.NoError(t, err)
	assert.Equal(t, "D1", rec.Document)
	assert.Equal(t, "alice", rec.Owner)
	assert.True(t, rec.Active)
	assert.Equal(t, rec.CreatedAt, rec.UpdatedAt)

	assert.True(t, ledger.IsDIDActive("did:x:1"))
	owner, err := ledger.GetDIDOwner("did:x:1")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
	assert.Equal(t, []string{"did:x:1"}, ledger.GetDIDsByOwner("alice"))

	entries := buf.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "DIDCreated", entries[0].Kind)
	assert.Equal(t, "did:x:1", entries[0].Attrs["did"])
	assert.Equal(t, "alice", entries[0].Attrs["owner"])
	assert.Equal(t, "D1", entries[0].Attrs["document"])
}

func TestDIDLedger_Create_InvalidArguments(t *testing.T) {
	ledger, _ := newTestDIDLedger(t)

	assert.ErrorIs(t, ledger.CreateDID("", "doc", "alice"), ErrInvalidArgument)
	assert.ErrorIs(t, ledger.CreateDID("did:x:1", "", "alice"), ErrInvalidArgument)
	assert.ErrorIs(t, ledger.CreateDID("did:x:1", "doc", ""), ErrInvalidArgument)
}

func TestDIDLedger_Create_PermanentlyClaimed(t *testing.T) {
	ledger, _ := newTestDIDLedger(t)

	require.NoError(t, ledger.CreateDID("did:x:1", "D1", "alice"))
	assert.ErrorIs(t, ledger.CreateDID("did:x:1", "D2", "alice"), ErrAlreadyExists)
	assert.ErrorIs(t, ledger.CreateDID("did:x:1", "D2", "bob"), ErrAlreadyExists)

	// Deactivation is terminal for the identifier, not a path to re-creation.
	require.NoError(t, ledger.DeactivateDID("did:x:1", "alice"))
	assert.ErrorIs(t, ledger.CreateDID("did:x:1", "D3", "alice"), ErrAlreadyExists)
}

func TestDIDLedger_Update(t *testing.T) {
	ledger, buf := newTestDIDLedger(t)
	require.NoError(t, ledger.CreateDID("did:x:1", "D1", "alice"))

	require.NoError(t, ledger.UpdateDID("did:x:1", "D2", "alice"))
	rec, err := ledger.GetDID("did:x:1")
	require.NoError(t, err)
	assert.Equal(t, "D2", rec.Document)
	assert.True(t, rec.UpdatedAt.After(rec.CreatedAt))

	assert.ErrorIs(t, ledger.UpdateDID("did:x:9", "D2", "alice"), ErrNotFound)
	assert.ErrorIs(t, ledger.UpdateDID("did:x:1", "D3", "bob"), ErrUnauthorized)
	assert.ErrorIs(t, ledger.UpdateDID("did:x:1", "", "alice"), ErrInvalidArgument)

	entries := buf.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "DIDUpdated", entries[1].Kind)
	assert.Equal(t, "D2", entries[1].Attrs["document"])
}

func TestDIDLedger_Deactivate_Terminal(t *testing.T) {
	ledger, buf := newTestDIDLedger(t)
	require.NoError(t, ledger.CreateDID("did:x:1", "D1", "alice"))

	assert.ErrorIs(t, ledger.DeactivateDID("did:x:1", "bob"), ErrUnauthorized)
	require.NoError(t, ledger.DeactivateDID("did:x:1", "alice"))
	assert.False(t, ledger.IsDIDActive("did:x:1"))

	// All further transitions are rejected.
	assert.ErrorIs(t, ledger.DeactivateDID("did:x:1", "alice"), ErrInvalidState)
	assert.ErrorIs(t, ledger.UpdateDID("did:x:1", "D2", "alice"), ErrInvalidState)
	assert.ErrorIs(t, ledger.TransferDIDOwnership("did:x:1", "bob", "alice"), ErrInvalidState)
	assert.ErrorIs(t, ledger.DeactivateDID("did:x:9", "alice"), ErrNotFound)

	// The record itself stays readable.
	rec, err := ledger.GetDID("did:x:1")
	require.NoError(t, err)
	assert.False(t, rec.Active)
	assert.Equal(t, "alice", rec.Owner)

	entries := buf.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "DIDDeactivated", entries[1].Kind)
}

func TestDIDLedger_Transfer(t *testing.T) {
	ledger, buf := newTestDIDLedger(t)
	require.NoError(t, ledger.CreateDID("did:x:1", "D1", "alice"))

	assert.ErrorIs(t, ledger.TransferDIDOwnership("did:x:9", "bob", "alice"), ErrNotFound)
	assert.ErrorIs(t, ledger.TransferDIDOwnership("did:x:1", "bob", "bob"), ErrUnauthorized)
	assert.ErrorIs(t, ledger.TransferDIDOwnership("did:x:1", "", "alice"), ErrInvalidArgument)
	assert.ErrorIs(t, ledger.TransferDIDOwnership("did:x:1", "alice", "alice"), ErrInvalidArgument)

	require.NoError(t, ledger.TransferDIDOwnership("did:x:1", "bob", "alice"))
	owner, err := ledger.GetDIDOwner("did:x:1")
	require.NoError(t, err)
	assert.Equal(t, "bob", owner)
	assert.Empty(t, ledger.GetDIDsByOwner("alice"))
	assert.Equal(t, []string{"did:x:1"}, ledger.GetDIDsByOwner("bob"))

	// Previous owner loses all rights.
	assert.ErrorIs(t, ledger.UpdateDID("did:x:1", "D2", "alice"), ErrUnauthorized)
	require.NoError(t, ledger.UpdateDID("did:x:1", "D2", "bob"))

	entries := buf.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "DIDOwnershipTransferred", entries[1].Kind)
	assert.Equal(t, "alice", entries[1].Attrs["previousOwner"])
	assert.Equal(t, "bob", entries[1].Attrs["newOwner"])
}

func TestDIDLedger_OwnerIndexConsistency(t *testing.T) {
	ledger, _ := newTestDIDLedger(t)

	require.NoError(t, ledger.CreateDID("did:x:1", "D", "alice"))
	require.NoError(t, ledger.CreateDID("did:x:2", "D", "alice"))
	require.NoError(t, ledger.CreateDID("did:x:3", "D", "bob"))
	require.NoError(t, ledger.TransferDIDOwnership("did:x:1", "bob", "alice"))

	assert.Equal(t, []string{"did:x:2"}, ledger.GetDIDsByOwner("alice"))
	assert.ElementsMatch(t, []string{"did:x:3", "did:x:1"}, ledger.GetDIDsByOwner("bob"))
	assert.Empty(t, ledger.GetDIDsByOwner("carol"))

	// Index membership matches record ownership exactly.
	for _, did := range []string{"did:x:1", "did:x:2", "did:x:3"} {
		owner, err := ledger.GetDIDOwner(did)
		require.NoError(t, err)
		assert.Contains(t, ledger.GetDIDsByOwner(owner), did)
	}
}

func TestDIDLedger_Reads_Unknown(t *testing.T) {
	ledger, _ := newTestDIDLedger(t)

	assert.False(t, ledger.IsDIDActive("did:x:unknown"))
	assert.Empty(t, ledger.GetDIDsByOwner("nobody"))

	_, err := ledger.GetDID("did:x:unknown")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = ledger.GetDIDOwner("did:x:unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDIDLedger_PauseBlocksMutations(t *testing.T) {
	ledger, _ := newTestDIDLedger(t)
	require.NoError(t, ledger.CreateDID("did:x:1", "D1", "alice"))

	assert.ErrorIs(t, ledger.Pause("alice"), ErrUnauthorized)
	require.NoError(t, ledger.Pause("admin"))
	assert.True(t, ledger.Paused())
	assert.ErrorIs(t, ledger.Pause("admin"), ErrInvalidState)

	assert.ErrorIs(t, ledger.CreateDID("did:x:2", "D", "alice"), ErrPaused)
	assert.ErrorIs(t, ledger.UpdateDID("did:x:1", "D2", "alice"), ErrPaused)
	assert.ErrorIs(t, ledger.DeactivateDID("did:x:1", "alice"), ErrPaused)
	assert.ErrorIs(t, ledger.TransferDIDOwnership("did:x:1", "bob", "alice"), ErrPaused)

	// Reads are unaffected.
	assert.True(t, ledger.IsDIDActive("did:x:1"))

	require.NoError(t, ledger.Unpause("admin"))
	assert.ErrorIs(t, ledger.Unpause("admin"), ErrInvalidState)
	require.NoError(t, ledger.CreateDID("did:x:2", "D", "alice"))
}

func TestDIDLedger_TransferAdmin(t *testing.T) {
	ledger, _ := newTestDIDLedger(t)

	assert.ErrorIs(t, ledger.TransferAdmin("root", "mallory"), ErrUnauthorized)
	assert.ErrorIs(t, ledger.TransferAdmin("", "admin"), ErrInvalidArgument)
	require.NoError(t, ledger.TransferAdmin("root", "admin"))
	assert.Equal(t, "root", ledger.Admin())

	assert.ErrorIs(t, ledger.Pause("admin"), ErrUnauthorized)
	require.NoError(t, ledger.Pause("root"))
}

// reentrantSink calls back into the ledger from Publish, simulating a
// hostile integration layer triggered by an opaque payload.
type reentrantSink struct {
	ledger *DIDLedger
	errs   []error
}

func (s *reentrantSink) Publish(env Envelope) {
	if s.ledger != nil {
		s.errs = append(s.errs, s.ledger.CreateDID("did:x:nested", "doc", "mallory"))
	}
}

func TestDIDLedger_ReentrantMutationRejected(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sink := &reentrantSink{}
	ledger := NewDIDLedger("admin", stepClock(t0, time.Second), sink)
	sink.ledger = ledger

	require.NoError(t, ledger.CreateDID("did:x:1", "D1", "alice"))

	require.Len(t, sink.errs, 1)
	assert.ErrorIs(t, sink.errs[0], ErrReentrant)
	_, err := ledger.GetDID("did:x:nested")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDIDLedger_ConcurrentMutationsSerialize(t *testing.T) {
	ledger, buf := newTestDIDLedger(t)

	// Non-nested callers on separate goroutines must queue, not be
	// mistaken for re-entry.
	const callers = 64
	start := make(chan struct{})
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = ledger.CreateDID(fmt.Sprintf("did:x:%03d", i), "doc", "alice")
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	assert.Len(t, ledger.GetDIDsByOwner("alice"), callers)

	entries := buf.Entries()
	require.Len(t, entries, callers)
	assert.NoError(t, VerifyEnvelopeChain(entries))
}

func TestDIDLedger_NoPartialEffectsOnFailure(t *testing.T) {
	ledger, buf := newTestDIDLedger(t)
	require.NoError(t, ledger.CreateDID("did:x:1", "D1", "alice"))

	before, err := ledger.GetDID("did:x:1")
	require.NoError(t, err)
	eventsBefore := len(buf.Entries())

	assert.Error(t, ledger.TransferDIDOwnership("did:x:1", "alice", "alice"))
	assert.Error(t, ledger.UpdateDID("did:x:1", "", "alice"))
	assert.Error(t, ledger.UpdateDID("did:x:1", "D2", "bob"))

	after, err := ledger.GetDID("did:x:1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{"did:x:1"}, ledger.GetDIDsByOwner("alice"))
	assert.Len(t, buf.Entries(), eventsBefore, "failed calls must not emit events")
}

func TestDIDLedger_AuditChainVerifies(t *testing.T) {
	ledger, buf := newTestDIDLedger(t)

	require.NoError(t, ledger.CreateDID("did:x:1", "D1", "alice"))
	require.NoError(t, ledger.UpdateDID("did:x:1", "D2", "alice"))
	require.NoError(t, ledger.TransferDIDOwnership("did:x:1", "bob", "alice"))
	require.NoError(t, ledger.DeactivateDID("did:x:1", "bob"))

	entries := buf.Entries()
	require.Len(t, entries, 4)
	assert.NoError(t, VerifyEnvelopeChain(entries))
	for i, env := range entries {
		assert.Equal(t, ledger.Handle(), env.Ledger)
		assert.Equal(t, uint64(i+1), env.Seq)
	}
}
