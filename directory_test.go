package didvcr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T) (*Directory, *EventBuffer) {
	t.Helper()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	buf := NewEventBuffer()
	return NewDirectory("admin", stepClock(t0, time.Second), buf), buf
}

func TestDirectory_CreateRegistry(t *testing.T) {
	dir, buf := newTestDirectory(t)

	pair, err := dir.CreateRegistry("acme", "admin")
	require.NoError(t, err)
	require.NotNil(t, pair.DIDLedger)
	require.NotNil(t, pair.VCLedger)
	assert.True(t, pair.Active)
	assert.Equal(t, "acme", pair.Name)

	// The VC ledger is wired to the fresh DID ledger.
	assert.Same(t, pair.DIDLedger, pair.VCLedger.DIDLedgerRef().(*DIDLedger))

	got, err := dir.GetRegistry("acme")
	require.NoError(t, err)
	assert.Same(t, pair.DIDLedger, got.DIDLedger)
	assert.True(t, dir.IsRegistryActive("acme"))

	entries := buf.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "RegistryCreated", entries[0].Kind)
	assert.Equal(t, "acme", entries[0].Attrs["name"])
	assert.Equal(t, pair.DIDLedger.Handle(), entries[0].Attrs["didLedger"])
	assert.Equal(t, pair.VCLedger.Handle(), entries[0].Attrs["vcLedger"])
}

func TestDirectory_CreateRegistry_Restricted(t *testing.T) {
	dir, _ := newTestDirectory(t)

	_, err := dir.CreateRegistry("acme", "mallory")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = dir.CreateRegistry("", "admin")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDirectory_NamesPermanentlyClaimed(t *testing.T) {
	dir, _ := newTestDirectory(t)

	_, err := dir.CreateRegistry("acme", "admin")
	require.NoError(t, err)
	_, err = dir.CreateRegistry("acme", "admin")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// Deactivation pauses the pair, it does not release the name.
	require.NoError(t, dir.DeactivateRegistry("acme", "admin"))
	_, err = dir.CreateRegistry("acme", "admin")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestDirectory_ActivationToggle(t *testing.T) {
	dir, buf := newTestDirectory(t)
	_, err := dir.CreateRegistry("acme", "admin")
	require.NoError(t, err)

	assert.ErrorIs(t, dir.DeactivateRegistry("ghost", "admin"), ErrNotFound)
	assert.ErrorIs(t, dir.DeactivateRegistry("acme", "mallory"), ErrUnauthorized)
	assert.ErrorIs(t, dir.ReactivateRegistry("acme", "admin"), ErrInvalidState)

	require.NoError(t, dir.DeactivateRegistry("acme", "admin"))
	assert.False(t, dir.IsRegistryActive("acme"))
	assert.ErrorIs(t, dir.DeactivateRegistry("acme", "admin"), ErrInvalidState)

	// Unlike DID and VC terminal states, registry pairs come back.
	require.NoError(t, dir.ReactivateRegistry("acme", "admin"))
	assert.True(t, dir.IsRegistryActive("acme"))

	// Directory deactivation never touches the ledgers themselves.
	require.NoError(t, dir.DeactivateRegistry("acme", "admin"))
	pair, err := dir.GetRegistry("acme")
	require.NoError(t, err)
	require.NoError(t, pair.DIDLedger.CreateDID("did:x:1", "doc", "alice"))

	kinds := []string{}
	for _, env := range buf.Entries() {
		kinds = append(kinds, env.Kind)
	}
	assert.Equal(t, []string{"RegistryCreated", "RegistryDeactivated", "RegistryReactivated", "RegistryDeactivated", "DIDCreated"}, kinds)
}

func TestDirectory_Reads(t *testing.T) {
	dir, _ := newTestDirectory(t)

	assert.Empty(t, dir.GetAllRegistryNames())
	assert.Zero(t, dir.GetRegistryCount())
	assert.False(t, dir.IsRegistryActive("ghost"))
	_, err := dir.GetRegistry("ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		_, err := dir.CreateRegistry(name, "admin")
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"charlie", "alpha", "bravo"}, dir.GetAllRegistryNames(), "names keep insertion order")
	assert.Equal(t, 3, dir.GetRegistryCount())

	require.NoError(t, dir.DeactivateRegistry("alpha", "admin"))
	assert.Equal(t, 3, dir.GetRegistryCount(), "deactivation keeps the pair on the books")
}

func TestDirectory_PauseGatesAdministrativeFlows(t *testing.T) {
	dir, _ := newTestDirectory(t)
	_, err := dir.CreateRegistry("acme", "admin")
	require.NoError(t, err)

	require.NoError(t, dir.Pause("admin"))
	_, err = dir.CreateRegistry("globex", "admin")
	assert.ErrorIs(t, err, ErrPaused)
	assert.ErrorIs(t, dir.DeactivateRegistry("acme", "admin"), ErrPaused)

	// Pausing the directory does not pause the provisioned ledgers.
	pair, err := dir.GetRegistry("acme")
	require.NoError(t, err)
	require.NoError(t, pair.DIDLedger.CreateDID("did:x:1", "doc", "alice"))

	require.NoError(t, dir.Unpause("admin"))
	_, err = dir.CreateRegistry("globex", "admin")
	require.NoError(t, err)
}

func TestDirectory_PairEndToEnd(t *testing.T) {
	dir, buf := newTestDirectory(t)
	pair, err := dir.CreateRegistry("acme", "admin")
	require.NoError(t, err)

	require.NoError(t, pair.DIDLedger.CreateDID("did:x:1", "doc", "alice"))
	require.NoError(t, pair.VCLedger.IssueVC("vc:1", "did:x:1", "cred", "issuer"))
	assert.True(t, pair.VCLedger.IsVCValid("vc:1"))

	// Each instance maintains its own audit chain over the shared sink.
	perLedger := map[string][]Envelope{}
	for _, env := range buf.Entries() {
		perLedger[env.Ledger] = append(perLedger[env.Ledger], env)
	}
	require.Len(t, perLedger, 3)
	for _, chain := range perLedger {
		assert.NoError(t, VerifyEnvelopeChain(chain))
	}
}
