package didvcr

import (
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/google/uuid"
)

// DIDRecord is the full state of a single DID. A DID string maps to at most
// one record for its entire existence; deactivation is terminal.
type DIDRecord struct {
	DID       string    `json:"did"`
	Document  string    `json:"document"`
	Owner     string    `json:"owner"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DIDLedger owns DID record lifecycle and the per-owner reverse index.
// Every mutating operation validates all preconditions before touching any
// state, so a failed call leaves the ledger byte-identical.
type DIDLedger struct {
	handle string
	clock  Clock
	log    *auditLog
	guard  reentryGuard

	mu      sync.RWMutex
	role    adminRole
	records map[string]*DIDRecord
	byOwner map[string]*linkedhashset.Set
}

// NewDIDLedger creates an empty ledger. The admin identity controls
// pause/unpause and role transfer; it has no special rights over records.
// A nil sink discards events.
func NewDIDLedger(admin string, clock Clock, sink EventSink) *DIDLedger {
	handle := uuid.NewString()
	return &DIDLedger{
		handle:  handle,
		clock:   clock,
		log:     newAuditLog(handle, clock, sink),
		role:    adminRole{admin: admin},
		records: make(map[string]*DIDRecord),
		byOwner: make(map[string]*linkedhashset.Set),
	}
}

// Handle is the instance address used in registry pairs and audit envelopes.
func (l *DIDLedger) Handle() string { return l.handle }

func (l *DIDLedger) Admin() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.role.admin
}

func (l *DIDLedger) Paused() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.role.paused
}

// CreateDID registers a new DID with the caller as owner. The identifier is
// claimed forever: re-creation is rejected even after deactivation.
func (l *DIDLedger) CreateDID(did, document, caller string) error {
	if err := l.guard.enter("createDID"); err != nil {
		return err
	}
	defer l.guard.exit()

	evt, err := l.applyCreate(did, document, caller)
	if err != nil {
		return err
	}
	l.log.emit(evt)
	return nil
}

func (l *DIDLedger) applyCreate(did, document, caller string) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.role.checkNotPaused("DID ledger " + l.handle); err != nil {
		return nil, err
	}
	if did == "" {
		return nil, fmt.Errorf("%w: empty DID", ErrInvalidArgument)
	}
	if document == "" {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidArgument)
	}
	if caller == "" {
		return nil, fmt.Errorf("%w: empty caller identity", ErrInvalidArgument)
	}
	if _, exists := l.records[did]; exists {
		return nil, fmt.Errorf("%w: DID %s", ErrAlreadyExists, did)
	}

	now := l.clock()
	l.records[did] = &DIDRecord{
		DID:       did,
		Document:  document,
		Owner:     caller,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.ownedBy(caller).Add(did)
	return &DIDCreated{DID: did, Owner: caller, Document: document}, nil
}

// UpdateDID replaces the document of an active DID. Owner only.
func (l *DIDLedger) UpdateDID(did, document, caller string) error {
	if err := l.guard.enter("updateDID"); err != nil {
		return err
	}
	defer l.guard.exit()

	evt, err := l.applyUpdate(did, document, caller)
	if err != nil {
		return err
	}
	l.log.emit(evt)
	return nil
}

func (l *DIDLedger) applyUpdate(did, document, caller string) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.role.checkNotPaused("DID ledger " + l.handle); err != nil {
		return nil, err
	}
	rec, exists := l.records[did]
	if !exists {
		return nil, fmt.Errorf("%w: DID %s", ErrNotFound, did)
	}
	if !rec.Active {
		return nil, fmt.Errorf("%w: DID %s is deactivated", ErrInvalidState, did)
	}
	if caller != rec.Owner {
		return nil, fmt.Errorf("%w: caller %q is not the owner of %s", ErrUnauthorized, caller, did)
	}
	if document == "" {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidArgument)
	}

	rec.Document = document
	rec.UpdatedAt = l.clock()
	return &DIDUpdated{DID: did, Owner: rec.Owner, Document: document}, nil
}

// DeactivateDID flips the DID inactive. Terminal: there is no reactivation.
func (l *DIDLedger) DeactivateDID(did, caller string) error {
	if err := l.guard.enter("deactivateDID"); err != nil {
		return err
	}
	defer l.guard.exit()

	evt, err := l.applyDeactivate(did, caller)
	if err != nil {
		return err
	}
	l.log.emit(evt)
	return nil
}

func (l *DIDLedger) applyDeactivate(did, caller string) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.role.checkNotPaused("DID ledger " + l.handle); err != nil {
		return nil, err
	}
	rec, exists := l.records[did]
	if !exists {
		return nil, fmt.Errorf("%w: DID %s", ErrNotFound, did)
	}
	if !rec.Active {
		return nil, fmt.Errorf("%w: DID %s is already deactivated", ErrInvalidState, did)
	}
	if caller != rec.Owner {
		return nil, fmt.Errorf("%w: caller %q is not the owner of %s", ErrUnauthorized, caller, did)
	}

	rec.Active = false
	rec.UpdatedAt = l.clock()
	return &DIDDeactivated{DID: did, Owner: rec.Owner}, nil
}

// TransferDIDOwnership moves an active DID to a new owner, atomically
// rewriting the owner index on both sides.
func (l *DIDLedger) TransferDIDOwnership(did, newOwner, caller string) error {
	if err := l.guard.enter("transferDIDOwnership"); err != nil {
		return err
	}
	defer l.guard.exit()

	evt, err := l.applyTransfer(did, newOwner, caller)
	if err != nil {
		return err
	}
	l.log.emit(evt)
	return nil
}

func (l *DIDLedger) applyTransfer(did, newOwner, caller string) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.role.checkNotPaused("DID ledger " + l.handle); err != nil {
		return nil, err
	}
	rec, exists := l.records[did]
	if !exists {
		return nil, fmt.Errorf("%w: DID %s", ErrNotFound, did)
	}
	if !rec.Active {
		return nil, fmt.Errorf("%w: DID %s is deactivated", ErrInvalidState, did)
	}
	if caller != rec.Owner {
		return nil, fmt.Errorf("%w: caller %q is not the owner of %s", ErrUnauthorized, caller, did)
	}
	if newOwner == "" {
		return nil, fmt.Errorf("%w: empty new owner identity", ErrInvalidArgument)
	}
	if newOwner == caller {
		return nil, fmt.Errorf("%w: transfer to self", ErrInvalidArgument)
	}

	prev := rec.Owner
	l.byOwner[prev].Remove(did)
	l.ownedBy(newOwner).Add(did)
	rec.Owner = newOwner
	rec.UpdatedAt = l.clock()
	return &DIDOwnershipTransferred{DID: did, PreviousOwner: prev, NewOwner: newOwner}, nil
}

// GetDID returns a copy of the record, or ErrNotFound.
func (l *DIDLedger) GetDID(did string) (DIDRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, exists := l.records[did]
	if !exists {
		return DIDRecord{}, fmt.Errorf("%w: DID %s", ErrNotFound, did)
	}
	return *rec, nil
}

// IsDIDActive reports whether the DID exists and is active. Unknown DIDs are
// inactive, not an error.
func (l *DIDLedger) IsDIDActive(did string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, exists := l.records[did]
	return exists && rec.Active
}

func (l *DIDLedger) GetDIDOwner(did string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, exists := l.records[did]
	if !exists {
		return "", fmt.Errorf("%w: DID %s", ErrNotFound, did)
	}
	return rec.Owner, nil
}

// GetDIDsByOwner returns the identifiers currently owned by an identity, in
// insertion order. Unknown owners yield an empty slice.
func (l *DIDLedger) GetDIDsByOwner(owner string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return setValues(l.byOwner[owner])
}

// Pause halts all mutating record operations until Unpause. Admin only.
func (l *DIDLedger) Pause(caller string) error {
	if err := l.guard.enter("pause"); err != nil {
		return err
	}
	defer l.guard.exit()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.role.pause(caller)
}

func (l *DIDLedger) Unpause(caller string) error {
	if err := l.guard.enter("unpause"); err != nil {
		return err
	}
	defer l.guard.exit()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.role.unpause(caller)
}

func (l *DIDLedger) TransferAdmin(newAdmin, caller string) error {
	if err := l.guard.enter("transferAdmin"); err != nil {
		return err
	}
	defer l.guard.exit()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.role.transferAdmin(newAdmin, caller)
}

func (l *DIDLedger) ownedBy(owner string) *linkedhashset.Set {
	set, exists := l.byOwner[owner]
	if !exists {
		set = linkedhashset.New()
		l.byOwner[owner] = set
	}
	return set
}

func setValues(set *linkedhashset.Set) []string {
	if set == nil {
		return []string{}
	}
	values := set.Values()
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.(string))
	}
	return out
}
