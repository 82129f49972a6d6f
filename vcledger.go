package didvcr

import (
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/google/uuid"
)

// DIDActivityReader is the read-only view of a DID ledger the VC ledger
// consults at issuance time. Implementations must not mutate anything.
type DIDActivityReader interface {
	IsDIDActive(did string) bool
}

// VCRecord is the full state of a single verifiable credential. A VC
// identifier maps to at most one record forever; revocation is terminal.
type VCRecord struct {
	VCID       string    `json:"vcId"`
	Credential string    `json:"credential"`
	Issuer     string    `json:"issuer"`
	Holder     string    `json:"holder"`
	Revoked    bool      `json:"revoked"`
	IssuedAt   time.Time `json:"issuedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// VCLedger owns VC record lifecycle and the per-issuer/per-holder reverse
// indexes. The holder DID must be active at issuance; its later fate does
// not affect already issued credentials.
type VCLedger struct {
	handle string
	clock  Clock
	log    *auditLog
	guard  reentryGuard

	mu        sync.RWMutex
	role      adminRole
	didLedger DIDActivityReader
	records   map[string]*VCRecord
	byIssuer  map[string]*linkedhashset.Set
	byHolder  map[string]*linkedhashset.Set
}

// NewVCLedger creates an empty ledger wired to a DID ledger for holder
// activity checks. The reference is held by indirection and can be swapped
// at any time via SetDIDLedger.
func NewVCLedger(admin string, didLedger DIDActivityReader, clock Clock, sink EventSink) *VCLedger {
	handle := uuid.NewString()
	return &VCLedger{
		handle:    handle,
		clock:     clock,
		log:       newAuditLog(handle, clock, sink),
		role:      adminRole{admin: admin},
		didLedger: didLedger,
		records:   make(map[string]*VCRecord),
		byIssuer:  make(map[string]*linkedhashset.Set),
		byHolder:  make(map[string]*linkedhashset.Set),
	}
}

func (l *VCLedger) Handle() string { return l.handle }

func (l *VCLedger) Admin() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.role.admin
}

func (l *VCLedger) Paused() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.role.paused
}

// IssueVC registers a new credential with the caller as issuer. The holder
// DID must be active on the referenced DID ledger at this moment; the check
// happens exactly once.
func (l *VCLedger) IssueVC(vcID, holderDID, credential, caller string) error {
	if err := l.guard.enter("issueVC"); err != nil {
		return err
	}
	defer l.guard.exit()

	evt, err := l.applyIssue(vcID, holderDID, credential, caller)
	if err != nil {
		return err
	}
	l.log.emit(evt)
	return nil
}

func (l *VCLedger) applyIssue(vcID, holderDID, credential, caller string) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.role.checkNotPaused("VC ledger " + l.handle); err != nil {
		return nil, err
	}
	if vcID == "" {
		return nil, fmt.Errorf("%w: empty VC identifier", ErrInvalidArgument)
	}
	if holderDID == "" {
		return nil, fmt.Errorf("%w: empty holder DID", ErrInvalidArgument)
	}
	if credential == "" {
		return nil, fmt.Errorf("%w: empty credential", ErrInvalidArgument)
	}
	if caller == "" {
		return nil, fmt.Errorf("%w: empty caller identity", ErrInvalidArgument)
	}
	if _, exists := l.records[vcID]; exists {
		return nil, fmt.Errorf("%w: VC %s", ErrAlreadyExists, vcID)
	}
	if l.didLedger == nil {
		return nil, fmt.Errorf("%w: no DID ledger reference configured", ErrFailedPrecondition)
	}
	if !l.didLedger.IsDIDActive(holderDID) {
		return nil, fmt.Errorf("%w: holder DID %s is not active", ErrFailedPrecondition, holderDID)
	}

	now := l.clock()
	l.records[vcID] = &VCRecord{
		VCID:       vcID,
		Credential: credential,
		Issuer:     caller,
		Holder:     holderDID,
		Revoked:    false,
		IssuedAt:   now,
		UpdatedAt:  now,
	}
	l.issuedBy(caller).Add(vcID)
	l.heldBy(holderDID).Add(vcID)
	return &VCIssued{VCID: vcID, Issuer: caller, Holder: holderDID, Credential: credential}, nil
}

// UpdateVC replaces the credential payload. Issuer only; blocked once revoked.
func (l *VCLedger) UpdateVC(vcID, credential, caller string) error {
	if err := l.guard.enter("updateVC"); err != nil {
		return err
	}
	defer l.guard.exit()

	evt, err := l.applyUpdate(vcID, credential, caller)
	if err != nil {
		return err
	}
	l.log.emit(evt)
	return nil
}

func (l *VCLedger) applyUpdate(vcID, credential, caller string) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.role.checkNotPaused("VC ledger " + l.handle); err != nil {
		return nil, err
	}
	rec, exists := l.records[vcID]
	if !exists {
		return nil, fmt.Errorf("%w: VC %s", ErrNotFound, vcID)
	}
	if caller != rec.Issuer {
		return nil, fmt.Errorf("%w: caller %q is not the issuer of %s", ErrUnauthorized, caller, vcID)
	}
	if rec.Revoked {
		return nil, fmt.Errorf("%w: VC %s is revoked", ErrInvalidState, vcID)
	}
	if credential == "" {
		return nil, fmt.Errorf("%w: empty credential", ErrInvalidArgument)
	}

	rec.Credential = credential
	rec.UpdatedAt = l.clock()
	return &VCUpdated{VCID: vcID, Issuer: rec.Issuer, Credential: credential}, nil
}

// RevokeVC marks the credential revoked. Terminal: there is no un-revoke.
func (l *VCLedger) RevokeVC(vcID, caller string) error {
	if err := l.guard.enter("revokeVC"); err != nil {
		return err
	}
	defer l.guard.exit()

	evt, err := l.applyRevoke(vcID, caller)
	if err != nil {
		return err
	}
	l.log.emit(evt)
	return nil
}

func (l *VCLedger) applyRevoke(vcID, caller string) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.role.checkNotPaused("VC ledger " + l.handle); err != nil {
		return nil, err
	}
	rec, exists := l.records[vcID]
	if !exists {
		return nil, fmt.Errorf("%w: VC %s", ErrNotFound, vcID)
	}
	if caller != rec.Issuer {
		return nil, fmt.Errorf("%w: caller %q is not the issuer of %s", ErrUnauthorized, caller, vcID)
	}
	if rec.Revoked {
		return nil, fmt.Errorf("%w: VC %s is already revoked", ErrInvalidState, vcID)
	}

	rec.Revoked = true
	rec.UpdatedAt = l.clock()
	return &VCRevoked{VCID: vcID, Issuer: rec.Issuer}, nil
}

// GetVC returns a copy of the record, or ErrNotFound.
func (l *VCLedger) GetVC(vcID string) (VCRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, exists := l.records[vcID]
	if !exists {
		return VCRecord{}, fmt.Errorf("%w: VC %s", ErrNotFound, vcID)
	}
	return *rec, nil
}

// IsVCValid reports whether the credential exists and has not been revoked.
// Unknown or revoked credentials are invalid, not an error. The holder DID's
// current activity is deliberately not consulted.
func (l *VCLedger) IsVCValid(vcID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, exists := l.records[vcID]
	return exists && !rec.Revoked
}

// GetVCsByIssuer returns identifiers issued by an identity, in issuance
// order. Unknown issuers yield an empty slice.
func (l *VCLedger) GetVCsByIssuer(issuer string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return setValues(l.byIssuer[issuer])
}

// GetVCsByHolder returns identifiers issued against a holder DID, in
// issuance order. Unknown holders yield an empty slice.
func (l *VCLedger) GetVCsByHolder(holderDID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return setValues(l.byHolder[holderDID])
}

// SetDIDLedger swaps the DID ledger reference. Admin only; takes effect for
// every subsequent issuance immediately.
func (l *VCLedger) SetDIDLedger(ref DIDActivityReader, caller string) error {
	if err := l.guard.enter("setDidLedgerReference"); err != nil {
		return err
	}
	defer l.guard.exit()
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.role.requireAdmin(caller); err != nil {
		return err
	}
	if ref == nil {
		return fmt.Errorf("%w: nil DID ledger reference", ErrInvalidArgument)
	}
	l.didLedger = ref
	return nil
}

// DIDLedgerRef returns the current DID ledger reference.
func (l *VCLedger) DIDLedgerRef() DIDActivityReader {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.didLedger
}

// Pause halts all mutating record operations until Unpause. Admin only;
// administrative operations themselves stay available while paused.
func (l *VCLedger) Pause(caller string) error {
	if err := l.guard.enter("pause"); err != nil {
		return err
	}
	defer l.guard.exit()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.role.pause(caller)
}

func (l *VCLedger) Unpause(caller string) error {
	if err := l.guard.enter("unpause"); err != nil {
		return err
	}
	defer l.guard.exit()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.role.unpause(caller)
}

func (l *VCLedger) TransferAdmin(newAdmin, caller string) error {
	if err := l.guard.enter("transferAdmin"); err != nil {
		return err
	}
	defer l.guard.exit()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.role.transferAdmin(newAdmin, caller)
}

func (l *VCLedger) issuedBy(issuer string) *linkedhashset.Set {
	set, exists := l.byIssuer[issuer]
	if !exists {
		set = linkedhashset.New()
		l.byIssuer[issuer] = set
	}
	return set
}

func (l *VCLedger) heldBy(holder string) *linkedhashset.Set {
	set, exists := l.byHolder[holder]
	if !exists {
		set = linkedhashset.New()
		l.byHolder[holder] = set
	}
	return set
}
