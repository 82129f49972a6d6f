package didvcr

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RegistryPair is a jointly provisioned DID ledger + VC ledger under one
// name. Active is directory-level bookkeeping: deactivating a pair gates the
// directory's own administrative flows, not the ledgers' operations.
type RegistryPair struct {
	Name      string
	DIDLedger *DIDLedger
	VCLedger  *VCLedger
	Active    bool
	CreatedAt time.Time
}

// Directory is the factory and namespace layer over registry pairs. Names
// are permanently claimed: once used, a name can never name a different
// pair, even after deactivation.
type Directory struct {
	handle string
	clock  Clock
	sink   EventSink
	log    *auditLog
	guard  reentryGuard

	mu    sync.RWMutex
	role  adminRole
	pairs map[string]*RegistryPair
	names []string
}

// NewDirectory creates an empty directory. Ledgers provisioned through it
// inherit the clock and event sink, and the directory admin as their admin.
func NewDirectory(admin string, clock Clock, sink EventSink) *Directory {
	handle := uuid.NewString()
	return &Directory{
		handle: handle,
		clock:  clock,
		sink:   sink,
		log:    newAuditLog(handle, clock, sink),
		role:   adminRole{admin: admin},
		pairs:  make(map[string]*RegistryPair),
	}
}

func (d *Directory) Handle() string { return d.handle }

func (d *Directory) Admin() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.role.admin
}

func (d *Directory) Paused() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.role.paused
}

// CreateRegistry provisions a fresh DID ledger and a VC ledger wired to it,
// recorded under name. Admin only.
func (d *Directory) CreateRegistry(name, caller string) (*RegistryPair, error) {
	if err := d.guard.enter("createRegistry"); err != nil {
		return nil, err
	}
	defer d.guard.exit()

	pair, evt, err := d.applyCreate(name, caller)
	if err != nil {
		return nil, err
	}
	d.log.emit(evt)
	return pair, nil
}

func (d *Directory) applyCreate(name, caller string) (*RegistryPair, Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.role.checkNotPaused("registry directory " + d.handle); err != nil {
		return nil, nil, err
	}
	if err := d.role.requireAdmin(caller); err != nil {
		return nil, nil, err
	}
	if name == "" {
		return nil, nil, fmt.Errorf("%w: empty registry name", ErrInvalidArgument)
	}
	if _, exists := d.pairs[name]; exists {
		// Covers active and deactivated pairs alike: names are permanently claimed.
		return nil, nil, fmt.Errorf("%w: registry %s", ErrAlreadyExists, name)
	}

	didLedger := NewDIDLedger(d.role.admin, d.clock, d.sink)
	vcLedger := NewVCLedger(d.role.admin, didLedger, d.clock, d.sink)
	pair := &RegistryPair{
		Name:      name,
		DIDLedger: didLedger,
		VCLedger:  vcLedger,
		Active:    true,
		CreatedAt: d.clock(),
	}
	d.pairs[name] = pair
	d.names = append(d.names, name)

	evt := &RegistryCreated{Name: name, DIDLedger: didLedger.Handle(), VCLedger: vcLedger.Handle()}
	return pair, evt, nil
}

// DeactivateRegistry flips a pair inactive. Admin only; unlike DID and VC
// terminal states, registry pairs can be reactivated.
func (d *Directory) DeactivateRegistry(name, caller string) error {
	if err := d.guard.enter("deactivateRegistry"); err != nil {
		return err
	}
	defer d.guard.exit()

	evt, err := d.applyToggle(name, caller, false)
	if err != nil {
		return err
	}
	d.log.emit(evt)
	return nil
}

// ReactivateRegistry flips a pair back active. Admin only.
func (d *Directory) ReactivateRegistry(name, caller string) error {
	if err := d.guard.enter("reactivateRegistry"); err != nil {
		return err
	}
	defer d.guard.exit()

	evt, err := d.applyToggle(name, caller, true)
	if err != nil {
		return err
	}
	d.log.emit(evt)
	return nil
}

func (d *Directory) applyToggle(name, caller string, active bool) (Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.role.checkNotPaused("registry directory " + d.handle); err != nil {
		return nil, err
	}
	if err := d.role.requireAdmin(caller); err != nil {
		return nil, err
	}
	pair, exists := d.pairs[name]
	if !exists {
		return nil, fmt.Errorf("%w: registry %s", ErrNotFound, name)
	}
	if pair.Active == active {
		if active {
			return nil, fmt.Errorf("%w: registry %s is already active", ErrInvalidState, name)
		}
		return nil, fmt.Errorf("%w: registry %s is already deactivated", ErrInvalidState, name)
	}

	pair.Active = active
	if active {
		return &RegistryReactivated{Name: name}, nil
	}
	return &RegistryDeactivated{Name: name}, nil
}

// GetRegistry returns the pair registered under name, or ErrNotFound. The
// returned struct is a copy; the ledger pointers are the live instances.
func (d *Directory) GetRegistry(name string) (RegistryPair, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	pair, exists := d.pairs[name]
	if !exists {
		return RegistryPair{}, fmt.Errorf("%w: registry %s", ErrNotFound, name)
	}
	return *pair, nil
}

// GetAllRegistryNames returns every name ever claimed, in creation order.
func (d *Directory) GetAllRegistryNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

func (d *Directory) GetRegistryCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.names)
}

// IsRegistryActive reports whether name exists and is active. Unknown names
// are inactive, not an error.
func (d *Directory) IsRegistryActive(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	pair, exists := d.pairs[name]
	return exists && pair.Active
}

// Pause halts createRegistry and the activation toggles until Unpause.
func (d *Directory) Pause(caller string) error {
	if err := d.guard.enter("pause"); err != nil {
		return err
	}
	defer d.guard.exit()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.role.pause(caller)
}

func (d *Directory) Unpause(caller string) error {
	if err := d.guard.enter("unpause"); err != nil {
		return err
	}
	defer d.guard.exit()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.role.unpause(caller)
}

func (d *Directory) TransferAdmin(newAdmin, caller string) error {
	if err := d.guard.enter("transferAdmin"); err != nil {
		return err
	}
	defer d.guard.exit()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.role.transferAdmin(newAdmin, caller)
}
