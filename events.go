package didvcr

import (
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
)

// Clock supplies substrate time for record timestamps and audit envelopes.
type Clock func() time.Time

// Event is a structured change notification emitted by an engine instance
// after a successful mutation. The concrete types below are the exhaustive
// set; off-chain indexers depend on their exact shapes.
type Event interface {
	Kind() string
	attrs() map[string]string
}

type DIDCreated struct {
	DID      string
	Owner    string
	Document string
}

func (e *DIDCreated) Kind() string { return "DIDCreated" }
func (e *DIDCreated) attrs() map[string]string {
	return map[string]string{"did": e.DID, "owner": e.Owner, "document": e.Document}
}

type DIDUpdated struct {
	DID      string
	Owner    string
	Document string
}

func (e *DIDUpdated) Kind() string { return "DIDUpdated" }
func (e *DIDUpdated) attrs() map[string]string {
	return map[string]string{"did": e.DID, "owner": e.Owner, "document": e.Document}
}

type DIDDeactivated struct {
	DID   string
	Owner string
}

func (e *DIDDeactivated) Kind() string { return "DIDDeactivated" }
func (e *DIDDeactivated) attrs() map[string]string {
	return map[string]string{"did": e.DID, "owner": e.Owner}
}

type DIDOwnershipTransferred struct {
	DID           string
	PreviousOwner string
	NewOwner      string
}

func (e *DIDOwnershipTransferred) Kind() string { return "DIDOwnershipTransferred" }
func (e *DIDOwnershipTransferred) attrs() map[string]string {
	return map[string]string{"did": e.DID, "previousOwner": e.PreviousOwner, "newOwner": e.NewOwner}
}

type VCIssued struct {
	VCID       string
	Issuer     string
	Holder     string
	Credential string
}

func (e *VCIssued) Kind() string { return "VCIssued" }
func (e *VCIssued) attrs() map[string]string {
	return map[string]string{"vcId": e.VCID, "issuer": e.Issuer, "holder": e.Holder, "credential": e.Credential}
}

type VCRevoked struct {
	VCID   string
	Issuer string
}

func (e *VCRevoked) Kind() string { return "VCRevoked" }
func (e *VCRevoked) attrs() map[string]string {
	return map[string]string{"vcId": e.VCID, "issuer": e.Issuer}
}

type VCUpdated struct {
	VCID       string
	Issuer     string
	Credential string
}

func (e *VCUpdated) Kind() string { return "VCUpdated" }
func (e *VCUpdated) attrs() map[string]string {
	return map[string]string{"vcId": e.VCID, "issuer": e.Issuer, "credential": e.Credential}
}

type RegistryCreated struct {
	Name      string
	DIDLedger string
	VCLedger  string
}

func (e *RegistryCreated) Kind() string { return "RegistryCreated" }
func (e *RegistryCreated) attrs() map[string]string {
	return map[string]string{"name": e.Name, "didLedger": e.DIDLedger, "vcLedger": e.VCLedger}
}

type RegistryDeactivated struct {
	Name string
}

func (e *RegistryDeactivated) Kind() string { return "RegistryDeactivated" }
func (e *RegistryDeactivated) attrs() map[string]string {
	return map[string]string{"name": e.Name}
}

type RegistryReactivated struct {
	Name string
}

func (e *RegistryReactivated) Kind() string { return "RegistryReactivated" }
func (e *RegistryReactivated) attrs() map[string]string {
	return map[string]string{"name": e.Name}
}

// Envelope is one entry in an instance's append-only audit chain. Seq starts
// at 1; Prev is the CID of the preceding envelope ("" for the first). CID is
// computed over the deterministic CBOR encoding of the other fields, so a
// full chain is self-authenticating.
type Envelope struct {
	Ledger string            `json:"ledger"`
	Seq    uint64            `json:"seq"`
	Prev   string            `json:"prev"`
	Kind   string            `json:"kind"`
	Attrs  map[string]string `json:"attrs"`
	Time   string            `json:"time"`
	CID    string            `json:"cid"`
}

func init() {
	cbor.RegisterCborType(Envelope{})
}

func computeCID(b []byte) cid.Cid {
	cidBuilder := cid.V1Builder{Codec: 0x71, MhType: 0x12, MhLength: 0}
	c, err := cidBuilder.Sum(b)
	if err != nil {
		return cid.Undef
	}
	return c
}

// ComputeCID returns the envelope's CID, ignoring any value already present
// in the CID field (which is zeroed for encoding).
func (env Envelope) ComputeCID() (string, error) {
	env.CID = ""
	raw, err := cbor.DumpObject(&env)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return computeCID(raw).String(), nil
}

// VerifyEnvelopeChain checks a complete, ordered audit chain for a single
// instance: sequence contiguity from 1, prev-CID linkage, and CID integrity
// of every envelope.
func VerifyEnvelopeChain(entries []Envelope) error {
	if len(entries) == 0 {
		return fmt.Errorf("can't verify empty audit chain")
	}

	ledger := entries[0].Ledger
	prev := ""
	for idx, env := range entries {
		if env.Ledger != ledger {
			return fmt.Errorf("inconsistent ledger handle at seq %d", env.Seq)
		}
		if env.Seq != uint64(idx)+1 {
			return fmt.Errorf("sequence gap: expected %d, got %d", idx+1, env.Seq)
		}
		if env.Prev != prev {
			return fmt.Errorf("broken chain at seq %d: prev %q, expected %q", env.Seq, env.Prev, prev)
		}
		want, err := env.ComputeCID()
		if err != nil {
			return err
		}
		if env.CID != want {
			return fmt.Errorf("envelope CID mismatch at seq %d", env.Seq)
		}
		prev = env.CID
	}
	return nil
}

// EventSink receives committed audit envelopes. Publish must not call back
// into the emitting instance's mutating operations; such calls are rejected
// with ErrReentrant.
type EventSink interface {
	Publish(env Envelope)
}

// Sinks fans out envelopes to multiple sinks, in order.
func Sinks(sinks ...EventSink) EventSink {
	return multiSink(sinks)
}

type multiSink []EventSink

func (m multiSink) Publish(env Envelope) {
	for _, s := range m {
		s.Publish(env)
	}
}

// EventBuffer is an in-memory EventSink retaining every published envelope.
type EventBuffer struct {
	mu      sync.Mutex
	entries []Envelope
}

var _ EventSink = (*EventBuffer)(nil)

func NewEventBuffer() *EventBuffer {
	return &EventBuffer{}
}

func (b *EventBuffer) Publish(env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, env)
}

// Entries returns a copy of everything published so far.
func (b *EventBuffer) Entries() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Envelope, len(b.entries))
	copy(out, b.entries)
	return out
}

// auditLog appends envelopes for a single engine instance. Emission is
// serialized by the instance's re-entrancy guard, so seq/prev need no
// locking of their own.
type auditLog struct {
	ledger string
	clock  Clock
	sink   EventSink
	seq    uint64
	prev   string
}

func newAuditLog(ledger string, clock Clock, sink EventSink) *auditLog {
	if sink == nil {
		sink = multiSink(nil)
	}
	return &auditLog{
		ledger: ledger,
		clock:  clock,
		sink:   sink,
	}
}

func (l *auditLog) emit(evt Event) {
	l.seq++
	env := Envelope{
		Ledger: l.ledger,
		Seq:    l.seq,
		Prev:   l.prev,
		Kind:   evt.Kind(),
		Attrs:  evt.attrs(),
		Time:   l.clock().UTC().Format(time.RFC3339Nano),
	}
	c, err := env.ComputeCID()
	if err != nil {
		// DumpObject over string maps cannot realistically fail; an
		// unlinkable envelope is still delivered rather than dropped.
		c = ""
	}
	env.CID = c
	l.prev = c
	l.sink.Publish(env)
}
