// Package registry keeps the state of every known remote peer.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/settlement"
	"github.com/outofforest/peerlink/wire"
)

// ErrPhaseRegression is returned when transition violates phase ordering.
var ErrPhaseRegression = errors.New("phase regression")

// Phase is the bootstrap phase of the peer.
type Phase int

// Phases in bootstrap order.
const (
	PhaseDiscovering Phase = iota
	PhaseRegistering
	PhaseHandshaking
	PhaseAnnouncing
	PhaseReady
	PhaseFailed
)

// Phases lists all the phases.
var Phases = []Phase{PhaseDiscovering, PhaseRegistering, PhaseHandshaking, PhaseAnnouncing, PhaseReady, PhaseFailed}

func (p Phase) String() string {
	switch p {
	case PhaseDiscovering:
		return "discovering"
	case PhaseRegistering:
		return "registering"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseAnnouncing:
		return "announcing"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanTransition returns nil if transition from one phase to another is allowed.
func CanTransition(from, to Phase) error {
	switch {
	case from == PhaseReady && to != PhaseReady:
		return errors.Wrapf(ErrPhaseRegression, "%s -> %s", from, to)
	case from == to:
	case to == PhaseFailed:
	case from == PhaseFailed && to == PhaseDiscovering:
	case to == from+1 && to != PhaseFailed:
	default:
		return errors.Wrapf(ErrPhaseRegression, "%s -> %s", from, to)
	}
	return nil
}

// Source tells how the peer was discovered.
type Source int

// Discovery sources.
const (
	SourceStatic Source = iota
	SourceDirectory
)

func (s Source) String() string {
	if s == SourceDirectory {
		return "directory"
	}
	return "static"
}

// Discovery is the directory entry of the peer.
type Discovery struct {
	Identity       codec.PublicKey
	Source         Source
	RoutingAddress string
	Endpoint       string
	Relay          string
	EncryptionKey  [32]byte
	Profile        settlement.Profile
}

// DiscoveryFromInfo converts announced peer info into discovery.
func DiscoveryFromInfo(identity codec.PublicKey, info *wire.PeerInfo, source Source) Discovery {
	return Discovery{
		Identity:       identity,
		Source:         source,
		RoutingAddress: info.RoutingAddress,
		Endpoint:       info.Endpoint,
		Relay:          info.Relay,
		EncryptionKey:  info.EncryptionKey,
		Profile:        settlement.FromWire(info.Settlements),
	}
}

// Record is the state of the remote peer.
type Record struct {
	Identity        codec.PublicKey
	Source          Source
	RoutingAddress  string
	Endpoint        string
	Relay           string
	EncryptionKey   [32]byte
	Profile         settlement.Profile
	Phase           Phase
	Attempt         uint64
	ChannelID       string
	Chain           settlement.ChainID
	Token           settlement.TokenID
	TokenNetwork    settlement.Address
	NoChannelReason string
	LastError       string
	UpdatedAt       time.Time
}

// HasChannel returns true if channel is established with the peer.
func (r Record) HasChannel() bool {
	return r.ChannelID != ""
}

type entry struct {
	mu     sync.Mutex
	record Record
}

// Registry is the concurrency-safe registry of peers.
// Writes to one peer are serialized, reads never block on writes to other peers.
type Registry struct {
	mu      sync.RWMutex
	entries map[codec.PublicKey]*entry
}

// New creates registry.
func New() *Registry {
	return &Registry{
		entries: map[codec.PublicKey]*entry{},
	}
}

// Ensure creates the record if it does not exist. It returns true if record was created.
func (r *Registry) Ensure(identity codec.PublicKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[identity]; exists {
		return false
	}
	r.entries[identity] = &entry{
		record: Record{
			Identity:  identity,
			Phase:     PhaseDiscovering,
			UpdatedAt: time.Now(),
		},
	}
	return true
}

// Has returns true if peer is known.
func (r *Registry) Has(identity codec.PublicKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.entries[identity]
	return exists
}

// Get returns copy of the record.
func (r *Registry) Get(identity codec.PublicKey) (Record, bool) {
	e := r.entry(identity)
	if e == nil {
		return Record{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.record, true
}

// Update applies mutation to the record under its lock. Identity and phase can't be changed by the mutation.
func (r *Registry) Update(identity codec.PublicKey, mutate func(rec *Record)) error {
	e := r.entry(identity)
	if e == nil {
		return errors.Errorf("peer %s is unknown", identity)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.record
	mutate(&rec)
	rec.Identity = e.record.Identity
	rec.Phase = e.record.Phase
	rec.UpdatedAt = time.Now()
	e.record = rec
	return nil
}

// Transition moves the peer to the new phase.
func (r *Registry) Transition(identity codec.PublicKey, to Phase, cause error) (Record, error) {
	e := r.entry(identity)
	if e == nil {
		return Record{}, errors.Errorf("peer %s is unknown", identity)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := CanTransition(e.record.Phase, to); err != nil {
		return e.record, err
	}
	if e.record.Phase == PhaseFailed && to == PhaseDiscovering {
		e.record.Attempt++
	}
	e.record.Phase = to
	if cause != nil {
		e.record.LastError = cause.Error()
	}
	e.record.UpdatedAt = time.Now()
	return e.record, nil
}

// SetDiscovery stores discovery data and settlement profile of the peer, replacing previous ones.
func (r *Registry) SetDiscovery(d Discovery) error {
	return r.Update(d.Identity, func(rec *Record) {
		rec.Source = d.Source
		rec.RoutingAddress = d.RoutingAddress
		rec.Endpoint = d.Endpoint
		rec.Relay = d.Relay
		rec.EncryptionKey = d.EncryptionKey
		rec.Profile = d.Profile
	})
}

// SetChannel stores channel together with negotiated settlement fields.
func (r *Registry) SetChannel(identity codec.PublicKey, channelID string, result settlement.Result) error {
	return r.Update(identity, func(rec *Record) {
		rec.ChannelID = channelID
		rec.Chain = result.Chain
		rec.Token = result.Token
		rec.TokenNetwork = result.TokenNetwork
		rec.NoChannelReason = ""
	})
}

// SetNoChannel records why peer is routed without channel.
func (r *Registry) SetNoChannel(identity codec.PublicKey, reason string) error {
	return r.Update(identity, func(rec *Record) {
		rec.ChannelID = ""
		rec.Chain = ""
		rec.Token = ""
		rec.TokenNetwork = ""
		rec.NoChannelReason = reason
	})
}

// Snapshot returns copies of all the records ordered by identity.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		records = append(records, e.record)
		e.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Identity.String() < records[j].Identity.String()
	})
	return records
}

// Counts is the summary of the registry.
type Counts struct {
	Phases   map[Phase]int
	Peers    int
	Channels int
}

// Counts returns number of peers per phase, number of ready peers and number of channels.
func (r *Registry) Counts() Counts {
	counts := Counts{
		Phases: map[Phase]int{},
	}
	for _, rec := range r.Snapshot() {
		counts.Phases[rec.Phase]++
		if rec.Phase == PhaseReady {
			counts.Peers++
		}
		if rec.HasChannel() {
			counts.Channels++
		}
	}
	return counts
}

// WaitFor waits until the record of the peer satisfies the condition.
func (r *Registry) WaitFor(ctx context.Context, identity codec.PublicKey, cond func(rec Record) bool) (Record, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if rec, exists := r.Get(identity); exists && cond(rec) {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return Record{}, errors.WithStack(ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Registry) entry(identity codec.PublicKey) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.entries[identity]
}
