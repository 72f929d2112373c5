package directory

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/registry"
	"github.com/outofforest/peerlink/wire"
)

// ErrUnknownPeer is returned when peer is not present in the discovery source.
var ErrUnknownPeer = errors.New("unknown peer")

// Discoverer resolves directory entry of the peer.
type Discoverer interface {
	Discover(ctx context.Context, identity codec.PublicKey) (registry.Discovery, error)
}

// Announcement creates signed peer info event.
func Announcement(identity *codec.Identity, info *wire.PeerInfo) (*wire.Event, error) {
	content, err := codec.Encode(info)
	if err != nil {
		return nil, err
	}
	ev := codec.NewEvent(codec.KindPeerInfo, content)
	codec.Sign(identity, ev)
	return ev, nil
}

type indexEntry struct {
	CreatedAt uint64
	Discovery registry.Discovery
}

// Index keeps the latest announcement of every peer.
type Index struct {
	mu      sync.Mutex
	entries map[codec.PublicKey]indexEntry
	changed chan struct{}
}

// NewIndex creates index.
func NewIndex() *Index {
	return &Index{
		entries: map[codec.PublicKey]indexEntry{},
		changed: make(chan struct{}),
	}
}

// Add verifies and stores announcement. It returns false if newer announcement of the peer is already stored.
func (i *Index) Add(ev *wire.Event) (registry.Discovery, bool, error) {
	if ev.Kind != codec.KindPeerInfo {
		return registry.Discovery{}, false, errors.Errorf("event of kind %d is not an announcement", ev.Kind)
	}
	if err := codec.Verify(ev); err != nil {
		return registry.Discovery{}, false, err
	}
	info, err := codec.Decode[wire.PeerInfo](ev.Content)
	if err != nil {
		return registry.Discovery{}, false, err
	}

	author := codec.Author(ev)
	d := registry.DiscoveryFromInfo(author, info, registry.SourceDirectory)

	i.mu.Lock()
	defer i.mu.Unlock()

	if existing, exists := i.entries[author]; exists && existing.CreatedAt > ev.CreatedAt {
		return existing.Discovery, false, nil
	}
	i.entries[author] = indexEntry{
		CreatedAt: ev.CreatedAt,
		Discovery: d,
	}
	close(i.changed)
	i.changed = make(chan struct{})

	return d, true, nil
}

// Get returns stored entry.
func (i *Index) Get(identity codec.PublicKey) (registry.Discovery, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	e, exists := i.entries[identity]
	return e.Discovery, exists
}

// Discover waits until announcement of the peer is received.
func (i *Index) Discover(ctx context.Context, identity codec.PublicKey) (registry.Discovery, error) {
	for {
		i.mu.Lock()
		e, exists := i.entries[identity]
		changed := i.changed
		i.mu.Unlock()

		if exists {
			return e.Discovery, nil
		}

		select {
		case <-ctx.Done():
			return registry.Discovery{}, errors.Wrapf(ErrUnknownPeer, "peer %s: %s", identity, ctx.Err())
		case <-changed:
		}
	}
}

// Static resolves peers configured explicitly. Missing data is completed from the fallback source.
type Static struct {
	peers    map[codec.PublicKey]registry.Discovery
	order    []codec.PublicKey
	fallback Discoverer
}

// NewStatic creates static discoverer.
func NewStatic(peers []registry.Discovery, fallback Discoverer) *Static {
	s := &Static{
		peers:    make(map[codec.PublicKey]registry.Discovery, len(peers)),
		order:    make([]codec.PublicKey, 0, len(peers)),
		fallback: fallback,
	}
	for _, p := range peers {
		p.Source = registry.SourceStatic
		if _, exists := s.peers[p.Identity]; !exists {
			s.order = append(s.order, p.Identity)
		}
		s.peers[p.Identity] = p
	}
	return s
}

// Peers returns identities of configured peers.
func (s *Static) Peers() []codec.PublicKey {
	return s.order
}

// Discover resolves peer.
func (s *Static) Discover(ctx context.Context, identity codec.PublicKey) (registry.Discovery, error) {
	p, exists := s.peers[identity]
	if exists && p.EncryptionKey != ([32]byte{}) && p.RoutingAddress != "" {
		return p, nil
	}
	if s.fallback == nil {
		if exists {
			return registry.Discovery{}, errors.Wrapf(ErrUnknownPeer, "peer %s is not fully configured", identity)
		}
		return registry.Discovery{}, errors.Wrapf(ErrUnknownPeer, "peer %s", identity)
	}

	d, err := s.fallback.Discover(ctx, identity)
	if err != nil || !exists {
		return d, err
	}

	// Configured values take precedence over announced ones.
	d.Source = registry.SourceStatic
	if p.RoutingAddress != "" {
		d.RoutingAddress = p.RoutingAddress
	}
	if p.Endpoint != "" {
		d.Endpoint = p.Endpoint
	}
	if p.Relay != "" {
		d.Relay = p.Relay
	}
	return d, nil
}
