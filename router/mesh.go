package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/peerlink/channel"
	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/settlement"
)

// Handler handles packet delivered to the node. Returned data is the fulfillment.
type Handler func(ctx context.Context, amount uint64, data []byte) ([]byte, error)

// Mesh is the in-process packet network connecting local nodes by routing address.
type Mesh struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMesh creates mesh.
func NewMesh() *Mesh {
	return &Mesh{
		handlers: map[string]Handler{},
	}
}

// Attach attaches node to the mesh and returns its router.
func (m *Mesh) Attach(address string, handler Handler) *MeshRouter {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[address] = handler
	return &MeshRouter{
		mesh:  m,
		peers: map[codec.PublicKey]RoutingConfig{},
	}
}

func (m *Mesh) deliver(ctx context.Context, destination string, amount uint64, data []byte) ([]byte, error) {
	m.mu.RLock()
	handler, exists := m.handlers[destination]
	m.mu.RUnlock()

	if !exists {
		return nil, &RejectError{Code: CodeUnreachable, Message: fmt.Sprintf("no node at %s", destination)}
	}

	fulfillment, err := handler(ctx, amount, data)
	if err != nil {
		var reject *RejectError
		if errors.As(err, &reject) {
			return nil, reject
		}
		return nil, &RejectError{Code: CodeApplicationError, Message: err.Error()}
	}
	return fulfillment, nil
}

var _ Router = &MeshRouter{}

// MeshRouter is the router of single node attached to the mesh.
// It supports create-only registration, the same way as the external router does.
type MeshRouter struct {
	mesh *Mesh

	mu    sync.RWMutex
	peers map[codec.PublicKey]RoutingConfig
}

// RegisterPeer registers peer.
func (r *MeshRouter) RegisterPeer(_ context.Context, id codec.PublicKey, config RoutingConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; exists {
		return errors.Wrapf(ErrConflict, "peer %s", id)
	}
	r.peers[id] = config
	return nil
}

// UpdatePeer updates peer.
func (r *MeshRouter) UpdatePeer(_ context.Context, id codec.PublicKey, config RoutingConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; !exists {
		return errors.Wrapf(ErrNotFound, "peer %s", id)
	}
	r.peers[id] = config
	return nil
}

// Peer returns configuration of the registered peer.
func (r *MeshRouter) Peer(id codec.PublicKey) (RoutingConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	config, exists := r.peers[id]
	return config, exists
}

// SendPacket sends packet to the registered peer.
func (r *MeshRouter) SendPacket(ctx context.Context, destination string, amount uint64, data []byte) ([]byte, error) {
	r.mu.RLock()
	var known bool
	for _, p := range r.peers {
		if p.RoutingAddress == destination {
			known = true
			break
		}
	}
	r.mu.RUnlock()

	if !known {
		return nil, &RejectError{Code: CodeUnreachable, Message: fmt.Sprintf("no route to %s", destination)}
	}
	return r.mesh.deliver(ctx, destination, amount, data)
}

var (
	_ channel.Admin       = &Ledger{}
	_ channel.NonceSource = &Ledger{}
)

// Ledger is the in-process channel admin. Channels become open after configured number of polls.
type Ledger struct {
	openAfter int

	mu       sync.Mutex
	nonces   map[settlement.ChainID]uint64
	channels map[channel.ID]*ledgerChannel
}

type ledgerChannel struct {
	state channel.State
	polls int
}

// NewLedger creates ledger.
func NewLedger(openAfter int) *Ledger {
	return &Ledger{
		openAfter: openAfter,
		nonces:    map[settlement.ChainID]uint64{},
		channels:  map[channel.ID]*ledgerChannel{},
	}
}

// PendingNonce returns next nonce on the chain.
func (l *Ledger) PendingNonce(_ context.Context, chain settlement.ChainID) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.nonces[chain], nil
}

// OpenChannel opens channel if nonce is the expected one.
func (l *Ledger) OpenChannel(_ context.Context, req channel.AdminOpenRequest) (channel.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if expected := l.nonces[req.Chain]; req.Nonce != expected {
		return "", errors.Wrapf(channel.ErrNonceConflict, "expected nonce %d, got %d", expected, req.Nonce)
	}
	l.nonces[req.Chain]++

	id := channel.ID(fmt.Sprintf("%s-%d", req.Chain, req.Nonce))
	l.channels[id] = &ledgerChannel{
		state: channel.State{
			ChannelID: id,
			Status:    channel.StatusPending,
			Chain:     req.Chain,
		},
	}
	return id, nil
}

// ChannelState returns state of the channel.
func (l *Ledger) ChannelState(_ context.Context, id channel.ID) (channel.State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, exists := l.channels[id]
	if !exists {
		return channel.State{}, errors.Errorf("channel %s does not exist", id)
	}
	ch.polls++
	if ch.state.Status == channel.StatusPending && ch.polls > l.openAfter {
		ch.state.Status = channel.StatusOpen
	}
	return ch.state, nil
}

// Channels returns number of channels opened on the ledger.
func (l *Ledger) Channels() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.channels)
}
