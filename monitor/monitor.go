// Package monitor feeds peers announced in the directory into the bootstrap engine.
package monitor

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/directory"
	"github.com/outofforest/peerlink/registry"
	"github.com/outofforest/peerlink/wire"
)

// Subscriber delivers directory events.
type Subscriber interface {
	Subscribe(kinds ...wire.Kind) *directory.Subscription
}

// Enqueuer schedules bootstrap of the peer.
type Enqueuer interface {
	Enqueue(identity codec.PublicKey) bool
}

// Admission decides if announced peer should be bootstrapped.
type Admission interface {
	Admit(identity codec.PublicKey) bool
}

// FollowList admits followed identities. Empty list admits everyone.
type FollowList map[codec.PublicKey]struct{}

// Admit admits the identity if it is followed.
func (f FollowList) Admit(identity codec.PublicKey) bool {
	if len(f) == 0 {
		return true
	}
	_, exists := f[identity]
	return exists
}

// Monitor watches announcements.
type Monitor struct {
	self      codec.PublicKey
	index     *directory.Index
	registry  *registry.Registry
	admission Admission
	engine    Enqueuer
	sub       *directory.Subscription
}

// New creates monitor. Announcements are collected from the moment monitor is created.
func New(
	self codec.PublicKey,
	subscriber Subscriber,
	index *directory.Index,
	registry *registry.Registry,
	admission Admission,
	engine Enqueuer,
) *Monitor {
	if admission == nil {
		admission = FollowList{}
	}
	return &Monitor{
		self:      self,
		index:     index,
		registry:  registry,
		admission: admission,
		engine:    engine,
		sub:       subscriber.Subscribe(codec.KindPeerInfo),
	}
}

// Run runs the monitor.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.sub.Close()

	log := logger.Get(ctx)
	seen := map[codec.PublicKey]struct{}{}

	for {
		var ev *wire.Event
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case ev = <-m.sub.Events():
		}

		peer, _, err := m.index.Add(ev)
		if err != nil {
			log.Warn("Invalid announcement received", zap.Error(err))
			continue
		}

		identity := peer.Identity
		if identity == m.self {
			continue
		}
		if _, exists := seen[identity]; exists {
			continue
		}
		if !m.admission.Admit(identity) {
			log.Debug("Peer not admitted", zap.Stringer("peer", identity))
			continue
		}
		if m.registry.Has(identity) {
			continue
		}

		seen[identity] = struct{}{}
		if m.engine.Enqueue(identity) {
			log.Info("New peer announced", zap.Stringer("peer", identity),
				zap.String("routingAddress", peer.RoutingAddress))
		}
	}
}
