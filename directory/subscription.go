package directory

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/peerlink/wire"
)

// Subscription receives events of requested kinds.
type Subscription struct {
	kinds map[wire.Kind]struct{}
	ch    chan *wire.Event
	done  chan struct{}
	once  sync.Once
	subs  *subscriptions
}

// Events returns channel delivering events.
func (s *Subscription) Events() <-chan *wire.Event {
	return s.ch
}

// Close stops delivery of events.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.subs.Remove(s)
	})
}

type subscriptions struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		subs: map[*Subscription]struct{}{},
	}
}

func (s *subscriptions) Add(kinds []wire.Kind) *Subscription {
	sub := &Subscription{
		kinds: make(map[wire.Kind]struct{}, len(kinds)),
		ch:    make(chan *wire.Event, 100),
		done:  make(chan struct{}),
		subs:  s,
	}
	for _, k := range kinds {
		sub.kinds[k] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.subs[sub] = struct{}{}
	return sub
}

func (s *subscriptions) Remove(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subs, sub)
}

// Dispatch delivers event to every subscription of its kind, waiting for slow subscribers.
func (s *subscriptions) Dispatch(ctx context.Context, ev *wire.Event) error {
	s.mu.RLock()
	targets := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		if _, exists := sub.kinds[ev.Kind]; exists {
			targets = append(targets, sub)
		}
	}
	s.mu.RUnlock()

	for _, sub := range targets {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-sub.done:
		case sub.ch <- ev:
		}
	}
	return nil
}
