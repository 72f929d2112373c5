package bootstrap

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/registry"
)

// EventType is the type of lifecycle event.
type EventType string

// Lifecycle events.
const (
	EventPhase EventType = "bootstrap:phase"
	EventReady EventType = "bootstrap:ready"
)

// Event is the lifecycle event emitted by the engine.
type Event struct {
	Type         EventType
	Peer         codec.PublicKey
	Phase        registry.Phase
	Attempt      uint64
	Error        string
	PeerCount    int
	ChannelCount int
	Time         time.Time
}

const subscriberBuffer = 100

type hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Uint64
}

func newHub() *hub {
	return &hub{
		subs: map[chan Event]struct{}{},
	}
}

func (h *hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			delete(h.subs, ch)
			close(ch)
		})
	}
}

// Publish never blocks, events are dropped for subscribers which are not keeping up.
func (h *hub) Publish(ctx context.Context, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			logger.Get(ctx).Warn("Lifecycle event dropped",
				zap.String("type", string(ev.Type)),
				zap.Uint64("dropped", h.dropped.Add(1)))
		}
	}
}
