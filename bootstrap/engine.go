// Package bootstrap drives every remote peer through discovery, registration, handshake, announcement and
// readiness.
package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/peerlink/channel"
	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/handshake"
	"github.com/outofforest/peerlink/registry"
	"github.com/outofforest/peerlink/router"
	"github.com/outofforest/peerlink/wire"
)

// ErrDiscovery is returned when directory entry of the peer can't be resolved.
var ErrDiscovery = errors.New("discovery failed")

// Discoverer resolves directory entry of the peer.
type Discoverer interface {
	Discover(ctx context.Context, identity codec.PublicKey) (registry.Discovery, error)
}

// Registrar registers peers in the router.
type Registrar interface {
	Register(ctx context.Context, id codec.PublicKey, config router.RoutingConfig) error
	Update(ctx context.Context, id codec.PublicKey, config router.RoutingConfig) error
}

// Handshaker runs handshake with the peer.
type Handshaker interface {
	Handshake(ctx context.Context, transport handshake.Transport, peer registry.Discovery) (handshake.Outcome, error)
}

// Channels establishes payment channels.
type Channels interface {
	Establish(ctx context.Context, req channel.OpenRequest) (channel.State, error)
	AwaitOpen(ctx context.Context, id channel.ID) (channel.State, error)
}

// Transports selects transport by the way the peer was discovered.
type Transports struct {
	Static    handshake.Transport
	Directory handshake.Transport
}

// For returns transport to use for the source.
func (t Transports) For(source registry.Source) handshake.Transport {
	if source == registry.SourceDirectory && t.Directory != nil {
		return t.Directory
	}
	if t.Static != nil {
		return t.Static
	}
	return t.Directory
}

// Metrics receives engine activity.
type Metrics interface {
	Transitioned(phase registry.Phase)
	Observe(counts registry.Counts)
}

type nopMetrics struct{}

func (nopMetrics) Transitioned(registry.Phase) {}
func (nopMetrics) Observe(registry.Counts)     {}

// Config is the configuration of the engine.
type Config struct {
	DiscoveryAttempts int
	DiscoveryTimeout  time.Duration
	AnnounceAttempts  int
	RetryBackoff      time.Duration
	MaxRetryBackoff   time.Duration
	RetryBudget       uint64
	InitialDeposit    uint64
	SettlementTimeout time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		DiscoveryAttempts: 5,
		DiscoveryTimeout:  10 * time.Second,
		AnnounceAttempts:  3,
		RetryBackoff:      time.Second,
		MaxRetryBackoff:   5 * time.Minute,
		RetryBudget:       10,
		InitialDeposit:    100000,
		SettlementTimeout: 24 * time.Hour,
	}
}

// Dependencies are the collaborators used by the engine.
type Dependencies struct {
	Registry     *registry.Registry
	Discoverer   Discoverer
	Registrar    Registrar
	Handshaker   Handshaker
	Channels     Channels
	Transports   Transports
	Announcement *wire.Event
	Metrics      Metrics
}

// Engine runs bootstrap state machines of peers.
type Engine struct {
	config Config
	deps   Dependencies
	events *hub

	mu      sync.Mutex
	active  map[codec.PublicKey]struct{}
	pending []codec.PublicKey
	wake    chan struct{}
}

// New creates engine.
func New(config Config, deps Dependencies) *Engine {
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	return &Engine{
		config: config,
		deps:   deps,
		events: newHub(),
		active: map[codec.PublicKey]struct{}{},
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue schedules bootstrap of the peer. It returns false if machine of the peer is already active.
func (e *Engine) Enqueue(identity codec.PublicKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.active[identity]; exists {
		return false
	}
	e.active[identity] = struct{}{}
	e.pending = append(e.pending, identity)

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// Events subscribes to lifecycle events. Returned function cancels the subscription.
func (e *Engine) Events() (<-chan Event, func()) {
	return e.events.Subscribe()
}

// Run runs the engine.
func (e *Engine) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("dispatcher", parallel.Fail, func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case <-e.wake:
				}

				e.mu.Lock()
				pending := e.pending
				e.pending = nil
				e.mu.Unlock()

				for _, identity := range pending {
					spawn("peer", parallel.Continue, func(ctx context.Context) error {
						defer e.release(identity)

						e.bootstrap(ctx, identity)
						return nil
					})
				}
			}
		})
		return nil
	})
}

func (e *Engine) release(identity codec.PublicKey) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.active, identity)
}

func (e *Engine) bootstrap(ctx context.Context, identity codec.PublicKey) {
	log := logger.Get(ctx).With(zap.Stringer("peer", identity))
	ctx = logger.WithLogger(ctx, log)

	e.deps.Registry.Ensure(identity)

	for {
		rec, _ := e.deps.Registry.Get(identity)
		switch rec.Phase {
		case registry.PhaseReady:
			return
		case registry.PhaseFailed:
			if rec.Attempt+1 >= e.config.RetryBudget {
				log.Warn("Retry budget exhausted", zap.Uint64("attempts", rec.Attempt+1))
				return
			}
			if err := wait(ctx, e.backoff(rec.Attempt)); err != nil {
				return
			}
			if err := e.transition(ctx, identity, registry.PhaseDiscovering, nil); err != nil {
				log.Error("Restarting bootstrap failed", zap.Error(err))
				return
			}
		case registry.PhaseDiscovering:
		default:
			// Machine was stopped in the middle of the previous attempt.
			if err := e.transition(ctx, identity, registry.PhaseFailed, errors.New("bootstrap interrupted")); err != nil {
				log.Error("Marking peer as failed failed", zap.Error(err))
				return
			}
			continue
		}

		err := e.attempt(ctx, identity)
		if err == nil || ctx.Err() != nil {
			return
		}

		log.Warn("Bootstrap attempt failed", zap.Error(err))
		if err := e.transition(ctx, identity, registry.PhaseFailed, err); err != nil {
			log.Error("Marking peer as failed failed", zap.Error(err))
			return
		}
	}
}

func (e *Engine) attempt(ctx context.Context, identity codec.PublicKey) error {
	peer, err := e.discover(ctx, identity)
	if err != nil {
		return err
	}
	if err := e.deps.Registry.SetDiscovery(peer); err != nil {
		return err
	}

	if err := e.transition(ctx, identity, registry.PhaseRegistering, nil); err != nil {
		return err
	}
	if err := e.register(ctx, peer); err != nil {
		return err
	}

	if err := e.transition(ctx, identity, registry.PhaseHandshaking, nil); err != nil {
		return err
	}
	if err := e.handshake(ctx, peer); err != nil {
		return err
	}

	if err := e.transition(ctx, identity, registry.PhaseAnnouncing, nil); err != nil {
		return err
	}
	if err := e.announce(ctx, peer); err != nil {
		return err
	}

	return e.transition(ctx, identity, registry.PhaseReady, nil)
}

func (e *Engine) discover(ctx context.Context, identity codec.PublicKey) (registry.Discovery, error) {
	var lastErr error
	for i := range e.config.DiscoveryAttempts {
		if i > 0 {
			if err := e.transition(ctx, identity, registry.PhaseDiscovering, lastErr); err != nil {
				return registry.Discovery{}, err
			}
			if err := wait(ctx, e.backoff(uint64(i-1))); err != nil {
				return registry.Discovery{}, err
			}
		}

		discoverCtx, cancel := context.WithTimeout(ctx, e.config.DiscoveryTimeout)
		peer, err := e.deps.Discoverer.Discover(discoverCtx, identity)
		cancel()

		if err == nil {
			return peer, nil
		}
		if ctx.Err() != nil {
			return registry.Discovery{}, errors.WithStack(ctx.Err())
		}
		lastErr = err
		logger.Get(ctx).Debug("Discovery failed", zap.Int("attempt", i+1), zap.Error(err))
	}
	return registry.Discovery{}, errors.Wrapf(ErrDiscovery, "peer %s: %s", identity, lastErr)
}

func (e *Engine) register(ctx context.Context, peer registry.Discovery) error {
	config := router.RoutingConfig{
		RoutingAddress: peer.RoutingAddress,
		Endpoint:       peer.Endpoint,
	}

	err := e.deps.Registrar.Register(ctx, peer.Identity, config)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errors.WithStack(ctx.Err())
	}

	logger.Get(ctx).Warn("Registration failed, retrying", zap.Error(err))
	if err := e.transition(ctx, peer.Identity, registry.PhaseRegistering, err); err != nil {
		return err
	}
	return e.deps.Registrar.Register(ctx, peer.Identity, config)
}

// handshake never fails on negotiation or channel problems, peer is then routed without settlement.
func (e *Engine) handshake(ctx context.Context, peer registry.Discovery) error {
	log := logger.Get(ctx)

	transport := e.deps.Transports.For(peer.Source)
	if transport == nil {
		return e.noChannel(ctx, peer.Identity, "no transport for "+peer.Source.String()+" peers")
	}

	outcome, err := e.deps.Handshaker.Handshake(ctx, transport, peer)
	if err != nil {
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		log.Warn("Handshake failed, proceeding without settlement", zap.Error(err))
		return e.noChannel(ctx, peer.Identity, err.Error())
	}
	if !outcome.Result.Agreed {
		log.Info("No shared settlement chain, proceeding without channel")
		return e.noChannel(ctx, peer.Identity, "no shared settlement chain")
	}

	req := channel.OpenRequest{
		PeerID:            peer.Identity,
		Chain:             outcome.Result.Chain,
		Token:             outcome.Result.Token,
		TokenNetwork:      outcome.Result.TokenNetwork,
		PeerAddress:       outcome.Result.PeerAddress,
		InitialDeposit:    e.config.InitialDeposit,
		SettlementTimeout: e.config.SettlementTimeout,
	}

	var state channel.State
	if outcome.ChannelID != "" {
		state, err = e.deps.Channels.AwaitOpen(ctx, channel.ID(outcome.ChannelID))
	} else {
		state, err = e.deps.Channels.Establish(ctx, req)
	}
	if err != nil {
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		log.Warn("Channel not established, proceeding without settlement", zap.Error(err))
		return e.noChannel(ctx, peer.Identity, err.Error())
	}

	if err := e.deps.Registrar.Update(ctx, peer.Identity, router.RoutingConfig{
		RoutingAddress: peer.RoutingAddress,
		Endpoint:       peer.Endpoint,
		Settlement: &router.Settlement{
			Chain:        req.Chain,
			Token:        req.Token,
			TokenNetwork: req.TokenNetwork,
			PeerAddress:  req.PeerAddress,
			ChannelID:    string(state.ChannelID),
		},
	}); err != nil {
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		log.Warn("Updating settlement in router failed", zap.Error(err))
	}

	log.Info("Channel established",
		zap.String("channel", string(state.ChannelID)),
		zap.String("chain", string(req.Chain)))
	return e.deps.Registry.SetChannel(peer.Identity, string(state.ChannelID), outcome.Result)
}

func (e *Engine) noChannel(ctx context.Context, identity codec.PublicKey, reason string) error {
	logger.Get(ctx).Debug("Peer routed without channel", zap.String("reason", reason))
	return e.deps.Registry.SetNoChannel(identity, reason)
}

// announce is best effort, peer becomes ready even if announcement can't be delivered.
func (e *Engine) announce(ctx context.Context, peer registry.Discovery) error {
	if e.deps.Announcement == nil {
		return nil
	}

	log := logger.Get(ctx)
	transport := e.deps.Transports.For(peer.Source)
	if transport == nil {
		return nil
	}

	for i := range e.config.AnnounceAttempts {
		if i > 0 {
			if err := wait(ctx, e.backoff(uint64(i-1))); err != nil {
				return err
			}
		}

		err := transport.Announce(ctx, peer, e.deps.Announcement)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		log.Warn("Announcement failed", zap.Int("attempt", i+1), zap.Error(err))
	}
	return nil
}

func (e *Engine) transition(ctx context.Context, identity codec.PublicKey, to registry.Phase, cause error) error {
	rec, err := e.deps.Registry.Transition(identity, to, cause)
	if err != nil {
		return err
	}

	counts := e.deps.Registry.Counts()
	e.deps.Metrics.Transitioned(to)
	e.deps.Metrics.Observe(counts)

	logger.Get(ctx).Debug("Phase changed", zap.Stringer("phase", to), zap.Uint64("attempt", rec.Attempt))

	ev := Event{
		Type:    EventPhase,
		Peer:    identity,
		Phase:   to,
		Attempt: rec.Attempt,
		Time:    rec.UpdatedAt,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	e.events.Publish(ctx, ev)

	if to == registry.PhaseReady {
		logger.Get(ctx).Info("Peer ready",
			zap.Int("peerCount", counts.Peers),
			zap.Int("channelCount", counts.Channels))
		e.events.Publish(ctx, Event{
			Type:         EventReady,
			Peer:         identity,
			Phase:        to,
			PeerCount:    counts.Peers,
			ChannelCount: counts.Channels,
			Time:         rec.UpdatedAt,
		})
	}
	return nil
}

func (e *Engine) backoff(attempt uint64) time.Duration {
	d := e.config.RetryBackoff
	for range min(attempt, 32) {
		d *= 2
		if e.config.MaxRetryBackoff > 0 && d >= e.config.MaxRetryBackoff {
			return e.config.MaxRetryBackoff
		}
	}
	return d
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-timer.C:
		return nil
	}
}
