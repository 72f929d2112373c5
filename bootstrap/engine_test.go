package bootstrap

import (
	"bytes"
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/parallel"
	"github.com/outofforest/peerlink/channel"
	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/directory"
	"github.com/outofforest/peerlink/handshake"
	"github.com/outofforest/peerlink/registry"
	"github.com/outofforest/peerlink/router"
	"github.com/outofforest/peerlink/settlement"
	"github.com/outofforest/peerlink/wire"
	"github.com/outofforest/qa"
)

const chain settlement.ChainID = "evm:base:8453"

func newIdentity(requireT *require.Assertions, b byte) *codec.Identity {
	id, err := codec.IdentityFromSeed(bytes.Repeat([]byte{b}, 32))
	requireT.NoError(err)
	return id
}

func profile(addr settlement.Address, chains ...settlement.ChainID) settlement.Profile {
	p := settlement.Profile{
		SupportedChains:     chains,
		SettlementAddresses: map[settlement.ChainID]settlement.Address{},
	}
	for _, c := range chains {
		p.SettlementAddresses[c] = addr
	}
	return p
}

func newStore() datastore.Datastore {
	return dssync.MutexWrap(datastore.NewMapDatastore())
}

func newChannels(ledger *router.Ledger) *channel.Client {
	return channel.New(channel.Config{
		MaxNonceRetries: 3,
		RetryBackoff:    time.Millisecond,
		SubmitTimeout:   time.Second,
		PollInterval:    5 * time.Millisecond,
		OpenTimeout:     time.Second,
	}, ledger, ledger, newStore(), nil)
}

func testConfig() Config {
	return Config{
		DiscoveryAttempts: 2,
		DiscoveryTimeout:  50 * time.Millisecond,
		AnnounceAttempts:  2,
		RetryBackoff:      time.Millisecond,
		MaxRetryBackoff:   10 * time.Millisecond,
		RetryBudget:       3,
		InitialDeposit:    100000,
		SettlementTimeout: time.Hour,
	}
}

type loopback struct {
	responder *handshake.Responder

	mu            sync.Mutex
	announcements int
	announceErr   error
}

func (l *loopback) Exchange(ctx context.Context, _ registry.Discovery, request *wire.Event) (*wire.Event, error) {
	response, _, err := l.responder.Respond(ctx, request)
	return response, err
}

func (l *loopback) Announce(context.Context, registry.Discovery, *wire.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.announcements++
	return l.announceErr
}

func (l *loopback) Announcements() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.announcements
}

type silent struct{}

func (silent) Exchange(ctx context.Context, _ registry.Discovery, _ *wire.Event) (*wire.Event, error) {
	<-ctx.Done()
	return nil, errors.WithStack(ctx.Err())
}

func (silent) Announce(context.Context, registry.Discovery, *wire.Event) error {
	return nil
}

// staleNonces rejects every submission as if its nonce had been used already.
type staleNonces struct {
	mu          sync.Mutex
	submissions int
}

func (a *staleNonces) OpenChannel(_ context.Context, req channel.AdminOpenRequest) (channel.ID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.submissions++
	return "", errors.Wrapf(channel.ErrNonceConflict, "nonce %d already used", req.Nonce)
}

func (a *staleNonces) ChannelState(_ context.Context, id channel.ID) (channel.State, error) {
	return channel.State{}, errors.Errorf("channel %s does not exist", id)
}

func (a *staleNonces) PendingNonce(context.Context, settlement.ChainID) (uint64, error) {
	return 7, nil
}

func (a *staleNonces) Submissions() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.submissions
}

type flakyRegistrar struct {
	*router.Registrar

	mu       sync.Mutex
	failures int
}

func (r *flakyRegistrar) Register(ctx context.Context, id codec.PublicKey, config router.RoutingConfig) error {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return errors.New("router unavailable")
	}
	r.mu.Unlock()

	return r.Registrar.Register(ctx, id, config)
}

type env struct {
	idA        *codec.Identity
	idB        *codec.Identity
	registry   *registry.Registry
	ledger     *router.Ledger
	router     *router.MeshRouter
	registrar  *router.Registrar
	transport  *loopback
	discoverer Discoverer
	initiator  *handshake.Initiator
	channels   *channel.Client
}

func newEnv(requireT *require.Assertions, profileA, profileB settlement.Profile) *env {
	idA := newIdentity(requireT, 0x01)
	idB := newIdentity(requireT, 0x02)
	ledger := router.NewLedger(2)
	meshRouter := router.NewMesh().Attach("g.node.a", nil)

	return &env{
		idA:       idA,
		idB:       idB,
		registry:  registry.New(),
		ledger:    ledger,
		router:    meshRouter,
		registrar: router.NewRegistrar(meshRouter, newStore()),
		transport: &loopback{
			responder: handshake.NewResponder(idB, handshake.ResponderConfig{
				RoutingAddress: "g.node.b",
				Profile:        profileB,
				InitialDeposit: 100000,
			}, newChannels(ledger), nil),
		},
		discoverer: directory.NewStatic([]registry.Discovery{
			{
				Identity:       idB.PublicKey(),
				RoutingAddress: "g.node.b",
				EncryptionKey:  idB.EncryptionKey(),
				Profile:        profileB,
			},
		}, nil),
		initiator: handshake.NewInitiator(idA, profileA, "g.node.a", time.Second),
		channels:  newChannels(ledger),
	}
}

func (e *env) engine(requireT *require.Assertions, config Config, transport handshake.Transport) *Engine {
	announcement, err := directory.Announcement(e.idA, &wire.PeerInfo{RoutingAddress: "g.node.a"})
	requireT.NoError(err)

	return New(config, Dependencies{
		Registry:     e.registry,
		Discoverer:   e.discoverer,
		Registrar:    e.registrar,
		Handshaker:   e.initiator,
		Channels:     e.channels,
		Transports:   Transports{Static: transport},
		Announcement: announcement,
	})
}

// collect reads events until predicate is satisfied and verifies that phases of the peer never regress.
func collect(
	ctx context.Context,
	requireT *require.Assertions,
	events <-chan Event,
	done func(ev Event) bool,
) []Event {
	var collected []Event
	last := registry.PhaseDiscovering
	for {
		select {
		case <-ctx.Done():
			requireT.Fail("timeout")
		case ev := <-events:
			collected = append(collected, ev)
			if ev.Type == EventPhase {
				requireT.NoError(registry.CanTransition(last, ev.Phase))
				last = ev.Phase
			}
			if done(ev) {
				return collected
			}
		}
	}
}

func phases(events []Event) []registry.Phase {
	var res []registry.Phase
	for _, ev := range events {
		if ev.Type == EventPhase {
			res = append(res, ev.Phase)
		}
	}
	return res
}

func isReady(ev Event) bool {
	return ev.Type == EventReady
}

func run(ctx context.Context, t *testing.T, engine *Engine) func() {
	group := qa.NewGroup(ctx, t)
	group.Spawn("engine", parallel.Fail, engine.Run)

	return func() {
		group.Exit(nil)
		require.NoError(t, group.Wait())
	}
}

func TestNoSharedChainReachesReadyWithoutChannel(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(requireT, profile("0xOWN", chain), profile("0xPEER", "evm:arbitrum:42161"))
	engine := e.engine(requireT, testConfig(), e.transport)
	defer run(ctx, t, engine)()

	events, unsubscribe := engine.Events()
	defer unsubscribe()

	requireT.True(engine.Enqueue(e.idB.PublicKey()))
	collected := collect(ctx, requireT, events, isReady)

	requireT.Equal([]registry.Phase{
		registry.PhaseRegistering,
		registry.PhaseHandshaking,
		registry.PhaseAnnouncing,
		registry.PhaseReady,
	}, phases(collected))

	ready := collected[len(collected)-1]
	requireT.Equal(e.idB.PublicKey(), ready.Peer)
	requireT.Equal(1, ready.PeerCount)
	requireT.Zero(ready.ChannelCount)

	rec, exists := e.registry.Get(e.idB.PublicKey())
	requireT.True(exists)
	requireT.Equal(registry.PhaseReady, rec.Phase)
	requireT.False(rec.HasChannel())
	requireT.NotEmpty(rec.NoChannelReason)
	requireT.Zero(e.ledger.Channels())
	requireT.Equal(1, e.transport.Announcements())

	config, exists := e.router.Peer(e.idB.PublicKey())
	requireT.True(exists)
	requireT.Equal("g.node.b", config.RoutingAddress)
	requireT.Nil(config.Settlement)
}

func TestChannelIsEstablished(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(requireT, profile("0xOWN", chain), profile("0xPEER", chain))
	engine := e.engine(requireT, testConfig(), e.transport)
	defer run(ctx, t, engine)()

	events, unsubscribe := engine.Events()
	defer unsubscribe()

	requireT.True(engine.Enqueue(e.idB.PublicKey()))
	collected := collect(ctx, requireT, events, isReady)

	ready := collected[len(collected)-1]
	requireT.Equal(1, ready.PeerCount)
	requireT.Equal(1, ready.ChannelCount)

	rec, _ := e.registry.Get(e.idB.PublicKey())
	requireT.True(rec.HasChannel())
	requireT.Equal(chain, rec.Chain)
	requireT.Empty(rec.NoChannelReason)
	requireT.Equal(1, e.ledger.Channels())

	state, err := e.ledger.ChannelState(ctx, channel.ID(rec.ChannelID))
	requireT.NoError(err)
	requireT.Equal(channel.StatusOpen, state.Status)

	config, exists := e.router.Peer(e.idB.PublicKey())
	requireT.True(exists)
	requireT.NotNil(config.Settlement)
	requireT.Equal(rec.ChannelID, config.Settlement.ChannelID)
	requireT.EqualValues("0xPEER", config.Settlement.PeerAddress)

	status := engine.Status()
	requireT.Equal(1, status.PeerCount)
	requireT.Equal(1, status.ChannelCount)
	requireT.Equal(1, status.Phases[registry.PhaseReady.String()])
	requireT.Len(status.Peers, 1)
	requireT.Equal(rec.ChannelID, status.Peers[0].ChannelID)
}

func TestInitiatorOpensChannelIfResponderDidNot(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(requireT, profile("0xOWN", chain), profile("0xPEER", chain))
	e.transport.responder = handshake.NewResponder(e.idB, handshake.ResponderConfig{
		RoutingAddress: "g.node.b",
		Profile:        profile("0xPEER", chain),
	}, nil, nil)
	engine := e.engine(requireT, testConfig(), e.transport)
	defer run(ctx, t, engine)()

	requireT.True(engine.Enqueue(e.idB.PublicKey()))
	rec, err := e.registry.WaitFor(ctx, e.idB.PublicKey(), func(rec registry.Record) bool {
		return rec.Phase == registry.PhaseReady
	})
	requireT.NoError(err)
	requireT.True(rec.HasChannel())
	requireT.Equal(1, e.ledger.Channels())
}

func TestStaleNoncesLeavePeerWithoutChannel(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(requireT, profile("0xOWN", chain), profile("0xPEER", chain))
	e.transport.responder = handshake.NewResponder(e.idB, handshake.ResponderConfig{
		RoutingAddress: "g.node.b",
		Profile:        profile("0xPEER", chain),
	}, nil, nil)
	admin := &staleNonces{}
	e.channels = channel.New(channel.Config{
		MaxNonceRetries: 3,
		RetryBackoff:    time.Millisecond,
		SubmitTimeout:   5 * time.Second,
		PollInterval:    5 * time.Millisecond,
		OpenTimeout:     time.Second,
	}, admin, admin, newStore(), nil)
	engine := e.engine(requireT, testConfig(), e.transport)
	defer run(ctx, t, engine)()

	events, unsubscribe := engine.Events()
	defer unsubscribe()

	requireT.True(engine.Enqueue(e.idB.PublicKey()))
	collected := collect(ctx, requireT, events, isReady)
	requireT.Zero(collected[len(collected)-1].ChannelCount)

	rec, exists := e.registry.Get(e.idB.PublicKey())
	requireT.True(exists)
	requireT.Equal(registry.PhaseReady, rec.Phase)
	requireT.False(rec.HasChannel())
	requireT.Contains(rec.NoChannelReason, channel.ErrChannelOpenFailed.Error())
	requireT.Contains(rec.NoChannelReason, channel.ErrNonceConflict.Error())
	requireT.Equal(4, admin.Submissions())

	config, exists := e.router.Peer(e.idB.PublicKey())
	requireT.True(exists)
	requireT.Nil(config.Settlement)
}

func TestChannelNeverOpenLeavesPeerWithoutChannel(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(requireT, profile("0xOWN", chain), profile("0xPEER", chain))
	e.transport.responder = handshake.NewResponder(e.idB, handshake.ResponderConfig{
		RoutingAddress: "g.node.b",
		Profile:        profile("0xPEER", chain),
	}, nil, nil)
	ledger := router.NewLedger(math.MaxInt)
	e.channels = channel.New(channel.Config{
		MaxNonceRetries: 3,
		RetryBackoff:    time.Millisecond,
		SubmitTimeout:   time.Second,
		PollInterval:    5 * time.Millisecond,
		OpenTimeout:     50 * time.Millisecond,
	}, ledger, ledger, newStore(), nil)
	engine := e.engine(requireT, testConfig(), e.transport)
	defer run(ctx, t, engine)()

	events, unsubscribe := engine.Events()
	defer unsubscribe()

	requireT.True(engine.Enqueue(e.idB.PublicKey()))
	collected := collect(ctx, requireT, events, isReady)
	requireT.Zero(collected[len(collected)-1].ChannelCount)

	rec, exists := e.registry.Get(e.idB.PublicKey())
	requireT.True(exists)
	requireT.Equal(registry.PhaseReady, rec.Phase)
	requireT.False(rec.HasChannel())
	requireT.Contains(rec.NoChannelReason, channel.ErrChannelOpenTimeout.Error())
	requireT.Equal(1, ledger.Channels())

	config, exists := e.router.Peer(e.idB.PublicKey())
	requireT.True(exists)
	requireT.Nil(config.Settlement)
}

func TestHandshakeTimeoutProceedsWithoutSettlement(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(requireT, profile("0xOWN", chain), profile("0xPEER", chain))
	e.initiator = handshake.NewInitiator(e.idA, profile("0xOWN", chain), "g.node.a", 20*time.Millisecond)
	engine := e.engine(requireT, testConfig(), silent{})
	defer run(ctx, t, engine)()

	requireT.True(engine.Enqueue(e.idB.PublicKey()))
	rec, err := e.registry.WaitFor(ctx, e.idB.PublicKey(), func(rec registry.Record) bool {
		return rec.Phase == registry.PhaseReady
	})
	requireT.NoError(err)
	requireT.False(rec.HasChannel())
	requireT.Contains(rec.NoChannelReason, handshake.ErrNegotiationTimeout.Error())
	requireT.Zero(e.ledger.Channels())
}

func TestDiscoveryFailureExhaustsRetryBudget(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(requireT, profile("0xOWN", chain), profile("0xPEER", chain))
	e.discoverer = directory.NewStatic(nil, nil)
	config := testConfig()
	engine := e.engine(requireT, config, e.transport)
	defer run(ctx, t, engine)()

	events, unsubscribe := engine.Events()
	defer unsubscribe()

	requireT.True(engine.Enqueue(e.idB.PublicKey()))

	var failures uint64
	collect(ctx, requireT, events, func(ev Event) bool {
		if ev.Phase == registry.PhaseFailed {
			failures++
			requireT.Contains(ev.Error, ErrDiscovery.Error())
		}
		return failures == config.RetryBudget
	})

	rec, _ := e.registry.Get(e.idB.PublicKey())
	requireT.Equal(registry.PhaseFailed, rec.Phase)
	requireT.Equal(config.RetryBudget-1, rec.Attempt)
	requireT.Contains(rec.LastError, ErrDiscovery.Error())

	_, exists := e.router.Peer(e.idB.PublicKey())
	requireT.False(exists)
}

func TestRegistrationIsRetriedOnce(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(requireT, profile("0xOWN", chain), profile("0xPEER", "evm:arbitrum:42161"))
	engine := e.engine(requireT, testConfig(), e.transport)
	engine.deps.Registrar = &flakyRegistrar{Registrar: e.registrar, failures: 1}
	defer run(ctx, t, engine)()

	events, unsubscribe := engine.Events()
	defer unsubscribe()

	requireT.True(engine.Enqueue(e.idB.PublicKey()))
	collected := collect(ctx, requireT, events, isReady)

	requireT.Equal([]registry.Phase{
		registry.PhaseRegistering,
		registry.PhaseRegistering,
		registry.PhaseHandshaking,
		registry.PhaseAnnouncing,
		registry.PhaseReady,
	}, phases(collected))
}

func TestAnnouncementFailureStillEndsReady(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(requireT, profile("0xOWN", chain), profile("0xPEER", "evm:arbitrum:42161"))
	e.transport.announceErr = errors.New("write rejected")
	config := testConfig()
	engine := e.engine(requireT, config, e.transport)
	defer run(ctx, t, engine)()

	requireT.True(engine.Enqueue(e.idB.PublicKey()))
	_, err := e.registry.WaitFor(ctx, e.idB.PublicKey(), func(rec registry.Record) bool {
		return rec.Phase == registry.PhaseReady
	})
	requireT.NoError(err)
	requireT.Equal(config.AnnounceAttempts, e.transport.Announcements())
}

func TestInterruptedPeerIsRestarted(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(requireT, profile("0xOWN", chain), profile("0xPEER", "evm:arbitrum:42161"))
	id := e.idB.PublicKey()
	e.registry.Ensure(id)
	_, err := e.registry.Transition(id, registry.PhaseRegistering, nil)
	requireT.NoError(err)
	_, err = e.registry.Transition(id, registry.PhaseHandshaking, nil)
	requireT.NoError(err)

	engine := e.engine(requireT, testConfig(), e.transport)
	defer run(ctx, t, engine)()

	requireT.True(engine.Enqueue(id))
	rec, err := e.registry.WaitFor(ctx, id, func(rec registry.Record) bool {
		return rec.Phase == registry.PhaseReady
	})
	requireT.NoError(err)
	requireT.EqualValues(1, rec.Attempt)
}

func TestReadyPeerIsNotBootstrappedAgain(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	e := newEnv(requireT, profile("0xOWN", chain), profile("0xPEER", "evm:arbitrum:42161"))
	engine := e.engine(requireT, testConfig(), e.transport)
	defer run(ctx, t, engine)()

	id := e.idB.PublicKey()
	requireT.True(engine.Enqueue(id))
	_, err := e.registry.WaitFor(ctx, id, func(rec registry.Record) bool {
		return rec.Phase == registry.PhaseReady
	})
	requireT.NoError(err)

	requireT.Eventually(func() bool {
		return engine.Enqueue(id)
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	rec, _ := e.registry.Get(id)
	requireT.Equal(registry.PhaseReady, rec.Phase)
	requireT.Equal(1, e.transport.Announcements())
}

func TestEnqueueIsSingleFlight(t *testing.T) {
	requireT := require.New(t)

	e := newEnv(requireT, settlement.Profile{}, settlement.Profile{})
	engine := e.engine(requireT, testConfig(), e.transport)

	requireT.True(engine.Enqueue(e.idB.PublicKey()))
	requireT.False(engine.Enqueue(e.idB.PublicKey()))
	requireT.True(engine.Enqueue(e.idA.PublicKey()))
}

func TestBackoff(t *testing.T) {
	requireT := require.New(t)

	engine := New(Config{
		RetryBackoff:    time.Second,
		MaxRetryBackoff: 10 * time.Second,
	}, Dependencies{})

	requireT.Equal(time.Second, engine.backoff(0))
	requireT.Equal(2*time.Second, engine.backoff(1))
	requireT.Equal(8*time.Second, engine.backoff(3))
	requireT.Equal(10*time.Second, engine.backoff(4))
	requireT.Equal(10*time.Second, engine.backoff(1000))
}

func TestTransportSelection(t *testing.T) {
	requireT := require.New(t)

	static := &loopback{}
	direct := &loopback{}

	transports := Transports{Static: static, Directory: direct}
	requireT.Same(static, transports.For(registry.SourceStatic))
	requireT.Same(direct, transports.For(registry.SourceDirectory))

	requireT.Same(static, Transports{Static: static}.For(registry.SourceDirectory))
	requireT.Same(direct, Transports{Directory: direct}.For(registry.SourceStatic))
}
