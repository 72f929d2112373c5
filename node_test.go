package peerlink

import (
	"bytes"
	"context"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/parallel"
	"github.com/outofforest/peerlink/bootstrap"
	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/config"
	"github.com/outofforest/peerlink/directory"
	"github.com/outofforest/peerlink/gate"
	"github.com/outofforest/peerlink/handshake"
	"github.com/outofforest/peerlink/registry"
	"github.com/outofforest/peerlink/router"
	"github.com/outofforest/peerlink/settlement"
	"github.com/outofforest/peerlink/wire"
	"github.com/outofforest/qa"
)

const (
	base     = "evm:base:8453"
	arbitrum = "evm:arbitrum:42161"
)

func seedOf(b byte) string {
	return hex.EncodeToString(bytes.Repeat([]byte{b}, 32))
}

func newIdentity(requireT *require.Assertions, b byte) *codec.Identity {
	id, err := codec.IdentityFromSeed(bytes.Repeat([]byte{b}, 32))
	requireT.NoError(err)
	return id
}

func nodeConfig(seed byte, address string, relays []string, chains ...config.Chain) config.Config {
	c := config.Default()
	c.IdentitySeed = seedOf(seed)
	c.RoutingAddress = address
	c.Relays = relays
	c.Chains = chains
	c.ChannelOpenTimeout = 5 * time.Second
	c.PollInterval = 5 * time.Millisecond
	c.NonceRetryBackoff = time.Millisecond
	c.NegotiationTimeout = 5 * time.Second
	c.DiscoveryTimeout = time.Second
	c.RetryBackoff = 10 * time.Millisecond
	c.MaxRetryBackoff = 100 * time.Millisecond
	return c
}

func staticPeer(identity *codec.Identity, address string) config.Peer {
	key := identity.EncryptionKey()
	return config.Peer{
		Identity:       identity.PublicKey().String(),
		RoutingAddress: address,
		EncryptionKey:  hex.EncodeToString(key[:]),
	}
}

type network struct {
	mesh   *router.Mesh
	ledger *router.Ledger
}

func newNetwork() *network {
	return &network{
		mesh:   router.NewMesh(),
		ledger: router.NewLedger(2),
	}
}

func (n *network) node(requireT *require.Assertions, cfg config.Config) (*Node, *router.MeshRouter) {
	var node *Node
	r := n.mesh.Attach(cfg.RoutingAddress, func(ctx context.Context, amount uint64, data []byte) ([]byte, error) {
		return node.HandlePacket(ctx, amount, data)
	})

	var err error
	node, err = NewNode(cfg, Dependencies{
		Router: r,
		Admin:  n.ledger,
		Nonces: n.ledger,
	})
	requireT.NoError(err)
	return node, r
}

func waitReady(
	ctx context.Context,
	requireT *require.Assertions,
	events <-chan bootstrap.Event,
	peer codec.PublicKey,
) bootstrap.Event {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			requireT.Fail("peer did not become ready")
			return bootstrap.Event{}
		case ev := <-events:
			requireT.NotEqual(registry.PhaseFailed, ev.Phase, ev.Error)
			if ev.Type == bootstrap.EventReady && ev.Peer == peer {
				return ev
			}
		}
	}
}

func relay(requireT *require.Assertions) (func(ctx context.Context) error, []string) {
	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)

	return func(ctx context.Context) error {
		return directory.RunRelay(ctx, ls, directory.RelayConfig{MaxMessageSize: 64 * 1024})
	}, []string{ls.Addr().String()}
}

func TestStaticPeerGetsChannel(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	runRelay, relays := relay(requireT)
	group.Spawn("relay", parallel.Fail, runRelay)
	nobody := newIdentity(requireT, 0x09)
	idA := newIdentity(requireT, 0x01)
	idB := newIdentity(requireT, 0x02)

	cfgA := nodeConfig(0x01, "g.node.a", relays, config.Chain{ID: base, Address: "0xOWN", Token: "usdc"})
	cfgA.Peers = []config.Peer{staticPeer(idB, "g.node.b")}
	cfgA.Follow = []string{idB.PublicKey().String()}

	cfgB := nodeConfig(0x02, "g.node.b", relays, config.Chain{ID: base, Address: "0xPEER", Token: "usdc"})
	cfgB.Follow = []string{nobody.PublicKey().String()}

	nw := newNetwork()
	nodeA, routerA := nw.node(requireT, cfgA)
	nodeB, routerB := nw.node(requireT, cfgB)
	requireT.Equal(idA.PublicKey(), nodeA.Identity())

	events, unsubscribe := nodeA.Events()
	defer unsubscribe()

	group.Spawn("nodeA", parallel.Fail, nodeA.Run)
	group.Spawn("nodeB", parallel.Fail, nodeB.Run)

	ready := waitReady(ctx, requireT, events, idB.PublicKey())
	requireT.Equal(1, ready.PeerCount)
	requireT.Equal(1, ready.ChannelCount)

	rec, exists := nodeA.Registry().Get(idB.PublicKey())
	requireT.True(exists)
	requireT.Equal(registry.PhaseReady, rec.Phase)
	requireT.Equal(registry.SourceStatic, rec.Source)
	requireT.True(rec.HasChannel())
	requireT.Equal(settlement.ChainID(base), rec.Chain)
	requireT.Equal(1, nw.ledger.Channels())

	configB, exists := routerA.Peer(idB.PublicKey())
	requireT.True(exists)
	requireT.NotNil(configB.Settlement)
	requireT.Equal(rec.ChannelID, configB.Settlement.ChannelID)
	requireT.Equal(settlement.Address("0xPEER"), configB.Settlement.PeerAddress)

	configA, exists := routerB.Peer(idA.PublicKey())
	requireT.True(exists)
	requireT.NotNil(configA.Settlement)
	requireT.Equal(rec.ChannelID, configA.Settlement.ChannelID)
	requireT.Equal(settlement.Address("0xOWN"), configA.Settlement.PeerAddress)

	requireT.Eventually(func() bool {
		d, exists := nodeB.Index().Get(idA.PublicKey())
		return exists && d.RoutingAddress == "g.node.a"
	}, 5*time.Second, 10*time.Millisecond)

	// Node B does not follow A so it never bootstraps it.
	requireT.False(nodeB.Registry().Has(idA.PublicKey()))

	status := nodeA.Status()
	requireT.Equal(1, status.PeerCount)
	requireT.Equal(1, status.ChannelCount)
	requireT.Equal(1, status.Phases[registry.PhaseReady.String()])
}

func TestAnnouncedPeerWithoutSharedChain(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	runRelay, relays := relay(requireT)
	group.Spawn("relay", parallel.Fail, runRelay)
	nobody := newIdentity(requireT, 0x09)
	idC := newIdentity(requireT, 0x03)
	idD := newIdentity(requireT, 0x04)

	cfgC := nodeConfig(0x03, "g.node.c", relays, config.Chain{ID: base, Address: "0xOWN"})
	cfgC.Follow = []string{idD.PublicKey().String()}

	cfgD := nodeConfig(0x04, "g.node.d", relays, config.Chain{ID: arbitrum, Address: "0xPEER"})
	cfgD.Follow = []string{nobody.PublicKey().String()}

	nw := newNetwork()
	nodeC, _ := nw.node(requireT, cfgC)
	nodeD, routerD := nw.node(requireT, cfgD)

	events, unsubscribe := nodeC.Events()
	defer unsubscribe()

	group.Spawn("nodeC", parallel.Fail, nodeC.Run)
	group.Spawn("nodeD", parallel.Fail, nodeD.Run)

	ready := waitReady(ctx, requireT, events, idD.PublicKey())
	requireT.Equal(1, ready.PeerCount)
	requireT.Zero(ready.ChannelCount)

	rec, exists := nodeC.Registry().Get(idD.PublicKey())
	requireT.True(exists)
	requireT.Equal(registry.PhaseReady, rec.Phase)
	requireT.Equal(registry.SourceDirectory, rec.Source)
	requireT.Equal("g.node.d", rec.RoutingAddress)
	requireT.False(rec.HasChannel())
	requireT.NotEmpty(rec.NoChannelReason)
	requireT.Zero(nw.ledger.Channels())

	configC, exists := routerD.Peer(idC.PublicKey())
	requireT.True(exists)
	requireT.Equal("g.node.c", configC.RoutingAddress)
	requireT.Nil(configC.Settlement)
}

func signed(requireT *require.Assertions, identity *codec.Identity, kind wire.Kind, content []byte) (*wire.Event, []byte) {
	ev := codec.NewEvent(kind, content)
	codec.Sign(identity, ev)
	data, err := codec.EncodeEvent(ev)
	requireT.NoError(err)
	return ev, data
}

func requireRejected(requireT *require.Assertions, err error, code string) {
	var reject *router.RejectError
	requireT.True(errors.As(err, &reject), err)
	requireT.Equal(code, reject.Code)
}

func TestHandlePacket(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	cfg := nodeConfig(0x01, "g.node.a", nil, config.Chain{ID: base, Address: "0xOWN"})
	nw := newNetwork()
	node, _ := nw.node(requireT, cfg)
	pricing := gate.New(cfg.Pricing(), nil)

	author := newIdentity(requireT, 0x05)

	// Payload of 1045 bytes costs 10450 at 10 per byte, above the write floor of 10000.
	content := make([]byte, 1045)
	ev, data := signed(requireT, author, 1, content)
	ev, data = signed(requireT, author, 1, content[:len(content)-(len(data)-1045)])
	requireT.Len(data, 1045)
	requireT.EqualValues(10450, pricing.Required(len(data), gate.KindWrite))

	_, err := node.HandlePacket(ctx, 10449, data)
	requireRejected(requireT, err, router.CodeInsufficientAmount)

	fulfillment, err := node.HandlePacket(ctx, 10450, data)
	requireT.NoError(err)
	proof := gate.ProofFor(ev.ID)
	requireT.Equal(proof[:], fulfillment)

	_, err = node.HandlePacket(ctx, 1_000_000, []byte{0x01, 0x02, 0x03})
	requireRejected(requireT, err, router.CodeBadRequest)

	data[len(data)-1] ^= 0xff
	_, err = node.HandlePacket(ctx, 1_000_000, data)
	requireRejected(requireT, err, router.CodeBadRequest)

	_, data = signed(requireT, author, codec.KindHandshakeResponse, nil)
	_, err = node.HandlePacket(ctx, 1_000_000, data)
	requireRejected(requireT, err, router.CodeBadRequest)

	announcement, err := directory.Announcement(author, &wire.PeerInfo{
		RoutingAddress: "g.node.e",
		EncryptionKey:  author.EncryptionKey(),
	})
	requireT.NoError(err)
	data, err = codec.EncodeEvent(announcement)
	requireT.NoError(err)
	_, err = node.HandlePacket(ctx, pricing.Required(len(data), gate.KindWrite), data)
	requireT.NoError(err)
	d, exists := node.Index().Get(author.PublicKey())
	requireT.True(exists)
	requireT.Equal("g.node.e", d.RoutingAddress)
}

func TestHandlePacketAnswersHandshake(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	cfg := nodeConfig(0x01, "g.node.a", nil, config.Chain{ID: base, Address: "0xOWN"})
	nw := newNetwork()
	node, _ := nw.node(requireT, cfg)

	idE := newIdentity(requireT, 0x05)
	routerE := nw.mesh.Attach("g.node.e", func(context.Context, uint64, []byte) ([]byte, error) {
		return nil, errors.New("not expected")
	})

	peer := registry.Discovery{
		Identity:       node.Identity(),
		Source:         registry.SourceStatic,
		RoutingAddress: "g.node.a",
		EncryptionKey:  newIdentity(requireT, 0x01).EncryptionKey(),
	}
	requireT.NoError(routerE.RegisterPeer(ctx, peer.Identity, router.RoutingConfig{RoutingAddress: "g.node.a"}))

	initiator := handshake.NewInitiator(idE, settlement.Profile{
		SupportedChains:     []settlement.ChainID{base},
		SettlementAddresses: map[settlement.ChainID]settlement.Address{base: "0xPEER"},
	}, "g.node.e", 5*time.Second)

	outcome, err := initiator.Handshake(ctx, handshake.NewRouted(routerE, gate.New(cfg.Pricing(), nil)), peer)
	requireT.NoError(err)
	requireT.True(outcome.Result.Agreed)
	requireT.Equal(settlement.ChainID(base), outcome.Result.Chain)
	requireT.Equal("g.node.a", outcome.RoutingAddress)
	requireT.NotEmpty(outcome.ChannelID)
	requireT.Equal(1, nw.ledger.Channels())
}
