// Package peerlink composes the node: directory access, bootstrap of peers, handshakes and payment gate.
package peerlink

import (
	"context"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/peerlink/bootstrap"
	"github.com/outofforest/peerlink/channel"
	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/config"
	"github.com/outofforest/peerlink/directory"
	"github.com/outofforest/peerlink/gate"
	"github.com/outofforest/peerlink/handshake"
	"github.com/outofforest/peerlink/metrics"
	"github.com/outofforest/peerlink/monitor"
	"github.com/outofforest/peerlink/registry"
	"github.com/outofforest/peerlink/router"
	"github.com/outofforest/peerlink/wire"
)

// Dependencies are the external collaborators of the node.
type Dependencies struct {
	Router  router.Router
	Admin   channel.Admin
	Nonces  channel.NonceSource
	Store   datastore.Datastore
	Metrics *metrics.Metrics
}

// Node is the peerlink node.
type Node struct {
	identity     *codec.Identity
	announcement *wire.Event
	registry     *registry.Registry
	gate         *gate.Gate
	index        *directory.Index
	static       *directory.Static
	responder    *handshake.Responder
	engine       *bootstrap.Engine

	directory *directory.Client
	server    *handshake.DirectServer
	monitor   *monitor.Monitor
}

// NewNode creates node.
func NewNode(cfg config.Config, deps Dependencies) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Router == nil || deps.Admin == nil {
		return nil, errors.New("router and channel admin are required")
	}

	identity, err := cfg.Identity()
	if err != nil {
		return nil, err
	}
	profile, err := cfg.Profile()
	if err != nil {
		return nil, err
	}
	peers, err := cfg.StaticPeers()
	if err != nil {
		return nil, err
	}
	follow, err := cfg.FollowSet()
	if err != nil {
		return nil, err
	}

	if deps.Metrics == nil {
		deps.Metrics = metrics.NopMetrics()
	}
	if deps.Store == nil {
		deps.Store = dssync.MutexWrap(datastore.NewMapDatastore())
	}

	info := &wire.PeerInfo{
		RoutingAddress: cfg.RoutingAddress,
		Endpoint:       cfg.Endpoint,
		EncryptionKey:  identity.EncryptionKey(),
		Settlements:    profile.ToWire(),
	}
	if len(cfg.Relays) > 0 {
		info.Relay = cfg.Relays[0]
	}
	announcement, err := directory.Announcement(identity, info)
	if err != nil {
		return nil, err
	}

	n := &Node{
		identity:     identity,
		announcement: announcement,
		registry:     registry.New(),
		gate:         gate.New(cfg.Pricing(), deps.Metrics),
		index:        directory.NewIndex(),
	}

	channels := channel.New(cfg.ChannelConfig(), deps.Admin, deps.Nonces, deps.Store, deps.Metrics)
	registrar := router.NewRegistrar(deps.Router, deps.Store)

	n.responder = handshake.NewResponder(identity, handshake.ResponderConfig{
		RoutingAddress:    cfg.RoutingAddress,
		Profile:           profile,
		InitialDeposit:    cfg.InitialDeposit,
		SettlementTimeout: cfg.SettlementTimeout,
		MaxRequestAge:     cfg.MaxRequestAge,
	}, channels, registrar)

	transports := bootstrap.Transports{
		Static: handshake.NewRouted(deps.Router, n.gate),
	}

	var fallback directory.Discoverer
	if len(cfg.Relays) > 0 {
		n.directory, err = directory.NewClient(directory.ClientConfig{
			Relays:         cfg.Relays,
			MaxMessageSize: cfg.MaxMessageSize,
			Kinds: []wire.Kind{
				codec.KindPeerInfo,
				codec.KindHandshakeRequest,
				codec.KindHandshakeResponse,
			},
		})
		if err != nil {
			return nil, err
		}
		fallback = n.index
		transports.Directory = handshake.NewDirect(n.directory)
	}
	n.static = directory.NewStatic(peers, fallback)

	n.engine = bootstrap.New(cfg.BootstrapConfig(), bootstrap.Dependencies{
		Registry:     n.registry,
		Discoverer:   n.static,
		Registrar:    registrar,
		Handshaker:   handshake.NewInitiator(identity, profile, cfg.RoutingAddress, cfg.NegotiationTimeout),
		Channels:     channels,
		Transports:   transports,
		Announcement: announcement,
		Metrics:      deps.Metrics,
	})

	if n.directory != nil {
		n.server = handshake.NewDirectServer(identity.PublicKey(), n.directory, n.responder)
		n.monitor = monitor.New(identity.PublicKey(), n.directory, n.index, n.registry, monitor.FollowList(follow),
			n.engine)
	}

	return n, nil
}

// Identity returns public key of the node.
func (n *Node) Identity() codec.PublicKey {
	return n.identity.PublicKey()
}

// Announcement returns the signed directory entry of the node.
func (n *Node) Announcement() *wire.Event {
	return n.announcement
}

// Registry returns registry of peers.
func (n *Node) Registry() *registry.Registry {
	return n.registry
}

// Index returns announcements known to the node.
func (n *Node) Index() *directory.Index {
	return n.index
}

// Events subscribes to lifecycle events of the bootstrap engine.
func (n *Node) Events() (<-chan bootstrap.Event, func()) {
	return n.engine.Events()
}

// Status returns health status.
func (n *Node) Status() bootstrap.Status {
	return n.engine.Status()
}

// Run runs the node.
func (n *Node) Run(ctx context.Context) error {
	log := logger.Get(ctx).With(zap.Stringer("node", n.identity.PublicKey()))
	ctx = logger.WithLogger(ctx, log)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("engine", parallel.Fail, n.engine.Run)

		if n.directory != nil {
			if err := n.directory.Publish(n.announcement); err != nil {
				return err
			}

			spawn("directory", parallel.Fail, n.directory.Run)
			spawn("handshakes", parallel.Fail, n.server.Run)
			spawn("monitor", parallel.Fail, n.monitor.Run)
		}

		for _, identity := range n.static.Peers() {
			n.engine.Enqueue(identity)
		}

		log.Info("Node started", zap.Int("staticPeers", len(n.static.Peers())))
		return nil
	})
}

// HandlePacket processes packet delivered by the router. Payment is validated before anything else happens.
// Handshake request is answered with the encoded response, other events are stored and answered with proof.
func (n *Node) HandlePacket(ctx context.Context, amount uint64, data []byte) ([]byte, error) {
	kind := gate.KindWrite
	if ev, err := codec.DecodeEvent(data); err == nil {
		kind = gate.KindOf(ev.Kind)
	}

	proof, ev, err := n.gate.Validate(amount, data, kind)
	if err != nil {
		code := router.CodeBadRequest
		if errors.Is(err, gate.ErrInsufficientPayment) {
			code = router.CodeInsufficientAmount
		}
		return nil, &router.RejectError{Code: code, Message: err.Error()}
	}

	log := logger.Get(ctx).With(zap.Stringer("author", codec.Author(ev)))

	switch ev.Kind {
	case codec.KindHandshakeRequest:
		response, outcome, err := n.responder.Respond(ctx, ev)
		if err != nil {
			return nil, &router.RejectError{Code: router.CodeBadRequest, Message: err.Error()}
		}
		log.Info("Handshake answered", zap.Bool("agreed", outcome.Result.Agreed),
			zap.String("channel", outcome.ChannelID))
		return codec.EncodeEvent(response)
	case codec.KindHandshakeResponse:
		return nil, &router.RejectError{Code: router.CodeBadRequest, Message: "unsolicited handshake response"}
	case codec.KindPeerInfo:
		if _, _, err := n.index.Add(ev); err != nil {
			return nil, &router.RejectError{Code: router.CodeBadRequest, Message: err.Error()}
		}
	}

	if n.directory != nil {
		if err := n.directory.Publish(ev); err != nil {
			log.Error("Publishing event failed", zap.Error(err))
		}
	}
	return proof[:], nil
}
