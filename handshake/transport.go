package handshake

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/directory"
	"github.com/outofforest/peerlink/gate"
	"github.com/outofforest/peerlink/registry"
	"github.com/outofforest/peerlink/router"
	"github.com/outofforest/peerlink/wire"
)

// Directory is the directory client used by direct transport.
type Directory interface {
	Publish(ev *wire.Event) error
	Subscribe(kinds ...wire.Kind) *directory.Subscription
}

var _ Transport = &Direct{}

// Direct exchanges handshake messages through relays.
type Direct struct {
	directory Directory
}

// NewDirect creates direct transport.
func NewDirect(client Directory) *Direct {
	return &Direct{directory: client}
}

// Exchange publishes request and waits for the response addressed to the requester.
func (d *Direct) Exchange(ctx context.Context, _ registry.Discovery, request *wire.Event) (*wire.Event, error) {
	sub := d.directory.Subscribe(codec.KindHandshakeResponse)
	defer sub.Close()

	if err := d.directory.Publish(request); err != nil {
		return nil, err
	}

	log := logger.Get(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		case ev := <-sub.Events():
			if ev.Reference != request.ID {
				continue
			}
			if err := MatchResponse(request, ev); err != nil {
				log.Warn("Invalid handshake response received", zap.Error(err))
				continue
			}
			return ev, nil
		}
	}
}

// Announce publishes announcement to relays.
func (d *Direct) Announce(_ context.Context, _ registry.Discovery, announcement *wire.Event) error {
	return d.directory.Publish(announcement)
}

// Pricer computes the amount attached to the packet.
type Pricer interface {
	Required(size int, kind gate.PayloadKind) uint64
}

var _ Transport = &Routed{}

// Routed exchanges handshake messages as paid packets. Response is delivered in the fulfillment.
type Routed struct {
	router router.Router
	pricer Pricer
}

// NewRouted creates routed transport.
func NewRouted(router router.Router, pricer Pricer) *Routed {
	return &Routed{
		router: router,
		pricer: pricer,
	}
}

// Exchange sends request packet and decodes response from the fulfillment.
func (r *Routed) Exchange(ctx context.Context, peer registry.Discovery, request *wire.Event) (*wire.Event, error) {
	fulfillment, err := r.send(ctx, peer, request, gate.KindHandshake)
	if err != nil {
		return nil, err
	}

	response, err := codec.DecodeEvent(fulfillment)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidResponse, err.Error())
	}
	if err := MatchResponse(request, response); err != nil {
		return nil, err
	}
	return response, nil
}

// Announce writes announcement to the peer and checks the proof of acceptance.
func (r *Routed) Announce(ctx context.Context, peer registry.Discovery, announcement *wire.Event) error {
	fulfillment, err := r.send(ctx, peer, announcement, gate.KindWrite)
	if err != nil {
		return err
	}

	proof := gate.ProofFor(announcement.ID)
	if !bytes.Equal(fulfillment, proof[:]) {
		return errors.Errorf("peer %s returned invalid proof", peer.Identity)
	}
	return nil
}

func (r *Routed) send(
	ctx context.Context,
	peer registry.Discovery,
	ev *wire.Event,
	kind gate.PayloadKind,
) ([]byte, error) {
	if peer.RoutingAddress == "" {
		return nil, errors.Errorf("routing address of peer %s is unknown", peer.Identity)
	}

	data, err := codec.EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	return r.router.SendPacket(ctx, peer.RoutingAddress, r.pricer.Required(len(data), kind), data)
}

// DirectServer answers handshake requests received from relays.
type DirectServer struct {
	identity  codec.PublicKey
	directory Directory
	responder *Responder
	sub       *directory.Subscription
}

// NewDirectServer creates server answering requests addressed to identity.
// Requests are collected from the moment server is created.
func NewDirectServer(identity codec.PublicKey, client Directory, responder *Responder) *DirectServer {
	return &DirectServer{
		identity:  identity,
		directory: client,
		responder: responder,
		sub:       client.Subscribe(codec.KindHandshakeRequest),
	}
}

// Run runs the server.
func (s *DirectServer) Run(ctx context.Context) error {
	defer s.sub.Close()

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("requests", parallel.Fail, func(ctx context.Context) error {
			log := logger.Get(ctx)
			answered := newAnsweredRequests(s.responder.config.MaxRequestAge)

			ticker := time.NewTicker(answered.maxAge)
			defer ticker.Stop()

			for {
				var request *wire.Event
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case now := <-ticker.C:
					answered.Prune(now)
					continue
				case request = <-s.sub.Events():
				}

				if codec.PublicKey(request.Recipient) != s.identity {
					continue
				}
				if !answered.Add(request, time.Now()) {
					continue
				}

				spawn("request", parallel.Continue, func(ctx context.Context) error {
					response, _, err := s.responder.Respond(ctx, request)
					if err != nil {
						log.Warn("Handshake request rejected", zap.Error(err))
						return nil
					}
					if err := s.directory.Publish(response); err != nil {
						log.Error("Publishing handshake response failed", zap.Error(err))
					}
					return nil
				})
			}
		})
		return nil
	})
}

// defaultAnsweredTTL is used when responder accepts requests of any age.
const defaultAnsweredTTL = 10 * time.Minute

// answeredRequests remembers answered requests until they are too old to be accepted by the responder again.
type answeredRequests struct {
	maxAge time.Duration
	expiry map[wire.EventID]time.Time
}

func newAnsweredRequests(maxAge time.Duration) *answeredRequests {
	if maxAge <= 0 {
		maxAge = defaultAnsweredTTL
	}
	return &answeredRequests{
		maxAge: maxAge,
		expiry: map[wire.EventID]time.Time{},
	}
}

// Add returns false if request has been answered already.
func (a *answeredRequests) Add(request *wire.Event, now time.Time) bool {
	if _, exists := a.expiry[request.ID]; exists {
		return false
	}

	// Request created ahead of local clock stays fresh for longer.
	from := time.Unix(int64(request.CreatedAt), 0)
	if from.Before(now) {
		from = now
	}
	a.expiry[request.ID] = from.Add(a.maxAge)
	return true
}

// Prune forgets requests which expired.
func (a *answeredRequests) Prune(now time.Time) {
	for id, expiry := range a.expiry {
		if now.After(expiry) {
			delete(a.expiry, id)
		}
	}
}

// Len returns number of remembered requests.
func (a *answeredRequests) Len() int {
	return len(a.expiry)
}
