package handshake

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/peerlink/channel"
	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/router"
	"github.com/outofforest/peerlink/settlement"
	"github.com/outofforest/peerlink/wire"
)

// ChannelOpener submits channel opening.
type ChannelOpener interface {
	Open(ctx context.Context, req channel.OpenRequest) (channel.ID, error)
}

// PeerRegistrar upserts requester in the router, so responses and payments can be routed back to it.
type PeerRegistrar interface {
	Update(ctx context.Context, id codec.PublicKey, config router.RoutingConfig) error
}

// ResponderConfig is the config of responder.
type ResponderConfig struct {
	RoutingAddress    string
	Profile           settlement.Profile
	InitialDeposit    uint64
	SettlementTimeout time.Duration
	MaxRequestAge     time.Duration
}

// Responder answers handshake requests.
type Responder struct {
	identity  *codec.Identity
	config    ResponderConfig
	channels  ChannelOpener
	registrar PeerRegistrar
}

// NewResponder creates responder. Channels and registrar are optional.
func NewResponder(
	identity *codec.Identity,
	config ResponderConfig,
	channels ChannelOpener,
	registrar PeerRegistrar,
) *Responder {
	return &Responder{
		identity:  identity,
		config:    config,
		channels:  channels,
		registrar: registrar,
	}
}

// Respond processes request and builds signed response addressed to the requester.
// Failure of channel opening or router update does not fail the handshake, response then carries no channel.
func (r *Responder) Respond(ctx context.Context, request *wire.Event) (*wire.Event, Outcome, error) {
	requester, body, session, err := r.openRequest(request)
	if err != nil {
		return nil, Outcome{}, err
	}

	log := logger.Get(ctx).With(zap.Stringer("requester", requester))

	// Negotiation follows requester preferences so both sides agree on the same chain.
	result := settlement.Negotiate(settlement.FromWire(body.Settlements), r.config.Profile)

	outcome := Outcome{
		Peer:           requester,
		RoutingAddress: body.RoutingAddress,
		Result:         result,
		Destination:    r.config.RoutingAddress + "." + hex.EncodeToString(request.ID[:8]),
	}
	if _, err := rand.Read(outcome.SharedSecret[:]); err != nil {
		return nil, Outcome{}, errors.WithStack(err)
	}

	if result.Agreed && r.channels != nil {
		channelID, err := r.channels.Open(ctx, channel.OpenRequest{
			PeerID:            requester,
			Chain:             result.Chain,
			Token:             result.Token,
			TokenNetwork:      result.TokenNetwork,
			PeerAddress:       result.OwnAddress,
			InitialDeposit:    r.config.InitialDeposit,
			SettlementTimeout: r.config.SettlementTimeout,
		})
		if err != nil {
			log.Warn("Opening channel failed", zap.Error(err))
		} else {
			outcome.ChannelID = string(channelID)
		}
	}

	if r.registrar != nil && body.RoutingAddress != "" {
		config := router.RoutingConfig{RoutingAddress: body.RoutingAddress}
		if outcome.ChannelID != "" {
			config.Settlement = &router.Settlement{
				Chain:        result.Chain,
				Token:        result.Token,
				TokenNetwork: result.TokenNetwork,
				PeerAddress:  result.OwnAddress,
				ChannelID:    outcome.ChannelID,
			}
		}
		if err := r.registrar.Update(ctx, requester, config); err != nil {
			log.Warn("Registering requester failed", zap.Error(err))
		}
	}

	response, err := r.response(request, session, outcome)
	if err != nil {
		return nil, Outcome{}, err
	}

	log.Debug("Handshake answered",
		zap.Bool("agreed", result.Agreed),
		zap.String("chain", string(result.Chain)),
		zap.String("channel", outcome.ChannelID))
	return response, outcome, nil
}

func (r *Responder) openRequest(request *wire.Event) (codec.PublicKey, *wire.HandshakeRequest, *codec.Session, error) {
	if request.Kind != codec.KindHandshakeRequest {
		return codec.PublicKey{}, nil, nil, errors.Wrapf(ErrInvalidRequest, "unexpected kind %d", request.Kind)
	}
	if codec.PublicKey(request.Recipient) != r.identity.PublicKey() {
		return codec.PublicKey{}, nil, nil, errors.Wrap(ErrInvalidRequest, "request addressed to someone else")
	}
	if err := codec.Verify(request); err != nil {
		return codec.PublicKey{}, nil, nil, errors.Wrap(ErrInvalidRequest, err.Error())
	}
	if r.config.MaxRequestAge > 0 && IsStale(request, r.config.MaxRequestAge) {
		return codec.PublicKey{}, nil, nil, errors.Wrap(ErrInvalidRequest, "request is stale")
	}

	env, err := codec.Decode[wire.Envelope](request.Content)
	if err != nil {
		return codec.PublicKey{}, nil, nil, errors.Wrap(ErrInvalidRequest, err.Error())
	}
	plaintext, session, err := r.identity.OpenRequest(env)
	if err != nil {
		return codec.PublicKey{}, nil, nil, errors.Wrap(ErrInvalidRequest, err.Error())
	}
	body, err := codec.Decode[wire.HandshakeRequest](plaintext)
	if err != nil {
		return codec.PublicKey{}, nil, nil, errors.Wrap(ErrInvalidRequest, err.Error())
	}
	return codec.Author(request), body, session, nil
}

func (r *Responder) response(request *wire.Event, session *codec.Session, outcome Outcome) (*wire.Event, error) {
	plaintext, err := codec.Encode(&wire.HandshakeResponse{
		Destination:      outcome.Destination,
		SharedSecret:     outcome.SharedSecret,
		Agreed:           outcome.Result.Agreed,
		Chain:            string(outcome.Result.Chain),
		Token:            string(outcome.Result.Token),
		TokenNetwork:     string(outcome.Result.TokenNetwork),
		ResponderAddress: string(outcome.Result.PeerAddress),
		RequesterAddress: string(outcome.Result.OwnAddress),
		ChannelID:        outcome.ChannelID,
	})
	if err != nil {
		return nil, err
	}
	env, err := session.SealResponse(request.ID, plaintext)
	if err != nil {
		return nil, err
	}
	content, err := codec.Encode(env)
	if err != nil {
		return nil, err
	}

	ev := codec.NewEvent(codec.KindHandshakeResponse, content)
	ev.Recipient = request.PubKey
	ev.Reference = request.ID
	codec.Sign(r.identity, ev)
	return ev, nil
}

// IsStale returns true if event was created earlier than maxAge ago.
func IsStale(ev *wire.Event, maxAge time.Duration) bool {
	return time.Since(time.Unix(int64(ev.CreatedAt), 0)) > maxAge
}
