// Package handshake exchanges encrypted settlement profiles between peers.
//
// The same initiator and responder are used by every transport, so negotiation and channel opening behave
// identically no matter how the messages travel.
package handshake

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/registry"
	"github.com/outofforest/peerlink/settlement"
	"github.com/outofforest/peerlink/wire"
)

var (
	// ErrNegotiationTimeout is returned when response is not received in time.
	ErrNegotiationTimeout = errors.New("negotiation timeout")

	// ErrInvalidRequest is returned when handshake request can't be processed.
	ErrInvalidRequest = errors.New("invalid handshake request")

	// ErrInvalidResponse is returned when response does not answer the request.
	ErrInvalidResponse = errors.New("invalid handshake response")
)

// Transport delivers handshake messages to the peer.
type Transport interface {
	// Exchange sends request and waits for the response.
	Exchange(ctx context.Context, peer registry.Discovery, request *wire.Event) (*wire.Event, error)

	// Announce publishes own announcement to the discovery surface of the peer.
	Announce(ctx context.Context, peer registry.Discovery, announcement *wire.Event) error
}

// Outcome is the result of the handshake.
type Outcome struct {
	Peer           codec.PublicKey
	RoutingAddress string
	Result         settlement.Result
	ChannelID      string
	Destination    string
	SharedSecret   [32]byte
}

// Initiator starts handshakes.
type Initiator struct {
	identity       *codec.Identity
	profile        settlement.Profile
	routingAddress string
	timeout        time.Duration
}

// NewInitiator creates initiator.
func NewInitiator(
	identity *codec.Identity,
	profile settlement.Profile,
	routingAddress string,
	timeout time.Duration,
) *Initiator {
	return &Initiator{
		identity:       identity,
		profile:        profile,
		routingAddress: routingAddress,
		timeout:        timeout,
	}
}

// Handshake runs the handshake with the peer.
// Settlement is negotiated locally, channel reported by the responder is accepted only if it was opened
// for the chain agreed locally.
func (i *Initiator) Handshake(ctx context.Context, transport Transport, peer registry.Discovery) (Outcome, error) {
	request, session, err := i.request(peer)
	if err != nil {
		return Outcome{}, err
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	response, err := transport.Exchange(exchangeCtx, peer, request)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, errors.WithStack(ctx.Err())
		}
		if exchangeCtx.Err() != nil {
			return Outcome{}, errors.Wrapf(ErrNegotiationTimeout, "no response from %s in %s", peer.Identity, i.timeout)
		}
		return Outcome{}, err
	}

	body, err := i.openResponse(peer, request, response, session)
	if err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{
		Peer:           peer.Identity,
		RoutingAddress: peer.RoutingAddress,
		Result:         settlement.Negotiate(i.profile, peer.Profile),
		Destination:    body.Destination,
		SharedSecret:   body.SharedSecret,
	}
	if !outcome.Result.Agreed && peer.Profile.IsEmpty() {
		// Profile of statically configured peer is learnt from the response.
		outcome.Result = i.adopt(body)
	}
	if outcome.Result.Agreed && body.Agreed && settlement.ChainID(body.Chain) == outcome.Result.Chain &&
		settlement.TokenID(body.Token) == outcome.Result.Token {
		outcome.ChannelID = body.ChannelID
	}
	return outcome, nil
}

// adopt accepts settlement chosen by the responder if it is consistent with own profile.
func (i *Initiator) adopt(body *wire.HandshakeResponse) settlement.Result {
	if !body.Agreed || body.ResponderAddress == "" {
		return settlement.NoAgreement
	}
	chain := settlement.ChainID(body.Chain)
	ownAddr, ok := i.profile.SettlementAddresses[chain]
	if !ok || ownAddr != settlement.Address(body.RequesterAddress) {
		return settlement.NoAgreement
	}
	return settlement.Negotiate(i.profile, settlement.Profile{
		SupportedChains:     []settlement.ChainID{chain},
		SettlementAddresses: map[settlement.ChainID]settlement.Address{chain: settlement.Address(body.ResponderAddress)},
	})
}

func (i *Initiator) request(peer registry.Discovery) (*wire.Event, *codec.Session, error) {
	if peer.EncryptionKey == ([32]byte{}) {
		return nil, nil, errors.Errorf("encryption key of peer %s is unknown", peer.Identity)
	}

	plaintext, err := codec.Encode(&wire.HandshakeRequest{
		RoutingAddress: i.routingAddress,
		Settlements:    i.profile.ToWire(),
	})
	if err != nil {
		return nil, nil, err
	}
	env, session, err := codec.SealRequest(peer.EncryptionKey, plaintext)
	if err != nil {
		return nil, nil, err
	}
	content, err := codec.Encode(env)
	if err != nil {
		return nil, nil, err
	}

	ev := codec.NewEvent(codec.KindHandshakeRequest, content)
	ev.Recipient = wire.PeerID(peer.Identity)
	codec.Sign(i.identity, ev)
	return ev, session, nil
}

func (i *Initiator) openResponse(
	peer registry.Discovery,
	request, response *wire.Event,
	session *codec.Session,
) (*wire.HandshakeResponse, error) {
	if err := MatchResponse(request, response); err != nil {
		return nil, err
	}
	if codec.Author(response) != peer.Identity {
		return nil, errors.Wrapf(ErrInvalidResponse, "response authored by %s, expected %s",
			codec.Author(response), peer.Identity)
	}

	env, err := codec.Decode[wire.Envelope](response.Content)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidResponse, err.Error())
	}
	plaintext, err := session.OpenResponse(request.ID, env)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidResponse, err.Error())
	}
	body, err := codec.Decode[wire.HandshakeResponse](plaintext)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidResponse, err.Error())
	}
	return body, nil
}

// MatchResponse checks that response is signed and answers the request.
func MatchResponse(request, response *wire.Event) error {
	if response.Kind != codec.KindHandshakeResponse {
		return errors.Wrapf(ErrInvalidResponse, "unexpected kind %d", response.Kind)
	}
	if response.Reference != request.ID {
		return errors.Wrapf(ErrInvalidResponse, "response references %x, expected %x", response.Reference, request.ID)
	}
	if response.Recipient != request.PubKey {
		return errors.Wrap(ErrInvalidResponse, "response addressed to someone else")
	}
	if wire.PeerID(request.Recipient) != response.PubKey {
		return errors.Wrap(ErrInvalidResponse, "response not authored by the recipient of the request")
	}
	if err := codec.Verify(response); err != nil {
		return errors.Wrap(ErrInvalidResponse, err.Error())
	}
	return nil
}
