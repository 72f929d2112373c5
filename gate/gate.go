// Package gate decides whether value-bearing messages carry enough payment and are well-formed.
package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"

	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/wire"
)

// PayloadKind selects the price floor applied to the payload.
type PayloadKind int

// Payload kinds.
const (
	KindWrite PayloadKind = iota
	KindHandshake
)

func (k PayloadKind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	default:
		return "write"
	}
}

var (
	// ErrInsufficientPayment is returned when offered amount is lower than required one.
	ErrInsufficientPayment = errors.New("insufficient payment")

	// ErrMalformedPayload is returned when payload can't be decoded.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrInvalidSignature is returned when payload signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Rejection describes why the payload was rejected.
type Rejection struct {
	Reason   error
	Required uint64
	Offered  uint64
	Detail   string
}

func (r *Rejection) Error() string {
	if r.Detail != "" {
		return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
	}
	if errors.Is(r.Reason, ErrInsufficientPayment) {
		return fmt.Sprintf("%s: required %d, offered %d", r.Reason, r.Required, r.Offered)
	}
	return r.Reason.Error()
}

// Unwrap returns the reason so errors.Is matches the sentinels.
func (r *Rejection) Unwrap() error {
	return r.Reason
}

// Proof is the deterministic evidence of acceptance.
type Proof [32]byte

func (p Proof) String() string {
	return hex.EncodeToString(p[:])
}

// ProofFor computes the proof from the stored event alone.
func ProofFor(id wire.EventID) Proof {
	return sha256.Sum256(id[:])
}

// Pricing defines the price list.
type Pricing struct {
	PricePerByte   uint64
	WriteFloor     uint64
	HandshakeFloor uint64
}

// Gate validates payments. It is stateless and safe for concurrent use.
type Gate struct {
	pricing Pricing
	metrics Metrics
}

// Metrics receives decisions taken by the gate.
type Metrics interface {
	Accepted(kind PayloadKind)
	Rejected(kind PayloadKind, reason error)
}

type nopMetrics struct{}

func (nopMetrics) Accepted(PayloadKind)        {}
func (nopMetrics) Rejected(PayloadKind, error) {}

// New creates gate.
func New(pricing Pricing, metrics Metrics) *Gate {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Gate{
		pricing: pricing,
		metrics: metrics,
	}
}

// Required returns the amount required for payload of given size and kind.
func (g *Gate) Required(size int, kind PayloadKind) uint64 {
	floor := g.pricing.WriteFloor
	if kind == KindHandshake {
		floor = g.pricing.HandshakeFloor
	}
	return max(floor, uint64(size)*g.pricing.PricePerByte)
}

// Validate accepts or rejects the payload.
func (g *Gate) Validate(amount uint64, payload []byte, kind PayloadKind) (Proof, *wire.Event, error) {
	proof, ev, err := g.validate(amount, payload, kind)
	if err != nil {
		g.metrics.Rejected(kind, err)
		return Proof{}, nil, err
	}
	g.metrics.Accepted(kind)
	return proof, ev, nil
}

func (g *Gate) validate(amount uint64, payload []byte, kind PayloadKind) (Proof, *wire.Event, error) {
	required := g.Required(len(payload), kind)
	if amount < required {
		return Proof{}, nil, &Rejection{
			Reason:   ErrInsufficientPayment,
			Required: required,
			Offered:  amount,
		}
	}

	ev, err := codec.DecodeEvent(payload)
	if err != nil {
		return Proof{}, nil, &Rejection{Reason: ErrMalformedPayload, Detail: err.Error()}
	}
	if err := codec.Verify(ev); err != nil {
		return Proof{}, nil, &Rejection{Reason: ErrInvalidSignature, Detail: err.Error()}
	}

	return ProofFor(ev.ID), ev, nil
}

// KindOf maps event kind to payload kind.
func KindOf(kind wire.Kind) PayloadKind {
	switch kind {
	case codec.KindHandshakeRequest, codec.KindHandshakeResponse:
		return KindHandshake
	default:
		return KindWrite
	}
}
