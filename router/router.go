// Package router connects the node to the payment packet router.
package router

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/settlement"
)

var (
	// ErrConflict is returned by router when peer is already registered.
	ErrConflict = errors.New("peer already registered")

	// ErrNotFound is returned by router when updated peer is not registered.
	ErrNotFound = errors.New("peer not registered")
)

// Reject codes.
const (
	CodeBadRequest         = "F00"
	CodeUnreachable        = "F02"
	CodeInsufficientAmount = "F04"
	CodeApplicationError   = "F99"
	CodeTimeout            = "R00"
)

// RejectError is returned when packet is rejected.
type RejectError struct {
	Code    string
	Message string
	Data    []byte
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("packet rejected [%s]: %s", e.Code, e.Message)
}

// Settlement contains settlement fields of the peer.
type Settlement struct {
	Chain        settlement.ChainID
	Token        settlement.TokenID
	TokenNetwork settlement.Address
	PeerAddress  settlement.Address
	ChannelID    string
}

// RoutingConfig is the configuration of the peer in the router.
type RoutingConfig struct {
	RoutingAddress string
	Endpoint       string
	Settlement     *Settlement
}

// Router is the packet router.
type Router interface {
	// RegisterPeer creates peer. ErrConflict is returned if peer exists.
	RegisterPeer(ctx context.Context, id codec.PublicKey, config RoutingConfig) error

	// UpdatePeer updates existing peer. ErrNotFound is returned if peer does not exist.
	UpdatePeer(ctx context.Context, id codec.PublicKey, config RoutingConfig) error

	// SendPacket sends packet and returns fulfillment data. *RejectError is returned if packet is rejected.
	SendPacket(ctx context.Context, destination string, amount uint64, data []byte) ([]byte, error)
}
