package channel

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/settlement"
)

var (
	// ErrChannelOpenFailed is returned when channel can't be opened.
	ErrChannelOpenFailed = errors.New("channel open failed")

	// ErrNonceConflict is returned by admin when transaction was rejected because of stale nonce.
	ErrNonceConflict = errors.New("nonce conflict")

	// ErrChannelOpenTimeout is returned when channel did not become open in time.
	ErrChannelOpenTimeout = errors.New("channel open timeout")
)

// ID is the identifier of the channel assigned by the admin.
type ID string

// Status is the status of the channel.
type Status string

// Channel statuses.
const (
	StatusPending Status = "pending"
	StatusOpen    Status = "open"
	StatusFailed  Status = "failed"
)

// State is the state of the channel reported by the admin.
type State struct {
	ChannelID ID
	Status    Status
	Chain     settlement.ChainID
}

// OpenRequest requests channel with the peer.
type OpenRequest struct {
	PeerID            codec.PublicKey
	Chain             settlement.ChainID
	Token             settlement.TokenID
	TokenNetwork      settlement.Address
	PeerAddress       settlement.Address
	InitialDeposit    uint64
	SettlementTimeout time.Duration
}

// Validate validates request.
func (r OpenRequest) Validate() error {
	if r.PeerID.IsZero() {
		return errors.New("peer id is not set")
	}
	if r.Chain == "" {
		return errors.New("chain is not set")
	}
	if r.PeerAddress == "" {
		return errors.New("peer address is not set")
	}
	return nil
}

// AdminOpenRequest is the request submitted to the admin.
type AdminOpenRequest struct {
	OpenRequest

	Nonce uint64
}

// Admin is the channel admin surface of the packet router.
type Admin interface {
	OpenChannel(ctx context.Context, req AdminOpenRequest) (ID, error)
	ChannelState(ctx context.Context, id ID) (State, error)
}

// NonceSource returns the next nonce to use for transactions on the chain.
type NonceSource interface {
	PendingNonce(ctx context.Context, chain settlement.ChainID) (uint64, error)
}

// Metrics receives channel lifecycle events.
type Metrics interface {
	Opened()
	Failed()
	NonceRetried()
}

type nopMetrics struct{}

func (nopMetrics) Opened()       {}
func (nopMetrics) Failed()       {}
func (nopMetrics) NonceRetried() {}

// Config is the configuration of the channel client.
type Config struct {
	MaxNonceRetries int
	RetryBackoff    time.Duration
	SubmitTimeout   time.Duration
	PollInterval    time.Duration
	OpenTimeout     time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		MaxNonceRetries: 3,
		RetryBackoff:    500 * time.Millisecond,
		SubmitTimeout:   time.Minute,
		PollInterval:    2 * time.Second,
		OpenTimeout:     2 * time.Minute,
	}
}
