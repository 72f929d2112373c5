// Package channel opens payment channels through the admin surface of the packet router.
package channel

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/outofforest/logger"
	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/settlement"
	"github.com/outofforest/peerlink/wire"
)

const (
	recordPrefix = "/channels"

	// nativeToken marks the native asset of the chain. Escaped names never consist of bare '%'.
	nativeToken = "%"
)

// keyEscaper escapes characters the datastore treats as path elements.
var keyEscaper = strings.NewReplacer("%", "%25", "/", "%2F", ".", "%2E")

// Record is the persisted channel record.
type Record struct {
	PeerID  codec.PublicKey
	Token   settlement.TokenID
	Chain   settlement.ChainID
	Channel ID
	Failed  bool
}

// Client opens channels. At most one non-failed channel exists per (peer, chain, token).
type Client struct {
	config  Config
	admin   Admin
	nonces  NonceSource
	store   datastore.Datastore
	metrics Metrics
	group   singleflight.Group
}

// New creates channel client. Nonce source is optional, if nil the admin assigns nonces.
func New(config Config, admin Admin, nonces NonceSource, store datastore.Datastore, metrics Metrics) *Client {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Client{
		config:  config,
		admin:   admin,
		nonces:  nonces,
		store:   store,
		metrics: metrics,
	}
}

// Open opens channel or returns the one opened before for the same peer, chain and token.
func (c *Client) Open(ctx context.Context, req OpenRequest) (ID, error) {
	if err := req.Validate(); err != nil {
		return "", errors.Wrap(ErrChannelOpenFailed, err.Error())
	}

	key := recordKey(req.PeerID, req.Chain, req.Token)
	res, err, _ := c.group.Do(key.String(), func() (any, error) {
		rec, err := c.load(ctx, key)
		switch {
		case err == nil && !rec.Failed:
			return ID(rec.ChannelID), nil
		case err != nil && !errors.Is(err, datastore.ErrNotFound):
			return ID(""), err
		}

		id, err := c.submit(ctx, req)
		if err != nil {
			c.metrics.Failed()
			return ID(""), err
		}
		if err := c.save(ctx, key, &wire.ChannelRecord{
			ChannelID: string(id),
			Chain:     string(req.Chain),
		}); err != nil {
			return ID(""), err
		}
		c.metrics.Opened()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return res.(ID), nil
}

// State returns the state of the channel.
func (c *Client) State(ctx context.Context, id ID) (State, error) {
	state, err := c.admin.ChannelState(ctx, id)
	if err != nil {
		return State{}, err
	}
	return state, nil
}

// AwaitOpen polls the channel state until it is open, failed or open timeout elapses.
func (c *Client) AwaitOpen(ctx context.Context, id ID) (State, error) {
	log := logger.Get(ctx).With(zap.String("channel", string(id)))

	pollCtx, cancel := context.WithTimeout(ctx, c.config.OpenTimeout)
	defer cancel()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		state, err := c.admin.ChannelState(pollCtx, id)
		switch {
		case err != nil:
			if pollCtx.Err() == nil {
				log.Warn("Polling channel state failed", zap.Error(err))
			}
		case state.Status == StatusOpen:
			return state, nil
		case state.Status == StatusFailed:
			return state, errors.Wrapf(ErrChannelOpenFailed, "channel %s failed", id)
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return State{}, errors.WithStack(ctx.Err())
			}
			return State{ChannelID: id, Status: StatusPending}, errors.Wrapf(ErrChannelOpenTimeout,
				"channel %s not open after %s", id, c.config.OpenTimeout)
		case <-ticker.C:
		}
	}
}

// Establish opens the channel and waits until it is open.
// Channel reported as failed is marked so the next call opens a fresh one.
func (c *Client) Establish(ctx context.Context, req OpenRequest) (State, error) {
	id, err := c.Open(ctx, req)
	if err != nil {
		return State{}, err
	}

	state, err := c.AwaitOpen(ctx, id)
	if err != nil {
		if errors.Is(err, ErrChannelOpenFailed) {
			c.metrics.Failed()
			if err2 := c.MarkFailed(context.WithoutCancel(ctx), req); err2 != nil {
				return State{}, err2
			}
		}
		return state, err
	}
	return state, nil
}

// MarkFailed marks the channel record as failed.
func (c *Client) MarkFailed(ctx context.Context, req OpenRequest) error {
	key := recordKey(req.PeerID, req.Chain, req.Token)
	rec, err := c.load(ctx, key)
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil
		}
		return err
	}
	rec.Failed = true
	return c.save(ctx, key, rec)
}

// Records returns all the persisted channel records.
func (c *Client) Records(ctx context.Context) ([]Record, error) {
	results, err := c.store.Query(ctx, query.Query{Prefix: recordPrefix})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	entries, err := results.Rest()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		rec, err := codec.Decode[wire.ChannelRecord](e.Value)
		if err != nil {
			return nil, err
		}
		peerID, token, err := parseRecordKey(datastore.NewKey(e.Key))
		if err != nil {
			return nil, err
		}
		records = append(records, Record{
			PeerID:  peerID,
			Token:   token,
			Chain:   settlement.ChainID(rec.Chain),
			Channel: ID(rec.ChannelID),
			Failed:  rec.Failed,
		})
	}
	return records, nil
}

func (c *Client) submit(ctx context.Context, req OpenRequest) (ID, error) {
	// Transaction submission must not be interrupted by shutdown, otherwise channel state becomes unknown.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.SubmitTimeout)
	defer cancel()

	log := logger.Get(ctx).With(zap.Stringer("peer", req.PeerID), zap.String("chain", string(req.Chain)))

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxNonceRetries; attempt++ {
		if attempt > 0 {
			c.metrics.NonceRetried()
			select {
			case <-ctx.Done():
				return "", errors.Wrapf(ErrChannelOpenFailed, "submission timed out: %s", lastErr)
			case <-time.After(time.Duration(attempt) * c.config.RetryBackoff):
			}
		}

		var nonce uint64
		if c.nonces != nil {
			var err error
			nonce, err = c.nonces.PendingNonce(ctx, req.Chain)
			if err != nil {
				return "", errors.Wrapf(ErrChannelOpenFailed, "fetching nonce: %s", err)
			}
		}

		id, err := c.admin.OpenChannel(ctx, AdminOpenRequest{
			OpenRequest: req,
			Nonce:       nonce,
		})
		if err == nil {
			if id == "" {
				return "", errors.Wrap(ErrChannelOpenFailed, "admin returned empty channel id")
			}
			return id, nil
		}
		if !errors.Is(err, ErrNonceConflict) {
			return "", errors.Wrap(ErrChannelOpenFailed, err.Error())
		}

		lastErr = err
		log.Warn("Stale nonce, resubmitting", zap.Int("attempt", attempt+1), zap.Uint64("nonce", nonce))
	}

	return "", errors.Wrapf(ErrChannelOpenFailed, "nonce conflict after %d attempts: %s",
		c.config.MaxNonceRetries+1, lastErr)
}

func (c *Client) load(ctx context.Context, key datastore.Key) (*wire.ChannelRecord, error) {
	b, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return codec.Decode[wire.ChannelRecord](b)
}

func (c *Client) save(ctx context.Context, key datastore.Key, rec *wire.ChannelRecord) error {
	b, err := codec.Encode(rec)
	if err != nil {
		return err
	}
	return errors.WithStack(c.store.Put(ctx, key, b))
}

func recordKey(peerID codec.PublicKey, chain settlement.ChainID, token settlement.TokenID) datastore.Key {
	t := nativeToken
	if token != "" {
		t = escape(string(token))
	}
	return datastore.KeyWithNamespaces([]string{recordPrefix, peerID.String(), escape(string(chain)), t})
}

func parseRecordKey(key datastore.Key) (codec.PublicKey, settlement.TokenID, error) {
	parts := key.Namespaces()
	if len(parts) != 4 {
		return codec.PublicKey{}, "", errors.Errorf("invalid channel record key %q", key)
	}
	peerID, err := codec.ParsePublicKey(parts[1])
	if err != nil {
		return codec.PublicKey{}, "", err
	}
	if parts[3] == nativeToken {
		return peerID, "", nil
	}
	token, err := url.PathUnescape(parts[3])
	if err != nil {
		return codec.PublicKey{}, "", errors.Wrapf(err, "invalid token in channel record key %q", key)
	}
	return peerID, settlement.TokenID(token), nil
}

func escape(s string) string {
	return keyEscaper.Replace(s)
}
