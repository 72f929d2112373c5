package directory

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/wire"
	"github.com/outofforest/resonance"
)

type eventToSend struct {
	Header *wire.Header
	Event  *wire.Event
}

type clientConns struct {
	clientID wire.PeerID
	subs     *subscriptions

	mu         sync.RWMutex
	conns      map[<-chan eventToSend]chan<- eventToSend
	sentEvents map[revisionKey]eventToSend
	received   map[revisionKey]wire.Revision
}

func newClientConns(clientID wire.PeerID, subs *subscriptions) *clientConns {
	return &clientConns{
		clientID:   clientID,
		subs:       subs,
		conns:      map[<-chan eventToSend]chan<- eventToSend{},
		sentEvents: map[revisionKey]eventToSend{},
		received:   map[revisionKey]wire.Revision{},
	}
}

func (c *clientConns) Add() <-chan eventToSend {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan eventToSend, len(c.sentEvents)+10)
	c.conns[ch] = ch

	for _, e := range c.sentEvents {
		ch <- e
	}

	return ch
}

func (c *clientConns) Remove(ch <-chan eventToSend) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch2, exists := c.conns[ch]; exists {
		delete(c.conns, ch)
		close(ch2)
	}
}

func (c *clientConns) Broadcast(ev *wire.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := revisionKey{
		Slot:   SlotOf(ev),
		Sender: ev.PubKey,
	}

	// Revisions are time based so events published after restart supersede the ones stored by relays.
	revIndex := wire.Revision(time.Now().UnixNano())
	if prev, exists := c.sentEvents[key]; exists && prev.Header.Revision.Index >= revIndex {
		revIndex = prev.Header.Revision.Index + 1
	}

	send := eventToSend{
		Header: &wire.Header{
			Sender: ev.PubKey,
			Revision: wire.RevisionDescriptor{
				Slot:  key.Slot,
				Index: revIndex,
			},
		},
		Event: ev,
	}

	c.sentEvents[key] = send

	for _, ch := range c.conns {
		ch <- send
	}
}

func (c *clientConns) Deliver(ctx context.Context, header *wire.Header, ev *wire.Event) error {
	c.mu.Lock()
	key := revisionKey{
		Slot:   header.Revision.Slot,
		Sender: header.Sender,
	}
	if existing, exists := c.received[key]; exists && existing >= header.Revision.Index {
		c.mu.Unlock()
		return nil
	}
	c.received[key] = header.Revision.Index
	c.mu.Unlock()

	return c.subs.Dispatch(ctx, ev)
}

// ClientConfig is the config of client.
type ClientConfig struct {
	Relays         []string
	MaxMessageSize uint64
	Kinds          []wire.Kind
}

// Client publishes events to relays and receives events of requested kinds from them.
type Client struct {
	config ClientConfig
	subs   *subscriptions
	conns  *clientConns
}

// NewClient creates new client.
func NewClient(config ClientConfig) (*Client, error) {
	if len(config.Relays) == 0 {
		return nil, errors.New("no relays specified")
	}

	clientID, err := newConnID()
	if err != nil {
		return nil, err
	}

	subs := newSubscriptions()
	return &Client{
		config: config,
		subs:   subs,
		conns:  newClientConns(clientID, subs),
	}, nil
}

// Run runs client.
func (client *Client) Run(ctx context.Context) error {
	connConfig := resonance.Config{
		MaxMessageSize: client.config.MaxMessageSize,
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for _, relay := range client.config.Relays {
			spawn("conn", parallel.Fail, func(ctx context.Context) error {
				log := logger.Get(ctx)

				for {
					err := resonance.RunClient(ctx, relay, connConfig,
						func(ctx context.Context, c *resonance.Connection) error {
							return client.runConn(ctx, c)
						})

					if ctx.Err() != nil {
						return errors.WithStack(ctx.Err())
					}

					log.Error("Relay connection failed", zap.String("relay", relay), zap.Error(err))
					select {
					case <-ctx.Done():
						return errors.WithStack(ctx.Err())
					case <-time.After(time.Second):
					}
				}
			})
		}

		return nil
	})
}

// Publish publishes signed event. Event replaces the previous one published by the same author to the same slot.
func (client *Client) Publish(ev *wire.Event) error {
	if err := codec.Verify(ev); err != nil {
		return err
	}
	client.conns.Broadcast(ev)
	return nil
}

// Subscribe subscribes to events of given kinds. Kinds must be requested in the client config.
func (client *Client) Subscribe(kinds ...wire.Kind) *Subscription {
	return client.subs.Add(kinds)
}

func (client *Client) runConn(ctx context.Context, c *resonance.Connection) error {
	m := wire.NewMarshaller()

	if err := c.SendProton(&wire.Hello{
		PeerID: client.conns.clientID,
		Kinds:  client.config.Kinds,
	}, m); err != nil {
		return err
	}

	msg, err := c.ReceiveProton(m)
	if err != nil {
		return err
	}

	_, ok := msg.(*wire.Hello)
	if !ok {
		return errors.New("hello message expected")
	}

	sendCh := client.conns.Add()

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			defer client.conns.Remove(sendCh)

			for {
				msg, err := c.ReceiveProton(m)
				if err != nil {
					return err
				}

				headerMsg, ok := msg.(*wire.Header)
				if !ok {
					return errors.New("header message expected")
				}

				msg, err = c.ReceiveProton(m)
				if err != nil {
					return err
				}

				ev, ok := msg.(*wire.Event)
				if !ok {
					return errors.New("event message expected")
				}

				if err := client.conns.Deliver(ctx, headerMsg, ev); err != nil {
					return err
				}
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer func() {
				for range sendCh {
				}
			}()
			defer c.Close()

			for toSend := range sendCh {
				if err := c.SendProton(toSend.Header, m); err != nil {
					return err
				}
				if err := c.SendProton(toSend.Event, m); err != nil {
					return err
				}
			}

			return nil
		})

		return nil
	})
}
