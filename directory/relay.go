package directory

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/wire"
	"github.com/outofforest/resonance"
	"github.com/outofforest/varuint64"
)

var errSameRelay = errors.New("connected to myself")

// newConnID returns random id announced in Hello, used to detect connections looping back to the same process.
func newConnID() (wire.PeerID, error) {
	var id wire.PeerID
	if _, err := rand.Read(id[:]); err != nil {
		return wire.PeerID{}, errors.WithStack(err)
	}
	return id, nil
}

type revisionKey struct {
	Slot   wire.Slot
	Sender wire.PeerID
}

type revision struct {
	Header  *wire.Header
	Content []byte
}

type chans struct {
	Sender   chan<- revision
	Receiver <-chan revision
}

type relayConns struct {
	mu     sync.RWMutex
	conns  map[wire.PeerID]chans
	events map[revisionKey]revision
}

func newRelayConns() *relayConns {
	return &relayConns{
		conns:  map[wire.PeerID]chans{},
		events: map[revisionKey]revision{},
	}
}

func (c *relayConns) Add(peerID wire.PeerID) <-chan revision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if chs, ok := c.conns[peerID]; ok {
		close(chs.Sender)
	}

	ch := make(chan revision, len(c.events)+10)
	for _, r := range c.events {
		ch <- r
	}
	c.conns[peerID] = chans{Sender: ch, Receiver: ch}

	return ch
}

func (c *relayConns) Remove(peerID wire.PeerID, ch <-chan revision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if chs, exists := c.conns[peerID]; exists && chs.Receiver == ch {
		delete(c.conns, peerID)
		close(chs.Sender)
	}
}

func (c *relayConns) Broadcast(rev revision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := revisionKey{
		Slot:   rev.Header.Revision.Slot,
		Sender: rev.Header.Sender,
	}

	if existing, exists := c.events[key]; exists &&
		existing.Header.Revision.Index >= rev.Header.Revision.Index {
		return
	}

	c.events[key] = rev

	for _, conn := range c.conns {
		conn.Sender <- rev
	}
}

// RelayConfig defines relay configuration.
type RelayConfig struct {
	Peers          []string
	MaxMessageSize uint64
}

// RunRelay runs relay. Relay keeps the latest revision of every (slot, author) pair and forwards it to
// connected clients requesting its kind and to other relays.
func RunRelay(ctx context.Context, ls net.Listener, config RelayConfig) error {
	relayID, err := newConnID()
	if err != nil {
		return err
	}

	conns := newRelayConns()
	connConfig := resonance.Config{
		MaxMessageSize: config.MaxMessageSize,
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) (err error) {
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			return resonance.RunServer(ctx, ls, connConfig,
				func(ctx context.Context, c *resonance.Connection) error {
					return runRelayConn(ctx, relayID, c, conns)
				})
		})

		for _, p := range config.Peers {
			spawn("peer", parallel.Continue, func(ctx context.Context) error {
				log := logger.Get(ctx)

				for {
					err := resonance.RunClient(ctx, p, connConfig,
						func(ctx context.Context, c *resonance.Connection) error {
							return runRelayConn(ctx, relayID, c, conns)
						})

					if ctx.Err() != nil {
						return errors.WithStack(ctx.Err())
					}

					if errors.Is(err, errSameRelay) {
						return nil
					}

					log.Error("Relay connection failed", zap.String("relay", p), zap.Error(err))
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

func runRelayConn(
	ctx context.Context,
	relayID wire.PeerID,
	c *resonance.Connection,
	conns *relayConns,
) error {
	log := logger.Get(ctx)
	m := wire.NewMarshaller()

	if err := c.SendProton(&wire.Hello{
		PeerID:   relayID,
		IsServer: true,
	}, m); err != nil {
		return err
	}

	msg, err := c.ReceiveProton(m)
	if err != nil {
		return err
	}

	helloMsg, ok := msg.(*wire.Hello)
	if !ok {
		return errors.New("hello message expected")
	}

	if helloMsg.PeerID == relayID {
		return errSameRelay
	}

	kinds := map[wire.Kind]struct{}{}
	for _, k := range helloMsg.Kinds {
		kinds[k] = struct{}{}
	}

	sendCh := conns.Add(helloMsg.PeerID)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			defer conns.Remove(helloMsg.PeerID, sendCh)

			for {
				msg, err := c.ReceiveProton(m)
				if err != nil {
					return err
				}

				headerMsg, ok := msg.(*wire.Header)
				if !ok {
					return errors.New("header message expected")
				}

				frame, err := c.ReceiveRawBytes()
				if err != nil {
					return err
				}

				if err := verifyRevision(headerMsg, frame); err != nil {
					log.Warn("Dropping invalid event", zap.Error(err))
					continue
				}

				conns.Broadcast(revision{
					Header:  headerMsg,
					Content: frame,
				})
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer func() {
				for range sendCh {
				}
			}()
			defer c.Close()

			for rev := range sendCh {
				if _, exists := kinds[rev.Header.Revision.Slot.Kind]; !exists && !helloMsg.IsServer {
					continue
				}

				if err := c.SendProton(rev.Header, m); err != nil {
					return err
				}
				if err := c.SendRawBytes(rev.Content); err != nil {
					return err
				}
			}

			return nil
		})

		return nil
	})
}

// verifyRevision checks that event carried by the frame is signed by the sender and occupies the slot
// declared in the header.
func verifyRevision(header *wire.Header, frame []byte) error {
	ev, err := eventFromFrame(frame)
	if err != nil {
		return err
	}
	if ev.PubKey != header.Sender {
		return errors.Errorf("event %x authored by %x sent as %x", ev.ID, ev.PubKey, header.Sender)
	}
	if slot := SlotOf(ev); slot != header.Revision.Slot {
		return errors.Errorf("event %x does not belong to slot %d/%x", ev.ID, header.Revision.Slot.Kind,
			header.Revision.Slot.Topic)
	}
	return nil
}

// eventFromFrame decodes event from the frame received as raw bytes. Frame starts with the length prefix
// followed by the message id, both varuint64-encoded.
func eventFromFrame(frame []byte) (*wire.Event, error) {
	if !varuint64.Contains(frame) {
		return nil, errors.Wrap(codec.ErrMalformed, "truncated frame length")
	}
	size, n := varuint64.Parse(frame)
	payload := frame[n:]
	if size != uint64(len(payload)) {
		return nil, errors.Wrapf(codec.ErrMalformed, "frame declares %d bytes but carries %d", size, len(payload))
	}

	if !varuint64.Contains(payload) {
		return nil, errors.Wrap(codec.ErrMalformed, "truncated message id")
	}
	msgID, n := varuint64.Parse(payload)
	eventID, err := wire.NewMarshaller().ID(&wire.Event{})
	if err != nil {
		return nil, err
	}
	if msgID != eventID {
		return nil, errors.Wrapf(codec.ErrMalformed, "message %d is not an event", msgID)
	}

	return codec.DecodeVerifiedEvent(payload[n:])
}

// SlotOf returns the slot occupied by the event.
func SlotOf(ev *wire.Event) wire.Slot {
	return wire.Slot{
		Kind:  ev.Kind,
		Topic: ev.Recipient,
	}
}
