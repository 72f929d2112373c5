package codec

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/peerlink/wire"
)

// Event kinds used by the system. Any other kind is treated as generic write.
const (
	KindPeerInfo          wire.Kind = 10032
	KindHandshakeRequest  wire.Kind = 23194
	KindHandshakeResponse wire.Kind = 23195
)

// MaxEventSize is the largest encoded event accepted by the decoder.
const MaxEventSize = 64 * 1024

var (
	// ErrMalformed is returned when bytes can't be decoded into expected message.
	ErrMalformed = errors.New("malformed message")

	// ErrInvalidID is returned when event ID does not match its content.
	ErrInvalidID = errors.New("event id mismatch")

	// ErrInvalidSignature is returned when event signature does not verify against its public key.
	ErrInvalidSignature = errors.New("invalid event signature")
)

var marshaller = wire.NewMarshaller()

// NewEvent creates unsigned event.
func NewEvent(kind wire.Kind, content []byte) *wire.Event {
	return &wire.Event{
		CreatedAt: uint64(time.Now().Unix()),
		Kind:      kind,
		Content:   content,
	}
}

// EventID computes content address of the event. ID and Sig fields are not covered.
func EventID(ev *wire.Event) wire.EventID {
	h := sha256.New()
	var num [8]byte

	h.Write(ev.PubKey[:])
	binary.BigEndian.PutUint64(num[:], ev.CreatedAt)
	h.Write(num[:])
	binary.BigEndian.PutUint64(num[:], uint64(ev.Kind))
	h.Write(num[:])
	h.Write(ev.Recipient[:])
	h.Write(ev.Reference[:])
	binary.BigEndian.PutUint64(num[:], uint64(len(ev.Content)))
	h.Write(num[:])
	h.Write(ev.Content)

	var id wire.EventID
	copy(id[:], h.Sum(nil))
	return id
}

// Sign sets public key, ID and signature of the event.
func Sign(identity *Identity, ev *wire.Event) {
	ev.PubKey = wire.PeerID(identity.PublicKey())
	ev.ID = EventID(ev)
	copy(ev.Sig[:], identity.sign(ev.ID[:]))
}

// Verify checks that event ID matches its content and signature matches the embedded public key.
func Verify(ev *wire.Event) error {
	if EventID(ev) != ev.ID {
		return errors.WithStack(ErrInvalidID)
	}
	if !ed25519.Verify(ev.PubKey[:], ev.ID[:], ev.Sig[:]) {
		return errors.WithStack(ErrInvalidSignature)
	}
	return nil
}

// Author returns the public key of the event author.
func Author(ev *wire.Event) PublicKey {
	return PublicKey(ev.PubKey)
}

// EncodeEvent encodes event into compact wire format.
func EncodeEvent(ev *wire.Event) ([]byte, error) {
	return Encode(ev)
}

// DecodeEvent decodes event from compact wire format. Signature is not verified.
func DecodeEvent(b []byte) (*wire.Event, error) {
	if len(b) > MaxEventSize {
		return nil, errors.Wrapf(ErrMalformed, "event of %d bytes exceeds limit of %d", len(b), MaxEventSize)
	}
	return Decode[wire.Event](b)
}

// DecodeVerifiedEvent decodes event and verifies its ID and signature.
func DecodeVerifiedEvent(b []byte) (*wire.Event, error) {
	ev, err := DecodeEvent(b)
	if err != nil {
		return nil, err
	}
	if err := Verify(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Encode encodes any message defined in wire package.
func Encode(msg any) ([]byte, error) {
	size, err := marshaller.Size(msg)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	_, n, err := marshaller.Marshal(msg, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Decode decodes message of type T defined in wire package.
// Trailing bytes are treated as malformed input.
func Decode[T any](b []byte) (*T, error) {
	id, err := marshaller.ID(new(T))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.Wrap(ErrMalformed, "empty input")
	}

	msg, n, err := marshaller.Unmarshal(id, b)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "decoding %T: %s", new(T), err)
	}
	if n != uint64(len(b)) {
		return nil, errors.Wrapf(ErrMalformed, "%d trailing bytes after %T", uint64(len(b))-n, new(T))
	}
	return msg.(*T), nil
}
