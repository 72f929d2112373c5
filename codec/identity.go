package codec

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"github.com/outofforest/peerlink/wire"
)

const labelEncryptionKey = "peerlink:x25519:v1"

// PublicKey is the stable identity of the node.
type PublicKey wire.PeerID

// String returns hex representation of the key.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// IsZero returns true if key is not set.
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// ParsePublicKey parses hex-encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, errors.Wrapf(err, "decoding public key %q", s)
	}
	if len(b) != len(PublicKey{}) {
		return PublicKey{}, errors.Errorf("public key must be %d bytes, got %d", len(PublicKey{}), len(b))
	}
	var pk PublicKey
	copy(pk[:], b)
	return pk, nil
}

// Identity holds signing and encryption keys of the node.
type Identity struct {
	signing    ed25519.PrivateKey
	public     PublicKey
	encryption *ecdh.PrivateKey
}

// GenerateIdentity generates random identity.
func GenerateIdentity() (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, errors.WithStack(err)
	}
	return IdentityFromSeed(seed)
}

// IdentityFromSeed derives identity from 32-byte seed.
// The X25519 encryption key is derived from the same seed so only one secret has to be stored.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	signing := ed25519.NewKeyFromSeed(seed)
	var public PublicKey
	copy(public[:], signing.Public().(ed25519.PublicKey))

	encSeed := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte(labelEncryptionKey)), encSeed); err != nil {
		return nil, errors.WithStack(err)
	}
	encryption, err := ecdh.X25519().NewPrivateKey(encSeed)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &Identity{
		signing:    signing,
		public:     public,
		encryption: encryption,
	}, nil
}

// IdentityFromHex derives identity from hex-encoded seed.
func IdentityFromHex(s string) (*Identity, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decoding identity seed")
	}
	return IdentityFromSeed(seed)
}

// PublicKey returns public signing key.
func (i *Identity) PublicKey() PublicKey {
	return i.public
}

// EncryptionKey returns public X25519 key announced to other peers.
func (i *Identity) EncryptionKey() [32]byte {
	var k [32]byte
	copy(k[:], i.encryption.PublicKey().Bytes())
	return k
}

func (i *Identity) sign(msg []byte) []byte {
	return ed25519.Sign(i.signing, msg)
}
