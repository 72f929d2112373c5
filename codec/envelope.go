package codec

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/outofforest/peerlink/wire"
)

const (
	labelRequest  = "peerlink:handshake:request:v1"
	labelResponse = "peerlink:handshake:response:v1"
)

// ErrDecryption is returned when envelope can't be opened.
var ErrDecryption = errors.New("envelope decryption failed")

// Session holds the secret shared by both sides of one handshake round.
type Session struct {
	shared []byte
}

// SealRequest encrypts request plaintext to the static encryption key of the peer using fresh ephemeral key.
// Returned session is required to open the response.
func SealRequest(peerKey [32]byte, plaintext []byte) (*wire.Envelope, *Session, error) {
	curve := ecdh.X25519()

	ephemeral, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	peerPub, err := curve.NewPublicKey(peerKey[:])
	if err != nil {
		return nil, nil, errors.Wrap(err, "invalid peer encryption key")
	}
	shared, err := ephemeral.ECDH(peerPub)
	if err != nil {
		return nil, nil, errors.Wrap(err, "key agreement failed")
	}

	session := &Session{shared: shared}
	env, err := seal(session.key(nil, labelRequest), plaintext, []byte(labelRequest))
	if err != nil {
		return nil, nil, err
	}
	copy(env.SessionKey[:], ephemeral.PublicKey().Bytes())
	return env, session, nil
}

// OpenRequest decrypts request envelope addressed to the identity.
func (i *Identity) OpenRequest(env *wire.Envelope) ([]byte, *Session, error) {
	peerPub, err := ecdh.X25519().NewPublicKey(env.SessionKey[:])
	if err != nil {
		return nil, nil, errors.Wrap(ErrDecryption, "invalid session key")
	}
	shared, err := i.encryption.ECDH(peerPub)
	if err != nil {
		return nil, nil, errors.Wrap(ErrDecryption, "key agreement failed")
	}

	session := &Session{shared: shared}
	plaintext, err := open(session.key(nil, labelRequest), env, []byte(labelRequest))
	if err != nil {
		return nil, nil, err
	}
	return plaintext, session, nil
}

// SealResponse encrypts response bound to the request it answers.
func (s *Session) SealResponse(requestID wire.EventID, plaintext []byte) (*wire.Envelope, error) {
	return seal(s.key(requestID[:], labelResponse), plaintext, []byte(labelResponse))
}

// OpenResponse decrypts response. It fails if response was produced for another request.
func (s *Session) OpenResponse(requestID wire.EventID, env *wire.Envelope) ([]byte, error) {
	return open(s.key(requestID[:], labelResponse), env, []byte(labelResponse))
}

func (s *Session) key(salt []byte, label string) []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.shared, salt, []byte(label)), key); err != nil {
		// hkdf fails only when more than 255 blocks are requested.
		panic(err)
	}
	return key
}

func seal(key, plaintext, aad []byte) (*wire.Envelope, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	env := &wire.Envelope{}
	if _, err := rand.Read(env.Nonce[:]); err != nil {
		return nil, errors.WithStack(err)
	}
	env.Ciphertext = aead.Seal(nil, env.Nonce[:], plaintext, aad)
	return env, nil
}

func open(key []byte, env *wire.Envelope, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	plaintext, err := aead.Open(nil, env.Nonce[:], env.Ciphertext, aad)
	if err != nil {
		return nil, errors.WithStack(ErrDecryption)
	}
	return plaintext, nil
}
