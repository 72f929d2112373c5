package codec

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/peerlink/wire"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	requireT := require.New(t)

	responder := newIdentity(requireT, 0x02)

	env, reqSession, err := SealRequest(responder.EncryptionKey(), []byte("request"))
	requireT.NoError(err)

	plaintext, respSession, err := responder.OpenRequest(env)
	requireT.NoError(err)
	requireT.Equal([]byte("request"), plaintext)

	requestID := wire.EventID{0x01}
	respEnv, err := respSession.SealResponse(requestID, []byte("response"))
	requireT.NoError(err)

	plaintext, err = reqSession.OpenResponse(requestID, respEnv)
	requireT.NoError(err)
	requireT.Equal([]byte("response"), plaintext)
}

func TestEnvelopeForOtherRecipientFails(t *testing.T) {
	requireT := require.New(t)

	responder := newIdentity(requireT, 0x02)
	stranger := newIdentity(requireT, 0x03)

	env, _, err := SealRequest(responder.EncryptionKey(), []byte("request"))
	requireT.NoError(err)

	_, _, err = stranger.OpenRequest(env)
	requireT.True(errors.Is(err, ErrDecryption))
}

func TestResponseIsBoundToRequest(t *testing.T) {
	requireT := require.New(t)

	responder := newIdentity(requireT, 0x02)

	env, reqSession, err := SealRequest(responder.EncryptionKey(), []byte("request"))
	requireT.NoError(err)
	_, respSession, err := responder.OpenRequest(env)
	requireT.NoError(err)

	respEnv, err := respSession.SealResponse(wire.EventID{0x01}, []byte("response"))
	requireT.NoError(err)

	_, err = reqSession.OpenResponse(wire.EventID{0x02}, respEnv)
	requireT.True(errors.Is(err, ErrDecryption))

	// Response must not be accepted as request.
	_, _, err = responder.OpenRequest(respEnv)
	requireT.Error(err)
}
