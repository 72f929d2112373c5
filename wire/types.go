package wire

type (
	// PeerID defines ID of the relay connection or public key of the node.
	PeerID [32]byte

	// EventID is the content address of an event.
	EventID [32]byte

	// Kind is the kind of event.
	Kind uint64

	// Revision is the revision of the event used for deduplication.
	Revision uint64
)

// Hello is the message exchanged between peers when connecting to the relay.
type Hello struct {
	PeerID   PeerID
	IsServer bool
	Kinds    []Kind
}

// Slot identifies the place the event occupies in the relay.
// Newer revision in the same slot replaces the older one.
type Slot struct {
	Kind  Kind
	Topic PeerID
}

// RevisionDescriptor uniquely identifies revision of event.
type RevisionDescriptor struct {
	Slot  Slot
	Index Revision
}

// Header describes the following event.
type Header struct {
	Sender   PeerID
	Revision RevisionDescriptor
}

// Event is the signed, content-addressed unit stored in the directory.
type Event struct {
	ID        EventID
	PubKey    PeerID
	CreatedAt uint64
	Kind      Kind
	Recipient PeerID
	Reference EventID
	Content   []byte
	Sig       [64]byte
}

// ChainSettlement describes settlement capabilities of the node on one chain.
type ChainSettlement struct {
	Chain        string
	Address      string
	Token        string
	TokenNetwork string
}

// PeerInfo is the directory entry announced by the node.
type PeerInfo struct {
	RoutingAddress string
	Endpoint       string
	Relay          string
	EncryptionKey  [32]byte
	Settlements    []ChainSettlement
}

// Envelope carries encrypted handshake payload.
type Envelope struct {
	SessionKey [32]byte
	Nonce      [24]byte
	Ciphertext []byte
}

// HandshakeRequest is the plaintext of the handshake request envelope.
type HandshakeRequest struct {
	RoutingAddress string
	Settlements    []ChainSettlement
}

// HandshakeResponse is the plaintext of the handshake response envelope.
type HandshakeResponse struct {
	Destination      string
	SharedSecret     [32]byte
	Agreed           bool
	Chain            string
	Token            string
	TokenNetwork     string
	ResponderAddress string
	RequesterAddress string
	ChannelID        string
}

// ChannelRecord is the persisted idempotency record of channel opened for the peer.
type ChannelRecord struct {
	ChannelID string
	Chain     string
	Failed    bool
}
