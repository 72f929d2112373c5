package wire

import (
	"reflect"
	"unsafe"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id3 uint64 = iota + 1
	id2
	id4
	id6
	id7
	id8
	id9
	id10
)

var _ proton.Marshaller = Marshaller{}

// NewMarshaller creates marshaller.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller marshals and unmarshals messages.
type Marshaller struct {
}

// Messages returns list of the message types supported by marshaller.
func (m Marshaller) Messages() []any {
	return []any {
		Hello{},
		Header{},
		Event{},
		PeerInfo{},
		Envelope{},
		HandshakeRequest{},
		HandshakeResponse{},
		ChannelRecord{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *Hello:
		return id3, nil
	case *Header:
		return id2, nil
	case *Event:
		return id4, nil
	case *PeerInfo:
		return id6, nil
	case *Envelope:
		return id7, nil
	case *HandshakeRequest:
		return id8, nil
	case *HandshakeResponse:
		return id9, nil
	case *ChannelRecord:
		return id10, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *Hello:
		return size3(msg2), nil
	case *Header:
		return size2(msg2), nil
	case *Event:
		return size4(msg2), nil
	case *PeerInfo:
		return size6(msg2), nil
	case *Envelope:
		return size7(msg2), nil
	case *HandshakeRequest:
		return size8(msg2), nil
	case *HandshakeResponse:
		return size9(msg2), nil
	case *ChannelRecord:
		return size10(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return id3, marshal3(msg2, buf), nil
	case *Header:
		return id2, marshal2(msg2, buf), nil
	case *Event:
		return id4, marshal4(msg2, buf), nil
	case *PeerInfo:
		return id6, marshal6(msg2, buf), nil
	case *Envelope:
		return id7, marshal7(msg2, buf), nil
	case *HandshakeRequest:
		return id8, marshal8(msg2, buf), nil
	case *HandshakeResponse:
		return id9, marshal9(msg2, buf), nil
	case *ChannelRecord:
		return id10, marshal10(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id3:
		msg := &Hello{}
		return msg, unmarshal3(msg, buf), nil
	case id2:
		msg := &Header{}
		return msg, unmarshal2(msg, buf), nil
	case id4:
		msg := &Event{}
		return msg, unmarshal4(msg, buf), nil
	case id6:
		msg := &PeerInfo{}
		return msg, unmarshal6(msg, buf), nil
	case id7:
		msg := &Envelope{}
		return msg, unmarshal7(msg, buf), nil
	case id8:
		msg := &HandshakeRequest{}
		return msg, unmarshal8(msg, buf), nil
	case id9:
		msg := &HandshakeResponse{}
		return msg, unmarshal9(msg, buf), nil
	case id10:
		msg := &ChannelRecord{}
		return msg, unmarshal10(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *Hello:
		return id3, makePatch3(msg2, msgSrc.(*Hello), buf), nil
	case *Header:
		return id2, makePatch2(msg2, msgSrc.(*Header), buf), nil
	case *Event:
		return id4, makePatch4(msg2, msgSrc.(*Event), buf), nil
	case *PeerInfo:
		return id6, makePatch6(msg2, msgSrc.(*PeerInfo), buf), nil
	case *Envelope:
		return id7, makePatch7(msg2, msgSrc.(*Envelope), buf), nil
	case *HandshakeRequest:
		return id8, makePatch8(msg2, msgSrc.(*HandshakeRequest), buf), nil
	case *HandshakeResponse:
		return id9, makePatch9(msg2, msgSrc.(*HandshakeResponse), buf), nil
	case *ChannelRecord:
		return id10, makePatch10(msg2, msgSrc.(*ChannelRecord), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverApplyPatch(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return applyPatch3(msg2, buf), nil
	case *Header:
		return applyPatch2(msg2, buf), nil
	case *Event:
		return applyPatch4(msg2, buf), nil
	case *PeerInfo:
		return applyPatch6(msg2, buf), nil
	case *Envelope:
		return applyPatch7(msg2, buf), nil
	case *HandshakeRequest:
		return applyPatch8(msg2, buf), nil
	case *HandshakeResponse:
		return applyPatch9(msg2, buf), nil
	case *ChannelRecord:
		return applyPatch10(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size0(m *Slot) uint64 {
	var n uint64 = 33
	{
		// Kind

		helpers.UInt64Size(m.Kind, &n)
	}
	return n
}

func marshal0(m *Slot, b []byte) uint64 {
	var o uint64
	{
		// Kind

		helpers.UInt64Marshal(m.Kind, b, &o)
	}
	{
		// Topic

		copy(b[o:o+32], unsafe.Slice(&m.Topic[0], 32))
		o += 32
	}

	return o
}

func unmarshal0(m *Slot, b []byte) uint64 {
	var o uint64
	{
		// Kind

		helpers.UInt64Unmarshal(&m.Kind, b, &o)
	}
	{
		// Topic

		copy(unsafe.Slice(&m.Topic[0], 32), b[o:o+32])
		o += 32
	}

	return o
}

func size1(m *RevisionDescriptor) uint64 {
	var n uint64 = 1
	{
		// Slot

		n += size0(&m.Slot)
	}
	{
		// Index

		helpers.UInt64Size(m.Index, &n)
	}
	return n
}

func marshal1(m *RevisionDescriptor, b []byte) uint64 {
	var o uint64
	{
		// Slot

		o += marshal0(&m.Slot, b[o:])
	}
	{
		// Index

		helpers.UInt64Marshal(m.Index, b, &o)
	}

	return o
}

func unmarshal1(m *RevisionDescriptor, b []byte) uint64 {
	var o uint64
	{
		// Slot

		o += unmarshal0(&m.Slot, b[o:])
	}
	{
		// Index

		helpers.UInt64Unmarshal(&m.Index, b, &o)
	}

	return o
}

func size2(m *Header) uint64 {
	var n uint64 = 32
	{
		// Revision

		n += size1(&m.Revision)
	}
	return n
}

func marshal2(m *Header, b []byte) uint64 {
	var o uint64
	{
		// Sender

		copy(b[o:o+32], unsafe.Slice(&m.Sender[0], 32))
		o += 32
	}
	{
		// Revision

		o += marshal1(&m.Revision, b[o:])
	}

	return o
}

func unmarshal2(m *Header, b []byte) uint64 {
	var o uint64
	{
		// Sender

		copy(unsafe.Slice(&m.Sender[0], 32), b[o:o+32])
		o += 32
	}
	{
		// Revision

		o += unmarshal1(&m.Revision, b[o:])
	}

	return o
}

func makePatch2(m, mSrc *Header, b []byte) uint64 {
	var o uint64 = 1
	{
		// Sender

		if reflect.DeepEqual(m.Sender, mSrc.Sender) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			copy(b[o:o+32], unsafe.Slice(&m.Sender[0], 32))
			o += 32
		}
	}
	{
		// Revision

		if reflect.DeepEqual(m.Revision, mSrc.Revision) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			o += marshal1(&m.Revision, b[o:])
		}
	}

	return o
}

func applyPatch2(m *Header, b []byte) uint64 {
	var o uint64 = 1
	{
		// Sender

		if b[0]&0x01 != 0 {
			copy(unsafe.Slice(&m.Sender[0], 32), b[o:o+32])
			o += 32
		}
	}
	{
		// Revision

		if b[0]&0x02 != 0 {
			o += unmarshal1(&m.Revision, b[o:])
		}
	}

	return o
}

func size3(m *Hello) uint64 {
	var n uint64 = 34
	{
		// Kinds

		l := uint64(len(m.Kinds))
		helpers.UInt64Size(l, &n)
		n += l
		for _, sv1 := range m.Kinds {
			helpers.UInt64Size(sv1, &n)
		}
	}
	return n
}

func marshal3(m *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// PeerID

		copy(b[o:o+32], unsafe.Slice(&m.PeerID[0], 32))
		o += 32
	}
	{
		// IsServer

		if m.IsServer {
			b[0] |= 0x01
		} else {
			b[0] &= 0xFE
		}
	}
	{
		// Kinds

		helpers.UInt64Marshal(uint64(len(m.Kinds)), b, &o)
		for _, sv1 := range m.Kinds {
			helpers.UInt64Marshal(sv1, b, &o)
		}
	}

	return o
}

func unmarshal3(m *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// PeerID

		copy(unsafe.Slice(&m.PeerID[0], 32), b[o:o+32])
		o += 32
	}
	{
		// IsServer

		m.IsServer = b[0]&0x01 != 0
	}
	{
		// Kinds

		var l uint64
		helpers.UInt64Unmarshal(&l, b, &o)
		if l > 0 {
			m.Kinds = make([]Kind, l)
			for i1 := range l {
				helpers.UInt64Unmarshal(&m.Kinds[i1], b, &o)
			}
		}
	}

	return o
}

func makePatch3(m, mSrc *Hello, b []byte) uint64 {
	var o uint64 = 2
	{
		// PeerID

		if reflect.DeepEqual(m.PeerID, mSrc.PeerID) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			copy(b[o:o+32], unsafe.Slice(&m.PeerID[0], 32))
			o += 32
		}
	}
	{
		// IsServer

		if m.IsServer == mSrc.IsServer {
			b[1] &= 0xFE
		} else {
			b[1] |= 0x01
		}
	}
	{
		// Kinds

		if reflect.DeepEqual(m.Kinds, mSrc.Kinds) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			helpers.UInt64Marshal(uint64(len(m.Kinds)), b, &o)
			for _, sv1 := range m.Kinds {
				helpers.UInt64Marshal(sv1, b, &o)
			}
		}
	}

	return o
}

func applyPatch3(m *Hello, b []byte) uint64 {
	var o uint64 = 2
	{
		// PeerID

		if b[0]&0x01 != 0 {
			copy(unsafe.Slice(&m.PeerID[0], 32), b[o:o+32])
			o += 32
		}
	}
	{
		// IsServer

		if b[1]&0x01 != 0 {
			m.IsServer = !m.IsServer
		}
	}
	{
		// Kinds

		if b[0]&0x02 != 0 {
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Kinds = make([]Kind, l)
				for i1 := range l {
					helpers.UInt64Unmarshal(&m.Kinds[i1], b, &o)
				}
			}
		}
	}

	return o
}

func size4(m *Event) uint64 {
	var n uint64 = 195
	{
		// CreatedAt

		helpers.UInt64Size(m.CreatedAt, &n)
	}
	{
		// Kind

		helpers.UInt64Size(m.Kind, &n)
	}
	{
		// Content

		{
			l := uint64(len(m.Content))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal4(m *Event, b []byte) uint64 {
	var o uint64
	{
		// ID

		copy(b[o:o+32], unsafe.Slice(&m.ID[0], 32))
		o += 32
	}
	{
		// PubKey

		copy(b[o:o+32], unsafe.Slice(&m.PubKey[0], 32))
		o += 32
	}
	{
		// CreatedAt

		helpers.UInt64Marshal(m.CreatedAt, b, &o)
	}
	{
		// Kind

		helpers.UInt64Marshal(m.Kind, b, &o)
	}
	{
		// Recipient

		copy(b[o:o+32], unsafe.Slice(&m.Recipient[0], 32))
		o += 32
	}
	{
		// Reference

		copy(b[o:o+32], unsafe.Slice(&m.Reference[0], 32))
		o += 32
	}
	{
		// Content

		{
			l := uint64(len(m.Content))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Content)
			o += l
		}
	}
	{
		// Sig

		copy(b[o:o+64], unsafe.Slice(&m.Sig[0], 64))
		o += 64
	}

	return o
}

func unmarshal4(m *Event, b []byte) uint64 {
	var o uint64
	{
		// ID

		copy(unsafe.Slice(&m.ID[0], 32), b[o:o+32])
		o += 32
	}
	{
		// PubKey

		copy(unsafe.Slice(&m.PubKey[0], 32), b[o:o+32])
		o += 32
	}
	{
		// CreatedAt

		helpers.UInt64Unmarshal(&m.CreatedAt, b, &o)
	}
	{
		// Kind

		helpers.UInt64Unmarshal(&m.Kind, b, &o)
	}
	{
		// Recipient

		copy(unsafe.Slice(&m.Recipient[0], 32), b[o:o+32])
		o += 32
	}
	{
		// Reference

		copy(unsafe.Slice(&m.Reference[0], 32), b[o:o+32])
		o += 32
	}
	{
		// Content

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Content = append([]byte{}, b[o:o+l]...)
				o += l
			}
		}
	}
	{
		// Sig

		copy(unsafe.Slice(&m.Sig[0], 64), b[o:o+64])
		o += 64
	}

	return o
}

func makePatch4(m, mSrc *Event, b []byte) uint64 {
	var o uint64 = 1
	{
		// ID

		if reflect.DeepEqual(m.ID, mSrc.ID) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			copy(b[o:o+32], unsafe.Slice(&m.ID[0], 32))
			o += 32
		}
	}
	{
		// PubKey

		if reflect.DeepEqual(m.PubKey, mSrc.PubKey) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			copy(b[o:o+32], unsafe.Slice(&m.PubKey[0], 32))
			o += 32
		}
	}
	{
		// CreatedAt

		if m.CreatedAt == mSrc.CreatedAt {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			helpers.UInt64Marshal(m.CreatedAt, b, &o)
		}
	}
	{
		// Kind

		if m.Kind == mSrc.Kind {
			b[0] &= 0xF7
		} else {
			b[0] |= 0x08
			helpers.UInt64Marshal(m.Kind, b, &o)
		}
	}
	{
		// Recipient

		if reflect.DeepEqual(m.Recipient, mSrc.Recipient) {
			b[0] &= 0xEF
		} else {
			b[0] |= 0x10
			copy(b[o:o+32], unsafe.Slice(&m.Recipient[0], 32))
			o += 32
		}
	}
	{
		// Reference

		if reflect.DeepEqual(m.Reference, mSrc.Reference) {
			b[0] &= 0xDF
		} else {
			b[0] |= 0x20
			copy(b[o:o+32], unsafe.Slice(&m.Reference[0], 32))
			o += 32
		}
	}
	{
		// Content

		if reflect.DeepEqual(m.Content, mSrc.Content) {
			b[0] &= 0xBF
		} else {
			b[0] |= 0x40
			{
				l := uint64(len(m.Content))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Content)
				o += l
			}
		}
	}
	{
		// Sig

		if reflect.DeepEqual(m.Sig, mSrc.Sig) {
			b[0] &= 0x7F
		} else {
			b[0] |= 0x80
			copy(b[o:o+64], unsafe.Slice(&m.Sig[0], 64))
			o += 64
		}
	}

	return o
}

func applyPatch4(m *Event, b []byte) uint64 {
	var o uint64 = 1
	{
		// ID

		if b[0]&0x01 != 0 {
			copy(unsafe.Slice(&m.ID[0], 32), b[o:o+32])
			o += 32
		}
	}
	{
		// PubKey

		if b[0]&0x02 != 0 {
			copy(unsafe.Slice(&m.PubKey[0], 32), b[o:o+32])
			o += 32
		}
	}
	{
		// CreatedAt

		if b[0]&0x04 != 0 {
			helpers.UInt64Unmarshal(&m.CreatedAt, b, &o)
		}
	}
	{
		// Kind

		if b[0]&0x08 != 0 {
			helpers.UInt64Unmarshal(&m.Kind, b, &o)
		}
	}
	{
		// Recipient

		if b[0]&0x10 != 0 {
			copy(unsafe.Slice(&m.Recipient[0], 32), b[o:o+32])
			o += 32
		}
	}
	{
		// Reference

		if b[0]&0x20 != 0 {
			copy(unsafe.Slice(&m.Reference[0], 32), b[o:o+32])
			o += 32
		}
	}
	{
		// Content

		if b[0]&0x40 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Content = append([]byte{}, b[o:o+l]...)
					o += l
				}
			}
		}
	}
	{
		// Sig

		if b[0]&0x80 != 0 {
			copy(unsafe.Slice(&m.Sig[0], 64), b[o:o+64])
			o += 64
		}
	}

	return o
}

func size5(m *ChainSettlement) uint64 {
	var n uint64 = 4
	{
		// Chain

		{
			l := uint64(len(m.Chain))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Address

		{
			l := uint64(len(m.Address))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Token

		{
			l := uint64(len(m.Token))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// TokenNetwork

		{
			l := uint64(len(m.TokenNetwork))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal5(m *ChainSettlement, b []byte) uint64 {
	var o uint64
	{
		// Chain

		{
			l := uint64(len(m.Chain))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Chain)
			o += l
		}
	}
	{
		// Address

		{
			l := uint64(len(m.Address))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Address)
			o += l
		}
	}
	{
		// Token

		{
			l := uint64(len(m.Token))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Token)
			o += l
		}
	}
	{
		// TokenNetwork

		{
			l := uint64(len(m.TokenNetwork))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.TokenNetwork)
			o += l
		}
	}

	return o
}

func unmarshal5(m *ChainSettlement, b []byte) uint64 {
	var o uint64
	{
		// Chain

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Chain = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Address

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Address = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Token

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Token = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// TokenNetwork

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.TokenNetwork = string(b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func size6(m *PeerInfo) uint64 {
	var n uint64 = 36
	{
		// RoutingAddress

		{
			l := uint64(len(m.RoutingAddress))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Endpoint

		{
			l := uint64(len(m.Endpoint))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Relay

		{
			l := uint64(len(m.Relay))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Settlements

		l := uint64(len(m.Settlements))
		helpers.UInt64Size(l, &n)
		for _, sv1 := range m.Settlements {
			n += size5(&sv1)
		}
	}
	return n
}

func marshal6(m *PeerInfo, b []byte) uint64 {
	var o uint64
	{
		// RoutingAddress

		{
			l := uint64(len(m.RoutingAddress))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.RoutingAddress)
			o += l
		}
	}
	{
		// Endpoint

		{
			l := uint64(len(m.Endpoint))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Endpoint)
			o += l
		}
	}
	{
		// Relay

		{
			l := uint64(len(m.Relay))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Relay)
			o += l
		}
	}
	{
		// EncryptionKey

		copy(b[o:o+32], unsafe.Slice(&m.EncryptionKey[0], 32))
		o += 32
	}
	{
		// Settlements

		helpers.UInt64Marshal(uint64(len(m.Settlements)), b, &o)
		for _, sv1 := range m.Settlements {
			o += marshal5(&sv1, b[o:])
		}
	}

	return o
}

func unmarshal6(m *PeerInfo, b []byte) uint64 {
	var o uint64
	{
		// RoutingAddress

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.RoutingAddress = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Endpoint

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Endpoint = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Relay

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Relay = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// EncryptionKey

		copy(unsafe.Slice(&m.EncryptionKey[0], 32), b[o:o+32])
		o += 32
	}
	{
		// Settlements

		var l uint64
		helpers.UInt64Unmarshal(&l, b, &o)
		if l > 0 {
			m.Settlements = make([]ChainSettlement, l)
			for i1 := range l {
				o += unmarshal5(&m.Settlements[i1], b[o:])
			}
		}
	}

	return o
}

func makePatch6(m, mSrc *PeerInfo, b []byte) uint64 {
	var o uint64 = 1
	{
		// RoutingAddress

		if m.RoutingAddress == mSrc.RoutingAddress {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			{
				l := uint64(len(m.RoutingAddress))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.RoutingAddress)
				o += l
			}
		}
	}
	{
		// Endpoint

		if m.Endpoint == mSrc.Endpoint {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			{
				l := uint64(len(m.Endpoint))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Endpoint)
				o += l
			}
		}
	}
	{
		// Relay

		if m.Relay == mSrc.Relay {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			{
				l := uint64(len(m.Relay))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Relay)
				o += l
			}
		}
	}
	{
		// EncryptionKey

		if reflect.DeepEqual(m.EncryptionKey, mSrc.EncryptionKey) {
			b[0] &= 0xF7
		} else {
			b[0] |= 0x08
			copy(b[o:o+32], unsafe.Slice(&m.EncryptionKey[0], 32))
			o += 32
		}
	}
	{
		// Settlements

		if reflect.DeepEqual(m.Settlements, mSrc.Settlements) {
			b[0] &= 0xEF
		} else {
			b[0] |= 0x10
			helpers.UInt64Marshal(uint64(len(m.Settlements)), b, &o)
			for _, sv1 := range m.Settlements {
				o += marshal5(&sv1, b[o:])
			}
		}
	}

	return o
}

func applyPatch6(m *PeerInfo, b []byte) uint64 {
	var o uint64 = 1
	{
		// RoutingAddress

		if b[0]&0x01 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.RoutingAddress = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Endpoint

		if b[0]&0x02 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Endpoint = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Relay

		if b[0]&0x04 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Relay = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// EncryptionKey

		if b[0]&0x08 != 0 {
			copy(unsafe.Slice(&m.EncryptionKey[0], 32), b[o:o+32])
			o += 32
		}
	}
	{
		// Settlements

		if b[0]&0x10 != 0 {
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Settlements = make([]ChainSettlement, l)
				for i1 := range l {
					o += unmarshal5(&m.Settlements[i1], b[o:])
				}
			}
		}
	}

	return o
}

func size7(m *Envelope) uint64 {
	var n uint64 = 57
	{
		// Ciphertext

		{
			l := uint64(len(m.Ciphertext))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal7(m *Envelope, b []byte) uint64 {
	var o uint64
	{
		// SessionKey

		copy(b[o:o+32], unsafe.Slice(&m.SessionKey[0], 32))
		o += 32
	}
	{
		// Nonce

		copy(b[o:o+24], unsafe.Slice(&m.Nonce[0], 24))
		o += 24
	}
	{
		// Ciphertext

		{
			l := uint64(len(m.Ciphertext))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Ciphertext)
			o += l
		}
	}

	return o
}

func unmarshal7(m *Envelope, b []byte) uint64 {
	var o uint64
	{
		// SessionKey

		copy(unsafe.Slice(&m.SessionKey[0], 32), b[o:o+32])
		o += 32
	}
	{
		// Nonce

		copy(unsafe.Slice(&m.Nonce[0], 24), b[o:o+24])
		o += 24
	}
	{
		// Ciphertext

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Ciphertext = append([]byte{}, b[o:o+l]...)
				o += l
			}
		}
	}

	return o
}

func makePatch7(m, mSrc *Envelope, b []byte) uint64 {
	var o uint64 = 1
	{
		// SessionKey

		if reflect.DeepEqual(m.SessionKey, mSrc.SessionKey) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			copy(b[o:o+32], unsafe.Slice(&m.SessionKey[0], 32))
			o += 32
		}
	}
	{
		// Nonce

		if reflect.DeepEqual(m.Nonce, mSrc.Nonce) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			copy(b[o:o+24], unsafe.Slice(&m.Nonce[0], 24))
			o += 24
		}
	}
	{
		// Ciphertext

		if reflect.DeepEqual(m.Ciphertext, mSrc.Ciphertext) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			{
				l := uint64(len(m.Ciphertext))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Ciphertext)
				o += l
			}
		}
	}

	return o
}

func applyPatch7(m *Envelope, b []byte) uint64 {
	var o uint64 = 1
	{
		// SessionKey

		if b[0]&0x01 != 0 {
			copy(unsafe.Slice(&m.SessionKey[0], 32), b[o:o+32])
			o += 32
		}
	}
	{
		// Nonce

		if b[0]&0x02 != 0 {
			copy(unsafe.Slice(&m.Nonce[0], 24), b[o:o+24])
			o += 24
		}
	}
	{
		// Ciphertext

		if b[0]&0x04 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Ciphertext = append([]byte{}, b[o:o+l]...)
					o += l
				}
			}
		}
	}

	return o
}

func size8(m *HandshakeRequest) uint64 {
	var n uint64 = 2
	{
		// RoutingAddress

		{
			l := uint64(len(m.RoutingAddress))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Settlements

		l := uint64(len(m.Settlements))
		helpers.UInt64Size(l, &n)
		for _, sv1 := range m.Settlements {
			n += size5(&sv1)
		}
	}
	return n
}

func marshal8(m *HandshakeRequest, b []byte) uint64 {
	var o uint64
	{
		// RoutingAddress

		{
			l := uint64(len(m.RoutingAddress))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.RoutingAddress)
			o += l
		}
	}
	{
		// Settlements

		helpers.UInt64Marshal(uint64(len(m.Settlements)), b, &o)
		for _, sv1 := range m.Settlements {
			o += marshal5(&sv1, b[o:])
		}
	}

	return o
}

func unmarshal8(m *HandshakeRequest, b []byte) uint64 {
	var o uint64
	{
		// RoutingAddress

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.RoutingAddress = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Settlements

		var l uint64
		helpers.UInt64Unmarshal(&l, b, &o)
		if l > 0 {
			m.Settlements = make([]ChainSettlement, l)
			for i1 := range l {
				o += unmarshal5(&m.Settlements[i1], b[o:])
			}
		}
	}

	return o
}

func makePatch8(m, mSrc *HandshakeRequest, b []byte) uint64 {
	var o uint64 = 1
	{
		// RoutingAddress

		if m.RoutingAddress == mSrc.RoutingAddress {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			{
				l := uint64(len(m.RoutingAddress))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.RoutingAddress)
				o += l
			}
		}
	}
	{
		// Settlements

		if reflect.DeepEqual(m.Settlements, mSrc.Settlements) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			helpers.UInt64Marshal(uint64(len(m.Settlements)), b, &o)
			for _, sv1 := range m.Settlements {
				o += marshal5(&sv1, b[o:])
			}
		}
	}

	return o
}

func applyPatch8(m *HandshakeRequest, b []byte) uint64 {
	var o uint64 = 1
	{
		// RoutingAddress

		if b[0]&0x01 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.RoutingAddress = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Settlements

		if b[0]&0x02 != 0 {
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Settlements = make([]ChainSettlement, l)
				for i1 := range l {
					o += unmarshal5(&m.Settlements[i1], b[o:])
				}
			}
		}
	}

	return o
}

func size9(m *HandshakeResponse) uint64 {
	var n uint64 = 40
	{
		// Destination

		{
			l := uint64(len(m.Destination))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Chain

		{
			l := uint64(len(m.Chain))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Token

		{
			l := uint64(len(m.Token))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// TokenNetwork

		{
			l := uint64(len(m.TokenNetwork))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// ResponderAddress

		{
			l := uint64(len(m.ResponderAddress))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// RequesterAddress

		{
			l := uint64(len(m.RequesterAddress))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// ChannelID

		{
			l := uint64(len(m.ChannelID))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal9(m *HandshakeResponse, b []byte) uint64 {
	var o uint64 = 1
	{
		// Destination

		{
			l := uint64(len(m.Destination))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Destination)
			o += l
		}
	}
	{
		// SharedSecret

		copy(b[o:o+32], unsafe.Slice(&m.SharedSecret[0], 32))
		o += 32
	}
	{
		// Agreed

		if m.Agreed {
			b[0] |= 0x01
		} else {
			b[0] &= 0xFE
		}
	}
	{
		// Chain

		{
			l := uint64(len(m.Chain))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Chain)
			o += l
		}
	}
	{
		// Token

		{
			l := uint64(len(m.Token))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Token)
			o += l
		}
	}
	{
		// TokenNetwork

		{
			l := uint64(len(m.TokenNetwork))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.TokenNetwork)
			o += l
		}
	}
	{
		// ResponderAddress

		{
			l := uint64(len(m.ResponderAddress))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.ResponderAddress)
			o += l
		}
	}
	{
		// RequesterAddress

		{
			l := uint64(len(m.RequesterAddress))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.RequesterAddress)
			o += l
		}
	}
	{
		// ChannelID

		{
			l := uint64(len(m.ChannelID))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.ChannelID)
			o += l
		}
	}

	return o
}

func unmarshal9(m *HandshakeResponse, b []byte) uint64 {
	var o uint64 = 1
	{
		// Destination

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Destination = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// SharedSecret

		copy(unsafe.Slice(&m.SharedSecret[0], 32), b[o:o+32])
		o += 32
	}
	{
		// Agreed

		m.Agreed = b[0]&0x01 != 0
	}
	{
		// Chain

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Chain = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Token

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Token = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// TokenNetwork

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.TokenNetwork = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// ResponderAddress

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.ResponderAddress = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// RequesterAddress

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.RequesterAddress = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// ChannelID

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.ChannelID = string(b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func makePatch9(m, mSrc *HandshakeResponse, b []byte) uint64 {
	var o uint64 = 2
	{
		// Destination

		if m.Destination == mSrc.Destination {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			{
				l := uint64(len(m.Destination))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Destination)
				o += l
			}
		}
	}
	{
		// SharedSecret

		if reflect.DeepEqual(m.SharedSecret, mSrc.SharedSecret) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			copy(b[o:o+32], unsafe.Slice(&m.SharedSecret[0], 32))
			o += 32
		}
	}
	{
		// Agreed

		if m.Agreed == mSrc.Agreed {
			b[1] &= 0xFE
		} else {
			b[1] |= 0x01
		}
	}
	{
		// Chain

		if m.Chain == mSrc.Chain {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			{
				l := uint64(len(m.Chain))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Chain)
				o += l
			}
		}
	}
	{
		// Token

		if m.Token == mSrc.Token {
			b[0] &= 0xF7
		} else {
			b[0] |= 0x08
			{
				l := uint64(len(m.Token))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Token)
				o += l
			}
		}
	}
	{
		// TokenNetwork

		if m.TokenNetwork == mSrc.TokenNetwork {
			b[0] &= 0xEF
		} else {
			b[0] |= 0x10
			{
				l := uint64(len(m.TokenNetwork))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.TokenNetwork)
				o += l
			}
		}
	}
	{
		// ResponderAddress

		if m.ResponderAddress == mSrc.ResponderAddress {
			b[0] &= 0xDF
		} else {
			b[0] |= 0x20
			{
				l := uint64(len(m.ResponderAddress))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.ResponderAddress)
				o += l
			}
		}
	}
	{
		// RequesterAddress

		if m.RequesterAddress == mSrc.RequesterAddress {
			b[0] &= 0xBF
		} else {
			b[0] |= 0x40
			{
				l := uint64(len(m.RequesterAddress))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.RequesterAddress)
				o += l
			}
		}
	}
	{
		// ChannelID

		if m.ChannelID == mSrc.ChannelID {
			b[0] &= 0x7F
		} else {
			b[0] |= 0x80
			{
				l := uint64(len(m.ChannelID))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.ChannelID)
				o += l
			}
		}
	}

	return o
}

func applyPatch9(m *HandshakeResponse, b []byte) uint64 {
	var o uint64 = 2
	{
		// Destination

		if b[0]&0x01 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Destination = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// SharedSecret

		if b[0]&0x02 != 0 {
			copy(unsafe.Slice(&m.SharedSecret[0], 32), b[o:o+32])
			o += 32
		}
	}
	{
		// Agreed

		if b[1]&0x01 != 0 {
			m.Agreed = !m.Agreed
		}
	}
	{
		// Chain

		if b[0]&0x04 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Chain = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Token

		if b[0]&0x08 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Token = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// TokenNetwork

		if b[0]&0x10 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.TokenNetwork = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// ResponderAddress

		if b[0]&0x20 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.ResponderAddress = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// RequesterAddress

		if b[0]&0x40 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.RequesterAddress = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// ChannelID

		if b[0]&0x80 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.ChannelID = string(b[o:o+l])
					o += l
				}
			}
		}
	}

	return o
}

func size10(m *ChannelRecord) uint64 {
	var n uint64 = 3
	{
		// ChannelID

		{
			l := uint64(len(m.ChannelID))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// Chain

		{
			l := uint64(len(m.Chain))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal10(m *ChannelRecord, b []byte) uint64 {
	var o uint64 = 1
	{
		// ChannelID

		{
			l := uint64(len(m.ChannelID))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.ChannelID)
			o += l
		}
	}
	{
		// Chain

		{
			l := uint64(len(m.Chain))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Chain)
			o += l
		}
	}
	{
		// Failed

		if m.Failed {
			b[0] |= 0x01
		} else {
			b[0] &= 0xFE
		}
	}

	return o
}

func unmarshal10(m *ChannelRecord, b []byte) uint64 {
	var o uint64 = 1
	{
		// ChannelID

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.ChannelID = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Chain

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Chain = string(b[o:o+l])
				o += l
			}
		}
	}
	{
		// Failed

		m.Failed = b[0]&0x01 != 0
	}

	return o
}

func makePatch10(m, mSrc *ChannelRecord, b []byte) uint64 {
	var o uint64 = 2
	{
		// ChannelID

		if m.ChannelID == mSrc.ChannelID {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			{
				l := uint64(len(m.ChannelID))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.ChannelID)
				o += l
			}
		}
	}
	{
		// Chain

		if m.Chain == mSrc.Chain {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			{
				l := uint64(len(m.Chain))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Chain)
				o += l
			}
		}
	}
	{
		// Failed

		if m.Failed == mSrc.Failed {
			b[1] &= 0xFE
		} else {
			b[1] |= 0x01
		}
	}

	return o
}

func applyPatch10(m *ChannelRecord, b []byte) uint64 {
	var o uint64 = 2
	{
		// ChannelID

		if b[0]&0x01 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.ChannelID = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Chain

		if b[0]&0x02 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Chain = string(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// Failed

		if b[1]&0x01 != 0 {
			m.Failed = !m.Failed
		}
	}

	return o
}
