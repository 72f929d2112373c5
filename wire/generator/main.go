package main

import (
	"github.com/outofforest/peerlink/wire"
	"github.com/outofforest/proton"
)

//go:generate go run .
func main() {
	proton.Generate("../types.proton.go",
		proton.Message[wire.Hello](),
		proton.Message[wire.Header](),
		proton.Message[wire.Event](),
		proton.Message[wire.PeerInfo](),
		proton.Message[wire.Envelope](),
		proton.Message[wire.HandshakeRequest](),
		proton.Message[wire.HandshakeResponse](),
		proton.Message[wire.ChannelRecord](),
	)
}
