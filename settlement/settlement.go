package settlement

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/outofforest/peerlink/wire"
)

type (
	// ChainID identifies settlement chain, e.g. "evm:base:8453".
	ChainID string

	// Address is the settlement address on a chain.
	Address string

	// TokenID identifies the token used for settlement.
	TokenID string
)

// Family returns the chain family, e.g. "evm".
func (c ChainID) Family() string {
	family, _, _ := strings.Cut(string(c), ":")
	return family
}

// Reference returns the chain-specific reference, e.g. "8453".
func (c ChainID) Reference() string {
	i := strings.LastIndex(string(c), ":")
	if i < 0 {
		return ""
	}
	return string(c)[i+1:]
}

// Profile is the settlement profile advertised by a peer.
type Profile struct {
	SupportedChains     []ChainID
	SettlementAddresses map[ChainID]Address
	PreferredTokens     map[ChainID]TokenID
	TokenNetworks       map[ChainID]Address
}

// Validate verifies that profile is consistent.
func (p Profile) Validate() error {
	seen := map[ChainID]struct{}{}
	for _, c := range p.SupportedChains {
		if c == "" {
			return errors.New("empty chain id")
		}
		if _, exists := seen[c]; exists {
			return errors.Errorf("chain %q listed twice", c)
		}
		seen[c] = struct{}{}
	}
	for c := range p.SettlementAddresses {
		if _, exists := seen[c]; !exists {
			return errors.Errorf("address defined for unsupported chain %q", c)
		}
	}
	for c := range p.PreferredTokens {
		if _, exists := seen[c]; !exists {
			return errors.Errorf("token defined for unsupported chain %q", c)
		}
	}
	return nil
}

// IsEmpty returns true if profile supports no chain.
func (p Profile) IsEmpty() bool {
	return len(p.SupportedChains) == 0
}

// ToWire converts profile to wire representation preserving chain order.
func (p Profile) ToWire() []wire.ChainSettlement {
	res := make([]wire.ChainSettlement, 0, len(p.SupportedChains))
	for _, c := range p.SupportedChains {
		res = append(res, wire.ChainSettlement{
			Chain:        string(c),
			Address:      string(p.SettlementAddresses[c]),
			Token:        string(p.PreferredTokens[c]),
			TokenNetwork: string(p.TokenNetworks[c]),
		})
	}
	return res
}

// FromWire converts wire representation to profile.
func FromWire(settlements []wire.ChainSettlement) Profile {
	p := Profile{
		SupportedChains:     make([]ChainID, 0, len(settlements)),
		SettlementAddresses: map[ChainID]Address{},
		PreferredTokens:     map[ChainID]TokenID{},
		TokenNetworks:       map[ChainID]Address{},
	}
	seen := map[ChainID]struct{}{}
	for _, s := range settlements {
		c := ChainID(s.Chain)
		if c == "" {
			continue
		}
		if _, exists := seen[c]; exists {
			continue
		}
		seen[c] = struct{}{}
		p.SupportedChains = append(p.SupportedChains, c)
		if s.Address != "" {
			p.SettlementAddresses[c] = Address(s.Address)
		}
		if s.Token != "" {
			p.PreferredTokens[c] = TokenID(s.Token)
		}
		if s.TokenNetwork != "" {
			p.TokenNetworks[c] = Address(s.TokenNetwork)
		}
	}
	return p
}

// Result is the outcome of negotiation. Zero value means no agreement.
type Result struct {
	Agreed       bool
	Chain        ChainID
	Token        TokenID
	TokenNetwork Address
	OwnAddress   Address
	PeerAddress  Address
}

// NoAgreement is returned when peers share no chain they can both settle on.
var NoAgreement = Result{}

// Negotiate selects chain, token and addresses both peers can settle with.
// The first chain in own preference order which is supported by peer and has addresses on both sides wins.
// If no such chain exists NoAgreement is returned, which means peers route without channel.
func Negotiate(own, peer Profile) Result {
	peerChains := make(map[ChainID]struct{}, len(peer.SupportedChains))
	for _, c := range peer.SupportedChains {
		peerChains[c] = struct{}{}
	}

	for _, c := range own.SupportedChains {
		if _, exists := peerChains[c]; !exists {
			continue
		}
		ownAddr, ok := own.SettlementAddresses[c]
		if !ok || ownAddr == "" {
			continue
		}
		peerAddr, ok := peer.SettlementAddresses[c]
		if !ok || peerAddr == "" {
			continue
		}

		res := Result{
			Agreed:      true,
			Chain:       c,
			OwnAddress:  ownAddr,
			PeerAddress: peerAddr,
		}
		if token, ok := own.PreferredTokens[c]; ok && token != "" {
			if network, ok := own.TokenNetworks[c]; ok && network != "" {
				res.Token = token
				res.TokenNetwork = network
			}
		}
		return res
	}

	return NoAgreement
}
