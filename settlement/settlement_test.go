package settlement

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	chainBase ChainID = "evm:base:8453"
	chainArb  ChainID = "evm:arbitrum:42161"
	chainXRP  ChainID = "xrp:mainnet"
)

func TestNegotiateRespectsOwnOrder(t *testing.T) {
	requireT := require.New(t)

	own := Profile{
		SupportedChains: []ChainID{chainBase, chainArb},
		SettlementAddresses: map[ChainID]Address{
			chainBase: "0xOWN-BASE",
			chainArb:  "0xOWN-ARB",
		},
	}
	peer := Profile{
		SupportedChains: []ChainID{chainArb, chainBase},
		SettlementAddresses: map[ChainID]Address{
			chainBase: "0xPEER-BASE",
			chainArb:  "0xPEER-ARB",
		},
	}

	res := Negotiate(own, peer)
	requireT.True(res.Agreed)
	requireT.Equal(chainBase, res.Chain)
	requireT.Equal(Address("0xOWN-BASE"), res.OwnAddress)
	requireT.Equal(Address("0xPEER-BASE"), res.PeerAddress)

	// Deterministic.
	requireT.Equal(res, Negotiate(own, peer))

	// Peer's view prefers its own order.
	res = Negotiate(peer, own)
	requireT.Equal(chainArb, res.Chain)
}

func TestNegotiateSkipsChainsWithoutAddresses(t *testing.T) {
	requireT := require.New(t)

	own := Profile{
		SupportedChains: []ChainID{chainBase, chainArb},
		SettlementAddresses: map[ChainID]Address{
			chainArb: "0xOWN-ARB",
		},
	}
	peer := Profile{
		SupportedChains: []ChainID{chainBase, chainArb},
		SettlementAddresses: map[ChainID]Address{
			chainBase: "0xPEER-BASE",
			chainArb:  "0xPEER-ARB",
		},
	}

	res := Negotiate(own, peer)
	requireT.Equal(chainArb, res.Chain)

	delete(peer.SettlementAddresses, chainArb)
	requireT.Equal(NoAgreement, Negotiate(own, peer))
}

func TestNegotiateNoIntersection(t *testing.T) {
	requireT := require.New(t)

	own := Profile{
		SupportedChains:     []ChainID{chainBase},
		SettlementAddresses: map[ChainID]Address{chainBase: "0xOWN"},
	}
	peer := Profile{
		SupportedChains:     []ChainID{chainXRP},
		SettlementAddresses: map[ChainID]Address{chainXRP: "rPEER"},
	}

	res := Negotiate(own, peer)
	requireT.False(res.Agreed)
	requireT.Equal(NoAgreement, res)

	requireT.Equal(NoAgreement, Negotiate(Profile{}, Profile{}))
	requireT.Equal(NoAgreement, Negotiate(own, Profile{}))
}

func TestNegotiateTokenSelection(t *testing.T) {
	requireT := require.New(t)

	own := Profile{
		SupportedChains:     []ChainID{chainBase},
		SettlementAddresses: map[ChainID]Address{chainBase: "0xOWN"},
		PreferredTokens:     map[ChainID]TokenID{chainBase: "0xUSDC"},
		TokenNetworks:       map[ChainID]Address{chainBase: "0xTOKEN-NETWORK"},
	}
	peer := Profile{
		SupportedChains:     []ChainID{chainBase},
		SettlementAddresses: map[ChainID]Address{chainBase: "0xPEER"},
	}

	res := Negotiate(own, peer)
	requireT.Equal(TokenID("0xUSDC"), res.Token)
	requireT.Equal(Address("0xTOKEN-NETWORK"), res.TokenNetwork)

	// Without token network mapping native asset is used.
	delete(own.TokenNetworks, chainBase)
	res = Negotiate(own, peer)
	requireT.True(res.Agreed)
	requireT.Empty(res.Token)
	requireT.Empty(res.TokenNetwork)
}

func TestEndToEndProfiles(t *testing.T) {
	requireT := require.New(t)

	own := Profile{
		SupportedChains:     []ChainID{chainBase},
		SettlementAddresses: map[ChainID]Address{chainBase: "0xOWN"},
	}
	peer := Profile{
		SupportedChains:     []ChainID{chainBase},
		SettlementAddresses: map[ChainID]Address{chainBase: "0xPEER"},
	}

	requireT.Equal(Result{
		Agreed:      true,
		Chain:       chainBase,
		OwnAddress:  "0xOWN",
		PeerAddress: "0xPEER",
	}, Negotiate(own, peer))
}

func TestWireConversionPreservesOrder(t *testing.T) {
	requireT := require.New(t)

	p := Profile{
		SupportedChains: []ChainID{chainXRP, chainBase},
		SettlementAddresses: map[ChainID]Address{
			chainBase: "0xOWN",
		},
		PreferredTokens: map[ChainID]TokenID{chainBase: "0xUSDC"},
		TokenNetworks:   map[ChainID]Address{chainBase: "0xTN"},
	}
	requireT.NoError(p.Validate())

	p2 := FromWire(p.ToWire())
	requireT.Equal(p.SupportedChains, p2.SupportedChains)
	requireT.Equal(p.SettlementAddresses, p2.SettlementAddresses)
	requireT.Equal(p.PreferredTokens, p2.PreferredTokens)
	requireT.Equal(p.TokenNetworks, p2.TokenNetworks)
}

func TestValidate(t *testing.T) {
	requireT := require.New(t)

	requireT.NoError(Profile{}.Validate())
	requireT.Error(Profile{SupportedChains: []ChainID{chainBase, chainBase}}.Validate())
	requireT.Error(Profile{SettlementAddresses: map[ChainID]Address{chainBase: "0x"}}.Validate())
	requireT.Error(Profile{SupportedChains: []ChainID{""}}.Validate())
}

func TestChainID(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal("evm", chainBase.Family())
	requireT.Equal("8453", chainBase.Reference())
	requireT.Equal("mainnet", chainXRP.Reference())
	requireT.Equal("", ChainID("solo").Reference())
}
