package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/registry"
	"github.com/outofforest/peerlink/settlement"
)

const (
	seed   = "0101010101010101010101010101010101010101010101010101010101010101"
	peerID = "0202020202020202020202020202020202020202020202020202020202020202"
)

const configYAML = `
identity_seed: "` + seed + `"
relays:
  - localhost:7000
  - localhost:7001
routing_address: g.node.a
router_url: http://localhost:7768
poll_interval: 500ms
price_per_byte: 20
chains:
  - id: evm:base:8453
    address: "0xOWN"
    token: usdc
    token_network: "0xTN"
  - id: evm:arbitrum:42161
    address: "0xOWN2"
peers:
  - identity: "` + peerID + `"
    routing_address: g.node.b
    encryption_key: "` + peerID + `"
follow:
  - "` + peerID + `"
`

func writeConfig(requireT *require.Assertions, dir, content string) string {
	path := filepath.Join(dir, "peerlink.yaml")
	requireT.NoError(os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	requireT := require.New(t)

	c := Default()
	c.RoutingAddress = "g.node.a"
	requireT.NoError(c.Validate())
}

func TestLoad(t *testing.T) {
	requireT := require.New(t)

	c, err := Load(writeConfig(requireT, t.TempDir(), configYAML))
	requireT.NoError(err)
	requireT.NoError(c.Validate())

	requireT.Equal([]string{"localhost:7000", "localhost:7001"}, c.Relays)
	requireT.Equal("g.node.a", c.RoutingAddress)
	requireT.Equal(500*time.Millisecond, c.PollInterval)
	requireT.EqualValues(20, c.PricePerByte)

	// Values missing in the file come from defaults.
	requireT.Equal(Default().HandshakeFloor, c.HandshakeFloor)
	requireT.Equal(Default().ChannelOpenTimeout, c.ChannelOpenTimeout)

	identity, err := c.Identity()
	requireT.NoError(err)
	expected, err := codec.IdentityFromHex(seed)
	requireT.NoError(err)
	requireT.Equal(expected.PublicKey(), identity.PublicKey())

	profile, err := c.Profile()
	requireT.NoError(err)
	requireT.Equal([]settlement.ChainID{"evm:base:8453", "evm:arbitrum:42161"}, profile.SupportedChains)
	requireT.EqualValues("0xOWN", profile.SettlementAddresses["evm:base:8453"])
	requireT.EqualValues("usdc", profile.PreferredTokens["evm:base:8453"])
	requireT.EqualValues("0xTN", profile.TokenNetworks["evm:base:8453"])
	requireT.EqualValues("0xOWN2", profile.SettlementAddresses["evm:arbitrum:42161"])

	peers, err := c.StaticPeers()
	requireT.NoError(err)
	requireT.Len(peers, 1)
	requireT.Equal(peerID, peers[0].Identity.String())
	requireT.Equal(registry.SourceStatic, peers[0].Source)
	requireT.Equal("g.node.b", peers[0].RoutingAddress)
	requireT.Equal([32]byte(peers[0].Identity), peers[0].EncryptionKey)

	follow, err := c.FollowSet()
	requireT.NoError(err)
	requireT.Contains(follow, peers[0].Identity)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	requireT := require.New(t)

	t.Setenv("PEERLINK_ROUTING_ADDRESS", "g.node.env")
	t.Setenv("PEERLINK_NEGOTIATION_TIMEOUT", "7s")
	t.Setenv("PEERLINK_RELAY_PEERS", "localhost:8000,localhost:8001")

	c, err := Load(writeConfig(requireT, t.TempDir(), configYAML))
	requireT.NoError(err)
	requireT.Equal("g.node.env", c.RoutingAddress)
	requireT.Equal(7*time.Second, c.NegotiationTimeout)
	requireT.Equal([]string{"localhost:8000", "localhost:8001"}, c.RelayPeers)
}

func TestLoadWithoutFile(t *testing.T) {
	requireT := require.New(t)

	c, err := Load("")
	requireT.NoError(err)
	requireT.Equal(Default(), c)
}

func TestLoadMissingFile(t *testing.T) {
	requireT := require.New(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	requireT.Error(err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default()
		c.RoutingAddress = "g.node.a"
		return c
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		err    string
	}{
		{name: "routing address", mutate: func(c *Config) { c.RoutingAddress = "" }, err: "routing address"},
		{name: "seed", mutate: func(c *Config) { c.IdentitySeed = "00" }, err: "seed"},
		{name: "duplicated chain", mutate: func(c *Config) {
			c.Chains = []Chain{{ID: "evm:base:8453"}, {ID: "evm:base:8453"}}
		}, err: "twice"},
		{name: "empty chain", mutate: func(c *Config) { c.Chains = []Chain{{}} }, err: "empty chain"},
		{name: "peer", mutate: func(c *Config) { c.Peers = []Peer{{Identity: "xyz"}} }, err: "identity"},
		{name: "encryption key", mutate: func(c *Config) {
			c.Peers = []Peer{{Identity: peerID, EncryptionKey: "0102"}}
		}, err: "encryption key"},
		{name: "follow", mutate: func(c *Config) { c.Follow = []string{"01"} }, err: "followed"},
		{name: "poll interval", mutate: func(c *Config) { c.PollInterval = 0 }, err: "poll interval"},
		{name: "poll exceeds timeout", mutate: func(c *Config) {
			c.PollInterval = time.Hour
		}, err: "exceed"},
		{name: "discovery attempts", mutate: func(c *Config) { c.DiscoveryAttempts = 0 }, err: "discovery"},
		{name: "announce attempts", mutate: func(c *Config) { c.AnnounceAttempts = 0 }, err: "announce"},
		{name: "retry budget", mutate: func(c *Config) { c.RetryBudget = 0 }, err: "budget"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			requireT := require.New(t)

			c := valid()
			tc.mutate(&c)
			err := c.Validate()
			requireT.Error(err)
			requireT.True(strings.Contains(err.Error(), tc.err), err.Error())
		})
	}
}

func TestDerivedConfigs(t *testing.T) {
	requireT := require.New(t)

	c := Default()
	c.NonceRetries = 5

	requireT.Equal(5, c.ChannelConfig().MaxNonceRetries)
	requireT.Equal(c.ChannelOpenTimeout, c.ChannelConfig().OpenTimeout)
	requireT.Equal(c.RetryBudget, c.BootstrapConfig().RetryBudget)
	requireT.Equal(c.InitialDeposit, c.BootstrapConfig().InitialDeposit)
	requireT.Equal(c.HandshakeFloor, c.Pricing().HandshakeFloor)
}
