// Package config defines configuration of the node and the relay.
package config

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/outofforest/peerlink/bootstrap"
	"github.com/outofforest/peerlink/channel"
	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/gate"
	"github.com/outofforest/peerlink/registry"
	"github.com/outofforest/peerlink/settlement"
)

// EnvPrefix is the prefix of environment variables overriding the configuration.
const EnvPrefix = "PEERLINK"

// Chain is the settlement capability on one chain.
type Chain struct {
	ID           string `mapstructure:"id"`
	Address      string `mapstructure:"address"`
	Token        string `mapstructure:"token"`
	TokenNetwork string `mapstructure:"token_network"`
}

// Peer is the explicitly configured peer.
type Peer struct {
	Identity       string `mapstructure:"identity"`
	RoutingAddress string `mapstructure:"routing_address"`
	Endpoint       string `mapstructure:"endpoint"`
	Relay          string `mapstructure:"relay"`
	EncryptionKey  string `mapstructure:"encryption_key"`
}

// Config is the configuration of the node.
type Config struct {
	IdentitySeed string `mapstructure:"identity_seed"`

	Relays             []string `mapstructure:"relays"`
	RelayListenAddress string   `mapstructure:"relay_listen_address"`
	RelayPeers         []string `mapstructure:"relay_peers"`
	MaxMessageSize     uint64   `mapstructure:"max_message_size"`
	HTTPListenAddress  string   `mapstructure:"http_listen_address"`

	RoutingAddress string        `mapstructure:"routing_address"`
	Endpoint       string        `mapstructure:"endpoint"`
	RouterURL      string        `mapstructure:"router_url"`
	RouterTimeout  time.Duration `mapstructure:"router_timeout"`

	Chains             []Chain       `mapstructure:"chains"`
	InitialDeposit     uint64        `mapstructure:"initial_deposit"`
	SettlementTimeout  time.Duration `mapstructure:"settlement_timeout"`
	ChannelOpenTimeout time.Duration `mapstructure:"channel_open_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	NonceRetries       int           `mapstructure:"nonce_retries"`
	NonceRetryBackoff  time.Duration `mapstructure:"nonce_retry_backoff"`
	SubmitTimeout      time.Duration `mapstructure:"submit_timeout"`

	PricePerByte   uint64 `mapstructure:"price_per_byte"`
	HandshakeFloor uint64 `mapstructure:"handshake_floor"`
	WriteFloor     uint64 `mapstructure:"write_floor"`

	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	MaxRequestAge      time.Duration `mapstructure:"max_request_age"`
	DiscoveryAttempts  int           `mapstructure:"discovery_attempts"`
	DiscoveryTimeout   time.Duration `mapstructure:"discovery_timeout"`
	AnnounceAttempts   int           `mapstructure:"announce_attempts"`
	RetryBudget        uint64        `mapstructure:"retry_budget"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	MaxRetryBackoff    time.Duration `mapstructure:"max_retry_backoff"`

	Peers  []Peer   `mapstructure:"peers"`
	Follow []string `mapstructure:"follow"`
}

// Default returns default configuration.
func Default() Config {
	channelConfig := channel.DefaultConfig()
	bootstrapConfig := bootstrap.DefaultConfig()

	return Config{
		RelayListenAddress: ":7000",
		MaxMessageSize:     64 * 1024,
		HTTPListenAddress:  ":8080",
		RouterTimeout:      30 * time.Second,

		InitialDeposit:     bootstrapConfig.InitialDeposit,
		SettlementTimeout:  bootstrapConfig.SettlementTimeout,
		ChannelOpenTimeout: channelConfig.OpenTimeout,
		PollInterval:       channelConfig.PollInterval,
		NonceRetries:       channelConfig.MaxNonceRetries,
		NonceRetryBackoff:  channelConfig.RetryBackoff,
		SubmitTimeout:      channelConfig.SubmitTimeout,

		PricePerByte:   10,
		HandshakeFloor: 1000,
		WriteFloor:     10000,

		NegotiationTimeout: 30 * time.Second,
		MaxRequestAge:      5 * time.Minute,
		DiscoveryAttempts:  bootstrapConfig.DiscoveryAttempts,
		DiscoveryTimeout:   bootstrapConfig.DiscoveryTimeout,
		AnnounceAttempts:   bootstrapConfig.AnnounceAttempts,
		RetryBudget:        bootstrapConfig.RetryBudget,
		RetryBackoff:       bootstrapConfig.RetryBackoff,
		MaxRetryBackoff:    bootstrapConfig.MaxRetryBackoff,
	}
}

// Load loads configuration from YAML file on top of defaults. Environment variables prefixed with PEERLINK
// override values from the file. If path is empty, only defaults and environment are used.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	config := Default()
	defaults := map[string]any{}
	if err := mapstructure.Decode(config, &defaults); err != nil {
		return Config{}, errors.WithStack(err)
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	if err := v.Unmarshal(&config); err != nil {
		return Config{}, errors.Wrap(err, "decoding config")
	}
	return config, nil
}

// Validate validates configuration of the node.
func (c Config) Validate() error {
	if _, err := c.Identity(); err != nil {
		return err
	}
	if c.RoutingAddress == "" {
		return errors.New("routing address is not set")
	}
	if _, err := c.Profile(); err != nil {
		return err
	}
	if _, err := c.StaticPeers(); err != nil {
		return err
	}
	if _, err := c.FollowSet(); err != nil {
		return err
	}

	for name, d := range map[string]time.Duration{
		"channel open timeout": c.ChannelOpenTimeout,
		"poll interval":        c.PollInterval,
		"submit timeout":       c.SubmitTimeout,
		"negotiation timeout":  c.NegotiationTimeout,
		"discovery timeout":    c.DiscoveryTimeout,
		"retry backoff":        c.RetryBackoff,
	} {
		if d <= 0 {
			return errors.Errorf("%s must be positive", name)
		}
	}
	if c.PollInterval > c.ChannelOpenTimeout {
		return errors.New("poll interval must not exceed channel open timeout")
	}
	if c.NonceRetries < 0 {
		return errors.New("nonce retries must not be negative")
	}
	if c.DiscoveryAttempts < 1 {
		return errors.New("at least one discovery attempt is required")
	}
	if c.AnnounceAttempts < 1 {
		return errors.New("at least one announce attempt is required")
	}
	if c.RetryBudget < 1 {
		return errors.New("retry budget must be at least 1")
	}
	return nil
}

// Identity returns identity of the node. Random identity is generated if seed is not configured.
func (c Config) Identity() (*codec.Identity, error) {
	if c.IdentitySeed == "" {
		return codec.GenerateIdentity()
	}
	return codec.IdentityFromHex(c.IdentitySeed)
}

// Profile returns settlement profile preserving the order of chains.
func (c Config) Profile() (settlement.Profile, error) {
	p := settlement.Profile{
		SupportedChains:     make([]settlement.ChainID, 0, len(c.Chains)),
		SettlementAddresses: map[settlement.ChainID]settlement.Address{},
		PreferredTokens:     map[settlement.ChainID]settlement.TokenID{},
		TokenNetworks:       map[settlement.ChainID]settlement.Address{},
	}
	for _, ch := range c.Chains {
		id := settlement.ChainID(ch.ID)
		p.SupportedChains = append(p.SupportedChains, id)
		if ch.Address != "" {
			p.SettlementAddresses[id] = settlement.Address(ch.Address)
		}
		if ch.Token != "" {
			p.PreferredTokens[id] = settlement.TokenID(ch.Token)
		}
		if ch.TokenNetwork != "" {
			p.TokenNetworks[id] = settlement.Address(ch.TokenNetwork)
		}
	}
	if err := p.Validate(); err != nil {
		return settlement.Profile{}, errors.Wrap(err, "invalid chains")
	}
	return p, nil
}

// StaticPeers returns explicitly configured peers.
func (c Config) StaticPeers() ([]registry.Discovery, error) {
	peers := make([]registry.Discovery, 0, len(c.Peers))
	for _, p := range c.Peers {
		identity, err := codec.ParsePublicKey(p.Identity)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid identity of peer %q", p.Identity)
		}

		d := registry.Discovery{
			Identity:       identity,
			Source:         registry.SourceStatic,
			RoutingAddress: p.RoutingAddress,
			Endpoint:       p.Endpoint,
			Relay:          p.Relay,
		}
		if p.EncryptionKey != "" {
			key, err := hex.DecodeString(p.EncryptionKey)
			if err != nil || len(key) != len(d.EncryptionKey) {
				return nil, errors.Errorf("invalid encryption key of peer %s", identity)
			}
			copy(d.EncryptionKey[:], key)
		}
		peers = append(peers, d)
	}
	return peers, nil
}

// FollowSet returns identities admitted from the directory. Empty set admits everyone.
func (c Config) FollowSet() (map[codec.PublicKey]struct{}, error) {
	set := make(map[codec.PublicKey]struct{}, len(c.Follow))
	for _, f := range c.Follow {
		identity, err := codec.ParsePublicKey(f)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid followed identity %q", f)
		}
		set[identity] = struct{}{}
	}
	return set, nil
}

// Pricing returns price list of the payment gate.
func (c Config) Pricing() gate.Pricing {
	return gate.Pricing{
		PricePerByte:   c.PricePerByte,
		WriteFloor:     c.WriteFloor,
		HandshakeFloor: c.HandshakeFloor,
	}
}

// ChannelConfig returns configuration of the channel client.
func (c Config) ChannelConfig() channel.Config {
	return channel.Config{
		MaxNonceRetries: c.NonceRetries,
		RetryBackoff:    c.NonceRetryBackoff,
		SubmitTimeout:   c.SubmitTimeout,
		PollInterval:    c.PollInterval,
		OpenTimeout:     c.ChannelOpenTimeout,
	}
}

// BootstrapConfig returns configuration of the bootstrap engine.
func (c Config) BootstrapConfig() bootstrap.Config {
	return bootstrap.Config{
		DiscoveryAttempts: c.DiscoveryAttempts,
		DiscoveryTimeout:  c.DiscoveryTimeout,
		AnnounceAttempts:  c.AnnounceAttempts,
		RetryBackoff:      c.RetryBackoff,
		MaxRetryBackoff:   c.MaxRetryBackoff,
		RetryBudget:       c.RetryBudget,
		InitialDeposit:    c.InitialDeposit,
		SettlementTimeout: c.SettlementTimeout,
	}
}
