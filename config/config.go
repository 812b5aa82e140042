// Package config loads a node's static identity, peer roster, and tuning
// parameters, mirroring the teacher's config.Config/config.New/
// config.LoadConfig contract (fork0/node_test.go, main.go).
package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/dappledger/bcos-pbft/transport"
	"github.com/dappledger/bcos-pbft/validator"
)

// PeerConfig is one validator's static address book entry.
type PeerConfig struct {
	Name     string `mapstructure:"name"`
	Addr     string `mapstructure:"addr"`
	PubKey   string `mapstructure:"pub_key"` // hex-encoded
	Observer bool   `mapstructure:"observer"`
}

// Config is a single node's static configuration: its own identity, the
// genesis validator set, and the engine's tuning knobs.
type Config struct {
	NodeName   string
	ListenAddr string
	PrivateKey string // hex-encoded
	Peers      []PeerConfig

	StorePath       string
	ViewTimeout     time.Duration
	TickInterval    time.Duration
	GCInterval      time.Duration
	OmitEmptyBlocks bool
	LogLevel        string
}

// New builds a Config directly from already-materialized values, for
// tests that generate N nodes' worth of keys/addresses in-process
// without a config file on disk (fork0/node_test.go's setupNodes shape).
// The signing key itself is never round-tripped through Config — callers
// that built it in-process keep holding the *pbftcrypto.KeyPair directly.
func New(name, listenAddr string, peers []PeerConfig, viewTimeout time.Duration, omitEmptyBlocks bool) *Config {
	return &Config{
		NodeName:        name,
		ListenAddr:      listenAddr,
		Peers:           peers,
		ViewTimeout:     viewTimeout,
		OmitEmptyBlocks: omitEmptyBlocks,
		LogLevel:        "info",
	}
}

// LoadConfig reads <path>/<name>.{yaml,json,toml,...} via viper, with
// environment variable overrides, mirroring main.go's
// config.LoadConfig("", "config") call.
func LoadConfig(path, name string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(name)
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("PBFT")
	v.AutomaticEnv()

	v.SetDefault("view_timeout_ms", 2000)
	v.SetDefault("tick_interval_ms", 5)
	v.SetDefault("gc_interval_ms", 2000)
	v.SetDefault("omit_empty_blocks", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("store_path", "pbft-data")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", name, err)
	}

	var raw struct {
		NodeName        string       `mapstructure:"node_name"`
		ListenAddr      string       `mapstructure:"listen_addr"`
		PrivateKey      string       `mapstructure:"private_key"`
		Peers           []PeerConfig `mapstructure:"peers"`
		StorePath       string       `mapstructure:"store_path"`
		ViewTimeoutMS   int          `mapstructure:"view_timeout_ms"`
		TickIntervalMS  int          `mapstructure:"tick_interval_ms"`
		GCIntervalMS    int          `mapstructure:"gc_interval_ms"`
		OmitEmptyBlocks bool         `mapstructure:"omit_empty_blocks"`
		LogLevel        string       `mapstructure:"log_level"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", name, err)
	}
	if raw.NodeName == "" {
		return nil, fmt.Errorf("config: %s: node_name is required", name)
	}
	if len(raw.Peers) == 0 {
		return nil, fmt.Errorf("config: %s: peers roster is empty", name)
	}

	return &Config{
		NodeName:        raw.NodeName,
		ListenAddr:      raw.ListenAddr,
		PrivateKey:      raw.PrivateKey,
		Peers:           raw.Peers,
		StorePath:       raw.StorePath,
		ViewTimeout:     time.Duration(raw.ViewTimeoutMS) * time.Millisecond,
		TickInterval:    time.Duration(raw.TickIntervalMS) * time.Millisecond,
		GCInterval:      time.Duration(raw.GCIntervalMS) * time.Millisecond,
		OmitEmptyBlocks: raw.OmitEmptyBlocks,
		LogLevel:        raw.LogLevel,
	}, nil
}

// ToPeerAddrs converts the static peer roster into transport.PeerAddr
// values ready for TCPTransport.Dial, assigning dense roster indices in
// file order (the validator oracle is expected to agree with this order
// at genesis; later heights come from the real roster oracle instead).
func (c *Config) ToPeerAddrs() ([]transport.PeerAddr, error) {
	out := make([]transport.PeerAddr, 0, len(c.Peers))
	for i, p := range c.Peers {
		pub, err := hex.DecodeString(p.PubKey)
		if err != nil {
			return nil, fmt.Errorf("config: peer %q has invalid pub_key: %w", p.Name, err)
		}
		role := validator.RoleMiner
		if p.Observer {
			role = validator.RoleObserver
		}
		out = append(out, transport.PeerAddr{
			ID:     p.Name,
			Addr:   p.Addr,
			PubKey: pub,
			Role:   role,
			Index:  validator.Index(i),
		})
	}
	return out, nil
}

// GenesisRoster builds the validator.Roster effective before any
// real on-chain oracle answer exists, in the same file order ToPeerAddrs
// uses.
func (c *Config) GenesisRoster() (*validator.Roster, error) {
	entries := make([]validator.Entry, 0, len(c.Peers))
	for i, p := range c.Peers {
		pub, err := hex.DecodeString(p.PubKey)
		if err != nil {
			return nil, fmt.Errorf("config: peer %q has invalid pub_key: %w", p.Name, err)
		}
		role := validator.RoleMiner
		if p.Observer {
			role = validator.RoleObserver
		}
		entries = append(entries, validator.Entry{Index: validator.Index(i), PubKey: pub, Role: role})
	}
	return validator.NewRoster(0, entries)
}
