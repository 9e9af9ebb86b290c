package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node ID
	Addr string `json:"addr"` // host:port
}

// GenesisConfig describes the chain's ID and initial balances.
type GenesisConfig struct {
	ChainID string            `json:"chain_id"`
	Alloc   map[string]uint64 `json:"alloc"` // pubkey hex → initial balance
}

// Config holds all node configuration. Every consensus knob named in the
// protocol's configuration table is an explicit field here — nothing is
// read from ambient process-wide state.
type Config struct {
	NodeID  string        `json:"node_id"`
	DataDir string        `json:"data_dir"`
	RPCPort int           `json:"rpc_port"`
	P2PPort int           `json:"p2p_port"`
	Genesis GenesisConfig `json:"genesis"`

	// Stake is the local validator's weight at height 1, and the amount
	// deposited at init() if the account currently holds no stake.
	Stake uint64 `json:"stake"`
	// AccountIndex selects a pre-generated key-pair by index from the
	// master seed; used only when no keystore file is supplied.
	AccountIndex int `json:"account_index"`
	// MaxConsensusStateDB bounds both the retained /consensus/number/*
	// record window and the seed-block lookback for proposer election.
	MaxConsensusStateDB int64 `json:"max_consensus_state_db"`
	// TransitionTimeoutMS is the trampoline yield between commit and the
	// next-height proposal attempt.
	TransitionTimeoutMS int64 `json:"transition_timeout_ms"`
	// ProposalTimeoutMS is how long a round waits for a proposal before
	// advancing to the next round.
	ProposalTimeoutMS int64 `json:"proposal_timeout_ms"`
	// DayMS is the grace period unit used in deposit-expiry validation.
	DayMS int64 `json:"day_ms"`
	// ChainSubsectionLength caps the number of blocks served per sync
	// request.
	ChainSubsectionLength int `json:"chain_subsection_length"`

	SeedPeers    []SeedPeer `json:"seed_peers,omitempty"`
	TLS          *TLSConfig `json:"tls,omitempty"`
	RPCAuthToken string     `json:"rpc_auth_token,omitempty"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:  "node0",
		DataDir: "./data",
		RPCPort: 8545,
		P2PPort: 30303,
		Genesis: GenesisConfig{
			ChainID: "ainchain-dev",
			Alloc:   map[string]uint64{},
		},
		Stake:                 0,
		AccountIndex:          0,
		MaxConsensusStateDB:   100,
		TransitionTimeoutMS:   1,
		ProposalTimeoutMS:     5000,
		DayMS:                 86_400_000,
		ChainSubsectionLength: 20,
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chain_id must not be empty")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	for addr, balance := range c.Genesis.Alloc {
		b, err := hex.DecodeString(addr)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("genesis.alloc key %q: must be a 64-char hex ed25519 public key", addr)
		}
		_ = balance
	}
	if c.MaxConsensusStateDB <= 0 {
		return fmt.Errorf("max_consensus_state_db must be positive")
	}
	if c.ProposalTimeoutMS <= 0 {
		return fmt.Errorf("proposal_timeout_ms must be positive")
	}
	if c.ChainSubsectionLength <= 0 || c.ChainSubsectionLength > 200 {
		return fmt.Errorf("chain_subsection_length must be 1-200")
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
