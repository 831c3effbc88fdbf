// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: Defined in genesis, immutable, must match across all nodes
//   - Node settings: Runtime configuration, can vary per node
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
type Config struct {
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	P2P         P2PConfig
	RPC         RPCConfig
	Masternode  MasternodeConfig
	InstantSend InstantSendConfig
	Mining      MiningConfig
	Log         LogConfig
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"`
	ClearBans  bool     // not persisted in config file
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"`
}

// MasternodeConfig identifies this node's masternode, if it runs one.
type MasternodeConfig struct {
	Enabled       bool   `conf:"masternode.enabled"`
	KeyFile       string `conf:"masternode.key"`      // encrypted or plain hex signing key
	Outpoint      string `conf:"masternode.outpoint"` // collateral "txid:index"
	PassphraseEnv string `conf:"masternode.passphrase-env"`
}

// InstantSendConfig holds local knobs of the locking engine. Protocol
// constants live in InstantSendRules.
type InstantSendConfig struct {
	Enabled              bool          `conf:"instantsend.enabled"`
	MaxVotes             int           `conf:"instantsend.maxvotes"`
	MaxOrphanVotes       int           `conf:"instantsend.maxorphans"`
	OrphanRateWindow     int           `conf:"instantsend.orphanrate.window"`
	OrphanRateMinSamples int           `conf:"instantsend.orphanrate.minsamples"`
	OrphanRateFactor     int           `conf:"instantsend.orphanrate.factor"`
	MaintenanceInterval  time.Duration `conf:"instantsend.maintenance"`
	PersistInterval      time.Duration `conf:"instantsend.persist"`
	BlockFilter          bool          `conf:"instantsend.blockfilter"`
}

// MiningConfig holds block production settings.
type MiningConfig struct {
	Enabled      bool   `conf:"mining.enabled"`
	Coinbase     string `conf:"mining.coinbase"`
	ValidatorKey string `conf:"mining.validatorkey"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet-is
//	macOS:   ~/Library/Application Support/KlingnetIS
//	Windows: %APPDATA%\KlingnetIS
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet-is"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingnetIS")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "KlingnetIS")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingnetIS")
	default:
		return filepath.Join(home, ".klingnet-is")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// DBDir returns the badger database directory.
func (c *Config) DBDir() string {
	return filepath.Join(c.ChainDataDir(), "db")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingnet-is.conf")
}

func decodeHexPubKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex pubkey: %w", err)
	}
	return b, nil
}
