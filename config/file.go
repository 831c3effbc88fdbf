package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
// Only node-operational settings, NOT protocol rules.
func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// P2P
	case "p2p.enabled", "p2p":
		cfg.P2P.Enabled = parseBool(value)
	case "p2p.listen":
		cfg.P2P.ListenAddr = value
	case "p2p.port":
		cfg.P2P.Port, err = strconv.Atoi(value)
	case "p2p.seeds":
		cfg.P2P.Seeds = parseStringList(value)
	case "p2p.maxpeers":
		cfg.P2P.MaxPeers, err = strconv.Atoi(value)
	case "p2p.nodiscover":
		cfg.P2P.NoDiscover = parseBool(value)
	case "p2p.dhtserver":
		cfg.P2P.DHTServer = parseBool(value)

	// RPC
	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		cfg.RPC.Port, err = strconv.Atoi(value)
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)

	// Masternode
	case "masternode.enabled", "masternode":
		cfg.Masternode.Enabled = parseBool(value)
	case "masternode.key":
		cfg.Masternode.KeyFile = value
	case "masternode.outpoint":
		cfg.Masternode.Outpoint = value
	case "masternode.passphrase-env":
		cfg.Masternode.PassphraseEnv = value

	// InstantSend
	case "instantsend.enabled", "instantsend":
		cfg.InstantSend.Enabled = parseBool(value)
	case "instantsend.maxvotes":
		cfg.InstantSend.MaxVotes, err = strconv.Atoi(value)
	case "instantsend.maxorphans":
		cfg.InstantSend.MaxOrphanVotes, err = strconv.Atoi(value)
	case "instantsend.orphanrate.window":
		cfg.InstantSend.OrphanRateWindow, err = strconv.Atoi(value)
	case "instantsend.orphanrate.minsamples":
		cfg.InstantSend.OrphanRateMinSamples, err = strconv.Atoi(value)
	case "instantsend.orphanrate.factor":
		cfg.InstantSend.OrphanRateFactor, err = strconv.Atoi(value)
	case "instantsend.maintenance":
		cfg.InstantSend.MaintenanceInterval, err = time.ParseDuration(value)
	case "instantsend.persist":
		cfg.InstantSend.PersistInterval, err = time.ParseDuration(value)
	case "instantsend.blockfilter":
		cfg.InstantSend.BlockFilter = parseBool(value)

	// Block production
	case "mining.enabled", "mine":
		cfg.Mining.Enabled = parseBool(value)
	case "mining.coinbase", "coinbase":
		cfg.Mining.Coinbase = value
	case "mining.validatorkey":
		cfg.Mining.ValidatorKey = value

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return err
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	d := Default(network)
	content := `# Klingnet InstantSend Node Configuration
#
# This file contains NODE settings only.
# Protocol rules (quorum size, lock timeouts, collateral) are part of the
# genesis configuration and cannot be changed here.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingnet-is)
# datadir = ~/.klingnet-is

# ============================================================================
# P2P Network
# ============================================================================

p2p.enabled = true
p2p.listen = 0.0.0.0
p2p.port = ` + strconv.Itoa(d.P2P.Port) + `
p2p.maxpeers = 50

# Seed nodes (comma-separated libp2p multiaddrs)
# p2p.seeds = /dns4/seed1.example.com/tcp/30313/p2p/12D3KooW...

# p2p.nodiscover = false
# p2p.dhtserver = false

# ============================================================================
# RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
rpc.port = ` + strconv.Itoa(d.RPC.Port) + `
rpc.allowed = 127.0.0.1
# rpc.cors = http://localhost:3000

# ============================================================================
# Masternode
# ============================================================================

masternode.enabled = false
# Key file written by "klingnet-is-cli genkey"
# masternode.key = ~/.klingnet-is/masternode.key
# Collateral output as txid:index (default: the genesis collateral owned by the key)
# masternode.outpoint =
# Environment variable holding the key file passphrase
# masternode.passphrase-env = KLINGNET_MN_PASSPHRASE

# ============================================================================
# InstantSend
# ============================================================================

instantsend.enabled = true
# instantsend.maxvotes = 100000
# instantsend.maxorphans = 20000
# instantsend.orphanrate.window = 64
# instantsend.orphanrate.minsamples = 8
# instantsend.orphanrate.factor = 4
# instantsend.maintenance = 5s
# instantsend.persist = 1m
# instantsend.blockfilter = false

# ============================================================================
# Block Production (authority nodes only)
# ============================================================================

mining.enabled = false
# mining.coinbase = <hex address>
# mining.validatorkey = ~/.klingnet-is/validator.key

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
