package config

import "time"

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       30313,
			MaxPeers:   50,
			// Format: libp2p multiaddrs, e.g.
			//   "/dns4/seed1.klingnet.io/tcp/30313/p2p/12D3KooW..."
			Seeds: []string{},
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8555,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Masternode: MasternodeConfig{
			PassphraseEnv: "KLINGNET_MN_PASSPHRASE",
		},
		InstantSend: InstantSendConfig{
			Enabled:              true,
			MaxVotes:             100_000,
			MaxOrphanVotes:       20_000,
			OrphanRateWindow:     64,
			OrphanRateMinSamples: 8,
			OrphanRateFactor:     4,
			MaintenanceInterval:  5 * time.Second,
			PersistInterval:      time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Port = 30314
	cfg.RPC.Port = 8655
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
