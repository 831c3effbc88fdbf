package config

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}

	if cfg.Masternode.Enabled {
		if cfg.Masternode.KeyFile == "" {
			return fmt.Errorf("masternode.enabled requires masternode.key")
		}
		if cfg.Masternode.Outpoint != "" {
			if _, err := types.ParseOutpoint(cfg.Masternode.Outpoint); err != nil {
				return fmt.Errorf("masternode.outpoint: %w", err)
			}
		}
	}

	is := cfg.InstantSend
	if is.MaxVotes <= 0 || is.MaxOrphanVotes <= 0 {
		return fmt.Errorf("instantsend.maxvotes and instantsend.maxorphans must be positive")
	}
	if is.OrphanRateWindow < is.OrphanRateMinSamples || is.OrphanRateMinSamples < 1 {
		return fmt.Errorf("instantsend.orphanrate: need 1 <= minsamples <= window")
	}
	if is.OrphanRateFactor < 1 {
		return fmt.Errorf("instantsend.orphanrate.factor must be at least 1")
	}
	if is.MaintenanceInterval <= 0 || is.PersistInterval <= 0 {
		return fmt.Errorf("instantsend maintenance and persist intervals must be positive")
	}

	if cfg.Mining.Enabled {
		if cfg.Mining.ValidatorKey == "" {
			return fmt.Errorf("mining.enabled requires mining.validatorkey")
		}
		if _, err := types.ParseAddress(cfg.Mining.Coinbase); err != nil {
			return fmt.Errorf("mining.coinbase: %w", err)
		}
	}
	return nil
}
