package config

import (
	"fmt"
	"strings"
)

// MaxFeeRateBps mirrors the governance bound so a bad genesis fails at load
// time instead of at first boot.
const MaxFeeRateBps = uint32(1000)

func ValidateConfig(cfg *Config) error {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		return fmt.Errorf("rpc: address must not be empty")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("datadir: must not be empty")
	}
	if cfg.Quota.EpochSeconds == 0 && (cfg.Quota.MaxOrdersPerEpoch > 0 || cfg.Quota.MaxAmountPerEpoch > 0) {
		return fmt.Errorf("quota: EpochSeconds required when a limit is set")
	}
	if cfg.Genesis.Enabled {
		if strings.TrimSpace(cfg.Genesis.Admin) == "" {
			return fmt.Errorf("genesis: Admin must not be empty")
		}
		if strings.TrimSpace(cfg.Genesis.FeeTreasury) == "" {
			return fmt.Errorf("genesis: FeeTreasury must not be empty")
		}
		if strings.TrimSpace(cfg.Genesis.DisputeResolver) == "" {
			return fmt.Errorf("genesis: DisputeResolver must not be empty")
		}
		if cfg.Genesis.FeeRateBps > MaxFeeRateBps {
			return fmt.Errorf("genesis: FeeRateBps %d exceeds %d", cfg.Genesis.FeeRateBps, MaxFeeRateBps)
		}
		for _, asset := range cfg.Genesis.Assets {
			if strings.TrimSpace(asset.Symbol) == "" {
				return fmt.Errorf("genesis: asset symbol must not be empty")
			}
			for _, balance := range asset.Balances {
				if _, err := ParseAmount(balance.Amount); err != nil {
					return fmt.Errorf("genesis: asset %s: %w", asset.Symbol, err)
				}
			}
		}
	}
	return nil
}
