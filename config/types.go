package config

import (
	"fmt"
	"math/big"
	"strings"
)

// RateLimit bounds how many RPC requests a single client IP may issue.
type RateLimit struct {
	RequestsPerMinute uint32 `toml:"RequestsPerMinute"`
	Burst             uint32 `toml:"Burst"`
}

// Quota defines per-seller listing limits enforced on order creation. A zero
// EpochSeconds or two zero limits disables enforcement.
type Quota struct {
	MaxOrdersPerEpoch uint32 `toml:"MaxOrdersPerEpoch"`
	MaxAmountPerEpoch uint64 `toml:"MaxAmountPerEpoch"` // in asset base units
	EpochSeconds      uint32 `toml:"EpochSeconds"`      // e.g., 3600
}

// Genesis declares the first-boot state applied when the database carries no
// governance record. Addresses are bech32 strings with the afr prefix.
type Genesis struct {
	Enabled         bool           `toml:"Enabled"`
	Admin           string         `toml:"Admin"`
	FeeRateBps      uint32         `toml:"FeeRateBps"`
	FeeTreasury     string         `toml:"FeeTreasury"`
	DisputeResolver string         `toml:"DisputeResolver"`
	Assets          []GenesisAsset `toml:"assets"`
}

// GenesisAsset registers an asset at bootstrap. A blank Admin inherits the
// governance admin.
type GenesisAsset struct {
	Symbol   string           `toml:"Symbol"`
	Name     string           `toml:"Name"`
	Decimals uint8            `toml:"Decimals"`
	Admin    string           `toml:"Admin"`
	Balances []GenesisBalance `toml:"balances"`
}

// GenesisBalance seeds an account balance. Amount is a base-10 integer string
// so full-width balances survive TOML round-trips.
type GenesisBalance struct {
	Address string `toml:"Address"`
	Amount  string `toml:"Amount"`
}

// ParseAmount turns a configured balance string into a non-negative integer.
func ParseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must be non-negative", value)
	}
	return amount, nil
}
