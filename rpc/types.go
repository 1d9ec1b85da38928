package rpc

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/kellymusk/Aframp-backend/crypto"
	"github.com/kellymusk/Aframp-backend/native/escrow"
	"github.com/kellymusk/Aframp-backend/native/token"
)

// orderJSON is the wire form of a settlement order. Amounts travel as decimal
// strings so callers never lose precision to JSON number parsing.
type orderJSON struct {
	ID            uint64  `json:"id"`
	Seller        string  `json:"seller"`
	Buyer         *string `json:"buyer,omitempty"`
	Asset         string  `json:"asset"`
	Amount        string  `json:"amount"`
	FiatCurrency  string  `json:"fiatCurrency"`
	FiatAmount    string  `json:"fiatAmount"`
	Rate          string  `json:"rate"`
	Status        string  `json:"status"`
	CreatedAt     uint64  `json:"createdAt"`
	ExpiresAt     uint64  `json:"expiresAt"`
	PaymentMethod string  `json:"paymentMethod"`
}

type governanceJSON struct {
	Admin           string `json:"admin"`
	FeeRateBps      uint32 `json:"feeRateBps"`
	FeeTreasury     string `json:"feeTreasury"`
	DisputeResolver string `json:"disputeResolver"`
	Paused          bool   `json:"paused"`
	OrderCount      uint64 `json:"orderCount"`
}

type assetJSON struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
	Admin    string `json:"admin"`
}

func formatOrderJSON(o *escrow.Order) orderJSON {
	seller := crypto.MustNewAddress(crypto.AframpPrefix, o.Seller[:]).String()
	var buyerPtr *string
	if o.HasBuyer() {
		buyer := crypto.MustNewAddress(crypto.AframpPrefix, o.Buyer[:]).String()
		buyerPtr = &buyer
	}
	return orderJSON{
		ID:            o.ID,
		Seller:        seller,
		Buyer:         buyerPtr,
		Asset:         o.Asset,
		Amount:        formatAmount(o.Amount),
		FiatCurrency:  o.FiatCurrency,
		FiatAmount:    formatAmount(o.FiatAmount),
		Rate:          formatAmount(o.Rate),
		Status:        o.Status.String(),
		CreatedAt:     o.CreatedAt,
		ExpiresAt:     o.ExpiresAt,
		PaymentMethod: o.PaymentMethod,
	}
}

func formatGovernanceJSON(gov *escrow.Governance) governanceJSON {
	return governanceJSON{
		Admin:           crypto.MustNewAddress(crypto.AframpPrefix, gov.Admin[:]).String(),
		FeeRateBps:      gov.FeeRateBps,
		FeeTreasury:     crypto.MustNewAddress(crypto.AframpPrefix, gov.FeeTreasury[:]).String(),
		DisputeResolver: crypto.MustNewAddress(crypto.AframpPrefix, gov.DisputeResolver[:]).String(),
		Paused:          gov.Paused,
		OrderCount:      gov.OrderCount,
	}
}

func formatAssetJSON(asset *token.Asset) assetJSON {
	return assetJSON{
		Symbol:   asset.Symbol,
		Name:     asset.Name,
		Decimals: asset.Decimals,
		Admin:    crypto.MustNewAddress(crypto.AframpPrefix, asset.Admin[:]).String(),
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBech32Address(addr string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return out, fmt.Errorf("address required")
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return out, err
	}
	if decoded.Prefix() != crypto.AframpPrefix {
		return out, fmt.Errorf("address must carry the %q prefix", crypto.AframpPrefix)
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}
