package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// OrderStatus represents the lifecycle states supported by the settlement
// engine.
type OrderStatus uint8

const (
	StatusOpen OrderStatus = iota
	StatusLocked
	StatusPaymentSent
	StatusCompleted
	StatusDisputed
	StatusCancelled
)

// Valid reports whether the status value is within the supported range.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusLocked, StatusPaymentSent, StatusCompleted, StatusDisputed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transition.
func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// String returns the canonical lowercase name used in events and RPC
// responses.
func (s OrderStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusLocked:
		return "locked"
	case StatusPaymentSent:
		return "payment_sent"
	case StatusCompleted:
		return "completed"
	case StatusDisputed:
		return "disputed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Order captures the terms and runtime status of a single sell order managed
// by the settlement engine. Identifiers are assigned from the governance
// order counter and are never reused. The buyer field stays zero until the
// order is accepted.
type Order struct {
	ID            uint64
	Seller        [20]byte
	Buyer         [20]byte
	Asset         string
	Amount        *big.Int
	FiatCurrency  string
	FiatAmount    *big.Int
	Rate          *big.Int
	Status        OrderStatus
	CreatedAt     uint64
	ExpiresAt     uint64
	PaymentMethod string
}

// Clone returns a deep copy of the order so callers can safely mutate the
// copy without affecting the stored instance.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Amount = cloneOrZero(o.Amount)
	clone.FiatAmount = cloneOrZero(o.FiatAmount)
	clone.Rate = cloneOrZero(o.Rate)
	return &clone
}

// HasBuyer reports whether the order has been accepted by a counterparty.
func (o *Order) HasBuyer() bool {
	if o == nil {
		return false
	}
	return o.Buyer != ([20]byte{})
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Governance is the singleton configuration record guarding every order
// operation. Created exactly once by Initialize and mutated only through
// admin-authorized calls.
type Governance struct {
	Admin           [20]byte
	FeeRateBps      uint32
	FeeTreasury     [20]byte
	DisputeResolver [20]byte
	Paused          bool
	OrderCount      uint64
}

// Clone returns a copy of the governance record.
func (g *Governance) Clone() *Governance {
	if g == nil {
		return nil
	}
	clone := *g
	return &clone
}

// MaxFeeRateBps bounds the platform fee at 10%.
const MaxFeeRateBps uint32 = 1000

// feeRateDivisor converts basis points into a fraction of the amount.
const feeRateDivisor = 10_000

// NormalizeAsset canonicalises an asset symbol to its uppercase form. The
// engine does not maintain its own asset registry; existence is checked by
// the ledger at transfer time.
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("asset symbol must not be empty")
	}
	return trimmed, nil
}

// SanitizeOrder validates and normalises the supplied order, returning a
// cloned instance with canonical asset casing and non-nil amount fields. The
// function does not mutate the original value.
func SanitizeOrder(o *Order) (*Order, error) {
	if o == nil {
		return nil, fmt.Errorf("nil order")
	}
	clone := o.Clone()
	asset, err := NormalizeAsset(clone.Asset)
	if err != nil {
		return nil, err
	}
	clone.Asset = asset
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("order amount must be non-negative")
	}
	if clone.FiatAmount.Sign() < 0 {
		return nil, fmt.Errorf("order fiat amount must be non-negative")
	}
	if clone.Rate.Sign() < 0 {
		return nil, fmt.Errorf("order rate must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid order status: %d", clone.Status)
	}
	return clone, nil
}

// SanitizeGovernance validates the governance record before persisting or
// emitting it.
func SanitizeGovernance(g *Governance) (*Governance, error) {
	if g == nil {
		return nil, fmt.Errorf("nil governance record")
	}
	if g.FeeRateBps > MaxFeeRateBps {
		return nil, fmt.Errorf("fee rate out of range: %d", g.FeeRateBps)
	}
	return g.Clone(), nil
}
