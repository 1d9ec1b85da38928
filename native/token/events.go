package token

import (
	"math/big"

	"github.com/kellymusk/Aframp-backend/core/types"
	"github.com/kellymusk/Aframp-backend/crypto"
)

const (
	EventTypeMinted      = "token.minted"
	EventTypeBurned      = "token.burned"
	EventTypeTransferred = "token.transferred"
)

// NewMintedEvent returns the canonical payload for a supply increase.
func NewMintedEvent(asset string, to [20]byte, amount *big.Int) *types.Event {
	attrs := baseAttrs(asset, amount)
	attrs["to"] = crypto.MustNewAddress(crypto.AframpPrefix, to[:]).String()
	return &types.Event{Type: EventTypeMinted, Attributes: attrs}
}

// NewBurnedEvent returns the canonical payload for a supply decrease.
func NewBurnedEvent(asset string, from [20]byte, amount *big.Int) *types.Event {
	attrs := baseAttrs(asset, amount)
	attrs["from"] = crypto.MustNewAddress(crypto.AframpPrefix, from[:]).String()
	return &types.Event{Type: EventTypeBurned, Attributes: attrs}
}

// NewTransferredEvent returns the canonical payload for a balance movement.
func NewTransferredEvent(asset string, from, to [20]byte, amount *big.Int) *types.Event {
	attrs := baseAttrs(asset, amount)
	attrs["from"] = crypto.MustNewAddress(crypto.AframpPrefix, from[:]).String()
	attrs["to"] = crypto.MustNewAddress(crypto.AframpPrefix, to[:]).String()
	return &types.Event{Type: EventTypeTransferred, Attributes: attrs}
}

func baseAttrs(asset string, amount *big.Int) map[string]string {
	attrs := map[string]string{"asset": asset}
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	return attrs
}
