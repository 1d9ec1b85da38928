package escrow

import (
	"math/big"
	"strconv"

	"github.com/kellymusk/Aframp-backend/core/types"
	"github.com/kellymusk/Aframp-backend/crypto"
)

const (
	EventTypeOrderCreated     = "orders.created"
	EventTypeOrderAccepted    = "orders.accepted"
	EventTypeOrderPaymentSent = "orders.payment_sent"
	EventTypeOrderReleased    = "orders.released"
	EventTypeOrderDisputed    = "orders.disputed"
	EventTypeOrderResolved    = "orders.resolved"
	EventTypeOrderCancelled   = "orders.cancelled"
)

// Resolution outcomes accepted by Resolve and surfaced on resolved events.
const (
	OutcomeFavorBuyer  = "favor_buyer"
	OutcomeFavorSeller = "favor_seller"
)

// NewCreatedEvent returns the canonical event payload for a newly listed
// order.
func NewCreatedEvent(o *Order) *types.Event {
	return newOrderEvent(EventTypeOrderCreated, o, o.Seller, nil)
}

// NewAcceptedEvent returns the canonical event payload emitted when a buyer
// locks an order into escrow.
func NewAcceptedEvent(o *Order) *types.Event {
	return newOrderEvent(EventTypeOrderAccepted, o, o.Buyer, nil)
}

// NewPaymentSentEvent returns the canonical event payload emitted when the
// buyer confirms the fiat leg has been sent.
func NewPaymentSentEvent(o *Order) *types.Event {
	return newOrderEvent(EventTypeOrderPaymentSent, o, o.Buyer, nil)
}

// NewReleasedEvent returns the canonical event payload for a completed
// release, carrying the fee split applied at settlement.
func NewReleasedEvent(o *Order, payout, fee *big.Int) *types.Event {
	return newOrderEvent(EventTypeOrderReleased, o, o.Seller, settlementAttrs(payout, fee))
}

// NewDisputedEvent returns the canonical event payload emitted when either
// counterparty raises a dispute.
func NewDisputedEvent(o *Order, raisedBy [20]byte) *types.Event {
	return newOrderEvent(EventTypeOrderDisputed, o, raisedBy, nil)
}

// NewResolvedEvent returns the canonical event payload emitted when the
// dispute resolver settles an order. The outcome attribute records which
// side the resolution favored.
func NewResolvedEvent(o *Order, resolver [20]byte, outcome string, payout, fee *big.Int) *types.Event {
	extra := settlementAttrs(payout, fee)
	extra["outcome"] = outcome
	return newOrderEvent(EventTypeOrderResolved, o, resolver, extra)
}

// NewCancelledEvent returns the canonical event payload emitted when an open
// order is withdrawn. A zero cancelledBy principal marks an expiry-driven
// cancellation.
func NewCancelledEvent(o *Order, cancelledBy [20]byte) *types.Event {
	extra := map[string]string{}
	if cancelledBy == ([20]byte{}) {
		extra["reason"] = "expired"
	}
	return newOrderEvent(EventTypeOrderCancelled, o, cancelledBy, extra)
}

func settlementAttrs(payout, fee *big.Int) map[string]string {
	attrs := map[string]string{}
	if payout != nil {
		attrs["payout"] = payout.String()
	}
	if fee != nil {
		attrs["fee"] = fee.String()
	}
	return attrs
}

func newOrderEvent(eventType string, o *Order, principal [20]byte, extra map[string]string) *types.Event {
	attrs := make(map[string]string)
	if o == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeOrder(o)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["orderId"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["seller"] = crypto.MustNewAddress(crypto.AframpPrefix, sanitized.Seller[:]).String()
	if sanitized.HasBuyer() {
		attrs["buyer"] = crypto.MustNewAddress(crypto.AframpPrefix, sanitized.Buyer[:]).String()
	}
	attrs["asset"] = sanitized.Asset
	attrs["amount"] = sanitized.Amount.String()
	attrs["status"] = sanitized.Status.String()
	if principal != ([20]byte{}) {
		attrs["principal"] = crypto.MustNewAddress(crypto.AframpPrefix, principal[:]).String()
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
