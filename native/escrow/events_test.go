package escrow

import (
	"math/big"
	"strings"
	"testing"

	"github.com/kellymusk/Aframp-backend/crypto"
)

func eventOrder() *Order {
	return &Order{
		ID:           12,
		Seller:       newTestAddress(0x11),
		Asset:        "AFRI",
		Amount:       big.NewInt(1000),
		FiatCurrency: "NGN",
		FiatAmount:   big.NewInt(1_500_000),
		Rate:         big.NewInt(1500),
		Status:       StatusOpen,
	}
}

func bech32For(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.AframpPrefix, addr[:]).String()
}

func TestCreatedEventAttributes(t *testing.T) {
	order := eventOrder()
	evt := NewCreatedEvent(order)
	if evt.Type != EventTypeOrderCreated {
		t.Fatalf("unexpected type %q", evt.Type)
	}
	attrs := evt.Attributes
	if attrs["orderId"] != "12" {
		t.Fatalf("orderId = %q", attrs["orderId"])
	}
	if attrs["seller"] != bech32For(order.Seller) {
		t.Fatalf("seller = %q", attrs["seller"])
	}
	if !strings.HasPrefix(attrs["seller"], "afr1") {
		t.Fatalf("seller address must carry the afr prefix: %q", attrs["seller"])
	}
	if _, ok := attrs["buyer"]; ok {
		t.Fatal("open order must not carry a buyer attribute")
	}
	if attrs["asset"] != "AFRI" || attrs["amount"] != "1000" || attrs["status"] != "open" {
		t.Fatalf("unexpected terms attributes: %v", attrs)
	}
	if attrs["principal"] != bech32For(order.Seller) {
		t.Fatalf("created event principal must be the seller: %q", attrs["principal"])
	}
}

func TestAcceptedEventCarriesBuyer(t *testing.T) {
	order := eventOrder()
	order.Buyer = newTestAddress(0x22)
	order.Status = StatusLocked

	attrs := NewAcceptedEvent(order).Attributes
	if attrs["buyer"] != bech32For(order.Buyer) {
		t.Fatalf("buyer = %q", attrs["buyer"])
	}
	if attrs["principal"] != bech32For(order.Buyer) {
		t.Fatalf("accepted event principal must be the buyer: %q", attrs["principal"])
	}
	if attrs["status"] != "locked" {
		t.Fatalf("status = %q", attrs["status"])
	}
}

func TestReleasedEventSettlementAttributes(t *testing.T) {
	order := eventOrder()
	order.Buyer = newTestAddress(0x22)
	order.Status = StatusCompleted

	attrs := NewReleasedEvent(order, big.NewInt(995), big.NewInt(5)).Attributes
	if attrs["payout"] != "995" || attrs["fee"] != "5" {
		t.Fatalf("unexpected settlement attributes: %v", attrs)
	}
	if attrs["principal"] != bech32For(order.Seller) {
		t.Fatalf("released event principal must be the seller: %q", attrs["principal"])
	}
}

func TestDisputedEventOmitsSettlement(t *testing.T) {
	order := eventOrder()
	order.Buyer = newTestAddress(0x22)
	order.Status = StatusDisputed

	attrs := NewDisputedEvent(order, order.Buyer).Attributes
	if _, ok := attrs["payout"]; ok {
		t.Fatal("disputed event must not carry a payout attribute")
	}
	if _, ok := attrs["fee"]; ok {
		t.Fatal("disputed event must not carry a fee attribute")
	}
	if attrs["principal"] != bech32For(order.Buyer) {
		t.Fatalf("disputed event principal must be the raiser: %q", attrs["principal"])
	}
}

func TestResolvedEventOutcome(t *testing.T) {
	order := eventOrder()
	order.Buyer = newTestAddress(0x22)
	order.Status = StatusCancelled
	resolver := newTestAddress(0x0C)

	attrs := NewResolvedEvent(order, resolver, OutcomeFavorSeller, big.NewInt(1000), nil).Attributes
	if attrs["outcome"] != OutcomeFavorSeller {
		t.Fatalf("outcome = %q", attrs["outcome"])
	}
	if attrs["payout"] != "1000" {
		t.Fatalf("payout = %q", attrs["payout"])
	}
	if _, ok := attrs["fee"]; ok {
		t.Fatal("nil fee must not produce a fee attribute")
	}
	if attrs["principal"] != bech32For(resolver) {
		t.Fatalf("resolved event principal must be the resolver: %q", attrs["principal"])
	}
}

func TestCancelledEventReason(t *testing.T) {
	order := eventOrder()
	order.Status = StatusCancelled

	attrs := NewCancelledEvent(order, order.Seller).Attributes
	if _, ok := attrs["reason"]; ok {
		t.Fatal("seller-initiated cancellation must not carry a reason")
	}
	if attrs["principal"] != bech32For(order.Seller) {
		t.Fatalf("principal = %q", attrs["principal"])
	}

	attrs = NewCancelledEvent(order, [20]byte{}).Attributes
	if attrs["reason"] != "expired" {
		t.Fatalf("expiry cancellation reason = %q", attrs["reason"])
	}
	if _, ok := attrs["principal"]; ok {
		t.Fatal("expiry cancellation must not carry a principal")
	}
}
