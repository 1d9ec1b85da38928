package core

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/kellymusk/Aframp-backend/native/common"
	"github.com/kellymusk/Aframp-backend/native/escrow"
	"github.com/kellymusk/Aframp-backend/native/token"
	"github.com/kellymusk/Aframp-backend/storage"
)

const nodeTestNow = uint64(1_700_000_000)

func nodeAddr(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, len(addr)))
	return addr
}

var (
	adminAddr    = nodeAddr(0x0A)
	treasuryAddr = nodeAddr(0x0B)
	resolverAddr = nodeAddr(0x0C)
	sellerAddr   = nodeAddr(0x11)
	buyerAddr    = nodeAddr(0x22)
)

func testGenesis(feeBps uint32, sellerFunds int64) *Genesis {
	return &Genesis{
		Admin:           adminAddr,
		FeeRateBps:      feeBps,
		FeeTreasury:     treasuryAddr,
		DisputeResolver: resolverAddr,
		Assets: []GenesisAsset{
			{
				Symbol:   "AFRI",
				Name:     "Aframp Token",
				Decimals: 6,
				Balances: []GenesisBalance{
					{Address: sellerAddr, Amount: big.NewInt(sellerFunds)},
				},
			},
		},
	}
}

func newTestNode(t *testing.T, cfg NodeConfig) *Node {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	db := storage.NewMemDB()
	t.Cleanup(func() { db.Close() })
	node, err := NewNode(db, cfg)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.SetNowFunc(func() uint64 { return nodeTestNow })
	return node
}

func createNodeOrder(t *testing.T, node *Node) *escrow.Order {
	t.Helper()
	order, err := node.CreateOrder(sellerAddr, "AFRI", big.NewInt(1000), "NGN", big.NewInt(1_500_000), big.NewInt(1500), nodeTestNow+3600, "bank_transfer")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func TestNodeGenesisBootstrap(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	node, err := NewNode(db, NodeConfig{Genesis: testGenesis(50, 1000), Logger: logger})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	gov, err := node.GetGovernance()
	if err != nil {
		t.Fatalf("governance: %v", err)
	}
	if gov.Admin != adminAddr || gov.FeeRateBps != 50 || gov.FeeTreasury != treasuryAddr || gov.DisputeResolver != resolverAddr {
		t.Fatalf("unexpected governance: %+v", gov)
	}
	if gov.Paused || gov.OrderCount != 0 {
		t.Fatalf("fresh governance must be unpaused with zero orders: %+v", gov)
	}

	asset, err := node.TokenAsset("AFRI")
	if err != nil {
		t.Fatalf("asset: %v", err)
	}
	if asset.Admin != adminAddr {
		t.Fatal("asset with zero admin must inherit the genesis admin")
	}
	balance, err := node.TokenBalance("AFRI", sellerAddr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 1000 {
		t.Fatalf("seeded balance = %s, want 1000", balance)
	}

	// Reopening over the same database must ignore a different genesis.
	other := testGenesis(900, 5)
	other.Admin = nodeAddr(0x99)
	reopened, err := NewNode(db, NodeConfig{Genesis: other, Logger: logger})
	if err != nil {
		t.Fatalf("reopen node: %v", err)
	}
	gov, err = reopened.GetGovernance()
	if err != nil {
		t.Fatalf("governance after reopen: %v", err)
	}
	if gov.Admin != adminAddr || gov.FeeRateBps != 50 {
		t.Fatalf("genesis must not reapply on an initialized database: %+v", gov)
	}
}

func TestNodeGenesisRejectsInvalidFee(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewNode(db, NodeConfig{Genesis: testGenesis(escrow.MaxFeeRateBps+1, 0), Logger: logger})
	if !errors.Is(err, escrow.ErrInvalidFeeRate) {
		t.Fatalf("expected ErrInvalidFeeRate, got %v", err)
	}
	// A failed genesis leaves nothing behind.
	node, err := NewNode(db, NodeConfig{Genesis: testGenesis(50, 0), Logger: logger})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if gov, err := node.GetGovernance(); err != nil || gov.FeeRateBps != 50 {
		t.Fatalf("retry governance: %+v err=%v", gov, err)
	}
}

func TestNodeOrderLifecycle(t *testing.T) {
	node := newTestNode(t, NodeConfig{Genesis: testGenesis(50, 1000)})

	order := createNodeOrder(t, node)
	if order.ID != 1 {
		t.Fatalf("first order id = %d, want 1", order.ID)
	}
	if err := node.AcceptOrder(order.ID, buyerAddr); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := node.ConfirmPaymentSent(order.ID, buyerAddr); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := node.ReleaseOrder(order.ID, sellerAddr); err != nil {
		t.Fatalf("release: %v", err)
	}

	final, err := node.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if final.Status != escrow.StatusCompleted {
		t.Fatalf("final status = %v, want completed", final.Status)
	}
	buyerBal, _ := node.TokenBalance("AFRI", buyerAddr)
	treasuryBal, _ := node.TokenBalance("AFRI", treasuryAddr)
	sellerBal, _ := node.TokenBalance("AFRI", sellerAddr)
	if buyerBal.Int64() != 995 || treasuryBal.Int64() != 5 || sellerBal.Int64() != 0 {
		t.Fatalf("settlement balances: buyer=%s treasury=%s seller=%s", buyerBal, treasuryBal, sellerBal)
	}
	custody, _ := node.OrderCustody(order.ID)
	if custody.Sign() != 0 {
		t.Fatalf("custody after settlement = %s, want 0", custody)
	}

	stored := node.FetchEvents(0, 0)
	wantTypes := []string{
		escrow.EventTypeOrderCreated,
		escrow.EventTypeOrderAccepted,
		escrow.EventTypeOrderPaymentSent,
		escrow.EventTypeOrderReleased,
	}
	if len(stored) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(stored))
	}
	for i, want := range wantTypes {
		if stored[i].Type != want {
			t.Fatalf("event[%d].Type = %q, want %q", i, stored[i].Type, want)
		}
		if stored[i].Sequence != int64(i+1) {
			t.Fatalf("event[%d].Sequence = %d, want %d", i, stored[i].Sequence, i+1)
		}
	}
	if node.LatestSequence() != int64(len(wantTypes)) {
		t.Fatalf("latest sequence = %d", node.LatestSequence())
	}
}

func TestNodeFailedCallPublishesNothing(t *testing.T) {
	// Seller has no funds, so accepting must fail after the order exists.
	node := newTestNode(t, NodeConfig{Genesis: testGenesis(50, 0)})

	order := createNodeOrder(t, node)
	if err := node.AcceptOrder(order.ID, buyerAddr); !errors.Is(err, escrow.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	reloaded, err := node.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if reloaded.Status != escrow.StatusOpen || reloaded.HasBuyer() {
		t.Fatalf("failed accept must leave the order open: %+v", reloaded)
	}
	custody, _ := node.OrderCustody(order.ID)
	if custody.Sign() != 0 {
		t.Fatalf("custody after failed accept = %s, want 0", custody)
	}

	stored := node.FetchEvents(0, 0)
	if len(stored) != 1 || stored[0].Type != escrow.EventTypeOrderCreated {
		t.Fatalf("rolled-back call must not publish events: %+v", stored)
	}
}

func TestNodeListingQuota(t *testing.T) {
	node := newTestNode(t, NodeConfig{
		Genesis: testGenesis(50, 10_000),
		Quota:   common.Quota{MaxOrdersPerEpoch: 2, EpochSeconds: 60},
	})

	createNodeOrder(t, node)
	createNodeOrder(t, node)
	_, err := node.CreateOrder(sellerAddr, "AFRI", big.NewInt(1000), "NGN", big.NewInt(1_500_000), big.NewInt(1500), nodeTestNow+3600, "bank_transfer")
	if !errors.Is(err, common.ErrQuotaOrdersExceeded) {
		t.Fatalf("expected ErrQuotaOrdersExceeded, got %v", err)
	}
	if count, _ := node.OrderCount(); count != 2 {
		t.Fatalf("denied listing must not advance the order counter, got %d", count)
	}

	// A new epoch resets the counters.
	node.SetNowFunc(func() uint64 { return nodeTestNow + 60 })
	if _, err := node.CreateOrder(sellerAddr, "AFRI", big.NewInt(1000), "NGN", big.NewInt(1_500_000), big.NewInt(1500), nodeTestNow+3600, "bank_transfer"); err != nil {
		t.Fatalf("create in next epoch: %v", err)
	}
}

func TestNodeListingQuotaAmountCap(t *testing.T) {
	node := newTestNode(t, NodeConfig{
		Genesis: testGenesis(50, 10_000),
		Quota:   common.Quota{MaxAmountPerEpoch: 1500, EpochSeconds: 60},
	})

	createNodeOrder(t, node)
	_, err := node.CreateOrder(sellerAddr, "AFRI", big.NewInt(600), "NGN", big.NewInt(900_000), big.NewInt(1500), nodeTestNow+3600, "bank_transfer")
	if !errors.Is(err, common.ErrQuotaAmountExceeded) {
		t.Fatalf("expected ErrQuotaAmountExceeded, got %v", err)
	}
	if _, err := node.CreateOrder(sellerAddr, "AFRI", big.NewInt(500), "NGN", big.NewInt(750_000), big.NewInt(1500), nodeTestNow+3600, "bank_transfer"); err != nil {
		t.Fatalf("listing within the cap: %v", err)
	}
}

func TestNodeQuotaRolledBackOnEngineFailure(t *testing.T) {
	node := newTestNode(t, NodeConfig{
		Genesis: testGenesis(50, 10_000),
		Quota:   common.Quota{MaxOrdersPerEpoch: 1, EpochSeconds: 60},
	})

	// Expiry in the past fails the engine after the quota charge staged.
	_, err := node.CreateOrder(sellerAddr, "AFRI", big.NewInt(1000), "NGN", big.NewInt(1_500_000), big.NewInt(1500), nodeTestNow-1, "bank_transfer")
	if err == nil {
		t.Fatal("expected expiry validation error")
	}
	// The failed call must not have consumed the single listing slot.
	if _, err := node.CreateOrder(sellerAddr, "AFRI", big.NewInt(1000), "NGN", big.NewInt(1_500_000), big.NewInt(1500), nodeTestNow+3600, "bank_transfer"); err != nil {
		t.Fatalf("quota slot must survive a failed listing: %v", err)
	}
}

func TestNodeGetOrderFinalizesExpired(t *testing.T) {
	node := newTestNode(t, NodeConfig{Genesis: testGenesis(50, 1000)})

	order, err := node.CreateOrder(sellerAddr, "AFRI", big.NewInt(1000), "NGN", big.NewInt(1_500_000), big.NewInt(1500), nodeTestNow+10, "bank_transfer")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	node.SetNowFunc(func() uint64 { return nodeTestNow + 11 })

	read, err := node.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if read.Status != escrow.StatusCancelled {
		t.Fatalf("expired open order must finalize to cancelled, got %v", read.Status)
	}

	stored := node.FetchEvents(0, 0)
	last := stored[len(stored)-1]
	if last.Type != escrow.EventTypeOrderCancelled || last.Attributes["reason"] != "expired" {
		t.Fatalf("unexpected finalization event: %+v", last)
	}

	// Subsequent reads return the persisted state without emitting again.
	before := node.LatestSequence()
	if _, err := node.GetOrder(order.ID); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if node.LatestSequence() != before {
		t.Fatal("second read must not publish another event")
	}
}

func TestNodeGovernanceOps(t *testing.T) {
	node := newTestNode(t, NodeConfig{Genesis: testGenesis(50, 1000)})

	if err := node.Pause(adminAddr); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused, _ := node.IsPaused(); !paused {
		t.Fatal("expected paused")
	}
	_, err := node.CreateOrder(sellerAddr, "AFRI", big.NewInt(1000), "NGN", big.NewInt(1_500_000), big.NewInt(1500), nodeTestNow+3600, "bank_transfer")
	if !errors.Is(err, escrow.ErrContractPaused) {
		t.Fatalf("expected ErrContractPaused, got %v", err)
	}
	if err := node.Unpause(adminAddr); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	createNodeOrder(t, node)

	if err := node.SetFeeRate(sellerAddr, 10); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("non-admin fee change: expected ErrUnauthorized, got %v", err)
	}
	if err := node.SetFeeRate(adminAddr, 10); err != nil {
		t.Fatalf("fee change: %v", err)
	}
	gov, _ := node.GetGovernance()
	if gov.FeeRateBps != 10 {
		t.Fatalf("fee rate = %d, want 10", gov.FeeRateBps)
	}

	newAdmin := nodeAddr(0x0D)
	if err := node.SetAdmin(adminAddr, newAdmin); err != nil {
		t.Fatalf("set admin: %v", err)
	}
	if err := node.SetFeeRate(adminAddr, 20); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("old admin must lose control, got %v", err)
	}
	if err := node.SetFeeRate(newAdmin, 20); err != nil {
		t.Fatalf("new admin fee change: %v", err)
	}
}

func TestNodeDisputePath(t *testing.T) {
	node := newTestNode(t, NodeConfig{Genesis: testGenesis(50, 1000)})

	order := createNodeOrder(t, node)
	if err := node.AcceptOrder(order.ID, buyerAddr); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := node.RaiseDispute(order.ID, buyerAddr); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := node.ResolveDispute(order.ID, adminAddr, "favor_seller"); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("admin resolving: expected ErrUnauthorized, got %v", err)
	}
	if err := node.ResolveDispute(order.ID, resolverAddr, "favor_seller"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	final, _ := node.GetOrder(order.ID)
	if final.Status != escrow.StatusCancelled {
		t.Fatalf("favor_seller must cancel the order, got %v", final.Status)
	}
	sellerBal, _ := node.TokenBalance("AFRI", sellerAddr)
	if sellerBal.Int64() != 1000 {
		t.Fatalf("seller refund = %s, want 1000", sellerBal)
	}
}

func TestNodeTokenOps(t *testing.T) {
	node := newTestNode(t, NodeConfig{Genesis: testGenesis(50, 0)})

	asset, err := node.TokenRegister("usdx", "Dollar Stable", 2, adminAddr)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if asset.Symbol != "USDX" {
		t.Fatalf("symbol = %q", asset.Symbol)
	}
	symbols, _ := node.TokenAssets()
	if len(symbols) != 2 || symbols[0] != "AFRI" || symbols[1] != "USDX" {
		t.Fatalf("unexpected asset listing: %v", symbols)
	}

	if err := node.TokenMint("USDX", adminAddr, sellerAddr, big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := node.TokenMint("USDX", sellerAddr, sellerAddr, big.NewInt(1)); !errors.Is(err, token.ErrUnauthorized) {
		t.Fatalf("non-admin mint: expected ErrUnauthorized, got %v", err)
	}
	if err := node.TokenTransfer("USDX", sellerAddr, buyerAddr, big.NewInt(200)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := node.TokenBurn("USDX", adminAddr, buyerAddr, big.NewInt(50)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	sellerBal, _ := node.TokenBalance("USDX", sellerAddr)
	buyerBal, _ := node.TokenBalance("USDX", buyerAddr)
	if sellerBal.Int64() != 300 || buyerBal.Int64() != 150 {
		t.Fatalf("balances: seller=%s buyer=%s", sellerBal, buyerBal)
	}

	stored := node.FetchEvents(0, 0)
	var kinds []string
	for _, evt := range stored {
		kinds = append(kinds, evt.Type)
	}
	want := []string{token.EventTypeMinted, token.EventTypeTransferred, token.EventTypeBurned}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected event kinds: %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestNodeSubscription(t *testing.T) {
	node := newTestNode(t, NodeConfig{Genesis: testGenesis(50, 1000)})

	ch, cancel, backlog := node.SubscribeEvents(0, 8)
	defer cancel()
	if len(backlog) != 0 {
		t.Fatalf("fresh node backlog must be empty, got %d", len(backlog))
	}

	createNodeOrder(t, node)
	select {
	case evt := <-ch:
		if evt.Type != escrow.EventTypeOrderCreated {
			t.Fatalf("unexpected live event: %+v", evt)
		}
	default:
		t.Fatal("expected a live event after the commit")
	}
}

func TestNodePersistenceAcrossRestart(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	node, err := NewNode(db, NodeConfig{Genesis: testGenesis(50, 1000), Logger: logger})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.SetNowFunc(func() uint64 { return nodeTestNow })
	order := createNodeOrder(t, node)
	if err := node.AcceptOrder(order.ID, buyerAddr); err != nil {
		t.Fatalf("accept: %v", err)
	}

	reopened, err := NewNode(db, NodeConfig{Logger: logger})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reopened.SetNowFunc(func() uint64 { return nodeTestNow })
	reloaded, err := reopened.GetOrder(order.ID)
	if err != nil {
		t.Fatalf("get order after reopen: %v", err)
	}
	if reloaded.Status != escrow.StatusLocked || reloaded.Buyer != buyerAddr {
		t.Fatalf("order must survive restart: %+v", reloaded)
	}
	custody, _ := reopened.OrderCustody(order.ID)
	if custody.Int64() != 1000 {
		t.Fatalf("custody after restart = %s, want 1000", custody)
	}
	ids, _ := reopened.UserOrders(buyerAddr)
	if len(ids) != 1 || ids[0] != order.ID {
		t.Fatalf("user index after restart: %v", ids)
	}
}
