package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
)

// mockNodeClient stubs the node RPC surface for watcher and server tests.
type mockNodeClient struct {
	mu            sync.Mutex
	order         *NodeOrder
	orderErr      error
	orderCalls    int
	confirmErr    error
	confirmCalls  int
	confirmedID   uint64
	confirmedWith ConfirmEnvelope
	events        []NodeEvent
	eventsErr     error
	fetchCalls    int
	fetchAfter    int64
}

func (m *mockNodeClient) OrderGet(ctx context.Context, id uint64) (*NodeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderCalls++
	if m.orderErr != nil {
		return nil, m.orderErr
	}
	if m.order == nil || m.order.ID != id {
		return nil, &NodeRPCError{Code: nodeCodeNotFound, Message: "not_found"}
	}
	cp := *m.order
	return &cp, nil
}

func (m *mockNodeClient) ConfirmPaymentSent(ctx context.Context, id uint64, env ConfirmEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmCalls++
	m.confirmedID = id
	m.confirmedWith = env
	return m.confirmErr
}

func (m *mockNodeClient) FetchEvents(ctx context.Context, afterSeq int64, limit int) ([]NodeEvent, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls++
	m.fetchAfter = afterSeq
	if m.eventsErr != nil {
		return nil, 0, m.eventsErr
	}
	out := make([]NodeEvent, len(m.events))
	copy(out, m.events)
	var latest int64
	if len(out) > 0 {
		latest = out[len(out)-1].Sequence
	}
	return out, latest, nil
}

func (m *mockNodeClient) setOrder(order *NodeOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = order
}

func (m *mockNodeClient) setConfirmErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmErr = err
}

func (m *mockNodeClient) snapshotConfirm() (int, uint64, ConfirmEnvelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmCalls, m.confirmedID, m.confirmedWith
}

func stubOrder(id uint64, status string, buyer string) *NodeOrder {
	order := &NodeOrder{
		ID:            id,
		Seller:        "afr1seller",
		Asset:         "cNGN",
		Amount:        "1000000000000000000",
		FiatCurrency:  "NGN",
		FiatAmount:    "500000",
		Rate:          "500000",
		Status:        status,
		PaymentMethod: "bank_transfer",
		CreatedAt:     1700000000,
		ExpiresAt:     1700003600,
	}
	if buyer != "" {
		order.Buyer = &buyer
	}
	return order
}

func TestWatcherPollPersistsEventsAndMirror(t *testing.T) {
	store := openStore(t)
	queue := NewWebhookQueue()
	node := &mockNodeClient{
		order: stubOrder(3, "locked", "afr1buyer"),
		events: []NodeEvent{
			{Sequence: 1, Type: "orders.created", Attributes: map[string]string{"orderId": "3", "seller": "afr1seller"}},
			{Sequence: 2, Type: "orders.accepted", Attributes: map[string]string{"orderId": "3", "buyer": "afr1buyer"}},
		},
	}
	watcher := NewEventWatcher(node, store, queue, slog.Default())

	next := watcher.poll(context.Background(), 0)
	if next != 2 {
		t.Fatalf("expected cursor 2, got %d", next)
	}
	last, err := store.LastEventSequence(context.Background())
	if err != nil || last != 2 {
		t.Fatalf("expected persisted cursor 2, got %d, %v", last, err)
	}

	order, err := store.GetOrder(context.Background(), 3)
	if err != nil {
		t.Fatalf("mirror missing: %v", err)
	}
	if order.Status != "locked" || order.Buyer != "afr1buyer" {
		t.Fatalf("mirror not refreshed from node: %+v", order)
	}

	var evtType string
	var orderID int64
	row := store.DB().QueryRow(`SELECT type, order_id FROM events WHERE sequence = 1`)
	if err := row.Scan(&evtType, &orderID); err != nil {
		t.Fatalf("event row missing: %v", err)
	}
	if evtType != "orders.created" || orderID != 3 {
		t.Fatalf("unexpected event row: %s, %d", evtType, orderID)
	}

	history := queue.Events()
	if len(history) != 2 {
		t.Fatalf("expected 2 queued events, got %+v", history)
	}
	if history[0].ID == "" || history[0].OrderID != 3 || history[1].Sequence != 2 {
		t.Fatalf("unexpected queued events: %+v", history)
	}
}

func TestWatcherSkipsAlreadySeenSequences(t *testing.T) {
	store := openStore(t)
	queue := NewWebhookQueue()
	node := &mockNodeClient{
		order: stubOrder(3, "locked", "afr1buyer"),
		events: []NodeEvent{
			{Sequence: 1, Type: "orders.created", Attributes: map[string]string{"orderId": "3"}},
			{Sequence: 2, Type: "orders.accepted", Attributes: map[string]string{"orderId": "3"}},
		},
	}
	watcher := NewEventWatcher(node, store, queue, slog.Default())

	next := watcher.poll(context.Background(), 2)
	if next != 2 {
		t.Fatalf("expected cursor to stay at 2, got %d", next)
	}
	node.mu.Lock()
	fetchAfter, orderCalls := node.fetchAfter, node.orderCalls
	node.mu.Unlock()
	if fetchAfter != 2 {
		t.Fatalf("expected fetch after 2, got %d", fetchAfter)
	}
	if orderCalls != 0 {
		t.Fatalf("stale events must not refresh the mirror, got %d calls", orderCalls)
	}
	if events := queue.Events(); len(events) != 0 {
		t.Fatalf("stale events must not be re-queued: %+v", events)
	}
}

func TestWatcherOrderlessEventSkipsMirror(t *testing.T) {
	store := openStore(t)
	queue := NewWebhookQueue()
	node := &mockNodeClient{
		events: []NodeEvent{
			{Sequence: 6, Type: "token.minted", Attributes: map[string]string{"amount": "10", "principal": "afr1mint"}},
		},
	}
	watcher := NewEventWatcher(node, store, queue, slog.Default())

	next := watcher.poll(context.Background(), 5)
	if next != 6 {
		t.Fatalf("expected cursor 6, got %d", next)
	}
	node.mu.Lock()
	orderCalls := node.orderCalls
	node.mu.Unlock()
	if orderCalls != 0 {
		t.Fatalf("token events must not touch the mirror, got %d calls", orderCalls)
	}
	history := queue.Events()
	if len(history) != 1 || history[0].OrderID != 0 || history[0].Type != "token.minted" {
		t.Fatalf("unexpected queued events: %+v", history)
	}
}

func TestWatcherMirrorFailureStillDelivers(t *testing.T) {
	store := openStore(t)
	queue := NewWebhookQueue()
	node := &mockNodeClient{
		orderErr: errors.New("node unreachable"),
		events: []NodeEvent{
			{Sequence: 9, Type: "orders.released", Attributes: map[string]string{"orderId": "4", "payout": "990"}},
		},
	}
	watcher := NewEventWatcher(node, store, queue, slog.Default())

	next := watcher.poll(context.Background(), 8)
	if next != 9 {
		t.Fatalf("expected cursor 9, got %d", next)
	}
	history := queue.Events()
	if len(history) != 1 || history[0].Type != "orders.released" {
		t.Fatalf("delivery must survive a mirror refresh failure: %+v", history)
	}
	last, err := store.LastEventSequence(context.Background())
	if err != nil || last != 9 {
		t.Fatalf("expected cursor 9 persisted, got %d, %v", last, err)
	}
}

func TestWatcherFetchErrorKeepsCursor(t *testing.T) {
	store := openStore(t)
	queue := NewWebhookQueue()
	node := &mockNodeClient{eventsErr: errors.New("rpc down")}
	watcher := NewEventWatcher(node, store, queue, slog.Default())

	next := watcher.poll(context.Background(), 5)
	if next != 5 {
		t.Fatalf("fetch failure must not advance the cursor, got %d", next)
	}
	if events := queue.Events(); len(events) != 0 {
		t.Fatalf("no events expected, got %+v", events)
	}
}
