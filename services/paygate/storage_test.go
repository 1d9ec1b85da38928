package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "paygate.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestIdempotencyRoundtrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	cached, err := store.LookupIdempotency(ctx, "key-a", "idem-1", "hash-1")
	if err != nil {
		t.Fatalf("lookup miss: %v", err)
	}
	if cached != nil {
		t.Fatalf("expected miss, got %+v", cached)
	}

	if err := store.SaveIdempotency(ctx, "key-a", "idem-1", "hash-1", 201, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	cached, err = store.LookupIdempotency(ctx, "key-a", "idem-1", "hash-1")
	if err != nil {
		t.Fatalf("lookup hit: %v", err)
	}
	if cached == nil || cached.Status != 201 || string(cached.Body) != `{"ok":true}` {
		t.Fatalf("unexpected cached response: %+v", cached)
	}

	if _, err := store.LookupIdempotency(ctx, "key-a", "idem-1", "hash-2"); !errors.Is(err, ErrIdempotencyMismatch) {
		t.Fatalf("expected mismatch error, got %v", err)
	}
	// Another tenant reusing the same literal key is a separate entry.
	cached, err = store.LookupIdempotency(ctx, "key-b", "idem-1", "hash-2")
	if err != nil || cached != nil {
		t.Fatalf("expected clean miss for other api key, got %+v, %v", cached, err)
	}
}

func TestOrderMirrorUpsert(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	order := MirroredOrder{
		ID:            3,
		Seller:        "afr1seller",
		Asset:         "cNGN",
		Amount:        "2500000000000000000",
		FiatCurrency:  "NGN",
		FiatAmount:    "1250000",
		Rate:          "500000",
		Status:        "open",
		PaymentMethod: "bank_transfer",
		CreatedAt:     1700000000,
		ExpiresAt:     1700003600,
		SyncedAt:      time.Now().UTC(),
	}
	if err := store.UpsertOrder(ctx, order); err != nil {
		t.Fatalf("insert: %v", err)
	}

	order.Buyer = "afr1buyer"
	order.Status = "locked"
	order.SyncedAt = time.Now().UTC()
	if err := store.UpsertOrder(ctx, order); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetOrder(ctx, 3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "locked" || got.Buyer != "afr1buyer" {
		t.Fatalf("upsert did not stick: %+v", got)
	}
	if got.Amount != "2500000000000000000" || got.FiatAmount != "1250000" {
		t.Fatalf("amounts must survive as strings: %+v", got)
	}

	if _, err := store.GetOrder(ctx, 99); err == nil {
		t.Fatal("expected error for unmirrored order")
	}
}

func TestPaymentIntentLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := PaymentIntent{
		Reference:        "ref-1",
		OrderID:          5,
		APIKey:           "key-a",
		Email:            "buyer@example.com",
		FiatCurrency:     "NGN",
		Amount:           "1250000",
		Principal:        "afr1buyer",
		Nonce:            11,
		Signature:        "0xsig",
		Status:           IntentStatusPending,
		AuthorizationURL: "https://checkout.paystack.com/abc",
		AccessCode:       "code-1",
		Provider:         "paystack",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.InsertPaymentIntent(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := store.GetPaymentIntent(ctx, "ref-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Nonce != 11 || got.Signature != "0xsig" || got.AuthorizationURL != first.AuthorizationURL {
		t.Fatalf("unexpected intent: %+v", got)
	}

	active, err := store.ActiveIntentForOrder(ctx, 5)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active == nil || active.Reference != "ref-1" {
		t.Fatalf("expected ref-1 active, got %+v", active)
	}

	if err := store.UpdatePaymentIntentStatus(ctx, "ref-1", IntentStatusFailed, now.Add(time.Minute)); err != nil {
		t.Fatalf("update: %v", err)
	}
	active, err = store.ActiveIntentForOrder(ctx, 5)
	if err != nil {
		t.Fatalf("active after fail: %v", err)
	}
	if active != nil {
		t.Fatalf("failed intent must not count as active: %+v", active)
	}

	second := first
	second.Reference = "ref-2"
	second.CreatedAt = now.Add(2 * time.Minute)
	second.UpdatedAt = second.CreatedAt
	if err := store.InsertPaymentIntent(ctx, second); err != nil {
		t.Fatalf("insert second: %v", err)
	}
	if err := store.UpdatePaymentIntentStatus(ctx, "ref-2", IntentStatusSuccess, now.Add(3*time.Minute)); err != nil {
		t.Fatalf("update second: %v", err)
	}
	active, err = store.ActiveIntentForOrder(ctx, 5)
	if err != nil {
		t.Fatalf("active success: %v", err)
	}
	if active == nil || active.Reference != "ref-2" || active.Status != IntentStatusSuccess {
		t.Fatalf("expected ref-2 success active, got %+v", active)
	}

	if err := store.UpdatePaymentIntentStatus(ctx, "ref-2", IntentStatusConfirmed, now.Add(4*time.Minute)); err != nil {
		t.Fatalf("confirm second: %v", err)
	}
	active, err = store.ActiveIntentForOrder(ctx, 5)
	if err != nil {
		t.Fatalf("active confirmed: %v", err)
	}
	if active != nil {
		t.Fatalf("confirmed intent must not count as active: %+v", active)
	}

	if err := store.UpdatePaymentIntentStatus(ctx, "ref-missing", IntentStatusFailed, now); err == nil {
		t.Fatal("expected error updating unknown reference")
	}

	failed, err := store.ListPaymentIntents(ctx, IntentStatusFailed, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Reference != "ref-1" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}
	all, err := store.ListPaymentIntents(ctx, "", 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 intents, got %d", len(all))
	}
}

func TestWebhookRegistry(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := store.InsertWebhook(ctx, WebhookSubscription{
		EventType: "orders.released",
		URL:       "https://partner.example.com/hooks",
		Secret:    "whsec-1",
		RateLimit: 30,
		Active:    true,
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.InsertWebhook(ctx, WebhookSubscription{
		EventType: "orders.released",
		URL:       "https://retired.example.com/hooks",
		Secret:    "whsec-2",
		Active:    false,
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("insert inactive: %v", err)
	}

	subs, err := store.ListWebhooksForEvent(ctx, "orders.released")
	if err != nil {
		t.Fatalf("list for event: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != id || subs[0].RateLimit != 30 {
		t.Fatalf("expected only the active subscription, got %+v", subs)
	}

	all, err := store.ListWebhooks(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both subscriptions, got %+v", all)
	}
	// A zero stored rate limit falls back to the default on read.
	if all[1].RateLimit != 60 {
		t.Fatalf("expected default rate limit 60, got %d", all[1].RateLimit)
	}

	if err := store.DeactivateWebhook(ctx, id); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	subs, err = store.ListWebhooksForEvent(ctx, "orders.released")
	if err != nil {
		t.Fatalf("list after deactivate: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("deactivated subscription still listed: %+v", subs)
	}
	if err := store.DeactivateWebhook(ctx, 999); err == nil {
		t.Fatal("expected error deactivating unknown webhook")
	}
}

func TestEventLogAndCursor(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	last, err := store.LastEventSequence(ctx)
	if err != nil {
		t.Fatalf("initial cursor: %v", err)
	}
	if last != 0 {
		t.Fatalf("expected fresh cursor 0, got %d", last)
	}

	evt := EventRecord{
		Sequence:   4,
		Type:       "orders.created",
		OrderID:    2,
		Attributes: map[string]string{"orderId": "2", "seller": "afr1seller"},
		ObservedAt: time.Now().UTC(),
	}
	if err := store.InsertEvent(ctx, evt); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	// A replay of the same sequence overwrites instead of failing.
	if err := store.InsertEvent(ctx, evt); err != nil {
		t.Fatalf("replay event: %v", err)
	}
	// Events without an order keep a NULL order column.
	if err := store.InsertEvent(ctx, EventRecord{
		Sequence:   5,
		Type:       "token.minted",
		Attributes: map[string]string{"amount": "10"},
		ObservedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("insert orderless event: %v", err)
	}

	if err := store.UpdateEventSequence(ctx, 5); err != nil {
		t.Fatalf("update cursor: %v", err)
	}
	if err := store.UpdateEventSequence(ctx, 7); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}
	last, err = store.LastEventSequence(ctx)
	if err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if last != 7 {
		t.Fatalf("expected cursor 7, got %d", last)
	}
}

func TestSettlementRowsJoin(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	completed := MirroredOrder{
		ID: 8, Seller: "afr1seller", Buyer: "afr1buyer", Asset: "cNGN",
		Amount: "1000000000000000000", FiatCurrency: "NGN", FiatAmount: "500000",
		Rate: "500000", Status: "completed", PaymentMethod: "bank_transfer",
		CreatedAt: 1700000000, ExpiresAt: 1700003600, SyncedAt: now,
	}
	if err := store.UpsertOrder(ctx, completed); err != nil {
		t.Fatalf("seed completed order: %v", err)
	}
	open := completed
	open.ID = 9
	open.Status = "open"
	if err := store.UpsertOrder(ctx, open); err != nil {
		t.Fatalf("seed open order: %v", err)
	}
	if err := store.InsertEvent(ctx, EventRecord{
		Sequence: 20, Type: "orders.released", OrderID: 8,
		Attributes: map[string]string{"orderId": "8"}, ObservedAt: now,
	}); err != nil {
		t.Fatalf("seed released event: %v", err)
	}
	intent := PaymentIntent{
		Reference: "ref-8", OrderID: 8, APIKey: "key-a", Email: "buyer@example.com",
		FiatCurrency: "NGN", Amount: "500000", Principal: "afr1buyer", Nonce: 1,
		Signature: "0xsig", Status: IntentStatusConfirmed, Provider: "paystack",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := store.InsertPaymentIntent(ctx, intent); err != nil {
		t.Fatalf("seed intent: %v", err)
	}

	rows, err := store.SettlementRows(ctx, time.Unix(0, 0).UTC())
	if err != nil {
		t.Fatalf("settlement rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 settlement row, got %+v", rows)
	}
	row := rows[0]
	if row.OrderID != 8 || row.Reference != "ref-8" || row.Provider != "paystack" {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.FiatAmount != "500000" || row.Buyer != "afr1buyer" {
		t.Fatalf("unexpected row: %+v", row)
	}

	rows, err = store.SettlementRows(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("settlement rows future cutoff: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows past the cutoff, got %+v", rows)
	}
}
