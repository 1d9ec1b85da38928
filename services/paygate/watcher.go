package main

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventWatcher tails the node's event log, keeps the local order mirror fresh
// and hands every event to the webhook queue. The persisted cursor makes
// restarts resume where the previous run stopped.
type EventWatcher struct {
	node         NodeClient
	store        *SQLiteStore
	queue        *WebhookQueue
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	nowFn        func() time.Time
}

// NewEventWatcher constructs a watcher with sane defaults.
func NewEventWatcher(node NodeClient, store *SQLiteStore, queue *WebhookQueue, logger *slog.Logger) *EventWatcher {
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventWatcher{
		node:         node,
		store:        store,
		queue:        queue,
		logger:       logger,
		pollInterval: 5 * time.Second,
		batchSize:    100,
		nowFn:        time.Now,
	}
}

// Run starts the polling loop until the context is cancelled.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.node == nil || w.store == nil || w.queue == nil {
		return
	}
	interval := w.pollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	after, err := w.store.LastEventSequence(ctx)
	if err != nil {
		w.logger.Error("load event cursor", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			after = w.poll(ctx, after)
		}
	}
}

func (w *EventWatcher) poll(ctx context.Context, after int64) int64 {
	batch := w.batchSize
	if batch <= 0 {
		batch = 100
	}
	events, _, err := w.node.FetchEvents(ctx, after, batch)
	if err != nil {
		w.logger.Warn("fetch node events", "after", after, "error", err)
		return after
	}
	if len(events) == 0 {
		return after
	}
	lastSeq := after
	for _, evt := range events {
		if evt.Sequence <= lastSeq {
			continue
		}
		w.handleEvent(ctx, evt)
		lastSeq = evt.Sequence
	}
	if err := w.store.UpdateEventSequence(ctx, lastSeq); err != nil {
		w.logger.Error("persist event cursor", "sequence", lastSeq, "error", err)
	}
	return lastSeq
}

func (w *EventWatcher) handleEvent(ctx context.Context, evt NodeEvent) {
	observedAt := w.nowFn().UTC()
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	orderID := orderIDFromAttributes(attrs)

	record := EventRecord{
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		OrderID:    orderID,
		Attributes: attrs,
		ObservedAt: observedAt,
	}
	if err := w.store.InsertEvent(ctx, record); err != nil {
		w.logger.Error("persist node event", "sequence", evt.Sequence, "error", err)
	}

	if orderID > 0 && strings.HasPrefix(evt.Type, "orders.") {
		w.refreshOrder(ctx, orderID, observedAt)
	}

	w.queue.Enqueue(WebhookEvent{
		ID:         uuid.NewString(),
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		OrderID:    orderID,
		Attributes: attrs,
		CreatedAt:  observedAt,
	})
}

// refreshOrder pulls the authoritative order from the node and rewrites the
// mirror row. The mirror tolerates a stale read here; the next event for the
// order repairs it.
func (w *EventWatcher) refreshOrder(ctx context.Context, id uint64, syncedAt time.Time) {
	order, err := w.node.OrderGet(ctx, id)
	if err != nil {
		w.logger.Warn("refresh mirrored order", "order_id", id, "error", err)
		return
	}
	mirrored := MirroredOrder{
		ID:            order.ID,
		Seller:        order.Seller,
		Asset:         order.Asset,
		Amount:        order.Amount,
		FiatCurrency:  order.FiatCurrency,
		FiatAmount:    order.FiatAmount,
		Rate:          order.Rate,
		Status:        order.Status,
		PaymentMethod: order.PaymentMethod,
		CreatedAt:     order.CreatedAt,
		ExpiresAt:     order.ExpiresAt,
		SyncedAt:      syncedAt,
	}
	if order.Buyer != nil {
		mirrored.Buyer = *order.Buyer
	}
	if err := w.store.UpsertOrder(ctx, mirrored); err != nil {
		w.logger.Error("upsert mirrored order", "order_id", id, "error", err)
	}
}

func orderIDFromAttributes(attrs map[string]string) uint64 {
	raw := strings.TrimSpace(attrs["orderId"])
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
