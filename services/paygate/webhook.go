package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const maxWebhookAttempts = 5

// WebhookWorker expands queued events against the subscription registry and
// delivers them to partner endpoints with signed payloads.
type WebhookWorker struct {
	store  *SQLiteStore
	queue  *WebhookQueue
	client *http.Client
	logger *slog.Logger
	nowFn  func() time.Time

	rateMu sync.Mutex
	rate   map[int64]rateWindow
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

func NewWebhookWorker(store *SQLiteStore, queue *WebhookQueue, logger *slog.Logger) *WebhookWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookWorker{
		store:  store,
		queue:  queue,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		nowFn:  time.Now,
		rate:   make(map[int64]rateWindow),
	}
}

// Run processes webhook tasks until the context is cancelled.
func (w *WebhookWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expandTask(ctx, task)
			continue
		}
		w.handleDelivery(ctx, task)
	}
}

func (w *WebhookWorker) expandTask(ctx context.Context, task WebhookTask) {
	subs, err := w.store.ListWebhooksForEvent(ctx, task.Event.Type)
	if err != nil {
		w.logger.Error("list webhook subscriptions", "event_type", task.Event.Type, "error", err)
		return
	}
	for i := range subs {
		sub := subs[i]
		if !sub.Active {
			continue
		}
		w.queue.EnqueueTask(WebhookTask{
			Event:        task.Event,
			Subscription: &sub,
		})
	}
}

func (w *WebhookWorker) handleDelivery(ctx context.Context, task WebhookTask) {
	sub := task.Subscription
	if sub == nil || !sub.Active {
		return
	}
	now := w.nowFn()
	if !w.allow(sub.ID, sub.RateLimit, now) {
		task.NotBefore = w.rateReset(sub.ID)
		w.queue.EnqueueTask(task)
		return
	}
	body := map[string]interface{}{
		"id":         task.Event.ID,
		"type":       task.Event.Type,
		"sequence":   task.Event.Sequence,
		"orderId":    task.Event.OrderID,
		"attributes": task.Event.Attributes,
		"timestamp":  task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, time.Time{})
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, time.Time{})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Aframp-Signature", signWebhookPayload(sub.Secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(ctx, task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(ctx, task, resp.Status)
		return
	}
	w.recordAttempt(ctx, task, "success", "", now, time.Time{})
}

func (w *WebhookWorker) retryLater(ctx context.Context, task WebhookTask, errMsg string) {
	now := w.nowFn()
	attemptNum := task.Attempt + 1
	next := now.Add(w.backoffDuration(attemptNum))
	w.recordAttempt(ctx, task, "failed", errMsg, now, next)
	if attemptNum >= maxWebhookAttempts {
		w.logger.Warn("webhook delivery abandoned",
			"webhook_id", task.Subscription.ID,
			"event_id", task.Event.ID,
			"attempts", attemptNum,
			"error", errMsg)
		return
	}
	task.Attempt++
	task.NotBefore = next
	w.queue.EnqueueTask(task)
}

func (w *WebhookWorker) backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (w *WebhookWorker) recordAttempt(ctx context.Context, task WebhookTask, status, errMsg string, now, next time.Time) {
	attempt := WebhookAttempt{
		WebhookID:     task.Subscription.ID,
		EventSequence: task.Event.Sequence,
		Attempt:       task.Attempt + 1,
		Status:        status,
		Error:         errMsg,
		NextAttempt:   next,
		CreatedAt:     now,
	}
	if err := w.store.InsertWebhookAttempt(ctx, attempt); err != nil {
		w.logger.Error("record webhook attempt", "webhook_id", task.Subscription.ID, "error", err)
	}
}

func (w *WebhookWorker) allow(id int64, limit int, now time.Time) bool {
	if limit <= 0 {
		limit = 60
	}
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if now.Sub(state.windowStart) >= time.Minute {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= limit {
		w.rate[id] = state
		return false
	}
	state.count++
	w.rate[id] = state
	return true
}

func (w *WebhookWorker) rateReset(id int64) time.Time {
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if state.windowStart.IsZero() {
		state.windowStart = w.nowFn()
	}
	reset := state.windowStart.Add(time.Minute)
	w.rate[id] = state
	return reset
}

func signWebhookPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
