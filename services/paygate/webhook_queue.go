package main

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// WebhookEvent is one node event prepared for partner delivery. ID names the
// delivery itself so partners can deduplicate retries.
type WebhookEvent struct {
	ID         string
	Sequence   int64
	Type       string
	OrderID    uint64
	Attributes map[string]string
	CreatedAt  time.Time
}

// WebhookTask pairs an event with a target subscription. A nil Subscription
// means the task still needs expanding against the registry.
type WebhookTask struct {
	Event        WebhookEvent
	Subscription *WebhookSubscription
	Attempt      int
	NotBefore    time.Time
}

type pendingDelivery struct {
	task       WebhookTask
	enqueuedAt time.Time
}

type seenEvent struct {
	event      WebhookEvent
	enqueuedAt time.Time
}

const (
	defaultTaskCapacity    = 1024
	defaultHistoryCapacity = 256
	defaultQueueTTL        = 15 * time.Minute
)

// WebhookQueueOption adjusts the behaviour of the queue.
type WebhookQueueOption func(*webhookQueueConfig)

type webhookQueueConfig struct {
	taskCapacity    int
	historyCapacity int
	ttl             time.Duration
	now             func() time.Time
}

// WithWebhookTaskCapacity sets the maximum number of pending webhook tasks.
func WithWebhookTaskCapacity(capacity int) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if capacity > 0 {
			cfg.taskCapacity = capacity
		}
	}
}

// WithWebhookHistoryCapacity sets the number of events retained for inspection.
func WithWebhookHistoryCapacity(capacity int) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if capacity > 0 {
			cfg.historyCapacity = capacity
		}
	}
}

// WithWebhookTTL configures how long queued items remain eligible for delivery.
func WithWebhookTTL(ttl time.Duration) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withWebhookClock overrides the clock used for TTL evaluation (test only).
func withWebhookClock(now func() time.Time) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WebhookQueue buffers webhook tasks between the watcher and the delivery
// worker. The queue is bounded; overflow drops the oldest task and the drop is
// counted rather than blocking the watcher.
type WebhookQueue struct {
	mu      sync.Mutex
	tasks   queueRing[pendingDelivery]
	history queueRing[seenEvent]
	ttl     time.Duration
	now     func() time.Time
	metrics *webhookQueueMetrics
}

// NewWebhookQueue constructs a bounded queue with optional customisation.
func NewWebhookQueue(opts ...WebhookQueueOption) *WebhookQueue {
	cfg := webhookQueueConfig{
		taskCapacity:    defaultTaskCapacity,
		historyCapacity: defaultHistoryCapacity,
		ttl:             defaultQueueTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &WebhookQueue{
		tasks:   newQueueRing[pendingDelivery](cfg.taskCapacity),
		history: newQueueRing[seenEvent](cfg.historyCapacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		metrics: queueMetrics(),
	}
}

// Enqueue adds an event for fan-out to every matching subscription.
func (q *WebhookQueue) Enqueue(evt WebhookEvent) {
	q.EnqueueTask(WebhookTask{Event: evt})
}

// EnqueueTask adds a task, retrying deliveries included.
func (q *WebhookQueue) EnqueueTask(task WebhookTask) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if task.Subscription == nil {
		if q.history.capacity() == 0 {
			q.metrics.recordDropped("history_overflow", 1)
		} else if _, overflow := q.history.push(seenEvent{event: task.Event, enqueuedAt: now}); overflow {
			q.metrics.recordDropped("history_overflow", 1)
		}
	}
	if q.tasks.capacity() == 0 {
		q.metrics.recordDropped("overflow", 1)
		return
	}
	if _, overflow := q.tasks.push(pendingDelivery{task: task, enqueuedAt: now}); overflow {
		q.metrics.recordDropped("overflow", 1)
	}
}

// Events returns a snapshot of recently enqueued events, oldest first.
func (q *WebhookQueue) Events() []WebhookEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	snapshot := make([]WebhookEvent, 0, q.history.len())
	q.history.forEach(func(entry seenEvent) {
		snapshot = append(snapshot, entry.event)
	})
	return snapshot
}

// Dequeue waits for the next webhook task. Returns false if the context is cancelled.
func (q *WebhookQueue) Dequeue(ctx context.Context) (WebhookTask, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.tasks.pop()
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return WebhookTask{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}

		if delay := time.Until(queued.task.NotBefore); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return WebhookTask{}, false
			case <-timer.C:
			}
		}

		if q.ttl > 0 {
			if age := q.now().Sub(queued.enqueuedAt); age > q.ttl {
				q.metrics.recordDropped("ttl", 1)
				continue
			}
		}

		return queued.task, true
	}
}

func (q *WebhookQueue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok || now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	if expired > 0 {
		q.metrics.recordDropped("ttl", expired)
	}

	historyExpired := 0
	for {
		entry, ok := q.history.peek()
		if !ok || now.Sub(entry.enqueuedAt) <= q.ttl {
			break
		}
		q.history.pop()
		historyExpired++
	}
	if historyExpired > 0 {
		q.metrics.recordDropped("history_ttl", historyExpired)
	}
}

// queueRing is a fixed-size ring buffer that overwrites the oldest element on
// overflow. push reports the displaced element and whether one was displaced.
type queueRing[T any] struct {
	buf  []T
	head int
	size int
}

func newQueueRing[T any](capacity int) queueRing[T] {
	if capacity <= 0 {
		return queueRing[T]{}
	}
	return queueRing[T]{buf: make([]T, capacity)}
}

func (r *queueRing[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	var zero T
	return zero, false
}

func (r *queueRing[T]) pop() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	v := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *queueRing[T]) peek() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *queueRing[T]) len() int {
	return r.size
}

func (r *queueRing[T]) capacity() int {
	return len(r.buf)
}

func (r *queueRing[T]) forEach(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}

var (
	metricsOnce        sync.Once
	sharedQueueMetrics *webhookQueueMetrics
)

type webhookQueueMetrics struct {
	dropped metric.Int64Counter
}

func queueMetrics() *webhookQueueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("aframp/paygate")
		counter, err := meter.Int64Counter("aframp.paygate.webhooks.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("aframp/paygate")
			counter, _ = fallback.Int64Counter("aframp.paygate.webhooks.dropped")
		}
		sharedQueueMetrics = &webhookQueueMetrics{dropped: counter}
	})
	return sharedQueueMetrics
}

func (m *webhookQueueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
