package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	orderEvents *prometheus.CounterVec
	transfers   *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking committed settlement events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			orderEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aframp",
				Subsystem: "events",
				Name:      "orders_total",
				Help:      "Count of order lifecycle events segmented by type.",
			}, []string{"type"}),
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aframp",
				Subsystem: "events",
				Name:      "transfers_total",
				Help:      "Count of ledger transfers segmented by asset.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(eventRegistry.orderEvents, eventRegistry.transfers)
	})
	return eventRegistry
}

// RecordOrderEvent increments the lifecycle counter for the event type.
func (m *eventMetrics) RecordOrderEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.orderEvents.WithLabelValues(normalized).Inc()
}

// RecordTransfer increments the transfer counter for the supplied asset.
func (m *eventMetrics) RecordTransfer(asset string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.transfers.WithLabelValues(normalized).Inc()
}
