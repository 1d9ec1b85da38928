package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record RPC
// module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aframp",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Count of RPC requests segmented by module and method.",
			}, []string{"module", "method"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aframp",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Count of RPC errors segmented by module, method and code.",
			}, []string{"module", "method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "aframp",
				Subsystem: "rpc",
				Name:      "latency_seconds",
				Help:      "RPC handler latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aframp",
				Subsystem: "rpc",
				Name:      "throttled_total",
				Help:      "Count of requests rejected by the rate limiter.",
			}, []string{"module"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

func splitMethod(method string) (string, string) {
	module, _, found := strings.Cut(method, "_")
	if !found || module == "" {
		return "unknown", method
	}
	return module, method
}

// ObserveRequest records one handled request and its latency.
func (m *moduleMetrics) ObserveRequest(method string, duration time.Duration) {
	if m == nil {
		return
	}
	module, name := splitMethod(method)
	m.requests.WithLabelValues(module, name).Inc()
	m.latency.WithLabelValues(module, name).Observe(duration.Seconds())
}

// ObserveError records a request that finished with a JSON-RPC error code.
func (m *moduleMetrics) ObserveError(method string, code int) {
	if m == nil {
		return
	}
	module, name := splitMethod(method)
	m.errors.WithLabelValues(module, name, strconv.Itoa(code)).Inc()
}

// ObserveThrottle records a request rejected before dispatch.
func (m *moduleMetrics) ObserveThrottle(module string) {
	if m == nil {
		return
	}
	if strings.TrimSpace(module) == "" {
		module = "unknown"
	}
	m.throttles.WithLabelValues(module).Inc()
}
