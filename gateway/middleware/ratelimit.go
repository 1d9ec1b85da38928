package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const visitorIdleTTL = 10 * time.Minute

// RateLimit bounds request throughput for one route class.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies per-client token buckets keyed by route class.
// Clients are identified by API key when present, falling back to the
// forwarded or remote address.
type RateLimiter struct {
	logger   *slog.Logger
	limits   map[string]RateLimit
	clockNow func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter builds a limiter from per-route-class limits. Route
// classes absent from the map pass through unlimited.
func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		clockNow: time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Middleware returns a handler wrapper enforcing the named route class limit.
func (r *RateLimiter) Middleware(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[class]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			client := clientID(req)
			if !r.allow(class+"|"+client, limit) {
				r.logger.Debug("request rate limited", "class", class, "client", client)
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) allow(key string, cfg RateLimit) bool {
	now := r.clockNow()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, v := range r.visitors {
		if now.Sub(v.lastSeen) > visitorIdleTTL {
			delete(r.visitors, id)
		}
	}
	v, ok := r.visitors[key]
	if !ok {
		perSecond := cfg.RequestsPerMinute / 60.0
		if perSecond <= 0 {
			perSecond = 1
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
		r.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.Allow()
}

func clientID(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-Api-Key")); key != "" {
		return key
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if comma := strings.IndexByte(forwarded, ','); comma >= 0 {
			first = forwarded[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
