// Package auth verifies HMAC-signed partner requests for the Aframp
// off-chain services. Callers present an API key, a unix timestamp, a
// nonce and an HMAC-SHA256 signature over the request metadata; the
// authenticator checks the signature, bounds the timestamp skew and
// rejects replayed nonces within the replay window.
package auth

import (
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size hashed when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxTimestampSkew     = 2 * time.Minute
	defaultTimestampSkew = maxTimestampSkew
	maxReplayWindow      = 10 * time.Minute
	defaultReplayWindow  = maxReplayWindow
	defaultCacheCapacity = 4096
	maxCacheCapacity     = 65536
	prunePersistEvery    = time.Minute
)

// Principal identifies an authenticated API client.
type Principal struct {
	APIKey string
}

// NonceUsage captures a persisted nonce observation.
type NonceUsage struct {
	APIKey     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence stores nonce usage durably so replay protection
// survives a service restart.
type NoncePersistence interface {
	// Record stores the usage, reporting whether it was already present.
	Record(ctx context.Context, usage NonceUsage) (bool, error)
	// RecentUsage returns usages observed at or after the cutoff.
	RecentUsage(ctx context.Context, cutoff time.Time) ([]NonceUsage, error)
	// Prune removes usages observed before the cutoff.
	Prune(ctx context.Context, cutoff time.Time) error
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
type Authenticator struct {
	secrets       map[string]string
	timestampSkew time.Duration
	replayWindow  time.Duration
	cacheCapacity int
	nowFn         func() time.Time

	cacheMu sync.Mutex
	caches  map[string]*replayCache

	lastSeenMu sync.Mutex
	lastSeen   map[string]int64

	persistence NoncePersistence
	lastPruned  time.Time
}

// NewAuthenticator builds an Authenticator keyed by the provided secrets,
// mapping API key identifiers to their shared secrets. Skew, window and
// capacity are clamped to safe bounds; persistence may be nil.
func NewAuthenticator(secrets map[string]string, skew, window time.Duration, capacity int, nowFn func() time.Time, persistence NoncePersistence) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for key, secret := range secrets {
		cloned[strings.TrimSpace(key)] = strings.TrimSpace(secret)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if skew > maxTimestampSkew {
		skew = maxTimestampSkew
	}
	if window <= 0 {
		window = defaultReplayWindow
	}
	if window > maxReplayWindow {
		window = maxReplayWindow
	}
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	if capacity > maxCacheCapacity {
		capacity = maxCacheCapacity
	}
	return &Authenticator{
		secrets:       cloned,
		timestampSkew: skew,
		replayWindow:  window,
		cacheCapacity: capacity,
		nowFn:         nowFn,
		caches:        make(map[string]*replayCache),
		lastSeen:      make(map[string]int64),
		persistence:   persistence,
	}
}

// Authenticate validates headers and signature, returning the caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if tsHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixTimestamp(tsHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if a.timestampSkew > 0 && skew > a.timestampSkew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.timestampSkew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if provided == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := ComputeSignature(secret, tsHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	duplicate, err := a.registerNonce(r.Context(), apiKey, tsHeader, nonce, now)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, errors.New("nonce already used")
	}
	if a.isTimestampReplay(apiKey, ts, now) {
		return nil, errors.New("timestamp not increasing")
	}
	return &Principal{APIKey: apiKey}, nil
}

// Warm loads persisted nonce usage into the in-memory caches so a
// freshly started service keeps rejecting replays from before the restart.
func (a *Authenticator) Warm(ctx context.Context, cutoff time.Time) error {
	if a == nil || a.persistence == nil {
		return nil
	}
	usages, err := a.persistence.RecentUsage(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persisted nonces: %w", err)
	}
	for _, usage := range usages {
		if strings.TrimSpace(usage.APIKey) == "" || strings.TrimSpace(usage.Timestamp) == "" || strings.TrimSpace(usage.Nonce) == "" {
			continue
		}
		observed := usage.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.cacheFor(usage.APIKey).add(usage.Timestamp+"|"+usage.Nonce, observed)
	}
	return nil
}

func (a *Authenticator) registerNonce(ctx context.Context, apiKey, timestamp, nonce string, now time.Time) (bool, error) {
	cache := a.cacheFor(apiKey)
	composite := timestamp + "|" + nonce
	if cache.contains(composite, now) {
		return true, nil
	}
	if a.persistence != nil {
		if err := a.prunePersisted(ctx, now); err != nil {
			return false, err
		}
		usage := NonceUsage{APIKey: apiKey, Timestamp: timestamp, Nonce: nonce, ObservedAt: now}
		existed, err := a.persistence.Record(ctx, usage)
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			cache.add(composite, now)
			return true, nil
		}
	}
	cache.add(composite, now)
	return false, nil
}

func (a *Authenticator) prunePersisted(ctx context.Context, now time.Time) error {
	if a.persistence == nil || a.replayWindow <= 0 {
		return nil
	}
	if !a.lastPruned.IsZero() && now.Sub(a.lastPruned) < prunePersistEvery {
		return nil
	}
	if err := a.persistence.Prune(ctx, now.Add(-a.replayWindow)); err != nil {
		return fmt.Errorf("prune persisted nonces: %w", err)
	}
	a.lastPruned = now
	return nil
}

func (a *Authenticator) isTimestampReplay(apiKey string, ts, now time.Time) bool {
	if a.timestampSkew <= 0 {
		return false
	}
	cutoff := now.Add(-a.timestampSkew)
	current := ts.Unix()

	a.lastSeenMu.Lock()
	defer a.lastSeenMu.Unlock()

	last, ok := a.lastSeen[apiKey]
	if ok {
		if time.Unix(last, 0).UTC().After(cutoff) {
			if current <= last {
				return true
			}
		} else {
			delete(a.lastSeen, apiKey)
			ok = false
		}
	}
	if !ok || current > last {
		a.lastSeen[apiKey] = current
	}
	return false
}

func (a *Authenticator) cacheFor(apiKey string) *replayCache {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	cache, ok := a.caches[apiKey]
	if !ok {
		cache = newReplayCache(a.replayWindow, a.cacheCapacity)
		a.caches[apiKey] = cache
	}
	return cache
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery normalises raw query strings for stable HMAC signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature builds the HMAC-SHA256 signature bytes for the request
// metadata. Clients must sign the same payload layout.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

// replayCache is a bounded TTL cache of observed nonces for one API key.
// Entries expire after the replay window and the oldest entry is evicted
// once the capacity is reached.
type replayCache struct {
	window   time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type replayEntry struct {
	key string
	ts  time.Time
}

func newReplayCache(window time.Duration, capacity int) *replayCache {
	if window <= 0 {
		window = defaultReplayWindow
	}
	if window > maxReplayWindow {
		window = maxReplayWindow
	}
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	if capacity > maxCacheCapacity {
		capacity = maxCacheCapacity
	}
	return &replayCache{
		window:   window,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// observe reports whether the key was already present and records it when new.
func (c *replayCache) observe(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpired(now.Add(-c.window))
	if _, exists := c.entries[key]; exists {
		return true
	}
	c.insertLocked(key, now)
	return false
}

// contains reports presence without recording the key when absent.
func (c *replayCache) contains(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpired(now.Add(-c.window))
	_, exists := c.entries[key]
	return exists
}

func (c *replayCache) add(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpired(now.Add(-c.window))
	c.insertLocked(key, now)
}

func (c *replayCache) insertLocked(key string, now time.Time) {
	if elem, exists := c.entries[key]; exists {
		elem.Value = replayEntry{key: key, ts: now}
		c.order.MoveToBack(elem)
		return
	}
	for c.capacity > 0 && c.order.Len() >= c.capacity {
		c.evictFront()
	}
	c.entries[key] = c.order.PushBack(replayEntry{key: key, ts: now})
}

func (c *replayCache) evictExpired(cutoff time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(replayEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
}

func (c *replayCache) evictFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(replayEntry)
	c.order.Remove(front)
	delete(c.entries, entry.key)
}
