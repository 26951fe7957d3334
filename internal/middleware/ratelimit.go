package middleware

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrInvalidRateLimit is returned by RateLimitConfig.Validate.
var ErrInvalidRateLimit = errors.New("invalid rate limit")

// RateLimitConfig is a fixed-window limit: at most RequestsPerWindow requests
// per key in each WindowDuration.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Validate reports a non-positive count or window.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("%w: %d requests per window", ErrInvalidRateLimit, c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("%w: window %s", ErrInvalidRateLimit, c.WindowDuration)
	}
	return nil
}

// DefaultGlobalLimit applies to every request, keyed by client IP.
func DefaultGlobalLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute}
}

// DefaultAuthLimit applies to cluster challenge-response authentication,
// keyed by client IP.
func DefaultAuthLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}
}

// DefaultExportLimit applies to full audit chain exports, keyed by identity.
func DefaultExportLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Minute}
}

// RateLimitStore holds rate limit counters. Allow reports whether the request
// fits in the current window and, when it does not, how many seconds remain.
type RateLimitStore interface {
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, retryAfter int)
}

type bucket struct {
	count     int
	windowEnd time.Time
}

// sweepInterval bounds how often Allow walks the map for expired buckets.
const sweepInterval = time.Minute

// InMemoryRateLimitStore is a single-process fixed-window store. Expired
// buckets are dropped opportunistically from Allow.
type InMemoryRateLimitStore struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

// NewInMemoryRateLimitStore creates an empty store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow implements RateLimitStore.
func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, config RateLimitConfig) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= sweepInterval {
		s.sweepLocked(now)
	}

	b, ok := s.buckets[key]
	if !ok || now.After(b.windowEnd) {
		s.buckets[key] = &bucket{count: 1, windowEnd: now.Add(config.WindowDuration)}
		return true, 0
	}
	if b.count < config.RequestsPerWindow {
		b.count++
		return true, 0
	}

	retryAfter := int(b.windowEnd.Sub(now).Seconds())
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, retryAfter
}

// Cleanup drops every expired bucket now.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())
}

// Len reports the number of live buckets.
func (s *InMemoryRateLimitStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

func (s *InMemoryRateLimitStore) sweepLocked(now time.Time) {
	for key, b := range s.buckets {
		if now.After(b.windowEnd) {
			delete(s.buckets, key)
		}
	}
	s.lastSweep = now
}

// KeyFunc derives the rate limit key for a request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc keys by client IP.
func IPKeyFunc() KeyFunc {
	return ClientIP
}

// IdentityKeyFunc keys by authenticated identity, falling back to client IP
// for anonymous requests.
func IdentityKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if identity, ok := GetIdentity(r.Context()); ok {
			return "identity:" + identity.ID
		}
		return "ip:" + ClientIP(r)
	}
}

// ClientIP returns the originating client address of the request.
// X-Forwarded-For (first hop) wins over X-Real-IP, which wins over RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func keyType(key string) string {
	if strings.HasPrefix(key, "identity:") {
		return "identity"
	}
	return "ip"
}

// RateLimiter rejects requests over config with 429, a Retry-After header
// and an X-RateLimit-Reset Unix timestamp. metrics may be nil.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			endpoint, kind := normalizePath(r.URL.Path), keyType(key)

			allowed, retryAfter := store.Allow(r.Context(), key, config)
			metrics.IncRateLimitRequests(endpoint, kind)
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			metrics.IncRateLimitBlocked(endpoint, kind)
			SetErrorCode(r.Context(), "rate_limit_exceeded")
			reset := time.Now().Add(time.Duration(retryAfter) * time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			writeJSONError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
		})
	}
}
