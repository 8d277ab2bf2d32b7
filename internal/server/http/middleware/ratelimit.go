// Package middleware provides HTTP middleware for the rtmux API.
package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brianly1003/rtmux/internal/sync"
)

// RateLimiter defaults.
const (
	DefaultMaxRequests = 120
	DefaultWindow      = 1 * time.Minute
	DefaultCleanup     = 5 * time.Minute
)

// RateLimiter is a sliding window limiter keyed by an arbitrary string.
type RateLimiter struct {
	maxRequests int
	window      time.Duration
	now         func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	cleanupDone chan struct{}
	closeOnce   sync.Once
}

type bucket struct {
	timestamps []time.Time
	lastAccess time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithMaxRequests sets the maximum number of requests per window.
func WithMaxRequests(n int) RateLimiterOption {
	return func(r *RateLimiter) {
		if n > 0 {
			r.maxRequests = n
		}
	}
}

// WithWindow sets the time window.
func WithWindow(d time.Duration) RateLimiterOption {
	return func(r *RateLimiter) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RateLimiterOption {
	return func(r *RateLimiter) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRateLimiter creates a RateLimiter and starts its cleanup loop.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	r := &RateLimiter{
		maxRequests: DefaultMaxRequests,
		window:      DefaultWindow,
		now:         time.Now,
		buckets:     make(map[string]*bucket),
		cleanupDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.cleanupLoop()
	return r
}

// Allow records a request for key and reports whether it is within the limit.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{}
		r.buckets[key] = b
	}
	b.prune(now.Add(-r.window))
	b.lastAccess = now

	if len(b.timestamps) >= r.maxRequests {
		return false
	}
	b.timestamps = append(b.timestamps, now)
	return true
}

// Remaining returns the number of requests key may still make in the window.
func (r *RateLimiter) Remaining(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok {
		return r.maxRequests
	}
	b.prune(r.now().Add(-r.window))
	return max(r.maxRequests-len(b.timestamps), 0)
}

// Limit returns the configured requests per window.
func (r *RateLimiter) Limit() int {
	return r.maxRequests
}

// Close stops the cleanup loop.
func (r *RateLimiter) Close() {
	r.closeOnce.Do(func() { close(r.cleanupDone) })
}

func (b *bucket) prune(cutoff time.Time) {
	i := 0
	for i < len(b.timestamps) && !b.timestamps[i].After(cutoff) {
		i++
	}
	b.timestamps = b.timestamps[i:]
}

func (r *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(DefaultCleanup)
	defer ticker.Stop()

	for {
		select {
		case <-r.cleanupDone:
			return
		case <-ticker.C:
			r.cleanup()
		}
	}
}

// cleanup drops buckets idle for two windows.
func (r *RateLimiter) cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-2 * r.window)
	removed := 0
	for key, b := range r.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(r.buckets, key)
			removed++
		}
	}
	return removed
}

// KeyExtractor derives the rate limit key of a request.
type KeyExtractor func(*http.Request) string

// IPKeyExtractor keys requests by the remote IP address. Forwarding headers
// are ignored since they can be spoofed.
func IPKeyExtractor(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.Trim(r.RemoteAddr, "[]")
	}
	return host
}

// RateLimitMiddleware rejects requests over the limit with 429.
func RateLimitMiddleware(limiter *RateLimiter, keyExtractor KeyExtractor) func(http.Handler) http.Handler {
	if keyExtractor == nil {
		keyExtractor = IPKeyExtractor
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyExtractor(r)

			if !limiter.Allow(key) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(limiter.window.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded","code":"RATE_LIMITED"}`))
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.maxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(key)))
			next.ServeHTTP(w, r)
		})
	}
}
