package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLimiter(t *testing.T, n int, window time.Duration) (*RateLimiter, *clock) {
	t.Helper()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	r := NewRateLimiter(WithMaxRequests(n), WithWindow(window), WithClock(c.Now))
	t.Cleanup(r.Close)
	return r, c
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	r := NewRateLimiter(WithMaxRequests(0), WithWindow(-time.Second))
	defer r.Close()

	assert.Equal(t, DefaultMaxRequests, r.Limit())
	assert.Equal(t, DefaultWindow, r.window)
	r.Close()
}

func TestAllow(t *testing.T) {
	r, c := newLimiter(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		require.True(t, r.Allow("a"), "request %d", i+1)
	}
	assert.False(t, r.Allow("a"), "fourth request is limited")
	assert.True(t, r.Allow("b"), "keys are limited independently")
	assert.Equal(t, 0, r.Remaining("a"))

	c.Advance(time.Minute + time.Second)
	assert.Equal(t, 3, r.Remaining("a"))
	assert.True(t, r.Allow("a"), "request after the window")
}

func TestCleanup(t *testing.T) {
	r, c := newLimiter(t, 3, time.Minute)
	r.Allow("a")
	c.Advance(time.Minute)
	r.Allow("b")
	c.Advance(90 * time.Second)

	assert.Equal(t, 1, r.cleanup())
	assert.Contains(t, r.buckets, "b", "recently used bucket survives")
}

func TestConcurrentAllow(t *testing.T) {
	r, _ := newLimiter(t, 50, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if r.Allow("shared") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}

func TestIPKeyExtractor(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"192.168.1.1:12345", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
		{"[::1]", "::1"},
	}

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			req.Header.Set("X-Forwarded-For", "1.2.3.4")
			assert.Equal(t, tt.want, IPKeyExtractor(req))
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	r, _ := newLimiter(t, 2, time.Minute)
	handler := RateLimitMiddleware(r, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/collections/x", nil)
		req.RemoteAddr = "10.0.0.1:1"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	require.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	_ = do()

	limited := do()
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "60", limited.Header().Get("Retry-After"))
}

func TestRateLimitMiddleware_CustomExtractor(t *testing.T) {
	r, _ := newLimiter(t, 1, time.Minute)
	byHeader := func(req *http.Request) string { return req.Header.Get("X-Client") }
	handler := RateLimitMiddleware(r, byHeader)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	for _, client := range []string{"a", "b"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Client", client)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "client %s", client)
	}
}
