package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/brianly1003/rtmux/internal/adapters/store"
	"github.com/brianly1003/rtmux/internal/domain"
	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/realtime"
	"github.com/brianly1003/rtmux/internal/server/http/middleware"
	"github.com/brianly1003/rtmux/internal/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type apiFixture struct {
	registry *realtime.Registry
	store    *store.Store
	clock    *fakeClock
	server   *Server
	url      string
}

func newAPI(t *testing.T, configure ...func(*Server)) *apiFixture {
	t.Helper()

	broker := memory.NewBroker()
	clock := &fakeClock{now: time.Now()}
	reg := realtime.New(broker, realtime.Options{
		SubscribeTimeout:  time.Second,
		DefaultRetryDelay: 5 * time.Millisecond,
		MaxIdleTime:       time.Minute,
		Now:               clock.Now,
	})
	st, err := store.Open(store.MemoryPath, broker, nil)
	require.NoError(t, err)

	s := New("127.0.0.1", 0, reg)
	s.SetStore(st)
	for _, fn := range configure {
		fn(s)
	}
	srv := httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		srv.Close()
		_ = reg.Destroy()
		_ = st.Close()
		broker.Close()
	})

	return &apiFixture{registry: reg, store: st, clock: clock, server: s, url: srv.URL}
}

func (f *apiFixture) subscribe(t *testing.T, cfg realtime.Config) string {
	t.Helper()
	if cfg.Callback == nil {
		cfg.Callback = func(events.ChannelEvent) error { return nil }
	}
	key, err := f.registry.Subscribe(context.Background(), cfg)
	require.NoError(t, err)
	return key
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.url+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	f := newAPI(t)

	var health HealthResponse
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, realtime.StateDisconnected, health.ConnectionState)

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPost, "/health", nil, nil))
}

func TestStatsAndSubscriptions(t *testing.T) {
	f := newAPI(t)
	key := f.subscribe(t, realtime.Config{
		ChannelName: "chat",
		Table:       "messages",
		Filter:      "chat_id=eq.42",
		Priority:    realtime.PriorityHigh,
	})

	var stats realtime.Stats
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/stats", nil, &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByPriority[realtime.PriorityHigh])
	assert.Equal(t, realtime.StateConnected, stats.ConnectionState)

	var list []realtime.SubscriptionInfo
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/subscriptions", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, key, list[0].Key)

	var info realtime.SubscriptionInfo
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/subscriptions/"+url.PathEscape(key), nil, &info))
	assert.Equal(t, "chat", info.Channel)
	assert.Equal(t, 1, info.Subscribers)

	var apiErr errorResponse
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/subscriptions/missing", nil, &apiErr))
	assert.Equal(t, domain.ErrCodeSubscriptionNotFound, apiErr.Code)
}

func TestReconnect(t *testing.T) {
	f := newAPI(t)
	key := f.subscribe(t, realtime.Config{ChannelName: "room"})

	var info realtime.SubscriptionInfo
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/subscriptions/"+url.PathEscape(key)+"/reconnect", nil, &info))
	assert.Equal(t, 1, info.RetryCount)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/subscriptions/nope/reconnect", nil, nil))
}

func TestPresence(t *testing.T) {
	f := newAPI(t)
	lobby := f.subscribe(t, realtime.Config{ChannelName: "lobby", PresenceEnabled: true})
	plain := f.subscribe(t, realtime.Config{ChannelName: "plain"})

	var resp PresenceResponse
	status := f.do(t, http.MethodPost, "/api/presence/"+url.PathEscape(lobby), map[string]any{"status": "online"}, &resp)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", resp.Ack)

	require.Eventually(t, func() bool {
		var got PresenceResponse
		f.do(t, http.MethodGet, "/api/presence/"+url.PathEscape(lobby), nil, &got)
		for _, ps := range got.State {
			for _, p := range ps {
				if p.State["status"] == "online" {
					return true
				}
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	var apiErr errorResponse
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodGet, "/api/presence/"+url.PathEscape(plain), nil, &apiErr))
	assert.Equal(t, domain.ErrCodePresenceNotEnabled, apiErr.Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/presence/"+url.PathEscape(plain), map[string]any{}, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/presence/none", nil, nil))
}

func TestCleanup(t *testing.T) {
	f := newAPI(t)
	key := f.subscribe(t, realtime.Config{ChannelName: "stale"})
	f.subscribe(t, realtime.Config{ChannelName: "busy"})
	f.registry.Unsubscribe(key)
	f.clock.Advance(2 * time.Minute)

	var resp CleanupResponse
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/cleanup", nil, &resp))
	assert.Equal(t, 1, resp.Removed)
	assert.Equal(t, 1, resp.Stats.Total)
}

func TestCollections(t *testing.T) {
	f := newAPI(t)

	var created events.Record
	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/collections/messages",
		map[string]any{"id": "m1", "chat_id": 1, "body": "hi"}, &created))
	assert.Equal(t, "m1", created["id"])
	f.do(t, http.MethodPost, "/api/collections/messages", map[string]any{"chat_id": 2, "body": "yo"}, nil)

	var q QueryResponse
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/collections/messages?filter="+url.QueryEscape("chat_id=eq.1"), nil, &q))
	assert.Equal(t, 1, q.Count)
	assert.Equal(t, "hi", q.Records[0]["body"])

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/collections/messages?limit=1", nil, &q))
	assert.Equal(t, 1, q.Count)

	var updated events.Record
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPatch, "/api/collections/messages/m1", map[string]any{"body": "edited"}, &updated))
	assert.Equal(t, "edited", updated["body"])

	var got events.Record
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/collections/messages/m1", nil, &got))
	assert.Equal(t, "edited", got["body"])

	var names map[string][]string
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/collections", nil, &names))
	assert.Equal(t, []string{"messages"}, names["collections"])

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/api/collections/messages/m1", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/collections/messages/m1", nil, nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/collections/messages/m1", nil, nil))
}

func TestCollections_BadRequests(t *testing.T) {
	f := newAPI(t)

	var apiErr errorResponse
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/collections/1bad", map[string]any{}, &apiErr))
	assert.Equal(t, domain.ErrCodeInvalidPayload, apiErr.Code)

	apiErr = errorResponse{}
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/collections/messages", map[string]any{"id": 5}, &apiErr))
	assert.Equal(t, domain.ErrCodeInvalidPayload, apiErr.Code)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/collections/messages?filter=nonsense", nil, nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/collections/messages?limit=-1", nil, nil))

	req, err := http.NewRequest(http.MethodPost, f.url+"/api/collections/messages", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCollections_InsertReachesSubscribers(t *testing.T) {
	f := newAPI(t)

	received := make(chan *events.ChangeEvent, 1)
	f.subscribe(t, realtime.Config{
		ChannelName: "feed",
		Table:       "posts",
		Event:       "INSERT",
		Callback: func(e events.ChannelEvent) error {
			if c, ok := e.(*events.ChangeEvent); ok {
				received <- c
			}
			return nil
		},
	})

	f.do(t, http.MethodPost, "/api/collections/posts", map[string]any{"title": "hello"}, nil)

	select {
	case c := <-received:
		assert.Equal(t, "hello", c.New["title"])
	case <-time.After(2 * time.Second):
		t.Fatal("change event was not delivered")
	}
}

func TestRateLimitedMutations(t *testing.T) {
	limiter := middleware.NewRateLimiter(middleware.WithMaxRequests(1))
	t.Cleanup(limiter.Close)
	f := newAPI(t, func(s *Server) { s.SetRateLimiter(limiter) })

	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/collections/posts", map[string]any{}, nil))
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/api/collections/posts", map[string]any{}, nil))
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/collections/posts", nil, nil), "reads are not limited")
}

func TestRateLimit_KeyedByClientIP(t *testing.T) {
	limiter := middleware.NewRateLimiter(middleware.WithMaxRequests(1))
	t.Cleanup(limiter.Close)
	f := newAPI(t, func(s *Server) {
		s.SetRateLimiter(limiter)
		s.SetClientIP(func(r *http.Request) string { return r.Header.Get("X-Client") })
	})

	post := func(client string) int {
		req, err := http.NewRequest(http.MethodPost, f.url+"/api/collections/posts", bytes.NewReader([]byte(`{}`)))
		require.NoError(t, err)
		req.Header.Set("X-Client", client)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusCreated, post("a"))
	assert.Equal(t, http.StatusCreated, post("b"), "separate clients have separate buckets")
	assert.Equal(t, http.StatusTooManyRequests, post("a"))
}

func TestStartStop(t *testing.T) {
	f := newAPI(t)
	s := New("127.0.0.1", 0, f.registry)

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	assert.NotEqual(t, "127.0.0.1:0", s.Addr(), "Addr reports the bound port")

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}

func TestStart_AddressInUse(t *testing.T) {
	f := newAPI(t)
	first := New("127.0.0.1", 0, f.registry)
	require.NoError(t, first.Start())
	defer first.Stop(context.Background())

	_, port, err := net.SplitHostPort(first.Addr())
	require.NoError(t, err)
	n, err := strconv.Atoi(port)
	require.NoError(t, err)

	second := New("127.0.0.1", n, f.registry)
	assert.Error(t, second.Start())
}
