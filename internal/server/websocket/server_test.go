package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brianly1003/rtmux/internal/domain"
	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/hub"
	"github.com/brianly1003/rtmux/internal/realtime"
	"github.com/brianly1003/rtmux/internal/transport/memory"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatewayFixture struct {
	gateway  *Server
	registry *realtime.Registry
	broker   *memory.Broker
	url      string
}

func newGateway(t *testing.T) *gatewayFixture {
	t.Helper()

	broker := memory.NewBroker()
	reg := realtime.New(broker, realtime.Options{SubscribeTimeout: time.Second})
	h := hub.New()
	require.NoError(t, h.Start())
	gw := NewServer(reg, h, time.Hour)
	gw.Start()
	srv := httptest.NewServer(gw)

	t.Cleanup(func() {
		gw.Stop()
		srv.Close()
		_ = h.Stop()
		_ = reg.Destroy()
		broker.Close()
	})

	return &gatewayFixture{
		gateway:  gw,
		registry: reg,
		broker:   broker,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (f *gatewayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wireEvent struct {
	Event     string          `json:"event"`
	Key       string          `json:"key"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

func send(t *testing.T, conn *websocket.Conn, cmd any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(cmd))
}

// expect reads until every listed event type was seen and returns the first
// event of each type. Heartbeats and unlisted events are skipped.
func expect(t *testing.T, conn *websocket.Conn, types ...events.EventType) map[events.EventType]wireEvent {
	t.Helper()

	want := make(map[events.EventType]bool, len(types))
	for _, typ := range types {
		want[typ] = true
	}
	got := make(map[events.EventType]wireEvent)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(got) < len(want) {
		var e wireEvent
		require.NoError(t, conn.ReadJSON(&e), "waiting for %v", types)
		typ := events.EventType(e.Event)
		if _, seen := got[typ]; want[typ] && !seen {
			got[typ] = e
		}
	}
	return got
}

func errorCode(t *testing.T, e wireEvent) string {
	t.Helper()
	var p events.ErrorPayload
	require.NoError(t, json.Unmarshal(e.Payload, &p))
	return p.Code
}

func subscribeCmd(channel string) map[string]any {
	return map[string]any{
		"op":         "subscribe",
		"request_id": "r-" + channel,
		"channel":    channel,
		"table":      "messages",
		"event":      "INSERT",
		"filter":     "chat_id=eq.1",
	}
}

const chatKey = "chat-1:messages:INSERT:chat_id=eq.1"

func publishMessage(b *memory.Broker, chatID int, body string) {
	b.PublishChange(events.ChangeEvent{
		Schema:     "public",
		Table:      "messages",
		Operation:  events.OperationInsert,
		CommitTime: time.Now(),
		New:        events.Record{"chat_id": chatID, "body": body},
	})
}

func TestGateway_SubscribeAndReceive(t *testing.T) {
	f := newGateway(t)
	conn := f.dial(t)

	send(t, conn, subscribeCmd("chat-1"))
	sub := expect(t, conn, events.EventTypeSubscribed)[events.EventTypeSubscribed]
	assert.Equal(t, chatKey, sub.Key)
	assert.Equal(t, "r-chat-1", sub.RequestID)

	publishMessage(f.broker, 2, "other chat")
	publishMessage(f.broker, 1, "hello")

	change := expect(t, conn, events.EventTypeDataChange)[events.EventTypeDataChange]
	assert.Equal(t, chatKey, change.Key)

	var payload events.ChangeEvent
	require.NoError(t, json.Unmarshal(change.Payload, &payload))
	assert.Equal(t, "hello", payload.New["body"], "the filtered-out change must not arrive first")
	assert.Equal(t, events.OperationInsert, payload.Operation)
}

func TestGateway_ClientsShareOneSubscription(t *testing.T) {
	f := newGateway(t)
	a := f.dial(t)
	b := f.dial(t)

	send(t, a, subscribeCmd("chat-1"))
	expect(t, a, events.EventTypeSubscribed)
	send(t, b, subscribeCmd("chat-1"))
	expect(t, b, events.EventTypeSubscribed)

	stats := f.registry.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 2, stats.TotalSubscribers)

	publishMessage(f.broker, 1, "both")
	expect(t, a, events.EventTypeDataChange)
	expect(t, b, events.EventTypeDataChange)

	send(t, a, map[string]any{"op": "unsubscribe", "key": chatKey})
	unsub := expect(t, a, events.EventTypeUnsubscribed)[events.EventTypeUnsubscribed]
	var up events.UnsubscribedPayload
	require.NoError(t, json.Unmarshal(unsub.Payload, &up))
	assert.True(t, up.Released)
	assert.Equal(t, 1, f.registry.Stats().TotalSubscribers)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		return f.registry.Stats().TotalSubscribers == 0 && f.gateway.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "disconnect releases the reference")
}

func TestGateway_UnsubscribeUnheldKey(t *testing.T) {
	f := newGateway(t)
	conn := f.dial(t)

	send(t, conn, map[string]any{"op": "unsubscribe", "key": "nope:::"})
	e := expect(t, conn, events.EventTypeUnsubscribed)[events.EventTypeUnsubscribed]
	var up events.UnsubscribedPayload
	require.NoError(t, json.Unmarshal(e.Payload, &up))
	assert.False(t, up.Released)
}

func TestGateway_TrackPresence(t *testing.T) {
	f := newGateway(t)
	conn := f.dial(t)

	send(t, conn, map[string]any{"op": "subscribe", "channel": "lobby", "presence": true})
	sub := expect(t, conn, events.EventTypeSubscribed)[events.EventTypeSubscribed]
	require.Equal(t, "lobby:::", sub.Key)

	send(t, conn, map[string]any{
		"op":         "track",
		"request_id": "t1",
		"key":        "lobby:::",
		"state":      map[string]any{"status": "online"},
	})
	got := expect(t, conn, events.EventTypePresenceAck, events.EventTypePresenceSync)

	var ack events.PresenceAckPayload
	require.NoError(t, json.Unmarshal(got[events.EventTypePresenceAck].Payload, &ack))
	assert.Equal(t, "ok", ack.Ack)
	assert.Equal(t, "t1", got[events.EventTypePresenceAck].RequestID)
	assert.Equal(t, "lobby:::", got[events.EventTypePresenceSync].Key)

	require.Eventually(t, func() bool {
		for _, ps := range f.registry.GetPresence("lobby:::") {
			for _, p := range ps {
				if p.State["status"] == "online" {
					return true
				}
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestGateway_TrackRequiresHeldKey(t *testing.T) {
	f := newGateway(t)
	conn := f.dial(t)

	send(t, conn, map[string]any{"op": "track", "request_id": "t1", "key": "lobby:::", "state": map[string]any{}})
	e := expect(t, conn, events.EventTypeError)[events.EventTypeError]
	assert.Equal(t, domain.ErrCodeSubscriptionNotFound, errorCode(t, e))
	assert.Equal(t, "t1", e.RequestID)
}

func TestGateway_TrackWithoutPresence(t *testing.T) {
	f := newGateway(t)
	conn := f.dial(t)

	send(t, conn, subscribeCmd("chat-1"))
	expect(t, conn, events.EventTypeSubscribed)

	send(t, conn, map[string]any{"op": "track", "key": chatKey, "state": map[string]any{"a": 1}})
	e := expect(t, conn, events.EventTypeError)[events.EventTypeError]
	assert.Equal(t, domain.ErrCodePresenceNotEnabled, errorCode(t, e))
}

func TestGateway_SubscribeRejected(t *testing.T) {
	f := newGateway(t)
	f.broker.Reject("private", errors.New("not allowed"))
	conn := f.dial(t)

	send(t, conn, map[string]any{"op": "subscribe", "request_id": "r1", "channel": "private"})
	e := expect(t, conn, events.EventTypeError)[events.EventTypeError]
	assert.Equal(t, domain.ErrCodeSubscriptionFailed, errorCode(t, e))
	assert.Equal(t, "r1", e.RequestID)
	assert.Equal(t, 0, f.registry.Stats().Total)
}

func TestGateway_InvalidMessages(t *testing.T) {
	f := newGateway(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	e := expect(t, conn, events.EventTypeError)[events.EventTypeError]
	assert.Equal(t, domain.ErrCodeInvalidPayload, errorCode(t, e))

	send(t, conn, map[string]any{"op": "dance"})
	e = expect(t, conn, events.EventTypeError)[events.EventTypeError]
	assert.Equal(t, domain.ErrCodeInvalidCommand, errorCode(t, e))
}

func TestGateway_Ping(t *testing.T) {
	f := newGateway(t)
	conn := f.dial(t)

	send(t, conn, map[string]any{"op": "ping", "request_id": "p1"})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e wireEvent
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, string(events.EventTypeHeartbeat), e.Event)
	assert.Equal(t, "p1", e.RequestID)

	var hb events.HeartbeatPayload
	require.NoError(t, json.Unmarshal(e.Payload, &hb))
	assert.Equal(t, 1, hb.Clients)
}

func TestGateway_StopReleasesReferences(t *testing.T) {
	f := newGateway(t)
	conn := f.dial(t)

	send(t, conn, subscribeCmd("chat-1"))
	expect(t, conn, events.EventTypeSubscribed)
	require.Equal(t, 1, f.registry.Stats().TotalSubscribers)

	f.gateway.Stop()
	assert.Equal(t, 0, f.registry.Stats().TotalSubscribers)
	assert.Equal(t, 0, f.gateway.ClientCount())
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"subscribe", `{"op":"subscribe","channel":"c"}`, nil},
		{"subscribe without channel", `{"op":"subscribe"}`, domain.ErrInvalidCommand},
		{"negative debounce", `{"op":"subscribe","channel":"c","debounce_ms":-1}`, domain.ErrInvalidCommand},
		{"unsubscribe", `{"op":"unsubscribe","key":"c:::"}`, nil},
		{"unsubscribe without key", `{"op":"unsubscribe"}`, domain.ErrInvalidCommand},
		{"track without key", `{"op":"track"}`, domain.ErrInvalidCommand},
		{"ping", `{"op":"ping"}`, nil},
		{"missing op", `{}`, domain.ErrInvalidCommand},
		{"unknown op", `{"op":"x"}`, domain.ErrInvalidCommand},
		{"malformed", `{`, domain.ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommand([]byte(tt.input))
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestCommand_Config(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"op":"subscribe","channel":"room","table":"posts","event":"update",
		"debounce_ms":100,"throttle_ms":50,"priority":"high","state":{"name":"ada"}}`))
	require.NoError(t, err)

	cfg := cmd.Config()
	assert.Equal(t, 100*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 50*time.Millisecond, cfg.Throttle)
	assert.Equal(t, realtime.PriorityHigh, cfg.Priority)
	assert.True(t, cfg.PresenceEnabled, "an initial state implies presence")
	assert.Equal(t, "ada", cfg.PresenceState["name"])

	key, err := cfg.Key()
	require.NoError(t, err)
	assert.Equal(t, "room:posts:UPDATE:", key)
}

func TestGateway_OriginCheck(t *testing.T) {
	broker := memory.NewBroker()
	defer broker.Close()
	reg := realtime.New(broker, realtime.Options{SubscribeTimeout: time.Second})
	defer reg.Destroy()
	h := hub.New()
	require.NoError(t, h.Start())
	defer h.Stop()

	gw := NewServer(reg, h, time.Hour)
	gw.SetOriginCheck(func(r *http.Request) bool {
		return r.Header.Get("Origin") == "https://allowed.example"
	})
	srv := httptest.NewServer(gw)
	defer srv.Close()
	defer gw.Stop()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://allowed.example")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return gw.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}
