package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseEvent_Type(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
	}{
		{"subscribed", EventTypeSubscribed},
		{"unsubscribed", EventTypeUnsubscribed},
		{"subscription_error", EventTypeSubscriptionError},
		{"stats", EventTypeStats},
		{"heartbeat", EventTypeHeartbeat},
		{"error", EventTypeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.eventType, NewEvent(tt.eventType, nil).Type())
		})
	}
}

func TestBaseEvent_Timestamp(t *testing.T) {
	before := time.Now().UTC()
	event := NewEvent(EventTypeHeartbeat, nil)
	after := time.Now().UTC()

	ts := event.Timestamp()
	assert.False(t, ts.Before(before), "timestamp %v before %v", ts, before)
	assert.False(t, ts.After(after), "timestamp %v after %v", ts, after)
}

func TestBaseEvent_ToJSON(t *testing.T) {
	event := NewEventWithKey(EventTypeSubscribed, SubscribedPayload{Key: "k", Channel: "chat:1", Subscribers: 2}, "k")

	jsonBytes, err := event.ToJSON()
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(jsonBytes, &parsed))

	assert.Equal(t, "subscribed", parsed["event"])
	assert.Equal(t, "k", parsed["key"])
	payload, ok := parsed["payload"].(map[string]interface{})
	require.True(t, ok, "payload is %T", parsed["payload"])
	assert.Equal(t, float64(2), payload["subscribers"])
}

func TestChangeEvent_ToJSON(t *testing.T) {
	e := &ChangeEvent{
		Key:        "chat:chats:*:",
		Schema:     "public",
		Table:      "chats",
		Operation:  OperationInsert,
		CommitTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		New:        Record{"id": "1", "body": "hi"},
	}

	data, err := e.ToJSON()
	require.NoError(t, err)

	var parsed struct {
		Event   string `json:"event"`
		Key     string `json:"key"`
		Payload struct {
			Table string         `json:"table"`
			Type  string         `json:"type"`
			New   map[string]any `json:"new"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, string(EventTypeDataChange), parsed.Event)
	assert.Equal(t, e.Key, parsed.Key)
	assert.Equal(t, "chats", parsed.Payload.Table)
	assert.Equal(t, "INSERT", parsed.Payload.Type)
	assert.Equal(t, "hi", parsed.Payload.New["body"])
}

func TestChangeEvent_Row(t *testing.T) {
	ins := &ChangeEvent{Operation: OperationInsert, New: Record{"id": "n"}}
	del := &ChangeEvent{Operation: OperationDelete, Old: Record{"id": "o"}}

	assert.Equal(t, "n", ins.Row()["id"], "insert uses the new record")
	assert.Equal(t, "o", del.Row()["id"], "delete uses the old record")
}

func TestParseOperation(t *testing.T) {
	tests := []struct {
		in   string
		want ChangeOperation
		ok   bool
	}{
		{"", OperationAll, true},
		{"*", OperationAll, true},
		{"insert", OperationInsert, true},
		{" UPDATE ", OperationUpdate, true},
		{"Delete", OperationDelete, true},
		{"truncate", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseOperation(tt.in)
		assert.Equal(t, tt.want, got, "ParseOperation(%q)", tt.in)
		assert.Equal(t, tt.ok, ok, "ParseOperation(%q)", tt.in)
	}
}

func TestChannelEvent_Union(t *testing.T) {
	all := []ChannelEvent{
		&ChangeEvent{Key: "a"},
		&PresenceSyncEvent{Key: "a"},
		&PresenceJoinEvent{Key: "a"},
		&PresenceLeaveEvent{Key: "a"},
	}
	want := []EventType{EventTypeDataChange, EventTypePresenceSync, EventTypePresenceJoin, EventTypePresenceLeave}

	for i, e := range all {
		assert.Equal(t, want[i], e.Type())
		assert.Equal(t, "a", e.GetSubscriptionKey())
	}
}

func TestPresenceMap_Clone(t *testing.T) {
	m := PresenceMap{"u1": {{Ref: "r1", State: map[string]any{"status": "online"}}}}
	c := m.Clone()
	c["u1"] = append(c["u1"], Presence{Ref: "r2"})

	assert.Len(t, m["u1"], 1, "source map is not mutated")
	assert.Nil(t, PresenceMap(nil).Clone())
}
