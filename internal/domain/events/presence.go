package events

import (
	"encoding/json"
	"time"
)

// PresenceEventKind names the presence side-channel events.
type PresenceEventKind string

const (
	PresenceSync  PresenceEventKind = "sync"
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

// Presence is one tracked state published by a participant.
type Presence struct {
	Ref   string         `json:"presence_ref"`
	State map[string]any `json:"state"`
}

// PresenceMap maps a participant key to the states it currently tracks.
type PresenceMap map[string][]Presence

// Clone returns a deep copy of the map's slices.
func (m PresenceMap) Clone() PresenceMap {
	if m == nil {
		return nil
	}
	out := make(PresenceMap, len(m))
	for k, v := range m {
		out[k] = append([]Presence(nil), v...)
	}
	return out
}

// PresenceSyncEvent carries the full presence state after a change.
type PresenceSyncEvent struct {
	Key   string      `json:"-"`
	State PresenceMap `json:"state"`
	At    time.Time   `json:"at"`
}

func (e *PresenceSyncEvent) channelEvent() {}

func (e *PresenceSyncEvent) Type() EventType            { return EventTypePresenceSync }
func (e *PresenceSyncEvent) Timestamp() time.Time       { return e.At }
func (e *PresenceSyncEvent) GetSubscriptionKey() string { return e.Key }
func (e *PresenceSyncEvent) ToJSON() ([]byte, error)    { return json.Marshal(Envelope(e)) }

// PresenceJoinEvent reports participants that started tracking state.
type PresenceJoinEvent struct {
	Key          string     `json:"-"`
	PresenceKey  string     `json:"key"`
	NewPresences []Presence `json:"new_presences"`
	At           time.Time  `json:"at"`
}

func (e *PresenceJoinEvent) channelEvent() {}

func (e *PresenceJoinEvent) Type() EventType            { return EventTypePresenceJoin }
func (e *PresenceJoinEvent) Timestamp() time.Time       { return e.At }
func (e *PresenceJoinEvent) GetSubscriptionKey() string { return e.Key }
func (e *PresenceJoinEvent) ToJSON() ([]byte, error)    { return json.Marshal(Envelope(e)) }

// PresenceLeaveEvent reports participants that stopped tracking state.
type PresenceLeaveEvent struct {
	Key           string     `json:"-"`
	PresenceKey   string     `json:"key"`
	LeftPresences []Presence `json:"left_presences"`
	At            time.Time  `json:"at"`
}

func (e *PresenceLeaveEvent) channelEvent() {}

func (e *PresenceLeaveEvent) Type() EventType            { return EventTypePresenceLeave }
func (e *PresenceLeaveEvent) Timestamp() time.Time       { return e.At }
func (e *PresenceLeaveEvent) GetSubscriptionKey() string { return e.Key }
func (e *PresenceLeaveEvent) ToJSON() ([]byte, error)    { return json.Marshal(Envelope(e)) }
