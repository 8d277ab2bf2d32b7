// Package events defines all event types used in rtmux.
package events

import (
	"encoding/json"
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	// Channel events delivered to subscription callbacks
	EventTypeDataChange    EventType = "data_change"
	EventTypePresenceSync  EventType = "presence_sync"
	EventTypePresenceJoin  EventType = "presence_join"
	EventTypePresenceLeave EventType = "presence_leave"

	// Gateway events
	EventTypeSubscribed        EventType = "subscribed"
	EventTypeUnsubscribed      EventType = "unsubscribed"
	EventTypeSubscriptionError EventType = "subscription_error"
	EventTypePresenceAck       EventType = "presence_ack"
	EventTypeStats             EventType = "stats"
	EventTypeError             EventType = "error"

	// Connection events
	EventTypeHeartbeat EventType = "heartbeat"
)

// Event is the base interface for all events.
type Event interface {
	// Type returns the event type.
	Type() EventType

	// Timestamp returns when the event occurred.
	Timestamp() time.Time

	// ToJSON serializes the event to JSON.
	ToJSON() ([]byte, error)

	// GetSubscriptionKey returns the canonical subscription key (may be empty).
	GetSubscriptionKey() string
}

// ChannelEvent is the closed set of events a subscription callback receives:
// *ChangeEvent, *PresenceSyncEvent, *PresenceJoinEvent or *PresenceLeaveEvent.
type ChannelEvent interface {
	Event
	channelEvent()
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventType       EventType   `json:"event"`
	EventTime       time.Time   `json:"timestamp"`
	SubscriptionKey string      `json:"key,omitempty"`
	Payload         interface{} `json:"payload"`
	RequestID       string      `json:"request_id,omitempty"`
}

// GetSubscriptionKey returns the subscription key.
func (e *BaseEvent) GetSubscriptionKey() string {
	return e.SubscriptionKey
}

// Type returns the event type.
func (e *BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event occurred.
func (e *BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// ToJSON serializes the event to JSON.
func (e *BaseEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewEvent creates a new base event with the given type and payload.
func NewEvent(eventType EventType, payload interface{}) *BaseEvent {
	return &BaseEvent{
		EventType: eventType,
		EventTime: time.Now().UTC(),
		Payload:   payload,
	}
}

// NewEventWithRequestID creates a new event with a request ID for correlation.
func NewEventWithRequestID(eventType EventType, payload interface{}, requestID string) *BaseEvent {
	return &BaseEvent{
		EventType: eventType,
		EventTime: time.Now().UTC(),
		Payload:   payload,
		RequestID: requestID,
	}
}

// NewEventWithKey creates a new event scoped to a subscription key.
func NewEventWithKey(eventType EventType, payload interface{}, key string) *BaseEvent {
	return &BaseEvent{
		EventType:       eventType,
		EventTime:       time.Now().UTC(),
		SubscriptionKey: key,
		Payload:         payload,
	}
}

// Envelope wraps a channel event into a BaseEvent so it can be fanned out
// through the hub. The channel event itself becomes the payload.
func Envelope(e ChannelEvent) *BaseEvent {
	return &BaseEvent{
		EventType:       e.Type(),
		EventTime:       e.Timestamp(),
		SubscriptionKey: e.GetSubscriptionKey(),
		Payload:         e,
	}
}

// SubscribedPayload is the payload for subscribed events.
type SubscribedPayload struct {
	Key         string `json:"key"`
	Channel     string `json:"channel"`
	Subscribers int    `json:"subscribers"`
}

// ErrorPayload is the payload for error and subscription_error events.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorEvent creates an error event correlated with a request.
func NewErrorEvent(code, message, requestID string) *BaseEvent {
	return NewEventWithRequestID(EventTypeError, ErrorPayload{
		Code:    code,
		Message: message,
	}, requestID)
}

// HeartbeatPayload is the payload for heartbeat events.
type HeartbeatPayload struct {
	Sequence        int64  `json:"sequence"`
	Uptime          int64  `json:"uptime_seconds"`
	ConnectionState string `json:"connection_state,omitempty"`
	Clients         int    `json:"clients"`
}

// PresenceAckPayload is the payload for presence_ack events.
type PresenceAckPayload struct {
	Key string `json:"key"`
	Ack string `json:"ack"`
}

// UnsubscribedPayload is the payload for unsubscribed events.
type UnsubscribedPayload struct {
	Key      string `json:"key"`
	Released bool   `json:"released"`
}

// NewHeartbeatEvent creates a heartbeat event.
func NewHeartbeatEvent(sequence, uptimeSeconds int64, state string, clients int) *BaseEvent {
	return NewEvent(EventTypeHeartbeat, HeartbeatPayload{
		Sequence:        sequence,
		Uptime:          uptimeSeconds,
		ConnectionState: state,
		Clients:         clients,
	})
}
