package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/brianly1003/rtmux/internal/domain"
	"github.com/brianly1003/rtmux/internal/realtime"
)

// Gateway operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpTrack       = "track"
	OpPing        = "ping"
)

// Command is a client request.
//
//	{"op":"subscribe","request_id":"1","channel":"chat-42","table":"messages",
//	 "event":"INSERT","filter":"chat_id=eq.42","debounce_ms":100}
//	{"op":"unsubscribe","key":"chat-42:messages:INSERT:chat_id=eq.42"}
//	{"op":"track","key":"lobby:::","state":{"status":"online"}}
type Command struct {
	Op        string `json:"op"`
	RequestID string `json:"request_id,omitempty"`

	// subscribe
	Channel    string         `json:"channel,omitempty"`
	Table      string         `json:"table,omitempty"`
	Event      string         `json:"event,omitempty"`
	Filter     string         `json:"filter,omitempty"`
	Presence   bool           `json:"presence,omitempty"`
	DebounceMs int64          `json:"debounce_ms,omitempty"`
	ThrottleMs int64          `json:"throttle_ms,omitempty"`
	Priority   string         `json:"priority,omitempty"`
	State      map[string]any `json:"state,omitempty"`

	// unsubscribe, track
	Key string `json:"key,omitempty"`
}

// ParseCommand decodes and validates a client message.
func ParseCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	switch cmd.Op {
	case OpSubscribe:
		if cmd.Channel == "" {
			return nil, fmt.Errorf("%w: subscribe requires channel", domain.ErrInvalidCommand)
		}
		if cmd.DebounceMs < 0 || cmd.ThrottleMs < 0 {
			return nil, fmt.Errorf("%w: negative debounce or throttle", domain.ErrInvalidCommand)
		}
	case OpUnsubscribe, OpTrack:
		if cmd.Key == "" {
			return nil, fmt.Errorf("%w: %s requires key", domain.ErrInvalidCommand, cmd.Op)
		}
	case OpPing:
	case "":
		return nil, fmt.Errorf("%w: missing op", domain.ErrInvalidCommand)
	default:
		return nil, fmt.Errorf("%w: unknown op %q", domain.ErrInvalidCommand, cmd.Op)
	}
	return &cmd, nil
}

// Config converts a subscribe command to a registry config. Callbacks are
// bound by the gateway.
func (c *Command) Config() realtime.Config {
	return realtime.Config{
		ChannelName:     c.Channel,
		Table:           c.Table,
		Event:           c.Event,
		Filter:          c.Filter,
		PresenceEnabled: c.Presence || len(c.State) > 0,
		PresenceState:   c.State,
		Debounce:        time.Duration(c.DebounceMs) * time.Millisecond,
		Throttle:        time.Duration(c.ThrottleMs) * time.Millisecond,
		Priority:        realtime.Priority(c.Priority),
	}
}
