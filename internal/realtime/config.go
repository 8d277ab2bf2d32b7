package realtime

import (
	"strings"
	"time"

	"github.com/brianly1003/rtmux/internal/domain"
	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/filter"
)

// Priority is an informational tag reported in Stats.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Callback receives the events of a subscription. Returning an error (or
// panicking) reports a CallbackError through the ErrorCallback; delivery of
// later events continues.
type Callback func(events.ChannelEvent) error

// ErrorCallback receives asynchronous subscription failures.
type ErrorCallback func(error)

// Config describes what a caller wants to subscribe to.
// Only ChannelName, Table, Event and Filter take part in the key; the rest
// of the config is taken from the first subscriber of a key.
type Config struct {
	ChannelName string
	Table       string
	Event       string // INSERT, UPDATE, DELETE or "*" (empty means "*")
	Filter      string // row filter, e.g. "chat_id=eq.42"

	Callback      Callback
	ErrorCallback ErrorCallback

	PresenceEnabled bool
	PresenceState   map[string]any // published once the channel is joined

	Debounce time.Duration
	Throttle time.Duration

	Priority Priority

	RetryAttempts int
	RetryDelay    time.Duration
}

// Key returns the canonical subscription key for the config.
func (c Config) Key() (string, error) {
	return Key(c)
}

// priority returns the configured priority, defaulting to medium.
func (c Config) priority() Priority {
	switch c.Priority {
	case PriorityHigh, PriorityLow:
		return c.Priority
	default:
		return PriorityMedium
	}
}

func (c Config) retryAttempts(def int) int {
	if c.RetryAttempts > 0 {
		return c.RetryAttempts
	}
	return def
}

func (c Config) retryDelay(def time.Duration) time.Duration {
	if c.RetryDelay > 0 {
		return c.RetryDelay
	}
	return def
}

// changeFilter returns the transport binding for a table subscription.
func (c Config) changeFilter() (filter.Filter, events.ChangeOperation, error) {
	op, ok := events.ParseOperation(c.Event)
	if !ok {
		return filter.Filter{}, "", domain.NewValidationError("event", "must be INSERT, UPDATE, DELETE or *, got "+c.Event)
	}
	f, err := filter.Parse(c.Filter)
	if err != nil {
		return filter.Filter{}, "", err
	}
	return f, op, nil
}

// validateIdentity checks the fields that make up the key.
func (c Config) validateIdentity() error {
	if strings.TrimSpace(c.ChannelName) == "" {
		return domain.NewValidationError("channel_name", "is required")
	}
	if strings.TrimSpace(c.Table) == "" && strings.TrimSpace(c.Filter) != "" {
		return domain.NewValidationError("filter", "requires a table")
	}
	_, _, err := c.changeFilter()
	return err
}

func (c Config) validate() error {
	if err := c.validateIdentity(); err != nil {
		return err
	}
	if c.Callback == nil {
		return domain.NewValidationError("callback", "is required")
	}
	if c.Debounce < 0 || c.Throttle < 0 {
		return domain.NewValidationError("debounce/throttle", "must not be negative")
	}
	if c.RetryAttempts < 0 || c.RetryDelay < 0 {
		return domain.NewValidationError("retry", "must not be negative")
	}
	return nil
}
