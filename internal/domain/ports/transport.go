package ports

import (
	"context"

	"github.com/brianly1003/rtmux/internal/domain/events"
)

// Status is a transport status reported to a channel's status handler.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// ChannelState is the lifecycle state of a channel handle.
type ChannelState string

const (
	ChannelStateClosed  ChannelState = "closed"
	ChannelStateErrored ChannelState = "errored"
	ChannelStateJoining ChannelState = "joining"
	ChannelStateJoined  ChannelState = "joined"
	ChannelStateLeaving ChannelState = "leaving"
)

// Failed reports whether the channel needs to be reopened.
func (s ChannelState) Failed() bool {
	return s == ChannelStateClosed || s == ChannelStateErrored
}

// Ack is the transport acknowledgement for a presence publish.
type Ack string

const (
	AckOK       Ack = "ok"
	AckTimedOut Ack = "timed out"
	AckError    Ack = "error"
)

// ChangeFilter selects the row changes a channel receives.
type ChangeFilter struct {
	Schema string
	Table  string
	Event  events.ChangeOperation
	Filter string // row filter expression, e.g. "chat_id=eq.42"
}

// PresenceDiff is the transport payload of a presence join or leave.
type PresenceDiff struct {
	Key       string
	Presences []events.Presence
}

// Transport opens channels on the external pub/sub service.
type Transport interface {
	// OpenChannel creates an unsubscribed channel handle for a topic.
	OpenChannel(name string) ChannelHandle
}

// ChannelHandle wraps one live subscription to the pub/sub transport.
// Handlers must be registered before Subscribe. The transport invokes all
// handlers of one channel from a single goroutine, in delivery order.
type ChannelHandle interface {
	// Name returns the topic the channel was opened for.
	Name() string

	// OnDataChange registers a handler for row changes matching filter.
	OnDataChange(filter ChangeFilter, handler func(events.ChangeEvent))

	// OnPresence registers a handler for presence sync, join or leave.
	// Sync handlers receive an empty diff and should read PresenceState.
	OnPresence(kind events.PresenceEventKind, handler func(PresenceDiff))

	// Subscribe joins the channel. Status changes, including the outcome
	// of the join, are reported to statusHandler.
	Subscribe(statusHandler func(Status, error))

	// Track publishes this participant's presence state.
	Track(ctx context.Context, state map[string]any) (Ack, error)

	// PresenceState returns the current aggregated presence map.
	PresenceState() events.PresenceMap

	// State returns the channel lifecycle state.
	State() ChannelState

	// Unsubscribe leaves the channel and releases its resources.
	Unsubscribe() error
}

// ChangeSink receives row changes produced by a record store.
type ChangeSink interface {
	PublishChange(change events.ChangeEvent)
}
