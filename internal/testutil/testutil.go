// Package testutil provides shared test utilities and mocks for rtmux tests.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/domain/ports"
)

// ErrMockChannel is the error reported by MockChannel.Fail.
var ErrMockChannel = errors.New("mock channel failure")

// MockSubscriber implements ports.Subscriber for testing.
type MockSubscriber struct {
	id      string
	events  []events.Event
	mu      sync.Mutex
	closed  bool
	sendErr error
	done    chan struct{}
}

// NewMockSubscriber creates a new mock subscriber.
func NewMockSubscriber(id string) *MockSubscriber {
	return &MockSubscriber{
		id:   id,
		done: make(chan struct{}),
	}
}

// ID returns the subscriber ID.
func (m *MockSubscriber) ID() string {
	return m.id
}

// Send records the event and returns any configured error.
func (m *MockSubscriber) Send(e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}
	m.events = append(m.events, e)
	return nil
}

// Close marks the subscriber as closed.
func (m *MockSubscriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// Done returns a channel that's closed when the subscriber is done.
func (m *MockSubscriber) Done() <-chan struct{} {
	return m.done
}

// Events returns all received events.
func (m *MockSubscriber) Events() []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.Event(nil), m.events...)
}

// EventCount returns the number of received events.
func (m *MockSubscriber) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// IsClosed returns whether the subscriber was closed.
func (m *MockSubscriber) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetSendError configures an error to return on Send.
func (m *MockSubscriber) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

var _ ports.Subscriber = (*MockSubscriber)(nil)

// MockTransport implements ports.Transport. Every channel it opens answers
// Subscribe with the next scripted status for its name, or with the default
// status once the script is used up. An empty status means the join is
// never answered.
type MockTransport struct {
	mu            sync.Mutex
	channels      []*MockChannel
	scripts       map[string][]ports.Status
	defaultStatus ports.Status
	trackErr      error
}

// NewMockTransport creates a transport whose channels join successfully.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		scripts:       make(map[string][]ports.Status),
		defaultStatus: ports.StatusSubscribed,
	}
}

// Script queues join outcomes for successive opens of name.
func (t *MockTransport) Script(name string, statuses ...ports.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts[name] = append(t.scripts[name], statuses...)
}

// SetDefaultStatus sets the join outcome used when no script is queued.
func (t *MockTransport) SetDefaultStatus(s ports.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultStatus = s
}

// SetTrackError makes Track fail on channels opened afterwards.
func (t *MockTransport) SetTrackError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trackErr = err
}

// OpenChannel creates a mock channel.
func (t *MockTransport) OpenChannel(name string) ports.ChannelHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	join := t.defaultStatus
	if script := t.scripts[name]; len(script) > 0 {
		join = script[0]
		t.scripts[name] = script[1:]
	}

	ch := &MockChannel{
		name:             name,
		join:             join,
		trackErr:         t.trackErr,
		state:            ports.ChannelStateClosed,
		presence:         make(events.PresenceMap),
		presenceHandlers: make(map[events.PresenceEventKind][]func(ports.PresenceDiff)),
	}
	t.channels = append(t.channels, ch)
	return ch
}

// Opened returns how many channels were opened.
func (t *MockTransport) Opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// Channels returns the channels opened for name, oldest first.
func (t *MockTransport) Channels(name string) []*MockChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*MockChannel
	for _, ch := range t.channels {
		if ch.name == name {
			out = append(out, ch)
		}
	}
	return out
}

// Last returns the most recently opened channel for name, or nil.
func (t *MockTransport) Last(name string) *MockChannel {
	chs := t.Channels(name)
	if len(chs) == 0 {
		return nil
	}
	return chs[len(chs)-1]
}

var _ ports.Transport = (*MockTransport)(nil)

type dataBinding struct {
	filter  ports.ChangeFilter
	handler func(events.ChangeEvent)
}

// MockChannel implements ports.ChannelHandle. Tests drive it with
// EmitChange, EmitPresence, SetStatus and Fail.
type MockChannel struct {
	name     string
	join     ports.Status
	trackErr error

	mu               sync.Mutex
	state            ports.ChannelState
	status           func(ports.Status, error)
	bindings         []dataBinding
	presenceHandlers map[events.PresenceEventKind][]func(ports.PresenceDiff)
	presence         events.PresenceMap
	tracked          []map[string]any
	unsubscribed     int
}

// Name returns the channel topic.
func (c *MockChannel) Name() string { return c.name }

// OnDataChange records a data change handler.
func (c *MockChannel) OnDataChange(filter ports.ChangeFilter, handler func(events.ChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, dataBinding{filter: filter, handler: handler})
}

// OnPresence records a presence handler.
func (c *MockChannel) OnPresence(kind events.PresenceEventKind, handler func(ports.PresenceDiff)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenceHandlers[kind] = append(c.presenceHandlers[kind], handler)
}

// Subscribe stores the status handler and answers with the scripted join
// outcome, synchronously.
func (c *MockChannel) Subscribe(statusHandler func(ports.Status, error)) {
	c.mu.Lock()
	c.status = statusHandler
	c.state = ports.ChannelStateJoining
	join := c.join
	c.mu.Unlock()

	if join == "" {
		return
	}
	var err error
	if join != ports.StatusSubscribed {
		err = ErrMockChannel
	}
	c.SetStatus(join, err)
}

// Track records the published state.
func (c *MockChannel) Track(ctx context.Context, state map[string]any) (ports.Ack, error) {
	if err := ctx.Err(); err != nil {
		return ports.AckTimedOut, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.trackErr != nil {
		return ports.AckError, c.trackErr
	}
	c.tracked = append(c.tracked, state)
	c.presence["self"] = []events.Presence{{Ref: "ref", State: state}}
	return ports.AckOK, nil
}

// PresenceState returns a copy of the presence map.
func (c *MockChannel) PresenceState() events.PresenceMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence.Clone()
}

// State returns the channel state.
func (c *MockChannel) State() ports.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Unsubscribe closes the channel.
func (c *MockChannel) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ports.ChannelStateClosed
	c.unsubscribed++
	return nil
}

// SetStatus reports a status to the registered handler and updates the
// channel state accordingly.
func (c *MockChannel) SetStatus(status ports.Status, err error) {
	c.mu.Lock()
	switch status {
	case ports.StatusSubscribed:
		c.state = ports.ChannelStateJoined
	case ports.StatusChannelError, ports.StatusTimedOut:
		c.state = ports.ChannelStateErrored
	case ports.StatusClosed:
		c.state = ports.ChannelStateClosed
	}
	fn := c.status
	c.mu.Unlock()

	if fn != nil {
		fn(status, err)
	}
}

// Fail reports a runtime channel error.
func (c *MockChannel) Fail() {
	c.SetStatus(ports.StatusChannelError, ErrMockChannel)
}

// SetPresence replaces the presence entry for key.
func (c *MockChannel) SetPresence(key string, presences ...events.Presence) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence[key] = presences
}

// EmitChange delivers change to every handler bound to its table and
// operation. Row filters are not applied.
func (c *MockChannel) EmitChange(change events.ChangeEvent) {
	c.mu.Lock()
	var handlers []func(events.ChangeEvent)
	for _, b := range c.bindings {
		if b.filter.Table == change.Table && b.filter.Event.Matches(change.Operation) {
			handlers = append(handlers, b.handler)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(change)
	}
}

// EmitPresence delivers a presence event to the handlers of kind.
func (c *MockChannel) EmitPresence(kind events.PresenceEventKind, diff ports.PresenceDiff) {
	c.mu.Lock()
	handlers := append([]func(ports.PresenceDiff){}, c.presenceHandlers[kind]...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(diff)
	}
}

// Bindings returns the registered data change filters.
func (c *MockChannel) Bindings() []ports.ChangeFilter {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ports.ChangeFilter, len(c.bindings))
	for i, b := range c.bindings {
		out[i] = b.filter
	}
	return out
}

// Tracked returns every state published with Track.
func (c *MockChannel) Tracked() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.tracked...)
}

// Unsubscribed returns how many times Unsubscribe was called.
func (c *MockChannel) Unsubscribed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribed
}

var _ ports.ChannelHandle = (*MockChannel)(nil)
