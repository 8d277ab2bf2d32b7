package memory

import (
	"context"

	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/domain/ports"
	"github.com/brianly1003/rtmux/internal/filter"
	"github.com/brianly1003/rtmux/internal/sync"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type binding struct {
	filter  ports.ChangeFilter
	row     filter.Filter
	handler func(events.ChangeEvent)
}

func (b binding) matches(change events.ChangeEvent) bool {
	if b.filter.Schema != "" && change.Schema != "" && b.filter.Schema != change.Schema {
		return false
	}
	if b.filter.Table != change.Table || !b.filter.Event.Matches(change.Operation) {
		return false
	}
	return b.row.Match(change.Row())
}

// channel is a broker channel handle.
type channel struct {
	broker      *Broker
	name        string
	presenceKey string
	box         *mailbox

	mu       sync.Mutex
	state    ports.ChannelState
	started  bool
	status   func(ports.Status, error)
	bindings []binding
	presence map[events.PresenceEventKind][]func(ports.PresenceDiff)
}

func newChannel(b *Broker, name string) *channel {
	return &channel{
		broker:      b,
		name:        name,
		presenceKey: uuid.New().String(),
		box:         newMailbox(),
		state:       ports.ChannelStateClosed,
		presence:    make(map[events.PresenceEventKind][]func(ports.PresenceDiff)),
	}
}

func (c *channel) Name() string { return c.name }

func (c *channel) OnDataChange(f ports.ChangeFilter, handler func(events.ChangeEvent)) {
	row, err := filter.Parse(f.Filter)
	if err != nil {
		log.Warn().Err(err).Str("topic", c.name).Msg("ignoring data binding with invalid filter")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, binding{filter: f, row: row, handler: handler})
}

func (c *channel) OnPresence(kind events.PresenceEventKind, handler func(ports.PresenceDiff)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence[kind] = append(c.presence[kind], handler)
}

// Subscribe joins the topic asynchronously; the outcome arrives on
// statusHandler from the channel's delivery goroutine.
func (c *channel) Subscribe(statusHandler func(ports.Status, error)) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.status = statusHandler
	c.state = ports.ChannelStateJoining
	c.mu.Unlock()

	go c.box.run()
	c.box.push(c.join)
}

func (c *channel) join() {
	err := c.broker.join(c)

	c.mu.Lock()
	if c.state != ports.ChannelStateJoining {
		c.mu.Unlock()
		if err == nil {
			c.broker.leave(c)
		}
		return
	}
	status := c.status
	if err != nil {
		c.state = ports.ChannelStateErrored
		c.mu.Unlock()
		status(ports.StatusChannelError, err)
		return
	}
	c.state = ports.ChannelStateJoined
	syncHandlers := append([]func(ports.PresenceDiff){}, c.presence[events.PresenceSync]...)
	c.mu.Unlock()

	status(ports.StatusSubscribed, nil)
	for _, h := range syncHandlers {
		h(ports.PresenceDiff{})
	}
}

func (c *channel) Track(ctx context.Context, state map[string]any) (ports.Ack, error) {
	return c.broker.track(ctx, c, state)
}

func (c *channel) PresenceState() events.PresenceMap {
	return c.broker.presenceState(c.name)
}

func (c *channel) State() ports.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Unsubscribe leaves the topic and stops the delivery goroutine. Events
// still queued are dropped.
func (c *channel) Unsubscribe() error {
	c.mu.Lock()
	c.state = ports.ChannelStateClosed
	c.mu.Unlock()

	c.broker.leave(c)
	c.box.close()
	return nil
}

// deliverChange queues change for every matching binding.
func (c *channel) deliverChange(change events.ChangeEvent) {
	c.mu.Lock()
	if c.state != ports.ChannelStateJoined {
		c.mu.Unlock()
		return
	}
	var handlers []func(events.ChangeEvent)
	for _, b := range c.bindings {
		if b.matches(change) {
			handlers = append(handlers, b.handler)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h := h
		c.box.push(func() { h(change) })
	}
}

// deliverPresence queues a presence event for the handlers of kind.
func (c *channel) deliverPresence(kind events.PresenceEventKind, diff ports.PresenceDiff) {
	c.mu.Lock()
	if c.state != ports.ChannelStateJoined {
		c.mu.Unlock()
		return
	}
	handlers := append([]func(ports.PresenceDiff){}, c.presence[kind]...)
	c.mu.Unlock()

	if len(handlers) == 0 {
		return
	}
	c.box.push(func() {
		for _, h := range handlers {
			h(diff)
		}
	})
}

// fail moves a joined channel to the errored state and reports it.
func (c *channel) fail(err error) {
	c.mu.Lock()
	if c.state == ports.ChannelStateClosed {
		c.mu.Unlock()
		return
	}
	c.state = ports.ChannelStateErrored
	status := c.status
	c.mu.Unlock()

	if status == nil {
		return
	}
	c.box.push(func() { status(ports.StatusChannelError, err) })
}

var _ ports.ChannelHandle = (*channel)(nil)

// mailbox is an unbounded FIFO of functions run by a single goroutine.
type mailbox struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, fn)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop() (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || len(m.items) == 0 {
		return nil, false
	}
	fn := m.items[0]
	m.items[0] = nil
	m.items = m.items[1:]
	return fn, true
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}
		for {
			fn, ok := m.pop()
			if !ok {
				break
			}
			m.invoke(fn)
		}
	}
}

func (m *mailbox) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("channel handler panicked")
		}
	}()
	fn()
}

func (m *mailbox) close() {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.items = nil
		m.mu.Unlock()
		close(m.done)
	})
}
