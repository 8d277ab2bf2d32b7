// Package memory implements an in-process pub/sub transport.
//
// A Broker hands out channel handles that behave like hosted realtime
// channels: row changes published through PublishChange reach every joined
// channel with a matching table binding, and presence tracked on a topic is
// diffed to every channel joined to that topic. Each channel delivers its
// events from its own goroutine, in publish order.
package memory

import (
	"context"
	"fmt"

	"github.com/brianly1003/rtmux/internal/domain"
	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/domain/ports"
	"github.com/brianly1003/rtmux/internal/sync"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Broker is an in-process transport and change sink.
type Broker struct {
	mu       sync.RWMutex
	topics   map[string]map[*channel]struct{}
	presence map[string]events.PresenceMap
	rejects  map[string]error
	closed   bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics:   make(map[string]map[*channel]struct{}),
		presence: make(map[string]events.PresenceMap),
		rejects:  make(map[string]error),
	}
}

// OpenChannel creates an unsubscribed channel for topic name.
func (b *Broker) OpenChannel(name string) ports.ChannelHandle {
	return newChannel(b, name)
}

// PublishChange fans a row change out to every joined channel bound to its
// table.
func (b *Broker) PublishChange(change events.ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, chans := range b.topics {
		for ch := range chans {
			ch.deliverChange(change)
		}
	}
}

// Reject makes future joins of topic fail with CHANNEL_ERROR. A nil err
// lifts the rejection.
func (b *Broker) Reject(topic string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.rejects, topic)
		return
	}
	b.rejects[topic] = err
}

// Fail drops every channel joined to topic with CHANNEL_ERROR, as if the
// connection to the service broke. It returns the number of channels
// affected.
func (b *Broker) Fail(topic string, err error) int {
	if err == nil {
		err = domain.ErrChannelClosed
	}

	b.mu.Lock()
	chans := b.topics[topic]
	delete(b.topics, topic)
	delete(b.presence, topic)
	b.mu.Unlock()

	for ch := range chans {
		ch.fail(err)
	}
	if len(chans) > 0 {
		log.Warn().Str("topic", topic).Int("channels", len(chans)).Err(err).Msg("topic failed")
	}
	return len(chans)
}

// Topics returns the number of joined channels per topic.
func (b *Broker) Topics() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.topics))
	for name, chans := range b.topics {
		out[name] = len(chans)
	}
	return out
}

// Close fails every channel and refuses further joins.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]map[*channel]struct{})
	b.presence = make(map[string]events.PresenceMap)
	b.mu.Unlock()

	for _, chans := range topics {
		for ch := range chans {
			ch.fail(domain.ErrChannelClosed)
		}
	}
}

// join registers ch on its topic. It returns the rejection, if any.
func (b *Broker) join(ch *channel) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return domain.ErrChannelClosed
	}
	if err, ok := b.rejects[ch.name]; ok {
		return err
	}
	chans, ok := b.topics[ch.name]
	if !ok {
		chans = make(map[*channel]struct{})
		b.topics[ch.name] = chans
	}
	chans[ch] = struct{}{}
	return nil
}

// leave removes ch from its topic and withdraws its presence.
func (b *Broker) leave(ch *channel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if chans, ok := b.topics[ch.name]; ok {
		delete(chans, ch)
		if len(chans) == 0 {
			delete(b.topics, ch.name)
		}
	}

	state := b.presence[ch.name]
	left, ok := state[ch.presenceKey]
	if !ok {
		return
	}
	delete(state, ch.presenceKey)
	if len(state) == 0 {
		delete(b.presence, ch.name)
	}
	b.broadcastPresenceLocked(ch.name, ports.PresenceDiff{}, ports.PresenceDiff{Key: ch.presenceKey, Presences: left})
}

// track replaces the presence of ch and diffs it to the topic.
func (b *Broker) track(ctx context.Context, ch *channel, state map[string]any) (ports.Ack, error) {
	if err := ctx.Err(); err != nil {
		return ports.AckTimedOut, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, joined := b.topics[ch.name][ch]; !joined {
		return ports.AckError, fmt.Errorf("track on %s: %w", ch.name, domain.ErrChannelClosed)
	}

	topic, ok := b.presence[ch.name]
	if !ok {
		topic = make(events.PresenceMap)
		b.presence[ch.name] = topic
	}

	joined := events.Presence{Ref: uuid.New().String(), State: cloneState(state)}
	left := topic[ch.presenceKey]
	topic[ch.presenceKey] = []events.Presence{joined}

	b.broadcastPresenceLocked(ch.name,
		ports.PresenceDiff{Key: ch.presenceKey, Presences: []events.Presence{joined}},
		ports.PresenceDiff{Key: ch.presenceKey, Presences: left})
	return ports.AckOK, nil
}

// presenceState returns a copy of the presence map of topic.
func (b *Broker) presenceState(topic string) events.PresenceMap {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if state := b.presence[topic].Clone(); state != nil {
		return state
	}
	return events.PresenceMap{}
}

// broadcastPresenceLocked queues leave, join and sync events on every
// channel of topic. Empty diffs are skipped; sync handlers read the state
// through PresenceState. b.mu must be held.
func (b *Broker) broadcastPresenceLocked(topic string, join, leave ports.PresenceDiff) {
	for ch := range b.topics[topic] {
		if len(leave.Presences) > 0 {
			ch.deliverPresence(events.PresenceLeave, leave)
		}
		if len(join.Presences) > 0 {
			ch.deliverPresence(events.PresenceJoin, join)
		}
		ch.deliverPresence(events.PresenceSync, ports.PresenceDiff{})
	}
}

func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

var (
	_ ports.Transport  = (*Broker)(nil)
	_ ports.ChangeSink = (*Broker)(nil)
)
