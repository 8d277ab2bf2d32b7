// Package hub fans realtime events out to gateway observers.
//
// The registry invokes exactly one callback per subscription key; the
// gateway points that callback at Publish, and the hub delivers the event to
// every observer that holds the key (see FilteredSubscriber).
package hub

import (
	"sync/atomic"

	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/domain/ports"
	"github.com/brianly1003/rtmux/internal/sync"
	"github.com/rs/zerolog/log"
)

// DefaultBufferSize is the capacity of the broadcast queue.
const DefaultBufferSize = 256

// Hub is the event dispatcher that fans out events to all subscribers.
type Hub struct {
	subscribers map[string]ports.Subscriber

	broadcast  chan events.Event
	register   chan ports.Subscriber
	unregister chan string

	// mu protects subscribers and running
	mu sync.RWMutex

	done    chan struct{}
	running bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a new Hub.
func New() *Hub {
	return NewWithBuffer(DefaultBufferSize)
}

// NewWithBuffer creates a hub whose broadcast queue holds size events.
func NewWithBuffer(size int) *Hub {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Hub{
		subscribers: make(map[string]ports.Subscriber),
		broadcast:   make(chan events.Event, size),
		register:    make(chan ports.Subscriber),
		unregister:  make(chan string),
		done:        make(chan struct{}),
	}
}

// Start begins the hub's main loop.
func (h *Hub) Start() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.mu.Unlock()

	log.Debug().Msg("event hub started")

	go h.run()
	return nil
}

// Stop closes every subscriber and stops the loop. A stopped hub cannot be
// restarted.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	subs := h.subscribers
	h.subscribers = make(map[string]ports.Subscriber)
	h.mu.Unlock()

	close(h.done)

	for _, sub := range subs {
		_ = sub.Close()
	}

	log.Debug().
		Uint64("published", h.published.Load()).
		Uint64("dropped", h.dropped.Load()).
		Msg("event hub stopped")
	return nil
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub.ID()] = sub
			h.mu.Unlock()
			log.Debug().Str("subscriber_id", sub.ID()).Msg("subscriber registered")

		case id := <-h.unregister:
			h.remove(id)

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	delete(h.subscribers, id)
	h.mu.Unlock()

	if ok {
		_ = sub.Close()
		log.Debug().Str("subscriber_id", id).Msg("subscriber unregistered")
	}
}

func (h *Hub) deliver(event events.Event) {
	h.mu.RLock()
	var failed []string
	for id, sub := range h.subscribers {
		if err := sub.Send(event); err != nil {
			log.Warn().
				Str("subscriber_id", id).
				Str("key", event.GetSubscriptionKey()).
				Err(err).
				Msg("failed to send event to subscriber")
			failed = append(failed, id)
		}
	}
	h.mu.RUnlock()

	// Runs on the loop goroutine, so remove directly instead of
	// round-tripping through the unregister channel.
	for _, id := range failed {
		h.remove(id)
	}
}

// Publish queues an event for all subscribers. Events are dropped when the
// hub is not running or the queue is full.
func (h *Hub) Publish(event events.Event) {
	if !h.IsRunning() {
		h.dropped.Add(1)
		log.Trace().Str("event_type", string(event.Type())).Msg("event dropped: hub not running")
		return
	}

	select {
	case h.broadcast <- event:
		h.published.Add(1)
		log.Trace().
			Str("event_type", string(event.Type())).
			Str("key", event.GetSubscriptionKey()).
			Msg("event published")
	default:
		h.dropped.Add(1)
		log.Warn().
			Str("event_type", string(event.Type())).
			Msg("event dropped: broadcast channel full")
	}
}

// Subscribe adds a new subscriber.
func (h *Hub) Subscribe(sub ports.Subscriber) {
	select {
	case h.register <- sub:
	case <-h.done:
	}
}

// Unsubscribe removes a subscriber by ID and closes it.
func (h *Hub) Unsubscribe(id string) {
	select {
	case h.unregister <- id:
	case <-h.done:
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// IsRunning returns true if the hub is running.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Counters returns how many events were queued and dropped.
func (h *Hub) Counters() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

var _ ports.EventHub = (*Hub)(nil)
