package hub

import (
	"sort"

	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/domain/ports"
	"github.com/brianly1003/rtmux/internal/sync"
)

// FilteredSubscriber wraps a subscriber and forwards only the events of the
// subscription keys it holds. Events without a key (stats, heartbeats,
// errors addressed to everyone) are always forwarded.
type FilteredSubscriber struct {
	inner ports.Subscriber

	mu   sync.RWMutex
	keys map[string]int // key -> number of holds
}

// NewFilteredSubscriber creates a filtered subscriber wrapping inner.
func NewFilteredSubscriber(inner ports.Subscriber) *FilteredSubscriber {
	return &FilteredSubscriber{
		inner: inner,
		keys:  make(map[string]int),
	}
}

// ID returns the subscriber's unique identifier.
func (f *FilteredSubscriber) ID() string {
	return f.inner.ID()
}

// Send forwards the event if it passes the filter.
func (f *FilteredSubscriber) Send(event events.Event) error {
	if !f.shouldForward(event) {
		return nil
	}
	return f.inner.Send(event)
}

// Close closes the subscriber.
func (f *FilteredSubscriber) Close() error {
	return f.inner.Close()
}

// Done returns a channel that's closed when the subscriber is done.
func (f *FilteredSubscriber) Done() <-chan struct{} {
	return f.inner.Done()
}

// Hold adds one hold on key. It reports whether this was the first hold.
func (f *FilteredSubscriber) Hold(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key]++
	return f.keys[key] == 1
}

// Release drops one hold on key. It reports whether a hold existed.
func (f *FilteredSubscriber) Release(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.keys[key]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(f.keys, key)
	} else {
		f.keys[key] = n - 1
	}
	return true
}

// Holds reports whether key is held.
func (f *FilteredSubscriber) Holds(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.keys[key] > 0
}

// Drain removes every hold and returns one entry per hold, so the caller can
// release each reference it took.
func (f *FilteredSubscriber) Drain() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for key, n := range f.keys {
		for i := 0; i < n; i++ {
			out = append(out, key)
		}
	}
	f.keys = make(map[string]int)
	sort.Strings(out)
	return out
}

// Keys returns the held keys in order.
func (f *FilteredSubscriber) Keys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.keys))
	for key := range f.keys {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (f *FilteredSubscriber) shouldForward(event events.Event) bool {
	key := event.GetSubscriptionKey()
	if key == "" {
		return true
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.keys[key] > 0
}
