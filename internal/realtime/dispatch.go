package realtime

import (
	"time"

	"github.com/brianly1003/rtmux/internal/domain"
	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/sync"
	"github.com/rs/zerolog/log"
)

// dispatcher applies the debounce and throttle policy of one subscription
// and invokes its callback. Callback invocations for one dispatcher never
// overlap.
type dispatcher struct {
	key      string
	callback Callback
	onError  ErrorCallback
	debounce time.Duration
	throttle time.Duration
	now      func() time.Time
	touch    func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending events.ChannelEvent
	closed  bool

	// deliverMu serializes callback invocations and guards lastDelivery.
	deliverMu    sync.Mutex
	lastDelivery time.Time
}

func newDispatcher(key string, cfg Config, now func() time.Time, touch func()) *dispatcher {
	return &dispatcher{
		key:      key,
		callback: cfg.Callback,
		onError:  cfg.ErrorCallback,
		debounce: cfg.Debounce,
		throttle: cfg.Throttle,
		now:      now,
		touch:    touch,
	}
}

// dispatch accepts an inbound event. Without a policy the callback runs
// synchronously on the caller's goroutine.
func (d *dispatcher) dispatch(e events.ChannelEvent) {
	if d.touch != nil {
		d.touch()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	if d.debounce > 0 {
		d.pending = e
		if d.timer != nil {
			d.timer.Stop()
		}
		d.gen++
		gen := d.gen
		d.timer = time.AfterFunc(d.debounce, func() {
			d.flush(gen)
		})
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.deliver(e)
}

// flush delivers the latest pending event once the quiet period elapsed.
// A timer that lost the race against a newer event sees a stale generation.
func (d *dispatcher) flush(gen uint64) {
	d.mu.Lock()
	if d.closed || gen != d.gen || d.pending == nil {
		d.mu.Unlock()
		return
	}
	e := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()

	d.deliver(e)
}

// deliver applies the throttle and runs the callback.
func (d *dispatcher) deliver(e events.ChannelEvent) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	if d.isClosed() {
		return
	}

	if d.throttle > 0 {
		now := d.now()
		if !d.lastDelivery.IsZero() && now.Sub(d.lastDelivery) < d.throttle {
			log.Trace().Str("key", d.key).Msg("event throttled")
			return
		}
		d.lastDelivery = now
	}

	d.invoke(e)
}

func (d *dispatcher) invoke(e events.ChannelEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.fail(&domain.CallbackError{Key: d.key, Panic: r})
		}
	}()

	if err := d.callback(e); err != nil {
		d.fail(domain.NewCallbackError(d.key, err))
	}
}

func (d *dispatcher) fail(err error) {
	log.Error().Err(err).Str("key", d.key).Msg("error in subscription callback")
	reportError(d.key, d.onError, err)
}

func (d *dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// close cancels any pending debounce and stops new deliveries. A callback
// already running is left to finish, so close is safe to call from inside
// the callback.
func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = nil
}

// wait blocks until an in-flight callback returns. It must not be called
// from inside the callback.
func (d *dispatcher) wait() {
	d.deliverMu.Lock()
	//nolint:staticcheck // empty critical section waits for the running callback
	d.deliverMu.Unlock()
}

// reportError invokes an error callback, isolating panics raised by it.
func reportError(key string, fn ErrorCallback, err error) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("key", key).Interface("panic", r).Msg("error callback panicked")
		}
	}()
	fn(err)
}
