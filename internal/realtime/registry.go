// Package realtime multiplexes subscription requests from independent
// features onto a minimal set of shared transport channels.
//
// A Registry maps each canonical subscription key to one active
// subscription that owns exactly one transport channel. Subscribing to a
// key that is already active only increments its subscriber count;
// unsubscribing decrements it. Unreferenced subscriptions are closed by the
// idle reaper once they stayed idle past MaxIdleTime, so features that
// unmount and remount quickly do not pay the reconnection cost.
//
// Two background tasks run for the lifetime of the registry:
//
//   - the health monitor inspects every channel on HealthCheckInterval and
//     reopens failed ones with exponential backoff, up to the configured
//     retry limit;
//   - the idle reaper removes subscriptions without subscribers that have
//     been idle longer than MaxIdleTime.
//
// Destroy stops both tasks, cancels pending debounce timers and retry
// waits, and closes every channel.
package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/brianly1003/rtmux/internal/domain"
	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/domain/ports"
	"github.com/brianly1003/rtmux/internal/sync"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Registry owns every active subscription and its transport channel.
// All methods are safe for concurrent use.
type Registry struct {
	transport ports.Transport
	opts      Options

	mu        sync.Mutex
	subs      map[string]*activeSubscription
	destroyed bool

	// creating collapses concurrent first subscriptions of one key into a
	// single channel open.
	creating singleflight.Group

	state atomic.Value // ConnectionState

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	destroyOnce sync.Once
}

// New creates a registry on top of transport and starts its health monitor
// and idle reaper. Callers must call Destroy on shutdown.
func New(transport ports.Transport, opts Options) *Registry {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		transport: transport,
		opts:      opts,
		subs:      make(map[string]*activeSubscription),
		ctx:       ctx,
		cancel:    cancel,
	}
	r.state.Store(StateDisconnected)

	r.wg.Add(2)
	go r.healthMonitor()
	go r.idleReaper()

	log.Info().
		Dur("health_check_interval", opts.HealthCheckInterval).
		Dur("cleanup_interval", opts.CleanupInterval).
		Dur("max_idle_time", opts.MaxIdleTime).
		Msg("subscription registry started")

	return r
}

// Subscribe registers interest in the stream described by cfg and returns
// its canonical key. If the key is already active the existing channel is
// shared; otherwise a channel is opened and Subscribe waits until the
// transport accepts it, rejects it (*domain.SubscriptionError) or the
// subscribe timeout elapses. A key whose retries are exhausted gets a fresh
// channel and a new retry budget; its existing subscribers carry over.
func (r *Registry) Subscribe(ctx context.Context, cfg Config) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	key, err := Key(cfg)
	if err != nil {
		return "", err
	}

	n, err := r.acquire(key)
	if err != nil {
		return "", err
	}
	if n > 0 {
		log.Info().Str("key", key).Int("subscribers", n).Msg("reusing subscription")
		return key, nil
	}

	result := r.creating.DoChan(key, func() (interface{}, error) {
		return nil, r.create(key, cfg)
	})

	select {
	case res := <-result:
		if res.Err != nil {
			log.Error().Err(res.Err).Str("key", key).Msg("failed to create subscription")
			return "", res.Err
		}
	case <-ctx.Done():
		return "", domain.NewSubscriptionError(key, cfg.ChannelName, ctx.Err())
	}

	n, err = r.acquire(key)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", domain.NewSubscriptionError(key, cfg.ChannelName, domain.ErrSubscriptionNotFound)
	}
	return key, nil
}

// SubscribeAll subscribes every config concurrently. If any subscription
// fails, the keys acquired so far are released and the first error is
// returned.
func (r *Registry) SubscribeAll(ctx context.Context, cfgs []Config) ([]string, error) {
	keys := make([]string, len(cfgs))
	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range cfgs {
		i, cfg := i, cfg
		g.Go(func() error {
			key, err := r.Subscribe(gctx, cfg)
			if err != nil {
				return err
			}
			keys[i] = key
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, key := range keys {
			if key != "" {
				r.Unsubscribe(key)
			}
		}
		return nil, err
	}
	return keys, nil
}

// Unsubscribe drops one reference to key. The channel stays open until the
// idle reaper removes it. Unknown keys are ignored.
func (r *Registry) Unsubscribe(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[key]
	if !ok {
		return
	}

	if sub.subscribers > 0 {
		sub.subscribers--
	}
	sub.lastActivity = r.opts.Now()

	if sub.subscribers == 0 {
		log.Info().Str("key", key).Msg("subscription marked for cleanup")
	} else {
		log.Info().Str("key", key).Int("subscribers", sub.subscribers).Msg("decreased subscribers")
	}
}

// ConnectionState returns the last transport state reported by any channel.
func (r *Registry) ConnectionState() ConnectionState {
	return r.state.Load().(ConnectionState)
}

// Destroy stops the background tasks, cancels every pending debounce timer
// and retry wait, and closes all channels regardless of subscriber count.
// It returns once no callback is running. It is idempotent and must not be
// called from inside a subscription callback.
func (r *Registry) Destroy() error {
	var err error
	r.destroyOnce.Do(func() {
		log.Info().Msg("destroying subscription registry")

		r.mu.Lock()
		r.destroyed = true
		subs := r.subs
		r.subs = make(map[string]*activeSubscription)
		r.mu.Unlock()

		r.cancel()

		var g errgroup.Group
		for key, sub := range subs {
			key, sub := key, sub
			g.Go(func() error {
				cerr := sub.close()
				sub.dispatcher.wait()
				if cerr != nil {
					return fmt.Errorf("close %s: %w", key, cerr)
				}
				return nil
			})
		}
		err = g.Wait()

		r.wg.Wait()
		r.setState(StateDisconnected)

		log.Info().Int("closed", len(subs)).Msg("subscription registry destroyed")
	})
	return err
}

// acquire increments the subscriber count of an existing key and returns
// the new count, or 0 if the key is not active or has exhausted its retries.
func (r *Registry) acquire(key string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return 0, domain.ErrRegistryDestroyed
	}
	sub, ok := r.subs[key]
	if !ok || sub.exhausted {
		return 0, nil
	}
	sub.subscribers++
	sub.lastActivity = r.opts.Now()
	return sub.subscribers, nil
}

// create opens the channel for a new key and stores it with no subscribers;
// the caller acquires its reference afterwards. An exhausted record for key
// is replaced by the new one, keeping its subscribers.
func (r *Registry) create(key string, cfg Config) error {
	if !r.enter() {
		return domain.ErrRegistryDestroyed
	}
	defer r.wg.Done()

	r.mu.Lock()
	prev, exists := r.subs[key]
	if exists && !prev.exhausted {
		r.mu.Unlock()
		return nil
	}
	// Holders of the exhausted record keep the callback they subscribed with.
	if exists && prev.subscribers > 0 {
		cfg = prev.config
	}
	r.mu.Unlock()

	sub, err := r.open(key, cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		_ = sub.close()
		return domain.NewSubscriptionError(key, cfg.ChannelName, domain.ErrRegistryDestroyed)
	}
	if cur, ok := r.subs[key]; ok && cur != prev {
		r.mu.Unlock()
		_ = sub.close()
		return nil
	}
	if exists {
		sub.subscribers = prev.subscribers
	}
	sub.lastActivity = r.opts.Now()
	r.subs[key] = sub
	r.mu.Unlock()

	if exists {
		_ = prev.close()
		log.Info().Str("key", key).Int("subscribers", sub.subscribers).Msg("reopened exhausted subscription")
		return nil
	}

	log.Info().
		Str("key", key).
		Str("channel", cfg.ChannelName).
		Str("priority", string(cfg.priority())).
		Bool("presence", cfg.PresenceEnabled).
		Msg("created new subscription")
	return nil
}

// open creates a channel for cfg, wires its handlers through a fresh
// dispatcher and waits for the transport to accept it.
func (r *Registry) open(key string, cfg Config) (*activeSubscription, error) {
	f, op, err := cfg.changeFilter()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(r.ctx)
	sub := &activeSubscription{
		key:          key,
		config:       cfg,
		channel:      r.transport.OpenChannel(strings.TrimSpace(cfg.ChannelName)),
		ctx:          ctx,
		cancel:       cancel,
		lastActivity: r.opts.Now(),
	}
	sub.dispatcher = newDispatcher(key, cfg, r.opts.Now, func() { r.touch(sub) })
	context.AfterFunc(ctx, sub.dispatcher.close)

	if table := strings.TrimSpace(cfg.Table); table != "" {
		sub.channel.OnDataChange(ports.ChangeFilter{
			Schema: "public",
			Table:  table,
			Event:  op,
			Filter: f.String(),
		}, func(change events.ChangeEvent) {
			change.Key = key
			sub.dispatcher.dispatch(&change)
		})
	}
	if cfg.PresenceEnabled {
		r.bindPresence(sub)
	}

	joined := make(chan error, 1)
	var settled atomic.Bool
	settle := func(err error) bool {
		if !settled.CompareAndSwap(false, true) {
			return false
		}
		joined <- err
		return true
	}

	r.setState(StateConnecting)
	sub.channel.Subscribe(func(status ports.Status, err error) {
		r.handleStatus(sub, status, err, settle)
	})

	timer := time.NewTimer(r.opts.SubscribeTimeout)
	defer timer.Stop()

	var openErr error
	select {
	case openErr = <-joined:
	case <-timer.C:
		if settled.CompareAndSwap(false, true) {
			openErr = domain.ErrSubscribeTimeout
			r.setState(StateError)
		} else {
			openErr = <-joined
		}
	case <-r.ctx.Done():
		if settled.CompareAndSwap(false, true) {
			openErr = domain.ErrRegistryDestroyed
		} else {
			openErr = <-joined
		}
	}

	if openErr != nil {
		cancel()
		_ = sub.channel.Unsubscribe()
		return nil, domain.NewSubscriptionError(key, cfg.ChannelName, openErr)
	}
	return sub, nil
}

// handleStatus reacts to transport status changes of one channel. The first
// status settles the pending open; later ones are runtime events.
func (r *Registry) handleStatus(sub *activeSubscription, status ports.Status, err error, settle func(error) bool) {
	switch status {
	case ports.StatusSubscribed:
		r.setState(StateConnected)
		settle(nil)
		if sub.ctx.Err() != nil {
			return
		}
		if sub.config.PresenceEnabled && len(sub.config.PresenceState) > 0 {
			r.goSafe(func() { r.trackInitial(sub) })
		}

	case ports.StatusChannelError, ports.StatusTimedOut:
		r.setState(StateError)
		cause := domain.ErrChannelRejected
		if status == ports.StatusTimedOut {
			cause = domain.ErrSubscribeTimeout
		}
		if err != nil {
			cause = fmt.Errorf("%w: %v", cause, err)
		}
		if settle(cause) || sub.ctx.Err() != nil {
			return
		}
		sub.reportError(domain.NewChannelError(sub.key, string(status), cause))

	case ports.StatusClosed:
		if settle(domain.ErrChannelClosed) || sub.ctx.Err() != nil {
			return
		}
		log.Warn().Str("key", sub.key).Msg("channel closed by transport")
	}
}

// touch refreshes the last activity of sub if it is still the live record.
func (r *Registry) touch(sub *activeSubscription) {
	r.mu.Lock()
	if r.subs[sub.key] == sub {
		sub.lastActivity = r.opts.Now()
	}
	r.mu.Unlock()
}

func (r *Registry) setState(s ConnectionState) {
	if prev := r.state.Swap(s); prev != s {
		log.Debug().Str("from", string(prev.(ConnectionState))).Str("to", string(s)).Msg("connection state changed")
	}
}

// enter registers a unit of background work unless the registry is
// destroyed. Callers must call r.wg.Done when it returns true.
func (r *Registry) enter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return false
	}
	r.wg.Add(1)
	return true
}

// goSafe runs fn on a goroutine that Destroy waits for.
func (r *Registry) goSafe(fn func()) bool {
	if !r.enter() {
		return false
	}
	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}
