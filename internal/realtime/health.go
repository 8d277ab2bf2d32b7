package realtime

import (
	"fmt"
	"time"

	"github.com/brianly1003/rtmux/internal/domain"
	"github.com/rs/zerolog/log"
)

// healthMonitor periodically inspects every subscription and reopens
// failed channels.
func (r *Registry) healthMonitor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.checkHealth()
		}
	}
}

// checkHealth runs one health pass and publishes the aggregate stats.
func (r *Registry) checkHealth() {
	r.mu.Lock()
	subs := make([]*activeSubscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		r.checkSubscription(sub)
	}

	stats := r.Stats()
	log.Debug().
		Int("total", stats.Total).
		Int("active", stats.Active).
		Int("idle", stats.Idle).
		Int("subscribers", stats.TotalSubscribers).
		Str("connection_state", string(stats.ConnectionState)).
		Msg("subscription health check")

	if r.opts.OnStats != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Error().Interface("panic", p).Msg("stats handler panicked")
				}
			}()
			r.opts.OnStats(stats)
		}()
	}
}

// checkSubscription schedules a retry for one failed channel. A panic while
// inspecting one subscription never aborts the rest of the pass.
func (r *Registry) checkSubscription(sub *activeSubscription) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("key", sub.key).Interface("panic", p).Msg("health check failed")
		}
	}()

	state := sub.channel.State()
	if !state.Failed() {
		return
	}

	r.mu.Lock()
	if r.destroyed || r.subs[sub.key] != sub || sub.retrying {
		r.mu.Unlock()
		return
	}

	limit := sub.config.retryAttempts(r.opts.DefaultRetryAttempts)
	if sub.retryCount >= limit {
		report := !sub.exhausted
		attempts := sub.retryCount
		sub.exhausted = true
		r.mu.Unlock()
		if report {
			log.Error().Str("key", sub.key).Int("attempts", attempts).Msg("subscription retries exhausted")
			sub.reportError(domain.NewChannelError(sub.key, string(state),
				fmt.Errorf("%w after %d attempts", domain.ErrRetriesExhausted, limit)))
		}
		return
	}
	sub.retrying = true
	r.mu.Unlock()

	log.Warn().Str("key", sub.key).Str("state", string(state)).Msg("unhealthy channel detected")

	if !r.goSafe(func() { _ = r.retry(r.ctx, sub) }) {
		r.endRetry(sub)
	}
}
