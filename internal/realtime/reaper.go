package realtime

import (
	"time"

	"github.com/rs/zerolog/log"
)

// idleReaper periodically removes unreferenced subscriptions that stayed
// idle past MaxIdleTime.
func (r *Registry) idleReaper() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if n := r.cleanupIdle(); n > 0 {
				log.Info().Int("removed", n).Msg("cleaned up idle subscriptions")
			}
		}
	}
}

// ForceCleanup runs one idle reaper pass now and returns how many
// subscriptions it removed. Callbacks still running on a removed
// subscription finish after it returns, so it may be called from one.
func (r *Registry) ForceCleanup() int {
	return r.cleanupIdle()
}

func (r *Registry) cleanupIdle() int {
	now := r.opts.Now()

	r.mu.Lock()
	var idle []*activeSubscription
	for key, sub := range r.subs {
		if sub.subscribers > 0 || now.Sub(sub.lastActivity) <= r.opts.MaxIdleTime {
			continue
		}
		idle = append(idle, sub)
		delete(r.subs, key)
	}
	r.mu.Unlock()

	for _, sub := range idle {
		if err := sub.close(); err != nil {
			log.Warn().Err(err).Str("key", sub.key).Msg("failed to close idle subscription")
			continue
		}
		log.Info().Str("key", sub.key).Msg("removed idle subscription")
	}
	return len(idle)
}
