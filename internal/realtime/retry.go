package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/brianly1003/rtmux/internal/domain"
	"github.com/rs/zerolog/log"
)

// maxBackoffShift bounds the exponent so the delay cannot overflow.
const maxBackoffShift = 30

// backoffDelay returns base * 2^(attempt-1).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base << shift
}

// Reconnect runs the retry procedure for key immediately, whatever the state
// of its channel. The attempt counts against the subscription's retry
// budget.
func (r *Registry) Reconnect(ctx context.Context, key string) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return domain.ErrRegistryDestroyed
	}
	sub, ok := r.subs[key]
	if !ok {
		r.mu.Unlock()
		return domain.ErrSubscriptionNotFound
	}
	if sub.retrying {
		r.mu.Unlock()
		log.Debug().Str("key", key).Msg("reconnect skipped, retry in progress")
		return nil
	}
	limit := sub.config.retryAttempts(r.opts.DefaultRetryAttempts)
	if sub.retryCount >= limit {
		r.mu.Unlock()
		return domain.NewSubscriptionError(key, sub.config.ChannelName,
			fmt.Errorf("%w after %d attempts", domain.ErrRetriesExhausted, limit))
	}
	sub.retrying = true
	r.mu.Unlock()

	if !r.enter() {
		r.endRetry(sub)
		return domain.ErrRegistryDestroyed
	}
	defer r.wg.Done()

	return r.retry(ctx, sub)
}

// retry waits for the backoff delay, reopens the channel of old and swaps
// the fresh record into the table. Subscriber and retry counts carry over.
// The caller must have set old.retrying.
func (r *Registry) retry(ctx context.Context, old *activeSubscription) error {
	r.mu.Lock()
	if r.subs[old.key] != old {
		r.mu.Unlock()
		return domain.ErrSubscriptionNotFound
	}
	old.retryCount++
	attempt := old.retryCount
	r.mu.Unlock()

	delay := backoffDelay(old.config.retryDelay(r.opts.DefaultRetryDelay), attempt)
	log.Info().
		Str("key", old.key).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("retrying subscription")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-old.ctx.Done():
		r.endRetry(old)
		return old.ctx.Err()
	case <-ctx.Done():
		r.endRetry(old)
		return ctx.Err()
	}

	if err := old.channel.Unsubscribe(); err != nil {
		log.Debug().Err(err).Str("key", old.key).Msg("failed to leave stale channel")
	}

	fresh, err := r.open(old.key, old.config)
	if err != nil {
		r.endRetry(old)
		log.Error().Err(err).Str("key", old.key).Int("attempt", attempt).Msg("retry failed")
		old.reportError(err)
		return err
	}

	r.mu.Lock()
	if r.destroyed || r.subs[old.key] != old {
		r.mu.Unlock()
		_ = fresh.close()
		return domain.ErrSubscriptionNotFound
	}
	fresh.subscribers = old.subscribers
	fresh.retryCount = old.retryCount
	fresh.lastActivity = r.opts.Now()
	r.subs[old.key] = fresh
	r.mu.Unlock()

	// Drops the stale dispatcher and any debounce it still holds.
	old.cancel()

	log.Info().Str("key", old.key).Int("attempt", attempt).Msg("subscription reconnected")
	return nil
}

func (r *Registry) endRetry(sub *activeSubscription) {
	r.mu.Lock()
	sub.retrying = false
	r.mu.Unlock()
}
