package realtime

import (
	"context"
	"fmt"

	"github.com/brianly1003/rtmux/internal/domain"
	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/domain/ports"
	"github.com/rs/zerolog/log"
)

// UpdatePresence publishes state on the channel of key and returns the
// transport acknowledgement. It fails with domain.ErrPresenceNotEnabled if
// the subscription was created without presence.
func (r *Registry) UpdatePresence(ctx context.Context, key string, state map[string]any) (ports.Ack, error) {
	r.mu.Lock()
	sub, ok := r.subs[key]
	destroyed := r.destroyed
	r.mu.Unlock()

	switch {
	case destroyed:
		return "", domain.ErrRegistryDestroyed
	case !ok:
		return "", fmt.Errorf("%w: %s", domain.ErrSubscriptionNotFound, key)
	case !sub.config.PresenceEnabled:
		return "", fmt.Errorf("%w: %s", domain.ErrPresenceNotEnabled, key)
	}

	ack, err := sub.channel.Track(ctx, state)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to update presence")
		return ack, err
	}
	r.touch(sub)
	return ack, nil
}

// GetPresence returns the aggregated presence map of key, or nil if the key
// is unknown or was created without presence.
func (r *Registry) GetPresence(key string) events.PresenceMap {
	r.mu.Lock()
	sub, ok := r.subs[key]
	r.mu.Unlock()

	if !ok || !sub.config.PresenceEnabled {
		return nil
	}
	return sub.channel.PresenceState().Clone()
}

// bindPresence routes the channel's presence events through the dispatcher
// as sync, join and leave events.
func (r *Registry) bindPresence(sub *activeSubscription) {
	ch, key, d := sub.channel, sub.key, sub.dispatcher

	ch.OnPresence(events.PresenceSync, func(ports.PresenceDiff) {
		d.dispatch(&events.PresenceSyncEvent{
			Key:   key,
			State: ch.PresenceState().Clone(),
			At:    r.opts.Now(),
		})
	})
	ch.OnPresence(events.PresenceJoin, func(diff ports.PresenceDiff) {
		d.dispatch(&events.PresenceJoinEvent{
			Key:          key,
			PresenceKey:  diff.Key,
			NewPresences: diff.Presences,
			At:           r.opts.Now(),
		})
	})
	ch.OnPresence(events.PresenceLeave, func(diff ports.PresenceDiff) {
		d.dispatch(&events.PresenceLeaveEvent{
			Key:           key,
			PresenceKey:   diff.Key,
			LeftPresences: diff.Presences,
			At:            r.opts.Now(),
		})
	})
}

// trackInitial publishes the configured presence payload once the channel
// has joined.
func (r *Registry) trackInitial(sub *activeSubscription) {
	ctx, cancel := context.WithTimeout(sub.ctx, r.opts.SubscribeTimeout)
	defer cancel()

	ack, err := sub.channel.Track(ctx, sub.config.PresenceState)
	if err != nil {
		if sub.ctx.Err() == nil {
			sub.reportError(fmt.Errorf("track initial presence: %w", err))
		}
		return
	}
	log.Debug().Str("key", sub.key).Str("ack", string(ack)).Msg("initial presence tracked")
}
