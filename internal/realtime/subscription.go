package realtime

import (
	"context"
	"strings"
	"time"

	"github.com/brianly1003/rtmux/internal/domain/ports"
	"github.com/rs/zerolog/log"
)

// activeSubscription is the registry record for one key. A retry never
// mutates a record's channel: it builds a new record and swaps it into the
// table, so holders of the old pointer only ever see a consistent value.
type activeSubscription struct {
	key        string
	config     Config
	channel    ports.ChannelHandle
	dispatcher *dispatcher

	// ctx is the subscription's cancellation scope. Canceling it closes the
	// dispatcher (dropping any pending debounce) and aborts retry waits.
	ctx    context.Context
	cancel context.CancelFunc

	// Guarded by Registry.mu.
	subscribers  int
	lastActivity time.Time
	retryCount   int
	retrying     bool
	exhausted    bool
}

// close cancels the subscription scope and leaves the transport channel.
// It does not wait for a callback that is already running.
func (s *activeSubscription) close() error {
	s.cancel()
	s.dispatcher.close()
	return s.channel.Unsubscribe()
}

// reportError delivers an asynchronous failure to the error callback.
func (s *activeSubscription) reportError(err error) {
	log.Warn().Err(err).Str("key", s.key).Msg("subscription error")
	reportError(s.key, s.config.ErrorCallback, err)
}

func (s *activeSubscription) info() SubscriptionInfo {
	return SubscriptionInfo{
		Key:          s.key,
		Channel:      strings.TrimSpace(s.config.ChannelName),
		Table:        s.config.Table,
		Event:        s.config.Event,
		Filter:       s.config.Filter,
		Priority:     s.config.priority(),
		Presence:     s.config.PresenceEnabled,
		Subscribers:  s.subscribers,
		RetryCount:   s.retryCount,
		Retrying:     s.retrying,
		Exhausted:    s.exhausted,
		LastActivity: s.lastActivity,
	}
}
