package realtime

import (
	"sort"
	"time"

	"github.com/brianly1003/rtmux/internal/domain/ports"
)

// Stats is an aggregate snapshot of the registry.
type Stats struct {
	Total            int              `json:"total"`
	Active           int              `json:"active"`
	Idle             int              `json:"idle"`
	TotalSubscribers int              `json:"total_subscribers"`
	ConnectionState  ConnectionState  `json:"connection_state"`
	ByPriority       map[Priority]int `json:"by_priority"`
}

// SubscriptionInfo describes one active subscription.
type SubscriptionInfo struct {
	Key          string             `json:"key"`
	Channel      string             `json:"channel"`
	Table        string             `json:"table,omitempty"`
	Event        string             `json:"event,omitempty"`
	Filter       string             `json:"filter,omitempty"`
	Priority     Priority           `json:"priority"`
	Presence     bool               `json:"presence"`
	Subscribers  int                `json:"subscribers"`
	RetryCount   int                `json:"retry_count"`
	Retrying     bool               `json:"retrying"`
	Exhausted    bool               `json:"exhausted"`
	LastActivity time.Time          `json:"last_activity"`
	ChannelState ports.ChannelState `json:"channel_state"`
}

// Stats returns total, active and idle subscription counts, the summed
// subscriber count, the connection state and a breakdown by priority.
// An idle subscription has no subscribers and exceeded the idle time.
func (r *Registry) Stats() Stats {
	now := r.opts.Now()
	stats := Stats{
		ConnectionState: r.ConnectionState(),
		ByPriority: map[Priority]int{
			PriorityHigh:   0,
			PriorityMedium: 0,
			PriorityLow:    0,
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stats.Total = len(r.subs)
	for _, sub := range r.subs {
		stats.TotalSubscribers += sub.subscribers
		if sub.subscribers > 0 {
			stats.Active++
		} else if now.Sub(sub.lastActivity) > r.opts.MaxIdleTime {
			stats.Idle++
		}
		stats.ByPriority[sub.config.priority()]++
	}
	return stats
}

// Info returns the state of one subscription.
func (r *Registry) Info(key string) (SubscriptionInfo, bool) {
	r.mu.Lock()
	sub, ok := r.subs[key]
	var info SubscriptionInfo
	if ok {
		info = sub.info()
	}
	r.mu.Unlock()

	if !ok {
		return SubscriptionInfo{}, false
	}
	info.ChannelState = sub.channel.State()
	return info, true
}

// List returns every subscription ordered by key.
func (r *Registry) List() []SubscriptionInfo {
	r.mu.Lock()
	subs := make([]*activeSubscription, 0, len(r.subs))
	infos := make([]SubscriptionInfo, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
		infos = append(infos, sub.info())
	}
	r.mu.Unlock()

	for i, sub := range subs {
		infos[i].ChannelState = sub.channel.State()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}
