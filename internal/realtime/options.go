package realtime

import "time"

// Default registry timings.
const (
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultCleanupInterval     = 2 * time.Minute
	DefaultMaxIdleTime         = 5 * time.Minute
	DefaultSubscribeTimeout    = 10 * time.Second
	DefaultRetryAttempts       = 3
	DefaultRetryDelay          = 1 * time.Second
)

// Options configures a Registry. Zero fields take the defaults above.
type Options struct {
	HealthCheckInterval time.Duration
	CleanupInterval     time.Duration
	MaxIdleTime         time.Duration
	SubscribeTimeout    time.Duration

	DefaultRetryAttempts int
	DefaultRetryDelay    time.Duration

	// Now is the clock used for activity and throttle bookkeeping.
	Now func() time.Time

	// OnStats receives the aggregate stats on every health check.
	OnStats func(Stats)
}

// DefaultOptions returns the default registry options.
func DefaultOptions() Options {
	return Options{
		HealthCheckInterval:  DefaultHealthCheckInterval,
		CleanupInterval:      DefaultCleanupInterval,
		MaxIdleTime:          DefaultMaxIdleTime,
		SubscribeTimeout:     DefaultSubscribeTimeout,
		DefaultRetryAttempts: DefaultRetryAttempts,
		DefaultRetryDelay:    DefaultRetryDelay,
		Now:                  time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = d.HealthCheckInterval
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = d.CleanupInterval
	}
	if o.MaxIdleTime <= 0 {
		o.MaxIdleTime = d.MaxIdleTime
	}
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = d.SubscribeTimeout
	}
	if o.DefaultRetryAttempts <= 0 {
		o.DefaultRetryAttempts = d.DefaultRetryAttempts
	}
	if o.DefaultRetryDelay <= 0 {
		o.DefaultRetryDelay = d.DefaultRetryDelay
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// ConnectionState is the process-wide transport state derived from channel
// status callbacks.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
)
