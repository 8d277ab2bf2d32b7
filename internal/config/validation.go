package config

import (
	"fmt"
	"time"

	"github.com/brianly1003/rtmux/internal/security"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Validate validates the configuration.
func Validate(cfg *Config) error {
	if err := validateServer(&cfg.Server); err != nil {
		return err
	}
	if err := validateRealtime(&cfg.Realtime); err != nil {
		return err
	}
	if err := validateStore(&cfg.Store); err != nil {
		return err
	}
	return validateLogging(&cfg.Logging)
}

func validateServer(cfg *ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if cfg.Host == "" {
		return fmt.Errorf("server.host cannot be empty")
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}
	if cfg.HeartbeatInterval < time.Second {
		return fmt.Errorf("server.heartbeat_interval must be at least 1s")
	}
	if cfg.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit cannot be negative")
	}
	if _, err := security.ParseTrustedProxies(cfg.TrustedProxies); err != nil {
		return fmt.Errorf("server.trusted_proxies: %w", err)
	}
	return nil
}

func validateRealtime(cfg *RealtimeConfig) error {
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"realtime.health_check_interval", cfg.HealthCheckInterval},
		{"realtime.cleanup_interval", cfg.CleanupInterval},
		{"realtime.max_idle_time", cfg.MaxIdleTime},
		{"realtime.subscribe_timeout", cfg.SubscribeTimeout},
		{"realtime.default_retry_delay", cfg.DefaultRetryDelay},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	if cfg.DefaultRetryAttempts < 1 {
		return fmt.Errorf("realtime.default_retry_attempts must be at least 1")
	}
	if cfg.DefaultRetryAttempts > 30 {
		return fmt.Errorf("realtime.default_retry_attempts cannot exceed 30")
	}

	if cfg.MaxIdleTime < cfg.CleanupInterval {
		log.Warn().
			Dur("max_idle_time", cfg.MaxIdleTime).
			Dur("cleanup_interval", cfg.CleanupInterval).
			Msg("realtime.max_idle_time is shorter than the cleanup interval; idle subscriptions linger until the next sweep")
	}
	return nil
}

func validateStore(cfg *StoreConfig) error {
	if cfg.Enabled && cfg.Path == "" {
		return fmt.Errorf("store.path cannot be empty when the store is enabled")
	}
	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	if _, err := zerolog.ParseLevel(cfg.Level); err != nil || cfg.Level == "" {
		return fmt.Errorf("logging.level %q is not a valid level", cfg.Level)
	}
	switch cfg.Format {
	case "console", "json":
		return nil
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", cfg.Format)
	}
}
