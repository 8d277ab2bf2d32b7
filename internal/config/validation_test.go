package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              8780,
			RequestTimeout:    30 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			RateLimit:         120,
		},
		Realtime: RealtimeConfig{
			HealthCheckInterval:  30 * time.Second,
			CleanupInterval:      2 * time.Minute,
			MaxIdleTime:          5 * time.Minute,
			SubscribeTimeout:     10 * time.Second,
			DefaultRetryAttempts: 3,
			DefaultRetryDelay:    time.Second,
		},
		Store:   StoreConfig{Enabled: true, Path: "/tmp/records.db"},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too large", func(c *Config) { c.Server.Port = 65536 }, "server.port"},
		{"empty host", func(c *Config) { c.Server.Host = "" }, "server.host"},
		{"zero request timeout", func(c *Config) { c.Server.RequestTimeout = 0 }, "server.request_timeout"},
		{"short heartbeat", func(c *Config) { c.Server.HeartbeatInterval = time.Millisecond }, "server.heartbeat_interval"},
		{"negative rate limit", func(c *Config) { c.Server.RateLimit = -1 }, "server.rate_limit"},
		{"bad trusted proxy", func(c *Config) { c.Server.TrustedProxies = []string{"nope/8"} }, "server.trusted_proxies"},
		{"trusted proxy cidr", func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/8"} }, ""},
		{"rate limit disabled", func(c *Config) { c.Server.RateLimit = 0 }, ""},
		{"zero health check", func(c *Config) { c.Realtime.HealthCheckInterval = 0 }, "realtime.health_check_interval"},
		{"zero cleanup", func(c *Config) { c.Realtime.CleanupInterval = 0 }, "realtime.cleanup_interval"},
		{"negative idle", func(c *Config) { c.Realtime.MaxIdleTime = -time.Second }, "realtime.max_idle_time"},
		{"zero subscribe timeout", func(c *Config) { c.Realtime.SubscribeTimeout = 0 }, "realtime.subscribe_timeout"},
		{"zero retry delay", func(c *Config) { c.Realtime.DefaultRetryDelay = 0 }, "realtime.default_retry_delay"},
		{"zero retries", func(c *Config) { c.Realtime.DefaultRetryAttempts = 0 }, "realtime.default_retry_attempts"},
		{"too many retries", func(c *Config) { c.Realtime.DefaultRetryAttempts = 31 }, "realtime.default_retry_attempts"},
		{"idle shorter than cleanup warns only", func(c *Config) { c.Realtime.MaxIdleTime = time.Minute }, ""},
		{"store without path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"disabled store without path", func(c *Config) { c.Store = StoreConfig{} }, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"empty level", func(c *Config) { c.Logging.Level = "" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"json format", func(c *Config) { c.Logging.Format = "json" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
