// Package config handles configuration management for rtmux.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brianly1003/rtmux/internal/realtime"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. RTMUX_SERVER_PORT.
const EnvPrefix = "RTMUX"

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Watch    WatchConfig    `mapstructure:"watch"`
}

// ServerConfig holds HTTP and gateway configuration.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RateLimit         int           `mapstructure:"rate_limit"` // mutations per minute per client, 0 disables
	Pprof             bool          `mapstructure:"pprof"`

	// AllowedOrigins lists browser origins that may open /ws. Entries are
	// exact origins or "*.example.com" wildcards.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// TrustedProxies lists proxy IPs or CIDRs whose X-Forwarded-For is used.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// RealtimeConfig holds subscription registry timings.
type RealtimeConfig struct {
	HealthCheckInterval  time.Duration `mapstructure:"health_check_interval"`
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval"`
	MaxIdleTime          time.Duration `mapstructure:"max_idle_time"`
	SubscribeTimeout     time.Duration `mapstructure:"subscribe_timeout"`
	DefaultRetryAttempts int           `mapstructure:"default_retry_attempts"`
	DefaultRetryDelay    time.Duration `mapstructure:"default_retry_delay"`
	LogEvents            bool          `mapstructure:"log_events"`
}

// StoreConfig holds the local record store configuration.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WatchConfig controls hot reload of the config file.
type WatchConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// RegistryOptions converts the realtime section to registry options.
func (c *Config) RegistryOptions() realtime.Options {
	return realtime.Options{
		HealthCheckInterval:  c.Realtime.HealthCheckInterval,
		CleanupInterval:      c.Realtime.CleanupInterval,
		MaxIdleTime:          c.Realtime.MaxIdleTime,
		SubscribeTimeout:     c.Realtime.SubscribeTimeout,
		DefaultRetryAttempts: c.Realtime.DefaultRetryAttempts,
		DefaultRetryDelay:    c.Realtime.DefaultRetryDelay,
	}
}

// Load loads configuration from files and environment.
func Load(configPath string) (*Config, error) {
	m, err := NewManager(configPath)
	if err != nil {
		return nil, err
	}
	return m.Config(), nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.rtmux")
		v.AddConfigPath("/etc/rtmux")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// read reads the config file, if any, and decodes the result.
func read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := postProcess(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// postProcess normalizes values after decoding.
func postProcess(cfg *Config) error {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))

	if cfg.Store.Path != "" && cfg.Store.Path != ":memory:" {
		path := os.ExpandEnv(cfg.Store.Path)
		if strings.HasPrefix(path, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to resolve store.path: %w", err)
			}
			path = filepath.Join(home, path[2:])
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("failed to resolve store.path: %w", err)
		}
		cfg.Store.Path = abs
	}
	return nil
}

// GetConfigDir returns the user config directory for rtmux.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".rtmux"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
