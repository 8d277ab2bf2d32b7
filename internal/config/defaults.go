package config

import (
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// defaults are the configuration defaults keyed by viper path. Durations
// are strings so that they render readably in generated config files.
var defaults = map[string]any{
	"server.host":               "127.0.0.1",
	"server.port":               8780,
	"server.request_timeout":    "30s",
	"server.heartbeat_interval": "30s",
	"server.rate_limit":         120,
	"server.pprof":              false,
	"server.allowed_origins":    []string{},
	"server.trusted_proxies":    []string{},

	"realtime.health_check_interval":  "30s",
	"realtime.cleanup_interval":       "2m",
	"realtime.max_idle_time":          "5m",
	"realtime.subscribe_timeout":      "10s",
	"realtime.default_retry_attempts": 3,
	"realtime.default_retry_delay":    "1s",
	"realtime.log_events":             false,

	"store.enabled": true,
	"store.path":    "~/.rtmux/records.db",

	"logging.level":  "info",
	"logging.format": "console",

	"watch.enabled": false,
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// DefaultYAML renders the defaults as a config file.
func DefaultYAML() ([]byte, error) {
	v := viper.New()
	setDefaults(v)
	return yaml.Marshal(v.AllSettings())
}
