package config

import (
	"github.com/brianly1003/rtmux/internal/sync"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Manager owns a loaded configuration and reloads it when the file changes.
type Manager struct {
	v *viper.Viper

	mu  sync.RWMutex
	cfg *Config
}

// NewManager loads the configuration once.
func NewManager(configPath string) (*Manager, error) {
	v := newViper(configPath)
	cfg, err := read(v)
	if err != nil {
		return nil, err
	}
	return &Manager{v: v, cfg: cfg}, nil
}

// Config returns the current configuration.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// ConfigFile returns the file the configuration was read from, if any.
func (m *Manager) ConfigFile() string {
	return m.v.ConfigFileUsed()
}

// Settings returns the merged settings keyed like the config file.
func (m *Manager) Settings() map[string]any {
	return m.v.AllSettings()
}

// Reload re-reads the config file. An invalid file leaves the current
// configuration in place.
func (m *Manager) Reload() (*Config, error) {
	cfg, err := read(m.v)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return cfg, nil
}

// Watch reloads on every write to the config file and passes the new
// configuration to onChange. It is a no-op when no file was loaded.
func (m *Manager) Watch(onChange func(*Config)) {
	file := m.v.ConfigFileUsed()
	if file == "" {
		log.Debug().Msg("no config file loaded, not watching")
		return
	}

	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(m.v)
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("ignoring invalid config change")
			return
		}
		m.mu.Lock()
		m.cfg = cfg
		m.mu.Unlock()

		log.Info().Str("file", e.Name).Msg("config reloaded")
		if onChange != nil {
			onChange(cfg)
		}
	})
	m.v.WatchConfig()
	log.Debug().Str("file", file).Msg("watching config file")
}

// Get returns the merged value of a dotted key such as "server.port".
func (m *Manager) Get(key string) (any, bool) {
	if !m.v.IsSet(key) {
		return nil, false
	}
	return m.v.Get(key), true
}
