// Package app orchestrates all components of rtmux.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/brianly1003/rtmux/internal/adapters/store"
	"github.com/brianly1003/rtmux/internal/config"
	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/hub"
	"github.com/brianly1003/rtmux/internal/realtime"
	"github.com/brianly1003/rtmux/internal/security"
	httpserver "github.com/brianly1003/rtmux/internal/server/http"
	"github.com/brianly1003/rtmux/internal/server/http/middleware"
	"github.com/brianly1003/rtmux/internal/server/websocket"
	"github.com/brianly1003/rtmux/internal/sync"
	"github.com/brianly1003/rtmux/internal/transport/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds the graceful shutdown of the HTTP server.
const ShutdownTimeout = 10 * time.Second

// App is the main application struct that orchestrates all components.
type App struct {
	cfg     *config.Config
	version string

	// Core components
	broker   *memory.Broker
	registry *realtime.Registry
	hub      *hub.Hub

	// Created on Start
	store       *store.Store
	storeLogger *slog.Logger
	gateway     *websocket.Server
	httpServer  *httpserver.Server
	limiter     *middleware.RateLimiter

	startTime time.Time
	ready     chan struct{}

	// Lifecycle
	mu      sync.RWMutex
	running bool
}

// New creates a new App instance.
func New(cfg *config.Config, version string) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	broker := memory.NewBroker()

	opts := cfg.RegistryOptions()
	opts.OnStats = func(s realtime.Stats) {
		log.Debug().
			Int("total", s.Total).
			Int("active", s.Active).
			Int("idle", s.Idle).
			Int("subscribers", s.TotalSubscribers).
			Str("connection_state", string(s.ConnectionState)).
			Msg("registry health check")
	}

	return &App{
		cfg:         cfg,
		version:     version,
		broker:      broker,
		registry:    realtime.New(broker, opts),
		hub:         hub.New(),
		storeLogger: slog.Default(),
		ready:       make(chan struct{}),
	}, nil
}

// SetStoreLogger sets the logger handed to the record store.
func (a *App) SetStoreLogger(l *slog.Logger) {
	if l != nil {
		a.storeLogger = l
	}
}

// Start starts the application and blocks until ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("application is already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	if err := a.startComponents(); err != nil {
		_ = a.shutdown()
		return err
	}

	log.Info().
		Str("version", a.version).
		Str("addr", a.httpServer.Addr()).
		Bool("store", a.store != nil).
		Msg("rtmux started")

	<-ctx.Done()
	return a.shutdown()
}

func (a *App) startComponents() error {
	if err := a.hub.Start(); err != nil {
		return fmt.Errorf("failed to start event hub: %w", err)
	}

	if a.cfg.Realtime.LogEvents {
		a.hub.Subscribe(hub.NewLogSubscriber("event-logger", func(event events.Event) {
			log.Debug().
				Str("event_type", string(event.Type())).
				Str("key", event.GetSubscriptionKey()).
				Time("timestamp", event.Timestamp()).
				Msg("event broadcast")
		}))
	}

	if a.cfg.Store.Enabled {
		s, err := store.Open(a.cfg.Store.Path, a.broker, a.storeLogger)
		if err != nil {
			return fmt.Errorf("failed to open record store: %w", err)
		}
		a.store = s
	}

	proxies, err := security.ParseTrustedProxies(a.cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	origins := security.NewOriginPolicy(a.cfg.Server.AllowedOrigins, a.cfg.Server.Host)

	a.gateway = websocket.NewServer(a.registry, a.hub, a.cfg.Server.HeartbeatInterval)
	a.gateway.SetOriginCheck(origins.Allow)
	a.gateway.Start()

	srv := httpserver.New(a.cfg.Server.Host, a.cfg.Server.Port, a.registry)
	srv.SetGateway(a.gateway)
	srv.SetRequestTimeout(a.cfg.Server.RequestTimeout)
	srv.SetDebugHandler(httpserver.NewDebugHandler(a.cfg.Server.Pprof))
	srv.SetClientIP(proxies.ClientIP)
	if a.store != nil {
		srv.SetStore(a.store)
	}
	if a.cfg.Server.RateLimit > 0 {
		a.limiter = middleware.NewRateLimiter(
			middleware.WithMaxRequests(a.cfg.Server.RateLimit),
			middleware.WithWindow(time.Minute),
		)
		srv.SetRateLimiter(a.limiter)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	a.mu.Lock()
	a.httpServer = srv
	a.mu.Unlock()
	close(a.ready)
	return nil
}

// shutdown stops the servers first so clients release their references
// before the registry is destroyed.
func (a *App) shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}
	a.running = false

	log.Info().Msg("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if a.httpServer != nil {
		g.Go(func() error {
			return a.httpServer.Stop(gctx)
		})
	}
	if a.gateway != nil {
		g.Go(func() error {
			a.gateway.Stop()
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		log.Warn().Err(err).Msg("error stopping servers")
	}

	if a.limiter != nil {
		a.limiter.Close()
	}
	_ = a.hub.Stop()

	if destroyErr := a.registry.Destroy(); destroyErr != nil {
		log.Warn().Err(destroyErr).Msg("error destroying registry")
		if err == nil {
			err = destroyErr
		}
	}

	if a.store != nil {
		if closeErr := a.store.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("error closing record store")
		}
	}
	a.broker.Close()

	log.Info().Msg("shutdown complete")
	return err
}

// ApplyConfig applies the settings of a reloaded configuration that can
// change at runtime. Currently that is the log level; other sections take
// effect on restart.
func (a *App) ApplyConfig(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Warn().Err(err).Str("level", cfg.Logging.Level).Msg("ignoring invalid log level")
		return
	}
	if zerolog.GlobalLevel() != level {
		zerolog.SetGlobalLevel(level)
		log.Info().Str("level", level.String()).Msg("log level changed")
	}

	if !reflect.DeepEqual(cfg.Server, a.cfg.Server) || cfg.Realtime != a.cfg.Realtime || cfg.Store != a.cfg.Store {
		log.Warn().Msg("server, realtime and store changes take effect after restart")
	}
}

// Ready is closed once every component has started.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// IsRunning reports whether Start is active.
func (a *App) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// Addr returns the HTTP listen address, empty before Start.
func (a *App) Addr() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.httpServer == nil {
		return ""
	}
	return a.httpServer.Addr()
}

// Registry returns the subscription registry.
func (a *App) Registry() *realtime.Registry {
	return a.registry
}

// Hub returns the event hub.
func (a *App) Hub() *hub.Hub {
	return a.hub
}

// Broker returns the in-process transport.
func (a *App) Broker() *memory.Broker {
	return a.broker
}

// UptimeSeconds returns the time since Start.
func (a *App) UptimeSeconds() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.startTime.IsZero() {
		return 0
	}
	return int64(time.Since(a.startTime).Seconds())
}
