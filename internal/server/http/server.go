// Package http implements the rtmux HTTP API: health, registry inspection
// and control, presence, and record collections of the local store. The
// WebSocket gateway is mounted at /ws.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/brianly1003/rtmux/internal/domain"
	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/domain/ports"
	"github.com/brianly1003/rtmux/internal/filter"
	"github.com/brianly1003/rtmux/internal/realtime"
	"github.com/brianly1003/rtmux/internal/server/http/middleware"
	"github.com/brianly1003/rtmux/internal/sync"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// DefaultRequestTimeout bounds API handlers other than /ws and /debug.
const DefaultRequestTimeout = 30 * time.Second

// Registry is the part of the subscription registry exposed over HTTP.
type Registry interface {
	Stats() realtime.Stats
	List() []realtime.SubscriptionInfo
	Info(key string) (realtime.SubscriptionInfo, bool)
	GetPresence(key string) events.PresenceMap
	UpdatePresence(ctx context.Context, key string, state map[string]any) (ports.Ack, error)
	Reconnect(ctx context.Context, key string) error
	ForceCleanup() int
	ConnectionState() realtime.ConnectionState
}

// Store is the record store behind the collection routes.
type Store interface {
	Insert(ctx context.Context, collection string, data events.Record) (events.Record, error)
	Get(ctx context.Context, collection, id string) (events.Record, error)
	Update(ctx context.Context, collection, id string, patch events.Record) (events.Record, error)
	Delete(ctx context.Context, collection, id string) (events.Record, error)
	Query(ctx context.Context, collection string, f filter.Filter, limit int) ([]events.Record, error)
	Collections(ctx context.Context) ([]string, error)
}

// Server is the HTTP API server.
type Server struct {
	addr     string
	registry Registry
	store    Store
	gateway  http.Handler
	debug    *DebugHandler
	limiter  *middleware.RateLimiter
	clientIP func(*http.Request) string
	timeout  time.Duration

	started   time.Time
	mu        sync.Mutex
	server    *http.Server
	listening bool
}

// New creates a new HTTP server.
func New(host string, port int, registry Registry) *Server {
	return &Server{
		addr:     fmt.Sprintf("%s:%d", host, port),
		registry: registry,
		timeout:  DefaultRequestTimeout,
		started:  time.Now(),
	}
}

// SetStore enables the collection routes.
func (s *Server) SetStore(store Store) {
	s.store = store
}

// SetGateway mounts the WebSocket gateway at /ws.
func (s *Server) SetGateway(h http.Handler) {
	s.gateway = h
}

// SetDebugHandler enables the /debug routes.
func (s *Server) SetDebugHandler(h *DebugHandler) {
	s.debug = h
}

// SetRateLimiter rate limits collection mutations per client address.
func (s *Server) SetRateLimiter(l *middleware.RateLimiter) {
	s.limiter = l
}

// SetClientIP sets how the client address of a request is resolved for
// rate limiting. The default is the direct peer address.
func (s *Server) SetClientIP(fn func(*http.Request) string) {
	s.clientIP = fn
}

// SetRequestTimeout overrides DefaultRequestTimeout.
func (s *Server) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Addr returns the listen address. After Start it is the bound address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter().UseEncodedPath()

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.gateway != nil {
		router.Handle("/ws", s.gateway)
	}
	if s.debug != nil {
		s.debug.Register(router)
	}

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions", s.handleListSubscriptions).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions/{key}", s.handleGetSubscription).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions/{key}/reconnect", s.handleReconnect).Methods(http.MethodPost)
	api.HandleFunc("/presence/{key}", s.handleGetPresence).Methods(http.MethodGet)
	api.HandleFunc("/presence/{key}", s.handleUpdatePresence).Methods(http.MethodPost)
	api.HandleFunc("/cleanup", s.handleCleanup).Methods(http.MethodPost)

	if s.store != nil {
		api.HandleFunc("/collections", s.handleListCollections).Methods(http.MethodGet)
		api.HandleFunc("/collections/{name}", s.handleQuery).Methods(http.MethodGet)
		api.HandleFunc("/collections/{name}/{id}", s.handleGetRecord).Methods(http.MethodGet)

		api.Handle("/collections/{name}", s.limited(s.handleInsert)).Methods(http.MethodPost)
		api.Handle("/collections/{name}/{id}", s.limited(s.handleUpdate)).Methods(http.MethodPatch)
		api.Handle("/collections/{name}/{id}", s.limited(s.handleDelete)).Methods(http.MethodDelete)
	}

	return requestLoggingMiddleware(timeoutMiddleware(s.timeout, router))
}

// limited applies the rate limiter, if any, to a mutation handler.
func (s *Server) limited(h http.HandlerFunc) http.Handler {
	if s.limiter == nil {
		return h
	}
	return middleware.RateLimitMiddleware(s.limiter, s.clientIP)(h)
}

// Start listens in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return nil
	}

	// No ReadTimeout/WriteTimeout: they would cut long-lived WebSocket
	// connections. Handlers are bounded by timeoutMiddleware instead.
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.server = nil
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.addr = ln.Addr().String()
	s.listening = true

	log.Info().Str("addr", s.addr).Msg("HTTP server starting")

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listening = false
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	log.Info().Msg("HTTP server stopping")
	return srv.Shutdown(ctx)
}

// requestLoggingMiddleware logs all incoming requests.
func requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	})
}

// timeoutMiddleware cancels the request context after timeout. WebSocket
// upgrades, health checks and debug endpoints are exempt.
func timeoutMiddleware(timeout time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/ws" || strings.HasPrefix(r.URL.Path, "/debug/") {
			next.ServeHTTP(w, r)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps err to a status code and the client-facing error code.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrSubscriptionNotFound), errors.Is(err, domain.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrPresenceNotEnabled):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidConfig), errors.Is(err, domain.ErrInvalidFilter),
		errors.Is(err, domain.ErrInvalidPayload):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrRetriesExhausted):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrRegistryDestroyed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: domain.ErrorCode(err)})
}

// decodeBody decodes a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}

const maxBodyBytes = 1 << 20
