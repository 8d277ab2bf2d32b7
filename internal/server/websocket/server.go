package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/brianly1003/rtmux/internal/domain"
	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/domain/ports"
	"github.com/brianly1003/rtmux/internal/hub"
	"github.com/brianly1003/rtmux/internal/realtime"
	"github.com/brianly1003/rtmux/internal/sync"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 15 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 90 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Send buffer size per client.
	sendBufferSize = 1024

	// DefaultHeartbeatInterval is the application-level heartbeat period.
	DefaultHeartbeatInterval = 30 * time.Second
)

func newUpgrader(checkOrigin func(*http.Request) bool) *websocket.Upgrader {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
}

// CommandHandler handles one incoming client message.
type CommandHandler func(c *Client, message []byte)

// Registry is the part of the subscription registry the gateway drives.
type Registry interface {
	Subscribe(ctx context.Context, cfg realtime.Config) (string, error)
	Unsubscribe(key string)
	UpdatePresence(ctx context.Context, key string, state map[string]any) (ports.Ack, error)
	Info(key string) (realtime.SubscriptionInfo, bool)
	ConnectionState() realtime.ConnectionState
}

type session struct {
	client *Client
	filter *hub.FilteredSubscriber

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// begin registers a command that may take registry references.
func (sess *session) begin() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return false
	}
	sess.pending.Add(1)
	return true
}

// Server is the WebSocket gateway. It is an http.Handler and is mounted by
// the HTTP server.
type Server struct {
	registry          Registry
	hub               ports.EventHub
	heartbeatInterval time.Duration
	upgrader          *websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session

	heartbeatDone chan struct{}
	stopOnce      sync.Once
	heartbeatSeq  atomic.Int64
	startTime     time.Time
}

// NewServer creates a gateway over registry whose events are fanned out
// through h. A zero heartbeat interval uses the default.
func NewServer(registry Registry, h ports.EventHub, heartbeatInterval time.Duration) *Server {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Server{
		registry:          registry,
		hub:               h,
		heartbeatInterval: heartbeatInterval,
		upgrader:          newUpgrader(nil),
		sessions:          make(map[string]*session),
		heartbeatDone:     make(chan struct{}),
		startTime:         time.Now(),
	}
}

// SetOriginCheck restricts which origins may connect. Call before serving.
func (s *Server) SetOriginCheck(check func(*http.Request) bool) {
	s.upgrader = newUpgrader(check)
}

// Start starts the heartbeat loop.
func (s *Server) Start() {
	go s.heartbeatLoop()
}

// Stop closes every client and releases the references they held.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.heartbeatDone)
	})

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.client.Close()
		s.release(sess)
	}
	log.Info().Int("clients", len(sessions)).Msg("gateway stopped")
}

// ServeHTTP upgrades the request and registers the client.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("failed to upgrade connection")
		return
	}

	client := NewClient(conn, s.handleCommand, s.removeClient)
	sess := &session{
		client: client,
		filter: hub.NewFilteredSubscriber(NewClientSubscriber(client)),
	}

	s.mu.Lock()
	s.sessions[client.ID()] = sess
	s.mu.Unlock()

	s.hub.Subscribe(sess.filter)

	log.Info().
		Str("client_id", client.ID()).
		Str("remote_addr", conn.RemoteAddr().String()).
		Msg("client connected")

	client.Start()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) removeClient(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return
	}
	s.hub.Unsubscribe(id)
	s.release(sess)
	log.Info().Str("client_id", id).Msg("client disconnected")
}

// release gives back every registry reference the session took, once
// in-flight commands have finished.
func (s *Server) release(sess *session) {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	sess.mu.Unlock()

	sess.pending.Wait()
	for _, key := range sess.filter.Drain() {
		s.registry.Unsubscribe(key)
	}
}

func (s *Server) session(id string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) handleCommand(c *Client, message []byte) {
	cmd, err := ParseCommand(message)
	if err != nil {
		s.reply(c, events.NewErrorEvent(domain.ErrorCode(err), err.Error(), ""))
		return
	}

	sess, ok := s.session(c.ID())
	if !ok {
		return
	}

	log.Debug().Str("client_id", c.ID()).Str("op", cmd.Op).Str("request_id", cmd.RequestID).Msg("gateway command")

	switch cmd.Op {
	case OpSubscribe:
		s.subscribe(sess, cmd)
	case OpUnsubscribe:
		s.unsubscribe(sess, cmd)
	case OpTrack:
		s.track(sess, cmd)
	case OpPing:
		s.reply(c, events.NewEventWithRequestID(events.EventTypeHeartbeat, s.heartbeatPayload(), cmd.RequestID))
	}
}

func (s *Server) subscribe(sess *session, cmd *Command) {
	if !sess.begin() {
		return
	}
	defer sess.pending.Done()

	cfg := cmd.Config()
	key, err := cfg.Key()
	if err != nil {
		s.replyError(sess.client, cmd.RequestID, err)
		return
	}

	cfg.Callback = func(e events.ChannelEvent) error {
		s.hub.Publish(e)
		return nil
	}
	cfg.ErrorCallback = func(err error) {
		event := events.NewEventWithKey(events.EventTypeSubscriptionError, events.ErrorPayload{
			Code:    domain.ErrorCode(err),
			Message: err.Error(),
		}, key)
		s.hub.Publish(event)
	}

	// Hold before subscribing so the first events are not filtered out.
	sess.filter.Hold(key)
	if _, err := s.registry.Subscribe(sess.client.Context(), cfg); err != nil {
		sess.filter.Release(key)
		s.replyError(sess.client, cmd.RequestID, err)
		return
	}

	payload := events.SubscribedPayload{Key: key, Channel: cmd.Channel}
	if info, ok := s.registry.Info(key); ok {
		payload.Subscribers = info.Subscribers
	}
	event := events.NewEventWithKey(events.EventTypeSubscribed, payload, key)
	event.RequestID = cmd.RequestID
	s.reply(sess.client, event)
}

func (s *Server) unsubscribe(sess *session, cmd *Command) {
	if !sess.begin() {
		return
	}
	defer sess.pending.Done()

	released := sess.filter.Release(cmd.Key)
	if released {
		s.registry.Unsubscribe(cmd.Key)
	}

	event := events.NewEventWithKey(events.EventTypeUnsubscribed, events.UnsubscribedPayload{
		Key:      cmd.Key,
		Released: released,
	}, cmd.Key)
	event.RequestID = cmd.RequestID
	s.reply(sess.client, event)
}

func (s *Server) track(sess *session, cmd *Command) {
	if !sess.filter.Holds(cmd.Key) {
		s.replyError(sess.client, cmd.RequestID, domain.ErrSubscriptionNotFound)
		return
	}

	ack, err := s.registry.UpdatePresence(sess.client.Context(), cmd.Key, cmd.State)
	if err != nil {
		s.replyError(sess.client, cmd.RequestID, err)
		return
	}

	event := events.NewEventWithKey(events.EventTypePresenceAck, events.PresenceAckPayload{
		Key: cmd.Key,
		Ack: string(ack),
	}, cmd.Key)
	event.RequestID = cmd.RequestID
	s.reply(sess.client, event)
}

func (s *Server) replyError(c *Client, requestID string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.reply(c, events.NewErrorEvent(domain.ErrorCode(err), err.Error(), requestID))
}

// reply writes directly to one client, bypassing the hub.
func (s *Server) reply(c *Client, event events.Event) {
	data, err := event.ToJSON()
	if err != nil {
		log.Warn().Err(err).Str("client_id", c.ID()).Msg("failed to serialize reply")
		return
	}
	c.Send(data)
}

func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	log.Debug().Dur("interval", s.heartbeatInterval).Msg("heartbeat loop started")

	for {
		select {
		case <-s.heartbeatDone:
			log.Debug().Msg("heartbeat loop stopped")
			return
		case <-ticker.C:
			if s.ClientCount() == 0 {
				continue
			}
			p := s.heartbeatPayload()
			s.hub.Publish(events.NewHeartbeatEvent(p.Sequence, p.Uptime, p.ConnectionState, p.Clients))
			log.Trace().Int64("seq", p.Sequence).Int("clients", p.Clients).Msg("heartbeat sent")
		}
	}
}

func (s *Server) heartbeatPayload() events.HeartbeatPayload {
	return events.HeartbeatPayload{
		Sequence:        s.heartbeatSeq.Add(1),
		Uptime:          int64(time.Since(s.startTime).Seconds()),
		ConnectionState: string(s.registry.ConnectionState()),
		Clients:         s.ClientCount(),
	}
}
