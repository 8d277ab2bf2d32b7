package http

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brianly1003/rtmux/internal/domain"
	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/filter"
	"github.com/brianly1003/rtmux/internal/realtime"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status          string                   `json:"status"`
	Time            string                   `json:"time"`
	UptimeSeconds   int64                    `json:"uptime_seconds"`
	ConnectionState realtime.ConnectionState `json:"connection_state"`
}

// PresenceResponse is returned by the presence routes.
type PresenceResponse struct {
	Key   string             `json:"key"`
	State events.PresenceMap `json:"state"`
	Ack   string             `json:"ack,omitempty"`
}

// CleanupResponse is returned by POST /api/cleanup.
type CleanupResponse struct {
	Removed int            `json:"removed"`
	Stats   realtime.Stats `json:"stats"`
}

// QueryResponse is returned by GET /api/collections/{name}.
type QueryResponse struct {
	Collection string          `json:"collection"`
	Records    []events.Record `json:"records"`
	Count      int             `json:"count"`
}

// pathVar returns the decoded route variable name.
func pathVar(r *http.Request, name string) (string, error) {
	raw := mux.Vars(r)[name]
	v, err := url.PathUnescape(raw)
	if err != nil {
		return "", domain.NewValidationError(name, "invalid escaping")
	}
	return v, nil
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:          "ok",
		Time:            time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds:   int64(time.Since(s.started).Seconds()),
		ConnectionState: s.registry.ConnectionState(),
	})
}

// handleStats handles GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

// handleListSubscriptions handles GET /api/subscriptions
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// handleGetSubscription handles GET /api/subscriptions/{key}
func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	key, err := pathVar(r, "key")
	if err != nil {
		writeError(w, err)
		return
	}

	info, ok := s.registry.Info(key)
	if !ok {
		writeError(w, domain.ErrSubscriptionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleReconnect handles POST /api/subscriptions/{key}/reconnect
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	key, err := pathVar(r, "key")
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.registry.Reconnect(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}

	info, _ := s.registry.Info(key)
	log.Info().Str("key", key).Msg("subscription reconnected via API")
	writeJSON(w, http.StatusOK, info)
}

// handleGetPresence handles GET /api/presence/{key}
func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	key, err := pathVar(r, "key")
	if err != nil {
		writeError(w, err)
		return
	}

	info, ok := s.registry.Info(key)
	switch {
	case !ok:
		writeError(w, domain.ErrSubscriptionNotFound)
		return
	case !info.Presence:
		writeError(w, domain.ErrPresenceNotEnabled)
		return
	}

	state := s.registry.GetPresence(key)
	if state == nil {
		state = events.PresenceMap{}
	}
	writeJSON(w, http.StatusOK, PresenceResponse{Key: key, State: state})
}

// handleUpdatePresence handles POST /api/presence/{key} with a JSON object
// body that becomes the tracked state.
func (s *Server) handleUpdatePresence(w http.ResponseWriter, r *http.Request) {
	key, err := pathVar(r, "key")
	if err != nil {
		writeError(w, err)
		return
	}

	var state map[string]any
	if err := decodeBody(w, r, &state); err != nil {
		writeError(w, err)
		return
	}

	ack, err := s.registry.UpdatePresence(r.Context(), key, state)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PresenceResponse{
		Key:   key,
		State: s.registry.GetPresence(key),
		Ack:   string(ack),
	})
}

// handleCleanup handles POST /api/cleanup
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed := s.registry.ForceCleanup()
	log.Info().Int("removed", removed).Msg("forced idle cleanup via API")
	writeJSON(w, http.StatusOK, CleanupResponse{Removed: removed, Stats: s.registry.Stats()})
}

// handleListCollections handles GET /api/collections
func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.Collections(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"collections": names})
}

// handleQuery handles GET /api/collections/{name}?filter=col=op.value&limit=n
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	name, err := pathVar(r, "name")
	if err != nil {
		writeError(w, err)
		return
	}

	f, err := filter.Parse(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, err)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, domain.NewValidationError("limit", "must be a non-negative integer"))
			return
		}
	}

	records, err := s.store.Query(r.Context(), name, f, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []events.Record{}
	}
	writeJSON(w, http.StatusOK, QueryResponse{Collection: name, Records: records, Count: len(records)})
}

// handleGetRecord handles GET /api/collections/{name}/{id}
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	name, id, err := recordVars(r)
	if err != nil {
		writeError(w, err)
		return
	}

	rec, err := s.store.Get(r.Context(), name, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleInsert handles POST /api/collections/{name}
func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	name, err := pathVar(r, "name")
	if err != nil {
		writeError(w, err)
		return
	}

	var data events.Record
	if err := decodeBody(w, r, &data); err != nil {
		writeError(w, err)
		return
	}

	rec, err := s.store.Insert(r.Context(), name, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// handleUpdate handles PATCH /api/collections/{name}/{id}
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	name, id, err := recordVars(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var patch events.Record
	if err := decodeBody(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}

	rec, err := s.store.Update(r.Context(), name, id, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDelete handles DELETE /api/collections/{name}/{id}
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name, id, err := recordVars(r)
	if err != nil {
		writeError(w, err)
		return
	}

	old, err := s.store.Delete(r.Context(), name, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, old)
}

func recordVars(r *http.Request) (string, string, error) {
	name, err := pathVar(r, "name")
	if err != nil {
		return "", "", err
	}
	id, err := pathVar(r, "id")
	if err != nil {
		return "", "", err
	}
	return name, id, nil
}
