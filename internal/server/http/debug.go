package http

import (
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// DebugHandler serves runtime information and, optionally, pprof.
type DebugHandler struct {
	pprofEnabled bool
	startTime    time.Time
}

// NewDebugHandler creates a new debug handler.
func NewDebugHandler(pprofEnabled bool) *DebugHandler {
	return &DebugHandler{
		pprofEnabled: pprofEnabled,
		startTime:    time.Now(),
	}
}

// Register adds the /debug routes to router.
func (h *DebugHandler) Register(router *mux.Router) {
	router.HandleFunc("/debug/", h.handleDebugIndex).Methods(http.MethodGet)
	router.HandleFunc("/debug/runtime", h.handleRuntimeInfo).Methods(http.MethodGet)

	if h.pprofEnabled {
		router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		router.HandleFunc("/debug/pprof/profile", pprof.Profile)
		router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		router.HandleFunc("/debug/pprof/trace", pprof.Trace)
		// Named profiles (heap, goroutine, mutex, ...) are served by Index.
		router.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	}

	log.Info().Bool("pprof", h.pprofEnabled).Msg("debug endpoints registered at /debug/")
}

func (h *DebugHandler) handleDebugIndex(w http.ResponseWriter, r *http.Request) {
	endpoints := []string{"/debug/runtime"}
	if h.pprofEnabled {
		endpoints = append(endpoints,
			"/debug/pprof/",
			"/debug/pprof/heap",
			"/debug/pprof/goroutine?debug=2",
			"/debug/pprof/mutex",
			"/debug/pprof/profile?seconds=30",
			"/debug/pprof/trace?seconds=5",
		)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pprof":     h.pprofEnabled,
		"endpoints": endpoints,
	})
}

func (h *DebugHandler) handleRuntimeInfo(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	const mb = 1024 * 1024
	writeJSON(w, http.StatusOK, map[string]any{
		"go_version":     runtime.Version(),
		"go_os":          runtime.GOOS,
		"go_arch":        runtime.GOARCH,
		"num_cpu":        runtime.NumCPU(),
		"num_goroutine":  runtime.NumGoroutine(),
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"memory": map[string]any{
			"alloc_mb":          float64(m.Alloc) / mb,
			"sys_mb":            float64(m.Sys) / mb,
			"heap_alloc_mb":     float64(m.HeapAlloc) / mb,
			"heap_objects":      m.HeapObjects,
			"num_gc":            m.NumGC,
			"gc_pause_total_ms": float64(m.PauseTotalNs) / 1e6,
		},
	})
}
