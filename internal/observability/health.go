package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// CheckFunc returns nil when a dependency is healthy.
type CheckFunc func() error

// HealthServer serves liveness and readiness. Readiness requires SetReady(true)
// and every registered check to pass.
type HealthServer struct {
	ready atomic.Bool

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHealthServer creates a health server that is not ready yet.
func NewHealthServer() *HealthServer {
	return &HealthServer{checks: make(map[string]CheckFunc)}
}

// SetReady marks the process as ready or draining.
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// AddCheck registers a named readiness check.
func (h *HealthServer) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

// Handler returns a standalone handler with /healthz and /readyz.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /readyz", h.HandleReady)
	return mux
}

// HandleHealth always reports ok while the process serves requests.
func (h *HealthServer) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// HandleReady reports 503 until ready and while any check fails.
func (h *HealthServer) HandleReady(w http.ResponseWriter, _ *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
		return
	}

	failed := h.failedChecks()
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (h *HealthServer) failedChecks() map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]CheckFunc, len(names))
	for i, name := range names {
		checks[i] = h.checks[name]
	}
	h.mu.RUnlock()

	var failed map[string]string
	for i, check := range checks {
		if err := check(); err != nil {
			if failed == nil {
				failed = make(map[string]string)
			}
			failed[names[i]] = err.Error()
		}
	}
	return failed
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
