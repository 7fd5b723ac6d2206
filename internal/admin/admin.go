// Package admin serves the operational HTTP endpoints.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsm/feedmirror/internal/observability"
)

// StatusFunc returns a JSON-encodable snapshot of the poller.
type StatusFunc func() any

// NewRouter mounts /metrics, /healthz, /readyz and /status.
func NewRouter(health *observability.HealthServer, gatherer prometheus.Gatherer, status StatusFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReady)
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if status == nil {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "status unavailable"})
			return
		}
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return r
}

// Server runs the admin router on its own listener.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a server for handler on addr.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in the background. Listener errors are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("admin server starting", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server error", "error", err)
		}
	}()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
