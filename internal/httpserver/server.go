// Package httpserver exposes the supervisor's operational surface:
// health and Prometheus metrics. There is no authenticated API — this
// process has no end users, only operators and monitoring.
package httpserver

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the node's role, read by /healthz. The server does not
// refresh it itself: /healthz reports whatever the last SetStatus call
// stored.
type Status struct {
	Role            string    `json:"role"` // "leader", "follower", "unknown"
	ServerID        int       `json:"server_id,omitempty"`
	LastReconciled  time.Time `json:"last_reconciled,omitempty"`
	LeaderIPAddress string    `json:"leader_ip,omitempty"`
}

// Server is the supervisor's HTTP surface.
type Server struct {
	Router *chi.Mux
	logger *slog.Logger

	mu     sync.RWMutex
	status Status
}

// NewServer creates the HTTP server with request logging, Prometheus
// instrumentation, /healthz and /metrics.
func NewServer(logger *slog.Logger, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router: chi.NewRouter(),
		logger: logger,
		status: Status{Role: "unknown"},
	}

	s.Router.Use(Instrument(logger))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

// SetStatus updates the status reported by /healthz. Safe for
// concurrent use by the control loop and bootstrap decider.
func (s *Server) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()
	Respond(w, http.StatusOK, status)
}

// ListenAndServe starts the server and blocks until it returns an
// error (including on listener shutdown).
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("starting supervisor http server", "addr", addr)
	return http.ListenAndServe(addr, s.Router)
}
