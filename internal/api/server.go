// Package api provides the HTTP admin surface of the engine: stats,
// event injection, health, and the prometheus scrape endpoint. It is an
// operator surface in the spirit of the raw event listener, meant for
// localhost.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reverie-audio/reverie/internal/engine"
)

// EngineSurface is the slice of the engine the admin API needs. Both
// methods are safe from the HTTP goroutines.
type EngineSurface interface {
	// Snapshot returns the latest published stats.
	Snapshot() *engine.Stats

	// InjectEvent queues an event for the next generation step.
	InjectEvent(ev engine.Event)
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	eng    EngineSurface
	logger *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. The
// collector, when non-nil, is registered on a private prometheus
// registry served at /metrics.
func NewServer(eng EngineSurface, collector prometheus.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router: chi.NewRouter(),
		eng:    eng,
		logger: logger.With("subsystem", "api"),
	}
	s.routes(collector)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures middleware and mounts all route groups.
func (s *Server) routes(collector prometheus.Collector) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Post("/events", s.handleSendEvent)
	})

	if collector != nil {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collector)
		reg.MustRegister(collectors.NewGoCollector())
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.eng.Snapshot()
	if stats == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// sendEventRequest carries one event to inject: either a pre-split token
// list or a raw line to split on whitespace.
type sendEventRequest struct {
	Event []string `json:"event"`
	Line  string   `json:"line"`
}

func (s *Server) handleSendEvent(w http.ResponseWriter, r *http.Request) {
	var req sendEventRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ev := engine.Event(req.Event)
	if len(ev) == 0 {
		ev = engine.ParseEvent(req.Line)
	}
	if len(ev) == 0 {
		writeError(w, http.StatusBadRequest, "event must not be empty")
		return
	}

	s.eng.InjectEvent(ev)
	s.logger.Debug("event injected", "event", ev.String())
	writeJSON(w, http.StatusAccepted, map[string]string{"event": ev.String()})
}
