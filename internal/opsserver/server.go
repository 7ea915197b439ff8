// Package opsserver implements the ops-only HTTP surface: /healthz,
// /readyz, /metrics. It never exposes the Authority API itself — that
// surface is a direct Go method call.
package opsserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/triad/pkg/authority"
)

// Pinger is the minimal readiness contract an external collaborator (the
// triadreplica Postgres sink) exposes; kept narrow so opsserver does not
// need to import pgx directly.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the ops HTTP server dependencies.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	Authority *authority.Authority
	Replica   Pinger // nil when no replication sink is configured
	startedAt time.Time
}

// NewServer builds the chi router for the ops surface.
func NewServer(logger *slog.Logger, a *authority.Authority, replica Pinger, metricsReg *prometheus.Registry, corsOrigins []string) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Authority: a,
		Replica:   replica,
		startedAt: time.Now(),
	}

	s.Router.Use(requestID)
	s.Router.Use(requestLogger(logger))
	s.Router.Use(metricsMiddleware)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET"},
		MaxAge:         300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.Authority.HealthCheck() {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "authority subcomponents not wired")
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz additionally checks the external replication sink, when
// configured: it is the one collaborator this service depends on over the
// network, and the only thing that can make the core "up" but not "ready".
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.Authority.HealthCheck() {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "authority subcomponents not wired")
		return
	}
	if s.Replica != nil {
		if err := s.Replica.Ping(r.Context()); err != nil {
			s.Logger.Error("readiness check: replica ping failed", "error", err)
			respondError(w, http.StatusServiceUnavailable, "unavailable", "replication sink not ready")
			return
		}
	}
	respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
