// Package httpserver provides the HTTP API of the research tracker: liveness
// and readiness, Prometheus metrics, stored paper listings and on-demand fetch.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/helixir/research-tracker/internal/pipeline"
	"github.com/helixir/research-tracker/internal/repository"
)

// Fetcher runs one fetch. *pipeline.Runner satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Server is the HTTP API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	store      repository.PaperStore
	fetcher    Fetcher
	gatherer   prometheus.Gatherer
	cfg        Config
	now        func() time.Time
	logger     zerolog.Logger
}

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// MetricsPath exposes gathered metrics when non-empty.
	MetricsPath string
	// FetchDefaults fills fields a POST /fetch body leaves empty.
	FetchDefaults pipeline.Request
}

// NewServer creates a new HTTP server. A nil gatherer uses the default
// Prometheus registry.
func NewServer(cfg Config, store repository.PaperStore, fetcher Fetcher, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		store:    store,
		fetcher:  fetcher,
		gatherer: gatherer,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With().Str("component", "http-server").Logger(),
	}

	s.router = s.buildRouter()

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// buildRouter creates the chi router with all middleware and routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationIDMiddleware)
	r.Use(requestLogMiddleware(s.logger))

	// Health checks
	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readinessHandler)

	if s.cfg.MetricsPath != "" {
		r.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(jsonContentTypeMiddleware)

		r.Get("/papers/recent", s.listRecentPapers)
		r.Get("/papers/top-cited", s.listTopCitedPapers)
		r.Get("/papers/by-keyword", s.listPapersByKeyword)
		r.Get("/papers/unpublished", s.listUnpublishedPapers)
		r.Post("/papers/{id}/published", s.markPaperPublished)
		r.Post("/fetch", s.startFetch)
	})

	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server starting")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on HTTP address: %w", err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthHandler returns basic liveness status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readinessHandler reports whether the paper store answers. Pool-backed
// stores also report connection statistics.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"store":  "unreachable",
		})
		return
	}

	body := map[string]interface{}{
		"status": "ready",
		"store":  "healthy",
	}
	if reporter, ok := s.store.(repository.PoolReporter); ok {
		if health, ok := reporter.PoolHealth(ctx); ok {
			if health.Status != "healthy" {
				s.logger.Warn().Str("error", health.Error).Msg("connection pool unhealthy")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "not_ready",
					"store":  health.Status,
				})
				return
			}
			health.Error = ""
			body["pool"] = health
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort log; headers already sent.
		_ = err
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
