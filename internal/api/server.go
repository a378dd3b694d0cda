// Package api exposes the HTTP interface for the harvester service: run
// submission and inspection under /v1, provider webhook callbacks under
// /webhooks, and the usual health and metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/pipeline"
	"github.com/openlistings/harvester/internal/webhook"
)

// ReadyFunc reports whether downstream dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

// Config carries the server-level knobs.
type Config struct {
	AuthEnabled bool
	APIKey      string
	// EnrichmentLimit caps auto-selected enrichment candidates.
	EnrichmentLimit int
	RequestTimeout  time.Duration
}

// Server wires HTTP handlers to the orchestrator, stores, and webhook gate.
type Server struct {
	router   chi.Router
	orch     *pipeline.Orchestrator
	runs     pipeline.RunStore
	records  pipeline.RecordStore
	gate     *webhook.Gate
	ready    ReadyFunc
	logger   *zap.Logger
	cfg      Config
	registry *prometheus.Registry
}

// NewServer constructs a Server with middleware and routes. Webhook routes
// are deliberately outside the API-key gate: callbacks authenticate with
// their per-submission secrets instead.
func NewServer(
	orch *pipeline.Orchestrator,
	runs pipeline.RunStore,
	records pipeline.RecordStore,
	gate *webhook.Gate,
	registry *prometheus.Registry,
	ready ReadyFunc,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.EnrichmentLimit <= 0 {
		cfg.EnrichmentLimit = 100
	}
	s := &Server{
		orch:     orch,
		runs:     runs,
		records:  records,
		gate:     gate,
		ready:    ready,
		logger:   logger,
		cfg:      cfg,
		registry: registry,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", s.metricsHandler())

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/notify", s.webhookNotify)
		r.Post("/endpoint", s.webhookData)
	})

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/runs", func(r chi.Router) {
			r.Post("/discovery", s.submitDiscovery)
			r.Post("/enrichment", s.submitEnrichment)
			r.Get("/", s.listRuns)
			r.Get("/active", s.listActiveRuns)
			r.Get("/stats", s.runStats)
			r.Get("/{run_id}", s.getRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) metricsHandler() http.Handler {
	if s.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
