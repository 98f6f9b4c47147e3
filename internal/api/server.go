// Package api exposes the reconciliation engine over HTTP: transcript and
// diagnostics queries, session control, segment ingest, and an SSE snapshot
// stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/lt-engine/internal/config"
	"github.com/snarg/lt-engine/internal/engine"
	"github.com/snarg/lt-engine/internal/metrics"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, eng *engine.Engine, version string, startTime time.Time, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	// Unauthenticated surface
	health := NewHealthHandler(eng, version, startTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated routes
	h := NewEngineHandler(eng)
	events := NewEventsHandler(eng)
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))

		r.Get("/api/v1/transcript", h.GetTranscript)
		r.Delete("/api/v1/transcript", h.ClearTranscript)
		r.Post("/api/v1/segments", h.IngestSegment)
		r.Post("/api/v1/segments/{id}/finalize", h.FinalizeSegment)

		r.Post("/api/v1/session/start", h.StartSession)
		r.Post("/api/v1/session/end", h.EndSession)

		r.Get("/api/v1/connection", h.GetConnection)
		r.Get("/api/v1/continuity", h.GetContinuity)
		r.Get("/api/v1/memory", h.GetMemory)

		r.Get("/api/v1/events/stream", events.StreamSnapshots)
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

// Handler returns the underlying mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
