// Package server provides the HTTP server setup for opinionmap.
package server

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/driftlab/opinionmap/internal/api"
	"github.com/driftlab/opinionmap/internal/config"
	"github.com/driftlab/opinionmap/internal/dispatch"
	"github.com/driftlab/opinionmap/internal/middleware"
	"github.com/driftlab/opinionmap/internal/pipeline"
	"github.com/driftlab/opinionmap/internal/signing"
	"github.com/driftlab/opinionmap/internal/store"

	"log/slog"
)

// Server holds all dependencies for the opinionmap HTTP server.
type Server struct {
	Router    *chi.Mux
	Config    *config.Config
	DB        *store.DB
	Dispatch  *dispatch.Client
	Publisher *dispatch.Publisher
	Logger    *slog.Logger
}

// New creates a new Server with all routes configured.
func New(cfg *config.Config, db *store.DB, dispatchClient *dispatch.Client, runner *pipeline.Runner, signer *signing.Signer, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogging(logger))

	// Publisher (may be nil if NATS not available)
	var publisher *dispatch.Publisher
	if dispatchClient != nil {
		publisher = dispatch.NewPublisher(dispatchClient, logger)
	}

	// Handlers
	healthHandler := api.NewHealthHandler(db, dispatchClient)
	var enqueuer api.RunEnqueuer
	if publisher != nil {
		enqueuer = publisher
	}
	sessionHandler := api.NewSessionHandler(db, enqueuer, runner, logger)
	workerHandler := api.NewWorkerHandler(runner, logger)

	readRL := middleware.NewRateLimiter(cfg.ReadRateLimit, cfg.RateWindow)

	var verifier middleware.SignatureVerifier
	if signer != nil {
		verifier = signer
	}

	// Routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health (no rate limit)
		r.Get("/health", healthHandler.Health)
		r.Get("/stats", healthHandler.Stats)

		// Polling reads
		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(30 * time.Second))
			r.Use(readRL.Middleware)
			r.Get("/sessions/{id}", sessionHandler.Get)
			r.Get("/sessions/{id}/map", sessionHandler.Map)
			r.Get("/zones/{zone}/sessions/latest", sessionHandler.Latest)
		})

		// Session administration
		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(30 * time.Second))
			r.Use(middleware.BearerAuth(cfg.AdminToken, api.Unauthorized))
			r.Post("/zones/{zone}/sessions", sessionHandler.Create)
			r.Post("/sessions/{id}/cancel", sessionHandler.Cancel)
		})

		// Worker callback. The pipeline runs inside the request, so no
		// timeout middleware here.
		r.Group(func(r chi.Router) {
			r.Use(middleware.CallbackAuth(verifier, cfg.WorkerToken, api.Unauthorized))
			r.Post("/worker/cluster", workerHandler.Cluster)
		})
	})

	return &Server{
		Router:    r,
		Config:    cfg,
		DB:        db,
		Dispatch:  dispatchClient,
		Publisher: publisher,
		Logger:    logger,
	}
}
