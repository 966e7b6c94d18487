// Package main is the entry point for the opinionmap service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftlab/opinionmap/internal/config"
	"github.com/driftlab/opinionmap/internal/dispatch"
	"github.com/driftlab/opinionmap/internal/embeddings"
	"github.com/driftlab/opinionmap/internal/labeler"
	"github.com/driftlab/opinionmap/internal/pipeline"
	"github.com/driftlab/opinionmap/internal/server"
	"github.com/driftlab/opinionmap/internal/signing"
	"github.com/driftlab/opinionmap/internal/store"
)

func main() {
	// Bootstrap logger at the default level until config is loaded.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := store.Migrate(ctx, db); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	// Embedding provider
	var embedder embeddings.Provider
	switch cfg.EmbeddingBackend {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OpenAI API key required for openai embedding backend")
			os.Exit(1)
		}
		embedder = embeddings.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel,
			cfg.Pipeline.EmbeddingDimensions, cfg.Pipeline.ExternalTimeout)
	default:
		embedder = embeddings.NewSimpleProvider(cfg.Pipeline.EmbeddingDimensions)
	}
	logger.Info("embedding provider initialized", "backend", embedder.Name())

	// Cluster labeler. Without an API key every cluster gets a fallback
	// label, which keeps development runs working end to end.
	var generator labeler.Generator
	if cfg.OpenAIAPIKey != "" {
		generator = labeler.NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.LabelModel, cfg.Pipeline.ExternalTimeout)
	} else {
		logger.Warn("no OpenAI API key configured, cluster labels fall back to placeholders")
	}
	clusterLabeler := labeler.New(generator, cfg.Pipeline.LabelConcurrency, logger)

	// Callback signature verification
	var signer *signing.Signer
	if cfg.CallbackKey != "" {
		signer, err = signing.NewSigner(cfg.CallbackKey, cfg.CallbackTTL)
		if err != nil {
			logger.Error("invalid callback signing key", "error", err)
			os.Exit(1)
		}
	} else if cfg.WorkerToken == "" {
		logger.Warn("no callback signing key or worker token configured, worker endpoint is open")
		if key, genErr := signing.GenerateKey(); genErr == nil {
			logger.Warn("set CALLBACK_SIGNING_KEY to enable signed callbacks", "example_key", key)
		}
	}

	// Pipeline runner
	pipeStore := store.NewPipelineStore(db)
	vectorizer := pipeline.NewVectorizer(pipeStore, embedder,
		cfg.Pipeline.EmbedBatchSize, cfg.Pipeline.MinVectorizedRatio,
		cfg.Pipeline.EmbeddingDimensions, logger)
	runner := pipeline.NewRunner(pipeStore, vectorizer, clusterLabeler, cfg.Pipeline, logger)

	// NATS run queue. Optional, the service works on HTTP callbacks alone.
	var dispatchClient *dispatch.Client
	if cfg.NatsURL != "" {
		dispatchClient, err = dispatch.NewClient(cfg.NatsURL, logger)
		if err != nil {
			logger.Warn("failed to connect to NATS, running without the run queue", "error", err)
			dispatchClient = nil
		} else {
			defer dispatchClient.Close()
			logger.Info("connected to NATS", "url", cfg.NatsURL)

			subscriber := dispatch.NewSubscriber(dispatchClient, runner, logger)
			if err := subscriber.Start(ctx); err != nil {
				logger.Warn("failed to start run subscriber", "error", err)
			} else {
				defer subscriber.Stop()
			}
		}
	}

	// Server
	srv := server.New(cfg, db, dispatchClient, runner, signer, logger)

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     srv.Router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down gracefully...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("opinionmap starting", "port", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("opinionmap stopped")
}
