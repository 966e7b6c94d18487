// Package config provides environment-based configuration for opinionmap.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the opinionmap service.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Database (PostgreSQL with pgvector)
	DatabaseURL string

	// NATS run queue
	NatsURL string

	// Worker callback auth
	CallbackKey string        // fernet key for signature-header verification
	CallbackTTL time.Duration // max age of a signed callback token
	WorkerToken string        // bearer fallback for manual invocation
	AdminToken  string        // bearer token for session create/cancel

	// Embeddings
	EmbeddingBackend string // "simple" or "openai"
	OpenAIAPIKey     string
	EmbeddingModel   string

	// Labeling
	LabelModel string

	// Rate limiting on polling endpoints
	ReadRateLimit int
	RateWindow    time.Duration

	Pipeline Pipeline
}

// Pipeline holds tuning constants for the clustering pipeline.
//
// MinVectorizedRatio and PCADimensions were tuned empirically against
// production zones and are carried as-is; change them deliberately, not in
// passing.
type Pipeline struct {
	EmbeddingDimensions int     // expected embedding vector length
	EmbedBatchSize      int     // posts per embedding round trip
	MinVectorizedRatio  float64 // minimum fraction of posts that must embed

	PCADimensions int // intermediate dimensionality after the linear stage

	// 3D projection
	Neighbors        int
	MinDist          float64
	Spread           float64
	ProjectionEpochs int

	MaxClusters int // upper bound for automatic cluster-count selection

	// Labeling
	LabelConcurrency int // concurrent label calls
	LabelSampleSize  int // member texts sent per cluster

	DisplayRange float64 // coordinate axes are normalized into [0, DisplayRange]

	ExternalTimeout time.Duration // per external-service call
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	c := &Config{
		Port:             envInt("OPINIONMAP_PORT", 8600),
		LogLevel:         envStr("OPINIONMAP_LOG_LEVEL", "info"),
		DatabaseURL:      envStr("DATABASE_URL", ""),
		NatsURL:          envStr("NATS_URL", "nats://localhost:4222"),
		CallbackKey:      envStr("CALLBACK_SIGNING_KEY", ""),
		CallbackTTL:      envDuration("CALLBACK_TTL", 10*time.Minute),
		WorkerToken:      envStr("WORKER_TOKEN", ""),
		AdminToken:       envStr("ADMIN_TOKEN", ""),
		EmbeddingBackend: envStr("EMBEDDING_BACKEND", "openai"),
		OpenAIAPIKey:     envStr("OPENAI_API_KEY", ""),
		EmbeddingModel:   envStr("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		LabelModel:       envStr("OPENAI_LABEL_MODEL", "gpt-4o-mini"),
		ReadRateLimit:    envInt("READ_RATE_LIMIT", 120),
		RateWindow:       envDuration("RATE_WINDOW", time.Minute),
		Pipeline:         PipelineFromEnv(),
	}

	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return c, nil
}

// SlogLevel maps LogLevel onto a slog level. Unrecognized values fall back
// to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// PipelineFromEnv loads pipeline tuning from environment variables.
func PipelineFromEnv() Pipeline {
	return Pipeline{
		EmbeddingDimensions: envInt("EMBEDDING_DIMENSIONS", 1536),
		EmbedBatchSize:      envInt("EMBED_BATCH_SIZE", 128),
		MinVectorizedRatio:  envFloat("MIN_VECTORIZED_RATIO", 0.5),
		PCADimensions:       envInt("PCA_DIMENSIONS", 30),
		Neighbors:           envInt("PROJECTION_NEIGHBORS", 15),
		MinDist:             envFloat("PROJECTION_MIN_DIST", 0.1),
		Spread:              envFloat("PROJECTION_SPREAD", 1.0),
		ProjectionEpochs:    envInt("PROJECTION_EPOCHS", 200),
		MaxClusters:         envInt("MAX_CLUSTERS", 12),
		LabelConcurrency:    envInt("LABEL_CONCURRENCY", 5),
		LabelSampleSize:     envInt("LABEL_SAMPLE_SIZE", 12),
		DisplayRange:        envFloat("DISPLAY_RANGE", 100),
		ExternalTimeout:     envDuration("EXTERNAL_CALL_TIMEOUT", 60*time.Second),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
