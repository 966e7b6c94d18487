// Package embeddings provides a swappable interface for text embedding
// generation.
package embeddings

import "context"

// Provider generates fixed-length text embeddings in batches.
type Provider interface {
	// EmbedBatch generates one embedding per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider name for logging.
	Name() string

	// Dimensions returns the embedding vector length the provider produces.
	Dimensions() int
}
