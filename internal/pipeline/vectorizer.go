package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/driftlab/opinionmap/internal/embeddings"
	"github.com/driftlab/opinionmap/internal/store"
)

// VectorStore is the slice of the datastore the vectorizer needs.
type VectorStore interface {
	EmbeddingsForPosts(ctx context.Context, ids []uuid.UUID) ([]store.StoredEmbedding, error)
	PostTexts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
	UpsertPostEmbeddings(ctx context.Context, embs []store.PostEmbedding) error
}

// VectorizeResult reports how a batch of posts obtained embeddings.
type VectorizeResult struct {
	// Vectors holds one parsed embedding per usable post.
	Vectors map[uuid.UUID][]float64
	// Ordered lists usable post ids in request order, so downstream stages
	// see a stable ordering.
	Ordered []uuid.UUID

	Cached   int
	Computed int
	Failed   int
	HitRate  float64
}

// ThresholdError is returned when too few posts obtained embeddings for the
// pipeline to proceed.
type ThresholdError struct {
	Requested int
	Usable    int
	MinRatio  float64
}

func (e *ThresholdError) Error() string {
	ratio := 0.0
	if e.Requested > 0 {
		ratio = float64(e.Usable) / float64(e.Requested)
	}
	return fmt.Sprintf("only %.1f%% of posts obtained embeddings (minimum required: %.0f%%): %d of %d usable",
		ratio*100, e.MinRatio*100, e.Usable, e.Requested)
}

// Vectorizer ensures every requested post has a usable fixed-length
// embedding, computing and persisting missing ones through the provider.
type Vectorizer struct {
	store     VectorStore
	provider  embeddings.Provider
	batchSize int
	minRatio  float64
	dims      int
	logger    *slog.Logger
}

// NewVectorizer creates a vectorizer.
func NewVectorizer(vs VectorStore, provider embeddings.Provider, batchSize int, minRatio float64, dims int, logger *slog.Logger) *Vectorizer {
	if batchSize <= 0 {
		batchSize = 128
	}
	return &Vectorizer{
		store:     vs,
		provider:  provider,
		batchSize: batchSize,
		minRatio:  minRatio,
		dims:      dims,
		logger:    logger,
	}
}

// EnsureEmbeddings resolves embeddings for the given posts. Stored values are
// parsed and validated; posts without a usable stored embedding are embedded
// in sequential batches, with per-item isolation: a failing batch falls back
// to per-item calls so one bad item cannot sink its neighbors.
//
// If fewer than minRatio of the requested posts end up usable the result is
// returned together with a *ThresholdError; above the threshold but below
// 100% the run proceeds and the caller logs a partial-degradation warning.
func (v *Vectorizer) EnsureEmbeddings(ctx context.Context, ids []uuid.UUID) (*VectorizeResult, error) {
	result := &VectorizeResult{Vectors: make(map[uuid.UUID][]float64, len(ids))}

	stored, err := v.store.EmbeddingsForPosts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading stored embeddings: %w", err)
	}

	byID := make(map[uuid.UUID]store.StoredEmbedding, len(stored))
	for _, e := range stored {
		byID[e.PostID] = e
	}

	var missing []uuid.UUID
	for _, id := range ids {
		e, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		vec, err := ParseEmbedding(e, v.dims)
		if err != nil {
			// Malformed stored value: recompute rather than coerce.
			var malformed *MalformedEmbeddingError
			if errors.As(err, &malformed) {
				v.logger.Warn("stored embedding rejected", "post", id, "reason", malformed.Reason)
			}
			missing = append(missing, id)
			continue
		}
		result.Vectors[id] = vec
		result.Cached++
	}

	if len(missing) > 0 {
		if err := v.backfill(ctx, missing, result); err != nil {
			return nil, err
		}
	}

	for _, id := range ids {
		if _, ok := result.Vectors[id]; ok {
			result.Ordered = append(result.Ordered, id)
		}
	}

	if len(ids) > 0 {
		result.HitRate = float64(result.Cached) / float64(len(ids))
	}

	usable := len(result.Ordered)
	if len(ids) > 0 && float64(usable) < v.minRatio*float64(len(ids)) {
		return result, &ThresholdError{Requested: len(ids), Usable: usable, MinRatio: v.minRatio}
	}
	return result, nil
}

// backfill embeds posts lacking a usable stored vector and persists the
// successes. Failures increment result.Failed and are otherwise isolated.
func (v *Vectorizer) backfill(ctx context.Context, missing []uuid.UUID, result *VectorizeResult) error {
	texts, err := v.store.PostTexts(ctx, missing)
	if err != nil {
		return fmt.Errorf("loading post texts: %w", err)
	}

	var batch []uuid.UUID
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		v.embedBatch(ctx, batch, texts, result)
		batch = batch[:0]
		return ctx.Err()
	}

	for _, id := range missing {
		if _, ok := texts[id]; !ok {
			v.logger.Warn("post missing for embedding", "post", id)
			result.Failed++
			continue
		}
		batch = append(batch, id)
		if len(batch) >= v.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// embedBatch tries one provider call for the whole batch; on error it retries
// each item individually so a single poisoned input fails alone.
func (v *Vectorizer) embedBatch(ctx context.Context, ids []uuid.UUID, texts map[uuid.UUID]string, result *VectorizeResult) {
	input := make([]string, len(ids))
	for i, id := range ids {
		input[i] = texts[id]
	}

	vectors, err := v.provider.EmbedBatch(ctx, input)
	if err != nil {
		v.logger.Warn("embedding batch failed, retrying per item", "size", len(ids), "error", err)
		vectors = make([][]float32, len(ids))
		for i := range ids {
			single, err := v.provider.EmbedBatch(ctx, input[i:i+1])
			if err != nil || len(single) != 1 {
				v.logger.Warn("embedding failed", "post", ids[i], "error", err)
				continue
			}
			vectors[i] = single[0]
		}
	}

	var accepted []store.PostEmbedding
	parsed := make(map[uuid.UUID][]float64, len(ids))
	for i, id := range ids {
		raw := vectors[i]
		if raw == nil {
			result.Failed++
			continue
		}
		if len(raw) != v.dims {
			v.logger.Warn("embedding has wrong dimensionality", "post", id, "got", len(raw), "want", v.dims)
			result.Failed++
			continue
		}
		accepted = append(accepted, store.PostEmbedding{
			PostID:    id,
			Embedding: pgvector.NewVector(raw),
			Model:     v.provider.Name(),
		})
		vec := make([]float64, len(raw))
		for j, f := range raw {
			vec[j] = float64(f)
		}
		parsed[id] = vec
	}

	if len(accepted) == 0 {
		return
	}

	if err := v.store.UpsertPostEmbeddings(ctx, accepted); err != nil {
		v.logger.Warn("persisting embedding batch failed", "size", len(accepted), "error", err)
		result.Failed += len(accepted)
		return
	}

	for id, vec := range parsed {
		result.Vectors[id] = vec
		result.Computed++
	}
}
