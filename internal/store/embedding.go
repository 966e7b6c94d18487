package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// StoredEmbedding is a raw embedding row as persisted. Exactly one of Vector
// or Raw is normally set: Vector for rows written by this service, Raw for
// legacy delimited-string values. The pipeline's parse step normalizes both.
type StoredEmbedding struct {
	PostID uuid.UUID
	Vector *pgvector.Vector
	Raw    *string
}

// PostEmbedding is a computed embedding ready to persist.
type PostEmbedding struct {
	PostID    uuid.UUID
	Embedding pgvector.Vector
	Model     string
}

// EmbeddingsForPosts fetches stored embeddings for the given posts. Posts
// with no embedding row are absent from the result.
func EmbeddingsForPosts(ctx context.Context, db DBTX, ids []uuid.UUID) ([]StoredEmbedding, error) {
	rows, err := db.Query(ctx, `
		SELECT post_id, embedding, raw_embedding
		FROM post_embeddings WHERE post_id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("embeddings for posts: %w", err)
	}
	defer rows.Close()

	var result []StoredEmbedding
	for rows.Next() {
		var e StoredEmbedding
		if err := rows.Scan(&e.PostID, &e.Vector, &e.Raw); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// UpsertPostEmbeddings persists computed embeddings in a single batched round
// trip, replacing any legacy raw value.
func UpsertPostEmbeddings(ctx context.Context, db DBTX, embeddings []PostEmbedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range embeddings {
		batch.Queue(`
			INSERT INTO post_embeddings (post_id, embedding, model)
			VALUES ($1, $2, $3)
			ON CONFLICT (post_id) DO UPDATE SET
				embedding = EXCLUDED.embedding,
				raw_embedding = NULL,
				model = EXCLUDED.model,
				updated_at = now()
		`, e.PostID, e.Embedding, e.Model)
	}

	results := db.SendBatch(ctx, batch)
	defer results.Close()

	for range embeddings {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert embedding: %w", err)
		}
	}
	return nil
}

// CountEmbeddings returns the number of stored embeddings, for stats reporting.
func CountEmbeddings(ctx context.Context, db DBTX) (int, error) {
	var n int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM post_embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}
