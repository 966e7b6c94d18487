package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PostRef is a post identifier with its publication time, the unit the
// stratified sampler works over.
type PostRef struct {
	ID       uuid.UUID `json:"id"`
	PostedAt time.Time `json:"posted_at"`
}

// PostRefsInRange returns ids and timestamps of a zone's posts within
// [start, end), in chronological order.
func PostRefsInRange(ctx context.Context, db DBTX, zoneID string, start, end time.Time) ([]PostRef, error) {
	rows, err := db.Query(ctx, `
		SELECT id, posted_at FROM posts
		WHERE zone_id = $1 AND posted_at >= $2 AND posted_at < $3
		ORDER BY posted_at
	`, zoneID, start, end)
	if err != nil {
		return nil, fmt.Errorf("posts in range: %w", err)
	}
	defer rows.Close()

	var refs []PostRef
	for rows.Next() {
		var r PostRef
		if err := rows.Scan(&r.ID, &r.PostedAt); err != nil {
			return nil, fmt.Errorf("scan post ref: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// PostTexts fetches the content of the given posts, keyed by id. Posts that
// no longer exist are simply absent from the map.
func PostTexts(ctx context.Context, db DBTX, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	rows, err := db.Query(ctx, `SELECT id, content FROM posts WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("post texts: %w", err)
	}
	defer rows.Close()

	texts := make(map[uuid.UUID]string, len(ids))
	for rows.Next() {
		var id uuid.UUID
		var content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, fmt.Errorf("scan post text: %w", err)
		}
		texts[id] = content
	}
	return texts, rows.Err()
}

// ZoneContext returns the free-text context configured for a zone, used to
// steer labeling tone. An unknown zone yields an empty context, not an error.
func ZoneContext(ctx context.Context, db DBTX, zoneID string) (string, error) {
	var c string
	err := db.QueryRow(ctx, `SELECT context FROM zones WHERE id = $1`, zoneID).Scan(&c)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("zone context: %w", err)
	}
	return c, nil
}

// ZoneExists reports whether a zone is registered.
func ZoneExists(ctx context.Context, db DBTX, zoneID string) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM zones WHERE id = $1)`, zoneID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("zone exists: %w", err)
	}
	return exists, nil
}

// CountPosts returns the total number of posts, for stats reporting.
func CountPosts(ctx context.Context, db DBTX) (int, error) {
	var n int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM posts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}
