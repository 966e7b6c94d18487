package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Projection is one sampled post's placement on the 3D map for one session.
// Created once, in bulk, at the end of the clustering phase; never mutated.
type Projection struct {
	PostID            uuid.UUID `json:"post_id"`
	ZoneID            string    `json:"zone_id"`
	SessionID         uuid.UUID `json:"session_id"`
	X                 float64   `json:"x"`
	Y                 float64   `json:"y"`
	Z                 float64   `json:"z"`
	ClusterID         int       `json:"cluster_id"` // -1 means outlier
	ClusterConfidence float64   `json:"cluster_confidence"`
}

// ReplaceProjections deletes any projections the session already has and bulk
// inserts the new set via COPY, all in one call so a retried phase cannot
// leave duplicates behind.
func ReplaceProjections(ctx context.Context, db DBTX, sessionID uuid.UUID, rows []Projection) error {
	if _, err := db.Exec(ctx, `DELETE FROM projections WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("clear projections: %w", err)
	}

	if len(rows) == 0 {
		return nil
	}

	n, err := db.CopyFrom(ctx,
		pgx.Identifier{"projections"},
		[]string{"post_id", "zone_id", "session_id", "x", "y", "z", "cluster_id", "cluster_confidence"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			p := rows[i]
			return []any{p.PostID, p.ZoneID, p.SessionID, p.X, p.Y, p.Z, p.ClusterID, p.ClusterConfidence}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy projections: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copy projections: inserted %d of %d rows", n, len(rows))
	}
	return nil
}

// SessionProjections returns all projections for a session.
func SessionProjections(ctx context.Context, db DBTX, sessionID uuid.UUID) ([]Projection, error) {
	rows, err := db.Query(ctx, `
		SELECT post_id, zone_id, session_id, x, y, z, cluster_id, cluster_confidence
		FROM projections WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session projections: %w", err)
	}
	defer rows.Close()

	var result []Projection
	for rows.Next() {
		var p Projection
		if err := rows.Scan(&p.PostID, &p.ZoneID, &p.SessionID, &p.X, &p.Y, &p.Z, &p.ClusterID, &p.ClusterConfidence); err != nil {
			return nil, fmt.Errorf("scan projection: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// PurgeSupersededSessions deletes projections and clusters belonging to
// completed sessions of the zone other than keep. Older runs are superseded
// wholesale once a newer session completes.
func PurgeSupersededSessions(ctx context.Context, db DBTX, zoneID string, keep uuid.UUID) error {
	_, err := db.Exec(ctx, `
		DELETE FROM projections
		WHERE zone_id = $1 AND session_id <> $2
		  AND session_id IN (SELECT id FROM cluster_sessions WHERE zone_id = $1 AND status = 'completed')
	`, zoneID, keep)
	if err != nil {
		return fmt.Errorf("purge projections: %w", err)
	}
	_, err = db.Exec(ctx, `
		DELETE FROM session_clusters
		WHERE zone_id = $1 AND session_id <> $2
		  AND session_id IN (SELECT id FROM cluster_sessions WHERE zone_id = $1 AND status = 'completed')
	`, zoneID, keep)
	if err != nil {
		return fmt.Errorf("purge clusters: %w", err)
	}
	return nil
}
