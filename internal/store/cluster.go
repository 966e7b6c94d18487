package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Cluster is aggregate metadata for one cluster within one session, written
// once in the labeling phase and immutable afterwards.
type Cluster struct {
	ZoneID         string    `json:"zone_id"`
	SessionID      uuid.UUID `json:"session_id"`
	ClusterID      int       `json:"cluster_id"`
	Label          string    `json:"label"`
	Keywords       []string  `json:"keywords"`
	TweetCount     int       `json:"tweet_count"`
	CentroidX      float64   `json:"centroid_x"`
	CentroidY      float64   `json:"centroid_y"`
	CentroidZ      float64   `json:"centroid_z"`
	AvgSentiment   *float64  `json:"avg_sentiment"`   // [-1,1] or null
	CoherenceScore *float64  `json:"coherence_score"` // [0,1] or null
	Reasoning      string    `json:"reasoning,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// InsertClusters persists a session's cluster rows in one batched round trip.
func InsertClusters(ctx context.Context, db DBTX, clusters []Cluster) error {
	if len(clusters) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range clusters {
		keywords := c.Keywords
		if keywords == nil {
			keywords = []string{}
		}
		batch.Queue(`
			INSERT INTO session_clusters
				(zone_id, session_id, cluster_id, label, keywords, tweet_count,
				 centroid_x, centroid_y, centroid_z, avg_sentiment, coherence_score, reasoning)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, c.ZoneID, c.SessionID, c.ClusterID, c.Label, keywords, c.TweetCount,
			c.CentroidX, c.CentroidY, c.CentroidZ, c.AvgSentiment, c.CoherenceScore, c.Reasoning)
	}

	results := db.SendBatch(ctx, batch)
	defer results.Close()

	for range clusters {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert cluster: %w", err)
		}
	}
	return nil
}

// SessionClusters returns a session's clusters ordered by cluster id.
func SessionClusters(ctx context.Context, db DBTX, sessionID uuid.UUID) ([]Cluster, error) {
	rows, err := db.Query(ctx, `
		SELECT zone_id, session_id, cluster_id, label, keywords, tweet_count,
		       centroid_x, centroid_y, centroid_z, avg_sentiment, coherence_score, reasoning, created_at
		FROM session_clusters WHERE session_id = $1 ORDER BY cluster_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session clusters: %w", err)
	}
	defer rows.Close()

	var result []Cluster
	for rows.Next() {
		var c Cluster
		if err := rows.Scan(&c.ZoneID, &c.SessionID, &c.ClusterID, &c.Label, &c.Keywords, &c.TweetCount,
			&c.CentroidX, &c.CentroidY, &c.CentroidZ, &c.AvgSentiment, &c.CoherenceScore, &c.Reasoning, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}
