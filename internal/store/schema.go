package store

import (
	"context"
	"fmt"
)

// ActiveStatusList is the SQL tuple of non-terminal session statuses. It must
// match the predicate of the one_active_session_per_zone index below.
const ActiveStatusList = `('pending','vectorizing','reducing','clustering','labeling')`

// Schema contains the DDL for all opinionmap tables. Applied at startup;
// every statement is idempotent.
const Schema = `
CREATE EXTENSION IF NOT EXISTS vector;

-- Zones: tenant-scoped monitoring topics. Ingestion owns writes; this
-- service reads id and context only.
CREATE TABLE IF NOT EXISTS zones (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL DEFAULT '',
    context     TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Posts collected by the ingestion workers.
CREATE TABLE IF NOT EXISTS posts (
    id          UUID PRIMARY KEY,
    zone_id     TEXT NOT NULL REFERENCES zones(id),
    author      TEXT NOT NULL DEFAULT '',
    content     TEXT NOT NULL,
    posted_at   TIMESTAMPTZ NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_posts_zone_posted ON posts(zone_id, posted_at);

-- Stored embeddings. embedding is the canonical form; raw_embedding holds
-- legacy delimited-string values written by earlier ingestion revisions and
-- is normalized at read time.
CREATE TABLE IF NOT EXISTS post_embeddings (
    post_id        UUID PRIMARY KEY REFERENCES posts(id) ON DELETE CASCADE,
    embedding      VECTOR(1536),
    raw_embedding  TEXT,
    model          TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- One clustering run. config fields (range, target, sampled ids) are
-- immutable after creation.
CREATE TABLE IF NOT EXISTS cluster_sessions (
    id                UUID PRIMARY KEY,
    zone_id           TEXT NOT NULL REFERENCES zones(id),
    status            TEXT NOT NULL DEFAULT 'pending',
    progress          INT NOT NULL DEFAULT 0,
    phase_message     TEXT NOT NULL DEFAULT '',
    range_start       TIMESTAMPTZ NOT NULL,
    range_end         TIMESTAMPTZ NOT NULL,
    target_size       INT NOT NULL,
    sampled_post_ids  UUID[] NOT NULL DEFAULT '{}',
    actual_size       INT NOT NULL DEFAULT 0,
    total_posts       INT NOT NULL DEFAULT 0,
    vectorized_posts  INT NOT NULL DEFAULT 0,
    total_clusters    INT NOT NULL DEFAULT 0,
    outlier_count     INT NOT NULL DEFAULT 0,
    execution_ms      BIGINT NOT NULL DEFAULT 0,
    error_message     TEXT NOT NULL DEFAULT '',
    error_detail      TEXT NOT NULL DEFAULT '',
    retry_of          UUID,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sessions_zone_created ON cluster_sessions(zone_id, created_at DESC);

-- At most one non-terminal session per zone. Survives process restarts and
-- concurrent workers, unlike an in-memory lock.
CREATE UNIQUE INDEX IF NOT EXISTS one_active_session_per_zone
    ON cluster_sessions(zone_id)
    WHERE status IN ` + ActiveStatusList + `;

-- One sampled post's placement on the map for one session.
CREATE TABLE IF NOT EXISTS projections (
    post_id             UUID NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    zone_id             TEXT NOT NULL,
    session_id          UUID NOT NULL REFERENCES cluster_sessions(id) ON DELETE CASCADE,
    x                   DOUBLE PRECISION NOT NULL,
    y                   DOUBLE PRECISION NOT NULL,
    z                   DOUBLE PRECISION NOT NULL,
    cluster_id          INT NOT NULL,
    cluster_confidence  REAL NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (post_id, session_id)
);
CREATE INDEX IF NOT EXISTS idx_projections_zone_session ON projections(zone_id, session_id);
CREATE INDEX IF NOT EXISTS idx_projections_session_cluster ON projections(session_id, cluster_id);

-- Aggregate metadata for one cluster within one session.
CREATE TABLE IF NOT EXISTS session_clusters (
    zone_id          TEXT NOT NULL,
    session_id       UUID NOT NULL REFERENCES cluster_sessions(id) ON DELETE CASCADE,
    cluster_id       INT NOT NULL,
    label            TEXT NOT NULL,
    keywords         TEXT[] NOT NULL DEFAULT '{}',
    tweet_count      INT NOT NULL DEFAULT 0,
    centroid_x       DOUBLE PRECISION NOT NULL DEFAULT 0,
    centroid_y       DOUBLE PRECISION NOT NULL DEFAULT 0,
    centroid_z       DOUBLE PRECISION NOT NULL DEFAULT 0,
    avg_sentiment    REAL,
    coherence_score  REAL,
    reasoning        TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (zone_id, session_id, cluster_id)
);
`

// Migrate applies the schema. Safe to run on every startup.
func Migrate(ctx context.Context, db *DB) error {
	if _, err := db.Pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
