package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PipelineStore adapts the package-level store functions to the narrow
// interface the pipeline runner consumes.
type PipelineStore struct {
	db *DB
}

// NewPipelineStore creates an adapter over the given database.
func NewPipelineStore(db *DB) *PipelineStore {
	return &PipelineStore{db: db}
}

func (s *PipelineStore) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	return GetSession(ctx, s.db.DBTX(), id)
}

func (s *PipelineStore) SessionStatus(ctx context.Context, id uuid.UUID) (Status, error) {
	return SessionStatus(ctx, s.db.DBTX(), id)
}

func (s *PipelineStore) UpdatePhase(ctx context.Context, id uuid.UUID, status Status, progress int, message string) error {
	return UpdateSessionPhase(ctx, s.db.DBTX(), id, status, progress, message)
}

func (s *PipelineStore) SetSample(ctx context.Context, id uuid.UUID, postIDs []uuid.UUID, totalPosts int) error {
	return SetSessionSample(ctx, s.db.DBTX(), id, postIDs, totalPosts)
}

func (s *PipelineStore) SetVectorized(ctx context.Context, id uuid.UUID, count int) error {
	return SetSessionVectorized(ctx, s.db.DBTX(), id, count)
}

func (s *PipelineStore) Complete(ctx context.Context, id uuid.UUID, totalClusters, outlierCount int, executionMS int64) error {
	return CompleteSession(ctx, s.db.DBTX(), id, totalClusters, outlierCount, executionMS)
}

func (s *PipelineStore) Fail(ctx context.Context, id uuid.UUID, message, detail string) error {
	return FailSession(ctx, s.db.DBTX(), id, message, detail)
}

func (s *PipelineStore) PostRefsInRange(ctx context.Context, zoneID string, start, end time.Time) ([]PostRef, error) {
	return PostRefsInRange(ctx, s.db.DBTX(), zoneID, start, end)
}

func (s *PipelineStore) PostTexts(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	return PostTexts(ctx, s.db.DBTX(), ids)
}

func (s *PipelineStore) EmbeddingsForPosts(ctx context.Context, ids []uuid.UUID) ([]StoredEmbedding, error) {
	return EmbeddingsForPosts(ctx, s.db.DBTX(), ids)
}

func (s *PipelineStore) UpsertPostEmbeddings(ctx context.Context, embs []PostEmbedding) error {
	return UpsertPostEmbeddings(ctx, s.db.DBTX(), embs)
}

// ReplaceProjections clears and bulk-inserts inside one transaction so a
// failed write cannot leave a half-replaced map behind.
func (s *PipelineStore) ReplaceProjections(ctx context.Context, sessionID uuid.UUID, rows []Projection) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return ReplaceProjections(ctx, tx, sessionID, rows)
	})
}

func (s *PipelineStore) InsertClusters(ctx context.Context, clusters []Cluster) error {
	return InsertClusters(ctx, s.db.DBTX(), clusters)
}

func (s *PipelineStore) ZoneContext(ctx context.Context, zoneID string) (string, error) {
	return ZoneContext(ctx, s.db.DBTX(), zoneID)
}

func (s *PipelineStore) PurgeSuperseded(ctx context.Context, zoneID string, keep uuid.UUID) error {
	return PurgeSupersededSessions(ctx, s.db.DBTX(), zoneID, keep)
}
