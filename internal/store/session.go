package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Status is a session lifecycle state.
type Status string

// Session statuses. A session moves pending → vectorizing → reducing →
// clustering → labeling → completed; failed and cancelled are terminal
// alternates reachable from any non-terminal state.
const (
	StatusPending     Status = "pending"
	StatusVectorizing Status = "vectorizing"
	StatusReducing    Status = "reducing"
	StatusClustering  Status = "clustering"
	StatusLabeling    Status = "labeling"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusVectorizing, StatusReducing, StatusClustering,
		StatusLabeling, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var (
	// ErrActiveSessionExists is returned when a zone already has a
	// non-terminal session.
	ErrActiveSessionExists = errors.New("zone already has an active session")

	// ErrSessionNotFound is returned when no session matches the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotActive is returned by phase updates that matched no row,
	// meaning the session reached a terminal state out from under the run.
	ErrSessionNotActive = errors.New("session is not active")
)

// Session is one clustering run for a zone.
type Session struct {
	ID            uuid.UUID   `json:"id"`
	ZoneID        string      `json:"zone_id"`
	Status        Status      `json:"status"`
	Progress      int         `json:"progress"`
	PhaseMessage  string      `json:"phase_message,omitempty"`
	RangeStart    time.Time   `json:"range_start"`
	RangeEnd      time.Time   `json:"range_end"`
	TargetSize    int         `json:"target_size"`
	SampledIDs    []uuid.UUID `json:"-"`
	ActualSize    int         `json:"actual_size"`
	TotalPosts    int         `json:"total_posts"`
	Vectorized    int         `json:"vectorized_tweets"`
	TotalClusters int         `json:"total_clusters"`
	OutlierCount  int         `json:"outlier_count"`
	ExecutionMS   int64       `json:"execution_ms"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	ErrorDetail   string      `json:"error_detail,omitempty"`
	RetryOf       *uuid.UUID  `json:"retry_of,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

const sessionColumns = `id, zone_id, status, progress, phase_message,
	range_start, range_end, target_size, sampled_post_ids, actual_size,
	total_posts, vectorized_posts, total_clusters, outlier_count, execution_ms,
	error_message, error_detail, retry_of, created_at, updated_at, completed_at`

func scanSession(row pgx.Row) (*Session, error) {
	s := &Session{}
	err := row.Scan(&s.ID, &s.ZoneID, &s.Status, &s.Progress, &s.PhaseMessage,
		&s.RangeStart, &s.RangeEnd, &s.TargetSize, &s.SampledIDs, &s.ActualSize,
		&s.TotalPosts, &s.Vectorized, &s.TotalClusters, &s.OutlierCount, &s.ExecutionMS,
		&s.ErrorMessage, &s.ErrorDetail, &s.RetryOf, &s.CreatedAt, &s.UpdatedAt, &s.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return s, nil
}

// CreateSession inserts a new session in pending state. The
// one_active_session_per_zone index rejects a second non-terminal session for
// the same zone; that violation is mapped to ErrActiveSessionExists.
func CreateSession(ctx context.Context, db DBTX, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.Status = StatusPending
	err := db.QueryRow(ctx, `
		INSERT INTO cluster_sessions (id, zone_id, status, range_start, range_end, target_size, retry_of)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, s.ID, s.ZoneID, s.Status, s.RangeStart, s.RangeEnd, s.TargetSize, s.RetryOf).
		Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession fetches a session by id.
func GetSession(ctx context.Context, db DBTX, id uuid.UUID) (*Session, error) {
	return scanSession(db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM cluster_sessions WHERE id = $1`, id))
}

// LatestSessionForZone returns the most recently created session for a zone.
func LatestSessionForZone(ctx context.Context, db DBTX, zoneID string) (*Session, error) {
	return scanSession(db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM cluster_sessions
		 WHERE zone_id = $1 ORDER BY created_at DESC LIMIT 1`, zoneID))
}

// SessionStatus reads just the status of a session.
func SessionStatus(ctx context.Context, db DBTX, id uuid.UUID) (Status, error) {
	var s Status
	err := db.QueryRow(ctx, `SELECT status FROM cluster_sessions WHERE id = $1`, id).Scan(&s)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSessionNotFound
		}
		return "", fmt.Errorf("session status: %w", err)
	}
	return s, nil
}

// UpdateSessionPhase advances a session's status, progress and phase message.
// Progress is monotonic: GREATEST keeps a stale writer from regressing it.
// Only non-terminal sessions are updated; a cancelled or failed session
// surfaces as ErrSessionNotActive so the run aborts.
func UpdateSessionPhase(ctx context.Context, db DBTX, id uuid.UUID, status Status, progress int, message string) error {
	tag, err := db.Exec(ctx, `
		UPDATE cluster_sessions
		SET status = $2, progress = GREATEST(progress, $3), phase_message = $4, updated_at = now()
		WHERE id = $1 AND status IN `+ActiveStatusList,
		id, status, progress, message)
	if err != nil {
		return fmt.Errorf("update phase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotActive
	}
	return nil
}

// SetSessionSample records the resolved sample onto the session config.
func SetSessionSample(ctx context.Context, db DBTX, id uuid.UUID, postIDs []uuid.UUID, totalPosts int) error {
	_, err := db.Exec(ctx, `
		UPDATE cluster_sessions
		SET sampled_post_ids = $2, actual_size = $3, total_posts = $4, updated_at = now()
		WHERE id = $1
	`, id, postIDs, len(postIDs), totalPosts)
	if err != nil {
		return fmt.Errorf("set sample: %w", err)
	}
	return nil
}

// SetSessionVectorized records how many sampled posts obtained embeddings.
func SetSessionVectorized(ctx context.Context, db DBTX, id uuid.UUID, count int) error {
	_, err := db.Exec(ctx, `
		UPDATE cluster_sessions SET vectorized_posts = $2, updated_at = now() WHERE id = $1
	`, id, count)
	if err != nil {
		return fmt.Errorf("set vectorized: %w", err)
	}
	return nil
}

// CompleteSession marks a session completed with its final aggregates.
func CompleteSession(ctx context.Context, db DBTX, id uuid.UUID, totalClusters, outlierCount int, executionMS int64) error {
	tag, err := db.Exec(ctx, `
		UPDATE cluster_sessions
		SET status = $2, progress = 100, phase_message = 'completed',
		    total_clusters = $3, outlier_count = $4, execution_ms = $5,
		    completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN `+ActiveStatusList,
		id, StatusCompleted, totalClusters, outlierCount, executionMS)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotActive
	}
	return nil
}

// FailSession transitions a session to the failure terminal, recording the
// error message and diagnostic detail. Failed sessions are immutable; a retry
// is a new session copying this one's config.
func FailSession(ctx context.Context, db DBTX, id uuid.UUID, message, detail string) error {
	_, err := db.Exec(ctx, `
		UPDATE cluster_sessions
		SET status = $2, error_message = $3, error_detail = $4, updated_at = now()
		WHERE id = $1 AND status IN `+ActiveStatusList,
		id, StatusFailed, message, detail)
	if err != nil {
		return fmt.Errorf("fail session: %w", err)
	}
	return nil
}

// CancelSession requests cooperative cancellation of an active session.
// Returns false when the session was already terminal.
func CancelSession(ctx context.Context, db DBTX, id uuid.UUID) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE cluster_sessions
		SET status = $2, phase_message = 'cancellation requested', updated_at = now()
		WHERE id = $1 AND status IN `+ActiveStatusList,
		id, StatusCancelled)
	if err != nil {
		return false, fmt.Errorf("cancel session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountSessions returns the number of sessions, for stats reporting.
func CountSessions(ctx context.Context, db DBTX) (int, error) {
	var n int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM cluster_sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}
