package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/driftlab/opinionmap/internal/store"
)

// RunEnqueuer hands a created session to the durable dispatcher.
type RunEnqueuer interface {
	EnqueueRun(ctx context.Context, sessionID uuid.UUID, zoneID string) error
}

// SessionRunner executes the clustering pipeline for one session.
type SessionRunner interface {
	Run(ctx context.Context, sessionID uuid.UUID) error
}

// SessionHandler provides session lifecycle endpoints.
type SessionHandler struct {
	db       *store.DB
	enqueuer RunEnqueuer
	runner   SessionRunner
	logger   *slog.Logger
}

// NewSessionHandler creates a new SessionHandler. When enqueuer is nil,
// created sessions run in-process instead of going through the dispatcher.
func NewSessionHandler(db *store.DB, enqueuer RunEnqueuer, runner SessionRunner, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		db:       db,
		enqueuer: enqueuer,
		runner:   runner,
		logger:   logger,
	}
}

// CreateSessionRequest is the request body for creating a session.
type CreateSessionRequest struct {
	RangeStart *time.Time `json:"range_start"`
	RangeEnd   *time.Time `json:"range_end"`
	TargetSize int        `json:"target_size"`
	RetryOf    *uuid.UUID `json:"retry_of,omitempty"`
}

// Create handles POST /zones/{zone}/sessions.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	zoneID := chi.URLParam(r, "zone")

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		return
	}

	sess := &store.Session{ZoneID: zoneID, TargetSize: req.TargetSize}

	if req.RetryOf != nil {
		prev, err := store.GetSession(ctx, h.db.Pool, *req.RetryOf)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "No session with ID '"+req.RetryOf.String()+"'")
				return
			}
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load session to retry")
			return
		}
		if prev.ZoneID != zoneID {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "retry_of session belongs to a different zone")
			return
		}
		sess.RangeStart = prev.RangeStart
		sess.RangeEnd = prev.RangeEnd
		if sess.TargetSize == 0 {
			sess.TargetSize = prev.TargetSize
		}
		sess.RetryOf = req.RetryOf
	} else {
		if req.RangeStart == nil || req.RangeEnd == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "range_start and range_end are required")
			return
		}
		sess.RangeStart = *req.RangeStart
		sess.RangeEnd = *req.RangeEnd
	}

	if !sess.RangeStart.Before(sess.RangeEnd) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "range_start must be before range_end")
		return
	}
	if sess.TargetSize <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "target_size must be positive")
		return
	}

	exists, err := store.ZoneExists(ctx, h.db.Pool, zoneID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to check zone")
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "ZONE_NOT_FOUND", "No zone with ID '"+zoneID+"'")
		return
	}

	if err := store.CreateSession(ctx, h.db.Pool, sess); err != nil {
		if errors.Is(err, store.ErrActiveSessionExists) {
			writeError(w, http.StatusConflict, "SESSION_CONFLICT", "Zone '"+zoneID+"' already has an active session")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create session")
		return
	}

	if h.enqueuer != nil {
		if err := h.enqueuer.EnqueueRun(ctx, sess.ID, zoneID); err != nil {
			h.logger.Error("failed to enqueue session run", "session_id", sess.ID, "error", err)
			_ = store.FailSession(ctx, h.db.Pool, sess.ID, "failed to enqueue run", err.Error())
			writeError(w, http.StatusInternalServerError, "DISPATCH_FAILED", "Failed to enqueue session run")
			return
		}
	} else if h.runner != nil {
		go func(id uuid.UUID) {
			if err := h.runner.Run(context.Background(), id); err != nil {
				h.logger.Error("in-process session run failed", "session_id", id, "error", err)
			}
		}(sess.ID)
	}

	writeSuccess(w, http.StatusCreated, sess)
}

// Get handles GET /sessions/{id}.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid session ID")
		return
	}

	sess, err := store.GetSession(r.Context(), h.db.Pool, id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "No session with ID '"+id.String()+"'")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session")
		return
	}

	writeSuccess(w, http.StatusOK, sess)
}

// Latest handles GET /zones/{zone}/sessions/latest.
func (h *SessionHandler) Latest(w http.ResponseWriter, r *http.Request) {
	zoneID := chi.URLParam(r, "zone")

	sess, err := store.LatestSessionForZone(r.Context(), h.db.Pool, zoneID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "No sessions for zone '"+zoneID+"'")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get latest session")
		return
	}

	writeSuccess(w, http.StatusOK, sess)
}

// Cancel handles POST /sessions/{id}/cancel. Cancellation is cooperative:
// the flag flips here and the pipeline stops at its next phase boundary.
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid session ID")
		return
	}

	cancelled, err := store.CancelSession(r.Context(), h.db.Pool, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel session")
		return
	}
	if !cancelled {
		sess, err := store.GetSession(r.Context(), h.db.Pool, id)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "No session with ID '"+id.String()+"'")
				return
			}
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel session")
			return
		}
		writeError(w, http.StatusConflict, "SESSION_CONFLICT", "Session is already "+string(sess.Status))
		return
	}

	writeSuccess(w, http.StatusOK, map[string]string{"cancelled": id.String()})
}

// Map handles GET /sessions/{id}/map: the dashboard read path returning
// projected coordinates and labeled clusters for a completed session.
func (h *SessionHandler) Map(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid session ID")
		return
	}

	sess, err := store.GetSession(ctx, h.db.Pool, id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "No session with ID '"+id.String()+"'")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session")
		return
	}
	if sess.Status != store.StatusCompleted {
		writeError(w, http.StatusConflict, "SESSION_NOT_READY", "Session is "+string(sess.Status)+", not completed")
		return
	}

	projections, err := store.SessionProjections(ctx, h.db.Pool, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load projections")
		return
	}
	clusters, err := store.SessionClusters(ctx, h.db.Pool, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load clusters")
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"session":     sess,
		"projections": projections,
		"clusters":    clusters,
	})
}
