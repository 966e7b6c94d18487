package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/driftlab/opinionmap/internal/store"
)

// WorkerHandler is the callback entry point the external task dispatcher
// invokes to run a session's clustering pipeline.
type WorkerHandler struct {
	runner SessionRunner
	logger *slog.Logger
}

// NewWorkerHandler creates a new WorkerHandler.
func NewWorkerHandler(runner SessionRunner, logger *slog.Logger) *WorkerHandler {
	return &WorkerHandler{runner: runner, logger: logger}
}

// ClusterRequest is the callback body for running a session.
type ClusterRequest struct {
	SessionID uuid.UUID `json:"session_id"`
}

// Cluster handles POST /worker/cluster. The pipeline runs synchronously so
// the dispatcher's delivery attempt doubles as the unit of work; the route
// must not sit behind the request timeout middleware.
func (h *WorkerHandler) Cluster(w http.ResponseWriter, r *http.Request) {
	var req ClusterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		return
	}
	if req.SessionID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "session_id is required")
		return
	}

	h.logger.Info("worker callback received", "session_id", req.SessionID)

	if err := h.runner.Run(r.Context(), req.SessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "No session with ID '"+req.SessionID.String()+"'")
			return
		}
		writeError(w, http.StatusInternalServerError, "PIPELINE_ERROR", "Clustering pipeline failed")
		return
	}

	writeSuccess(w, http.StatusOK, map[string]string{"session_id": req.SessionID.String(), "status": "processed"})
}
