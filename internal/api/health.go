// Package api provides HTTP handlers for the opinionmap REST API.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/driftlab/opinionmap/internal/dispatch"
	"github.com/driftlab/opinionmap/internal/store"
)

// HealthHandler provides health and stats endpoints.
type HealthHandler struct {
	db        *store.DB
	dispatch  *dispatch.Client
	startTime time.Time
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(db *store.DB, dispatchClient *dispatch.Client) *HealthHandler {
	return &HealthHandler{
		db:        db,
		dispatch:  dispatchClient,
		startTime: time.Now(),
	}
}

// Health returns the service health status.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbStatus := "connected"
	if err := h.db.HealthCheck(ctx); err != nil {
		dbStatus = "disconnected"
	}

	dispatchStatus := "disconnected"
	if h.dispatch != nil && h.dispatch.IsConnected() {
		dispatchStatus = "connected"
	}

	sessionCount, _ := store.CountSessions(ctx, h.db.Pool)

	resp := map[string]any{
		"status":         "healthy",
		"database":       dbStatus,
		"dispatch":       dispatchStatus,
		"session_count":  sessionCount,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	}

	if dbStatus == "disconnected" {
		resp["status"] = "degraded"
	}

	writeJSON(w, http.StatusOK, resp)
}

// Stats returns detailed service statistics.
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	postCount, _ := store.CountPosts(ctx, h.db.Pool)
	embeddingCount, _ := store.CountEmbeddings(ctx, h.db.Pool)
	sessionCount, _ := store.CountSessions(ctx, h.db.Pool)

	writeJSON(w, http.StatusOK, map[string]any{
		"post_count":      postCount,
		"embedding_count": embeddingCount,
		"session_count":   sessionCount,
		"uptime_seconds":  int(time.Since(h.startTime).Seconds()),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
		"meta": map[string]any{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// writeSuccess writes a standard success response.
func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{
		"data": data,
		"meta": map[string]any{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// Unauthorized is the 401 responder handed to the auth middleware.
func Unauthorized(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid credentials")
}
