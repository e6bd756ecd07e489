// Package handlers provides REST API handlers for sync status and operations.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync"
)

// SyncHandler handles sync status, manual sync, enqueue and conflict review.
type SyncHandler struct {
	engine  sync.SyncEngineInterface
	service string
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine sync.SyncEngineInterface) *SyncHandler {
	return &SyncHandler{engine: engine, service: "fieldsync"}
}

// Register mounts every route on mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /sync/status", h.GetStatus)
	mux.HandleFunc("POST /sync/now", h.TriggerSync)
	mux.HandleFunc("POST /sync/mutations", h.Enqueue)
	mux.HandleFunc("GET /sync/conflicts", h.ListConflicts)
	mux.HandleFunc("POST /sync/conflicts/{id}/resolve", h.ResolveConflict)
	mux.HandleFunc("DELETE /sync/conflicts", h.ClearConflicts)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// writeError maps AppError codes to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrSyncFailed, apperrors.ErrSyncOffline:
		status = http.StatusBadGateway
	}
	if code == "" {
		code = apperrors.ErrInternal
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}

// Health handles GET /api/health.
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": h.service,
	})
}

// =====================================================
// Sync Status and Trigger Endpoints
// =====================================================

// GetStatus handles GET /sync/status.
// Returns the syncing flag, online flag, pending and conflict counts, last
// sync time and recent errors.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// TriggerSync handles POST /sync/now.
// Runs an incremental cycle and waits for it. A trigger while a cycle is
// running or while offline reports the skip instead of failing.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	if result.Skipped {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status": "skipped",
			"reason": result.SkipReason,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"kind":       string(result.Kind),
		"uploaded":   result.Drain.Applied,
		"downloaded": result.Downloaded(),
		"retried":    result.Drain.Retried,
		"dropped":    result.Drain.Dropped,
		"conflicts":  result.Drain.Escalated,
		"duration":   result.Duration.Milliseconds(),
	})
}

// Enqueue handles POST /sync/mutations.
// Queues a local write; it never waits for the remote store.
func (h *SyncHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var request models.NewMutation
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}

	pm, err := h.engine.Enqueue(request)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pm)
}

// =====================================================
// Conflict Review Endpoints
// =====================================================

// ListConflicts handles GET /sync/conflicts.
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := h.engine.Conflicts()
	if conflicts == nil {
		conflicts = []models.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

// ResolveConflict handles POST /sync/conflicts/{id}/resolve.
// Body: {"choice": "local" | "remote" | "merge"}.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Choice string `json:"choice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	choice, err := sync.ParseChoice(request.Choice)
	if err != nil {
		writeError(w, err)
		return
	}

	id := r.PathValue("id")
	pm, err := sync.Resolve(r.Context(), h.engine, id, choice)
	if err != nil {
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"status":      "resolved",
		"conflict_id": id,
		"choice":      string(choice),
	}
	if pm != nil {
		response["mutation"] = pm
	}
	writeJSON(w, http.StatusOK, response)
}

// ClearConflicts handles DELETE /sync/conflicts.
func (h *SyncHandler) ClearConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"cleared": h.engine.ClearConflicts(),
	})
}
