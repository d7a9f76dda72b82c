package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/communicationx/realtime/internal/api/middleware"
	"github.com/communicationx/realtime/internal/presence"
)

// PresenceResponse represents a user's presence state.
type PresenceResponse struct {
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen,omitempty"`
}

// GetPresence returns a user's current status and last-seen time. For a
// user this process has never seen, the durable last-seen store is
// consulted if configured.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	status, seen := h.presence.Status(userID)
	if status == presence.StatusOffline && seen.IsZero() && h.redis != nil {
		if stored, err := h.redis.GetLastSeen(r.Context(), userID); err == nil {
			seen = stored
		}
	}

	resp := PresenceResponse{UserID: userID, Status: string(status)}
	if !seen.IsZero() {
		resp.LastSeen = seen.UTC().Format(time.RFC3339)
	}
	h.JSON(w, http.StatusOK, resp)
}

// SetStatusRequest represents an explicit status change.
type SetStatusRequest struct {
	Status string `json:"status"`
}

// SetStatus updates the acting user's presence status.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserFromContext(r.Context())
	if userID == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.presence.SetStatus(userID, presence.Status(req.Status)); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"user_id": userID, "status": req.Status})
}
