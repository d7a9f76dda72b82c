package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/communicationx/realtime/internal/api/middleware"
	"github.com/communicationx/realtime/internal/call"
)

// CreateCallRequest represents the call creation request body.
type CreateCallRequest struct {
	RecipientID string `json:"recipient_id"`
	CallType    string `json:"call_type"` // "audio" or "video"
	ServerID    string `json:"server_id,omitempty"`
}

// CreateCallResponse represents the call creation response.
type CreateCallResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// CreateCall handles initiating a call through the REST entry point.
func (h *Handler) CreateCall(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserFromContext(r.Context())
	if userID == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req CreateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RecipientID == "" {
		h.Error(w, http.StatusBadRequest, "recipient_id is required")
		return
	}

	callID, err := h.calls.CreateCall(userID, req.RecipientID, call.Kind(req.CallType), req.ServerID)
	if err != nil {
		h.DomainError(w, err)
		return
	}

	h.JSON(w, http.StatusCreated, CreateCallResponse{
		CallID: callID,
		Status: string(call.StatusPending),
	})
}

// GetCall returns a snapshot of a live call.
func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request) {
	snap, err := h.calls.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		h.DomainError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, snap)
}

// AcceptCall joins the acting user into the call.
func (h *Handler) AcceptCall(w http.ResponseWriter, r *http.Request) {
	h.callAction(w, r, h.calls.JoinCall)
}

// DeclineCall rejects a pending call; only the recipient may do this.
func (h *Handler) DeclineCall(w http.ResponseWriter, r *http.Request) {
	h.callAction(w, r, h.calls.DeclineCall)
}

// LeaveCall removes the acting user from the call.
func (h *Handler) LeaveCall(w http.ResponseWriter, r *http.Request) {
	h.callAction(w, r, h.calls.LeaveCall)
}

// EndCall force-ends the call for everyone.
func (h *Handler) EndCall(w http.ResponseWriter, r *http.Request) {
	h.callAction(w, r, h.calls.EndCall)
}

// ActiveCall returns the acting user's current call, if any.
func (h *Handler) ActiveCall(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserFromContext(r.Context())
	if userID == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	snap, ok := h.calls.UserCall(userID)
	if !ok {
		h.Error(w, http.StatusNotFound, "no active call")
		return
	}
	h.JSON(w, http.StatusOK, snap)
}

// callAction runs one coordinator transition for the acting user.
func (h *Handler) callAction(w http.ResponseWriter, r *http.Request, fn func(callID, userID string) error) {
	userID := middleware.GetUserFromContext(r.Context())
	if userID == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	callID := chi.URLParam(r, "id")
	if err := fn(callID, userID); err != nil {
		h.DomainError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"call_id": callID})
}
