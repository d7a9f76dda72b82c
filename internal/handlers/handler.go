package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/communicationx/realtime/internal/call"
	"github.com/communicationx/realtime/internal/delivery"
	"github.com/communicationx/realtime/internal/presence"
	"github.com/communicationx/realtime/internal/registry"
	"github.com/communicationx/realtime/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	reg      *registry.Registry
	presence *presence.Tracker
	calls    *call.Coordinator
	delivery *delivery.Tracker
	msgs     store.MessageStore

	redis *store.RedisStore    // may be nil (development)
	pg    *store.PostgresStore // may be nil
}

// NewHandler creates a new Handler with the given components.
func NewHandler(
	reg *registry.Registry,
	pres *presence.Tracker,
	calls *call.Coordinator,
	del *delivery.Tracker,
	msgs store.MessageStore,
	redis *store.RedisStore,
	pg *store.PostgresStore,
) *Handler {
	return &Handler{
		reg:      reg,
		presence: pres,
		calls:    calls,
		delivery: del,
		msgs:     msgs,
		redis:    redis,
		pg:       pg,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DomainError maps a realtime-layer error onto an HTTP response so
// state-machine violations surface as rejected actions, not generic 500s.
func (h *Handler) DomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, call.ErrCallNotFound), errors.Is(err, delivery.ErrMessageNotFound):
		h.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, call.ErrCallAlreadyActive):
		h.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, call.ErrCallFull):
		h.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, call.ErrUnauthorized), errors.Is(err, delivery.ErrNotRecipient):
		h.Error(w, http.StatusForbidden, err.Error())
	case errors.Is(err, call.ErrInvalidState), errors.Is(err, delivery.ErrInvalidTransition):
		h.Error(w, http.StatusConflict, err.Error())
	default:
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}
