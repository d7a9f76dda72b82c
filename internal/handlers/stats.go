package handlers

import (
	"net/http"
	"time"
)

// StatsResponse represents live coordinator counters.
type StatsResponse struct {
	Connections     int    `json:"connections"`
	OnlineUsers     int    `json:"online_users"`
	ActiveCalls     int    `json:"active_calls"`
	TrackedMessages int    `json:"tracked_messages"`
	Timestamp       string `json:"timestamp"`
}

// Stats handles the live statistics endpoint.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, StatsResponse{
		Connections:     h.reg.ConnectionCount(),
		OnlineUsers:     h.presence.OnlineCount(),
		ActiveCalls:     h.calls.ActiveCalls(),
		TrackedMessages: h.delivery.Count(),
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	})
}
