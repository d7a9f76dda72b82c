package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/communicationx/realtime/internal/api/middleware"
	"github.com/communicationx/realtime/internal/events"
	"github.com/communicationx/realtime/internal/registry"
)

const maxMessageBody = 8192

// PostMessageRequest represents a message send request body.
type PostMessageRequest struct {
	Body string `json:"body"`
}

// PostMessageResponse represents the message send response.
type PostMessageResponse struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
	Delivered bool   `json:"delivered,omitempty"`
}

// PostChannelMessage accepts a channel message: persist it in the message
// store, start delivery tracking, and fan it out to the channel room.
func (h *Handler) PostChannelMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserFromContext(r.Context())
	if userID == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if h.msgs == nil {
		h.Error(w, http.StatusServiceUnavailable, "message store not configured")
		return
	}

	channelID := chi.URLParam(r, "id")
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	msg, err := h.msgs.PersistChannelMessage(r.Context(), channelID, userID, body)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	h.delivery.TrackChannelMessage(msg.ID, channelID, userID)
	if err := h.delivery.MarkSent(msg.ID); err != nil {
		h.DomainError(w, err)
		return
	}

	h.reg.Broadcast(registry.ChannelRoom(channelID), events.NewMessage{
		Type:      events.TypeNewMessage,
		MessageID: msg.ID,
		ChannelID: channelID,
		SenderID:  userID,
		Body:      msg.Body,
		Timestamp: msg.Timestamp,
	}, "")

	h.JSON(w, http.StatusCreated, PostMessageResponse{ID: msg.ID, Timestamp: msg.Timestamp})
}

// SendDM accepts a direct message: persist, track, and push to the
// recipient's live connections. An offline recipient is not an error; the
// message is sent, just not yet delivered.
func (h *Handler) SendDM(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserFromContext(r.Context())
	if userID == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if h.msgs == nil {
		h.Error(w, http.StatusServiceUnavailable, "message store not configured")
		return
	}

	recipientID := chi.URLParam(r, "id")
	if recipientID == userID {
		h.Error(w, http.StatusBadRequest, "cannot message yourself")
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	dm, err := h.msgs.PersistDirectMessage(r.Context(), userID, recipientID, body)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	h.delivery.TrackDirectMessage(dm.ID, userID, recipientID)
	if err := h.delivery.MarkSent(dm.ID); err != nil {
		h.DomainError(w, err)
		return
	}

	delivered := h.reg.SendToUser(recipientID, events.NewMessage{
		Type:      events.TypeNewMessage,
		MessageID: dm.ID,
		SenderID:  userID,
		Body:      dm.Body,
		Timestamp: dm.Timestamp,
	})
	if delivered {
		// Reached at least one live connection.
		_ = h.delivery.MarkDelivered(dm.ID, recipientID)
	}

	h.JSON(w, http.StatusCreated, PostMessageResponse{ID: dm.ID, Timestamp: dm.Timestamp, Delivered: delivered})
}

// GetChannelMessages pages through a channel's recent history.
func (h *Handler) GetChannelMessages(w http.ResponseWriter, r *http.Request) {
	if h.redis == nil {
		h.Error(w, http.StatusServiceUnavailable, "message store not configured")
		return
	}

	channelID := chi.URLParam(r, "id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		before, _ = strconv.ParseInt(v, 10, 64)
	}

	messages, err := h.redis.GetChannelMessages(r.Context(), channelID, limit, before)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// MarkMessageRead records a read receipt for the acting user.
func (h *Handler) MarkMessageRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserFromContext(r.Context())
	if userID == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	messageID := chi.URLParam(r, "id")
	if err := h.delivery.MarkRead(messageID, userID); err != nil {
		h.DomainError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"message_id": messageID, "status": "read"})
}

// MarkMessageDelivered records transport-level delivery of a DM to the
// acting user.
func (h *Handler) MarkMessageDelivered(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserFromContext(r.Context())
	if userID == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	messageID := chi.URLParam(r, "id")
	if err := h.delivery.MarkDelivered(messageID, userID); err != nil {
		h.DomainError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"message_id": messageID, "status": "delivered"})
}

// GetMessageStatus returns the delivery envelope for a tracked message.
func (h *Handler) GetMessageStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.delivery.Status(chi.URLParam(r, "id"))
	if !ok {
		h.Error(w, http.StatusNotFound, "message not tracked")
		return
	}
	h.JSON(w, http.StatusOK, snap)
}

// readBody validates a message body from the request.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return "", false
	}
	if req.Body == "" {
		h.Error(w, http.StatusBadRequest, "body is required")
		return "", false
	}
	if len(req.Body) > maxMessageBody {
		h.Error(w, http.StatusUnprocessableEntity, "body too long (max 8192 bytes)")
		return "", false
	}
	return req.Body, true
}
