package events

import "encoding/json"

// AuthSuccess acknowledges a successful handshake.
type AuthSuccess struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

// AuthError rejects a handshake.
type AuthError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Pong answers a ping frame.
type Pong struct {
	Type string `json:"type"`
}

// Error reports a rejected action back to the acting connection.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// IncomingCall notifies the recipient that a call is waiting.
type IncomingCall struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	CallerID  string `json:"caller_id"`
	CallKind  string `json:"call_type"`
	ServerID  string `json:"server_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// CallAccepted notifies parties that the recipient joined.
type CallAccepted struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	UserID string `json:"user_id"`
}

// CallDeclined notifies the caller that the recipient declined.
type CallDeclined struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
}

// CallEnded notifies remaining parties that a call reached ENDED.
type CallEnded struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	EndedBy string `json:"ended_by,omitempty"`
}

// CallMissed notifies the caller that the ring window elapsed.
type CallMissed struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
}

// UserJoined announces a participant joining a call room.
type UserJoined struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	UserID string `json:"user_id"`
}

// UserLeft announces a participant leaving a call room.
type UserLeft struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	UserID string `json:"user_id"`
}

// ForwardedSignal is a relayed negotiation payload.
type ForwardedSignal struct {
	Type       string          `json:"type"` // always "webrtc_signal"
	CallID     string          `json:"call_id"`
	SignalType string          `json:"signal_type"`
	Data       json.RawMessage `json:"data"`
	SenderID   string          `json:"sender_id"`
}

// UserTyping announces typing activity in a channel.
type UserTyping struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
}

// UserStoppedTyping announces the end of typing activity.
type UserStoppedTyping struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
}

// Receipt is one reader's entry in a status update.
type Receipt struct {
	UserID string `json:"user_id"`
	ReadAt string `json:"read_at"`
}

// MessageStatusUpdate carries a delivery-status change and, for channel
// messages, the accumulated reader list.
type MessageStatusUpdate struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	Timestamp string    `json:"timestamp"`
	ReadBy    []Receipt `json:"read_by,omitempty"`
}

// NewMessage pushes a freshly accepted message to its audience.
type NewMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id,omitempty"`
	SenderID  string `json:"sender_id"`
	Body      string `json:"body"`
	Timestamp int64  `json:"ts"`
}

// PresenceUpdate broadcasts a user's status change.
type PresenceUpdate struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen,omitempty"`
}
