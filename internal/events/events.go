// Package events defines the JSON wire schema for the realtime layer.
//
// Every frame carries a "type" discriminator. Inbound frames (client to
// server) are decoded into one concrete variant per type so handlers never
// touch untyped maps; outbound frames (server to client) are plain structs
// with a fixed Type field, marshaled as-is.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound frame types.
const (
	TypeAuth            = "auth"
	TypePing            = "ping"
	TypeJoinChannel     = "join_channel"
	TypeLeaveChannel    = "leave_channel"
	TypeJoinCall        = "join_call"
	TypeLeaveCall       = "leave_call"
	TypeCallResponse    = "call_response"
	TypeWebRTCSignal    = "webrtc_signal"
	TypeTyping          = "typing"
	TypeStopTyping      = "stop_typing"
	TypeMarkMessageRead = "mark_message_read"
	TypeSetStatus       = "set_status"
)

// Outbound frame types.
const (
	TypeAuthSuccess         = "auth_success"
	TypeAuthError           = "auth_error"
	TypePong                = "pong"
	TypeError               = "error"
	TypeIncomingCall        = "incoming_call"
	TypeCallAccepted        = "call_accepted"
	TypeCallDeclined        = "call_declined"
	TypeCallEnded           = "call_ended"
	TypeCallMissed          = "call_missed"
	TypeUserJoined          = "user_joined"
	TypeUserLeft            = "user_left"
	TypeUserTyping          = "user_typing"
	TypeUserStoppedTyping   = "user_stopped_typing"
	TypeMessageStatusUpdate = "message_status_update"
	TypePresenceUpdate      = "presence_update"
	TypeNewMessage          = "new_message"
)

// Signal types carried inside a webrtc_signal frame.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

// ErrUnknownType is returned when the discriminator names no known frame.
var ErrUnknownType = errors.New("events: unknown frame type")

// Inbound is implemented by every client-to-server frame variant.
type Inbound interface {
	inbound()
}

// Auth is the mandatory first frame on a new connection.
type Auth struct {
	UserID string `json:"user_id"`
}

// Ping requests a pong (client-driven keepalive).
type Ping struct{}

// JoinChannel subscribes the connection to a channel room.
type JoinChannel struct {
	ChannelID string `json:"channel_id"`
}

// LeaveChannel unsubscribes the connection from a channel room.
type LeaveChannel struct {
	ChannelID string `json:"channel_id"`
}

// JoinCall joins the caller's connection to a call and its room.
type JoinCall struct {
	CallID string `json:"call_id"`
}

// LeaveCall removes the connection from a call and its room.
type LeaveCall struct {
	CallID string `json:"call_id"`
}

// CallResponse accepts or declines an incoming call.
type CallResponse struct {
	CallID   string `json:"call_id"`
	Response string `json:"response"` // "accept" or "decline"
}

// WebRTCSignal carries one negotiation payload toward the counterpart.
type WebRTCSignal struct {
	CallID     string          `json:"call_id"`
	SignalType string          `json:"signal_type"`
	Data       json.RawMessage `json:"data"`
}

// Typing announces the user started typing in a channel.
type Typing struct {
	ChannelID string `json:"channel_id"`
}

// StopTyping announces the user stopped typing in a channel.
type StopTyping struct {
	ChannelID string `json:"channel_id"`
}

// MarkMessageRead acknowledges a message as read by this user. The
// delivery tracker knows whether the message is a channel or direct one.
type MarkMessageRead struct {
	MessageID string `json:"message_id"`
}

// SetStatus changes the user's presence status.
type SetStatus struct {
	Status string `json:"status"`
}

func (Auth) inbound()            {}
func (Ping) inbound()            {}
func (JoinChannel) inbound()     {}
func (LeaveChannel) inbound()    {}
func (JoinCall) inbound()        {}
func (LeaveCall) inbound()       {}
func (CallResponse) inbound()    {}
func (WebRTCSignal) inbound()    {}
func (Typing) inbound()          {}
func (StopTyping) inbound()      {}
func (MarkMessageRead) inbound() {}
func (SetStatus) inbound()       {}

// envelope is used to peek the discriminator before full decoding.
type envelope struct {
	Type string `json:"type"`
}

// Decode parses a raw inbound frame into its typed variant, validating the
// fields each kind requires. Unknown discriminators return ErrUnknownType.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("events: malformed frame: %w", err)
	}

	switch env.Type {
	case TypeAuth:
		var e Auth
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.UserID == "" {
			return nil, errors.New("events: auth requires user_id")
		}
		return &e, nil

	case TypePing:
		return &Ping{}, nil

	case TypeJoinChannel:
		var e JoinChannel
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.ChannelID == "" {
			return nil, errors.New("events: join_channel requires channel_id")
		}
		return &e, nil

	case TypeLeaveChannel:
		var e LeaveChannel
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.ChannelID == "" {
			return nil, errors.New("events: leave_channel requires channel_id")
		}
		return &e, nil

	case TypeJoinCall:
		var e JoinCall
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.CallID == "" {
			return nil, errors.New("events: join_call requires call_id")
		}
		return &e, nil

	case TypeLeaveCall:
		var e LeaveCall
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.CallID == "" {
			return nil, errors.New("events: leave_call requires call_id")
		}
		return &e, nil

	case TypeCallResponse:
		var e CallResponse
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.CallID == "" {
			return nil, errors.New("events: call_response requires call_id")
		}
		if e.Response != "accept" && e.Response != "decline" {
			return nil, fmt.Errorf("events: invalid call response %q", e.Response)
		}
		return &e, nil

	case TypeWebRTCSignal:
		var e WebRTCSignal
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.CallID == "" {
			return nil, errors.New("events: webrtc_signal requires call_id")
		}
		if !ValidSignalType(e.SignalType) {
			return nil, fmt.Errorf("events: invalid signal type %q", e.SignalType)
		}
		if len(e.Data) == 0 {
			return nil, errors.New("events: webrtc_signal requires data")
		}
		return &e, nil

	case TypeTyping:
		var e Typing
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.ChannelID == "" {
			return nil, errors.New("events: typing requires channel_id")
		}
		return &e, nil

	case TypeStopTyping:
		var e StopTyping
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.ChannelID == "" {
			return nil, errors.New("events: stop_typing requires channel_id")
		}
		return &e, nil

	case TypeMarkMessageRead:
		var e MarkMessageRead
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.MessageID == "" {
			return nil, errors.New("events: mark_message_read requires message_id")
		}
		return &e, nil

	case TypeSetStatus:
		var e SetStatus
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.Status == "" {
			return nil, errors.New("events: set_status requires status")
		}
		return &e, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// ValidSignalType reports whether t is a recognized negotiation signal.
func ValidSignalType(t string) bool {
	return t == SignalOffer || t == SignalAnswer || t == SignalICECandidate
}
