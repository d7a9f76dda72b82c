// Package commx is a Go client for the CommX realtime WebSocket protocol.
// It performs the auth handshake, exposes typed senders for every inbound
// frame the server accepts, and surfaces server events on a channel.
package commx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const handshakeTimeout = 10 * time.Second

// Event is one server-to-client frame, with the discriminator pre-peeked
// and the raw payload available for full decoding.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Client is a connected realtime session for one user.
type Client struct {
	sock         *websocket.Conn
	connectionID string

	writeMu sync.Mutex
	events  chan Event
	done    chan struct{}
	once    sync.Once
}

// Dial connects, authenticates as userID, and starts the event reader.
// url is the ws:// or wss:// endpoint, e.g. "ws://localhost:8080/ws".
func Dial(ctx context.Context, url, userID string) (*Client, error) {
	if userID == "" {
		return nil, errors.New("commx: user id required")
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	sock, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("commx: dial: %w", err)
	}

	c := &Client{
		sock:   sock,
		events: make(chan Event, 32),
		done:   make(chan struct{}),
	}

	if err := c.write(map[string]string{"type": "auth", "user_id": userID}); err != nil {
		sock.Close()
		return nil, fmt.Errorf("commx: auth: %w", err)
	}

	sock.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := sock.ReadMessage()
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("commx: auth reply: %w", err)
	}
	var reply struct {
		Type         string `json:"type"`
		ConnectionID string `json:"connection_id"`
		Message      string `json:"message"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil || reply.Type != "auth_success" {
		sock.Close()
		if reply.Message != "" {
			return nil, fmt.Errorf("commx: auth rejected: %s", reply.Message)
		}
		return nil, errors.New("commx: auth rejected")
	}
	c.connectionID = reply.ConnectionID

	sock.SetReadDeadline(time.Time{})
	sock.SetPingHandler(func(appData string) error {
		return c.control(websocket.PongMessage, []byte(appData))
	})
	go c.readLoop()

	return c, nil
}

// ConnectionID returns the server-assigned id for this connection.
func (c *Client) ConnectionID() string { return c.connectionID }

// Events returns the stream of server events. The channel closes when the
// connection drops or Close is called.
func (c *Client) Events() <-chan Event { return c.events }

// Close tears the connection down.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.sock.Close()
}

// JoinChannel subscribes to a channel's realtime events.
func (c *Client) JoinChannel(channelID string) error {
	return c.write(map[string]string{"type": "join_channel", "channel_id": channelID})
}

// LeaveChannel unsubscribes from a channel.
func (c *Client) LeaveChannel(channelID string) error {
	return c.write(map[string]string{"type": "leave_channel", "channel_id": channelID})
}

// JoinCall joins a call the user is party to.
func (c *Client) JoinCall(callID string) error {
	return c.write(map[string]string{"type": "join_call", "call_id": callID})
}

// LeaveCall leaves a call.
func (c *Client) LeaveCall(callID string) error {
	return c.write(map[string]string{"type": "leave_call", "call_id": callID})
}

// AcceptCall accepts an incoming call.
func (c *Client) AcceptCall(callID string) error {
	return c.write(map[string]string{"type": "call_response", "call_id": callID, "response": "accept"})
}

// DeclineCall declines an incoming call.
func (c *Client) DeclineCall(callID string) error {
	return c.write(map[string]string{"type": "call_response", "call_id": callID, "response": "decline"})
}

// SendSignal relays one WebRTC negotiation payload to the counterpart.
// signalType is "offer", "answer", or "ice-candidate".
func (c *Client) SendSignal(callID, signalType string, data json.RawMessage) error {
	return c.write(map[string]any{
		"type":        "webrtc_signal",
		"call_id":     callID,
		"signal_type": signalType,
		"data":        data,
	})
}

// Typing announces typing activity in a channel.
func (c *Client) Typing(channelID string) error {
	return c.write(map[string]string{"type": "typing", "channel_id": channelID})
}

// StopTyping announces the end of typing activity.
func (c *Client) StopTyping(channelID string) error {
	return c.write(map[string]string{"type": "stop_typing", "channel_id": channelID})
}

// MarkRead acknowledges a message as read.
func (c *Client) MarkRead(messageID string) error {
	return c.write(map[string]string{"type": "mark_message_read", "message_id": messageID})
}

// SetStatus sets the user's presence status.
func (c *Client) SetStatus(status string) error {
	return c.write(map[string]string{"type": "set_status", "status": status})
}

// write marshals and sends one frame. Safe for concurrent use.
func (c *Client) write(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sock.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.sock.WriteMessage(websocket.TextMessage, payload)
}

// control sends a control frame under the write lock.
func (c *Client) control(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteControl(messageType, data, time.Now().Add(10*time.Second))
}

// readLoop pumps server frames into the events channel until the
// connection fails.
func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		select {
		case c.events <- Event{Type: env.Type, Raw: raw}:
		case <-c.done:
			return
		}
	}
}
