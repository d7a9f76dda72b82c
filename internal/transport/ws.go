// Package transport is the WebSocket edge of the realtime layer: it
// upgrades connections, performs the auth handshake, and dispatches typed
// frames into the registry, presence tracker, call coordinator, signaling
// relay, and delivery tracker. Authentication itself happened upstream;
// the handshake only names the already-verified user.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/communicationx/realtime/internal/call"
	"github.com/communicationx/realtime/internal/delivery"
	"github.com/communicationx/realtime/internal/events"
	"github.com/communicationx/realtime/internal/presence"
	"github.com/communicationx/realtime/internal/registry"
	"github.com/communicationx/realtime/internal/signaling"
)

// Server handles WebSocket connections for the realtime layer.
type Server struct {
	log      zerolog.Logger
	reg      *registry.Registry
	presence *presence.Tracker
	calls    *call.Coordinator
	relay    *signaling.Relay
	delivery *delivery.Tracker

	upgrader websocket.Upgrader
	sendBuf  int
}

// NewServer wires the transport to the coordinator components.
func NewServer(
	log zerolog.Logger,
	reg *registry.Registry,
	pres *presence.Tracker,
	calls *call.Coordinator,
	relay *signaling.Relay,
	del *delivery.Tracker,
	sendBuf int,
) *Server {
	return &Server{
		log:      log.With().Str("component", "transport").Logger(),
		reg:      reg,
		presence: pres,
		calls:    calls,
		relay:    relay,
		delivery: del,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the fronting web app.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sendBuf: sendBuf,
	}
}

// HandleWS upgrades the request and runs the connection until it drops.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	userID, ok := s.handshake(sock)
	if !ok {
		sock.Close()
		return
	}

	c := newClient(sock, s.sendBuf)
	go c.writePump()

	connID := s.reg.Register(userID, c)
	s.reg.Join(connID, registry.UserRoom(userID))

	// Acknowledge before the presence fan-out so the first frame a client
	// sees is always auth_success.
	s.sendEvent(c, events.AuthSuccess{Type: events.TypeAuthSuccess, ConnectionID: connID})
	s.presence.OnConnect(userID)
	s.log.Info().Str("user_id", userID).Str("connection_id", connID).Msg("connected")

	s.readLoop(sock, c, connID, userID)

	// The registry may have already evicted this connection on a failed
	// write, in which case Unregister is a no-op. Teardown is keyed on the
	// user we authenticated, never on what Unregister still finds.
	rooms := s.reg.RoomsOf(userID)
	s.reg.Unregister(connID)
	if s.reg.UserConnections(userID) == 0 {
		s.presence.OnDisconnect(userID, rooms)
		s.calls.DropUser(userID)
	}
	s.log.Info().Str("user_id", userID).Str("connection_id", connID).Msg("disconnected")
}

// handshake reads the mandatory first frame and extracts the user id.
func (s *Server) handshake(sock *websocket.Conn) (string, bool) {
	sock.SetReadLimit(maxFrameSize)
	sock.SetReadDeadline(time.Now().Add(authWait))

	_, raw, err := sock.ReadMessage()
	if err != nil {
		return "", false
	}

	evt, err := events.Decode(raw)
	if err != nil {
		s.writeDirect(sock, events.AuthError{Type: events.TypeAuthError, Message: "authentication required"})
		return "", false
	}
	auth, ok := evt.(*events.Auth)
	if !ok {
		s.writeDirect(sock, events.AuthError{Type: events.TypeAuthError, Message: "authentication required"})
		return "", false
	}
	return auth.UserID, true
}

// readLoop decodes frames and dispatches them until the connection fails.
func (s *Server) readLoop(sock *websocket.Conn, c *client, connID, userID string) {
	sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPongHandler(func(string) error {
		sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Str("user_id", userID).Msg("read error")
			}
			return
		}

		evt, err := events.Decode(raw)
		if err != nil {
			s.sendEvent(c, events.Error{Type: events.TypeError, Code: "bad_frame", Message: err.Error()})
			continue
		}
		s.dispatch(c, connID, userID, evt)
	}
}

// dispatch routes one inbound frame. Domain errors go back to the acting
// connection as rejected actions; they never tear the connection down.
func (s *Server) dispatch(c *client, connID, userID string, evt events.Inbound) {
	switch e := evt.(type) {
	case *events.Ping:
		s.sendEvent(c, events.Pong{Type: events.TypePong})

	case *events.JoinChannel:
		s.reg.Join(connID, registry.ChannelRoom(e.ChannelID))

	case *events.LeaveChannel:
		s.reg.Leave(connID, registry.ChannelRoom(e.ChannelID))

	case *events.JoinCall:
		if err := s.calls.JoinCall(e.CallID, userID); err != nil {
			s.rejected(c, err)
			return
		}
		s.reg.Join(connID, registry.CallRoom(e.CallID))
		s.reg.Broadcast(registry.CallRoom(e.CallID),
			events.UserJoined{Type: events.TypeUserJoined, CallID: e.CallID, UserID: userID}, connID)

	case *events.LeaveCall:
		s.reg.Leave(connID, registry.CallRoom(e.CallID))
		if err := s.calls.LeaveCall(e.CallID, userID); err != nil && !errors.Is(err, call.ErrCallNotFound) {
			s.rejected(c, err)
		}

	case *events.CallResponse:
		var err error
		if e.Response == "accept" {
			err = s.calls.JoinCall(e.CallID, userID)
			if err == nil {
				s.reg.Join(connID, registry.CallRoom(e.CallID))
			}
		} else {
			err = s.calls.DeclineCall(e.CallID, userID)
		}
		if err != nil {
			s.rejected(c, err)
		}

	case *events.WebRTCSignal:
		if err := s.relay.Relay(e.CallID, userID, e.SignalType, e.Data); err != nil {
			s.rejected(c, err)
		}

	case *events.Typing:
		s.reg.Broadcast(registry.ChannelRoom(e.ChannelID),
			events.UserTyping{Type: events.TypeUserTyping, UserID: userID, ChannelID: e.ChannelID}, connID)

	case *events.StopTyping:
		s.reg.Broadcast(registry.ChannelRoom(e.ChannelID),
			events.UserStoppedTyping{Type: events.TypeUserStoppedTyping, UserID: userID, ChannelID: e.ChannelID}, connID)

	case *events.MarkMessageRead:
		if err := s.delivery.MarkRead(e.MessageID, userID); err != nil {
			s.rejected(c, err)
		}

	case *events.SetStatus:
		if err := s.presence.SetStatus(userID, presence.Status(e.Status)); err != nil {
			s.rejected(c, err)
		}

	default:
		s.sendEvent(c, events.Error{Type: events.TypeError, Code: "bad_frame", Message: "unsupported frame"})
	}
}

// rejected surfaces a state-machine violation as a rejected action.
func (s *Server) rejected(c *client, err error) {
	s.sendEvent(c, events.Error{Type: events.TypeError, Code: errorCode(err), Message: err.Error()})
}

// errorCode maps domain errors onto stable wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, call.ErrCallNotFound), errors.Is(err, delivery.ErrMessageNotFound):
		return "not_found"
	case errors.Is(err, call.ErrCallAlreadyActive):
		return "already_active"
	case errors.Is(err, call.ErrCallFull):
		return "call_full"
	case errors.Is(err, call.ErrUnauthorized), errors.Is(err, delivery.ErrNotRecipient):
		return "unauthorized"
	case errors.Is(err, call.ErrInvalidState), errors.Is(err, delivery.ErrInvalidTransition):
		return "invalid_state"
	default:
		return "internal"
	}
}

// sendEvent queues an event on one connection, ignoring failures: a dead
// connection is reaped by the registry on its next delivery attempt.
func (s *Server) sendEvent(c *client, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal event")
		return
	}
	_ = c.Send(payload)
}

// writeDirect writes one frame synchronously, used only before the write
// pump exists (handshake failures).
func (s *Server) writeDirect(sock *websocket.Conn, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	sock.SetWriteDeadline(time.Now().Add(writeWait))
	sock.WriteMessage(websocket.TextMessage, payload)
}
