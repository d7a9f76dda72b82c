package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/communicationx/realtime/internal/call"
	"github.com/communicationx/realtime/internal/delivery"
	"github.com/communicationx/realtime/internal/presence"
	"github.com/communicationx/realtime/internal/registry"
	"github.com/communicationx/realtime/internal/signaling"
)

const readTimeout = 2 * time.Second

type stack struct {
	reg      *registry.Registry
	calls    *call.Coordinator
	delivery *delivery.Tracker
	presence *presence.Tracker
	url      string
}

func newStack(t *testing.T) *stack {
	return newStackBuf(t, 16)
}

func newStackBuf(t *testing.T, sendBuf int) *stack {
	t.Helper()
	log := zerolog.Nop()

	reg := registry.New(log)
	pres := presence.NewTracker(log, reg, nil)
	coord := call.NewCoordinator(log, reg, time.Minute)
	relay := signaling.NewRelay(log, coord, reg)
	del := delivery.NewTracker(log, reg, nil)
	ws := NewServer(log, reg, pres, coord, relay, del, sendBuf)

	srv := httptest.NewServer(http.HandlerFunc(ws.HandleWS))
	t.Cleanup(srv.Close)

	return &stack{
		reg:      reg,
		calls:    coord,
		delivery: del,
		presence: pres,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials and completes the auth handshake as userID.
func connect(t *testing.T, s *stack, userID string) *websocket.Conn {
	t.Helper()
	conn := dial(t, s.url)
	send(t, conn, map[string]string{"type": "auth", "user_id": userID})

	frame := readFrame(t, conn)
	if frame["type"] != "auth_success" {
		t.Fatalf("handshake reply = %v, want auth_success", frame)
	}
	if frame["connection_id"] == "" {
		t.Fatal("auth_success missing connection_id")
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

// readUntil skips frames until one of the wanted type arrives. Presence
// updates and similar chatter interleave freely, so targeted assertions
// filter by discriminator.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame["type"] == wantType {
			return frame
		}
	}
	t.Fatalf("no %q frame before deadline", wantType)
	return nil
}

// roundTrip forces the server to drain the connection's inbound queue by
// waiting on a ping reply.
func roundTrip(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, map[string]string{"type": "ping"})
	readUntil(t, conn, "pong")
}

func TestHandshakeRejectsNonAuthFirstFrame(t *testing.T) {
	s := newStack(t)
	conn := dial(t, s.url)

	send(t, conn, map[string]string{"type": "ping"})
	frame := readFrame(t, conn)
	if frame["type"] != "auth_error" {
		t.Fatalf("first reply = %v, want auth_error", frame)
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection stayed open after failed handshake")
	}
	if s.reg.ConnectionCount() != 0 {
		t.Error("failed handshake left a registered connection")
	}
}

func TestHandshakeRejectsMalformedFrame(t *testing.T) {
	s := newStack(t)
	conn := dial(t, s.url)

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	frame := readFrame(t, conn)
	if frame["type"] != "auth_error" {
		t.Fatalf("first reply = %v, want auth_error", frame)
	}
}

func TestConnectRegistersAndPong(t *testing.T) {
	s := newStack(t)
	conn := connect(t, s, "alice")

	if s.reg.UserConnections("alice") != 1 {
		t.Errorf("UserConnections = %d, want 1", s.reg.UserConnections("alice"))
	}

	send(t, conn, map[string]string{"type": "ping"})
	readUntil(t, conn, "pong")
}

func TestTypingFanout(t *testing.T) {
	s := newStack(t)
	alice := connect(t, s, "alice")
	bob := connect(t, s, "bob")

	send(t, alice, map[string]string{"type": "join_channel", "channel_id": "general"})
	send(t, bob, map[string]string{"type": "join_channel", "channel_id": "general"})
	roundTrip(t, alice)
	roundTrip(t, bob)

	send(t, alice, map[string]string{"type": "typing", "channel_id": "general"})

	frame := readUntil(t, bob, "user_typing")
	if frame["user_id"] != "alice" || frame["channel_id"] != "general" {
		t.Errorf("user_typing = %v", frame)
	}

	send(t, alice, map[string]string{"type": "stop_typing", "channel_id": "general"})
	readUntil(t, bob, "user_stopped_typing")
}

func TestCallAcceptOverWebSocket(t *testing.T) {
	s := newStack(t)
	alice := connect(t, s, "alice")
	bob := connect(t, s, "bob")

	callID, err := s.calls.CreateCall("alice", "bob", call.KindAudio, "")
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	incoming := readUntil(t, bob, "incoming_call")
	if incoming["call_id"] != callID || incoming["caller_id"] != "alice" {
		t.Fatalf("incoming_call = %v", incoming)
	}

	send(t, bob, map[string]string{"type": "call_response", "call_id": callID, "response": "accept"})

	accepted := readUntil(t, alice, "call_accepted")
	if accepted["call_id"] != callID {
		t.Errorf("call_accepted = %v", accepted)
	}
	readUntil(t, bob, "call_accepted")

	snap, err := s.calls.Snapshot(callID)
	if err != nil || snap.Status != call.StatusActive {
		t.Errorf("snapshot = %+v, err = %v", snap, err)
	}
}

func TestCallDeclineOverWebSocket(t *testing.T) {
	s := newStack(t)
	alice := connect(t, s, "alice")
	bob := connect(t, s, "bob")

	callID, _ := s.calls.CreateCall("alice", "bob", call.KindVideo, "")
	readUntil(t, bob, "incoming_call")

	send(t, bob, map[string]string{"type": "call_response", "call_id": callID, "response": "decline"})

	declined := readUntil(t, alice, "call_declined")
	if declined["call_id"] != callID {
		t.Errorf("call_declined = %v", declined)
	}
}

func TestSignalRelayOverWebSocket(t *testing.T) {
	s := newStack(t)
	alice := connect(t, s, "alice")
	bob := connect(t, s, "bob")

	callID, _ := s.calls.CreateCall("alice", "bob", call.KindVideo, "")
	readUntil(t, bob, "incoming_call")
	send(t, bob, map[string]string{"type": "call_response", "call_id": callID, "response": "accept"})
	readUntil(t, alice, "call_accepted")

	send(t, alice, map[string]any{
		"type":        "webrtc_signal",
		"call_id":     callID,
		"signal_type": "offer",
		"data":        map[string]string{"sdp": "v=0"},
	})

	sig := readUntil(t, bob, "webrtc_signal")
	if sig["signal_type"] != "offer" || sig["sender_id"] != "alice" {
		t.Errorf("forwarded signal = %v", sig)
	}
}

func TestDomainErrorsSurfaceAsFrames(t *testing.T) {
	s := newStack(t)
	alice := connect(t, s, "alice")

	send(t, alice, map[string]string{"type": "join_call", "call_id": "no-such-call"})
	frame := readUntil(t, alice, "error")
	if frame["code"] != "not_found" {
		t.Errorf("error code = %v, want not_found", frame["code"])
	}

	// Undecodable frames bounce without killing the connection.
	send(t, alice, map[string]string{"type": "teleport"})
	frame = readUntil(t, alice, "error")
	if frame["code"] != "bad_frame" {
		t.Errorf("error code = %v, want bad_frame", frame["code"])
	}
	roundTrip(t, alice)
}

func TestReadReceiptOverWebSocket(t *testing.T) {
	s := newStack(t)
	alice := connect(t, s, "alice")
	bob := connect(t, s, "bob")

	send(t, alice, map[string]string{"type": "join_channel", "channel_id": "general"})
	send(t, bob, map[string]string{"type": "join_channel", "channel_id": "general"})
	roundTrip(t, alice)
	roundTrip(t, bob)

	s.delivery.TrackChannelMessage("m1", "general", "alice")
	s.delivery.MarkSent("m1")

	send(t, bob, map[string]string{"type": "mark_message_read", "message_id": "m1"})

	frame := readUntil(t, alice, "message_status_update")
	if frame["message_id"] != "m1" || frame["status"] != "read" {
		t.Errorf("status update = %v", frame)
	}
	readBy, ok := frame["read_by"].([]any)
	if !ok || len(readBy) != 1 {
		t.Errorf("read_by = %v", frame["read_by"])
	}
}

func TestDisconnectMarksAwayAndLeavesCall(t *testing.T) {
	s := newStack(t)
	alice := connect(t, s, "alice")
	bob := connect(t, s, "bob")

	callID, _ := s.calls.CreateCall("alice", "bob", call.KindAudio, "")
	readUntil(t, bob, "incoming_call")
	send(t, bob, map[string]string{"type": "call_response", "call_id": callID, "response": "accept"})
	readUntil(t, alice, "call_accepted")

	bob.Close()

	left := readUntil(t, alice, "user_left")
	if left["call_id"] != callID || left["user_id"] != "bob" {
		t.Errorf("user_left = %v", left)
	}

	deadline := time.Now().Add(readTimeout)
	for s.reg.UserConnections("bob") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("bob's connection never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEvictionRunsDisconnectCleanup(t *testing.T) {
	s := newStackBuf(t, 1)
	connect(t, s, "alice") // authenticated, then never reads again

	callID, err := s.calls.CreateCall("alice", "bob", call.KindAudio, "")
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	// Flood the unread connection until its send buffer saturates and the
	// registry evicts it mid-delivery.
	noise := map[string]string{"type": "presence_update", "status": strings.Repeat("x", 32*1024)}
	floodDeadline := time.Now().Add(5 * time.Second)
	for s.reg.SendToUser("alice", noise) {
		if time.Now().After(floodDeadline) {
			t.Fatal("connection never evicted")
		}
	}

	// Eviction must run the same teardown as a clean disconnect: the call
	// slot is released and presence goes away.
	waitFor(t, func() bool { return s.reg.UserConnections("alice") == 0 },
		"evicted connection never unregistered")
	waitFor(t, func() bool { _, ok := s.calls.UserCall("alice"); return !ok },
		"call slot still occupied after eviction")
	waitFor(t, func() bool { st, _ := s.presence.Status("alice"); return st == presence.StatusAway },
		"presence still online after eviction")

	if _, err := s.calls.Snapshot(callID); err == nil {
		t.Error("abandoned call still observable")
	}
	// Both parties can dial again.
	if _, err := s.calls.CreateCall("bob", "alice", call.KindAudio, ""); err != nil {
		t.Errorf("redial after eviction: %v", err)
	}
}

func TestGroupActivationDeliversSingleFrame(t *testing.T) {
	s := newStack(t)
	alice := connect(t, s, "alice")
	bob := connect(t, s, "bob")

	callID, _ := s.calls.CreateCall("alice", "bob", call.KindVideo, "srv-1")
	readUntil(t, bob, "incoming_call")

	// The caller sits in the call room before the pickup.
	send(t, alice, map[string]string{"type": "join_call", "call_id": callID})
	roundTrip(t, alice)

	send(t, bob, map[string]string{"type": "call_response", "call_id": callID, "response": "accept"})
	readUntil(t, alice, "call_accepted")

	// Drain up to the next pong: no second call_accepted may arrive even
	// though alice occupies both her user room and the call room.
	send(t, alice, map[string]string{"type": "ping"})
	for {
		frame := readFrame(t, alice)
		if frame["type"] == "pong" {
			break
		}
		if frame["type"] == "call_accepted" {
			t.Fatal("duplicate call_accepted frame")
		}
	}
}

func TestMultiDeviceDisconnectKeepsPresence(t *testing.T) {
	s := newStack(t)
	phone := connect(t, s, "alice")
	connect(t, s, "alice")

	phone.Close()

	deadline := time.Now().Add(readTimeout)
	for s.reg.UserConnections("alice") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("connection count never settled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The surviving device keeps the user in any call they occupy: dropping
	// one of two devices must not hang up.
	if _, err := s.calls.CreateCall("alice", "bob", call.KindAudio, ""); err != nil {
		t.Errorf("create after partial disconnect: %v", err)
	}
}
