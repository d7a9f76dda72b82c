package call

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/communicationx/realtime/internal/events"
)

// fakeNotifier records every SendToUser. Safe for concurrent use so
// activation races can be asserted on.
type fakeNotifier struct {
	mu          sync.Mutex
	sent        map[string][]any
	unreachable map[string]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		sent:        make(map[string][]any),
		unreachable: make(map[string]bool),
	}
}

func (f *fakeNotifier) SendToUser(userID string, v any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[userID] {
		return false
	}
	f.sent[userID] = append(f.sent[userID], v)
	return true
}

func (f *fakeNotifier) received(userID string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent[userID]))
	copy(out, f.sent[userID])
	return out
}

func (f *fakeNotifier) countOf(userID string, match func(any) bool) int {
	n := 0
	for _, evt := range f.received(userID) {
		if match(evt) {
			n++
		}
	}
	return n
}

func isAccepted(v any) bool { _, ok := v.(events.CallAccepted); return ok }
func isMissed(v any) bool   { _, ok := v.(events.CallMissed); return ok }

func newTestCoordinator(timeout time.Duration) (*Coordinator, *fakeNotifier) {
	notify := newFakeNotifier()
	return NewCoordinator(zerolog.Nop(), notify, timeout), notify
}

func TestCreateCallNotifiesRecipient(t *testing.T) {
	c, notify := newTestCoordinator(time.Minute)

	callID, err := c.CreateCall("alice", "bob", KindAudio, "")
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	snap, err := c.Snapshot(callID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Status != StatusPending {
		t.Errorf("status = %q, want pending", snap.Status)
	}
	if len(snap.Participants) != 1 || snap.Participants[0] != "alice" {
		t.Errorf("participants = %v, want [alice]", snap.Participants)
	}

	got := notify.received("bob")
	if len(got) != 1 {
		t.Fatalf("bob received %d events, want 1", len(got))
	}
	incoming, ok := got[0].(events.IncomingCall)
	if !ok {
		t.Fatalf("bob received %T, want IncomingCall", got[0])
	}
	if incoming.CallID != callID || incoming.CallerID != "alice" || incoming.CallKind != "audio" {
		t.Errorf("incoming_call = %+v", incoming)
	}
}

func TestCreateCallValidation(t *testing.T) {
	c, _ := newTestCoordinator(time.Minute)

	cases := []struct {
		caller, recipient string
		kind              Kind
	}{
		{"", "bob", KindAudio},
		{"alice", "", KindAudio},
		{"alice", "alice", KindAudio},
		{"alice", "bob", Kind("hologram")},
	}
	for _, tc := range cases {
		if _, err := c.CreateCall(tc.caller, tc.recipient, tc.kind, ""); !errors.Is(err, ErrInvalidState) {
			t.Errorf("CreateCall(%q, %q, %q) = %v, want ErrInvalidState", tc.caller, tc.recipient, tc.kind, err)
		}
	}
}

func TestCreateCallWhileBusy(t *testing.T) {
	c, _ := newTestCoordinator(time.Minute)

	if _, err := c.CreateCall("alice", "bob", KindAudio, ""); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	// Caller already occupies a call.
	if _, err := c.CreateCall("alice", "carol", KindAudio, ""); !errors.Is(err, ErrCallAlreadyActive) {
		t.Errorf("busy caller: %v, want ErrCallAlreadyActive", err)
	}
	// Recipient's slot was claimed at create, before any accept.
	if _, err := c.CreateCall("carol", "bob", KindAudio, ""); !errors.Is(err, ErrCallAlreadyActive) {
		t.Errorf("busy recipient: %v, want ErrCallAlreadyActive", err)
	}
	// An uninvolved pair is unaffected.
	if _, err := c.CreateCall("carol", "dave", KindVideo, ""); err != nil {
		t.Errorf("uninvolved pair: %v", err)
	}
}

func TestAcceptActivatesOnce(t *testing.T) {
	c, notify := newTestCoordinator(time.Minute)
	callID, _ := c.CreateCall("alice", "bob", KindVideo, "")

	if err := c.JoinCall(callID, "bob"); err != nil {
		t.Fatalf("JoinCall: %v", err)
	}

	snap, err := c.Snapshot(callID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Status != StatusActive {
		t.Errorf("status = %q, want active", snap.Status)
	}
	if len(snap.Participants) != 2 {
		t.Errorf("participants = %v", snap.Participants)
	}

	if n := notify.countOf("alice", isAccepted); n != 1 {
		t.Errorf("alice received %d call_accepted, want 1", n)
	}
	if n := notify.countOf("bob", isAccepted); n != 1 {
		t.Errorf("bob received %d call_accepted, want 1", n)
	}

	// Re-joining is a no-op and must not re-announce activation.
	if err := c.JoinCall(callID, "bob"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if n := notify.countOf("bob", isAccepted); n != 1 {
		t.Errorf("rejoin duplicated call_accepted (%d)", n)
	}
}

func TestConcurrentAcceptActivatesOnce(t *testing.T) {
	c, notify := newTestCoordinator(time.Minute)
	callID, _ := c.CreateCall("alice", "bob", KindAudio, "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.JoinCall(callID, "bob"); err != nil {
				t.Errorf("JoinCall: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := notify.countOf("bob", isAccepted); n != 1 {
		t.Errorf("bob received %d call_accepted, want exactly 1", n)
	}
	if n := notify.countOf("alice", isAccepted); n != 1 {
		t.Errorf("alice received %d call_accepted, want exactly 1", n)
	}
}

func TestStrangerCannotJoinDirectCall(t *testing.T) {
	c, _ := newTestCoordinator(time.Minute)
	callID, _ := c.CreateCall("alice", "bob", KindAudio, "")

	if err := c.JoinCall(callID, "carol"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger join while ringing: %v, want ErrUnauthorized", err)
	}

	c.JoinCall(callID, "bob")
	if err := c.JoinCall(callID, "carol"); !errors.Is(err, ErrCallFull) {
		t.Errorf("stranger join when full: %v, want ErrCallFull", err)
	}

	if err := c.JoinCall("no-such-call", "bob"); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("unknown call: %v, want ErrCallNotFound", err)
	}
}

func TestDeclineCall(t *testing.T) {
	c, notify := newTestCoordinator(time.Minute)
	callID, _ := c.CreateCall("alice", "bob", KindAudio, "")

	// Only the designated recipient may decline.
	if err := c.DeclineCall(callID, "alice"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("caller decline: %v, want ErrUnauthorized", err)
	}
	if err := c.DeclineCall(callID, "carol"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger decline: %v, want ErrUnauthorized", err)
	}

	if err := c.DeclineCall(callID, "bob"); err != nil {
		t.Fatalf("DeclineCall: %v", err)
	}

	declined := notify.countOf("alice", func(v any) bool { _, ok := v.(events.CallDeclined); return ok })
	if declined != 1 {
		t.Errorf("alice received %d call_declined, want 1", declined)
	}

	if _, err := c.Snapshot(callID); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("declined call still observable: %v", err)
	}

	// Both slots are free again.
	if _, err := c.CreateCall("alice", "bob", KindAudio, ""); err != nil {
		t.Errorf("new call after decline: %v", err)
	}
}

func TestDeclineAfterActive(t *testing.T) {
	c, _ := newTestCoordinator(time.Minute)
	callID, _ := c.CreateCall("alice", "bob", KindAudio, "")
	c.JoinCall(callID, "bob")

	if err := c.DeclineCall(callID, "bob"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("decline of active call: %v, want ErrInvalidState", err)
	}
}

func TestLeaveCall(t *testing.T) {
	c, notify := newTestCoordinator(time.Minute)
	callID, _ := c.CreateCall("alice", "bob", KindAudio, "")
	c.JoinCall(callID, "bob")

	if err := c.LeaveCall(callID, "bob"); err != nil {
		t.Fatalf("LeaveCall: %v", err)
	}
	left := notify.countOf("alice", func(v any) bool { _, ok := v.(events.UserLeft); return ok })
	if left != 1 {
		t.Errorf("alice received %d user_left, want 1", left)
	}
	snap, err := c.Snapshot(callID)
	if err != nil {
		t.Fatalf("Snapshot after one leave: %v", err)
	}
	if snap.Status != StatusActive || len(snap.Participants) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	// Leaving a call the user is not in is a no-op.
	if err := c.LeaveCall(callID, "carol"); err != nil {
		t.Errorf("non-participant leave: %v", err)
	}

	// Last one out ends the call.
	if err := c.LeaveCall(callID, "alice"); err != nil {
		t.Fatalf("final leave: %v", err)
	}
	if _, err := c.Snapshot(callID); !errors.Is(err, ErrCallNotFound) {
		t.Error("ended call still observable")
	}
	if _, err := c.CreateCall("bob", "alice", KindAudio, ""); err != nil {
		t.Errorf("slots not released after end: %v", err)
	}
}

func TestCallerAbandonsRingingCall(t *testing.T) {
	c, notify := newTestCoordinator(time.Minute)
	callID, _ := c.CreateCall("alice", "bob", KindAudio, "")

	if err := c.LeaveCall(callID, "alice"); err != nil {
		t.Fatalf("LeaveCall: %v", err)
	}

	// The recipient who never picked up hears the call is gone.
	ended := notify.countOf("bob", func(v any) bool { _, ok := v.(events.CallEnded); return ok })
	if ended != 1 {
		t.Errorf("bob received %d call_ended, want 1", ended)
	}
	// The recipient's claimed slot is released too.
	if _, err := c.CreateCall("bob", "carol", KindAudio, ""); err != nil {
		t.Errorf("recipient slot not freed: %v", err)
	}
}

func TestEndCall(t *testing.T) {
	c, notify := newTestCoordinator(time.Minute)
	callID, _ := c.CreateCall("alice", "bob", KindVideo, "")
	c.JoinCall(callID, "bob")

	if err := c.EndCall(callID, "carol"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger end: %v, want ErrUnauthorized", err)
	}

	if err := c.EndCall(callID, "alice"); err != nil {
		t.Fatalf("EndCall: %v", err)
	}

	got := notify.received("bob")
	var ended *events.CallEnded
	for _, evt := range got {
		if e, ok := evt.(events.CallEnded); ok {
			ended = &e
		}
	}
	if ended == nil {
		t.Fatal("bob never received call_ended")
	}
	if ended.EndedBy != "alice" {
		t.Errorf("ended_by = %q, want alice", ended.EndedBy)
	}
	// The actor is not notified about their own hang-up.
	if n := notify.countOf("alice", func(v any) bool { _, ok := v.(events.CallEnded); return ok }); n != 0 {
		t.Errorf("alice received %d call_ended for own action", n)
	}

	if err := c.EndCall(callID, "alice"); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("double end: %v, want ErrCallNotFound", err)
	}
}

func TestRingTimeoutMissesCall(t *testing.T) {
	c, notify := newTestCoordinator(25 * time.Millisecond)
	callID, _ := c.CreateCall("alice", "bob", KindAudio, "")

	deadline := time.Now().Add(2 * time.Second)
	for notify.countOf("alice", isMissed) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("call never transitioned to missed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n := notify.countOf("bob", isMissed); n != 1 {
		t.Errorf("bob received %d call_missed, want 1", n)
	}
	if _, err := c.Snapshot(callID); !errors.Is(err, ErrCallNotFound) {
		t.Error("missed call still observable")
	}
	// Caller can dial again.
	if _, err := c.CreateCall("alice", "bob", KindAudio, ""); err != nil {
		t.Errorf("redial after missed: %v", err)
	}
}

func TestAcceptCancelsRingTimeout(t *testing.T) {
	c, notify := newTestCoordinator(25 * time.Millisecond)
	callID, _ := c.CreateCall("alice", "bob", KindAudio, "")
	if err := c.JoinCall(callID, "bob"); err != nil {
		t.Fatalf("JoinCall: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if n := notify.countOf("alice", isMissed); n != 0 {
		t.Errorf("accepted call was marked missed (%d events)", n)
	}
	snap, err := c.Snapshot(callID)
	if err != nil || snap.Status != StatusActive {
		t.Errorf("snapshot = %+v, err = %v", snap, err)
	}
}

func TestOfflineRecipientStillRings(t *testing.T) {
	c, notify := newTestCoordinator(time.Minute)
	notify.mu.Lock()
	notify.unreachable["bob"] = true
	notify.mu.Unlock()

	callID, err := c.CreateCall("alice", "bob", KindAudio, "")
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	snap, err := c.Snapshot(callID)
	if err != nil || snap.Status != StatusPending {
		t.Errorf("call should keep ringing for an offline recipient: %+v, %v", snap, err)
	}

	// Recipient connects late and picks up.
	notify.mu.Lock()
	notify.unreachable["bob"] = false
	notify.mu.Unlock()
	if err := c.JoinCall(callID, "bob"); err != nil {
		t.Errorf("late accept: %v", err)
	}
}

func TestGroupCall(t *testing.T) {
	c, notify := newTestCoordinator(time.Minute)
	callID, _ := c.CreateCall("alice", "bob", KindVideo, "srv-1")

	c.JoinCall(callID, "bob")
	if err := c.JoinCall(callID, "carol"); err != nil {
		t.Fatalf("third participant join on server call: %v", err)
	}

	snap, _ := c.Snapshot(callID)
	if !snap.IsGroup() || len(snap.Participants) != 3 {
		t.Errorf("snapshot = %+v", snap)
	}

	// Activation happened once, on the second join, and each party heard
	// about it exactly once.
	if n := notify.countOf("alice", isAccepted); n != 1 {
		t.Errorf("alice received %d call_accepted, want 1", n)
	}
	if n := notify.countOf("bob", isAccepted); n != 1 {
		t.Errorf("bob received %d call_accepted, want 1", n)
	}
	if n := notify.countOf("carol", isAccepted); n != 0 {
		t.Errorf("carol received %d call_accepted for a join after activation", n)
	}

	if err := c.LeaveCall(callID, "carol"); err != nil {
		t.Fatalf("LeaveCall: %v", err)
	}
	snap, _ = c.Snapshot(callID)
	if len(snap.Participants) != 2 {
		t.Errorf("participants after leave = %v", snap.Participants)
	}
}

func TestDropUser(t *testing.T) {
	c, notify := newTestCoordinator(time.Minute)
	callID, _ := c.CreateCall("alice", "bob", KindAudio, "")
	c.JoinCall(callID, "bob")

	c.DropUser("bob")

	left := notify.countOf("alice", func(v any) bool { _, ok := v.(events.UserLeft); return ok })
	if left != 1 {
		t.Errorf("alice received %d user_left, want 1", left)
	}
	// Dropped user can dial someone else immediately.
	if _, err := c.CreateCall("bob", "carol", KindAudio, ""); err != nil {
		t.Errorf("dial after drop: %v", err)
	}

	// Unknown user is a no-op.
	c.DropUser("nobody")
}

func TestUserCall(t *testing.T) {
	c, _ := newTestCoordinator(time.Minute)
	callID, _ := c.CreateCall("alice", "bob", KindAudio, "")

	snap, ok := c.UserCall("alice")
	if !ok || snap.ID != callID {
		t.Errorf("UserCall(alice) = %+v, %v", snap, ok)
	}
	// The recipient's slot points at the ringing call too.
	snap, ok = c.UserCall("bob")
	if !ok || snap.ID != callID {
		t.Errorf("UserCall(bob) = %+v, %v", snap, ok)
	}
	if _, ok := c.UserCall("carol"); ok {
		t.Error("UserCall for idle user reported a call")
	}
}

func TestNegotiationArtifacts(t *testing.T) {
	c, _ := newTestCoordinator(time.Minute)
	callID, _ := c.CreateCall("alice", "bob", KindVideo, "")

	if err := c.SetOffer(callID, "alice", []byte(`{"sdp":"v=0"}`)); err != nil {
		t.Errorf("SetOffer: %v", err)
	}
	if err := c.SetAnswer(callID, "bob", []byte(`{"sdp":"v=0"}`)); err != nil {
		t.Errorf("SetAnswer: %v", err)
	}
	if err := c.AddICECandidate(callID, "alice", []byte(`{"candidate":"host"}`)); err != nil {
		t.Errorf("AddICECandidate: %v", err)
	}

	if err := c.SetOffer("no-such-call", "alice", []byte(`{}`)); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("SetOffer on unknown call: %v", err)
	}

	c.EndCall(callID, "alice")
	if err := c.SetOffer(callID, "alice", []byte(`{}`)); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("SetOffer after end: %v", err)
	}
}

func TestActiveCalls(t *testing.T) {
	c, _ := newTestCoordinator(time.Minute)
	if c.ActiveCalls() != 0 {
		t.Fatalf("ActiveCalls = %d at start", c.ActiveCalls())
	}
	callID, _ := c.CreateCall("alice", "bob", KindAudio, "")
	c.CreateCall("carol", "dave", KindAudio, "")
	if c.ActiveCalls() != 2 {
		t.Errorf("ActiveCalls = %d, want 2", c.ActiveCalls())
	}
	c.EndCall(callID, "alice")
	if c.ActiveCalls() != 1 {
		t.Errorf("ActiveCalls = %d, want 1", c.ActiveCalls())
	}
}
