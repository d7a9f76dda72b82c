package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/communicationx/realtime/internal/events"
	"github.com/communicationx/realtime/internal/metrics"
)

// DefaultRingTimeout is how long a PENDING call waits for the recipient
// before transitioning to MISSED.
const DefaultRingTimeout = 60 * time.Second

// Notifier is the fan-out surface the coordinator uses to reach users.
// Addressing is always user-level: a user's every connection hears about
// their call, whether or not it joined the call room yet.
// *registry.Registry satisfies it.
type Notifier interface {
	SendToUser(userID string, v any) bool
}

// Coordinator owns all call sessions. Sessions carry their own locks; the
// coordinator's maps are guarded separately and held only briefly, so
// transitions on different calls never block each other.
//
// Lock order: a session lock may be taken first and the user-slot index
// lock taken while holding it, never the reverse. The sessions map lock is
// never held together with a session lock.
type Coordinator struct {
	log         zerolog.Logger
	notify      Notifier
	ringTimeout time.Duration

	mu    sync.RWMutex
	calls map[string]*Session

	slotMu    sync.Mutex
	userCalls map[string]string // user id -> non-terminal call id
}

// NewCoordinator creates a coordinator that notifies parties through
// notify. ringTimeout <= 0 selects DefaultRingTimeout.
func NewCoordinator(log zerolog.Logger, notify Notifier, ringTimeout time.Duration) *Coordinator {
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	return &Coordinator{
		log:         log.With().Str("component", "call").Logger(),
		notify:      notify,
		ringTimeout: ringTimeout,
		calls:       make(map[string]*Session),
		userCalls:   make(map[string]string),
	}
}

// CreateCall opens a PENDING session between caller and recipient and
// notifies the recipient. Both parties' call slots are claimed up front:
// the caller fails with ErrCallAlreadyActive if either already occupies a
// non-terminal call. The check lives here, under the coordinator's own
// lock, so concurrent create requests cannot both pass it.
func (c *Coordinator) CreateCall(callerID, recipientID string, kind Kind, serverID string) (string, error) {
	if callerID == "" || recipientID == "" {
		return "", fmt.Errorf("%w: missing party", ErrInvalidState)
	}
	if callerID == recipientID {
		return "", fmt.Errorf("%w: cannot call yourself", ErrInvalidState)
	}
	if !ValidKind(kind) {
		return "", fmt.Errorf("%w: unknown call kind %q", ErrInvalidState, kind)
	}

	callID := uuid.NewString()

	c.slotMu.Lock()
	if _, busy := c.userCalls[callerID]; busy {
		c.slotMu.Unlock()
		return "", ErrCallAlreadyActive
	}
	if _, busy := c.userCalls[recipientID]; busy {
		c.slotMu.Unlock()
		return "", fmt.Errorf("%w: recipient in another call", ErrCallAlreadyActive)
	}
	c.userCalls[callerID] = callID
	c.userCalls[recipientID] = callID
	c.slotMu.Unlock()

	s := &Session{
		id:           callID,
		callerID:     callerID,
		recipientID:  recipientID,
		serverID:     serverID,
		kind:         kind,
		createdAt:    time.Now(),
		status:       StatusPending,
		participants: map[string]bool{callerID: true},
		offers:       make(map[string]json.RawMessage),
		answers:      make(map[string]json.RawMessage),
		candidates:   make(map[string][]json.RawMessage),
	}
	s.ringTimer = time.AfterFunc(c.ringTimeout, func() { c.missCall(callID) })

	c.mu.Lock()
	c.calls[callID] = s
	c.mu.Unlock()

	metrics.CallsActive.Inc()
	c.log.Info().
		Str("call_id", callID).
		Str("caller_id", callerID).
		Str("recipient_id", recipientID).
		Str("kind", string(kind)).
		Msg("call created")

	delivered := c.notify.SendToUser(recipientID, events.IncomingCall{
		Type:      events.TypeIncomingCall,
		CallID:    callID,
		CallerID:  callerID,
		CallKind:  string(kind),
		ServerID:  serverID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if !delivered {
		// Recipient is offline. The call keeps ringing until the timeout
		// fires; they may still connect and pick up.
		c.log.Info().Str("call_id", callID).Str("recipient_id", recipientID).Msg("recipient unreachable")
	}

	return callID, nil
}

// JoinCall adds userID to the call's participant set. The second joiner
// drives PENDING to ACTIVE exactly once; re-joining is a no-op.
func (c *Coordinator) JoinCall(callID, userID string) error {
	s := c.get(callID)
	if s == nil {
		return ErrCallNotFound
	}

	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return ErrCallNotFound
	}
	if s.participants[userID] {
		s.mu.Unlock()
		return nil
	}
	if !s.isGroup() && userID != s.callerID && userID != s.recipientID {
		if len(s.participants) >= 2 {
			s.mu.Unlock()
			return ErrCallFull
		}
		s.mu.Unlock()
		return ErrUnauthorized
	}

	c.slotMu.Lock()
	if existing, ok := c.userCalls[userID]; ok && existing != callID {
		c.slotMu.Unlock()
		s.mu.Unlock()
		return ErrCallAlreadyActive
	}
	c.userCalls[userID] = callID
	c.slotMu.Unlock()

	s.participants[userID] = true

	activated := false
	if s.status == StatusPending && len(s.participants) >= 2 {
		s.status = StatusActive
		s.stopRingTimerLocked()
		activated = true
	}
	parties := s.participantsLocked()
	s.mu.Unlock()

	if activated {
		c.log.Info().Str("call_id", callID).Str("user_id", userID).Msg("call active")
		accepted := events.CallAccepted{Type: events.TypeCallAccepted, CallID: callID, UserID: userID}
		for _, p := range parties {
			c.notify.SendToUser(p, accepted)
		}
	}
	return nil
}

// DeclineCall rejects a PENDING call. Only the designated recipient may
// decline.
func (c *Coordinator) DeclineCall(callID, userID string) error {
	s := c.get(callID)
	if s == nil {
		return ErrCallNotFound
	}

	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return ErrCallNotFound
	}
	if userID != s.recipientID {
		s.mu.Unlock()
		return ErrUnauthorized
	}
	if s.status != StatusPending {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.status = StatusDeclined
	s.stopRingTimerLocked()
	parties := s.participantsLocked()
	callerID := s.callerID
	recipientID := s.recipientID
	s.mu.Unlock()

	c.releaseSlots(callID, append(parties, callerID, recipientID))
	c.remove(callID, "declined")

	c.notify.SendToUser(callerID, events.CallDeclined{Type: events.TypeCallDeclined, CallID: callID})
	c.log.Info().Str("call_id", callID).Str("user_id", userID).Msg("call declined")
	return nil
}

// LeaveCall removes userID from the participant set. The last participant
// out transitions the call to ENDED; leaving a call the user is not in is
// a no-op.
func (c *Coordinator) LeaveCall(callID, userID string) error {
	s := c.get(callID)
	if s == nil {
		return ErrCallNotFound
	}

	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return ErrCallNotFound
	}
	if !s.participants[userID] {
		s.mu.Unlock()
		return nil
	}
	delete(s.participants, userID)

	ended := len(s.participants) == 0
	if ended {
		s.status = StatusEnded
		s.stopRingTimerLocked()
	}
	remaining := s.participantsLocked()
	callerID := s.callerID
	recipientID := s.recipientID
	s.mu.Unlock()

	c.releaseSlots(callID, []string{userID})

	if ended {
		// Whoever was still addressed by the call (a recipient that never
		// picked up, for instance) hears that it is gone.
		c.releaseSlots(callID, []string{callerID, recipientID})
		c.remove(callID, "ended")
		endedEvt := events.CallEnded{Type: events.TypeCallEnded, CallID: callID, EndedBy: userID}
		for _, p := range []string{callerID, recipientID} {
			if p != userID {
				c.notify.SendToUser(p, endedEvt)
			}
		}
		c.log.Info().Str("call_id", callID).Str("user_id", userID).Msg("last participant left, call ended")
		return nil
	}

	left := events.UserLeft{Type: events.TypeUserLeft, CallID: callID, UserID: userID}
	for _, p := range remaining {
		c.notify.SendToUser(p, left)
	}
	return nil
}

// EndCall force-transitions the call to ENDED and evicts every
// participant. The caller or recipient may end a direct call; any
// participant may end a server call.
func (c *Coordinator) EndCall(callID, actingUserID string) error {
	s := c.get(callID)
	if s == nil {
		return ErrCallNotFound
	}

	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return ErrCallNotFound
	}
	authorized := actingUserID == s.callerID || actingUserID == s.recipientID ||
		(s.isGroup() && s.participants[actingUserID])
	if !authorized {
		s.mu.Unlock()
		return ErrUnauthorized
	}
	s.status = StatusEnded
	s.stopRingTimerLocked()
	parties := s.participantsLocked()
	callerID := s.callerID
	recipientID := s.recipientID
	s.participants = map[string]bool{}
	s.mu.Unlock()

	c.releaseSlots(callID, append(parties, callerID, recipientID))
	c.remove(callID, "ended")

	endedEvt := events.CallEnded{Type: events.TypeCallEnded, CallID: callID, EndedBy: actingUserID}
	notified := map[string]bool{actingUserID: true}
	for _, p := range append(parties, callerID, recipientID) {
		if !notified[p] {
			notified[p] = true
			c.notify.SendToUser(p, endedEvt)
		}
	}
	c.log.Info().Str("call_id", callID).Str("user_id", actingUserID).Msg("call ended")
	return nil
}

// missCall is the ring-timeout path: a PENDING call nobody joined becomes
// MISSED and the caller's slot is freed so they can dial again.
func (c *Coordinator) missCall(callID string) {
	s := c.get(callID)
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.status != StatusPending {
		s.mu.Unlock()
		return
	}
	s.status = StatusMissed
	s.stopRingTimerLocked()
	parties := s.participantsLocked()
	callerID := s.callerID
	recipientID := s.recipientID
	s.mu.Unlock()

	c.releaseSlots(callID, append(parties, callerID, recipientID))
	c.remove(callID, "missed")

	c.notify.SendToUser(callerID, events.CallMissed{Type: events.TypeCallMissed, CallID: callID})
	c.notify.SendToUser(recipientID, events.CallMissed{Type: events.TypeCallMissed, CallID: callID})
	c.log.Info().Str("call_id", callID).Msg("call missed")
}

// DropUser handles a user's last connection going away: whatever call they
// occupy is left as if they hung up.
func (c *Coordinator) DropUser(userID string) {
	c.slotMu.Lock()
	callID, ok := c.userCalls[userID]
	c.slotMu.Unlock()
	if !ok {
		return
	}
	if err := c.LeaveCall(callID, userID); err != nil && !errors.Is(err, ErrCallNotFound) {
		c.log.Warn().Err(err).Str("call_id", callID).Str("user_id", userID).Msg("leave on disconnect failed")
	}
}

// SetOffer records userID's SDP offer. Legal only while the call is
// PENDING or ACTIVE.
func (c *Coordinator) SetOffer(callID, userID string, offer json.RawMessage) error {
	return c.withLiveSession(callID, func(s *Session) {
		s.offers[userID] = offer
	})
}

// SetAnswer records userID's SDP answer.
func (c *Coordinator) SetAnswer(callID, userID string, answer json.RawMessage) error {
	return c.withLiveSession(callID, func(s *Session) {
		s.answers[userID] = answer
	})
}

// AddICECandidate appends one of userID's ICE candidates.
func (c *Coordinator) AddICECandidate(callID, userID string, candidate json.RawMessage) error {
	return c.withLiveSession(callID, func(s *Session) {
		s.candidates[userID] = append(s.candidates[userID], candidate)
	})
}

// withLiveSession runs fn under the session lock if the call exists and is
// in a negotiable (PENDING or ACTIVE) state.
func (c *Coordinator) withLiveSession(callID string, fn func(*Session)) error {
	s := c.get(callID)
	if s == nil {
		return ErrCallNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return ErrInvalidState
	}
	fn(s)
	return nil
}

// Snapshot returns a copy of the call's observable state, or
// ErrCallNotFound if the call is unknown or terminal.
func (c *Coordinator) Snapshot(callID string) (Snapshot, error) {
	s := c.get(callID)
	if s == nil {
		return Snapshot{}, ErrCallNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return Snapshot{}, ErrCallNotFound
	}
	return s.snapshotLocked(), nil
}

// UserCall returns the snapshot of the call userID currently occupies.
func (c *Coordinator) UserCall(userID string) (Snapshot, bool) {
	c.slotMu.Lock()
	callID, ok := c.userCalls[userID]
	c.slotMu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	snap, err := c.Snapshot(callID)
	if err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

// ActiveCalls returns the number of non-terminal calls.
func (c *Coordinator) ActiveCalls() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.calls)
}

func (c *Coordinator) get(callID string) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calls[callID]
}

// releaseSlots frees user call slots that still point at callID.
func (c *Coordinator) releaseSlots(callID string, userIDs []string) {
	c.slotMu.Lock()
	for _, id := range userIDs {
		if c.userCalls[id] == callID {
			delete(c.userCalls, id)
		}
	}
	c.slotMu.Unlock()
}

// remove drops a terminal session from the map and records its outcome.
func (c *Coordinator) remove(callID, outcome string) {
	c.mu.Lock()
	_, present := c.calls[callID]
	delete(c.calls, callID)
	c.mu.Unlock()
	if present {
		metrics.CallsActive.Dec()
		metrics.CallsTotal.WithLabelValues(outcome).Inc()
	}
}
