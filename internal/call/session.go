// Package call owns call-session state machines and the invariants around
// them: a user occupies at most one non-terminal call at a time, and every
// status change is a legal transition of the PENDING/ACTIVE/DECLINED/
// MISSED/ENDED machine.
package call

import (
	"encoding/json"
	"sync"
	"time"
)

// Status is a call session's position in the state machine.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusDeclined Status = "declined"
	StatusMissed   Status = "missed"
	StatusEnded    Status = "ended"
)

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	return s == StatusDeclined || s == StatusMissed || s == StatusEnded
}

// Kind distinguishes audio from video calls.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ValidKind reports whether k names a supported call kind.
func ValidKind(k Kind) bool {
	return k == KindAudio || k == KindVideo
}

// Session is one call's state. Each session carries its own lock so that
// concurrent transitions on the same call serialize while operations on
// different calls proceed independently.
type Session struct {
	mu sync.Mutex

	id          string
	callerID    string
	recipientID string
	serverID    string // empty for direct 1:1 calls
	kind        Kind
	createdAt   time.Time

	status       Status
	participants map[string]bool

	// Negotiation artifacts, keyed by the user that produced them.
	offers     map[string]json.RawMessage
	answers    map[string]json.RawMessage
	candidates map[string][]json.RawMessage

	ringTimer *time.Timer
}

// isGroup reports whether this is a server (multi-party) call.
func (s *Session) isGroup() bool { return s.serverID != "" }

// stopRingTimerLocked cancels the pending ring timeout. Caller holds s.mu.
func (s *Session) stopRingTimerLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// participantsLocked returns a copy of the participant set. Caller holds s.mu.
func (s *Session) participantsLocked() []string {
	out := make([]string, 0, len(s.participants))
	for id := range s.participants {
		out = append(out, id)
	}
	return out
}

// snapshotLocked copies the observable session state. Caller holds s.mu.
func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:           s.id,
		CallerID:     s.callerID,
		RecipientID:  s.recipientID,
		ServerID:     s.serverID,
		Kind:         s.kind,
		Status:       s.status,
		CreatedAt:    s.createdAt,
		Participants: s.participantsLocked(),
	}
}

// Snapshot is an immutable copy of a session's observable state, safe to
// hand to other components without exposing the session lock.
type Snapshot struct {
	ID           string    `json:"call_id"`
	CallerID     string    `json:"caller_id"`
	RecipientID  string    `json:"recipient_id"`
	ServerID     string    `json:"server_id,omitempty"`
	Kind         Kind      `json:"call_type"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	Participants []string  `json:"participants"`
}

// IsGroup reports whether the call belongs to a server (multi-party).
func (s Snapshot) IsGroup() bool { return s.ServerID != "" }

// HasParticipant reports whether userID is currently joined.
func (s Snapshot) HasParticipant(userID string) bool {
	for _, id := range s.Participants {
		if id == userID {
			return true
		}
	}
	return false
}
