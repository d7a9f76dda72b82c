// Package presence maintains each user's status and fans out changes to
// every room the user occupies. State lives for the process lifetime only;
// durable last-seen is handed off to an optional store.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/communicationx/realtime/internal/events"
	"github.com/communicationx/realtime/internal/registry"
)

// Status is a user's presence state.
type Status string

const (
	StatusOnline    Status = "online"
	StatusAway      Status = "away"
	StatusBusy      Status = "busy"
	StatusInvisible Status = "invisible"
	StatusOffline   Status = "offline"
)

// ValidStatus reports whether s is a status a user may set explicitly.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusInvisible:
		return true
	}
	return false
}

// Fanout is the delivery surface the tracker broadcasts through.
// *registry.Registry satisfies it.
type Fanout interface {
	SendToUser(userID string, v any) bool
	Broadcast(room string, v any, excludeConnID string)
	RoomsOf(userID string) []string
}

// LastSeenStore persists last-seen timestamps across restarts. May be nil.
type LastSeenStore interface {
	SetLastSeen(ctx context.Context, userID string, at time.Time) error
}

// Tracker holds current presence per user. Users default to offline until
// their first connection registers.
type Tracker struct {
	log   zerolog.Logger
	fan   Fanout
	store LastSeenStore

	mu       sync.Mutex
	status   map[string]Status
	prefs    map[string]Status // explicit away/busy/invisible choices, kept across reconnects
	lastSeen map[string]time.Time
}

// NewTracker creates a tracker delivering through fan. store may be nil.
func NewTracker(log zerolog.Logger, fan Fanout, store LastSeenStore) *Tracker {
	return &Tracker{
		log:      log.With().Str("component", "presence").Logger(),
		fan:      fan,
		store:    store,
		status:   make(map[string]Status),
		prefs:    make(map[string]Status),
		lastSeen: make(map[string]time.Time),
	}
}

// SetStatus records an explicit status choice and broadcasts the change.
// Choosing away, busy, or invisible is remembered as a preference that
// survives reconnects; choosing online clears it.
func (t *Tracker) SetStatus(userID string, status Status) error {
	if !ValidStatus(status) {
		return fmt.Errorf("invalid presence status %q", status)
	}

	t.mu.Lock()
	t.status[userID] = status
	if status == StatusOnline {
		delete(t.prefs, userID)
	} else {
		t.prefs[userID] = status
	}
	seen := t.lastSeen[userID]
	t.mu.Unlock()

	t.broadcast(userID, status, seen, t.fan.RoomsOf(userID))
	return nil
}

// Status returns the user's current status and last-seen time.
func (t *Tracker) Status(userID string) (Status, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.status[userID]
	if !ok {
		s = StatusOffline
	}
	return s, t.lastSeen[userID]
}

// OnConnect marks the user present. A remembered away/busy/invisible
// preference wins over the default online.
func (t *Tracker) OnConnect(userID string) {
	now := time.Now()

	t.mu.Lock()
	status := StatusOnline
	if pref, ok := t.prefs[userID]; ok {
		status = pref
	}
	t.status[userID] = status
	t.lastSeen[userID] = now
	t.mu.Unlock()

	t.persistLastSeen(userID, now)
	t.broadcast(userID, status, now, t.fan.RoomsOf(userID))
}

// OnDisconnect marks the user away once their last connection drops. Away,
// not offline: an explicit sign-off is a different event. rooms is the
// membership the final connection held, captured before it was torn down.
func (t *Tracker) OnDisconnect(userID string, rooms []string) {
	now := time.Now()

	t.mu.Lock()
	t.status[userID] = StatusAway
	t.lastSeen[userID] = now
	t.mu.Unlock()

	t.persistLastSeen(userID, now)
	t.broadcast(userID, StatusAway, now, rooms)
}

// OnlineCount returns how many users are currently in a non-offline state.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.status {
		if s != StatusOffline {
			n++
		}
	}
	return n
}

// broadcast fans a presence_update out to every given room and to the
// user's own room for multi-device sync.
func (t *Tracker) broadcast(userID string, status Status, seen time.Time, rooms []string) {
	evt := events.PresenceUpdate{
		Type:   events.TypePresenceUpdate,
		UserID: userID,
		Status: string(status),
	}
	if !seen.IsZero() {
		evt.LastSeen = seen.UTC().Format(time.RFC3339)
	}

	own := registry.UserRoom(userID)
	sentOwn := false
	for _, room := range rooms {
		t.fan.Broadcast(room, evt, "")
		if room == own {
			sentOwn = true
		}
	}
	if !sentOwn {
		t.fan.Broadcast(own, evt, "")
	}
}

// persistLastSeen hands the timestamp to the durable store without
// blocking the caller. Failures are logged and forgotten.
func (t *Tracker) persistLastSeen(userID string, at time.Time) {
	if t.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := t.store.SetLastSeen(ctx, userID, at); err != nil {
			t.log.Warn().Err(err).Str("user_id", userID).Msg("persist last-seen failed")
		}
	}()
}
