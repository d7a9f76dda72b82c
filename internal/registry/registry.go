// Package registry tracks live transport connections and their room
// memberships. It is the addressing primitive every other realtime
// component uses to reach a user: a user may hold several connections at
// once (multi-device), and a room is a named broadcast group rebuilt from
// scratch whenever connections come and go.
package registry

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/communicationx/realtime/internal/metrics"
)

// Room name constructors. Rooms are purely in-memory routing keys.
func UserRoom(userID string) string       { return "user:" + userID }
func ChannelRoom(channelID string) string { return "channel:" + channelID }
func CallRoom(callID string) string       { return "call:" + callID }

// Sink is the write side of one transport connection. Send must not block:
// implementations queue the payload or fail fast so a slow consumer cannot
// stall fan-out to everyone else.
type Sink interface {
	Send(payload []byte) error
	Close()
}

type connection struct {
	id     string
	userID string
	sink   Sink
	rooms  map[string]bool
}

// Registry is safe for concurrent use. The single mutex is held only for
// map bookkeeping; actual writes go through non-blocking sinks.
type Registry struct {
	log zerolog.Logger

	mu     sync.RWMutex
	conns  map[string]*connection            // connection id -> connection
	byUser map[string]map[string]*connection // user id -> connection id -> connection
	rooms  map[string]map[string]*connection // room -> connection id -> connection
}

// New creates an empty registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		log:    log.With().Str("component", "registry").Logger(),
		conns:  make(map[string]*connection),
		byUser: make(map[string]map[string]*connection),
		rooms:  make(map[string]map[string]*connection),
	}
}

// Register creates a live connection for userID and returns its id. The
// connection belongs to no rooms until Join is called.
func (r *Registry) Register(userID string, sink Sink) string {
	c := &connection{
		id:     uuid.NewString(),
		userID: userID,
		sink:   sink,
		rooms:  make(map[string]bool),
	}

	r.mu.Lock()
	r.conns[c.id] = c
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*connection)
	}
	r.byUser[userID][c.id] = c
	r.mu.Unlock()

	metrics.ConnectionsOpen.Inc()
	r.log.Debug().Str("user_id", userID).Str("connection_id", c.id).Msg("connection registered")
	return c.id
}

// Unregister closes a connection and removes it from every room it joined.
// Idempotent. Returns the owning user, how many of that user's connections
// remain, and the rooms the connection was a member of (so callers can fan
// out a departure notice after the membership is already gone).
func (r *Registry) Unregister(connID string) (userID string, remaining int, rooms []string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return "", 0, nil
	}
	delete(r.conns, connID)

	rooms = make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
		if members, ok := r.rooms[room]; ok {
			delete(members, connID)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}

	userID = c.userID
	if owned, ok := r.byUser[userID]; ok {
		delete(owned, connID)
		remaining = len(owned)
		if remaining == 0 {
			delete(r.byUser, userID)
		}
	}
	r.mu.Unlock()

	c.sink.Close()
	metrics.ConnectionsOpen.Dec()
	r.log.Debug().Str("user_id", userID).Str("connection_id", connID).Msg("connection unregistered")
	return userID, remaining, rooms
}

// Join adds a connection to a room. Joining twice is a no-op; joining from
// a connection that no longer exists is ignored.
func (r *Registry) Join(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok || c.rooms[room] {
		return
	}
	c.rooms[room] = true
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]*connection)
	}
	r.rooms[room][connID] = c
}

// Leave removes a connection from a room. Leaving a room not joined is a
// no-op.
func (r *Registry) Leave(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok || !c.rooms[room] {
		return
	}
	delete(c.rooms, room)
	if members, ok := r.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
}

// SendToUser delivers v to every live connection owned by userID. It
// returns true if at least one connection took the payload; false means
// the user is unreachable right now, which the caller may treat as a soft
// signal rather than an error.
func (r *Registry) SendToUser(userID string, v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		r.log.Error().Err(err).Str("user_id", userID).Msg("marshal outbound event")
		return false
	}

	r.mu.RLock()
	targets := make([]*connection, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	return r.deliver(targets, payload, "") > 0
}

// Broadcast delivers v to every live connection in room, optionally
// skipping excludeConnID (used to avoid echoing a sender's own event back
// to itself).
func (r *Registry) Broadcast(room string, v any, excludeConnID string) {
	payload, err := json.Marshal(v)
	if err != nil {
		r.log.Error().Err(err).Str("room", room).Msg("marshal outbound event")
		return
	}

	r.mu.RLock()
	targets := make([]*connection, 0, len(r.rooms[room]))
	for _, c := range r.rooms[room] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	r.deliver(targets, payload, excludeConnID)
}

// deliver writes payload to each target, silently evicting connections
// whose sink refuses the write. Transport failure never raises to the
// caller: durable semantics belong to the external store.
func (r *Registry) deliver(targets []*connection, payload []byte, exclude string) int {
	delivered := 0
	for _, c := range targets {
		if c.id == exclude {
			continue
		}
		if err := c.sink.Send(payload); err != nil {
			metrics.EventsDropped.Inc()
			r.log.Warn().
				Err(err).
				Str("user_id", c.userID).
				Str("connection_id", c.id).
				Msg("send failed, evicting connection")
			r.Unregister(c.id)
			continue
		}
		metrics.EventsDelivered.Inc()
		delivered++
	}
	return delivered
}

// RoomsOf returns the union of rooms occupied by any of the user's
// connections.
func (r *Registry) RoomsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for _, c := range r.byUser[userID] {
		for room := range c.rooms {
			seen[room] = true
		}
	}
	rooms := make([]string, 0, len(seen))
	for room := range seen {
		rooms = append(rooms, room)
	}
	return rooms
}

// UserConnections returns how many live connections userID owns.
func (r *Registry) UserConnections(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserCount returns the number of distinct users with at least one live
// connection.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
