// Package signaling routes WebRTC negotiation payloads between call
// parties. The relay is stateless: it validates the call and the sender,
// records the artifact with the call coordinator, and forwards the payload
// as-is. It never buffers, replays, or reorders; ordering beyond the
// per-connection transport guarantee is the peers' problem.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/communicationx/realtime/internal/call"
	"github.com/communicationx/realtime/internal/events"
	"github.com/communicationx/realtime/internal/metrics"
)

// Calls is the slice of the call coordinator the relay needs.
type Calls interface {
	Snapshot(callID string) (call.Snapshot, error)
	SetOffer(callID, userID string, offer json.RawMessage) error
	SetAnswer(callID, userID string, answer json.RawMessage) error
	AddICECandidate(callID, userID string, candidate json.RawMessage) error
}

// Sender delivers a payload to all of a user's connections.
type Sender interface {
	SendToUser(userID string, v any) bool
}

// Relay forwards offer/answer/ICE payloads to call counterparts.
type Relay struct {
	log   zerolog.Logger
	calls Calls
	send  Sender
}

// NewRelay wires a relay to the coordinator and delivery surface.
func NewRelay(log zerolog.Logger, calls Calls, send Sender) *Relay {
	return &Relay{
		log:   log.With().Str("component", "signaling").Logger(),
		calls: calls,
		send:  send,
	}
}

// Relay validates and forwards one signaling payload from senderID. For a
// 1:1 call the counterpart is the other of caller/recipient; for a server
// call, every other participant.
func (r *Relay) Relay(callID, senderID, signalType string, data json.RawMessage) error {
	if !events.ValidSignalType(signalType) {
		return fmt.Errorf("%w: unknown signal type %q", call.ErrInvalidState, signalType)
	}

	snap, err := r.calls.Snapshot(callID)
	if err != nil {
		return err
	}

	var targets []string
	if snap.IsGroup() {
		if !snap.HasParticipant(senderID) {
			return call.ErrUnauthorized
		}
		for _, p := range snap.Participants {
			if p != senderID {
				targets = append(targets, p)
			}
		}
	} else {
		switch senderID {
		case snap.CallerID:
			targets = []string{snap.RecipientID}
		case snap.RecipientID:
			targets = []string{snap.CallerID}
		default:
			return call.ErrUnauthorized
		}
	}

	// Keep the negotiation artifact on the session so a party that joins
	// mid-handshake can be caught up by the application layer.
	switch signalType {
	case events.SignalOffer:
		err = r.calls.SetOffer(callID, senderID, data)
	case events.SignalAnswer:
		err = r.calls.SetAnswer(callID, senderID, data)
	case events.SignalICECandidate:
		err = r.calls.AddICECandidate(callID, senderID, data)
	}
	if err != nil {
		return err
	}

	fwd := events.ForwardedSignal{
		Type:       events.TypeWebRTCSignal,
		CallID:     callID,
		SignalType: signalType,
		Data:       data,
		SenderID:   senderID,
	}
	delivered := 0
	for _, target := range targets {
		if r.send.SendToUser(target, fwd) {
			delivered++
		}
	}
	metrics.SignalsRelayed.WithLabelValues(signalType).Inc()

	if delivered == 0 {
		// Not an error: the counterpart may be between connections.
		r.log.Warn().
			Str("call_id", callID).
			Str("sender_id", senderID).
			Str("signal_type", signalType).
			Msg("no counterpart reachable for signal")
	}
	return nil
}
