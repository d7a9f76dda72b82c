// Package delivery advances and broadcasts delivery/read status for chat
// messages. It owns only the status envelope, keyed by message id; the
// message body and its durable storage belong to the external message
// store. Status is monotonic per recipient and never rolls back.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/communicationx/realtime/internal/events"
	"github.com/communicationx/realtime/internal/metrics"
	"github.com/communicationx/realtime/internal/registry"
)

// Status is a message's delivery state.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders the happy-path statuses for monotonicity checks.
var rank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Kind distinguishes channel messages (fan-out read sets) from direct
// messages (scalar status).
type Kind string

const (
	KindChannel Kind = "channel"
	KindDirect  Kind = "dm"
)

var (
	// ErrMessageNotFound means the message id is not being tracked.
	ErrMessageNotFound = errors.New("message not tracked")

	// ErrInvalidTransition means the requested status change would regress
	// or follow a terminal failure.
	ErrInvalidTransition = errors.New("invalid delivery status transition")

	// ErrNotRecipient means the acting user is not the message's recipient.
	ErrNotRecipient = errors.New("user is not the message recipient")
)

// Fanout is the broadcast surface status events go out through.
type Fanout interface {
	SendToUser(userID string, v any) bool
	Broadcast(room string, v any, excludeConnID string)
}

// Archive persists read receipts across restarts. May be nil.
type Archive interface {
	SaveReceipt(ctx context.Context, messageID, readerID string, at time.Time) error
}

type record struct {
	kind        Kind
	senderID    string
	channelID   string // channel messages
	recipientID string // direct messages

	status      Status
	sentAt      time.Time
	deliveredAt time.Time
	readAt      time.Time
	failReason  string

	readers     map[string]time.Time
	readerOrder []string
}

// Tracker owns every live DeliveryRecord. Safe for concurrent use.
type Tracker struct {
	log     zerolog.Logger
	fan     Fanout
	archive Archive

	mu      sync.Mutex
	records map[string]*record
}

// NewTracker creates a tracker broadcasting through fan. archive may be nil.
func NewTracker(log zerolog.Logger, fan Fanout, archive Archive) *Tracker {
	return &Tracker{
		log:     log.With().Str("component", "delivery").Logger(),
		fan:     fan,
		archive: archive,
		records: make(map[string]*record),
	}
}

// TrackChannelMessage starts tracking a channel message in state
// "sending". Tracking an id twice is a no-op.
func (t *Tracker) TrackChannelMessage(messageID, channelID, senderID string) {
	t.track(messageID, &record{
		kind:      KindChannel,
		senderID:  senderID,
		channelID: channelID,
		status:    StatusSending,
		readers:   make(map[string]time.Time),
	})
}

// TrackDirectMessage starts tracking a direct message in state "sending".
func (t *Tracker) TrackDirectMessage(messageID, senderID, recipientID string) {
	t.track(messageID, &record{
		kind:        KindDirect,
		senderID:    senderID,
		recipientID: recipientID,
		status:      StatusSending,
		readers:     make(map[string]time.Time),
	})
}

func (t *Tracker) track(messageID string, r *record) {
	t.mu.Lock()
	if _, exists := t.records[messageID]; exists {
		t.mu.Unlock()
		return
	}
	t.records[messageID] = r
	t.mu.Unlock()
	metrics.MessagesTracked.WithLabelValues(string(r.kind)).Inc()
}

// MarkSent records durable acceptance by the message store and tells the
// sender's own devices. Calling it again once sent is a no-op.
func (t *Tracker) MarkSent(messageID string) error {
	now := time.Now()

	t.mu.Lock()
	r, ok := t.records[messageID]
	if !ok {
		t.mu.Unlock()
		return ErrMessageNotFound
	}
	if r.status == StatusFailed {
		t.mu.Unlock()
		return ErrInvalidTransition
	}
	if rank[r.status] >= rank[StatusSent] {
		t.mu.Unlock()
		return nil
	}
	r.status = StatusSent
	r.sentAt = now
	sender := r.senderID
	t.mu.Unlock()

	t.fan.Broadcast(registry.UserRoom(sender), statusEvent(messageID, StatusSent, now, nil), "")
	return nil
}

// MarkDelivered records transport-level delivery of a direct message.
// Channel messages have no delivered state; their fan-out is per-reader.
// No-op once the message is already delivered or read.
func (t *Tracker) MarkDelivered(messageID, recipientID string) error {
	now := time.Now()

	t.mu.Lock()
	r, ok := t.records[messageID]
	if !ok {
		t.mu.Unlock()
		return ErrMessageNotFound
	}
	if r.kind != KindDirect {
		t.mu.Unlock()
		return ErrInvalidTransition
	}
	if recipientID != r.recipientID {
		t.mu.Unlock()
		return ErrNotRecipient
	}
	if r.status == StatusFailed {
		t.mu.Unlock()
		return ErrInvalidTransition
	}
	if rank[r.status] >= rank[StatusDelivered] {
		t.mu.Unlock()
		return nil
	}
	r.status = StatusDelivered
	r.deliveredAt = now
	sender := r.senderID
	t.mu.Unlock()

	t.fan.Broadcast(registry.UserRoom(sender), statusEvent(messageID, StatusDelivered, now, nil), "")
	return nil
}

// MarkRead records that readerID observed the message. For a direct
// message this is the scalar read transition; for a channel message the
// reader joins the read set and only the first reader advances the
// aggregate status. Re-reading by the same reader is silently skipped.
func (t *Tracker) MarkRead(messageID, readerID string) error {
	now := time.Now()

	t.mu.Lock()
	r, ok := t.records[messageID]
	if !ok {
		t.mu.Unlock()
		return ErrMessageNotFound
	}
	if r.status == StatusFailed {
		t.mu.Unlock()
		return ErrInvalidTransition
	}

	switch r.kind {
	case KindDirect:
		if readerID != r.recipientID {
			t.mu.Unlock()
			return ErrNotRecipient
		}
		if r.status == StatusRead {
			t.mu.Unlock()
			return nil
		}
		r.status = StatusRead
		r.readAt = now
		r.readers[readerID] = now
		r.readerOrder = append(r.readerOrder, readerID)
		sender := r.senderID
		readBy := r.receiptsLocked()
		t.mu.Unlock()

		metrics.ReadReceipts.Inc()
		t.saveReceipt(messageID, readerID, now)
		t.fan.Broadcast(registry.UserRoom(sender), statusEvent(messageID, StatusRead, now, readBy), "")
		return nil

	default: // KindChannel
		if _, seen := r.readers[readerID]; seen {
			t.mu.Unlock()
			return nil
		}
		r.readers[readerID] = now
		r.readerOrder = append(r.readerOrder, readerID)
		if rank[r.status] < rank[StatusRead] {
			// First reader: a group message with any reader counts as read
			// even though individual attribution keeps accumulating.
			r.status = StatusRead
			r.readAt = now
		}
		channelID := r.channelID
		readBy := r.receiptsLocked()
		t.mu.Unlock()

		metrics.ReadReceipts.Inc()
		t.saveReceipt(messageID, readerID, now)
		t.fan.Broadcast(registry.ChannelRoom(channelID), statusEvent(messageID, StatusRead, now, readBy), "")
		return nil
	}
}

// MarkFailed records a terminal negative outcome. Nothing transitions out
// of failed, and a message already read cannot fail.
func (t *Tracker) MarkFailed(messageID, reason string) error {
	now := time.Now()

	t.mu.Lock()
	r, ok := t.records[messageID]
	if !ok {
		t.mu.Unlock()
		return ErrMessageNotFound
	}
	if r.status == StatusFailed {
		t.mu.Unlock()
		return nil
	}
	if r.status == StatusRead {
		t.mu.Unlock()
		return ErrInvalidTransition
	}
	r.status = StatusFailed
	r.failReason = reason
	sender := r.senderID
	t.mu.Unlock()

	t.log.Warn().Str("message_id", messageID).Str("reason", reason).Msg("message failed")
	t.fan.Broadcast(registry.UserRoom(sender), statusEvent(messageID, StatusFailed, now, nil), "")
	return nil
}

// Snapshot is a copy of one message's delivery envelope.
type Snapshot struct {
	MessageID string           `json:"message_id"`
	Kind      Kind             `json:"kind"`
	Status    Status           `json:"status"`
	SentAt    time.Time        `json:"sent_at,omitempty"`
	ReadAt    time.Time        `json:"read_at,omitempty"`
	ReadBy    []events.Receipt `json:"read_by,omitempty"`
}

// Status returns the delivery envelope for a tracked message.
func (t *Tracker) Status(messageID string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[messageID]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		MessageID: messageID,
		Kind:      r.kind,
		Status:    r.status,
		SentAt:    r.sentAt,
		ReadAt:    r.readAt,
		ReadBy:    r.receiptsLocked(),
	}, true
}

// Count returns how many messages are currently tracked.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// receiptsLocked renders the read set in arrival order. Caller holds t.mu.
func (r *record) receiptsLocked() []events.Receipt {
	if len(r.readerOrder) == 0 {
		return nil
	}
	out := make([]events.Receipt, 0, len(r.readerOrder))
	for _, id := range r.readerOrder {
		out = append(out, events.Receipt{
			UserID: id,
			ReadAt: r.readers[id].UTC().Format(time.RFC3339),
		})
	}
	return out
}

func statusEvent(messageID string, status Status, at time.Time, readBy []events.Receipt) events.MessageStatusUpdate {
	return events.MessageStatusUpdate{
		Type:      events.TypeMessageStatusUpdate,
		MessageID: messageID,
		Status:    string(status),
		Timestamp: at.UTC().Format(time.RFC3339),
		ReadBy:    readBy,
	}
}

// saveReceipt hands the receipt to the archive without blocking fan-out.
func (t *Tracker) saveReceipt(messageID, readerID string, at time.Time) {
	if t.archive == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := t.archive.SaveReceipt(ctx, messageID, readerID, at); err != nil {
			t.log.Warn().Err(err).Str("message_id", messageID).Msg("archive receipt failed")
		}
	}()
}
