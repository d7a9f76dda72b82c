// Package store holds the external collaborators of the realtime core:
// the message store that durably accepts chat messages, the last-seen
// store, and the read-receipt archive. The core itself keeps no durable
// state and loses everything on restart.
package store

import (
	"context"
	"time"

	"github.com/communicationx/realtime/internal/models"
)

// MessageStore durably accepts messages and mints their ids. The realtime
// core treats the returned ids as opaque.
type MessageStore interface {
	PersistChannelMessage(ctx context.Context, channelID, senderID, body string) (*models.Message, error)
	PersistDirectMessage(ctx context.Context, senderID, recipientID, body string) (*models.DirectMessage, error)
}

// LastSeenStore keeps last-seen timestamps across restarts.
type LastSeenStore interface {
	SetLastSeen(ctx context.Context, userID string, at time.Time) error
	GetLastSeen(ctx context.Context, userID string) (time.Time, error)
}

// ReceiptArchive persists read receipts across restarts.
type ReceiptArchive interface {
	SaveReceipt(ctx context.Context, messageID, readerID string, at time.Time) error
}
