package models

// Message represents a channel message held by the external message store.
type Message struct {
	ID        string `json:"id"` // ULID
	ChannelID string `json:"channel_id"`
	SenderID  string `json:"from"`
	Body      string `json:"body"`
	Timestamp int64  `json:"ts"` // Unix ms
}
