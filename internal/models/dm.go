package models

// DirectMessage represents a direct message between two users.
type DirectMessage struct {
	ID          string `json:"id"`
	SenderID    string `json:"from"`
	RecipientID string `json:"to"`
	Body        string `json:"body"`
	Timestamp   int64  `json:"ts"`
}
