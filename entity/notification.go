package entity

import "time"

const NotificationNewMessage = "new_message"

// Notification lives only in agent connections; it is never persisted.
type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	Seen      bool      `json:"seen"`
}
