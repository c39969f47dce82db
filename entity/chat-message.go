package entity

import (
	"time"

	"github.com/google/uuid"
)

type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
)

func (k MessageKind) Valid() bool {
	return k == KindText || k == KindImage || k == KindFile
}

// ChatMessage is immutable once stored, except SeenByAgent.
// Order within a session is (CreatedAt, Seq).
type ChatMessage struct {
	ID          string      `json:"id" bson:"_id"`
	SessionID   string      `json:"session_id" bson:"session_id"`
	Seq         int64       `json:"seq" bson:"seq"`
	SenderID    string      `json:"sender_id" bson:"sender_id"`
	SenderName  string      `json:"sender_name" bson:"sender_name"`
	SenderRole  Role        `json:"sender_role" bson:"sender_role"`
	Body        string      `json:"body" bson:"body"`
	Kind        MessageKind `json:"kind" bson:"kind"`
	SeenByAgent bool        `json:"seen_by_agent" bson:"seen_by_agent"`
	CreatedAt   time.Time   `json:"created_at" bson:"created_at"`
}

func NewChatMessage(sessionID string, sender *Identity, body string, kind MessageKind) *ChatMessage {
	return &ChatMessage{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		SenderID:    sender.UserID,
		SenderName:  sender.DisplayName,
		SenderRole:  sender.Role,
		Body:        body,
		Kind:        kind,
		SeenByAgent: sender.Role == RoleAgent,
		CreatedAt:   time.Now().UTC(),
	}
}

// Before reports whether m sorts ahead of o in a session transcript.
func (m *ChatMessage) Before(o *ChatMessage) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.Seq < o.Seq
}
