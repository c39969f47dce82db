package ws

import (
	"encoding/json"

	"SupportChat/entity"
	"SupportChat/internal/lib/chaterr"
)

// Outbound event types.
const (
	EventSessionJoined        = "session_joined"
	EventNewMessage           = "new_message"
	EventSessionStatusUpdated = "session_status_updated"
	EventUnreadCleared        = "unread_cleared"
	EventAgentNotification    = "agent_notification"
	EventTyping               = "typing"
	EventError                = "error"
)

// Inbound command types.
const (
	CommandJoin      = "join"
	CommandSend      = "send"
	CommandSetStatus = "set_status"
	CommandTyping    = "typing"
)

// Event is the envelope of everything the server pushes to a connection.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Command is the envelope of everything a connection sends to the server.
type Command struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type JoinCommand struct {
	SessionID string `json:"session_id" validate:"required"`
}

type SendCommand struct {
	SessionID string             `json:"session_id,omitempty"`
	Body      string             `json:"body" validate:"required"`
	Kind      entity.MessageKind `json:"kind,omitempty" validate:"omitempty,oneof=text image file"`
}

type SetStatusCommand struct {
	SessionID string               `json:"session_id" validate:"required"`
	Status    entity.SessionStatus `json:"status" validate:"required"`
}

type TypingCommand struct {
	SessionID string `json:"session_id" validate:"required"`
	IsTyping  bool   `json:"is_typing"`
}

type SessionJoined struct {
	SessionID string              `json:"session_id"`
	Session   *entity.ChatSession `json:"session,omitempty"`
}

type StatusUpdated struct {
	SessionID string               `json:"session_id"`
	Status    entity.SessionStatus `json:"status"`
}

type UnreadCleared struct {
	SessionID string `json:"session_id"`
}

type Typing struct {
	SessionID string      `json:"session_id"`
	UserID    string      `json:"user_id"`
	Role      entity.Role `json:"role"`
	IsTyping  bool        `json:"is_typing"`
}

type ErrorPayload struct {
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
	Retryable bool   `json:"retryable"`
	Command   string `json:"command,omitempty"`
}

func ErrorEvent(command string, err error) *Event {
	return &Event{
		Type: EventError,
		Data: ErrorPayload{
			Kind:      chaterr.Kind(err),
			Detail:    err.Error(),
			Retryable: chaterr.Retryable(err),
			Command:   command,
		},
	}
}
