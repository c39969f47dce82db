package entity

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the one definition of the session state machine; every
// layer imports it from here.
type SessionStatus string

const (
	StatusWaiting SessionStatus = "waiting"
	StatusActive  SessionStatus = "active"
	StatusClosed  SessionStatus = "closed"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusClosed:
		return true
	}
	return false
}

// IsOpen is true for states that count against the one-open-session rule.
func (s SessionStatus) IsOpen() bool {
	return s == StatusWaiting || s == StatusActive
}

// CanTransitionTo encodes waiting -> active -> closed, with closed also
// reachable from waiting. Closed is terminal.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case StatusWaiting:
		return next == StatusActive || next == StatusClosed
	case StatusActive:
		return next == StatusClosed
	default:
		return false
	}
}

// ChatSession is one customer's support conversation.
type ChatSession struct {
	ID              string        `json:"id" bson:"_id"`
	CustomerID      string        `json:"customer_id" bson:"customer_id"`
	CustomerName    string        `json:"customer_name" bson:"customer_name"`
	CustomerContact string        `json:"customer_contact,omitempty" bson:"customer_contact,omitempty"`
	Status          SessionStatus `json:"status" bson:"status"`
	Open            bool          `json:"-" bson:"open"`
	UnreadForAgent  int           `json:"unread_for_agent" bson:"unread_for_agent"`
	LastSeq         int64         `json:"last_seq" bson:"last_seq"`
	LastActivityAt  time.Time     `json:"last_activity_at" bson:"last_activity_at"`
	CreatedAt       time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" bson:"updated_at"`
	ClosedBy        string        `json:"closed_by,omitempty" bson:"closed_by,omitempty"`
	ClosedAt        *time.Time    `json:"closed_at,omitempty" bson:"closed_at,omitempty"`
}

// NewChatSession snapshots the customer's display data at creation time.
func NewChatSession(customer *Identity) *ChatSession {
	now := time.Now().UTC()
	return &ChatSession{
		ID:              uuid.NewString(),
		CustomerID:      customer.UserID,
		CustomerName:    customer.DisplayName,
		CustomerContact: customer.Contact,
		Status:          StatusWaiting,
		Open:            true,
		LastActivityAt:  now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (s *ChatSession) IsOwnedBy(id *Identity) bool {
	return id != nil && id.Role == RoleCustomer && s.CustomerID == id.UserID
}

// SessionFilter narrows the agent session list.
type SessionFilter struct {
	Status     SessionStatus
	CustomerID string
	Limit      int
	Offset     int
}

// SessionSummary is a row of the agent session list.
type SessionSummary struct {
	ChatSession `bson:",inline"`
	LastMessage *ChatMessage `json:"last_message,omitempty" bson:"last_message,omitempty"`
}
