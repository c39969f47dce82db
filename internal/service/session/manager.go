package session

import (
	"context"
	"log/slog"

	"SupportChat/entity"
	"SupportChat/internal/lib/chaterr"
	"SupportChat/internal/lib/keylock"
	"SupportChat/internal/lib/sl"
)

// Store is the durable collaborator. Implementations must make every call
// atomic per session id and report a missing session as
// chaterr.ErrSessionUnavailable and driver failures as chaterr.ErrStoreUnavailable.
type Store interface {
	CreateSession(ctx context.Context, sess *entity.ChatSession) (*entity.ChatSession, error)
	FindOpenSessionForCustomer(ctx context.Context, customerID string) (*entity.ChatSession, error)
	GetSession(ctx context.Context, id string) (*entity.ChatSession, error)
	SetStatus(ctx context.Context, id string, status entity.SessionStatus, by string) (*entity.ChatSession, error)
	// AppendMessage assigns msg.Seq, bumps last activity and, for customer
	// senders, the unread counter. Closed sessions are refused.
	AppendMessage(ctx context.Context, msg *entity.ChatMessage) (*entity.ChatSession, error)
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]entity.ChatMessage, error)
	MarkAgentSeen(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context, filter entity.SessionFilter) ([]entity.SessionSummary, error)
}

// Manager owns the session lifecycle.
type Manager struct {
	store        Store
	customers    *keylock.KeyLock
	historyLimit int
	log          *slog.Logger
}

func NewManager(store Store, historyLimit int, log *slog.Logger) *Manager {
	if historyLimit <= 0 {
		historyLimit = 200
	}
	return &Manager{
		store:        store,
		customers:    keylock.New(),
		historyLimit: historyLimit,
		log:          log.With(sl.Module("session-manager")),
	}
}

// Open returns the customer's open session, creating one if none exists.
// Calls for the same customer are serialised so at most one is created.
func (m *Manager) Open(ctx context.Context, customer *entity.Identity) (*entity.ChatSession, bool, error) {
	if !customer.IsCustomer() {
		return nil, false, chaterr.Forbidden("only customers own sessions")
	}

	unlock := m.customers.Lock(customer.UserID)
	defer unlock()

	sess, err := m.store.FindOpenSessionForCustomer(ctx, customer.UserID)
	if err != nil {
		return nil, false, err
	}
	if sess != nil {
		return sess, false, nil
	}

	sess, err = m.store.CreateSession(ctx, entity.NewChatSession(customer))
	if err != nil {
		return nil, false, err
	}
	m.log.With(
		sl.Session(sess.ID),
		slog.String("customer_id", customer.UserID),
	).Info("session created")
	return sess, true, nil
}

// ResolveForSend picks the target session of a send. An empty sessionID is
// the only path that may create a session, and only for customers.
func (m *Manager) ResolveForSend(ctx context.Context, sender *entity.Identity, sessionID string) (*entity.ChatSession, bool, error) {
	if sessionID == "" {
		if sender.IsAgent() {
			return nil, false, chaterr.Validation("session_id is required for agents")
		}
		return m.Open(ctx, sender)
	}

	sess, err := m.Get(ctx, sender, sessionID)
	if err != nil {
		return nil, false, err
	}
	if !sess.Status.IsOpen() {
		return nil, false, chaterr.SessionUnavailable("session %s is closed", sessionID)
	}
	return sess, false, nil
}

// Get loads a session the caller is allowed to see.
func (m *Manager) Get(ctx context.Context, caller *entity.Identity, sessionID string) (*entity.ChatSession, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err = Authorize(caller, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Authorize allows the owning customer and any agent.
func Authorize(caller *entity.Identity, sess *entity.ChatSession) error {
	if caller.IsAgent() || sess.IsOwnedBy(caller) {
		return nil
	}
	return chaterr.Forbidden("no access to session %s", sess.ID)
}

// Append persists msg; the store assigns its sequence number and updates
// the session aggregates in the same atomic step.
func (m *Manager) Append(ctx context.Context, msg *entity.ChatMessage) (*entity.ChatSession, error) {
	return m.store.AppendMessage(ctx, msg)
}

// Activate moves a waiting session to active. It is a no-op otherwise.
func (m *Manager) Activate(ctx context.Context, sess *entity.ChatSession) (*entity.ChatSession, bool, error) {
	if sess.Status != entity.StatusWaiting {
		return sess, false, nil
	}
	updated, err := m.store.SetStatus(ctx, sess.ID, entity.StatusActive, "")
	if err != nil {
		return nil, false, err
	}
	return updated, updated.Status == entity.StatusActive, nil
}

// SetStatus applies an agent-requested transition. Only closing is accepted
// from outside; activation happens through message flow.
func (m *Manager) SetStatus(ctx context.Context, agent *entity.Identity, sessionID string, status entity.SessionStatus) (*entity.ChatSession, error) {
	if !agent.IsAgent() {
		return nil, chaterr.Forbidden("only agents may change session status")
	}
	if status != entity.StatusClosed {
		return nil, chaterr.Validation("unsupported status %q", status)
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Status.CanTransitionTo(status) {
		return nil, chaterr.SessionUnavailable("session %s is already %s", sessionID, sess.Status)
	}

	sess, err = m.store.SetStatus(ctx, sessionID, status, agent.UserID)
	if err != nil {
		return nil, err
	}
	m.log.With(
		sl.Session(sessionID),
		slog.String("agent_id", agent.UserID),
		slog.String("status", string(status)),
	).Info("session status updated")
	return sess, nil
}

func (m *Manager) Close(ctx context.Context, agent *entity.Identity, sessionID string) (*entity.ChatSession, error) {
	return m.SetStatus(ctx, agent, sessionID, entity.StatusClosed)
}

func (m *Manager) MarkSeen(ctx context.Context, sessionID string) error {
	return m.store.MarkAgentSeen(ctx, sessionID)
}

// History returns the ordered transcript for the owner or an agent.
func (m *Manager) History(ctx context.Context, caller *entity.Identity, sessionID string, limit, offset int) ([]entity.ChatMessage, error) {
	if _, err := m.Get(ctx, caller, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > m.historyLimit {
		limit = m.historyLimit
	}
	if offset < 0 {
		offset = 0
	}
	messages, err := m.store.ListMessages(ctx, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []entity.ChatMessage{}
	}
	return messages, nil
}

// List is the agent view over all sessions.
func (m *Manager) List(ctx context.Context, agent *entity.Identity, filter entity.SessionFilter) ([]entity.SessionSummary, error) {
	if !agent.IsAgent() {
		return nil, chaterr.Forbidden("only agents may list sessions")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, chaterr.Validation("unknown status %q", filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > m.historyLimit {
		filter.Limit = m.historyLimit
	}
	sessions, err := m.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []entity.SessionSummary{}
	}
	return sessions, nil
}
