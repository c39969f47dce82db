// Package memory is an in-process implementation of the session store. It
// backs tests and local runs with mongo disabled; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"SupportChat/entity"
	"SupportChat/internal/lib/chaterr"
)

type Store struct {
	mu       sync.Mutex
	sessions map[string]*entity.ChatSession
	messages map[string][]*entity.ChatMessage
	now      func() time.Time
}

func New() *Store {
	return &Store{
		sessions: make(map[string]*entity.ChatSession),
		messages: make(map[string][]*entity.ChatMessage),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func copySession(s *entity.ChatSession) *entity.ChatSession {
	c := *s
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

func (s *Store) CreateSession(_ context.Context, sess *entity.ChatSession) (*entity.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return nil, chaterr.Validation("session %s already exists", sess.ID)
	}
	for _, existing := range s.sessions {
		if existing.CustomerID == sess.CustomerID && existing.Status.IsOpen() {
			return copySession(existing), nil
		}
	}
	stored := copySession(sess)
	stored.Open = stored.Status.IsOpen()
	s.sessions[stored.ID] = stored
	return copySession(stored), nil
}

func (s *Store) FindOpenSessionForCustomer(_ context.Context, customerID string) (*entity.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		if sess.CustomerID == customerID && sess.Status.IsOpen() {
			return copySession(sess), nil
		}
	}
	return nil, nil
}

func (s *Store) GetSession(_ context.Context, id string) (*entity.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, chaterr.SessionUnavailable("session %s not found", id)
	}
	return copySession(sess), nil
}

func (s *Store) SetStatus(_ context.Context, id string, status entity.SessionStatus, by string) (*entity.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, chaterr.SessionUnavailable("session %s not found", id)
	}
	if sess.Status == status {
		return copySession(sess), nil
	}
	if !sess.Status.CanTransitionTo(status) {
		return nil, chaterr.SessionUnavailable("session %s cannot move from %s to %s", id, sess.Status, status)
	}

	now := s.now()
	sess.Status = status
	sess.Open = status.IsOpen()
	sess.UpdatedAt = now
	if status == entity.StatusClosed {
		sess.ClosedBy = by
		sess.ClosedAt = &now
	}
	return copySession(sess), nil
}

func (s *Store) AppendMessage(_ context.Context, msg *entity.ChatMessage) (*entity.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[msg.SessionID]
	if !ok {
		return nil, chaterr.SessionUnavailable("session %s not found", msg.SessionID)
	}
	if !sess.Status.IsOpen() {
		return nil, chaterr.SessionUnavailable("session %s is closed", msg.SessionID)
	}

	// Server-side timestamp under the lock keeps (CreatedAt, Seq) in
	// acceptance order.
	now := s.now()
	if now.Before(sess.LastActivityAt) {
		now = sess.LastActivityAt
	}
	msg.CreatedAt = now

	sess.LastSeq++
	msg.Seq = sess.LastSeq
	if msg.SenderRole == entity.RoleCustomer {
		sess.UnreadForAgent++
	}
	sess.LastActivityAt = now
	sess.UpdatedAt = now

	stored := *msg
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], &stored)
	return copySession(sess), nil
}

func (s *Store) ListMessages(_ context.Context, sessionID string, limit, offset int) ([]entity.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, chaterr.SessionUnavailable("session %s not found", sessionID)
	}

	all := s.messages[sessionID]
	out := make([]entity.ChatMessage, 0, len(all))
	for _, m := range all {
		out = append(out, *m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(&out[j]) })

	if offset >= len(out) {
		return []entity.ChatMessage{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkAgentSeen(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return chaterr.SessionUnavailable("session %s not found", sessionID)
	}
	for _, m := range s.messages[sessionID] {
		m.SeenByAgent = true
	}
	sess.UnreadForAgent = 0
	sess.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListSessions(_ context.Context, filter entity.SessionFilter) ([]entity.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]entity.SessionSummary, 0)
	for _, sess := range s.sessions {
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		if filter.CustomerID != "" && sess.CustomerID != filter.CustomerID {
			continue
		}
		summary := entity.SessionSummary{ChatSession: *copySession(sess)}
		if msgs := s.messages[sess.ID]; len(msgs) > 0 {
			last := *msgs[len(msgs)-1]
			summary.LastMessage = &last
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})

	if filter.Offset >= len(out) {
		return []entity.SessionSummary{}, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountMessages is a test helper.
func (s *Store) CountMessages(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[sessionID])
}

// OpenSessionsFor is a test helper.
func (s *Store) OpenSessionsFor(customerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.CustomerID == customerID && sess.Status.IsOpen() {
			n++
		}
	}
	return n
}
