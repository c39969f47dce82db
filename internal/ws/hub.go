package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"SupportChat/entity"
	"SupportChat/internal/lib/chaterr"
	"SupportChat/internal/lib/sl"
	"SupportChat/internal/service/session"
)

// Hub is the room router: it maps live clients to the session channels they
// may receive, plus the agents channel. It holds no durable state.
//
// Every enqueue happens under mu, so for one session all members receive
// events in the order the hub was asked to deliver them.
type Hub struct {
	mu       sync.Mutex
	clients  map[*Client]map[string]struct{} // client -> joined session ids
	sessions map[string]map[*Client]struct{} // session id -> members
	agents   map[*Client]struct{}
	log      *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients:  make(map[*Client]map[string]struct{}),
		sessions: make(map[string]map[*Client]struct{}),
		agents:   make(map[*Client]struct{}),
		log:      log.With(sl.Module("ws-hub")),
	}
}

// Register admits an authenticated client. Agents join the agents channel.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		return
	}
	h.clients[c] = make(map[string]struct{})
	if c.identity.IsAgent() {
		h.agents[c] = struct{}{}
	}
}

// Join adds c to the session channel. A customer connection holds exactly one
// session channel, so joining moves it off any previous one.
func (h *Hub) Join(c *Client, sess *entity.ChatSession) error {
	if err := session.Authorize(c.identity, sess); err != nil {
		return err
	}
	if !sess.Status.IsOpen() {
		return chaterr.SessionUnavailable("session %s is closed", sess.ID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	joined, ok := h.clients[c]
	if !ok {
		return chaterr.Forbidden("connection is not registered")
	}
	if c.identity.IsCustomer() {
		for id := range joined {
			if id != sess.ID {
				h.removeMemberLocked(c, id)
			}
		}
	}

	members, ok := h.sessions[sess.ID]
	if !ok {
		members = make(map[*Client]struct{})
		h.sessions[sess.ID] = members
	}
	members[c] = struct{}{}
	joined[sess.ID] = struct{}{}
	return nil
}

// Leave drops every membership of c and closes its outbound queue. Safe to
// call more than once.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) bool {
	joined, ok := h.clients[c]
	if !ok {
		return false
	}
	for id := range joined {
		h.removeMemberLocked(c, id)
	}
	delete(h.clients, c)
	delete(h.agents, c)
	c.closeSend()
	return true
}

func (h *Hub) removeMemberLocked(c *Client, sessionID string) {
	if members, ok := h.sessions[sessionID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	if joined, ok := h.clients[c]; ok {
		delete(joined, sessionID)
	}
}

// BroadcastToSession delivers ev to every member of the session channel.
func (h *Hub) BroadcastToSession(sessionID string, ev *Event) int {
	return h.broadcastToSession(sessionID, ev, nil)
}

// BroadcastToSessionExcept skips one client, used for presence signals.
func (h *Hub) BroadcastToSessionExcept(sessionID string, ev *Event, except *Client) int {
	return h.broadcastToSession(sessionID, ev, except)
}

func (h *Hub) broadcastToSession(sessionID string, ev *Event, except *Client) int {
	data, ok := h.marshal(ev)
	if !ok {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for c := range h.sessions[sessionID] {
		if c == except {
			continue
		}
		if h.deliverLocked(c, data) {
			delivered++
		}
	}
	return delivered
}

// BroadcastToAgents delivers ev to every agent regardless of session membership.
func (h *Hub) BroadcastToAgents(ev *Event) int {
	data, ok := h.marshal(ev)
	if !ok {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for c := range h.agents {
		if h.deliverLocked(c, data) {
			delivered++
		}
	}
	return delivered
}

// Send delivers ev to a single registered client.
func (h *Hub) Send(c *Client, ev *Event) bool {
	data, ok := h.marshal(ev)
	if !ok {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, registered := h.clients[c]; !registered {
		return false
	}
	return h.deliverLocked(c, data)
}

// deliverLocked never blocks: a client whose queue is full is dropped.
func (h *Hub) deliverLocked(c *Client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		h.log.With(
			slog.String("client", c.id),
			slog.String("user_id", c.identity.UserID),
		).Warn("client queue full, dropping connection", sl.Err(chaterr.ErrDelivery))
		h.removeLocked(c)
		c.closeConn()
		return false
	}
}

func (h *Hub) marshal(ev *Event) ([]byte, bool) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.With(slog.String("event", ev.Type)).Error("marshal event", sl.Err(err))
		return nil, false
	}
	return data, true
}

// Sweep drops clients with no inbound traffic for longer than idle and
// returns how many were removed.
func (h *Hub) Sweep(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	h.mu.Lock()
	var stale []*Client
	for c := range h.clients {
		if c.LastSeen().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		h.removeLocked(c)
	}
	h.mu.Unlock()

	for _, c := range stale {
		c.closeConn()
	}
	if len(stale) > 0 {
		h.log.With(slog.Int("count", len(stale))).Info("idle connections removed")
	}
	return len(stale)
}

func (h *Hub) IsMember(c *Client, sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[sessionID][c]
	return ok
}

func (h *Hub) Members(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}

func (h *Hub) Registered(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.clients[c]
	return ok
}

// Stats reports connection counts for the health endpoint.
func (h *Hub) Stats() (clients, agents, sessions int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients), len(h.agents), len(h.sessions)
}
