package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SupportChat/entity"
	"SupportChat/internal/lib/chaterr"
	"SupportChat/internal/lib/logger"
)

var (
	carol = &entity.Identity{UserID: "c-1", DisplayName: "Carol", Role: entity.RoleCustomer}
	dave  = &entity.Identity{UserID: "c-2", DisplayName: "Dave", Role: entity.RoleCustomer}
	alice = &entity.Identity{UserID: "a-1", DisplayName: "Alice", Role: entity.RoleAgent}
	bob   = &entity.Identity{UserID: "a-2", DisplayName: "Bob", Role: entity.RoleAgent}
)

func newClient(id *entity.Identity, buffer int) *Client {
	return NewClient(id, nil, buffer, logger.Discard())
}

func openSession(owner *entity.Identity) *entity.ChatSession {
	return entity.NewChatSession(owner)
}

func drain(c *Client) []Event {
	var out []Event
	for {
		select {
		case data, ok := <-c.Outbox():
			if !ok {
				return out
			}
			var ev Event
			if err := json.Unmarshal(data, &ev); err == nil {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func TestJoinAuthorization(t *testing.T) {
	hub := NewHub(logger.Discard())
	sess := openSession(carol)

	owner := newClient(carol, 8)
	stranger := newClient(dave, 8)
	agent := newClient(alice, 8)
	for _, c := range []*Client{owner, stranger, agent} {
		hub.Register(c)
	}

	require.NoError(t, hub.Join(owner, sess))
	require.NoError(t, hub.Join(agent, sess))

	err := hub.Join(stranger, sess)
	assert.ErrorIs(t, err, chaterr.ErrForbidden)
	assert.False(t, hub.IsMember(stranger, sess.ID))
	assert.Equal(t, 2, hub.Members(sess.ID))
}

func TestJoinClosedSessionIsUnavailable(t *testing.T) {
	hub := NewHub(logger.Discard())
	sess := openSession(carol)
	sess.Status = entity.StatusClosed

	agent := newClient(alice, 8)
	hub.Register(agent)

	assert.ErrorIs(t, hub.Join(agent, sess), chaterr.ErrSessionUnavailable)
}

func TestJoinRequiresRegistration(t *testing.T) {
	hub := NewHub(logger.Discard())
	c := newClient(carol, 8)
	assert.ErrorIs(t, hub.Join(c, openSession(carol)), chaterr.ErrForbidden)
}

func TestCustomerHoldsOneSessionChannel(t *testing.T) {
	hub := NewHub(logger.Discard())
	first := openSession(carol)
	second := openSession(carol)

	c := newClient(carol, 8)
	hub.Register(c)
	require.NoError(t, hub.Join(c, first))
	require.NoError(t, hub.Join(c, second))

	assert.False(t, hub.IsMember(c, first.ID))
	assert.True(t, hub.IsMember(c, second.ID))
}

func TestAgentHoldsManySessionChannels(t *testing.T) {
	hub := NewHub(logger.Discard())
	a := newClient(alice, 8)
	hub.Register(a)

	one := openSession(carol)
	two := openSession(dave)
	require.NoError(t, hub.Join(a, one))
	require.NoError(t, hub.Join(a, two))

	assert.True(t, hub.IsMember(a, one.ID))
	assert.True(t, hub.IsMember(a, two.ID))
}

func TestBroadcastToSessionReachesMembersOnly(t *testing.T) {
	hub := NewHub(logger.Discard())
	sess := openSession(carol)

	owner := newClient(carol, 8)
	agent := newClient(alice, 8)
	idleAgent := newClient(bob, 8)
	other := newClient(dave, 8)
	for _, c := range []*Client{owner, agent, idleAgent, other} {
		hub.Register(c)
	}
	require.NoError(t, hub.Join(owner, sess))
	require.NoError(t, hub.Join(agent, sess))

	n := hub.BroadcastToSession(sess.ID, &Event{Type: EventNewMessage, Data: "hello"})
	assert.Equal(t, 2, n)

	assert.Len(t, drain(owner), 1)
	assert.Len(t, drain(agent), 1)
	assert.Empty(t, drain(idleAgent))
	assert.Empty(t, drain(other))
}

func TestBroadcastToSessionExcept(t *testing.T) {
	hub := NewHub(logger.Discard())
	sess := openSession(carol)
	owner := newClient(carol, 8)
	agent := newClient(alice, 8)
	hub.Register(owner)
	hub.Register(agent)
	require.NoError(t, hub.Join(owner, sess))
	require.NoError(t, hub.Join(agent, sess))

	hub.BroadcastToSessionExcept(sess.ID, &Event{Type: EventTyping}, owner)

	assert.Empty(t, drain(owner))
	assert.Len(t, drain(agent), 1)
}

func TestBroadcastToAgentsIgnoresMembership(t *testing.T) {
	hub := NewHub(logger.Discard())
	a1 := newClient(alice, 8)
	a2 := newClient(bob, 8)
	cust := newClient(carol, 8)
	hub.Register(a1)
	hub.Register(a2)
	hub.Register(cust)

	n := hub.BroadcastToAgents(&Event{Type: EventAgentNotification})
	assert.Equal(t, 2, n)
	assert.Len(t, drain(a1), 1)
	assert.Len(t, drain(a2), 1)
	assert.Empty(t, drain(cust))
}

func TestSlowClientIsDroppedWithoutBlocking(t *testing.T) {
	hub := NewHub(logger.Discard())
	sess := openSession(carol)
	slow := newClient(carol, 1)
	fast := newClient(alice, 16)
	hub.Register(slow)
	hub.Register(fast)
	require.NoError(t, hub.Join(slow, sess))
	require.NoError(t, hub.Join(fast, sess))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			hub.BroadcastToSession(sess.ID, &Event{Type: EventNewMessage, Data: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}

	assert.False(t, hub.Registered(slow))
	assert.True(t, hub.Registered(fast))
	assert.Len(t, drain(fast), 5)
}

func TestLeaveIsIdempotent(t *testing.T) {
	hub := NewHub(logger.Discard())
	sess := openSession(carol)
	c := newClient(carol, 8)
	hub.Register(c)
	require.NoError(t, hub.Join(c, sess))

	hub.Leave(c)
	hub.Leave(c)

	assert.False(t, hub.Registered(c))
	assert.Zero(t, hub.Members(sess.ID))
	_, ok := <-c.Outbox()
	assert.False(t, ok, "outbox should be closed")
	assert.False(t, hub.Send(c, &Event{Type: EventTyping}))
}

func TestSweepRemovesIdleClients(t *testing.T) {
	hub := NewHub(logger.Discard())
	sess := openSession(carol)
	stale := newClient(carol, 8)
	fresh := newClient(alice, 8)
	hub.Register(stale)
	hub.Register(fresh)
	require.NoError(t, hub.Join(stale, sess))
	require.NoError(t, hub.Join(fresh, sess))

	stale.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())

	assert.Equal(t, 1, hub.Sweep(time.Minute))
	assert.False(t, hub.Registered(stale))
	assert.True(t, hub.IsMember(fresh, sess.ID))

	clients, agents, sessions := hub.Stats()
	assert.Equal(t, 1, clients)
	assert.Equal(t, 1, agents)
	assert.Equal(t, 1, sessions)
}

func TestConcurrentBroadcastsKeepOneOrderForAllMembers(t *testing.T) {
	hub := NewHub(logger.Discard())
	sess := openSession(carol)
	members := []*Client{newClient(carol, 1024), newClient(alice, 1024), newClient(bob, 1024)}
	for _, c := range members {
		hub.Register(c)
		require.NoError(t, hub.Join(c, sess))
	}

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				hub.BroadcastToSession(sess.ID, &Event{Type: EventNewMessage, Data: fmt.Sprintf("%d-%d", p, i)})
			}
		}(p)
	}
	wg.Wait()

	reference := drain(members[0])
	require.Len(t, reference, 200)
	for _, c := range members[1:] {
		assert.Equal(t, reference, drain(c))
	}
}
