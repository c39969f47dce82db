package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SupportChat/entity"
	"SupportChat/internal/database/memory"
	"SupportChat/internal/lib/chaterr"
	"SupportChat/internal/lib/logger"
	"SupportChat/internal/service/notify"
	"SupportChat/internal/service/session"
	"SupportChat/internal/ws"
)

var (
	carol = &entity.Identity{UserID: "c-1", DisplayName: "Carol", Role: entity.RoleCustomer}
	dave  = &entity.Identity{UserID: "c-2", DisplayName: "Dave", Role: entity.RoleCustomer}
	alice = &entity.Identity{UserID: "a-1", DisplayName: "Alice", Role: entity.RoleAgent}
)

type rawEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// failingStore refuses every append, standing in for a store outage.
type failingStore struct {
	*memory.Store
}

func (f failingStore) AppendMessage(context.Context, *entity.ChatMessage) (*entity.ChatSession, error) {
	return nil, chaterr.Store("append message", errors.New("connection refused"))
}

// cancelAwareStore fails appends on a cancelled context like a real driver.
type cancelAwareStore struct {
	*memory.Store
}

func (s cancelAwareStore) AppendMessage(ctx context.Context, msg *entity.ChatMessage) (*entity.ChatSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, chaterr.Store("append message", err)
	}
	return s.Store.AppendMessage(ctx, msg)
}

// closingStore closes the session right after the next GetSession read,
// as an agent's close landing between a load and the session lock would.
type closingStore struct {
	*memory.Store
	armed *atomic.Bool
}

func (s closingStore) GetSession(ctx context.Context, id string) (*entity.ChatSession, error) {
	sess, err := s.Store.GetSession(ctx, id)
	if err == nil && s.armed.CompareAndSwap(true, false) {
		_, err = s.Store.SetStatus(ctx, id, entity.StatusClosed, "a-2")
	}
	return sess, err
}

type blockingSink struct {
	release chan struct{}
	called  chan struct{}
}

func (b blockingSink) SendNotification(entity.Notification) error {
	close(b.called)
	<-b.release
	return nil
}

type fixture struct {
	core   *Core
	hub    *ws.Hub
	store  *memory.Store
	fanout *notify.Fanout
}

func newFixture(t *testing.T, store session.Store) *fixture {
	t.Helper()
	log := logger.Discard()
	hub := ws.NewHub(log)
	c := New(session.NewManager(store, 100, log), hub, Options{MaxBodyLength: 50}, log)
	fanout := notify.NewFanout(hub, 20, log)
	c.SetNotifier(fanout)

	f := &fixture{core: c, hub: hub, fanout: fanout}
	switch s := store.(type) {
	case *memory.Store:
		f.store = s
	case failingStore:
		f.store = s.Store
	case cancelAwareStore:
		f.store = s.Store
	case closingStore:
		f.store = s.Store
	}
	return f
}

func (f *fixture) connect(t *testing.T, id *entity.Identity) *ws.Client {
	t.Helper()
	c := ws.NewClient(id, nil, 1024, logger.Discard())
	require.NoError(t, f.core.Connect(context.Background(), c))
	return c
}

// register admits a connection without the customer handshake.
func (f *fixture) register(id *entity.Identity) *ws.Client {
	c := ws.NewClient(id, nil, 1024, logger.Discard())
	f.hub.Register(c)
	return c
}

func drain(c *ws.Client) []rawEvent {
	var out []rawEvent
	for {
		select {
		case data, ok := <-c.Outbox():
			if !ok {
				return out
			}
			var ev rawEvent
			if err := json.Unmarshal(data, &ev); err == nil {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func types(events []rawEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func ofType(events []rawEvent, typ string) []rawEvent {
	var out []rawEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func send(body string) ws.SendCommand {
	return ws.SendCommand{Body: body, Kind: entity.KindText}
}

func TestConnectBindsCustomerToOpenSession(t *testing.T) {
	f := newFixture(t, memory.New())

	c := f.connect(t, carol)
	events := drain(c)
	require.Equal(t, []string{ws.EventSessionJoined}, types(events))

	var joined ws.SessionJoined
	require.NoError(t, json.Unmarshal(events[0].Data, &joined))
	assert.True(t, f.hub.IsMember(c, joined.SessionID))

	again := f.connect(t, carol)
	var second ws.SessionJoined
	require.NoError(t, json.Unmarshal(drain(again)[0].Data, &second))
	assert.Equal(t, joined.SessionID, second.SessionID)
	assert.Equal(t, 1, f.store.OpenSessionsFor(carol.UserID))

	agent := f.connect(t, alice)
	assert.Empty(t, drain(agent))
	assert.True(t, f.hub.Registered(agent))
}

func TestLazyCreationOnFirstSend(t *testing.T) {
	f := newFixture(t, memory.New())
	agent := f.connect(t, alice)
	customer := f.register(carol)

	msg, err := f.core.Send(context.Background(), customer, send("hello"))
	require.NoError(t, err)

	sess, err := f.store.GetSession(context.Background(), msg.SessionID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusActive, sess.Status)
	assert.Equal(t, 1, sess.UnreadForAgent)
	assert.Equal(t, 1, f.store.CountMessages(sess.ID))
	assert.Equal(t, carol.UserID, msg.SenderID)
	assert.EqualValues(t, 1, msg.Seq)

	assert.Equal(t, []string{
		ws.EventSessionJoined,
		ws.EventSessionStatusUpdated,
		ws.EventNewMessage,
	}, types(drain(customer)))

	notes := ofType(drain(agent), ws.EventAgentNotification)
	require.Len(t, notes, 1)
	var n entity.Notification
	require.NoError(t, json.Unmarshal(notes[0].Data, &n))
	assert.Equal(t, sess.ID, n.SessionID)
	assert.Equal(t, "hello", n.Body)
}

func TestAgentJoinClearsUnread(t *testing.T) {
	f := newFixture(t, memory.New())
	customer := f.connect(t, carol)
	msg, err := f.core.Send(context.Background(), customer, send("hello"))
	require.NoError(t, err)
	drain(customer)

	agent := f.connect(t, alice)
	require.NoError(t, f.core.Join(context.Background(), agent, msg.SessionID))

	sess, err := f.store.GetSession(context.Background(), msg.SessionID)
	require.NoError(t, err)
	assert.Zero(t, sess.UnreadForAgent)

	history, err := f.core.History(context.Background(), alice, msg.SessionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].SeenByAgent)

	assert.Equal(t, []string{ws.EventUnreadCleared}, types(drain(customer)))
	agentEvents := drain(agent)
	assert.Len(t, ofType(agentEvents, ws.EventSessionJoined), 1)
	assert.Len(t, ofType(agentEvents, ws.EventUnreadCleared), 1)
}

func TestJoinOtherCustomersSessionIsForbidden(t *testing.T) {
	f := newFixture(t, memory.New())
	owner := f.connect(t, carol)
	var joined ws.SessionJoined
	require.NoError(t, json.Unmarshal(drain(owner)[0].Data, &joined))

	intruder := f.connect(t, dave)
	drain(intruder)

	err := f.core.Join(context.Background(), intruder, joined.SessionID)
	assert.ErrorIs(t, err, chaterr.ErrForbidden)
	assert.False(t, f.hub.IsMember(intruder, joined.SessionID))
	assert.Equal(t, 1, f.hub.Members(joined.SessionID))
}

func TestCloseThenSendCreatesNewSession(t *testing.T) {
	f := newFixture(t, memory.New())
	customer := f.register(carol)
	first, err := f.core.Send(context.Background(), customer, send("first"))
	require.NoError(t, err)

	closed, err := f.core.SetStatus(context.Background(), alice, first.SessionID, entity.StatusClosed)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusClosed, closed.Status)
	drain(customer)

	_, err = f.core.Send(context.Background(), customer, ws.SendCommand{SessionID: first.SessionID, Body: "late"})
	assert.ErrorIs(t, err, chaterr.ErrSessionUnavailable)

	second, err := f.core.Send(context.Background(), customer, send("again"))
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, f.store.CountMessages(first.SessionID))
	assert.True(t, f.hub.IsMember(customer, second.SessionID))
	assert.False(t, f.hub.IsMember(customer, first.SessionID))

	_, err = f.core.SetStatus(context.Background(), alice, first.SessionID, entity.StatusActive)
	assert.ErrorIs(t, err, chaterr.ErrValidation)
	_, err = f.core.SetStatus(context.Background(), alice, first.SessionID, entity.StatusClosed)
	assert.ErrorIs(t, err, chaterr.ErrSessionUnavailable)
}

func TestCloseIsAnnouncedToSession(t *testing.T) {
	f := newFixture(t, memory.New())
	customer := f.connect(t, carol)
	var joined ws.SessionJoined
	require.NoError(t, json.Unmarshal(drain(customer)[0].Data, &joined))

	_, err := f.core.SetStatus(context.Background(), carol, joined.SessionID, entity.StatusClosed)
	assert.ErrorIs(t, err, chaterr.ErrForbidden)

	_, err = f.core.SetStatus(context.Background(), alice, joined.SessionID, entity.StatusClosed)
	require.NoError(t, err)

	events := ofType(drain(customer), ws.EventSessionStatusUpdated)
	require.Len(t, events, 1)
	var upd ws.StatusUpdated
	require.NoError(t, json.Unmarshal(events[0].Data, &upd))
	assert.Equal(t, entity.StatusClosed, upd.Status)
}

func TestStoreFailureDeliversNothing(t *testing.T) {
	store := failingStore{Store: memory.New()}
	f := newFixture(t, store)

	customer := f.connect(t, carol)
	var joined ws.SessionJoined
	require.NoError(t, json.Unmarshal(drain(customer)[0].Data, &joined))
	agent := f.connect(t, alice)
	require.NoError(t, f.core.Join(context.Background(), agent, joined.SessionID))
	drain(agent)

	_, err := f.core.Send(context.Background(), customer, ws.SendCommand{SessionID: joined.SessionID, Body: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, chaterr.ErrStoreUnavailable)
	assert.True(t, chaterr.Retryable(err))

	assert.Empty(t, drain(agent), "no message or notification without a durable record")
	assert.Empty(t, drain(customer))
	assert.Zero(t, f.store.CountMessages(joined.SessionID))
}

func TestAcceptedSendSurvivesCallerCancellation(t *testing.T) {
	store := cancelAwareStore{Store: memory.New()}
	f := newFixture(t, store)
	customer := f.register(carol)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg, err := f.core.Send(ctx, customer, send("sent while leaving"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.CountMessages(msg.SessionID))
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, memory.New())
	customer := f.register(carol)
	agent := f.register(alice)

	cases := []struct {
		name   string
		client *ws.Client
		cmd    ws.SendCommand
		kind   error
	}{
		{"empty body", customer, ws.SendCommand{Body: "   "}, chaterr.ErrValidation},
		{"unknown kind", customer, ws.SendCommand{Body: "x", Kind: "video"}, chaterr.ErrValidation},
		{"too long", customer, ws.SendCommand{Body: fmt.Sprintf("%051d", 0)}, chaterr.ErrValidation},
		{"agent without session", agent, ws.SendCommand{Body: "hi"}, chaterr.ErrValidation},
		{"missing session", agent, ws.SendCommand{SessionID: "nope", Body: "hi"}, chaterr.ErrSessionUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.core.Send(context.Background(), tc.client, tc.cmd)
			assert.ErrorIs(t, err, tc.kind)
		})
	}
	assert.Zero(t, f.store.OpenSessionsFor(carol.UserID), "a rejected send must not create a session")
}

func TestAgentSendJoinsSessionAndSkipsNotification(t *testing.T) {
	f := newFixture(t, memory.New())
	customer := f.connect(t, carol)
	var joined ws.SessionJoined
	require.NoError(t, json.Unmarshal(drain(customer)[0].Data, &joined))

	agent := f.connect(t, alice)
	msg, err := f.core.Send(context.Background(), agent, ws.SendCommand{SessionID: joined.SessionID, Body: "how can I help?"})
	require.NoError(t, err)
	assert.True(t, msg.SeenByAgent)
	assert.True(t, f.hub.IsMember(agent, joined.SessionID))

	sess, err := f.store.GetSession(context.Background(), joined.SessionID)
	require.NoError(t, err)
	assert.Zero(t, sess.UnreadForAgent)
	assert.Equal(t, entity.StatusActive, sess.Status)

	assert.Empty(t, ofType(drain(agent), ws.EventAgentNotification))
	assert.Len(t, ofType(drain(customer), ws.EventNewMessage), 1)
}

func TestConcurrentSendsKeepOneOrder(t *testing.T) {
	f := newFixture(t, memory.New())
	customer := f.connect(t, carol)
	var joined ws.SessionJoined
	require.NoError(t, json.Unmarshal(drain(customer)[0].Data, &joined))
	agent := f.connect(t, alice)
	require.NoError(t, f.core.Join(context.Background(), agent, joined.SessionID))
	observer := f.register(alice)
	require.NoError(t, f.hub.Join(observer, &entity.ChatSession{ID: joined.SessionID, CustomerID: carol.UserID, Status: entity.StatusWaiting}))
	drain(agent)
	drain(customer)

	const perSender = 40
	var wg sync.WaitGroup
	for _, c := range []*ws.Client{customer, agent} {
		wg.Add(1)
		go func(c *ws.Client) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := f.core.Send(context.Background(), c, ws.SendCommand{SessionID: joined.SessionID, Body: fmt.Sprintf("m%d", i)})
				assert.NoError(t, err)
			}
		}(c)
	}
	wg.Wait()

	seqs := func(c *ws.Client) []int64 {
		var out []int64
		for _, ev := range ofType(drain(c), ws.EventNewMessage) {
			var m entity.ChatMessage
			require.NoError(t, json.Unmarshal(ev.Data, &m))
			out = append(out, m.Seq)
		}
		return out
	}

	reference := seqs(customer)
	require.Len(t, reference, 2*perSender)
	for i := 1; i < len(reference); i++ {
		assert.Less(t, reference[i-1], reference[i])
	}
	assert.Equal(t, reference, seqs(agent))
	assert.Equal(t, reference, seqs(observer))

	sess, err := f.store.GetSession(context.Background(), joined.SessionID)
	require.NoError(t, err)
	assert.Equal(t, perSender, sess.UnreadForAgent)
}

func TestConcurrentLazySendsCreateOneSession(t *testing.T) {
	f := newFixture(t, memory.New())

	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := f.core.Send(context.Background(), f.register(carol), send("hi"))
			if assert.NoError(t, err) {
				ids <- msg.SessionID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
	assert.Equal(t, 1, f.store.OpenSessionsFor(carol.UserID))
}

func TestTyping(t *testing.T) {
	f := newFixture(t, memory.New())
	customer := f.connect(t, carol)
	var joined ws.SessionJoined
	require.NoError(t, json.Unmarshal(drain(customer)[0].Data, &joined))
	agent := f.connect(t, alice)

	err := f.core.Typing(agent, ws.TypingCommand{SessionID: joined.SessionID, IsTyping: true})
	assert.ErrorIs(t, err, chaterr.ErrForbidden)

	require.NoError(t, f.core.Join(context.Background(), agent, joined.SessionID))
	drain(agent)
	drain(customer)

	require.NoError(t, f.core.Typing(agent, ws.TypingCommand{SessionID: joined.SessionID, IsTyping: true}))
	assert.Empty(t, drain(agent))
	events := drain(customer)
	require.Equal(t, []string{ws.EventTyping}, types(events))

	var typing ws.Typing
	require.NoError(t, json.Unmarshal(events[0].Data, &typing))
	assert.Equal(t, alice.UserID, typing.UserID)
	assert.True(t, typing.IsTyping)
}

func TestHandleCommandReportsErrorsToCaller(t *testing.T) {
	f := newFixture(t, memory.New())
	customer := f.register(carol)

	cases := []struct {
		name string
		cmd  ws.Command
		kind string
	}{
		{"unknown", ws.Command{Type: "dance"}, chaterr.KindValidation},
		{"malformed", ws.Command{Type: ws.CommandSend, Data: json.RawMessage(`{"body":`)}, chaterr.KindValidation},
		{"missing data", ws.Command{Type: ws.CommandJoin}, chaterr.KindValidation},
		{"missing session", ws.Command{Type: ws.CommandJoin, Data: json.RawMessage(`{"session_id":"nope"}`)}, chaterr.KindSessionUnavailable},
		{"customer sets status", ws.Command{Type: ws.CommandSetStatus, Data: json.RawMessage(`{"session_id":"x","status":"closed"}`)}, chaterr.KindForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f.core.HandleCommand(context.Background(), customer, tc.cmd)
			events := drain(customer)
			require.Len(t, events, 1)
			require.Equal(t, ws.EventError, events[0].Type)

			var payload ws.ErrorPayload
			require.NoError(t, json.Unmarshal(events[0].Data, &payload))
			assert.Equal(t, tc.kind, payload.Kind)
			assert.False(t, payload.Retryable)
		})
	}
}

func TestHandleCommandSend(t *testing.T) {
	f := newFixture(t, memory.New())
	customer := f.register(carol)

	f.core.HandleCommand(context.Background(), customer, ws.Command{
		Type: ws.CommandSend,
		Data: json.RawMessage(`{"body":"hello from the socket"}`),
	})

	events := ofType(drain(customer), ws.EventNewMessage)
	require.Len(t, events, 1)
	var msg entity.ChatMessage
	require.NoError(t, json.Unmarshal(events[0].Data, &msg))
	assert.Equal(t, "hello from the socket", msg.Body)
	assert.Equal(t, entity.KindText, msg.Kind)
}

func TestDisconnectLeavesEverything(t *testing.T) {
	f := newFixture(t, memory.New())
	customer := f.connect(t, carol)
	f.core.Disconnect(customer)
	f.core.Disconnect(customer)
	assert.False(t, f.hub.Registered(customer))
}

func TestInitSchedulesSweep(t *testing.T) {
	log := logger.Discard()
	hub := ws.NewHub(log)
	c := New(session.NewManager(memory.New(), 0, log), hub, Options{
		IdleTimeout:   time.Millisecond,
		SweepSchedule: "@every 1s",
	}, log)

	stale := ws.NewClient(carol, nil, 8, log)
	hub.Register(stale)

	require.NoError(t, c.Init())
	defer c.Stop()

	assert.Eventually(t, func() bool { return !hub.Registered(stale) }, 3*time.Second, 50*time.Millisecond)
}

func TestInitRejectsBadSchedule(t *testing.T) {
	log := logger.Discard()
	c := New(session.NewManager(memory.New(), 0, log), ws.NewHub(log), Options{
		IdleTimeout:   time.Second,
		SweepSchedule: "whenever",
	}, log)
	assert.Error(t, c.Init())
}

func TestJoinRechecksStatusUnderSessionLock(t *testing.T) {
	store := closingStore{Store: memory.New(), armed: &atomic.Bool{}}
	f := newFixture(t, store)
	customer := f.connect(t, carol)
	var joined ws.SessionJoined
	require.NoError(t, json.Unmarshal(drain(customer)[0].Data, &joined))

	agent := f.connect(t, alice)
	store.armed.Store(true)

	err := f.core.Join(context.Background(), agent, joined.SessionID)
	assert.ErrorIs(t, err, chaterr.ErrSessionUnavailable)
	assert.False(t, f.hub.IsMember(agent, joined.SessionID))
	assert.Empty(t, ofType(drain(customer), ws.EventUnreadCleared))
	assert.Empty(t, drain(agent))
}

func TestSlowSinkDoesNotDelaySend(t *testing.T) {
	f := newFixture(t, memory.New())
	sink := blockingSink{release: make(chan struct{}), called: make(chan struct{})}
	f.fanout.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.fanout.Run(ctx)
		close(done)
	}()
	defer func() {
		close(sink.release)
		cancel()
		<-done
	}()

	agent := f.connect(t, alice)
	customer := f.connect(t, carol)
	drain(customer)

	start := time.Now()
	_, err := f.core.Send(context.Background(), customer, send("hello"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	select {
	case <-sink.called:
	case <-time.After(time.Second):
		t.Fatal("sink was never fed")
	}
	assert.Len(t, ofType(drain(agent), ws.EventAgentNotification), 1)
}

func TestSendStoresBodyAsTyped(t *testing.T) {
	f := newFixture(t, memory.New())
	customer := f.connect(t, carol)
	drain(customer)

	body := "    indented()\n"
	msg, err := f.core.Send(context.Background(), customer, ws.SendCommand{Body: body})
	require.NoError(t, err)
	assert.Equal(t, body, msg.Body)
	assert.Equal(t, entity.KindText, msg.Kind, "an absent kind means text")

	history, err := f.core.History(context.Background(), carol, msg.SessionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, body, history[0].Body)
}
