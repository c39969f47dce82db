package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"unicode/utf8"

	"SupportChat/entity"
	"SupportChat/internal/lib/chaterr"
	"SupportChat/internal/lib/sl"
	"SupportChat/internal/lib/validate"
	"SupportChat/internal/ws"
)

// Connect registers an authenticated connection. A customer connection is
// bound to its open session (created if needed) before Connect returns, so
// the first send never races the join.
func (c *Core) Connect(ctx context.Context, client *ws.Client) error {
	c.hub.Register(client)

	identity := client.Identity()
	if !identity.IsCustomer() {
		return nil
	}

	ctx, cancel := c.storeContext(ctx)
	defer cancel()

	sess, _, err := c.sessions.Open(ctx, identity)
	if err != nil {
		return err
	}
	return c.joinAndAnnounce(client, sess)
}

func (c *Core) Disconnect(client *ws.Client) {
	c.hub.Leave(client)
}

// HandleCommand executes one inbound command. Failures go back to the
// issuing connection only.
func (c *Core) HandleCommand(ctx context.Context, client *ws.Client, cmd ws.Command) {
	var err error
	switch cmd.Type {
	case ws.CommandJoin:
		var data ws.JoinCommand
		if err = decode(cmd, &data); err == nil {
			err = c.Join(ctx, client, data.SessionID)
		}
	case ws.CommandSend:
		var data ws.SendCommand
		if err = decode(cmd, &data); err == nil {
			_, err = c.Send(ctx, client, data)
		}
	case ws.CommandSetStatus:
		var data ws.SetStatusCommand
		if err = decode(cmd, &data); err == nil {
			_, err = c.SetStatus(ctx, client.Identity(), data.SessionID, data.Status)
		}
	case ws.CommandTyping:
		var data ws.TypingCommand
		if err = decode(cmd, &data); err == nil {
			err = c.Typing(client, data)
		}
	default:
		err = chaterr.Validation("unknown command %q", cmd.Type)
	}

	if err != nil {
		c.log.With(
			slog.String("command", cmd.Type),
			slog.String("user_id", client.Identity().UserID),
			slog.String("kind", chaterr.Kind(err)),
		).Debug("command failed", sl.Err(err))
		c.hub.Send(client, ws.ErrorEvent(cmd.Type, err))
	}
}

func decode(cmd ws.Command, v interface{}) error {
	if len(cmd.Data) == 0 {
		return chaterr.Validation("missing data")
	}
	if err := json.Unmarshal(cmd.Data, v); err != nil {
		return chaterr.Validation("malformed data: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		return chaterr.Validation("%v", err)
	}
	return nil
}

// Join binds the connection to a session channel. When an agent joins, the
// session's unread counter is cleared and every member is told so.
func (c *Core) Join(ctx context.Context, client *ws.Client, sessionID string) error {
	ctx, cancel := c.storeContext(ctx)
	defer cancel()

	identity := client.Identity()
	sess, err := c.sessions.Get(ctx, identity, sessionID)
	if err != nil {
		return err
	}
	if !sess.Status.IsOpen() {
		return chaterr.SessionUnavailable("session %s is closed", sessionID)
	}

	unlock := c.locks.Lock(sess.ID)
	defer unlock()

	// a close may have won the lock since the first read
	sess, err = c.sessions.Get(ctx, identity, sess.ID)
	if err != nil {
		return err
	}
	if !sess.Status.IsOpen() {
		return chaterr.SessionUnavailable("session %s is closed", sessionID)
	}

	if identity.IsAgent() {
		if err = c.sessions.MarkSeen(ctx, sess.ID); err != nil {
			return err
		}
		sess.UnreadForAgent = 0
	}
	if err = c.joinAndAnnounce(client, sess); err != nil {
		return err
	}
	if identity.IsAgent() {
		c.hub.BroadcastToSession(sess.ID, &ws.Event{
			Type: ws.EventUnreadCleared,
			Data: ws.UnreadCleared{SessionID: sess.ID},
		})
	}
	return nil
}

func (c *Core) joinAndAnnounce(client *ws.Client, sess *entity.ChatSession) error {
	if err := c.hub.Join(client, sess); err != nil {
		return err
	}
	c.hub.Send(client, &ws.Event{
		Type: ws.EventSessionJoined,
		Data: ws.SessionJoined{SessionID: sess.ID, Session: sess},
	})
	return nil
}

// Send runs the message pipeline: validate, resolve the session, persist,
// activate, deliver, notify. Nothing is delivered unless the append
// succeeded. Once validated, the send is detached from ctx so a disconnect
// of the sender does not abort it.
func (c *Core) Send(ctx context.Context, client *ws.Client, cmd ws.SendCommand) (*entity.ChatMessage, error) {
	body, kind, err := c.validateSend(cmd)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.storeContext(ctx)
	defer cancel()

	sender := client.Identity()
	sess, created, err := c.sessions.ResolveForSend(ctx, sender, cmd.SessionID)
	if err != nil {
		return nil, err
	}
	msg := entity.NewChatMessage(sess.ID, sender, body, kind)
	updated, err := c.deliver(ctx, client, sess, msg)
	if err != nil {
		return nil, err
	}

	log := c.log.With(
		sl.Session(sess.ID),
		slog.String("message_id", msg.ID),
		slog.Int64("seq", msg.Seq),
	)
	if created {
		log.Info("session lazily created on first message")
	}
	log.Debug("message accepted")

	if sender.IsCustomer() && c.notifier != nil {
		c.notifier.NotifyAgents(updated, msg)
	}
	return msg, nil
}

// deliver appends and broadcasts under the session lock, so the order seen
// by every member equals the store's append order. A sender that is not yet
// a member joins only once the append proved the session open.
func (c *Core) deliver(ctx context.Context, client *ws.Client, sess *entity.ChatSession, msg *entity.ChatMessage) (*entity.ChatSession, error) {
	unlock := c.locks.Lock(sess.ID)
	defer unlock()

	updated, err := c.sessions.Append(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !c.hub.IsMember(client, sess.ID) {
		if err = c.joinAndAnnounce(client, updated); err != nil {
			c.log.With(sl.Session(sess.ID)).Warn("join sender", sl.Err(err))
		}
	}

	if updated.Status == entity.StatusWaiting {
		activated, changed, err := c.sessions.Activate(ctx, updated)
		if err != nil {
			c.log.With(sl.Session(sess.ID)).Error("activate session", sl.Err(err))
		} else {
			updated = activated
			if changed {
				c.broadcastStatus(updated)
			}
		}
	}

	c.hub.BroadcastToSession(sess.ID, &ws.Event{
		Type: ws.EventNewMessage,
		Data: msg,
	})
	return updated, nil
}

func (c *Core) validateSend(cmd ws.SendCommand) (string, entity.MessageKind, error) {
	kind := cmd.Kind
	if kind == "" {
		kind = entity.KindText
	}
	if !kind.Valid() {
		return "", "", chaterr.Validation("unknown message kind %q", kind)
	}
	if strings.TrimSpace(cmd.Body) == "" {
		return "", "", chaterr.Validation("message body is empty")
	}
	if utf8.RuneCountInString(cmd.Body) > c.opts.MaxBodyLength {
		return "", "", chaterr.Validation("message body exceeds %d characters", c.opts.MaxBodyLength)
	}
	return cmd.Body, kind, nil
}

// SetStatus applies an agent status change and tells the session channel.
func (c *Core) SetStatus(ctx context.Context, agent *entity.Identity, sessionID string, status entity.SessionStatus) (*entity.ChatSession, error) {
	ctx, cancel := c.storeContext(ctx)
	defer cancel()

	unlock := c.locks.Lock(sessionID)
	defer unlock()

	sess, err := c.sessions.SetStatus(ctx, agent, sessionID, status)
	if err != nil {
		return nil, err
	}
	c.broadcastStatus(sess)
	return sess, nil
}

func (c *Core) broadcastStatus(sess *entity.ChatSession) {
	c.hub.BroadcastToSession(sess.ID, &ws.Event{
		Type: ws.EventSessionStatusUpdated,
		Data: ws.StatusUpdated{SessionID: sess.ID, Status: sess.Status},
	})
}

// Typing relays a presence signal to the other members. It is not stored.
func (c *Core) Typing(client *ws.Client, cmd ws.TypingCommand) error {
	if !c.hub.IsMember(client, cmd.SessionID) {
		return chaterr.Forbidden("not joined to session %s", cmd.SessionID)
	}
	identity := client.Identity()
	c.hub.BroadcastToSessionExcept(cmd.SessionID, &ws.Event{
		Type: ws.EventTyping,
		Data: ws.Typing{
			SessionID: cmd.SessionID,
			UserID:    identity.UserID,
			Role:      identity.Role,
			IsTyping:  cmd.IsTyping,
		},
	}, client)
	return nil
}
