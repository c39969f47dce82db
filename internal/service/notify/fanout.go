package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"SupportChat/entity"
	"SupportChat/internal/lib/sl"
	"SupportChat/internal/ws"
)

const (
	DefaultPreviewLength = 80
	// DefaultSinkQueue bounds notifications waiting for slow sinks.
	DefaultSinkQueue = 256
)

// Broadcaster is the part of the hub the fanout needs.
type Broadcaster interface {
	BroadcastToAgents(ev *ws.Event) int
}

// Sink receives a copy of every agent notification, e.g. an off-site alert
// channel. Errors are logged and otherwise ignored.
type Sink interface {
	SendNotification(n entity.Notification) error
}

// Fanout derives agent notifications from customer messages. Agents on the
// hub are told inline; sinks are fed from a bounded queue drained by Run.
type Fanout struct {
	hub           Broadcaster
	sinks         []Sink
	queue         chan entity.Notification
	previewLength int
	log           *slog.Logger
}

func NewFanout(hub Broadcaster, previewLength int, log *slog.Logger) *Fanout {
	if previewLength <= 0 {
		previewLength = DefaultPreviewLength
	}
	return &Fanout{
		hub:           hub,
		queue:         make(chan entity.Notification, DefaultSinkQueue),
		previewLength: previewLength,
		log:           log.With(sl.Module("notify-fanout")),
	}
}

// AddSink must be called before Run.
func (f *Fanout) AddSink(s Sink) {
	f.sinks = append(f.sinks, s)
}

// Build is the pure part: session and message in, notification out.
func Build(sess *entity.ChatSession, msg *entity.ChatMessage, previewLength int) entity.Notification {
	title := sess.CustomerName
	if title == "" {
		title = msg.SenderName
	}
	return entity.Notification{
		ID:        uuid.NewString(),
		Kind:      entity.NotificationNewMessage,
		Title:     fmt.Sprintf("New message from %s", title),
		Body:      preview(msg, previewLength),
		SessionID: sess.ID,
		CreatedAt: msg.CreatedAt,
		Seen:      false,
	}
}

func preview(msg *entity.ChatMessage, max int) string {
	switch msg.Kind {
	case entity.KindImage:
		return "[image]"
	case entity.KindFile:
		return "[file]"
	}
	return Truncate(msg.Body, max)
}

// Truncate shortens s to at most max runes, marking the cut with an ellipsis.
func Truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}

// NotifyAgents never blocks or fails the caller: sinks run on Run's
// goroutine, a full queue drops the notification, and panics are logged.
func (f *Fanout) NotifyAgents(sess *entity.ChatSession, msg *entity.ChatMessage) {
	logger := f.log.With(sl.Session(sess.ID), slog.String("message_id", msg.ID))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("notify agents panicked", slog.Any("panic", r))
		}
	}()

	n := Build(sess, msg, f.previewLength)
	delivered := f.hub.BroadcastToAgents(&ws.Event{
		Type: ws.EventAgentNotification,
		Data: n,
	})
	logger.Debug("agent notification delivered", slog.Int("agents", delivered))

	if len(f.sinks) == 0 {
		return
	}
	select {
	case f.queue <- n:
	default:
		logger.Warn("sink queue full, notification dropped", slog.Int("queued", len(f.queue)))
	}
}

// Run feeds queued notifications to the sinks until ctx is done.
func (f *Fanout) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-f.queue:
			logger := f.log.With(sl.Session(n.SessionID), slog.String("notification_id", n.ID))
			for _, s := range f.sinks {
				f.toSink(logger, s, n)
			}
		}
	}
}

func (f *Fanout) toSink(logger *slog.Logger, s Sink, n entity.Notification) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("notification sink panicked", slog.Any("panic", r))
		}
	}()
	if err := s.SendNotification(n); err != nil {
		logger.Warn("notification sink", sl.Err(err))
	}
}
