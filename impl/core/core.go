package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"SupportChat/entity"
	"SupportChat/internal/lib/keylock"
	"SupportChat/internal/lib/sl"
	"SupportChat/internal/ws"
)

// SessionManager is the lifecycle API the core drives.
type SessionManager interface {
	Open(ctx context.Context, customer *entity.Identity) (*entity.ChatSession, bool, error)
	ResolveForSend(ctx context.Context, sender *entity.Identity, sessionID string) (*entity.ChatSession, bool, error)
	Get(ctx context.Context, caller *entity.Identity, sessionID string) (*entity.ChatSession, error)
	Append(ctx context.Context, msg *entity.ChatMessage) (*entity.ChatSession, error)
	Activate(ctx context.Context, sess *entity.ChatSession) (*entity.ChatSession, bool, error)
	SetStatus(ctx context.Context, agent *entity.Identity, sessionID string, status entity.SessionStatus) (*entity.ChatSession, error)
	MarkSeen(ctx context.Context, sessionID string) error
	History(ctx context.Context, caller *entity.Identity, sessionID string, limit, offset int) ([]entity.ChatMessage, error)
	List(ctx context.Context, agent *entity.Identity, filter entity.SessionFilter) ([]entity.SessionSummary, error)
}

// Router is the hub API the core drives.
type Router interface {
	Register(c *ws.Client)
	Join(c *ws.Client, sess *entity.ChatSession) error
	Leave(c *ws.Client)
	IsMember(c *ws.Client, sessionID string) bool
	Send(c *ws.Client, ev *ws.Event) bool
	BroadcastToSession(sessionID string, ev *ws.Event) int
	BroadcastToSessionExcept(sessionID string, ev *ws.Event, except *ws.Client) int
	Sweep(idle time.Duration) int
}

// Notifier fans customer messages out to agents. It must not fail the caller.
type Notifier interface {
	NotifyAgents(sess *entity.ChatSession, msg *entity.ChatMessage)
}

type Options struct {
	MaxBodyLength int
	StoreTimeout  time.Duration
	IdleTimeout   time.Duration
	SweepSchedule string
}

type Core struct {
	sessions SessionManager
	hub      Router
	notifier Notifier
	locks    *keylock.KeyLock
	opts     Options
	cron     *cron.Cron
	log      *slog.Logger
}

func New(sessions SessionManager, hub Router, opts Options, log *slog.Logger) *Core {
	if opts.MaxBodyLength <= 0 {
		opts.MaxBodyLength = 4000
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &Core{
		sessions: sessions,
		hub:      hub,
		locks:    keylock.New(),
		opts:     opts,
		log:      log.With(sl.Module("core")),
	}
}

func (c *Core) SetNotifier(n Notifier) {
	c.notifier = n
}

// Init schedules the stale-membership sweep.
func (c *Core) Init() error {
	if c.opts.IdleTimeout <= 0 || c.opts.SweepSchedule == "" {
		return nil
	}
	c.cron = cron.New(cron.WithLocation(time.UTC))
	_, err := c.cron.AddFunc(c.opts.SweepSchedule, c.sweep)
	if err != nil {
		return err
	}
	c.cron.Start()
	c.log.With(
		slog.String("schedule", c.opts.SweepSchedule),
		slog.Duration("idle", c.opts.IdleTimeout),
	).Info("idle connection sweep scheduled")
	return nil
}

func (c *Core) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
}

func (c *Core) sweep() {
	c.hub.Sweep(c.opts.IdleTimeout)
}

// storeContext detaches from the caller so an accepted operation completes
// even if the originating connection goes away.
func (c *Core) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.opts.StoreTimeout)
}
