package core

import (
	"context"

	"SupportChat/entity"
)

// OpenSession is the HTTP counterpart of a customer connect: it returns the
// customer's open session, creating it when there is none.
func (c *Core) OpenSession(ctx context.Context, customer *entity.Identity) (*entity.ChatSession, bool, error) {
	ctx, cancel := c.storeContext(ctx)
	defer cancel()
	return c.sessions.Open(ctx, customer)
}

func (c *Core) GetSession(ctx context.Context, caller *entity.Identity, sessionID string) (*entity.ChatSession, error) {
	return c.sessions.Get(ctx, caller, sessionID)
}

func (c *Core) History(ctx context.Context, caller *entity.Identity, sessionID string, limit, offset int) ([]entity.ChatMessage, error) {
	return c.sessions.History(ctx, caller, sessionID, limit, offset)
}

func (c *Core) ListSessions(ctx context.Context, agent *entity.Identity, filter entity.SessionFilter) ([]entity.SessionSummary, error) {
	return c.sessions.List(ctx, agent, filter)
}
