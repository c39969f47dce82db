package chat

import (
	"context"

	"SupportChat/entity"
)

type Core interface {
	OpenSession(ctx context.Context, customer *entity.Identity) (*entity.ChatSession, bool, error)
	GetSession(ctx context.Context, caller *entity.Identity, sessionID string) (*entity.ChatSession, error)
	History(ctx context.Context, caller *entity.Identity, sessionID string, limit, offset int) ([]entity.ChatMessage, error)
	ListSessions(ctx context.Context, agent *entity.Identity, filter entity.SessionFilter) ([]entity.SessionSummary, error)
	SetStatus(ctx context.Context, agent *entity.Identity, sessionID string, status entity.SessionStatus) (*entity.ChatSession, error)
}
