package cont

import (
	"context"
	"errors"

	"SupportChat/entity"
)

type ctxKey string

const identityKey ctxKey = "identity"

func PutIdentity(ctx context.Context, id *entity.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func GetIdentity(ctx context.Context) (*entity.Identity, error) {
	v := ctx.Value(identityKey)
	if v == nil {
		return nil, errors.New("identity not found in context")
	}
	id, ok := v.(*entity.Identity)
	if !ok || id == nil {
		return nil, errors.New("invalid identity type in context")
	}
	return id, nil
}
