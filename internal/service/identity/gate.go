package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"SupportChat/entity"
	"SupportChat/internal/lib/chaterr"
	"SupportChat/internal/lib/sl"
)

// RevocationStore answers whether a token id was revoked before expiry.
type RevocationStore interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Claims carried by a support-chat access token.
type Claims struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	Contact string `json:"contact,omitempty"`
	jwt.RegisteredClaims
}

// Gate resolves a connection credential to an identity. It never returns a
// bare error: failures are either chaterr.ErrAuth or chaterr.ErrStoreUnavailable.
type Gate struct {
	secret  []byte
	issuer  string
	revoked RevocationStore
	log     *slog.Logger
}

func NewGate(secret, issuer string, log *slog.Logger) *Gate {
	return &Gate{
		secret: []byte(secret),
		issuer: issuer,
		log:    log.With(sl.Module("identity-gate")),
	}
}

func (g *Gate) SetRevocationStore(store RevocationStore) {
	g.revoked = store
}

func (g *Gate) Authenticate(ctx context.Context, token string) (*entity.Identity, error) {
	if token == "" {
		return nil, chaterr.Auth("missing credential")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if g.issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return g.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, chaterr.Auth("token expired")
		}
		return nil, chaterr.Auth("invalid token: %v", err)
	}

	id := &entity.Identity{
		UserID:      claims.Subject,
		DisplayName: claims.Name,
		Role:        entity.Role(claims.Role),
		Contact:     claims.Contact,
	}
	if err = id.Validate(); err != nil {
		return nil, chaterr.Auth("incomplete identity claims: %v", err)
	}

	if g.revoked != nil && claims.ID != "" {
		revoked, err := g.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			g.log.With(
				slog.String("user_id", id.UserID),
			).Error("revocation lookup", sl.Err(err))
			return nil, chaterr.Store("revocation lookup", err)
		}
		if revoked {
			return nil, chaterr.Auth("token revoked")
		}
	}

	return id, nil
}

// Issue signs a token for id valid for ttl.
func (g *Gate) Issue(id *entity.Identity, ttl time.Duration) (string, error) {
	if err := id.Validate(); err != nil {
		return "", chaterr.Validation("identity: %v", err)
	}
	now := time.Now()
	claims := Claims{
		Name:    id.DisplayName,
		Role:    string(id.Role),
		Contact: id.Contact,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.UserID,
			Issuer:    g.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
