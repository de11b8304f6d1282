package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/forgesync-io/forgesync/internal/store"
)

// accessTokenCookie is the fallback credential carrier for browser flows
// where setting an Authorization header is inconvenient (SSE, WebSocket).
const accessTokenCookie = "access_token"

// Resolver turns an incoming request into the UUID of an active user.
type Resolver struct {
	jwt   *JWTManager
	users store.UserStore
}

// NewResolver builds a Resolver.
func NewResolver(jwt *JWTManager, users store.UserStore) *Resolver {
	return &Resolver{jwt: jwt, users: users}
}

// Resolve extracts a credential from the request, verifies it and returns
// the user ID. The bearer header wins over the cookie when both are
// present.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (uuid.UUID, error) {
	raw := bearerToken(req)
	if raw == "" {
		if c, err := req.Cookie(accessTokenCookie); err == nil {
			raw = c.Value
		}
	}
	if raw == "" {
		return uuid.Nil, ErrNoCredentials
	}

	claims, err := r.jwt.ValidateAccessToken(raw)
	if err != nil {
		return uuid.Nil, err
	}

	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, ErrTokenInvalid
	}

	user, err := r.users.GetByID(ctx, id)
	if err != nil {
		return uuid.Nil, ErrTokenInvalid
	}
	if !user.IsActive {
		return uuid.Nil, ErrUserDisabled
	}
	return user.ID, nil
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
