package auth

import (
	"context"

	"github.com/dukerupert/graphsafe/internal/model"
)

type IdentityKind string

const (
	KindSession IdentityKind = "session"
	KindAPIKey  IdentityKind = "api_key"
)

// APIKeyUserID identifies the unrestricted pseudo-user behind the static
// API key.
const APIKeyUserID = "api-key"

// Identity is the caller resolved from a request credential.
type Identity struct {
	Kind    IdentityKind
	User    model.User
	Session *model.Session
}

// Privileged reports whether the identity bypasses document permissions.
func (id *Identity) Privileged() bool {
	return id != nil && id.Kind == KindAPIKey
}

func apiKeyIdentity() *Identity {
	return &Identity{
		Kind: KindAPIKey,
		User: model.User{
			ID:         APIKeyUserID,
			Email:      "api-key@localhost",
			Name:       "API key",
			AuthMethod: model.AuthAPIKey,
		},
	}
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok && id != nil
}

func UserID(ctx context.Context) string {
	id, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return id.User.ID
}

func IsPrivileged(ctx context.Context) bool {
	id, ok := FromContext(ctx)
	return ok && id.Privileged()
}
