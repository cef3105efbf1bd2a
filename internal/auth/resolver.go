package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/model"
)

const APIKeyHeader = "X-API-Key"

type UserGetter interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// Resolver turns request credentials into an Identity.
type Resolver struct {
	sessions *SessionManager
	users    UserGetter
	apiKey   []byte
}

// NewResolver creates a resolver. An empty apiKey disables the API key
// scheme.
func NewResolver(sessions *SessionManager, users UserGetter, apiKey string) *Resolver {
	r := &Resolver{sessions: sessions, users: users}
	if apiKey != "" {
		r.apiKey = []byte(apiKey)
	}
	return r
}

// Resolve checks the bearer session token first and the API key header
// second.
func (r *Resolver) Resolve(req *http.Request) (*Identity, error) {
	var bearerErr error
	if token, ok := bearerToken(req); ok {
		id, err := r.resolveSession(req.Context(), token)
		if err == nil {
			return id, nil
		}
		bearerErr = err
	}

	if key := req.Header.Get(APIKeyHeader); key != "" {
		if r.apiKey != nil && subtle.ConstantTimeCompare([]byte(key), r.apiKey) == 1 {
			return apiKeyIdentity(), nil
		}
		return nil, fmt.Errorf("invalid api key: %w", apperr.ErrUnauthorized)
	}

	if bearerErr != nil {
		return nil, bearerErr
	}
	return nil, fmt.Errorf("no credentials: %w", apperr.ErrUnauthorized)
}

func (r *Resolver) resolveSession(ctx context.Context, token string) (*Identity, error) {
	if r.sessions == nil {
		return nil, fmt.Errorf("sessions disabled: %w", apperr.ErrUnauthorized)
	}
	sess, err := r.sessions.Parse(ctx, token)
	if err != nil {
		return nil, err
	}
	u, err := r.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("session user %s no longer exists: %w", sess.UserID, apperr.ErrUnauthorized)
	}
	return &Identity{Kind: KindSession, User: *u, Session: sess}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
