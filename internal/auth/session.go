package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/model"
)

const DefaultSessionTTL = 24 * time.Hour

// RevocationStore records logged-out session IDs until they expire.
type RevocationStore interface {
	Revoke(ctx context.Context, id string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, id string) (bool, error)
}

type sessionClaims struct {
	Email  string           `json:"email"`
	Name   string           `json:"name"`
	Method model.AuthMethod `json:"method"`
	jwt.RegisteredClaims
}

// SessionManager issues and validates signed session tokens.
type SessionManager struct {
	secret  []byte
	method  jwt.SigningMethod
	ttl     time.Duration
	revoked RevocationStore
	now     func() time.Time
}

// NewSessionManager accepts HS256, HS384 or HS512.
func NewSessionManager(secret, algorithm string, ttl time.Duration, revoked RevocationStore) (*SessionManager, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is empty: %w", apperr.ErrInvalidRequest)
	}
	if algorithm == "" {
		algorithm = jwt.SigningMethodHS256.Alg()
	}
	var method jwt.SigningMethod
	switch algorithm {
	case jwt.SigningMethodHS256.Alg():
		method = jwt.SigningMethodHS256
	case jwt.SigningMethodHS384.Alg():
		method = jwt.SigningMethodHS384
	case jwt.SigningMethodHS512.Alg():
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %q: %w", algorithm, apperr.ErrInvalidRequest)
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{
		secret:  []byte(secret),
		method:  method,
		ttl:     ttl,
		revoked: revoked,
		now:     time.Now,
	}, nil
}

// Issue signs a new session token for u.
func (m *SessionManager) Issue(u *model.User) (string, *model.Session, error) {
	now := m.now()
	sess := &model.Session{
		ID:         uuid.NewString(),
		UserID:     u.ID,
		Email:      u.Email,
		Name:       u.Name,
		AuthMethod: u.AuthMethod,
		ExpiresAt:  now.Add(m.ttl).Truncate(time.Second),
	}
	claims := sessionClaims{
		Email:  u.Email,
		Name:   u.Name,
		Method: u.AuthMethod,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign session: %w", err)
	}
	return signed, sess, nil
}

// Parse validates signature, algorithm, expiry and revocation.
func (m *SessionManager) Parse(ctx context.Context, token string) (*model.Session, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("parse session: %v: %w", err, apperr.ErrUnauthorized)
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("parse session: missing jti or sub: %w", apperr.ErrUnauthorized)
	}
	if m.revoked != nil {
		revoked, err := m.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, fmt.Errorf("session revoked: %w", apperr.ErrUnauthorized)
		}
	}
	return &model.Session{
		ID:         claims.ID,
		UserID:     claims.Subject,
		Email:      claims.Email,
		Name:       claims.Name,
		AuthMethod: claims.Method,
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}

// Revoke invalidates sess for the rest of its lifetime.
func (m *SessionManager) Revoke(ctx context.Context, sess *model.Session) error {
	if m.revoked == nil {
		return nil
	}
	return m.revoked.Revoke(ctx, sess.ID, sess.ExpiresAt)
}
