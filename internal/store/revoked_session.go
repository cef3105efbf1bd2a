package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RevokedSessionStore remembers logged-out session IDs until they expire.
type RevokedSessionStore struct {
	q querier
}

func NewRevokedSessionStore(db *sql.DB) *RevokedSessionStore {
	return &RevokedSessionStore{q: db}
}

func (s *RevokedSessionStore) Revoke(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO revoked_sessions (jti, expires_at) VALUES (?, ?) ON CONFLICT (jti) DO NOTHING`,
		id, expiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *RevokedSessionStore) IsRevoked(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM revoked_sessions WHERE jti = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check revoked session: %w", err)
	}
	return n > 0, nil
}

// DeleteExpired removes entries whose tokens would fail expiry checks anyway.
func (s *RevokedSessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.q.ExecContext(ctx, `DELETE FROM revoked_sessions WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}
