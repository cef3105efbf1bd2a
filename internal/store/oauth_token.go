package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/graphsafe/internal/crypto"
	"github.com/dukerupert/graphsafe/internal/model"
)

// TokenStore persists provider tokens encrypted at rest.
type TokenStore struct {
	q   querier
	enc crypto.Encryptor
}

func NewTokenStore(db *sql.DB, enc crypto.Encryptor) *TokenStore {
	return &TokenStore{q: db, enc: enc}
}

const tokenCols = `user_id, provider, access_token, refresh_token, expires_at, updated_at`

func scanToken(scanner interface{ Scan(...any) error }) (*model.OAuthToken, error) {
	var t model.OAuthToken
	var expires sql.NullTime
	if err := scanner.Scan(&t.UserID, &t.Provider, &t.AccessToken, &t.RefreshToken, &expires, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if expires.Valid {
		e := expires.Time
		t.ExpiresAt = &e
	}
	return &t, nil
}

// Save encrypts and stores the plaintext tokens in t, replacing any previous
// tokens for the same user and provider.
func (s *TokenStore) Save(ctx context.Context, t model.OAuthToken) error {
	access, err := s.enc.Encrypt(ctx, t.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := s.enc.Encrypt(ctx, t.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	var expires any
	if t.ExpiresAt != nil {
		expires = t.ExpiresAt.UTC()
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO oauth_tokens (`+tokenCols+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = CASE WHEN excluded.refresh_token = '' THEN oauth_tokens.refresh_token ELSE excluded.refresh_token END,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		t.UserID, t.Provider, access, refresh, expires, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save oauth token: %w", err)
	}
	return nil
}

// Get returns decrypted tokens, or nil when none are stored.
func (s *TokenStore) Get(ctx context.Context, userID, provider string) (*model.OAuthToken, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+tokenCols+` FROM oauth_tokens WHERE user_id = ? AND provider = ?`, userID, provider)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth token: %w", err)
	}
	if t.AccessToken, err = s.enc.Decrypt(ctx, t.AccessToken); err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	if t.RefreshToken, err = s.enc.Decrypt(ctx, t.RefreshToken); err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return t, nil
}

// Each calls fn for every stored row without decrypting token columns.
func (s *TokenStore) Each(ctx context.Context, fn func(model.OAuthToken) error) error {
	rows, err := s.q.QueryContext(ctx, `SELECT `+tokenCols+` FROM oauth_tokens ORDER BY user_id, provider`)
	if err != nil {
		return fmt.Errorf("list oauth tokens: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return fmt.Errorf("scan oauth token: %w", err)
		}
		if err := fn(*t); err != nil {
			return err
		}
	}
	return rows.Err()
}
