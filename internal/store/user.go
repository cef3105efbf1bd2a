package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/graphsafe/internal/model"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type UserStore struct {
	q querier
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{q: db}
}

// WithTx returns a UserStore whose statements run inside tx.
func (s *UserStore) WithTx(tx *sql.Tx) *UserStore {
	return &UserStore{q: tx}
}

func scanUser(scanner interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	err := scanner.Scan(&u.ID, &u.Email, &u.Name, &u.AuthMethod, &u.Provider, &u.ProviderID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

const userCols = `id, email, name, auth_method, provider, provider_id, created_at, updated_at`

// Create inserts u, assigning an ID and timestamps when unset.
func (s *UserStore) Create(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO users (`+userCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.AuthMethod, u.Provider, u.ProviderID, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// Insert writes u unless a user with the same ID, email, or provider
// identity already exists. It reports whether a row was written.
func (s *UserStore) Insert(ctx context.Context, u model.User) (bool, error) {
	result, err := s.q.ExecContext(ctx,
		`INSERT INTO users (`+userCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		u.ID, u.Email, u.Name, u.AuthMethod, u.Provider, u.ProviderID, u.CreatedAt.UTC(), u.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert user: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *UserStore) GetByID(ctx context.Context, id string) (*model.User, error) {
	return s.getOne(ctx, "get user", `SELECT `+userCols+` FROM users WHERE id = ?`, id)
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.getOne(ctx, "get user by email", `SELECT `+userCols+` FROM users WHERE email = ?`, email)
}

func (s *UserStore) GetByProvider(ctx context.Context, provider, providerID string) (*model.User, error) {
	return s.getOne(ctx, "get user by provider",
		`SELECT `+userCols+` FROM users WHERE provider = ? AND provider_id = ?`, provider, providerID)
}

func (s *UserStore) getOne(ctx context.Context, op, query string, args ...any) (*model.User, error) {
	u, err := scanUser(s.q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// UpsertOAuth finds the user for a provider identity, linking an existing
// account with the same email, or creates one.
func (s *UserStore) UpsertOAuth(ctx context.Context, provider, providerID, email, name string, method model.AuthMethod) (*model.User, error) {
	existing, err := s.GetByProvider(ctx, provider, providerID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		existing, err = s.GetByEmail(ctx, email)
		if err != nil {
			return nil, err
		}
	}
	if existing == nil {
		u := &model.User{
			Email:      email,
			Name:       name,
			AuthMethod: method,
			Provider:   provider,
			ProviderID: providerID,
		}
		if err := s.Create(ctx, u); err != nil {
			return nil, err
		}
		return u, nil
	}

	_, err = s.q.ExecContext(ctx,
		`UPDATE users SET email = ?, name = ?, auth_method = ?, provider = ?, provider_id = ?, updated_at = ? WHERE id = ?`,
		email, name, method, provider, providerID, time.Now().UTC(), existing.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return s.GetByID(ctx, existing.ID)
}

func (s *UserStore) List(ctx context.Context) ([]model.User, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+userCols+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}
