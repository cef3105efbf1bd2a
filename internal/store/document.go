package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/graphsafe/internal/model"
)

type DocumentStore struct {
	q querier
}

func NewDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{q: db}
}

// WithTx returns a DocumentStore whose statements run inside tx.
func (s *DocumentStore) WithTx(tx *sql.Tx) *DocumentStore {
	return &DocumentStore{q: tx}
}

const documentCols = `id, name, owner_id, created_at`
const accessCols = `document_id, user_id, level, granted_by, created_at, updated_at`

func scanDocument(scanner interface{ Scan(...any) error }) (*model.Document, error) {
	var d model.Document
	if err := scanner.Scan(&d.ID, &d.Name, &d.OwnerID, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanAccess(scanner interface{ Scan(...any) error }) (*model.DocumentAccess, error) {
	var a model.DocumentAccess
	if err := scanner.Scan(&a.DocumentID, &a.UserID, &a.Level, &a.GrantedBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a document and its owner grant.
func (s *DocumentStore) Create(ctx context.Context, d *model.Document) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO documents (`+documentCols+`) VALUES (?, ?, ?, ?)`,
		d.ID, d.Name, d.OwnerID, d.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if d.OwnerID == "" {
		return nil
	}
	return s.Grant(ctx, model.DocumentAccess{
		DocumentID: d.ID,
		UserID:     d.OwnerID,
		Level:      model.LevelOwner,
		GrantedBy:  d.OwnerID,
	})
}

// Insert writes d unless it exists and reports whether a row was written.
func (s *DocumentStore) Insert(ctx context.Context, d model.Document) (bool, error) {
	result, err := s.q.ExecContext(ctx,
		`INSERT INTO documents (`+documentCols+`) VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		d.ID, d.Name, d.OwnerID, d.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert document: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *DocumentStore) Get(ctx context.Context, id string) (*model.Document, error) {
	d, err := scanDocument(s.q.QueryRowContext(ctx, `SELECT `+documentCols+` FROM documents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

func (s *DocumentStore) Delete(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (s *DocumentStore) listDocuments(ctx context.Context, query string, args ...any) ([]model.Document, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

func (s *DocumentStore) List(ctx context.Context) ([]model.Document, error) {
	return s.listDocuments(ctx, `SELECT `+documentCols+` FROM documents ORDER BY created_at, id`)
}

// ListOwned returns documents on which userID holds the owner grant.
func (s *DocumentStore) ListOwned(ctx context.Context, userID string) ([]model.Document, error) {
	return s.listDocuments(ctx,
		`SELECT d.id, d.name, d.owner_id, d.created_at FROM documents d
		 JOIN document_access a ON a.document_id = d.id
		 WHERE a.user_id = ? AND a.level = 'owner'
		 ORDER BY d.created_at, d.id`, userID)
}

// Grant creates or updates a user's level on a document.
func (s *DocumentStore) Grant(ctx context.Context, a model.DocumentAccess) error {
	now := time.Now().UTC()
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO document_access (`+accessCols+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (document_id, user_id) DO UPDATE SET
		   level = excluded.level, granted_by = excluded.granted_by, updated_at = excluded.updated_at`,
		a.DocumentID, a.UserID, a.Level, a.GrantedBy, now, now,
	)
	if err != nil {
		return fmt.Errorf("grant access: %w", err)
	}
	return nil
}

// InsertGrant writes a unless a grant for the same pair exists.
func (s *DocumentStore) InsertGrant(ctx context.Context, a model.DocumentAccess) (bool, error) {
	result, err := s.q.ExecContext(ctx,
		`INSERT INTO document_access (`+accessCols+`) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		a.DocumentID, a.UserID, a.Level, a.GrantedBy, a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert grant: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Access returns the grant for userID on documentID, or nil.
func (s *DocumentStore) Access(ctx context.Context, documentID, userID string) (*model.DocumentAccess, error) {
	a, err := scanAccess(s.q.QueryRowContext(ctx,
		`SELECT `+accessCols+` FROM document_access WHERE document_id = ? AND user_id = ?`, documentID, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get access: %w", err)
	}
	return a, nil
}

// Revoke removes a grant and reports whether one existed.
func (s *DocumentStore) Revoke(ctx context.Context, documentID, userID string) (bool, error) {
	result, err := s.q.ExecContext(ctx,
		`DELETE FROM document_access WHERE document_id = ? AND user_id = ?`, documentID, userID)
	if err != nil {
		return false, fmt.Errorf("revoke access: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Members lists grants on a document joined with user profiles.
func (s *DocumentStore) Members(ctx context.Context, documentID string) ([]model.DocumentMember, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT a.user_id, COALESCE(u.email, ''), COALESCE(u.name, ''), a.level
		 FROM document_access a LEFT JOIN users u ON u.id = a.user_id
		 WHERE a.document_id = ?
		 ORDER BY CASE a.level WHEN 'owner' THEN 0 WHEN 'editor' THEN 1 ELSE 2 END, u.email`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []model.DocumentMember
	for rows.Next() {
		var m model.DocumentMember
		if err := rows.Scan(&m.UserID, &m.Email, &m.Name, &m.Level); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Grants lists every grant, for export.
func (s *DocumentStore) Grants(ctx context.Context) ([]model.DocumentAccess, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+accessCols+` FROM document_access ORDER BY document_id, user_id`)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var grants []model.DocumentAccess
	for rows.Next() {
		a, err := scanAccess(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, *a)
	}
	return grants, rows.Err()
}
