// Package graph stores document-partitioned nodes and edges.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/model"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	q querier
}

func NewStore(db *sql.DB) *Store {
	return &Store{q: db}
}

// WithTx returns a Store whose statements run inside tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{q: tx}
}

// Page selects a keyset-paginated slice of nodes or edges.
type Page struct {
	DocumentIDs []string
	After       string
	Limit       int
}

const nodeCols = `id, document_id, labels, properties, created_at, updated_at`
const edgeCols = `id, document_id, type, source_id, target_id, properties, created_at`

func scanNode(scanner interface{ Scan(...any) error }) (*model.Node, error) {
	var n model.Node
	var labels, props string
	if err := scanner.Scan(&n.ID, &n.DocumentID, &labels, &props, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(labels), &n.Labels); err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	if err := json.Unmarshal([]byte(props), &n.Properties); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return &n, nil
}

func scanEdge(scanner interface{ Scan(...any) error }) (*model.Edge, error) {
	var e model.Edge
	var props string
	if err := scanner.Scan(&e.ID, &e.DocumentID, &e.Type, &e.SourceID, &e.TargetID, &props, &e.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(props), &e.Properties); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return &e, nil
}

func encodeJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func normalizeNode(n *model.Node) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Labels == nil {
		n.Labels = []string{}
	}
	if n.Properties == nil {
		n.Properties = map[string]any{}
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
}

// CreateNode inserts n, assigning an ID and timestamps when unset.
func (s *Store) CreateNode(ctx context.Context, n *model.Node) error {
	inserted, err := s.InsertNode(ctx, n)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("insert node %s: already exists: %w", n.ID, apperr.ErrInvalidRequest)
	}
	return nil
}

// InsertNode inserts n unless a node with the same ID exists. It reports
// whether a row was written.
func (s *Store) InsertNode(ctx context.Context, n *model.Node) (bool, error) {
	normalizeNode(n)
	labels, err := encodeJSON(n.Labels, "[]")
	if err != nil {
		return false, fmt.Errorf("encode labels: %w", err)
	}
	props, err := encodeJSON(n.Properties, "{}")
	if err != nil {
		return false, fmt.Errorf("encode properties: %w", err)
	}
	result, err := s.q.ExecContext(ctx,
		`INSERT INTO nodes (`+nodeCols+`) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		n.ID, n.DocumentID, labels, props, n.CreatedAt.UTC(), n.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert node: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) GetNode(ctx context.Context, id string) (*model.Node, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+nodeCols+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// UpdateNode replaces labels and properties. It returns nil when the node
// does not exist.
func (s *Store) UpdateNode(ctx context.Context, id string, labels []string, props map[string]any) (*model.Node, error) {
	if labels == nil {
		labels = []string{}
	}
	if props == nil {
		props = map[string]any{}
	}
	l, err := encodeJSON(labels, "[]")
	if err != nil {
		return nil, fmt.Errorf("encode labels: %w", err)
	}
	p, err := encodeJSON(props, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	result, err := s.q.ExecContext(ctx,
		`UPDATE nodes SET labels = ?, properties = ?, updated_at = ? WHERE id = ?`,
		l, p, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update node: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetNode(ctx, id)
}

// DeleteNode removes a node together with every edge touching it and
// returns the sorted ids of those edges.
func (s *Store) DeleteNode(ctx context.Context, id string) ([]string, bool, error) {
	rows, err := s.q.QueryContext(ctx,
		`DELETE FROM edges WHERE source_id = ? OR target_id = ? RETURNING id`, id, id)
	if err != nil {
		return nil, false, fmt.Errorf("delete node edges: %w", err)
	}
	var edgeIDs []string
	for rows.Next() {
		var edgeID string
		if err := rows.Scan(&edgeID); err != nil {
			rows.Close()
			return nil, false, fmt.Errorf("scan edge id: %w", err)
		}
		edgeIDs = append(edgeIDs, edgeID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("delete node edges: %w", err)
	}
	slices.Sort(edgeIDs)

	result, err := s.q.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return nil, false, fmt.Errorf("delete node: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	return edgeIDs, n > 0, nil
}

// CreateEdge inserts e after checking both endpoints exist in the edge's
// document.
func (s *Store) CreateEdge(ctx context.Context, e *model.Edge) error {
	for _, id := range []string{e.SourceID, e.TargetID} {
		n, err := s.GetNode(ctx, id)
		if err != nil {
			return err
		}
		if n == nil || n.DocumentID != e.DocumentID {
			return fmt.Errorf("edge endpoint %s: %w", id, apperr.ErrInvalidRequest)
		}
	}
	inserted, err := s.InsertEdge(ctx, e)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("insert edge %s: already exists: %w", e.ID, apperr.ErrInvalidRequest)
	}
	return nil
}

// InsertEdge inserts e unless an edge with the same ID exists. Endpoint
// existence is the caller's concern.
func (s *Store) InsertEdge(ctx context.Context, e *model.Edge) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	props, err := encodeJSON(e.Properties, "{}")
	if err != nil {
		return false, fmt.Errorf("encode properties: %w", err)
	}
	result, err := s.q.ExecContext(ctx,
		`INSERT INTO edges (`+edgeCols+`) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		e.ID, e.DocumentID, e.Type, e.SourceID, e.TargetID, props, e.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert edge: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) GetEdge(ctx context.Context, id string) (*model.Edge, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+edgeCols+` FROM edges WHERE id = ?`, id)
	e, err := scanEdge(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get edge: %w", err)
	}
	return e, nil
}

func (s *Store) DeleteEdge(ctx context.Context, id string) (bool, error) {
	result, err := s.q.ExecContext(ctx, `DELETE FROM edges WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete edge: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func documentFilter(ids []string, args []any) (string, []any) {
	if len(ids) == 0 {
		return "", args
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	for _, id := range ids {
		args = append(args, id)
	}
	return ` AND document_id IN (` + marks + `)`, args
}

// ListNodes returns up to p.Limit nodes ordered by ID, starting after p.After.
func (s *Store) ListNodes(ctx context.Context, p Page) ([]model.Node, error) {
	where, args := documentFilter(p.DocumentIDs, []any{p.After})
	args = append(args, limitOf(p))
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+nodeCols+` FROM nodes WHERE id > ?`+where+` ORDER BY id LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

// ListEdges returns up to p.Limit edges ordered by ID, starting after p.After.
func (s *Store) ListEdges(ctx context.Context, p Page) ([]model.Edge, error) {
	where, args := documentFilter(p.DocumentIDs, []any{p.After})
	args = append(args, limitOf(p))
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+edgeCols+` FROM edges WHERE id > ?`+where+` ORDER BY id LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var edges []model.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, *e)
	}
	return edges, rows.Err()
}

func limitOf(p Page) int {
	if p.Limit <= 0 {
		return 500
	}
	return p.Limit
}

// Count returns the total number of nodes and edges.
func (s *Store) Count(ctx context.Context) (nodes, edges int, err error) {
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&nodes); err != nil {
		return 0, 0, fmt.Errorf("count nodes: %w", err)
	}
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&edges); err != nil {
		return 0, 0, fmt.Errorf("count edges: %w", err)
	}
	return nodes, edges, nil
}

// Clear deletes graph content. With no document IDs the whole graph is
// removed.
func (s *Store) Clear(ctx context.Context, documentIDs ...string) error {
	where, args := documentFilter(documentIDs, nil)
	if _, err := s.q.ExecContext(ctx, `DELETE FROM edges WHERE 1 = 1`+where, args...); err != nil {
		return fmt.Errorf("clear edges: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM nodes WHERE 1 = 1`+where, args...); err != nil {
		return fmt.Errorf("clear nodes: %w", err)
	}
	return nil
}

// NodeExists reports whether a node with id is stored.
func (s *Store) NodeExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("node exists: %w", err)
	}
	return n > 0, nil
}
