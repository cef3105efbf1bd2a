// Package restore rebuilds graph and relational state from archives.
package restore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/database"
	"github.com/dukerupert/graphsafe/internal/graph"
	"github.com/dukerupert/graphsafe/internal/model"
	"github.com/dukerupert/graphsafe/internal/snapshot"
	"github.com/dukerupert/graphsafe/internal/store"
)

// maxListedSkips bounds the per-entity skip list in a report. Counts are
// always exact.
const maxListedSkips = 1000

// Archives is the subset of the backup service a restore needs.
type Archives interface {
	Fetch(ctx context.Context, key string) ([]byte, *model.Archive, error)
	Latest(ctx context.Context) (*model.Archive, error)
}

type Options struct {
	Mode           model.RestoreMode `json:"mode"`
	Confirm        bool              `json:"confirm"`
	SkipRelational bool              `json:"skip_relational"`
}

// Filter selects the entities a selective restore applies. A node matches
// when its document is listed (or no documents are listed) and it carries
// one of the labels (or no labels are listed).
type Filter struct {
	DocumentIDs []string `json:"document_ids"`
	Labels      []string `json:"labels"`
}

func (f *Filter) empty() bool {
	return f == nil || (len(f.DocumentIDs) == 0 && len(f.Labels) == 0)
}

func (f *Filter) document(id string) bool {
	return f == nil || len(f.DocumentIDs) == 0 || slices.Contains(f.DocumentIDs, id)
}

func (f *Filter) node(n model.Node) bool {
	if !f.document(n.DocumentID) {
		return false
	}
	if f == nil || len(f.Labels) == 0 {
		return true
	}
	for _, l := range n.Labels {
		if slices.Contains(f.Labels, l) {
			return true
		}
	}
	return false
}

type Service struct {
	db       *sql.DB
	archives Archives
	graph    *graph.Store
	users    *store.UserStore
	docs     *store.DocumentStore
	logger   *slog.Logger
	now      func() time.Time

	autoRan atomic.Bool
}

func NewService(db *sql.DB, archives Archives, g *graph.Store, users *store.UserStore, docs *store.DocumentStore, logger *slog.Logger) *Service {
	return &Service{
		db:       db,
		archives: archives,
		graph:    g,
		users:    users,
		docs:     docs,
		logger:   logger,
		now:      time.Now,
	}
}

// RestoreFull applies every entity in the archive.
func (s *Service) RestoreFull(ctx context.Context, key string, opts Options) (*model.Report, error) {
	return s.restore(ctx, key, nil, opts)
}

// RestoreSelective applies only the entities matching f. In replace mode
// only the listed documents are cleared first, so f must name documents.
func (s *Service) RestoreSelective(ctx context.Context, key string, f Filter, opts Options) (*model.Report, error) {
	if f.empty() {
		return nil, fmt.Errorf("selective restore needs document ids or labels: %w", apperr.ErrInvalidRequest)
	}
	if opts.Mode == model.ModeReplace && len(f.DocumentIDs) == 0 {
		return nil, fmt.Errorf("selective replace needs document ids: %w", apperr.ErrInvalidRequest)
	}
	return s.restore(ctx, key, &f, opts)
}

// AutoRestore restores the newest non-incremental archive when the graph is
// empty. It runs at most once per process; later calls return nil.
func (s *Service) AutoRestore(ctx context.Context) (*model.Report, error) {
	if !s.autoRan.CompareAndSwap(false, true) {
		return nil, nil
	}
	nodes, edges, err := s.graph.Count(ctx)
	if err != nil {
		return nil, err
	}
	if nodes > 0 || edges > 0 {
		s.logger.Info("auto-restore skipped, graph not empty", "nodes", nodes, "edges", edges)
		return nil, nil
	}
	latest, err := s.archives.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("find latest archive: %w", err)
	}
	if latest == nil {
		s.logger.Info("auto-restore skipped, no archives")
		return nil, nil
	}
	s.logger.Info("auto-restore starting", "key", latest.Key)
	return s.RestoreFull(ctx, latest.Key, Options{Mode: model.ModeReplace, Confirm: true})
}

func validate(opts Options) (model.RestoreMode, error) {
	switch opts.Mode {
	case "":
		return model.ModeOverlay, nil
	case model.ModeOverlay:
		return opts.Mode, nil
	case model.ModeReplace:
		if !opts.Confirm {
			return "", fmt.Errorf("replace restore requires confirmation: %w", apperr.ErrInvalidRequest)
		}
		return opts.Mode, nil
	}
	return "", fmt.Errorf("unknown restore mode %q: %w", opts.Mode, apperr.ErrInvalidRequest)
}

func (s *Service) restore(ctx context.Context, key string, f *Filter, opts Options) (*model.Report, error) {
	mode, err := validate(opts)
	if err != nil {
		return nil, err
	}

	payload, _, err := s.archives.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	env, err := snapshot.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", key, err)
	}
	if env.Kind == model.KindIncremental {
		return nil, fmt.Errorf("restore %s: incremental archives cannot be restored: %w", key, apperr.ErrInvalidRequest)
	}
	if env.Graph == nil {
		return nil, fmt.Errorf("restore %s: archive has no graph section: %w", key, apperr.ErrCorrupt)
	}

	report := &model.Report{
		ArchiveKey: key,
		Mode:       mode,
		Selective:  f != nil,
		StartedAt:  s.now().UTC(),
	}

	err = database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		g := s.graph.WithTx(tx)
		if mode == model.ModeReplace {
			var docs []string
			if f != nil {
				docs = f.DocumentIDs
			}
			if err := g.Clear(ctx, docs...); err != nil {
				return err
			}
		}
		if !opts.SkipRelational && env.Relational != nil {
			if err := s.applyRelational(ctx, s.users.WithTx(tx), s.docs.WithTx(tx), env.Relational, f, report); err != nil {
				return err
			}
		}
		return applyGraph(ctx, g, env.Graph, f, report)
	})
	if err != nil {
		return nil, fmt.Errorf("restore %s: nothing was applied: %w", key, err)
	}

	report.FinishedAt = s.now().UTC()
	s.logger.Info("restore complete",
		"key", key, "mode", mode, "selective", report.Selective,
		"nodes", report.NodesRestored, "edges", report.EdgesRestored,
		"nodes_skipped", report.NodesSkipped, "edges_skipped", report.EdgesSkipped)
	return report, nil
}

func skip(r *model.Report, kind model.EntityKind, id, reason string) {
	if len(r.Skipped) < maxListedSkips {
		r.Skipped = append(r.Skipped, model.SkippedEntity{Kind: kind, ID: id, Reason: reason})
	}
}

func applyGraph(ctx context.Context, g *graph.Store, snap *snapshot.GraphSnapshot, f *Filter, r *model.Report) error {
	selected := make(map[string]bool, len(snap.Nodes))
	for _, n := range snap.Nodes {
		if !f.node(n) {
			continue
		}
		selected[n.ID] = true
		inserted, err := g.InsertNode(ctx, &n)
		if err != nil {
			return err
		}
		if inserted {
			r.NodesRestored++
		} else {
			r.NodesSkipped++
			skip(r, model.EntityNode, n.ID, "node already exists")
		}
	}

	labelFiltered := f != nil && len(f.Labels) > 0
	for _, e := range snap.Edges {
		if !f.document(e.DocumentID) {
			continue
		}
		if labelFiltered && (!selected[e.SourceID] || !selected[e.TargetID]) {
			continue
		}
		ok, err := endpointsExist(ctx, g, e)
		if err != nil {
			return err
		}
		if !ok {
			r.EdgesSkipped++
			skip(r, model.EntityEdge, e.ID, "missing endpoint")
			continue
		}
		inserted, err := g.InsertEdge(ctx, &e)
		if err != nil {
			return err
		}
		if inserted {
			r.EdgesRestored++
		} else {
			r.EdgesSkipped++
			skip(r, model.EntityEdge, e.ID, "edge already exists")
		}
	}
	return nil
}

func endpointsExist(ctx context.Context, g *graph.Store, e model.Edge) (bool, error) {
	for _, id := range []string{e.SourceID, e.TargetID} {
		ok, err := g.NodeExists(ctx, id)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// applyRelational inserts users, documents and grants that do not exist
// yet. Existing rows always win. Token rows are masked in archives and are
// never written back.
func (s *Service) applyRelational(ctx context.Context, users *store.UserStore, docs *store.DocumentStore, snap *snapshot.RelationalSnapshot, f *Filter, r *model.Report) error {
	var grants []model.DocumentAccess
	wanted := make(map[string]bool)
	for _, a := range snap.Grants {
		if f.document(a.DocumentID) {
			grants = append(grants, a)
			wanted[a.UserID] = true
		}
	}
	var documents []model.Document
	for _, d := range snap.Documents {
		if f.document(d.ID) {
			documents = append(documents, d)
			wanted[d.OwnerID] = true
		}
	}

	for _, u := range snap.Users {
		if f != nil && !wanted[u.ID] {
			continue
		}
		inserted, err := users.Insert(ctx, u)
		if err != nil {
			return err
		}
		if inserted {
			r.UsersRestored++
		} else {
			r.UsersSkipped++
			skip(r, model.EntityUser, u.ID, "user already exists")
		}
	}
	for _, d := range documents {
		inserted, err := docs.Insert(ctx, d)
		if err != nil {
			return err
		}
		if inserted {
			r.DocumentsRestored++
		} else {
			skip(r, model.EntityDocument, d.ID, "document already exists")
		}
	}
	for _, a := range grants {
		inserted, err := docs.InsertGrant(ctx, a)
		if err != nil {
			return err
		}
		if inserted {
			r.GrantsRestored++
		}
	}
	if len(snap.Tokens) > 0 {
		s.logger.Info("oauth tokens in archive are masked and were not restored", "count", len(snap.Tokens))
	}
	return nil
}
