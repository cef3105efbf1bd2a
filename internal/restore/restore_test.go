package restore

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/crypto"
	"github.com/dukerupert/graphsafe/internal/database"
	"github.com/dukerupert/graphsafe/internal/graph"
	"github.com/dukerupert/graphsafe/internal/model"
	"github.com/dukerupert/graphsafe/internal/snapshot"
	"github.com/dukerupert/graphsafe/internal/store"
)

type fakeArchives struct {
	payloads map[string][]byte
	order    []string
	err      error
}

func (f *fakeArchives) put(key string, payload []byte) {
	if f.payloads == nil {
		f.payloads = map[string][]byte{}
	}
	f.payloads[key] = payload
	f.order = append(f.order, key)
}

func (f *fakeArchives) Fetch(_ context.Context, key string) ([]byte, *model.Archive, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	p, ok := f.payloads[key]
	if !ok {
		return nil, nil, apperr.ErrNotFound
	}
	return p, &model.Archive{Key: key}, nil
}

func (f *fakeArchives) Latest(context.Context) (*model.Archive, error) {
	if len(f.order) == 0 {
		return nil, nil
	}
	return &model.Archive{Key: f.order[len(f.order)-1]}, nil
}

type env struct {
	db     *sql.DB
	graph  *graph.Store
	users  *store.UserStore
	docs   *store.DocumentStore
	tokens *store.TokenStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &env{
		db:     db,
		graph:  graph.NewStore(db),
		users:  store.NewUserStore(db),
		docs:   store.NewDocumentStore(db),
		tokens: store.NewTokenStore(db, crypto.NewLocalEncryptor("test-key")),
	}
}

func (e *env) snapshot(t *testing.T, kind model.ArchiveKind) []byte {
	t.Helper()
	b := snapshot.NewBuilder(
		snapshot.NewGraphExporter(e.graph, 2),
		snapshot.NewRelationalExporter(e.users, e.docs, e.tokens),
	)
	payload, err := b.Full(context.Background(), kind)
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	return payload
}

func (e *env) service(a Archives) *Service {
	return NewService(e.db, a, e.graph, e.users, e.docs, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// seed creates two documents, each with two nodes joined by an edge.
func (e *env) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	owner := &model.User{ID: "u1", Email: "alice@example.com", Name: "Alice", AuthMethod: model.AuthGoogle, Provider: "google", ProviderID: "g-1"}
	if err := e.users.Create(ctx, owner); err != nil {
		t.Fatal(err)
	}
	if err := e.tokens.Save(ctx, model.OAuthToken{UserID: "u1", Provider: "google", AccessToken: "ya29.access-token-value", RefreshToken: "1//refresh-token-value"}); err != nil {
		t.Fatal(err)
	}
	for _, doc := range []string{"d1", "d2"} {
		if err := e.docs.Create(ctx, &model.Document{ID: doc, Name: "Doc " + doc, OwnerID: "u1"}); err != nil {
			t.Fatal(err)
		}
		a := &model.Node{ID: doc + "-a", DocumentID: doc, Labels: []string{"Person"}, Properties: map[string]any{"name": "Ada", "age": 36.0}}
		b := &model.Node{ID: doc + "-b", DocumentID: doc, Labels: []string{"Place"}, Properties: map[string]any{"name": "London"}}
		for _, n := range []*model.Node{a, b} {
			if err := e.graph.CreateNode(ctx, n); err != nil {
				t.Fatal(err)
			}
		}
		if err := e.graph.CreateEdge(ctx, &model.Edge{ID: doc + "-e", DocumentID: doc, Type: "LIVES_IN", SourceID: a.ID, TargetID: b.ID}); err != nil {
			t.Fatal(err)
		}
	}
}

func (e *env) nodes(t *testing.T) []model.Node {
	t.Helper()
	nodes, err := e.graph.ListNodes(context.Background(), graph.Page{Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

func (e *env) edges(t *testing.T) []model.Edge {
	t.Helper()
	edges, err := e.graph.ListEdges(context.Background(), graph.Page{Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	return edges
}

func sameGraph(t *testing.T, want, got *env) {
	t.Helper()
	wn, gn := want.nodes(t), got.nodes(t)
	if len(wn) != len(gn) {
		t.Fatalf("nodes = %d, want %d", len(gn), len(wn))
	}
	for i := range wn {
		if wn[i].ID != gn[i].ID || wn[i].DocumentID != gn[i].DocumentID {
			t.Errorf("node %d = %s/%s, want %s/%s", i, gn[i].DocumentID, gn[i].ID, wn[i].DocumentID, wn[i].ID)
		}
		if !reflect.DeepEqual(wn[i].Labels, gn[i].Labels) {
			t.Errorf("node %s labels = %v, want %v", wn[i].ID, gn[i].Labels, wn[i].Labels)
		}
		if !reflect.DeepEqual(wn[i].Properties, gn[i].Properties) {
			t.Errorf("node %s properties = %v, want %v", wn[i].ID, gn[i].Properties, wn[i].Properties)
		}
		if !wn[i].CreatedAt.Equal(gn[i].CreatedAt) {
			t.Errorf("node %s created_at = %v, want %v", wn[i].ID, gn[i].CreatedAt, wn[i].CreatedAt)
		}
	}
	we, ge := want.edges(t), got.edges(t)
	if len(we) != len(ge) {
		t.Fatalf("edges = %d, want %d", len(ge), len(we))
	}
	for i := range we {
		if we[i].ID != ge[i].ID || we[i].SourceID != ge[i].SourceID || we[i].TargetID != ge[i].TargetID || we[i].Type != ge[i].Type {
			t.Errorf("edge %d = %+v, want %+v", i, ge[i], we[i])
		}
	}
}

func TestRestoreFullRoundTrip(t *testing.T) {
	src := newEnv(t)
	src.seed(t)
	archives := &fakeArchives{}
	archives.put("manual-1", src.snapshot(t, model.KindManual))

	dst := newEnv(t)
	report, err := dst.service(archives).RestoreFull(context.Background(), "manual-1", Options{Mode: model.ModeReplace, Confirm: true})
	if err != nil {
		t.Fatalf("RestoreFull: %v", err)
	}
	if report.NodesRestored != 4 || report.EdgesRestored != 2 {
		t.Errorf("report = %+v, want 4 nodes and 2 edges", report)
	}
	if report.UsersRestored != 1 || report.DocumentsRestored != 2 || report.GrantsRestored != 2 {
		t.Errorf("report = %+v, want 1 user, 2 documents, 2 grants", report)
	}
	sameGraph(t, src, dst)

	tok, err := dst.tokens.Get(context.Background(), "u1", "google")
	if err != nil {
		t.Fatal(err)
	}
	if tok != nil {
		t.Errorf("masked token restored: %+v", tok)
	}
}

func TestRestoreEmptyGraph(t *testing.T) {
	empty := newEnv(t)
	archives := &fakeArchives{}
	archives.put("full-empty", empty.snapshot(t, model.KindFull))

	dst := newEnv(t)
	dst.seed(t)
	report, err := dst.service(archives).RestoreFull(context.Background(), "full-empty", Options{Mode: model.ModeReplace, Confirm: true})
	if err != nil {
		t.Fatalf("RestoreFull: %v", err)
	}
	if report.NodesRestored != 0 || report.EdgesRestored != 0 {
		t.Errorf("report = %+v, want nothing restored", report)
	}
	sameGraph(t, empty, dst)
}

func TestReplaceRequiresConfirm(t *testing.T) {
	src := newEnv(t)
	src.seed(t)
	archives := &fakeArchives{}
	archives.put("manual-1", src.snapshot(t, model.KindManual))

	_, err := src.service(archives).RestoreFull(context.Background(), "manual-1", Options{Mode: model.ModeReplace})
	if !errors.Is(err, apperr.ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
	if n := len(src.nodes(t)); n != 4 {
		t.Errorf("nodes = %d, want 4 untouched", n)
	}
}

func TestRestoreUnknownMode(t *testing.T) {
	e := newEnv(t)
	_, err := e.service(&fakeArchives{}).RestoreFull(context.Background(), "x", Options{Mode: "merge"})
	if !errors.Is(err, apperr.ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestOverlayExistingWins(t *testing.T) {
	src := newEnv(t)
	src.seed(t)
	archives := &fakeArchives{}
	archives.put("manual-1", src.snapshot(t, model.KindManual))

	ctx := context.Background()
	if _, err := src.graph.UpdateNode(ctx, "d1-a", []string{"Person"}, map[string]any{"name": "Grace"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := src.graph.DeleteNode(ctx, "d2-b"); err != nil {
		t.Fatal(err)
	}

	report, err := src.service(archives).RestoreFull(ctx, "manual-1", Options{Mode: model.ModeOverlay})
	if err != nil {
		t.Fatalf("RestoreFull: %v", err)
	}
	if report.NodesRestored != 1 || report.NodesSkipped != 3 {
		t.Errorf("nodes restored/skipped = %d/%d, want 1/3", report.NodesRestored, report.NodesSkipped)
	}
	if report.EdgesRestored != 1 || report.EdgesSkipped != 1 {
		t.Errorf("edges restored/skipped = %d/%d, want 1/1", report.EdgesRestored, report.EdgesSkipped)
	}
	if report.UsersSkipped != 1 {
		t.Errorf("users skipped = %d, want 1", report.UsersSkipped)
	}

	n, err := src.graph.GetNode(ctx, "d1-a")
	if err != nil {
		t.Fatal(err)
	}
	if n.Properties["name"] != "Grace" {
		t.Errorf("name = %v, want existing value Grace", n.Properties["name"])
	}
}

func TestOverlaySkipsEdgeWithMissingEndpoint(t *testing.T) {
	payload := []byte(`{"format_version":1,"kind":"manual","created_at":"2026-01-01T00:00:00Z",
		"graph":{"nodes":[{"id":"n1","document_id":"d1","labels":["A"],"properties":{}}],
		"edges":[{"id":"e1","document_id":"d1","type":"REL","source_id":"n1","target_id":"ghost","properties":{}}]}}`)
	archives := &fakeArchives{}
	archives.put("manual-1", payload)

	e := newEnv(t)
	report, err := e.service(archives).RestoreFull(context.Background(), "manual-1", Options{})
	if err != nil {
		t.Fatalf("RestoreFull: %v", err)
	}
	if report.Mode != model.ModeOverlay {
		t.Errorf("mode = %q, want overlay default", report.Mode)
	}
	if report.NodesRestored != 1 || report.EdgesSkipped != 1 {
		t.Errorf("report = %+v, want 1 node restored and 1 edge skipped", report)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].Reason != "missing endpoint" {
		t.Errorf("skipped = %+v", report.Skipped)
	}
}

func TestRestoreSelective(t *testing.T) {
	src := newEnv(t)
	src.seed(t)
	archives := &fakeArchives{}
	archives.put("manual-1", src.snapshot(t, model.KindManual))

	ctx := context.Background()
	if err := src.graph.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if err := src.graph.CreateNode(ctx, &model.Node{ID: "d2-new", DocumentID: "d2", Labels: []string{"Note"}}); err != nil {
		t.Fatal(err)
	}

	report, err := src.service(archives).RestoreSelective(ctx, "manual-1", Filter{DocumentIDs: []string{"d1"}}, Options{Mode: model.ModeReplace, Confirm: true})
	if err != nil {
		t.Fatalf("RestoreSelective: %v", err)
	}
	if !report.Selective || report.NodesRestored != 2 || report.EdgesRestored != 1 {
		t.Errorf("report = %+v, want 2 nodes and 1 edge from d1", report)
	}

	var ids []string
	for _, n := range src.nodes(t) {
		ids = append(ids, n.ID)
	}
	want := []string{"d1-a", "d1-b", "d2-new"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("nodes = %v, want %v", ids, want)
	}
}

func TestRestoreSelectiveByLabel(t *testing.T) {
	src := newEnv(t)
	src.seed(t)
	archives := &fakeArchives{}
	archives.put("manual-1", src.snapshot(t, model.KindManual))

	dst := newEnv(t)
	report, err := dst.service(archives).RestoreSelective(context.Background(), "manual-1", Filter{Labels: []string{"Person"}}, Options{})
	if err != nil {
		t.Fatalf("RestoreSelective: %v", err)
	}
	if report.NodesRestored != 2 || report.EdgesRestored != 0 {
		t.Errorf("report = %+v, want 2 Person nodes and no edges", report)
	}
}

func TestRestoreSelectiveValidation(t *testing.T) {
	e := newEnv(t)
	svc := e.service(&fakeArchives{})
	ctx := context.Background()

	if _, err := svc.RestoreSelective(ctx, "k", Filter{}, Options{}); !errors.Is(err, apperr.ErrInvalidRequest) {
		t.Errorf("empty filter err = %v, want ErrInvalidRequest", err)
	}
	_, err := svc.RestoreSelective(ctx, "k", Filter{Labels: []string{"A"}}, Options{Mode: model.ModeReplace, Confirm: true})
	if !errors.Is(err, apperr.ErrInvalidRequest) {
		t.Errorf("label-only replace err = %v, want ErrInvalidRequest", err)
	}
}

func TestRestoreIncrementalRejected(t *testing.T) {
	payload, err := snapshot.EncodeIncremental([]model.ChangeRecord{{ID: "c1", EntityKind: model.EntityNode, EntityID: "n1", Operation: model.OpCreate, Timestamp: time.Now()}}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	archives := &fakeArchives{}
	archives.put("incremental-1", payload)

	e := newEnv(t)
	if _, err := e.service(archives).RestoreFull(context.Background(), "incremental-1", Options{}); !errors.Is(err, apperr.ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestRestoreCorruptAbortsBeforeWrites(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	archives := &fakeArchives{err: apperr.ErrCorrupt}

	_, err := e.service(archives).RestoreFull(context.Background(), "manual-1", Options{Mode: model.ModeReplace, Confirm: true})
	if !errors.Is(err, apperr.ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
	if n := len(e.nodes(t)); n != 4 {
		t.Errorf("nodes = %d, want 4 untouched", n)
	}
}

func TestRestoreRollsBackOnFailure(t *testing.T) {
	// The grant references a document that is neither stored nor in the
	// archive, so the foreign key check fails after the graph was cleared.
	payload := []byte(`{"format_version":1,"kind":"manual","created_at":"2026-01-01T00:00:00Z",
		"graph":{"nodes":[{"id":"n1","document_id":"d1","labels":["A"],"properties":{}}],
		"edges":[{"id":"e1","document_id":"d1","type":"REL","source_id":"n1","target_id":"n1","properties":{}}]},
		"relational":{"users":[{"id":"u1","email":"a@example.com","auth_method":"oauth:google"}],
		"documents":[],"grants":[{"document_id":"missing-doc","user_id":"u1","level":"viewer"}],"oauth_tokens":[]}}`)
	archives := &fakeArchives{}
	archives.put("manual-1", payload)

	e := newEnv(t)
	e.seed(t)
	_, err := e.service(archives).RestoreFull(context.Background(), "manual-1", Options{Mode: model.ModeReplace, Confirm: true})
	if err == nil {
		t.Fatal("expected restore failure")
	}
	if n := len(e.nodes(t)); n != 4 {
		t.Errorf("nodes = %d, want 4 after rollback", n)
	}
}

func TestAutoRestore(t *testing.T) {
	src := newEnv(t)
	src.seed(t)
	archives := &fakeArchives{}
	archives.put("full-1", src.snapshot(t, model.KindFull))

	dst := newEnv(t)
	svc := dst.service(archives)
	report, err := svc.AutoRestore(context.Background())
	if err != nil {
		t.Fatalf("AutoRestore: %v", err)
	}
	if report == nil || report.NodesRestored != 4 {
		t.Fatalf("report = %+v, want 4 nodes", report)
	}
	sameGraph(t, src, dst)

	again, err := svc.AutoRestore(context.Background())
	if err != nil || again != nil {
		t.Errorf("second AutoRestore = %v, %v; want no-op", again, err)
	}
}

func TestAutoRestoreSkipsNonEmptyGraph(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	archives := &fakeArchives{}
	archives.put("full-1", newEnv(t).snapshot(t, model.KindFull))

	report, err := e.service(archives).AutoRestore(context.Background())
	if err != nil || report != nil {
		t.Errorf("AutoRestore = %v, %v; want skip", report, err)
	}
	if n := len(e.nodes(t)); n != 4 {
		t.Errorf("nodes = %d, want 4", n)
	}
}
