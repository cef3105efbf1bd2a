package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/dukerupert/graphsafe/internal/auth"
	"github.com/dukerupert/graphsafe/internal/database"
	"github.com/dukerupert/graphsafe/internal/graph"
	"github.com/dukerupert/graphsafe/internal/model"
	"github.com/dukerupert/graphsafe/internal/store"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type changeLog struct {
	mu      sync.Mutex
	records []model.ChangeRecord
}

func (c *changeLog) Record(r model.ChangeRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func (c *changeLog) ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, r := range c.records {
		out = append(out, string(r.EntityKind)+":"+string(r.Operation))
	}
	return out
}

type graphEnv struct {
	mux     *http.ServeMux
	graph   *graph.Store
	docs    *auth.DocumentService
	changes *changeLog
	owner   *auth.Identity
	editor  *auth.Identity
	viewer  *auth.Identity
	outside *auth.Identity
	doc     *model.Document
}

func setupGraph(t *testing.T) *graphEnv {
	t.Helper()
	db := setupTestDB(t)
	users := store.NewUserStore(db)
	g := graph.NewStore(db)
	changes := &changeLog{}
	docs := auth.NewDocumentService(db, store.NewDocumentStore(db), users, g, changes, nil, testLogger())

	identity := func(email string) *auth.Identity {
		u := &model.User{Email: email, Name: email, AuthMethod: model.AuthGitHub}
		if err := users.Create(context.Background(), u); err != nil {
			t.Fatal(err)
		}
		return &auth.Identity{Kind: auth.KindSession, User: *u}
	}
	env := &graphEnv{
		graph:   g,
		docs:    docs,
		changes: changes,
		owner:   identity("owner@example.com"),
		editor:  identity("editor@example.com"),
		viewer:  identity("viewer@example.com"),
		outside: identity("outside@example.com"),
	}
	ctx := context.Background()
	doc, err := docs.Create(ctx, env.owner, "Research")
	if err != nil {
		t.Fatal(err)
	}
	env.doc = doc
	if _, err := docs.Share(ctx, env.owner, doc.ID, "editor@example.com", model.LevelEditor); err != nil {
		t.Fatal(err)
	}
	if _, err := docs.Share(ctx, env.owner, doc.ID, "viewer@example.com", model.LevelViewer); err != nil {
		t.Fatal(err)
	}
	changes.records = nil

	h := NewGraphHandler(g, docs, changes, testLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /documents/{id}/graph", h.Get)
	mux.HandleFunc("POST /documents/{id}/nodes", h.CreateNode)
	mux.HandleFunc("PUT /documents/{id}/nodes/{nodeID}", h.UpdateNode)
	mux.HandleFunc("DELETE /documents/{id}/nodes/{nodeID}", h.DeleteNode)
	mux.HandleFunc("POST /documents/{id}/edges", h.CreateEdge)
	mux.HandleFunc("DELETE /documents/{id}/edges/{edgeID}", h.DeleteEdge)
	mux.HandleFunc("DELETE /documents/{id}", h.DeleteDocument)
	env.mux = mux
	return env
}

func (env *graphEnv) do(id *auth.Identity, method, target string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	if id != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), id))
	}
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	return rec
}

func (env *graphEnv) createNode(t *testing.T, id string, labels ...string) {
	t.Helper()
	rec := env.do(env.editor, "POST", "/documents/"+env.doc.ID+"/nodes", map[string]any{"id": id, "labels": labels})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create node %s: status = %d: %s", id, rec.Code, rec.Body)
	}
}

func TestGraphNodeLifecycle(t *testing.T) {
	env := setupGraph(t)
	base := "/documents/" + env.doc.ID

	env.createNode(t, "n1", "Person")
	env.createNode(t, "n2", "Person")

	rec := env.do(env.editor, "POST", base+"/edges", map[string]any{"id": "e1", "type": "KNOWS", "source_id": "n1", "target_id": "n2"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create edge: status = %d: %s", rec.Code, rec.Body)
	}

	rec = env.do(env.editor, "PUT", base+"/nodes/n1", map[string]any{"labels": []string{"Person", "Author"}, "properties": map[string]any{"name": "Ada"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("update node: status = %d: %s", rec.Code, rec.Body)
	}
	var n model.Node
	json.NewDecoder(rec.Body).Decode(&n)
	if len(n.Labels) != 2 || n.Properties["name"] != "Ada" {
		t.Errorf("updated node = %+v", n)
	}

	rec = env.do(env.viewer, "GET", base+"/graph", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get graph: status = %d", rec.Code)
	}
	var got documentGraph
	json.NewDecoder(rec.Body).Decode(&got)
	if len(got.Nodes) != 2 || len(got.Edges) != 1 {
		t.Errorf("graph has %d nodes and %d edges, want 2 and 1", len(got.Nodes), len(got.Edges))
	}

	rec = env.do(env.editor, "DELETE", base+"/nodes/n1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete node: status = %d", rec.Code)
	}
	if e, _ := env.graph.GetEdge(context.Background(), "e1"); e != nil {
		t.Error("edge should be removed with its endpoint")
	}

	want := []string{"node:create", "node:create", "edge:create", "node:update", "edge:delete", "node:delete"}
	ops := env.changes.ops()
	if len(ops) != len(want) {
		t.Fatalf("recorded %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("record %d = %q, want %q", i, ops[i], want[i])
		}
	}

	env.changes.mu.Lock()
	defer env.changes.mu.Unlock()
	edgeDel, nodeDel := env.changes.records[4], env.changes.records[5]
	if edgeDel.EntityID != "e1" || edgeDel.Data["cascade_from"] != "n1" {
		t.Errorf("edge delete record = %+v", edgeDel)
	}
	if removed, _ := nodeDel.Data["removed_edges"].([]string); len(removed) != 1 || removed[0] != "e1" {
		t.Errorf("node delete record data = %v, want removed_edges [e1]", nodeDel.Data)
	}
}

func TestGraphPermissionLevels(t *testing.T) {
	env := setupGraph(t)
	base := "/documents/" + env.doc.ID
	env.createNode(t, "n1")

	tests := []struct {
		name   string
		id     *auth.Identity
		method string
		target string
		body   any
		status int
	}{
		{"viewer reads", env.viewer, "GET", base + "/graph", nil, http.StatusOK},
		{"outsider reads", env.outside, "GET", base + "/graph", nil, http.StatusForbidden},
		{"viewer writes", env.viewer, "POST", base + "/nodes", map[string]any{"labels": []string{"X"}}, http.StatusForbidden},
		{"editor deletes document", env.editor, "DELETE", base, nil, http.StatusForbidden},
		{"unknown document", env.owner, "GET", "/documents/missing/graph", nil, http.StatusNotFound},
		{"no identity", nil, "GET", base + "/graph", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(tt.id, tt.method, tt.target, tt.body)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestGraphNodesScopedToDocument(t *testing.T) {
	env := setupGraph(t)
	env.createNode(t, "n1")

	other, err := env.docs.Create(context.Background(), env.outside, "Other")
	if err != nil {
		t.Fatal(err)
	}
	rec := env.do(env.outside, "DELETE", "/documents/"+other.ID+"/nodes/n1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if n, _ := env.graph.GetNode(context.Background(), "n1"); n == nil {
		t.Error("node in another document must survive")
	}
}

func TestGraphEdgeValidation(t *testing.T) {
	env := setupGraph(t)
	base := "/documents/" + env.doc.ID
	env.createNode(t, "n1")

	for _, body := range []map[string]any{
		{"source_id": "n1", "target_id": "n1"},
		{"type": "KNOWS", "source_id": "n1", "target_id": "missing"},
	} {
		rec := env.do(env.editor, "POST", base+"/edges", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%v: status = %d, want 400", body, rec.Code)
		}
	}
	if len(env.changes.ops()) != 1 {
		t.Errorf("rejected edges should not be recorded: %v", env.changes.ops())
	}
}

func TestGraphDeleteDocument(t *testing.T) {
	env := setupGraph(t)
	env.createNode(t, "n1")

	rec := env.do(env.owner, "DELETE", "/documents/"+env.doc.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if n, _ := env.graph.GetNode(context.Background(), "n1"); n != nil {
		t.Error("graph content should be cleared")
	}
	rec = env.do(env.owner, "GET", "/documents/"+env.doc.ID+"/graph", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", rec.Code)
	}
}
