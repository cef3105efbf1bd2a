package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/database"
	"github.com/dukerupert/graphsafe/internal/model"
)

func setupGraphTestDB(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestCreateAndGetNode(t *testing.T) {
	s := setupGraphTestDB(t)
	ctx := context.Background()

	n := &model.Node{DocumentID: "doc1", Labels: []string{"Person"}, Properties: map[string]any{"name": "Ada"}}
	if err := s.CreateNode(ctx, n); err != nil {
		t.Fatalf("create node: %v", err)
	}
	if n.ID == "" {
		t.Fatal("expected generated ID")
	}

	got, err := s.GetNode(ctx, n.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got == nil {
		t.Fatal("expected node")
	}
	if got.DocumentID != "doc1" {
		t.Errorf("document = %q, want %q", got.DocumentID, "doc1")
	}
	if len(got.Labels) != 1 || got.Labels[0] != "Person" {
		t.Errorf("labels = %v, want [Person]", got.Labels)
	}
	if got.Properties["name"] != "Ada" {
		t.Errorf("name = %v, want Ada", got.Properties["name"])
	}
}

func TestGetNodeNotFound(t *testing.T) {
	s := setupGraphTestDB(t)

	n, err := s.GetNode(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if n != nil {
		t.Error("expected nil for missing node")
	}
}

func TestInsertNodeExistingWins(t *testing.T) {
	s := setupGraphTestDB(t)
	ctx := context.Background()

	first := &model.Node{ID: "n1", DocumentID: "doc1", Properties: map[string]any{"v": "first"}}
	if ok, err := s.InsertNode(ctx, first); err != nil || !ok {
		t.Fatalf("insert first: ok=%v err=%v", ok, err)
	}
	second := &model.Node{ID: "n1", DocumentID: "doc1", Properties: map[string]any{"v": "second"}}
	ok, err := s.InsertNode(ctx, second)
	if err != nil {
		t.Fatalf("insert second: %v", err)
	}
	if ok {
		t.Error("second insert should report no row written")
	}

	got, _ := s.GetNode(ctx, "n1")
	if got.Properties["v"] != "first" {
		t.Errorf("v = %v, want first", got.Properties["v"])
	}
}

func TestCreateEdgeRequiresEndpoints(t *testing.T) {
	s := setupGraphTestDB(t)
	ctx := context.Background()

	a := &model.Node{ID: "a", DocumentID: "doc1"}
	b := &model.Node{ID: "b", DocumentID: "doc2"}
	s.CreateNode(ctx, a)
	s.CreateNode(ctx, b)

	err := s.CreateEdge(ctx, &model.Edge{DocumentID: "doc1", Type: "KNOWS", SourceID: "a", TargetID: "b"})
	if !errors.Is(err, apperr.ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}

	c := &model.Node{ID: "c", DocumentID: "doc1"}
	s.CreateNode(ctx, c)
	e := &model.Edge{DocumentID: "doc1", Type: "KNOWS", SourceID: "a", TargetID: "c"}
	if err := s.CreateEdge(ctx, e); err != nil {
		t.Fatalf("create edge: %v", err)
	}
	got, err := s.GetEdge(ctx, e.ID)
	if err != nil || got == nil {
		t.Fatalf("get edge: %v %v", got, err)
	}
	if got.Type != "KNOWS" {
		t.Errorf("type = %q, want KNOWS", got.Type)
	}
}

func TestDeleteNodeRemovesEdges(t *testing.T) {
	s := setupGraphTestDB(t)
	ctx := context.Background()

	s.CreateNode(ctx, &model.Node{ID: "a", DocumentID: "doc1"})
	s.CreateNode(ctx, &model.Node{ID: "b", DocumentID: "doc1"})
	if err := s.CreateEdge(ctx, &model.Edge{ID: "e1", DocumentID: "doc1", Type: "R", SourceID: "a", TargetID: "b"}); err != nil {
		t.Fatalf("create edge: %v", err)
	}

	if err := s.CreateEdge(ctx, &model.Edge{ID: "e0", DocumentID: "doc1", Type: "R", SourceID: "b", TargetID: "a"}); err != nil {
		t.Fatalf("create edge: %v", err)
	}

	removed, ok, err := s.DeleteNode(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("delete node: ok=%v err=%v", ok, err)
	}
	if len(removed) != 2 || removed[0] != "e0" || removed[1] != "e1" {
		t.Errorf("removed edges = %v, want [e0 e1]", removed)
	}
	nodes, edges, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if nodes != 1 || edges != 0 {
		t.Errorf("count = (%d, %d), want (1, 0)", nodes, edges)
	}
}

func TestListNodesPagination(t *testing.T) {
	s := setupGraphTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"n1", "n2", "n3", "n4", "n5"} {
		s.CreateNode(ctx, &model.Node{ID: id, DocumentID: "doc1"})
	}
	s.CreateNode(ctx, &model.Node{ID: "n6", DocumentID: "doc2"})

	var seen []string
	after := ""
	for {
		page, err := s.ListNodes(ctx, Page{DocumentIDs: []string{"doc1"}, After: after, Limit: 2})
		if err != nil {
			t.Fatalf("list nodes: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, n := range page {
			seen = append(seen, n.ID)
		}
		after = page[len(page)-1].ID
	}
	if len(seen) != 5 {
		t.Fatalf("saw %d nodes, want 5: %v", len(seen), seen)
	}
	if seen[0] != "n1" || seen[4] != "n5" {
		t.Errorf("order = %v", seen)
	}
}

func TestClearDocument(t *testing.T) {
	s := setupGraphTestDB(t)
	ctx := context.Background()

	s.CreateNode(ctx, &model.Node{ID: "a", DocumentID: "doc1"})
	s.CreateNode(ctx, &model.Node{ID: "b", DocumentID: "doc2"})

	if err := s.Clear(ctx, "doc1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if ok, _ := s.NodeExists(ctx, "a"); ok {
		t.Error("doc1 node should be gone")
	}
	if ok, _ := s.NodeExists(ctx, "b"); !ok {
		t.Error("doc2 node should remain")
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	nodes, _, _ := s.Count(ctx)
	if nodes != 0 {
		t.Errorf("nodes = %d, want 0", nodes)
	}
}

func TestUpdateNode(t *testing.T) {
	s := setupGraphTestDB(t)
	ctx := context.Background()

	s.CreateNode(ctx, &model.Node{ID: "a", DocumentID: "doc1", Labels: []string{"Old"}})
	got, err := s.UpdateNode(ctx, "a", []string{"New"}, map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Labels[0] != "New" || got.Properties["k"] != "v" {
		t.Errorf("updated node = %+v", got)
	}

	missing, err := s.UpdateNode(ctx, "zzz", nil, nil)
	if err != nil {
		t.Fatalf("update missing: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing node")
	}
}
