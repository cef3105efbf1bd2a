package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/auth"
	"github.com/dukerupert/graphsafe/internal/graph"
	"github.com/dukerupert/graphsafe/internal/model"
)

const graphPageSize = 500

// GraphHandler serves document graph content. Every mutation is handed to
// the recorder for continuous backup.
type GraphHandler struct {
	graph    *graph.Store
	docs     *auth.DocumentService
	recorder auth.Recorder
	logger   *slog.Logger
}

func NewGraphHandler(g *graph.Store, docs *auth.DocumentService, recorder auth.Recorder, logger *slog.Logger) *GraphHandler {
	return &GraphHandler{graph: g, docs: docs, recorder: recorder, logger: logger}
}

func (h *GraphHandler) record(kind model.EntityKind, entityID, documentID string, op model.Operation, data map[string]any) {
	if h.recorder == nil {
		return
	}
	h.recorder.Record(model.ChangeRecord{
		EntityKind: kind,
		EntityID:   entityID,
		DocumentID: documentID,
		Operation:  op,
		Data:       data,
	})
}

// require resolves the caller and checks their level on the path document.
func (h *GraphHandler) require(r *http.Request, min model.Level) (*model.Document, error) {
	id, err := identity(r)
	if err != nil {
		return nil, err
	}
	return h.docs.Permissions().Require(r.Context(), id, r.PathValue("id"), min)
}

type documentGraph struct {
	Document *model.Document `json:"document"`
	Nodes    []model.Node    `json:"nodes"`
	Edges    []model.Edge    `json:"edges"`
}

func (h *GraphHandler) Get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.require(r, model.LevelViewer)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	out := documentGraph{Document: doc, Nodes: []model.Node{}, Edges: []model.Edge{}}
	ids := []string{doc.ID}
	for after := ""; ; {
		page, err := h.graph.ListNodes(r.Context(), graph.Page{DocumentIDs: ids, After: after, Limit: graphPageSize})
		if err != nil {
			writeError(w, h.logger, r, err)
			return
		}
		out.Nodes = append(out.Nodes, page...)
		if len(page) < graphPageSize {
			break
		}
		after = page[len(page)-1].ID
	}
	for after := ""; ; {
		page, err := h.graph.ListEdges(r.Context(), graph.Page{DocumentIDs: ids, After: after, Limit: graphPageSize})
		if err != nil {
			writeError(w, h.logger, r, err)
			return
		}
		out.Edges = append(out.Edges, page...)
		if len(page) < graphPageSize {
			break
		}
		after = page[len(page)-1].ID
	}
	writeJSON(w, http.StatusOK, out)
}

type nodeRequest struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

func (h *GraphHandler) CreateNode(w http.ResponseWriter, r *http.Request) {
	doc, err := h.require(r, model.LevelEditor)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	var req nodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	n := &model.Node{ID: req.ID, DocumentID: doc.ID, Labels: req.Labels, Properties: req.Properties}
	if err := h.graph.CreateNode(r.Context(), n); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	h.record(model.EntityNode, n.ID, doc.ID, model.OpCreate, map[string]any{"labels": n.Labels, "properties": n.Properties})
	writeJSON(w, http.StatusCreated, n)
}

// nodeInDocument loads a node and hides nodes of other documents.
func (h *GraphHandler) nodeInDocument(ctx context.Context, docID, nodeID string) (*model.Node, error) {
	n, err := h.graph.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if n == nil || n.DocumentID != docID {
		return nil, fmt.Errorf("node %s: %w", nodeID, apperr.ErrNotFound)
	}
	return n, nil
}

func (h *GraphHandler) UpdateNode(w http.ResponseWriter, r *http.Request) {
	doc, err := h.require(r, model.LevelEditor)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	var req nodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	nodeID := r.PathValue("nodeID")
	if _, err := h.nodeInDocument(r.Context(), doc.ID, nodeID); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	n, err := h.graph.UpdateNode(r.Context(), nodeID, req.Labels, req.Properties)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if n == nil {
		writeError(w, h.logger, r, fmt.Errorf("node %s: %w", nodeID, apperr.ErrNotFound))
		return
	}
	h.record(model.EntityNode, n.ID, doc.ID, model.OpUpdate, map[string]any{"labels": n.Labels, "properties": n.Properties})
	writeJSON(w, http.StatusOK, n)
}

func (h *GraphHandler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	doc, err := h.require(r, model.LevelEditor)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	nodeID := r.PathValue("nodeID")
	if _, err := h.nodeInDocument(r.Context(), doc.ID, nodeID); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	removed, _, err := h.graph.DeleteNode(r.Context(), nodeID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	// Edges go first so a replay never sees an edge without its endpoint.
	for _, edgeID := range removed {
		h.record(model.EntityEdge, edgeID, doc.ID, model.OpDelete, map[string]any{"cascade_from": nodeID})
	}
	var data map[string]any
	if len(removed) > 0 {
		data = map[string]any{"removed_edges": removed}
	}
	h.record(model.EntityNode, nodeID, doc.ID, model.OpDelete, data)
	w.WriteHeader(http.StatusNoContent)
}

type edgeRequest struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Properties map[string]any `json:"properties"`
}

func (h *GraphHandler) CreateEdge(w http.ResponseWriter, r *http.Request) {
	doc, err := h.require(r, model.LevelEditor)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	var req edgeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if req.Type == "" {
		writeError(w, h.logger, r, fmt.Errorf("edge type is required: %w", apperr.ErrInvalidRequest))
		return
	}
	e := &model.Edge{
		ID:         req.ID,
		DocumentID: doc.ID,
		Type:       req.Type,
		SourceID:   req.SourceID,
		TargetID:   req.TargetID,
		Properties: req.Properties,
	}
	if err := h.graph.CreateEdge(r.Context(), e); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	h.record(model.EntityEdge, e.ID, doc.ID, model.OpCreate, map[string]any{
		"type":       e.Type,
		"source_id":  e.SourceID,
		"target_id":  e.TargetID,
		"properties": e.Properties,
	})
	writeJSON(w, http.StatusCreated, e)
}

func (h *GraphHandler) DeleteEdge(w http.ResponseWriter, r *http.Request) {
	doc, err := h.require(r, model.LevelEditor)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	edgeID := r.PathValue("edgeID")
	e, err := h.graph.GetEdge(r.Context(), edgeID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if e == nil || e.DocumentID != doc.ID {
		writeError(w, h.logger, r, fmt.Errorf("edge %s: %w", edgeID, apperr.ErrNotFound))
		return
	}
	if _, err := h.graph.DeleteEdge(r.Context(), edgeID); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	h.record(model.EntityEdge, edgeID, doc.ID, model.OpDelete, nil)
	w.WriteHeader(http.StatusNoContent)
}

// DeleteDocument removes the document and all of its graph content.
func (h *GraphHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if err := h.docs.Delete(r.Context(), id, r.PathValue("id")); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
