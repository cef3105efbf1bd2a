package model

import "time"

type Node struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type Edge struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Type       string         `json:"type"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
}

type GraphStats struct {
	NodeCountsByLabel map[string]int `json:"node_counts_by_label"`
	EdgeCountsByType  map[string]int `json:"edge_counts_by_type"`
	TotalNodes        int            `json:"total_nodes"`
	TotalEdges        int            `json:"total_edges"`
}
