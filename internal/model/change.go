package model

import "time"

type EntityKind string

const (
	EntityNode     EntityKind = "node"
	EntityEdge     EntityKind = "edge"
	EntityDocument EntityKind = "document"
	EntityUser     EntityKind = "user"
	EntityAccess   EntityKind = "access"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeRecord describes one mutation waiting to be flushed into an
// incremental archive.
type ChangeRecord struct {
	ID         string         `json:"id"`
	EntityKind EntityKind     `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	DocumentID string         `json:"document_id,omitempty"`
	Operation  Operation      `json:"operation"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
