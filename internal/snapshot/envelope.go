// Package snapshot serializes graph and relational state into archive
// payloads and decodes them again.
package snapshot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/model"
)

// FormatVersion is written into every envelope.
const FormatVersion = 1

type GraphSnapshot struct {
	Nodes      []model.Node     `json:"nodes"`
	Edges      []model.Edge     `json:"edges"`
	Statistics model.GraphStats `json:"statistics"`
}

type RelationalSnapshot struct {
	Users      []model.User           `json:"users"`
	Documents  []model.Document       `json:"documents"`
	Grants     []model.DocumentAccess `json:"grants"`
	Tokens     []model.OAuthToken     `json:"oauth_tokens"`
	Statistics map[string]int         `json:"statistics"`
}

// Envelope is the decoded content of an archive. Full-like archives carry
// Graph and Relational; incremental archives carry Changes.
type Envelope struct {
	FormatVersion int                  `json:"format_version"`
	Kind          model.ArchiveKind    `json:"kind"`
	CreatedAt     time.Time            `json:"created_at"`
	DocumentIDs   []string             `json:"document_ids,omitempty"`
	Graph         *GraphSnapshot       `json:"graph,omitempty"`
	Relational    *RelationalSnapshot  `json:"relational,omitempty"`
	StartTime     *time.Time           `json:"start_time,omitempty"`
	EndTime       *time.Time           `json:"end_time,omitempty"`
	ChangeCount   int                  `json:"change_count,omitempty"`
	Changes       []model.ChangeRecord `json:"changes,omitempty"`
}

// Decode parses an archive payload.
func Decode(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode archive: %v: %w", err, apperr.ErrCorrupt)
	}
	if env.FormatVersion > FormatVersion {
		return nil, fmt.Errorf("archive format %d is newer than %d: %w", env.FormatVersion, FormatVersion, apperr.ErrInvalidRequest)
	}
	return &env, nil
}

// EncodeIncremental serializes a drained batch of change records.
func EncodeIncremental(changes []model.ChangeRecord, createdAt time.Time) ([]byte, error) {
	env := Envelope{
		FormatVersion: FormatVersion,
		Kind:          model.KindIncremental,
		CreatedAt:     createdAt.UTC(),
		ChangeCount:   len(changes),
		Changes:       changes,
	}
	if len(changes) > 0 {
		start := changes[0].Timestamp
		end := changes[len(changes)-1].Timestamp
		env.StartTime = &start
		env.EndTime = &end
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode incremental: %w", err)
	}
	return b, nil
}
