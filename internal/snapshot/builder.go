package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dukerupert/graphsafe/internal/model"
)

// Builder assembles full-state payloads from both exporters.
type Builder struct {
	graph      *GraphExporter
	relational *RelationalExporter
	now        func() time.Time
}

func NewBuilder(g *GraphExporter, r *RelationalExporter) *Builder {
	return &Builder{graph: g, relational: r, now: time.Now}
}

// Full returns a complete payload for kind.
func (b *Builder) Full(ctx context.Context, kind model.ArchiveKind) ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Write(ctx, &buf, kind, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Documents returns a payload limited to the given documents.
func (b *Builder) Documents(ctx context.Context, kind model.ArchiveKind, documentIDs []string) ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Write(ctx, &buf, kind, documentIDs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write streams an envelope to w. The relational section is small and
// encoded in one piece; the graph section is paged.
func (b *Builder) Write(ctx context.Context, w io.Writer, kind model.ArchiveKind, documentIDs []string) error {
	header := struct {
		FormatVersion int               `json:"format_version"`
		Kind          model.ArchiveKind `json:"kind"`
		CreatedAt     time.Time         `json:"created_at"`
		DocumentIDs   []string          `json:"document_ids,omitempty"`
	}{FormatVersion, kind, b.now().UTC(), documentIDs}

	h, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	// Reopen the header object to append the graph and relational sections.
	if _, err := w.Write(h[:len(h)-1]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, `,"graph":`); err != nil {
		return err
	}
	if _, err := b.graph.Export(ctx, w, documentIDs); err != nil {
		return err
	}

	rel, err := b.relational.Export(ctx, documentIDs)
	if err != nil {
		return err
	}
	r, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("encode relational: %w", err)
	}
	if _, err := fmt.Fprintf(w, `,"relational":%s}`, r); err != nil {
		return err
	}
	return nil
}
