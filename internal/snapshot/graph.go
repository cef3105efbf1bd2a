package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dukerupert/graphsafe/internal/graph"
	"github.com/dukerupert/graphsafe/internal/model"
)

// GraphReader pages through the graph store.
type GraphReader interface {
	ListNodes(ctx context.Context, p graph.Page) ([]model.Node, error)
	ListEdges(ctx context.Context, p graph.Page) ([]model.Edge, error)
}

// GraphExporter writes the graph as a JSON object one page at a time, so
// only a single page of rows is held in memory.
type GraphExporter struct {
	reader   GraphReader
	pageSize int
}

func NewGraphExporter(reader GraphReader, pageSize int) *GraphExporter {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &GraphExporter{reader: reader, pageSize: pageSize}
}

// Export writes {"nodes":[...],"edges":[...],"statistics":{...}} to w. When
// documentIDs is non-empty only those documents are exported.
func (e *GraphExporter) Export(ctx context.Context, w io.Writer, documentIDs []string) (model.GraphStats, error) {
	stats := model.GraphStats{
		NodeCountsByLabel: map[string]int{},
		EdgeCountsByType:  map[string]int{},
	}

	if _, err := io.WriteString(w, `{"nodes":[`); err != nil {
		return stats, err
	}
	first := true
	after := ""
	for {
		page, err := e.reader.ListNodes(ctx, graph.Page{DocumentIDs: documentIDs, After: after, Limit: e.pageSize})
		if err != nil {
			return stats, fmt.Errorf("export nodes: %w", err)
		}
		for _, n := range page {
			if err := writeElem(w, &first, n); err != nil {
				return stats, err
			}
			stats.TotalNodes++
			for _, l := range n.Labels {
				stats.NodeCountsByLabel[l]++
			}
		}
		if len(page) < e.pageSize {
			break
		}
		after = page[len(page)-1].ID
	}

	if _, err := io.WriteString(w, `],"edges":[`); err != nil {
		return stats, err
	}
	first = true
	after = ""
	for {
		page, err := e.reader.ListEdges(ctx, graph.Page{DocumentIDs: documentIDs, After: after, Limit: e.pageSize})
		if err != nil {
			return stats, fmt.Errorf("export edges: %w", err)
		}
		for _, edge := range page {
			if err := writeElem(w, &first, edge); err != nil {
				return stats, err
			}
			stats.TotalEdges++
			stats.EdgeCountsByType[edge.Type]++
		}
		if len(page) < e.pageSize {
			break
		}
		after = page[len(page)-1].ID
	}

	b, err := json.Marshal(stats)
	if err != nil {
		return stats, fmt.Errorf("encode statistics: %w", err)
	}
	if _, err := fmt.Fprintf(w, `],"statistics":%s}`, b); err != nil {
		return stats, err
	}
	return stats, nil
}

func writeElem(w io.Writer, first *bool, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode element: %w", err)
	}
	if !*first {
		if _, err := io.WriteString(w, ","); err != nil {
			return err
		}
	}
	*first = false
	_, err = w.Write(b)
	return err
}
