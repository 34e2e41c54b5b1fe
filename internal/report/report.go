// Package report writes the pipeline's output artifacts for downstream
// consumers: the final item table, the similarity edge list, the cluster
// assignment list, the run statistics summary and an optional graph export
// for visualization tools.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"

	"github.com/thebtf/stocktake/pkg/catalog"
	"github.com/thebtf/stocktake/pkg/clustering"
	"github.com/thebtf/stocktake/pkg/similarity"
)

// Artifact file names under the output directory.
const (
	ItemsFile    = "items.json"
	EdgesFile    = "edges.json"
	ClustersFile = "clusters.json"
	StatsFile    = "stats.json"
	GraphFile    = "graph.json"
)

// Assignment is one row of the cluster artifact.
type Assignment struct {
	ItemID  string `json:"item_id"`
	Cluster int    `json:"cluster"`
}

// GraphNode and GraphEdge form the visualization export.
type GraphNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Group int    `json:"group"`
}

type GraphEdge struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Similarity float64 `json:"similarity"`
}

// Graph is the node/edge export consumed by external viewers.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// Writer renders artifacts into a directory. Output is deterministic for
// identical input: items stay in table order, assignments are sorted by
// item ID and edges keep their canonical order.
type Writer struct {
	Dir       string
	Visualize bool
}

// Write renders every artifact. stats may be any JSON-encodable summary.
func (w *Writer) Write(ctx context.Context, tbl *catalog.Table, edges []similarity.Edge, clusters clustering.Assignments, stats any) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := w.writeJSON(ItemsFile, tbl); err != nil {
		return err
	}
	if err := w.writeJSON(EdgesFile, emptyAsList(edges)); err != nil {
		return err
	}
	if err := w.writeJSON(ClustersFile, assignmentRows(clusters)); err != nil {
		return err
	}
	if stats != nil {
		if err := w.writeJSON(StatsFile, stats); err != nil {
			return err
		}
	}
	if w.Visualize {
		if err := w.writeJSON(GraphFile, buildGraph(tbl, edges, clusters)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(w.Dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func assignmentRows(clusters clustering.Assignments) []Assignment {
	rows := make([]Assignment, 0, len(clusters))
	for id, label := range clusters {
		rows = append(rows, Assignment{ItemID: id, Cluster: label})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ItemID < rows[j].ItemID })
	return rows
}

func buildGraph(tbl *catalog.Table, edges []similarity.Edge, clusters clustering.Assignments) *Graph {
	g := &Graph{Nodes: make([]GraphNode, 0, tbl.Len()), Edges: make([]GraphEdge, 0, len(edges))}
	for _, it := range tbl.Items() {
		group := clustering.Noise
		if label, ok := clusters[it.ID]; ok {
			group = label
		}
		g.Nodes = append(g.Nodes, GraphNode{ID: it.ID, Label: it.Description(), Group: group})
	}
	for _, e := range edges {
		g.Edges = append(g.Edges, GraphEdge{Source: e.A, Target: e.B, Similarity: e.Score})
	}
	return g
}

func emptyAsList(edges []similarity.Edge) []similarity.Edge {
	if edges == nil {
		return []similarity.Edge{}
	}
	return edges
}
