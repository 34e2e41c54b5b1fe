package pipeline

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/thebtf/stocktake/internal/classify"
	"github.com/thebtf/stocktake/internal/enrich"
	"github.com/thebtf/stocktake/internal/report"
	"github.com/thebtf/stocktake/internal/source"
	"github.com/thebtf/stocktake/pkg/clustering"
	"github.com/thebtf/stocktake/pkg/similarity"
)

// Stage names, in chain order.
const (
	StageLoad       = "load"
	StageClean      = "clean"
	StageEnrich     = "enrich"
	StageClassify   = "classify"
	StageSimilarity = "similarity"
	StageCluster    = "cluster"
	StageReport     = "report"
)

// loadStage pulls the catalog from the data source into the item table.
type loadStage struct {
	src   source.DataSource
	path  string
	kind  string
	table string
}

func (s *loadStage) Name() string { return StageLoad }

func (s *loadStage) Params() any {
	return struct {
		Path   string `json:"path"`
		Source string `json:"source"`
		Table  string `json:"table,omitempty"`
	}{s.path, s.kind, s.table}
}

func (s *loadStage) Run(ctx context.Context, state *State) (StageStats, error) {
	tbl, err := s.src.Load(ctx, s.path)
	if err != nil {
		return StageStats{}, stageErr(StageLoad, KindInput, err)
	}
	if err := tbl.Validate(); err != nil {
		return StageStats{}, stageErr(StageLoad, KindValidation, err)
	}
	state.Table = tbl
	return StageStats{Items: tbl.Len()}, nil
}

// cleanStage normalizes raw descriptions: whitespace collapsed, control
// characters stripped.
type cleanStage struct{}

func (s *cleanStage) Name() string { return StageClean }
func (s *cleanStage) Params() any  { return struct{}{} }

func (s *cleanStage) Run(ctx context.Context, state *State) (StageStats, error) {
	for _, it := range state.Table.Items() {
		it.CleanDesc = cleanDescription(it.RawDesc)
	}
	return StageStats{Items: state.Table.Len()}, nil
}

func cleanDescription(raw string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, raw)
	return strings.Join(strings.Fields(mapped), " ")
}

// enrichStage runs the enrichment executor over the table.
type enrichStage struct {
	exec *enrich.Executor
	opts enrich.Options
}

func (s *enrichStage) Name() string { return StageEnrich }
func (s *enrichStage) Params() any  { return s.opts }

func (s *enrichStage) Run(ctx context.Context, state *State) (StageStats, error) {
	res, err := s.exec.Run(ctx, state.Table)
	stats := StageStats{
		Items:     state.Table.Len(),
		Calls:     res.Calls,
		Retries:   res.Retries,
		Degraded:  res.Degraded,
		TokensIn:  res.TokensIn,
		TokensOut: res.TokensOut,
	}
	if err != nil {
		return stats, stageErr(StageEnrich, KindCollaborator, err)
	}
	return stats, nil
}

// classifyStage assigns a category label to every item.
type classifyStage struct {
	classifier classify.Classifier
	rules      []classify.Rule
}

func (s *classifyStage) Name() string { return StageClassify }

func (s *classifyStage) Params() any {
	return struct {
		Classifier string          `json:"classifier"`
		Rules      []classify.Rule `json:"rules,omitempty"`
	}{s.classifier.Name(), s.rules}
}

func (s *classifyStage) Run(ctx context.Context, state *State) (StageStats, error) {
	categories := make(map[string]bool)
	for _, it := range state.Table.Items() {
		if err := ctx.Err(); err != nil {
			return StageStats{}, err
		}
		label, err := s.classifier.Classify(ctx, it)
		if err != nil {
			return StageStats{}, stageErr(StageClassify, KindCollaborator, err)
		}
		if label == "" {
			return StageStats{}, stageErr(StageClassify, KindValidation,
				fmt.Errorf("classifier returned empty label for item %s", it.ID))
		}
		it.Category = label
		categories[label] = true
	}
	return StageStats{Items: state.Table.Len(), Categories: len(categories)}, nil
}

// similarityStage materializes the sparse edge set.
type similarityStage struct {
	engine *similarity.Engine
	cfg    similarity.Config
}

func (s *similarityStage) Name() string { return StageSimilarity }
func (s *similarityStage) Params() any  { return s.cfg }

func (s *similarityStage) Run(ctx context.Context, state *State) (StageStats, error) {
	edges, err := s.engine.Compute(ctx, state.Table.Items())
	if err != nil {
		return StageStats{}, err
	}
	state.Edges = edges
	return StageStats{Items: state.Table.Len(), Edges: len(edges)}, nil
}

// clusterStage derives cluster assignments from the edge set.
type clusterStage struct {
	params clustering.Params
}

func (s *clusterStage) Name() string { return StageCluster }
func (s *clusterStage) Params() any  { return s.params }

func (s *clusterStage) Run(ctx context.Context, state *State) (StageStats, error) {
	if err := ctx.Err(); err != nil {
		return StageStats{}, err
	}
	assignments := clustering.Cluster(state.Table.Items(), state.Edges, s.params)
	for _, it := range state.Table.Items() {
		if _, ok := assignments[it.ID]; !ok {
			return StageStats{}, stageErr(StageCluster, KindValidation,
				fmt.Errorf("item %s has no cluster assignment", it.ID))
		}
	}
	state.Clusters = assignments
	return StageStats{
		Items:    state.Table.Len(),
		Clusters: assignments.Clusters(),
		Noise:    assignments.NoiseCount(),
	}, nil
}

// reportStage writes the output artifacts for external consumers.
type reportStage struct {
	outDir    string
	visualize bool
	stats     func() *RunStats
}

func (s *reportStage) Name() string { return StageReport }

func (s *reportStage) Params() any {
	return struct {
		OutDir    string `json:"out_dir"`
		Visualize bool   `json:"visualize"`
	}{s.outDir, s.visualize}
}

func (s *reportStage) Run(ctx context.Context, state *State) (StageStats, error) {
	w := report.Writer{Dir: s.outDir, Visualize: s.visualize}
	if err := w.Write(ctx, state.Table, state.Edges, state.Clusters, s.stats()); err != nil {
		return StageStats{}, err
	}
	return StageStats{Items: state.Table.Len()}, nil
}
