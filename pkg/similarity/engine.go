package similarity

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/thebtf/stocktake/pkg/catalog"
)

// Edge is one entry of the sparse similarity table: an unordered item pair
// with a combined score in [0,1]. Pairs are stored canonically with A before
// B in table order.
type Edge struct {
	A     string  `json:"a"`
	B     string  `json:"b"`
	Score float64 `json:"score"`
}

// Config tunes the similarity engine.
type Config struct {
	// Threshold is the minimum combined score for an edge to be emitted.
	Threshold float64 `yaml:"threshold" json:"threshold"`
	// TextWeight and AttributeWeight control the blend of description
	// similarity and attribute overlap. They are renormalized per pair, so
	// only their ratio matters.
	TextWeight      float64 `yaml:"text_weight" json:"text_weight"`
	AttributeWeight float64 `yaml:"attribute_weight" json:"attribute_weight"`
	// Workers bounds pairwise computation concurrency. Zero means GOMAXPROCS.
	Workers int `yaml:"workers" json:"-"`
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() Config {
	return Config{
		Threshold:       0.8,
		TextWeight:      0.7,
		AttributeWeight: 0.3,
	}
}

// Engine computes pairwise similarity edges over an item table.
type Engine struct {
	cfg Config
}

// New creates an engine with the given configuration.
func New(cfg Config) *Engine {
	if cfg.TextWeight <= 0 && cfg.AttributeWeight <= 0 {
		cfg.TextWeight = 1
	}
	return &Engine{cfg: cfg}
}

// features is the precomputed representation of one item.
type features struct {
	terms map[string]bool
	attrs map[string]bool
}

// Compute returns every pair whose combined score is at least the configured
// threshold. Items are compared in table order and edges are emitted in
// (row, column) order, so the result is deterministic regardless of worker
// count. Zero or one items yield an empty edge set.
func (e *Engine) Compute(ctx context.Context, items []*catalog.Item) ([]Edge, error) {
	if len(items) < 2 {
		return nil, nil
	}

	feats := make([]features, len(items))
	for i, it := range items {
		feats[i] = features{terms: ItemTerms(it), attrs: AttributePairs(it)}
	}

	workers := e.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	// Each row collects its own slice; rows are merged in order afterwards
	// to keep the output independent of scheduling.
	rows := make([][]Edge, len(items))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < len(items)-1; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var row []Edge
			for j := i + 1; j < len(items); j++ {
				score := e.score(feats[i], feats[j])
				if score >= e.cfg.Threshold {
					row = append(row, Edge{A: items[i].ID, B: items[j].ID, Score: score})
				}
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var edges []Edge
	for _, row := range rows {
		edges = append(edges, row...)
	}
	return edges, nil
}

// Score computes the combined similarity of a single item pair. It is
// symmetric: Score(a, b) == Score(b, a).
func (e *Engine) Score(a, b *catalog.Item) float64 {
	return e.score(
		features{terms: ItemTerms(a), attrs: AttributePairs(a)},
		features{terms: ItemTerms(b), attrs: AttributePairs(b)},
	)
}

// score blends textual and attribute similarity. When neither item carries
// attributes the attribute component is excluded and the text score stands
// alone rather than being diluted.
func (e *Engine) score(a, b features) float64 {
	text := Jaccard(a.terms, b.terms)
	wt, wa := e.cfg.TextWeight, e.cfg.AttributeWeight
	if len(a.attrs) == 0 && len(b.attrs) == 0 {
		wa = 0
	}
	if wa == 0 {
		return text
	}
	attr := Jaccard(a.attrs, b.attrs)
	return (wt*text + wa*attr) / (wt + wa)
}
