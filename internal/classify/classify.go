// Package classify assigns category labels to inventory items. It exposes a
// single Classifier capability with two variants: a model-backed classifier
// and a rule-based fallback, selected by availability.
package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/thebtf/stocktake/pkg/catalog"
	"github.com/thebtf/stocktake/pkg/similarity"
)

// DefaultLabel is assigned when no rule matches an item.
const DefaultLabel = "uncategorized"

// Classifier maps an item to a category label.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, it *catalog.Item) (string, error)
}

// Model is the external trained-model capability consumed by the
// model-backed variant.
type Model interface {
	// Ready reports whether the model can serve predictions.
	Ready() bool
	Predict(ctx context.Context, text string) (string, error)
}

// Select picks the model-backed classifier when a ready model is available,
// otherwise the rule-based fallback. The fallback never declines, so the
// returned classifier always produces a label for every item.
func Select(model Model, rules []Rule) Classifier {
	if model != nil && model.Ready() {
		return &ModelBacked{model: model}
	}
	return NewRuleBased(rules)
}

// ModelBacked classifies through an external trained model.
type ModelBacked struct {
	model Model
}

// Name identifies the classifier variant.
func (*ModelBacked) Name() string { return "model" }

// Classify predicts a label from the item's best available description.
func (c *ModelBacked) Classify(ctx context.Context, it *catalog.Item) (string, error) {
	label, err := c.model.Predict(ctx, it.Description())
	if err != nil {
		return "", fmt.Errorf("predict category for %s: %w", it.ID, err)
	}
	if label == "" {
		label = DefaultLabel
	}
	return label, nil
}

// Rule maps keyword hits to a category.
type Rule struct {
	Category string   `yaml:"category" json:"category"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// RuleBased is the heuristic fallback classifier. It scores each rule by
// how many of its keywords appear in the item's term set and picks the
// best; ties resolve to the rule declared first.
type RuleBased struct {
	rules []Rule
}

// NewRuleBased creates a rule-based classifier.
func NewRuleBased(rules []Rule) *RuleBased {
	return &RuleBased{rules: rules}
}

// Name identifies the classifier variant.
func (*RuleBased) Name() string { return "rules" }

// Classify never fails; items with no keyword hits get DefaultLabel.
func (c *RuleBased) Classify(_ context.Context, it *catalog.Item) (string, error) {
	terms := similarity.ItemTerms(it)

	best := DefaultLabel
	bestHits := 0
	for _, rule := range c.rules {
		hits := 0
		for _, kw := range rule.Keywords {
			if terms[strings.ToLower(kw)] {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			best = rule.Category
		}
	}
	return best, nil
}
