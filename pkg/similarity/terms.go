// Package similarity computes pairwise similarity scores between inventory
// items from their descriptions and attributes.
package similarity

import (
	"strings"

	"github.com/thebtf/stocktake/pkg/catalog"
)

// stopWords are common English words excluded from term extraction.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "shall": true,
	"this": true, "that": true, "these": true, "those": true,
	"and": true, "or": true, "but": true, "if": true, "then": true,
	"for": true, "from": true, "with": true, "about": true, "into": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "by": true,
	"it": true, "its": true, "which": true, "who": true, "what": true,
	"when": true, "where": true, "how": true, "why": true,
}

// Terms tokenizes text into a set of meaningful lowercase terms. Words
// shorter than three characters and stop words are dropped.
func Terms(text string) map[string]bool {
	terms := make(map[string]bool)
	addTerms(terms, text)
	return terms
}

// addTerms tokenizes text and adds meaningful terms to the set.
func addTerms(terms map[string]bool, text string) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_')
	})
	for _, word := range words {
		if len(word) >= 3 && !stopWords[word] {
			terms[word] = true
		}
	}
}

// ItemTerms extracts the term set of an item's best available description.
func ItemTerms(it *catalog.Item) map[string]bool {
	return Terms(it.Description())
}

// AttributePairs normalizes an item's attribute mapping into a set of
// "key=value" pairs for overlap comparison. Keys and values are lowercased
// and trimmed; empty values are dropped.
func AttributePairs(it *catalog.Item) map[string]bool {
	pairs := make(map[string]bool, len(it.Attributes))
	for k, v := range it.Attributes {
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.ToLower(strings.TrimSpace(v))
		if k == "" || v == "" {
			continue
		}
		pairs[k+"="+v] = true
	}
	return pairs
}

// Jaccard calculates the Jaccard similarity between two sets.
// Returns a value between 0 (no overlap) and 1 (identical).
func Jaccard(set1, set2 map[string]bool) float64 {
	if len(set1) == 0 && len(set2) == 0 {
		return 1.0
	}
	if len(set1) == 0 || len(set2) == 0 {
		return 0.0
	}

	intersection := 0
	for term := range set1 {
		if set2[term] {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection
	if union == 0 {
		return 0.0
	}

	return float64(intersection) / float64(union)
}
