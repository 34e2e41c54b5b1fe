package similarity

import (
	"hash/fnv"
	"math"

	"github.com/thebtf/stocktake/pkg/catalog"
)

// VectorDim is the dimensionality of hashed feature vectors.
const VectorDim = 64

// Vector folds an item's terms and attribute pairs into a fixed-size
// L2-normalized vector via feature hashing. The mapping is deterministic,
// which the clustering fallback relies on for reproducible assignments.
func Vector(it *catalog.Item) []float64 {
	v := make([]float64, VectorDim)
	for term := range ItemTerms(it) {
		v[bucket(term)]++
	}
	for pair := range AttributePairs(it) {
		v[bucket(pair)]++
	}

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range v {
			v[i] /= norm
		}
	}
	return v
}

func bucket(s string) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % VectorDim)
}
