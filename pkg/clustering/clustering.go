// Package clustering groups inventory items using a density-based pass over
// the similarity graph with a partition-based fallback for leftover noise.
package clustering

import (
	"github.com/thebtf/stocktake/pkg/catalog"
	"github.com/thebtf/stocktake/pkg/similarity"
)

// Noise is the sentinel label for items no cluster claimed.
const Noise = -1

// Assignments maps item IDs to cluster labels. Once the clustering stage
// completes, every item in the table has exactly one entry.
type Assignments map[string]int

// Clusters returns the number of distinct non-noise labels.
func (a Assignments) Clusters() int {
	seen := make(map[int]bool)
	for _, label := range a {
		if label != Noise {
			seen[label] = true
		}
	}
	return len(seen)
}

// NoiseCount returns the number of items left with the noise label.
func (a Assignments) NoiseCount() int {
	n := 0
	for _, label := range a {
		if label == Noise {
			n++
		}
	}
	return n
}

// Params tunes the two-pass clustering policy.
type Params struct {
	// Eps is the density neighborhood radius in similarity distance,
	// where distance = 1 - score.
	Eps float64 `yaml:"eps" json:"eps"`
	// MinSamples is the minimum neighborhood size (including the point
	// itself) for an item to seed a density cluster.
	MinSamples int `yaml:"min_samples" json:"min_samples"`
	// KmeansK is the fallback partition count for noise items. Zero
	// disables the fallback and leaves noise labeled as Noise.
	KmeansK int `yaml:"kmeans_k" json:"kmeans_k"`
	// Seed fixes the fallback's random source so repeated runs with
	// identical input reproduce identical assignments.
	Seed int64 `yaml:"seed" json:"seed"`
}

// DefaultParams returns the standard clustering tuning.
func DefaultParams() Params {
	return Params{Eps: 0.2, MinSamples: 2, KmeansK: 20, Seed: 1}
}

// Cluster assigns every item a label. The density pass groups tightly
// connected items; whatever it leaves as noise is re-partitioned by a
// seeded k-means over hashed feature vectors, so no item stays unlabeled
// when the fallback is enabled. Fallback labels continue the density
// label sequence. An empty item slice yields empty assignments.
func Cluster(items []*catalog.Item, edges []similarity.Edge, p Params) Assignments {
	if len(items) == 0 {
		return Assignments{}
	}

	ids := make([]string, len(items))
	byID := make(map[string]*catalog.Item, len(items))
	for i, it := range items {
		ids[i] = it.ID
		byID[it.ID] = it
	}

	labels, found := dbscan(ids, edges, p.Eps, p.MinSamples)
	out := Assignments(labels)

	if p.KmeansK <= 0 {
		return out
	}

	// Collect noise in table order so the fallback sees a stable input.
	var noise []string
	for _, id := range ids {
		if out[id] == Noise {
			noise = append(noise, id)
		}
	}
	if len(noise) == 0 {
		return out
	}

	vectors := make([][]float64, len(noise))
	for i, id := range noise {
		vectors[i] = similarity.Vector(byID[id])
	}
	for i, c := range kmeans(vectors, p.KmeansK, p.Seed) {
		out[noise[i]] = found + c
	}
	return out
}
