package clustering

import "github.com/thebtf/stocktake/pkg/similarity"

// dbscan runs a density-based pass over the similarity graph. Two items are
// neighbors when their similarity distance (1 - score) is at most eps. The
// sparse edge set must cover every pair within eps; the caller validates
// that the similarity threshold satisfies threshold <= 1 - eps.
//
// Returns per-item labels (Noise for unassigned items) and the number of
// clusters found. Items are visited in slice order, so output is
// deterministic.
func dbscan(ids []string, edges []similarity.Edge, eps float64, minSamples int) (map[string]int, int) {
	neighbors := make(map[string][]string, len(ids))
	for _, e := range edges {
		if 1-e.Score > eps {
			continue
		}
		neighbors[e.A] = append(neighbors[e.A], e.B)
		neighbors[e.B] = append(neighbors[e.B], e.A)
	}

	labels := make(map[string]int, len(ids))
	for _, id := range ids {
		labels[id] = Noise
	}

	visited := make(map[string]bool, len(ids))
	next := 0
	for _, id := range ids {
		if visited[id] {
			continue
		}
		visited[id] = true

		// Neighborhood includes the point itself.
		if len(neighbors[id])+1 < minSamples {
			continue // not a core point; may still be claimed as a border point
		}

		cluster := next
		next++
		labels[id] = cluster

		// Expand the cluster breadth-first from the seed core point.
		queue := append([]string(nil), neighbors[id]...)
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]

			if labels[cur] == Noise {
				labels[cur] = cluster
			}
			if visited[cur] {
				continue
			}
			visited[cur] = true

			if len(neighbors[cur])+1 >= minSamples {
				queue = append(queue, neighbors[cur]...)
			}
		}
	}

	return labels, next
}
