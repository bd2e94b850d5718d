package entity

import (
	"slices"
)

type neighbor struct {
	idx int
	sim float64
}

// neighborhoods returns, for every point, the points whose similarity to it
// exceeds threshold.
func neighborhoods(points []*point, sim *Similarity, threshold float64) [][]neighbor {
	out := make([][]neighbor, len(points))
	for i := range points {
		for j := i + 1; j < len(points); j++ {
			s, ok := sim.reachable(points[i], points[j], threshold)
			if !ok {
				continue
			}
			out[i] = append(out[i], neighbor{idx: j, sim: s})
			out[j] = append(out[j], neighbor{idx: i, sim: s})
		}
	}
	return out
}

// dbscan groups points by density. A point is a core point when it has at
// least minPts-1 neighbours; clusters are the connected core points plus
// border points attached to their most similar core. Points are expected
// in address order, which makes the result independent of input order.
func dbscan(points []*point, sim *Similarity, threshold float64, minPts int) [][]*point {
	if len(points) < minPts {
		return nil
	}
	nbrs := neighborhoods(points, sim, threshold)

	core := make([]bool, len(points))
	for i := range points {
		core[i] = len(nbrs[i]) >= minPts-1
	}

	label := make([]int, len(points))
	for i := range label {
		label[i] = -1
	}

	clusters := 0
	for i := range points {
		if !core[i] || label[i] >= 0 {
			continue
		}
		label[i] = clusters
		queue := []int{i}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, n := range nbrs[cur] {
				if core[n.idx] && label[n.idx] < 0 {
					label[n.idx] = clusters
					queue = append(queue, n.idx)
				}
			}
		}
		clusters++
	}

	// Border points join the cluster of their most similar core neighbour.
	for i := range points {
		if core[i] {
			continue
		}
		best, bestSim := -1, -1.0
		for _, n := range nbrs[i] {
			if !core[n.idx] {
				continue
			}
			if n.sim > bestSim || (n.sim == bestSim && points[n.idx].address < points[best].address) {
				best, bestSim = n.idx, n.sim
			}
		}
		if best >= 0 {
			label[i] = label[best]
		}
	}

	groups := make([][]*point, clusters)
	for i, l := range label {
		if l >= 0 {
			groups[l] = append(groups[l], points[i])
		}
	}

	out := groups[:0]
	for _, g := range groups {
		if len(g) >= minPts {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b []*point) int {
		if a[0].address < b[0].address {
			return -1
		}
		if a[0].address > b[0].address {
			return 1
		}
		return 0
	})
	return out
}

// meanPairwise is the mean similarity over all member pairs.
func meanPairwise(members []*point, sim *Similarity) float64 {
	if len(members) < 2 {
		return 0
	}
	var sum float64
	var pairs int
	for i := range members {
		for j := i + 1; j < len(members); j++ {
			sum += sim.between(members[i], members[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}
