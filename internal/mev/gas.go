package mev

import (
	"math"
	"slices"
)

// gasHistory is a fixed-size ring of recent gas prices (gwei) used to
// derive the attacker threshold.
type gasHistory struct {
	samples []float64
	next    int
	full    bool
}

func newGasHistory(size int) *gasHistory {
	if size <= 0 {
		size = 2048
	}
	return &gasHistory{samples: make([]float64, size)}
}

func (h *gasHistory) len() int {
	if h.full {
		return len(h.samples)
	}
	return h.next
}

func (h *gasHistory) add(prices ...float64) {
	for _, p := range prices {
		h.samples[h.next] = p
		h.next++
		if h.next == len(h.samples) {
			h.next = 0
			h.full = true
		}
	}
}

// threshold returns the nearest-rank percentile over the history plus the
// pending block. Below minSamples it returns floor.
func (h *gasHistory) threshold(percentile float64, minSamples int, floor float64, pending []float64) float64 {
	n := h.len() + len(pending)
	if n == 0 || n < minSamples {
		return floor
	}

	all := make([]float64, 0, n)
	all = append(all, h.samples[:h.len()]...)
	all = append(all, pending...)
	slices.Sort(all)

	rank := int(math.Ceil(percentile*float64(n))) - 1
	rank = max(0, min(rank, n-1))
	return all[rank]
}
