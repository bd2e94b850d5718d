package mev

import (
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SignalIndex keeps recent signals per participant for risk scoring.
type SignalIndex struct {
	mu        sync.RWMutex
	perMember int
	byAddress map[string][]*domain.MEVSignal
}

// NewSignalIndex keeps up to perMember signals per address, newest last.
func NewSignalIndex(perMember int) *SignalIndex {
	if perMember <= 0 {
		perMember = 64
	}
	return &SignalIndex{perMember: perMember, byAddress: make(map[string][]*domain.MEVSignal)}
}

// Add indexes signals under each participant.
func (x *SignalIndex) Add(signals ...*domain.MEVSignal) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, s := range signals {
		for _, p := range s.Participants {
			list := append(x.byAddress[p], s)
			if len(list) > x.perMember {
				list = list[len(list)-x.perMember:]
			}
			x.byAddress[p] = list
		}
	}
}

// For returns the distinct signals involving any of addresses, ordered by
// block then ID.
func (x *SignalIndex) For(addresses ...string) []*domain.MEVSignal {
	x.mu.RLock()
	defer x.mu.RUnlock()

	seen := make(map[string]bool)
	var out []*domain.MEVSignal
	for _, a := range addresses {
		for _, s := range x.byAddress[a] {
			if !seen[s.ID] {
				seen[s.ID] = true
				out = append(out, s)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].ID < out[j].ID
	})
	return out
}
