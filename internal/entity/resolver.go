// Package entity clusters addresses into entities, one epoch at a time.
//
// Each pass normalises the epoch's feature snapshots, attaches unresolved
// addresses to the nearest existing entity centroid, and groups what is
// left by density. The two steps repeat until no address moves, so a
// second pass over the same snapshots changes nothing.
package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Result summarises one resolution pass.
type Result struct {
	Epoch      uint64
	Created    []*domain.Entity
	Grown      []*domain.Entity
	Unresolved []string
	Iterations int
}

// Changed returns every entity created or mutated by the pass.
func (r *Result) Changed() []*domain.Entity {
	out := make([]*domain.Entity, 0, len(r.Created)+len(r.Grown))
	out = append(out, r.Created...)
	return append(out, r.Grown...)
}

// Resolver runs resolution passes against a Store.
type Resolver struct {
	cfg   domain.EntityConfig
	store *Store

	// one pass at a time; the store still arbitrates concurrent writers
	mu sync.Mutex
}

// NewResolver creates a resolver.
func NewResolver(cfg domain.EntityConfig, store *Store) *Resolver {
	if cfg.MinClusterSize < 2 {
		cfg.MinClusterSize = 2
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 8
	}
	if cfg.MaxUpdateRetries <= 0 {
		cfg.MaxUpdateRetries = 5
	}
	return &Resolver{cfg: cfg, store: store}
}

// Store returns the backing entity store.
func (r *Resolver) Store() *Store {
	return r.store
}

type workEntity struct {
	id      string
	base    *domain.Entity
	anchor  string
	present []*point
	added   []string
}

// Resolve runs one pass over an epoch's snapshots. On ErrClusteringFailure
// the store is left exactly as it was and an empty Result is returned with
// the error.
func (r *Resolver) Resolve(ctx context.Context, epoch uint64, snaps []*domain.AddressFeatureSnapshot) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := &Result{Epoch: epoch}

	sorted := slices.Clone(snaps)
	slices.SortFunc(sorted, func(a, b *domain.AddressFeatureSnapshot) int {
		if a.Address < b.Address {
			return -1
		}
		if a.Address > b.Address {
			return 1
		}
		return 0
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Address == sorted[i-1].Address {
			return result, r.fail(epoch, fmt.Errorf("%w: duplicate snapshot for %s", domain.ErrClusteringFailure, sorted[i].Address))
		}
	}

	points, err := normalize(sorted, r.cfg.SpreadFloor)
	if err != nil {
		return result, r.fail(epoch, err)
	}
	if len(points) == 0 {
		return result, nil
	}

	byAddr := make(map[string]*point, len(points))
	for i := range points {
		byAddr[points[i].address] = &points[i]
	}

	// Working copy of the partition restricted to this epoch's addresses.
	var work []*workEntity
	owner := make(map[string]*workEntity, len(points))
	for _, e := range r.store.List() {
		w := &workEntity{id: e.ID, base: e, anchor: e.Members[0]}
		for _, m := range e.Members {
			if p, ok := byAddr[m]; ok {
				w.present = append(w.present, p)
				owner[m] = w
			}
		}
		work = append(work, w)
	}

	sim := NewSimilarity(r.cfg)
	threshold := r.cfg.SimilarityThreshold

	for result.Iterations < r.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var unresolved []*point
		for i := range points {
			if _, ok := owner[points[i].address]; !ok {
				unresolved = append(unresolved, &points[i])
			}
		}
		if len(unresolved) == 0 {
			break
		}

		centroids := make([]*centroid, 0, len(work))
		targets := make(map[*centroid]*workEntity, len(work))
		for _, w := range work {
			if len(w.present) == 0 {
				continue
			}
			c := newCentroid(w.id, w.anchor, w.present)
			centroids = append(centroids, c)
			targets[c] = w
		}

		assigned := make(map[*point]*workEntity)
		var remaining []*point
		for _, p := range unresolved {
			var best *centroid
			bestSim := math.Inf(-1)
			for _, c := range centroids {
				s := sim.toCentroid(p, c)
				if s <= threshold {
					continue
				}
				if s > bestSim || (s == bestSim && c.anchor < best.anchor) {
					best, bestSim = c, s
				}
			}
			if best != nil {
				assigned[p] = targets[best]
			} else {
				remaining = append(remaining, p)
			}
		}

		clusters := dbscan(remaining, sim, threshold, r.cfg.MinClusterSize)
		if len(assigned) == 0 && len(clusters) == 0 {
			break
		}
		result.Iterations++

		for _, p := range unresolved {
			w, ok := assigned[p]
			if !ok {
				continue
			}
			w.present = append(w.present, p)
			w.added = append(w.added, p.address)
			if p.address < w.anchor {
				w.anchor = p.address
			}
			owner[p.address] = w
		}
		for _, members := range clusters {
			w := &workEntity{anchor: members[0].address}
			for _, p := range members {
				w.present = append(w.present, p)
				w.added = append(w.added, p.address)
				owner[p.address] = w
			}
			work = append(work, w)
		}
	}
	if result.Iterations == r.cfg.MaxIterations {
		slog.Warn("entity resolution stopped before converging",
			"epoch", epoch,
			"iterations", result.Iterations,
		)
	}

	for i := range points {
		if _, ok := owner[points[i].address]; !ok {
			result.Unresolved = append(result.Unresolved, points[i].address)
		}
	}

	if err := r.commit(work, sim, result); err != nil {
		return result, err
	}

	slog.Info("entity resolution complete",
		"epoch", epoch,
		"addresses", len(points),
		"created", len(result.Created),
		"grown", len(result.Grown),
		"unresolved", len(result.Unresolved),
		"iterations", result.Iterations,
	)
	return result, nil
}

func (r *Resolver) commit(work []*workEntity, sim *Similarity, result *Result) error {
	for _, w := range work {
		confidence := meanPairwise(w.present, sim)

		if w.base == nil {
			created, err := r.store.Create(w.added, confidence)
			if errors.Is(err, domain.ErrAddressClaimed) {
				slog.Warn("candidate entity lost an address to a concurrent writer", "anchor", w.anchor, "error", err)
				continue
			}
			if err != nil {
				return err
			}
			result.Created = append(result.Created, created)
			continue
		}

		if len(w.present) < 2 {
			confidence = w.base.Confidence
		}
		if len(w.added) == 0 && math.Abs(confidence-w.base.Confidence) < 1e-9 {
			continue
		}

		added := w.added
		updated, err := r.store.Update(w.id, r.cfg.MaxUpdateRetries, func(e *domain.Entity) {
			e.Members = append(e.Members, added...)
			e.Confidence = confidence
		})
		if errors.Is(err, domain.ErrAddressClaimed) {
			slog.Warn("entity merge lost an address to a concurrent writer", "entity_id", w.id, "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("update entity %s: %w", w.id, err)
		}
		result.Grown = append(result.Grown, updated)
	}
	return nil
}

func (r *Resolver) fail(epoch uint64, err error) error {
	slog.Warn("entity resolution failed, keeping previous partition",
		"epoch", epoch,
		"entities", r.store.Len(),
		"error", err,
	)
	return err
}

func isConflict(err error) bool {
	return errors.Is(err, domain.ErrVersionConflict)
}
