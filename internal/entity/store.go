package entity

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Store is the authoritative in-memory entity set with an address index.
// Every mutation goes through CompareAndSwap on the entity version.
type Store struct {
	mu       sync.RWMutex
	entities map[string]*domain.Entity
	index    map[string]string
	now      func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entities: make(map[string]*domain.Entity),
		index:    make(map[string]string),
		now:      time.Now,
	}
}

// Restore loads previously persisted entities. Entities whose members are
// already claimed are rejected.
func (s *Store) Restore(entities []*domain.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entities {
		if _, exists := s.entities[e.ID]; exists {
			return fmt.Errorf("entity %s restored twice", e.ID)
		}
		for _, m := range e.Members {
			if owner, ok := s.index[m]; ok {
				return fmt.Errorf("%w: %s belongs to %s", domain.ErrAddressClaimed, m, owner)
			}
		}
		c := e.Clone()
		slices.Sort(c.Members)
		s.entities[c.ID] = c
		for _, m := range c.Members {
			s.index[m] = c.ID
		}
	}
	return nil
}

// Get returns a copy of the entity.
func (s *Store) Get(id string) (*domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", id, domain.ErrNotFound)
	}
	return e.Clone(), nil
}

// EntityOf returns the entity an address belongs to.
func (s *Store) EntityOf(address string) (*domain.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.index[address]
	if !ok {
		return nil, false
	}
	return s.entities[id].Clone(), true
}

// List returns copies of all entities ordered by ID.
func (s *Store) List() []*domain.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.Clone())
	}
	slices.SortFunc(out, func(a, b *domain.Entity) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Partition returns the sorted member lists of all entities, sorted by
// first member. Two stores with the same partition return equal values.
func (s *Store) Partition() [][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([][]string, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, slices.Clone(e.Members))
	}
	slices.SortFunc(out, func(a, b []string) int {
		if a[0] < b[0] {
			return -1
		}
		if a[0] > b[0] {
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// Create adds a new entity. It fails with ErrAddressClaimed when any
// member already belongs to an entity.
func (s *Store) Create(members []string, confidence float64) (*domain.Entity, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: entity needs members", domain.ErrInvalidInput)
	}
	members = sortedUnique(members)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range members {
		if owner, ok := s.index[m]; ok {
			return nil, fmt.Errorf("%w: %s belongs to %s", domain.ErrAddressClaimed, m, owner)
		}
	}

	now := s.now().UTC()
	e := &domain.Entity{
		ID:         uuid.New().String(),
		Members:    members,
		Confidence: confidence,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	s.entities[e.ID] = e
	for _, m := range members {
		s.index[m] = e.ID
	}
	return e.Clone(), nil
}

// CompareAndSwap replaces the stored entity with next if the stored version
// equals expected. Members may only grow, and added members must be
// unclaimed. The stored version is bumped and the new state returned.
func (s *Store) CompareAndSwap(next *domain.Entity, expected int64) (*domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entities[next.ID]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", next.ID, domain.ErrNotFound)
	}
	if cur.Version != expected {
		return nil, fmt.Errorf("entity %s at version %d, expected %d: %w", cur.ID, cur.Version, expected, domain.ErrVersionConflict)
	}

	members := sortedUnique(next.Members)
	for _, m := range cur.Members {
		if _, found := slices.BinarySearch(members, m); !found {
			return nil, fmt.Errorf("%w: entity %s would drop member %s", domain.ErrInvalidInput, cur.ID, m)
		}
	}
	for _, m := range members {
		if owner, ok := s.index[m]; ok && owner != cur.ID {
			return nil, fmt.Errorf("%w: %s belongs to %s", domain.ErrAddressClaimed, m, owner)
		}
	}

	updated := &domain.Entity{
		ID:         cur.ID,
		Members:    members,
		Confidence: next.Confidence,
		CreatedAt:  cur.CreatedAt,
		UpdatedAt:  s.now().UTC(),
		Version:    cur.Version + 1,
	}
	s.entities[cur.ID] = updated
	for _, m := range members {
		s.index[m] = cur.ID
	}
	return updated.Clone(), nil
}

// Update applies mutate to a fresh copy of the entity and swaps it in,
// retrying on version conflicts up to maxRetries times.
func (s *Store) Update(id string, maxRetries int, mutate func(*domain.Entity)) (*domain.Entity, error) {
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	for range maxRetries {
		cur, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		expected := cur.Version
		mutate(cur)

		updated, err := s.CompareAndSwap(cur, expected)
		if err == nil {
			return updated, nil
		}
		if !isConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("entity %s: %d attempts: %w", id, maxRetries, lastErr)
}

func sortedUnique(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
