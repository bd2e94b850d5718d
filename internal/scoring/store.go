package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Persister durably records score versions.
type Persister interface {
	SaveRiskScore(ctx context.Context, score *domain.RiskScore) error
}

// Store keeps the latest score per subject plus a short in-memory history.
// New versions are accepted only on top of the version the writer read.
type Store struct {
	mu         sync.RWMutex
	latest     map[string]*domain.RiskScore
	history    map[string][]*domain.RiskScore
	historyLen int
}

// NewStore creates a score store keeping historyLen versions per subject.
func NewStore(historyLen int) *Store {
	if historyLen <= 0 {
		historyLen = 32
	}
	return &Store{
		latest:     make(map[string]*domain.RiskScore),
		history:    make(map[string][]*domain.RiskScore),
		historyLen: historyLen,
	}
}

// Latest returns the authoritative score for a subject.
func (s *Store) Latest(subject string) (*domain.RiskScore, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.latest[subject]
	return score, ok
}

// Version returns the current version for a subject, 0 if none.
func (s *Store) Version(subject string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if score, ok := s.latest[subject]; ok {
		return score.Version
	}
	return 0
}

// History returns up to limit versions, newest first.
func (s *Store) History(subject string, limit int) []*domain.RiskScore {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[subject]
	if limit <= 0 || limit > len(h) {
		limit = len(h)
	}
	out := make([]*domain.RiskScore, 0, limit)
	for i := len(h) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h[i])
	}
	return out
}

// Append stores score as version expected+1. It fails with
// ErrVersionConflict when another writer got there first.
func (s *Store) Append(score *domain.RiskScore, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if cur, ok := s.latest[score.Subject]; ok {
		current = cur.Version
	}
	if current != expected {
		return fmt.Errorf("score %s at version %d, expected %d: %w", score.Subject, current, expected, domain.ErrVersionConflict)
	}

	score.Version = expected + 1
	s.latest[score.Subject] = score

	h := append(s.history[score.Subject], score)
	if len(h) > s.historyLen {
		h = h[len(h)-s.historyLen:]
	}
	s.history[score.Subject] = h
	return nil
}

// Restore seeds the store with persisted latest versions.
func (s *Store) Restore(scores []*domain.RiskScore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, score := range scores {
		if cur, ok := s.latest[score.Subject]; ok && cur.Version >= score.Version {
			continue
		}
		s.latest[score.Subject] = score
		s.history[score.Subject] = append(s.history[score.Subject], score)
	}
}

// Service computes and records new score versions.
type Service struct {
	scorer     *Scorer
	store      *Store
	persister  Persister
	maxRetries int
}

// NewService creates a scoring service. persister may be nil.
func NewService(scorer *Scorer, store *Store, persister Persister, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Service{scorer: scorer, store: store, persister: persister, maxRetries: maxRetries}
}

// Store returns the backing score store.
func (s *Service) Store() *Store {
	return s.store
}

// Scorer returns the scoring model.
func (s *Service) Scorer() *Scorer {
	return s.scorer
}

// Recompute scores the subject and appends a new version, re-reading the
// current version and recomputing on conflict.
func (s *Service) Recompute(ctx context.Context, in *Input) (*domain.RiskScore, error) {
	var lastErr error
	for range s.maxRetries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		expected := s.store.Version(in.Subject)
		score := s.scorer.Score(in)

		err := s.store.Append(score, expected)
		if errors.Is(err, domain.ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		if s.persister != nil {
			if err := s.persister.SaveRiskScore(ctx, score); err != nil {
				return score, fmt.Errorf("persist score %s v%d: %w", score.Subject, score.Version, err)
			}
		}
		return score, nil
	}
	return nil, fmt.Errorf("score %s: %d attempts: %w", in.Subject, s.maxRetries, lastErr)
}
