package scoring

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

const subject = "0xa11ce00000000000000000000000000000000001"

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(domain.DefaultConfig().Scoring)
	if err != nil {
		t.Fatalf("NewScorer() error = %v", err)
	}
	return s
}

func baseSnapshot() *domain.AddressFeatureSnapshot {
	return &domain.AddressFeatureSnapshot{
		Address:              subject,
		TxCount:              10,
		VolumeSent:           decimal.NewFromInt(60),
		VolumeReceived:       decimal.NewFromInt(40),
		UniqueCounterparties: 5,
		GasPriceStats:        domain.GasPriceStats{Mean: 20, StdDev: 10, Min: 5, Max: 40},
		FailedCount:          1,
		MaxTransfer:          decimal.NewFromInt(25),
		ActiveHours:          1,
		ActivityPattern:      "000000000090000000000000",
	}
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-4
}

func TestScorer(t *testing.T) {
	s := newTestScorer(t)

	t.Run("WeightedSum", func(t *testing.T) {
		score := s.Score(&Input{
			Subject:  subject,
			Kind:     domain.SubjectAddress,
			Snapshot: baseSnapshot(),
			Flags:    &domain.AddressFlags{Address: subject, WhaleScore: 0.2},
		})

		if score.Method != domain.MethodWeighted {
			t.Fatalf("expected weighted method, got %s", score.Method)
		}
		if !near(score.Inputs.TransactionVolume, 1-math.Exp(-1)) {
			t.Errorf("volume sub-score = %.4f", score.Inputs.TransactionVolume)
		}
		if !near(score.Inputs.GasVolatility, 0.5) {
			t.Errorf("gas volatility = %.4f, want 0.5", score.Inputs.GasVolatility)
		}
		if !near(score.Inputs.FailureRate, 0.1) {
			t.Errorf("failure rate = %.4f, want 0.1", score.Inputs.FailureRate)
		}
		if !near(score.Inputs.LargeTransfer, 0.5) {
			t.Errorf("large transfer = %.4f, want 0.5", score.Inputs.LargeTransfer)
		}
		if !near(score.Inputs.SuspiciousPattern, 0.75) {
			t.Errorf("suspicious pattern = %.4f, want 0.75", score.Inputs.SuspiciousPattern)
		}

		want := 0.15*(1-math.Exp(-1)) + 0.10*0.5 + 0.10*0.1 + 0.15*0.5 + 0.25*0.75
		if !near(score.Value, want) {
			t.Errorf("value = %.4f, want %.4f", score.Value, want)
		}
		if score.WeightsVersion != "2025-01" {
			t.Errorf("weights version = %q", score.WeightsVersion)
		}
		if len(score.Contributions) != 6 {
			t.Errorf("expected 6 contributions, got %d", len(score.Contributions))
		}
	})

	t.Run("ExplanationIsTopN", func(t *testing.T) {
		score := s.Score(&Input{Subject: subject, Snapshot: baseSnapshot(), Flags: &domain.AddressFlags{}})

		want := []string{FeatureSuspiciousPattern, FeatureTransactionVolume, FeatureLargeTransfer}
		if len(score.Explanation) != len(want) {
			t.Fatalf("explanation has %d entries, want %d", len(score.Explanation), len(want))
		}
		for i, c := range score.Explanation {
			if c.Feature != want[i] {
				t.Errorf("explanation[%d] = %s, want %s", i, c.Feature, want[i])
			}
		}
	})

	t.Run("MEVInvolvement", func(t *testing.T) {
		signals := []*domain.MEVSignal{
			{Type: domain.MEVSandwich, Confidence: 0.5, Participants: []string{subject}},
			{Type: domain.MEVSandwich, Confidence: 0.5, Participants: []string{subject}},
			{Type: domain.MEVSandwich, Confidence: 1.0, Participants: []string{"0xother"}, Victim: subject},
		}
		score := s.Score(&Input{Subject: subject, Snapshot: baseSnapshot(), Signals: signals})
		if !near(score.Inputs.MEVInvolvement, 0.75) {
			t.Errorf("mev involvement = %.4f, want 0.75", score.Inputs.MEVInvolvement)
		}
	})

	t.Run("EntityMembersMatchSignals", func(t *testing.T) {
		signals := []*domain.MEVSignal{{Confidence: 0.9, Participants: []string{"0xmember"}}}
		score := s.Score(&Input{
			Subject:  domain.EntitySubject("e1"),
			Kind:     domain.SubjectEntity,
			Members:  []string{"0xmember", subject},
			Snapshot: baseSnapshot(),
			Signals:  signals,
		})
		if !near(score.Inputs.MEVInvolvement, 0.9) {
			t.Errorf("mev involvement = %.4f, want 0.9", score.Inputs.MEVInvolvement)
		}
	})

	t.Run("SanctionedFloor", func(t *testing.T) {
		quiet := &domain.AddressFeatureSnapshot{Address: subject, TxCount: 1}
		score := s.Score(&Input{Subject: subject, Snapshot: quiet, Flags: &domain.AddressFlags{Sanctioned: true}})
		if score.Value < 0.9 {
			t.Errorf("sanctioned score %.4f below floor", score.Value)
		}
		if score.Method != domain.MethodWeighted {
			t.Errorf("expected weighted method, got %s", score.Method)
		}
	})

	t.Run("MissingFlagsNoted", func(t *testing.T) {
		score := s.Score(&Input{Subject: subject, Snapshot: baseSnapshot()})
		if len(score.Notes) == 0 {
			t.Error("expected a note about missing flags")
		}
	})

	t.Run("PatternNeedsMinimumActivity", func(t *testing.T) {
		snap := baseSnapshot()
		snap.TxCount = 3
		snap.FailedCount = 0
		score := s.Score(&Input{Subject: subject, Snapshot: snap})
		if score.Inputs.SuspiciousPattern != 0 {
			t.Errorf("suspicious pattern = %.4f, want 0", score.Inputs.SuspiciousPattern)
		}
	})
}

func TestHeuristicFallback(t *testing.T) {
	s := newTestScorer(t)

	bad := baseSnapshot()
	bad.FailedCount = 99

	tests := []struct {
		name  string
		input *Input
		want  float64
	}{
		{"NoSnapshot", &Input{Subject: subject}, HeuristicDefault},
		{"InvalidSnapshot", &Input{Subject: subject, Snapshot: bad}, HeuristicDefault},
		{"Sanctioned", &Input{Subject: subject, Snapshot: bad, Flags: &domain.AddressFlags{Sanctioned: true}}, HeuristicSanctioned},
		{"MEV", &Input{Subject: subject, Snapshot: bad, Signals: []*domain.MEVSignal{{Confidence: 0.1, Participants: []string{subject}}}}, HeuristicMEV},
		{"NaNWhale", &Input{Subject: subject, Snapshot: baseSnapshot(), Flags: &domain.AddressFlags{WhaleScore: math.NaN()}}, HeuristicDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := s.Score(tt.input)
			if score.Method != domain.MethodHeuristic {
				t.Fatalf("expected heuristic method, got %s", score.Method)
			}
			if score.Value != tt.want {
				t.Errorf("value = %.2f, want %.2f", score.Value, tt.want)
			}
			if score.Subject != subject {
				t.Errorf("subject = %q", score.Subject)
			}
		})
	}

	if _, err := s.Features(&Input{Subject: subject, Snapshot: bad}); !errors.Is(err, domain.ErrScoring) {
		t.Errorf("Features() error = %v, want ErrScoring", err)
	}
}

func TestScoreIsBounded(t *testing.T) {
	s := newTestScorer(t)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		tx := rng.Intn(1000)
		snap := &domain.AddressFeatureSnapshot{
			Address:                  subject,
			TxCount:                  tx,
			FailedCount:              rng.Intn(tx + 1),
			VolumeSent:               decimal.NewFromFloat(rng.ExpFloat64() * 1e4),
			VolumeReceived:           decimal.NewFromFloat(rng.ExpFloat64() * 1e4),
			MaxTransfer:              decimal.NewFromFloat(rng.ExpFloat64() * 1e3),
			UniqueCounterparties:     rng.Intn(tx + 1),
			GasPriceStats:            domain.GasPriceStats{Mean: rng.Float64() * 500, StdDev: rng.Float64() * 500},
			ContractInteractionRatio: rng.Float64(),
			ActiveHours:              rng.Intn(25),
		}
		in := &Input{
			Subject:  subject,
			Snapshot: snap,
			Flags:    &domain.AddressFlags{Sanctioned: rng.Intn(10) == 0, WhaleScore: rng.Float64() * 3},
			Signals:  []*domain.MEVSignal{{Confidence: rng.Float64(), Participants: []string{subject}}},
		}

		score := s.Score(in)
		if score.Value < 0 || score.Value > 1 || math.IsNaN(score.Value) {
			t.Fatalf("score %.4f out of bounds for %+v", score.Value, snap)
		}
	}
}

func TestNewScorerRejectsUnbalancedWeights(t *testing.T) {
	cfg := domain.DefaultConfig().Scoring
	cfg.Weights.MEVInvolvement = 0.9
	if _, err := NewScorer(cfg); err == nil {
		t.Fatal("expected error for weights not summing to 1")
	}
}

type recordingPersister struct {
	mu     sync.Mutex
	scores []*domain.RiskScore
	err    error
}

func (p *recordingPersister) SaveRiskScore(_ context.Context, score *domain.RiskScore) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scores = append(p.scores, score)
	return p.err
}

func TestServiceVersions(t *testing.T) {
	persister := &recordingPersister{}
	svc := NewService(newTestScorer(t), NewStore(8), persister, 100)
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Recompute(ctx, &Input{Subject: subject, Snapshot: baseSnapshot()}); err != nil {
				t.Errorf("Recompute() error = %v", err)
			}
		}()
	}
	wg.Wait()

	latest, ok := svc.Store().Latest(subject)
	if !ok {
		t.Fatal("expected a latest score")
	}
	if latest.Version != writers {
		t.Errorf("latest version = %d, want %d", latest.Version, writers)
	}

	seen := make(map[int64]bool)
	for _, s := range persister.scores {
		if seen[s.Version] {
			t.Errorf("version %d persisted twice", s.Version)
		}
		seen[s.Version] = true
	}
	if len(seen) != writers {
		t.Errorf("persisted %d versions, want %d", len(seen), writers)
	}

	history := svc.Store().History(subject, 3)
	if len(history) != 3 || history[0].Version != writers {
		t.Errorf("history newest-first failed: %d entries", len(history))
	}
}

func TestStoreAppendRejectsStaleVersion(t *testing.T) {
	st := NewStore(4)
	if err := st.Append(&domain.RiskScore{Subject: subject}, 0); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	err := st.Append(&domain.RiskScore{Subject: subject}, 0)
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestServiceReportsPersistFailure(t *testing.T) {
	persister := &recordingPersister{err: errors.New("disk full")}
	svc := NewService(newTestScorer(t), NewStore(8), persister, 3)

	score, err := svc.Recompute(context.Background(), &Input{Subject: subject, Snapshot: baseSnapshot()})
	if err == nil {
		t.Fatal("expected persist error")
	}
	if score == nil || score.Version != 1 {
		t.Errorf("expected the in-memory version to be returned")
	}
}

func TestAggregateSnapshots(t *testing.T) {
	a := baseSnapshot()
	b := baseSnapshot()
	b.Address = "0xb0b"
	b.GasPriceStats = domain.GasPriceStats{Mean: 40, StdDev: 10, Min: 30, Max: 60}
	b.ActivityPattern = "000000000000000000000009"
	b.MaxTransfer = decimal.NewFromInt(70)

	agg := AggregateSnapshots("entity:e1", []*domain.AddressFeatureSnapshot{a, b})

	if agg.TxCount != 20 || agg.FailedCount != 2 {
		t.Errorf("counts = %d/%d", agg.TxCount, agg.FailedCount)
	}
	if !agg.TotalVolume().Equal(decimal.NewFromInt(200)) {
		t.Errorf("total volume = %s", agg.TotalVolume())
	}
	if !agg.MaxTransfer.Equal(decimal.NewFromInt(70)) {
		t.Errorf("max transfer = %s", agg.MaxTransfer)
	}
	if !near(agg.GasPriceStats.Mean, 30) {
		t.Errorf("gas mean = %.2f, want 30", agg.GasPriceStats.Mean)
	}
	// pooled: sqrt((10*(100+100) + 10*(100+100)) / 20)
	if !near(agg.GasPriceStats.StdDev, math.Sqrt(200)) {
		t.Errorf("gas std = %.4f", agg.GasPriceStats.StdDev)
	}
	if agg.GasPriceStats.Min != 5 || agg.GasPriceStats.Max != 60 {
		t.Errorf("gas range = %.0f..%.0f", agg.GasPriceStats.Min, agg.GasPriceStats.Max)
	}
	if agg.ActivityPattern != "000000000090000000000009" || agg.ActiveHours != 2 {
		t.Errorf("pattern = %s (%d hours)", agg.ActivityPattern, agg.ActiveHours)
	}
}

func TestMergeFlags(t *testing.T) {
	if MergeFlags("x", []*domain.AddressFlags{nil, nil}) != nil {
		t.Error("expected nil when no member has flags")
	}

	merged := MergeFlags("entity:e1", []*domain.AddressFlags{
		{Sanctioned: false, WhaleScore: 0.3, Source: "static"},
		nil,
		{Sanctioned: true, WhaleScore: 0.1, Source: "http"},
	})
	if !merged.Sanctioned || merged.WhaleScore != 0.3 || merged.Source != "http,static" {
		t.Errorf("unexpected merge: %+v", merged)
	}
}
