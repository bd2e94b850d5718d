// Package scoring computes bounded risk scores for addresses and entities.
// A score is a weighted sum of normalised sub-scores, one per FeatureVector
// field, with a rule-based fallback when the inputs cannot be trusted.
package scoring

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Feature names used in contributions and explanations.
const (
	FeatureTransactionVolume = "transaction_volume"
	FeatureGasVolatility     = "gas_volatility"
	FeatureFailureRate       = "failure_rate"
	FeatureMEVInvolvement    = "mev_involvement"
	FeatureLargeTransfer     = "large_transfer"
	FeatureSuspiciousPattern = "suspicious_pattern"
)

// Heuristic fallback values.
const (
	HeuristicSanctioned = 1.0
	HeuristicMEV        = 0.8
	HeuristicDefault    = 0.5
)

// Input contains all data needed to score one subject.
type Input struct {
	Subject string
	Kind    domain.SubjectKind

	// Snapshot is the latest snapshot; for entities, the aggregate of members.
	Snapshot *domain.AddressFeatureSnapshot

	// Addresses the subject is made of. An address subject is its own member.
	Members []string

	Signals []*domain.MEVSignal

	// Flags may be nil when the provider could not answer in time.
	Flags *domain.AddressFlags
}

// Scorer turns inputs into RiskScores. It is stateless and safe for
// concurrent use.
type Scorer struct {
	cfg domain.ScoringConfig
	now func() time.Time
}

// NewScorer creates a scorer. The weight table must sum to 1.
func NewScorer(cfg domain.ScoringConfig) (*Scorer, error) {
	if math.Abs(cfg.Weights.Sum()-1) > 1e-6 {
		return nil, fmt.Errorf("weight table %s sums to %.4f, want 1", cfg.Weights.Version, cfg.Weights.Sum())
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 3
	}
	return &Scorer{cfg: cfg, now: time.Now}, nil
}

// WeightsVersion returns the version of the active weight table.
func (s *Scorer) WeightsVersion() string {
	return s.cfg.Weights.Version
}

// Score computes a RiskScore. Invalid inputs produce a heuristic score
// rather than an error. Version is left for the store to assign.
func (s *Scorer) Score(in *Input) *domain.RiskScore {
	fv, err := s.Features(in)
	if err != nil {
		return s.Heuristic(in, err)
	}

	contribs := Contributions(fv, s.cfg.Weights)
	var value float64
	for _, c := range contribs {
		value += c.Contribution
	}
	value = clamp(value)

	var notes []string
	if in.Flags == nil {
		notes = append(notes, "external flags unavailable")
	} else if in.Flags.Sanctioned && value < s.cfg.SanctionedFloor {
		value = s.cfg.SanctionedFloor
		notes = append(notes, "sanctioned floor applied")
	}

	return &domain.RiskScore{
		Subject:        in.Subject,
		Kind:           in.Kind,
		Value:          value,
		ComputedAt:     s.now().UTC(),
		Inputs:         fv,
		Contributions:  contribs,
		Explanation:    Explain(contribs, s.cfg.TopN),
		Method:         domain.MethodWeighted,
		WeightsVersion: s.cfg.Weights.Version,
		Notes:          notes,
	}
}

// Heuristic is the conservative rule-based score used when the model
// inputs are invalid.
func (s *Scorer) Heuristic(in *Input, cause error) *domain.RiskScore {
	value := HeuristicDefault
	switch {
	case in != nil && in.Flags != nil && in.Flags.Sanctioned:
		value = HeuristicSanctioned
	case in != nil && len(involved(in)) > 0:
		value = HeuristicMEV
	}

	score := &domain.RiskScore{
		Value:          value,
		ComputedAt:     s.now().UTC(),
		Method:         domain.MethodHeuristic,
		WeightsVersion: s.cfg.Weights.Version,
	}
	if in != nil {
		score.Subject = in.Subject
		score.Kind = in.Kind
	}
	if cause != nil {
		score.Notes = []string{cause.Error()}
	}
	return score
}

// Features validates the input and derives the feature vector.
// Errors wrap domain.ErrScoring.
func (s *Scorer) Features(in *Input) (domain.FeatureVector, error) {
	if err := validate(in); err != nil {
		return domain.FeatureVector{}, err
	}
	snap := in.Snapshot

	var fv domain.FeatureVector

	total := snap.TotalVolume().InexactFloat64()
	fv.TransactionVolume = 1 - math.Exp(-total/s.cfg.VolumeScale)

	if snap.GasPriceStats.Mean > 0 && s.cfg.GasCVCap > 0 {
		cv := snap.GasPriceStats.StdDev / snap.GasPriceStats.Mean
		fv.GasVolatility = math.Min(1, cv/s.cfg.GasCVCap)
	}

	fv.FailureRate = snap.FailureRate()

	survive := 1.0
	for _, sig := range involved(in) {
		survive *= 1 - clamp(sig.Confidence)
	}
	fv.MEVInvolvement = 1 - survive

	fv.LargeTransfer = math.Min(1, snap.MaxTransfer.InexactFloat64()/s.cfg.LargeTransferThreshold)
	if in.Flags != nil {
		fv.LargeTransfer = math.Max(fv.LargeTransfer, clamp(in.Flags.WhaleScore))
	}

	if snap.TxCount >= s.cfg.MinTxForPattern && snap.ActiveHours > 0 {
		concentration := 1 - float64(snap.ActiveHours-1)/23
		fanOut := math.Min(1, float64(snap.UniqueCounterparties)/float64(snap.TxCount))
		fv.SuspiciousPattern = 0.5*concentration + 0.5*fanOut
	}
	if in.Flags != nil && in.Flags.Sanctioned {
		fv.SuspiciousPattern = 1
	}

	for name, v := range fieldMap(fv) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return domain.FeatureVector{}, fmt.Errorf("%w: %s is not finite", domain.ErrScoring, name)
		}
	}
	return fv, nil
}

func validate(in *Input) error {
	if in == nil || in.Snapshot == nil {
		return fmt.Errorf("%w: no snapshot", domain.ErrScoring)
	}
	if in.Subject == "" {
		return fmt.Errorf("%w: empty subject", domain.ErrScoring)
	}
	snap := in.Snapshot
	switch {
	case snap.TxCount < 0:
		return fmt.Errorf("%w: negative tx count", domain.ErrScoring)
	case snap.FailedCount < 0 || snap.FailedCount > snap.TxCount:
		return fmt.Errorf("%w: failed count %d outside [0, %d]", domain.ErrScoring, snap.FailedCount, snap.TxCount)
	case snap.VolumeSent.IsNegative() || snap.VolumeReceived.IsNegative() || snap.MaxTransfer.IsNegative():
		return fmt.Errorf("%w: negative volume", domain.ErrScoring)
	case snap.ContractInteractionRatio < 0 || snap.ContractInteractionRatio > 1:
		return fmt.Errorf("%w: contract ratio %v outside [0, 1]", domain.ErrScoring, snap.ContractInteractionRatio)
	case snap.GasPriceStats.Mean < 0 || snap.GasPriceStats.StdDev < 0:
		return fmt.Errorf("%w: negative gas statistics", domain.ErrScoring)
	case math.IsNaN(snap.GasPriceStats.Mean) || math.IsNaN(snap.GasPriceStats.StdDev):
		return fmt.Errorf("%w: gas statistics are NaN", domain.ErrScoring)
	}
	if in.Flags != nil && (math.IsNaN(in.Flags.WhaleScore) || in.Flags.WhaleScore < 0) {
		return fmt.Errorf("%w: whale score %v", domain.ErrScoring, in.Flags.WhaleScore)
	}
	return nil
}

// involved returns the signals in which a member was an extractor.
func involved(in *Input) []*domain.MEVSignal {
	members := in.Members
	if len(members) == 0 && in.Kind != domain.SubjectEntity {
		members = []string{in.Subject}
	}

	var out []*domain.MEVSignal
	for _, sig := range in.Signals {
		for _, m := range members {
			if sig.Involves(m) {
				out = append(out, sig)
				break
			}
		}
	}
	return out
}

// Contributions pairs every feature with its weight.
func Contributions(fv domain.FeatureVector, w domain.WeightTable) []domain.Contribution {
	pairs := []struct {
		name   string
		value  float64
		weight float64
	}{
		{FeatureTransactionVolume, fv.TransactionVolume, w.TransactionVolume},
		{FeatureGasVolatility, fv.GasVolatility, w.GasVolatility},
		{FeatureFailureRate, fv.FailureRate, w.FailureRate},
		{FeatureMEVInvolvement, fv.MEVInvolvement, w.MEVInvolvement},
		{FeatureLargeTransfer, fv.LargeTransfer, w.LargeTransfer},
		{FeatureSuspiciousPattern, fv.SuspiciousPattern, w.SuspiciousPattern},
	}

	out := make([]domain.Contribution, len(pairs))
	for i, p := range pairs {
		out[i] = domain.Contribution{
			Feature:      p.name,
			Value:        p.value,
			Weight:       p.weight,
			Contribution: p.value * p.weight,
		}
	}
	return out
}

// Explain returns the n largest contributions, ties broken by name.
// Zero contributions are never part of an explanation.
func Explain(contribs []domain.Contribution, n int) []domain.Contribution {
	sorted := make([]domain.Contribution, 0, len(contribs))
	for _, c := range contribs {
		if c.Contribution > 0 {
			sorted = append(sorted, c)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Contribution != sorted[j].Contribution {
			return sorted[i].Contribution > sorted[j].Contribution
		}
		return sorted[i].Feature < sorted[j].Feature
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func fieldMap(fv domain.FeatureVector) map[string]float64 {
	return map[string]float64{
		FeatureTransactionVolume: fv.TransactionVolume,
		FeatureGasVolatility:     fv.GasVolatility,
		FeatureFailureRate:       fv.FailureRate,
		FeatureMEVInvolvement:    fv.MEVInvolvement,
		FeatureLargeTransfer:     fv.LargeTransfer,
		FeatureSuspiciousPattern: fv.SuspiciousPattern,
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
