package entity

import (
	"fmt"
	"math"

	"github.com/agnivade/levenshtein"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// point is an address in the epoch's normalised feature space.
type point struct {
	address string
	z       []float64
	norm    float64
	pattern string
}

func featureVector(s *domain.AddressFeatureSnapshot) []float64 {
	return []float64{
		float64(s.TxCount),
		s.VolumeSent.InexactFloat64(),
		s.VolumeReceived.InexactFloat64(),
		float64(s.UniqueCounterparties),
		s.GasPriceStats.Mean,
		s.GasPriceStats.StdDev,
		s.ContractInteractionRatio,
	}
}

// normalize z-scores every feature over the given snapshots. A feature's
// spread is taken as at least spreadFloor times its mean magnitude; features
// with no spread at all map to 0. Snapshots must be sorted by address.
func normalize(snaps []*domain.AddressFeatureSnapshot, spreadFloor float64) ([]point, error) {
	if len(snaps) == 0 {
		return nil, nil
	}

	raw := make([][]float64, len(snaps))
	for i, s := range snaps {
		raw[i] = featureVector(s)
		for f, v := range raw[i] {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: feature %d of %s is not finite", domain.ErrClusteringFailure, f, s.Address)
			}
		}
	}

	dims := len(raw[0])
	n := float64(len(raw))
	mean := make([]float64, dims)
	std := make([]float64, dims)
	for _, v := range raw {
		for f := range dims {
			mean[f] += v[f]
		}
	}
	for f := range dims {
		mean[f] /= n
	}
	for _, v := range raw {
		for f := range dims {
			d := v[f] - mean[f]
			std[f] += d * d
		}
	}
	for f := range dims {
		std[f] = math.Sqrt(std[f] / n)
		if math.IsNaN(std[f]) || math.IsInf(std[f], 0) {
			return nil, fmt.Errorf("%w: variance of feature %d overflows", domain.ErrClusteringFailure, f)
		}
		std[f] = math.Max(std[f], spreadFloor*math.Abs(mean[f]))
	}

	points := make([]point, len(snaps))
	for i, s := range snaps {
		z := make([]float64, dims)
		for f := range dims {
			if std[f] > 0 {
				z[f] = (raw[i][f] - mean[f]) / std[f]
			}
		}
		points[i] = point{address: s.Address, z: z, norm: l2(z), pattern: s.ActivityPattern}
	}
	return points, nil
}

func l2(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// Similarity scores pairs of points. Not safe for concurrent use.
type Similarity struct {
	cosineWeight  float64
	patternWeight float64
	normFloor     float64
	memo          map[[2]string]float64
}

// NewSimilarity creates a scorer from entity policy.
func NewSimilarity(cfg domain.EntityConfig) *Similarity {
	return &Similarity{
		cosineWeight:  cfg.CosineWeight,
		patternWeight: cfg.PatternWeight,
		normFloor:     cfg.NormFloor,
		memo:          make(map[[2]string]float64),
	}
}

// Numeric compares two z-vectors. Vectors near the epoch mean carry no
// direction, so when either norm is under the floor the score falls off
// with euclidean distance instead of angle. The result is in [0, 1].
func (s *Similarity) Numeric(a, b []float64, na, nb float64) float64 {
	if na < s.normFloor || nb < s.normFloor {
		var d float64
		for i := range a {
			x := a[i] - b[i]
			d += x * x
		}
		return math.Max(0, 1-math.Sqrt(d)/(2*s.normFloor))
	}

	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return math.Max(0, math.Min(1, dot/(na*nb)))
}

// Pattern is the normalised edit similarity of two activity patterns.
func (s *Similarity) Pattern(a, b string) float64 {
	if a > b {
		a, b = b, a
	}
	key := [2]string{a, b}
	if v, ok := s.memo[key]; ok {
		return v
	}

	longest := max(len(a), len(b))
	v := 1.0
	if longest > 0 {
		v = 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
	}
	s.memo[key] = v
	return v
}

// Combine weights numeric and pattern similarity.
func (s *Similarity) Combine(numeric, pattern float64) float64 {
	return s.cosineWeight*numeric + s.patternWeight*pattern
}

func (s *Similarity) between(p, q *point) float64 {
	return s.Combine(s.Numeric(p.z, q.z, p.norm, q.norm), s.Pattern(p.pattern, q.pattern))
}

// reachable reports whether p and q exceed threshold, computing the
// pattern term only when the numeric term leaves room for it.
func (s *Similarity) reachable(p, q *point, threshold float64) (float64, bool) {
	num := s.Numeric(p.z, q.z, p.norm, q.norm)
	if s.Combine(num, 1) <= threshold {
		return 0, false
	}
	sim := s.Combine(num, s.Pattern(p.pattern, q.pattern))
	return sim, sim > threshold
}

// centroid is an entity's position in the epoch, over members present in it.
type centroid struct {
	entityID string
	anchor   string // smallest member address, used for tie-breaks
	z        []float64
	norm     float64
	members  []*point
}

func newCentroid(entityID, anchor string, members []*point) *centroid {
	dims := len(members[0].z)
	z := make([]float64, dims)
	for _, m := range members {
		for f := range dims {
			z[f] += m.z[f]
		}
	}
	for f := range dims {
		z[f] /= float64(len(members))
	}
	return &centroid{entityID: entityID, anchor: anchor, z: z, norm: l2(z), members: members}
}

func (s *Similarity) toCentroid(p *point, c *centroid) float64 {
	var pattern float64
	for _, m := range c.members {
		pattern += s.Pattern(p.pattern, m.pattern)
	}
	pattern /= float64(len(c.members))
	return s.Combine(s.Numeric(p.z, c.z, p.norm, c.norm), pattern)
}
