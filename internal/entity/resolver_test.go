package entity

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pattern = "000000000090000000000000"

func addr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func snapshot(address string, txCount int, volume float64) *domain.AddressFeatureSnapshot {
	return &domain.AddressFeatureSnapshot{
		Address:                  address,
		Epoch:                    1,
		TxCount:                  txCount,
		VolumeSent:               decimal.NewFromFloat(volume),
		VolumeReceived:           decimal.Zero,
		UniqueCounterparties:     5,
		GasPriceStats:            domain.GasPriceStats{Mean: 20, StdDev: 2, Min: 18, Max: 22},
		ContractInteractionRatio: 0.5,
		ActivityPattern:          pattern,
	}
}

// trioEpoch returns three identical addresses plus four outliers placed
// symmetrically around them, so the trio sits exactly on the epoch mean.
func trioEpoch(trio ...string) []*domain.AddressFeatureSnapshot {
	snaps := make([]*domain.AddressFeatureSnapshot, 0, len(trio)+4)
	for _, a := range trio {
		snaps = append(snaps, snapshot(a, 50, 10))
	}
	snaps = append(snaps,
		snapshot(addr(101), 90, 10),
		snapshot(addr(102), 10, 10),
		snapshot(addr(103), 50, 18),
		snapshot(addr(104), 50, 2),
	)
	for _, s := range snaps[len(trio):] {
		s.ActivityPattern = "900000000000000000000000"
	}
	return snaps
}

func newTestResolver() *Resolver {
	return NewResolver(domain.DefaultConfig().Entity, NewStore())
}

func TestNearIdenticalAddressesFormOneEntity(t *testing.T) {
	r := newTestResolver()

	res, err := r.Resolve(context.Background(), 1, trioEpoch(addr(1), addr(2), addr(3)))
	require.NoError(t, err)

	require.Len(t, res.Created, 1)
	e := res.Created[0]
	assert.Equal(t, []string{addr(1), addr(2), addr(3)}, e.Members)
	assert.Greater(t, e.Confidence, 0.7)
	assert.Equal(t, int64(1), e.Version)
	assert.Equal(t, []string{addr(101), addr(102), addr(103), addr(104)}, res.Unresolved)

	for _, a := range []string{addr(1), addr(2), addr(3)} {
		got, ok := r.Store().EntityOf(a)
		require.True(t, ok)
		assert.Equal(t, e.ID, got.ID)
	}
	_, ok := r.Store().EntityOf(addr(101))
	assert.False(t, ok, "noise must not be promoted to an entity")
}

func TestNearIdenticalEpochFormsOneEntity(t *testing.T) {
	snaps := []*domain.AddressFeatureSnapshot{
		snapshot(addr(1), 49, 10),
		snapshot(addr(2), 50, 10.1),
		snapshot(addr(3), 51, 10.05),
	}

	r := newTestResolver()
	res, err := r.Resolve(context.Background(), 1, snaps)
	require.NoError(t, err)

	require.Len(t, res.Created, 1)
	e := res.Created[0]
	assert.Equal(t, []string{addr(1), addr(2), addr(3)}, e.Members)
	assert.Greater(t, e.Confidence, 0.7)
	assert.Empty(t, res.Unresolved)
}

func TestMergeRequiresSimilarityAboveThreshold(t *testing.T) {
	cfg := domain.DefaultConfig().Entity
	cfg.SimilarityThreshold = 1
	r := NewResolver(cfg, NewStore())

	res, err := r.Resolve(context.Background(), 1, trioEpoch(addr(1), addr(2), addr(3)))
	require.NoError(t, err)
	assert.Empty(t, res.Created, "identical addresses only reach the threshold, they do not exceed it")
	assert.Zero(t, r.Store().Len())
}

func TestResolveIsIdempotent(t *testing.T) {
	r := newTestResolver()
	snaps := trioEpoch(addr(1), addr(2), addr(3))

	_, err := r.Resolve(context.Background(), 1, snaps)
	require.NoError(t, err)
	before := r.Store().List()

	res, err := r.Resolve(context.Background(), 1, snaps)
	require.NoError(t, err)

	assert.Empty(t, res.Changed())
	assert.Equal(t, before, r.Store().List())
}

func TestResolveIsOrderIndependent(t *testing.T) {
	base := trioEpoch(addr(1), addr(2), addr(3))
	base = append(base, snapshot(addr(7), 50, 10), snapshot(addr(8), 50, 10))

	want := newTestResolver()
	_, err := want.Resolve(context.Background(), 1, base)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for range 20 {
		shuffled := append([]*domain.AddressFeatureSnapshot(nil), base...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		got := newTestResolver()
		_, err := got.Resolve(context.Background(), 1, shuffled)
		require.NoError(t, err)
		assert.Equal(t, want.Store().Partition(), got.Store().Partition())
	}
}

func TestNewAddressMergesIntoExistingEntity(t *testing.T) {
	r := newTestResolver()
	res, err := r.Resolve(context.Background(), 1, trioEpoch(addr(1), addr(2), addr(3)))
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	id := res.Created[0].ID

	// addr(3) is quiet this epoch; addr(9) behaves like the others.
	res, err = r.Resolve(context.Background(), 2, trioEpoch(addr(1), addr(2), addr(9)))
	require.NoError(t, err)

	assert.Empty(t, res.Created)
	require.Len(t, res.Grown, 1)
	e := res.Grown[0]
	assert.Equal(t, id, e.ID)
	assert.Equal(t, []string{addr(1), addr(2), addr(3), addr(9)}, e.Members)
	assert.Equal(t, int64(2), e.Version)
}

func TestEntitiesOnlyGrow(t *testing.T) {
	r := newTestResolver()
	_, err := r.Resolve(context.Background(), 1, trioEpoch(addr(1), addr(2), addr(3)))
	require.NoError(t, err)

	// addr(3) now looks like an outlier; it stays a member.
	snaps := trioEpoch(addr(1), addr(2), addr(5))
	snaps = append(snaps, snapshot(addr(3), 500, 900))
	_, err = r.Resolve(context.Background(), 2, snaps)
	require.NoError(t, err)

	e, ok := r.Store().EntityOf(addr(3))
	require.True(t, ok)
	assert.True(t, e.HasMember(addr(1)))
	assert.True(t, e.HasMember(addr(2)))
	assert.True(t, e.HasMember(addr(3)))
}

func TestClusteringFailureKeepsPreviousPartition(t *testing.T) {
	r := newTestResolver()
	_, err := r.Resolve(context.Background(), 1, trioEpoch(addr(1), addr(2), addr(3)))
	require.NoError(t, err)
	before := r.Store().List()

	bad := trioEpoch(addr(4), addr(5), addr(6))
	bad[0].GasPriceStats.Mean = math.NaN()

	res, err := r.Resolve(context.Background(), 2, bad)
	require.ErrorIs(t, err, domain.ErrClusteringFailure)
	require.NotNil(t, res)
	assert.Empty(t, res.Changed())
	assert.Equal(t, before, r.Store().List())
}

func TestDuplicateSnapshotIsAClusteringFailure(t *testing.T) {
	snaps := trioEpoch(addr(1), addr(2), addr(3))
	snaps = append(snaps, snapshot(addr(1), 50, 10))

	_, err := newTestResolver().Resolve(context.Background(), 1, snaps)
	assert.ErrorIs(t, err, domain.ErrClusteringFailure)
}

func TestResolveHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestResolver().Resolve(ctx, 1, trioEpoch(addr(1), addr(2), addr(3)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMinClusterSize(t *testing.T) {
	cfg := domain.DefaultConfig().Entity
	cfg.MinClusterSize = 4
	r := NewResolver(cfg, NewStore())

	_, err := r.Resolve(context.Background(), 1, trioEpoch(addr(1), addr(2), addr(3)))
	require.NoError(t, err)
	assert.Zero(t, r.Store().Len())
}

func TestSimilarity(t *testing.T) {
	s := NewSimilarity(domain.DefaultConfig().Entity)

	t.Run("cosine for distant vectors", func(t *testing.T) {
		assert.InDelta(t, 1.0, s.Numeric([]float64{2, 0}, []float64{4, 0}, 2, 4), 1e-9)
		assert.InDelta(t, 0.0, s.Numeric([]float64{2, 0}, []float64{0, 2}, 2, 2), 1e-9)
		assert.InDelta(t, 0.0, s.Numeric([]float64{2, 0}, []float64{-2, 0}, 2, 2), 1e-9)
	})

	t.Run("proximity near the mean", func(t *testing.T) {
		assert.InDelta(t, 1.0, s.Numeric([]float64{0, 0}, []float64{0, 0}, 0, 0), 1e-9)
		assert.InDelta(t, 0.5, s.Numeric([]float64{0.25, 0}, []float64{-0.25, 0}, 0.25, 0.25), 1e-9)
		assert.InDelta(t, 0.0, s.Numeric([]float64{0, 0}, []float64{3, 0}, 0, 3), 1e-9)
	})

	t.Run("pattern", func(t *testing.T) {
		assert.InDelta(t, 1.0, s.Pattern("0090", "0090"), 1e-9)
		assert.InDelta(t, 0.75, s.Pattern("0090", "0091"), 1e-9)
		assert.InDelta(t, 1.0, s.Pattern("", ""), 1e-9)
	})

	assert.InDelta(t, 0.7*0.5+0.3*0.75, s.Combine(0.5, 0.75), 1e-9)
}
