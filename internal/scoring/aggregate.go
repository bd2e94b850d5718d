package scoring

import (
	"math"
	"slices"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// AggregateSnapshots folds member snapshots into one entity-level snapshot.
// Counts and volumes add up; gas statistics are pooled weighted by
// transaction count; the activity pattern keeps the busiest level per hour.
// Counterparties are summed, so shared counterparties count once per member.
func AggregateSnapshots(subject string, members []*domain.AddressFeatureSnapshot) *domain.AddressFeatureSnapshot {
	if len(members) == 0 {
		return nil
	}

	agg := &domain.AddressFeatureSnapshot{
		Address:        subject,
		VolumeSent:     decimal.Zero,
		VolumeReceived: decimal.Zero,
		MaxTransfer:    decimal.Zero,
	}

	var (
		weight   float64
		gasSum   float64
		ratioSum float64
		hours    []byte
	)
	agg.GasPriceStats.Min = math.Inf(1)

	for _, m := range members {
		agg.Epoch = max(agg.Epoch, m.Epoch)
		agg.TxCount += m.TxCount
		agg.FailedCount += m.FailedCount
		agg.UniqueCounterparties += m.UniqueCounterparties
		agg.VolumeSent = agg.VolumeSent.Add(m.VolumeSent)
		agg.VolumeReceived = agg.VolumeReceived.Add(m.VolumeReceived)
		if m.MaxTransfer.GreaterThan(agg.MaxTransfer) {
			agg.MaxTransfer = m.MaxTransfer
		}

		n := float64(m.TxCount)
		weight += n
		gasSum += n * m.GasPriceStats.Mean
		ratioSum += n * m.ContractInteractionRatio

		if m.GasPriceStats.Max > 0 {
			agg.GasPriceStats.Min = math.Min(agg.GasPriceStats.Min, m.GasPriceStats.Min)
			agg.GasPriceStats.Max = math.Max(agg.GasPriceStats.Max, m.GasPriceStats.Max)
		}

		if hours == nil && m.ActivityPattern != "" {
			hours = []byte(strings.Repeat("0", len(m.ActivityPattern)))
		}
		for i := 0; i < len(m.ActivityPattern) && i < len(hours); i++ {
			hours[i] = max(hours[i], m.ActivityPattern[i])
		}
	}

	if weight > 0 {
		mean := gasSum / weight
		var variance float64
		for _, m := range members {
			d := m.GasPriceStats.Mean - mean
			variance += float64(m.TxCount) * (m.GasPriceStats.StdDev*m.GasPriceStats.StdDev + d*d)
		}
		agg.GasPriceStats.Mean = mean
		agg.GasPriceStats.StdDev = math.Sqrt(variance / weight)
		agg.ContractInteractionRatio = ratioSum / weight
	}
	if math.IsInf(agg.GasPriceStats.Min, 1) {
		agg.GasPriceStats.Min = 0
	}

	agg.ActivityPattern = string(hours)
	for _, h := range hours {
		if h != '0' {
			agg.ActiveHours++
		}
	}
	return agg
}

// MergeFlags combines member flags: sanctioned if any member is, and the
// largest whale score. Returns nil when no member has flags.
func MergeFlags(subject string, flags []*domain.AddressFlags) *domain.AddressFlags {
	var out *domain.AddressFlags
	var sources []string
	for _, f := range flags {
		if f == nil {
			continue
		}
		if out == nil {
			out = &domain.AddressFlags{Address: subject, FetchedAt: f.FetchedAt}
		}
		out.Sanctioned = out.Sanctioned || f.Sanctioned
		out.WhaleScore = math.Max(out.WhaleScore, f.WhaleScore)
		if f.FetchedAt.Before(out.FetchedAt) {
			out.FetchedAt = f.FetchedAt
		}
		if !slices.Contains(sources, f.Source) {
			sources = append(sources, f.Source)
		}
	}
	if out != nil {
		slices.Sort(sources)
		out.Source = strings.Join(sources, ",")
	}
	return out
}
