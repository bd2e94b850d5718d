// Package features turns transaction windows into per-address feature snapshots.
package features

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/alitto/pond/v2"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// hoursPerDay is the length of an activity pattern.
const hoursPerDay = 24

// Extractor builds AddressFeatureSnapshots.
type Extractor struct {
	decimals int32
	pool     pond.ResultPool[*domain.AddressFeatureSnapshot]
	logger   *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) { e.logger = logger }
}

// NewExtractor creates an extractor that processes addresses on a bounded pool.
func NewExtractor(cfg domain.FeaturesConfig, workers int, opts ...Option) *Extractor {
	if workers <= 0 {
		workers = 4
	}
	decimals := cfg.NativeDecimals
	if decimals <= 0 {
		decimals = 18
	}

	e := &Extractor{
		decimals: decimals,
		pool:     pond.NewResultPool[*domain.AddressFeatureSnapshot](workers),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close stops the worker pool after in-flight extractions finish.
func (e *Extractor) Close() {
	e.pool.StopAndWait()
}

// ExtractEpoch validates a sealed epoch window, groups it by address and
// extracts one snapshot per address concurrently. Snapshots are sorted by address.
func (e *Extractor) ExtractEpoch(ctx context.Context, epoch uint64, txs []domain.Transaction) ([]*domain.AddressFeatureSnapshot, []error, error) {
	valid, skipped := FilterValid(e.logger, txs)
	byAddress := GroupByAddress(valid)

	addresses := make([]string, 0, len(byAddress))
	for addr := range byAddress {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)

	group := e.pool.NewGroupContext(ctx)
	for _, addr := range addresses {
		group.Submit(func() *domain.AddressFeatureSnapshot {
			return e.Extract(addr, epoch, byAddress[addr])
		})
	}

	snapshots, err := group.Wait()
	if err != nil {
		return nil, skipped, err
	}
	return snapshots, skipped, nil
}

// GroupByAddress indexes transactions by every address they touch.
// A self-transfer is listed once.
func GroupByAddress(txs []domain.Transaction) map[string][]domain.Transaction {
	out := make(map[string][]domain.Transaction)
	for _, tx := range txs {
		out[tx.From] = append(out[tx.From], tx)
		if tx.To != tx.From {
			out[tx.To] = append(out[tx.To], tx)
		}
	}
	return out
}

// Extract builds the snapshot for address from the valid transactions touching it.
func (e *Extractor) Extract(address string, epoch uint64, txs []domain.Transaction) *domain.AddressFeatureSnapshot {
	address = domain.NormalizeAddress(address)

	snap := &domain.AddressFeatureSnapshot{
		Address: address,
		Epoch:   epoch,
	}

	sent := decimal.Zero
	received := decimal.Zero
	maxTransfer := decimal.Zero
	counterparties := make(map[string]struct{})
	var gasPrices []float64
	var hourly [hoursPerDay]int
	calls := 0

	for i := range txs {
		tx := &txs[i]
		isSender := tx.From == address
		isRecipient := tx.To == address
		if !isSender && !isRecipient {
			continue
		}

		snap.TxCount++
		if isSender {
			gasPrices = append(gasPrices, tx.GasPriceGwei())
			if tx.Failed {
				snap.FailedCount++
			}
		}

		// A reverted transaction moves no value.
		if !tx.Failed {
			if isSender {
				sent = sent.Add(tx.Value)
			}
			if isRecipient {
				received = received.Add(tx.Value)
			}
			if tx.Value.GreaterThan(maxTransfer) {
				maxTransfer = tx.Value
			}
		}
		if cp := tx.Counterparty(address); cp != address {
			counterparties[cp] = struct{}{}
		}
		if tx.IsContractCall() {
			calls++
		}
		hourly[tx.Timestamp.UTC().Hour()]++
	}

	// Wei sums are converted to native units exactly once, here.
	snap.VolumeSent = sent.Shift(-e.decimals)
	snap.VolumeReceived = received.Shift(-e.decimals)
	snap.MaxTransfer = maxTransfer.Shift(-e.decimals)
	snap.UniqueCounterparties = len(counterparties)
	snap.GasPriceStats = gasStats(gasPrices)
	if snap.TxCount > 0 {
		snap.ContractInteractionRatio = float64(calls) / float64(snap.TxCount)
	}
	snap.ActivityPattern, snap.ActiveHours = activityPattern(hourly)

	return snap
}

// gasStats computes mean and population standard deviation.
func gasStats(prices []float64) domain.GasPriceStats {
	if len(prices) == 0 {
		return domain.GasPriceStats{}
	}

	stats := domain.GasPriceStats{Min: prices[0], Max: prices[0]}
	var sum float64
	for _, p := range prices {
		sum += p
		stats.Min = math.Min(stats.Min, p)
		stats.Max = math.Max(stats.Max, p)
	}
	stats.Mean = sum / float64(len(prices))

	var sq float64
	for _, p := range prices {
		d := p - stats.Mean
		sq += d * d
	}
	stats.StdDev = math.Sqrt(sq / float64(len(prices)))
	return stats
}

// activityPattern encodes hourly activity as 24 digits, one per UTC hour,
// scaled so the busiest hour is '9' and idle hours are '0'.
func activityPattern(hourly [hoursPerDay]int) (string, int) {
	peak := 0
	for _, c := range hourly {
		peak = max(peak, c)
	}

	var b strings.Builder
	b.Grow(hoursPerDay)
	active := 0
	for _, c := range hourly {
		if c == 0 || peak == 0 {
			b.WriteByte('0')
			continue
		}
		active++
		level := int(math.Ceil(9 * float64(c) / float64(peak)))
		b.WriteByte(byte('0' + level))
	}
	return b.String(), active
}
