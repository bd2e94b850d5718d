// Package mev detects sandwich and liquidation patterns within a block.
package mev

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/shopspring/decimal"
)

var signalNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://kestrel.opensource.finance/mev-signal"))

// ErrOrdering is returned when a sandwich candidate does not satisfy
// pos(front) < pos(victim) < pos(back).
var ErrOrdering = errors.New("sandwich legs out of order")

// Detector evaluates complete blocks for MEV patterns.
// ProcessBlock is serialised so that dedup marks and gas history
// advance one block at a time.
type Detector struct {
	cfg      domain.MEVConfig
	decimals int32

	known       map[string]struct{}
	liquidation map[string]string
	flashLoan   map[string]string

	mu      sync.Mutex
	bots    map[string]struct{}
	history *gasHistory
	dedup   *Deduper
}

// NewDetector creates a detector. decimals converts profit estimates from
// wei to native units.
func NewDetector(cfg domain.MEVConfig, decimals int32) *Detector {
	if cfg.GasMultiplier <= 1 {
		cfg.GasMultiplier = 1.5
	}
	if cfg.ConfidenceSaturation <= 1 {
		cfg.ConfidenceSaturation = 100
	}
	return &Detector{
		cfg:         cfg,
		decimals:    decimals,
		known:       addressSet(cfg.KnownContracts),
		liquidation: selectorSet(cfg.LiquidationSignatures),
		flashLoan:   selectorSet(cfg.FlashLoanSignatures),
		bots:        addressSet(cfg.BotAddresses),
		history:     newGasHistory(cfg.GasHistorySize),
		dedup:       NewDeduper(cfg.DedupTTL.Std()),
	}
}

// ProcessBlock evaluates one block and returns signals not emitted before.
// Either every signal of the block is returned and marked, or none is.
func (d *Detector) ProcessBlock(block *domain.Block) ([]*domain.MEVSignal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	candidates, prices, err := d.detect(block)
	if err != nil {
		return nil, err
	}

	fresh := make([]*domain.MEVSignal, 0, len(candidates))
	for _, s := range candidates {
		if !d.dedup.Seen(s.Key()) {
			fresh = append(fresh, s)
		}
	}

	for _, s := range fresh {
		d.dedup.Mark(s.Key())
		if d.cfg.LearnBots && s.Type == domain.MEVSandwich && s.Confidence >= d.cfg.LearnBotConfidence {
			for _, p := range s.Participants {
				if _, ok := d.bots[p]; !ok {
					slog.Info("learned bot address", "address", p, "block", s.BlockNumber, "confidence", s.Confidence)
					d.bots[p] = struct{}{}
				}
			}
		}
	}
	d.history.add(prices...)

	return fresh, nil
}

// Detect evaluates a block without touching dedup state or gas history.
func (d *Detector) Detect(block *domain.Block) ([]*domain.MEVSignal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	signals, _, err := d.detect(block)
	return signals, err
}

// IsBot reports whether address is in the bot set.
func (d *Detector) IsBot(address string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.bots[domain.NormalizeAddress(address)]
	return ok
}

// Bots returns the sorted bot set.
func (d *Detector) Bots() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.bots))
	for b := range d.bots {
		out = append(out, b)
	}
	slices.Sort(out)
	return out
}

// MarkSeen records signal keys that were persisted before a restart.
func (d *Detector) MarkSeen(signals []*domain.MEVSignal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range signals {
		d.dedup.Mark(s.Key())
	}
}

type role uint8

const (
	roleOther role = iota
	roleVictim
	roleAttacker
)

func (d *Detector) detect(block *domain.Block) ([]*domain.MEVSignal, []float64, error) {
	if block == nil {
		return nil, nil, fmt.Errorf("%w: nil block", domain.ErrInvalidInput)
	}

	// Malformed records are dropped and addresses lowercased so they match
	// the configured contract and bot sets.
	valid, _ := features.FilterValid(slog.Default(), block.Transactions)
	txs := make([]*domain.Transaction, len(valid))
	for i := range valid {
		txs[i] = &valid[i]
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].PositionInBlock < txs[j].PositionInBlock })
	for i := 1; i < len(txs); i++ {
		if txs[i].PositionInBlock == txs[i-1].PositionInBlock {
			return nil, nil, fmt.Errorf("%w: block %d has duplicate position %d",
				domain.ErrInvalidInput, block.Number, txs[i].PositionInBlock)
		}
	}

	prices := make([]float64, len(txs))
	for i, tx := range txs {
		prices[i] = tx.GasPriceGwei()
	}
	threshold := d.history.threshold(d.cfg.AttackerPercentile, d.cfg.GasHistoryMinSamples, d.cfg.AttackerGasFloorGwei, prices)

	roles := make([]role, len(txs))
	for i, tx := range txs {
		roles[i] = d.classify(tx, threshold)
	}

	var signals []*domain.MEVSignal
	for i, tx := range txs {
		if sig := d.liquidationSignal(block, tx); sig != nil {
			signals = append(signals, sig)
		}
		if roles[i] != roleVictim {
			continue
		}
		front, back := d.findLegs(txs, roles, i)
		if front == nil || back == nil {
			continue
		}
		sig, err := d.sandwichSignal(block, front, tx, back)
		if err != nil {
			return nil, nil, err
		}
		signals = append(signals, sig)
	}

	return signals, prices, nil
}

func (d *Detector) classify(tx *domain.Transaction, threshold float64) role {
	if tx.GasPriceGwei() > threshold {
		return roleAttacker
	}
	if _, ok := d.flashLoan[tx.Selector()]; ok {
		return roleAttacker
	}
	if _, ok := d.bots[tx.From]; ok {
		return roleAttacker
	}
	if _, ok := d.known[tx.To]; ok {
		return roleVictim
	}
	return roleOther
}

// findLegs picks the front- and back-run around victim index vi. A pair
// sent from the same address is preferred; otherwise the nearest legs win.
func (d *Detector) findLegs(txs []*domain.Transaction, roles []role, vi int) (*domain.Transaction, *domain.Transaction) {
	victim := txs[vi]
	bar := float64(victim.GasPrice) * d.cfg.GasMultiplier

	var fronts, backs []*domain.Transaction
	for j := vi - 1; j >= 0; j-- {
		if roles[j] == roleAttacker && float64(txs[j].GasPrice) > bar {
			fronts = append(fronts, txs[j])
		}
	}
	for j := vi + 1; j < len(txs); j++ {
		if roles[j] == roleAttacker && float64(txs[j].GasPrice) > bar {
			backs = append(backs, txs[j])
		}
	}
	if len(fronts) == 0 || len(backs) == 0 {
		return nil, nil
	}

	for _, f := range fronts {
		for _, b := range backs {
			if f.From == b.From {
				return f, b
			}
		}
	}
	return fronts[0], backs[0]
}

func (d *Detector) sandwichSignal(block *domain.Block, front, victim, back *domain.Transaction) (*domain.MEVSignal, error) {
	if !(front.PositionInBlock < victim.PositionInBlock && victim.PositionInBlock < back.PositionInBlock) {
		return nil, fmt.Errorf("%w: %d/%d/%d", ErrOrdering, front.PositionInBlock, victim.PositionInBlock, back.PositionInBlock)
	}

	participants := []string{front.From}
	if back.From != front.From {
		participants = append(participants, back.From)
		slices.Sort(participants)
	}

	profit := victim.Value.Mul(decimal.NewFromFloat(d.cfg.PriceImpactFactor)).
		Sub(front.GasCost()).
		Sub(back.GasCost())

	return d.newSignal(block, domain.MEVSandwich, victim.Hash, &domain.MEVSignal{
		Confidence:     SandwichConfidence(front.GasPrice, victim.GasPrice, back.GasPrice, d.cfg.ConfidenceSaturation),
		Participants:   participants,
		ProfitEstimate: d.toNative(profit),
		Victim:         victim.From,
		FrontRunTxHash: front.Hash,
		BackRunTxHash:  back.Hash,
	}), nil
}

func (d *Detector) liquidationSignal(block *domain.Block, tx *domain.Transaction) *domain.MEVSignal {
	if tx.Failed {
		return nil
	}
	if _, ok := d.liquidation[tx.Selector()]; !ok {
		return nil
	}
	profit := tx.Value.Mul(decimal.NewFromFloat(d.cfg.LiquidationBonus)).Sub(tx.GasCost())
	return d.newSignal(block, domain.MEVLiquidation, tx.Hash, &domain.MEVSignal{
		Confidence:     d.cfg.LiquidationConfidence,
		Participants:   []string{tx.From},
		ProfitEstimate: d.toNative(profit),
	})
}

func (d *Detector) newSignal(block *domain.Block, typ domain.MEVType, target string, s *domain.MEVSignal) *domain.MEVSignal {
	s.Type = typ
	s.BlockNumber = block.Number
	s.TargetTxHash = target
	s.ID = uuid.NewSHA1(signalNamespace, []byte(s.Key())).String()
	s.DetectedAt = block.Timestamp
	return s
}

func (d *Detector) toNative(wei decimal.Decimal) decimal.Decimal {
	if wei.IsNegative() {
		return decimal.Zero
	}
	return wei.Shift(-d.decimals)
}

// SandwichConfidence maps the gas-price ratios of both legs over the victim
// to [0, 1]. The product of ratios saturates at 1 once it reaches saturation.
func SandwichConfidence(front, victim, back uint64, saturation float64) float64 {
	if victim == 0 {
		return 1
	}
	r := (float64(front) / float64(victim)) * (float64(back) / float64(victim))
	if r <= 1 {
		return 0
	}
	c := math.Log(r) / math.Log(saturation)
	return math.Min(1, c)
}
