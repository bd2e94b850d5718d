package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MEVType identifies an extractive pattern.
type MEVType string

const (
	MEVSandwich    MEVType = "SANDWICH"
	MEVLiquidation MEVType = "LIQUIDATION"
)

// MEVSignal is a detected extractive pattern within one block.
type MEVSignal struct {
	ID             string          `json:"id"`
	Type           MEVType         `json:"type"`
	BlockNumber    uint64          `json:"blockNumber"`
	Confidence     float64         `json:"confidence"`
	Participants   []string        `json:"participantAddresses"`
	ProfitEstimate decimal.Decimal `json:"profitEstimate"`
	TargetTxHash   string          `json:"targetTxHash"`

	Victim         string    `json:"victim,omitempty"`
	FrontRunTxHash string    `json:"frontRunTxHash,omitempty"`
	BackRunTxHash  string    `json:"backRunTxHash,omitempty"`
	DetectedAt     time.Time `json:"detectedAt"`
}

// Key is the deduplication key (blockNumber, type, targetTxHash).
func (s *MEVSignal) Key() string {
	return SignalKey(s.BlockNumber, s.Type, s.TargetTxHash)
}

// SignalKey builds a deduplication key.
func SignalKey(block uint64, typ MEVType, targetTxHash string) string {
	return fmt.Sprintf("%d:%s:%s", block, typ, targetTxHash)
}

// Involves reports whether address participated in the signal as an extractor.
func (s *MEVSignal) Involves(address string) bool {
	for _, p := range s.Participants {
		if p == address {
			return true
		}
	}
	return false
}
