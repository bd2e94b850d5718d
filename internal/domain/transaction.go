// Package domain defines the core types and collaborator interfaces for Kestrel.
package domain

import (
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is an immutable, chain-normalised transaction record.
// Value is denominated in the chain's smallest unit (wei).
type Transaction struct {
	Hash            string          `json:"hash"`
	From            string          `json:"from"`
	To              string          `json:"to"`
	Value           decimal.Decimal `json:"value"`
	GasPrice        uint64          `json:"gasPrice"`
	GasUsed         uint64          `json:"gasUsed"`
	BlockNumber     uint64          `json:"blockNumber"`
	PositionInBlock int             `json:"positionInBlock"`
	Timestamp       time.Time       `json:"timestamp"`
	InputData       string          `json:"inputData,omitempty"`

	// Failed is set when the receipt status reports a revert.
	Failed bool `json:"failed,omitempty"`
}

// Block is the per-block batch delivered by a TransactionFeed.
// Transactions are ordered by PositionInBlock.
type Block struct {
	Number       uint64        `json:"number"`
	Hash         string        `json:"hash,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
}

const weiPerGwei = 1e9

// GasPriceGwei returns the gas price in gwei.
func (t *Transaction) GasPriceGwei() float64 {
	return float64(t.GasPrice) / weiPerGwei
}

// GasCost returns gasPrice * gasUsed in wei.
func (t *Transaction) GasCost() decimal.Decimal {
	cost := new(big.Int).Mul(new(big.Int).SetUint64(t.GasPrice), new(big.Int).SetUint64(t.GasUsed))
	return decimal.NewFromBigInt(cost, 0)
}

// Selector returns the lowercase 4-byte function selector ("0x" + 8 hex chars),
// or "" when the input carries no call data.
func (t *Transaction) Selector() string {
	data := strings.TrimPrefix(strings.ToLower(t.InputData), "0x")
	if len(data) < 8 {
		return ""
	}
	return "0x" + data[:8]
}

// IsContractCall reports whether the transaction carries call data.
func (t *Transaction) IsContractCall() bool {
	return t.Selector() != ""
}

// Counterparty returns the other side of the transaction relative to address.
func (t *Transaction) Counterparty(address string) string {
	if strings.EqualFold(t.From, address) {
		return t.To
	}
	return t.From
}

// NormalizeAddress lowercases an address for use as a map key.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
