package domain

import (
	"github.com/shopspring/decimal"
)

// AddressFeatureSnapshot summarises one address over one epoch.
// Volumes are in the chain's native unit (converted once from wei).
type AddressFeatureSnapshot struct {
	Address                  string          `json:"address"`
	Epoch                    uint64          `json:"epoch"`
	TxCount                  int             `json:"txCount"`
	VolumeSent               decimal.Decimal `json:"volumeSent"`
	VolumeReceived           decimal.Decimal `json:"volumeReceived"`
	UniqueCounterparties     int             `json:"uniqueCounterparties"`
	GasPriceStats            GasPriceStats   `json:"gasPriceStats"`
	ContractInteractionRatio float64         `json:"contractInteractionRatio"`
	ActivityPattern          string          `json:"activityPattern"`

	FailedCount int             `json:"failedCount"`
	MaxTransfer decimal.Decimal `json:"maxTransfer"`
	ActiveHours int             `json:"activeHours"`
}

// GasPriceStats holds gas price statistics in gwei.
type GasPriceStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// FailureRate returns the fraction of failed transactions.
func (s *AddressFeatureSnapshot) FailureRate() float64 {
	if s.TxCount == 0 {
		return 0
	}
	return float64(s.FailedCount) / float64(s.TxCount)
}

// TotalVolume returns sent + received volume.
func (s *AddressFeatureSnapshot) TotalVolume() decimal.Decimal {
	return s.VolumeSent.Add(s.VolumeReceived)
}
