package domain

import "time"

// SubjectKind distinguishes address and entity risk subjects.
type SubjectKind string

const (
	SubjectAddress SubjectKind = "address"
	SubjectEntity  SubjectKind = "entity"
)

// ScoreMethod records how a RiskScore was produced.
type ScoreMethod string

const (
	MethodWeighted  ScoreMethod = "weighted"
	MethodHeuristic ScoreMethod = "heuristic"
)

// FeatureVector is the fixed-shape input to the risk model.
// Every field is a normalised sub-score in [0,1].
type FeatureVector struct {
	TransactionVolume float64 `json:"transactionVolume"`
	GasVolatility     float64 `json:"gasVolatility"`
	FailureRate       float64 `json:"failureRate"`
	MEVInvolvement    float64 `json:"mevInvolvement"`
	LargeTransfer     float64 `json:"largeTransfer"`
	SuspiciousPattern float64 `json:"suspiciousPattern"`
}

// Contribution is one feature's share of a score.
type Contribution struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// RiskScore is one immutable computation for a subject.
// The highest Version is authoritative.
type RiskScore struct {
	Subject        string         `json:"subjectAddress"`
	Kind           SubjectKind    `json:"kind"`
	Value          float64        `json:"value"`
	ComputedAt     time.Time      `json:"computedAt"`
	Inputs         FeatureVector  `json:"inputs"`
	Contributions  []Contribution `json:"contributions"`
	Explanation    []Contribution `json:"explanation"`
	Method         ScoreMethod    `json:"method"`
	WeightsVersion string         `json:"weightsVersion"`
	Version        int64          `json:"version"`
	Notes          []string       `json:"notes,omitempty"`
}

// WeightTable is a versioned set of feature weights. Its shape mirrors
// FeatureVector so a new feature is a compile-time change in both.
type WeightTable struct {
	Version           string  `json:"version" toml:"version"`
	TransactionVolume float64 `json:"transactionVolume" toml:"transaction_volume"`
	GasVolatility     float64 `json:"gasVolatility" toml:"gas_volatility"`
	FailureRate       float64 `json:"failureRate" toml:"failure_rate"`
	MEVInvolvement    float64 `json:"mevInvolvement" toml:"mev_involvement"`
	LargeTransfer     float64 `json:"largeTransfer" toml:"large_transfer"`
	SuspiciousPattern float64 `json:"suspiciousPattern" toml:"suspicious_pattern"`
}

// Sum returns the total weight.
func (w WeightTable) Sum() float64 {
	return w.TransactionVolume + w.GasVolatility + w.FailureRate +
		w.MEVInvolvement + w.LargeTransfer + w.SuspiciousPattern
}
