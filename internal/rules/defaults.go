package rules

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Metric names published by the pipeline for every scored subject.
const (
	MetricRiskScore      = "risk_score"
	MetricSandwichCount  = "sandwich_count"
	MetricLiquidations   = "liquidation_count"
	MetricMEVProfit      = "mev_profit"
	MetricSanctioned     = "sanctioned"
	MetricWhaleScore     = "whale_score"
	MetricTxCount        = "tx_count"
	MetricFailureRate    = "failure_rate"
	MetricEntityMembers  = "entity_members"
	MetricTotalVolume    = "total_volume"
	MetricGasVolatility  = "gas_volatility"
	MetricMEVInvolvement = "mev_involvement"
)

// DefaultRules returns the rules seeded into an empty rule table.
func DefaultRules(cooldown time.Duration) []*domain.AlertRule {
	if cooldown <= 0 {
		cooldown = 120 * time.Second
	}
	return []*domain.AlertRule{
		{
			ID:          "critical-risk",
			Name:        "Critical risk score",
			Description: "Subject risk score at or above the critical threshold",
			Condition:   "has(metrics.risk_score) && metrics.risk_score >= threshold",
			Threshold:   0.9,
			Priority:    domain.PriorityCritical,
			Cooldown:    domain.Duration(cooldown),
			Enabled:     true,
		},
		{
			ID:          "sanctioned-activity",
			Name:        "Sanctioned address activity",
			Description: "Subject includes a sanctioned address",
			Condition:   "has(metrics.sanctioned) && metrics.sanctioned >= threshold",
			Threshold:   1,
			Priority:    domain.PriorityCritical,
			Cooldown:    domain.Duration(5 * cooldown),
			Enabled:     true,
		},
		{
			ID:          "sandwich-burst",
			Name:        "Repeated sandwich attacks",
			Description: "Subject extracted value from several sandwiches in one epoch",
			Condition:   "has(metrics.sandwich_count) && metrics.sandwich_count >= threshold",
			Threshold:   3,
			Priority:    domain.PriorityHigh,
			Cooldown:    domain.Duration(5 * cooldown),
			Enabled:     true,
		},
	}
}
