package domain

import "time"

// Priority is the severity of an alert rule.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank orders priorities, critical first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// AlertRule is a declarative alert condition.
// Condition is a CEL expression over `metrics` (map of string to double) and `threshold`.
// A zero Cooldown inherits the configured default; a negative one disables it.
type AlertRule struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Condition   string   `json:"condition"`
	Threshold   float64  `json:"threshold"`
	Priority    Priority `json:"priority"`
	Cooldown    Duration `json:"cooldown"`
	Enabled     bool     `json:"enabled"`
}

// AlertStatus is the lifecycle state of a single alert.
type AlertStatus string

const (
	AlertTriggered    AlertStatus = "triggered"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is emitted when a rule transitions to Triggered.
type Alert struct {
	ID             string             `json:"id"`
	RuleID         string             `json:"ruleId"`
	Message        string             `json:"message"`
	Priority       Priority           `json:"priority"`
	Status         AlertStatus        `json:"status"`
	Subject        string             `json:"subject,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	TriggeredAt    time.Time          `json:"triggeredAt"`
	AcknowledgedAt *time.Time         `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string             `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time         `json:"resolvedAt,omitempty"`
	ResolvedBy     string             `json:"resolvedBy,omitempty"`
}

// Unresolved reports whether the alert still holds its rule's active slot.
func (a *Alert) Unresolved() bool {
	return a.Status == AlertTriggered
}

// DeadLetter is an alert that exhausted its delivery attempts.
type DeadLetter struct {
	ID        string    `json:"id"`
	Alert     Alert     `json:"alert"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError"`
	FailedAt  time.Time `json:"failedAt"`
}

// DeliveryReceipt reports the outcome of one delivery attempt.
type DeliveryReceipt struct {
	AlertID   string    `json:"alertId"`
	Attempt   int       `json:"attempt"`
	Delivered bool      `json:"delivered"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
