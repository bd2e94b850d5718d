package rules

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// State is a rule's position in the alert lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateTriggered State = "triggered"
)

var (
	// ErrAlreadyActive means the rule already holds an unresolved alert.
	ErrAlreadyActive = errors.New("rule already has an unresolved alert")
	// ErrCoolingDown means the rule triggered too recently.
	ErrCoolingDown = errors.New("rule is cooling down")
	// ErrAlertClosed means the alert was already acknowledged or resolved.
	ErrAlertClosed = errors.New("alert already closed")
)

// Action is a state transition request. Exactly one of Trigger,
// Acknowledge or Resolve.
type Action interface {
	isAction()
}

// Trigger asks to raise an alert for Rule.
type Trigger struct {
	Rule     *domain.AlertRule
	Subject  string
	Metrics  map[string]float64
	Cooldown time.Duration
	At       time.Time
}

// Acknowledge closes an alert on behalf of By.
type Acknowledge struct {
	AlertID string
	By      string
	At      time.Time
}

// Resolve closes an alert on behalf of By.
type Resolve struct {
	AlertID string
	By      string
	At      time.Time
}

func (Trigger) isAction()     {}
func (Acknowledge) isAction() {}
func (Resolve) isAction()     {}

// RuleStatus is a rule's slot in the store.
type RuleStatus struct {
	RuleID          string    `json:"ruleId"`
	State           State     `json:"state"`
	LastTriggeredAt time.Time `json:"lastTriggeredAt"`
	ActiveAlertID   string    `json:"activeAlertId,omitempty"`
}

// AlertStore is the keyed store of rule slots and alerts. All transitions
// go through Apply under one lock, so at most one unresolved alert exists
// per rule.
type AlertStore struct {
	mu     sync.Mutex
	slots  map[string]*RuleStatus
	alerts map[string]*domain.Alert
}

// NewAlertStore creates an empty store.
func NewAlertStore() *AlertStore {
	return &AlertStore{
		slots:  make(map[string]*RuleStatus),
		alerts: make(map[string]*domain.Alert),
	}
}

// Apply performs one transition and returns a copy of the affected alert.
func (s *AlertStore) Apply(action Action) (*domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch a := action.(type) {
	case Trigger:
		return s.trigger(a)
	case Acknowledge:
		return s.close(a.AlertID, a.By, a.At, domain.AlertAcknowledged)
	case Resolve:
		return s.close(a.AlertID, a.By, a.At, domain.AlertResolved)
	default:
		return nil, fmt.Errorf("%w: unknown action %T", domain.ErrInvalidInput, action)
	}
}

func (s *AlertStore) trigger(a Trigger) (*domain.Alert, error) {
	if a.Rule == nil {
		return nil, fmt.Errorf("%w: trigger without rule", domain.ErrInvalidInput)
	}

	slot := s.slot(a.Rule.ID)
	if slot.State == StateTriggered {
		return nil, fmt.Errorf("%w: %s (%s)", ErrAlreadyActive, a.Rule.ID, slot.ActiveAlertID)
	}
	if !slot.LastTriggeredAt.IsZero() && a.At.Sub(slot.LastTriggeredAt) < a.Cooldown {
		return nil, fmt.Errorf("%w: %s until %s", ErrCoolingDown, a.Rule.ID, slot.LastTriggeredAt.Add(a.Cooldown).Format(time.RFC3339))
	}

	alert := &domain.Alert{
		ID:          uuid.New().String(),
		RuleID:      a.Rule.ID,
		Message:     message(a.Rule, a.Subject, a.Metrics),
		Priority:    a.Rule.Priority,
		Status:      domain.AlertTriggered,
		Subject:     a.Subject,
		Metrics:     a.Metrics,
		TriggeredAt: a.At.UTC(),
	}
	s.alerts[alert.ID] = alert

	slot.State = StateTriggered
	slot.ActiveAlertID = alert.ID
	slot.LastTriggeredAt = a.At
	return cloneAlert(alert), nil
}

func (s *AlertStore) close(alertID, by string, at time.Time, status domain.AlertStatus) (*domain.Alert, error) {
	alert, ok := s.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", alertID, domain.ErrNotFound)
	}
	if !alert.Unresolved() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlertClosed, alertID, alert.Status)
	}

	at = at.UTC()
	alert.Status = status
	switch status {
	case domain.AlertAcknowledged:
		alert.AcknowledgedAt = &at
		alert.AcknowledgedBy = by
	case domain.AlertResolved:
		alert.ResolvedAt = &at
		alert.ResolvedBy = by
	}

	slot := s.slot(alert.RuleID)
	if slot.ActiveAlertID == alertID {
		slot.State = StateIdle
		slot.ActiveAlertID = ""
	}
	return cloneAlert(alert), nil
}

func (s *AlertStore) slot(ruleID string) *RuleStatus {
	slot, ok := s.slots[ruleID]
	if !ok {
		slot = &RuleStatus{RuleID: ruleID, State: StateIdle}
		s.slots[ruleID] = slot
	}
	return slot
}

// Restore loads persisted alerts. Unresolved alerts re-occupy their rule's
// slot; every alert advances its rule's last trigger time.
func (s *AlertStore) Restore(alerts []*domain.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := slices.Clone(alerts)
	slices.SortFunc(sorted, func(a, b *domain.Alert) int { return a.TriggeredAt.Compare(b.TriggeredAt) })

	for _, a := range sorted {
		c := cloneAlert(a)
		s.alerts[c.ID] = c
		slot := s.slot(c.RuleID)
		if c.TriggeredAt.After(slot.LastTriggeredAt) {
			slot.LastTriggeredAt = c.TriggeredAt
		}
		if c.Unresolved() {
			if slot.ActiveAlertID != "" {
				// keep the newest; close the older duplicate
				if old, ok := s.alerts[slot.ActiveAlertID]; ok {
					old.Status = domain.AlertResolved
					resolved := c.TriggeredAt
					old.ResolvedAt = &resolved
					old.ResolvedBy = "restore"
				}
			}
			slot.State = StateTriggered
			slot.ActiveAlertID = c.ID
		}
	}
}

// Get returns a copy of an alert.
func (s *AlertStore) Get(alertID string) (*domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", alertID, domain.ErrNotFound)
	}
	return cloneAlert(alert), nil
}

// Active returns unresolved alerts, critical first, then oldest first.
func (s *AlertStore) Active() []*domain.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Alert, 0)
	for _, slot := range s.slots {
		if slot.State != StateTriggered {
			continue
		}
		if alert, ok := s.alerts[slot.ActiveAlertID]; ok {
			out = append(out, cloneAlert(alert))
		}
	}
	slices.SortFunc(out, func(a, b *domain.Alert) int {
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() - b.Priority.Rank()
		}
		if c := a.TriggeredAt.Compare(b.TriggeredAt); c != 0 {
			return c
		}
		if a.RuleID < b.RuleID {
			return -1
		}
		if a.RuleID > b.RuleID {
			return 1
		}
		return 0
	})
	return out
}

// Status returns the slot for a rule.
func (s *AlertStore) Status(ruleID string) RuleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.slot(ruleID)
}

func cloneAlert(a *domain.Alert) *domain.Alert {
	c := *a
	if a.Metrics != nil {
		c.Metrics = make(map[string]float64, len(a.Metrics))
		for k, v := range a.Metrics {
			c.Metrics[k] = v
		}
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func message(rule *domain.AlertRule, subject string, metrics map[string]float64) string {
	name := rule.Name
	if name == "" {
		name = rule.ID
	}
	msg := fmt.Sprintf("%s: %s (threshold %g)", name, rule.Condition, rule.Threshold)
	if subject != "" {
		msg += " for " + subject
	}
	if v, ok := metrics["risk_score"]; ok {
		msg += fmt.Sprintf(", risk_score=%.4f", v)
	}
	return msg
}
