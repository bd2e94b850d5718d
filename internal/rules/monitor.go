package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Repository persists alerts and alert rules.
type Repository interface {
	SaveAlert(ctx context.Context, alert *domain.Alert) error
	ListAlerts(ctx context.Context, unresolvedOnly bool, limit int) ([]*domain.Alert, error)
	// PendingAlerts returns unresolved alerts with neither a recorded
	// delivery nor a dead letter.
	PendingAlerts(ctx context.Context) ([]*domain.Alert, error)
	SaveAlertRule(ctx context.Context, rule *domain.AlertRule) error
	ListAlertRules(ctx context.Context) ([]*domain.AlertRule, error)
}

// Sink receives newly triggered alerts for delivery.
type Sink interface {
	Enqueue(ctx context.Context, alert *domain.Alert) error
}

// Monitor ties the condition engine to the alert store.
type Monitor struct {
	engine *Engine
	store  *AlertStore
	repo   Repository
	sink   Sink

	defaultCooldown time.Duration
	now             func() time.Time
}

// NewMonitor creates a monitor. repo and sink may be nil.
func NewMonitor(engine *Engine, store *AlertStore, repo Repository, sink Sink, cfg domain.AlertsConfig) *Monitor {
	return &Monitor{
		engine:          engine,
		store:           store,
		repo:            repo,
		sink:            sink,
		defaultCooldown: cfg.DefaultCooldown.Std(),
		now:             time.Now,
	}
}

// SetSink attaches the delivery sink.
func (m *Monitor) SetSink(sink Sink) {
	m.sink = sink
}

// Engine returns the condition engine.
func (m *Monitor) Engine() *Engine {
	return m.engine
}

// Load restores rules and alerts from the repository, seeding the default
// rules when none are stored and seed is set.
func (m *Monitor) Load(ctx context.Context, seed bool) error {
	if m.repo == nil {
		if seed {
			return m.engine.ReloadRules(DefaultRules(m.defaultCooldown))
		}
		return nil
	}

	stored, err := m.repo.ListAlertRules(ctx)
	if err != nil {
		return fmt.Errorf("list alert rules: %w", err)
	}
	if len(stored) == 0 && seed {
		for _, rule := range DefaultRules(m.defaultCooldown) {
			if err := m.repo.SaveAlertRule(ctx, rule); err != nil {
				return fmt.Errorf("seed alert rule %s: %w", rule.ID, err)
			}
			stored = append(stored, rule)
		}
		slog.Info("seeded default alert rules", "count", len(stored))
	}
	if err := m.engine.ReloadRules(stored); err != nil {
		return err
	}

	alerts, err := m.repo.ListAlerts(ctx, false, 0)
	if err != nil {
		return fmt.Errorf("list alerts: %w", err)
	}
	m.store.Restore(alerts)

	pending, err := m.repo.PendingAlerts(ctx)
	if err != nil {
		return fmt.Errorf("list pending alerts: %w", err)
	}
	requeued := 0
	if m.sink != nil {
		for _, alert := range pending {
			if err := m.enqueue(ctx, alert); err != nil {
				continue
			}
			requeued++
		}
	}

	slog.Info("alert rules loaded",
		"rules", m.engine.RulesCount(),
		"alerts", len(alerts),
		"requeued", requeued,
	)
	return nil
}

// Reload re-reads rules from the repository.
func (m *Monitor) Reload(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	stored, err := m.repo.ListAlertRules(ctx)
	if err != nil {
		return fmt.Errorf("list alert rules: %w", err)
	}
	return m.engine.ReloadRules(stored)
}

// UpsertRule validates, stores and loads a rule.
func (m *Monitor) UpsertRule(ctx context.Context, rule *domain.AlertRule) error {
	if err := m.engine.ValidateRule(rule); err != nil {
		return err
	}
	if m.repo != nil {
		if err := m.repo.SaveAlertRule(ctx, rule); err != nil {
			return fmt.Errorf("save alert rule %s: %w", rule.ID, err)
		}
	}
	return m.engine.LoadRule(rule)
}

// Check evaluates a metrics snapshot and returns newly triggered alerts.
// Rules already triggered or still cooling down are silently skipped.
//
// Every triggered alert is handed to the sink and returned, even when saving
// it fails; those failures are joined into the returned error so one rule
// never blocks delivery for another.
func (m *Monitor) Check(ctx context.Context, subject string, metrics map[string]float64) ([]*domain.Alert, error) {
	now := m.now()
	var (
		triggered []*domain.Alert
		errs      []error
	)

	for _, eval := range m.engine.EvaluateAll(ctx, metrics) {
		if eval.Err != nil {
			slog.Debug("alert condition did not evaluate", "rule_id", eval.Rule.ID, "error", eval.Err)
			continue
		}
		if !eval.Matched {
			continue
		}

		alert, err := m.store.Apply(Trigger{
			Rule:     eval.Rule,
			Subject:  subject,
			Metrics:  metrics,
			Cooldown: m.cooldown(eval.Rule),
			At:       now,
		})
		if errors.Is(err, ErrAlreadyActive) || errors.Is(err, ErrCoolingDown) {
			slog.Debug("alert suppressed", "rule_id", eval.Rule.ID, "reason", err)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger rule %s: %w", eval.Rule.ID, err))
			continue
		}

		slog.Info("alert triggered",
			"alert_id", alert.ID,
			"rule_id", alert.RuleID,
			"priority", alert.Priority,
			"subject", subject,
		)
		if err := m.persist(ctx, alert); err != nil {
			slog.Error("alert not persisted, delivering anyway", "alert_id", alert.ID, "error", err)
			errs = append(errs, err)
		}
		if err := m.enqueue(ctx, alert); err != nil {
			errs = append(errs, err)
		}
		triggered = append(triggered, alert)
	}

	return triggered, errors.Join(errs...)
}

// cooldown resolves a rule's cooldown. A zero value inherits the default;
// a negative value disables the cooldown.
func (m *Monitor) cooldown(rule *domain.AlertRule) time.Duration {
	switch d := rule.Cooldown.Std(); {
	case d < 0:
		return 0
	case d == 0:
		return m.defaultCooldown
	default:
		return d
	}
}

func (m *Monitor) enqueue(ctx context.Context, alert *domain.Alert) error {
	if m.sink == nil {
		return nil
	}
	if err := m.sink.Enqueue(ctx, alert); err != nil {
		// The alert stays pending in the repository and is re-enqueued by
		// the next Load.
		slog.Error("alert not enqueued for delivery", "alert_id", alert.ID, "error", err)
		return fmt.Errorf("enqueue alert %s: %w", alert.ID, err)
	}
	return nil
}

// Acknowledge closes an alert as acknowledged by the given principal.
func (m *Monitor) Acknowledge(ctx context.Context, alertID, by string) (*domain.Alert, error) {
	alert, err := m.store.Apply(Acknowledge{AlertID: alertID, By: by, At: m.now()})
	if err != nil {
		return nil, err
	}
	return alert, m.persist(ctx, alert)
}

// Resolve closes an alert as resolved by the given principal.
func (m *Monitor) Resolve(ctx context.Context, alertID, by string) (*domain.Alert, error) {
	alert, err := m.store.Apply(Resolve{AlertID: alertID, By: by, At: m.now()})
	if err != nil {
		return nil, err
	}
	return alert, m.persist(ctx, alert)
}

// Active returns unresolved alerts.
func (m *Monitor) Active() []*domain.Alert {
	return m.store.Active()
}

// Alert returns one alert by ID.
func (m *Monitor) Alert(id string) (*domain.Alert, error) {
	return m.store.Get(id)
}

// RuleStatus returns the state machine slot of a rule.
func (m *Monitor) RuleStatus(ruleID string) RuleStatus {
	return m.store.Status(ruleID)
}

func (m *Monitor) persist(ctx context.Context, alert *domain.Alert) error {
	if m.repo == nil {
		return nil
	}
	if err := m.repo.SaveAlert(ctx, alert); err != nil {
		return fmt.Errorf("save alert %s: %w", alert.ID, err)
	}
	return nil
}
