package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveSignal stores a signal. It reports false when a signal with the same
// (blockNumber, type, targetTxHash) key already exists.
func (r *SQLRepository) SaveSignal(ctx context.Context, signal *domain.MEVSignal) (bool, error) {
	payload, err := json.Marshal(signal)
	if err != nil {
		return false, fmt.Errorf("marshal signal %s: %w", signal.ID, err)
	}

	query := `
		INSERT INTO mev_signals (id, dedup_key, type, block_number, confidence, target_tx_hash, payload, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, r.rebind(query),
		signal.ID, signal.Key(), string(signal.Type), int64(signal.BlockNumber),
		signal.Confidence, signal.TargetTxHash, string(payload), nanos(signal.DetectedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListSignals returns the signals detected in a block.
func (r *SQLRepository) ListSignals(ctx context.Context, blockNumber uint64) ([]*domain.MEVSignal, error) {
	query := `SELECT payload FROM mev_signals WHERE block_number = ? ORDER BY target_tx_hash, type`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), int64(blockNumber))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.MEVSignal
	for rows.Next() {
		var s domain.MEVSignal
		if err := scanJSON(rows, &s); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// SaveRiskScore appends a score version. Re-saving an existing
// (subject, version) is a no-op.
func (r *SQLRepository) SaveRiskScore(ctx context.Context, score *domain.RiskScore) error {
	payload, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("marshal risk score %s: %w", score.Subject, err)
	}

	query := `
		INSERT INTO risk_scores (subject, version, kind, value, method, payload, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject, version) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		score.Subject, score.Version, string(score.Kind), score.Value,
		string(score.Method), string(payload), nanos(score.ComputedAt),
	)
	return err
}

// LatestRiskScore returns the highest version for subject.
func (r *SQLRepository) LatestRiskScore(ctx context.Context, subject string) (*domain.RiskScore, error) {
	scores, err := r.RiskScoreHistory(ctx, subject, 1)
	if err != nil {
		return nil, err
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("risk score %s: %w", subject, domain.ErrNotFound)
	}
	return scores[0], nil
}

// RiskScoreHistory returns up to limit versions for subject, newest first.
func (r *SQLRepository) RiskScoreHistory(ctx context.Context, subject string, limit int) ([]*domain.RiskScore, error) {
	query := `SELECT payload FROM risk_scores WHERE subject = ? ORDER BY version DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), subject, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RiskScore
	for rows.Next() {
		var s domain.RiskScore
		if err := scanJSON(rows, &s); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// LatestRiskScores returns the highest version of every subject. It seeds
// the in-memory score store at startup.
func (r *SQLRepository) LatestRiskScores(ctx context.Context) ([]*domain.RiskScore, error) {
	query := `
		SELECT s.payload FROM risk_scores s
		JOIN (SELECT subject, MAX(version) AS version FROM risk_scores GROUP BY subject) m
		ON s.subject = m.subject AND s.version = m.version
		ORDER BY s.subject
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RiskScore
	for rows.Next() {
		var s domain.RiskScore
		if err := scanJSON(rows, &s); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// SaveAlert inserts or updates an alert.
func (r *SQLRepository) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", alert.ID, err)
	}

	query := `
		INSERT INTO alerts (id, rule_id, status, priority, payload, triggered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, alert.RuleID, string(alert.Status), string(alert.Priority),
		string(payload), nanos(alert.TriggeredAt),
	)
	return err
}

// ListAlerts returns alerts, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, unresolvedOnly bool, limit int) ([]*domain.Alert, error) {
	query := `SELECT payload FROM alerts ORDER BY triggered_at DESC, id LIMIT ?`
	args := []any{limitOrAll(limit)}
	if unresolvedOnly {
		query = `SELECT payload FROM alerts WHERE status = ? ORDER BY triggered_at DESC, id LIMIT ?`
		args = []any{string(domain.AlertTriggered), limitOrAll(limit)}
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Alert
	for rows.Next() {
		var a domain.Alert
		if err := scanJSON(rows, &a); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// RecordDelivery marks an alert as delivered to the notifier.
func (r *SQLRepository) RecordDelivery(ctx context.Context, receipt domain.DeliveryReceipt) error {
	if receipt.AlertID == "" || !receipt.Delivered {
		return fmt.Errorf("%w: only successful deliveries are recorded", domain.ErrInvalidInput)
	}
	query := `
		INSERT INTO alert_deliveries (alert_id, attempts, delivered_at)
		VALUES (?, ?, ?)
		ON CONFLICT(alert_id) DO UPDATE SET
			attempts = excluded.attempts,
			delivered_at = excluded.delivered_at
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), receipt.AlertID, receipt.Attempt, nanos(receipt.At))
	return err
}

// PendingAlerts returns unresolved alerts that were neither delivered nor
// dead-lettered, oldest first.
func (r *SQLRepository) PendingAlerts(ctx context.Context) ([]*domain.Alert, error) {
	query := `
		SELECT a.payload FROM alerts a
		WHERE a.status = ?
		  AND NOT EXISTS (SELECT 1 FROM alert_deliveries d WHERE d.alert_id = a.id)
		  AND NOT EXISTS (SELECT 1 FROM dead_letters x WHERE x.alert_id = a.id)
		ORDER BY a.triggered_at, a.id
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(domain.AlertTriggered))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Alert
	for rows.Next() {
		var a domain.Alert
		if err := scanJSON(rows, &a); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// SaveDeadLetter stores an undeliverable alert.
func (r *SQLRepository) SaveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", dl.ID, err)
	}
	query := `
		INSERT INTO dead_letters (id, alert_id, payload, failed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, failed_at = excluded.failed_at
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query), dl.ID, dl.Alert.ID, string(payload), nanos(dl.FailedAt))
	return err
}

// GetDeadLetter retrieves a dead letter by ID.
func (r *SQLRepository) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT payload FROM dead_letters WHERE id = ?`), id)
	var dl domain.DeadLetter
	if err := scanJSON(row, &dl); err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("dead letter %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return &dl, nil
}

// ListDeadLetters returns dead letters, newest first.
func (r *SQLRepository) ListDeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error) {
	query := `SELECT payload FROM dead_letters ORDER BY failed_at DESC, id LIMIT ?`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		if err := scanJSON(rows, &dl); err != nil {
			return nil, err
		}
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// DeleteDeadLetter removes a dead letter.
func (r *SQLRepository) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM dead_letters WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead letter %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// SaveAlertRule inserts or updates an alert rule.
func (r *SQLRepository) SaveAlertRule(ctx context.Context, rule *domain.AlertRule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}
	query := `
		INSERT INTO alert_rules (id, name, description, condition, threshold, priority, cooldown_ns, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			condition = excluded.condition,
			threshold = excluded.threshold,
			priority = excluded.priority,
			cooldown_ns = excluded.cooldown_ns,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Condition, rule.Threshold,
		string(rule.Priority), int64(rule.Cooldown), boolToInt(rule.Enabled), nanos(timeNow()),
	)
	return err
}

// GetAlertRule retrieves an alert rule by ID.
func (r *SQLRepository) GetAlertRule(ctx context.Context, id string) (*domain.AlertRule, error) {
	query := `
		SELECT id, name, description, condition, threshold, priority, cooldown_ns, enabled
		FROM alert_rules WHERE id = ?
	`
	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if isNoRows(err) {
		return nil, fmt.Errorf("alert rule %s: %w", id, domain.ErrNotFound)
	}
	return rule, err
}

// ListAlertRules returns every alert rule ordered by ID.
func (r *SQLRepository) ListAlertRules(ctx context.Context) ([]*domain.AlertRule, error) {
	query := `
		SELECT id, name, description, condition, threshold, priority, cooldown_ns, enabled
		FROM alert_rules ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJSON(s scanner, dst any) error {
	var payload string
	if err := s.Scan(&payload); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return fmt.Errorf("decode stored record: %w", err)
	}
	return nil
}

func scanRule(s scanner) (*domain.AlertRule, error) {
	var rule domain.AlertRule
	var description sql.NullString
	var priority string
	var cooldown int64
	var enabled int
	if err := s.Scan(&rule.ID, &rule.Name, &description, &rule.Condition, &rule.Threshold, &priority, &cooldown, &enabled); err != nil {
		return nil, err
	}
	rule.Description = description.String
	rule.Priority = domain.Priority(priority)
	rule.Cooldown = domain.Duration(cooldown)
	rule.Enabled = enabled == 1
	return &rule, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
