package rules

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type fakeRepo struct {
	mu        sync.Mutex
	alerts    map[string]*domain.Alert
	rules     []*domain.AlertRule
	delivered map[string]bool
	saveErr   error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{alerts: make(map[string]*domain.Alert), delivered: make(map[string]bool)}
}

func (r *fakeRepo) SaveAlert(_ context.Context, a *domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.alerts[a.ID] = a
	return nil
}

func (r *fakeRepo) PendingAlerts(_ context.Context) ([]*domain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Alert
	for id, a := range r.alerts {
		if a.Unresolved() && !r.delivered[id] {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListAlerts(_ context.Context, unresolvedOnly bool, _ int) ([]*domain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Alert
	for _, a := range r.alerts {
		if !unresolvedOnly || a.Unresolved() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeRepo) SaveAlertRule(_ context.Context, rule *domain.AlertRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	return nil
}

func (r *fakeRepo) ListAlertRules(_ context.Context) ([]*domain.AlertRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.AlertRule(nil), r.rules...), nil
}

type fakeSink struct {
	mu     sync.Mutex
	alerts []*domain.Alert
	err    error
}

func (s *fakeSink) Enqueue(_ context.Context, a *domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, a)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMonitor(t *testing.T) (*Monitor, *clock, *fakeRepo, *fakeSink) {
	t.Helper()
	engine, err := NewEngine(4)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	repo := newFakeRepo()
	sink := &fakeSink{}
	m := NewMonitor(engine, NewAlertStore(), repo, sink, domain.DefaultConfig().Alerts)
	clk := &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	m.now = clk.Now

	if err := m.Load(context.Background(), true); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return m, clk, repo, sink
}

func TestCriticalRiskRespectsCooldown(t *testing.T) {
	m, clk, repo, sink := newTestMonitor(t)
	ctx := context.Background()
	metrics := map[string]float64{"risk_score": 0.95}

	alerts, err := m.Check(ctx, "0xabc", metrics)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Priority != domain.PriorityCritical || a.RuleID != "critical-risk" {
		t.Errorf("unexpected alert: %+v", a)
	}
	if len(repo.alerts) != 1 || len(sink.alerts) != 1 {
		t.Errorf("alert not persisted or enqueued: repo=%d sink=%d", len(repo.alerts), len(sink.alerts))
	}

	clk.Advance(30 * time.Second)
	alerts, err = m.Check(ctx, "0xabc", metrics)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("expected no alert inside cooldown, got %d", len(alerts))
	}
}

func TestCooldownOutlivesResolution(t *testing.T) {
	m, clk, _, _ := newTestMonitor(t)
	ctx := context.Background()
	metrics := map[string]float64{"risk_score": 0.95}

	alerts, _ := m.Check(ctx, "0xabc", metrics)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if _, err := m.Resolve(ctx, alerts[0].ID, "analyst"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	clk.Advance(30 * time.Second)
	if alerts, _ := m.Check(ctx, "0xabc", metrics); len(alerts) != 0 {
		t.Errorf("resolved rule re-triggered inside cooldown")
	}

	clk.Advance(91 * time.Second)
	if alerts, _ := m.Check(ctx, "0xabc", metrics); len(alerts) != 1 {
		t.Errorf("expected a new alert after cooldown, got %d", len(alerts))
	}
}

func TestTriggeredRuleDoesNotReemit(t *testing.T) {
	m, clk, _, _ := newTestMonitor(t)
	ctx := context.Background()
	metrics := map[string]float64{"risk_score": 0.95}

	first, _ := m.Check(ctx, "0xabc", metrics)
	clk.Advance(time.Hour)
	again, _ := m.Check(ctx, "0xabc", metrics)

	if len(first) != 1 || len(again) != 0 {
		t.Errorf("first=%d again=%d, want 1 and 0", len(first), len(again))
	}
	if status := m.RuleStatus("critical-risk"); status.State != StateTriggered || status.ActiveAlertID != first[0].ID {
		t.Errorf("unexpected slot: %+v", status)
	}
}

func TestRapidTriggeringEmitsOnce(t *testing.T) {
	m, _, _, sink := newTestMonitor(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Check(ctx, "0xabc", map[string]float64{"risk_score": 0.99}); err != nil {
				t.Errorf("Check() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if len(sink.alerts) != 1 {
		t.Errorf("expected exactly 1 alert, got %d", len(sink.alerts))
	}
}

func TestAcknowledgeAndResolve(t *testing.T) {
	m, clk, repo, _ := newTestMonitor(t)
	ctx := context.Background()

	alerts, _ := m.Check(ctx, "0xabc", map[string]float64{"risk_score": 0.95, "sanctioned": 1})
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if len(m.Active()) != 2 {
		t.Fatalf("expected 2 active alerts, got %d", len(m.Active()))
	}

	clk.Advance(time.Minute)
	acked, err := m.Acknowledge(ctx, alerts[0].ID, "alice")
	if err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if acked.Status != domain.AlertAcknowledged || acked.AcknowledgedBy != "alice" || acked.AcknowledgedAt == nil {
		t.Errorf("unexpected acknowledged alert: %+v", acked)
	}
	if repo.alerts[acked.ID].Status != domain.AlertAcknowledged {
		t.Error("acknowledgement not persisted")
	}

	resolved, err := m.Resolve(ctx, alerts[1].ID, "bob")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolved.ResolvedBy != "bob" || resolved.ResolvedAt == nil {
		t.Errorf("unexpected resolved alert: %+v", resolved)
	}

	if len(m.Active()) != 0 {
		t.Errorf("expected no active alerts, got %d", len(m.Active()))
	}
	if _, err := m.Resolve(ctx, alerts[1].ID, "bob"); !errors.Is(err, ErrAlertClosed) {
		t.Errorf("expected ErrAlertClosed, got %v", err)
	}
	if _, err := m.Acknowledge(ctx, "missing", "bob"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRulesAreIndependent(t *testing.T) {
	m, clk, _, _ := newTestMonitor(t)
	ctx := context.Background()

	first, _ := m.Check(ctx, "0xabc", map[string]float64{"risk_score": 0.95})
	if len(first) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(first))
	}

	// critical-risk is cooling down; sandwich-burst is not affected
	clk.Advance(10 * time.Second)
	second, _ := m.Check(ctx, "0xabc", map[string]float64{"risk_score": 0.95, "sandwich_count": 5})
	if len(second) != 1 || second[0].RuleID != "sandwich-burst" {
		t.Errorf("expected only sandwich-burst, got %+v", second)
	}
}

func TestLoadRestoresActiveAlerts(t *testing.T) {
	m, _, repo, _ := newTestMonitor(t)
	ctx := context.Background()

	alerts, _ := m.Check(ctx, "0xabc", map[string]float64{"risk_score": 0.95})
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}

	engine, _ := NewEngine(4)
	restarted := NewMonitor(engine, NewAlertStore(), repo, nil, domain.DefaultConfig().Alerts)
	if err := restarted.Load(ctx, true); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(repo.rules) != len(DefaultRules(0)) {
		t.Errorf("defaults seeded twice: %d rules", len(repo.rules))
	}

	active := restarted.Active()
	if len(active) != 1 || active[0].ID != alerts[0].ID {
		t.Fatalf("active alert not restored: %+v", active)
	}
	if again, _ := restarted.Check(ctx, "0xabc", map[string]float64{"risk_score": 0.95}); len(again) != 0 {
		t.Error("restored rule re-triggered")
	}
}

func TestUpsertRule(t *testing.T) {
	m, _, repo, _ := newTestMonitor(t)
	ctx := context.Background()

	rule := &domain.AlertRule{
		ID:        "whale",
		Condition: "metrics.whale_score > threshold",
		Threshold: 0.8,
		Priority:  domain.PriorityMedium,
		Cooldown:  domain.Duration(time.Minute),
		Enabled:   true,
	}
	if err := m.UpsertRule(ctx, rule); err != nil {
		t.Fatalf("UpsertRule() error = %v", err)
	}
	if _, ok := m.Engine().Rule("whale"); !ok {
		t.Error("rule not loaded")
	}

	bad := &domain.AlertRule{ID: "bad", Condition: "(", Priority: domain.PriorityLow, Enabled: true}
	before := len(repo.rules)
	if err := m.UpsertRule(ctx, bad); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if len(repo.rules) != before {
		t.Error("invalid rule persisted")
	}
}

func TestApplyRejectsUnknownAction(t *testing.T) {
	type bogus struct{ Trigger }
	if _, err := NewAlertStore().Apply(bogus{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCheckDeliversWhenPersistFails(t *testing.T) {
	m, _, repo, sink := newTestMonitor(t)
	ctx := context.Background()
	repo.saveErr = errors.New("db down")

	alerts, err := m.Check(ctx, "0xabc", map[string]float64{"risk_score": 0.95, "sanctioned": 1})
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Errorf("expected persist error to be reported, got %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected both rules to trigger, got %d", len(alerts))
	}
	if len(sink.alerts) != 2 {
		t.Errorf("expected both alerts enqueued, got %d", len(sink.alerts))
	}
	for _, id := range []string{"critical-risk", "sanctioned-activity"} {
		if status := m.RuleStatus(id); status.State != StateTriggered {
			t.Errorf("rule %s state = %s, want triggered", id, status.State)
		}
	}
}

func TestCheckContinuesWhenEnqueueFails(t *testing.T) {
	m, _, repo, sink := newTestMonitor(t)
	ctx := context.Background()
	sink.err = errors.New("dispatcher closed")

	alerts, err := m.Check(ctx, "0xabc", map[string]float64{"risk_score": 0.95, "sanctioned": 1})
	if err == nil {
		t.Error("expected enqueue error to be reported")
	}
	if len(alerts) != 2 || len(repo.alerts) != 2 {
		t.Errorf("alerts=%d persisted=%d, want 2 and 2", len(alerts), len(repo.alerts))
	}
	pending, _ := repo.PendingAlerts(ctx)
	if len(pending) != 2 {
		t.Errorf("expected 2 pending alerts, got %d", len(pending))
	}
}

func TestLoadRequeuesUndeliveredAlerts(t *testing.T) {
	m, _, repo, _ := newTestMonitor(t)
	ctx := context.Background()

	alerts, err := m.Check(ctx, "0xabc", map[string]float64{"risk_score": 0.95, "sanctioned": 1})
	if err != nil || len(alerts) != 2 {
		t.Fatalf("Check() = %d alerts, %v", len(alerts), err)
	}
	repo.delivered[alerts[0].ID] = true

	engine, _ := NewEngine(4)
	sink := &fakeSink{}
	restarted := NewMonitor(engine, NewAlertStore(), repo, sink, domain.DefaultConfig().Alerts)
	if err := restarted.Load(ctx, true); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(sink.alerts) != 1 || sink.alerts[0].ID != alerts[1].ID {
		t.Fatalf("expected only the undelivered alert requeued, got %+v", sink.alerts)
	}

	if _, err := restarted.Resolve(ctx, alerts[1].ID, "analyst"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	again := &fakeSink{}
	engine2, _ := NewEngine(4)
	if err := NewMonitor(engine2, NewAlertStore(), repo, again, domain.DefaultConfig().Alerts).Load(ctx, true); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(again.alerts) != 0 {
		t.Errorf("resolved alert requeued: %+v", again.alerts)
	}
}

func TestNegativeCooldownDisablesCooldown(t *testing.T) {
	m, clk, _, _ := newTestMonitor(t)
	ctx := context.Background()
	if err := m.UpsertRule(ctx, &domain.AlertRule{
		ID:        "every-time",
		Condition: "has(metrics.hits) && metrics.hits >= threshold",
		Threshold: 1,
		Priority:  domain.PriorityLow,
		Cooldown:  domain.Duration(-1),
		Enabled:   true,
	}); err != nil {
		t.Fatalf("UpsertRule() error = %v", err)
	}

	first, _ := m.Check(ctx, "0xabc", map[string]float64{"hits": 1})
	if len(first) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(first))
	}
	if _, err := m.Acknowledge(ctx, first[0].ID, "analyst"); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	clk.Advance(time.Second)
	if again, _ := m.Check(ctx, "0xabc", map[string]float64{"hits": 1}); len(again) != 1 {
		t.Errorf("expected immediate re-trigger without cooldown, got %d", len(again))
	}
}
