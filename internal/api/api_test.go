package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/entity"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

const (
	alice = "0x00000000000000000000000000000000000000a1"
	bob   = "0x00000000000000000000000000000000000000b2"
)

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, *domain.Alert) error {
	return errors.New("webhook unreachable")
}

func (failingNotifier) Name() string { return "failing" }

type testEnv struct {
	server     *Server
	repo       *repository.SQLRepository
	entities   *entity.Store
	scores     *scoring.Store
	monitor    *rules.Monitor
	dispatcher *notify.Dispatcher
	health     *metrics.Health
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	engine, err := rules.NewEngine(2)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	monitor := rules.NewMonitor(engine, rules.NewAlertStore(), repo, nil, domain.AlertsConfig{
		DefaultCooldown: domain.Duration(time.Minute),
	})
	rule := &domain.AlertRule{
		ID:        "high-risk",
		Name:      "High risk subject",
		Condition: "has(metrics.risk_score) && metrics.risk_score >= threshold",
		Threshold: 70,
		Priority:  domain.PriorityHigh,
		Enabled:   true,
	}
	if err := monitor.UpsertRule(context.Background(), rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	dispatcher := notify.NewDispatcher(domain.DispatchConfig{
		QueueSize:    4,
		Workers:      1,
		MaxAttempts:  1,
		RetryInitial: domain.Duration(time.Millisecond),
		RetryMax:     domain.Duration(time.Millisecond),
	}, failingNotifier{}, repo)

	m := metrics.New("kestrel_api_test")
	env := &testEnv{
		repo:       repo,
		entities:   entity.NewStore(),
		scores:     scoring.NewStore(8),
		monitor:    monitor,
		dispatcher: dispatcher,
		health:     metrics.NewHealth(m),
	}
	env.server = NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, Deps{
		Repo:       repo,
		Entities:   env.entities,
		Scores:     env.scores,
		Monitor:    monitor,
		Dispatcher: dispatcher,
		Health:     env.health,
		Metrics:    m,
	}, "test-v1")
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	t.Run("NotReadyBeforeStart", func(t *testing.T) {
		if rr := env.do(t, http.MethodGet, "/ready", nil); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rr.Code)
		}
	})

	t.Run("Healthy", func(t *testing.T) {
		env.health.SetReady()
		rr := env.do(t, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		resp := decode[map[string]string](t, rr)
		if resp["status"] != "healthy" || resp["version"] != "test-v1" {
			t.Errorf("unexpected body: %v", resp)
		}
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected a request ID header")
		}
	})

	t.Run("HaltedIsUnhealthy", func(t *testing.T) {
		env.health.Halt(domain.ErrGraphStoreUnavailable)
		rr := env.do(t, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
		if resp := decode[map[string]string](t, rr); resp["cause"] == "" {
			t.Errorf("expected a cause, got %v", resp)
		}
		if rr := env.do(t, http.MethodGet, "/ready", nil); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected ready 503 after halt, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/metrics", nil)
		if rr.Code != http.StatusOK || !bytes.Contains(rr.Body.Bytes(), []byte("kestrel_api_test_")) {
			t.Errorf("expected prometheus exposition, got %d", rr.Code)
		}
	})
}

func TestEntityEndpoints(t *testing.T) {
	env := newTestEnv(t)
	e, err := env.entities.Create([]string{alice, bob}, 0.9)
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}
	ctx := context.Background()
	for _, n := range []*domain.Node{
		{ID: e.ID, Kind: domain.NodeEntity},
		{ID: alice, Kind: domain.NodeAddress},
	} {
		if err := env.repo.UpsertNode(ctx, n); err != nil {
			t.Fatalf("upsert node: %v", err)
		}
	}
	if err := env.repo.UpsertEdge(ctx, &domain.Edge{From: alice, To: e.ID, Kind: domain.EdgeMemberOf}); err != nil {
		t.Fatalf("upsert edge: %v", err)
	}

	t.Run("List", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/entities", nil)
		resp := decode[struct {
			Count int `json:"count"`
		}](t, rr)
		if rr.Code != http.StatusOK || resp.Count != 1 {
			t.Errorf("expected one entity, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/entities/"+e.ID, nil)
		got := decode[domain.Entity](t, rr)
		if rr.Code != http.StatusOK || got.ID != e.ID || len(got.Members) != 2 {
			t.Errorf("unexpected entity: %d %+v", rr.Code, got)
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		if rr := env.do(t, http.MethodGet, "/entities/nope", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("AddressEntityIsCaseInsensitive", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/addresses/0x00000000000000000000000000000000000000A1/entity", nil)
		if got := decode[domain.Entity](t, rr); rr.Code != http.StatusOK || got.ID != e.ID {
			t.Errorf("expected entity %s, got %d %s", e.ID, rr.Code, rr.Body.String())
		}
	})

	t.Run("Neighborhood", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/entities/"+e.ID+"/neighborhood?depth=1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		n := decode[domain.Neighborhood](t, rr)
		if len(n.Nodes) != 2 || len(n.Edges) != 1 {
			t.Errorf("expected 2 nodes and 1 edge, got %d and %d", len(n.Nodes), len(n.Edges))
		}
	})

	t.Run("NeighborhoodBadDepth", func(t *testing.T) {
		if rr := env.do(t, http.MethodGet, "/entities/"+e.ID+"/neighborhood?depth=-1", nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})
}

func TestRiskEndpoints(t *testing.T) {
	env := newTestEnv(t)
	for i, v := range []float64{20, 55} {
		score := &domain.RiskScore{Subject: alice, Kind: domain.SubjectAddress, Value: v, ComputedAt: time.Now().UTC()}
		if err := env.scores.Append(score, int64(i)); err != nil {
			t.Fatalf("append score: %v", err)
		}
	}

	t.Run("Latest", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/risk/"+alice, nil)
		got := decode[domain.RiskScore](t, rr)
		if rr.Code != http.StatusOK || got.Value != 55 || got.Version != 2 {
			t.Errorf("expected version 2 with value 55, got %d %+v", rr.Code, got)
		}
	})

	t.Run("History", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/risk/"+alice+"/history?limit=5", nil)
		resp := decode[struct {
			Scores []domain.RiskScore `json:"scores"`
		}](t, rr)
		if len(resp.Scores) != 2 || resp.Scores[0].Version != 2 {
			t.Errorf("expected newest first, got %+v", resp.Scores)
		}
	})

	t.Run("FallsBackToRepository", func(t *testing.T) {
		stored := &domain.RiskScore{Subject: bob, Kind: domain.SubjectAddress, Value: 80, Version: 3, ComputedAt: time.Now().UTC()}
		if err := env.repo.SaveRiskScore(context.Background(), stored); err != nil {
			t.Fatalf("save score: %v", err)
		}
		rr := env.do(t, http.MethodGet, "/risk/"+bob, nil)
		if got := decode[domain.RiskScore](t, rr); rr.Code != http.StatusOK || got.Version != 3 {
			t.Errorf("expected stored version 3, got %d %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		if rr := env.do(t, http.MethodGet, "/risk/0xdead", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})
}

func TestSignalEndpoint(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.repo.SaveSignal(context.Background(), &domain.MEVSignal{
		ID:           "sig-1",
		Type:         domain.MEVSandwich,
		BlockNumber:  100,
		Participants: []string{alice},
		TargetTxHash: "0xvictim",
		Victim:       bob,
		DetectedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save signal: %v", err)
	}

	rr := env.do(t, http.MethodGet, "/blocks/100/signals", nil)
	resp := decode[struct {
		Count int `json:"count"`
	}](t, rr)
	if rr.Code != http.StatusOK || resp.Count != 1 {
		t.Errorf("expected one signal, got %d: %s", rr.Code, rr.Body.String())
	}

	if rr := env.do(t, http.MethodGet, "/blocks/latest/signals", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric block, got %d", rr.Code)
	}
}

func TestAlertLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/alerts/check", CheckRequest{
		Subject: alice,
		Metrics: map[string]any{"risk_score": "91.5"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	checked := decode[struct {
		Triggered []domain.Alert `json:"triggered"`
	}](t, rr)
	if len(checked.Triggered) != 1 || checked.Triggered[0].RuleID != "high-risk" {
		t.Fatalf("expected high-risk to trigger, got %+v", checked.Triggered)
	}
	alertID := checked.Triggered[0].ID

	t.Run("SecondCheckIsSuppressed", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/alerts/check", CheckRequest{
			Subject: alice,
			Metrics: map[string]any{"risk_score": 95},
		})
		resp := decode[struct {
			Count int `json:"count"`
		}](t, rr)
		if resp.Count != 0 {
			t.Errorf("expected no new alerts while active, got %d", resp.Count)
		}
	})

	t.Run("Active", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/alerts", nil)
		resp := decode[struct {
			Count int `json:"count"`
		}](t, rr)
		if resp.Count != 1 {
			t.Errorf("expected one active alert, got %d", resp.Count)
		}
	})

	t.Run("AckRequiresPrincipal", func(t *testing.T) {
		if rr := env.do(t, http.MethodPost, "/alerts/"+alertID+"/ack", TransitionRequest{}); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("Acknowledge", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/alerts/"+alertID+"/ack", TransitionRequest{By: "analyst"})
		got := decode[domain.Alert](t, rr)
		if rr.Code != http.StatusOK || got.Status != domain.AlertAcknowledged || got.AcknowledgedBy != "analyst" {
			t.Errorf("unexpected alert: %d %+v", rr.Code, got)
		}
	})

	t.Run("ResolveClosedAlertConflicts", func(t *testing.T) {
		if rr := env.do(t, http.MethodPost, "/alerts/"+alertID+"/resolve", TransitionRequest{By: "analyst"}); rr.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("History", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/alerts/history", nil)
		resp := decode[struct {
			Alerts []domain.Alert `json:"alerts"`
		}](t, rr)
		if len(resp.Alerts) != 1 || resp.Alerts[0].Status != domain.AlertAcknowledged {
			t.Errorf("expected the acknowledged alert in history, got %+v", resp.Alerts)
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		if rr := env.do(t, http.MethodGet, "/alerts/missing", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("CheckRejectsBadMetrics", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/alerts/check", CheckRequest{Metrics: map[string]any{"risk_score": "high"}})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	env := newTestEnv(t)

	t.Run("Create", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", domain.AlertRule{
			ID:        "whale",
			Name:      "Whale activity",
			Condition: "has(metrics.whale_score) && metrics.whale_score > threshold",
			Threshold: 0.8,
			Enabled:   true,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
		}
		if _, ok := env.monitor.Engine().Rule("whale"); !ok {
			t.Error("expected rule to be loaded immediately")
		}
	})

	t.Run("CreateInvalidCondition", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", domain.AlertRule{
			ID:        "broken",
			Name:      "Broken",
			Condition: "metrics.risk_score +",
			Enabled:   true,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("List", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules", nil)
		resp := decode[struct {
			Count int `json:"count"`
		}](t, rr)
		if resp.Count != 2 {
			t.Errorf("expected 2 rules, got %d", resp.Count)
		}
	})

	t.Run("Get", func(t *testing.T) {
		if rr := env.do(t, http.MethodGet, "/rules/high-risk", nil); rr.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rr.Code)
		}
		if rr := env.do(t, http.MethodGet, "/rules/absent", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules/reload", nil)
		resp := decode[struct {
			Count int `json:"count"`
		}](t, rr)
		if rr.Code != http.StatusOK || resp.Count != 2 {
			t.Errorf("expected 2 reloaded rules, got %d %s", rr.Code, rr.Body.String())
		}
	})
}

func TestDeadLetterEndpoints(t *testing.T) {
	env := newTestEnv(t)
	alert := &domain.Alert{ID: "alert-1", RuleID: "high-risk", Priority: domain.PriorityHigh, Status: domain.AlertTriggered, TriggeredAt: time.Now().UTC()}
	if err := env.dispatcher.Deliver(context.Background(), alert); err == nil {
		t.Fatal("expected delivery to fail")
	}

	rr := env.do(t, http.MethodGet, "/dead-letters", nil)
	resp := decode[struct {
		DeadLetters []domain.DeadLetter `json:"deadLetters"`
	}](t, rr)
	if len(resp.DeadLetters) != 1 || resp.DeadLetters[0].Alert.ID != "alert-1" {
		t.Fatalf("expected one dead letter, got %+v", resp.DeadLetters)
	}

	rr = env.do(t, http.MethodPost, "/dead-letters/"+resp.DeadLetters[0].ID+"/redrive", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if env.dispatcher.Pending() != 1 {
		t.Errorf("expected the alert back on the queue, got %d pending", env.dispatcher.Pending())
	}

	if rr := env.do(t, http.MethodPost, "/dead-letters/"+resp.DeadLetters[0].ID+"/redrive", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a redriven letter, got %d", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/alerts", nil)
	req.Header.Set("Origin", "https://dash.example")
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Errorf("unexpected allow-origin %q", got)
	}
}
