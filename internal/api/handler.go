package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/entity"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Deps are the components the API reads from and drives. Repo, Cache,
// Dispatcher, Health and Metrics are optional.
type Deps struct {
	Repo       domain.Repository
	Cache      domain.Cache
	Entities   *entity.Store
	Scores     *scoring.Store
	Monitor    *rules.Monitor
	Dispatcher *notify.Dispatcher
	Health     *metrics.Health

	// Metrics is served at MetricsPath, "/metrics" when empty.
	Metrics     *metrics.Metrics
	MetricsPath string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps    Deps
	version string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	return &Handler{deps: deps, version: version}
}

const defaultLimit = 100

// Health reports liveness. It fails once the pipeline halted on a fatal error.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	var cause string

	if h.deps.Health != nil {
		if st := h.deps.Health.Status(); !st.Healthy {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			cause = st.Cause
		}
	}

	// Backing services only degrade the status
	if status == "healthy" && h.deps.Repo != nil {
		if err := h.deps.Repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if status == "healthy" && h.deps.Cache != nil {
		if err := h.deps.Cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	body := map[string]string{
		"status":  status,
		"version": h.version,
	}
	if cause != "" {
		body["cause"] = cause
	}
	writeJSON(w, code, body)
}

// Ready reports whether the pipeline has started and is still running.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health != nil && !h.deps.Health.Status().Ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListEntities returns every resolved entity.
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	list := h.deps.Entities.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"entities": list,
		"count":    len(list),
	})
}

// GetEntity returns one entity by ID.
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	e, err := h.deps.Entities.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// GetAddressEntity returns the entity an address belongs to.
func (h *Handler) GetAddressEntity(w http.ResponseWriter, r *http.Request) {
	address := domain.NormalizeAddress(chi.URLParam(r, "address"))
	e, ok := h.deps.Entities.EntityOf(address)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "address is not part of an entity",
		})
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// GetNeighborhood returns the graph around a node: an entity ID, signal ID
// or address. depth defaults to 1.
func (h *Handler) GetNeighborhood(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	depth, err := intParam(r, "depth", 1)
	if err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		id = domain.NormalizeAddress(chi.URLParam(r, "address"))
	}

	n, err := h.deps.Repo.QueryNeighborhood(r.Context(), id, depth)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// GetRiskScore returns the latest score version of an address or
// "entity:<id>" subject.
func (h *Handler) GetRiskScore(w http.ResponseWriter, r *http.Request) {
	subject := subjectParam(r)
	if score, ok := h.deps.Scores.Latest(subject); ok {
		writeJSON(w, http.StatusOK, score)
		return
	}
	if h.deps.Repo == nil {
		writeError(w, domain.ErrNotFound)
		return
	}
	score, err := h.deps.Repo.LatestRiskScore(r.Context(), subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// GetRiskHistory returns score versions, newest first.
func (h *Handler) GetRiskHistory(w http.ResponseWriter, r *http.Request) {
	subject := subjectParam(r)
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	history := h.deps.Scores.History(subject, limit)
	if len(history) == 0 && h.deps.Repo != nil {
		history, err = h.deps.Repo.RiskScoreHistory(r.Context(), subject, limit)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject": subject,
		"scores":  history,
		"count":   len(history),
	})
}

// ListSignals returns the MEV signals of one block.
func (h *Handler) ListSignals(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	block, err := strconv.ParseUint(chi.URLParam(r, "block"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "block must be a number",
		})
		return
	}
	signals, err := h.deps.Repo.ListSignals(r.Context(), block)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"block":   block,
		"signals": signals,
		"count":   len(signals),
	})
}

// ListActiveAlerts returns unresolved alerts, critical first.
func (h *Handler) ListActiveAlerts(w http.ResponseWriter, r *http.Request) {
	active := h.deps.Monitor.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": active,
		"count":  len(active),
	})
}

// ListAlertHistory returns stored alerts of every status, newest first.
func (h *Handler) ListAlertHistory(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	alerts, err := h.deps.Repo.ListAlerts(r.Context(), false, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert returns one alert.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.deps.Monitor.Alert(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// CheckRequest is the request body for POST /alerts/check.
type CheckRequest struct {
	Subject string         `json:"subject"`
	Metrics map[string]any `json:"metrics"`
}

// CheckAlerts evaluates a metrics snapshot and returns newly triggered alerts.
func (h *Handler) CheckAlerts(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Metrics) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "metrics are required",
		})
		return
	}

	snapshot, err := rules.NormalizeMetrics(req.Metrics)
	if err != nil {
		writeError(w, err)
		return
	}

	triggered, err := h.deps.Monitor.Check(r.Context(), req.Subject, snapshot)
	if err != nil {
		slog.Error("alert check failed", "subject", req.Subject, "error", err)
		if len(triggered) == 0 {
			writeError(w, err)
			return
		}
	}
	if triggered == nil {
		triggered = []*domain.Alert{}
	}
	resp := map[string]any{
		"triggered": triggered,
		"count":     len(triggered),
	}
	if err != nil {
		// Triggered alerts are already queued for delivery.
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// TransitionRequest names who acknowledged or resolved an alert.
type TransitionRequest struct {
	By string `json:"by"`
}

// AcknowledgeAlert closes an alert as acknowledged.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.deps.Monitor.Acknowledge)
}

// ResolveAlert closes an alert as resolved.
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.deps.Monitor.Resolve)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id, by string) (*domain.Alert, error)) {
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.By == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "by is required",
		})
		return
	}

	alert, err := apply(r.Context(), chi.URLParam(r, "id"), req.By)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("alert closed", "alert_id", alert.ID, "status", alert.Status, "by", req.By)
	writeJSON(w, http.StatusOK, alert)
}

// ListRules returns the rules loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.deps.Monitor.Engine().GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule returns a loaded rule and its state machine slot.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	rule, ok := h.deps.Monitor.Engine().Rule(ruleID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rule":   rule,
		"status": h.deps.Monitor.RuleStatus(ruleID),
	})
}

// CreateRule validates, stores and loads a rule. It takes effect at once.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if rule.ID == "" || rule.Name == "" || rule.Condition == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and condition are required",
		})
		return
	}
	if rule.Priority == "" {
		rule.Priority = domain.PriorityMedium
	}

	if err := h.deps.Monitor.UpsertRule(r.Context(), &rule); err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid CEL condition: " + err.Error(),
			})
			return
		}
		slog.Error("failed to save alert rule", "id", rule.ID, "error", err)
		writeError(w, err)
		return
	}

	slog.Info("alert rule saved", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule": rule,
	})
}

// ReloadRules reloads all rules from the repository into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	if err := h.deps.Monitor.Reload(r.Context()); err != nil {
		slog.Error("failed to reload alert rules", "error", err)
		writeError(w, err)
		return
	}

	count := h.deps.Monitor.Engine().RulesCount()
	slog.Info("alert rules reloaded", "count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

// ListDeadLetters returns alerts that exhausted their delivery attempts.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if !h.requireDispatcher(w) {
		return
	}
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	letters, err := h.deps.Dispatcher.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deadLetters": letters,
		"count":       len(letters),
	})
}

// RedriveDeadLetter delivers a dead letter again.
func (h *Handler) RedriveDeadLetter(w http.ResponseWriter, r *http.Request) {
	if !h.requireDispatcher(w) {
		return
	}
	alert, err := h.deps.Dispatcher.Redrive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alert":     alert,
		"delivered": true,
	})
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.deps.Repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return false
	}
	return true
}

func (h *Handler) requireDispatcher(w http.ResponseWriter) bool {
	if h.deps.Dispatcher == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "dispatcher not available",
		})
		return false
	}
	return true
}

func subjectParam(r *http.Request) string {
	subject := chi.URLParam(r, "subject")
	if id := chi.URLParam(r, "id"); id != "" {
		return domain.EntitySubject(id)
	}
	return domain.NormalizeAddress(subject)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Join(domain.ErrInvalidInput, errors.New(name+" must be a non-negative integer"))
	}
	return n, nil
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, rules.ErrAlertClosed):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrDispatchFailure):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
