// Package rules provides the CEL-Go based alert condition engine and the
// per-rule alert state machine.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine compiles and evaluates alert conditions.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.AlertRule
	Program cel.Program
}

// Evaluation is the outcome of one rule's condition against a snapshot.
type Evaluation struct {
	Rule    *domain.AlertRule
	Matched bool
	Err     error
}

// NewEngine creates a new condition engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("metrics", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("threshold", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(rule *domain.AlertRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", domain.ErrInvalidInput)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and loads a rule. Disabled rules are unloaded.
func (e *Engine) LoadRule(rule *domain.AlertRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !rule.Enabled {
		delete(e.compiledRules, rule.ID)
		return nil
	}

	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}
	e.compiledRules[rule.ID] = compiled
	return nil
}

// ReloadRules replaces every loaded rule. On error the previous set stays.
func (e *Engine) ReloadRules(rules []*domain.AlertRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		newRules[rule.ID] = compiled
	}

	e.compiledRules = newRules
	return nil
}

// GetLoadedRules returns the loaded rules ordered by priority, then ID.
func (e *Engine) GetLoadedRules() []*domain.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.AlertRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	sortRules(rules)
	return rules
}

// Rule returns a loaded rule by ID.
func (e *Engine) Rule(id string) (*domain.AlertRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	compiled, ok := e.compiledRules[id]
	if !ok {
		return nil, false
	}
	return compiled.Config, true
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// EvaluateAll evaluates every loaded rule in parallel. Each rule sees only
// the snapshot and its own threshold. Results are ordered by priority,
// then rule ID. A condition that fails to evaluate does not match.
func (e *Engine) EvaluateAll(ctx context.Context, metrics map[string]float64) []Evaluation {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	results := make([]Evaluation, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = e.evaluateRule(ctx, r, metrics)
		}(i, rule)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		return lessRule(results[i].Rule, results[j].Rule)
	})
	return results
}

func (e *Engine) evaluateRule(ctx context.Context, rule *CompiledRule, metrics map[string]float64) Evaluation {
	result := Evaluation{Rule: rule.Config}
	if err := ctx.Err(); err != nil {
		result.Err = err
		return result
	}

	out, _, err := rule.Program.Eval(map[string]any{
		"metrics":   metrics,
		"threshold": rule.Config.Threshold,
	})
	if err != nil {
		result.Err = fmt.Errorf("rule %s: %w", rule.Config.ID, err)
		return result
	}

	matched, ok := out.(types.Bool)
	result.Matched = ok && bool(matched)
	return result
}

// Close unloads every rule.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(rule *domain.AlertRule) (*CompiledRule, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}
	if !rule.Priority.Valid() {
		return nil, fmt.Errorf("%w: rule %s has unknown priority %q", domain.ErrInvalidInput, rule.ID, rule.Priority)
	}
	if rule.Cooldown < 0 {
		return nil, fmt.Errorf("%w: rule %s has negative cooldown", domain.ErrInvalidInput, rule.ID)
	}

	ast, issues := e.env.Compile(rule.Condition)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInvalidInput, rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: rule %s: condition must return bool, got %s", domain.ErrInvalidInput, rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{
		Config:  rule,
		Program: program,
	}, nil
}

func lessRule(a, b *domain.AlertRule) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() < b.Priority.Rank()
	}
	return a.ID < b.ID
}

func sortRules(rules []*domain.AlertRule) {
	sort.Slice(rules, func(i, j int) bool { return lessRule(rules[i], rules[j]) })
}
