package routing

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBudgetExceeded is returned when a routing budget would be violated;
// the engine marks the offending transition fatal for that subgraph but
// the invocation may still complete other roots, per spec §4.7.5.
var ErrBudgetExceeded = errors.New("routing: budget exceeded")

// BudgetConfig mirrors spec §4.7.5's defaults.
type BudgetConfig struct {
	MaxRunsPerCheck  int // default 50
	MaxLoopsPerScope int // routing.max_loops
	MaxWorkflowDepth int // default 3
}

// DefaultBudgetConfig returns the spec's stated defaults.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{MaxRunsPerCheck: 50, MaxLoopsPerScope: 10, MaxWorkflowDepth: 3}
}

// Tracker counts per-(step,scope) executions and per-scope transition
// loops, and enforces budgets *before* a transition is dispatched (per
// the §9 REDESIGN NOTE: enforce before, not after).
type Tracker struct {
	cfg BudgetConfig

	mu        sync.Mutex
	runs      map[string]int // key: stepName + "|" + scopeID
	loops     map[string]int // key: scopeID
	workflows map[string]int // key: scopeID, nested workflow invocation depth
}

// NewTracker constructs a Tracker with cfg.
func NewTracker(cfg BudgetConfig) *Tracker {
	return &Tracker{
		cfg:       cfg,
		runs:      make(map[string]int),
		loops:     make(map[string]int),
		workflows: make(map[string]int),
	}
}

func runKey(step, scope string) string { return step + "|" + scope }

// AllowRun increments and checks the (step, scope) execution count
// against MaxRunsPerCheck. Returns ErrBudgetExceeded if the *next*
// execution would exceed the cap.
func (t *Tracker) AllowRun(step, scope string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := runKey(step, scope)
	max := t.cfg.MaxRunsPerCheck
	if max <= 0 {
		max = 50
	}
	if t.runs[key] >= max {
		return fmt.Errorf("%w: step %q in scope %q exceeded max_runs_per_check=%d", ErrBudgetExceeded, step, scope, max)
	}
	t.runs[key]++
	return nil
}

// AllowTransition increments and checks the combined goto+success+fail
// transition count for scope against MaxLoopsPerScope.
func (t *Tracker) AllowTransition(scope string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	max := t.cfg.MaxLoopsPerScope
	if max <= 0 {
		return nil
	}
	if t.loops[scope] >= max {
		return fmt.Errorf("%w: scope %q exceeded routing.max_loops=%d", ErrBudgetExceeded, scope, max)
	}
	t.loops[scope]++
	return nil
}

// AllowWorkflowDepth checks and increments nested workflow invocation
// depth for scope against MaxWorkflowDepth.
func (t *Tracker) AllowWorkflowDepth(scope string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	max := t.cfg.MaxWorkflowDepth
	if max <= 0 {
		max = 3
	}
	if t.workflows[scope] >= max {
		return fmt.Errorf("%w: scope %q exceeded max_workflow_depth=%d", ErrBudgetExceeded, scope, max)
	}
	t.workflows[scope]++
	return nil
}
