package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/visorhq/visor/internal/bus"
	"github.com/visorhq/visor/internal/observability"
	"github.com/visorhq/visor/internal/providers"
	"github.com/visorhq/visor/internal/routing"
)

// errFailIf marks a step failed via fail_if/failure_conditions without
// an underlying provider error, per spec §4.7.4.
var errFailIf = errors.New("engine: fail_if condition true")

// Engine traverses the step DAG for invocations against a fixed,
// read-only Config, dispatching to Providers and publishing lifecycle
// envelopes on the Event Bus.
type Engine struct {
	config    *Config
	providers *providers.Registry
	bus       *bus.Bus
}

// New constructs an Engine bound to cfg, registry and eventBus.
func New(cfg *Config, registry *providers.Registry, eventBus *bus.Bus) *Engine {
	return &Engine{config: cfg, providers: registry, bus: eventBus}
}

// Run executes inv to completion (or Error/Stopped), publishing state
// transitions on the Event Bus (spec §4.7.8). gate may be nil, in which
// case pause/stop is disabled for this invocation.
func (e *Engine) Run(ctx context.Context, inv Invocation, gate *Gate) (*GroupedResults, error) {
	if inv.RunID == "" {
		inv.RunID = uuid.New().String()
	}
	if gate == nil {
		gate = NewGate()
	}
	budgets := inv.Limits.Budgets
	if budgets == (routing.BudgetConfig{}) {
		budgets = routing.DefaultBudgetConfig()
	}
	maxParallel := inv.Limits.MaxParallelism
	if maxParallel <= 0 {
		maxParallel = e.config.MaxParallelism
	}
	if maxParallel <= 0 {
		maxParallel = 3
	}

	r := &run{
		engine:    e,
		inv:       inv,
		tracker:   routing.NewTracker(budgets),
		sessions:  newSessionRegistry(),
		sem:       make(chan struct{}, maxParallel),
		completed: make(map[string]*StepResult),
		running:   make(map[string]bool),
		extra:     make(map[string][]string),
		gate:      gate,
	}

	e.transition(inv.RunID, StateIdle, StatePlanning)

	roots := pruneReachableRoots(e.config.Steps, inv.Roots)
	steps := closure(e.config.Steps, roots)
	// forEachOwners runs over the full config, not just the closure: a
	// forEach step's owned descendants (map/reduce children) depend ON
	// it rather than being depended on, so they may not appear in a
	// closure built purely from upstream (depends_on) expansion.
	owners := forEachOwners(e.config.Steps)
	r.owners = owners
	r.allSteps = e.config.Steps

	rootSteps := make(map[string]*StepConfig)
	for name, cfg := range steps {
		if owners[name] == "" {
			rootSteps[name] = cfg
		}
	}

	e.transition(inv.RunID, StatePlanning, StateRunning)

	runErr := r.runScope(ctx, "root", nil, rootSteps)

	r.mu.Lock()
	results := make([]StepResult, 0, len(r.completed))
	anyStepErr := false
	for _, res := range r.completed {
		results = append(results, *res)
		if res.Err != nil {
			anyStepErr = true
		}
	}
	r.mu.Unlock()

	final := StateCompleted
	switch {
	case errors.Is(runErr, ErrStopped):
		final = StateStopped
	case runErr != nil, anyStepErr:
		final = StateError
	}
	e.transition(inv.RunID, StateRunning, final)

	if runErr == nil && anyStepErr {
		runErr = fmt.Errorf("engine: invocation %s completed with step errors", inv.RunID)
	}

	return &GroupedResults{RunID: inv.RunID, State: final, Results: results}, runErr
}

// AllStepNames returns every step name in the loaded Config, letting a
// caller (the Scheduler, for a schedule with no named workflow) invoke
// the full step set as Invocation.Roots.
func (e *Engine) AllStepNames() []string {
	names := make([]string, 0, len(e.config.Steps))
	for name := range e.config.Steps {
		names = append(names, name)
	}
	return names
}

func (e *Engine) transition(runID string, from, to State) {
	e.bus.Emit(bus.StateTransition, map[string]any{"runId": runID, "from": string(from), "to": string(to)})
}

// run holds all per-invocation mutable state.
type run struct {
	engine   *Engine
	inv      Invocation
	tracker  *routing.Tracker
	sessions *sessionRegistry
	gate     *Gate

	owners   map[string]string
	allSteps map[string]*StepConfig

	sem chan struct{}

	mu        sync.Mutex
	completed map[string]*StepResult // key: scope|step
	running   map[string]bool        // key: scope|step
	extra     map[string][]string    // scope -> dynamically queued step names
	stopped   bool
}

func completedKey(scope, step string) string { return scope + "|" + step }

func (r *run) pendingSteps(scope string, stepSet map[string]*StepConfig) []*StepConfig {
	var out []*StepConfig
	for name, cfg := range stepSet {
		key := completedKey(scope, name)
		if r.completed[key] != nil || r.running[key] {
			continue
		}
		out = append(out, cfg)
	}
	for _, name := range r.extra[scope] {
		cfg, ok := r.allSteps[name]
		if !ok {
			continue
		}
		key := completedKey(scope, name)
		if r.completed[key] != nil || r.running[key] {
			continue
		}
		out = append(out, cfg)
	}
	return out
}

func (r *run) runningCount(scope string) int {
	n := 0
	for key, v := range r.running {
		if v && hasScope(key, scope) {
			n++
		}
	}
	return n
}

func hasScope(key, scope string) bool {
	return len(key) > len(scope) && key[:len(scope)] == scope && key[len(scope)] == '|'
}

// depSatisfied checks one dependency group (AND of Names, or OR if
// dep.Or) against completion state, looking first in scope then in the
// ancestor "root" scope (supporting a forEach-owned step's dependency on
// its owning forEach step or another root-scope ancestor).
func (r *run) depSatisfied(dep dependency, scope string) bool {
	check := func(name string) bool {
		if r.completed[completedKey(scope, name)] != nil {
			return true
		}
		if scope != "root" {
			if r.completed[completedKey("root", name)] != nil {
				return true
			}
		}
		return false
	}
	if dep.Or {
		for _, n := range dep.Names {
			if check(n) {
				return true
			}
		}
		return len(dep.Names) == 0
	}
	for _, n := range dep.Names {
		if !check(n) {
			return false
		}
	}
	return true
}

func (r *run) dependenciesSatisfied(cfg *StepConfig, scope string) bool {
	for _, dep := range parseDependsOn(cfg.DependsOn) {
		if !r.depSatisfied(dep, scope) {
			return false
		}
	}
	return true
}

// runScope drives the ready-set loop for one scope (root, or a forEach
// item scope) until every step in stepSet (plus any dynamically queued
// run: steps) has a recorded result.
func (r *run) runScope(ctx context.Context, scope string, item any, stepSet map[string]*StepConfig) error {
	for {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return ErrStopped
		}
		pending := r.pendingSteps(scope, stepSet)
		if len(pending) == 0 && r.runningCount(scope) == 0 {
			r.mu.Unlock()
			return nil
		}

		var toDispatch []*StepConfig
		for _, cfg := range pending {
			if !passesFilters(cfg, r.inv) {
				r.completed[completedKey(scope, cfg.Name)] = &StepResult{Step: cfg.Name, Scope: scope, Skipped: true, SkipReason: filterReason(cfg, r.inv)}
				continue
			}
			if !r.dependenciesSatisfied(cfg, scope) {
				continue
			}
			r.running[completedKey(scope, cfg.Name)] = true
			toDispatch = append(toDispatch, cfg)
		}
		r.mu.Unlock()

		if len(toDispatch) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Millisecond):
			}
			continue
		}

		var wg sync.WaitGroup
		for _, cfg := range toDispatch {
			cfg := cfg
			wg.Add(1)
			go func() {
				defer wg.Done()
				start := time.Now()
				select {
				case r.sem <- struct{}{}:
				case <-ctx.Done():
					r.abandon(scope, cfg, start, ctx.Err())
					return
				}
				var once sync.Once
				release := func() { once.Do(func() { <-r.sem }) }
				defer release()
				r.executeStep(ctx, scope, item, cfg, stepSet, release)
			}()
		}
		wg.Wait()
	}
}

func passesFilters(cfg *StepConfig, inv Invocation) bool {
	if !eventMatches(cfg.On, inv.EventType) {
		return false
	}
	if !tagMatches(cfg.Tags, inv.TagFilter) {
		return false
	}
	return true
}

func filterReason(cfg *StepConfig, inv Invocation) SkipReason {
	if !eventMatches(cfg.On, inv.EventType) {
		return SkipEvent
	}
	return SkipTag
}

// abandon records a not-yet-dispatched step as failed with err (ctx
// cancellation while waiting for a dispatch slot) so the scope's
// ready-loop sees it as resolved instead of waiting on it forever.
func (r *run) abandon(scope string, cfg *StepConfig, start time.Time, err error) {
	res := &StepResult{Step: cfg.Name, Scope: scope, StartedAt: start, Err: err, DurationMs: time.Since(start).Milliseconds()}
	r.mu.Lock()
	r.completed[completedKey(scope, cfg.Name)] = res
	delete(r.running, completedKey(scope, cfg.Name))
	r.mu.Unlock()
	observability.EngineStepOutcomes.WithLabelValues(cfg.Name, "errored").Inc()
}

func stepOutcome(res *StepResult) string {
	switch {
	case res.Skipped:
		return "skipped"
	case res.Err != nil:
		return "errored"
	default:
		return "completed"
	}
}

// executeStep runs cfg once. release, if non-nil, returns the caller's
// dispatch-slot token; it is invoked as soon as the step's own work is
// done and before fanOut, so a forEach step does not hold a slot for
// the lifetime of its (potentially slot-hungry) child scopes.
func (r *run) executeStep(ctx context.Context, scope string, item any, cfg *StepConfig, stepSet map[string]*StepConfig, release func()) {
	start := time.Now()
	res := &StepResult{Step: cfg.Name, Scope: scope, StartedAt: start}

	finish := func() {
		res.DurationMs = time.Since(start).Milliseconds()
		r.mu.Lock()
		r.completed[completedKey(scope, cfg.Name)] = res
		delete(r.running, completedKey(scope, cfg.Name))
		r.mu.Unlock()
		observability.EngineStepDuration.WithLabelValues(cfg.Name, string(cfg.Type)).Observe(time.Since(start).Seconds())
		observability.EngineStepOutcomes.WithLabelValues(cfg.Name, stepOutcome(res)).Inc()
	}

	if err := r.gate.Check(ctx); err != nil {
		res.Err = err
		if errors.Is(err, ErrStopped) {
			r.mu.Lock()
			r.stopped = true
			r.mu.Unlock()
		}
		finish()
		return
	}

	env := r.buildEnv(scope, cfg, item)

	if cfg.If != "" {
		ok, err := routing.Truthy(cfg.If, env)
		if err == nil && !ok {
			res.Skipped = true
			res.SkipReason = SkipCondition
			finish()
			return
		}
	}
	if ok, err := routing.EvaluateAssume(cfg.Assume, env); err == nil && !ok {
		res.Skipped = true
		res.SkipReason = SkipAssume
		finish()
		return
	}

	if err := r.tracker.AllowRun(cfg.Name, scope); err != nil {
		res.Err = err
		res.Issues = append(res.Issues, providers.Issue{RuleID: "contract/budget_exceeded", Message: err.Error(), Severity: "error"})
		finish()
		r.evaluateRouting(ctx, scope, cfg, stepSet, res, env)
		return
	}

	r.engine.bus.Emit(bus.CheckStarted, map[string]any{"step": cfg.Name, "scope": scope})

	provider, ok := r.engine.providers.Get(cfg.Type)
	var aiSession *Session
	if !ok {
		res.Err = fmt.Errorf("engine: no provider registered for type %q", cfg.Type)
	} else {
		deps := r.dependencyOutputs(cfg, scope)
		pin := providers.Input{Payload: r.inv.Payload, EventType: r.inv.EventType, StepName: cfg.Name, ScopeID: scope, Item: item}
		pcfg := providers.StepConfig{Type: cfg.Type, Prompt: cfg.Prompt, Exec: cfg.Exec, URL: cfg.URL, Content: cfg.Content, Extra: cfg.Extra}

		if cfg.Type == providers.KindAI {
			r.mu.Lock()
			sess, sessErr := r.sessions.resolve(cfg, scope, singleDependency(cfg))
			r.mu.Unlock()
			if sessErr != nil {
				res.Err = sessErr
				finish()
				r.evaluateRouting(ctx, scope, cfg, stepSet, res, env)
				return
			}
			aiSession = sess
			extra := make(map[string]any, len(cfg.Extra)+1)
			for k, v := range cfg.Extra {
				extra[k] = v
			}
			extra["_session_id"] = sess.ID
			pcfg.Extra = extra
		}

		pres, err := r.runProviderRecovered(ctx, provider, pin, pcfg, deps)
		res.Issues = append(res.Issues, pres.Issues...)
		res.Output = pres.Output
		res.Content = pres.Content
		res.Err = err

		if aiSession != nil {
			r.mu.Lock()
			aiSession.History = append(aiSession.History, pres.Output)
			r.mu.Unlock()
		}
	}

	env["output"] = res.Output
	env["issues"] = res.Issues
	applyContracts(cfg, res, env)

	if res.Err != nil {
		r.engine.bus.Emit(bus.CheckErrored, map[string]any{"step": cfg.Name, "scope": scope, "error": res.Err.Error()})
	} else {
		r.engine.bus.Emit(bus.CheckCompleted, map[string]any{"step": cfg.Name, "scope": scope, "output": res.Output})
	}

	finish()

	if release != nil {
		release()
	}

	if cfg.ForEach && res.Err == nil {
		r.fanOut(ctx, scope, cfg, res)
	}

	r.evaluateRouting(ctx, scope, cfg, stepSet, res, env)
}

func (r *run) runProviderRecovered(ctx context.Context, p providers.Provider, in providers.Input, cfg providers.StepConfig, deps map[string]any) (res providers.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("engine: provider %q panicked: %v", cfg.Type, rec)
			err = fmt.Errorf("engine: provider panicked: %v", rec)
		}
	}()
	return p.Execute(ctx, in, cfg, deps)
}

func (r *run) buildEnv(scope string, cfg *StepConfig, item any) map[string]any {
	outputs := make(map[string]any)
	outputsRaw := make(map[string]any)
	r.mu.Lock()
	for key, res := range r.completed {
		if hasScope(key, scope) {
			name := key[len(scope)+1:]
			outputs[name] = res.Output
			outputsRaw[name] = res
		}
	}
	r.mu.Unlock()
	return map[string]any{
		"output":      nil,
		"outputs":     outputs,
		"outputs_raw": outputsRaw,
		"issues":      nil,
		"env":         r.inv.Payload,
		"memory":      nil,
		"item":        item,
	}
}

func (r *run) dependencyOutputs(cfg *StepConfig, scope string) map[string]any {
	out := make(map[string]any)
	for _, dep := range parseDependsOn(cfg.DependsOn) {
		for _, name := range dep.Names {
			key := completedKey(scope, name)
			res := r.completed[key]
			if res == nil && scope != "root" {
				res = r.completed[completedKey("root", name)]
			}
			if res != nil {
				out[name] = res.Output
			}
		}
	}
	return out
}

// singleDependency returns the lone depends_on name for reuse_ai_session
// resolution, or "" if there isn't exactly one.
func singleDependency(cfg *StepConfig) string {
	deps := parseDependsOn(cfg.DependsOn)
	if len(deps) != 1 || len(deps[0].Names) != 1 {
		return ""
	}
	return deps[0].Names[0]
}

func (r *run) evaluateRouting(ctx context.Context, scope string, cfg *StepConfig, stepSet map[string]*StepConfig, res *StepResult, env map[string]any) {
	var block routing.Block
	switch {
	case res.Skipped:
		return
	case res.Err == nil:
		block = cfg.OnSuccess
	default:
		block = cfg.OnFail
	}

	intent, err := routing.Evaluate(blockName(res), cfg.Name, scope, block, env)
	if err != nil || intent.Kind == routing.IntentNone {
		return
	}

	if err := r.tracker.AllowTransition(scope); err != nil {
		r.mu.Lock()
		res.Issues = append(res.Issues, providers.Issue{RuleID: "contract/budget_exceeded", Message: err.Error(), Severity: "error"})
		r.mu.Unlock()
		observability.RoutingTransitions.WithLabelValues(string(intent.Kind), "budget_exceeded").Inc()
		return
	}

	observability.RoutingTransitions.WithLabelValues(string(intent.Kind), "applied").Inc()
	switch intent.Kind {
	case routing.IntentGoto:
		r.rewind(scope, intent.GotoTo, stepSet)
	case routing.IntentRun:
		r.mu.Lock()
		r.extra[scope] = append(r.extra[scope], intent.RunSteps...)
		r.mu.Unlock()
	}
}

func blockName(res *StepResult) string {
	if res.Err == nil {
		return "on_success"
	}
	return "on_fail"
}

// rewind clears the completed/running state for target and everything
// transitively depending on it within stepSet, so the ready-loop
// re-dispatches them (the goto's "rewind execution to the named ancestor
// step" semantics from spec §4.7.5).
func (r *run) rewind(scope, target string, stepSet map[string]*StepConfig) {
	dependents := map[string]bool{target: true}
	changed := true
	for changed {
		changed = false
		for name, cfg := range stepSet {
			if dependents[name] {
				continue
			}
			for _, dep := range parseDependsOn(cfg.DependsOn) {
				for _, d := range dep.Names {
					if dependents[d] {
						dependents[name] = true
						changed = true
					}
				}
			}
		}
	}

	r.mu.Lock()
	for name := range dependents {
		delete(r.completed, completedKey(scope, name))
		delete(r.running, completedKey(scope, name))
	}
	r.mu.Unlock()
}

// fanOut implements spec §4.7.2: forEach coerces output to an array,
// clones every step owned by cfg into a fresh per-item scope, and runs
// on_finish once after all item scopes complete.
func (r *run) fanOut(ctx context.Context, parentScope string, cfg *StepConfig, res *StepResult) {
	items, ok := res.Output.([]any)
	if !ok {
		items = coerceToArray(res.Output)
	}

	owned := make(map[string]*StepConfig)
	for name, c := range r.allSteps {
		if r.owners[name] == cfg.Name {
			owned[name] = c
		}
	}
	if len(owned) == 0 {
		return
	}

	reduceSteps := make(map[string]*StepConfig)
	mapSteps := make(map[string]*StepConfig)
	for name, c := range owned {
		if c.Fanout == "reduce" {
			reduceSteps[name] = c
		} else {
			mapSteps[name] = c
		}
	}

	var wg sync.WaitGroup
	for i, item := range items {
		if err := r.gate.Check(ctx); err != nil {
			break
		}
		subScope := fmt.Sprintf("%s/%s#%d", parentScope, cfg.Name, i)
		wg.Add(1)
		go func(subScope string, item any) {
			defer wg.Done()
			_ = r.runScope(ctx, subScope, item, mapSteps)
		}(subScope, item)
	}
	wg.Wait()

	for name, c := range reduceSteps {
		aggScope := parentScope
		r.mu.Lock()
		r.running[completedKey(aggScope, name)] = true
		r.mu.Unlock()
		r.executeStep(ctx, aggScope, items, c, reduceSteps, nil)
	}

	if cfg.OnFinish.Goto != "" || cfg.OnFinish.Run != nil || len(cfg.OnFinish.Transitions) > 0 {
		env := r.buildEnv(parentScope, cfg, nil)
		intent, err := routing.Evaluate("on_finish", cfg.Name, parentScope, cfg.OnFinish, env)
		if err == nil && intent.Kind == routing.IntentRun {
			r.mu.Lock()
			r.extra[parentScope] = append(r.extra[parentScope], intent.RunSteps...)
			r.mu.Unlock()
		}
	}
}

func coerceToArray(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case nil:
		return nil
	default:
		return []any{t}
	}
}
