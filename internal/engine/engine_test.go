package engine

import (
	"context"
	"testing"
	"time"

	"github.com/visorhq/visor/internal/bus"
	"github.com/visorhq/visor/internal/providers"
	"github.com/visorhq/visor/internal/routing"
)

func newTestEngine(steps map[string]*StepConfig) (*Engine, *bus.Bus) {
	reg := providers.NewRegistry()
	reg.Register(providers.NoOpProvider{})
	reg.Register(providers.LogProvider{})
	reg.Register(providers.NewMemoryProvider())
	cfg := &Config{Steps: steps, MaxParallelism: 4}
	b := bus.New()
	return New(cfg, reg, b), b
}

func outputStep(name string, output any, deps ...string) *StepConfig {
	return &StepConfig{Name: name, Type: providers.KindNoOp, DependsOn: deps}
}

func TestRunExecutesDependencyDAGInOrder(t *testing.T) {
	steps := map[string]*StepConfig{
		"a": outputStep("a", nil),
		"b": outputStep("b", nil, "a"),
		"c": outputStep("c", nil, "a"),
		"d": outputStep("d", nil, "b", "c"),
	}
	e, _ := newTestEngine(steps)

	res, err := e.Run(context.Background(), Invocation{Roots: []string{"d"}, EventType: "all"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s, want Completed", res.State)
	}
	if len(res.Results) != 4 {
		t.Fatalf("got %d results, want 4", len(res.Results))
	}
	for _, r := range res.Results {
		if r.Err != nil {
			t.Errorf("step %s errored: %v", r.Step, r.Err)
		}
	}
	byName := make(map[string]StepResult, len(res.Results))
	for _, r := range res.Results {
		byName[r.Step] = r
	}
	for _, edge := range [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}} {
		if byName[edge[1]].StartedAt.Before(byName[edge[0]].StartedAt) {
			t.Errorf("step %s started before its dependency %s", edge[1], edge[0])
		}
	}
}

func TestRunSkipsStepsFilteredByEvent(t *testing.T) {
	steps := map[string]*StepConfig{
		"a": {Name: "a", Type: providers.KindNoOp, On: []string{"push"}},
	}
	e, _ := newTestEngine(steps)

	res, err := e.Run(context.Background(), Invocation{Roots: []string{"a"}, EventType: "pull_request"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Results) != 1 || !res.Results[0].Skipped || res.Results[0].SkipReason != SkipEvent {
		t.Fatalf("expected a single skipped(event) result, got %+v", res.Results)
	}
}

func TestRunForEachFansOutAndReduces(t *testing.T) {
	steps := map[string]*StepConfig{
		"list": {Name: "list", Type: providers.KindNoOp, ForEach: true, Extra: map[string]any{}},
		"item": {Name: "item", Type: providers.KindNoOp, DependsOn: []string{"list"}},
		"agg":  {Name: "agg", Type: providers.KindNoOp, DependsOn: []string{"list"}, Fanout: "reduce"},
	}
	// list's provider is NoOp, whose Output is nil, so coerceToArray(nil)
	// yields zero items; register the fixed-output provider below under
	// the noop kind instead so we control Output directly.
	reg := providers.NewRegistry()
	reg.Register(fixedOutputProvider{kind: providers.KindNoOp, output: []any{"x", "y", "z"}})
	cfg := &Config{Steps: steps, MaxParallelism: 4}
	e := New(cfg, reg, bus.New())

	res, err := e.Run(context.Background(), Invocation{Roots: []string{"agg"}, EventType: "all"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s", res.State)
	}

	itemCount := 0
	for _, r := range res.Results {
		if r.Step == "item" {
			itemCount++
		}
	}
	if itemCount != 3 {
		t.Fatalf("expected 3 forEach item scopes, got %d", itemCount)
	}

	aggCount := 0
	for _, r := range res.Results {
		if r.Step == "agg" {
			aggCount++
		}
	}
	if aggCount != 1 {
		t.Fatalf("expected 1 reduce run of agg, got %d", aggCount)
	}
}

type fixedOutputProvider struct {
	kind   providers.Kind
	output any
}

func (p fixedOutputProvider) Kind() providers.Kind { return p.kind }
func (p fixedOutputProvider) Execute(ctx context.Context, in providers.Input, cfg providers.StepConfig, deps map[string]any) (providers.Result, error) {
	return providers.Result{Output: p.output}, nil
}

func TestRunRespectsMaxRunsPerCheckBudget(t *testing.T) {
	// A step whose on_success always goes back to itself would loop
	// forever without the budget; here we assert the tracker cuts it off
	// instead of hanging the test.
	steps := map[string]*StepConfig{
		"looper": {
			Name: "looper", Type: providers.KindNoOp,
			OnSuccess: routing.Block{Goto: "looper"},
		},
	}

	e, _ := newTestEngine(steps)
	budgets := routing.BudgetConfig{MaxRunsPerCheck: 5, MaxLoopsPerScope: 5, MaxWorkflowDepth: 3}

	done := make(chan struct{})
	var res *GroupedResults
	go func() {
		res, _ = e.Run(context.Background(), Invocation{Roots: []string{"looper"}, EventType: "all", Limits: Limits{Budgets: budgets}}, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not terminate; budget enforcement failed to cut off the self-goto loop")
	}
	if res == nil {
		t.Fatal("nil result")
	}
}

func TestRunHonorsGateStop(t *testing.T) {
	steps := map[string]*StepConfig{
		"a": outputStep("a", nil),
		"b": outputStep("b", nil, "a"),
	}
	e, _ := newTestEngine(steps)
	gate := NewGate()
	gate.Stop()

	res, err := e.Run(context.Background(), Invocation{Roots: []string{"b"}, EventType: "all"}, gate)
	if res.State != StateStopped {
		t.Fatalf("state = %s, want Stopped", res.State)
	}
	if err == nil {
		t.Fatal("expected an error for a stopped invocation")
	}
}

func TestRunSessionReuseSelfClonesOwnPriorSession(t *testing.T) {
	steps := map[string]*StepConfig{
		"ask": {
			Name: "ask", Type: providers.KindAI,
			ReuseAISession: "self",
		},
	}
	reg := providers.NewRegistry()
	reg.Register(fixedOutputProvider{kind: providers.KindAI, output: "reply"})
	cfg := &Config{Steps: steps, MaxParallelism: 2}
	e := New(cfg, reg, bus.New())

	res, err := e.Run(context.Background(), Invocation{Roots: []string{"ask"}, EventType: "all"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Results) != 1 || res.Results[0].Err != nil {
		t.Fatalf("unexpected results: %+v", res.Results)
	}
}

func TestRunMarksProviderErrorAsErrorState(t *testing.T) {
	steps := map[string]*StepConfig{
		"a": {Name: "a", Type: providers.KindNoOp},
		"b": {Name: "b", Type: "unregistered-kind", DependsOn: []string{"a"}},
	}
	e, _ := newTestEngine(steps)

	res, err := e.Run(context.Background(), Invocation{Roots: []string{"b"}, EventType: "all"}, nil)
	if err == nil {
		t.Fatal("expected an error result for the unregistered provider kind")
	}
	if res.State != StateError {
		t.Fatalf("state = %s, want Error", res.State)
	}
}
