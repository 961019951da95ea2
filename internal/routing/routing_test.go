package routing

import "testing"

func TestEvalComparisons(t *testing.T) {
	env := map[string]any{"output": map[string]any{"count": 5.0}}
	cases := []struct {
		expr string
		want bool
	}{
		{"output.count > 3", true},
		{"output.count < 3", false},
		{"output.count == 5", true},
		{"output.count != 5", false},
		{"output.count >= 5 && output.count <= 10", true},
		{"!(output.count < 3)", true},
		{"output.missing == null", true},
	}
	for _, c := range cases {
		got, err := Truthy(c.expr, env)
		if err != nil {
			t.Fatalf("%q: %v", c.expr, err)
		}
		if got != c.want {
			t.Fatalf("%q: want %v got %v", c.expr, c.want, got)
		}
	}
}

func TestEvaluateAssumeAllMustBeTrue(t *testing.T) {
	env := map[string]any{"output": map[string]any{"ready": true}}
	ok, err := EvaluateAssume([]string{"output.ready == true", "output.ready != false"}, env)
	if err != nil || !ok {
		t.Fatalf("expected assume to pass: %v %v", ok, err)
	}

	ok, err = EvaluateAssume([]string{"output.ready == true", "1 == 2"}, env)
	if err != nil || ok {
		t.Fatalf("expected assume to fail when one expr is false")
	}
}

func TestEvaluateFailConditionsAdditive(t *testing.T) {
	env := map[string]any{"output": map[string]any{"errors": 1.0}}
	failed, err := EvaluateFailConditions("", []string{"output.errors > 0"}, env)
	if err != nil || !failed {
		t.Fatalf("expected failure_conditions alone to fail the step")
	}
	failed, err = EvaluateFailConditions("output.errors > 0", nil, env)
	if err != nil || !failed {
		t.Fatalf("expected fail_if alone to fail the step")
	}
	failed, err = EvaluateFailConditions("false", []string{"false"}, env)
	if err != nil || failed {
		t.Fatalf("expected no failure when both are false")
	}
}

func TestEvaluateTransitionsFirstTruthyWins(t *testing.T) {
	to := "stepB"
	block := Block{
		Transitions: []TransitionRule{
			{When: "false", To: &to},
			{When: "true", Run: []string{"notify"}},
		},
	}
	intent, err := Evaluate("on_success", "stepA", "scope0", block, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if intent.Kind != IntentRun || len(intent.RunSteps) != 1 || intent.RunSteps[0] != "notify" {
		t.Fatalf("expected run intent for notify, got %+v", intent)
	}
}

func TestEvaluateExplicitNilSuppressesGoto(t *testing.T) {
	block := Block{
		Transitions: []TransitionRule{
			{When: "true", To: nil},
		},
	}
	intent, err := Evaluate("on_fail", "stepA", "scope0", block, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if intent.Kind != IntentNone {
		t.Fatalf("expected no-op intent when To is nil, got %+v", intent)
	}
}

func TestBudgetMaxRunsPerCheck(t *testing.T) {
	tr := NewTracker(BudgetConfig{MaxRunsPerCheck: 2})
	if err := tr.AllowRun("step", "scope0"); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	if err := tr.AllowRun("step", "scope0"); err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if err := tr.AllowRun("step", "scope0"); err == nil {
		t.Fatalf("expected run 3 to exceed budget")
	}
}

func TestBudgetMaxLoopsPerScope(t *testing.T) {
	tr := NewTracker(BudgetConfig{MaxLoopsPerScope: 2})
	if err := tr.AllowTransition("scope0"); err != nil {
		t.Fatalf("transition 1: %v", err)
	}
	if err := tr.AllowTransition("scope0"); err != nil {
		t.Fatalf("transition 2: %v", err)
	}
	if err := tr.AllowTransition("scope0"); err == nil {
		t.Fatalf("expected transition 3 to exceed routing.max_loops")
	}
}
