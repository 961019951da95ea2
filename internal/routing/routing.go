package routing

import (
	"encoding/json"
	"log"
)

// IntentKind distinguishes the two routing outcomes from spec §4.6.
type IntentKind string

const (
	IntentNone IntentKind = "none"
	IntentGoto IntentKind = "goto"
	IntentRun  IntentKind = "run"
)

// Intent is what the evaluator returns; the engine enforces budgets and
// applies side effects.
type Intent struct {
	Kind      IntentKind
	GotoTo    string
	GotoEvent string
	RunSteps  []string
}

// TransitionRule is one entry in a transitions[] list: the first truthy
// When wins.
type TransitionRule struct {
	When      string
	To        *string // explicit nil suppresses goto even if When is truthy
	GotoEvent string
	Run       []string
}

// Block models on_success / on_fail / on_finish (and the bare goto/run
// shorthand that bypasses a transitions list).
type Block struct {
	Transitions []TransitionRule
	GotoJS      string
	RunJS       string
	Goto        string
	GotoEvent   string
	Run         []string
}

// decisionLog mirrors the teacher's SchedulingDecision: marshaled to a
// single JSON line for operational grep-ability.
type decisionLog struct {
	Step      string `json:"step"`
	Scope     string `json:"scope"`
	Block     string `json:"block"`
	Intent    string `json:"intent"`
	Goto      string `json:"goto,omitempty"`
	RunSteps  []string `json:"run_steps,omitempty"`
	Reason    string `json:"reason"`
}

func logDecision(d decisionLog) {
	data, err := json.Marshal(d)
	if err != nil {
		log.Printf("Routing: decision marshal failed: %v", err)
		return
	}
	log.Printf("Routing: %s", string(data))
}

// Evaluate resolves block against env (the scoped step result and
// context) and returns the resulting Intent. Evaluation order: first
// truthy transitions[].When wins; else *_js if present; else the bare
// goto/run fields. An explicit To == nil on the winning rule suppresses
// goto.
func Evaluate(blockName, step, scope string, block Block, env map[string]any) (Intent, error) {
	for _, rule := range block.Transitions {
		ok, err := Truthy(rule.When, env)
		if err != nil {
			return Intent{}, err
		}
		if !ok {
			continue
		}
		intent := Intent{RunSteps: rule.Run}
		if rule.To != nil {
			intent.Kind = IntentGoto
			intent.GotoTo = *rule.To
			intent.GotoEvent = rule.GotoEvent
		} else if len(rule.Run) > 0 {
			intent.Kind = IntentRun
		} else {
			intent.Kind = IntentNone
		}
		logDecision(decisionLog{Step: step, Scope: scope, Block: blockName, Intent: string(intent.Kind), Goto: intent.GotoTo, RunSteps: intent.RunSteps, Reason: "transitions[] matched: " + rule.When})
		return intent, nil
	}

	if block.GotoJS != "" {
		v, err := Eval(block.GotoJS, env)
		if err != nil {
			return Intent{}, err
		}
		if s, ok := v.(string); ok && s != "" {
			intent := Intent{Kind: IntentGoto, GotoTo: s, GotoEvent: block.GotoEvent}
			logDecision(decisionLog{Step: step, Scope: scope, Block: blockName, Intent: string(intent.Kind), Goto: s, Reason: "goto_js"})
			return intent, nil
		}
	}
	if block.RunJS != "" {
		v, err := Eval(block.RunJS, env)
		if err != nil {
			return Intent{}, err
		}
		if steps, ok := v.([]string); ok && len(steps) > 0 {
			intent := Intent{Kind: IntentRun, RunSteps: steps}
			logDecision(decisionLog{Step: step, Scope: scope, Block: blockName, Intent: string(intent.Kind), RunSteps: steps, Reason: "run_js"})
			return intent, nil
		}
	}

	if block.Goto != "" {
		intent := Intent{Kind: IntentGoto, GotoTo: block.Goto, GotoEvent: block.GotoEvent}
		logDecision(decisionLog{Step: step, Scope: scope, Block: blockName, Intent: string(intent.Kind), Goto: block.Goto, Reason: "static goto"})
		return intent, nil
	}
	if len(block.Run) > 0 {
		intent := Intent{Kind: IntentRun, RunSteps: block.Run}
		logDecision(decisionLog{Step: step, Scope: scope, Block: blockName, Intent: string(intent.Kind), RunSteps: block.Run, Reason: "static run"})
		return intent, nil
	}

	return Intent{Kind: IntentNone}, nil
}

// EvaluateAssume reports whether every expression in assume is true
// ("assume (all expressions)" per spec §4.7.1).
func EvaluateAssume(assume []string, env map[string]any) (bool, error) {
	for _, expr := range assume {
		ok, err := Truthy(expr, env)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// EvaluateFailConditions implements the additive fail_if/failure_conditions
// precedence decision recorded in DESIGN.md: any truthy condition among
// either fails the step.
func EvaluateFailConditions(failIf string, failureConditions []string, env map[string]any) (bool, error) {
	if failIf != "" {
		ok, err := Truthy(failIf, env)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	for _, cond := range failureConditions {
		ok, err := Truthy(cond, env)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
