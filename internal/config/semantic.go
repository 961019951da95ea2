package config

import (
	"fmt"
	"sort"

	"github.com/visorhq/visor/internal/engine"
	"github.com/visorhq/visor/internal/routing"
)

// validateSemantics enforces the rules spec §3/§4.9 state beyond what the
// JSON-Schema can express: cross-field constraints within a step and
// references between steps.
func validateSemantics(cfg *engine.Config) error {
	names := make([]string, 0, len(cfg.Steps))
	for n := range cfg.Steps {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		step := cfg.Steps[name]
		if err := validateStepSemantics(name, step, cfg.Steps); err != nil {
			return err
		}
	}
	return nil
}

func validateStepSemantics(name string, step *engine.StepConfig, all map[string]*engine.StepConfig) error {
	for _, dep := range step.DependsOn {
		for _, alt := range splitOrGroup(dep) {
			if _, ok := all[alt]; !ok {
				return &ConfigError{Path: "steps." + name + ".depends_on", Message: fmt.Sprintf("unknown step %q", alt)}
			}
		}
	}

	// reuse_ai_session requires a dependency to reuse from ("self" is
	// resolved at run time against the nearest prior invocation of this
	// step, per the Open Question decision recorded in DESIGN.md).
	if step.ReuseAISession != nil {
		if b, ok := step.ReuseAISession.(bool); ok && b && len(step.DependsOn) == 0 {
			return &ConfigError{Path: "steps." + name + ".reuse_ai_session", Message: "reuse_ai_session: true requires depends_on"}
		}
		if s, ok := step.ReuseAISession.(string); ok && s != "" && s != "self" {
			if _, ok := all[s]; !ok {
				return &ConfigError{Path: "steps." + name + ".reuse_ai_session", Message: fmt.Sprintf("unknown step %q", s)}
			}
		}
	} else if step.SessionMode != "" && step.SessionMode != "clone" {
		return &ConfigError{Path: "steps." + name + ".session_mode", Message: "session_mode set without reuse_ai_session"}
	}

	// on_finish only makes sense paired with for_each (spec §4.6): it is
	// the fan-out completion signal.
	if !blockIsEmpty(step.OnFinish) && !step.ForEach {
		return &ConfigError{Path: "steps." + name + ".on_finish", Message: "on_finish requires for_each: true"}
	}

	if step.Fanout != "" && step.Fanout != "map" && step.Fanout != "reduce" {
		return &ConfigError{Path: "steps." + name + ".fanout", Message: fmt.Sprintf("invalid fanout %q: must be map or reduce", step.Fanout)}
	}

	// criticality: external/internal both require a contract pair per
	// spec §4.7.1 ("a criticality without an enforceable contract is a
	// silent no-op").
	if step.Criticality == "external" || step.Criticality == "internal" {
		hasPrecondition := len(step.Assume) > 0 || step.If != ""
		hasPostcondition := step.Schema != nil || len(step.Guarantee) > 0
		if !hasPrecondition || !hasPostcondition {
			return &ConfigError{Path: "steps." + name + ".criticality", Message: "criticality requires both a precondition (assume or if) and a postcondition (schema or guarantee)"}
		}
	}

	return nil
}

func blockIsEmpty(b routing.Block) bool {
	return len(b.Transitions) == 0 && b.GotoJS == "" && b.RunJS == "" &&
		b.Goto == "" && b.GotoEvent == "" && len(b.Run) == 0
}

// splitOrGroup splits a depends_on entry like "a|b" into its OR-group
// members (spec §3: "depends_on entries may use | for an OR-group").
func splitOrGroup(dep string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(dep); i++ {
		if i == len(dep) || dep[i] == '|' {
			if i > start {
				out = append(out, trimSpace(dep[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	i, j := 0, len(s)
	for i < j && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	for j > i && (s[j-1] == ' ' || s[j-1] == '\t') {
		j--
	}
	return s[i:j]
}
