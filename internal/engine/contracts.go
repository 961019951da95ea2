package engine

import (
	"github.com/visorhq/visor/internal/providers"
	"github.com/visorhq/visor/internal/routing"
)

// applyContracts validates guarantee/schema/fail_if after execution, per
// spec §4.7.4. Violations are recorded as contract/* issues and do not
// throw; fail_if marks the step Failed without throwing.
func applyContracts(cfg *StepConfig, res *StepResult, env map[string]any) {
	for _, expr := range cfg.Guarantee {
		ok, err := routing.Truthy(expr, env)
		if err != nil || !ok {
			res.Issues = append(res.Issues, providers.Issue{
				RuleID: "contract/guarantee_failed", Message: expr, Severity: "error",
			})
		}
	}

	if schemaObj, ok := cfg.Schema.(map[string]any); ok && len(schemaObj) > 0 {
		if !validateAgainstSchema(res.Output, schemaObj) {
			res.Issues = append(res.Issues, providers.Issue{
				RuleID: "contract/schema_violation", Message: "output does not match schema", Severity: "error",
			})
		}
	}

	failIf, _ := cfg.Extra["fail_if"].(string)
	failed, err := routing.EvaluateFailConditions(failIf, stringSlice(cfg.Extra["failure_conditions"]), env)
	if err == nil && failed {
		res.Err = errFailIf
	}
}

// validateAgainstSchema is a minimal structural check: every key listed
// in the schema's "required" must be present in an object output;
// property types and other keywords are not checked. Full JSON-Schema semantics belong to the Config
// Loader's validator (internal/config), which validates the config
// document itself; this is a lightweight runtime output check, not a
// second schema engine.
func validateAgainstSchema(output any, schema map[string]any) bool {
	required, _ := schema["required"].([]any)
	outMap, ok := output.(map[string]any)
	if !ok {
		return len(required) == 0
	}
	for _, r := range required {
		key, _ := r.(string)
		if _, present := outMap[key]; !present {
			return false
		}
	}
	return true
}

func stringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, x := range list {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
