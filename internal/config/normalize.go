package config

import (
	"fmt"
	"time"

	"github.com/visorhq/visor/internal/engine"
	"github.com/visorhq/visor/internal/providers"
	"github.com/visorhq/visor/internal/ratelimit"
	"github.com/visorhq/visor/internal/routing"
	"github.com/visorhq/visor/internal/scheduler"
)

// normalizeStepsChecks merges doc["checks"] into doc["steps"] in place:
// steps is preferred on key collision (child wins), and a bare checks-only
// document ends up indistinguishable from a steps-only one, per spec
// §3's "checks is a legacy alias for steps" rule.
func normalizeStepsChecks(doc map[string]any) {
	checksRaw, hasChecks := doc["checks"]
	if !hasChecks {
		return
	}
	checks, ok := checksRaw.(map[string]any)
	if !ok {
		return
	}
	stepsRaw, hasSteps := doc["steps"]
	steps, _ := stepsRaw.(map[string]any)
	if steps == nil {
		steps = map[string]any{}
	}
	for name, v := range checks {
		if _, exists := steps[name]; !exists {
			steps[name] = v
		}
	}
	if !hasSteps {
		doc["steps"] = steps
	}
	delete(doc, "checks")
}

// convert turns the merged, schema-validated document into a Resolved
// configuration.
func convert(doc map[string]any) (*Resolved, error) {
	stepsRaw, _ := doc["steps"].(map[string]any)
	steps := make(map[string]*engine.StepConfig, len(stepsRaw))
	for name, raw := range stepsRaw {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, &ConfigError{Path: "steps." + name, Message: "step must be a mapping"}
		}
		sc, err := convertStep(name, m)
		if err != nil {
			return nil, err
		}
		steps[name] = sc
	}

	maxParallelism := intField(doc, "max_parallelism", 3)
	failFast := boolField(doc, "fail_fast", false)

	engineCfg := &engine.Config{
		Steps:          steps,
		MaxParallelism: maxParallelism,
		FailFast:       failFast,
	}

	tagFilter := engine.TagFilter{}
	if tf, ok := doc["tag_filter"].(map[string]any); ok {
		tagFilter.Include = stringSlice(tf["include"])
		tagFilter.Exclude = stringSlice(tf["exclude"])
	}

	budgets := defaultBudgets()
	if r, ok := doc["routing"].(map[string]any); ok {
		if v, ok := r["max_runs_per_check"]; ok {
			budgets.MaxRunsPerCheck = toInt(v, budgets.MaxRunsPerCheck)
		}
		if v, ok := r["max_loops"]; ok {
			budgets.MaxLoopsPerScope = toInt(v, budgets.MaxLoopsPerScope)
		}
		if v, ok := r["max_workflow_depth"]; ok {
			budgets.MaxWorkflowDepth = toInt(v, budgets.MaxWorkflowDepth)
		}
	}

	rl := convertRateLimit(doc)
	sched := convertScheduler(doc)

	outputFormat := stringField(doc, "output", "")

	extra := map[string]any{}
	for _, k := range []string{"frontends", "memory", "http_server", "ai_mcp_servers", "env", "policy", "sandboxes", "imports"} {
		if v, ok := doc[k]; ok {
			extra[k] = v
		}
	}

	return &Resolved{
		Engine:       engineCfg,
		Limits:       engine.Limits{MaxParallelism: maxParallelism, Budgets: budgets},
		TagFilter:    tagFilter,
		RateLimiter:  rl,
		Scheduler:    sched,
		OutputFormat: outputFormat,
		Extra:        extra,
	}, nil
}

func convertStep(name string, m map[string]any) (*engine.StepConfig, error) {
	sc := &engine.StepConfig{
		Name:      name,
		Type:      providers.Kind(stringField(m, "type", string(providers.KindCommand))),
		Prompt:    stringField(m, "prompt", ""),
		Exec:      stringField(m, "exec", ""),
		URL:       stringField(m, "url", ""),
		Content:   stringField(m, "content", ""),
		Schedule:  stringField(m, "schedule", ""),
		On:        stringSlice(m["on"]),
		DependsOn: stringSlice(firstNonNil(m["depends_on"], m["dependsOn"])),
		If:        stringField(m, "if", ""),
		Assume:    stringSlice(m["assume"]),
		Guarantee: stringSlice(m["guarantee"]),
		Schema:    m["schema"],

		ForEach: boolField(m, "for_each", false),
		Fanout:  stringField(m, "fanout", "map"),

		Tags:        stringSlice(m["tags"]),
		Criticality: stringField(m, "criticality", ""),

		MaxRuns:           intField(m, "max_runs", 0),
		ReuseAISession:    firstNonNil(m["reuse_ai_session"], m["reuseAISession"]),
		SessionMode:       stringField(m, "session_mode", "clone"),
		ContinueOnFailure: boolField(m, "continue_on_failure", false),

		Extra: map[string]any{},
	}

	if v, ok := m["on_success"]; ok {
		b, err := convertBlock(v)
		if err != nil {
			return nil, fmt.Errorf("steps.%s.on_success: %w", name, err)
		}
		sc.OnSuccess = b
	}
	if v, ok := m["on_fail"]; ok {
		b, err := convertBlock(v)
		if err != nil {
			return nil, fmt.Errorf("steps.%s.on_fail: %w", name, err)
		}
		sc.OnFail = b
	}
	if v, ok := m["on_finish"]; ok {
		b, err := convertBlock(v)
		if err != nil {
			return nil, fmt.Errorf("steps.%s.on_finish: %w", name, err)
		}
		sc.OnFinish = b
	}

	known := map[string]bool{
		"type": true, "prompt": true, "exec": true, "url": true, "content": true,
		"schedule": true, "on": true, "depends_on": true, "dependsOn": true, "if": true,
		"assume": true, "guarantee": true, "schema": true, "for_each": true, "fanout": true,
		"on_success": true, "on_fail": true, "on_finish": true, "tags": true, "criticality": true,
		"max_runs": true, "reuse_ai_session": true, "reuseAISession": true, "session_mode": true,
		"continue_on_failure": true,
	}
	for k, v := range m {
		if !known[k] {
			sc.Extra[k] = v
		}
	}
	return sc, nil
}

func convertBlock(v any) (routing.Block, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return routing.Block{}, fmt.Errorf("must be a mapping")
	}
	b := routing.Block{
		GotoJS:    stringField(m, "goto_js", ""),
		RunJS:     stringField(m, "run_js", ""),
		Goto:      stringField(m, "goto", ""),
		GotoEvent: stringField(m, "goto_event", ""),
		Run:       stringSlice(m["run"]),
	}
	if rawList, ok := m["transitions"].([]any); ok {
		for _, raw := range rawList {
			rm, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			rule := routing.TransitionRule{
				When:      stringField(rm, "when", ""),
				GotoEvent: stringField(rm, "goto_event", ""),
				Run:       stringSlice(rm["run"]),
			}
			if to, ok := rm["to"]; ok && to != nil {
				if s, ok := to.(string); ok {
					rule.To = &s
				}
			}
			b.Transitions = append(b.Transitions, rule)
		}
	}
	return b, nil
}

func convertRateLimit(doc map[string]any) ratelimit.Config {
	limitsRaw, _ := doc["limits"].(map[string]any)
	if limitsRaw == nil {
		return ratelimit.Config{}
	}
	return ratelimit.Config{
		Global:             convertDimension(limitsRaw["global"]),
		Bot:                convertDimension(limitsRaw["bot"]),
		User:               convertDimension(limitsRaw["user"]),
		Channel:            convertDimension(limitsRaw["channel"]),
		QueueWhenNearLimit: boolField(limitsRaw, "queue_when_near_limit", false),
		NearLimitThreshold: floatField(limitsRaw, "near_limit_threshold", 0.1),
	}
}

func convertDimension(v any) ratelimit.DimensionConfig {
	m, ok := v.(map[string]any)
	if !ok {
		return ratelimit.DimensionConfig{}
	}
	return ratelimit.DimensionConfig{
		RequestsPerMinute:  intField(m, "requests_per_minute", 0),
		RequestsPerHour:    intField(m, "requests_per_hour", 0),
		ConcurrentRequests: intField(m, "concurrent_requests", 0),
	}
}

func convertScheduler(doc map[string]any) scheduler.Config {
	sRaw, _ := doc["scheduler"].(map[string]any)
	if sRaw == nil {
		return scheduler.Config{}
	}
	cfg := scheduler.Config{
		HAEnabled:         boolField(sRaw, "ha_enabled", false),
		DefaultOutputType: stringField(sRaw, "default_output_type", "none"),
	}
	if v, ok := sRaw["check_interval_seconds"]; ok {
		cfg.CheckInterval = time.Duration(toInt(v, 30)) * time.Second
	}
	if v, ok := sRaw["lock_ttl_seconds"]; ok {
		cfg.LockTTL = time.Duration(toInt(v, 30)) * time.Second
	}
	if jobsRaw, ok := sRaw["jobs"].([]any); ok {
		for _, raw := range jobsRaw {
			jm, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			cfg.StaticJobs = append(cfg.StaticJobs, scheduler.StaticJob{
				Name:     stringField(jm, "name", ""),
				Cron:     stringField(jm, "cron", ""),
				Enabled:  boolField(jm, "enabled", true),
				Workflow: stringField(jm, "workflow", ""),
				Inputs:   mapField(jm, "inputs"),
				Output:   stringField(jm, "output", "none"),
			})
		}
	}
	return cfg
}

func stringField(m map[string]any, key, def string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func boolField(m map[string]any, key string, def bool) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func intField(m map[string]any, key string, def int) int {
	if v, ok := m[key]; ok {
		return toInt(v, def)
	}
	return def
}

func floatField(m map[string]any, key string, def float64) float64 {
	if v, ok := m[key]; ok {
		switch t := v.(type) {
		case float64:
			return t
		case int:
			return float64(t)
		}
	}
	return def
}

func mapField(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func toInt(v any, def int) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return def
}

func stringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
