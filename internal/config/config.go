// Package config implements the Config Loader: it resolves
// extends/include chains (local paths and allowlisted HTTPS URLs),
// normalizes steps/checks, validates the merged document against an
// embedded JSON-Schema plus the semantic rules from spec §3/§4.9, and
// produces a fully-resolved, typed configuration for the engine,
// routing budgets, rate limiter and scheduler. Grounded on the
// teacher's env-at-edge-only convention (main.go never lets a
// subsystem re-read the environment) generalized into a proper file
// loader, per REDESIGN NOTE §9.
package config

import (
	"github.com/visorhq/visor/internal/engine"
	"github.com/visorhq/visor/internal/ratelimit"
	"github.com/visorhq/visor/internal/routing"
	"github.com/visorhq/visor/internal/scheduler"
)

// Warning is a non-fatal validation finding (unknown top-level key,
// deprecated field, ...).
type Warning struct {
	Path    string
	Message string
}

// ConfigError is a terminal load/validate failure (spec §7's
// ConfigError taxonomy entry).
type ConfigError struct {
	Path    string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// Resolved is the fully-resolved, typed output of Load: everything a
// caller needs to construct an engine.Engine, a scheduler.Scheduler and
// a rate limiter, plus the raw sections owned by external collaborators
// (frontends, memory, http_server, ai_mcp_servers, env, policy,
// sandboxes) that this package validates shape-wise but does not
// otherwise interpret.
type Resolved struct {
	Engine       *engine.Config
	Limits       engine.Limits
	TagFilter    engine.TagFilter
	RateLimiter  ratelimit.Config
	Scheduler    scheduler.Config
	OutputFormat string
	Extra        map[string]any
}

// allowedTopLevelKeys are the keys spec §6 names; anything else
// produces a Warning rather than a terminal error (and this small
// allowlist among *those* extras is silent, per spec §4.9).
var allowedTopLevelKeys = map[string]bool{
	"version": true, "steps": true, "checks": true, "output": true,
	"max_parallelism": true, "fail_fast": true, "fail_if": true,
	"tag_filter": true, "routing": true, "limits": true,
	"frontends": true, "imports": true, "memory": true,
	"http_server": true, "ai_mcp_servers": true, "env": true,
	"scheduler": true, "policy": true, "sandboxes": true,
	"extends": true, "include": true,
}

// silentExtraKeys never produce a warning even though they are not in
// allowedTopLevelKeys (a small documented allowlist, per spec §4.9).
var silentExtraKeys = map[string]bool{
	"description": true, "name": true,
}

func defaultBudgets() routing.BudgetConfig {
	return routing.DefaultBudgetConfig()
}
