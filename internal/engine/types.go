// Package engine implements the Execution Engine: a state machine over
// the step DAG that expands dependencies, fans out forEach steps into
// scopes, reuses AI sessions, enforces contracts and routing budgets,
// and honors pause/stop, grounded on the teacher's reconciler.go
// three-phase (check/apply/finalCheck) lifecycle and hard-timeout kill
// switch, and scheduler.go's recover-wrapped dispatch.
package engine

import (
	"time"

	"github.com/visorhq/visor/internal/providers"
	"github.com/visorhq/visor/internal/routing"
)

// StepConfig is the full declarative configuration for one step
// (spec §3's StepConfig entity).
type StepConfig struct {
	Name      string
	Type      providers.Kind
	Prompt    string
	Exec      string
	URL       string
	Content   string
	Schedule  string

	On       []string // event filter; empty or "all" matches any eventType
	DependsOn []string // entries may use "|" for an OR-group of real names
	If        string
	Assume    []string
	Guarantee []string
	Schema    any // string (renderer tag) or JSON-Schema object

	ForEach bool
	Fanout  string // "map" (default) | "reduce"

	OnSuccess routing.Block
	OnFail    routing.Block
	OnFinish  routing.Block

	Tags        []string
	Criticality string // "external" | "internal" | ""

	MaxRuns           int
	ReuseAISession    any // bool or string (step name)
	SessionMode       string // "clone" (default) | "append"
	ContinueOnFailure bool

	Extra map[string]any
}

// TagFilter selects/excludes steps by tag.
type TagFilter struct {
	Include []string
	Exclude []string
}

// Limits bounds one invocation.
type Limits struct {
	MaxParallelism int
	Budgets        routing.BudgetConfig
}

// Config is the loaded, normalized set of steps an Invocation runs
// against (owned by the loaded Config per spec §3, shared read-only).
type Config struct {
	Steps          map[string]*StepConfig
	MaxParallelism int
	FailFast       bool
}

// Invocation is one trigger's DAG traversal request.
type Invocation struct {
	RunID     string
	Roots     []string
	Payload   map[string]any
	EventType string
	TagFilter TagFilter
	Limits    Limits
}

// SkipReason names why a step did not execute.
type SkipReason string

const (
	SkipCondition SkipReason = "condition"
	SkipAssume    SkipReason = "assume"
	SkipEvent     SkipReason = "event"
	SkipTag       SkipReason = "tag"
)

// StepResult is the outcome of one (step, scope) execution.
type StepResult struct {
	Step       string
	Scope      string
	Issues     []providers.Issue
	Output     any
	Content    string
	Err        error
	Skipped    bool
	SkipReason SkipReason
	DurationMs int64
	StartedAt  time.Time
}

// GroupedResults is the terminal payload an Invocation produces.
type GroupedResults struct {
	RunID   string
	State   State
	Results []StepResult
}

// State is the engine's invocation-level state machine value.
type State string

const (
	StateIdle      State = "Idle"
	StatePlanning  State = "Planning"
	StateRunning   State = "Running"
	StatePaused    State = "Paused"
	StateCompleted State = "Completed"
	StateError     State = "Error"
	StateStopped   State = "Stopped"
)
