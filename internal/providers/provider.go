// Package providers implements the polymorphic Provider capability the
// Execution Engine dispatches steps to, grounded on the teacher's
// jobs.Dispatcher (HTTP dispatch) and streaming.LogPublisher (log
// sink), generalized from a single job-dispatch shape into the
// {ai, command, http, script, log, memory, github, mcp, human-input,
// workflow, git-checkout, noop} provider variants named in spec §4.7.6.
// AI/GitHub/MCP/GitCheckout are external collaborators per spec §1 —
// only their Provider contract lives here.
package providers

import "context"

// Kind names a provider variant.
type Kind string

const (
	KindAI          Kind = "ai"
	KindCommand     Kind = "command"
	KindScript      Kind = "script"
	KindHTTP        Kind = "http"
	KindHTTPClient  Kind = "http_client"
	KindHTTPInput   Kind = "http_input"
	KindLog         Kind = "log"
	KindMemory      Kind = "memory"
	KindGitHub      Kind = "github"
	KindMCP         Kind = "mcp"
	KindHumanInput  Kind = "human-input"
	KindWorkflow    Kind = "workflow"
	KindGitCheckout Kind = "git-checkout"
	KindNoOp        Kind = "noop"
)

// Issue is one finding surfaced by a provider or contract check.
type Issue struct {
	RuleID   string
	Message  string
	Severity string
}

// Result is what a Provider returns from Execute.
type Result struct {
	Issues  []Issue
	Output  any
	Content string
	Debug   map[string]any
}

// Input is the invocation-scoped data a Provider receives.
type Input struct {
	Payload     map[string]any
	EventType   string
	StepName    string
	ScopeID     string
	Item        any // bound forEach iteration value, nil at root scope
}

// StepConfig is the subset of a step's declarative config a Provider
// needs to execute (the engine owns the full StepConfig; this is a
// read-only projection).
type StepConfig struct {
	Type    Kind
	Prompt  string
	Exec    string
	URL     string
	Content string
	Extra   map[string]any
}

// Provider executes one kind of step. The engine never inspects
// provider internals (spec §4.7.6): it only calls Execute.
type Provider interface {
	Kind() Kind
	Execute(ctx context.Context, in Input, cfg StepConfig, dependencyOutputs map[string]any) (Result, error)
}

// Registry resolves a Kind to its Provider.
type Registry struct {
	providers map[Kind]Provider
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[Kind]Provider)}
}

// Register adds p to the registry, keyed by p.Kind().
func (r *Registry) Register(p Provider) {
	r.providers[p.Kind()] = p
}

// Get resolves kind to its Provider, or (nil, false) if unregistered.
func (r *Registry) Get(kind Kind) (Provider, bool) {
	p, ok := r.providers[kind]
	return p, ok
}
