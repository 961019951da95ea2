package scheduler

import (
	"context"
	"encoding/json"
	"log"

	"github.com/visorhq/visor/internal/engine"
	"github.com/visorhq/visor/internal/store"
)

// NoOpAdapter discards the fire result; the "none" output type.
type NoOpAdapter struct{}

func (NoOpAdapter) Deliver(context.Context, *store.Schedule, *engine.GroupedResults, error) {}

// LogAdapter logs the fire result as a single JSON line, grounded on the
// teacher's streaming.LogPublisher ("log instead of dispatching")
// fallback. It is the built-in stand-in for the slack/github/webhook
// adapters, which are external collaborators per spec §1.
type LogAdapter struct{}

type adapterLog struct {
	ScheduleID string `json:"scheduleId"`
	Workflow   string `json:"workflow"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

func (LogAdapter) Deliver(_ context.Context, sch *store.Schedule, result *engine.GroupedResults, runErr error) {
	rec := adapterLog{ScheduleID: sch.ID, Workflow: sch.Workflow, Success: runErr == nil}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		log.Printf("Scheduler: adapter log marshal failed: %v", err)
		return
	}
	log.Printf("Scheduler: adapter output: %s", string(data))
}

// AdapterRegistry resolves an output type name (slack|github|webhook|none)
// to the OutputAdapter instance that should receive a schedule's fire
// result. Unregistered types fall back to LogAdapter so a fire never
// silently loses its result.
type AdapterRegistry struct {
	adapters map[string]OutputAdapter
	fallback OutputAdapter
}

// NewAdapterRegistry constructs a registry pre-seeded with "none" ->
// NoOpAdapter. Callers Register slack/github/webhook adapters (external
// collaborators) before Start.
func NewAdapterRegistry() *AdapterRegistry {
	r := &AdapterRegistry{adapters: make(map[string]OutputAdapter), fallback: LogAdapter{}}
	r.adapters["none"] = NoOpAdapter{}
	return r
}

// Register binds typ to adapter.
func (r *AdapterRegistry) Register(typ string, adapter OutputAdapter) {
	r.adapters[typ] = adapter
}

// Resolve returns the adapter for typ, or the LogAdapter fallback if typ
// is unregistered or empty.
func (r *AdapterRegistry) Resolve(typ string) OutputAdapter {
	if a, ok := r.adapters[typ]; ok {
		return a
	}
	return r.fallback
}
