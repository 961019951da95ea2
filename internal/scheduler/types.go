package scheduler

import (
	"context"
	"time"

	"github.com/visorhq/visor/internal/engine"
	"github.com/visorhq/visor/internal/store"
)

// StaticJob is one of the config's compiled-in cron jobs (spec §4.5:
// "load config's static cron jobs"), as distinct from the dynamic
// Schedules the Store holds.
type StaticJob struct {
	Name     string
	Cron     string
	Enabled  bool
	Workflow string
	Inputs   map[string]any
	Output   string // adapter type: slack|github|webhook|none
}

// Engine is the subset of internal/engine.Engine the Scheduler invokes
// against. Declared here (rather than imported as a concrete type) so
// tests can substitute a fake without constructing a real Config/registry.
type Engine interface {
	Run(ctx context.Context, inv engine.Invocation, gate *engine.Gate) (*engine.GroupedResults, error)
	AllStepNames() []string
}

// OutputAdapter is the only channel by which a schedule's fire result
// leaves the Scheduler (spec §4.5). Exceptions are logged and swallowed
// by the caller, never propagated.
type OutputAdapter interface {
	Deliver(ctx context.Context, sch *store.Schedule, result *engine.GroupedResults, runErr error)
}

// Config configures a Scheduler instance.
type Config struct {
	NodeID               string
	StaticJobs           []StaticJob
	CheckInterval        time.Duration // safety-net due-check cadence
	HAEnabled            bool
	LockTTL              time.Duration
	DefaultOutputType    string
}

func (c Config) checkInterval() time.Duration {
	if c.CheckInterval > 0 {
		return c.CheckInterval
	}
	return 30 * time.Second
}
