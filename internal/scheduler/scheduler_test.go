package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/visorhq/visor/internal/engine"
	"github.com/visorhq/visor/internal/store"
)

type fakeEngine struct {
	mu    sync.Mutex
	runs  int
	fail  bool
	names []string
}

func (f *fakeEngine) Run(ctx context.Context, inv engine.Invocation, gate *engine.Gate) (*engine.GroupedResults, error) {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	if f.fail {
		return &engine.GroupedResults{State: engine.StateError}, nil
	}
	return &engine.GroupedResults{State: engine.StateCompleted, Results: []engine.StepResult{{Step: inv.Roots[0], Output: map[string]any{"message": "hello"}}}}, nil
}

func (f *fakeEngine) AllStepNames() []string { return f.names }

func (f *fakeEngine) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type recordingAdapter struct {
	mu      sync.Mutex
	deliveries int
}

func (a *recordingAdapter) Deliver(context.Context, *store.Schedule, *engine.GroupedResults, error) {
	a.mu.Lock()
	a.deliveries++
	a.mu.Unlock()
}

func (a *recordingAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deliveries
}

// TestOneShotLifecycle pins spec §8 testable property #7 / scenario S3:
// a one-shot schedule runs its workflow exactly once and is deleted.
func TestOneShotLifecycle(t *testing.T) {
	eng := &fakeEngine{}
	st := store.NewMemoryStore()
	adapters := NewAdapterRegistry()
	rec := &recordingAdapter{}
	adapters.Register("webhook", rec)

	sched := New(Config{CheckInterval: 20 * time.Millisecond}, eng, st, nil, adapters)

	err := sched.Create(context.Background(), &store.Schedule{
		ID:            "s1",
		Workflow:      "greet",
		RunAt:         time.Now().Add(30 * time.Millisecond),
		OutputContext: map[string]any{"type": "webhook"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop(context.Background())

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if eng.runCount() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := eng.runCount(); got != 1 {
		t.Fatalf("expected exactly 1 run, got %d", got)
	}
	if _, err := st.Get(context.Background(), "s1"); err != store.ErrNotFound {
		t.Fatalf("expected schedule to be deleted, got err=%v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected adapter to be delivered to once, got %d", rec.count())
	}
}

// TestRecurringFailurePause pins spec §8 scenario S4: after 3
// consecutive failures, a recurring schedule's status becomes failed and
// it stops firing.
func TestRecurringFailurePause(t *testing.T) {
	eng := &fakeEngine{fail: true}
	st := store.NewMemoryStore()
	sched := New(Config{CheckInterval: 15 * time.Millisecond}, eng, st, nil, nil)

	sch := &store.Schedule{ID: "flaky", Workflow: "flaky", Cron: "* * * * *", Timezone: "UTC"}
	if err := st.Create(context.Background(), sch); err != nil {
		t.Fatalf("Create: %v", err)
	}
	sch.Status = store.StatusActive
	sch.NextRunAt = time.Now().Add(-time.Second)
	if err := st.Update(context.Background(), sch); err != nil {
		t.Fatalf("Update: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop(context.Background())

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		cur, err := st.Get(context.Background(), "flaky")
		if err == nil && cur.Status == store.StatusFailed {
			break
		}
		// Re-arm NextRunAt so the safety net keeps firing it (Cron's own
		// ticks won't land within this test's short window).
		if cur != nil && cur.Status == store.StatusActive {
			cur.NextRunAt = time.Now().Add(-time.Second)
			st.Update(context.Background(), cur)
		}
		time.Sleep(15 * time.Millisecond)
	}

	final, err := st.Get(context.Background(), "flaky")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != store.StatusFailed {
		t.Fatalf("expected status failed after 3 failures, got %s (failureCount=%d)", final.Status, final.FailureCount)
	}
	if final.FailureCount < 3 {
		t.Fatalf("expected failureCount >= 3, got %d", final.FailureCount)
	}

	runsAtFailure := eng.runCount()
	time.Sleep(60 * time.Millisecond)
	if got := eng.runCount(); got != runsAtFailure {
		t.Fatalf("expected no runs after status failed, got %d more", got-runsAtFailure)
	}
}

func TestCreateRejectsBothCronAndRunAt(t *testing.T) {
	sched := New(Config{}, &fakeEngine{}, store.NewMemoryStore(), nil, nil)
	err := sched.Create(context.Background(), &store.Schedule{ID: "bad", Cron: "* * * * *", RunAt: time.Now()})
	if err != ErrInvalidSchedule {
		t.Fatalf("expected ErrInvalidSchedule, got %v", err)
	}
}

func TestCreateRejectsNeitherCronNorRunAt(t *testing.T) {
	sched := New(Config{}, &fakeEngine{}, store.NewMemoryStore(), nil, nil)
	err := sched.Create(context.Background(), &store.Schedule{ID: "bad"})
	if err != ErrInvalidSchedule {
		t.Fatalf("expected ErrInvalidSchedule, got %v", err)
	}
}

func TestPauseStopsFiring(t *testing.T) {
	eng := &fakeEngine{}
	st := store.NewMemoryStore()
	sched := New(Config{CheckInterval: 15 * time.Millisecond}, eng, st, nil, nil)

	sch := &store.Schedule{ID: "s2", Workflow: "noop", Cron: "* * * * *", Timezone: "UTC", Status: store.StatusActive}
	if err := st.Create(context.Background(), sch); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := sched.Pause(context.Background(), "s2"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop(context.Background())

	time.Sleep(100 * time.Millisecond)
	if eng.runCount() != 0 {
		t.Fatalf("expected paused schedule never to fire, got %d runs", eng.runCount())
	}
}
