// Package scheduler evaluates time triggers — static cron jobs compiled
// into the config and dynamic Schedules hydrated from the Schedule
// Store — and invokes the Execution Engine with a synthetic trigger
// payload, guaranteeing at-most-once firing across nodes when HA is
// enabled, grounded on the teacher's scheduler.go dispatch-with-recover
// loop and coordination.LeaderElector-style fencing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/visorhq/visor/internal/coordination"
	"github.com/visorhq/visor/internal/engine"
	"github.com/visorhq/visor/internal/observability"
	"github.com/visorhq/visor/internal/store"
)

// ErrInvalidSchedule is returned when a Schedule names neither or both
// of Cron/RunAt.
var ErrInvalidSchedule = errors.New("scheduler: schedule must set exactly one of cron or runAt")

// Scheduler drives static and dynamic time triggers against an Engine,
// backed by a Store and (optionally) a coordination.Manager for HA
// locking.
type Scheduler struct {
	cfg      Config
	eng      Engine
	st       store.Store
	lockMgr  *coordination.Manager
	adapters *AdapterRegistry

	cron *cronlib.Cron

	mu             sync.Mutex
	staticEntries  map[string]cronlib.EntryID
	dynamicEntries map[string]cronlib.EntryID
	oneShotTimers  map[string]*time.Timer
	scheduled      map[string]bool // locally in-flight, dedups safety-net vs cron fire

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler. lockMgr may be nil when cfg.HAEnabled is
// false (single-node operation); adapters may be nil to use an
// all-NoOp/Log registry.
func New(cfg Config, eng Engine, st store.Store, lockMgr *coordination.Manager, adapters *AdapterRegistry) *Scheduler {
	if adapters == nil {
		adapters = NewAdapterRegistry()
	}
	return &Scheduler{
		cfg:            cfg,
		eng:            eng,
		st:             st,
		lockMgr:        lockMgr,
		adapters:       adapters,
		cron:           cronlib.New(),
		staticEntries:  make(map[string]cronlib.EntryID),
		dynamicEntries: make(map[string]cronlib.EntryID),
		oneShotTimers:  make(map[string]*time.Timer),
		scheduled:      make(map[string]bool),
	}
}

// Start loads static cron jobs, hydrates active dynamic schedules from
// the Store, and starts the safety-net due-check loop (spec §4.5).
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, job := range s.cfg.StaticJobs {
		if !job.Enabled {
			continue
		}
		if _, err := validateCron(job.Cron); err != nil {
			log.Printf("Scheduler: static job %q has invalid cron %q: %v", job.Name, job.Cron, err)
			continue
		}
		job := job
		id, err := s.cron.AddFunc(job.Cron, func() { s.fireStatic(runCtx, job) })
		if err != nil {
			log.Printf("Scheduler: failed to register static job %q: %v", job.Name, err)
			continue
		}
		s.staticEntries[job.Name] = id
	}

	active, err := s.st.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load active schedules: %w", err)
	}
	for _, sch := range active {
		s.registerDynamic(runCtx, sch)
	}

	s.cron.Start()

	s.wg.Add(1)
	go s.safetyNetLoop(runCtx)

	return nil
}

// Stop halts the cron scheduler, safety-net loop, and releases every
// held HA lock within the stopping context's deadline.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	stopped := s.cron.Stop()

	s.mu.Lock()
	for _, t := range s.oneShotTimers {
		t.Stop()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-stopped.Done():
	case <-time.After(5 * time.Second):
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	if s.lockMgr != nil {
		s.lockMgr.ReleaseAll(ctx)
	}
}

func (s *Scheduler) safetyNetLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.checkInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkDue(ctx)
		}
	}
}

// checkDue is the safety net for wake-from-sleep or missed timers: it
// re-derives due schedules directly from the Store rather than relying
// solely on in-process timers, firing in (nextRunAt asc, id asc) order
// per spec §5, skipping anything already locally in flight.
func (s *Scheduler) checkDue(ctx context.Context) {
	due, err := s.st.GetDue(ctx, time.Now())
	if err != nil {
		log.Printf("Scheduler: GetDue failed: %v", err)
		return
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRunAt.Equal(due[j].NextRunAt) {
			return due[i].NextRunAt.Before(due[j].NextRunAt)
		}
		return due[i].ID < due[j].ID
	})
	for _, sch := range due {
		if s.isScheduled(sch.ID) {
			continue
		}
		go s.fireDynamic(ctx, sch.ID)
	}
}

func (s *Scheduler) isScheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled[id]
}

func (s *Scheduler) markScheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduled[id] {
		return false
	}
	s.scheduled[id] = true
	return true
}

func (s *Scheduler) unmarkScheduled(id string) {
	s.mu.Lock()
	delete(s.scheduled, id)
	s.mu.Unlock()
}

// registerDynamic wires a restored schedule's firing into either the
// cron scheduler (recurring) or a one-shot timer, per spec §4.5's
// restore-on-start procedure.
func (s *Scheduler) registerDynamic(ctx context.Context, sch *store.Schedule) {
	if sch.Cron != "" {
		if _, err := validateCron(sch.Cron); err != nil {
			log.Printf("Scheduler: schedule %s has invalid cron %q: %v", sch.ID, sch.Cron, err)
			return
		}
		id, err := s.cron.AddFunc(sch.Cron, func() { s.fireDynamic(ctx, sch.ID) })
		if err != nil {
			log.Printf("Scheduler: failed to register schedule %s: %v", sch.ID, err)
			return
		}
		s.mu.Lock()
		s.dynamicEntries[sch.ID] = id
		s.mu.Unlock()
		return
	}

	delay := time.Until(sch.RunAt)
	if delay <= 0 {
		go s.fireDynamic(ctx, sch.ID)
		return
	}
	timer := time.AfterFunc(delay, func() { s.fireDynamic(ctx, sch.ID) })
	s.mu.Lock()
	s.oneShotTimers[sch.ID] = timer
	s.mu.Unlock()
}

func (s *Scheduler) unregisterDynamic(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.dynamicEntries[id]; ok {
		s.cron.Remove(entry)
		delete(s.dynamicEntries, id)
	}
	if t, ok := s.oneShotTimers[id]; ok {
		t.Stop()
		delete(s.oneShotTimers, id)
	}
}

func (s *Scheduler) fireStatic(ctx context.Context, job StaticJob) {
	roots := []string{job.Workflow}
	if job.Workflow == "" {
		roots = s.eng.AllStepNames()
	}
	inv := engine.Invocation{
		Roots:     roots,
		Payload:   mergePayload(job.Inputs, map[string]any{"schedule": map[string]any{"name": job.Name, "static": true}}),
		EventType: "schedule",
	}
	result, err := s.eng.Run(ctx, inv, nil)
	if err != nil {
		log.Printf("Scheduler: static job %q failed: %v", job.Name, err)
		observability.ScheduleFires.WithLabelValues("failed").Inc()
	} else {
		observability.ScheduleFires.WithLabelValues("success").Inc()
	}
	adapter := s.adapters.Resolve(job.Output)
	s.deliverSafely(ctx, adapter, &store.Schedule{ID: "static:" + job.Name, Workflow: job.Workflow}, result, err)
}

// fireDynamic implements spec §4.5's per-schedule firing procedure: HA
// lock acquisition (if enabled), mark-locally-scheduled, execute,
// release, record outcome.
func (s *Scheduler) fireDynamic(ctx context.Context, scheduleID string) {
	if !s.markScheduled(scheduleID) {
		return
	}
	defer s.unmarkScheduled(scheduleID)

	sch, err := s.st.Get(ctx, scheduleID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("Scheduler: load schedule %s failed: %v", scheduleID, err)
		}
		return
	}
	if sch.Status != store.StatusActive {
		return
	}

	if s.cfg.HAEnabled && s.lockMgr != nil {
		lease, ok, lockErr := s.lockMgr.TryAcquire(ctx, scheduleID)
		if lockErr != nil {
			log.Printf("Scheduler: lock acquire error for schedule %s: %v", scheduleID, lockErr)
			observability.ScheduleFires.WithLabelValues("lock_not_acquired").Inc()
			return
		}
		if !ok {
			observability.ScheduleFires.WithLabelValues("lock_not_acquired").Inc()
			return
		}
		defer s.lockMgr.Release(context.Background(), lease)
	}

	result, runErr := s.execute(ctx, sch)
	s.recordOutcome(ctx, sch, result, runErr)
}

func (s *Scheduler) execute(ctx context.Context, sch *store.Schedule) (*engine.GroupedResults, error) {
	roots := []string{sch.Workflow}
	if sch.Workflow == "" {
		roots = s.eng.AllStepNames()
	}
	inv := engine.Invocation{
		Roots:     roots,
		Payload:   mergePayload(sch.Inputs, map[string]any{"schedule": map[string]any{"id": sch.ID, "creator": sch.Creator}}),
		EventType: "schedule",
	}
	return s.eng.Run(ctx, inv, nil)
}

// recordOutcome applies spec §4.5's post-fire bookkeeping: success
// resets FailureCount and either completes+deletes (one-shot) or
// computes NextRunAt (recurring, pausing with LastError if it cannot be
// computed); failure increments FailureCount and fails the schedule
// after 3 consecutive failures.
func (s *Scheduler) recordOutcome(ctx context.Context, sch *store.Schedule, result *engine.GroupedResults, runErr error) {
	success := runErr == nil && (result == nil || result.State == engine.StateCompleted)

	if success {
		observability.ScheduleFires.WithLabelValues("success").Inc()
		sch.LastRunAt = time.Now()
		sch.RunCount++
		sch.FailureCount = 0
		sch.LastError = ""

		if sch.IsOneShot() {
			sch.Status = store.StatusCompleted
			if err := s.st.Update(ctx, sch); err != nil {
				log.Printf("Scheduler: update schedule %s failed: %v", sch.ID, err)
			}
			if err := s.st.Delete(ctx, sch.ID); err != nil {
				log.Printf("Scheduler: delete one-shot schedule %s failed: %v", sch.ID, err)
			}
			s.unregisterDynamic(sch.ID)
		} else {
			sched, err := validateCron(sch.Cron)
			if err != nil {
				sch.Status = store.StatusPaused
				sch.LastError = err.Error()
			} else {
				next, nextErr := nextAfter(sched, time.Now(), sch.Timezone)
				if nextErr != nil {
					sch.Status = store.StatusPaused
					sch.LastError = nextErr.Error()
				} else {
					sch.NextRunAt = next
				}
			}
			if err := s.st.Update(ctx, sch); err != nil {
				log.Printf("Scheduler: update schedule %s failed: %v", sch.ID, err)
			}
		}
	} else {
		observability.ScheduleFires.WithLabelValues("failed").Inc()
		sch.FailureCount++
		if runErr != nil {
			sch.LastError = runErr.Error()
		} else {
			sch.LastError = "invocation did not complete"
		}
		if sch.FailureCount >= 3 {
			sch.Status = store.StatusFailed
			s.unregisterDynamic(sch.ID)
		}
		if err := s.st.Update(ctx, sch); err != nil {
			log.Printf("Scheduler: update schedule %s failed: %v", sch.ID, err)
		}
	}

	adapter := s.adapters.Resolve(adapterTypeFor(sch))
	s.deliverSafely(ctx, adapter, sch, result, runErr)
}

func adapterTypeFor(sch *store.Schedule) string {
	if t, ok := sch.OutputContext["type"].(string); ok {
		return t
	}
	return "none"
}

func (s *Scheduler) deliverSafely(ctx context.Context, adapter OutputAdapter, sch *store.Schedule, result *engine.GroupedResults, runErr error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Scheduler: output adapter panicked for schedule %s: %v", sch.ID, r)
		}
	}()
	adapter.Deliver(ctx, sch, result, runErr)
}

func mergePayload(inputs map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(inputs)+len(extra))
	for k, v := range inputs {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Create persists a new dynamic schedule and, if the scheduler is
// running, registers its firing immediately.
func (s *Scheduler) Create(ctx context.Context, sch *store.Schedule) error {
	if (sch.Cron == "") == sch.RunAt.IsZero() {
		return ErrInvalidSchedule
	}
	if sch.Status == "" {
		sch.Status = store.StatusActive
	}
	if sch.Cron != "" {
		sched, err := validateCron(sch.Cron)
		if err != nil {
			return fmt.Errorf("scheduler: invalid cron: %w", err)
		}
		next, err := nextAfter(sched, time.Now(), sch.Timezone)
		if err != nil {
			return fmt.Errorf("scheduler: invalid timezone: %w", err)
		}
		sch.NextRunAt = next
	} else {
		sch.NextRunAt = sch.RunAt
	}
	if err := s.st.Create(ctx, sch); err != nil {
		return err
	}
	if s.cancel != nil {
		s.registerDynamic(ctx, sch)
	}
	return nil
}

// Cancel removes sch's scheduled firing and deletes it from the Store.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.unregisterDynamic(id)
	return s.st.Delete(ctx, id)
}

// Pause stops sch from firing without deleting it.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	sch, err := s.st.Get(ctx, id)
	if err != nil {
		return err
	}
	sch.Status = store.StatusPaused
	s.unregisterDynamic(id)
	return s.st.Update(ctx, sch)
}

// Resume re-activates a paused schedule and re-registers its firing.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	sch, err := s.st.Get(ctx, id)
	if err != nil {
		return err
	}
	sch.Status = store.StatusActive
	if sch.Cron != "" {
		sched, err := validateCron(sch.Cron)
		if err != nil {
			return fmt.Errorf("scheduler: invalid cron: %w", err)
		}
		next, err := nextAfter(sched, time.Now(), sch.Timezone)
		if err != nil {
			return err
		}
		sch.NextRunAt = next
	}
	if err := s.st.Update(ctx, sch); err != nil {
		return err
	}
	if s.cancel != nil {
		s.registerDynamic(ctx, sch)
	}
	return nil
}
