package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreCreateGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	sch := &Schedule{Creator: "alice", Workflow: "greet", Status: StatusActive}
	if err := s.Create(ctx, sch); err != nil {
		t.Fatalf("create: %v", err)
	}
	if sch.ID == "" {
		t.Fatalf("expected generated ID")
	}

	got, err := s.Get(ctx, sch.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Workflow != "greet" {
		t.Fatalf("expected workflow greet, got %s", got.Workflow)
	}

	got.Status = StatusPaused
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	reGot, _ := s.Get(ctx, sch.ID)
	if reGot.Status != StatusPaused {
		t.Fatalf("expected paused after update, got %s", reGot.Status)
	}

	if err := s.Delete(ctx, sch.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, sch.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStoreGetDue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	due := &Schedule{Workflow: "a", Status: StatusActive, NextRunAt: now.Add(-time.Second)}
	future := &Schedule{Workflow: "b", Status: StatusActive, NextRunAt: now.Add(time.Hour)}
	s.Create(ctx, due)
	s.Create(ctx, future)

	items, err := s.GetDue(ctx, now)
	if err != nil {
		t.Fatalf("getdue: %v", err)
	}
	if len(items) != 1 || items[0].Workflow != "a" {
		t.Fatalf("expected only schedule a due, got %+v", items)
	}
}

func TestMemoryStoreExclusiveLock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	token1, ok1, err := s.TryAcquireLock(ctx, "sched-1", "node-a", time.Minute)
	if err != nil || !ok1 {
		t.Fatalf("expected first acquire to succeed: %v %v", ok1, err)
	}
	_, ok2, err := s.TryAcquireLock(ctx, "sched-1", "node-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok2 {
		t.Fatalf("expected second node to fail acquiring held lock")
	}

	renewed, err := s.RenewLock(ctx, "sched-1", token1, time.Minute)
	if err != nil || !renewed {
		t.Fatalf("expected renew to succeed: %v %v", renewed, err)
	}

	if err := s.ReleaseLock(ctx, "sched-1", token1); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, ok3, err := s.TryAcquireLock(ctx, "sched-1", "node-b", time.Minute)
	if err != nil || !ok3 {
		t.Fatalf("expected acquire after release to succeed: %v %v", ok3, err)
	}
}

func TestMemoryStoreLockExpiresAndIsReapable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	fixed := time.Now()
	s.now = func() time.Time { return fixed }

	s.TryAcquireLock(ctx, "sched-1", "node-a", time.Millisecond)
	s.now = func() time.Time { return fixed.Add(time.Hour) }

	_, ok, err := s.TryAcquireLock(ctx, "sched-1", "node-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed once prior lock expired: %v %v", ok, err)
	}

	s.now = func() time.Time { return fixed.Add(2 * time.Hour) }
	reaped, err := s.Sweep(ctx, 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("expected the expired lock to be reaped, got %d", reaped)
	}
}
