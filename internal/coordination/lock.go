// Package coordination adapts the teacher's single global-leader
// election loop (control_plane/coordination/leader.go) into a
// per-schedule HA lock identified by a backend-issued token, renewed
// on a heartbeat and released on terminate.
package coordination

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/visorhq/visor/internal/observability"
)

// Locker is the subset of the Schedule Store's HA lock contract this
// package depends on.
type Locker interface {
	TryAcquireLock(ctx context.Context, scheduleID, nodeID string, ttl time.Duration) (token string, ok bool, err error)
	RenewLock(ctx context.Context, scheduleID, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, scheduleID, token string) error
}

// ErrNotAcquired is the sentinel for a lock that could not be obtained.
// TryAcquire reports that case through its ok result, not this error.
var ErrNotAcquired = errors.New("coordination: lock not acquired")

// Lease tracks one held lock's lifecycle so its heartbeat can renew it.
type Lease struct {
	scheduleID string
	token      string
	ttl        time.Duration
	nodeID     string

	mu      sync.Mutex
	held    bool
	cancel  context.CancelFunc
}

// Manager acquires and renews per-schedule HA locks against a Locker
// backend. One Manager is shared by a Scheduler across all the
// schedules it may fire, mirroring how the teacher's single
// LeaderElector is shared across the whole scheduler.
type Manager struct {
	backend Locker
	nodeID  string
	ttl     time.Duration

	mu     sync.Mutex
	leases map[string]*Lease
}

// NewManager constructs a Manager for nodeID with the given lock TTL.
func NewManager(backend Locker, nodeID string, ttl time.Duration) *Manager {
	return &Manager{backend: backend, nodeID: nodeID, ttl: ttl, leases: make(map[string]*Lease)}
}

// TryAcquire attempts to acquire the lock for scheduleID. On success it
// starts a background heartbeat that renews the lock at ttl/2 until
// Release is called or renewal fails (mirroring the teacher's
// LeaderElector.loop renew cadence).
func (m *Manager) TryAcquire(ctx context.Context, scheduleID string) (*Lease, bool, error) {
	token, ok, err := m.backend.TryAcquireLock(ctx, scheduleID, m.nodeID, m.ttl)
	if err != nil || !ok {
		observability.HALockTransitions.WithLabelValues("acquire", "denied").Inc()
		return nil, false, err
	}
	observability.HALockTransitions.WithLabelValues("acquire", "granted").Inc()

	leaseCtx, cancel := context.WithCancel(context.Background())
	lease := &Lease{scheduleID: scheduleID, token: token, ttl: m.ttl, nodeID: m.nodeID, held: true, cancel: cancel}

	m.mu.Lock()
	m.leases[scheduleID] = lease
	m.mu.Unlock()

	go m.heartbeat(leaseCtx, lease)
	return lease, true, nil
}

func (m *Manager) heartbeat(ctx context.Context, lease *Lease) {
	interval := lease.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := m.backend.RenewLock(context.Background(), lease.scheduleID, lease.token, lease.ttl)
			if err != nil || !ok {
				observability.HALockTransitions.WithLabelValues("renew", "failed").Inc()
				log.Printf("coordination: lock renewal failed for schedule %s: %v", lease.scheduleID, err)
				lease.mu.Lock()
				lease.held = false
				lease.mu.Unlock()
				return
			}
			observability.HALockTransitions.WithLabelValues("renew", "ok").Inc()
		}
	}
}

// Held reports whether the lease is still believed to be held (the
// heartbeat has not observed a failed renewal).
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Release stops the heartbeat and releases the lock.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	lease.cancel()
	m.mu.Lock()
	delete(m.leases, lease.scheduleID)
	m.mu.Unlock()
	err := m.backend.ReleaseLock(ctx, lease.scheduleID, lease.token)
	result := "ok"
	if err != nil {
		result = "failed"
	}
	observability.HALockTransitions.WithLabelValues("release", result).Inc()
	return err
}

// ReleaseAll releases every currently held lease, used on shutdown to
// bound the window in which locks remain held by a dead node.
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	leases := make([]*Lease, 0, len(m.leases))
	for _, l := range m.leases {
		leases = append(leases, l)
	}
	m.mu.Unlock()
	for _, l := range leases {
		if err := m.Release(ctx, l); err != nil {
			log.Printf("coordination: release failed for schedule %s: %v", l.scheduleID, err)
		}
	}
}
