package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type lockEntry struct {
	token      string
	holderNode string
	expiresAt  time.Time
}

// MemoryStore is an in-process Store, grounded on the teacher's
// MemoryStore copy-on-read pattern to avoid aliasing shared schedules.
type MemoryStore struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	locks     map[string]*lockEntry
	now       func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules: make(map[string]*Schedule),
		locks:     make(map[string]*lockEntry),
		now:       time.Now,
	}
}

func clone(s *Schedule) *Schedule {
	cp := *s
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := m.now()
	s.CreatedAt, s.UpdatedAt = now, now
	m.schedules[s.ID] = clone(s)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) GetAll(_ context.Context) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, clone(s))
	}
	return out, nil
}

func (m *MemoryStore) GetActive(ctx context.Context) ([]*Schedule, error) {
	all, _ := m.GetAll(ctx)
	out := all[:0]
	for _, s := range all {
		if s.Status == StatusActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetDue(ctx context.Context, now time.Time) ([]*Schedule, error) {
	all, _ := m.GetActive(ctx)
	out := all[:0]
	for _, s := range all {
		if !s.NextRunAt.IsZero() && !s.NextRunAt.After(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return ErrNotFound
	}
	s.UpdatedAt = m.now()
	m.schedules[s.ID] = clone(s)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *MemoryStore) Flush(context.Context) error { return nil }

func (m *MemoryStore) TryAcquireLock(_ context.Context, scheduleID, nodeID string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.locks[scheduleID]; ok && l.expiresAt.After(now) {
		return "", false, nil
	}
	token := uuid.New().String()
	m.locks[scheduleID] = &lockEntry{token: token, holderNode: nodeID, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (m *MemoryStore) RenewLock(_ context.Context, scheduleID, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[scheduleID]
	if !ok || l.token != token {
		return false, nil
	}
	l.expiresAt = m.now().Add(ttl)
	return true, nil
}

func (m *MemoryStore) ReleaseLock(_ context.Context, scheduleID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[scheduleID]
	if !ok {
		return nil
	}
	if l.token != token {
		return ErrLockNotHeld
	}
	delete(m.locks, scheduleID)
	return nil
}

func (m *MemoryStore) Sweep(_ context.Context, grace time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	reaped := 0
	for id, l := range m.locks {
		if now.After(l.expiresAt.Add(grace)) {
			delete(m.locks, id)
			reaped++
		}
	}
	return reaped, nil
}
