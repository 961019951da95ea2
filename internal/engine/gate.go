package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is the cancel-sentinel a Gate raises to unwind the current
// invocation to a Stopped terminal state (spec §4.7.7).
var ErrStopped = errors.New("engine: invocation stopped")

// Gate is consulted between step starts and between forEach items. It
// may block while paused, or return ErrStopped to cancel. Already
// running providers are not interrupted.
type Gate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
	stopped bool
}

// NewGate constructs a running (not paused, not stopped) Gate.
func NewGate() *Gate {
	return &Gate{resume: make(chan struct{})}
}

// Check blocks while paused and returns ErrStopped once Stop has been
// called.
func (g *Gate) Check(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.stopped {
			g.mu.Unlock()
			return ErrStopped
		}
		if !g.paused {
			g.mu.Unlock()
			return nil
		}
		resume := g.resume
		g.mu.Unlock()
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pause puts the gate in the paused state.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
}

// Resume releases any callers blocked in Check.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.resume)
	g.resume = make(chan struct{})
}

// Stop marks the gate stopped; subsequent and in-flight Check calls
// return ErrStopped.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	if g.paused {
		g.paused = false
		close(g.resume)
		g.resume = make(chan struct{})
	}
}
