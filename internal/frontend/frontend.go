// Package frontend implements the Frontend Host: it binds inbound
// triggers (chat, webhook, scheduler) to engine invocations and
// translates engine events into outbound side effects, grounded on the
// teacher's control_plane/ws_hub.go MetricsHub register/unregister/
// broadcast hub, generalized from a single dashboard-metrics hub into a
// host managing arbitrary named Frontends.
package frontend

import (
	"context"
	"net/http"
	"sync"

	"github.com/visorhq/visor/internal/bus"
	"github.com/visorhq/visor/internal/engine"
)

// Invoker is the subset of engine.Engine a Frontend needs to turn an
// inbound trigger into a run.
type Invoker interface {
	Run(ctx context.Context, inv engine.Invocation, gate *engine.Gate) (*engine.GroupedResults, error)
}

// EventSource is the subscription surface a Frontend sees. It is backed
// by a per-Frontend tracking wrapper so the Host can unsubscribe
// everything a Frontend registered once that Frontend is stopped.
type EventSource interface {
	On(typ bus.EventType, handler bus.Handler) bus.Subscription
}

// Context is what a Frontend receives on Start: the Event Bus
// (sub-only, via EventSource), loaded config, run identity, injected
// clients, and a webhook data map keyed by endpoint path. A fresh
// Context is built per Start call so a Frontend can never retain a
// handle into a previous run's subscriptions.
type Context struct {
	Bus      EventSource
	Engine   Invoker
	Config   *engine.Config
	RunID    string
	Clients  map[string]any
	Webhooks map[string]http.Handler
}

// Frontend binds inbound triggers to invocations and/or posts outbound
// side effects in reaction to engine events (spec §4.8).
type Frontend interface {
	Name() string
	Start(ctx context.Context, fctx *Context) error
	Stop(ctx context.Context) error
}

// trackingSource wraps a *bus.Bus so the Host can record every
// Subscription a Frontend takes out during Start and revoke all of them
// in one shot on Stop.
type trackingSource struct {
	bus  *bus.Bus
	mu   *sync.Mutex
	subs *[]bus.Subscription
}

func (t trackingSource) On(typ bus.EventType, handler bus.Handler) bus.Subscription {
	sub := t.bus.On(typ, handler)
	t.mu.Lock()
	*t.subs = append(*t.subs, sub)
	t.mu.Unlock()
	return sub
}

// Host owns the lifecycle of a set of registered Frontends. It
// guarantees that once Stop returns, no registered Frontend can still
// observe bus events from the run it was started against: every
// subscription taken out during Start is unsubscribed before Stop
// returns.
type Host struct {
	mu        sync.Mutex
	frontends []Frontend
	subs      map[string]*[]bus.Subscription
	started   map[string]bool
}

// NewHost constructs an empty Host.
func NewHost() *Host {
	return &Host{subs: make(map[string]*[]bus.Subscription), started: make(map[string]bool)}
}

// Register adds f to the set of Frontends the Host manages. Register
// must be called before Start.
func (h *Host) Register(f Frontend) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frontends = append(h.frontends, f)
}

// Start starts every registered Frontend against a fresh per-run
// Context wrapping b. If any Frontend fails to start, the ones already
// started are stopped (and unsubscribed) before the error is returned.
func (h *Host) Start(ctx context.Context, b *bus.Bus, eng Invoker, cfg *engine.Config, runID string, clients map[string]any) error {
	h.mu.Lock()
	frontends := append([]Frontend(nil), h.frontends...)
	h.mu.Unlock()

	started := make([]Frontend, 0, len(frontends))
	for _, f := range frontends {
		subs := &[]bus.Subscription{}
		h.mu.Lock()
		h.subs[f.Name()] = subs
		h.mu.Unlock()

		fctx := &Context{
			Bus:      trackingSource{bus: b, mu: &h.mu, subs: subs},
			Engine:   eng,
			Config:   cfg,
			RunID:    runID,
			Clients:  clients,
			Webhooks: make(map[string]http.Handler),
		}
		if err := f.Start(ctx, fctx); err != nil {
			for _, s := range started {
				h.stopOne(ctx, s)
			}
			return err
		}
		h.mu.Lock()
		h.started[f.Name()] = true
		h.mu.Unlock()
		started = append(started, f)
	}
	return nil
}

// Stop stops every registered Frontend and revokes any bus
// subscriptions recorded for it, so a subsequent Start's Frontends never
// observe envelopes belonging to this run.
func (h *Host) Stop(ctx context.Context) {
	h.mu.Lock()
	frontends := append([]Frontend(nil), h.frontends...)
	h.mu.Unlock()

	for _, f := range frontends {
		h.stopOne(ctx, f)
	}
}

func (h *Host) stopOne(ctx context.Context, f Frontend) {
	h.mu.Lock()
	started := h.started[f.Name()]
	h.mu.Unlock()
	if !started {
		return
	}
	_ = f.Stop(ctx)
	h.mu.Lock()
	if subs, ok := h.subs[f.Name()]; ok {
		for _, s := range *subs {
			s.Unsubscribe()
		}
	}
	delete(h.subs, f.Name())
	delete(h.started, f.Name())
	h.mu.Unlock()
}
