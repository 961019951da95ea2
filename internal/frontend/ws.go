package frontend

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/visorhq/visor/internal/bus"
)

const maxWSConnections = 200

// WSFrontend streams engine event envelopes to connected WebSocket
// clients, grounded on control_plane/ws_hub.go's MetricsHub
// register/unregister/broadcast hub, generalized from ticker-driven
// dashboard-metrics polling to direct envelope forwarding off the Event
// Bus (CheckCompleted/StateTransition/CheckScheduled/
// HumanInputRequested/SnapshotSaved, per spec §4.8).
type WSFrontend struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

// NewWSFrontend constructs a WSFrontend. Register its ServeHTTP handler
// against an endpoint path via Context.Webhooks in a Start
// implementation, or directly with an HTTP mux.
func NewWSFrontend() *WSFrontend {
	return &WSFrontend{clients: make(map[*websocket.Conn]bool)}
}

func (w *WSFrontend) Name() string { return "ws" }

func (w *WSFrontend) Start(ctx context.Context, fctx *Context) error {
	for _, typ := range []bus.EventType{
		bus.CheckCompleted, bus.StateTransition, bus.CheckScheduled,
		bus.HumanInputRequested, bus.SnapshotSaved,
	} {
		fctx.Bus.On(typ, w.broadcast(typ))
	}
	fctx.Webhooks["/ws"] = http.HandlerFunc(w.ServeHTTP)
	return nil
}

func (w *WSFrontend) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for conn := range w.clients {
		conn.Close()
	}
	w.clients = make(map[*websocket.Conn]bool)
	return nil
}

func (w *WSFrontend) broadcast(typ bus.EventType) bus.Handler {
	return func(env bus.Envelope) {
		w.mu.RLock()
		defer w.mu.RUnlock()
		for conn := range w.clients {
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("Frontend(ws): write error: %v", err)
				go w.unregister(conn)
			}
		}
	}
}

// ServeHTTP upgrades an inbound request to a WebSocket connection and
// registers it as a broadcast target.
func (w *WSFrontend) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.mu.RLock()
	full := len(w.clients) >= maxWSConnections
	w.mu.RUnlock()
	if full {
		http.Error(rw, "too many websocket connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.Printf("Frontend(ws): upgrade failed: %v", err)
		return
	}
	w.mu.Lock()
	w.clients[conn] = true
	w.mu.Unlock()
}

func (w *WSFrontend) unregister(conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.clients[conn]; ok {
		delete(w.clients, conn)
		conn.Close()
	}
}

// ClientCount returns the number of currently connected clients.
func (w *WSFrontend) ClientCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.clients)
}
