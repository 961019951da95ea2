// Package workerpool implements a bounded concurrent executor with a
// strict priority queue, backpressure, per-task timeout, graceful
// shutdown and dynamic resize.
package workerpool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/visorhq/visor/internal/observability"
)

// Task is a user-supplied unit of work. It must respect ctx cancellation
// promptly; the pool races it against TaskTimeout.
type Task func(ctx context.Context) error

// Event names emitted on the pool's Bus-like callback, mirroring spec §4.3.
type Event string

const (
	EventWorkSubmitted Event = "workSubmitted"
	EventWorkCompleted Event = "workCompleted"
	EventWorkFailed    Event = "workFailed"
	EventQueueFull     Event = "queueFull"
	EventIdle          Event = "idle"
	EventShutdown      Event = "shutdown"
	EventResized       Event = "resized"
)

// Listener receives pool lifecycle events. Optional.
type Listener func(evt Event, data any)

// Config configures a Pool. Zero values fall back to sane defaults.
type Config struct {
	// Name labels this pool's metrics series; defaults to "default".
	Name             string
	PoolSize         int
	QueueCapacity    int
	TaskTimeout      time.Duration
	ShutdownTimeout  time.Duration
	GracefulShutdown bool
	Listener         Listener

	// CircuitBreaker, if non-nil, is consulted on Submit as an optional
	// additional admission guard (off by default).
	CircuitBreaker CircuitBreaker

	// DispatchLimiter, if non-nil, paces task dispatch: a worker waits on
	// it immediately before running a popped task. Off by default; useful
	// to smooth bursts into a downstream Provider that has its own
	// per-second budget independent of PoolSize.
	DispatchLimiter *rate.Limiter
}

// CircuitBreaker is the optional admission guard adapted from the
// teacher's scheduler circuit breaker. ShouldAdmit receives current
// queue depth and worker saturation (0..1).
type CircuitBreaker interface {
	ShouldAdmit(queueDepth int, saturation float64) bool
	RecordSuccess()
	RecordFailure()
}

var (
	ErrQueueFull  = errors.New("workerpool: queue full")
	ErrShutdown   = errors.New("workerpool: shutting down")
	ErrCircuitOpen = errors.New("workerpool: circuit open")
)

// Stats snapshot for a single logical worker slot.
type Stats struct {
	Completed int64
	Succeeded int64
	Failed    int64
	LastError error
}

// Snapshot is a read-only view of pool state for dashboards.
type Snapshot struct {
	PoolSize   int
	QueueDepth int
	Busy       int
	Rejected   int64
	Stats      []Stats
}

// Pool is a bounded concurrent executor.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	cond     *sync.Cond
	queue    priorityQueue
	seq      uint64
	size     int
	busy     int
	shutdown bool
	rejected int64
	stats    []Stats

	wg sync.WaitGroup
}

// New constructs a Pool and starts its worker goroutines.
func New(cfg Config) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	p := &Pool{cfg: cfg, size: cfg.PoolSize, stats: make([]Stats, cfg.PoolSize)}
	p.cond = sync.NewCond(&p.mu)
	heap.Init(&p.queue)
	for i := 0; i < cfg.PoolSize; i++ {
		p.spawnWorker(i)
	}
	return p
}

func (p *Pool) emit(evt Event, data any) {
	if p.cfg.Listener != nil {
		p.cfg.Listener(evt, data)
	}
}

// Submit enqueues task with priority. It returns false without error
// when the queue is full or the pool is shutting down (property #1).
func (p *Pool) Submit(task Task, priority int) bool {
	p.mu.Lock()
	if p.shutdown {
		p.rejected++
		p.mu.Unlock()
		observability.WorkerPoolRejections.WithLabelValues(p.cfg.Name, "shutdown").Inc()
		p.emit(EventQueueFull, ErrShutdown)
		return false
	}
	if p.cfg.QueueCapacity > 0 && len(p.queue) >= p.cfg.QueueCapacity {
		p.rejected++
		p.mu.Unlock()
		observability.WorkerPoolRejections.WithLabelValues(p.cfg.Name, "queue_full").Inc()
		p.emit(EventQueueFull, ErrQueueFull)
		return false
	}
	if p.cfg.CircuitBreaker != nil {
		saturation := float64(p.busy) / float64(p.size)
		if !p.cfg.CircuitBreaker.ShouldAdmit(len(p.queue), saturation) {
			p.rejected++
			p.mu.Unlock()
			observability.WorkerPoolRejections.WithLabelValues(p.cfg.Name, "circuit_open").Inc()
			p.emit(EventQueueFull, ErrCircuitOpen)
			return false
		}
	}
	p.seq++
	heap.Push(&p.queue, &item{work: task, priority: priority, seq: p.seq})
	depth := len(p.queue)
	busy := p.busy
	p.mu.Unlock()
	observability.QueueDepth.WithLabelValues(p.cfg.Name).Set(float64(depth))
	observability.WorkerPoolBusy.WithLabelValues(p.cfg.Name).Set(float64(busy))
	p.cond.Signal()
	p.emit(EventWorkSubmitted, priority)
	return true
}

// TotalTasksRejected reports the cumulative rejection count.
func (p *Pool) TotalTasksRejected() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rejected
}

func (p *Pool) spawnWorker(slot int) {
	p.wg.Add(1)
	go p.worker(slot)
}

func (p *Pool) worker(slot int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.shutdown {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.shutdown {
			p.mu.Unlock()
			return
		}
		// Worker slots beyond the current pool size park after resize-down.
		if slot >= p.size {
			p.mu.Unlock()
			return
		}
		it := heap.Pop(&p.queue).(*item)
		p.busy++
		depth, busy := len(p.queue), p.busy
		p.mu.Unlock()
		observability.QueueDepth.WithLabelValues(p.cfg.Name).Set(float64(depth))
		observability.WorkerPoolBusy.WithLabelValues(p.cfg.Name).Set(float64(busy))

		p.run(slot, it.work)

		p.mu.Lock()
		p.busy--
		idle := len(p.queue) == 0 && p.busy == 0
		busy = p.busy
		p.mu.Unlock()
		observability.WorkerPoolBusy.WithLabelValues(p.cfg.Name).Set(float64(busy))
		if idle {
			p.emit(EventIdle, nil)
		}
	}
}

func (p *Pool) run(slot int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.recordFailure(slot, errors.New("workerpool: task panicked"))
			log.Printf("workerpool: task panicked: %v", r)
		}
	}()

	if p.cfg.DispatchLimiter != nil {
		if err := p.cfg.DispatchLimiter.Wait(context.Background()); err != nil {
			p.recordFailure(slot, err)
			return
		}
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if p.cfg.TaskTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("workerpool: task panicked: %v", r)
			}
		}()
		done <- task(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			p.recordFailure(slot, err)
		} else {
			p.recordSuccess(slot)
		}
	case <-ctx.Done():
		p.recordFailure(slot, ctx.Err())
	}
}

func (p *Pool) recordSuccess(slot int) {
	p.mu.Lock()
	if slot < len(p.stats) {
		p.stats[slot].Completed++
		p.stats[slot].Succeeded++
	}
	p.mu.Unlock()
	if p.cfg.CircuitBreaker != nil {
		p.cfg.CircuitBreaker.RecordSuccess()
	}
	p.emit(EventWorkCompleted, nil)
}

func (p *Pool) recordFailure(slot int, err error) {
	p.mu.Lock()
	if slot < len(p.stats) {
		p.stats[slot].Completed++
		p.stats[slot].Failed++
		p.stats[slot].LastError = err
	}
	p.mu.Unlock()
	if p.cfg.CircuitBreaker != nil {
		p.cfg.CircuitBreaker.RecordFailure()
	}
	p.emit(EventWorkFailed, err)
}

// Resize changes the logical pool size. Growing spawns idle workers
// immediately; shrinking lets the excess workers park themselves once
// they finish their current task (bounded by caller via Snapshot polling).
func (p *Pool) Resize(newSize int) {
	if newSize <= 0 {
		newSize = 1
	}
	p.mu.Lock()
	old := p.size
	p.size = newSize
	p.mu.Unlock()

	if newSize > old {
		for i := old; i < newSize; i++ {
			p.stats = append(p.stats, Stats{})
			p.spawnWorker(i)
		}
		p.cond.Broadcast()
	}
	p.emit(EventResized, newSize)
}

// Shutdown stops accepting new work and waits for the workers to exit,
// up to cfg.ShutdownTimeout or until ctx is done. With GracefulShutdown
// the workers still run the queued items before exiting; without it,
// queued-but-not-started items are discarded.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.shutdown = true
	if !p.cfg.GracefulShutdown {
		p.queue = p.queue[:0]
	}
	p.mu.Unlock()
	p.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timeout := p.cfg.ShutdownTimeout
	select {
	case <-done:
	case <-time.After(timeout):
	case <-ctx.Done():
	}
	p.emit(EventShutdown, nil)
}

// Snapshot returns a read-only view of current pool state.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{
		PoolSize:   p.size,
		QueueDepth: len(p.queue),
		Busy:       p.busy,
		Rejected:   p.rejected,
		Stats:      append([]Stats(nil), p.stats...),
	}
	return s
}
