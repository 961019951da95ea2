package workerpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	p := New(Config{PoolSize: 1, QueueCapacity: 1})
	defer p.Shutdown(context.Background())

	started := make(chan struct{})
	ok := p.Submit(func(ctx context.Context) error { close(started); <-block; return nil }, 0)
	if !ok {
		t.Fatalf("expected first submit (goes to worker) to succeed")
	}
	<-started
	ok = p.Submit(func(ctx context.Context) error { return nil }, 0)
	if !ok {
		t.Fatalf("expected second submit (fills queue) to succeed")
	}
	ok = p.Submit(func(ctx context.Context) error { return nil }, 0)
	if ok {
		t.Fatalf("expected third submit to be rejected, queue full")
	}
	if got := p.TotalTasksRejected(); got != 1 {
		t.Fatalf("expected 1 rejection, got %d", got)
	}
	close(block)
}

func TestSubmitRejectsAfterShutdown(t *testing.T) {
	p := New(Config{PoolSize: 1})
	p.Shutdown(context.Background())
	if p.Submit(func(ctx context.Context) error { return nil }, 0) {
		t.Fatalf("expected submit after shutdown to be rejected")
	}
	if got := p.TotalTasksRejected(); got != 1 {
		t.Fatalf("expected 1 rejection, got %d", got)
	}
}

func TestStrictPriorityOrdering(t *testing.T) {
	p := New(Config{PoolSize: 1})
	defer p.Shutdown(context.Background())

	primerStarted := make(chan struct{})
	releasePrimer := make(chan struct{})
	p.Submit(func(ctx context.Context) error {
		close(primerStarted)
		<-releasePrimer
		return nil
	}, 0)
	<-primerStarted

	var mu sync.Mutex
	var completion []string
	record := func(name string) Task {
		return func(ctx context.Context) error {
			mu.Lock()
			completion = append(completion, name)
			mu.Unlock()
			return nil
		}
	}

	p.Submit(record("A"), 0)
	p.Submit(record("B"), 10)
	p.Submit(record("C"), 5)

	close(releasePrimer)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(completion)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for completions, got %v", completion)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"B", "C", "A"}
	for i := range want {
		if completion[i] != want[i] {
			t.Fatalf("expected completion order %v, got %v", want, completion)
		}
	}
}

func TestConcurrencyCapRespected(t *testing.T) {
	const poolSize = 3
	p := New(Config{PoolSize: poolSize, QueueCapacity: 100})
	defer p.Shutdown(context.Background())

	var mu sync.Mutex
	busy, maxBusy := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.Submit(func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			busy++
			if busy > maxBusy {
				maxBusy = busy
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			busy--
			mu.Unlock()
			return nil
		}, 0)
	}
	wg.Wait()

	if maxBusy > poolSize {
		t.Fatalf("expected max busy <= %d, got %d", poolSize, maxBusy)
	}
}

func TestTaskTimeoutRecordedAsFailure(t *testing.T) {
	var events []Event
	var mu sync.Mutex
	p := New(Config{
		PoolSize:    1,
		TaskTimeout: 20 * time.Millisecond,
		Listener: func(evt Event, data any) {
			mu.Lock()
			events = append(events, evt)
			mu.Unlock()
		},
	})
	defer p.Shutdown(context.Background())

	done := make(chan struct{})
	p.Submit(func(ctx context.Context) error {
		defer close(done)
		<-ctx.Done()
		return ctx.Err()
	}, 0)
	<-done

	time.Sleep(20 * time.Millisecond)
	snap := p.Snapshot()
	if snap.Stats[0].Failed != 1 {
		t.Fatalf("expected 1 failure recorded, got %+v", snap.Stats[0])
	}
}

func TestDispatchLimiterPacesExecution(t *testing.T) {
	limiter := rate.NewLimiter(rate.Limit(20), 1) // ~1 per 50ms, burst 1
	p := New(Config{PoolSize: 2, DispatchLimiter: limiter})
	defer p.Shutdown(context.Background())

	const n = 3
	var mu sync.Mutex
	var timestamps []time.Time
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		p.Submit(func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			timestamps = append(timestamps, time.Now())
			mu.Unlock()
			return nil
		}, 0)
	}
	wg.Wait()

	if len(timestamps) != n {
		t.Fatalf("expected %d completions, got %d", n, len(timestamps))
	}
	span := timestamps[len(timestamps)-1].Sub(timestamps[0])
	if span < 40*time.Millisecond {
		t.Fatalf("expected DispatchLimiter to pace %d tasks over at least ~40ms, spanned %v", n, span)
	}
}
