package bus

import (
	"sync"
	"testing"
)

func TestEmitRegistrationOrder(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		b.On(CheckCompleted, func(Envelope) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	b.Emit(CheckCompleted, "payload")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("expected 5 handlers invoked, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("handler order mismatch at %d: got %d", i, v)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	sub := b.On(CheckStarted, func(Envelope) { calls++ })
	b.Emit(CheckStarted, nil)
	sub.Unsubscribe()
	b.Emit(CheckStarted, nil)

	if calls != 1 {
		t.Fatalf("expected 1 call after unsubscribe, got %d", calls)
	}
}

func TestHandlerPanicDoesNotBlockLaterHandlers(t *testing.T) {
	b := New()
	b.On(CheckErrored, func(Envelope) { panic("boom") })
	called := false
	b.On(CheckErrored, func(Envelope) { called = true })

	b.Emit(CheckErrored, nil)

	if !called {
		t.Fatalf("expected second handler to run despite first panicking")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	sub := b.On(SnapshotSaved, func(Envelope) {})
	sub.Unsubscribe()
	sub.Unsubscribe()
}

func TestSeqMonotonic(t *testing.T) {
	b := New()
	var seqs []uint64
	b.On(StateTransition, func(e Envelope) { seqs = append(seqs, e.Seq) })
	b.Emit(StateTransition, nil)
	b.Emit(StateTransition, nil)
	if len(seqs) != 2 || seqs[0] >= seqs[1] {
		t.Fatalf("expected monotonically increasing seq, got %v", seqs)
	}
}
