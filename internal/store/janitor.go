package store

import (
	"context"
	"log"
	"time"
)

// Janitor periodically sweeps a backend's expired HA locks, grounded on
// the teacher's coordination.LockJanitor.
type Janitor struct {
	backend  HALocker
	interval time.Duration
	grace    time.Duration
}

// NewJanitor constructs a Janitor that sweeps backend every interval,
// reaping locks expired for longer than grace.
func NewJanitor(backend HALocker, interval, grace time.Duration) *Janitor {
	return &Janitor{backend: backend, interval: interval, grace: grace}
}

// Run sweeps on a ticker until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.backend.Sweep(ctx, j.grace)
			if err != nil {
				log.Printf("Janitor: sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("Janitor: reaped %d expired lock(s)", n)
			}
		}
	}
}
