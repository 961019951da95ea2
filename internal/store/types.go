package store

import "time"

// Status is a Schedule's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// Schedule is a durable trigger: either a recurring cron expression or a
// one-shot RunAt, never both mutable at once.
type Schedule struct {
	ID            string
	Creator       string
	Timezone      string
	Cron          string // recurring, mutually exclusive with RunAt
	RunAt         time.Time
	Workflow      string
	Inputs        map[string]any
	OutputContext map[string]any
	RunCount      int
	FailureCount  int
	Status        Status
	LastError     string
	LastRunAt     time.Time
	NextRunAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsOneShot reports whether the schedule fires exactly once at RunAt.
func (s *Schedule) IsOneShot() bool {
	return s.Cron == "" && !s.RunAt.IsZero()
}
