package core

import (
	"context"
	"time"
)

// Starter is the interface for long-running components.
type Starter interface {
	Start(ctx context.Context) error
}

// ScheduleStore persists ScheduleState for recurring jobs.
type ScheduleStore interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// GetScheduleState returns the state for name, or nil if the job never ran.
	GetScheduleState(ctx context.Context, name string) (*ScheduleState, error)

	// SaveScheduleRun records a successful run at lastRun and the next trigger.
	// deferred reports whether the run stopped at its per-run cap.
	SaveScheduleRun(ctx context.Context, name string, lastRun, nextRun time.Time, deferred bool) (*ScheduleState, error)
}
