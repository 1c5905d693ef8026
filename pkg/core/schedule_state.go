package core

import "time"

// ScheduleState holds the persisted markers for one recurring job definition.
// It is only mutated after a dispatcher cycle completes successfully.
type ScheduleState struct {
	Name      string     `gorm:"primaryKey;size:255"`
	LastRunAt *time.Time `gorm:"index"`
	NextRunAt *time.Time `gorm:"index"`
	// DeferredRuns counts consecutive cycles that stopped at the per-run cap.
	DeferredRuns int       `gorm:"default:0"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}
