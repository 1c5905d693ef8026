package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/coordinated-jobs/pkg/core"
)

// GormStorage implements core.ScheduleStore using GORM.
type GormStorage struct {
	db *gorm.DB
}

var _ core.ScheduleStore = (*GormStorage)(nil)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying database handle.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.ScheduleState{})
}

// GetScheduleState returns the persisted state for name, or nil if the
// definition has never completed a run.
func (s *GormStorage) GetScheduleState(ctx context.Context, name string) (*core.ScheduleState, error) {
	var state core.ScheduleState
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveScheduleRun upserts the markers for name. The deferred-run counter is
// incremented when deferred is set and reset otherwise.
func (s *GormStorage) SaveScheduleRun(ctx context.Context, name string, lastRun, nextRun time.Time, deferred bool) (*core.ScheduleState, error) {
	lastRun, nextRun = lastRun.UTC(), nextRun.UTC()
	var saved core.ScheduleState

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state := core.ScheduleState{
			Name:      name,
			LastRunAt: &lastRun,
			NextRunAt: &nextRun,
			UpdatedAt: time.Now().UTC(),
		}
		if deferred {
			state.DeferredRuns = 1
		}

		update := map[string]any{
			"last_run_at": lastRun,
			"next_run_at": nextRun,
			"updated_at":  state.UpdatedAt,
		}
		if deferred {
			update["deferred_runs"] = gorm.Expr("schedule_states.deferred_runs + 1")
		} else {
			update["deferred_runs"] = 0
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.Assignments(update),
		}).Create(&state)
		if res.Error != nil {
			return res.Error
		}
		return tx.Where("name = ?", name).First(&saved).Error
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: save schedule run %s: %w", name, err)
	}
	return &saved, nil
}

// DeleteScheduleState removes the markers for name so it is treated as a
// first run again.
func (s *GormStorage) DeleteScheduleState(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Where("name = ?", name).Delete(&core.ScheduleState{}).Error
}
