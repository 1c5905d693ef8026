package drain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/coordinated-jobs/pkg/core"
)

// ErrInvalidNotice is returned by Create for a notice without ID, node or
// recipient.
var ErrInvalidNotice = errors.New("jobs: invalid drain notice")

// StoreOption configures a GormStore.
type StoreOption func(*GormStore)

// WithStoreClock sets the time source used for status timestamps.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *GormStore) { s.now = now }
}

// GormStore is the domain store for drain notices. Every status change is a
// conditional update on the expected current status, so concurrent workers
// never both move the same notice.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore creates a store on db.
func NewGormStore(db *gorm.DB, opts ...StoreOption) *GormStore {
	s := &GormStore{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate creates the notices table.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Notice{})
}

// Create inserts a notice. Status defaults to drain_required and Channels
// to email.
func (s *GormStore) Create(ctx context.Context, n *Notice) error {
	if n.ID == "" || n.Node == "" || n.Recipient == "" {
		return fmt.Errorf("%w: id, node and recipient are required", ErrInvalidNotice)
	}
	if n.Status == "" {
		n.Status = StatusDrainRequired
	}
	if len(n.Channels) == 0 {
		n.Channels = []Channel{ChannelEmail}
	}
	if n.StatusChangedAt.IsZero() {
		n.StatusChangedAt = s.now().UTC()
	}
	return s.db.WithContext(ctx).Create(n).Error
}

// Get returns the notice with the given ID. A missing notice is reported as
// core.ErrNotFound.
func (s *GormStore) Get(ctx context.Context, id string) (*Notice, error) {
	var n Notice
	err := s.db.WithContext(ctx).First(&n, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: notice %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// EnumerateEligible returns up to limit notices awaiting delivery with an ID
// after the given one, ordered by ID. An empty after starts at the first.
func (s *GormStore) EnumerateEligible(ctx context.Context, after string, limit int) ([]*Notice, error) {
	var notices []*Notice
	err := s.db.WithContext(ctx).
		Where("status = ? AND id > ?", StatusDrainRequired, after).
		Order("id ASC").
		Limit(limit).
		Find(&notices).Error
	return notices, err
}

// ConditionalUpdateStatus moves a notice from expected to next and reports
// whether it did. It returns false when the notice is missing or no longer
// in expected.
func (s *GormStore) ConditionalUpdateStatus(ctx context.Context, id string, expected, next Status) (bool, error) {
	now := s.now().UTC()
	updates := map[string]any{
		"status":            next,
		"status_changed_at": now,
	}
	if next == StatusNotified {
		updates["notified_at"] = now
	}

	result := s.db.WithContext(ctx).
		Model(&Notice{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ResetStale moves notices that have been in status for longer than
// olderThan back to drain_required and returns how many moved.
func (s *GormStore) ResetStale(ctx context.Context, status Status, olderThan time.Duration) (int64, error) {
	now := s.now().UTC()
	result := s.db.WithContext(ctx).
		Model(&Notice{}).
		Where("status = ?", status).
		Where("status_changed_at < ?", now.Add(-olderThan)).
		Updates(map[string]any{
			"status":            StatusDrainRequired,
			"status_changed_at": now,
		})
	return result.RowsAffected, result.Error
}

// RecordFailure counts a failed delivery attempt and keeps its message.
func (s *GormStore) RecordFailure(ctx context.Context, id string, attempts int, msg string) error {
	return s.db.WithContext(ctx).
		Model(&Notice{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + ?", attempts),
			"last_error": msg,
		}).Error
}

// CountByStatus returns the number of notices in each status.
func (s *GormStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	var rows []struct {
		Status Status
		Count  int64
	}
	err := s.db.WithContext(ctx).
		Model(&Notice{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[Status]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
