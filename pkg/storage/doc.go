// Package storage persists schedule state in a SQL database through GORM.
//
// This package includes:
//   - GormStorage: implements core.ScheduleStore
//   - Open: selects the sqlite or postgres dialector from a driver name
//   - Connection pool configuration
//
// Recurring job markers live here rather than in the coordination store
// because they must survive a flush of the shared cache.
package storage
