// Package core provides the fundamental types and interfaces for the jobs package.
//
// This package contains:
//   - The Job envelope and the Executor contract
//   - ScheduleState, the persisted last-run/next-run markers
//   - Storage interfaces for schedule state
//   - Event types for worker monitoring
//   - Error types for job processing
//
// Most users should import the root package github.com/jdziat/coordinated-jobs
// instead of this package directly.
package core
