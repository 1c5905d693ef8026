// Package schedule decides when recurring jobs are due and enqueues them.
//
// This package includes:
//   - Schedule interface with Every, Daily, Weekly and Cron implementations
//   - Prev, the most recent trigger at or before a given time
//   - Evaluate, the missed-run detection rule
//   - Scheduler, the periodic check each worker process runs
//
// A recurring definition is due when its persisted next run has been
// reached, when the last recorded run predates the latest trigger (a missed
// run), or when it has never run. Workers racing the same check are
// serialized by a short scheduling claim, and the per-cycle job ID makes a
// second enqueue a duplicate regardless.
package schedule
