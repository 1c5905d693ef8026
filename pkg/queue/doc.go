// Package queue provides the shared job queue and its deduplication discipline.
//
// This package includes:
//   - Queue: enqueue with dedup markers, dequeue, requeue for retries
//   - Option: per-enqueue configuration (dedup TTL, retries, delay)
//   - The executor registry consulted by workers
//   - Event subscription for monitoring
//
// A job's ID is its deduplication key. Enqueue sets a marker under that key
// with an atomic set-if-absent; only the caller that wins the marker pushes
// the job, so concurrent producers of the same logical work enqueue it once.
// Retries go through Requeue, which bypasses the marker.
//
// Most users should import the root package github.com/jdziat/coordinated-jobs
// which re-exports Queue and all option functions.
package queue
