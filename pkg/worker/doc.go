// Package worker provides the Worker type for job processing.
//
// This package includes:
//   - Worker: polls the shared queue and runs registered executors
//   - WorkerOption: configuration options for workers
//   - Retry handling: failed jobs are requeued with backoff until their
//     retry budget is spent
//   - An optional embedded scheduler for recurring jobs
//
// Any number of worker processes can poll the same queue; there is no
// coordinator. Delivery is at-least-once, so executors must be idempotent.
//
// Most users should import the root package github.com/jdziat/coordinated-jobs
// which re-exports NewWorker and the worker options.
package worker
