// Package security provides validation, sanitization, and limits for the jobs package.
//
// This package includes:
//   - Input validation for job types and job IDs
//   - Error message sanitization before it is stored on an entity
//   - Clamping functions to enforce safe limits on retries and concurrency
//
// Most users should import the root package github.com/jdziat/coordinated-jobs
// which re-exports these functions.
package security
