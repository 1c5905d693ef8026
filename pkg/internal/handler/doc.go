// Package handler adapts plain Go functions to core.Executor.
//
// This package is internal and should not be imported directly.
// It provides:
//   - Handler: metadata and execution for a registered job function
//   - Reflection-based payload unmarshaling and invocation
package handler
