package core

import (
	"errors"
	"fmt"
	"time"
)

// Validation and lookup errors
var (
	ErrInvalidJobType   = errors.New("jobs: invalid job type (must be alphanumeric, start with letter)")
	ErrJobTypeTooLong   = errors.New("jobs: job type too long")
	ErrInvalidJobID     = errors.New("jobs: invalid job id")
	ErrJobIDTooLong     = errors.New("jobs: job id exceeds maximum length")
	ErrPayloadTooLarge  = errors.New("jobs: job payload exceeds size limit")
	ErrUnknownJobType   = errors.New("jobs: no executor registered for job type")
	ErrMalformedPayload = errors.New("jobs: malformed job payload")
	ErrNotFound         = errors.New("jobs: not found")
)

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// IsNoRetry reports whether err carries a NoRetryError.
func IsNoRetry(err error) bool {
	var nr *NoRetryError
	return errors.As(err, &nr)
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}
