// Package security provides validation, sanitization, and limits for the jobs package.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/coordinated-jobs/pkg/core"
)

// Limits enforced on everything that crosses the shared store.
const (
	// MaxJobTypeLength is the maximum length for job types
	MaxJobTypeLength = 255

	// MaxJobIDLength bounds job IDs, which double as store keys
	MaxJobIDLength = 512

	// MaxPayloadSize is the maximum size in bytes for a job payload (1MB)
	MaxPayloadSize = 1 << 20

	// MaxRetries is the hard limit for retry attempts
	MaxRetries = 100

	// MaxConcurrency is the hard limit for worker concurrency
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096
)

// validJobType matches alphanumeric, hyphens, underscores, and dots
var validJobType = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateJobType validates a job type.
func ValidateJobType(t core.JobType) error {
	if t == "" {
		return core.ErrInvalidJobType
	}
	if len(t) > MaxJobTypeLength {
		return core.ErrJobTypeTooLong
	}
	if !validJobType.MatchString(string(t)) {
		return core.ErrInvalidJobType
	}
	return nil
}

// ValidateJobID validates a caller-chosen job ID.
// IDs are used verbatim inside store keys, so whitespace and control
// characters are rejected.
func ValidateJobID(id string) error {
	if id == "" {
		return core.ErrInvalidJobID
	}
	if len(id) > MaxJobIDLength {
		return core.ErrJobIDTooLong
	}
	for _, r := range id {
		if r <= ' ' || r == 127 {
			return core.ErrInvalidJobID
		}
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
