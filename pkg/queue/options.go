package queue

import (
	"time"

	"github.com/jdziat/coordinated-jobs/pkg/security"
)

// Default values.
var (
	DefaultDedupTTL   = 6 * time.Hour
	DefaultJobRetries = 2
)

// Options holds configuration for a single enqueue.
type Options struct {
	DedupTTL   time.Duration
	MaxRetries int
	Delay      time.Duration
	RunAt      *time.Time
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		DedupTTL:   DefaultDedupTTL,
		MaxRetries: DefaultJobRetries,
	}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// DedupTTL sets how long the job ID suppresses re-enqueues.
// Non-positive values keep the default.
func DedupTTL(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		if d > 0 {
			o.DedupTTL = d
		}
	})
}

// Retries sets the maximum retry count.
// Values are clamped to [0, MaxRetries] (100).
func Retries(n int) Option {
	return optionFunc(func(o *Options) {
		o.MaxRetries = security.ClampRetries(n)
	})
}

// Delay makes the job visible to workers only after d.
func Delay(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Delay = d
	})
}

// At makes the job visible to workers only at t.
func At(t time.Time) Option {
	return optionFunc(func(o *Options) {
		o.RunAt = &t
	})
}
