// Package jobctx provides access to the running job from inside an executor.
package jobctx

import (
	"context"
	"log/slog"

	"github.com/jdziat/coordinated-jobs/pkg/core"
)

type jobKey struct{}

// WithJob returns a context carrying job. The worker pool calls this before
// handing the context to an executor.
func WithJob(ctx context.Context, job *core.Job) context.Context {
	return context.WithValue(ctx, jobKey{}, job)
}

// JobFromContext returns the current Job from context, or nil if not in a job handler.
func JobFromContext(ctx context.Context) *core.Job {
	job, _ := ctx.Value(jobKey{}).(*core.Job)
	return job
}

// JobIDFromContext returns the current job ID from context, or empty string if not in a job handler.
func JobIDFromContext(ctx context.Context) string {
	job := JobFromContext(ctx)
	if job == nil {
		return ""
	}
	return job.ID
}

// Logger returns base annotated with the job_id, job_type and attempt of the
// current job. Outside a job it returns base unchanged; a nil base means
// slog.Default().
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	job := JobFromContext(ctx)
	if job == nil {
		return base
	}
	return base.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempt)
}
