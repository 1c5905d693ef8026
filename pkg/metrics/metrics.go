// Package metrics exposes the Prometheus collectors used across the engine.
//
// Collectors are registered on a caller-supplied registry so several
// engines (or tests) can coexist in one process. Every method is safe to
// call on a nil *Metrics, which is how components run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Enqueue results.
const (
	ResultAccepted  = "accepted"
	ResultDuplicate = "duplicate"
	ResultError     = "error"
)

// Job outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// Dispatch run results.
const (
	RunCompleted = "completed"
	RunSkipped   = "skipped"
	RunFailed    = "failed"
)

// Metrics groups the engine's collectors.
type Metrics struct {
	registry prometheus.Gatherer

	JobsEnqueued      *prometheus.CounterVec
	JobsProcessed     *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	DispatchRuns      *prometheus.CounterVec
	DispatchChildren  *prometheus.CounterVec
	DispatchDeferred  *prometheus.CounterVec
	EntitiesReclaimed *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	EntityOutcomes    *prometheus.CounterVec
	SchedulerEnqueued *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	EntityStatus      *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
// A nil reg uses a fresh prometheus.Registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Enqueue attempts by job type and result.",
		}, []string{"type", "result"}), // result: accepted, duplicate, error

		JobsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Jobs handled by the worker pool by outcome.",
		}, []string{"type", "outcome"}),

		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Duration of job execution.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"type"}),

		DispatchRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_runs_total",
			Help: "Dispatcher cycles by result.",
		}, []string{"dispatcher", "result"}),

		DispatchChildren: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_children_total",
			Help: "Per-entity jobs enqueued by dispatchers.",
		}, []string{"dispatcher", "result"}),

		DispatchDeferred: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_deferred_total",
			Help: "Dispatcher cycles that hit the per-run cap.",
		}, []string{"dispatcher"}),

		EntitiesReclaimed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "entities_reclaimed_total",
			Help: "Entities reset from processing to eligible by the janitor.",
		}, []string{"dispatcher"}),

		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deliveries_total",
			Help: "Side-effect deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),

		EntityOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "entity_outcomes_total",
			Help: "Terminal entity transitions.",
		}, []string{"outcome"}),

		SchedulerEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_triggers_total",
			Help: "Scheduler evaluations that enqueued a run, by reason.",
		}, []string{"schedule", "reason"}),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Ready jobs per type at the last snapshot.",
		}, []string{"type"}),

		EntityStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "entities_by_status",
			Help: "Domain entities per status at the last snapshot.",
		}, []string{"source", "status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Enqueued(jobType, result string) {
	if m == nil {
		return
	}
	m.JobsEnqueued.WithLabelValues(jobType, result).Inc()
}

func (m *Metrics) Processed(jobType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(jobType, outcome).Inc()
	if d > 0 {
		m.JobDuration.WithLabelValues(jobType).Observe(d.Seconds())
	}
}

func (m *Metrics) DispatchRun(dispatcher, result string) {
	if m == nil {
		return
	}
	m.DispatchRuns.WithLabelValues(dispatcher, result).Inc()
}

func (m *Metrics) DispatchChild(dispatcher, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DispatchChildren.WithLabelValues(dispatcher, result).Add(float64(n))
}

func (m *Metrics) Deferred(dispatcher string) {
	if m == nil {
		return
	}
	m.DispatchDeferred.WithLabelValues(dispatcher).Inc()
}

func (m *Metrics) Reclaimed(dispatcher string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.EntitiesReclaimed.WithLabelValues(dispatcher).Add(float64(n))
}

func (m *Metrics) Delivery(channel, outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) EntityOutcome(outcome string) {
	if m == nil {
		return
	}
	m.EntityOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SchedulerTriggered(schedule, reason string) {
	if m == nil {
		return
	}
	m.SchedulerEnqueued.WithLabelValues(schedule, reason).Inc()
}

func (m *Metrics) SetQueueDepth(jobType string, n int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(jobType).Set(float64(n))
}

func (m *Metrics) SetEntityStatus(source, status string, n int64) {
	if m == nil {
		return
	}
	m.EntityStatus.WithLabelValues(source, status).Set(float64(n))
}
