package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/coordinated-jobs/pkg/backoff"
	"github.com/jdziat/coordinated-jobs/pkg/core"
	"github.com/jdziat/coordinated-jobs/pkg/dispatch"
	"github.com/jdziat/coordinated-jobs/pkg/jobctx"
	"github.com/jdziat/coordinated-jobs/pkg/metrics"
	"github.com/jdziat/coordinated-jobs/pkg/security"
)

// Delivery outcomes.
const (
	DeliveryDelivered = "delivered"
	DeliveryError     = "error"
)

// Source exposes the store to a dispatcher: Reclaim resets notices stuck in
// sending for longer than the stale timeout, Eligible lists drain_required
// notices.
type Source struct {
	store        *GormStore
	staleTimeout time.Duration
}

// NewSource creates a Source.
func NewSource(store *GormStore, staleTimeout time.Duration) *Source {
	return &Source{store: store, staleTimeout: staleTimeout}
}

func (s *Source) Reclaim(ctx context.Context) (int64, error) {
	return s.store.ResetStale(ctx, StatusSending, s.staleTimeout)
}

func (s *Source) Eligible(ctx context.Context, after string, limit int) ([]*Notice, error) {
	return s.store.EnumerateEligible(ctx, after, limit)
}

var _ dispatch.Source[*Notice] = (*Source)(nil)

// Notifier is the executor of notify jobs. It re-reads the notice, claims it
// with a guarded drain_required -> sending transition, and delivers it on
// every channel.
type Notifier struct {
	store   *GormStore
	sender  Sender
	policy  backoff.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewNotifier creates a Notifier that retries each channel per policy.
func NewNotifier(store *GormStore, sender Sender, policy backoff.Policy, opts ...Option) *Notifier {
	o := newOptions(opts)
	return &Notifier{
		store:   store,
		sender:  sender,
		policy:  policy,
		logger:  o.logger,
		metrics: o.metrics,
		now:     o.now,
	}
}

// Execute handles one notify job. Stale or duplicate jobs are no-ops, so
// the same child may run any number of times.
func (n *Notifier) Execute(ctx context.Context, job *core.Job) error {
	var p dispatch.ChildPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	log := jobctx.Logger(ctx, n.logger).With("notice_id", p.EntityID)

	notice, err := n.store.Get(ctx, p.EntityID)
	if errors.Is(err, core.ErrNotFound) {
		log.Info("notice no longer exists, nothing to do")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load notice %s: %w", p.EntityID, err)
	}
	if notice.Status != StatusDrainRequired {
		log.Info("notice not awaiting delivery, nothing to do", "status", notice.Status)
		return nil
	}

	if notice.DrainBy != nil && !n.now().Before(*notice.DrainBy) {
		return n.skip(ctx, log, notice)
	}

	claimed, err := n.store.ConditionalUpdateStatus(ctx, notice.ID, StatusDrainRequired, StatusSending)
	if err != nil {
		return fmt.Errorf("claim notice %s: %w", notice.ID, err)
	}
	if !claimed {
		log.Info("notice claimed by another worker")
		return nil
	}

	for _, ch := range notice.Channels {
		if err := n.deliver(ctx, log, notice, ch); err != nil {
			if ctx.Err() != nil {
				return n.release(ctx, log, notice, err)
			}
			return n.fail(ctx, log, notice, ch, err)
		}
	}

	done, err := n.store.ConditionalUpdateStatus(ctx, notice.ID, StatusSending, StatusNotified)
	if err != nil {
		// Left in sending; the stale reclaim makes it eligible again.
		return core.NoRetry(fmt.Errorf("mark notice %s notified: %w", notice.ID, err))
	}
	if !done {
		log.Warn("notice left sending before delivery finished; it was reclaimed as stale")
		return nil
	}

	n.metrics.EntityOutcome(string(StatusNotified))
	log.Info("drain notice sent", "node", notice.Node, "channels", notice.Channels)
	return nil
}

func (n *Notifier) deliver(ctx context.Context, log *slog.Logger, notice *Notice, ch Channel) error {
	attempts := 0
	err := backoff.Retry(ctx, n.policy, func(attempt int) error {
		attempts = attempt
		err := n.sender.Deliver(ctx, notice, ch)
		if err != nil {
			n.metrics.Delivery(string(ch), DeliveryError)
			log.Warn("delivery attempt failed", "channel", ch, "delivery_attempt", attempt,
				"error", security.SanitizeErrorMessage(err.Error()))
			return err
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted, not failed; release hands the notice back untouched.
			return err
		}
		recErr := n.store.RecordFailure(context.WithoutCancel(ctx), notice.ID, attempts,
			security.SanitizeErrorMessage(err.Error()))
		if recErr != nil {
			log.Error("failed to record delivery failure", "error", recErr)
		}
		return err
	}
	n.metrics.Delivery(string(ch), DeliveryDelivered)
	return nil
}

func (n *Notifier) skip(ctx context.Context, log *slog.Logger, notice *Notice) error {
	ok, err := n.store.ConditionalUpdateStatus(ctx, notice.ID, StatusDrainRequired, StatusSkipped)
	if err != nil {
		return fmt.Errorf("skip notice %s: %w", notice.ID, err)
	}
	if ok {
		n.metrics.EntityOutcome(string(StatusSkipped))
		log.Info("drain deadline passed, notice skipped", "drain_by", notice.DrainBy)
	}
	return nil
}

func (n *Notifier) fail(ctx context.Context, log *slog.Logger, notice *Notice, ch Channel, cause error) error {
	msg := security.SanitizeErrorMessage(cause.Error())
	marked, err := n.store.ConditionalUpdateStatus(ctx, notice.ID, StatusSending, StatusFailed)
	switch {
	case err != nil:
		log.Error("failed to mark notice failed", "error", err)
	case !marked:
		log.Warn("notice left sending before it could be marked failed; it was reclaimed as stale")
	default:
		n.metrics.EntityOutcome(string(StatusFailed))
	}
	log.Error("drain notice delivery failed", "channel", ch, "error", msg)
	return core.NoRetry(fmt.Errorf("deliver notice %s via %s: %w", notice.ID, ch, cause))
}

// release hands an interrupted notice back to drain_required so the
// requeued job can claim it again.
func (n *Notifier) release(ctx context.Context, log *slog.Logger, notice *Notice, cause error) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := n.store.ConditionalUpdateStatus(rctx, notice.ID, StatusSending, StatusDrainRequired); err != nil {
		log.Error("failed to release interrupted notice", "error", err)
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	return fmt.Errorf("delivery interrupted: %w", ctx.Err())
}
