package schedule

import (
	"time"

	"github.com/jdziat/coordinated-jobs/pkg/core"
)

// Reason explains an evaluation result.
type Reason string

const (
	ReasonNextRunReached Reason = "next_run_reached"
	ReasonMissed         Reason = "missed"
	ReasonFirstRun       Reason = "first_run"
	ReasonNotDue         Reason = "not_due"
)

// CycleLayout formats cycle identifiers. Cycle IDs are UTC and sort
// lexically in time order.
const CycleLayout = "20060102T150405Z"

// CycleID formats t as a cycle identifier.
func CycleID(t time.Time) string {
	return t.UTC().Format(CycleLayout)
}

// ParseCycleID is the inverse of CycleID.
func ParseCycleID(id string) (time.Time, error) {
	return time.ParseInLocation(CycleLayout, id, time.UTC)
}

// Decision is the result of Evaluate. PrevScheduled is the latest trigger
// at or before the evaluation time. Cycle identifies the run to enqueue: the
// latest trigger, or the evaluation time when the schedule has none yet.
type Decision struct {
	Due           bool
	Reason        Reason
	PrevScheduled time.Time
	Cycle         time.Time
}

// Evaluate applies the missed-run rule to the persisted state of one
// recurring definition. A nil state means it has never run.
//
// The rule, in order:
//  1. a persisted next run that now has reached is due;
//  2. a last run strictly before the latest trigger is a missed run;
//  3. no last run at all is a first run;
//  4. anything else is not due.
//
// A last run exactly at the latest trigger counts as having run.
func Evaluate(s Schedule, state *core.ScheduleState, now time.Time) Decision {
	now = now.UTC()
	d := Decision{PrevScheduled: Prev(s, now)}
	d.Cycle = d.PrevScheduled
	if d.Cycle.IsZero() {
		d.Cycle = now.Truncate(time.Second)
	}

	switch {
	case state != nil && state.NextRunAt != nil && !now.Before(*state.NextRunAt):
		d.Due, d.Reason = true, ReasonNextRunReached
	case state != nil && state.LastRunAt != nil:
		if !d.PrevScheduled.IsZero() && state.LastRunAt.Before(d.PrevScheduled) {
			d.Due, d.Reason = true, ReasonMissed
		} else {
			d.Reason = ReasonNotDue
		}
	default:
		d.Due, d.Reason = true, ReasonFirstRun
	}
	return d
}
