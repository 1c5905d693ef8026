package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule determines when a recurring job runs.
type Schedule interface {
	// Next returns the first trigger strictly after from.
	Next(from time.Time) time.Time
}

// previous is implemented by schedules that can compute their latest
// trigger directly instead of by search.
type previous interface {
	Prev(at time.Time) time.Time
}

// everySchedule runs at fixed, absolutely aligned intervals.
type everySchedule struct {
	interval time.Duration
}

// Every creates a schedule that runs at fixed intervals.
// Triggers fall on multiples of d since the zero time (see time.Truncate),
// so every process agrees on them.
func Every(d time.Duration) Schedule {
	if d <= 0 {
		panic("schedule: non-positive interval")
	}
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Truncate(s.interval).Add(s.interval)
}

func (s *everySchedule) Prev(at time.Time) time.Time {
	return at.Truncate(s.interval)
}

// dailySchedule runs at a specific time each day.
type dailySchedule struct {
	hour   int
	minute int
	loc    *time.Location
}

// Daily creates a schedule that runs at a specific time each day (UTC).
func Daily(hour, minute int) Schedule {
	return &dailySchedule{hour: hour, minute: minute, loc: time.UTC}
}

func (s *dailySchedule) Next(from time.Time) time.Time {
	from = from.In(s.loc)
	next := time.Date(from.Year(), from.Month(), from.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// weeklySchedule runs at a specific day and time each week.
type weeklySchedule struct {
	day    time.Weekday
	hour   int
	minute int
	loc    *time.Location
}

// Weekly creates a schedule that runs at a specific day and time each week (UTC).
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return &weeklySchedule{day: day, hour: hour, minute: minute, loc: time.UTC}
}

func (s *weeklySchedule) Next(from time.Time) time.Time {
	from = from.In(s.loc)

	daysUntil := int(s.day - from.Weekday())
	if daysUntil < 0 {
		daysUntil += 7
	}

	next := time.Date(from.Year(), from.Month(), from.Day()+daysUntil, s.hour, s.minute, 0, 0, s.loc)
	if !next.After(from) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// cronSchedule wraps a cron expression.
type cronSchedule struct {
	expr     string
	schedule cron.Schedule
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression (or a descriptor such as
// "@hourly"). Triggers are evaluated in UTC unless the expression carries
// a CRON_TZ= prefix.
func ParseCron(expr string) (Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid cron expression %q: %w", expr, err)
	}
	return &cronSchedule{expr: expr, schedule: s}, nil
}

// Cron creates a schedule from a cron expression. It panics if expr is invalid.
func Cron(expr string) Schedule {
	s, err := ParseCron(expr)
	if err != nil {
		panic(err.Error())
	}
	return s
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from.UTC())
}

func (s *cronSchedule) String() string { return s.expr }

// maxLookback bounds the backward search in Prev. Sparse expressions such as
// "0 0 29 2 *" still have a trigger inside it.
const maxLookback = 9 * 366 * 24 * time.Hour

// Prev returns the most recent trigger of s at or before at, or the zero
// time when none exists within the lookback horizon.
func Prev(s Schedule, at time.Time) time.Time {
	if p, ok := s.(previous); ok {
		return p.Prev(at)
	}

	at = at.Truncate(time.Second)
	for window := time.Minute; window <= 2*maxLookback; window *= 2 {
		start := at.Add(-window)
		t := s.Next(start.Add(-time.Second))
		if t.IsZero() || t.After(at) {
			continue
		}
		prev := t
		for {
			n := s.Next(prev)
			if n.IsZero() || n.After(at) {
				return prev
			}
			prev = n
		}
	}
	return time.Time{}
}
