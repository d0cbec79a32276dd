// Package trigger evaluates a job's trigger spec against a reference time
// and computes the next wall-clock fire, or "never".
//
// Evaluation is pure and deterministic for every variant except Random,
// whose draw is seeded externally (see LastFireHint.Rand) so callers can still
// get reproducible behavior in tests.
package trigger

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind selects which trigger variant a Spec holds.
type Kind string

const (
	KindCron         Kind = "cron"
	KindInterval     Kind = "interval"
	KindRandomWindow Kind = "random_window"
	KindWeekly       Kind = "weekly"
	KindMonthly      Kind = "monthly"
	KindSpecificDate Kind = "specific_date"
)

// Spec is a tagged union over the trigger variants.
type Spec struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// Cron: standard five-field expression, evaluated in Location.
	Cron string `json:"cron,omitempty" yaml:"cron,omitempty"`

	// Interval: fixed duration between fires.
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"`

	// RandomWindow: one uniformly-random fire per day within [Start,End).
	WindowStart ClockTime `json:"window_start,omitempty" yaml:"window_start,omitempty"`
	WindowEnd   ClockTime `json:"window_end,omitempty" yaml:"window_end,omitempty"`

	// Weekly: fires at Time on each day in Weekdays.
	Weekdays []time.Weekday `json:"weekdays,omitempty" yaml:"weekdays,omitempty"`
	Time     ClockTime      `json:"time,omitempty" yaml:"time,omitempty"`

	// Monthly: fires at Time on DayOfMonth (1-31; clamped to the last day
	// of shorter months).
	DayOfMonth int `json:"day_of_month,omitempty" yaml:"day_of_month,omitempty"`

	// SpecificDate: a single absolute instant; "never" once it is past.
	At time.Time `json:"at,omitempty" yaml:"at,omitempty"`

	// Location is the time zone fires are computed in; nil means the
	// system default (local time zone is the system's
	// unless a per-job zone is declared").
	Location *time.Location `json:"-" yaml:"-"`
}

// ClockTime is a wall-clock time-of-day with no date component.
type ClockTime struct {
	Hour, Minute, Second int
}

func (c ClockTime) onDate(d time.Time, loc *time.Location) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour, c.Minute, c.Second, 0, loc)
}

// OnDate returns c combined with d's calendar date in loc. Exported for
// callers outside this package that need to derive a window boundary (for
// example the retry engine checking whether a success-repeat still fits
// before a job's window closes).
func (c ClockTime) OnDate(d time.Time, loc *time.Location) time.Time {
	return c.onDate(d, loc)
}

var (
	// ErrInvalidSpec is returned by Validate for structurally broken specs.
	ErrInvalidSpec = errors.New("trigger: invalid spec")
)

// Never is the zero value returned when a trigger will not fire again.
var Never = time.Time{}

// IsNever reports whether t is the sentinel "never fires again" value.
func IsNever(t time.Time) bool { return t.IsZero() }

func (s Spec) loc() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.Local
}

// Loc returns the effective time zone fires are computed in: Location if
// set, otherwise the system default.
func (s Spec) Loc() *time.Location {
	return s.loc()
}

// Validate checks structural invariants independent of any reference time.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindCron:
		if s.Cron == "" {
			return fmt.Errorf("%w: cron expression required", ErrInvalidSpec)
		}
		if _, err := cronParser.Parse(s.Cron); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
	case KindInterval:
		if s.Interval <= 0 {
			return fmt.Errorf("%w: interval must be > 0", ErrInvalidSpec)
		}
	case KindRandomWindow:
		if !s.WindowEnd.after(s.WindowStart) {
			return fmt.Errorf("%w: window_end must be after window_start", ErrInvalidSpec)
		}
	case KindWeekly:
		if len(s.Weekdays) == 0 {
			return fmt.Errorf("%w: at least one weekday required", ErrInvalidSpec)
		}
	case KindMonthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return fmt.Errorf("%w: day_of_month must be 1..31", ErrInvalidSpec)
		}
	case KindSpecificDate:
		// zero time means "already in the past" which is a legal terminal spec
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, s.Kind)
	}
	return nil
}

func (c ClockTime) after(other ClockTime) bool {
	a := c.Hour*3600 + c.Minute*60 + c.Second
	b := other.Hour*3600 + other.Minute*60 + other.Second
	return a > b
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// LastFireHint carries the information Next needs for variants whose next
// fire depends on history (Interval, RandomWindow).
type LastFireHint struct {
	// LastFire is the previous fire time, or the zero Time if none.
	LastFire time.Time
	// WindowFired reports whether RandomWindow already drew a fire for the
	// window containing Now (so no further random fire is due until the
	// next day's window).
	WindowFired bool
	// Rand is used to draw RandomWindow's uniform sample; if nil,
	// math/rand's global source is used.
	Rand *rand.Rand
}

// Next computes the next fire strictly after now, or Never.
func Next(spec Spec, now time.Time, hint LastFireHint) (time.Time, error) {
	if err := spec.Validate(); err != nil {
		return Never, err
	}
	loc := spec.loc()
	now = now.In(loc)

	switch spec.Kind {
	case KindCron:
		sched, err := cronParser.Parse(spec.Cron)
		if err != nil {
			return Never, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
		return sched.Next(now), nil

	case KindInterval:
		interval := time.Duration(spec.Interval)
		if hint.LastFire.IsZero() {
			return now.Add(interval), nil
		}
		next := hint.LastFire.Add(interval)
		for !next.After(now) {
			next = next.Add(interval)
		}
		return next, nil

	case KindRandomWindow:
		return nextRandomWindow(spec, now, loc, hint)

	case KindWeekly:
		return nextWeekly(spec, now, loc), nil

	case KindMonthly:
		return nextMonthly(spec, now, loc), nil

	case KindSpecificDate:
		at := spec.At.In(loc)
		if !at.After(now) {
			return Never, nil
		}
		return at, nil
	}

	return Never, fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, spec.Kind)
}

// nextRandomWindow draws a uniform sample in [max(now,start), end] for
// today's window, rolling to tomorrow if now is already past end, matching
// the source's _calculate_next_random_time.
func nextRandomWindow(spec Spec, now time.Time, loc *time.Location, hint LastFireHint) (time.Time, error) {
	start := spec.WindowStart.onDate(now, loc)
	end := spec.WindowEnd.onDate(now, loc)

	if now.After(end) || hint.WindowFired {
		start = spec.WindowStart.onDate(now.AddDate(0, 0, 1), loc)
		end = spec.WindowEnd.onDate(now.AddDate(0, 0, 1), loc)
	}

	lower := start
	if now.After(lower) {
		lower = now
	}
	if !end.After(lower) {
		// Window has collapsed (now is within seconds of end); roll to
		// tomorrow's window entirely.
		start = spec.WindowStart.onDate(now.AddDate(0, 0, 1), loc)
		end = spec.WindowEnd.onDate(now.AddDate(0, 0, 1), loc)
		lower = start
	}

	r := hint.Rand
	span := end.Sub(lower)
	if span <= 0 {
		return lower, nil
	}
	var frac float64
	if r != nil {
		frac = r.Float64()
	} else {
		frac = rand.Float64()
	}
	offset := time.Duration(frac * float64(span))
	return lower.Add(offset), nil
}

func nextWeekly(spec Spec, now time.Time, loc *time.Location) time.Time {
	want := make(map[time.Weekday]bool, len(spec.Weekdays))
	for _, w := range spec.Weekdays {
		want[w] = true
	}
	for i := 0; i < 8; i++ {
		day := now.AddDate(0, 0, i)
		if !want[day.Weekday()] {
			continue
		}
		candidate := spec.Time.onDate(day, loc)
		if candidate.After(now) {
			return candidate
		}
	}
	// Unreachable in practice (8-day scan always finds a match), but keep
	// Next total.
	return now.AddDate(0, 0, 7)
}

func nextMonthly(spec Spec, now time.Time, loc *time.Location) time.Time {
	for i := 0; i < 24; i++ {
		month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, i, 0)
		day := clampDay(month.Year(), month.Month(), spec.DayOfMonth)
		candidate := spec.Time.onDate(
			time.Date(month.Year(), month.Month(), day, 0, 0, 0, 0, loc), loc)
		if candidate.After(now) {
			return candidate
		}
	}
	return now.AddDate(1, 0, 0)
}

func clampDay(year int, month time.Month, day int) int {
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > lastDay {
		return lastDay
	}
	return day
}
