// Package recurrence decides on which calendar days a recurring source
// produces an occurrence. The predicate is pure: it never consults the wall
// clock, only the rule, the candidate date, and the source's anchor date.
package recurrence

import (
	"fmt"
	"time"
)

// Frequency is the repetition class of a rule.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	// Custom behaves like Daily with an explicit interval (e.g. every 3 days).
	Custom Frequency = "custom"
)

// Rule is a declarative repetition pattern.
//
// A nil *Rule means "every day forever".
//
// Monthly rules clamp on short months: an anchor on the 29th-31st occurs on
// the last day of months that do not reach the anchor's day-of-month.
type Rule struct {
	Frequency Frequency
	// Interval is the step for Daily/Custom rules, in days. Values < 1 are
	// treated as 1.
	Interval int
	// DaysOfWeek restricts Weekly rules to the given weekdays. Empty means
	// "the anchor's weekday".
	DaysOfWeek []time.Weekday
	// EndDate, when set, is the last day (inclusive) on which the rule fires.
	EndDate *time.Time
}

// Validate rejects rules that cannot be evaluated.
func (r *Rule) Validate() error {
	if r == nil {
		return nil
	}
	switch r.Frequency {
	case Daily, Weekly, Monthly, Custom:
	default:
		return fmt.Errorf("recurrence: unknown frequency %q", r.Frequency)
	}
	for _, d := range r.DaysOfWeek {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("recurrence: day of week %d out of range", d)
		}
	}
	return nil
}

func (r *Rule) interval() int {
	if r == nil || r.Interval < 1 {
		return 1
	}
	return r.Interval
}

// ShouldOccur reports whether an occurrence of the rule falls on date, given
// the source's anchor date. Times of day are ignored; only the calendar day
// matters. date and anchor are interpreted in date's location.
func ShouldOccur(r *Rule, date, anchor time.Time) bool {
	day := midnight(date)

	if r == nil {
		return true
	}
	if r.EndDate != nil && day.After(midnight(r.EndDate.In(date.Location()))) {
		return false
	}

	switch r.Frequency {
	case Weekly:
		if len(r.DaysOfWeek) > 0 {
			for _, d := range r.DaysOfWeek {
				if day.Weekday() == d {
					return true
				}
			}
			return false
		}
		return day.Weekday() == anchor.Weekday()

	case Monthly:
		return matchesMonthly(day, anchor)

	default:
		// Daily and Custom: whole days elapsed since the anchor's midnight,
		// stepped by the interval. Dates before the anchor never fire.
		days := daysBetween(midnight(anchor.In(date.Location())), day)
		return days >= 0 && days%r.interval() == 0
	}
}

func matchesMonthly(day, anchor time.Time) bool {
	want := anchor.Day()
	last := lastDayOfMonth(day)
	if want > last {
		// Clamp: anchor day 29-31 fires on the last day of shorter months.
		return day.Day() == last
	}
	return day.Day() == want
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// daysBetween counts whole calendar days from a to b. Using date components
// rather than Sub() keeps DST transitions from shifting the count.
func daysBetween(a, b time.Time) int {
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua) / (24 * time.Hour))
}

func lastDayOfMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}
