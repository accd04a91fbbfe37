// Package ics renders schedule sources and concrete occurrences as an
// iCalendar feed, so reminders can be mirrored into an external calendar app.
package ics

import (
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"carebell/pkg/event"
	"carebell/pkg/recurrence"
)

const (
	productID = "-//carebell//reminder feed//EN"

	// Monthly rules clamp day-of-month to short months, which RRULE cannot
	// express. Those sources are exported as concrete occurrences over this
	// horizon instead.
	monthlyHorizon = 366 * 24 * time.Hour

	defaultSlot = 15 * time.Minute
)

// Exporter builds ICS payloads. The zero clock uses wall time.
type Exporter struct {
	clock func() time.Time
}

func NewExporter() *Exporter { return &Exporter{clock: time.Now} }

// SetClock overrides the wall clock (tests).
func (x *Exporter) SetClock(fn func() time.Time) { x.clock = fn }

// ExportSources renders active recurring sources as RRULE-bearing VEVENTs.
// Daily and weekly rules map to RRULE directly; monthly rules are expanded
// into dated VEVENTs because of day-of-month clamping. Inactive sources and
// sources without times of day are skipped.
func (x *Exporter) ExportSources(sources []event.ScheduleSource) (string, error) {
	cal := x.newCalendar()
	now := x.clock().UTC()

	for _, src := range sources {
		if !src.IsActive || len(src.TimesOfDay) == 0 {
			continue
		}
		if err := src.Rule.Validate(); err != nil {
			continue
		}
		for i, tod := range src.TimesOfDay {
			first, err := event.Combine(src.AnchorDate, tod)
			if err != nil {
				continue
			}
			uid := fmt.Sprintf("%s-%d@carebell", src.ID, i)

			if src.Rule != nil && src.Rule.Frequency == recurrence.Monthly {
				x.addMonthlyOccurrences(cal, src, tod, now)
				continue
			}
			ve := cal.AddEvent(uid)
			ve.SetDtStampTime(now)
			ve.SetSummary(src.Title)
			ve.SetStartAt(first)
			ve.SetEndAt(first.Add(defaultSlot))
			if rr := ruleString(src.Rule, first); rr != "" {
				ve.AddRrule(rr)
			}
		}
	}
	return cal.Serialize(), nil
}

// ExportEvents renders concrete occurrences (store rows) as plain VEVENTs,
// one per row, status mapped to the ICS STATUS property.
func (x *Exporter) ExportEvents(evs []event.CalendarEvent) (string, error) {
	cal := x.newCalendar()
	now := x.clock().UTC()

	for _, ev := range evs {
		ve := cal.AddEvent(ev.ID + "@carebell")
		ve.SetDtStampTime(now)
		ve.SetSummary(ev.Title)
		ve.SetStartAt(ev.ScheduledTime)
		if ev.EndTime != nil {
			ve.SetEndAt(*ev.EndTime)
		} else {
			ve.SetEndAt(ev.ScheduledTime.Add(defaultSlot))
		}
		switch ev.Status {
		case event.StatusCompleted:
			ve.SetStatus(ical.ObjectStatusConfirmed)
		case event.StatusSkipped, event.StatusMissed:
			ve.SetStatus(ical.ObjectStatusCancelled)
		default:
			ve.SetStatus(ical.ObjectStatusTentative)
		}
	}
	return cal.Serialize(), nil
}

func (x *Exporter) newCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	return cal
}

func (x *Exporter) addMonthlyOccurrences(cal *ical.Calendar, src event.ScheduleSource, tod string, now time.Time) {
	end := now.Add(monthlyHorizon)
	for day := midnight(now); day.Before(end); day = day.AddDate(0, 0, 1) {
		if !recurrence.ShouldOccur(src.Rule, day, src.AnchorDate) {
			continue
		}
		at, err := event.Combine(day, tod)
		if err != nil {
			return
		}
		uid := fmt.Sprintf("%s-%s@carebell", src.ID, at.Format("20060102T1504"))
		ve := cal.AddEvent(uid)
		ve.SetDtStampTime(now)
		ve.SetSummary(src.Title)
		ve.SetStartAt(at)
		ve.SetEndAt(at.Add(defaultSlot))
	}
}

// ruleString converts an internal recurrence rule into an RRULE value. A nil
// rule means "every day". Custom interval rules map to FREQ=DAILY with an
// INTERVAL, which is exactly their semantics.
func ruleString(r *recurrence.Rule, dtstart time.Time) string {
	opt := rrule.ROption{Dtstart: dtstart}
	if r == nil {
		opt.Freq = rrule.DAILY
		return opt.RRuleString()
	}
	switch r.Frequency {
	case recurrence.Daily, recurrence.Custom:
		opt.Freq = rrule.DAILY
		if r.Interval > 1 {
			opt.Interval = r.Interval
		}
	case recurrence.Weekly:
		opt.Freq = rrule.WEEKLY
		for _, wd := range r.DaysOfWeek {
			opt.Byweekday = append(opt.Byweekday, rruleWeekday(wd))
		}
	default:
		return ""
	}
	if r.EndDate != nil {
		opt.Until = endOfDay(*r.EndDate)
	}
	return opt.RRuleString()
}

func rruleWeekday(wd time.Weekday) rrule.Weekday {
	switch wd {
	case time.Monday:
		return rrule.MO
	case time.Tuesday:
		return rrule.TU
	case time.Wednesday:
		return rrule.WE
	case time.Thursday:
		return rrule.TH
	case time.Friday:
		return rrule.FR
	case time.Saturday:
		return rrule.SA
	default:
		return rrule.SU
	}
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return midnight(t).AddDate(0, 0, 1).Add(-time.Second)
}
