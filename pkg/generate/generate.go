// Package generate expands a source's recurrence rule over a date window
// into pending store rows and hands the new rows to the dispatcher.
// Regeneration is history-preserving: only pending rows inside the window are
// replaced, terminal history is never touched.
package generate

import (
	"context"
	"time"

	"github.com/google/uuid"

	"carebell/pkg/dispatch"
	"carebell/pkg/event"
	"carebell/pkg/logx"
	"carebell/pkg/recurrence"
	"carebell/pkg/store"
)

type Generator struct {
	st    store.Store
	disp  *dispatch.Dispatcher
	log   logx.Logger
	clock func() time.Time
}

func New(st store.Store, disp *dispatch.Dispatcher, log logx.Logger) *Generator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Generator{st: st, disp: disp, log: log, clock: time.Now}
}

// SetClock overrides the wall clock (tests).
func (g *Generator) SetClock(fn func() time.Time) { g.clock = fn }

// Regenerate rebuilds a source's pending occurrences inside
// [windowStart, windowEnd] (inclusive, whole days).
//
// An inactive source, or one without times of day, produces nothing and
// leaves existing rows untouched. Candidates at or before "now" are
// discarded: occurrences are only generated into the future. Per-event
// dispatch failures do not abort the batch.
func (g *Generator) Regenerate(ctx context.Context, src event.ScheduleSource, windowStart, windowEnd time.Time) ([]event.CalendarEvent, error) {
	if !src.IsActive || len(src.TimesOfDay) == 0 {
		return nil, nil
	}
	if err := src.Rule.Validate(); err != nil {
		// Validation failures are quiet by contract: the source simply
		// yields no occurrences.
		g.log.Warn("source has unusable recurrence rule", logx.Err(err), logx.String("source", src.ID))
		return nil, nil
	}

	now := g.clock()

	// Replace only pending rows, from "now" forward, inside the window.
	deleteFrom := windowStart
	if now.After(deleteFrom) {
		deleteFrom = now
	}
	removed, err := g.st.DeletePendingInWindow(ctx, src.ID, deleteFrom, endOfDay(windowEnd))
	if err != nil {
		return nil, err
	}
	for _, id := range removed {
		if err := g.disp.Cancel(ctx, id); err != nil {
			g.log.Warn("stale trigger cancel failed", logx.Err(err), logx.String("event", id))
		}
	}

	candidates := g.expand(src, windowStart, windowEnd, now)
	if len(candidates) == 0 {
		return nil, nil
	}

	created, err := g.st.CreateBatch(ctx, candidates)
	if err != nil {
		// Partial insert: keep going with whatever landed so unrelated
		// occurrences are not lost, but surface the failure.
		g.log.Warn("batch insert incomplete", logx.Err(err), logx.String("source", src.ID), logx.Int("created", len(created)))
	}

	if _, derr := g.disp.ScheduleMany(ctx, created, ""); derr != nil {
		g.log.Warn("dispatch incomplete", logx.Err(derr), logx.String("source", src.ID))
	}
	return created, err
}

func (g *Generator) expand(src event.ScheduleSource, windowStart, windowEnd time.Time, now time.Time) []event.CalendarEvent {
	var out []event.CalendarEvent
	end := midnight(windowEnd)
	for day := midnight(windowStart); !day.After(end); day = day.AddDate(0, 0, 1) {
		if !recurrence.ShouldOccur(src.Rule, day, src.AnchorDate) {
			continue
		}
		for _, tod := range src.TimesOfDay {
			at, err := event.Combine(day, tod)
			if err != nil {
				g.log.Warn("bad time of day", logx.Err(err), logx.String("source", src.ID))
				continue
			}
			if !at.After(now) {
				continue
			}
			out = append(out, event.CalendarEvent{
				ID:            uuid.NewString(),
				ProfileID:     src.ProfileID,
				SourceID:      src.ID,
				Type:          src.Type,
				Title:         src.Title,
				ScheduledTime: at,
				Status:        event.StatusPending,
			})
		}
	}
	return out
}

// ScheduleOneOff is the degenerate path for appointments and activities:
// drop the source's previous events, create exactly one occurrence at the
// given instant, and dispatch a single reminder. Appointments in the past
// produce nothing (their previous events are still dropped).
func (g *Generator) ScheduleOneOff(ctx context.Context, src event.ScheduleSource, at time.Time, end *time.Time) (*event.CalendarEvent, error) {
	removed, err := g.st.DeleteBySource(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	for _, id := range removed {
		if err := g.disp.Cancel(ctx, id); err != nil {
			g.log.Warn("stale trigger cancel failed", logx.Err(err), logx.String("event", id))
		}
	}

	now := g.clock()
	if src.Type == event.TypeAppointment && !at.After(now) {
		return nil, nil
	}

	ev := event.CalendarEvent{
		ID:            uuid.NewString(),
		ProfileID:     src.ProfileID,
		SourceID:      src.ID,
		Type:          src.Type,
		Title:         src.Title,
		ScheduledTime: at,
		EndTime:       end,
		Status:        event.StatusPending,
	}
	if err := g.st.Create(ctx, ev); err != nil {
		return nil, err
	}
	if _, err := g.disp.Schedule(ctx, ev, ""); err != nil {
		g.log.Warn("one-off dispatch failed", logx.Err(err), logx.String("event", ev.ID))
	}
	return &ev, nil
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return midnight(t).AddDate(0, 0, 1)
}
