package generate

import (
	"context"
	"sync"
	"testing"
	"time"

	"carebell/pkg/dispatch"
	"carebell/pkg/event"
	"carebell/pkg/logx"
	"carebell/pkg/recurrence"
	"carebell/pkg/store"
)

type fakeTriggers struct {
	mu    sync.Mutex
	armed map[string]dispatch.Trigger
}

func newFakeTriggers() *fakeTriggers { return &fakeTriggers{armed: map[string]dispatch.Trigger{}} }

func (f *fakeTriggers) Arm(ctx context.Context, t dispatch.Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[t.EventID] = t
	return nil
}

func (f *fakeTriggers) Cancel(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.armed, eventID)
	return nil
}

func (f *fakeTriggers) CancelAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = map[string]dispatch.Trigger{}
	return nil
}

func (f *fakeTriggers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.armed)
}

func newTestGenerator(t *testing.T, now time.Time) (*Generator, store.Store, *fakeTriggers) {
	t.Helper()
	st := store.NewMemory()
	triggers := newFakeTriggers()
	d := dispatch.New(dispatch.Config{}, st, triggers, logx.Nop(), nil)
	d.SetClock(func() time.Time { return now })
	g := New(st, d, logx.Nop())
	g.SetClock(func() time.Time { return now })
	return g, st, triggers
}

func daySource(id string, rule *recurrence.Rule, anchor time.Time, times ...string) event.ScheduleSource {
	return event.ScheduleSource{
		ID:         id,
		ProfileID:  "p1",
		Type:       event.TypeMedication,
		Title:      "aspirin",
		IsActive:   true,
		TimesOfDay: times,
		Rule:       rule,
		AnchorDate: anchor,
	}
}

func TestRegenerateDailyWindow(t *testing.T) {
	t.Parallel()
	// "now" before the window: every candidate survives.
	now := time.Date(2023, time.December, 31, 12, 0, 0, 0, time.UTC)
	g, st, triggers := newTestGenerator(t, now)
	ctx := context.Background()

	anchor := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	src := daySource("s1", &recurrence.Rule{Frequency: recurrence.Daily, Interval: 1}, anchor, "08:00")

	created, err := g.Regenerate(ctx, src, anchor, anchor.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("created %d events, want 3", len(created))
	}
	for i, ev := range created {
		want := time.Date(2024, time.January, 1+i, 8, 0, 0, 0, time.UTC)
		if !ev.ScheduledTime.Equal(want) {
			t.Fatalf("event %d at %v, want %v", i, ev.ScheduledTime, want)
		}
		if ev.Status != event.StatusPending {
			t.Fatalf("event %d status %v", i, ev.Status)
		}
	}

	rows, err := st.BySource(ctx, "s1")
	if err != nil || len(rows) != 3 {
		t.Fatalf("store rows = %d err=%v, want 3", len(rows), err)
	}
	if triggers.count() != 3 {
		t.Fatalf("armed %d triggers, want 3", triggers.count())
	}

	// No duplicate (source, scheduledTime) pairs.
	seen := map[time.Time]bool{}
	for _, ev := range rows {
		if seen[ev.ScheduledTime] {
			t.Fatalf("duplicate occurrence at %v", ev.ScheduledTime)
		}
		seen[ev.ScheduledTime] = true
	}
}

func TestRegenerateWeeklyDaySet(t *testing.T) {
	t.Parallel()
	now := time.Date(2023, time.December, 31, 12, 0, 0, 0, time.UTC)
	g, _, _ := newTestGenerator(t, now)

	// 2024-01-01 is a Monday; window covers one full week.
	anchor := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	rule := &recurrence.Rule{Frequency: recurrence.Weekly, DaysOfWeek: []time.Weekday{time.Monday, time.Wednesday, time.Friday}}
	src := daySource("s2", rule, anchor, "09:30")

	created, err := g.Regenerate(context.Background(), src, anchor, anchor.AddDate(0, 0, 6))
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("created %d events, want 3", len(created))
	}
	for _, ev := range created {
		switch ev.ScheduledTime.Weekday() {
		case time.Monday, time.Wednesday, time.Friday:
		default:
			t.Fatalf("occurrence on wrong weekday: %v", ev.ScheduledTime)
		}
	}
}

func TestRegeneratePreservesHistory(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.January, 5, 12, 0, 0, 0, time.UTC)
	g, st, _ := newTestGenerator(t, now)
	ctx := context.Background()

	anchor := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	src := daySource("s3", &recurrence.Rule{Frequency: recurrence.Daily, Interval: 1}, anchor, "08:00")

	// Seed a completed past occurrence and a stale pending future one.
	past := time.Date(2024, time.January, 2, 8, 0, 0, 0, time.UTC)
	doneAt := past.Add(10 * time.Minute)
	if err := st.Create(ctx, event.CalendarEvent{
		ID: "hist1", ProfileID: "p1", SourceID: "s3", Type: event.TypeMedication,
		Title: "aspirin", ScheduledTime: past, Status: event.StatusPending,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := st.UpdateStatus(ctx, "hist1", event.StatusCompleted, &doneAt); err != nil {
		t.Fatalf("seed complete: %v", err)
	}
	if err := st.Create(ctx, event.CalendarEvent{
		ID: "stale1", ProfileID: "p1", SourceID: "s3", Type: event.TypeMedication,
		Title: "aspirin", ScheduledTime: time.Date(2024, time.January, 6, 8, 0, 0, 0, time.UTC),
		Status: event.StatusPending,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := g.Regenerate(ctx, src, anchor, anchor.AddDate(0, 0, 9)); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}

	if _, ok, _ := st.ByID(ctx, "hist1"); !ok {
		t.Fatal("completed history must survive regeneration")
	}
	if _, ok, _ := st.ByID(ctx, "stale1"); ok {
		t.Fatal("stale pending future row must be replaced")
	}
	rows, _ := st.BySource(ctx, "s3")
	for _, ev := range rows {
		if ev.Status == event.StatusPending && !ev.ScheduledTime.After(now) {
			t.Fatalf("pending occurrence not in the future: %v", ev.ScheduledTime)
		}
	}
}

func TestRegenerateInactiveOrEmptyProducesNothing(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	g, st, _ := newTestGenerator(t, now)
	ctx := context.Background()

	anchor := now
	inactive := daySource("s4", nil, anchor, "08:00")
	inactive.IsActive = false
	created, err := g.Regenerate(ctx, inactive, now, now.AddDate(0, 0, 7))
	if err != nil || created != nil {
		t.Fatalf("inactive: created=%v err=%v", created, err)
	}

	noTimes := daySource("s5", nil, anchor)
	created, err = g.Regenerate(ctx, noTimes, now, now.AddDate(0, 0, 7))
	if err != nil || created != nil {
		t.Fatalf("no times: created=%v err=%v", created, err)
	}

	rows, _ := st.ByRange(ctx, "", now, now.AddDate(0, 0, 8))
	if len(rows) != 0 {
		t.Fatalf("store not empty: %d rows", len(rows))
	}
}

func TestRegenerateDiscardsPastCandidates(t *testing.T) {
	t.Parallel()
	// Mid-window "now": only future candidates are created.
	now := time.Date(2024, time.January, 2, 12, 0, 0, 0, time.UTC)
	g, _, _ := newTestGenerator(t, now)

	anchor := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	src := daySource("s6", &recurrence.Rule{Frequency: recurrence.Daily, Interval: 1}, anchor, "08:00")

	created, err := g.Regenerate(context.Background(), src, anchor, anchor.AddDate(0, 0, 3))
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	// Jan 1 08:00 and Jan 2 08:00 are past; Jan 3 and Jan 4 remain.
	if len(created) != 2 {
		t.Fatalf("created %d, want 2", len(created))
	}
	for _, ev := range created {
		if !ev.ScheduledTime.After(now) {
			t.Fatalf("past candidate generated: %v", ev.ScheduledTime)
		}
	}
}

func TestScheduleOneOffAppointment(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)
	g, st, triggers := newTestGenerator(t, now)
	ctx := context.Background()

	src := event.ScheduleSource{
		ID: "appt1", ProfileID: "p1", Type: event.TypeAppointment,
		Title: "dentist", IsActive: true,
	}
	at := now.Add(48 * time.Hour)
	end := at.Add(30 * time.Minute)

	ev, err := g.ScheduleOneOff(ctx, src, at, &end)
	if err != nil {
		t.Fatalf("ScheduleOneOff: %v", err)
	}
	if ev == nil || !ev.ScheduledTime.Equal(at) || ev.EndTime == nil {
		t.Fatalf("one-off event = %+v", ev)
	}
	if triggers.count() != 1 {
		t.Fatalf("armed %d, want 1", triggers.count())
	}

	// Replacing the appointment drops the old occurrence and its trigger.
	at2 := now.Add(72 * time.Hour)
	ev2, err := g.ScheduleOneOff(ctx, src, at2, nil)
	if err != nil {
		t.Fatalf("ScheduleOneOff: %v", err)
	}
	rows, _ := st.BySource(ctx, "appt1")
	if len(rows) != 1 || rows[0].ID != ev2.ID {
		t.Fatalf("expected single replaced occurrence, got %v", rows)
	}
	if triggers.count() != 1 {
		t.Fatalf("armed %d after replace, want 1", triggers.count())
	}

	// A past appointment clears previous state but creates nothing.
	ev3, err := g.ScheduleOneOff(ctx, src, now.Add(-time.Hour), nil)
	if err != nil {
		t.Fatalf("ScheduleOneOff: %v", err)
	}
	if ev3 != nil {
		t.Fatalf("past appointment must create nothing, got %+v", ev3)
	}
	rows, _ = st.BySource(ctx, "appt1")
	if len(rows) != 0 {
		t.Fatalf("previous occurrence should be gone, got %v", rows)
	}
}
