package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"carebell/pkg/event"
	"carebell/pkg/logx"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "events.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	mem := NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	return map[string]Store{"memory": mem, "sqlite": sq}
}

func ev(id, profile, source string, at time.Time) event.CalendarEvent {
	return event.CalendarEvent{
		ID:            id,
		ProfileID:     profile,
		SourceID:      source,
		Type:          event.TypeMedication,
		Title:         "aspirin",
		ScheduledTime: at,
		Status:        event.StatusPending,
	}
}

func TestCreateAndQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.Date(2024, time.March, 4, 8, 0, 0, 0, time.UTC)

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Create(ctx, ev("e1", "p1", "s1", base)); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.Create(ctx, ev("e2", "p1", "s1", base.Add(12*time.Hour))); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.Create(ctx, ev("e3", "p2", "s2", base.Add(26*time.Hour))); err != nil {
				t.Fatalf("create: %v", err)
			}

			got, ok, err := st.ByID(ctx, "e1")
			if err != nil || !ok {
				t.Fatalf("ByID: ok=%v err=%v", ok, err)
			}
			if !got.ScheduledTime.Equal(base) || got.Status != event.StatusPending {
				t.Fatalf("ByID mismatch: %+v", got)
			}
			if got.UpdatedAt.IsZero() || got.CreatedAt.IsZero() {
				t.Fatal("timestamps not set on create")
			}

			day, err := st.ByDay(ctx, "p1", base)
			if err != nil {
				t.Fatalf("ByDay: %v", err)
			}
			if len(day) != 2 {
				t.Fatalf("ByDay: got %d events, want 2", len(day))
			}
			if !day[0].ScheduledTime.Before(day[1].ScheduledTime) {
				t.Fatal("ByDay results not ordered by scheduled time")
			}

			all, err := st.ByRange(ctx, "", base, base.Add(48*time.Hour))
			if err != nil {
				t.Fatalf("ByRange: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("ByRange all profiles: got %d, want 3", len(all))
			}

			profiles, err := st.Profiles(ctx)
			if err != nil {
				t.Fatalf("Profiles: %v", err)
			}
			if len(profiles) != 2 || profiles[0] != "p1" || profiles[1] != "p2" {
				t.Fatalf("Profiles = %v", profiles)
			}
		})
	}
}

func TestUniqueSourceTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	at := time.Date(2024, time.March, 4, 8, 0, 0, 0, time.UTC)

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Create(ctx, ev("u1", "p1", "s1", at)); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.Create(ctx, ev("u2", "p1", "s1", at)); err == nil {
				t.Fatal("expected unique violation for duplicate (source, scheduled_time)")
			}

			// CreateBatch skips the duplicate and keeps going.
			inserted, err := st.CreateBatch(ctx, []event.CalendarEvent{
				ev("u3", "p1", "s1", at),
				ev("u4", "p1", "s1", at.Add(time.Hour)),
			})
			if err != nil {
				t.Fatalf("CreateBatch: %v", err)
			}
			if len(inserted) != 1 || inserted[0].ID != "u4" {
				t.Fatalf("CreateBatch inserted %v, want just u4", inserted)
			}
		})
	}
}

func TestUpdateStatusOneShot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	at := time.Date(2024, time.March, 4, 8, 0, 0, 0, time.UTC)
	done := at.Add(5 * time.Minute)

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Create(ctx, ev("t1", "p1", "s1", at)); err != nil {
				t.Fatalf("create: %v", err)
			}

			ok, err := st.UpdateStatus(ctx, "t1", event.StatusCompleted, &done)
			if err != nil || !ok {
				t.Fatalf("UpdateStatus: ok=%v err=%v", ok, err)
			}
			got, _, _ := st.ByID(ctx, "t1")
			if got.Status != event.StatusCompleted || got.CompletedTime == nil || !got.CompletedTime.Equal(done) {
				t.Fatalf("after complete: %+v", got)
			}

			// Terminal is terminal: a second transition is refused.
			ok, err = st.UpdateStatus(ctx, "t1", event.StatusMissed, nil)
			if err != nil {
				t.Fatalf("UpdateStatus: %v", err)
			}
			if ok {
				t.Fatal("transition out of terminal state must be refused")
			}

			// Unknown id is a quiet not-found.
			ok, err = st.UpdateStatus(ctx, "nope", event.StatusMissed, nil)
			if err != nil || ok {
				t.Fatalf("unknown id: ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestPatchUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	at := time.Date(2024, time.March, 4, 8, 0, 0, 0, time.UTC)

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Create(ctx, ev("m1", "p1", "s1", at)); err != nil {
				t.Fatalf("create: %v", err)
			}
			title := "ibuprofen"
			moved := at.Add(time.Hour)
			ok, err := st.Update(ctx, "m1", Patch{Title: &title, ScheduledTime: &moved, Metadata: map[string]string{"dose": "200mg"}})
			if err != nil || !ok {
				t.Fatalf("Update: ok=%v err=%v", ok, err)
			}
			got, _, _ := st.ByID(ctx, "m1")
			if got.Title != "ibuprofen" || !got.ScheduledTime.Equal(moved) || got.Metadata["dose"] != "200mg" {
				t.Fatalf("patch not applied: %+v", got)
			}

			ok, err = st.Update(ctx, "missing", Patch{Title: &title})
			if err != nil || ok {
				t.Fatalf("unknown id: ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestDeletePendingInWindowPreservesHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.Date(2024, time.March, 4, 8, 0, 0, 0, time.UTC)

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Create(ctx, ev("h1", "p1", "s1", base)); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.Create(ctx, ev("h2", "p1", "s1", base.AddDate(0, 0, 1))); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.Create(ctx, ev("h3", "p1", "s1", base.AddDate(0, 0, 2))); err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := st.UpdateStatus(ctx, "h1", event.StatusCompleted, &base); err != nil {
				t.Fatalf("UpdateStatus: %v", err)
			}

			ids, err := st.DeletePendingInWindow(ctx, "s1", base, base.AddDate(0, 0, 7))
			if err != nil {
				t.Fatalf("DeletePendingInWindow: %v", err)
			}
			if len(ids) != 2 {
				t.Fatalf("deleted %v, want the 2 pending rows", ids)
			}
			if _, ok, _ := st.ByID(ctx, "h1"); !ok {
				t.Fatal("completed history row must survive regeneration deletes")
			}
		})
	}
}

func TestDeletePendingBySourceKeepsHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.Date(2024, time.March, 4, 8, 0, 0, 0, time.UTC)

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Create(ctx, ev("d1", "p1", "s1", base)); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.Create(ctx, ev("d2", "p1", "s1", base.AddDate(0, 0, 1))); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.Create(ctx, ev("d3", "p1", "s1", base.AddDate(0, 0, 2))); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.Create(ctx, ev("d4", "p1", "s2", base.Add(time.Hour))); err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := st.UpdateStatus(ctx, "d1", event.StatusCompleted, &base); err != nil {
				t.Fatalf("UpdateStatus: %v", err)
			}

			ids, err := st.DeletePendingBySource(ctx, "s1")
			if err != nil {
				t.Fatalf("DeletePendingBySource: %v", err)
			}
			if len(ids) != 2 {
				t.Fatalf("deleted %v, want the 2 pending rows of s1", ids)
			}
			if _, ok, _ := st.ByID(ctx, "d1"); !ok {
				t.Fatal("completed history row must survive deactivation deletes")
			}
			if _, ok, _ := st.ByID(ctx, "d4"); !ok {
				t.Fatal("other source's row must survive")
			}
		})
	}
}

func TestOverdueAndStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Create(ctx, ev("o1", "p1", "s1", now.Add(-2*time.Hour))); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.Create(ctx, ev("o2", "p1", "s1", now.Add(2*time.Hour))); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.Create(ctx, ev("o3", "p1", "s1", now.Add(-1*time.Hour))); err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := st.UpdateStatus(ctx, "o3", event.StatusSkipped, nil); err != nil {
				t.Fatalf("UpdateStatus: %v", err)
			}

			od, err := st.Overdue(ctx, "p1", now)
			if err != nil {
				t.Fatalf("Overdue: %v", err)
			}
			if len(od) != 1 || od[0].ID != "o1" {
				t.Fatalf("Overdue = %v", od)
			}

			stats, err := st.Stats(ctx, "p1", now.Add(-24*time.Hour), now.Add(24*time.Hour))
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			want := Stats{Pending: 2, Skipped: 1, Total: 3}
			if stats != want {
				t.Fatalf("Stats = %+v, want %+v", stats, want)
			}
		})
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := st.GetSetting(ctx, "escalation_mode"); err != nil || ok {
				t.Fatalf("missing key: ok=%v err=%v", ok, err)
			}
			if err := st.PutSetting(ctx, "escalation_mode", "critical"); err != nil {
				t.Fatalf("PutSetting: %v", err)
			}
			// Upsert overwrites.
			if err := st.PutSetting(ctx, "escalation_mode", "standard"); err != nil {
				t.Fatalf("PutSetting: %v", err)
			}
			v, ok, err := st.GetSetting(ctx, "escalation_mode")
			if err != nil || !ok || v != "standard" {
				t.Fatalf("GetSetting = %q ok=%v err=%v", v, ok, err)
			}
		})
	}
}
