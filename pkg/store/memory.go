package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"carebell/pkg/event"
)

// memoryStore mirrors the sqlite backend's semantics without a file on disk.
// It is the default driver and the backend used by package tests.
type memoryStore struct {
	mu       sync.RWMutex
	closed   bool
	events   map[string]event.CalendarEvent
	settings map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		events:   map[string]event.CalendarEvent{},
		settings: map[string]string{},
	}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) guard() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *memoryStore) ByID(ctx context.Context, id string) (event.CalendarEvent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return event.CalendarEvent{}, false, err
	}
	ev, ok := s.events[id]
	return copyEvent(ev), ok, nil
}

func (s *memoryStore) ByDay(ctx context.Context, profileID string, day time.Time) ([]event.CalendarEvent, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return s.ByRange(ctx, profileID, start, start.AddDate(0, 0, 1))
}

func (s *memoryStore) ByRange(ctx context.Context, profileID string, from, to time.Time) ([]event.CalendarEvent, error) {
	return s.collect(func(ev event.CalendarEvent) bool {
		return matchProfile(ev, profileID) && inRange(ev.ScheduledTime, from, to)
	})
}

func (s *memoryStore) BySource(ctx context.Context, sourceID string) ([]event.CalendarEvent, error) {
	return s.collect(func(ev event.CalendarEvent) bool { return ev.SourceID == sourceID })
}

func (s *memoryStore) Overdue(ctx context.Context, profileID string, now time.Time) ([]event.CalendarEvent, error) {
	return s.collect(func(ev event.CalendarEvent) bool {
		return matchProfile(ev, profileID) && ev.Status == event.StatusPending && ev.ScheduledTime.Before(now)
	})
}

func (s *memoryStore) PendingInRange(ctx context.Context, profileID string, from, to time.Time) ([]event.CalendarEvent, error) {
	return s.collect(func(ev event.CalendarEvent) bool {
		return matchProfile(ev, profileID) && ev.Status == event.StatusPending && inRange(ev.ScheduledTime, from, to)
	})
}

func (s *memoryStore) Profiles(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, ev := range s.events {
		seen[ev.ProfileID] = true
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) Create(ctx context.Context, ev event.CalendarEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	if _, dup := s.events[ev.ID]; dup {
		return fmt.Errorf("store: UNIQUE constraint failed: calendar_events.id (%s)", ev.ID)
	}
	for _, other := range s.events {
		if other.SourceID == ev.SourceID && other.ScheduledTime.Equal(ev.ScheduledTime) {
			return fmt.Errorf("store: UNIQUE constraint failed: calendar_events.source_id, calendar_events.scheduled_time")
		}
	}
	now := time.Now()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now
	if ev.Status == "" {
		ev.Status = event.StatusPending
	}
	s.events[ev.ID] = copyEvent(ev)
	return nil
}

func (s *memoryStore) CreateBatch(ctx context.Context, evs []event.CalendarEvent) ([]event.CalendarEvent, error) {
	var inserted []event.CalendarEvent
	var firstErr error
	for _, ev := range evs {
		if err := s.Create(ctx, ev); err != nil {
			if isUniqueViolation(err) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		inserted = append(inserted, ev)
	}
	return inserted, firstErr
}

func (s *memoryStore) Update(ctx context.Context, id string, p Patch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return false, err
	}
	ev, ok := s.events[id]
	if !ok {
		return false, nil
	}
	if p.Title != nil {
		ev.Title = *p.Title
	}
	if p.ScheduledTime != nil {
		ev.ScheduledTime = *p.ScheduledTime
	}
	if p.EndTime != nil {
		t := *p.EndTime
		ev.EndTime = &t
	}
	if p.Metadata != nil {
		ev.Metadata = copyMeta(p.Metadata)
	}
	ev.UpdatedAt = time.Now()
	s.events[id] = ev
	return true, nil
}

func (s *memoryStore) UpdateStatus(ctx context.Context, id string, st event.Status, completedAt *time.Time) (bool, error) {
	if !st.Valid() {
		return false, fmt.Errorf("store: invalid status %q", st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return false, err
	}
	ev, ok := s.events[id]
	if !ok || ev.Status != event.StatusPending {
		return false, nil
	}
	ev.Status = st
	if completedAt != nil {
		t := *completedAt
		ev.CompletedTime = &t
	} else {
		ev.CompletedTime = nil
	}
	ev.UpdatedAt = time.Now()
	s.events[id] = ev
	return true, nil
}

func (s *memoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return false, err
	}
	if _, ok := s.events[id]; !ok {
		return false, nil
	}
	delete(s.events, id)
	return true, nil
}

func (s *memoryStore) DeleteBySource(ctx context.Context, sourceID string) ([]string, error) {
	return s.deleteMatching(func(ev event.CalendarEvent) bool { return ev.SourceID == sourceID })
}

func (s *memoryStore) DeletePendingBySource(ctx context.Context, sourceID string) ([]string, error) {
	return s.deleteMatching(func(ev event.CalendarEvent) bool {
		return ev.SourceID == sourceID && ev.Status == event.StatusPending
	})
}

func (s *memoryStore) DeletePendingInWindow(ctx context.Context, sourceID string, from, to time.Time) ([]string, error) {
	return s.deleteMatching(func(ev event.CalendarEvent) bool {
		return ev.SourceID == sourceID && ev.Status == event.StatusPending && inRange(ev.ScheduledTime, from, to)
	})
}

func (s *memoryStore) Stats(ctx context.Context, profileID string, from, to time.Time) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, ev := range s.events {
		if !matchProfile(ev, profileID) || !inRange(ev.ScheduledTime, from, to) {
			continue
		}
		switch ev.Status {
		case event.StatusPending:
			st.Pending++
		case event.StatusCompleted:
			st.Completed++
		case event.StatusMissed:
			st.Missed++
		case event.StatusSkipped:
			st.Skipped++
		}
		st.Total++
	}
	return st, nil
}

func (s *memoryStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return "", false, err
	}
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *memoryStore) PutSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	s.settings[key] = value
	return nil
}

// ---- helpers ----

func (s *memoryStore) collect(match func(event.CalendarEvent) bool) ([]event.CalendarEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	var out []event.CalendarEvent
	for _, ev := range s.events {
		if match(ev) {
			out = append(out, copyEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

func (s *memoryStore) deleteMatching(match func(event.CalendarEvent) bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	var ids []string
	for id, ev := range s.events {
		if match(ev) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(s.events, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func matchProfile(ev event.CalendarEvent, profileID string) bool {
	return profileID == "" || ev.ProfileID == profileID
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func copyEvent(ev event.CalendarEvent) event.CalendarEvent {
	cp := ev
	if ev.EndTime != nil {
		t := *ev.EndTime
		cp.EndTime = &t
	}
	if ev.CompletedTime != nil {
		t := *ev.CompletedTime
		cp.CompletedTime = &t
	}
	cp.Metadata = copyMeta(ev.Metadata)
	return cp
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
