package store

import (
	"context"
	"errors"
	"time"

	"carebell/pkg/event"
)

var ErrClosed = errors.New("store closed")

// Config configures the event store.
//
// Driver values:
//   - "memory": process-local backend (tests, ephemeral embedders)
//   - "sqlite": SQLite database file
//
// An empty Driver defaults to "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Patch is a partial update of a calendar event. Nil fields are unchanged.
type Patch struct {
	Title         *string
	ScheduledTime *time.Time
	EndTime       *time.Time
	Metadata      map[string]string
}

func (p Patch) empty() bool {
	return p.Title == nil && p.ScheduledTime == nil && p.EndTime == nil && p.Metadata == nil
}

// Stats aggregates per-status counts over a date range.
type Stats struct {
	Pending   int
	Completed int
	Missed    int
	Skipped   int
	Total     int
}

// Store is the single source of truth for "what is due".
//
// Write methods bump UpdatedAt. Update/UpdateStatus/Delete on an unknown id
// return (false, nil) rather than an error; queries never mutate state.
type Store interface {
	ByID(ctx context.Context, id string) (event.CalendarEvent, bool, error)
	// ByDay returns a profile's events whose scheduled time falls on day.
	ByDay(ctx context.Context, profileID string, day time.Time) ([]event.CalendarEvent, error)
	// ByRange returns a profile's events with from <= ScheduledTime < to.
	// An empty profileID matches all profiles.
	ByRange(ctx context.Context, profileID string, from, to time.Time) ([]event.CalendarEvent, error)
	BySource(ctx context.Context, sourceID string) ([]event.CalendarEvent, error)
	// Overdue returns pending events with ScheduledTime < now. An empty
	// profileID matches all profiles.
	Overdue(ctx context.Context, profileID string, now time.Time) ([]event.CalendarEvent, error)
	// PendingInRange returns pending events with from <= ScheduledTime < to.
	// An empty profileID matches all profiles.
	PendingInRange(ctx context.Context, profileID string, from, to time.Time) ([]event.CalendarEvent, error)
	// Profiles lists the distinct profile ids present in the store.
	Profiles(ctx context.Context) ([]string, error)

	Create(ctx context.Context, ev event.CalendarEvent) error
	// CreateBatch inserts events one by one, skipping rows that would
	// violate the (source_id, scheduled_time) uniqueness invariant. It
	// returns the rows actually inserted and the first non-conflict error,
	// after attempting every row.
	CreateBatch(ctx context.Context, evs []event.CalendarEvent) ([]event.CalendarEvent, error)
	Update(ctx context.Context, id string, p Patch) (bool, error)
	// UpdateStatus moves an event out of pending. Terminal states are
	// one-shot: updating an already-terminal (or unknown) event returns
	// (false, nil).
	UpdateStatus(ctx context.Context, id string, st event.Status, completedAt *time.Time) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	// DeleteBySource removes every event of a source and returns their ids
	// so callers can cancel triggers.
	DeleteBySource(ctx context.Context, sourceID string) ([]string, error)
	// DeletePendingBySource removes a source's pending events only,
	// preserving terminal history. Used when a source is deactivated rather
	// than deleted. Returns the removed ids.
	DeletePendingBySource(ctx context.Context, sourceID string) ([]string, error)
	// DeletePendingInWindow removes a source's pending events with
	// from <= ScheduledTime < to, preserving terminal history. Returns the
	// removed ids.
	DeletePendingInWindow(ctx context.Context, sourceID string, from, to time.Time) ([]string, error)

	Stats(ctx context.Context, profileID string, from, to time.Time) (Stats, error)

	// Settings is a small KV surface for process-wide persisted values
	// (e.g. the escalation mode).
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error

	Close() error
}
