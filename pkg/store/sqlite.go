package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"carebell/pkg/event"
	"carebell/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// timeFormat is RFC3339 with a fixed-width millisecond fraction. All values
// are stored in UTC, so lexicographic comparison in SQL matches chronological
// order.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const eventCols = `id, profile_id, event_type, source_id, title, scheduled_time,
	end_time, status, completed_time, metadata, created_at, updated_at`

func (s *sqliteStore) ByID(ctx context.Context, id string) (event.CalendarEvent, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventCols+` FROM calendar_events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.CalendarEvent{}, false, nil
	}
	if err != nil {
		return event.CalendarEvent{}, false, err
	}
	return ev, true, nil
}

func (s *sqliteStore) ByDay(ctx context.Context, profileID string, day time.Time) ([]event.CalendarEvent, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return s.ByRange(ctx, profileID, start, start.AddDate(0, 0, 1))
}

func (s *sqliteStore) ByRange(ctx context.Context, profileID string, from, to time.Time) ([]event.CalendarEvent, error) {
	q := `SELECT ` + eventCols + ` FROM calendar_events
		WHERE scheduled_time >= ? AND scheduled_time < ?`
	args := []any{fmtTime(from), fmtTime(to)}
	if profileID != "" {
		q += ` AND profile_id = ?`
		args = append(args, profileID)
	}
	q += ` ORDER BY scheduled_time`
	return s.queryEvents(ctx, q, args...)
}

func (s *sqliteStore) BySource(ctx context.Context, sourceID string) ([]event.CalendarEvent, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventCols+` FROM calendar_events WHERE source_id = ? ORDER BY scheduled_time`,
		sourceID)
}

func (s *sqliteStore) Overdue(ctx context.Context, profileID string, now time.Time) ([]event.CalendarEvent, error) {
	q := `SELECT ` + eventCols + ` FROM calendar_events
		WHERE status = ? AND scheduled_time < ?`
	args := []any{string(event.StatusPending), fmtTime(now)}
	if profileID != "" {
		q += ` AND profile_id = ?`
		args = append(args, profileID)
	}
	q += ` ORDER BY scheduled_time`
	return s.queryEvents(ctx, q, args...)
}

func (s *sqliteStore) PendingInRange(ctx context.Context, profileID string, from, to time.Time) ([]event.CalendarEvent, error) {
	q := `SELECT ` + eventCols + ` FROM calendar_events
		WHERE status = ? AND scheduled_time >= ? AND scheduled_time < ?`
	args := []any{string(event.StatusPending), fmtTime(from), fmtTime(to)}
	if profileID != "" {
		q += ` AND profile_id = ?`
		args = append(args, profileID)
	}
	q += ` ORDER BY scheduled_time`
	return s.queryEvents(ctx, q, args...)
}

func (s *sqliteStore) Profiles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT profile_id FROM calendar_events ORDER BY profile_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Create(ctx context.Context, ev event.CalendarEvent) error {
	now := time.Now()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now
	if ev.Status == "" {
		ev.Status = event.StatusPending
	}

	meta, err := marshalMetadata(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO calendar_events(`+eventCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.ProfileID, string(ev.Type), ev.SourceID, ev.Title,
		fmtTime(ev.ScheduledTime), fmtTimePtr(ev.EndTime), string(ev.Status),
		fmtTimePtr(ev.CompletedTime), meta, fmtTime(ev.CreatedAt), fmtTime(ev.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) CreateBatch(ctx context.Context, evs []event.CalendarEvent) ([]event.CalendarEvent, error) {
	inserted := make([]event.CalendarEvent, 0, len(evs))
	var firstErr error
	for _, ev := range evs {
		err := s.Create(ctx, ev)
		if err == nil {
			inserted = append(inserted, ev)
			continue
		}
		if isUniqueViolation(err) {
			// Duplicate (source_id, scheduled_time): the row already exists,
			// which is exactly what regeneration idempotency wants.
			s.log.Debug("batch insert skipped duplicate occurrence",
				logx.String("source", ev.SourceID), logx.Time("at", ev.ScheduledTime))
			continue
		}
		s.log.Warn("batch insert failed", logx.Err(err), logx.String("event", ev.ID))
		if firstErr == nil {
			firstErr = err
		}
	}
	return inserted, firstErr
}

func (s *sqliteStore) Update(ctx context.Context, id string, p Patch) (bool, error) {
	if p.empty() {
		_, ok, err := s.ByID(ctx, id)
		return ok, err
	}

	sets := []string{"updated_at = ?"}
	args := []any{fmtTime(time.Now())}
	if p.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *p.Title)
	}
	if p.ScheduledTime != nil {
		sets = append(sets, "scheduled_time = ?")
		args = append(args, fmtTime(*p.ScheduledTime))
	}
	if p.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, fmtTime(*p.EndTime))
	}
	if p.Metadata != nil {
		meta, err := marshalMetadata(p.Metadata)
		if err != nil {
			return false, err
		}
		sets = append(sets, "metadata = ?")
		args = append(args, meta)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE calendar_events SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, st event.Status, completedAt *time.Time) (bool, error) {
	if !st.Valid() {
		return false, fmt.Errorf("store: invalid status %q", st)
	}
	// Terminal states are one-shot: only a pending row may leave pending.
	res, err := s.db.ExecContext(ctx,
		`UPDATE calendar_events SET status = ?, completed_time = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(st), fmtTimePtr(completedAt), fmtTime(time.Now()),
		id, string(event.StatusPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM calendar_events WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) DeleteBySource(ctx context.Context, sourceID string) ([]string, error) {
	return s.deleteWhere(ctx, `source_id = ?`, sourceID)
}

func (s *sqliteStore) DeletePendingBySource(ctx context.Context, sourceID string) ([]string, error) {
	return s.deleteWhere(ctx, `source_id = ? AND status = ?`, sourceID, string(event.StatusPending))
}

func (s *sqliteStore) DeletePendingInWindow(ctx context.Context, sourceID string, from, to time.Time) ([]string, error) {
	return s.deleteWhere(ctx,
		`source_id = ? AND status = ? AND scheduled_time >= ? AND scheduled_time < ?`,
		sourceID, string(event.StatusPending), fmtTime(from), fmtTime(to))
}

func (s *sqliteStore) deleteWhere(ctx context.Context, where string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM calendar_events WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM calendar_events WHERE `+where, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *sqliteStore) Stats(ctx context.Context, profileID string, from, to time.Time) (Stats, error) {
	q := `SELECT status, COUNT(*) FROM calendar_events
		WHERE scheduled_time >= ? AND scheduled_time < ?`
	args := []any{fmtTime(from), fmtTime(to)}
	if profileID != "" {
		q += ` AND profile_id = ?`
		args = append(args, profileID)
	}
	q += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch event.Status(status) {
		case event.StatusPending:
			st.Pending = n
		case event.StatusCompleted:
			st.Completed = n
		case event.StatusMissed:
			st.Missed = n
		case event.StatusSkipped:
			st.Skipped = n
		}
		st.Total += n
	}
	return st, rows.Err()
}

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, fmtTime(time.Now()))
	return err
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqliteStore) queryEvents(ctx context.Context, q string, args ...any) ([]event.CalendarEvent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.CalendarEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(r rowScanner) (event.CalendarEvent, error) {
	var (
		ev                            event.CalendarEvent
		typ, status                   string
		scheduled, createdAt, updated string
		endTime, completed, meta      sql.NullString
	)
	err := r.Scan(&ev.ID, &ev.ProfileID, &typ, &ev.SourceID, &ev.Title,
		&scheduled, &endTime, &status, &completed, &meta, &createdAt, &updated)
	if err != nil {
		return event.CalendarEvent{}, err
	}
	ev.Type = event.Type(typ)
	ev.Status = event.Status(status)
	if ev.ScheduledTime, err = parseTime(scheduled); err != nil {
		return event.CalendarEvent{}, err
	}
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return event.CalendarEvent{}, err
	}
	if ev.UpdatedAt, err = parseTime(updated); err != nil {
		return event.CalendarEvent{}, err
	}
	if ev.EndTime, err = parseTimePtr(endTime); err != nil {
		return event.CalendarEvent{}, err
	}
	if ev.CompletedTime, err = parseTimePtr(completed); err != nil {
		return event.CalendarEvent{}, err
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &ev.Metadata); err != nil {
			return event.CalendarEvent{}, fmt.Errorf("store: bad metadata for %s: %w", ev.ID, err)
		}
	}
	return ev, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
