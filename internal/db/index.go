// Package db provides an optional SQLite index over the backup
// directory. The directory remains the sole authority on which
// artifacts exist; the index adds a queryable activity catalog for the
// list command and makes not-available outcomes durable across runs.
// It is reconciled against the directory at the start of every run and
// can be deleted at any time without losing backup state.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sstent/garminbackup/internal/garmin"
)

const timeLayout = "2006-01-02 15:04:05"

// Artifact states tracked per (activity, format).
const (
	statePresent      = "present"
	stateNotAvailable = "not_available"
	stateFailed       = "failed"
)

// Index is a SQLite-backed activity/artifact index.
type Index struct {
	db *sql.DB
}

// Open opens (and if needed creates) the index database.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the database connection.
func (x *Index) Close() error {
	return x.db.Close()
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS activities (
		activity_id INTEGER PRIMARY KEY,
		start_time TEXT NOT NULL,
		activity_type TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		activity_id INTEGER NOT NULL,
		format TEXT NOT NULL,
		state TEXT NOT NULL,
		filename TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (activity_id, format)
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_state ON artifacts(state);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// RecordActivity upserts catalog metadata for an activity.
func (x *Index) RecordActivity(a garmin.Activity) error {
	_, err := x.db.Exec(`
		INSERT INTO activities (activity_id, start_time, activity_type) VALUES (?, ?, ?)
		ON CONFLICT(activity_id) DO UPDATE SET start_time = excluded.start_time,
			activity_type = excluded.activity_type`,
		a.ID, a.StartTime.UTC().Format(timeLayout), a.Type)
	if err != nil {
		return fmt.Errorf("failed to record activity %d: %w", a.ID, err)
	}
	return nil
}

// MarkPresent records that the artifact file exists on disk.
func (x *Index) MarkPresent(id int64, format garmin.ExportFormat, filename string) error {
	return x.setState(id, format, statePresent, filename)
}

// MarkNotAvailable records that the remote has no such export.
func (x *Index) MarkNotAvailable(id int64, format garmin.ExportFormat) error {
	return x.setState(id, format, stateNotAvailable, "")
}

// MarkFailed records a fetch or persist failure. Failed artifacts are
// retried on the next run.
func (x *Index) MarkFailed(id int64, format garmin.ExportFormat) error {
	return x.setState(id, format, stateFailed, "")
}

func (x *Index) setState(id int64, format garmin.ExportFormat, state, filename string) error {
	_, err := x.db.Exec(`
		INSERT INTO artifacts (activity_id, format, state, filename, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(activity_id, format) DO UPDATE SET state = excluded.state,
			filename = excluded.filename, updated_at = excluded.updated_at`,
		id, string(format), state, filename, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to mark artifact %d/%s %s: %w", id, format, state, err)
	}
	return nil
}

// NotAvailable returns every (activity, format) recorded as having no
// remote export.
func (x *Index) NotAvailable() (map[int64]map[garmin.ExportFormat]bool, error) {
	rows, err := x.db.Query("SELECT activity_id, format FROM artifacts WHERE state = ?", stateNotAvailable)
	if err != nil {
		return nil, fmt.Errorf("failed to query not-available artifacts: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]map[garmin.ExportFormat]bool)
	for rows.Next() {
		var id int64
		var format string
		if err := rows.Scan(&id, &format); err != nil {
			return nil, fmt.Errorf("failed to scan artifact row: %w", err)
		}
		if out[id] == nil {
			out[id] = make(map[garmin.ExportFormat]bool)
		}
		out[id][garmin.ExportFormat(format)] = true
	}
	return out, rows.Err()
}

// Reconcile aligns the index with what the directory scan actually
// found. Present claims without a backing file are dropped, files on
// disk are recorded as present. The index never overrides the
// directory.
func (x *Index) Reconcile(present map[int64]map[garmin.ExportFormat]bool) error {
	rows, err := x.db.Query("SELECT activity_id, format FROM artifacts WHERE state = ?", statePresent)
	if err != nil {
		return fmt.Errorf("failed to query present artifacts: %w", err)
	}
	type key struct {
		id     int64
		format garmin.ExportFormat
	}
	var stale []key
	confirmed := make(map[key]bool)
	for rows.Next() {
		var id int64
		var format string
		if err := rows.Scan(&id, &format); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan artifact row: %w", err)
		}
		k := key{id, garmin.ExportFormat(format)}
		if present[k.id][k.format] {
			confirmed[k] = true
		} else {
			stale = append(stale, k)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, k := range stale {
		if _, err := x.db.Exec(
			"DELETE FROM artifacts WHERE activity_id = ? AND format = ?", k.id, string(k.format)); err != nil {
			return fmt.Errorf("failed to drop stale artifact record: %w", err)
		}
	}
	for id, formats := range present {
		for f := range formats {
			if confirmed[key{id, f}] {
				// Already recorded, with its filename. Re-marking
				// would wipe the filename column.
				continue
			}
			if err := x.MarkPresent(id, f, ""); err != nil {
				return err
			}
		}
	}
	return nil
}

// Entry is one indexed activity with its artifact states, as shown by
// the list command.
type Entry struct {
	Activity garmin.Activity
	States   map[garmin.ExportFormat]string
}

// Activities returns indexed activities ordered by start time
// descending, with pagination. pageSize <= 0 disables pagination.
func (x *Index) Activities(page, pageSize int) ([]Entry, error) {
	query := "SELECT activity_id, start_time, activity_type FROM activities ORDER BY start_time DESC"
	var args []any
	if pageSize > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, pageSize, (page-1)*pageSize)
	}
	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var startTime string
		if err := rows.Scan(&e.Activity.ID, &startTime, &e.Activity.Type); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		e.Activity.StartTime, _ = time.ParseInLocation(timeLayout, startTime, time.UTC)
		e.States = make(map[garmin.ExportFormat]string)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range entries {
		if err := x.loadStates(&entries[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (x *Index) loadStates(e *Entry) error {
	rows, err := x.db.Query("SELECT format, state FROM artifacts WHERE activity_id = ?", e.Activity.ID)
	if err != nil {
		return fmt.Errorf("failed to query artifact states: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var format, state string
		if err := rows.Scan(&format, &state); err != nil {
			return fmt.Errorf("failed to scan artifact state: %w", err)
		}
		e.States[garmin.ExportFormat(format)] = state
	}
	return rows.Err()
}
