// ============================================================================
// Flowtree Event Store - Durable Completion History
// ============================================================================
//
// Package: internal/store
// File: store.go
// Function: SQLite-backed log of every completion event a server observed
//
// The store is just another CompletionListener: it subscribes to the
// server's dispatcher and appends one row per event. Queries serve the CLI
// status command and post-hoc inspection; nothing in the execution path
// reads from it.
//
// Write failures are logged and never propagated, matching the listener
// contract (a listener must not disturb the job that produced the event).
//
// ============================================================================

package store

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/flowtree/flowtree/pkg/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS completion_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id      TEXT NOT NULL,
	workstream  TEXT NOT NULL,
	status      TEXT NOT NULL,
	description TEXT,
	error       TEXT,
	branch      TEXT,
	commit_hash TEXT,
	files       TEXT,
	prompt      TEXT,
	session_id  TEXT,
	exit_code   INTEGER,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_workstream ON completion_events(workstream);
CREATE INDEX IF NOT EXISTS idx_events_job ON completion_events(job_id);
`

// EventStore persists completion events to a SQLite database.
type EventStore struct {
	db *sql.DB
}

// Open creates or opens the event database at path and ensures the schema.
func Open(path string) (*EventStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open event db %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init event schema: %w", err)
	}
	return &EventStore{db: db}, nil
}

// Close releases the database handle.
func (s *EventStore) Close() error { return s.db.Close() }

// OnJobStarted appends the STARTED row.
func (s *EventStore) OnJobStarted(ev job.CompletionEvent) { s.append(ev) }

// OnJobCompleted appends the terminal row.
func (s *EventStore) OnJobCompleted(ev job.CompletionEvent) { s.append(ev) }

func (s *EventStore) append(ev job.CompletionEvent) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO completion_events
		(job_id, workstream, status, description, error, branch, commit_hash,
		 files, prompt, session_id, exit_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.JobID, ev.WorkstreamID, string(ev.Status), ev.Description, ev.Error,
		ev.Branch, ev.Commit, strings.Join(ev.Files, "\n"), ev.Prompt,
		ev.SessionID, ev.ExitCode, ts,
	)
	if err != nil {
		log.Printf("EventStore: append %s event for job %s failed: %v",
			ev.Status, ev.JobID, err)
	}
}

// Record is one persisted completion event.
type Record struct {
	JobID        string
	WorkstreamID string
	Status       job.EventStatus
	Description  string
	Error        string
	ExitCode     int
	CreatedAt    time.Time
}

// Recent returns the newest events for a workstream, newest first.
func (s *EventStore) Recent(workstream string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT job_id, workstream, status, description, error, exit_code, created_at
		FROM completion_events
		WHERE workstream = ?
		ORDER BY id DESC
		LIMIT ?`, workstream, limit)
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", workstream, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var status string
		if err := rows.Scan(&r.JobID, &r.WorkstreamID, &status, &r.Description,
			&r.Error, &r.ExitCode, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Status = job.EventStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByStatus tallies events per terminal status for a workstream.
func (s *EventStore) CountByStatus(workstream string) (map[job.EventStatus]int, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*)
		FROM completion_events
		WHERE workstream = ?
		GROUP BY status`, workstream)
	if err != nil {
		return nil, fmt.Errorf("count events for %s: %w", workstream, err)
	}
	defer rows.Close()

	out := make(map[job.EventStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[job.EventStatus(status)] = n
	}
	return out, rows.Err()
}
