// Package audit records backend lifecycle events and captured process output
// in SQLite so that failed installs and launches can be diagnosed without
// re-running them.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventInstallStarted   EventType = "install_started"
	EventInstallSucceeded EventType = "install_succeeded"
	EventInstallFailed    EventType = "install_failed"
	EventBackendLaunched  EventType = "backend_launched"
	EventBackendReady     EventType = "backend_ready"
	EventBackendCrashed   EventType = "backend_crashed"
	EventBackendTimeout   EventType = "backend_timeout"
	EventBackendStopped   EventType = "backend_stopped"
	EventBackendReaped    EventType = "backend_reaped"
	EventEsmRegistered    EventType = "esm_registered"
	EventEsmTerminated    EventType = "esm_terminated"
)

// Event is a single lifecycle entry. TraceID ties it to the output lines
// captured for the same install or launch.
type Event struct {
	ID        string    `db:"id" json:"id"`
	TraceID   string    `db:"trace_id" json:"traceId"`
	EventType EventType `db:"event_type" json:"eventType"`
	Timestamp int64     `db:"timestamp" json:"timestamp"`
	Name      string    `db:"name" json:"name"`
	Version   string    `db:"version" json:"version"`
	Partition string    `db:"partition_id" json:"partition,omitempty"`
	Port      int       `db:"port" json:"port,omitempty"`
	ExitCode  *int      `db:"exit_code" json:"exitCode,omitempty"` // Nullable when no process exited
	Detail    string    `db:"detail" json:"detail,omitempty"`
}

// OutputLine is one line of captured stdout/stderr.
type OutputLine struct {
	TraceID   string `db:"trace_id"`
	Seq       int64  `db:"seq"`
	Timestamp int64  `db:"timestamp"`
	Line      string `db:"line"`
}

// Logger persists lifecycle events and process output.
type Logger struct {
	db *sqlx.DB

	// SQLite allows one writer at a time; output drains write concurrently.
	mu  sync.Mutex
	seq int64
}

// NewLogger creates a new audit logger instance
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	var seq int64
	if err := db.Get(&seq, "SELECT COALESCE(MAX(seq), 0) FROM process_output"); err != nil {
		return nil, err
	}
	return &Logger{
		db:  db,
		seq: seq,
	}, nil
}

// DBInit initializes the lifecycle and output tables
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		partition_id TEXT NOT NULL,
		port INTEGER NOT NULL,
		exit_code INTEGER,
		detail TEXT NOT NULL
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS process_output (
		seq INTEGER PRIMARY KEY,
		trace_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		line TEXT NOT NULL
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_trace_id ON lifecycle_events(trace_id)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_event_type ON lifecycle_events(event_type)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_process_output_trace_id ON process_output(trace_id)`)
	return err
}

// RecordEvent stores a lifecycle event. ID and Timestamp are filled in when empty.
func (l *Logger) RecordEvent(event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UTC().UnixMilli()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`
		INSERT INTO lifecycle_events (
			id, trace_id, event_type, timestamp, name, version, partition_id, port, exit_code, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID,
		event.TraceID,
		event.EventType,
		event.Timestamp,
		event.Name,
		event.Version,
		event.Partition,
		event.Port,
		event.ExitCode,
		event.Detail,
	)
	return err
}

// RecordOutput appends one captured output line under the given trace id.
func (l *Logger) RecordOutput(traceID, line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	_, err := l.db.Exec(
		"INSERT INTO process_output (seq, trace_id, timestamp, line) VALUES ($1, $2, $3, $4)",
		l.seq, traceID, time.Now().UTC().UnixMilli(), line)
	return err
}

// GetOutput returns the output lines captured under traceID in write order.
// A limit <= 0 returns everything.
func (l *Logger) GetOutput(traceID string, limit int) ([]OutputLine, error) {
	var lines []OutputLine
	var err error
	if limit > 0 {
		err = l.db.Select(&lines,
			"SELECT trace_id, seq, timestamp, line FROM process_output WHERE trace_id = $1 ORDER BY seq ASC LIMIT $2",
			traceID, limit)
	} else {
		err = l.db.Select(&lines,
			"SELECT trace_id, seq, timestamp, line FROM process_output WHERE trace_id = $1 ORDER BY seq ASC",
			traceID)
	}
	return lines, err
}

// GetEventsByTraceID retrieves lifecycle events recorded under a trace id
func (l *Logger) GetEventsByTraceID(traceID string) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM lifecycle_events WHERE trace_id = $1 ORDER BY timestamp ASC, rowid ASC",
		traceID)
	return events, err
}

// GetEventsByType retrieves lifecycle events of a specific type
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM lifecycle_events WHERE event_type = $1 ORDER BY timestamp DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent lifecycle events
func (l *Logger) GetRecentEvents(limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM lifecycle_events ORDER BY timestamp DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes events and output older than the specified duration
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixMilli()
	l.mu.Lock()
	defer l.mu.Unlock()
	result, err := l.db.Exec("DELETE FROM lifecycle_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	if _, err := l.db.Exec("DELETE FROM process_output WHERE timestamp < $1", threshold); err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
