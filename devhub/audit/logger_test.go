package audit

import (
	"os"
	"path"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates a temporary test database
func setupTestDB(t *testing.T) *sqlx.DB {
	tmpDir := t.TempDir()
	dbPath := path.Join(tmpDir, "test_audit.db")
	db := sqlx.MustConnect("sqlite3", dbPath)
	t.Cleanup(func() {
		db.Close()
		os.Remove(dbPath)
	})
	return db
}

func TestNewLogger(t *testing.T) {
	db := setupTestDB(t)
	logger, err := NewLogger(db)

	if err != nil {
		t.Fatalf("NewLogger returned error: %v", err)
	}

	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	if logger.db == nil {
		t.Fatal("Logger's internal db is nil")
	}
}

func TestDBInit(t *testing.T) {
	db := setupTestDB(t)
	err := DBInit(db)

	if err != nil {
		t.Fatalf("DBInit returned error: %v", err)
	}

	for _, table := range []string{"lifecycle_events", "process_output"} {
		var tableName string
		err = db.Get(&tableName, "SELECT name FROM sqlite_master WHERE type='table' AND name=$1", table)
		if err != nil {
			t.Fatalf("Table '%s' does not exist: %v", table, err)
		}
	}

	var count int
	err = db.Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND tbl_name='lifecycle_events'")
	if err != nil {
		t.Fatalf("Failed to query indexes: %v", err)
	}
	if count < 2 {
		t.Errorf("Expected at least 2 indexes, got %d", count)
	}

	// DBInit must be idempotent
	if err := DBInit(db); err != nil {
		t.Fatalf("second DBInit returned error: %v", err)
	}
}

func TestRecordEvent(t *testing.T) {
	db := setupTestDB(t)
	logger, err := NewLogger(db)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	exitCode := 2
	err = logger.RecordEvent(Event{
		TraceID:   "install-1",
		EventType: EventInstallFailed,
		Name:      "foo",
		Version:   "1.2.0",
		Partition: "app",
		ExitCode:  &exitCode,
		Detail:    "install script failed",
	})
	if err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}

	events, err := logger.GetEventsByTraceID("install-1")
	if err != nil {
		t.Fatalf("GetEventsByTraceID failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.ID == "" {
		t.Error("Expected id to be generated")
	}
	if event.Timestamp == 0 {
		t.Error("Expected timestamp to be set")
	}
	if event.EventType != EventInstallFailed {
		t.Errorf("Expected event_type '%s', got '%s'", EventInstallFailed, event.EventType)
	}
	if event.ExitCode == nil || *event.ExitCode != 2 {
		t.Errorf("Expected exit_code 2, got %v", event.ExitCode)
	}
	if event.Partition != "app" {
		t.Errorf("Expected partition 'app', got '%s'", event.Partition)
	}
}

func TestRecordEventWithoutExitCode(t *testing.T) {
	db := setupTestDB(t)
	logger, err := NewLogger(db)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	if err := logger.RecordEvent(Event{TraceID: "t", EventType: EventBackendReady, Port: 9000}); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}

	events, err := logger.GetEventsByType(EventBackendReady, 10)
	if err != nil {
		t.Fatalf("GetEventsByType failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].ExitCode != nil {
		t.Errorf("Expected nil exit_code, got %v", *events[0].ExitCode)
	}
	if events[0].Port != 9000 {
		t.Errorf("Expected port 9000, got %d", events[0].Port)
	}
}

func TestRecordOutputPreservesOrder(t *testing.T) {
	db := setupTestDB(t)
	logger, err := NewLogger(db)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	lines := []string{"first", "second", "third"}
	for _, line := range lines {
		if err := logger.RecordOutput("trace-a", line); err != nil {
			t.Fatalf("RecordOutput failed: %v", err)
		}
	}
	logger.RecordOutput("trace-b", "other")

	output, err := logger.GetOutput("trace-a", 0)
	if err != nil {
		t.Fatalf("GetOutput failed: %v", err)
	}
	if len(output) != len(lines) {
		t.Fatalf("Expected %d lines, got %d", len(lines), len(output))
	}
	for i, line := range lines {
		if output[i].Line != line {
			t.Errorf("line %d: expected %q, got %q", i, line, output[i].Line)
		}
	}

	limited, err := logger.GetOutput("trace-a", 2)
	if err != nil {
		t.Fatalf("GetOutput with limit failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected 2 lines, got %d", len(limited))
	}
}

func TestSequenceSurvivesReopen(t *testing.T) {
	db := setupTestDB(t)
	logger, err := NewLogger(db)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	logger.RecordOutput("trace", "one")

	reopened, err := NewLogger(db)
	if err != nil {
		t.Fatalf("Failed to reopen logger: %v", err)
	}
	if err := reopened.RecordOutput("trace", "two"); err != nil {
		t.Fatalf("RecordOutput after reopen failed: %v", err)
	}

	output, _ := reopened.GetOutput("trace", 0)
	if len(output) != 2 || output[1].Line != "two" {
		t.Errorf("Unexpected output after reopen: %+v", output)
	}
}

func TestGetRecentEvents(t *testing.T) {
	db := setupTestDB(t)
	logger, err := NewLogger(db)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	for i := 0; i < 5; i++ {
		logger.RecordEvent(Event{TraceID: "t", EventType: EventBackendLaunched, Timestamp: int64(1000 + i)})
	}

	events, err := logger.GetRecentEvents(3)
	if err != nil {
		t.Fatalf("GetRecentEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].Timestamp < events[1].Timestamp {
		t.Error("Events should be ordered newest first")
	}
}

func TestDeleteOldEvents(t *testing.T) {
	db := setupTestDB(t)
	logger, err := NewLogger(db)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	old := time.Now().Add(-48 * time.Hour).UTC().UnixMilli()
	logger.RecordEvent(Event{TraceID: "old", EventType: EventBackendStopped, Timestamp: old})
	logger.RecordEvent(Event{TraceID: "new", EventType: EventBackendStopped})

	deleted, err := logger.DeleteOldEvents(24 * time.Hour)
	if err != nil {
		t.Fatalf("DeleteOldEvents failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted event, got %d", deleted)
	}

	remaining, _ := logger.GetRecentEvents(10)
	if len(remaining) != 1 || remaining[0].TraceID != "new" {
		t.Errorf("Unexpected remaining events: %+v", remaining)
	}
}
