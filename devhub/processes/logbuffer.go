package processes

import (
	"sync"
	"time"
)

// ProcessLogEntry represents a single line of output from a launched process
type ProcessLogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "install" or "server"
	Message   string    `json:"message"`
	PID       int       `json:"pid"`
}

// LogBuffer is an append-only list of output lines. With a positive capacity
// the oldest entries are dropped once it is full.
type LogBuffer struct {
	mu        sync.RWMutex
	entries   []ProcessLogEntry
	capacity  int
	nextID    int64
	callbacks []func(ProcessLogEntry)
}

// NewLogBuffer creates a new log buffer. A capacity <= 0 keeps every line.
func NewLogBuffer(capacity int) *LogBuffer {
	initial := capacity
	if initial <= 0 {
		initial = 64
	}
	return &LogBuffer{
		entries:  make([]ProcessLogEntry, 0, initial),
		capacity: capacity,
		nextID:   1,
	}
}

// AddEntry adds a new log entry to the buffer
func (lb *LogBuffer) AddEntry(source, message string, pid int) {
	lb.mu.Lock()

	entry := ProcessLogEntry{
		ID:        lb.nextID,
		Timestamp: time.Now(),
		Source:    source,
		Message:   message,
		PID:       pid,
	}

	if lb.capacity > 0 && len(lb.entries) >= lb.capacity {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, entry)
	lb.nextID++
	callbacks := lb.callbacks
	lb.mu.Unlock()

	// Callbacks run in order on the draining goroutine so sinks see lines in sequence.
	for _, callback := range callbacks {
		callback(entry)
	}
}

// Lines returns the captured messages in order.
func (lb *LogBuffer) Lines() []string {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	lines := make([]string, len(lb.entries))
	for i, entry := range lb.entries {
		lines[i] = entry.Message
	}
	return lines
}

// GetEntriesFromID returns all log entries with ID greater than the specified ID
func (lb *LogBuffer) GetEntriesFromID(fromID int64) []ProcessLogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	result := make([]ProcessLogEntry, 0)
	for _, entry := range lb.entries {
		if entry.ID > fromID {
			result = append(result, entry)
		}
	}
	return result
}

// AddCallback adds a callback function to be called when new log entries are added
func (lb *LogBuffer) AddCallback(callback func(ProcessLogEntry)) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.callbacks = append(lb.callbacks, callback)
}

// Len returns the number of buffered entries
func (lb *LogBuffer) Len() int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return len(lb.entries)
}
