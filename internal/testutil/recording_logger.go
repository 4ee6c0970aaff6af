// Package testutil provides common test utilities for ABLab.
package testutil

import (
	"sync"

	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
)

// RecordingLogger implements logging.Logger and captures every entry so tests
// can assert on what was logged.
type RecordingLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

// LogEntry is a single captured log call.
type LogEntry struct {
	Level   string
	Message string
	Fields  []logging.Field
}

// NewRecordingLogger creates an empty RecordingLogger.
func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{}
}

func (l *RecordingLogger) record(level, msg string, fields []logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Message: msg, Fields: fields})
}

func (l *RecordingLogger) Debug(msg string, fields ...logging.Field) { l.record("debug", msg, fields) }
func (l *RecordingLogger) Info(msg string, fields ...logging.Field)  { l.record("info", msg, fields) }
func (l *RecordingLogger) Warn(msg string, fields ...logging.Field)  { l.record("warn", msg, fields) }
func (l *RecordingLogger) Error(msg string, fields ...logging.Field) { l.record("error", msg, fields) }
func (l *RecordingLogger) Fatal(msg string, fields ...logging.Field) { l.record("fatal", msg, fields) }

// With and Named return the same recorder so child-logger entries are still
// captured; the attached fields and name are not tracked.
func (l *RecordingLogger) With(fields ...logging.Field) logging.Logger { return l }
func (l *RecordingLogger) Named(name string) logging.Logger            { return l }

// Entries returns a copy of all captured entries.
func (l *RecordingLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// HasEntry reports whether a call with the given level and message was made.
func (l *RecordingLogger) HasEntry(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}

// Reset discards all captured entries.
func (l *RecordingLogger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
}
