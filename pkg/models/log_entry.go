package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// LogEntry is one append-only log line reported by the agent for a task.
// Entries are never mutated or reordered; consumers receive them in append order.
type LogEntry struct {
	ID        int64          `db:"id"        json:"-"`
	TaskID    uuid.UUID      `db:"task_id"   json:"task_id"`
	Timestamp time.Time      `db:"ts"        json:"timestamp"`
	Level     string         `db:"level"     json:"level"`
	Message   string         `db:"message"   json:"message"`
	Metadata  map[string]any `db:"metadata"  json:"metadata,omitempty"`
}
