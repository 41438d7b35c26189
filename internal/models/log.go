package models

import "time"

// LogLevel is the severity of an operator log entry
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelSuccess LogLevel = "success"
	LogLevelWarn    LogLevel = "warn"
	LogLevelError   LogLevel = "error"
)

// LogEntry is one line of a run's operator log.
// Entries are append-only and never mutated after creation.
//
// ID is a per-log monotonically increasing sequence (1-based) so clients can
// poll with "since" and detect dropped entries after ring eviction.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"`
}
