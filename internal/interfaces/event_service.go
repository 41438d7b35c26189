package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	// EventRunState carries a models.Run snapshot after a control-plane transition
	EventRunState EventType = "run_state"
	// EventJobUpdate carries a models.Job snapshot after a visible change
	EventJobUpdate EventType = "job_update"
	// EventLogEntry carries a models.LogEntry appended to a backend's log
	EventLogEntry EventType = "log_entry"
	// EventRunCompleted carries the models.RunRecord of a finished run
	EventRunCompleted EventType = "run_completed"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Backend string
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
