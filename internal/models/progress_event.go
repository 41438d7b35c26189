package models

// EventType is the declared type of a streamed progress frame
type EventType string

const (
	EventStatus   EventType = "status"
	EventCaptcha  EventType = "captcha"
	EventSearch   EventType = "search"
	EventResult   EventType = "result"
	EventDetail   EventType = "detail"
	EventSuccess  EventType = "success"
	EventSkip     EventType = "skip"
	EventWarning  EventType = "warning"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// IsKnown reports whether t is one of the protocol's event types
func (t EventType) IsKnown() bool {
	switch t {
	case EventStatus, EventCaptcha, EventSearch, EventResult, EventDetail,
		EventSuccess, EventSkip, EventWarning, EventError, EventComplete:
		return true
	}
	return false
}

// EventData is the optional payload of a progress frame.
// Which fields are populated depends on the event type, e.g. complete carries
// Saved/Duration and detail carries Current/Total/Title.
type EventData struct {
	Detail   string   `json:"detail,omitempty"`
	Count    *int     `json:"count,omitempty"`
	Current  *int     `json:"current,omitempty"`
	Total    *int     `json:"total,omitempty"`
	Title    string   `json:"title,omitempty"`
	Saved    *int     `json:"saved,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
	Solving  *bool    `json:"solving,omitempty"`
	Solved   *bool    `json:"solved,omitempty"`
	Time     *float64 `json:"time,omitempty"`
	Stack    string   `json:"stack,omitempty"`
	Details  string   `json:"details,omitempty"`

	// Batch endpoint routing keys
	Company     string `json:"company,omitempty"`
	EntityLabel string `json:"entityLabel,omitempty"`
	EntityID    string `json:"entityId,omitempty"`
}

// ProgressEvent is one decoded frame of the streaming protocol
type ProgressEvent struct {
	Type    EventType  `json:"type"`
	Message string     `json:"message,omitempty"`
	Data    *EventData `json:"data,omitempty"`
}

// SavedCount returns data.saved, or 0 when absent
func (e ProgressEvent) SavedCount() int {
	if e.Data == nil || e.Data.Saved == nil {
		return 0
	}
	return *e.Data.Saved
}

// RoutingKeys returns the batch routing keys present on the event, most specific first
func (e ProgressEvent) RoutingKeys() []string {
	if e.Data == nil {
		return nil
	}
	var keys []string
	for _, k := range []string{e.Data.EntityID, e.Data.EntityLabel, e.Data.Company} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
