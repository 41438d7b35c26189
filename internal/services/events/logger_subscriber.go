package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/harvest/internal/interfaces"
	"github.com/ternarybob/harvest/internal/models"
)

// NewLoggerSubscriber creates an event handler that writes control-plane
// events to the service log
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		if event.Backend != "" {
			logEvent = logEvent.Str("backend", event.Backend)
		}

		switch p := event.Payload.(type) {
		case models.Run:
			logEvent = logEvent.
				Str("state", string(p.State)).
				Int("queue_size", p.QueueSize).
				Int("active", len(p.ActiveJobs))
		case *models.RunRecord:
			logger.Info().
				Str("backend", p.Backend).
				Str("run_id", p.ID).
				Str("final_state", string(p.FinalState)).
				Int("succeeded", p.Counts.Succeeded).
				Int("failed", p.Counts.Failed).
				Int("skipped", p.Counts.Skipped).
				Int("cancelled", p.Counts.Cancelled).
				Msg("Run finished")
			return nil
		}

		logEvent.Msg("Event published")

		return nil
	}
}

// SubscribeLoggerToRunEvents subscribes the logger to run lifecycle events.
// Job updates and log entries are too chatty for the service log.
func SubscribeLoggerToRunEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	eventTypes := []interfaces.EventType{
		interfaces.EventRunState,
		interfaces.EventRunCompleted,
	}

	for _, eventType := range eventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Debug().
		Int("event_type_count", len(eventTypes)).
		Msg("Logger subscribed to run events")

	return nil
}
