package logs

import (
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/harvest/internal/models"
)

// FromEvent converts one progress event of a job into an operator log entry
func FromEvent(job *models.Job, ev models.ProgressEvent) models.LogEntry {
	entry := fromEvent(job.EntityLabel, ev)
	entry.JobID = job.ID
	entry.EntityID = job.EntityID
	return entry
}

// FromBatchEvent converts a batch frame that names no entity
func FromBatchEvent(size int, ev models.ProgressEvent) models.LogEntry {
	return fromEvent(BatchLabel(size), ev)
}

// BatchLabel is the log prefix used for frames and waits that cover a whole batch
func BatchLabel(size int) string {
	return fmt.Sprintf("batch of %d", size)
}

func fromEvent(label string, ev models.ProgressEvent) models.LogEntry {
	entry := models.LogEntry{
		Level:   levelFor(ev.Type),
		Message: fmt.Sprintf("[%s] %s", label, describe(ev)),
	}
	if ev.Data != nil {
		entry.Detail = firstNonEmpty(ev.Data.Detail, ev.Data.Details, ev.Data.Stack)
	}
	return entry
}

// Summary is the single entry written for a job's terminal outcome
func Summary(job *models.Job) models.LogEntry {
	entry := models.LogEntry{
		JobID:    job.ID,
		EntityID: job.EntityID,
	}
	elapsed := job.Duration().Round(100 * time.Millisecond)

	switch job.State {
	case models.JobStateSucceeded:
		if job.Skipped && job.ResultCount == 0 {
			entry.Level = models.LogLevelInfo
			entry.Message = fmt.Sprintf("[%s] Skipped (%s)", job.EntityLabel, elapsed)
		} else {
			entry.Level = models.LogLevelSuccess
			entry.Message = fmt.Sprintf("[%s] Completed: %d saved (%s)", job.EntityLabel, job.ResultCount, elapsed)
		}
	case models.JobStateFailed:
		entry.Level = models.LogLevelError
		entry.Message = fmt.Sprintf("[%s] Failed (%s)", job.EntityLabel, elapsed)
		entry.Detail = job.Error
	case models.JobStateCancelled:
		entry.Level = models.LogLevelWarn
		entry.Message = fmt.Sprintf("[%s] Cancelled", job.EntityLabel)
	default:
		entry.Level = models.LogLevelInfo
		entry.Message = fmt.Sprintf("[%s] %s", job.EntityLabel, job.State)
	}
	if job.RetryCount > 0 {
		entry.Message += fmt.Sprintf(" after %d retries", job.RetryCount)
	}
	return entry
}

func levelFor(t models.EventType) models.LogLevel {
	switch t {
	case models.EventError:
		return models.LogLevelError
	case models.EventWarning:
		return models.LogLevelWarn
	case models.EventSuccess, models.EventComplete:
		return models.LogLevelSuccess
	case models.EventStatus, models.EventCaptcha, models.EventSearch,
		models.EventResult, models.EventDetail, models.EventSkip:
		return models.LogLevelInfo
	default:
		return models.LogLevelDebug
	}
}

// describe produces the human-readable text of an event, falling back to a
// per-type default when the backend sent no message.
func describe(ev models.ProgressEvent) string {
	msg := strings.TrimSpace(ev.Message)
	d := ev.Data

	switch ev.Type {
	case models.EventCaptcha:
		if msg == "" {
			msg = "Captcha"
		}
		if d != nil && d.Solved != nil && *d.Solved && d.Time != nil {
			return fmt.Sprintf("%s (solved in %.1fs)", msg, *d.Time)
		}
		return msg
	case models.EventResult:
		if msg == "" && d != nil && d.Count != nil {
			return fmt.Sprintf("Found %d results", *d.Count)
		}
	case models.EventDetail:
		if d != nil && d.Current != nil && d.Total != nil {
			text := firstNonEmpty(d.Title, msg, "Fetching details")
			return fmt.Sprintf("(%d/%d) %s", *d.Current, *d.Total, text)
		}
	case models.EventComplete:
		if d != nil && d.Saved != nil {
			text := fmt.Sprintf("Saved %d", *d.Saved)
			if d.Duration != nil {
				text += fmt.Sprintf(" in %.1fs", *d.Duration)
			}
			if msg != "" {
				return msg + " - " + text
			}
			return text
		}
	}

	if msg == "" {
		return string(ev.Type)
	}
	return msg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
