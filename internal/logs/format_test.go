package logs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/harvest/internal/models"
)

func testJob() *models.Job {
	job := models.NewJob("job-1", "run-1", "announcements", "ACM", "Acme Ltd", nil)
	start := time.Now().Add(-2 * time.Second)
	job.StartedAt = &start
	return job
}

func TestFromEvent(t *testing.T) {
	job := testJob()
	four, five, two := 4, 5, 2
	saved := 3
	dur := 12.34
	solved := true
	took := 8.2

	tests := []struct {
		name    string
		event   models.ProgressEvent
		level   models.LogLevel
		message string
		detail  string
	}{
		{"status", models.ProgressEvent{Type: models.EventStatus, Message: "Connecting"}, models.LogLevelInfo, "[Acme Ltd] Connecting", ""},
		{"captcha solved", models.ProgressEvent{Type: models.EventCaptcha, Message: "Captcha", Data: &models.EventData{Solved: &solved, Time: &took}}, models.LogLevelInfo, "[Acme Ltd] Captcha (solved in 8.2s)", ""},
		{"result count", models.ProgressEvent{Type: models.EventResult, Data: &models.EventData{Count: &four}}, models.LogLevelInfo, "[Acme Ltd] Found 4 results", ""},
		{"detail", models.ProgressEvent{Type: models.EventDetail, Data: &models.EventData{Current: &two, Total: &five, Title: "Quarterly report"}}, models.LogLevelInfo, "[Acme Ltd] (2/5) Quarterly report", ""},
		{"complete", models.ProgressEvent{Type: models.EventComplete, Data: &models.EventData{Saved: &saved, Duration: &dur}}, models.LogLevelSuccess, "[Acme Ltd] Saved 3 in 12.3s", ""},
		{"error with stack", models.ProgressEvent{Type: models.EventError, Message: "Search failed", Data: &models.EventData{Stack: "at search()"}}, models.LogLevelError, "[Acme Ltd] Search failed", "at search()"},
		{"warning", models.ProgressEvent{Type: models.EventWarning, Message: "Slow page", Data: &models.EventData{Detail: "12s"}}, models.LogLevelWarn, "[Acme Ltd] Slow page", "12s"},
		{"no message", models.ProgressEvent{Type: models.EventSkip}, models.LogLevelInfo, "[Acme Ltd] skip", ""},
		{"unknown type", models.ProgressEvent{Type: "heartbeat"}, models.LogLevelDebug, "[Acme Ltd] heartbeat", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := FromEvent(job, tt.event)
			assert.Equal(t, tt.level, e.Level)
			assert.Equal(t, tt.message, e.Message)
			assert.Equal(t, tt.detail, e.Detail)
			assert.Equal(t, "job-1", e.JobID)
			assert.Equal(t, "ACM", e.EntityID)
		})
	}
}

func TestSummary(t *testing.T) {
	job := testJob()
	now := job.StartedAt.Add(1500 * time.Millisecond)
	job.FinishedAt = &now

	job.State = models.JobStateSucceeded
	job.ResultCount = 4
	e := Summary(job)
	assert.Equal(t, models.LogLevelSuccess, e.Level)
	assert.Equal(t, "[Acme Ltd] Completed: 4 saved (1.5s)", e.Message)

	job.State = models.JobStateFailed
	job.Error = "rate limited"
	job.RetryCount = 2
	e = Summary(job)
	assert.Equal(t, models.LogLevelError, e.Level)
	assert.Equal(t, "[Acme Ltd] Failed (1.5s) after 2 retries", e.Message)
	assert.Equal(t, "rate limited", e.Detail)

	job.State = models.JobStateCancelled
	job.RetryCount = 0
	e = Summary(job)
	assert.Equal(t, models.LogLevelWarn, e.Level)
	assert.Equal(t, "[Acme Ltd] Cancelled", e.Message)

	job.State = models.JobStateSucceeded
	job.Skipped = true
	job.ResultCount = 0
	e = Summary(job)
	assert.Equal(t, models.LogLevelInfo, e.Level)
	assert.Equal(t, "[Acme Ltd] Skipped (1.5s)", e.Message)
}

func TestFromBatchEvent(t *testing.T) {
	e := FromBatchEvent(3, models.ProgressEvent{Type: models.EventStatus, Message: "Logging in"})

	assert.Equal(t, models.LogLevelInfo, e.Level)
	assert.Equal(t, "[batch of 3] Logging in", e.Message)
	assert.Empty(t, e.JobID)
}
