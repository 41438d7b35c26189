package models

import "time"

// ControlState is the state of a backend's control plane
type ControlState string

const (
	ControlIdle    ControlState = "idle"
	ControlRunning ControlState = "running"
	ControlPaused  ControlState = "paused"
	ControlStopped ControlState = "stopped"
)

// RunCounts accumulates terminal job outcomes for one run
type RunCounts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// Total returns the number of jobs that reached a terminal state
func (c RunCounts) Total() int {
	return c.Succeeded + c.Failed + c.Skipped + c.Cancelled
}

// Record adds one terminal job to the counts.
// A succeeded job that the backend skipped and that saved nothing counts as skipped.
func (c *RunCounts) Record(job *Job) {
	switch job.State {
	case JobStateSucceeded:
		if job.Skipped && job.ResultCount == 0 {
			c.Skipped++
		} else {
			c.Succeeded++
		}
	case JobStateFailed:
		c.Failed++
	case JobStateCancelled:
		c.Cancelled++
	}
}

// Run is a point-in-time snapshot of a backend's control plane
type Run struct {
	ID               string       `json:"id,omitempty"`
	Backend          string       `json:"backend"`
	State            ControlState `json:"state"`
	Concurrency      int          `json:"concurrency"`
	QueueSize        int          `json:"queue_size"`
	Queued           []string     `json:"queued,omitempty"`
	ActiveJobs       []Job        `json:"active_jobs"`
	Counts           RunCounts    `json:"counts"`
	Batches          int          `json:"batches"`
	RateLimitedUntil *time.Time   `json:"rate_limited_until,omitempty"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	FinishedAt       *time.Time   `json:"finished_at,omitempty"`
}

// RunRecord is the persisted summary of a finished run
type RunRecord struct {
	ID         string       `json:"id"`
	Backend    string       `json:"backend" badgerhold:"index"`
	FinalState ControlState `json:"final_state"`
	Trigger    string       `json:"trigger"` // "operator" or "schedule"
	Requested  int          `json:"requested"`
	Counts     RunCounts    `json:"counts"`
	Batches    int          `json:"batches"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// JobRecord is the persisted terminal outcome of one job
type JobRecord struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id" badgerhold:"index"`
	Backend     string    `json:"backend"`
	EntityID    string    `json:"entity_id"`
	EntityLabel string    `json:"entity_label"`
	State       JobState  `json:"state"`
	ResultCount int       `json:"result_count"`
	RetryCount  int       `json:"retry_count"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// NewJobRecord builds the persisted record from a terminal job
func NewJobRecord(job *Job) *JobRecord {
	rec := &JobRecord{
		ID:          job.ID,
		RunID:       job.RunID,
		Backend:     job.Backend,
		EntityID:    job.EntityID,
		EntityLabel: job.EntityLabel,
		State:       job.State,
		ResultCount: job.ResultCount,
		RetryCount:  job.RetryCount,
		Error:       job.Error,
	}
	if job.StartedAt != nil {
		rec.StartedAt = *job.StartedAt
	}
	if job.FinishedAt != nil {
		rec.FinishedAt = *job.FinishedAt
	}
	return rec
}
