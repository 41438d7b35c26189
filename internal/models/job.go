// -----------------------------------------------------------------------
// Scrape Job - one entity's scrape operation and its tracked state
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// JobState is the lifecycle state of a scrape job
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// IsTerminal reports whether the state is final
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// Stage is one named step of a job's progress as rendered by the dashboard
type Stage struct {
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
	Current   bool   `json:"current"`
}

// Job is the unit of work dispatched from a run queue.
// A job is created when its entity is drawn from the queue and is never recycled.
// While running it is owned exclusively by one executor; observers only see
// copies produced by Clone.
type Job struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	Backend     string     `json:"backend"`
	EntityID    string     `json:"entity_id"`
	EntityLabel string     `json:"entity_label"`
	State       JobState   `json:"state"`
	Stages      []Stage    `json:"stages"`
	Progress    int        `json:"progress"` // 0-100, non-decreasing while running
	ResultCount int        `json:"result_count"`
	RetryCount  int        `json:"retry_count"`
	Skipped     bool       `json:"skipped,omitempty"` // Backend declined the entity (skip frame)
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// NewJob creates a queued job with the given stage names, none started
func NewJob(id, runID, backend, entityID, entityLabel string, stageNames []string) *Job {
	stages := make([]Stage, len(stageNames))
	for i, name := range stageNames {
		stages[i] = Stage{Name: name}
	}
	if entityLabel == "" {
		entityLabel = entityID
	}
	return &Job{
		ID:          id,
		RunID:       runID,
		Backend:     backend,
		EntityID:    entityID,
		EntityLabel: entityLabel,
		State:       JobStateQueued,
		Stages:      stages,
	}
}

// CurrentStage returns the index of the current stage, or -1
func (j *Job) CurrentStage() int {
	for i := range j.Stages {
		if j.Stages[i].Current {
			return i
		}
	}
	return -1
}

// StageIndex returns the index of the named stage, or -1 if the job has no such stage
func (j *Job) StageIndex(name string) int {
	for i := range j.Stages {
		if j.Stages[i].Name == name {
			return i
		}
	}
	return -1
}

// Duration returns the elapsed run time, up to now if the job has not finished
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.FinishedAt != nil {
		return j.FinishedAt.Sub(*j.StartedAt)
	}
	return time.Since(*j.StartedAt)
}

// Clone returns a deep copy safe to hand to other goroutines
func (j *Job) Clone() Job {
	c := *j
	c.Stages = append([]Stage(nil), j.Stages...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return c
}
