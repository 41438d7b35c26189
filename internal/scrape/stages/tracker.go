// Package stages maps streamed progress events onto a job's stage list and
// progress value. The mapping table is literally what the dashboard renders as
// stage dots, so its anchors are configuration rather than derived values.
package stages

import (
	"fmt"
	"time"

	"github.com/ternarybob/harvest/internal/models"
)

// Default stage names, in order
const (
	StageConnect = "Connect"
	StageCaptcha = "Captcha"
	StageSearch  = "Search"
	StageResults = "Results"
	StageDetails = "Details"
	StageSave    = "Save"
)

// statusStep is how far each status frame advances progress within its band
const statusStep = 5

// Anchor places an event type on a stage and a progress band.
// Min == Max pins the progress; detail events interpolate across the band by
// current/total, status events step through it.
type Anchor struct {
	Stage string `toml:"stage" json:"stage"`
	Min   int    `toml:"min" json:"min"`
	Max   int    `toml:"max" json:"max"`
}

// Profile is the stage list and progress table for one job type
type Profile struct {
	Name   string                      `json:"name"`
	Stages []string                    `json:"stages"`
	Table  map[models.EventType]Anchor `json:"table"`
}

// DefaultStages returns Connect, Captcha, Search, Results, Details, Save
func DefaultStages() []string {
	return []string{StageConnect, StageCaptcha, StageSearch, StageResults, StageDetails, StageSave}
}

// DefaultTable returns the event -> stage -> progress table used by all three
// scrape backends unless overridden in configuration.
func DefaultTable() map[models.EventType]Anchor {
	return map[models.EventType]Anchor{
		models.EventStatus:   {Stage: StageConnect, Min: 5, Max: 20},
		models.EventCaptcha:  {Stage: StageCaptcha, Min: 30, Max: 30},
		models.EventSearch:   {Stage: StageSearch, Min: 40, Max: 40},
		models.EventResult:   {Stage: StageResults, Min: 50, Max: 50},
		models.EventDetail:   {Stage: StageDetails, Min: 50, Max: 90},
		models.EventComplete: {Stage: StageSave, Min: 100, Max: 100},
	}
}

// DefaultProfile returns the default profile under the given name
func DefaultProfile(name string) Profile {
	return Profile{
		Name:   name,
		Stages: DefaultStages(),
		Table:  DefaultTable(),
	}
}

// Validate checks that the profile is internally consistent
func (p Profile) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("profile %s: at least one stage is required", p.Name)
	}
	seen := make(map[string]int, len(p.Stages))
	for i, name := range p.Stages {
		if name == "" {
			return fmt.Errorf("profile %s: stage %d has no name", p.Name, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("profile %s: duplicate stage %q", p.Name, name)
		}
		seen[name] = i
	}
	for evType, a := range p.Table {
		if _, ok := seen[a.Stage]; !ok {
			return fmt.Errorf("profile %s: event %s maps to unknown stage %q", p.Name, evType, a.Stage)
		}
		if a.Min < 0 || a.Max > 100 || a.Min > a.Max {
			return fmt.Errorf("profile %s: event %s has invalid band %d-%d", p.Name, evType, a.Min, a.Max)
		}
	}
	return nil
}

// Tracker applies a profile to jobs. It holds no per-job state, so one
// tracker serves every executor of a backend; each job is only ever touched by
// the executor that owns it.
type Tracker struct {
	profile Profile
}

// NewTracker creates a tracker for a validated profile
func NewTracker(profile Profile) (*Tracker, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{profile: profile}, nil
}

// Profile returns the tracker's profile
func (t *Tracker) Profile() Profile {
	return t.profile
}

// StageNames returns a copy of the profile's stage list
func (t *Tracker) StageNames() []string {
	return append([]string(nil), t.profile.Stages...)
}

// Start moves a job into Running with the first stage current
func (t *Tracker) Start(job *models.Job, now time.Time) {
	job.State = models.JobStateRunning
	job.Error = ""
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.FinishedAt = nil
	if job.CurrentStage() < 0 && len(job.Stages) > 0 {
		job.Stages[0].Current = true
	}
}

// Apply updates stage flags and progress for one event.
// It reports whether anything visible changed. Complete events are not
// applied here; Complete resolves the job instead.
func (t *Tracker) Apply(job *models.Job, ev models.ProgressEvent) bool {
	if job.State != models.JobStateRunning || ev.Type == models.EventComplete {
		return false
	}
	anchor, ok := t.profile.Table[ev.Type]
	if !ok {
		return false
	}

	changed := false
	if idx := job.StageIndex(anchor.Stage); idx >= 0 {
		changed = advance(job, idx)
	}

	target := anchor.Min
	switch ev.Type {
	case models.EventDetail:
		if ev.Data != nil && ev.Data.Current != nil && ev.Data.Total != nil && *ev.Data.Total > 0 {
			cur, total := *ev.Data.Current, *ev.Data.Total
			if cur > total {
				cur = total
			}
			if cur < 0 {
				cur = 0
			}
			target = anchor.Min + (anchor.Max-anchor.Min)*cur/total
		}
	case models.EventStatus:
		target = job.Progress + statusStep
		if target < anchor.Min {
			target = anchor.Min
		}
		if target > anchor.Max {
			target = anchor.Max
		}
	}

	if raise(job, target) {
		changed = true
	}
	return changed
}

// Tick creeps progress forward while no frames arrive, stopping one short of
// the next stage's anchor so a later frame never has to move it backwards.
func (t *Tracker) Tick(job *models.Job) bool {
	if job.State != models.JobStateRunning {
		return false
	}
	ceiling := t.ceiling(job)
	if job.Progress >= ceiling {
		return false
	}
	job.Progress++
	return true
}

// Complete resolves a job as succeeded with its saved result count
func (t *Tracker) Complete(job *models.Job, saved int, now time.Time) {
	for i := range job.Stages {
		job.Stages[i].Completed = true
		job.Stages[i].Current = false
	}
	job.Progress = 100
	job.ResultCount = saved
	job.State = models.JobStateSucceeded
	job.FinishedAt = &now
}

// Resolve ends a job in a non-success terminal state. Stage completion flags
// are left as reached; progress is left where it stopped.
func (t *Tracker) Resolve(job *models.Job, state models.JobState, reason string, now time.Time) {
	for i := range job.Stages {
		job.Stages[i].Current = false
	}
	job.State = state
	job.Error = reason
	job.FinishedAt = &now
}

// ceiling is the highest progress a running job may show without a new frame
func (t *Tracker) ceiling(job *models.Job) int {
	cur := job.CurrentStage()
	ceiling := 99
	for _, a := range t.profile.Table {
		idx := job.StageIndex(a.Stage)
		if idx > cur && a.Min-1 < ceiling {
			ceiling = a.Min - 1
		}
	}
	return ceiling
}

// advance moves the current flag forward to idx, completing every stage before it.
// The current stage never moves backwards.
func advance(job *models.Job, idx int) bool {
	cur := job.CurrentStage()
	if idx <= cur {
		return false
	}
	for i := 0; i < idx; i++ {
		job.Stages[i].Completed = true
		job.Stages[i].Current = false
	}
	job.Stages[idx].Current = true
	return true
}

// raise lifts progress to target, never above 99 and never downwards
func raise(job *models.Job, target int) bool {
	if target > 99 {
		target = 99
	}
	if target <= job.Progress {
		return false
	}
	job.Progress = target
	return true
}
