package scrape

import "github.com/ternarybob/harvest/internal/models"

// router maps frames of a stream to the jobs they describe.
// A single-job stream routes every frame to its job; a batch stream routes by
// the entity id, label or company named in the frame data.
type router struct {
	jobs  []*models.Job
	byKey map[string]*models.Job
}

func newRouter(jobs []*models.Job) *router {
	r := &router{
		jobs:  jobs,
		byKey: make(map[string]*models.Job, len(jobs)*2),
	}
	for _, job := range jobs {
		r.byKey[job.EntityID] = job
	}
	for _, job := range jobs {
		if _, taken := r.byKey[job.EntityLabel]; !taken && job.EntityLabel != "" {
			r.byKey[job.EntityLabel] = job
		}
	}
	return r
}

func (r *router) route(ev models.ProgressEvent) *models.Job {
	if len(r.jobs) == 1 {
		return r.jobs[0]
	}
	for _, key := range ev.RoutingKeys() {
		if job, ok := r.byKey[key]; ok {
			return job
		}
	}
	return nil
}

func (r *router) running() []*models.Job {
	return running(r.jobs)
}

func (r *router) settled() bool {
	for _, job := range r.jobs {
		if !job.State.IsTerminal() {
			return false
		}
	}
	return true
}
