// Package orchestrator is the control plane of a scrape backend. It owns the
// run queue and the run state machine, draws batches no larger than the
// concurrency limit, and runs each batch to completion before drawing the next.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/harvest/internal/common"
	"github.com/ternarybob/harvest/internal/interfaces"
	"github.com/ternarybob/harvest/internal/logs"
	"github.com/ternarybob/harvest/internal/models"
	"github.com/ternarybob/harvest/internal/queue"
	"github.com/ternarybob/harvest/internal/scrape"
)

const (
	DefaultConcurrency      = 3
	DefaultMaxConcurrency   = 10
	DefaultConfirmThreshold = 20

	TriggerOperator = "operator"
	TriggerSchedule = "schedule"
)

var (
	ErrAlreadyRunning       = errors.New("a run is already in progress")
	ErrNotRunning           = errors.New("run is not running")
	ErrNotPaused            = errors.New("run is not paused")
	ErrNothingToRun         = errors.New("no entities to run")
	ErrConfirmationRequired = errors.New("run needs confirmation")
	ErrInvalidConcurrency   = errors.New("concurrency out of range")
)

// Config holds the control-plane settings of one backend
type Config struct {
	Backend          string
	Concurrency      int
	MaxConcurrency   int
	ConfirmThreshold int  // runs larger than this need Confirmed; 0 disables
	UseBatch         bool // dispatch each batch through the backend's batch endpoint
}

// DefaultConfig returns the defaults for a backend
func DefaultConfig(backend string) Config {
	return Config{
		Backend:          backend,
		Concurrency:      DefaultConcurrency,
		MaxConcurrency:   DefaultMaxConcurrency,
		ConfirmThreshold: DefaultConfirmThreshold,
	}
}

// StartRequest selects what a run covers
type StartRequest struct {
	// EntityIDs restricts the run to a subset of registered entities.
	// Empty means the queue as it stands or, if that is empty, every
	// entity not yet processed.
	EntityIDs []string
	// IncludeProcessed seeds every registered entity instead of only the
	// unprocessed ones when neither EntityIDs nor the queue supply work.
	IncludeProcessed bool
	Confirmed        bool
	Trigger          string
}

// Orchestrator runs one backend's scrape jobs
type Orchestrator struct {
	cfg      Config
	executor *scrape.Executor
	entities interfaces.EntityStorage
	runs     interfaces.RunStorage
	events   interfaces.EventService
	ring     *logs.Ring
	logger   arbor.ILogger
	now      func() time.Time

	mu          sync.Mutex
	state       models.ControlState
	concurrency int
	queue       *queue.Queue
	active      map[string]models.Job
	activeOrder []string
	counts      models.RunCounts
	batches     int
	runID       string
	trigger     string
	requested   int
	startedAt   *time.Time
	finishedAt  *time.Time
	gate        *scrape.Gate
	cancel      context.CancelFunc
	resume      chan struct{} // non-nil while paused; closed on resume or stop
	done        chan struct{} // closed when the run loop has exited
}

// New creates an idle orchestrator. runs and events may be nil.
func New(cfg Config, executor *scrape.Executor, entities interfaces.EntityStorage, runs interfaces.RunStorage, events interfaces.EventService, ring *logs.Ring, logger arbor.ILogger) *Orchestrator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Concurrency > cfg.MaxConcurrency {
		cfg.Concurrency = cfg.MaxConcurrency
	}
	if ring == nil {
		ring = logs.NewRing(logs.DefaultCapacity)
	}
	if logger == nil {
		logger = arbor.NewNoOpLogger()
	}

	o := &Orchestrator{
		cfg:         cfg,
		executor:    executor,
		entities:    entities,
		runs:        runs,
		events:      events,
		ring:        ring,
		logger:      logger,
		now:         time.Now,
		state:       models.ControlIdle,
		concurrency: cfg.Concurrency,
		queue:       queue.New(),
		active:      make(map[string]models.Job),
	}
	ring.OnAppend(func(entry models.LogEntry) {
		o.publish(interfaces.EventLogEntry, entry)
	})
	return o
}

// Backend returns the backend name
func (o *Orchestrator) Backend() string {
	return o.cfg.Backend
}

// Logs returns the retained log entries with an ID greater than since
func (o *Orchestrator) Logs(since int64) []models.LogEntry {
	return o.ring.Since(since)
}

// Ring returns the backend's log buffer
func (o *Orchestrator) Ring() *logs.Ring {
	return o.ring
}

// Enqueue adds entities to the queue in the order given. Registered entities
// keep their labels; unknown ids are queued with the id as label.
func (o *Orchestrator) Enqueue(ctx context.Context, ids []string) (int, error) {
	items, err := o.itemsFor(ctx, ids)
	if err != nil {
		return 0, err
	}
	added := o.queue.EnqueueAll(items)
	if added > 0 {
		o.ring.Add(models.LogLevelInfo, fmt.Sprintf("Queued %d entities", added))
		o.publishState()
	}
	return added, nil
}

// Start begins a run from Idle or Stopped. A previous run that is still
// winding down after a stop is waited for first.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (models.Run, error) {
	o.mu.Lock()
	if o.state == models.ControlRunning || o.state == models.ControlPaused {
		o.mu.Unlock()
		return o.Status(), ErrAlreadyRunning
	}
	prev := o.done
	o.mu.Unlock()
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return o.Status(), ctx.Err()
		}
	}

	plan, err := o.plan(ctx, req)
	if err != nil {
		return o.Status(), err
	}

	o.mu.Lock()
	if o.state == models.ControlRunning || o.state == models.ControlPaused {
		o.mu.Unlock()
		return o.Status(), ErrAlreadyRunning
	}
	size := o.queue.Size() + o.queue.Missing(plan.items)
	if size == 0 {
		o.mu.Unlock()
		return o.Status(), ErrNothingToRun
	}
	// Refused starts leave the queue as it was
	if o.cfg.ConfirmThreshold > 0 && size > o.cfg.ConfirmThreshold && !req.Confirmed {
		o.mu.Unlock()
		return o.Status(), fmt.Errorf("%w: %d entities exceeds threshold of %d", ErrConfirmationRequired, size, o.cfg.ConfirmThreshold)
	}
	if added := o.queue.EnqueueAll(plan.items); added > 0 {
		o.logger.Debug().
			Str("backend", o.cfg.Backend).
			Int("entities", added).
			Bool("subset", plan.subset).
			Bool("include_processed", req.IncludeProcessed).
			Msg("Queue seeded for run")
	}
	size = o.queue.Size()

	trigger := req.Trigger
	if trigger == "" {
		trigger = TriggerOperator
	}
	now := o.now()
	runCtx, cancel := context.WithCancel(context.Background())

	o.state = models.ControlRunning
	o.runID = common.NewRunID()
	o.trigger = trigger
	o.requested = size
	o.counts = models.RunCounts{}
	o.batches = 0
	o.active = make(map[string]models.Job)
	o.activeOrder = nil
	o.startedAt = &now
	o.finishedAt = nil
	o.gate = scrape.NewGate()
	o.gate.OnHold(func(time.Time) { o.publishState() })
	o.cancel = cancel
	o.resume = nil
	o.done = make(chan struct{})
	runID, concurrency, gate, done := o.runID, o.concurrency, o.gate, o.done
	o.mu.Unlock()

	o.logger.Info().
		Str("backend", o.cfg.Backend).
		Str("run_id", runID).
		Str("trigger", trigger).
		Int("entities", size).
		Int("concurrency", concurrency).
		Msg("Run started")
	o.ring.Add(models.LogLevelInfo, fmt.Sprintf("Run started: %d entities, concurrency %d", size, concurrency))
	o.publishState()

	common.SafeGo(o.logger, "orchestrator.loop."+o.cfg.Backend, func() {
		o.loop(runCtx, gate, done)
	})

	return o.Status(), nil
}

// seedPlan is the work a start request adds to the queue
type seedPlan struct {
	items  []queue.Item
	subset bool
}

// plan works out what a start request would queue without touching the queue.
// A subset start selects from the registry in registry order; requested ids
// that are not registered follow in request order.
func (o *Orchestrator) plan(ctx context.Context, req StartRequest) (seedPlan, error) {
	if ids := req.EntityIDs; len(ids) > 0 {
		var items []queue.Item
		known := make(map[string]struct{})
		if o.entities != nil {
			registered, err := o.entities.ListEntities(ctx, o.cfg.Backend, interfaces.EntityListOptions{})
			if err != nil {
				return seedPlan{}, fmt.Errorf("failed to list entities: %w", err)
			}
			for _, e := range registered {
				items = append(items, queue.ItemFromEntity(e))
				known[e.ID] = struct{}{}
			}
		}
		for _, id := range ids {
			if _, ok := known[id]; !ok {
				items = append(items, queue.Item{ID: id, Label: id})
				known[id] = struct{}{}
			}
		}
		return seedPlan{items: queue.Select(items, ids), subset: true}, nil
	}
	if !o.queue.IsEmpty() || o.entities == nil {
		return seedPlan{}, nil
	}

	pending, err := o.entities.ListEntities(ctx, o.cfg.Backend, interfaces.EntityListOptions{UnprocessedOnly: !req.IncludeProcessed})
	if err != nil {
		return seedPlan{}, fmt.Errorf("failed to list entities: %w", err)
	}
	items := make([]queue.Item, 0, len(pending))
	for _, e := range pending {
		items = append(items, queue.ItemFromEntity(e))
	}
	return seedPlan{items: items}, nil
}

// itemsFor resolves ids to queue items in the order given
func (o *Orchestrator) itemsFor(ctx context.Context, ids []string) ([]queue.Item, error) {
	items := make([]queue.Item, 0, len(ids))
	for _, id := range ids {
		item := queue.Item{ID: id, Label: id}
		if o.entities != nil {
			e, err := o.entities.GetEntity(ctx, o.cfg.Backend, id)
			switch {
			case err == nil:
				item = queue.ItemFromEntity(e)
			case !errors.Is(err, interfaces.ErrNotFound):
				return nil, fmt.Errorf("failed to look up entity %s: %w", id, err)
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// Pause stops new dispatches. In-flight jobs run to completion.
func (o *Orchestrator) Pause() (models.Run, error) {
	o.mu.Lock()
	if o.state != models.ControlRunning {
		o.mu.Unlock()
		return o.Status(), ErrNotRunning
	}
	o.state = models.ControlPaused
	o.resume = make(chan struct{})
	inFlight := len(o.active)
	o.mu.Unlock()

	o.ring.Add(models.LogLevelInfo, fmt.Sprintf("Run paused: %d in-flight jobs will finish", inFlight))
	o.publishState()
	return o.Status(), nil
}

// Resume continues a paused run with the next batch
func (o *Orchestrator) Resume() (models.Run, error) {
	o.mu.Lock()
	if o.state != models.ControlPaused {
		o.mu.Unlock()
		return o.Status(), ErrNotPaused
	}
	o.state = models.ControlRunning
	close(o.resume)
	o.resume = nil
	o.mu.Unlock()

	o.ring.Add(models.LogLevelInfo, "Run resumed")
	o.publishState()
	return o.Status(), nil
}

// ForceStop cancels every in-flight job and drops the queue.
// It is a no-op when nothing is running.
func (o *Orchestrator) ForceStop() models.Run {
	o.mu.Lock()
	if o.state != models.ControlRunning && o.state != models.ControlPaused {
		o.mu.Unlock()
		return o.Status()
	}
	now := o.now()
	o.state = models.ControlStopped
	o.finishedAt = &now
	dropped := o.queue.Clear()
	if o.resume != nil {
		close(o.resume)
		o.resume = nil
	}
	cancel := o.cancel
	inFlight := len(o.active)
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	o.logger.Warn().
		Str("backend", o.cfg.Backend).
		Int("dropped", dropped).
		Int("in_flight", inFlight).
		Msg("Run force-stopped")
	o.ring.Add(models.LogLevelWarn, fmt.Sprintf("Run stopped: %d in-flight jobs cancelled, %d queued entities dropped", inFlight, dropped))
	o.publishState()
	return o.Status()
}

// SetConcurrency changes the batch size limit. It may be called in any state
// and takes effect from the next batch.
func (o *Orchestrator) SetConcurrency(n int) (models.Run, error) {
	if n < 1 || n > o.cfg.MaxConcurrency {
		return o.Status(), fmt.Errorf("%w: %d (allowed 1-%d)", ErrInvalidConcurrency, n, o.cfg.MaxConcurrency)
	}
	o.mu.Lock()
	changed := o.concurrency != n
	o.concurrency = n
	o.mu.Unlock()

	if changed {
		o.ring.Add(models.LogLevelInfo, fmt.Sprintf("Concurrency set to %d", n))
		o.publishState()
	}
	return o.Status(), nil
}

// Wait blocks until the current run loop, if any, has exited
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the control plane
func (o *Orchestrator) Status() models.Run {
	o.mu.Lock()
	defer o.mu.Unlock()

	run := models.Run{
		ID:          o.runID,
		Backend:     o.cfg.Backend,
		State:       o.state,
		Concurrency: o.concurrency,
		QueueSize:   o.queue.Size(),
		Queued:      o.queue.Snapshot(),
		ActiveJobs:  make([]models.Job, 0, len(o.activeOrder)),
		Counts:      o.counts,
		Batches:     o.batches,
		StartedAt:   o.startedAt,
		FinishedAt:  o.finishedAt,
	}
	for _, id := range o.activeOrder {
		if job, ok := o.active[id]; ok {
			run.ActiveJobs = append(run.ActiveJobs, job)
		}
	}
	if o.gate != nil && (o.state == models.ControlRunning || o.state == models.ControlPaused) {
		if until, held := o.gate.Until(); held {
			run.RateLimitedUntil = &until
		}
	}
	return run
}

// loop draws and runs batches until the queue is empty or the run is stopped
func (o *Orchestrator) loop(ctx context.Context, gate *scrape.Gate, done chan struct{}) {
	defer close(done)
	defer o.finish()

	for {
		if err := o.waitWhilePaused(ctx); err != nil {
			return
		}
		if err := gate.Wait(ctx); err != nil {
			return
		}

		o.mu.Lock()
		if o.state != models.ControlRunning {
			o.mu.Unlock()
			continue
		}
		items := o.queue.Drain(o.concurrency)
		if len(items) == 0 {
			o.completeLocked()
			o.mu.Unlock()
			return
		}
		o.batches++
		batch := o.batches
		jobs := make([]*models.Job, len(items))
		o.activeOrder = make([]string, len(items))
		for i, it := range items {
			job := models.NewJob(common.NewJobID(), o.runID, o.cfg.Backend, it.ID, it.Label, o.executor.Tracker().StageNames())
			jobs[i] = job
			o.active[job.ID] = job.Clone()
			o.activeOrder[i] = job.ID
		}
		o.mu.Unlock()

		o.logger.Debug().
			Str("backend", o.cfg.Backend).
			Int("batch", batch).
			Int("size", len(jobs)).
			Msg("Dispatching batch")
		o.publishState()

		o.runBatch(ctx, jobs, gate)
		o.settle(jobs)

		o.mu.Lock()
		if o.state == models.ControlStopped {
			o.mu.Unlock()
			return
		}
		if o.queue.IsEmpty() {
			o.completeLocked()
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()
		o.publishState()
	}
}

// waitWhilePaused blocks while the run is paused
func (o *Orchestrator) waitWhilePaused(ctx context.Context) error {
	o.mu.Lock()
	for o.state == models.ControlPaused && o.resume != nil {
		resume := o.resume
		o.mu.Unlock()
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
		o.mu.Lock()
	}
	o.mu.Unlock()
	return ctx.Err()
}

// runBatch runs a batch's jobs concurrently and returns once all have settled
func (o *Orchestrator) runBatch(ctx context.Context, jobs []*models.Job, gate *scrape.Gate) {
	if o.cfg.UseBatch && len(jobs) > 1 && o.executor.SupportsBatch() {
		err := o.executor.RunBatch(ctx, jobs, gate, o.onJobUpdate)
		if err == nil {
			return
		}
		o.logger.Warn().Err(err).Str("backend", o.cfg.Backend).Msg("Batch dispatch unavailable, running jobs individually")
	}

	var g errgroup.Group
	for _, job := range jobs {
		g.Go(func() error {
			defer o.recoverJob(job)
			o.executor.Run(ctx, job, gate, o.onJobUpdate)
			return nil
		})
	}
	_ = g.Wait()
}

// recoverJob fails a job whose execution panicked so the batch still settles.
// It must be called directly by defer.
func (o *Orchestrator) recoverJob(job *models.Job) {
	r := recover()
	if r == nil {
		return
	}
	o.logger.Error().
		Str("backend", o.cfg.Backend).
		Str("job_id", job.ID).
		Str("entity_id", job.EntityID).
		Str("panic", fmt.Sprintf("%v", r)).
		Msg("Scrape job panicked")
	if job.State.IsTerminal() {
		return
	}
	o.executor.Tracker().Resolve(job, models.JobStateFailed, fmt.Sprintf("panic: %v", r), o.now())
	o.ring.Add(models.LogLevelError, fmt.Sprintf("%s failed: panic: %v", job.EntityLabel, r))
	o.onJobUpdate(job.Clone())
}

func (o *Orchestrator) onJobUpdate(job models.Job) {
	o.mu.Lock()
	if _, ok := o.active[job.ID]; ok {
		o.active[job.ID] = job
	}
	o.mu.Unlock()
	o.publish(interfaces.EventJobUpdate, job)
}

// settle records the outcome of a finished batch
func (o *Orchestrator) settle(jobs []*models.Job) {
	o.mu.Lock()
	for _, job := range jobs {
		o.counts.Record(job)
		delete(o.active, job.ID)
	}
	o.activeOrder = nil
	o.mu.Unlock()

	ctx := context.Background()
	for _, job := range jobs {
		if job.State == models.JobStateSucceeded && o.entities != nil {
			at := o.now()
			if job.FinishedAt != nil {
				at = *job.FinishedAt
			}
			err := o.entities.MarkProcessed(ctx, o.cfg.Backend, job.EntityID, job.ResultCount, at)
			if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
				o.logger.Warn().Err(err).Str("entity_id", job.EntityID).Msg("Failed to mark entity processed")
			}
		}
		if o.runs != nil {
			if err := o.runs.SaveJobRecord(ctx, models.NewJobRecord(job)); err != nil {
				o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to save job record")
			}
		}
	}
}

// completeLocked moves a drained run to Idle. Caller holds o.mu.
func (o *Orchestrator) completeLocked() {
	now := o.now()
	o.state = models.ControlIdle
	o.finishedAt = &now
	// A pause requested during the final batch ends with the run
	if o.resume != nil {
		close(o.resume)
		o.resume = nil
	}
}

// finish persists and announces the run once its loop has exited
func (o *Orchestrator) finish() {
	o.mu.Lock()
	record := &models.RunRecord{
		ID:         o.runID,
		Backend:    o.cfg.Backend,
		FinalState: o.state,
		Trigger:    o.trigger,
		Requested:  o.requested,
		Counts:     o.counts,
		Batches:    o.batches,
	}
	if o.startedAt != nil {
		record.StartedAt = *o.startedAt
	}
	if o.finishedAt != nil {
		record.FinishedAt = *o.finishedAt
	} else {
		record.FinishedAt = o.now()
	}
	o.active = make(map[string]models.Job)
	o.activeOrder = nil
	o.cancel = nil
	o.mu.Unlock()

	c := record.Counts
	if record.FinalState == models.ControlIdle {
		o.ring.Add(models.LogLevelSuccess, fmt.Sprintf("Run complete: %d succeeded, %d failed, %d skipped", c.Succeeded, c.Failed, c.Skipped))
	}
	o.logger.Info().
		Str("backend", o.cfg.Backend).
		Str("run_id", record.ID).
		Str("final_state", string(record.FinalState)).
		Int("succeeded", c.Succeeded).
		Int("failed", c.Failed).
		Int("skipped", c.Skipped).
		Int("cancelled", c.Cancelled).
		Int("batches", record.Batches).
		Msg("Run finished")

	if o.runs != nil {
		if err := o.runs.SaveRun(context.Background(), record); err != nil {
			o.logger.Warn().Err(err).Str("run_id", record.ID).Msg("Failed to save run record")
		}
	}
	o.publishState()
	if o.events != nil {
		_ = o.events.Publish(context.Background(), interfaces.Event{
			Type:    interfaces.EventRunCompleted,
			Backend: o.cfg.Backend,
			Payload: record,
		})
	}
}

func (o *Orchestrator) publishState() {
	o.publish(interfaces.EventRunState, o.Status())
}

// publish delivers an event synchronously. It must not be called with o.mu held.
func (o *Orchestrator) publish(eventType interfaces.EventType, payload interface{}) {
	if o.events == nil {
		return
	}
	err := o.events.PublishSync(context.Background(), interfaces.Event{
		Type:    eventType,
		Backend: o.cfg.Backend,
		Payload: payload,
	})
	if err != nil {
		o.logger.Debug().Err(err).Str("event_type", string(eventType)).Msg("Event delivery failed")
	}
}
