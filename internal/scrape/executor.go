package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/harvest/internal/backoff"
	"github.com/ternarybob/harvest/internal/interfaces"
	"github.com/ternarybob/harvest/internal/logs"
	"github.com/ternarybob/harvest/internal/models"
	"github.com/ternarybob/harvest/internal/scrape/frame"
	"github.com/ternarybob/harvest/internal/scrape/stages"
)

const (
	// DefaultIdleTimeout fails a job whose stream goes quiet for this long
	DefaultIdleTimeout = 90 * time.Second

	// DefaultTickInterval is how often progress creeps while no frames arrive
	DefaultTickInterval = 2 * time.Second

	readBufferSize = 4096
)

// Observer receives a snapshot each time a job visibly changes
type Observer func(job models.Job)

// opener starts one stream attempt for the jobs still running
type opener func(ctx context.Context, pending []*models.Job) (io.ReadCloser, error)

// Executor drives scrape jobs from stream open to a terminal state.
// One executor serves every job of a backend; the jobs passed to Run and
// RunBatch are owned by the calling goroutine until they return.
type Executor struct {
	backend      interfaces.ScrapeBackend
	tracker      *stages.Tracker
	policy       *backoff.Policy
	ring         *logs.Ring
	logger       arbor.ILogger
	idleTimeout  time.Duration
	tickInterval time.Duration
	framePrefix  string
	options      map[string]interface{}
	now          func() time.Time
}

// ExecutorOption configures the Executor.
type ExecutorOption func(*Executor)

// WithIdleTimeout sets the idle-read timeout. Zero disables it.
func WithIdleTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.idleTimeout = d
	}
}

// WithTickInterval sets the progress tick. Zero disables ticking.
func WithTickInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.tickInterval = d
	}
}

// WithFramePrefix overrides the frame prefix expected on the stream.
func WithFramePrefix(prefix string) ExecutorOption {
	return func(e *Executor) {
		e.framePrefix = prefix
	}
}

// WithDispatchOptions sets the options object sent with every dispatch.
func WithDispatchOptions(options map[string]interface{}) ExecutorOption {
	return func(e *Executor) {
		e.options = options
	}
}

// NewExecutor creates an executor for one backend
func NewExecutor(backend interfaces.ScrapeBackend, tracker *stages.Tracker, policy *backoff.Policy, ring *logs.Ring, logger arbor.ILogger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		backend:      backend,
		tracker:      tracker,
		policy:       policy,
		ring:         ring,
		logger:       logger,
		idleTimeout:  DefaultIdleTimeout,
		tickInterval: DefaultTickInterval,
		framePrefix:  frame.DefaultPrefix,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy == nil {
		e.policy = backoff.DefaultPolicy()
	}
	if e.logger == nil {
		e.logger = arbor.NewNoOpLogger()
	}
	return e
}

// Tracker returns the stage tracker jobs are created against
func (e *Executor) Tracker() *stages.Tracker {
	return e.tracker
}

// SupportsBatch reports whether RunBatch can be used with this backend
func (e *Executor) SupportsBatch() bool {
	if _, ok := e.backend.(interfaces.BatchScrapeBackend); !ok {
		return false
	}
	if be, ok := e.backend.(interface{ BatchEnabled() bool }); ok {
		return be.BatchEnabled()
	}
	return true
}

// Run executes one job to a terminal state and returns it.
// Cancelling ctx resolves the job Cancelled and closes its stream.
func (e *Executor) Run(ctx context.Context, job *models.Job, gate *Gate, observe Observer) models.JobState {
	e.execute(ctx, []*models.Job{job}, gate, observe, func(ctx context.Context, _ []*models.Job) (io.ReadCloser, error) {
		return e.backend.Open(ctx, models.DispatchRequest{
			EntityID:    job.EntityID,
			EntityLabel: job.EntityLabel,
			Options:     e.options,
		})
	})
	return job.State
}

// RunBatch executes several jobs through one batch stream, routing each frame
// to its job by the entity named in its data. Retries re-dispatch only the
// jobs still running.
func (e *Executor) RunBatch(ctx context.Context, jobs []*models.Job, gate *Gate, observe Observer) error {
	if len(jobs) == 0 {
		return nil
	}
	batch, ok := e.backend.(interfaces.BatchScrapeBackend)
	if !ok || !e.SupportsBatch() {
		return ErrBatchUnsupported
	}
	e.execute(ctx, jobs, gate, observe, func(ctx context.Context, pending []*models.Job) (io.ReadCloser, error) {
		ids := make([]string, len(pending))
		for i, job := range pending {
			ids[i] = job.EntityID
		}
		return batch.OpenBatch(ctx, models.BatchDispatchRequest{
			BatchSize: len(ids),
			EntityIDs: ids,
			Options:   e.options,
		})
	})
	return nil
}

func (e *Executor) execute(ctx context.Context, jobs []*models.Job, gate *Gate, observe Observer, open opener) {
	if gate == nil {
		gate = NewGate()
	}
	if observe == nil {
		observe = func(models.Job) {}
	}

	now := e.now()
	for _, job := range jobs {
		e.tracker.Start(job, now)
		observe(job.Clone())
		e.logger.Debug().
			Str("job_id", job.ID).
			Str("backend", job.Backend).
			Str("entity_id", job.EntityID).
			Msg("Scrape job started")
	}

	for {
		pending := running(jobs)
		if len(pending) == 0 {
			break
		}

		if err := gate.Wait(ctx); err != nil {
			e.resolve(pending, models.JobStateCancelled, ErrCancelled.Error(), observe)
			break
		}

		err := e.attempt(ctx, pending, open, observe)

		pending = running(jobs)
		if len(pending) == 0 {
			break
		}
		if ctx.Err() != nil {
			e.resolve(pending, models.JobStateCancelled, ErrCancelled.Error(), observe)
			break
		}
		if err == nil {
			err = ErrStreamEnded
		}
		if !e.retry(ctx, pending, err, gate, observe) {
			break
		}
	}

	for _, job := range jobs {
		e.ring.Append(logs.Summary(job))
		e.logger.Info().
			Str("job_id", job.ID).
			Str("entity_id", job.EntityID).
			Str("state", string(job.State)).
			Int("results", job.ResultCount).
			Int("retries", job.RetryCount).
			Dur("duration", job.Duration()).
			Msg("Scrape job finished")
	}
}

// retry consults the policy after a failed attempt. It returns true when the
// pending jobs should be dispatched again; otherwise they have been resolved.
func (e *Executor) retry(ctx context.Context, pending []*models.Job, err error, gate *Gate, observe Observer) bool {
	retries := 0
	for _, job := range pending {
		if job.RetryCount > retries {
			retries = job.RetryCount
		}
	}

	var rateErr *RateLimitError
	var netErr *TransientError
	switch {
	case errors.As(err, &rateErr):
		d := e.policy.RateLimited(retries, rateErr.RetryAfter)
		if !d.Retry {
			e.resolve(pending, models.JobStateFailed, fmt.Sprintf("rate limited: gave up after %d retries", retries), observe)
			return false
		}
		gate.Hold(e.now().Add(d.Wait))
		e.ring.Append(e.retryEntry(pending, models.LogLevelWarn,
			fmt.Sprintf("Rate limited, waiting %ds (retry %d/%d)", waitSeconds(d.Wait), retries+1, e.policy.MaxRetries), ""))
		e.logger.Warn().
			Str("backend", pending[0].Backend).
			Dur("wait", d.Wait).
			Int("jobs", len(pending)).
			Msg("Backend rate limited, holding dispatch")

	case errors.As(err, &netErr):
		d := e.policy.TransientFailure(retries)
		if !d.Retry {
			e.resolve(pending, models.JobStateFailed, err.Error(), observe)
			return false
		}
		e.ring.Append(e.retryEntry(pending, models.LogLevelWarn,
			fmt.Sprintf("Connection failed, retrying in %ds (retry %d/%d)", waitSeconds(d.Wait), retries+1, e.policy.MaxRetries), err.Error()))
		e.logger.Warn().
			Err(err).
			Dur("wait", d.Wait).
			Msg("Scrape stream failed, retrying")
		if backoff.Sleep(ctx, d.Wait) != nil {
			e.resolve(pending, models.JobStateCancelled, ErrCancelled.Error(), observe)
			return false
		}

	default:
		e.resolve(pending, models.JobStateFailed, err.Error(), observe)
		return false
	}

	for _, job := range pending {
		job.RetryCount++
		observe(job.Clone())
	}
	return true
}

// attempt runs one stream until every pending job is terminal, the stream
// ends, or a failure interrupts it. A nil return means all jobs settled.
func (e *Executor) attempt(ctx context.Context, pending []*models.Job, open opener, observe Observer) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := open(streamCtx, pending)
	if err != nil {
		return err
	}
	defer stream.Close()

	chunks := make(chan chunk)
	done := make(chan struct{})
	defer close(done)
	go pump(stream, chunks, done)

	route := newRouter(pending)
	dec := frame.NewDecoder(e.logger, frame.WithPrefix(e.framePrefix))

	idle := time.NewTimer(e.idleTimeout)
	defer idle.Stop()
	idleC := idle.C
	if e.idleTimeout <= 0 {
		idle.Stop()
		idleC = nil
	}

	var tickC <-chan time.Time
	if e.tickInterval > 0 {
		ticker := time.NewTicker(e.tickInterval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-idleC:
			return ErrIdleTimeout

		case <-tickC:
			for _, job := range route.running() {
				if e.tracker.Tick(job) {
					observe(job.Clone())
				}
			}

		case c := <-chunks:
			if len(c.data) > 0 {
				if e.idleTimeout > 0 {
					idle.Reset(e.idleTimeout)
				}
				if e.dispatch(route, dec.Feed(c.data), observe) {
					return nil
				}
			}
			if c.err != nil {
				if e.dispatch(route, dec.Flush(), observe) {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(c.err, io.EOF) {
					return ErrStreamEnded
				}
				return &TransientError{Err: c.err}
			}
		}
	}
}

// dispatch applies decoded events and reports whether every job has settled
func (e *Executor) dispatch(route *router, events []models.ProgressEvent, observe Observer) bool {
	for _, ev := range events {
		if job := route.route(ev); job != nil {
			if job.State == models.JobStateRunning {
				e.ring.Append(logs.FromEvent(job, ev))
				if e.apply(job, ev) {
					observe(job.Clone())
				}
			}
		} else {
			e.batchEvent(route, ev, observe)
		}
		if route.settled() {
			return true
		}
	}
	return false
}

// apply updates one job for one of its own events
func (e *Executor) apply(job *models.Job, ev models.ProgressEvent) bool {
	switch ev.Type {
	case models.EventComplete:
		e.tracker.Complete(job, ev.SavedCount(), e.now())
		return true
	case models.EventError:
		e.tracker.Resolve(job, models.JobStateFailed, (&BackendError{Message: ev.Message}).Error(), e.now())
		return true
	case models.EventSkip:
		job.Skipped = true
		e.tracker.Apply(job, ev)
		return true
	default:
		return e.tracker.Apply(job, ev)
	}
}

// batchEvent handles a frame in a batch stream that names none of its jobs
func (e *Executor) batchEvent(route *router, ev models.ProgressEvent, observe Observer) {
	e.ring.Append(logs.FromBatchEvent(len(route.jobs), ev))

	switch ev.Type {
	case models.EventComplete:
		// batch finished; entities that never completed are failed
		e.resolve(route.running(), models.JobStateFailed, "no completion reported for entity", observe)
	case models.EventError:
		e.resolve(route.running(), models.JobStateFailed, (&BackendError{Message: ev.Message}).Error(), observe)
	}
}

func (e *Executor) resolve(jobs []*models.Job, state models.JobState, reason string, observe Observer) {
	now := e.now()
	for _, job := range jobs {
		if job.State.IsTerminal() {
			continue
		}
		e.tracker.Resolve(job, state, reason, now)
		observe(job.Clone())
	}
}

// retryEntry is the log entry announcing a retry of the pending jobs
func (e *Executor) retryEntry(pending []*models.Job, level models.LogLevel, text, detail string) models.LogEntry {
	entry := models.LogEntry{Level: level, Detail: detail}
	if len(pending) == 1 {
		entry.Message = fmt.Sprintf("[%s] %s", pending[0].EntityLabel, text)
		entry.JobID = pending[0].ID
		entry.EntityID = pending[0].EntityID
	} else {
		entry.Message = fmt.Sprintf("[%s] %s", logs.BatchLabel(len(pending)), text)
	}
	return entry
}

func waitSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func running(jobs []*models.Job) []*models.Job {
	var out []*models.Job
	for _, job := range jobs {
		if job.State == models.JobStateRunning {
			out = append(out, job)
		}
	}
	return out
}

type chunk struct {
	data []byte
	err  error
}

// pump copies the stream into out until it errors or done is closed
func pump(r io.Reader, out chan<- chunk, done <-chan struct{}) {
	for {
		buf := make([]byte, readBufferSize)
		n, err := r.Read(buf)
		select {
		case out <- chunk{data: buf[:n], err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}
