package scrape

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/harvest/internal/backoff"
	"github.com/ternarybob/harvest/internal/logs"
	"github.com/ternarybob/harvest/internal/models"
	"github.com/ternarybob/harvest/internal/scrape/stages"
)

// fakeBackend replays scripted responses, one per Open call. The last
// response repeats once the script is exhausted.
type fakeBackend struct {
	mu       sync.Mutex
	script   []func() (io.ReadCloser, error)
	calls    int
	requests []models.DispatchRequest
	batches  []models.BatchDispatchRequest
}

func (f *fakeBackend) next() (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.calls++
	return f.script[i]()
}

func (f *fakeBackend) Open(_ context.Context, req models.DispatchRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.next()
}

func (f *fakeBackend) OpenBatch(_ context.Context, req models.BatchDispatchRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.batches = append(f.batches, req)
	f.mu.Unlock()
	return f.next()
}

func (f *fakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func body(frames ...string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		var sb strings.Builder
		for _, f := range frames {
			sb.WriteString("data: ")
			sb.WriteString(f)
			sb.WriteString("\n\n")
		}
		return io.NopCloser(strings.NewReader(sb.String())), nil
	}
}

func fail(err error) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) { return nil, err }
}

// stall opens a stream that never sends anything until closed
func stall() func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		r, _ := io.Pipe()
		return r, nil
	}
}

func newTestExecutor(t *testing.T, backend *fakeBackend, opts ...ExecutorOption) (*Executor, *logs.Ring) {
	t.Helper()
	tracker, err := stages.NewTracker(stages.DefaultProfile("test"))
	require.NoError(t, err)
	ring := logs.NewRing(100)
	policy := backoff.NewPolicy(2, time.Millisecond, backoff.Exponential{Initial: time.Millisecond, Max: 5 * time.Millisecond})
	opts = append([]ExecutorOption{WithTickInterval(0)}, opts...)
	return NewExecutor(backend, tracker, policy, ring, arbor.NewNoOpLogger(), opts...), ring
}

func newTestJob(id, label string) *models.Job {
	return models.NewJob("job-"+id, "run-1", "test", id, label, stages.DefaultStages())
}

func summaries(ring *logs.Ring, jobID string) []models.LogEntry {
	var out []models.LogEntry
	for _, e := range ring.Entries() {
		if e.JobID != jobID {
			continue
		}
		for _, prefix := range []string{"Completed:", "Failed", "Cancelled", "Skipped"} {
			if strings.Contains(e.Message, "] "+prefix) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func TestExecutor_CompleteFrameSucceeds(t *testing.T) {
	backend := &fakeBackend{script: []func() (io.ReadCloser, error){
		body(
			`{"type":"status","message":"Connecting"}`,
			`{"type":"search","message":"Searching"}`,
			`{"type":"result","data":{"count":4}}`,
			`{"type":"detail","data":{"current":2,"total":4,"title":"Report"}}`,
			`{"type":"complete","data":{"saved":4,"duration":3.2}}`,
		),
	}}
	exec, ring := newTestExecutor(t, backend)
	job := newTestJob("ACM", "Acme")

	var progress []int
	state := exec.Run(context.Background(), job, nil, func(j models.Job) {
		progress = append(progress, j.Progress)
	})

	assert.Equal(t, models.JobStateSucceeded, state)
	assert.Equal(t, 4, job.ResultCount)
	assert.Equal(t, 100, job.Progress)
	assert.NotNil(t, job.FinishedAt)
	for _, s := range job.Stages {
		assert.True(t, s.Completed, s.Name)
	}
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}

	require.Len(t, backend.requests, 1)
	assert.Equal(t, "ACM", backend.requests[0].EntityID)
	assert.Equal(t, "Acme", backend.requests[0].EntityLabel)

	// one entry per frame plus one summary
	assert.Equal(t, 6, ring.Len())
	require.Len(t, summaries(ring, job.ID), 1)
	assert.Equal(t, models.LogLevelSuccess, summaries(ring, job.ID)[0].Level)
}

func TestExecutor_MalformedFrameIsSkipped(t *testing.T) {
	backend := &fakeBackend{script: []func() (io.ReadCloser, error){
		func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(
				"data: {\"type\":\"status\"}\n\ndata: {not json\n\ndata: {\"type\":\"complete\",\"data\":{\"saved\":2}}\n\n")), nil
		},
	}}
	exec, _ := newTestExecutor(t, backend)
	job := newTestJob("ACM", "")

	assert.Equal(t, models.JobStateSucceeded, exec.Run(context.Background(), job, nil, nil))
	assert.Equal(t, 2, job.ResultCount)
}

func TestExecutor_ErrorFrameFails(t *testing.T) {
	backend := &fakeBackend{script: []func() (io.ReadCloser, error){
		body(`{"type":"status"}`, `{"type":"error","message":"Login rejected","data":{"stack":"at login()"}}`),
	}}
	exec, ring := newTestExecutor(t, backend)
	job := newTestJob("ACM", "Acme")

	assert.Equal(t, models.JobStateFailed, exec.Run(context.Background(), job, nil, nil))
	assert.Contains(t, job.Error, "Login rejected")
	assert.Equal(t, 1, backend.Calls(), "backend errors are not retried")

	sums := summaries(ring, job.ID)
	require.Len(t, sums, 1)
	assert.Equal(t, models.LogLevelError, sums[0].Level)
}

func TestExecutor_SkipFrame(t *testing.T) {
	backend := &fakeBackend{script: []func() (io.ReadCloser, error){
		body(`{"type":"skip","message":"No filings"}`, `{"type":"complete","data":{"saved":0}}`),
	}}
	exec, ring := newTestExecutor(t, backend)
	job := newTestJob("ACM", "Acme")

	assert.Equal(t, models.JobStateSucceeded, exec.Run(context.Background(), job, nil, nil))
	assert.True(t, job.Skipped)

	sums := summaries(ring, job.ID)
	require.Len(t, sums, 1)
	assert.Contains(t, sums[0].Message, "Skipped")
}

func TestExecutor_RateLimitRetriesThenFails(t *testing.T) {
	backend := &fakeBackend{script: []func() (io.ReadCloser, error){
		fail(&RateLimitError{RetryAfter: time.Millisecond}),
	}}
	exec, ring := newTestExecutor(t, backend)
	job := newTestJob("ACM", "Acme")

	state := exec.Run(context.Background(), job, NewGate(), nil)

	assert.Equal(t, models.JobStateFailed, state)
	assert.Equal(t, 3, backend.Calls(), "initial attempt plus two retries")
	assert.Equal(t, 2, job.RetryCount)
	assert.Contains(t, job.Error, "rate limited")

	waits := 0
	for _, e := range ring.Entries() {
		if strings.Contains(e.Message, "Rate limited, waiting") {
			waits++
		}
	}
	assert.Equal(t, 2, waits)
	assert.Len(t, summaries(ring, job.ID), 1)
}

func TestExecutor_RateLimitHoldsGate(t *testing.T) {
	backend := &fakeBackend{script: []func() (io.ReadCloser, error){
		fail(&RateLimitError{RetryAfter: 30 * time.Millisecond}),
		body(`{"type":"complete","data":{"saved":1}}`),
	}}
	exec, _ := newTestExecutor(t, backend)
	job := newTestJob("ACM", "Acme")

	gate := NewGate()
	var held []time.Time
	gate.OnHold(func(until time.Time) { held = append(held, until) })

	start := time.Now()
	assert.Equal(t, models.JobStateSucceeded, exec.Run(context.Background(), job, gate, nil))

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Len(t, held, 1)
	assert.Equal(t, 1, job.RetryCount)
}

func TestExecutor_TransientErrorRetries(t *testing.T) {
	backend := &fakeBackend{script: []func() (io.ReadCloser, error){
		fail(&TransientError{Err: errors.New("connection refused")}),
		body(`{"type":"complete","data":{"saved":3}}`),
	}}
	exec, ring := newTestExecutor(t, backend)
	job := newTestJob("ACM", "Acme")

	assert.Equal(t, models.JobStateSucceeded, exec.Run(context.Background(), job, nil, nil))
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, 3, job.ResultCount)

	sums := summaries(ring, job.ID)
	require.Len(t, sums, 1)
	assert.Contains(t, sums[0].Message, "after 1 retries")
}

func TestExecutor_APIErrorFails(t *testing.T) {
	backend := &fakeBackend{script: []func() (io.ReadCloser, error){
		fail(&APIError{StatusCode: 400, Message: "bad entity"}),
	}}
	exec, _ := newTestExecutor(t, backend)
	job := newTestJob("ACM", "Acme")

	assert.Equal(t, models.JobStateFailed, exec.Run(context.Background(), job, nil, nil))
	assert.Equal(t, 1, backend.Calls())
	assert.Contains(t, job.Error, "bad entity")
}

func TestExecutor_StreamEndedWithoutComplete(t *testing.T) {
	backend := &fakeBackend{script: []func() (io.ReadCloser, error){
		body(`{"type":"status"}`, `{"type":"search"}`),
	}}
	exec, _ := newTestExecutor(t, backend)
	job := newTestJob("ACM", "Acme")

	assert.Equal(t, models.JobStateFailed, exec.Run(context.Background(), job, nil, nil))
	assert.Equal(t, ErrStreamEnded.Error(), job.Error)
	assert.Equal(t, 40, job.Progress, "progress is left where it stopped")
}

func TestExecutor_IdleTimeout(t *testing.T) {
	backend := &fakeBackend{script: []func() (io.ReadCloser, error){stall()}}
	exec, _ := newTestExecutor(t, backend, WithIdleTimeout(50*time.Millisecond))
	job := newTestJob("ACM", "Acme")

	state := exec.Run(context.Background(), job, nil, nil)

	assert.Equal(t, models.JobStateFailed, state)
	assert.Equal(t, ErrIdleTimeout.Error(), job.Error)
	assert.Equal(t, 1, backend.Calls(), "timeouts are not retried")
}

func TestExecutor_CancelResolvesCancelled(t *testing.T) {
	backend := &fakeBackend{script: []func() (io.ReadCloser, error){stall()}}
	exec, ring := newTestExecutor(t, backend)
	job := newTestJob("ACM", "Acme")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan models.JobState)
	go func() {
		done <- exec.Run(ctx, job, nil, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case state := <-done:
		assert.Equal(t, models.JobStateCancelled, state)
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not stop after cancel")
	}
	sums := summaries(ring, job.ID)
	require.Len(t, sums, 1)
	assert.Equal(t, models.LogLevelWarn, sums[0].Level)
}

func TestExecutor_CancelDuringRateLimitWait(t *testing.T) {
	backend := &fakeBackend{script: []func() (io.ReadCloser, error){
		fail(&RateLimitError{RetryAfter: time.Minute}),
	}}
	exec, _ := newTestExecutor(t, backend)
	job := newTestJob("ACM", "Acme")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.Equal(t, models.JobStateCancelled, exec.Run(ctx, job, NewGate(), nil))
	assert.Equal(t, 1, backend.Calls())
}

func TestExecutor_TickCreepsProgress(t *testing.T) {
	pr, pw := io.Pipe()
	backend := &fakeBackend{script: []func() (io.ReadCloser, error){
		func() (io.ReadCloser, error) { return pr, nil },
	}}
	exec, _ := newTestExecutor(t, backend, WithTickInterval(5*time.Millisecond))
	job := newTestJob("ACM", "Acme")

	var mu sync.Mutex
	var last models.Job
	done := make(chan struct{})
	go func() {
		exec.Run(context.Background(), job, nil, func(j models.Job) {
			mu.Lock()
			last = j
			mu.Unlock()
		})
		close(done)
	}()

	_, err := pw.Write([]byte("data: {\"type\":\"status\"}\n\n"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last.Progress > 5
	}, time.Second, 5*time.Millisecond)

	_, err = pw.Write([]byte("data: {\"type\":\"complete\",\"data\":{\"saved\":1}}\n\n"))
	require.NoError(t, err)
	<-done

	assert.Equal(t, 100, job.Progress)
	assert.LessOrEqual(t, last.Progress, 100)
}

func TestExecutor_RunBatchRoutesFrames(t *testing.T) {
	backend := &fakeBackend{script: []func() (io.ReadCloser, error){
		body(
			`{"type":"status","message":"Logging in"}`,
			`{"type":"search","data":{"entityId":"AAA"}}`,
			`{"type":"search","data":{"company":"Beta Corp"}}`,
			`{"type":"complete","data":{"entityId":"AAA","saved":2}}`,
			`{"type":"error","message":"Not found","data":{"entityLabel":"Beta Corp"}}`,
		),
	}}
	exec, ring := newTestExecutor(t, backend)
	a := newTestJob("AAA", "Alpha Ltd")
	b := newTestJob("BBB", "Beta Corp")

	require.NoError(t, exec.RunBatch(context.Background(), []*models.Job{a, b}, nil, nil))

	assert.Equal(t, models.JobStateSucceeded, a.State)
	assert.Equal(t, 2, a.ResultCount)
	assert.Equal(t, models.JobStateFailed, b.State)
	assert.Contains(t, b.Error, "Not found")

	require.Len(t, backend.batches, 1)
	assert.Equal(t, 2, backend.batches[0].BatchSize)
	assert.Equal(t, []string{"AAA", "BBB"}, backend.batches[0].EntityIDs)

	assert.Len(t, summaries(ring, a.ID), 1)
	assert.Len(t, summaries(ring, b.ID), 1)
	assert.Equal(t, "[batch of 2] Logging in", ring.Entries()[0].Message)
}

func TestExecutor_RunBatchRetriesOnlyPending(t *testing.T) {
	backend := &fakeBackend{script: []func() (io.ReadCloser, error){
		func() (io.ReadCloser, error) {
			return io.NopCloser(io.MultiReader(
				strings.NewReader("data: {\"type\":\"complete\",\"data\":{\"entityId\":\"AAA\",\"saved\":1}}\n\n"),
				&errReader{err: errors.New("connection reset")},
			)), nil
		},
		body(`{"type":"complete","data":{"entityId":"BBB","saved":5}}`),
	}}
	exec, _ := newTestExecutor(t, backend)
	a := newTestJob("AAA", "Alpha")
	b := newTestJob("BBB", "Beta")

	require.NoError(t, exec.RunBatch(context.Background(), []*models.Job{a, b}, nil, nil))

	assert.Equal(t, models.JobStateSucceeded, a.State)
	assert.Equal(t, 0, a.RetryCount)
	assert.Equal(t, models.JobStateSucceeded, b.State)
	assert.Equal(t, 1, b.RetryCount)

	require.Len(t, backend.batches, 2)
	assert.Equal(t, []string{"BBB"}, backend.batches[1].EntityIDs)
}

func TestExecutor_RunBatchCompleteWithoutEntityFailsRest(t *testing.T) {
	backend := &fakeBackend{script: []func() (io.ReadCloser, error){
		body(
			`{"type":"complete","data":{"entityId":"AAA","saved":1}}`,
			`{"type":"complete","message":"Batch done"}`,
		),
	}}
	exec, _ := newTestExecutor(t, backend)
	a := newTestJob("AAA", "Alpha")
	b := newTestJob("BBB", "Beta")

	require.NoError(t, exec.RunBatch(context.Background(), []*models.Job{a, b}, nil, nil))

	assert.Equal(t, models.JobStateSucceeded, a.State)
	assert.Equal(t, models.JobStateFailed, b.State)
}

func TestExecutor_RunBatchUnsupported(t *testing.T) {
	exec, _ := newTestExecutor(t, &fakeBackend{})
	exec.backend = singleOnly{}

	assert.False(t, exec.SupportsBatch())
	err := exec.RunBatch(context.Background(), []*models.Job{newTestJob("A", "")}, nil, nil)
	assert.ErrorIs(t, err, ErrBatchUnsupported)
}

type singleOnly struct{}

func (singleOnly) Open(context.Context, models.DispatchRequest) (io.ReadCloser, error) {
	return nil, errors.New("unused")
}

type errReader struct {
	err error
}

func (r *errReader) Read([]byte) (int, error) {
	return 0, r.err
}
