package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/harvest/internal/models"
	"github.com/ternarybob/harvest/internal/orchestrator"
)

type fakeStarter struct {
	name string
	err  error

	mu       sync.Mutex
	requests []orchestrator.StartRequest
}

func (f *fakeStarter) Backend() string { return f.name }

func (f *fakeStarter) Start(_ context.Context, req orchestrator.StartRequest) (models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return models.Run{Backend: f.name}, f.err
	}
	return models.Run{ID: "run-1", Backend: f.name, State: models.ControlRunning, QueueSize: 4}, nil
}

func TestService_RegisterValidatesSchedule(t *testing.T) {
	s := NewService(arbor.NewNoOpLogger())

	assert.Error(t, s.Register(&fakeStarter{name: "a"}, "* * * * *"))
	assert.Error(t, s.Register(&fakeStarter{name: "a"}, "every day"))
	require.NoError(t, s.Register(&fakeStarter{name: "a"}, "0 6 * * *"))
	assert.Error(t, s.Register(&fakeStarter{name: "a"}, "0 7 * * *"), "duplicate backend")
}

func TestService_TriggerStartsConfirmedScheduledRun(t *testing.T) {
	s := NewService(arbor.NewNoOpLogger())
	starter := &fakeStarter{name: "announcements"}
	require.NoError(t, s.Register(starter, "0 6 * * *"))

	require.NoError(t, s.Trigger("announcements"))

	require.Len(t, starter.requests, 1)
	req := starter.requests[0]
	assert.True(t, req.Confirmed)
	assert.Equal(t, orchestrator.TriggerSchedule, req.Trigger)
	assert.Empty(t, req.EntityIDs)
	assert.False(t, req.IncludeProcessed)

	st, ok := s.Status("announcements")
	require.True(t, ok)
	assert.Equal(t, "run-1", st.LastRunID)
	assert.NotNil(t, st.LastRun)
	assert.Empty(t, st.LastError)

	assert.ErrorIs(t, s.Trigger("missing"), orchestrator.ErrUnknownBackend)
}

func TestService_BusyOrEmptyIsSkipped(t *testing.T) {
	for _, err := range []error{orchestrator.ErrAlreadyRunning, orchestrator.ErrNothingToRun} {
		s := NewService(arbor.NewNoOpLogger())
		require.NoError(t, s.Register(&fakeStarter{name: "a", err: err}, "0 6 * * *"))
		require.NoError(t, s.Trigger("a"))

		st, _ := s.Status("a")
		assert.Equal(t, err.Error(), st.LastSkip)
		assert.Empty(t, st.LastError)
	}

	s := NewService(arbor.NewNoOpLogger())
	require.NoError(t, s.Register(&fakeStarter{name: "a", err: errors.New("storage down")}, "0 6 * * *"))
	require.NoError(t, s.Trigger("a"))
	st, _ := s.Status("a")
	assert.Equal(t, "storage down", st.LastError)
}

func TestService_StartStop(t *testing.T) {
	s := NewService(arbor.NewNoOpLogger())
	require.NoError(t, s.Register(&fakeStarter{name: "b"}, "0 6 * * *"))
	require.NoError(t, s.Register(&fakeStarter{name: "a"}, "*/30 * * * *"))

	s.Start()
	s.Start()
	assert.True(t, s.IsRunning())

	statuses := s.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].Backend)
	assert.NotNil(t, statuses[0].NextRun)

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}
