// Package scheduler starts unattended runs of backends that have a cron
// schedule configured. A scheduled run covers the unprocessed entities only
// and is pre-confirmed; a tick that finds the backend busy or with nothing to
// do is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/harvest/internal/common"
	"github.com/ternarybob/harvest/internal/models"
	"github.com/ternarybob/harvest/internal/orchestrator"
)

// startTimeout bounds how long a tick waits for a stopping run to exit
const startTimeout = 30 * time.Second

// Starter is the part of an orchestrator the scheduler drives
type Starter interface {
	Backend() string
	Start(ctx context.Context, req orchestrator.StartRequest) (models.Run, error)
}

// Status describes one scheduled backend
type Status struct {
	Backend   string     `json:"backend"`
	Schedule  string     `json:"schedule"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastRunID string     `json:"last_run_id,omitempty"`
	LastSkip  string     `json:"last_skip,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

type entry struct {
	starter   Starter
	schedule  string
	cronID    cron.EntryID
	lastRun   *time.Time
	lastRunID string
	lastSkip  string
	lastError string
}

// Service owns the cron instance and one entry per scheduled backend
type Service struct {
	cron    *cron.Cron
	logger  arbor.ILogger
	mu      sync.Mutex
	entries map[string]*entry
	running bool
}

// NewService creates a stopped scheduler
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		cron:    cron.New(),
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Register schedules runs of a backend. The schedule is a 5-field cron
// expression with at least five minutes between runs.
func (s *Service) Register(starter Starter, schedule string) error {
	if err := common.ValidateSchedule(schedule); err != nil {
		return fmt.Errorf("invalid schedule for %s: %w", starter.Backend(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := starter.Backend()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("backend %s already scheduled", name)
	}

	cronID, err := s.cron.AddFunc(schedule, func() {
		s.execute(name)
	})
	if err != nil {
		return fmt.Errorf("failed to add schedule to cron: %w", err)
	}
	s.entries[name] = &entry{starter: starter, schedule: schedule, cronID: cronID}

	s.logger.Info().
		Str("backend", name).
		Str("schedule", schedule).
		Msg("Scheduled runs registered")
	return nil
}

// Start begins firing schedules
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Int("backends", len(s.entries)).Msg("Scheduler started")
}

// Stop halts the scheduler and waits for a tick in progress to return
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
}

// IsRunning reports whether schedules are firing
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Trigger runs a backend's scheduled start immediately
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	_, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s has no schedule", orchestrator.ErrUnknownBackend, name)
	}
	s.execute(name)
	return nil
}

// Statuses returns every scheduled backend sorted by name
func (s *Service) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[cron.EntryID]time.Time)
	for _, ce := range s.cron.Entries() {
		next[ce.ID] = ce.Next
	}

	out := make([]Status, 0, len(s.entries))
	for name, e := range s.entries {
		st := Status{
			Backend:   name,
			Schedule:  e.schedule,
			LastRun:   e.lastRun,
			LastRunID: e.lastRunID,
			LastSkip:  e.lastSkip,
			LastError: e.lastError,
		}
		if t, ok := next[e.cronID]; ok && !t.IsZero() {
			st.NextRun = &t
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}

// Status returns one backend's schedule, if it has one
func (s *Service) Status(name string) (Status, bool) {
	for _, st := range s.Statuses() {
		if st.Backend == name {
			return st, true
		}
	}
	return Status{}, false
}

func (s *Service) execute(name string) {
	defer common.Recover(s.logger, "scheduler."+name)

	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	run, err := e.starter.Start(ctx, orchestrator.StartRequest{
		Confirmed: true,
		Trigger:   orchestrator.TriggerSchedule,
	})
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e.lastRun = &now
	e.lastSkip = ""
	e.lastError = ""

	switch {
	case err == nil:
		e.lastRunID = run.ID
		s.logger.Info().
			Str("backend", name).
			Str("run_id", run.ID).
			Int("entities", run.QueueSize).
			Msg("Scheduled run started")
	case errors.Is(err, orchestrator.ErrAlreadyRunning), errors.Is(err, orchestrator.ErrNothingToRun):
		e.lastSkip = err.Error()
		s.logger.Debug().
			Str("backend", name).
			Str("reason", err.Error()).
			Msg("Scheduled run skipped")
	default:
		e.lastError = err.Error()
		s.logger.Error().
			Err(err).
			Str("backend", name).
			Msg("Scheduled run failed to start")
	}
}
