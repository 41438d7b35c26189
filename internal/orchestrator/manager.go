package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/harvest/internal/models"
)

// ErrUnknownBackend is returned for a backend name with no orchestrator
var ErrUnknownBackend = errors.New("unknown backend")

// Manager holds one orchestrator per configured backend
type Manager struct {
	mu            sync.RWMutex
	orchestrators map[string]*Orchestrator
	order         []string
	logger        arbor.ILogger
}

// NewManager creates an empty manager
func NewManager(logger arbor.ILogger) *Manager {
	return &Manager{
		orchestrators: make(map[string]*Orchestrator),
		logger:        logger,
	}
}

// Register adds an orchestrator under its backend name
func (m *Manager) Register(o *Orchestrator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := o.Backend()
	if _, exists := m.orchestrators[name]; exists {
		return fmt.Errorf("backend %s already registered", name)
	}
	m.orchestrators[name] = o
	m.order = append(m.order, name)

	m.logger.Debug().Str("backend", name).Msg("Orchestrator registered")
	return nil
}

// Get returns the orchestrator of a backend
func (m *Manager) Get(name string) (*Orchestrator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orchestrators[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return o, nil
}

// Names returns backend names in registration order
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Statuses returns a snapshot of every backend
func (m *Manager) Statuses() []models.Run {
	m.mu.RLock()
	list := make([]*Orchestrator, 0, len(m.order))
	for _, name := range m.order {
		list = append(list, m.orchestrators[name])
	}
	m.mu.RUnlock()

	out := make([]models.Run, len(list))
	for i, o := range list {
		out[i] = o.Status()
	}
	return out
}

// StopAll force-stops every backend and waits for their runs to exit
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	list := make([]*Orchestrator, 0, len(m.orchestrators))
	for _, o := range m.orchestrators {
		list = append(list, o)
	}
	m.mu.RUnlock()

	for _, o := range list {
		o.ForceStop()
	}
	for _, o := range list {
		if err := o.Wait(ctx); err != nil {
			return fmt.Errorf("backend %s did not stop: %w", o.Backend(), err)
		}
	}
	return nil
}
