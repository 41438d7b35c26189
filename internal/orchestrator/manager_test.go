package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/harvest/internal/models"
)

func TestManager_RegisterAndGet(t *testing.T) {
	m := NewManager(arbor.NewNoOpLogger())
	a := newFixture(t, DefaultConfig("announcements")).orch
	g := newFixture(t, DefaultConfig("grants")).orch

	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(g))
	assert.Error(t, m.Register(a))

	got, err := m.Get("grants")
	require.NoError(t, err)
	assert.Same(t, g, got)

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownBackend)

	assert.Equal(t, []string{"announcements", "grants"}, m.Names())

	statuses := m.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "announcements", statuses[0].Backend)
	assert.Equal(t, models.ControlIdle, statuses[1].State)
}

func TestManager_StopAll(t *testing.T) {
	m := NewManager(arbor.NewNoOpLogger())
	f := newFixture(t, testConfig(1), "a", "b")
	f.backend.release = make(chan struct{})
	require.NoError(t, m.Register(f.orch))

	_, err := f.orch.Start(context.Background(), StartRequest{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.backend.Opened()) == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.StopAll(ctx))

	assert.Equal(t, models.ControlStopped, f.orch.Status().State)
}
