package scrape

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/harvest/internal/backoff"
)

// Gate holds back new stream opens for a whole run while a backend is rate
// limiting. Executors wait on it before each attempt; the orchestrator waits on
// it before drawing the next batch.
type Gate struct {
	mu     sync.Mutex
	until  time.Time
	now    func() time.Time
	onHold func(until time.Time)
}

// NewGate creates an open gate
func NewGate() *Gate {
	return &Gate{now: time.Now}
}

// OnHold registers a callback invoked whenever the hold is extended
func (g *Gate) OnHold(fn func(until time.Time)) {
	g.mu.Lock()
	g.onHold = fn
	g.mu.Unlock()
}

// Hold closes the gate until the given time. A hold is only ever extended,
// never shortened. Reports whether the hold changed.
func (g *Gate) Hold(until time.Time) bool {
	g.mu.Lock()
	if !until.After(g.until) {
		g.mu.Unlock()
		return false
	}
	g.until = until
	fn := g.onHold
	g.mu.Unlock()

	if fn != nil {
		fn(until)
	}
	return true
}

// Until returns the end of the current hold and whether one is active
func (g *Gate) Until() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.until.After(g.now()) {
		return g.until, true
	}
	return time.Time{}, false
}

// Wait blocks until the gate is open or ctx is done
func (g *Gate) Wait(ctx context.Context) error {
	for {
		until, held := g.Until()
		if !held {
			return ctx.Err()
		}
		if err := backoff.Sleep(ctx, until.Sub(g.now())); err != nil {
			return err
		}
	}
}
