// ============================================================================
// Flowtree Behaviors - Periodic Server Maintenance Strategies
// ============================================================================
//
// Package: internal/behavior
// File: behavior.go
// Function: Pluggable strategies run on a schedule against a live server
//
// A behavior is a policy, not a protocol guarantee. The scheduler drives a
// list of behaviors from an explicit tick source, so tests pump ticks by
// hand instead of sleeping against the wall clock.
//
// ============================================================================

package behavior

import (
	"context"
	"sync"
	"time"

	"github.com/flowtree/flowtree/internal/server"
)

// Behavior is one maintenance strategy invoked per scheduler tick.
type Behavior interface {
	Name() string
	Behave(ctx context.Context, s *server.Server)
}

// Scheduler drives behaviors against one server. The tick source is
// injectable; the zero interval falls back to a real time.Ticker.
type Scheduler struct {
	server    *server.Server
	behaviors []Behavior

	interval time.Duration
	ticks    <-chan time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler ticking every interval.
func NewScheduler(s *server.Server, interval time.Duration) *Scheduler {
	return &Scheduler{server: s, interval: interval}
}

// WithTicks replaces the tick source. Must be called before Start.
func (sc *Scheduler) WithTicks(ticks <-chan time.Time) *Scheduler {
	sc.ticks = ticks
	return sc
}

// Add appends a behavior. Behaviors run in registration order each tick.
func (sc *Scheduler) Add(b Behavior) *Scheduler {
	sc.behaviors = append(sc.behaviors, b)
	return sc
}

// Start launches the tick loop. Idempotent.
func (sc *Scheduler) Start() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.running {
		return
	}
	sc.running = true

	ctx, cancel := context.WithCancel(context.Background())
	sc.cancel = cancel

	ticks := sc.ticks
	var ticker *time.Ticker
	if ticks == nil {
		ticker = time.NewTicker(sc.interval)
		ticks = ticker.C
	}

	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		if ticker != nil {
			defer ticker.Stop()
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticks:
				sc.Tick(ctx)
			}
		}
	}()
}

// Tick runs every behavior once. Exposed so tests and the CLI can drive
// maintenance without the timer.
func (sc *Scheduler) Tick(ctx context.Context) {
	for _, b := range sc.behaviors {
		b.Behave(ctx, sc.server)
	}
}

// Stop halts the tick loop and waits for the current tick to finish.
func (sc *Scheduler) Stop() {
	sc.mu.Lock()
	if !sc.running {
		sc.mu.Unlock()
		return
	}
	sc.running = false
	cancel := sc.cancel
	sc.mu.Unlock()

	cancel()
	sc.wg.Wait()
}
