// Package timectrl drives the orchestrator's simulated clock. Each tick
// advances simulation time by a fixed step; wall pacing is configurable so a
// run can track real time or replay as fast as the loop keeps up.
package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is the read side of the controller. Components that only need to
// know "what time is it in the simulation" depend on this.
type SimClock interface {
	Now() time.Time
}

// Mode describes how the TimeController paces ticks against the wall clock.
type Mode int

const (
	// RealTime paces one simulation step per Step of wall time.
	RealTime Mode = iota
	// Accelerated emits ticks as fast as the consumer drains them.
	Accelerated
)

// TimeController advances simulation time in fixed steps and notifies
// listeners on every tick.
type TimeController struct {
	mu          sync.RWMutex
	StartTime   time.Time
	Step        time.Duration
	Mode        Mode
	currentTime time.Time

	listeners []func(time.Time)
}

// NewTimeController constructs a controller stepping by step per tick.
func NewTimeController(start time.Time, step time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Step:        step,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime jumps the simulation clock, for seeding a run at a scenario time.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// AddListener registers a callback invoked on every tick. Listeners run on
// the controller goroutine; keep them short.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.listeners = append(tc.listeners, fn)
}

// Advance moves the clock one step and notifies listeners. Used by loops
// that own their own pacing.
func (tc *TimeController) Advance() time.Time {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tc.Step)
	now := tc.currentTime
	tc.mu.Unlock()

	for _, fn := range tc.listeners {
		fn(now)
	}
	return now
}

// Start runs the controller for the given simulated duration in a separate
// goroutine, returning a channel closed when it finishes. A non-positive
// duration runs until the context is cancelled.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		elapsed := time.Duration(0)

		var ticker *time.Ticker
		if tc.Mode == RealTime {
			ticker = time.NewTicker(tc.Step)
			defer ticker.Stop()
		}

		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			if ticker != nil {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			} else if ctx.Err() != nil {
				return
			}

			tc.Advance()
			elapsed += tc.Step
		}
	}()
	return done
}
