// ============================================================================
// Sensor Worker - periodic sampling unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Contract every sensor worker satisfies, plus the periodic loop
//           most of them are built on.
//
// How it works:
//   Each Worker runs in its own goroutine for the life of the process:
//   1. Optional one-off setup (calibration load, sensor mode switch)
//   2. Sample on a fixed cadence until the context is cancelled
//   3. Return nil on shutdown, or an error when the worker cannot continue
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ Every(ctx, clock, period)    │   │
//   │  │   ├─ tick()                  │   │
//   │  │   ├─ wait for next period    │   │
//   │  │   └─ stop on ctx.Done()      │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Cadence:
//   The first tick happens one period after the loop starts, giving the
//   sensor time to settle after setup. After that the period is measured
//   from the start of one tick to the start of the next. A tick that
//   overruns its period is followed immediately by the next one; missed
//   ticks are not replayed.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrStop may be returned by a tick to end the loop without an error.
var ErrStop = errors.New("worker stop requested")

// Worker is one independent sampling loop.
type Worker interface {
	// Name identifies the worker in logs, metrics and health reports.
	Name() string
	// Run blocks until ctx is cancelled or the worker gives up.
	Run(ctx context.Context) error
}

// Every calls tick once per period until ctx is done or tick returns an
// error. ErrStop ends the loop and is reported as nil.
func Every(ctx context.Context, clk clock.Clock, period time.Duration, tick func(ctx context.Context) error) error {
	if clk == nil {
		clk = clock.New()
	}
	timer := clk.Timer(period)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		start := clk.Now()
		if err := tick(ctx); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}

		wait := period - clk.Since(start)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}
