// ============================================================================
// Worker Pool - lifecycle of the sensor workers
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Starts one goroutine per sensor worker, tracks their state and
//           stops them together.
//
// Architecture:
//   ┌──────────────┐
//   │     CLI      │ --Start(ctx)--> one goroutine per Worker
//   └──────────────┘
//          │
//       Stop() / Wait()
//          ▼
//   ┌──────────────────────────┐
//   │   Pool                   │
//   │  ┌────────────────────┐  │
//   │  │ pressure    RUN    │  │
//   │  │ climate     RUN    │  │
//   │  │ airquality  FAILED │  │
//   │  │ ...                │  │
//   │  └────────────────────┘  │
//   └──────────────────────────┘
//
// Failure isolation:
//   A worker that returns an error (or panics outside the bus guard) is
//   marked failed and logged. The other workers keep running; a sensor
//   that stops reporting does not take the pipeline down with it.
//
// Lifecycle:
//   1. NewPool(workers...) - register the fixed set of workers
//   2. Start(ctx)          - launch them, once
//   3. Stop()              - cancel their context and wait for all to exit
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/indoor-sensors/internal/logging"
	"github.com/ChuLiYu/indoor-sensors/internal/metrics"
)

var log = logging.Component("worker")

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrPoolStarted is returned by a second Start.
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrPoolNotStarted is returned by Wait before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// State is a worker's lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateFailed  State = "failed"
)

// Status describes one worker.
type Status struct {
	Name  string
	State State
	Err   error
}

// ============================================================================
// Pool
// ============================================================================

// Pool runs a fixed set of workers.
type Pool struct {
	workers []Worker
	m       *metrics.Collector

	mu      sync.Mutex
	status  map[string]*Status
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool registers workers. m may be nil.
func NewPool(m *metrics.Collector, workers ...Worker) *Pool {
	p := &Pool{
		workers: workers,
		m:       m,
		status:  make(map[string]*Status, len(workers)),
	}
	for _, w := range workers {
		p.status[w.Name()] = &Status{Name: w.Name(), State: StateIdle}
	}
	return p
}

// Start launches every worker under a context derived from ctx.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolStarted
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for _, w := range p.workers {
		p.status[w.Name()].State = StateRunning
		p.wg.Add(1)
		go p.run(ctx, w)
	}
	log.Info("Workers started", "count", len(p.workers))
	return nil
}

func (p *Pool) run(ctx context.Context, w Worker) {
	defer p.wg.Done()
	p.m.WorkerStarted()
	defer p.m.WorkerStopped()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker panicked: %v", r)
			}
		}()
		return w.Run(ctx)
	}()

	p.mu.Lock()
	st := p.status[w.Name()]
	if err != nil {
		st.State = StateFailed
		st.Err = err
	} else {
		st.State = StateStopped
	}
	p.mu.Unlock()

	if err != nil {
		log.Error("Worker failed", "worker", w.Name(), "error", err)
		return
	}
	log.Info("Worker stopped", "worker", w.Name())
}

// Stop cancels every worker and waits for them to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return ErrPoolNotStarted
	}
	p.wg.Wait()
	return nil
}

// Statuses returns a snapshot of every worker's state, sorted by name.
func (p *Pool) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.status))
	for _, st := range p.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Running returns how many workers are running.
func (p *Pool) Running() int {
	n := 0
	for _, st := range p.Statuses() {
		if st.State == StateRunning {
			n++
		}
	}
	return n
}

// GetWorkerCount returns the number of registered workers.
func (p *Pool) GetWorkerCount() int {
	return len(p.workers)
}
