package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify periodic cadence, failure isolation, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test workers
// ============================================================================

type funcWorker struct {
	name string
	run  func(ctx context.Context) error
}

func (f *funcWorker) Name() string                  { return f.name }
func (f *funcWorker) Run(ctx context.Context) error { return f.run(ctx) }

func blockingWorker(name string) *funcWorker {
	return &funcWorker{name: name, run: func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}}
}

// ============================================================================
// Every
// ============================================================================

// TestEveryTicksOnPeriod uses a mock clock to drive exact tick counts
func TestEveryTicksOnPeriod(t *testing.T) {
	mock := clock.NewMock()
	var ticks atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Every(ctx, mock, time.Second, func(context.Context) error {
			ticks.Add(1)
			return nil
		})
	}()

	// Nothing happens before the first period elapses
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, int32(0), ticks.Load())

	for i := 1; i <= 5; i++ {
		want := int32(i)
		require.Eventually(t, func() bool {
			mock.Add(time.Second)
			return ticks.Load() >= want
		}, time.Second, time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Every did not stop")
	}
}

func TestEveryStopsOnError(t *testing.T) {
	boom := errors.New("sensor gone")
	err := Every(context.Background(), clock.New(), time.Millisecond, func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestEveryErrStopIsClean(t *testing.T) {
	n := 0
	err := Every(context.Background(), nil, time.Millisecond, func(context.Context) error {
		n++
		if n == 3 {
			return ErrStop
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
}

// ============================================================================
// Pool
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(nil, blockingWorker("a"), blockingWorker("b"))
	assert.Equal(t, 2, pool.GetWorkerCount())
	assert.ErrorIs(t, pool.Wait(), ErrPoolNotStarted)

	for _, st := range pool.Statuses() {
		assert.Equal(t, StateIdle, st.State)
	}
}

// TestPoolStartStop tests starting and stopping all workers
func TestPoolStartStop(t *testing.T) {
	pool := NewPool(nil, blockingWorker("a"), blockingWorker("b"))

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolStarted)
	assert.Equal(t, 2, pool.Running())

	pool.Stop()
	for _, st := range pool.Statuses() {
		assert.Equal(t, StateStopped, st.State)
	}
}

// TestFailureIsolation checks one failing worker leaves the others running
func TestFailureIsolation(t *testing.T) {
	failing := &funcWorker{name: "broken", run: func(context.Context) error {
		return errors.New("serial port vanished")
	}}
	panicking := &funcWorker{name: "panicky", run: func(context.Context) error {
		panic("nil device")
	}}
	pool := NewPool(nil, failing, panicking, blockingWorker("healthy"))
	require.NoError(t, pool.Start(context.Background()))

	require.Eventually(t, func() bool { return pool.Running() == 1 }, time.Second, 5*time.Millisecond)

	statuses := pool.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, "broken", statuses[0].Name)
	assert.Equal(t, StateFailed, statuses[0].State)
	assert.EqualError(t, statuses[0].Err, "serial port vanished")
	assert.Equal(t, StateRunning, statuses[1].State)
	assert.Equal(t, StateFailed, statuses[2].State)
	assert.Contains(t, statuses[2].Err.Error(), "nil device")

	pool.Stop()
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(nil, blockingWorker("a"))
	assert.NotPanics(t, pool.Stop)
}
