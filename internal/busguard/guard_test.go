package busguard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type waitRecorder struct {
	mu    sync.Mutex
	count int
}

func (w *waitRecorder) ObserveBusWait(float64) {
	w.mu.Lock()
	w.count++
	w.mu.Unlock()
}

func TestAcquireRelease(t *testing.T) {
	obs := &waitRecorder{}
	g := New(obs)

	h, err := g.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Valid())

	_, st := g.TryAcquire()
	assert.Equal(t, WouldBlock, st)

	h.Release()
	h.Release() // second release is a no-op
	assert.False(t, h.Valid())

	h2, st := g.TryAcquire()
	require.Equal(t, Acquired, st)
	h2.Release()
	assert.Equal(t, 1, obs.count)
}

func TestAcquireHonoursContext(t *testing.T) {
	g := New(nil)
	h, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPanicInsideDoBreaksGuard(t *testing.T) {
	g := New(nil)

	err := g.Do(context.Background(), func() error {
		panic("bus fault")
	})
	require.ErrorIs(t, err, ErrBroken)
	assert.True(t, g.IsBroken())

	_, st := g.TryAcquire()
	assert.Equal(t, Broken, st)

	_, err = g.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrBroken)

	called := false
	err = g.Do(context.Background(), func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrBroken)
	assert.False(t, called)
}

func TestDoPassesThroughErrors(t *testing.T) {
	g := New(nil)
	ioErr := errors.New("nack")

	err := g.Do(context.Background(), func() error { return ioErr })
	assert.ErrorIs(t, err, ioErr)
	assert.False(t, g.IsBroken())
}

func TestPoisonWakesWaiter(t *testing.T) {
	g := New(nil)
	h, err := g.Acquire(context.Background())
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := g.Acquire(context.Background())
		result <- err
	}()

	time.Sleep(10 * time.Millisecond)
	h.Poison()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrBroken)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released after poison")
	}
}

func TestMutualExclusion(t *testing.T) {
	g := New(nil)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				err := g.Do(context.Background(), func() error {
					mu.Lock()
					inside++
					if inside > maxSeen {
						maxSeen = inside
					}
					mu.Unlock()

					time.Sleep(50 * time.Microsecond)

					mu.Lock()
					inside--
					mu.Unlock()
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "at most one holder at a time")
}

// Valid may be polled from another goroutine while the holder releases.
func TestHandleValidConcurrentWithRelease(t *testing.T) {
	g := New(nil)
	h, err := g.Acquire(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for h.Valid() {
			time.Sleep(time.Microsecond)
		}
	}()
	h.Release()
	wg.Wait()
	assert.False(t, h.Valid())
}
