// ============================================================================
// Bus Guard - exclusive access to the shared I2C bus
// ============================================================================
//
// Package: internal/busguard
// File: guard.go
// Purpose: Serializes every transaction on the one physical bus shared by
//          the pressure, climate, gas and lightning sensors.
//
// States:
//   ┌───────────┐  Acquire/TryAcquire   ┌──────┐
//   │ available │ ────────────────────> │ held │
//   └───────────┘ <──────── Release ─── └──────┘
//                                          │ Poison / panic inside Do
//                                          ▼
//                                      ┌────────┐
//                                      │ broken │  (terminal)
//                                      └────────┘
//
// A holder that panics mid-transaction leaves the bus in an unknown state.
// The guard records that as "broken" and every later acquirer is told so
// instead of being handed a bus it cannot trust.
//
// ============================================================================

package busguard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/indoor-sensors/internal/logging"
)

var log = logging.Component("busguard")

// ============================================================================
// Errors
// ============================================================================

// ErrBroken means a previous holder failed mid-transaction.
var ErrBroken = errors.New("bus guard is broken")

// Status is the outcome of a non-blocking acquire.
type Status int

const (
	Acquired Status = iota
	WouldBlock
	Broken
)

func (s Status) String() string {
	switch s {
	case Acquired:
		return "acquired"
	case WouldBlock:
		return "would_block"
	case Broken:
		return "broken"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// WaitObserver receives how long each acquire waited for the bus.
type WaitObserver interface {
	ObserveBusWait(seconds float64)
}

// ============================================================================
// Guard
// ============================================================================

// Guard grants exclusive bus access to one holder at a time.
type Guard struct {
	sem    chan struct{} // one token; holding it means holding the bus
	mu     sync.Mutex
	broken bool
	wait   WaitObserver
}

// New creates an available guard. obs may be nil.
func New(obs WaitObserver) *Guard {
	g := &Guard{sem: make(chan struct{}, 1), wait: obs}
	g.sem <- struct{}{}
	return g
}

// Handle is proof of exclusive access. It must be released exactly once.
type Handle struct {
	g    *Guard
	once sync.Once
	done atomic.Bool
}

// Acquire blocks until the bus is free, the guard is broken, or ctx ends.
func (g *Guard) Acquire(ctx context.Context) (*Handle, error) {
	if g.IsBroken() {
		return nil, ErrBroken
	}
	start := time.Now()
	select {
	case <-g.sem:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	g.observe(time.Since(start))

	// The token may have been handed back by a holder that just broke it.
	if g.IsBroken() {
		g.sem <- struct{}{}
		return nil, ErrBroken
	}
	return &Handle{g: g}, nil
}

// TryAcquire never blocks.
func (g *Guard) TryAcquire() (*Handle, Status) {
	if g.IsBroken() {
		return nil, Broken
	}
	select {
	case <-g.sem:
	default:
		return nil, WouldBlock
	}
	if g.IsBroken() {
		g.sem <- struct{}{}
		return nil, Broken
	}
	return &Handle{g: g}, Acquired
}

// IsBroken reports whether the guard has been broken.
func (g *Guard) IsBroken() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.broken
}

// Do runs fn while holding the bus. A panic in fn breaks the guard and is
// returned as an error wrapping ErrBroken. Errors returned by fn are passed
// through untouched and leave the guard healthy.
func (g *Guard) Do(ctx context.Context, fn func() error) (err error) {
	h, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			h.Poison()
			log.Error("Bus transaction panicked, guard broken", "panic", r)
			err = fmt.Errorf("%w: panic during bus transaction: %v", ErrBroken, r)
			return
		}
		h.Release()
	}()
	return fn()
}

func (g *Guard) observe(d time.Duration) {
	if g.wait != nil {
		g.wait.ObserveBusWait(d.Seconds())
	}
}

// ============================================================================
// Handle
// ============================================================================

// Release returns the bus to the guard. Extra calls are no-ops.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.done.Store(true)
		h.g.sem <- struct{}{}
	})
}

// Poison releases the bus and marks the guard broken for every later caller.
func (h *Handle) Poison() {
	h.once.Do(func() {
		h.done.Store(true)
		h.g.mu.Lock()
		h.g.broken = true
		h.g.mu.Unlock()
		h.g.sem <- struct{}{}
	})
}

// Valid reports whether the handle still holds the bus.
func (h *Handle) Valid() bool {
	return h != nil && !h.done.Load()
}
