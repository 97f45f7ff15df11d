// ============================================================================
// Outbox - fan-in queue between sensor workers and the publisher
// ============================================================================
//
// Package: internal/outbox
// File: outbox.go
//
// Design:
//   Many producers (one per sensor worker), one consumer (the publisher).
//
//   queue []OutboundMessage  - FIFO, guarded by mu, grows without bound
//   notify chan struct{}     - capacity 1, "something was queued" signal
//
//   Depth is reported under mu, so observers see lengths in queue order.
//
//   Send appends and performs a non-blocking poke on notify, so a producer
//   never waits on a slow or stalled publisher. Receive pops the head, or
//   parks on notify until Send or Close wakes it.
//
// Ordering:
//   Messages leave in the order they were appended. Each worker sends from
//   a single goroutine, so per-producer order is preserved. Nothing is
//   promised across producers.
//
// Shutdown:
//   Close stops Send from accepting messages. Messages already queued are
//   still handed out by Receive; once the queue drains Receive returns
//   ErrClosed.
//
// ============================================================================

package outbox

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/indoor-sensors/pkg/types"
)

var (
	// ErrClosed is returned once the outbox is closed and drained.
	ErrClosed = errors.New("outbox is closed")
)

// DepthObserver is told the queue length after every change. It is called
// with the outbox locked and must not call back into it.
type DepthObserver interface {
	SetOutboxDepth(n int)
}

// Outbox is an unbounded multi-producer single-consumer FIFO.
type Outbox struct {
	mu     sync.Mutex
	queue  []types.OutboundMessage
	closed bool
	notify chan struct{}
	depth  DepthObserver
}

// New creates an empty outbox. obs may be nil.
func New(obs DepthObserver) *Outbox {
	return &Outbox{
		queue:  make([]types.OutboundMessage, 0, 16),
		notify: make(chan struct{}, 1),
		depth:  obs,
	}
}

// Send enqueues msg without blocking. It returns ErrClosed after Close.
func (o *Outbox) Send(msg types.OutboundMessage) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.queue = append(o.queue, msg)
	o.report(len(o.queue))
	o.mu.Unlock()

	o.wake()
	return nil
}

// Receive returns the oldest queued message, blocking until one is
// available, the outbox is closed and empty, or ctx is done.
func (o *Outbox) Receive(ctx context.Context) (types.OutboundMessage, error) {
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			msg := o.queue[0]
			o.queue[0] = types.OutboundMessage{}
			o.queue = o.queue[1:]
			o.report(len(o.queue))
			o.mu.Unlock()
			return msg, nil
		}
		if o.closed {
			o.mu.Unlock()
			return types.OutboundMessage{}, ErrClosed
		}
		o.mu.Unlock()

		select {
		case <-o.notify:
		case <-ctx.Done():
			return types.OutboundMessage{}, ctx.Err()
		}
	}
}

// Len returns the number of queued messages.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Close stops accepting messages. Safe to call more than once.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.wake()
}

func (o *Outbox) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *Outbox) report(n int) {
	if o.depth != nil {
		o.depth.SetOutboxDepth(n)
	}
}
