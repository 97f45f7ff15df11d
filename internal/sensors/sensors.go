// ============================================================================
// Sensor Workers - shared plumbing
// ============================================================================
//
// Package: internal/sensors
// File: sensors.go
//
// Every worker in this package follows the same shape:
//
//   sample  ──> bus guard / serial port / HTTP  (one transaction)
//     │
//     ├─ transient failure  → log at warn, count, try again next tick
//     ├─ guard broken       → send fault sentinel, stop the worker
//     └─ value              → rolling window / convert
//                               │
//   report ─────────────────────┴──> emitter → outbox
//
// Devices are described here as small consumer-side interfaces; concrete
// drivers live in internal/device and fakes live in the tests.
//
// ============================================================================

package sensors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ChuLiYu/indoor-sensors/internal/busguard"
	"github.com/ChuLiYu/indoor-sensors/internal/derived"
	"github.com/ChuLiYu/indoor-sensors/internal/logging"
	"github.com/ChuLiYu/indoor-sensors/internal/metrics"
	"github.com/ChuLiYu/indoor-sensors/pkg/types"
	"github.com/benbjohnson/clock"
)

// ============================================================================
// Collaborators
// ============================================================================

// Bus runs one transaction with exclusive access to the shared bus.
type Bus interface {
	Do(ctx context.Context, fn func() error) error
}

// Sender accepts messages for delivery without blocking.
type Sender interface {
	Send(msg types.OutboundMessage) error
}

// SerialPort is a byte stream with a read timeout. A read that times out
// returns an error matching os.ErrDeadlineExceeded, or zero bytes and no
// error.
type SerialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// DerivedReader and DerivedWriter are the two sides of the climate store.
type DerivedReader interface {
	Read() derived.Pair
}

type DerivedWriter interface {
	Publish(p derived.Pair)
}

// BaselineStore persists the gas sensor calibration.
type BaselineStore interface {
	Load() (types.Baseline, error)
	Save(b types.Baseline) error
}

// Deps are shared by every worker.
type Deps struct {
	Out     Sender
	Prefix  string // topic prefix, e.g. /ws/2/grp
	Clock   clock.Clock
	Metrics *metrics.Collector
}

// ============================================================================
// Emitter
// ============================================================================

// emitter is embedded by every worker: it owns the worker's logger, clock
// and the path into the outbox.
type emitter struct {
	name   string
	out    Sender
	prefix string
	clk    clock.Clock
	m      *metrics.Collector
	log    *slog.Logger
}

func newEmitter(name string, d Deps) emitter {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Prefix == "" {
		d.Prefix = types.DefaultTopicPrefix
	}
	return emitter{
		name:   name,
		out:    d.Out,
		prefix: d.Prefix,
		clk:    d.Clock,
		m:      d.Metrics,
		log:    logging.Component("sensor").With("worker", name),
	}
}

// Name implements worker.Worker.
func (e *emitter) Name() string { return e.name }

func (e *emitter) now() int64 { return e.clk.Now().UnixMilli() }

// emit serializes p onto its route. Failures are logged and counted; a
// reading that cannot be serialized is dropped.
func (e *emitter) emit(p types.Payload) {
	msg, err := types.NewOutboundMessage(types.Topic(e.prefix, p.PayloadRoute()), p)
	if err != nil {
		e.warn("serialize", "Failed to serialize reading", err)
		return
	}
	if err := e.out.Send(msg); err != nil {
		e.log.Error("Failed to queue reading", "error", err)
		return
	}
	e.m.RecordReading(e.name)
	e.log.Debug("Queued reading", "destination", msg.Destination, "payload", string(msg.Body))
}

// fault reports a broken bus guard and returns the error that ends the
// worker.
func (e *emitter) fault(cause error) error {
	e.log.Error("Bus guard is broken, sending fault sentinel", "error", cause)
	if err := e.out.Send(types.FaultSentinel()); err != nil {
		e.log.Error("Failed to queue fault sentinel", "error", err)
	}
	return fmt.Errorf("%s: %w", e.name, busguard.ErrBroken)
}

func (e *emitter) warn(kind, msg string, err error) {
	e.m.RecordSensorError(e.name, kind)
	e.log.Warn(msg, "error", err)
}

// guarded runs fn on the bus. stop is non-nil when the worker must end:
// either the guard is broken (fault already sent) or ctx is done. err is a
// transient device error the caller should log.
func (e *emitter) guarded(ctx context.Context, bus Bus, fn func() error) (stop error, err error) {
	err = bus.Do(ctx, fn)
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, busguard.ErrBroken):
		return e.fault(err), nil
	case ctx.Err() != nil:
		return errStopped, nil
	default:
		return nil, err
	}
}

// errStopped ends a tick on shutdown; worker.Every returns on ctx.Done.
var errStopped = errors.New("worker stopped")

// endTick maps the guarded stop value onto a tick result.
func endTick(stop error) error {
	if errors.Is(stop, errStopped) {
		return nil
	}
	return stop
}

// isTimeout reports whether a serial read simply found no data.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
