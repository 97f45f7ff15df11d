// ============================================================================
// Publisher - single consumer of the outbox
// ============================================================================
//
// Package: internal/publisher
// File: publisher.go
// Purpose: Delivers every queued message to the broker under a bounded
//          retry policy and escalates the fault sentinel into process exit.
//
// Loop:
//   for {
//     msg := outbox.Receive()
//     ├─ fault sentinel  → log, exit(1), return ErrFault
//     └─ otherwise       → try up to MaxAttempts, AttemptTimeout each
//                          ├─ acked     → next message
//                          └─ exhausted → log, count, drop, next message
//   }
//
// A message that cannot be delivered never blocks the messages behind it
// for longer than MaxAttempts * (AttemptTimeout + Backoff).
//
// ============================================================================

package publisher

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/ChuLiYu/indoor-sensors/internal/logging"
	"github.com/ChuLiYu/indoor-sensors/internal/metrics"
	"github.com/ChuLiYu/indoor-sensors/internal/outbox"
	"github.com/ChuLiYu/indoor-sensors/pkg/types"
	"github.com/benbjohnson/clock"
)

var log = logging.Component("publisher")

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrFault is returned by Run after the fault sentinel was received.
	ErrFault = errors.New("fault sentinel received")
	// ErrExhausted means every delivery attempt for a message failed.
	ErrExhausted = errors.New("delivery attempts exhausted")
)

// ============================================================================
// Collaborators
// ============================================================================

// Broker accepts a payload for a destination, returning once the broker
// has acknowledged it or ctx ends.
type Broker interface {
	Publish(ctx context.Context, destination string, payload []byte) error
}

// Source yields queued messages in order.
type Source interface {
	Receive(ctx context.Context) (types.OutboundMessage, error)
}

// Config controls the publisher.
type Config struct {
	Retry   RetryPolicy
	Exit    func(code int) // called on the fault sentinel; defaults to os.Exit
	Clock   clock.Clock
	Metrics *metrics.Collector
}

// Publisher drains a Source into a Broker.
type Publisher struct {
	src    Source
	broker Broker
	retry  RetryPolicy
	exit   func(int)
	clock  clock.Clock
	m      *metrics.Collector
}

// New creates a publisher.
func New(src Source, broker Broker, cfg Config) *Publisher {
	p := &Publisher{
		src:    src,
		broker: broker,
		retry:  cfg.Retry.withDefaults(),
		exit:   cfg.Exit,
		clock:  cfg.Clock,
		m:      cfg.Metrics,
	}
	if p.exit == nil {
		p.exit = os.Exit
	}
	if p.clock == nil {
		p.clock = clock.New()
	}
	return p
}

// Run consumes messages until the source is closed and drained, ctx ends,
// or the fault sentinel arrives.
func (p *Publisher) Run(ctx context.Context) error {
	log.Info("Publisher started",
		"max_attempts", p.retry.MaxAttempts,
		"attempt_timeout", p.retry.AttemptTimeout,
		"backoff", p.retry.Backoff)

	for {
		msg, err := p.src.Receive(ctx)
		if err != nil {
			if errors.Is(err, outbox.ErrClosed) || errors.Is(err, context.Canceled) {
				log.Info("Publisher stopped")
				return nil
			}
			return err
		}

		if msg.IsFaultSentinel() {
			// With the default exit the process ends here, so the count is
			// only scrapeable when Exit is overridden (tests, demo).
			p.m.RecordFault()
			log.Error("Fault sentinel received, shared state is corrupted; terminating")
			p.exit(1)
			return ErrFault
		}

		if err := p.Deliver(ctx, msg); err != nil && ctx.Err() != nil {
			log.Info("Publisher stopped", "undelivered", msg.Destination)
			return nil
		}
	}
}

// Deliver publishes one message under the retry policy. Exhaustion is
// logged and counted; the returned error is informational.
func (p *Publisher) Deliver(ctx context.Context, msg types.OutboundMessage) error {
	start := p.clock.Now()
	attempts, err := p.retry.run(ctx, p.clock, func(ctx context.Context, attempt int) error {
		p.m.RecordPublishAttempt()
		err := p.broker.Publish(ctx, msg.Destination, msg.Body)
		if err != nil {
			log.Warn("Publish attempt failed",
				"destination", msg.Destination,
				"attempt", attempt,
				"error", err)
		}
		return err
	})

	switch {
	case err == nil:
		p.m.RecordDelivered(p.clock.Since(start))
		if attempts > 1 {
			log.Info("Message delivered after retries", "destination", msg.Destination, "attempts", attempts)
		} else {
			log.Debug("Message delivered", "destination", msg.Destination)
		}
		return nil
	case errors.Is(err, ErrExhausted):
		p.m.RecordDropped()
		log.Error("Dropping message",
			"destination", msg.Destination,
			"bytes", len(msg.Body),
			"error", err)
		return err
	default:
		return err
	}
}

// MaxDeliveryTime is the longest Deliver can spend on one message.
func (p *Publisher) MaxDeliveryTime() time.Duration {
	return time.Duration(p.retry.MaxAttempts) * (p.retry.AttemptTimeout + p.retry.Backoff)
}
