package publisher

// ============================================================================
// Publisher tests
// Verifies retry bounds, per-attempt timeout, drop-and-continue and the
// fault sentinel escalation
// ============================================================================

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/indoor-sensors/internal/metrics"
	"github.com/ChuLiYu/indoor-sensors/internal/outbox"
	"github.com/ChuLiYu/indoor-sensors/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test doubles
// ============================================================================

type published struct {
	dest string
	body string
}

// fakeBroker fails the first failFirst calls per destination, or every call
// when failAll is set. When hang is set it blocks until ctx is done.
type fakeBroker struct {
	mu        sync.Mutex
	calls     map[string]int
	failFirst int
	failAll   map[string]bool
	hang      bool
	delivered []published
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{calls: map[string]int{}, failAll: map[string]bool{}}
}

func (b *fakeBroker) Publish(ctx context.Context, dest string, payload []byte) error {
	b.mu.Lock()
	b.calls[dest]++
	n := b.calls[dest]
	hang := b.hang
	fail := b.failAll[dest] || n <= b.failFirst
	b.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return errors.New("broker nack")
	}

	b.mu.Lock()
	b.delivered = append(b.delivered, published{dest, string(payload)})
	b.mu.Unlock()
	return nil
}

func (b *fakeBroker) callCount(dest string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[dest]
}

func (b *fakeBroker) deliveredMsgs() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.delivered...)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, AttemptTimeout: 50 * time.Millisecond, Backoff: time.Millisecond}
}

func message(dest, body string) types.OutboundMessage {
	return types.OutboundMessage{Destination: dest, Body: []byte(body)}
}

// ============================================================================
// Retry policy
// ============================================================================

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.AttemptTimeout)

	filled := RetryPolicy{}.withDefaults()
	assert.Equal(t, 5, filled.MaxAttempts)
	assert.Equal(t, time.Second, filled.AttemptTimeout)
}

// TestAlwaysFailingBrokerStopsAtFive checks the attempt bound
func TestAlwaysFailingBrokerStopsAtFive(t *testing.T) {
	b := newFakeBroker()
	b.failAll["/t/generic"] = true
	reg := prometheus.NewRegistry()
	m := metrics.NewCollectorWith(reg)
	p := New(nil, b, Config{Retry: fastPolicy(), Metrics: m})

	err := p.Deliver(context.Background(), message("/t/generic", "x"))
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 5, b.callCount("/t/generic"))

	expected := `
# HELP sensors_publish_dropped_total Total number of messages dropped after exhausting retries
# TYPE sensors_publish_dropped_total counter
sensors_publish_dropped_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "sensors_publish_dropped_total"))
}

// TestSucceedsOnLaterAttempt stops retrying once acknowledged
func TestSucceedsOnLaterAttempt(t *testing.T) {
	b := newFakeBroker()
	b.failFirst = 2
	p := New(nil, b, Config{Retry: fastPolicy()})

	require.NoError(t, p.Deliver(context.Background(), message("/t/generic", "x")))
	assert.Equal(t, 3, b.callCount("/t/generic"))
	assert.Len(t, b.deliveredMsgs(), 1)
}

// TestSucceedsOnLastAttempt acks on the fifth try with no sixth attempt
func TestSucceedsOnLastAttempt(t *testing.T) {
	b := newFakeBroker()
	b.failFirst = 4
	reg := prometheus.NewRegistry()
	p := New(nil, b, Config{Retry: fastPolicy(), Metrics: metrics.NewCollectorWith(reg)})

	require.NoError(t, p.Deliver(context.Background(), message("/t/generic", "x")))
	assert.Equal(t, 5, b.callCount("/t/generic"))
	assert.Equal(t, []published{{"/t/generic", "x"}}, b.deliveredMsgs())

	expected := `
# HELP sensors_publish_dropped_total Total number of messages dropped after exhausting retries
# TYPE sensors_publish_dropped_total counter
sensors_publish_dropped_total 0
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "sensors_publish_dropped_total"))
}

// TestAttemptTimeoutBoundsHangingBroker never waits past the attempt timeout
func TestAttemptTimeoutBoundsHangingBroker(t *testing.T) {
	b := newFakeBroker()
	b.hang = true
	policy := RetryPolicy{MaxAttempts: 3, AttemptTimeout: 20 * time.Millisecond}
	p := New(nil, b, Config{Retry: policy})

	start := time.Now()
	err := p.Deliver(context.Background(), message("/t/generic", "x"))
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 3, b.callCount("/t/generic"))
	assert.Less(t, elapsed, time.Second)
}

// ============================================================================
// Run loop
// ============================================================================

// TestRunDropsAndContinues delivers later messages after one is dropped
func TestRunDropsAndContinues(t *testing.T) {
	ob := outbox.New(nil)
	b := newFakeBroker()
	b.failAll["/t/bad"] = true
	p := New(ob, b, Config{Retry: fastPolicy()})

	require.NoError(t, ob.Send(message("/t/bad", "lost")))
	require.NoError(t, ob.Send(message("/t/good", "1")))
	require.NoError(t, ob.Send(message("/t/good", "2")))
	ob.Close()

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, 5, b.callCount("/t/bad"))
	assert.Equal(t, []published{{"/t/good", "1"}, {"/t/good", "2"}}, b.deliveredMsgs())
}

// TestFaultSentinelCallsExit escalates and stops without publishing
func TestFaultSentinelCallsExit(t *testing.T) {
	ob := outbox.New(nil)
	b := newFakeBroker()

	var exitCode int
	exited := 0
	reg := prometheus.NewRegistry()
	p := New(ob, b, Config{
		Retry:   fastPolicy(),
		Exit:    func(code int) { exitCode = code; exited++ },
		Metrics: metrics.NewCollectorWith(reg),
	})

	require.NoError(t, ob.Send(message("/t/good", "before")))
	require.NoError(t, ob.Send(types.FaultSentinel()))
	require.NoError(t, ob.Send(message("/t/good", "after")))

	err := p.Run(context.Background())
	assert.ErrorIs(t, err, ErrFault)
	assert.Equal(t, 1, exited)
	assert.Equal(t, 1, exitCode)
	assert.Equal(t, []published{{"/t/good", "before"}}, b.deliveredMsgs())
	assert.Equal(t, 0, b.callCount("poison"), "sentinel must never reach the broker")

	expected := `
# HELP sensors_faults_total Total number of fault sentinels raised by workers
# TYPE sensors_faults_total counter
sensors_faults_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "sensors_faults_total"))
}

// TestRunStopsOnCancel returns cleanly on shutdown
func TestRunStopsOnCancel(t *testing.T) {
	ob := outbox.New(nil)
	p := New(ob, newFakeBroker(), Config{Retry: fastPolicy()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop")
	}
}

func TestMaxDeliveryTime(t *testing.T) {
	p := New(nil, newFakeBroker(), Config{Retry: RetryPolicy{MaxAttempts: 2, AttemptTimeout: time.Second, Backoff: time.Second}})
	assert.Equal(t, 4*time.Second, p.MaxDeliveryTime())
}
