// ============================================================================
// Indoor Sensors Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collects pipeline metrics and exposes them for Prometheus.
//
// Metric groups:
//
//   1. Sampling (Counter, per worker):
//      - sensors_readings_total{worker}: messages handed to the outbox
//      - sensors_errors_total{worker,kind}: transient read/parse failures
//
//   2. Delivery:
//      - sensors_publish_attempts_total: every broker publish attempt
//      - sensors_publish_delivered_total: messages acknowledged by the broker
//      - sensors_publish_dropped_total: messages dropped after retry exhaustion
//      - sensors_publish_latency_seconds: time from first attempt to ack
//      - sensors_outbox_depth: messages waiting for the publisher
//
//   3. Shared bus:
//      - sensors_bus_wait_seconds: time spent waiting for the bus guard
//      - sensors_faults_total: fault sentinels raised. The publisher exits
//        the process right after counting one, so a scrape only sees it
//        when the exit hook is overridden (tests, the demo).
//
//   4. Liveness:
//      - sensors_workers_running: sampling loops currently running
//
// Example queries:
//
//   # delivery failure ratio
//   rate(sensors_publish_dropped_total[15m]) / rate(sensors_readings_total[15m])
//
//   # bus contention
//   histogram_quantile(0.99, rate(sensors_bus_wait_seconds_bucket[5m]))
//
// All methods are safe to call on a nil *Collector, so components can run
// without instrumentation in tests.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every pipeline metric.
type Collector struct {
	// sampling
	readings     *prometheus.CounterVec
	sensorErrors *prometheus.CounterVec

	// delivery
	publishAttempts  prometheus.Counter
	publishDelivered prometheus.Counter
	publishDropped   prometheus.Counter
	publishLatency   prometheus.Histogram
	outboxDepth      prometheus.Gauge

	// shared bus
	busWait prometheus.Histogram
	faults  prometheus.Counter

	workersRunning prometheus.Gauge
}

// NewCollector creates a collector registered with the default registerer.
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith creates a collector registered with reg.
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensors_readings_total",
			Help: "Total number of messages emitted by sensor workers",
		}, []string{"worker"}),
		sensorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensors_errors_total",
			Help: "Total number of transient sensor failures",
		}, []string{"worker", "kind"}),
		publishAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensors_publish_attempts_total",
			Help: "Total number of broker publish attempts",
		}),
		publishDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensors_publish_delivered_total",
			Help: "Total number of messages acknowledged by the broker",
		}),
		publishDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensors_publish_dropped_total",
			Help: "Total number of messages dropped after exhausting retries",
		}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sensors_publish_latency_seconds",
			Help:    "Time from first publish attempt to acknowledgement",
			Buckets: prometheus.DefBuckets,
		}),
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensors_outbox_depth",
			Help: "Current number of messages waiting for delivery",
		}),
		busWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sensors_bus_wait_seconds",
			Help:    "Time spent waiting to acquire the shared bus",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		faults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensors_faults_total",
			Help: "Total number of fault sentinels raised by workers",
		}),
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensors_workers_running",
			Help: "Current number of running sensor workers",
		}),
	}

	reg.MustRegister(
		c.readings,
		c.sensorErrors,
		c.publishAttempts,
		c.publishDelivered,
		c.publishDropped,
		c.publishLatency,
		c.outboxDepth,
		c.busWait,
		c.faults,
		c.workersRunning,
	)
	return c
}

// RecordReading counts one message emitted by worker.
func (c *Collector) RecordReading(worker string) {
	if c == nil {
		return
	}
	c.readings.WithLabelValues(worker).Inc()
}

// RecordSensorError counts one transient failure of the given kind.
func (c *Collector) RecordSensorError(worker, kind string) {
	if c == nil {
		return
	}
	c.sensorErrors.WithLabelValues(worker, kind).Inc()
}

func (c *Collector) RecordPublishAttempt() {
	if c == nil {
		return
	}
	c.publishAttempts.Inc()
}

// RecordDelivered counts an acknowledged message and its latency.
func (c *Collector) RecordDelivered(latency time.Duration) {
	if c == nil {
		return
	}
	c.publishDelivered.Inc()
	c.publishLatency.Observe(latency.Seconds())
}

func (c *Collector) RecordDropped() {
	if c == nil {
		return
	}
	c.publishDropped.Inc()
}

func (c *Collector) RecordFault() {
	if c == nil {
		return
	}
	c.faults.Inc()
}

// SetOutboxDepth implements outbox.DepthObserver.
func (c *Collector) SetOutboxDepth(n int) {
	if c == nil {
		return
	}
	c.outboxDepth.Set(float64(n))
}

// ObserveBusWait implements busguard.WaitObserver.
func (c *Collector) ObserveBusWait(seconds float64) {
	if c == nil {
		return
	}
	c.busWait.Observe(seconds)
}

// WorkerStarted and WorkerStopped track running sampling loops.
func (c *Collector) WorkerStarted() {
	if c == nil {
		return
	}
	c.workersRunning.Inc()
}

func (c *Collector) WorkerStopped() {
	if c == nil {
		return
	}
	c.workersRunning.Dec()
}

// Serve exposes g on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
