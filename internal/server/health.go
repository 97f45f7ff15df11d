// ============================================================================
// Health Server - gRPC health checking for the sensor pipeline
// ============================================================================
//
// Package: internal/server
// File: health.go
//
// Serves the standard grpc.health.v1 service so a process supervisor (or
// `indoor-sensors status`) can see which workers are alive:
//
//   service ""                          overall: SERVING while the broker is
//                                       connected and no worker has failed
//   service "indoor_sensors.<worker>"   SERVING while that worker runs
//
// Statuses are refreshed from the worker pool on a fixed interval.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ChuLiYu/indoor-sensors/internal/logging"
	"github.com/ChuLiYu/indoor-sensors/internal/worker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

var log = logging.Component("health")

// ServicePrefix namespaces per-worker health services.
const ServicePrefix = "indoor_sensors."

const DefaultRefreshInterval = 5 * time.Second

// StatusSource reports worker states.
type StatusSource interface {
	Statuses() []worker.Status
}

// ConnChecker reports whether the broker connection is up. May be nil.
type ConnChecker interface {
	Connected() bool
}

// Server publishes pipeline health over gRPC.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	pool     StatusSource
	broker   ConnChecker
	interval time.Duration
}

func New(pool StatusSource, broker ConnChecker, interval time.Duration) *Server {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	s := &Server{grpc: gs, health: hs, pool: pool, broker: broker, interval: interval}
	s.Refresh()
	return s
}

// WorkerService is the health service name of a worker.
func WorkerService(name string) string { return ServicePrefix + name }

// Refresh updates every status from the pool.
func (s *Server) Refresh() {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, st := range s.pool.Statuses() {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		switch st.State {
		case worker.StateRunning:
			status = healthpb.HealthCheckResponse_SERVING
		case worker.StateFailed:
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(WorkerService(st.Name), status)
	}
	if s.broker != nil && !s.broker.Connected() {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)
}

// Serve accepts connections on lis until ctx is done, then drains
// in-flight RPCs.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	log.Info("Health server listening", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Refresh()
		case err := <-errCh:
			if errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return fmt.Errorf("health server: %w", err)
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			return nil
		}
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}
