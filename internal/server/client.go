package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Check queries a running health server for the overall status and the
// status of each named worker.
func Check(ctx context.Context, addr string, workers []string) (map[string]string, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	out := make(map[string]string, len(workers)+1)

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	out[""] = resp.GetStatus().String()

	for _, w := range workers {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: WorkerService(w)})
		if err != nil {
			out[w] = "UNKNOWN"
			continue
		}
		out[w] = resp.GetStatus().String()
	}
	return out, nil
}
