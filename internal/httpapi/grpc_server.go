package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tollgate.dev/internal/obs"
)

const defaultHealthInterval = 10 * time.Second

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer exposes the standard gRPC health service, driven by the same
// readiness probe as /readyz.
type GRPCServer struct {
	server    *grpc.Server
	health    *health.Server
	readiness readinessChecker
	interval  time.Duration
}

// NewGRPCServer registers the health service on a fresh grpc.Server.
func NewGRPCServer(r readinessChecker) *GRPCServer {
	s := &GRPCServer{
		server:    grpc.NewServer(),
		health:    health.NewServer(),
		readiness: r,
		interval:  defaultHealthInterval,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Server returns the underlying grpc.Server for Serve and GracefulStop.
func (s *GRPCServer) Server() *grpc.Server { return s.server }

// Refresh runs the readiness probe once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if s.readiness != nil {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.readiness.Check(cctx)
		cancel()
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			obs.Warn("readiness_failed", map[string]any{"err": err})
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
	return status
}

// Watch refreshes the health status until ctx ends, then marks the service
// as shutting down.
func (s *GRPCServer) Watch(ctx context.Context) {
	s.Refresh(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}
