package api

import (
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuemby/cyberrange/pkg/log"
	"github.com/cuemby/cyberrange/pkg/metrics"
)

// ServiceName is the gRPC health service name reported alongside the
// server-wide ("") status
const ServiceName = "cyberrange"

// HealthGRPC serves the standard gRPC health protocol for load balancers
// and orchestrators. Serving status follows readiness: NOT_SERVING while
// the store or the container runtime is unhealthy.
type HealthGRPC struct {
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewHealthGRPC creates the health server and subscribes it to component
// health changes
func NewHealthGRPC() *HealthGRPC {
	logger := log.WithComponent("grpc-health")
	h := &HealthGRPC{
		grpc: grpc.NewServer(
			grpc.ChainUnaryInterceptor(LoggingInterceptor(logger)),
			grpc.ChainStreamInterceptor(LoggingStreamInterceptor(logger)),
		),
		health: health.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)

	h.sync()
	metrics.OnComponentChange(func(metrics.ComponentHealth) { h.sync() })
	return h
}

func (h *HealthGRPC) sync() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if metrics.GetReadiness().Status == "ready" {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Start serves the health protocol on addr until Stop
func (h *HealthGRPC) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return h.Serve(lis)
}

// Serve serves the health protocol on lis until Stop
func (h *HealthGRPC) Serve(lis net.Listener) error {
	h.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health listening")
	if err := h.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the server
func (h *HealthGRPC) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
