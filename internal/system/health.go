package system

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name reported next to the server-wide "".
const HealthService = "machine_tending.ControlLoop"

// HealthServer answers grpc.health.v1 checks with SERVING while the robot
// link is synchronized.
type HealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	lis        net.Listener
	logger     *zap.Logger
}

func NewHealthServer(address string, logger *zap.Logger) (*HealthServer, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("health listen %s: %w", address, err)
	}

	h := &HealthServer{
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
		lis:        lis,
		logger:     logger,
	}
	healthpb.RegisterHealthServer(h.grpcServer, h.health)
	h.SetServing(false)
	return h, nil
}

func (h *HealthServer) Addr() string {
	return h.lis.Addr().String()
}

func (h *HealthServer) Start() {
	go func() {
		h.logger.Info("gRPC health server listening", zap.String("address", h.Addr()))
		if err := h.grpcServer.Serve(h.lis); err != nil {
			h.logger.Error("gRPC health server failed", zap.Error(err))
		}
	}()
}

func (h *HealthServer) SetServing(up bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if up {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthService, status)
}

// Watch mirrors linkUp into the health status until ctx is done.
func (h *HealthServer) Watch(ctx context.Context, linkUp func() bool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := false
	for {
		if up := linkUp(); up != last {
			h.SetServing(up)
			last = up
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop reports NOT_SERVING to watchers and drains in-flight checks.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpcServer.GracefulStop()
}
