package api

import (
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/metrics"
)

// ServicePrefix prefixes per-component service names in the gRPC health
// service, e.g. "clanmanager.store"
const ServicePrefix = "clanmanager."

// GRPCServer exposes the standard gRPC health service for load balancers
// and orchestrators. The overall ("") status is SERVING while every
// critical component is healthy.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewGRPCServer creates the gRPC server and subscribes it to component
// health changes
func NewGRPCServer() *GRPCServer {
	s := &GRPCServer{
		server: grpc.NewServer(grpc.UnaryInterceptor(MetricsInterceptor())),
		health: health.NewServer(),
		logger: log.WithComponent("grpc"),
	}
	healthpb.RegisterHealthServer(s.server, s.health)

	s.sync()
	metrics.OnChange(func(name string, healthy bool) {
		s.health.SetServingStatus(ServicePrefix+name, servingStatus(healthy))
		s.health.SetServingStatus("", servingStatus(metrics.Readiness().Ready))
	})

	return s
}

// sync sets the initial status of every critical component
func (s *GRPCServer) sync() {
	for _, name := range metrics.CriticalComponents {
		comp, ok := metrics.Component(name)
		s.health.SetServingStatus(ServicePrefix+name, servingStatus(ok && comp.Healthy))
	}
	s.health.SetServingStatus("", servingStatus(metrics.Readiness().Ready))
}

// Serve accepts connections on lis until Stop
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health listening")
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc server: %w", err)
	}
	return nil
}

// Start listens on addr and serves until Stop
func (s *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server gracefully
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

func servingStatus(healthy bool) healthpb.HealthCheckResponse_ServingStatus {
	if healthy {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
