package api

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuemby/clanmanager/pkg/metrics"
)

func TestGRPCHealthFollowsComponents(t *testing.T) {
	metrics.UpdateComponent("store", true, "")
	metrics.UpdateComponent("platform", true, "")
	metrics.UpdateComponent("scheduler", true, "")

	srv := NewGRPCServer()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check("clanmanager.store"))

	metrics.UpdateComponent("store", false, "database unreachable")
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check("clanmanager.store"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check("clanmanager.platform"))

	metrics.UpdateComponent("store", true, "")
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
}
