package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/metrics"
)

// MetricsInterceptor records request counts and latency for unary gRPC calls
// under the same series as the HTTP API, labelled by full method name.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("grpc")

	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		timer := metrics.NewTimer()

		resp, err := handler(ctx, req)

		code := status.Code(err)
		metrics.APIRequestsTotal.WithLabelValues(info.FullMethod, code.String()).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, info.FullMethod)

		if err != nil {
			logger.Debug().
				Err(err).
				Str("method", info.FullMethod).
				Str("code", code.String()).
				Msg("gRPC call failed")
		}
		return resp, err
	}
}
