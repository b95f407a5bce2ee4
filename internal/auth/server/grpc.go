package server

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/carlossalguero/authgate/internal/shared/health"
	"github.com/carlossalguero/authgate/internal/shared/logger"
	"github.com/carlossalguero/authgate/internal/shared/metrics"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "authgate"

// GRPCConfig holds gRPC listener configuration.
type GRPCConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Reflection bool   `mapstructure:"reflection"`
}

// NewGRPCServer builds a server exposing grpc.health.v1. Statuses start
// as NOT_SERVING until the first SyncHealth. opts are appended to the
// interceptor chain, e.g. transport credentials.
func NewGRPCServer(cfg GRPCConfig, log *logger.Logger, m *metrics.Metrics, opts ...grpc.ServerOption) (*grpc.Server, *grpchealth.Server) {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(log),
			LoggingInterceptor(log),
			MetricsInterceptor(m),
		),
	}, opts...)
	srv := grpc.NewServer(opts...)

	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	if cfg.Reflection {
		reflection.Register(srv)
	}
	return srv, hs
}

// SyncHealth mirrors the checker's verdict into the gRPC health server.
// Degraded still counts as serving.
func SyncHealth(ctx context.Context, checker *health.Checker, hs *grpchealth.Server) health.Status {
	resp := checker.Check(ctx)

	serving := healthpb.HealthCheckResponse_SERVING
	if resp.Status == health.StatusDown {
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", serving)
	hs.SetServingStatus(ServiceName, serving)
	return resp.Status
}

// LoggingInterceptor logs gRPC requests.
func LoggingInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.LogGRPCRequest(ctx, info.FullMethod, time.Since(start), err)
		return resp, err
	}
}

// RecoveryInterceptor recovers from panics.
func RecoveryInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.LogPanic(ctx, r)
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// MetricsInterceptor counts requests by method and status code.
func MetricsInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		m.RecordGRPCRequest(info.FullMethod, status.Code(err).String())
		return resp, err
	}
}
