package server

import (
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matt-riley/splitsdk/internal/logging"
	"github.com/matt-riley/splitsdk/internal/metrics"
	"github.com/matt-riley/splitsdk/internal/middleware"
)

// ServiceName is the health service name reported alongside the overall
// ("") status.
const ServiceName = "splitd"

// Health tracks the sidecar's gRPC health status. It starts NOT_SERVING
// and flips once the SDK is ready.
type Health struct {
	srv    *health.Server
	logger *slog.Logger
}

func newHealth(logger *slog.Logger) *Health {
	h := &Health{srv: health.NewServer(), logger: logger}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// MarkServing reports SERVING for the sidecar.
func (h *Health) MarkServing() {
	h.set(healthpb.HealthCheckResponse_SERVING)
	h.logger.Info("health status changed", "status", healthpb.HealthCheckResponse_SERVING.String())
}

// Shutdown reports NOT_SERVING for every service and ignores later updates.
func (h *Health) Shutdown() {
	h.srv.Shutdown()
}

func (h *Health) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(ServiceName, status)
}

// NewGRPCServer creates a gRPC server exposing the standard health service,
// instrumented with tracing, metrics and request logging.
func NewGRPCServer(m *metrics.Metrics, logger *slog.Logger) (*grpc.Server, *Health) {
	logger = logging.Component(logger, "grpc")

	unary := []grpc.UnaryServerInterceptor{middleware.UnaryRequestLoggingInterceptor(logger)}
	var stream []grpc.StreamServerInterceptor
	if m != nil {
		unary = append(unary, m.UnaryServerInterceptor())
		stream = append(stream, m.StreamServerInterceptor())
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	)
	h := newHealth(logger)
	healthpb.RegisterHealthServer(grpcServer, h.srv)
	return grpcServer, h
}
