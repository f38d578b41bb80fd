// Package tracing provides opt-in OpenTelemetry tracing for splitd. Tracing
// is enabled only when an OTLP endpoint is configured; otherwise [Init]
// returns a no-op shutdown function and fetch and flush spans go to the
// global no-op provider.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultServiceName    = "splitd"
	instrumentationPrefix = "github.com/matt-riley/splitsdk/"
)

// Config selects the exporter endpoint, resource and sampling.
type Config struct {
	// Endpoint is the OTLP HTTP endpoint; empty disables tracing.
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	// SampleRatio is the fraction of root traces kept, in [0, 1]. Child
	// spans follow their parent's decision.
	SampleRatio float64
}

// ConfigFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_SERVICE_NAME and
// SPLITD_TRACE_SAMPLE_RATIO (default 1).
func ConfigFromEnv(serviceVersion string) (Config, error) {
	cfg := Config{
		Endpoint:       strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ServiceName:    strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")),
		ServiceVersion: serviceVersion,
		SampleRatio:    1,
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if raw := strings.TrimSpace(os.Getenv("SPLITD_TRACE_SAMPLE_RATIO")); raw != "" {
		ratio, err := strconv.ParseFloat(raw, 64)
		if err != nil || ratio < 0 || ratio > 1 {
			return Config{}, fmt.Errorf("SPLITD_TRACE_SAMPLE_RATIO must be a number between 0 and 1, got %q", raw)
		}
		cfg.SampleRatio = ratio
	}
	return cfg, nil
}

// Init configures the global tracer provider with an OTLP HTTP exporter.
// The returned function flushes pending spans and should run on shutdown.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", cfg.Endpoint, err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	opts := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithSchemaURL(semconv.SchemaURL),
	}
	if cfg.ServiceVersion != "" {
		opts = append(opts, resource.WithAttributes(semconv.ServiceVersion(cfg.ServiceVersion)))
	}
	custom, err := resource.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	res, err := resource.Merge(resource.Default(), custom)
	if err != nil {
		return nil, fmt.Errorf("merge resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Tracer returns the tracer for a package under the module path, e.g.
// Tracer("internal/fetcher").
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationPrefix + component)
}

// Fail records err on span and marks the span as failed.
func Fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
