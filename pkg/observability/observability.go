// Package observability wires OpenTelemetry tracing and metrics for the
// kernel, following the RED pattern over capability invocations.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/selene-os/selene/core/pkg/reason"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName  string
	OTLPEndpoint string // gRPC collector, e.g. "localhost:4317"
	SampleRate   float64
	BatchTimeout time.Duration
	Insecure     bool
}

// DefaultConfig samples everything and batches for five seconds.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:  "selene-kernel",
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
	}
}

// Provider holds the kernel's tracer, meter and RED instruments. With no
// OTLP endpoint configured it stays inert: spans and measurements are
// recorded against no-op globals.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	invocations metric.Int64Counter
	refusals    metric.Int64Counter
	duration    metric.Float64Histogram
}

// New creates the provider. An empty OTLPEndpoint disables export.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
	}
	if cfg.OTLPEndpoint == "" {
		p.logger.InfoContext(ctx, "telemetry export disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("selene.component", "kernel"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	if err := p.initTraces(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer("selene.kernel")
	meter := otel.Meter("selene.kernel")
	if p.invocations, err = meter.Int64Counter("selene.invocations.total",
		metric.WithDescription("Capability invocations processed"),
		metric.WithUnit("{invocation}")); err != nil {
		return nil, err
	}
	if p.refusals, err = meter.Int64Counter("selene.refusals.total",
		metric.WithDescription("Invocations refused before commit"),
		metric.WithUnit("{refusal}")); err != nil {
		return nil, err
	}
	if p.duration, err = meter.Float64Histogram("selene.invoke.duration",
		metric.WithDescription("Invocation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5)); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", cfg.ServiceName,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate)
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

// Tracer returns the kernel tracer, nil when export is disabled (the
// dispatcher falls back to its no-op tracer).
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// RecordInvocation feeds the RED instruments. It implements the
// dispatcher's metrics hook.
func (p *Provider) RecordInvocation(ctx context.Context, capabilityID string, code reason.Code, elapsed time.Duration, refused bool) {
	if p.invocations == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("capability_id", capabilityID),
		attribute.String("reason_code", string(code)),
	)
	p.invocations.Add(ctx, 1, attrs)
	if refused {
		p.refusals.Add(ctx, 1, attrs)
	}
	p.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewLogger builds the process slog.Logger at the configured level and
// installs it as the default.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
