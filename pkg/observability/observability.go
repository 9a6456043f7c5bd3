// Package observability sets up OpenTelemetry traces and metrics for the
// concord commands, plus the process slog handler.
//
// Every command that talks to the issuer or the audit ledger brackets its
// work with TrackOperation:
//
//	ctx, done := p.TrackOperation(ctx, "pack.issue", observability.PackOperation(reqID, "")...)
//	issued, err := svc.Issue(ctx, reveal)
//	done(err)
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Version is reported as the service and instrumentation version.
const Version = "0.1.0"

const instrumentationName = "github.com/samternent/concord"

// Metric names.
const (
	MetricOperations = "concord.operations.total"
	MetricErrors     = "concord.errors.total"
	MetricDuration   = "concord.operation.duration"
	MetricInFlight   = "concord.operations.active"
)

// Config selects the OTLP collector and sampling.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // host:port of the gRPC collector
	SampleRate     float64       // fraction of root spans kept
	BatchTimeout   time.Duration // span batch flush interval
	MetricInterval time.Duration // metric export interval
	Enabled        bool
	Insecure       bool // plaintext gRPC, for local collectors
}

// DefaultConfig exports everything to a local collector over TLS.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "concord",
		ServiceVersion: Version,
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        true,
	}
}

// Provider hands out spans and operation metrics. When telemetry is
// disabled it is backed by no-op providers and costs nothing.
type Provider struct {
	tracer   trace.Tracer
	ops      operationMetrics
	shutdown []func(context.Context) error
}

type operationMetrics struct {
	started  metric.Int64Counter
	failed   metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func newOperationMetrics(m metric.Meter) (operationMetrics, error) {
	var (
		ops  operationMetrics
		errs [4]error
	)
	ops.started, errs[0] = m.Int64Counter(MetricOperations,
		metric.WithDescription("Operations started"),
		metric.WithUnit("{operation}"))
	ops.failed, errs[1] = m.Int64Counter(MetricErrors,
		metric.WithDescription("Operations that returned an error"),
		metric.WithUnit("{error}"))
	ops.duration, errs[2] = m.Float64Histogram(MetricDuration,
		metric.WithDescription("Operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10))
	ops.inFlight, errs[3] = m.Int64UpDownCounter(MetricInFlight,
		metric.WithDescription("Operations in flight"),
		metric.WithUnit("{operation}"))
	return ops, errors.Join(errs[:]...)
}

// NewWithProviders builds a Provider over caller-owned trace and meter
// providers. Shutdown does not stop them.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	ops, err := newOperationMetrics(mp.Meter(instrumentationName, metric.WithInstrumentationVersion(Version)))
	if err != nil {
		return nil, fmt.Errorf("operation metrics: %w", err)
	}
	return &Provider{
		tracer: tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(Version)),
		ops:    ops,
	}, nil
}

// New connects to the OTLP collector in cfg and installs the SDK providers
// as the otel globals. A nil cfg means DefaultConfig.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := slog.Default().With("component", "observability")
	if !cfg.Enabled {
		logger.DebugContext(ctx, "telemetry disabled")
		return NewWithProviders(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, fmt.Errorf("metric exporter: %w", err)
	}

	var batchOpts []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans, batchOpts...),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
	)
	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.MetricInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.MetricInterval))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, readerOpts...)),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p, err := NewWithProviders(tp, mp)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	p.shutdown = append(p.shutdown, tp.Shutdown, mp.Shutdown)
	logger.InfoContext(ctx, "telemetry enabled",
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
		"insecure", cfg.Insecure,
	)
	return p, nil
}

// samplerFor keeps the parent's decision and samples root spans at rate.
func samplerFor(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

// Shutdown flushes and stops the providers New created.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

// TrackOperation starts a span named name and counts the operation. The
// returned func ends the span and records duration, plus an error when
// err is non-nil.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	set := metric.WithAttributes(append([]attribute.KeyValue{AttrOperation.String(name)}, attrs...)...)
	p.ops.started.Add(ctx, 1, set)
	p.ops.inFlight.Add(ctx, 1, set)

	return ctx, func(err error) {
		p.ops.inFlight.Add(ctx, -1, set)
		p.ops.duration.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			p.ops.failed.Add(ctx, 1, set, metric.WithAttributes(ErrorAttributes(err)...))
		}
		SetSpanStatus(ctx, err)
		span.End()
	}
}
