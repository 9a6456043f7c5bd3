package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/samternent/concord/pkg/codes"
)

// recording returns a Provider over in-memory span and metric readers.
func recording(t *testing.T) (*Provider, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	p, err := NewWithProviders(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	)
	require.NoError(t, err)
	return p, spans, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "not an int64 sum: %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "concord", cfg.ServiceName)
	assert.Equal(t, Version, cfg.ServiceVersion)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.Insecure)
}

func TestNew_DisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	ctx, done := p.TrackOperation(ctx, "pack.commit", PackOperation("req-1", "")...)
	assert.False(t, trace.SpanFromContext(ctx).IsRecording())
	done(errors.New("boom"))
	require.NoError(t, p.Shutdown(ctx))
}

func TestTrackOperation_Success(t *testing.T) {
	p, spans, reader := recording(t)

	_, done := p.TrackOperation(context.Background(), "pack.issue", PackOperation("req-1", "pack-1")...)
	done(nil)

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "pack.issue", ended[0].Name())
	assert.Equal(t, otelcodes.Ok, ended[0].Status().Code)

	m := collect(t, reader)
	assert.EqualValues(t, 1, sumOf(t, m[MetricOperations]))
	assert.EqualValues(t, 0, sumOf(t, m[MetricInFlight]))
	assert.NotContains(t, m, MetricErrors)
	_, ok := m[MetricDuration].(metricdata.Histogram[float64])
	assert.True(t, ok)
}

func TestTrackOperation_Error(t *testing.T) {
	p, spans, reader := recording(t)

	_, done := p.TrackOperation(context.Background(), "audit.proof", AuditOperation("pixpax/ledger", "seg-1")...)
	done(codes.New(codes.CodePackNotCommitted, "missing"))

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, otelcodes.Error, ended[0].Status().Code)
	require.Len(t, ended[0].Events(), 1, "error recorded on the span")

	m := collect(t, reader)
	errs, ok := m[MetricErrors].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, errs.DataPoints, 1)
	code, _ := errs.DataPoints[0].Attributes.Value(AttrErrorCode)
	assert.Equal(t, "PACK_NOT_COMMITTED", code.AsString())
	op, _ := errs.DataPoints[0].Attributes.Value(AttrOperation)
	assert.Equal(t, "audit.proof", op.AsString())
}

func TestSamplerFor(t *testing.T) {
	assert.Contains(t, samplerFor(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, samplerFor(2).Description(), "AlwaysOnSampler")
	assert.Contains(t, samplerFor(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, samplerFor(0.25).Description(), "TraceIDRatioBased{0.25}")
	assert.Contains(t, samplerFor(0.25).Description(), "ParentBased")
}

func TestShutdown_Twice(t *testing.T) {
	p, err := New(context.Background(), &Config{})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPackOperation(t *testing.T) {
	require.Len(t, PackOperation("req-1", ""), 1)
	attrs := PackOperation("req-1", "pack-1")
	require.Len(t, attrs, 2)
	assert.Equal(t, "pack-1", attrs[1].Value.AsString())
}

func TestAuditOperation(t *testing.T) {
	require.Len(t, AuditOperation("p", ""), 1)
	attrs := AuditOperation("p", "seg")
	assert.Equal(t, AttrSegmentKey, attrs[1].Key)
}

func TestErrorAttributes(t *testing.T) {
	attrs := ErrorAttributes(codes.New(codes.CodeEpochChainBroken, "broken"))
	assert.Equal(t, "EPOCH_CHAIN_BROKEN", attrs[0].Value.AsString())
	assert.Equal(t, "semantic", attrs[1].Value.AsString())

	attrs = ErrorAttributes(errors.New("plain"))
	assert.Equal(t, "UNKNOWN", attrs[0].Value.AsString())
}
