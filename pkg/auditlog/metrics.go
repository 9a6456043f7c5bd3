package auditlog

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/samternent/concord/pkg/auditlog"

// Metrics exposes audit-ledger counters to a Prometheus registry and mirrors
// them as OpenTelemetry instruments on the global meter provider.
type Metrics struct {
	Registry      *prometheus.Registry
	Appended      prometheus.Counter
	Flushed       *prometheus.CounterVec
	FlushDuration prometheus.Histogram
	Pending       prometheus.Gauge

	otelFlushed metric.Int64Counter
}

// NewMetrics creates a registry with the audit-ledger meters.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	appended := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "concord_audit_events_appended_total",
		Help: "Signed entries handed to the audit ledger.",
	})
	flushed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "concord_audit_flushes_total",
		Help: "Segment flushes by outcome.",
	}, []string{"status"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "concord_audit_flush_duration_seconds",
		Help:    "Time to write one segment and its checkpoint.",
		Buckets: prometheus.DefBuckets,
	})
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "concord_audit_pending_events",
		Help: "Entries buffered and not yet written to a segment.",
	})
	reg.MustRegister(appended, flushed, duration, pending)

	m := &Metrics{
		Registry:      reg,
		Appended:      appended,
		Flushed:       flushed,
		FlushDuration: duration,
		Pending:       pending,
	}
	// A no-op meter provider never fails instrument creation.
	m.otelFlushed, _ = otel.Meter(instrumentationName).Int64Counter("concord.audit.flushed_events",
		metric.WithDescription("Entries written to audit segments"),
		metric.WithUnit("{event}"),
	)
	return m
}

func (m *Metrics) appended(pending int) {
	if m == nil {
		return
	}
	m.Appended.Inc()
	m.Pending.Set(float64(pending))
}

func (m *Metrics) flushed(ctx context.Context, events, pending int, took time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Flushed.WithLabelValues(status).Inc()
	m.FlushDuration.Observe(took.Seconds())
	m.Pending.Set(float64(pending))
	if err == nil && m.otelFlushed != nil {
		m.otelFlushed.Add(ctx, int64(events), metric.WithAttributes(attribute.String("status", status)))
	}
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
