package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/samternent/concord/pkg/codes"
)

// Attribute keys recorded on concord spans and metrics.
var (
	AttrOperation   = attribute.Key("concord.operation")
	AttrPackID      = attribute.Key("concord.pack.id")
	AttrPackRequest = attribute.Key("concord.pack.request_id")
	AttrSegmentKey  = attribute.Key("concord.audit.segment_key")
	AttrAuditPrefix = attribute.Key("concord.audit.prefix")
	AttrErrorCode   = attribute.Key("concord.error.code")
	AttrErrorClass  = attribute.Key("concord.error.class")
)

// PackOperation describes an issuance step.
func PackOperation(packRequestID, packID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrPackRequest.String(packRequestID)}
	if packID != "" {
		attrs = append(attrs, AttrPackID.String(packID))
	}
	return attrs
}

// AuditOperation describes work against the segmented audit ledger.
func AuditOperation(prefix, segmentKey string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrAuditPrefix.String(prefix)}
	if segmentKey != "" {
		attrs = append(attrs, AttrSegmentKey.String(segmentKey))
	}
	return attrs
}

// ErrorAttributes carries the code and class of a coded error.
func ErrorAttributes(err error) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrErrorCode.String(string(codes.Of(err))),
		AttrErrorClass.String(codes.ClassOf(err).String()),
	}
}

// SetSpanStatus marks the span in ctx failed when err is set.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err, trace.WithAttributes(ErrorAttributes(err)...))
		span.SetStatus(otelcodes.Error, err.Error())
		return
	}
	span.SetStatus(otelcodes.Ok, "")
}
