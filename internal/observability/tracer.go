package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new internal span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Common attribute keys for marketdeck spans
var (
	AttrCacheKey   = attribute.Key("marketdeck.cache.key")
	AttrCacheScope = attribute.Key("marketdeck.cache.scope")
	AttrCacheHit   = attribute.Key("marketdeck.cache.hit")
	AttrRequestID  = attribute.Key("marketdeck.request_id")
)
