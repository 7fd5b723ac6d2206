package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrEventID      = "feedmirror.event.id"
	AttrEventType    = "feedmirror.event.type"
	AttrEventCount   = "feedmirror.batch.size"
	AttrNewCount     = "feedmirror.cycle.new"
	AttrDupCount     = "feedmirror.cycle.duplicates"
	AttrFeedURL      = "url.full"
	AttrHTTPStatus   = "http.response.status_code"
	AttrRoutingKey   = "messaging.routing_key"
	AttrDestination  = "messaging.destination.name"
	AttrStoreBackend = "db.system"
)

// Span names.
const (
	SpanCycle       = "feedmirror.cycle"
	SpanFeedFetch   = "feed.fetch"
	SpanStoreExists = "store.exists"
	SpanStoreInsert = "store.insert"
	SpanPublish     = "bus.publish"
)

// StartSpan starts a span. A nil tracer yields the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records err on the span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span successful.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// Attribute constructors.

// EventIDAttr returns an attribute for the upstream event id.
func EventIDAttr(id string) attribute.KeyValue {
	return attribute.String(AttrEventID, id)
}

// EventTypeAttr returns an attribute for the upstream event type.
func EventTypeAttr(typ string) attribute.KeyValue {
	return attribute.String(AttrEventType, typ)
}

// EventCountAttr returns an attribute for the size of a fetched batch.
func EventCountAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrEventCount, n)
}

// NewCountAttr returns an attribute for the number of new events in a cycle.
func NewCountAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrNewCount, n)
}

// DupCountAttr returns an attribute for the number of duplicates in a cycle.
func DupCountAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrDupCount, n)
}

// FeedURLAttr returns an attribute for the feed URL.
func FeedURLAttr(url string) attribute.KeyValue {
	return attribute.String(AttrFeedURL, url)
}

// HTTPStatusAttr returns an attribute for the upstream HTTP status.
func HTTPStatusAttr(code int) attribute.KeyValue {
	return attribute.Int(AttrHTTPStatus, code)
}

// RoutingKeyAttr returns an attribute for the bus routing key.
func RoutingKeyAttr(key string) attribute.KeyValue {
	return attribute.String(AttrRoutingKey, key)
}

// DestinationAttr returns an attribute for the exchange or topic name.
func DestinationAttr(name string) attribute.KeyValue {
	return attribute.String(AttrDestination, name)
}

// StoreBackendAttr returns an attribute for the store backend.
func StoreBackendAttr(name string) attribute.KeyValue {
	return attribute.String(AttrStoreBackend, name)
}

// IsTraced reports whether ctx carries a valid recording span.
func IsTraced(ctx context.Context) bool {
	span := trace.SpanFromContext(ctx)
	return span.SpanContext().IsValid() && span.IsRecording()
}
