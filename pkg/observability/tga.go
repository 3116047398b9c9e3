// Package observability — agent-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Agent-specific semantic convention attributes.
var (
	// Trace/transition attributes
	AttrTraceID     = attribute.Key("tga.trace_id")
	AttrFromState   = attribute.Key("tga.transition.from_state")
	AttrToState     = attribute.Key("tga.transition.to_state")
	AttrReasonCode  = attribute.Key("tga.transition.reason")

	// Capability verification attributes
	AttrCapabilityID = attribute.Key("tga.capability.id")
	AttrTool         = attribute.Key("tga.capability.tool")
	AttrAudience     = attribute.Key("tga.capability.audience")

	// Rejection attributes
	AttrRejectionCode = attribute.Key("tga.rejection.code")
)

// TransitionOperation creates attributes for one state-machine transition.
func TransitionOperation(traceID, fromState, toState, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTraceID.String(traceID),
		AttrFromState.String(fromState),
		AttrToState.String(toState),
		AttrReasonCode.String(reason),
	}
}

// CapabilityVerification creates attributes for one capability check.
func CapabilityVerification(capabilityID, tool, audience string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCapabilityID.String(capabilityID),
		AttrTool.String(tool),
		AttrAudience.String(audience),
	}
}

// Rejection creates attributes describing why a request was rejected.
func Rejection(code string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrRejectionCode.String(code)}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span, if any.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
