package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for agentlink spans.
var (
	AttrSessionID   = attribute.Key("agentlink.session.id")
	AttrExecutionID = attribute.Key("agentlink.execution.id")
	AttrAgentID     = attribute.Key("agentlink.agent.id")
	AttrToolName    = attribute.Key("agentlink.tool.name")
	AttrRequestID   = attribute.Key("agentlink.hitl.request.id")
	AttrDecision    = attribute.Key("agentlink.hitl.decision")
	AttrMessageType = attribute.Key("agentlink.message.type")
	AttrAttempt     = attribute.Key("agentlink.reconnect.attempt")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (gateway command, REST fallback).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
