package tracing

import (
	"context"
	"encoding/json"

	"github.com/kandev/droidctl/internal/common/stringutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	protocolTracerName = "droidctl-protocol"
	maxAttrValueLen    = 8192
)

func protocolTracer() trace.Tracer {
	return Tracer(protocolTracerName)
}

// TraceOutboundRequest starts a client span for a request written to the
// droid. The caller must end the span when the request settles.
func TraceOutboundRequest(ctx context.Context, sessionID, method, requestID string) (context.Context, trace.Span) {
	ctx, span := protocolTracer().Start(ctx, method, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", method),
		attribute.String("rpc.jsonrpc.request_id", requestID),
		attribute.String("session_id", sessionID),
	)
	return ctx, span
}

// TraceInboundRequest starts a server span for a request the droid sent us.
func TraceInboundRequest(ctx context.Context, sessionID, method, requestID string, params json.RawMessage) (context.Context, trace.Span) {
	ctx, span := protocolTracer().Start(ctx, method, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", method),
		attribute.String("rpc.jsonrpc.request_id", requestID),
		attribute.String("session_id", sessionID),
	)
	if len(params) > 0 {
		span.AddEvent("params", trace.WithAttributes(
			attribute.String("data", truncate(string(params), maxAttrValueLen)),
		))
	}
	return ctx, span
}

// TraceNotification records a single span for a received session notification.
func TraceNotification(ctx context.Context, sessionID, notificationType string, raw json.RawMessage) {
	_, span := protocolTracer().Start(ctx, "notification."+notificationType, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("notification_type", notificationType),
	)
	if len(raw) > 0 {
		span.AddEvent("raw", trace.WithAttributes(
			attribute.String("data", truncate(string(raw), maxAttrValueLen)),
		))
	}
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func truncate(s string, maxLen int) string {
	return stringutil.TruncateWithSuffix(s, maxLen, "...(truncated)")
}
