package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "kibble-session"
	maxAttrValueLen = 8192
)

// TraceConnect starts a span around a live transport dial.
// The caller ends the span once the handshake resolves.
func TraceConnect(ctx context.Context, sessionID, url string, attempt int) (context.Context, trace.Span) {
	ctx, span := Tracer(tracerName).Start(ctx, "ws.connect", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("url", url),
		attribute.Int("attempt", attempt),
	)
	return ctx, span
}

// TraceFrame records a single span for an inbound frame.
func TraceFrame(ctx context.Context, sessionID, frameType string, raw []byte) {
	_, span := Tracer(tracerName).Start(ctx, "session.frame."+frameType, trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("frame_type", frameType),
	)
	if len(raw) > 0 {
		span.AddEvent("raw", trace.WithAttributes(
			attribute.String("data", truncate(string(raw), maxAttrValueLen)),
		))
	}
}

// TracePoll starts a span around one fallback poll round.
func TracePoll(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	ctx, span := Tracer(tracerName).Start(ctx, "session.poll", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("session_id", sessionID))
	return ctx, span
}

// TraceHTTPRequest starts a client span for an outgoing REST call.
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	ctx, span := Tracer(tracerName).Start(ctx, "http."+method, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		semconv.HTTPRequestMethodKey.String(method),
		attribute.String("http.path", path),
	)
	return ctx, span
}

// TraceHTTPResponse records the outcome of a REST call on its span.
func TraceHTTPResponse(span trace.Span, status int, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(semconv.HTTPResponseStatusCodeKey.Int(status))
	if status >= http.StatusBadRequest {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...(truncated)"
}
