package observability

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"context"
)

// Tracer wraps the globally registered OpenTelemetry TracerProvider.
// No OTLP exporter is wired in this repo: when the caller never
// installs an SDK provider via otel.SetTracerProvider (left for a
// deployment-specific main package to do if it wants real export),
// otel.Tracer returns the no-op implementation — the same posture the
// teacher's Tracer falls back to when TraceConfig.Endpoint is empty.
type Tracer struct {
	tracer trace.Tracer
}

// TraceConfig names this service for any SDK provider installed
// externally; it carries no OTLP endpoint because this repo does not
// wire an exporter (see DESIGN.md).
type TraceConfig struct {
	ServiceName string
}

// NewTracer returns a Tracer bound to the currently registered global
// TracerProvider.
func NewTracer(config TraceConfig) *Tracer {
	if config.ServiceName == "" {
		config.ServiceName = "gatekeep"
	}
	return &Tracer{tracer: otel.Tracer(config.ServiceName)}
}

// Start begins a span and returns the derived context.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records err on span and marks it errored, unless err is nil.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TracePolicyEvaluation starts a span around a policy decision.
func (t *Tracer) TracePolicyEvaluation(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.Start(ctx, "policy.evaluate", attribute.String("tool.name", toolName))
}

// TraceApprovalWait starts a span around an ASK escalation's wait.
func (t *Tracer) TraceApprovalWait(ctx context.Context, requestID string) (context.Context, trace.Span) {
	return t.Start(ctx, "approval.wait", attribute.String("request_id", requestID))
}

// TraceDispatch starts a span around a backend dispatch call.
func (t *Tracer) TraceDispatch(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("dispatch.%s", toolName), attribute.String("tool.name", toolName))
}

// TraceIDFromContext returns the active trace id, or "" if none, for
// correlation into audit rows.
func TraceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
