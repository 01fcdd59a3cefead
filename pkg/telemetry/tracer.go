package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TelemetryTracer wraps one otel span. Spawn before Start produces a root
// sibling instead of a child, so always Start a tracer before spawning from
// it.
type TelemetryTracer struct {
	ctx      context.Context
	tracer   trace.Tracer
	spanName string

	span    trace.Span
	pending *SpanAttributes
}

func NewTelemetryTracer(ctx context.Context, tracer trace.Tracer, spanName string) *TelemetryTracer {
	return &TelemetryTracer{ctx: ctx, tracer: tracer, spanName: spanName}
}

func (t *TelemetryTracer) Start() {
	var opts []trace.SpanStartOption
	if t.pending != nil {
		opts = append(opts, trace.WithAttributes(t.pending.KeyValues()...))
		t.pending = nil
	}
	t.ctx, t.span = t.tracer.Start(t.ctx, t.spanName, opts...)
}

// WithAttributes attaches attributes either to the running span or, before
// Start, to the span-to-be.
func (t *TelemetryTracer) WithAttributes(attributes *SpanAttributes) Tracer {
	if t.span != nil {
		t.span.SetAttributes(attributes.KeyValues()...)
		return t
	}
	if t.pending == nil {
		t.pending = attributes
	} else {
		t.pending.kvs = append(t.pending.kvs, attributes.kvs...)
	}
	return t
}

func (t *TelemetryTracer) AddEvent(name string, attributes EventAttributes) {
	if t.span == nil {
		return
	}
	t.span.AddEvent(name, trace.WithAttributes(attributes.KeyValues()...))
}

func (t *TelemetryTracer) SetStatus(code codes.Code, message string) {
	if t.span == nil {
		return
	}
	t.span.SetStatus(code, message)
}

func (t *TelemetryTracer) Spawn(spanName string) Tracer {
	return NewTelemetryTracer(t.ctx, t.tracer, spanName)
}

func (t *TelemetryTracer) End() {
	if t.span == nil {
		return
	}
	t.span.End()
}
