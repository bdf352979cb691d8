package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with relay-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // include sample payloads in relay spans
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// NewNoopTracer returns a tracer that records nothing.
func NewNoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// --- Relay Spans ---

// RelaySpanOptions describes one fan-out.
type RelaySpanOptions struct {
	Consumers int
	Delivered int
	Evicted   int
	Bytes     int
	Payload   []byte // Only included if debug=true
}

// StartRelaySpan starts a span for relaying one producer frame.
func (t *Tracer) StartRelaySpan(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "relay.sample", trace.WithSpanKind(trace.SpanKindProducer))
}

// EndRelaySpan ends a relay span with attributes.
func (t *Tracer) EndRelaySpan(span trace.Span, opts RelaySpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.Int("relay.consumers", opts.Consumers),
		attribute.Int("relay.delivered", opts.Delivered),
		attribute.Int("relay.evicted", opts.Evicted),
		attribute.Int("relay.bytes", opts.Bytes),
	}
	if t.debug && len(opts.Payload) > 0 {
		attrs = append(attrs, attribute.String("relay.payload", truncate(string(opts.Payload), 2000)))
	}
	span.SetAttributes(attrs...)
	end(span, err)
}

// --- Liveness Spans ---

// SweepSpanOptions describes one liveness sweep.
type SweepSpanOptions struct {
	Probed  int
	Evicted int
}

// StartSweepSpan starts a span for a liveness sweep.
func (t *Tracer) StartSweepSpan(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "liveness.sweep", trace.WithSpanKind(trace.SpanKindInternal))
}

// EndSweepSpan ends a sweep span with attributes.
func (t *Tracer) EndSweepSpan(span trace.Span, opts SweepSpanOptions) {
	span.SetAttributes(
		attribute.Int("liveness.probed", opts.Probed),
		attribute.Int("liveness.evicted", opts.Evicted),
	)
	end(span, nil)
}

// --- Handshake Spans ---

// StartHandshakeSpan starts a span covering role determination.
func (t *Tracer) StartHandshakeSpan(ctx context.Context, connID, policy string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "gateway.handshake", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("conn.id", connID),
		attribute.String("handshake.policy", policy),
	)
	return ctx, span
}

// EndHandshakeSpan ends a handshake span with the decided role.
func (t *Tracer) EndHandshakeSpan(span trace.Span, role string, err error) {
	if role != "" {
		span.SetAttributes(attribute.String("conn.role", role))
	}
	end(span, err)
}

// --- Helpers ---

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
