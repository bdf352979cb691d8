// Package telemetry provides OpenTelemetry tracing for the relay.
//
// InitProvider exports relay, sweep and handshake spans over OTLP (gRPC or
// HTTP). Without a configured endpoint the relay runs with NewNoopTracer and
// every span helper becomes free.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Environment fallbacks consulted when ProviderConfig leaves a field empty.
const (
	EnvEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvServiceName = "OTEL_SERVICE_NAME"
)

// Resource attribute keys describing how the relay is configured.
const (
	AttrHandshake = "aquarelay.handshake"
	AttrEnvelope  = "aquarelay.envelope"
)

// ProviderConfig configures span export.
type ProviderConfig struct {
	// ServiceName identifies the relay. Default: aquarelay
	ServiceName string

	// ServiceVersion is reported on the resource when set.
	ServiceVersion string

	// Endpoint is the collector's host:port; a scheme prefix is dropped.
	Endpoint string

	// Protocol is "grpc" (default) or "http".
	Protocol string

	// Insecure disables TLS.
	Insecure bool

	// Debug copies sample payloads into relay spans.
	Debug bool

	// SampleRatio is the fraction of root spans kept. 0 keeps every span.
	SampleRatio float64

	// Handshake and Envelope describe the relay on the resource.
	Handshake string
	Envelope  bool
}

// Provider owns the SDK tracer provider and the relay tracer built on it.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider creates the exporter and installs the provider globally.
// The caller must Shutdown the returned provider to flush pending spans.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv(EnvEndpoint)
	}
	if endpoint == "" {
		return nil, fmt.Errorf("telemetry endpoint not configured (set endpoint or %s)", EnvEndpoint)
	}
	cfg.Endpoint = StripScheme(endpoint)

	if cfg.ServiceName == "" {
		cfg.ServiceName = os.Getenv(EnvServiceName)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "aquarelay"
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{
		tp:     tp,
		tracer: NewTracerFromProvider(tp, cfg.ServiceName, cfg.Debug),
	}, nil
}

func newExporter(ctx context.Context, cfg ProviderConfig) (sdktrace.SpanExporter, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown protocol: %s (use 'grpc' or 'http')", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s exporter: %w", cfg.Protocol, err)
	}
	return exporter, nil
}

// newResource describes this relay process: service identity, host and the
// relay settings that change what its spans mean.
func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		attribute.Bool(AttrEnvelope, cfg.Envelope),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Handshake != "" {
		attrs = append(attrs, attribute.String(AttrHandshake, cfg.Handshake))
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.HostName(host))
	}

	// Schemaless: resource.Default carries the SDK's own schema URL.
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// newSampler keeps every span unless ratio is in (0, 1). Child spans follow
// their parent so a relay trace is never cut in half.
func newSampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StripScheme removes an http:// or https:// prefix; the OTLP exporters take
// host:port.
func StripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}

// Tracer returns the relay tracer backed by this provider.
func (p *Provider) Tracer() *Tracer {
	return p.tracer
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
