// Package tracing installs the OpenTelemetry tracer provider shared by the
// agent, the CLI and the development platform.
package tracing

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Config selects where spans go. With no endpoint and LogSpans off, spans are
// sampled but dropped, which still gives request IDs a trace context.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is an OTLP/HTTP collector, with or without scheme. An http://
	// scheme implies Insecure.
	Endpoint    string
	Insecure    bool
	SampleRatio float64
	// LogSpans writes every finished span to Logger.
	LogSpans bool
	Logger   zerolog.Logger
}

// Setup builds the tracer provider, installs it and the W3C propagators
// globally, and returns it so the caller can shut it down.
func Setup(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	}

	if cfg.Endpoint != "" {
		exporter, err := newOTLPExporter(ctx, cfg.Endpoint, cfg.Insecure)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	if cfg.LogSpans {
		opts = append(opts, sdktrace.WithSyncer(NewLoggingExporter(cfg.Logger.With().Str("component", "otel").Logger())))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return provider, nil
}

func newOTLPExporter(ctx context.Context, endpoint string, insecure bool) (sdktrace.SpanExporter, error) {
	// The exporter wants host[:port][/path] without a scheme.
	ep := endpoint
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		ep = strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		ep = strings.TrimPrefix(endpoint, "http://")
		insecure = true
	}
	if ep == "" {
		return nil, errors.New("invalid OTLP endpoint")
	}

	clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ep)}
	if insecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, clientOpts...)
}
