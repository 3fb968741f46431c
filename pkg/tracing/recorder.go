package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanRecorder keeps finished spans in memory for tests.
type SpanRecorder struct {
	mu    sync.Mutex
	spans []sdktrace.ReadOnlySpan
}

// NewTestProvider returns a provider that records every span, and the recorder.
func NewTestProvider() (*sdktrace.TracerProvider, *SpanRecorder) {
	rec := &SpanRecorder{}
	return sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)), rec
}

// Cleaner is the part of testing.TB that InstallRecorder needs.
type Cleaner interface {
	Cleanup(func())
}

// InstallRecorder makes a recording provider and the W3C propagator global
// until tb's cleanup runs, so spans started through otel.Tracer by the agent
// loops, the platform client and the server middleware all land in one
// recorder.
func InstallRecorder(tb Cleaner) *SpanRecorder {
	provider, rec := NewTestProvider()
	prevProvider, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tb.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevProp)
		_ = provider.Shutdown(context.Background())
	})
	return rec
}

func (r *SpanRecorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (r *SpanRecorder) OnEnd(span sdktrace.ReadOnlySpan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, span)
}

func (r *SpanRecorder) Shutdown(context.Context) error { return nil }

func (r *SpanRecorder) ForceFlush(context.Context) error { return nil }

func (r *SpanRecorder) Completed() []sdktrace.ReadOnlySpan {
	return r.filter(func(sdktrace.ReadOnlySpan) bool { return true })
}

// Named returns the finished spans called name, oldest first.
func (r *SpanRecorder) Named(name string) []sdktrace.ReadOnlySpan {
	return r.filter(func(s sdktrace.ReadOnlySpan) bool { return s.Name() == name })
}

// Failed returns the finished spans whose status is Error, such as loop
// iterations that failed or requests answered with a 5xx.
func (r *SpanRecorder) Failed() []sdktrace.ReadOnlySpan {
	return r.filter(func(s sdktrace.ReadOnlySpan) bool { return s.Status().Code == codes.Error })
}

// Tagged returns the finished spans carrying key=value, e.g. loop.name or
// agent.identity.
func (r *SpanRecorder) Tagged(key attribute.Key, value string) []sdktrace.ReadOnlySpan {
	return r.filter(func(s sdktrace.ReadOnlySpan) bool {
		v, ok := Attr(s, key)
		return ok && v.Emit() == value
	})
}

// Reset forgets every recorded span.
func (r *SpanRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = nil
}

func (r *SpanRecorder) filter(keep func(sdktrace.ReadOnlySpan) bool) []sdktrace.ReadOnlySpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sdktrace.ReadOnlySpan
	for _, span := range r.spans {
		if keep(span) {
			out = append(out, span)
		}
	}
	return out
}

// Attr looks up one attribute on a finished span.
func Attr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

var _ sdktrace.SpanProcessor = (*SpanRecorder)(nil)
