package tracing

import (
	"context"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type loggingExporter struct {
	logger zerolog.Logger
}

// NewLoggingExporter writes one line per finished span. It is meant for
// running the agent against a local platform without a collector.
func NewLoggingExporter(logger zerolog.Logger) sdktrace.SpanExporter {
	return &loggingExporter{logger: logger}
}

func (l *loggingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		sc := span.SpanContext()
		event := l.logger.Info().
			Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String()).
			Str("span", span.Name()).
			Dur("duration", span.EndTime().Sub(span.StartTime()))
		if parent := span.Parent(); parent.IsValid() {
			event = event.Str("parent_span_id", parent.SpanID().String())
		}
		if st := span.Status(); st.Description != "" {
			event = event.Str("status", st.Code.String()).Str("status_message", st.Description)
		}
		attrs := span.Attributes()
		if len(attrs) > 0 {
			fields := make(map[string]any, len(attrs))
			for _, attr := range attrs {
				fields[string(attr.Key)] = attr.Value.Emit()
			}
			event = event.Fields(fields)
		}
		event.Msg("Span finished")
	}
	return nil
}

func (l *loggingExporter) Shutdown(context.Context) error { return nil }

func (l *loggingExporter) ForceFlush(context.Context) error { return nil }

var _ sdktrace.SpanExporter = (*loggingExporter)(nil)
