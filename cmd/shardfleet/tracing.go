package main

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"shardfleet/internal/logging"
)

// newTracerProvider installs a global tracer provider whose finished spans
// are written to the debug log.
func newTracerProvider(logger *logging.Logger) *sdktrace.TracerProvider {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(&logSpanProcessor{logger: logger}),
	)
	otel.SetTracerProvider(provider)
	return provider
}

type logSpanProcessor struct {
	logger *logging.Logger
}

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if !p.logger.Enabled(logging.LevelDebug) {
		return
	}
	fields := map[string]string{
		"span":        span.Name(),
		"trace_id":    span.SpanContext().TraceID().String(),
		"duration_ms": strconv.FormatInt(span.EndTime().Sub(span.StartTime()).Milliseconds(), 10),
	}
	for _, attr := range span.Attributes() {
		fields[string(attr.Key)] = attr.Value.Emit()
	}
	if status := span.Status(); status.Code == codes.Error {
		fields["error"] = status.Description
	}
	p.logger.Debug("span finished", fields)
}

func (p *logSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *logSpanProcessor) ForceFlush(context.Context) error { return nil }
