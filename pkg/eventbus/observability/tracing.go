package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

const instrumentationName = "eventbus"

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartPublishSpan starts a producer span for one publish.
	StartPublishSpan(ctx context.Context, env *event.Envelope, topic string) (context.Context, trace.Span)

	// StartHandleSpan starts a consumer span for one handler attempt.
	StartHandleSpan(ctx context.Context, handler string, env *event.Envelope, attempt int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager that uses the global OTel tracer provider.
// Configure the provider before calling this function:
//
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{tracer: otel.Tracer(instrumentationName)}
}

// NewSpanManagerWithProvider returns a SpanManager bound to tp.
func NewSpanManagerWithProvider(tp trace.TracerProvider) SpanManager {
	return &otelSpanManager{tracer: tp.Tracer(instrumentationName)}
}

func eventAttributes(env *event.Envelope) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("event.id", env.EventID()),
		attribute.String("event.type", env.EventType()),
		attribute.String("event.tenant", env.TenantID()),
		attribute.String("event.priority", env.Priority.String()),
	}
	if env.Event != nil {
		attrs = append(attrs,
			attribute.String("event.aggregate_id", env.Event.AggregateID()),
			attribute.Int64("event.sequence", env.Event.Sequence()),
			attribute.String("event.correlation_id", env.Event.CorrelationID()),
		)
	}
	return attrs
}

func (m *otelSpanManager) StartPublishSpan(ctx context.Context, env *event.Envelope, topic string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "eventbus.publish",
		trace.WithAttributes(append(eventAttributes(env), attribute.String("messaging.destination", topic))...),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

func (m *otelSpanManager) StartHandleSpan(ctx context.Context, handler string, env *event.Envelope, attempt int) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "eventbus.handle."+handler,
		trace.WithAttributes(append(eventAttributes(env),
			attribute.String("handler.name", handler),
			attribute.Int("handler.attempt", attempt),
		)...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
