package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// MetricsRecorder records bus metrics.
// Use NewMetricsRecorder() for OTel metrics, NewPrometheusMetrics for a
// Prometheus registry, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records one publish attempt and how it ended
	// (published, duplicate, rate_limited, out_of_order, ...).
	RecordPublish(ctx context.Context, eventType, outcome string, duration time.Duration)

	// RecordBatch records the size of a flushed or submitted batch.
	RecordBatch(ctx context.Context, size int)

	// RecordDelivery records one handler invocation.
	RecordDelivery(ctx context.Context, handler, eventType string, duration time.Duration, err error)

	// RecordDeadLetter records an envelope moved to the dead-letter store.
	// handler is empty for publisher dead letters.
	RecordDeadLetter(ctx context.Context, handler, eventType string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	publishes      metric.Int64Counter
	publishLatency metric.Float64Histogram
	batchSize      metric.Int64Histogram
	deliveries     metric.Int64Counter
	handlerLatency metric.Float64Histogram
	handlerErrors  metric.Int64Counter
	deadLetters    metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter("eventbus"))
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	publishes, err := meter.Int64Counter("eventbus.publish.events",
		metric.WithDescription("Number of publish attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	publishLatency, err := meter.Float64Histogram("eventbus.publish.latency_ms",
		metric.WithDescription("Publish latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	batchSize, err := meter.Int64Histogram("eventbus.publish.batch_size",
		metric.WithDescription("Events per publish batch"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter("eventbus.handler.deliveries",
		metric.WithDescription("Number of handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	handlerLatency, err := meter.Float64Histogram("eventbus.handler.latency_ms",
		metric.WithDescription("Handler latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("eventbus.handler.errors",
		metric.WithDescription("Number of failed handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	deadLetters, err := meter.Int64Counter("eventbus.dead_letters",
		metric.WithDescription("Number of dead-lettered envelopes"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		publishes:      publishes,
		publishLatency: publishLatency,
		batchSize:      batchSize,
		deliveries:     deliveries,
		handlerLatency: handlerLatency,
		handlerErrors:  handlerErrors,
		deadLetters:    deadLetters,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		zap.L().Warn("metrics initialization failed, using no-op recorder", zap.Error(err))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderWithProvider returns an OTel recorder bound to mp.
func NewMetricsRecorderWithProvider(mp metric.MeterProvider) (MetricsRecorder, error) {
	m, err := newOtelMetrics(mp.Meter("eventbus"))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *otelMetrics) RecordPublish(ctx context.Context, eventType, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	)
	m.publishes.Add(ctx, 1, attrs)
	m.publishLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

func (m *otelMetrics) RecordBatch(ctx context.Context, size int) {
	m.batchSize.Record(ctx, int64(size))
}

func (m *otelMetrics) RecordDelivery(ctx context.Context, handler, eventType string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("handler", handler),
		attribute.String("event_type", eventType),
	}

	m.deliveries.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.handlerLatency.Record(ctx, float64(duration.Microseconds())/1000, metric.WithAttributes(attrs...))

	if err != nil {
		m.handlerErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *otelMetrics) RecordDeadLetter(ctx context.Context, handler, eventType string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("handler", handler),
		attribute.String("event_type", eventType),
	))
}

// Multi returns a recorder that forwards to every non-nil recorder.
func Multi(recorders ...MetricsRecorder) MetricsRecorder {
	out := make(multiRecorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return NoopMetrics{}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type multiRecorder []MetricsRecorder

func (m multiRecorder) RecordPublish(ctx context.Context, eventType, outcome string, d time.Duration) {
	for _, r := range m {
		r.RecordPublish(ctx, eventType, outcome, d)
	}
}

func (m multiRecorder) RecordBatch(ctx context.Context, size int) {
	for _, r := range m {
		r.RecordBatch(ctx, size)
	}
}

func (m multiRecorder) RecordDelivery(ctx context.Context, handler, eventType string, d time.Duration, err error) {
	for _, r := range m {
		r.RecordDelivery(ctx, handler, eventType, d, err)
	}
}

func (m multiRecorder) RecordDeadLetter(ctx context.Context, handler, eventType string) {
	for _, r := range m {
		r.RecordDeadLetter(ctx, handler, eventType)
	}
}
