package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements MetricsRecorder with Prometheus collectors.
type PrometheusMetrics struct {
	published      *prometheus.CounterVec
	publishLatency *prometheus.HistogramVec
	batchSize      prometheus.Histogram
	deliveries     *prometheus.CounterVec
	handlerLatency *prometheus.HistogramVec
	deadLetters    *prometheus.CounterVec
}

// Compile-time interface check.
var _ MetricsRecorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates the collectors under namespace and registers
// them on reg. A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(namespace string, reg prometheus.Registerer) (*PrometheusMetrics, error) {
	if namespace == "" {
		namespace = "eventbus"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PrometheusMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Publish attempts by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		publishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_latency_seconds",
			Help:      "Publish latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_batch_size",
			Help:      "Events per publish batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 11),
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_deliveries_total",
			Help:      "Handler invocations by handler, event type and status.",
		}, []string{"handler", "event_type", "status"}),
		handlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_latency_seconds",
			Help:      "Handler latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Dead-lettered envelopes by handler and event type.",
		}, []string{"handler", "event_type"}),
	}

	for _, c := range []prometheus.Collector{
		m.published, m.publishLatency, m.batchSize, m.deliveries, m.handlerLatency, m.deadLetters,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register prometheus collector: %w", err)
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) RecordPublish(_ context.Context, eventType, outcome string, d time.Duration) {
	m.published.WithLabelValues(eventType, outcome).Inc()
	m.publishLatency.WithLabelValues(eventType).Observe(d.Seconds())
}

func (m *PrometheusMetrics) RecordBatch(_ context.Context, size int) {
	m.batchSize.Observe(float64(size))
}

func (m *PrometheusMetrics) RecordDelivery(_ context.Context, handler, eventType string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.deliveries.WithLabelValues(handler, eventType, status).Inc()
	m.handlerLatency.WithLabelValues(handler).Observe(d.Seconds())
}

func (m *PrometheusMetrics) RecordDeadLetter(_ context.Context, handler, eventType string) {
	if handler == "" {
		handler = "publisher"
	}
	m.deadLetters.WithLabelValues(handler, eventType).Inc()
}
