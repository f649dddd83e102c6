// Package observability provides logging, metrics, and tracing for the bus.
//
// Features:
//   - Structured logging via zap, with optional file rotation (lumberjack)
//   - Metrics via OpenTelemetry or Prometheus, behind one MetricsRecorder
//   - Tracing via OpenTelemetry
//
// All features are opt-in. Log helpers accept a nil logger, and every
// interface has a no-op implementation for when it is disabled.
//
// # Logging
//
// The helpers attach the standard event fields (event_id, event_type,
// tenant_id, aggregate_id, sequence) so every component logs the same shape:
//
//	observability.LogPublish(logger, env, topic, done())
//	observability.LogDeadLetter(logger, env, "billing", 3, err)
//
// Payloads of sensitive event types (see event.IsSensitive) are never
// written; PayloadField replaces them with a placeholder.
//
// # Metrics
//
// NewMetricsRecorder uses the global OTel meter provider. NewPrometheusMetrics
// registers collectors on a Prometheus registerer. Multi fans out to several
// recorders:
//
//	reg := prometheus.NewRegistry()
//	prom, _ := observability.NewPrometheusMetrics("orders", reg)
//	rec := observability.Multi(observability.NewMetricsRecorder(), prom)
//
// # Tracing
//
// SpanManager opens one span per publish and one per handler attempt. Event
// ids and types are attached as attributes; payloads never are.
package observability
