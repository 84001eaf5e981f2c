package notify

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type notifyMetrics struct {
	callDuration metric.Int64Histogram
	callAttempts metric.Int64Counter
	callOutcome  metric.Int64Counter
}

func newNotifyMetrics(logger pslog.Logger) *notifyMetrics {
	meter := otel.Meter("pkt.systems/lra/notify")
	m := &notifyMetrics{}
	var err error

	m.callDuration, err = meter.Int64Histogram(
		"lra.participant.call.duration_ms",
		metric.WithDescription("Time spent delivering a participant callback including retries"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "lra.participant.call.duration_ms", err)

	m.callAttempts, err = meter.Int64Counter(
		"lra.participant.call.attempts",
		metric.WithDescription("Participant callback attempts"),
	)
	logMetricInitError(logger, "lra.participant.call.attempts", err)

	m.callOutcome, err = meter.Int64Counter(
		"lra.participant.call.outcome",
		metric.WithDescription("Participant callback outcomes"),
	)
	logMetricInitError(logger, "lra.participant.call.outcome", err)

	return m
}

func (m *notifyMetrics) recordCall(ctx context.Context, kind, result string, duration time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("lra.call.kind", kind),
		attribute.String("lra.call.result", result),
	)
	if m.callOutcome != nil {
		m.callOutcome.Add(ctx, 1, attrs)
	}
	if m.callDuration != nil && duration > 0 {
		m.callDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *notifyMetrics) recordAttempt(ctx context.Context, kind string) {
	if m == nil || m.callAttempts == nil {
		return
	}
	m.callAttempts.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("lra.call.kind", kind)))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
