package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type coordinatorMetrics struct {
	opDuration metric.Int64Histogram
	opTotal    metric.Int64Counter
	evictions  metric.Int64Counter
	registered metric.Registration
}

func newCoordinatorMetrics(logger pslog.Logger, s *Service) *coordinatorMetrics {
	meter := otel.Meter("pkt.systems/lra/coordinator")
	m := &coordinatorMetrics{}
	var err error

	m.opDuration, err = meter.Int64Histogram(
		"lra.coordinator.op.duration_ms",
		metric.WithDescription("Time spent in coordinator operations"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "lra.coordinator.op.duration_ms", err)

	m.opTotal, err = meter.Int64Counter(
		"lra.coordinator.op.total",
		metric.WithDescription("Coordinator operations by result"),
	)
	logMetricInitError(logger, "lra.coordinator.op.total", err)

	m.evictions, err = meter.Int64Counter(
		"lra.coordinator.evictions",
		metric.WithDescription("Actions removed from the registry"),
	)
	logMetricInitError(logger, "lra.coordinator.evictions", err)

	gauge, err := meter.Int64ObservableGauge(
		"lra.coordinator.registry.size",
		metric.WithDescription("Actions held in each registry partition"),
	)
	logMetricInitError(logger, "lra.coordinator.registry.size", err)
	if err == nil && s != nil {
		m.registered, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(gauge, int64(s.active.len()), metric.WithAttributes(attribute.String("lra.partition", "active")))
			o.ObserveInt64(gauge, int64(s.recovering.len()), metric.WithAttributes(attribute.String("lra.partition", "recovering")))
			return nil
		}, gauge)
		logMetricInitError(logger, "lra.coordinator.registry.size", err)
	}
	return m
}

func (m *coordinatorMetrics) recordOp(ctx context.Context, op string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("lra.op", op),
		attribute.String("lra.result", resultLabel(err)),
	)
	if m.opTotal != nil {
		m.opTotal.Add(ctx, 1, attrs)
	}
	if m.opDuration != nil {
		m.opDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *coordinatorMetrics) recordEviction(ctx context.Context, failed bool) {
	if m == nil || m.evictions == nil {
		return
	}
	m.evictions.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.Bool("lra.failed", failed)))
}

func (m *coordinatorMetrics) close() {
	if m == nil || m.registered == nil {
		return
	}
	_ = m.registered.Unregister()
}

func resultLabel(err error) string {
	switch StatusCode(err) {
	case 200:
		return "ok"
	case 404:
		return "not_found"
	case 412:
		return "precondition_failed"
	case 400:
		return "bad_request"
	default:
		return "error"
	}
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
