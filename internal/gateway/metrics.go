package gateway

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records the dispatch pipeline's RED metrics (rate, errors,
// duration) through the ambient otel/metric API, grounded on the
// teacher's pkg/observability RED-metrics set. Only the API surface is
// exercised here — no SDK provider or OTLP exporter is constructed, so
// a Dispatcher built against the default no-op MeterProvider pays the
// cost of a few attribute allocations per dispatch and nothing else.
type Metrics struct {
	dispatchTotal  metric.Int64Counter
	dispatchErrors metric.Int64Counter
	dispatchDur    metric.Float64Histogram
}

// NewMetrics registers the dispatch instruments against meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	total, err := meter.Int64Counter("acteon.dispatch.total",
		metric.WithDescription("Total number of actions dispatched"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter("acteon.dispatch.errors",
		metric.WithDescription("Total number of dispatch pipeline errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}
	dur, err := meter.Float64Histogram("acteon.dispatch.duration",
		metric.WithDescription("Dispatch pipeline duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{dispatchTotal: total, dispatchErrors: errs, dispatchDur: dur}, nil
}

func (m *Metrics) recordDispatch(ctx context.Context, ns, tenant, outcomeKind string, duration float64, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("namespace", ns),
		attribute.String("tenant", tenant),
		attribute.String("outcome", outcomeKind),
	)
	m.dispatchTotal.Add(ctx, 1, attrs)
	m.dispatchDur.Record(ctx, duration, attrs)
	if err != nil {
		m.dispatchErrors.Add(ctx, 1, attrs)
	}
}
