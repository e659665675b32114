package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestNewMetricsRegistersInstruments(t *testing.T) {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	require.NotNil(t, m)

	require.NotPanics(t, func() {
		m.recordDispatch(context.Background(), "prod", "acme", "Executed", 0.01, nil)
	})
}

func TestRecordDispatchNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.recordDispatch(context.Background(), "prod", "acme", "Executed", 0.01, nil)
	})
}
