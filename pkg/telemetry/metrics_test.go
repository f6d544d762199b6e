package telemetry_test

import (
	"context"
	"testing"

	"funding_arb/pkg/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsHolder_GaugesAreObserved(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m := telemetry.GetGlobalMetrics()
	require.NoError(t, m.InitMetrics(mp.Meter("test")))

	m.SetOpenPositions(2)
	m.SetNetPerRound(map[string]float64{"ETH": 0.0031})
	m.SignalsTotal.Add(context.Background(), 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
		}
	}
	assert.True(t, found[telemetry.MetricOpenPositions])
	assert.True(t, found[telemetry.MetricNetPerRound])
	assert.True(t, found[telemetry.MetricSignalsTotal])

	open, net := m.Snapshot()
	assert.Equal(t, int64(2), open)
	assert.InDelta(t, 0.0031, net["ETH"], 1e-12)
}
