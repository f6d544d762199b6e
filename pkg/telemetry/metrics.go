package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names
const (
	MetricSignalsTotal         = "funding_arb_signals_total"
	MetricRejectionsTotal      = "funding_arb_rejections_total"
	MetricOrdersPlacedTotal    = "funding_arb_orders_placed_total"
	MetricOrdersFailedTotal    = "funding_arb_orders_failed_total"
	MetricPositionsOpenedTotal = "funding_arb_positions_opened_total"
	MetricPositionsClosedTotal = "funding_arb_positions_closed_total"
	MetricLegRiskTotal         = "funding_arb_leg_risk_total"
	MetricRealizedPnLTotal     = "funding_arb_realized_pnl_total"
	MetricCycleDuration        = "funding_arb_cycle_duration_seconds"
	MetricOrderLatency         = "funding_arb_order_latency_ms"
	MetricOpenPositions        = "funding_arb_open_positions"
	MetricNetPerRound          = "funding_arb_net_per_round"
	MetricUnrealizedReturn     = "funding_arb_unrealized_return"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	SignalsTotal         metric.Int64Counter
	RejectionsTotal      metric.Int64Counter
	OrdersPlacedTotal    metric.Int64Counter
	OrdersFailedTotal    metric.Int64Counter
	PositionsOpenedTotal metric.Int64Counter
	PositionsClosedTotal metric.Int64Counter
	LegRiskTotal         metric.Int64Counter
	RealizedPnLTotal     metric.Float64Counter
	CycleDuration        metric.Float64Histogram
	OrderLatency         metric.Float64Histogram
	OpenPositions        metric.Int64ObservableGauge
	NetPerRound          metric.Float64ObservableGauge
	UnrealizedReturn     metric.Float64ObservableGauge

	mu                  sync.RWMutex
	openPositions       int64
	netPerRoundMap      map[string]float64
	unrealizedReturnMap map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			netPerRoundMap:      make(map[string]float64),
			unrealizedReturnMap: make(map[string]float64),
		}
		// No-op instruments until Setup installs the real meter
		_ = globalMetrics.InitMetrics(noop.NewMeterProvider().Meter(""))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.SignalsTotal, MetricSignalsTotal, "Accepted arbitrage signals"},
		{&m.RejectionsTotal, MetricRejectionsTotal, "Candidates rejected by the evaluator"},
		{&m.OrdersPlacedTotal, MetricOrdersPlacedTotal, "Leg orders submitted"},
		{&m.OrdersFailedTotal, MetricOrdersFailedTotal, "Leg orders that failed"},
		{&m.PositionsOpenedTotal, MetricPositionsOpenedTotal, "Paired positions opened"},
		{&m.PositionsClosedTotal, MetricPositionsClosedTotal, "Paired positions closed"},
		{&m.LegRiskTotal, MetricLegRiskTotal, "Positions that entered leg-risk"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return err
		}
	}

	if m.RealizedPnLTotal, err = meter.Float64Counter(MetricRealizedPnLTotal, metric.WithDescription("Cumulative realized PnL in quote currency")); err != nil {
		return err
	}
	if m.CycleDuration, err = meter.Float64Histogram(MetricCycleDuration, metric.WithDescription("Poll cycle duration"), metric.WithUnit("s")); err != nil {
		return err
	}
	if m.OrderLatency, err = meter.Float64Histogram(MetricOrderLatency, metric.WithDescription("Latency of venue order calls"), metric.WithUnit("ms")); err != nil {
		return err
	}

	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Positions currently held"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openPositions)
			return nil
		}))
	if err != nil {
		return err
	}

	m.NetPerRound, err = meter.Float64ObservableGauge(MetricNetPerRound, metric.WithDescription("Latest net yield per 8h round"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.netPerRoundMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.UnrealizedReturn, err = meter.Float64ObservableGauge(MetricUnrealizedReturn, metric.WithDescription("Portfolio return of each open position"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedReturnMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

func (m *MetricsHolder) SetOpenPositions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = int64(n)
}

// SetNetPerRound replaces the per-symbol net yields with the latest cycle
func (m *MetricsHolder) SetNetPerRound(values map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.netPerRoundMap = values
}

func (m *MetricsHolder) SetUnrealizedReturn(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedReturnMap[symbol] = value
}

func (m *MetricsHolder) ClearUnrealizedReturn(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.unrealizedReturnMap, symbol)
}

// Snapshot exposes gauge state for tests and status output
func (m *MetricsHolder) Snapshot() (openPositions int64, netPerRound map[string]float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(map[string]float64, len(m.netPerRoundMap))
	for k, v := range m.netPerRoundMap {
		cp[k] = v
	}
	return m.openPositions, cp
}
