// Package metrics exposes the agent's Prometheus instrumentation: tick
// counts, rebalance outcomes, order flow, and the live weight/leverage/
// volatility gauges a dashboard would scrape. Grounded on the teacher's
// go.mod dependency on github.com/prometheus/client_golang, which the
// teacher repo itself never wired into any package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric the agent emits under one struct so
// call sites don't need to know the underlying Prometheus types.
type Registry struct {
	reg *prometheus.Registry

	Ticks            *prometheus.CounterVec
	Rebalances       *prometheus.CounterVec
	OrdersSubmitted  *prometheus.CounterVec
	OrderErrors      *prometheus.CounterVec
	StrategyWeight   *prometheus.GaugeVec
	PortfolioEquity  prometheus.Gauge
	CurrentLeverage  prometheus.Gauge
	RealizedVolatility prometheus.Gauge
	RebalanceDuration *prometheus.HistogramVec
}

// New creates a Registry and registers every metric against a fresh
// prometheus.Registry so tests can construct independent instances
// without colliding with prometheus.DefaultRegisterer.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portfolio_agent",
			Name:      "ticks_total",
			Help:      "Number of trade ticks processed, labeled by strategy.",
		}, []string{"strategy"}),
		Rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portfolio_agent",
			Name:      "rebalances_total",
			Help:      "Number of rebalance attempts, labeled by outcome (committed, aborted, error).",
		}, []string{"outcome"}),
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portfolio_agent",
			Name:      "orders_submitted_total",
			Help:      "Number of orders submitted to the broker, labeled by strategy and side.",
		}, []string{"strategy", "side"}),
		OrderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portfolio_agent",
			Name:      "order_errors_total",
			Help:      "Number of order submissions that failed, labeled by strategy.",
		}, []string{"strategy"}),
		StrategyWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "portfolio_agent",
			Name:      "strategy_weight",
			Help:      "Current portfolio weight assigned to each strategy.",
		}, []string{"strategy"}),
		PortfolioEquity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portfolio_agent",
			Name:      "portfolio_equity",
			Help:      "Current total portfolio equity.",
		}),
		CurrentLeverage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portfolio_agent",
			Name:      "current_leverage",
			Help:      "Current leverage factor applied to total equity.",
		}),
		RealizedVolatility: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portfolio_agent",
			Name:      "realized_volatility",
			Help:      "Annualized realized volatility of the blended portfolio.",
		}),
		RebalanceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "portfolio_agent",
			Name:      "rebalance_duration_seconds",
			Help:      "Time taken to complete a rebalance cycle, labeled by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		r.Ticks,
		r.Rebalances,
		r.OrdersSubmitted,
		r.OrderErrors,
		r.StrategyWeight,
		r.PortfolioEquity,
		r.CurrentLeverage,
		r.RealizedVolatility,
		r.RebalanceDuration,
	)

	return r
}

// Gatherer exposes the underlying registry for an HTTP /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// SetWeights replaces the strategy_weight gauge vector with the given
// snapshot, clearing stale series for strategies no longer present.
func (r *Registry) SetWeights(weights map[string]float64) {
	r.StrategyWeight.Reset()
	for name, w := range weights {
		r.StrategyWeight.WithLabelValues(name).Set(w)
	}
}
