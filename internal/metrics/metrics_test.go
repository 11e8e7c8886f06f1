package metrics_test

import (
	"testing"

	"github.com/atlas-desktop/portfolio-agent/internal/metrics"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistersAllMetrics(t *testing.T) {
	reg := metrics.New()

	families, err := reg.Gatherer().Gather()
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestSetWeightsReplacesStaleSeries(t *testing.T) {
	reg := metrics.New()

	reg.SetWeights(map[string]float64{"momentum": 0.6, "mean_reversion": 0.4})
	reg.SetWeights(map[string]float64{"momentum": 1.0})

	families, err := reg.Gatherer().Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var weightFamily *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "portfolio_agent_strategy_weight" {
			weightFamily = f
		}
	}
	if weightFamily == nil {
		t.Fatal("expected portfolio_agent_strategy_weight metric family")
	}
	if len(weightFamily.Metric) != 1 {
		t.Fatalf("expected exactly one surviving weight series, got %d", len(weightFamily.Metric))
	}
}

func TestCountersIncrement(t *testing.T) {
	reg := metrics.New()

	reg.Ticks.WithLabelValues("momentum").Inc()
	reg.Rebalances.WithLabelValues("committed").Inc()
	reg.OrdersSubmitted.WithLabelValues("momentum", "buy").Inc()

	families, err := reg.Gatherer().Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected metric families after incrementing counters")
	}
}
