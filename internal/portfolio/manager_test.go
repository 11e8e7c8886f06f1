package portfolio_test

import (
	"testing"

	"github.com/atlas-desktop/portfolio-agent/internal/optimizer"
	"github.com/atlas-desktop/portfolio-agent/internal/portfolio"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func decimals(xs ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(xs))
	for i, x := range xs {
		out[i] = decimal.NewFromFloat(x)
	}
	return out
}

func TestNewManagerRejectsEmptyStrategySet(t *testing.T) {
	cfg := portfolio.DefaultConfig(decimal.NewFromInt(100000))
	_, err := portfolio.NewManager(zap.NewNop(), optimizer.NewEqualWeightOptimizer(), nil, cfg, nil)
	if err == nil {
		t.Fatal("expected error constructing manager with no strategies")
	}
}

func TestNewManagerRejectsDuplicateNames(t *testing.T) {
	cfg := portfolio.DefaultConfig(decimal.NewFromInt(100000))
	_, err := portfolio.NewManager(zap.NewNop(), optimizer.NewEqualWeightOptimizer(), []string{"a", "a"}, cfg, nil)
	if err == nil {
		t.Fatal("expected error constructing manager with duplicate strategy names")
	}
}

func TestNewManagerStartsEqualWeighted(t *testing.T) {
	cfg := portfolio.DefaultConfig(decimal.NewFromInt(100000))
	m, err := portfolio.NewManager(zap.NewNop(), optimizer.NewEqualWeightOptimizer(), []string{"a", "b"}, cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := m.Weights()
	if !w["a"].Equal(decimal.NewFromFloat(0.5)) || !w["b"].Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("expected equal initial weights, got %+v", w)
	}
}

func TestAllocateCapitalSplitsByWeight(t *testing.T) {
	cfg := portfolio.DefaultConfig(decimal.NewFromInt(100000))
	m, err := portfolio.NewManager(zap.NewNop(), optimizer.NewEqualWeightOptimizer(), []string{"a", "b"}, cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.SetTotalEquity(decimal.NewFromInt(100000))

	alloc := m.AllocateCapital()
	if !alloc["a"].Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("expected 50000 for a, got %s", alloc["a"])
	}
}

func TestUpdateWeightsKeepsOldWhenNoStrategyIsViable(t *testing.T) {
	cfg := portfolio.DefaultConfig(decimal.NewFromInt(100000))
	m, err := portfolio.NewManager(zap.NewNop(), optimizer.NewEqualWeightOptimizer(), []string{"a", "b"}, cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := m.Weights()

	// Viability filter rejects everything -> no viable strategies -> error, weights preserved.
	reject := func(string, []decimal.Decimal) bool { return false }
	m2, _ := portfolio.NewManager(zap.NewNop(), optimizer.NewEqualWeightOptimizer(), []string{"a", "b"}, cfg, reject)
	err = m2.UpdateWeights(map[string][]decimal.Decimal{
		"a": decimals(0.01, 0.02),
		"b": decimals(0.01, -0.02),
	})
	if err == nil {
		t.Fatal("expected error when every strategy fails viability")
	}
	after := m2.Weights()
	if !after["a"].Equal(before["a"]) || !after["b"].Equal(before["b"]) {
		t.Fatalf("expected weights unchanged on failure, got %+v", after)
	}
}

func TestUpdateWeightsAdmitsViableSubset(t *testing.T) {
	cfg := portfolio.DefaultConfig(decimal.NewFromInt(100000))
	onlyA := func(name string, _ []decimal.Decimal) bool { return name == "a" }
	m, err := portfolio.NewManager(zap.NewNop(), optimizer.NewEqualWeightOptimizer(), []string{"a", "b"}, cfg, onlyA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := m.Weights()

	err = m.UpdateWeights(map[string][]decimal.Decimal{
		"a": decimals(0.01, 0.02),
		"b": decimals(0.01, -0.02),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := m.Weights()

	// "a" is the only name the optimizer saw, so it is overwritten with
	// the optimizer's raw weight (1.0); "b" is absent from the optimizer's
	// output entirely, so it keeps its prior weight untouched. The vector
	// is then renormalized back to sum 1, matching manager.py's
	// "overwrite only the intersected names, renormalize after" contract.
	wantSum := decimal.NewFromInt(1).Add(before["b"])
	wantA := decimal.NewFromInt(1).Div(wantSum)
	wantB := before["b"].Div(wantSum)
	if diff := w["a"].Sub(wantA).Abs(); diff.GreaterThan(decimal.NewFromFloat(1e-8)) {
		t.Fatalf("expected renormalized weight on the viable strategy ~%s, got %s", wantA, w["a"])
	}
	if diff := w["b"].Sub(wantB).Abs(); diff.GreaterThan(decimal.NewFromFloat(1e-8)) {
		t.Fatalf("expected the rejected strategy to keep its prior weight (renormalized) ~%s, got %s", wantB, w["b"])
	}
}

func TestLeverageDefaultsToOneWithoutTarget(t *testing.T) {
	cfg := portfolio.DefaultConfig(decimal.NewFromInt(100000))
	m, err := portfolio.NewManager(zap.NewNop(), optimizer.NewEqualWeightOptimizer(), []string{"a"}, cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.Leverage().Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected leverage 1 without a target, got %s", m.Leverage())
	}
}

func TestSetTargetVolatilityClampsToMaxLeverage(t *testing.T) {
	cfg := portfolio.DefaultConfig(decimal.NewFromInt(100000))
	cfg.MaxLeverage = decimal.NewFromFloat(2.0)
	m, err := portfolio.NewManager(zap.NewNop(), optimizer.NewEqualWeightOptimizer(), []string{"a"}, cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Very low realized volatility relative to a high target would demand
	// leverage far above the cap; feed a near-zero-variance series.
	err = m.UpdateWeights(map[string][]decimal.Decimal{
		"a": decimals(0.0001, 0.0001, 0.0001, 0.0001, 0.0001),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.SetTargetVolatility(decimal.NewFromFloat(5.0))

	if m.Leverage().GreaterThan(cfg.MaxLeverage) {
		t.Fatalf("expected leverage clamped to %s, got %s", cfg.MaxLeverage, m.Leverage())
	}
}

func TestRebalanceWeightsNormalizesAcrossKnownStrategies(t *testing.T) {
	cfg := portfolio.DefaultConfig(decimal.NewFromInt(100000))
	m, err := portfolio.NewManager(zap.NewNop(), optimizer.NewEqualWeightOptimizer(), []string{"a", "b"}, cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = m.RebalanceWeights(map[string]decimal.Decimal{
		"a":       decimal.NewFromFloat(0.3),
		"b":       decimal.NewFromFloat(0.3),
		"unknown": decimal.NewFromFloat(0.4),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := m.Weights()
	sum := w["a"].Add(w["b"])
	if diff := sum.Sub(decimal.NewFromInt(1)).Abs(); diff.GreaterThan(decimal.NewFromFloat(1e-9)) {
		t.Fatalf("expected normalized weights to sum to 1, got %s", sum)
	}
	if _, ok := w["unknown"]; ok {
		t.Fatal("expected unknown strategy name to be dropped")
	}
}
