package agent_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/portfolio-agent/internal/agent"
	"github.com/atlas-desktop/portfolio-agent/internal/backtest"
	"github.com/atlas-desktop/portfolio-agent/internal/broker"
	"github.com/atlas-desktop/portfolio-agent/internal/metrics"
	"github.com/atlas-desktop/portfolio-agent/internal/optimizer"
	"github.com/atlas-desktop/portfolio-agent/internal/portfolio"
	"github.com/atlas-desktop/portfolio-agent/internal/statestore"
	"github.com/atlas-desktop/portfolio-agent/internal/strategy"
	"github.com/atlas-desktop/portfolio-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// fixedBuyStrategy always submits one buy order for its single asset on
// its first call, then goes flat — just enough to exercise magic-number
// attribution without depending on a real strategy's signal logic.
type fixedBuyStrategy struct {
	name   string
	symbol string
	shares decimal.Decimal
	called bool
}

func (s *fixedBuyStrategy) Name() string              { return s.name }
func (s *fixedBuyStrategy) Assets() []string           { return []string{s.symbol} }
func (s *fixedBuyStrategy) Frequency() types.Frequency { return types.FrequencyDaily }
func (s *fixedBuyStrategy) Reset()                     { s.called = false }

func (s *fixedBuyStrategy) Trade(ctx context.Context, bars map[string][]types.OHLCV, own map[string]types.SymbolPosition) (types.Allocation, error) {
	if s.called {
		return types.NoAllocation(), nil
	}
	s.called = true
	return types.OrdersAllocation([]types.Order{
		{Symbol: s.symbol, Side: types.OrderSideBuy, Quantity: s.shares},
	}), nil
}

// TestPerStrategyAttribution covers scenario S5: two strategies both
// trade NVDA under distinct magic numbers. Each opening 10 shares must be
// visible independently through its own magic number, and summed across
// both for the symbol's total.
func TestPerStrategyAttribution(t *testing.T) {
	logger := zap.NewNop()
	sb := broker.NewSimulatedBroker(logger, decimal.NewFromInt(100000), broker.NoSlippage{})
	sb.Seed("NVDA", decimal.NewFromInt(500), 0.0003, 0.01, decimal.NewFromInt(1))

	alpha := &fixedBuyStrategy{name: "alpha", symbol: "NVDA", shares: decimal.NewFromInt(10)}
	beta := &fixedBuyStrategy{name: "beta", symbol: "NVDA", shares: decimal.NewFromInt(10)}
	strategies := []strategy.Strategy{alpha, beta}
	names := []string{"alpha", "beta"}

	opt := optimizer.NewEqualWeightOptimizer()
	mgr, err := portfolio.NewManager(logger, opt, names, portfolio.DefaultConfig(decimal.NewFromInt(100000)), nil)
	if err != nil {
		t.Fatalf("unexpected error constructing manager: %v", err)
	}

	driver := backtest.NewDriver(nil)
	checker := backtest.NewViabilityChecker(backtest.DefaultViabilityThresholds())
	store := statestore.New(filepath.Join(t.TempDir(), "state.json"))

	a, err := agent.New(logger, agent.DefaultConfig(), sb, mgr, strategies, driver, checker, store, metrics.New())
	if err != nil {
		t.Fatalf("unexpected error constructing agent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error from Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	alphaMagic, _ := a.MagicNumber("alpha")
	betaMagic, _ := a.MagicNumber("beta")
	if alphaMagic != 10000 || betaMagic != 10001 {
		t.Fatalf("expected magics 10000/10001, got %d/%d", alphaMagic, betaMagic)
	}

	bg := context.Background()
	alphaTickets, err := sb.PositionsByMagic(bg, alphaMagic)
	if err != nil {
		t.Fatalf("unexpected error reading alpha positions: %v", err)
	}
	betaTickets, err := sb.PositionsByMagic(bg, betaMagic)
	if err != nil {
		t.Fatalf("unexpected error reading beta positions: %v", err)
	}

	alphaOwn := types.NetPositions(alphaTickets)
	betaOwn := types.NetPositions(betaTickets)

	if !alphaOwn["NVDA"].Shares.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected alpha to hold 10 NVDA shares, got %s", alphaOwn["NVDA"].Shares)
	}
	if !betaOwn["NVDA"].Shares.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected beta to hold 10 NVDA shares, got %s", betaOwn["NVDA"].Shares)
	}

	all, err := sb.AllPositions(bg)
	if err != nil {
		t.Fatalf("unexpected error reading all positions: %v", err)
	}
	total := decimal.Zero
	for _, ticket := range all {
		if ticket.Symbol != "NVDA" {
			continue
		}
		if ticket.Side == types.OrderSideBuy {
			total = total.Add(ticket.Volume)
		} else {
			total = total.Sub(ticket.Volume)
		}
	}
	if !total.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected 20 total NVDA shares across both strategies, got %s", total)
	}
}

// thinDataStrategy always fails its Trade call, so the backtest driver
// never produces a usable equity curve for it — simulating the
// "insufficient history" case without depending on bar-count internals.
type thinDataStrategy struct {
	name   string
	symbol string
}

func (s *thinDataStrategy) Name() string              { return s.name }
func (s *thinDataStrategy) Assets() []string           { return []string{s.symbol} }
func (s *thinDataStrategy) Frequency() types.Frequency { return types.FrequencyDaily }
func (s *thinDataStrategy) Reset()                     {}
func (s *thinDataStrategy) Trade(ctx context.Context, bars map[string][]types.OHLCV, own map[string]types.SymbolPosition) (types.Allocation, error) {
	return types.NoAllocation(), fmt.Errorf("thin data strategy: no usable series")
}

// TestRebalanceAbortsOnThinData covers scenario S6: only one strategy
// produces a lookback equity series (the other fails its backtest
// outright), so the rebalance must abort — last rebalance time and
// weights stay put, and no orders are submitted for either strategy.
func TestRebalanceAbortsOnThinData(t *testing.T) {
	logger := zap.NewNop()
	sb := broker.NewSimulatedBroker(logger, decimal.NewFromInt(100000), broker.NoSlippage{})
	sb.Seed("SPY", decimal.NewFromInt(400), 0.0003, 0.01, decimal.NewFromInt(1))

	good := &fixedBuyStrategy{name: "good", symbol: "SPY", shares: decimal.NewFromInt(1)}
	thin := &thinDataStrategy{name: "thin", symbol: "GHOST"}
	strategies := []strategy.Strategy{good, thin}
	names := []string{"good", "thin"}

	opt := optimizer.NewEqualWeightOptimizer()
	mgr, err := portfolio.NewManager(logger, opt, names, portfolio.DefaultConfig(decimal.NewFromInt(100000)), nil)
	if err != nil {
		t.Fatalf("unexpected error constructing manager: %v", err)
	}
	weightsBefore := mgr.Weights()

	driver := backtest.NewDriver(nil)
	checker := backtest.NewViabilityChecker(backtest.DefaultViabilityThresholds())
	store := statestore.New(filepath.Join(t.TempDir(), "state.json"))

	a, err := agent.New(logger, agent.DefaultConfig(), sb, mgr, strategies, driver, checker, store, metrics.New())
	if err != nil {
		t.Fatalf("unexpected error constructing agent: %v", err)
	}

	ctx := context.Background()
	if err := sb.Connect(ctx); err != nil {
		t.Fatalf("unexpected error connecting broker: %v", err)
	}

	now := time.Now()
	committed, err := a.Rebalance(ctx, now)
	if err != nil {
		t.Fatalf("unexpected error from rebalance: %v", err)
	}
	if committed {
		t.Fatal("expected rebalance to abort with only one strategy producing lookback data")
	}

	weightsAfter := mgr.Weights()
	for name, w := range weightsBefore {
		if !w.Equal(weightsAfter[name]) {
			t.Fatalf("expected weight for %q to remain %s, got %s", name, w, weightsAfter[name])
		}
	}

	tickets, err := sb.AllPositions(ctx)
	if err != nil {
		t.Fatalf("unexpected error reading positions: %v", err)
	}
	if len(tickets) != 0 {
		t.Fatalf("expected no orders submitted on an aborted rebalance, found %d tickets", len(tickets))
	}
}
