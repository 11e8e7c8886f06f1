package agent_test

import (
	"context"
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
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestAgent(t *testing.T) (*agent.Agent, *broker.SimulatedBroker) {
	t.Helper()
	logger := zap.NewNop()

	sb := broker.NewSimulatedBroker(logger, decimal.NewFromInt(100000), broker.NoSlippage{})
	sb.Seed("SPY", decimal.NewFromInt(400), 0.0004, 0.01, decimal.NewFromInt(1))
	sb.Seed("QQQ", decimal.NewFromInt(350), 0.0003, 0.012, decimal.NewFromInt(1))
	sb.Seed("VTI", decimal.NewFromInt(200), 0.0002, 0.008, decimal.NewFromInt(1))

	reg := strategy.NewRegistry(logger)
	momentum, _ := reg.Create("momentum")
	meanRev, _ := reg.Create("mean_reversion")
	buyHold, _ := reg.Create("buy_and_hold")
	strategies := []strategy.Strategy{momentum, meanRev, buyHold}

	names := make([]string, len(strategies))
	for i, s := range strategies {
		names[i] = s.Name()
	}

	opt := optimizer.NewEqualWeightOptimizer()
	mgr, err := portfolio.NewManager(logger, opt, names, portfolio.DefaultConfig(decimal.NewFromInt(100000)), nil)
	if err != nil {
		t.Fatalf("unexpected error constructing manager: %v", err)
	}

	driver := backtest.NewDriver(func(string) decimal.Decimal { return decimal.NewFromInt(1) })
	checker := backtest.NewViabilityChecker(backtest.DefaultViabilityThresholds())
	store := statestore.New(filepath.Join(t.TempDir(), "state.json"))

	a, err := agent.New(logger, agent.DefaultConfig(), sb, mgr, strategies, driver, checker, store, metrics.New())
	if err != nil {
		t.Fatalf("unexpected error constructing agent: %v", err)
	}
	return a, sb
}

func TestNewAssignsSequentialMagicNumbers(t *testing.T) {
	a, _ := newTestAgent(t)

	m0, ok := a.MagicNumber("momentum")
	if !ok || m0 != 10000 {
		t.Fatalf("expected momentum magic 10000, got %d (ok=%v)", m0, ok)
	}
	m1, ok := a.MagicNumber("mean_reversion")
	if !ok || m1 != 10001 {
		t.Fatalf("expected mean_reversion magic 10001, got %d (ok=%v)", m1, ok)
	}
	m2, ok := a.MagicNumber("buy_and_hold")
	if !ok || m2 != 10002 {
		t.Fatalf("expected buy_and_hold magic 10002, got %d (ok=%v)", m2, ok)
	}
}

func TestNewRejectsEmptyStrategyList(t *testing.T) {
	logger := zap.NewNop()
	sb := broker.NewSimulatedBroker(logger, decimal.NewFromInt(100000), broker.NoSlippage{})
	mgr, _ := portfolio.NewManager(logger, optimizer.NewEqualWeightOptimizer(), []string{"x"}, portfolio.DefaultConfig(decimal.NewFromInt(100000)), nil)
	store := statestore.New(filepath.Join(t.TempDir(), "state.json"))

	_, err := agent.New(logger, agent.DefaultConfig(), sb, mgr, nil, backtest.NewDriver(nil), backtest.NewViabilityChecker(backtest.DefaultViabilityThresholds()), store, metrics.New())
	if err == nil {
		t.Fatal("expected an error constructing an agent with no strategies")
	}
}

func TestRunPerformsStartupFlattenAndInitialTradeTick(t *testing.T) {
	a, sb := newTestAgent(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Give the initial flatten/load/trade-tick sequence a moment to run,
	// then stop the loop before its first 1-second tick fires.
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

	if a.State() != agent.StateStopping {
		t.Fatalf("expected STOPPING state after shutdown, got %s", a.State())
	}

	snap := a.Snapshot()
	if snap.TotalEquity <= 0 {
		t.Fatalf("expected a positive total equity snapshot, got %v", snap.TotalEquity)
	}
	_ = sb
}

func TestStopEndsRunLoop(t *testing.T) {
	a, _ := newTestAgent(t)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	a.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error from Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
