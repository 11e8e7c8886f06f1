package agent

import (
	"context"
	"time"

	"github.com/atlas-desktop/portfolio-agent/internal/adapter"
	"github.com/atlas-desktop/portfolio-agent/internal/broker"
	"github.com/atlas-desktop/portfolio-agent/internal/strategy"
	"github.com/atlas-desktop/portfolio-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// tradeTick refreshes equity, pulls market data once for the union of
// every strategy's assets, then serves each strategy in registered
// order: read its own positions by magic number, call Trade, convert the
// result through the adapter, stamp the magic, and submit. A failing
// strategy is isolated — it is treated as having returned all cash for
// this tick and the remaining strategies still run.
func (a *Agent) tradeTick(ctx context.Context) error {
	a.setState(StateTradeTick)
	defer a.setState(StateRunning)

	assets := a.allAssets()
	if len(assets) == 0 {
		return nil
	}

	open, err := a.facade.IsMarketOpen(ctx, assets[0])
	if err != nil {
		a.logger.Warn("failed to check market status, skipping tick", zap.Error(err))
		return nil
	}
	if !open {
		a.logger.Debug("market closed, skipping trade tick")
		return nil
	}

	info, err := a.facade.AccountInfo(ctx)
	if err != nil {
		a.logger.Warn("failed to refresh account equity this tick", zap.Error(err))
	} else {
		a.manager.SetTotalEquity(info.Equity)
	}

	allocations := a.manager.AllocateCapital()

	bars, err := a.facade.GetMultiBars(ctx, assets, a.cfg.LookbackBars)
	if err != nil {
		return err
	}

	price, step := a.priceAndStepSources(ctx)
	ord := adapter.New(price, step)

	positions := make([]types.Position, 0)

	for _, strat := range a.strategies {
		name := strat.Name()
		magic := a.magicNumbers[name]
		allocatedCapital := allocations[name]

		tickets, err := a.facade.PositionsByMagic(ctx, magic)
		if err != nil {
			a.logger.Error("failed to read strategy positions, skipping this tick",
				zap.String("strategy", name), zap.Error(err))
			if a.registry != nil {
				a.registry.OrderErrors.WithLabelValues(name).Inc()
			}
			continue
		}
		own := types.NetPositions(tickets)

		stratBars := make(map[string][]types.OHLCV, len(strat.Assets()))
		for _, sym := range strat.Assets() {
			stratBars[sym] = bars[sym]
		}

		alloc, err := a.tradeStrategy(ctx, strat, stratBars, own)
		if err != nil {
			a.logger.Error("strategy trade call failed, treating as all-cash this tick",
				zap.String("strategy", name), zap.Error(err))
			alloc = types.WeightsAllocation(map[string]decimal.Decimal{"cash": decimal.NewFromInt(1)})
		}

		if a.registry != nil {
			a.registry.Ticks.WithLabelValues(name).Inc()
		}

		orders, err := ord.BuildOrders(allocatedCapital, alloc, own)
		if err != nil {
			a.logger.Error("adapter failed to build orders", zap.String("strategy", name), zap.Error(err))
			continue
		}

		now := time.Now()
		for _, o := range orders {
			o.Magic = magic
			o.CreatedAt = now
			ticket, err := a.facade.SendOrder(ctx, o, broker.FillingReturn)
			if err != nil {
				a.logger.Warn("order submission failed, tick continues",
					zap.String("strategy", name), zap.String("symbol", o.Symbol), zap.Error(err))
				if a.registry != nil {
					a.registry.OrderErrors.WithLabelValues(name).Inc()
				}
				continue
			}
			a.logger.Info("order submitted",
				zap.String("strategy", name), zap.String("symbol", o.Symbol),
				zap.String("side", string(o.Side)), zap.String("qty", o.Quantity.String()),
				zap.Int64("ticket", ticket))
			if a.registry != nil {
				a.registry.OrdersSubmitted.WithLabelValues(name, string(o.Side)).Inc()
			}
		}

		for symbol, pos := range own {
			if pos.Shares.IsZero() {
				continue
			}
			side := types.PositionSideLong
			if pos.Shares.IsNegative() {
				side = types.PositionSideShort
			}
			positions = append(positions, types.Position{
				Symbol:       symbol,
				Side:         side,
				Quantity:     pos.Shares.Abs(),
				CurrentPrice: pos.Price,
				OpenedAt:     now,
			})
		}
	}

	a.mu.Lock()
	a.lastPositions = positions
	a.mu.Unlock()
	a.pushSnapshot()

	return nil
}

// tradeStrategy isolates a single strategy's Trade call so a panic or
// error in one strategy never aborts the tick for the others.
func (a *Agent) tradeStrategy(ctx context.Context, strat strategy.Strategy, bars map[string][]types.OHLCV, own map[string]types.SymbolPosition) (alloc types.Allocation, err error) {
	defer func() {
		if r := recover(); r != nil {
			alloc = types.NoAllocation()
			err = recoveredError(r)
		}
	}()
	return strat.Trade(ctx, bars, own)
}

func recoveredError(r interface{}) error {
	return &panicError{value: r}
}

type panicError struct{ value interface{} }

func (e *panicError) Error() string { return "agent: strategy panicked: " + errString(e.value) }

func errString(v interface{}) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown panic"
}

// Rebalance runs a rebalance cycle outside the normal 1-second loop
// cadence — an operator-triggered rebalance, or a test exercising the
// rebalance path directly. It reports whether the rebalance committed.
func (a *Agent) Rebalance(ctx context.Context, now time.Time) (bool, error) {
	committed, err := a.rebalanceTick(ctx, now)
	if committed {
		a.mu.Lock()
		t := now
		a.lastRebalanceAt = &t
		a.mu.Unlock()
	}
	return committed, err
}

// rebalanceTick runs a notional-capital backtest for every strategy over
// the lookback window, and if at least two produced data, feeds the
// resulting return series to the optimizer and performs a trade tick to
// bring positions in line with the new weights. It reports whether the
// rebalance committed (weights changed, state persisted).
func (a *Agent) rebalanceTick(ctx context.Context, now time.Time) (bool, error) {
	a.setState(StateRebalancing)
	defer a.setState(StateRunning)

	assets := a.allAssets()
	if len(assets) == 0 {
		return false, nil
	}

	bars, err := a.facade.GetMultiBars(ctx, assets, a.cfg.LookbackBars)
	if err != nil {
		return false, err
	}

	// The backtest driver never touches the broker itself, but the
	// hazard flag models the shared session MT5-era brokers exposed:
	// toggle it on for the duration of the backtest pass and make sure
	// it is reset to false — with the mandated settle pause — before any
	// live order from the trade tick below.
	a.facade.SetInBacktest(true)
	defer a.facade.SetInBacktest(false)

	lookbackReturns := make(map[string][]decimal.Decimal)
	reports := make([]types.ViabilityReport, 0, len(a.strategies))
	successful := 0

	for _, strat := range a.strategies {
		strat.Reset()
		stratBars := make(map[string][]types.OHLCV, len(strat.Assets()))
		complete := true
		for _, sym := range strat.Assets() {
			series, ok := bars[sym]
			if !ok {
				complete = false
				break
			}
			stratBars[sym] = series
		}
		if !complete {
			a.logger.Warn("missing bar data for strategy, excluded from this rebalance", zap.String("strategy", strat.Name()))
			continue
		}

		result, err := a.driver.Run(ctx, strat, stratBars, a.cfg.BacktestCapital)
		if err != nil {
			a.logger.Warn("backtest failed for strategy, excluded from this rebalance",
				zap.String("strategy", strat.Name()), zap.Error(err))
			continue
		}

		returns := result.Returns()
		if len(returns) == 0 {
			continue
		}
		lookbackReturns[strat.Name()] = returns
		successful++

		if a.viability != nil {
			m := a.metricsCal.Calculate(result.EquityCurve)
			report := a.viability.Grade(strat.Name(), m)
			a.mu.RLock()
			sim := a.montecarlo
			a.mu.RUnlock()
			if sim != nil {
				report.MonteCarlo = sim.Run(returns)
			}
			reports = append(reports, report)
		}
	}

	a.facade.SetInBacktest(false)
	time.Sleep(broker.SettleDelay())

	if successful < 2 {
		a.logger.Warn("insufficient strategies produced lookback data, rebalance aborted",
			zap.Int("successful", successful))
		return false, nil
	}

	if err := a.manager.UpdateWeights(lookbackReturns); err != nil {
		a.logger.Warn("optimizer rejected this rebalance, weights unchanged", zap.Error(err))
		return false, nil
	}

	a.mu.Lock()
	a.lastViability = reports
	a.mu.Unlock()

	if err := a.tradeTick(ctx); err != nil {
		a.logger.Error("post-rebalance trade tick failed", zap.Error(err))
	}

	a.saveState(now)

	if a.registry != nil {
		a.registry.Rebalances.WithLabelValues("committed").Inc()
		weights := make(map[string]float64, len(a.manager.Weights()))
		for name, w := range a.manager.Weights() {
			f, _ := w.Float64()
			weights[name] = f
		}
		a.registry.SetWeights(weights)
		eq, _ := a.manager.TotalEquity().Float64()
		lev, _ := a.manager.Leverage().Float64()
		vol, _ := a.manager.RealizedVolatility().Float64()
		a.registry.PortfolioEquity.Set(eq)
		a.registry.CurrentLeverage.Set(lev)
		a.registry.RealizedVolatility.Set(vol)
	}

	a.logger.Info("rebalance committed", zap.Time("at", now))
	return true, nil
}

// pushSnapshot sends the current state to the registered status callback,
// if any.
func (a *Agent) pushSnapshot() {
	a.mu.RLock()
	push := a.statusPush
	a.mu.RUnlock()
	if push == nil {
		return
	}
	push(a.Snapshot())
}
