package backtest

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/portfolio-agent/internal/adapter"
	"github.com/atlas-desktop/portfolio-agent/internal/strategy"
	"github.com/atlas-desktop/portfolio-agent/pkg/types"
	"github.com/shopspring/decimal"
)

// minHistoryDailyBars and minHistoryIntradayBars are the prestart floors
// backtester.py applies before a strategy's bar-by-bar simulation may
// begin: 30 bars for daily strategies, 5 for anything else.
const (
	minHistoryDailyBars    = 30
	minHistoryIntradayBars = 5
)

// Result is one strategy's simulated equity curve over a historical
// window, ready to be turned into a return series for the optimizer and
// a PerformanceMetrics for the viability checker.
type Result struct {
	StrategyName string
	EquityCurve  []types.EquityCurvePoint
}

// Returns extracts the per-period return series from the equity curve.
func (r *Result) Returns() []decimal.Decimal {
	if len(r.EquityCurve) == 0 {
		return nil
	}
	out := make([]decimal.Decimal, 0, len(r.EquityCurve)-1)
	for _, p := range r.EquityCurve[1:] {
		out = append(out, p.Return)
	}
	return out
}

// VolumeStepSource resolves the lot-size increment for a symbol during
// backtest simulation.
type VolumeStepSource func(symbol string) decimal.Decimal

// Driver runs a strategy bar-by-bar over historical data, wrapping it in
// the same weight-to-order adapter the live agent uses, and records the
// resulting equity curve. Grounded on
// original_source/portfoliolib/backtester.py's
// PortfolioBacktester._get_trader_returns / WeightToOrderAdapter pairing
// and the teacher's internal/backtester/engine.go bar-replay loop.
type Driver struct {
	volumeStep VolumeStepSource
}

// NewDriver creates a backtest driver. A nil volumeStep source means no
// lot-size constraint for every symbol.
func NewDriver(volumeStep VolumeStepSource) *Driver {
	if volumeStep == nil {
		volumeStep = func(string) decimal.Decimal { return decimal.Zero }
	}
	return &Driver{volumeStep: volumeStep}
}

// ledger is the driver's private cash/position bookkeeping for one
// strategy's simulated run — deliberately separate from any live broker
// ledger.
type ledger struct {
	cash      decimal.Decimal
	positions map[string]decimal.Decimal // shares per symbol
}

func newLedger(initialCash decimal.Decimal) *ledger {
	return &ledger{cash: initialCash, positions: make(map[string]decimal.Decimal)}
}

func (l *ledger) ownPositions(prices map[string]decimal.Decimal) map[string]types.SymbolPosition {
	out := make(map[string]types.SymbolPosition, len(l.positions))
	for symbol, shares := range l.positions {
		price := prices[symbol]
		out[symbol] = types.SymbolPosition{
			Shares: shares,
			Price:  price,
			Value:  shares.Mul(price),
		}
	}
	return out
}

func (l *ledger) apply(orders []types.Order, prices map[string]decimal.Decimal) {
	for _, o := range orders {
		price, ok := prices[o.Symbol]
		if !ok || price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		notional := price.Mul(o.Quantity)
		switch o.Side {
		case types.OrderSideBuy:
			l.cash = l.cash.Sub(notional)
			l.positions[o.Symbol] = l.positions[o.Symbol].Add(o.Quantity)
		case types.OrderSideSell:
			l.cash = l.cash.Add(notional)
			l.positions[o.Symbol] = l.positions[o.Symbol].Sub(o.Quantity)
		}
	}
}

func (l *ledger) equity(prices map[string]decimal.Decimal) decimal.Decimal {
	total := l.cash
	for symbol, shares := range l.positions {
		total = total.Add(shares.Mul(prices[symbol]))
	}
	return total
}

// Run simulates strat over bars (one time-aligned series per asset,
// already sliced to the lookback window) and returns its equity curve.
// allocatedCapital seeds the ledger's starting cash — the same dollar
// figure the strategy would actually be trading with live.
func (d *Driver) Run(ctx context.Context, strat strategy.Strategy, bars map[string][]types.OHLCV, allocatedCapital decimal.Decimal) (*Result, error) {
	assets := strat.Assets()
	if len(assets) == 0 {
		return nil, fmt.Errorf("backtest: strategy %q declares no assets", strat.Name())
	}

	minHistory := minHistoryIntradayBars
	if strat.Frequency() == types.FrequencyDaily {
		minHistory = minHistoryDailyBars
	}

	periods := -1
	for _, symbol := range assets {
		series, ok := bars[symbol]
		if !ok {
			return nil, fmt.Errorf("backtest: missing bar series for asset %q", symbol)
		}
		if periods == -1 || len(series) < periods {
			periods = len(series)
		}
	}
	if periods < minHistory+2 {
		return nil, fmt.Errorf("backtest: insufficient history for %q: have %d bars, need at least %d", strat.Name(), periods, minHistory+2)
	}

	led := newLedger(allocatedCapital)
	curve := make([]types.EquityCurvePoint, 0, periods-minHistory)
	peak := allocatedCapital
	prevEquity := allocatedCapital

	for i := minHistory; i < periods; i++ {
		window := make(map[string][]types.OHLCV, len(assets))
		prices := make(map[string]decimal.Decimal, len(assets))
		for _, symbol := range assets {
			series := bars[symbol][:i+1]
			window[symbol] = series
			prices[symbol] = series[len(series)-1].Close
		}

		priceSource := func(symbol string) (decimal.Decimal, bool) {
			p, ok := prices[symbol]
			return p, ok
		}
		a := adapter.New(priceSource, d.volumeStep)

		own := led.ownPositions(prices)
		alloc, err := strat.Trade(ctx, window, own)
		if err != nil {
			return nil, fmt.Errorf("backtest: strategy %q failed at bar %d: %w", strat.Name(), i, err)
		}

		orders, err := a.BuildOrders(allocatedCapital, alloc, own)
		if err != nil {
			return nil, fmt.Errorf("backtest: adapter failed at bar %d: %w", i, err)
		}
		led.apply(orders, prices)

		equity := led.equity(prices)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		drawdown := decimal.Zero
		if peak.GreaterThan(decimal.Zero) {
			drawdown = peak.Sub(equity).Div(peak)
		}
		ret := decimal.Zero
		if !prevEquity.IsZero() {
			ret = equity.Sub(prevEquity).Div(prevEquity)
		}
		prevEquity = equity

		curve = append(curve, types.EquityCurvePoint{
			Timestamp: bars[assets[0]][i].Timestamp,
			Equity:    equity,
			Return:    ret,
			Drawdown:  drawdown,
		})
	}

	return &Result{StrategyName: strat.Name(), EquityCurve: curve}, nil
}
