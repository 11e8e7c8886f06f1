// Package types provides shared type definitions for the portfolio
// orchestrator: bars, orders, positions, performance statistics, and the
// allocation a strategy hands back to the portfolio agent.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Frequency is an opaque scheduling tag a strategy carries. The core never
// parses it as a pandas-style offset; it is only compared against
// FrequencyDaily to size the backtest driver's prestart floor.
type Frequency string

const (
	FrequencyDaily    Frequency = "D"
	FrequencyIntraday Frequency = "INTRADAY"
	FrequencyH1       Frequency = "H1"
)

// OHLCV represents a single candlestick for one symbol.
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// LastPrice returns the close of the most recent bar, or zero if the
// series is empty.
func LastPrice(bars []OHLCV) decimal.Decimal {
	if len(bars) == 0 {
		return decimal.Zero
	}
	return bars[len(bars)-1].Close
}

// Order is a buy/sell instruction handed to the broker façade. Orders
// produced by the weight-to-order adapter carry a zero Magic; the live
// agent stamps its strategy's magic number on before submission.
type Order struct {
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Magic     int32           `json:"magic"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Ticket is one broker-side position record — the account's ground
// truth. Strategy-level position views are built by netting tickets that
// share a magic number.
type Ticket struct {
	Ticket int64           `json:"ticket"`
	Symbol string          `json:"symbol"`
	Side   OrderSide       `json:"side"`
	Volume decimal.Decimal `json:"volume"`
	Price  decimal.Decimal `json:"price"`
	Magic  int32           `json:"magic"`
}

// SymbolPosition is the netted view of one symbol within a strategy's own
// position set.
type SymbolPosition struct {
	Shares decimal.Decimal `json:"shares"`
	Price  decimal.Decimal `json:"price"`
	Value  decimal.Decimal `json:"value"`
}

// NetPositions aggregates a ticket list — already filtered to one magic
// number by the caller — into a per-symbol netted view: BUY tickets add
// volume, SELL tickets subtract it.
func NetPositions(tickets []Ticket) map[string]SymbolPosition {
	out := make(map[string]SymbolPosition)
	for _, t := range tickets {
		pos := out[t.Symbol]
		switch t.Side {
		case OrderSideBuy:
			pos.Shares = pos.Shares.Add(t.Volume)
		case OrderSideSell:
			pos.Shares = pos.Shares.Sub(t.Volume)
		}
		pos.Price = t.Price
		out[t.Symbol] = pos
	}
	for symbol, pos := range out {
		pos.Value = pos.Shares.Mul(pos.Price)
		out[symbol] = pos
	}
	return out
}

// AccountInfo is the broker façade's authoritative account snapshot.
type AccountInfo struct {
	Equity  decimal.Decimal `json:"equity"`
	Balance decimal.Decimal `json:"balance"`
	Login   string          `json:"login"`
	Server  string          `json:"server"`
}

const cashKey = "cash"

type allocationKind int

const (
	allocationNone allocationKind = iota
	allocationOrders
	allocationWeights
)

// Allocation is the tagged union a strategy's Trade call returns: either
// no action, a pre-built order list (legacy passthrough), or a weight map
// over assets plus an optional cash sibling weight. Modeling it explicitly
// avoids runtime type-sniffing downstream in the adapter.
type Allocation struct {
	kind    allocationKind
	orders  []Order
	weights map[string]decimal.Decimal
}

// NoAllocation represents a strategy that chose not to act this tick.
func NoAllocation() Allocation {
	return Allocation{kind: allocationNone}
}

// OrdersAllocation wraps a pre-built order list, passed through untouched
// by the adapter.
func OrdersAllocation(orders []Order) Allocation {
	return Allocation{kind: allocationOrders, orders: orders}
}

// WeightsAllocation wraps a fractional weight map keyed by asset symbol,
// plus an optional "cash" sibling weight.
func WeightsAllocation(weights map[string]decimal.Decimal) Allocation {
	return Allocation{kind: allocationWeights, weights: weights}
}

// IsEmpty reports whether the allocation carries no actionable content:
// no orders, or an all-zero/empty weight map. Both mean "stay in cash".
func (a Allocation) IsEmpty() bool {
	switch a.kind {
	case allocationOrders:
		return len(a.orders) == 0
	case allocationWeights:
		for _, w := range a.weights {
			if w.GreaterThan(decimal.Zero) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Orders returns the wrapped order list and whether this allocation is the
// pre-built-orders variant.
func (a Allocation) Orders() ([]Order, bool) {
	if a.kind != allocationOrders {
		return nil, false
	}
	return a.orders, true
}

// Weights returns the wrapped weight map, excluding the cash key, and
// whether this allocation is the weight-map variant.
func (a Allocation) Weights() (map[string]decimal.Decimal, bool) {
	if a.kind != allocationWeights {
		return nil, false
	}
	out := make(map[string]decimal.Decimal, len(a.weights))
	for k, v := range a.weights {
		if k == cashKey {
			continue
		}
		out[k] = v
	}
	return out, true
}

// CashWeight returns the informational cash weight, if one was set.
func (a Allocation) CashWeight() decimal.Decimal {
	if a.kind != allocationWeights {
		return decimal.Zero
	}
	return a.weights[cashKey]
}

// Position is a strategy's logical holding in one symbol, as reported in
// the agent's status snapshot.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	OpenedAt      time.Time       `json:"openedAt"`
}

// Portfolio is a point-in-time snapshot of aggregate account state.
type Portfolio struct {
	Cash      decimal.Decimal      `json:"cash"`
	Equity    decimal.Decimal      `json:"equity"`
	Positions map[string]*Position `json:"positions"`
	TotalPnL  decimal.Decimal      `json:"totalPnl"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// PerformanceMetrics are the statistics computed over one equity curve by
// the backtest driver's metrics calculator.
type PerformanceMetrics struct {
	TotalReturn      decimal.Decimal `json:"totalReturn"`
	AnnualizedReturn decimal.Decimal `json:"annualizedReturn"`
	SharpeRatio      decimal.Decimal `json:"sharpeRatio"`
	SortinoRatio     decimal.Decimal `json:"sortinoRatio"`
	MaxDrawdown      decimal.Decimal `json:"maxDrawdown"`
	WinRate          decimal.Decimal `json:"winRate"`
	ProfitFactor     decimal.Decimal `json:"profitFactor"`
	TotalTrades      int             `json:"totalTrades"`
	WinningTrades    int             `json:"winningTrades"`
	LosingTrades     int             `json:"losingTrades"`
	AvgWin           decimal.Decimal `json:"avgWin"`
	AvgLoss          decimal.Decimal `json:"avgLoss"`
	Expectancy       decimal.Decimal `json:"expectancy"`
	CalmarRatio      decimal.Decimal `json:"calmarRatio"`
}

// EquityCurvePoint is a single day/tick on an equity curve.
type EquityCurvePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Return    decimal.Decimal `json:"return"`
	Drawdown  decimal.Decimal `json:"drawdown"`
}

// MonteCarloResult is the output of the bootstrap robustness validator.
type MonteCarloResult struct {
	Iterations      int             `json:"iterations"`
	MedianReturn    decimal.Decimal `json:"medianReturn"`
	P5Return        decimal.Decimal `json:"p5Return"`
	P95Return       decimal.Decimal `json:"p95Return"`
	ProbabilityRuin decimal.Decimal `json:"probabilityRuin"`
	MaxDrawdownP95  decimal.Decimal `json:"maxDrawdownP95"`
}

// ViabilityGrade is a letter grade A–F assigned to a strategy's
// backtested equity curve, supplemented from original_source's informal
// viability checks.
type ViabilityGrade string

const (
	GradeA ViabilityGrade = "A"
	GradeB ViabilityGrade = "B"
	GradeC ViabilityGrade = "C"
	GradeD ViabilityGrade = "D"
	GradeF ViabilityGrade = "F"
)

// ViabilityReport explains why a strategy passed or failed the viability
// gate ahead of the optimizer seeing its returns.
type ViabilityReport struct {
	Strategy   string             `json:"strategy"`
	Grade      ViabilityGrade     `json:"grade"`
	Viable     bool               `json:"viable"`
	Issues     []string           `json:"issues"`
	Sharpe     decimal.Decimal    `json:"sharpe"`
	MaxDD      decimal.Decimal    `json:"maxDrawdown"`
	MonteCarlo *MonteCarloResult  `json:"monteCarlo,omitempty"`
}
