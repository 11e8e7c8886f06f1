// Package adapter converts a strategy's weight allocation into concrete
// buy/sell orders against its current broker positions, applying
// lot-size quantization and a minimum-trade dead zone so small weight
// drifts don't generate noise orders.
package adapter

import (
	"fmt"
	"sort"

	"github.com/atlas-desktop/portfolio-agent/pkg/types"
	"github.com/shopspring/decimal"
)

// PriceSource resolves the current tradable price for a symbol.
type PriceSource func(symbol string) (decimal.Decimal, bool)

// LotStepSource resolves the minimum order-size increment for a symbol.
// A non-positive or unknown step is treated as "no lot constraint".
type LotStepSource func(symbol string) decimal.Decimal

// Adapter turns (allocated capital, target weights, current positions)
// into orders. Grounded on
// original_source/portfoliolib/backtester.py's WeightToOrderAdapter and
// agent.py's _adjust_trader_positions, which apply the identical
// target-value/price/step-quantization/dead-zone logic in the backtest
// and live paths respectively — this type is shared by both.
type Adapter struct {
	price PriceSource
	step  LotStepSource
}

// New creates an order adapter backed by the given price and lot-step
// sources.
func New(price PriceSource, step LotStepSource) *Adapter {
	return &Adapter{price: price, step: step}
}

// BuildOrders converts an allocation into orders. allocatedCapital is the
// dollar amount assigned to this strategy (post-leverage, from
// Manager.AllocateCapital). ownPositions must already be filtered and
// netted to this strategy's own magic number.
//
// A legacy OrdersAllocation passes its orders through untouched. A
// WeightsAllocation computes, per asset (excluding "cash"):
//
//	target_value  = allocatedCapital * weight
//	current_value = ownPositions[asset].Shares * price
//	value_diff    = target_value - current_value
//	shares_diff   = value_diff / price
//
// quantized down to the asset's lot step, and emitted only if the
// quantized share delta clears the dead zone (two lot steps, or two
// shares with no lot constraint).
func (a *Adapter) BuildOrders(allocatedCapital decimal.Decimal, alloc types.Allocation, ownPositions map[string]types.SymbolPosition) ([]types.Order, error) {
	if orders, ok := alloc.Orders(); ok {
		return orders, nil
	}

	weights, ok := alloc.Weights()
	if !ok {
		return nil, nil
	}
	if allocatedCapital.IsNegative() {
		return nil, fmt.Errorf("adapter: allocated capital must be non-negative, got %s", allocatedCapital)
	}

	// Union weights with currently-held symbols: a strategy that flips to
	// cash by simply omitting a previously held asset from its weight map
	// still needs that position unwound, so an absent weight defaults to
	// zero rather than "leave untouched".
	symbolSet := make(map[string]struct{}, len(weights)+len(ownPositions))
	for symbol := range weights {
		symbolSet[symbol] = struct{}{}
	}
	for symbol := range ownPositions {
		symbolSet[symbol] = struct{}{}
	}
	symbols := make([]string, 0, len(symbolSet))
	for symbol := range symbolSet {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var orders []types.Order
	for _, symbol := range symbols {
		weight := weights[symbol]

		price, ok := a.price(symbol)
		if !ok || price.LessThanOrEqual(decimal.Zero) {
			continue
		}

		targetValue := allocatedCapital.Mul(weight)
		currentShares := ownPositions[symbol].Shares
		currentValue := currentShares.Mul(price)
		valueDiff := targetValue.Sub(currentValue)
		sharesDiff := valueDiff.Div(price)

		step := a.step(symbol)
		var quantized decimal.Decimal
		var minTrade decimal.Decimal
		if step.GreaterThan(decimal.Zero) {
			quantized = quantizeFloor(sharesDiff, step)
			minTrade = step.Mul(decimal.NewFromInt(2))
		} else {
			quantized = sharesDiff.Floor()
			minTrade = decimal.NewFromInt(2)
		}

		if quantized.Abs().LessThan(minTrade) {
			continue
		}

		side := types.OrderSideBuy
		qty := quantized
		if quantized.IsNegative() {
			side = types.OrderSideSell
			qty = quantized.Neg()
		}

		orders = append(orders, types.Order{
			Symbol:   symbol,
			Side:     side,
			Quantity: qty,
		})
	}

	return orders, nil
}

// quantizeFloor rounds diff/step down toward negative infinity and scales
// back by step, matching agent.py's `math.floor(shares_diff/step)*step`
// literally for both signs: a sell (negative diff) floors to a larger-
// magnitude negative quantity, not a smaller one.
func quantizeFloor(diff, step decimal.Decimal) decimal.Decimal {
	return diff.Div(step).Floor().Mul(step)
}
