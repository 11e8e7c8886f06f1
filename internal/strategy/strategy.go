// Package strategy provides the trading strategy capability interface and
// a set of sample strategies the portfolio agent can orchestrate.
package strategy

import (
	"context"
	"sync"

	"github.com/atlas-desktop/portfolio-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Strategy is the capability interface every traded strategy implements.
// It is deliberately NOT a base class to extend — a strategy is anything
// that can report its assets and frequency and turn bars plus its own
// current positions into an Allocation.
type Strategy interface {
	Name() string
	Assets() []string
	Frequency() types.Frequency
	Trade(ctx context.Context, bars map[string][]types.OHLCV, ownPositions map[string]types.SymbolPosition) (types.Allocation, error)
	Reset()
}

// Registry manages available strategy factories, the same
// register-by-name/create-by-name shape as this codebase's other
// pluggable subsystems.
type Registry struct {
	logger     *zap.Logger
	strategies map[string]func() Strategy
	mu         sync.RWMutex
}

// NewRegistry creates a registry pre-populated with the built-in sample
// strategies.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:     logger,
		strategies: make(map[string]func() Strategy),
	}

	r.Register("momentum", func() Strategy { return NewMomentumStrategy(logger) })
	r.Register("mean_reversion", func() Strategy { return NewMeanReversionStrategy(logger) })
	r.Register("buy_and_hold", func() Strategy { return NewBuyAndHoldStrategy(logger) })

	return r
}

// Register registers a new strategy factory.
func (r *Registry) Register(name string, factory func() Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = factory
}

// Create creates a new strategy instance by name.
func (r *Registry) Create(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.strategies[name]
	if !ok {
		return nil, false
	}

	return factory(), true
}

// List returns all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	return names
}

// targetWeights turns the classic long/flat/short decision into a weight
// allocation: full weight on the asset when long, everything in cash
// otherwise. Sample strategies are single-asset; this keeps each one's
// Trade method to the comparison that actually distinguishes it.
func targetWeights(symbol string, long bool) types.Allocation {
	if !long {
		return types.WeightsAllocation(map[string]decimal.Decimal{cashKey: decimal.NewFromInt(1)})
	}
	return types.WeightsAllocation(map[string]decimal.Decimal{symbol: decimal.NewFromInt(1)})
}

const cashKey = "cash"

// MomentumStrategy goes fully long its one asset when recent momentum is
// positive, and fully to cash otherwise.
type MomentumStrategy struct {
	logger    *zap.Logger
	symbol    string
	period    int
	threshold decimal.Decimal
}

// NewMomentumStrategy creates a momentum strategy over a single symbol.
func NewMomentumStrategy(logger *zap.Logger) *MomentumStrategy {
	return &MomentumStrategy{
		logger:    logger,
		symbol:    "SPY",
		period:    14,
		threshold: decimal.NewFromFloat(0.02),
	}
}

func (s *MomentumStrategy) Name() string             { return "momentum" }
func (s *MomentumStrategy) Assets() []string          { return []string{s.symbol} }
func (s *MomentumStrategy) Frequency() types.Frequency { return types.FrequencyDaily }
func (s *MomentumStrategy) Reset()                    {}

func (s *MomentumStrategy) Trade(_ context.Context, bars map[string][]types.OHLCV, _ map[string]types.SymbolPosition) (types.Allocation, error) {
	series := bars[s.symbol]
	if len(series) <= s.period {
		return types.NoAllocation(), nil
	}

	current := series[len(series)-1].Close
	past := series[len(series)-1-s.period].Close
	if past.IsZero() {
		return types.NoAllocation(), nil
	}

	momentum := current.Sub(past).Div(past)
	return targetWeights(s.symbol, momentum.GreaterThan(s.threshold)), nil
}

// MeanReversionStrategy goes long when price sits meaningfully below its
// moving average, and to cash once it reverts.
type MeanReversionStrategy struct {
	logger     *zap.Logger
	symbol     string
	period     int
	stdDevMult decimal.Decimal
}

// NewMeanReversionStrategy creates a mean-reversion strategy over a
// single symbol.
func NewMeanReversionStrategy(logger *zap.Logger) *MeanReversionStrategy {
	return &MeanReversionStrategy{
		logger:     logger,
		symbol:     "QQQ",
		period:     20,
		stdDevMult: decimal.NewFromFloat(2.0),
	}
}

func (s *MeanReversionStrategy) Name() string             { return "mean_reversion" }
func (s *MeanReversionStrategy) Assets() []string          { return []string{s.symbol} }
func (s *MeanReversionStrategy) Frequency() types.Frequency { return types.FrequencyDaily }
func (s *MeanReversionStrategy) Reset()                    {}

func (s *MeanReversionStrategy) Trade(_ context.Context, bars map[string][]types.OHLCV, _ map[string]types.SymbolPosition) (types.Allocation, error) {
	series := bars[s.symbol]
	if len(series) < s.period {
		return types.NoAllocation(), nil
	}

	window := series[len(series)-s.period:]
	closes := make([]decimal.Decimal, len(window))
	for i, b := range window {
		closes[i] = b.Close
	}

	sma := decimal.Zero
	for _, c := range closes {
		sma = sma.Add(c)
	}
	sma = sma.Div(decimal.NewFromInt(int64(len(closes))))

	variance := decimal.Zero
	for _, c := range closes {
		diff := c.Sub(sma)
		variance = variance.Add(diff.Mul(diff))
	}
	variance = variance.Div(decimal.NewFromInt(int64(len(closes))))
	stdDev := sqrtDecimal(variance)
	if stdDev.IsZero() {
		return types.NoAllocation(), nil
	}

	current := window[len(window)-1].Close
	lowerBand := sma.Sub(stdDev.Mul(s.stdDevMult))

	return targetWeights(s.symbol, current.LessThan(lowerBand)), nil
}

// BuyAndHoldStrategy stays fully allocated to its asset at all times — a
// baseline used in tests and as a no-signal control.
type BuyAndHoldStrategy struct {
	logger *zap.Logger
	symbol string
}

// NewBuyAndHoldStrategy creates a buy-and-hold strategy over a single
// symbol.
func NewBuyAndHoldStrategy(logger *zap.Logger) *BuyAndHoldStrategy {
	return &BuyAndHoldStrategy{logger: logger, symbol: "VTI"}
}

func (s *BuyAndHoldStrategy) Name() string             { return "buy_and_hold" }
func (s *BuyAndHoldStrategy) Assets() []string          { return []string{s.symbol} }
func (s *BuyAndHoldStrategy) Frequency() types.Frequency { return types.FrequencyDaily }
func (s *BuyAndHoldStrategy) Reset()                    {}

func (s *BuyAndHoldStrategy) Trade(_ context.Context, bars map[string][]types.OHLCV, _ map[string]types.SymbolPosition) (types.Allocation, error) {
	if len(bars[s.symbol]) == 0 {
		return types.NoAllocation(), nil
	}
	return targetWeights(s.symbol, true), nil
}

// sqrtDecimal approximates a square root via Newton's method, keeping the
// computation in decimal.Decimal rather than round-tripping through
// float64 for this one step.
func sqrtDecimal(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() || d.IsNegative() {
		return decimal.Zero
	}

	x := d
	for i := 0; i < 20; i++ {
		x = x.Add(d.Div(x)).Div(decimal.NewFromInt(2))
	}
	return x
}
