// Package portfolio implements the portfolio manager: strategy weights,
// volatility-targeted leverage, and capital allocation across strategies.
package portfolio

import (
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-desktop/portfolio-agent/internal/optimizer"
	"github.com/atlas-desktop/portfolio-agent/pkg/types"
	"github.com/atlas-desktop/portfolio-agent/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// volatilityFloor is the minimum realized volatility the leverage
// calculation will divide by, preventing a division blow-up when a
// strategy set has been flat for its whole lookback window.
var volatilityFloor = decimal.NewFromFloat(0.001)

// periodsPerYear is the trading-day annualization factor applied to
// daily equity-curve returns, matching manager.py's sqrt(252) convention.
const periodsPerYear = 252

// ViabilityFilter is called before every weight update with each
// strategy's lookback returns; it may veto individual strategies from
// the optimizer's input by returning false. A nil filter admits every
// strategy. Keeping this a callback (rather than baking viability logic
// into the manager) preserves the four-subsystem boundary: the backtest
// package owns grading, the manager only owns weights/leverage/capital.
type ViabilityFilter func(strategyName string, returns []decimal.Decimal) bool

// Config controls the manager's leverage and renormalization behavior.
type Config struct {
	InitialEquity     decimal.Decimal
	TargetVolatility  decimal.Decimal // zero disables volatility targeting
	MaxLeverage       decimal.Decimal
	VolatilityFloor   decimal.Decimal
	RenormalizeTol    decimal.Decimal
}

// DefaultConfig returns sensible manager defaults.
func DefaultConfig(initialEquity decimal.Decimal) Config {
	return Config{
		InitialEquity:    initialEquity,
		TargetVolatility: decimal.Zero,
		MaxLeverage:      decimal.NewFromInt(1),
		VolatilityFloor:  volatilityFloor,
		RenormalizeTol:   decimal.NewFromFloat(1e-5),
	}
}

// Manager owns the portfolio's target weights, its realized-volatility
// driven leverage factor, and per-strategy capital allocation. Grounded
// on original_source/portfoliolib/manager.py's PortfolioManager.
type Manager struct {
	mu sync.RWMutex

	logger    *zap.Logger
	opt       optimizer.Optimizer
	viability ViabilityFilter
	cfg       Config

	strategyNames []string
	weights       map[string]decimal.Decimal

	totalEquity      decimal.Decimal
	currentLeverage  decimal.Decimal
	realizedVol      decimal.Decimal
	lookbackReturns  map[string][]decimal.Decimal
}

// NewManager constructs a manager over the given strategy names. initial
// weights are equal-weighted; names must be non-empty and unique.
func NewManager(logger *zap.Logger, opt optimizer.Optimizer, strategyNames []string, cfg Config, viability ViabilityFilter) (*Manager, error) {
	if len(strategyNames) == 0 {
		return nil, fmt.Errorf("portfolio: at least one strategy is required")
	}
	seen := make(map[string]bool, len(strategyNames))
	names := make([]string, len(strategyNames))
	copy(names, strategyNames)
	sort.Strings(names)
	for _, n := range names {
		if seen[n] {
			return nil, fmt.Errorf("portfolio: duplicate strategy name %q", n)
		}
		seen[n] = true
	}

	equal := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(names))))
	weights := make(map[string]decimal.Decimal, len(names))
	for _, n := range names {
		weights[n] = equal
	}

	if cfg.MaxLeverage.IsZero() {
		cfg.MaxLeverage = decimal.NewFromInt(1)
	}
	if cfg.VolatilityFloor.IsZero() {
		cfg.VolatilityFloor = volatilityFloor
	}
	if cfg.RenormalizeTol.IsZero() {
		cfg.RenormalizeTol = decimal.NewFromFloat(1e-5)
	}

	return &Manager{
		logger:          logger,
		opt:             opt,
		viability:       viability,
		cfg:             cfg,
		strategyNames:   names,
		weights:         weights,
		totalEquity:     cfg.InitialEquity,
		currentLeverage: decimal.NewFromInt(1),
		realizedVol:     decimal.Zero,
	}, nil
}

// StrategyNames returns the manager's strategy list in stable order.
func (m *Manager) StrategyNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.strategyNames))
	copy(out, m.strategyNames)
	return out
}

// Weights returns a snapshot of current target weights.
func (m *Manager) Weights() map[string]decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(m.weights))
	for k, v := range m.weights {
		out[k] = v
	}
	return out
}

// Leverage returns the current volatility-scaled leverage factor.
func (m *Manager) Leverage() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLeverage
}

// RealizedVolatility returns the last computed annualized portfolio
// volatility.
func (m *Manager) RealizedVolatility() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.realizedVol
}

// TotalEquity returns the last equity value the manager was told about.
func (m *Manager) TotalEquity() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalEquity
}

// SetTotalEquity updates the manager's view of account equity, used by
// the live agent after each broker sync.
func (m *Manager) SetTotalEquity(equity decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalEquity = equity
}

// UpdateWeights recomputes target weights from lookback equity curves
// (one return series per strategy, time-aligned by the caller). On any
// optimizer failure or viability rejection leaving fewer than one viable
// strategy, the previous weights are preserved unchanged — this mirrors
// manager.py's update_weights "keep old weights on failure" behavior.
func (m *Manager) UpdateWeights(lookbackReturns map[string][]decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	admitted := make(map[string][]decimal.Decimal, len(lookbackReturns))
	for _, name := range m.strategyNames {
		series, ok := lookbackReturns[name]
		if !ok {
			continue
		}
		if m.viability != nil && !m.viability(name, series) {
			m.logger.Warn("strategy failed viability gate, excluded from this rebalance",
				zap.String("strategy", name))
			continue
		}
		admitted[name] = series
	}

	if len(admitted) == 0 {
		m.logger.Warn("no viable strategies in lookback window, keeping previous weights")
		return fmt.Errorf("portfolio: no viable strategies to weight")
	}

	raw, err := m.opt.CalculateWeights(admitted)
	if err != nil {
		m.logger.Warn("optimizer failed, keeping previous weights", zap.Error(err))
		return err
	}

	newWeights := make(map[string]decimal.Decimal, len(m.strategyNames))
	for _, name := range m.strategyNames {
		newWeights[name] = m.weights[name]
	}
	for _, name := range m.strategyNames {
		w, ok := raw[name]
		if !ok {
			continue
		}
		if w.IsNegative() || w.GreaterThan(decimal.NewFromInt(1)) {
			m.logger.Warn("optimizer produced an out-of-range weight, keeping previous weights",
				zap.String("strategy", name), zap.String("weight", w.String()))
			return fmt.Errorf("portfolio: optimizer weight for %q out of [0,1]: %s", name, w)
		}
		newWeights[name] = w
	}

	m.weights = renormalize(newWeights, m.cfg.RenormalizeTol)
	m.lookbackReturns = admitted

	if m.cfg.TargetVolatility.GreaterThan(decimal.Zero) {
		m.recomputeLeverageLocked()
	}

	return nil
}

// renormalize rescales a weight map back to sum 1 if it has drifted
// beyond tol, matching manager.py's rtol=1e-5 renormalization check.
func renormalize(weights map[string]decimal.Decimal, tol decimal.Decimal) map[string]decimal.Decimal {
	sum := decimal.Zero
	for _, w := range weights {
		sum = sum.Add(w)
	}
	if sum.IsZero() {
		return weights
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().LessThanOrEqual(tol) {
		return weights
	}
	out := make(map[string]decimal.Decimal, len(weights))
	for name, w := range weights {
		out[name] = w.Div(sum)
	}
	return out
}

// SetTargetVolatility updates the target and recomputes leverage from
// the last lookback curves, per manager.py's set_target_volatility.
func (m *Manager) SetTargetVolatility(target decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.TargetVolatility = target
	if target.GreaterThan(decimal.Zero) && m.lookbackReturns != nil {
		m.recomputeLeverageLocked()
	} else if target.IsZero() {
		m.currentLeverage = decimal.NewFromInt(1)
	}
}

// recomputeLeverageLocked recomputes realized volatility and leverage
// from the last stored lookback returns. Caller must hold m.mu.
func (m *Manager) recomputeLeverageLocked() {
	vol := m.portfolioVolatilityLocked()
	m.realizedVol = vol
	m.currentLeverage = leverageFactor(m.cfg.TargetVolatility, vol, m.cfg.MaxLeverage)
}

// portfolioVolatilityLocked computes the weighted portfolio's annualized
// daily-return volatility from the manager's stored lookback returns,
// floored at cfg.VolatilityFloor. Grounded on manager.py's
// _calculate_portfolio_volatility.
func (m *Manager) portfolioVolatilityLocked() decimal.Decimal {
	if len(m.lookbackReturns) == 0 {
		return m.cfg.VolatilityFloor
	}

	periods := -1
	for _, series := range m.lookbackReturns {
		if periods == -1 {
			periods = len(series)
		} else if len(series) < periods {
			periods = len(series)
		}
	}
	if periods <= 1 {
		return m.cfg.VolatilityFloor
	}

	portfolioReturns := make([]decimal.Decimal, periods)
	for name, series := range m.lookbackReturns {
		w, ok := m.weights[name]
		if !ok || w.IsZero() {
			continue
		}
		offset := len(series) - periods
		for t := 0; t < periods; t++ {
			portfolioReturns[t] = portfolioReturns[t].Add(series[offset+t].Mul(w))
		}
	}

	mean := decimal.Zero
	for _, r := range portfolioReturns {
		mean = mean.Add(r)
	}
	mean = mean.Div(decimal.NewFromInt(int64(periods)))

	sumSquares := decimal.Zero
	for _, r := range portfolioReturns {
		diff := r.Sub(mean)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}
	variance := sumSquares.Div(decimal.NewFromInt(int64(periods - 1)))
	dailyVol := decimal.NewFromFloat(sqrtFloat(variance.InexactFloat64()))
	annualVol := dailyVol.Mul(decimal.NewFromFloat(sqrtFloat(periodsPerYear)))

	if annualVol.LessThan(m.cfg.VolatilityFloor) {
		return m.cfg.VolatilityFloor
	}
	return annualVol
}

// leverageFactor mirrors manager.py's _calculate_leverage_factor: with no
// target set, or a non-positive realized volatility, leverage is 1.
// Otherwise it is target/realized, clamped to [0, maxLeverage].
func leverageFactor(target, realized, maxLeverage decimal.Decimal) decimal.Decimal {
	if target.LessThanOrEqual(decimal.Zero) || realized.LessThanOrEqual(decimal.Zero) {
		return decimal.NewFromInt(1)
	}
	factor := target.Div(realized)
	return utils.ClampDecimal(factor, decimal.Zero, maxLeverage)
}

func sqrtFloat(x float64) float64 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 30; i++ {
		z = z - (z*z-x)/(2*z)
	}
	return z
}

// AllocateCapital returns each strategy's dollar allocation:
// effective_capital = total_equity * current_leverage, split per weight.
// Grounded on manager.py's allocate_capital.
func (m *Manager) AllocateCapital() map[string]decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := m.totalEquity.Mul(m.currentLeverage)
	out := make(map[string]decimal.Decimal, len(m.weights))
	for name, w := range m.weights {
		out[name] = effective.Mul(w)
	}
	return out
}

// RebalanceWeights is the manual-override path: it installs an explicit
// weight map, normalizing across the manager's known strategy set and
// dropping unknown names, mirroring manager.py's rebalance_weights.
func (m *Manager) RebalanceWeights(target map[string]decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newWeights := make(map[string]decimal.Decimal, len(m.strategyNames))
	for _, name := range m.strategyNames {
		if w, ok := target[name]; ok {
			if w.IsNegative() {
				return fmt.Errorf("portfolio: negative weight for %q: %s", name, w)
			}
			newWeights[name] = w
		} else {
			newWeights[name] = decimal.Zero
		}
	}
	m.weights = renormalize(newWeights, m.cfg.RenormalizeTol)
	return nil
}
