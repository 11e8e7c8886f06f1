// Package backtest implements the lookback equity-curve driver used to
// feed the optimizer, plus the performance-metrics and viability-grading
// calculators run over its output.
package backtest

import (
	"github.com/atlas-desktop/portfolio-agent/pkg/types"
	"github.com/atlas-desktop/portfolio-agent/pkg/utils"
	"github.com/shopspring/decimal"
)

const periodsPerYear = 252

// EquityCurveFromReturns rebuilds a synthetic equity curve (starting
// equity 1) from a bare per-period return series — the inverse of
// Result.Returns — so a caller holding only the return series (as
// ViabilityFilter does) can still run it through MetricsCalculator.
func EquityCurveFromReturns(returns []decimal.Decimal) []types.EquityCurvePoint {
	curve := make([]types.EquityCurvePoint, 0, len(returns)+1)
	equity := decimal.NewFromInt(1)
	curve = append(curve, types.EquityCurvePoint{Equity: equity})
	for _, ret := range returns {
		equity = equity.Mul(decimal.NewFromInt(1).Add(ret))
		curve = append(curve, types.EquityCurvePoint{Equity: equity, Return: ret})
	}
	return curve
}

// MetricsCalculator computes PerformanceMetrics from a return series,
// grounded on the teacher's internal/backtester/metrics.go.
type MetricsCalculator struct{}

// NewMetricsCalculator creates a metrics calculator.
func NewMetricsCalculator() *MetricsCalculator { return &MetricsCalculator{} }

// Calculate computes performance metrics over an equity curve's
// already-derived per-period returns.
func (c *MetricsCalculator) Calculate(equityCurve []types.EquityCurvePoint) *types.PerformanceMetrics {
	if len(equityCurve) == 0 {
		return &types.PerformanceMetrics{}
	}

	equity := make([]decimal.Decimal, len(equityCurve))
	returns := make([]decimal.Decimal, 0, len(equityCurve))
	for i, p := range equityCurve {
		equity[i] = p.Equity
		if i > 0 {
			returns = append(returns, p.Return)
		}
	}

	totalReturn := decimal.Zero
	if !equity[0].IsZero() {
		totalReturn = equity[len(equity)-1].Sub(equity[0]).Div(equity[0])
	}

	years := decimal.NewFromInt(int64(len(returns))).Div(decimal.NewFromInt(periodsPerYear))
	annualizedReturn := decimal.Zero
	if years.GreaterThan(decimal.Zero) {
		annualizedReturn = totalReturn.Div(years)
	}

	var wins, losses int
	winSum, lossSum := decimal.Zero, decimal.Zero
	for _, r := range returns {
		if r.GreaterThan(decimal.Zero) {
			wins++
			winSum = winSum.Add(r)
		} else if r.LessThan(decimal.Zero) {
			losses++
			lossSum = lossSum.Add(r.Abs())
		}
	}

	avgWin, avgLoss := decimal.Zero, decimal.Zero
	if wins > 0 {
		avgWin = winSum.Div(decimal.NewFromInt(int64(wins)))
	}
	if losses > 0 {
		avgLoss = lossSum.Div(decimal.NewFromInt(int64(losses)))
	}

	winRate := utils.CalculateWinRate(returns)
	profitFactor := utils.CalculateProfitFactor(returns)
	sharpe := utils.CalculateSharpeRatio(returns, decimal.Zero, periodsPerYear)
	sortino := sortinoRatio(returns, periodsPerYear)
	maxDD := utils.CalculateMaxDrawdown(equity)

	var calmar decimal.Decimal
	if maxDD.GreaterThan(decimal.Zero) {
		calmar = annualizedReturn.Div(maxDD)
	}

	var expectancy decimal.Decimal
	totalTrades := wins + losses
	if totalTrades > 0 {
		winP := decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(totalTrades)))
		lossP := decimal.NewFromInt(int64(losses)).Div(decimal.NewFromInt(int64(totalTrades)))
		expectancy = winP.Mul(avgWin).Sub(lossP.Mul(avgLoss))
	}

	return &types.PerformanceMetrics{
		TotalReturn:      totalReturn,
		AnnualizedReturn: annualizedReturn,
		SharpeRatio:      sharpe,
		SortinoRatio:     sortino,
		MaxDrawdown:      maxDD,
		WinRate:          winRate,
		ProfitFactor:     profitFactor,
		TotalTrades:      totalTrades,
		WinningTrades:    wins,
		LosingTrades:     losses,
		AvgWin:           avgWin,
		AvgLoss:          avgLoss,
		Expectancy:       expectancy,
		CalmarRatio:      calmar,
	}
}

// sortinoRatio is the Sharpe-ratio analog that penalizes only downside
// deviation.
func sortinoRatio(returns []decimal.Decimal, periodsPerYear int) decimal.Decimal {
	if len(returns) < 2 {
		return decimal.Zero
	}
	mean := utils.CalculateMean(returns)

	var downside []decimal.Decimal
	for _, r := range returns {
		if r.LessThan(decimal.Zero) {
			downside = append(downside, r)
		}
	}
	if len(downside) == 0 {
		return decimal.Zero
	}
	downDev := utils.CalculateStdDev(downside)
	if downDev.IsZero() {
		return decimal.Zero
	}

	annualization := decimal.NewFromFloat(sqrtFloat(float64(periodsPerYear)))
	return mean.Div(downDev).Mul(annualization)
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
