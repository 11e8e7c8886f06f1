package backtest

import (
	"github.com/atlas-desktop/portfolio-agent/pkg/types"
	"github.com/shopspring/decimal"
)

// ViabilityThresholds are the minimum bars a strategy's backtested
// curve must clear to be graded viable, grounded on the teacher's
// internal/backtester/viability.go and supplemented by
// original_source/portfoliolib's informal viability notions.
type ViabilityThresholds struct {
	MinSharpeRatio  decimal.Decimal
	MaxDrawdown     decimal.Decimal
	MinProfitFactor decimal.Decimal
	MinWinRate      decimal.Decimal
	MinTrades       int
}

// DefaultViabilityThresholds returns a conservative, generally applicable
// threshold set.
func DefaultViabilityThresholds() ViabilityThresholds {
	return ViabilityThresholds{
		MinSharpeRatio:  decimal.NewFromFloat(0.5),
		MaxDrawdown:     decimal.NewFromFloat(0.30),
		MinProfitFactor: decimal.NewFromFloat(1.1),
		MinWinRate:      decimal.NewFromFloat(0.35),
		MinTrades:       5,
	}
}

// ViabilityChecker grades a strategy's backtested metrics A through F
// and decides whether it is admitted to the optimizer's next run.
type ViabilityChecker struct {
	thresholds ViabilityThresholds
}

// NewViabilityChecker creates a checker with the given thresholds.
func NewViabilityChecker(thresholds ViabilityThresholds) *ViabilityChecker {
	return &ViabilityChecker{thresholds: thresholds}
}

// Grade evaluates a strategy's metrics against the configured
// thresholds and returns a full report.
func (c *ViabilityChecker) Grade(strategyName string, m *types.PerformanceMetrics) types.ViabilityReport {
	var issues []string

	if m.SharpeRatio.LessThan(c.thresholds.MinSharpeRatio) {
		issues = append(issues, "sharpe ratio below minimum")
	}
	if m.MaxDrawdown.GreaterThan(c.thresholds.MaxDrawdown) {
		issues = append(issues, "max drawdown exceeds limit")
	}
	if m.ProfitFactor.LessThan(c.thresholds.MinProfitFactor) {
		issues = append(issues, "profit factor below minimum")
	}
	if m.WinRate.LessThan(c.thresholds.MinWinRate) {
		issues = append(issues, "win rate below minimum")
	}
	if m.TotalTrades < c.thresholds.MinTrades {
		issues = append(issues, "insufficient trade count")
	}

	grade := gradeFromIssues(len(issues))
	return types.ViabilityReport{
		Strategy: strategyName,
		Grade:    grade,
		Viable:   len(issues) == 0,
		Issues:   issues,
		Sharpe:   m.SharpeRatio,
		MaxDD:    m.MaxDrawdown,
	}
}

func gradeFromIssues(n int) types.ViabilityGrade {
	switch {
	case n == 0:
		return types.GradeA
	case n == 1:
		return types.GradeB
	case n == 2:
		return types.GradeC
	case n == 3:
		return types.GradeD
	default:
		return types.GradeF
	}
}
