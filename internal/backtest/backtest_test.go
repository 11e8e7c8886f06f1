package backtest_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/portfolio-agent/internal/backtest"
	"github.com/atlas-desktop/portfolio-agent/internal/strategy"
	"github.com/atlas-desktop/portfolio-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func risingBars(n int, start float64, dailyStep float64) []types.OHLCV {
	bars := make([]types.OHLCV, n)
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	price := start
	for i := 0; i < n; i++ {
		price += dailyStep
		d := decimal.NewFromFloat(price)
		bars[i] = types.OHLCV{Timestamp: ts.AddDate(0, 0, i), Open: d, High: d, Low: d, Close: d, Volume: decimal.NewFromInt(1000)}
	}
	return bars
}

func TestDriverProducesEquityCurve(t *testing.T) {
	s := strategy.NewBuyAndHoldStrategy(zap.NewNop())
	symbol := s.Assets()[0]
	bars := map[string][]types.OHLCV{symbol: risingBars(60, 100, 0.5)}

	d := backtest.NewDriver(nil)
	result, err := d.Run(context.Background(), s, bars, decimal.NewFromInt(100000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.EquityCurve) == 0 {
		t.Fatal("expected a non-empty equity curve")
	}
	last := result.EquityCurve[len(result.EquityCurve)-1].Equity
	if !last.GreaterThan(decimal.NewFromInt(100000)) {
		t.Fatalf("expected buy-and-hold on a rising series to show a gain, final equity %s", last)
	}
}

func TestDriverErrorsOnInsufficientHistory(t *testing.T) {
	s := strategy.NewBuyAndHoldStrategy(zap.NewNop())
	symbol := s.Assets()[0]
	bars := map[string][]types.OHLCV{symbol: risingBars(5, 100, 0.5)}

	d := backtest.NewDriver(nil)
	_, err := d.Run(context.Background(), s, bars, decimal.NewFromInt(100000))
	if err == nil {
		t.Fatal("expected error with fewer bars than the prestart floor requires")
	}
}

func TestMetricsCalculatorOnFlatCurveHasZeroedStats(t *testing.T) {
	curve := make([]types.EquityCurvePoint, 10)
	ts := time.Now()
	for i := range curve {
		curve[i] = types.EquityCurvePoint{Timestamp: ts.AddDate(0, 0, i), Equity: decimal.NewFromInt(100000), Return: decimal.Zero}
	}
	m := backtest.NewMetricsCalculator().Calculate(curve)
	if !m.TotalReturn.IsZero() {
		t.Fatalf("expected zero total return on a flat curve, got %s", m.TotalReturn)
	}
	if !m.MaxDrawdown.IsZero() {
		t.Fatalf("expected zero drawdown on a flat curve, got %s", m.MaxDrawdown)
	}
}

func TestViabilityCheckerGradesCleanlyPassingMetrics(t *testing.T) {
	checker := backtest.NewViabilityChecker(backtest.DefaultViabilityThresholds())
	m := &types.PerformanceMetrics{
		SharpeRatio:  decimal.NewFromFloat(1.5),
		MaxDrawdown:  decimal.NewFromFloat(0.1),
		ProfitFactor: decimal.NewFromFloat(1.8),
		WinRate:      decimal.NewFromFloat(0.55),
		TotalTrades:  20,
	}
	report := checker.Grade("momentum", m)
	if !report.Viable || report.Grade != types.GradeA {
		t.Fatalf("expected a clean pass to grade A and viable, got %+v", report)
	}
}

func TestViabilityCheckerFlagsThinHistory(t *testing.T) {
	checker := backtest.NewViabilityChecker(backtest.DefaultViabilityThresholds())
	m := &types.PerformanceMetrics{
		SharpeRatio:  decimal.NewFromFloat(0.1),
		MaxDrawdown:  decimal.NewFromFloat(0.5),
		ProfitFactor: decimal.NewFromFloat(0.8),
		WinRate:      decimal.NewFromFloat(0.2),
		TotalTrades:  2,
	}
	report := checker.Grade("thin", m)
	if report.Viable {
		t.Fatal("expected a strategy failing every threshold to be non-viable")
	}
	if report.Grade != types.GradeF {
		t.Fatalf("expected grade F, got %s", report.Grade)
	}
}
