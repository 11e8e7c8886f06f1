// Package utils provides utility functions shared across the portfolio
// orchestrator: ID generation, decimal statistics, and rolling indicators.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GenerateID generates a unique ID with optional prefix.
func GenerateID(prefix string) string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	id := hex.EncodeToString(bytes)
	if prefix != "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return id
}

// FormatSymbol normalizes a trading symbol: trims whitespace and
// uppercases it.
func FormatSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// RoundToDecimalPlaces rounds a decimal to specified places.
func RoundToDecimalPlaces(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

// RoundToStepSize rounds a quantity down to the nearest step size. A
// non-positive step is treated as "no lot constraint" and returns the
// value unrounded.
func RoundToStepSize(qty, stepSize decimal.Decimal) decimal.Decimal {
	if stepSize.LessThanOrEqual(decimal.Zero) {
		return qty
	}
	return qty.Div(stepSize).Floor().Mul(stepSize)
}

// CalculateMean calculates the mean of decimal values.
func CalculateMean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}

	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}

	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

// CalculateStdDev calculates the sample standard deviation of decimal
// values. The sqrt itself is done in float64 at this statistical
// boundary; everything upstream and downstream of it stays decimal.
func CalculateStdDev(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}

	mean := CalculateMean(values)

	sumSquares := decimal.Zero
	for _, v := range values {
		diff := v.Sub(mean)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}

	variance := sumSquares.Div(decimal.NewFromInt(int64(len(values) - 1)))
	return decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))
}

// CalculateSharpeRatio calculates the annualized Sharpe ratio of a return
// series.
func CalculateSharpeRatio(returns []decimal.Decimal, riskFreeRate decimal.Decimal, periodsPerYear int) decimal.Decimal {
	if len(returns) < 2 {
		return decimal.Zero
	}

	meanReturn := CalculateMean(returns)
	stdDev := CalculateStdDev(returns)

	if stdDev.IsZero() {
		return decimal.Zero
	}

	annualizationFactor := decimal.NewFromFloat(math.Sqrt(float64(periodsPerYear)))
	excessReturn := meanReturn.Sub(riskFreeRate.Div(decimal.NewFromInt(int64(periodsPerYear))))

	return excessReturn.Div(stdDev).Mul(annualizationFactor)
}

// CalculateMaxDrawdown calculates maximum drawdown from an equity curve.
func CalculateMaxDrawdown(equity []decimal.Decimal) decimal.Decimal {
	if len(equity) < 2 {
		return decimal.Zero
	}

	maxDrawdown := decimal.Zero
	peak := equity[0]

	for _, value := range equity {
		if value.GreaterThan(peak) {
			peak = value
		}
		if peak.IsZero() {
			continue
		}
		drawdown := peak.Sub(value).Div(peak)
		if drawdown.GreaterThan(maxDrawdown) {
			maxDrawdown = drawdown
		}
	}

	return maxDrawdown
}

// CalculateWinRate calculates win rate from PnL values.
func CalculateWinRate(pnls []decimal.Decimal) decimal.Decimal {
	if len(pnls) == 0 {
		return decimal.Zero
	}

	wins := 0
	for _, pnl := range pnls {
		if pnl.GreaterThan(decimal.Zero) {
			wins++
		}
	}

	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(pnls))))
}

// CalculateProfitFactor calculates profit factor (gross profit / gross loss).
func CalculateProfitFactor(pnls []decimal.Decimal) decimal.Decimal {
	grossProfit := decimal.Zero
	grossLoss := decimal.Zero

	for _, pnl := range pnls {
		if pnl.GreaterThan(decimal.Zero) {
			grossProfit = grossProfit.Add(pnl)
		} else {
			grossLoss = grossLoss.Add(pnl.Abs())
		}
	}

	if grossLoss.IsZero() {
		return decimal.NewFromInt(100) // capped, not infinite
	}

	return grossProfit.Div(grossLoss)
}

// TimeRange represents a time range.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Duration returns the duration of the time range.
func (tr TimeRange) Duration() time.Duration {
	return tr.End.Sub(tr.Start)
}

// Contains checks if a time is within the range.
func (tr TimeRange) Contains(t time.Time) bool {
	return (t.Equal(tr.Start) || t.After(tr.Start)) && (t.Equal(tr.End) || t.Before(tr.End))
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// FormatMoney formats a decimal as a two-decimal-place currency amount.
func FormatMoney(d decimal.Decimal, currency string) string {
	switch strings.ToUpper(currency) {
	case "USD":
		return "$" + d.StringFixed(2)
	case "GBP":
		return "£" + d.StringFixed(2)
	case "EUR":
		return "€" + d.StringFixed(2)
	default:
		return d.StringFixed(2) + " " + currency
	}
}

// MinDecimal returns the minimum of two decimals.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the maximum of two decimals.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// ClampDecimal clamps a value between min and max, the leverage-factor
// clamp the portfolio manager applies against MaxLeverage.
func ClampDecimal(value, min, max decimal.Decimal) decimal.Decimal {
	if value.LessThan(min) {
		return min
	}
	if value.GreaterThan(max) {
		return max
	}
	return value
}

// RetryConfig contains retry configuration.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// Retry retries a function with exponential backoff.
func Retry[T any](config RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	var err error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}

		if attempt == config.MaxAttempts {
			break
		}

		time.Sleep(delay)
		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return result, fmt.Errorf("after %d attempts: %w", config.MaxAttempts, err)
}

// EMA calculates exponential moving average.
type EMA struct {
	period     int
	multiplier decimal.Decimal
	current    decimal.Decimal
	count      int
}

// NewEMA creates a new EMA calculator.
func NewEMA(period int) *EMA {
	mult := decimal.NewFromFloat(2.0 / float64(period+1))
	return &EMA{
		period:     period,
		multiplier: mult,
	}
}

// Add adds a value and returns the current EMA.
func (e *EMA) Add(value decimal.Decimal) decimal.Decimal {
	e.count++

	if e.count == 1 {
		e.current = value
		return e.current
	}

	e.current = value.Sub(e.current).Mul(e.multiplier).Add(e.current)
	return e.current
}

// Current returns the current EMA value.
func (e *EMA) Current() decimal.Decimal {
	return e.current
}

// SMA calculates simple moving average.
type SMA struct {
	period int
	values []decimal.Decimal
	sum    decimal.Decimal
}

// NewSMA creates a new SMA calculator.
func NewSMA(period int) *SMA {
	return &SMA{
		period: period,
		values: make([]decimal.Decimal, 0, period),
	}
}

// Add adds a value and returns the current SMA.
func (s *SMA) Add(value decimal.Decimal) decimal.Decimal {
	s.values = append(s.values, value)
	s.sum = s.sum.Add(value)

	if len(s.values) > s.period {
		s.sum = s.sum.Sub(s.values[0])
		s.values = s.values[1:]
	}

	return s.sum.Div(decimal.NewFromInt(int64(len(s.values))))
}

// Current returns the current SMA value.
func (s *SMA) Current() decimal.Decimal {
	if len(s.values) == 0 {
		return decimal.Zero
	}
	return s.sum.Div(decimal.NewFromInt(int64(len(s.values))))
}
