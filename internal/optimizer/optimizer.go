// Package optimizer computes portfolio weights from historical strategy
// return series: either naive equal-weighting or a Sharpe-maximizing
// search over the weight simplex.
package optimizer

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Optimizer turns aligned per-strategy return series into a weight map
// summing to 1. Implementations must be deterministic given the same
// input.
type Optimizer interface {
	Name() string
	CalculateWeights(returns map[string][]decimal.Decimal) (map[string]decimal.Decimal, error)
}

// sortedNames returns the return map's keys in a stable order so floating
// point summation order, and therefore output, never depends on Go's
// randomized map iteration.
func sortedNames(returns map[string][]decimal.Decimal) []string {
	names := make([]string, 0, len(returns))
	for name := range returns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EqualWeightOptimizer assigns 1/N to every strategy, grounded on
// optimizers.py's EqualWeightOptimizer.calculate_weights.
type EqualWeightOptimizer struct{}

// NewEqualWeightOptimizer creates an equal-weight optimizer.
func NewEqualWeightOptimizer() *EqualWeightOptimizer { return &EqualWeightOptimizer{} }

func (o *EqualWeightOptimizer) Name() string { return "equal_weight" }

func (o *EqualWeightOptimizer) CalculateWeights(returns map[string][]decimal.Decimal) (map[string]decimal.Decimal, error) {
	names := sortedNames(returns)
	if len(names) == 0 {
		return nil, fmt.Errorf("optimizer: no strategies to weight")
	}

	weight := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(names))))
	out := make(map[string]decimal.Decimal, len(names))
	for _, name := range names {
		out[name] = weight
	}
	return out, nil
}

// SharpeOptimizer searches the weight simplex for the allocation that
// maximizes the portfolio's annualized Sharpe ratio. No constrained
// nonlinear solver exists anywhere in this module's dependency set, so
// the search is a small pure-Go projected-gradient ascent: the same
// hand-rolled-search posture this codebase already takes for every other
// optimization method it offers.
type SharpeOptimizer struct {
	logger         *zap.Logger
	riskFreeRate   float64
	periodsPerYear float64
	iterations     int
	learningRate   float64
}

// NewSharpeOptimizer creates a Sharpe-maximizing optimizer.
// riskFreeRate and periodsPerYear follow optimizers.py's SharpeOptimizer
// defaults (0.0, 252 trading days).
func NewSharpeOptimizer(logger *zap.Logger, riskFreeRate decimal.Decimal) *SharpeOptimizer {
	return &SharpeOptimizer{
		logger:         logger,
		riskFreeRate:   riskFreeRate.InexactFloat64(),
		periodsPerYear: 252,
		iterations:     500,
		learningRate:   0.05,
	}
}

func (o *SharpeOptimizer) Name() string { return "sharpe" }

func (o *SharpeOptimizer) CalculateWeights(returns map[string][]decimal.Decimal) (map[string]decimal.Decimal, error) {
	names := sortedNames(returns)
	n := len(names)
	if n == 0 {
		return nil, fmt.Errorf("optimizer: no strategies to weight")
	}
	if n == 1 {
		return map[string]decimal.Decimal{names[0]: decimal.NewFromInt(1)}, nil
	}

	periods := len(returns[names[0]])
	for _, name := range names {
		if len(returns[name]) != periods {
			return nil, fmt.Errorf("optimizer: return series for %q has length %d, want %d", name, len(returns[name]), periods)
		}
	}
	if periods < 2 {
		return nil, fmt.Errorf("optimizer: need at least 2 return observations, got %d", periods)
	}

	// Statistics are computed in float64 at this boundary only; every
	// weight that leaves this function is converted back to decimal.
	matrix := make([][]float64, n)
	for i, name := range names {
		series := make([]float64, periods)
		for t, r := range returns[name] {
			series[t] = r.InexactFloat64()
		}
		matrix[i] = series
	}

	mean := make([]float64, n)
	for i := range matrix {
		mean[i] = average(matrix[i])
	}

	cov := covarianceMatrix(matrix, mean)

	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1.0 / float64(n)
	}

	best := append([]float64(nil), weights...)
	bestSharpe := sharpeRatio(weights, mean, cov, o.riskFreeRate, o.periodsPerYear)

	for iter := 0; iter < o.iterations; iter++ {
		grad := sharpeGradient(weights, mean, cov, o.riskFreeRate, o.periodsPerYear)
		for i := range weights {
			weights[i] += o.learningRate * grad[i]
		}
		weights = projectToSimplex(weights)

		if s := sharpeRatio(weights, mean, cov, o.riskFreeRate, o.periodsPerYear); s > bestSharpe {
			bestSharpe = s
			best = append(best[:0], weights...)
		}
	}

	out := make(map[string]decimal.Decimal, n)
	sum := decimal.Zero
	for i, name := range names {
		w := decimal.NewFromFloat(best[i]).Round(8)
		if w.IsNegative() {
			w = decimal.Zero
		}
		out[name] = w
		sum = sum.Add(w)
	}
	if sum.IsZero() {
		return NewEqualWeightOptimizer().CalculateWeights(returns)
	}
	for name, w := range out {
		out[name] = w.Div(sum)
	}
	return out, nil
}

func average(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func covarianceMatrix(series [][]float64, mean []float64) [][]float64 {
	n := len(series)
	periods := len(series[0])
	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sum := 0.0
			for t := 0; t < periods; t++ {
				sum += (series[i][t] - mean[i]) * (series[j][t] - mean[j])
			}
			c := sum / float64(periods-1)
			cov[i][j] = c
			cov[j][i] = c
		}
	}
	return cov
}

// portfolioStats mirrors optimizers.py's _calculate_portfolio_performance:
// annualized return = sum(mean*w)*periodsPerYear, annualized vol =
// sqrt(w^T*cov*w)*sqrt(periodsPerYear).
func portfolioStats(weights, mean []float64, cov [][]float64, periodsPerYear float64) (annReturn, annVol float64) {
	portReturn := 0.0
	for i, w := range weights {
		portReturn += mean[i] * w
	}
	annReturn = portReturn * periodsPerYear

	variance := 0.0
	for i := range weights {
		for j := range weights {
			variance += weights[i] * cov[i][j] * weights[j]
		}
	}
	if variance < 0 {
		variance = 0
	}
	annVol = math.Sqrt(variance) * math.Sqrt(periodsPerYear)
	return
}

func sharpeRatio(weights, mean []float64, cov [][]float64, riskFreeRate, periodsPerYear float64) float64 {
	annReturn, annVol := portfolioStats(weights, mean, cov, periodsPerYear)
	if annVol == 0 {
		return 0
	}
	return (annReturn - riskFreeRate) / annVol
}

// sharpeGradient is a centered finite-difference gradient of the Sharpe
// ratio with respect to each weight. A closed-form gradient would need
// the same ∂(mean,var)/∂w terms; finite differences keep this readable
// and small-n (a handful of strategies) makes the cost negligible.
func sharpeGradient(weights, mean []float64, cov [][]float64, riskFreeRate, periodsPerYear float64) []float64 {
	const eps = 1e-5
	grad := make([]float64, len(weights))
	for i := range weights {
		up := append([]float64(nil), weights...)
		down := append([]float64(nil), weights...)
		up[i] += eps
		down[i] -= eps
		grad[i] = (sharpeRatio(up, mean, cov, riskFreeRate, periodsPerYear) -
			sharpeRatio(down, mean, cov, riskFreeRate, periodsPerYear)) / (2 * eps)
	}
	return grad
}

// projectToSimplex projects a weight vector onto {w : w>=0, sum(w)=1},
// following the standard sort-and-threshold simplex projection.
func projectToSimplex(v []float64) []float64 {
	n := len(v)
	u := append([]float64(nil), v...)
	sort.Sort(sort.Reverse(sort.Float64Slice(u)))

	cumsum := 0.0
	rho := 0
	for i := 0; i < n; i++ {
		cumsum += u[i]
		if u[i]-(cumsum-1)/float64(i+1) > 0 {
			rho = i
		}
	}

	cumsumRho := 0.0
	for i := 0; i <= rho; i++ {
		cumsumRho += u[i]
	}
	theta := (cumsumRho - 1) / float64(rho+1)

	out := make([]float64, n)
	for i, x := range v {
		out[i] = math.Max(x-theta, 0)
	}
	return out
}
