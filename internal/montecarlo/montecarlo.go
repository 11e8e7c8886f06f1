// Package montecarlo bootstrap-resamples a strategy's backtested return
// series to estimate the robustness of its performance — supplemental
// validation beyond a single historical path, grounded on the teacher's
// internal/backtester/montecarlo.go.
package montecarlo

import (
	"math"
	"sort"

	"github.com/atlas-desktop/portfolio-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Simulator runs bootstrap resampling over a return series.
type Simulator struct {
	logger     *zap.Logger
	iterations int
	rng        func() float64
}

// NewSimulator creates a Monte Carlo simulator. rng must return a value
// in [0,1); production callers pass a math/rand-backed generator, tests
// pass a deterministic sequence.
func NewSimulator(logger *zap.Logger, iterations int, rng func() float64) *Simulator {
	if iterations <= 0 {
		iterations = 1000
	}
	return &Simulator{logger: logger, iterations: iterations, rng: rng}
}

// Run bootstrap-resamples returns (sampling with replacement) to build a
// distribution of cumulative outcomes, reporting the median/P5/P95
// cumulative return, the probability of ruin (equity drawing down to half
// its starting value), and the P95 max drawdown across simulated paths.
func (s *Simulator) Run(returns []decimal.Decimal) *types.MonteCarloResult {
	if len(returns) == 0 {
		return &types.MonteCarloResult{Iterations: s.iterations}
	}

	floats := make([]float64, len(returns))
	for i, r := range returns {
		floats[i] = r.InexactFloat64()
	}

	finalReturns := make([]float64, s.iterations)
	maxDrawdowns := make([]float64, s.iterations)
	ruinCount := 0

	for iter := 0; iter < s.iterations; iter++ {
		totalReturn, maxDD, ruined := s.simulatePath(floats)
		finalReturns[iter] = totalReturn
		maxDrawdowns[iter] = maxDD
		if ruined {
			ruinCount++
		}
	}

	sort.Float64s(finalReturns)
	sort.Float64s(maxDrawdowns)

	result := &types.MonteCarloResult{
		Iterations:      s.iterations,
		MedianReturn:    decimal.NewFromFloat(percentile(finalReturns, 0.5)),
		P5Return:        decimal.NewFromFloat(percentile(finalReturns, 0.05)),
		P95Return:       decimal.NewFromFloat(percentile(finalReturns, 0.95)),
		ProbabilityRuin: decimal.NewFromFloat(float64(ruinCount) / float64(s.iterations)),
		MaxDrawdownP95:  decimal.NewFromFloat(percentile(maxDrawdowns, 0.95)),
	}

	if s.logger != nil {
		s.logger.Info("monte carlo simulation complete",
			zap.Int("iterations", s.iterations),
			zap.String("medianReturn", result.MedianReturn.String()),
			zap.String("probabilityRuin", result.ProbabilityRuin.String()))
	}

	return result
}

// ruinThreshold is the fraction of starting equity a simulated path must
// retain to avoid being counted as ruined, matching the teacher's
// backtester Monte Carlo simulator's 50%-of-starting-equity convention.
const ruinThreshold = 0.5

// simulatePath resamples len(returns) observations with replacement and
// compounds them into one synthetic equity path.
func (s *Simulator) simulatePath(returns []float64) (totalReturn, maxDrawdown float64, ruined bool) {
	equity := 1.0
	peak := 1.0

	for i := 0; i < len(returns); i++ {
		idx := int(s.rng() * float64(len(returns)))
		if idx >= len(returns) {
			idx = len(returns) - 1
		}
		equity *= 1 + returns[idx]
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak
			if dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
		if equity <= ruinThreshold {
			ruined = true
			totalReturn = equity - 1
			return
		}
	}

	totalReturn = equity - 1
	return
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Round(p * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
