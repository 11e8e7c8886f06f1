package agent

import (
	"time"

	"github.com/atlas-desktop/portfolio-agent/internal/httpapi"
	"github.com/atlas-desktop/portfolio-agent/pkg/types"
)

// Snapshot implements httpapi.SnapshotSource, giving the status server a
// read-only view of the agent's current weights, leverage, equity,
// positions, and last viability grading — all copied under lock so the
// caller can't observe a torn update.
func (a *Agent) Snapshot() httpapi.Snapshot {
	weights := a.manager.Weights()
	floatWeights := make(map[string]float64, len(weights))
	for name, w := range weights {
		f, _ := w.Float64()
		floatWeights[name] = f
	}

	equity, _ := a.manager.TotalEquity().Float64()
	leverage, _ := a.manager.Leverage().Float64()
	vol, _ := a.manager.RealizedVolatility().Float64()

	a.mu.RLock()
	lastRebalance := a.lastRebalanceAt
	viability := make([]types.ViabilityReport, len(a.lastViability))
	copy(viability, a.lastViability)
	positions := make([]types.Position, len(a.lastPositions))
	copy(positions, a.lastPositions)
	a.mu.RUnlock()

	return httpapi.Snapshot{
		Weights:            floatWeights,
		TotalEquity:        equity,
		CurrentLeverage:    leverage,
		RealizedVolatility: vol,
		Positions:          positions,
		ViabilityReports:   viability,
		LastRebalance:      lastRebalance,
		UpdatedAt:          time.Now(),
	}
}
