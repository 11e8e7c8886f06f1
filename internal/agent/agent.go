// Package agent implements the live Portfolio Agent: a single-threaded
// cooperative control loop that flattens residual positions at startup,
// runs a recurring trade tick across every registered strategy with
// per-strategy magic-number attribution, periodically rebalances weights
// from a lookback backtest, and persists its durable state across
// restarts. Grounded on original_source/portfoliolib/agent.py's
// PortfolioAgent, restructured around the teacher's
// internal/orchestrator/orchestrator.go (config shape, mutex-guarded
// state, zap logging) and cmd/server/main.go (signal handling idiom).
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/portfolio-agent/internal/adapter"
	"github.com/atlas-desktop/portfolio-agent/internal/backtest"
	"github.com/atlas-desktop/portfolio-agent/internal/broker"
	"github.com/atlas-desktop/portfolio-agent/internal/httpapi"
	"github.com/atlas-desktop/portfolio-agent/internal/metrics"
	"github.com/atlas-desktop/portfolio-agent/internal/montecarlo"
	"github.com/atlas-desktop/portfolio-agent/internal/portfolio"
	"github.com/atlas-desktop/portfolio-agent/internal/statestore"
	"github.com/atlas-desktop/portfolio-agent/internal/strategy"
	"github.com/atlas-desktop/portfolio-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State is one node of the agent's control-loop state machine.
type State int

const (
	StateStarting State = iota
	StateFlattening
	StateRunning
	StateTradeTick
	StateRebalancing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateFlattening:
		return "FLATTENING"
	case StateRunning:
		return "RUNNING"
	case StateTradeTick:
		return "TRADE_TICK"
	case StateRebalancing:
		return "REBALANCING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Config controls the agent's tick cadence and backtest window, mirroring
// agent.py's constructor arguments.
type Config struct {
	TradeInterval        time.Duration
	RebalanceInterval     time.Duration
	MinRebalanceInterval time.Duration
	LookbackBars          int
	BacktestCapital       decimal.Decimal
	StatePath             string
}

// DefaultConfig returns the same cadence agent.py ships: a 60-second
// trade interval, daily rebalances, and a 5-minute hard floor between
// rebalances.
func DefaultConfig() Config {
	return Config{
		TradeInterval:        60 * time.Second,
		RebalanceInterval:    24 * time.Hour,
		MinRebalanceInterval: 5 * time.Minute,
		LookbackBars:         100,
		BacktestCapital:      decimal.NewFromInt(100000),
		StatePath:            "portfolio_state.json",
	}
}

// FlattenReport summarizes the startup flatten sweep.
type FlattenReport struct {
	Closed   int
	Failed   int
	Residual []types.Ticket
}

// Agent is the top-level control loop: it owns the broker facade, the
// portfolio manager, the registered strategies (in deterministic,
// magic-number-bearing order), and the supporting subsystems that feed a
// rebalance (the backtest driver, the viability checker, and the state
// store).
type Agent struct {
	mu sync.RWMutex

	logger  *zap.Logger
	cfg     Config
	facade  broker.Facade
	manager *portfolio.Manager

	strategies   []strategy.Strategy
	magicNumbers map[string]int32

	driver     *backtest.Driver
	metricsCal *backtest.MetricsCalculator
	viability  *backtest.ViabilityChecker
	montecarlo *montecarlo.Simulator
	store      *statestore.Store
	registry   *metrics.Registry
	statusPush func(httpapi.Snapshot)

	state           State
	lastRebalanceAt *time.Time
	lastViability   []types.ViabilityReport
	lastPositions   []types.Position
	lastFlatten     FlattenReport
	stopCh          chan struct{}
}

// New constructs an Agent. strategies is consumed in the order given —
// that order determines each strategy's magic number (10000 + index) —
// so callers must pass a stable, deterministic slice.
func New(
	logger *zap.Logger,
	cfg Config,
	facade broker.Facade,
	manager *portfolio.Manager,
	strategies []strategy.Strategy,
	driver *backtest.Driver,
	viability *backtest.ViabilityChecker,
	store *statestore.Store,
	registry *metrics.Registry,
) (*Agent, error) {
	if len(strategies) == 0 {
		return nil, fmt.Errorf("agent: at least one strategy is required")
	}

	magics := make(map[string]int32, len(strategies))
	for idx, s := range strategies {
		magics[s.Name()] = 10000 + int32(idx)
	}

	if cfg.TradeInterval <= 0 {
		cfg.TradeInterval = DefaultConfig().TradeInterval
	}
	if cfg.LookbackBars <= 0 {
		cfg.LookbackBars = DefaultConfig().LookbackBars
	}

	return &Agent{
		logger:       logger,
		cfg:          cfg,
		facade:       facade,
		manager:      manager,
		strategies:   strategies,
		magicNumbers: magics,
		driver:       driver,
		metricsCal:   backtest.NewMetricsCalculator(),
		viability:    viability,
		store:        store,
		registry:     registry,
		state:        StateStarting,
	}, nil
}

// SetMonteCarlo attaches a bootstrap simulator that, when set, runs
// against every strategy's lookback return series during a rebalance and
// attaches its result to that strategy's viability report. Left unset,
// rebalances skip the Monte Carlo pass entirely.
func (a *Agent) SetMonteCarlo(sim *montecarlo.Simulator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.montecarlo = sim
}

// SetStatusPush registers a callback invoked with a fresh Snapshot after
// every successful trade and rebalance tick, letting the httpapi server
// broadcast live updates without this package importing it for anything
// beyond the Snapshot type.
func (a *Agent) SetStatusPush(push func(httpapi.Snapshot)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusPush = push
}

// State returns the agent's current control-loop state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// MagicNumber returns the stable magic number assigned to a strategy
// name, and whether that name is registered with this agent.
func (a *Agent) MagicNumber(strategyName string) (int32, bool) {
	m, ok := a.magicNumbers[strategyName]
	return m, ok
}

// LastFlattenReport returns the result of the most recent startup flatten
// sweep, letting an integrator check for residual positions before
// treating Run's return as a clean start.
func (a *Agent) LastFlattenReport() FlattenReport {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastFlatten
}

// allAssets returns the deduplicated, sorted union of every strategy's
// asset universe.
func (a *Agent) allAssets() []string {
	set := make(map[string]struct{})
	for _, s := range a.strategies {
		for _, sym := range s.Assets() {
			set[sym] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Run executes the full agent lifecycle: connect, flatten, load state,
// run an initial trade tick, then loop at 1-second granularity until ctx
// is canceled. It returns nil on a clean shutdown and a non-nil error
// only for the fatal failures the spec calls out — a broker that never
// connects.
func (a *Agent) Run(ctx context.Context) error {
	a.setState(StateStarting)
	if err := a.facade.Connect(ctx); err != nil {
		return fmt.Errorf("agent: failed to connect to broker: %w", err)
	}

	a.setState(StateFlattening)
	report := a.flatten(ctx)
	a.mu.Lock()
	a.lastFlatten = report
	a.mu.Unlock()
	if report.Failed > 0 {
		a.logger.Warn("startup flatten left residual positions",
			zap.Int("closed", report.Closed), zap.Int("failed", report.Failed),
			zap.Int("residual", len(report.Residual)))
	} else {
		a.logger.Info("startup flatten complete", zap.Int("closed", report.Closed))
	}

	a.loadState(ctx)

	a.setState(StateRunning)
	a.logger.Info("agent running initial trade tick")
	if err := a.tradeTick(ctx); err != nil {
		a.logger.Error("initial trade tick failed", zap.Error(err))
	}

	now := time.Now()
	a.mu.Lock()
	a.lastRebalanceAt = &now
	a.mu.Unlock()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastTradeAt := now

	for {
		select {
		case <-ctx.Done():
			a.setState(StateStopping)
			a.logger.Info("agent stopping")
			return nil
		case <-a.stopSignal():
			a.setState(StateStopping)
			a.logger.Info("agent stopped by request")
			return nil
		case now := <-ticker.C:
			if now.Sub(lastTradeAt) < a.cfg.TradeInterval {
				continue
			}
			lastTradeAt = now

			func() {
				defer func() {
					if r := recover(); r != nil {
						a.logger.Error("recovered from panic in tick, continuing", zap.Any("panic", r))
						time.Sleep(30 * time.Second)
					}
				}()
				a.runTick(ctx, now)
			}()
		}
	}
}

// stopSignal returns a channel the Stop method can close to end Run's
// loop without requiring a caller-supplied context cancellation.
func (a *Agent) stopSignal() <-chan struct{} {
	a.mu.Lock()
	if a.stopCh == nil {
		a.stopCh = make(chan struct{})
	}
	ch := a.stopCh
	a.mu.Unlock()
	return ch
}

// Stop requests a graceful shutdown of Run's loop. No forced flatten
// happens here — positions persist, per the spec's STOPPING transition.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopCh == nil {
		a.stopCh = make(chan struct{})
	}
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
}

// runTick decides whether this cycle is a rebalance or a plain trade
// tick and executes it, logging (never propagating) any error — a missed
// tick is preferable to terminating a live session.
func (a *Agent) runTick(ctx context.Context, now time.Time) {
	if a.shouldRebalance(now) {
		committed, err := a.Rebalance(ctx, now)
		if err != nil {
			a.logger.Error("rebalance tick failed", zap.Error(err))
		}
		if committed {
			return
		}
	}

	if err := a.tradeTick(ctx); err != nil {
		a.logger.Error("trade tick failed", zap.Error(err))
	}
}

func (a *Agent) shouldRebalance(now time.Time) bool {
	a.mu.RLock()
	last := a.lastRebalanceAt
	a.mu.RUnlock()

	if last == nil {
		return true
	}
	if now.Before(last.Add(a.cfg.MinRebalanceInterval)) {
		return false
	}
	return !now.Before(last.Add(a.cfg.RebalanceInterval))
}

// flatten enumerates every open ticket on the account, regardless of
// magic number, and closes each one individually, trying each filling
// mode in turn. It never hard-fails on residual positions.
func (a *Agent) flatten(ctx context.Context) FlattenReport {
	tickets, err := a.facade.AllPositions(ctx)
	if err != nil {
		a.logger.Error("failed to enumerate positions for startup flatten", zap.Error(err))
		return FlattenReport{}
	}

	modes := []broker.FillingMode{broker.FillingReturn, broker.FillingIOC, broker.FillingFOK}
	report := FlattenReport{}
	for _, t := range tickets {
		if err := a.facade.ClosePosition(ctx, t.Ticket, modes); err != nil {
			a.logger.Warn("failed to close residual position",
				zap.Int64("ticket", t.Ticket), zap.String("symbol", t.Symbol), zap.Error(err))
			report.Failed++
			report.Residual = append(report.Residual, t)
			continue
		}
		report.Closed++
	}
	return report
}

// loadState restores the persisted weights and last-rebalance time if a
// state file exists, then always refreshes total equity from the live
// account. The persisted equity, leverage and volatility are not applied.
func (a *Agent) loadState(ctx context.Context) {
	rec, ok, err := a.store.Load()
	if err != nil {
		a.logger.Warn("failed to parse persisted state, using defaults", zap.Error(err))
	} else if ok {
		if err := a.manager.RebalanceWeights(rec.Weights); err != nil {
			a.logger.Warn("persisted weights rejected, keeping defaults", zap.Error(err))
		}
		a.mu.Lock()
		a.lastRebalanceAt = rec.LastRebalance
		a.mu.Unlock()
		a.logger.Info("restored persisted state", zap.Time("lastRebalance", derefTime(rec.LastRebalance)))
	} else {
		a.logger.Info("no persisted state found, starting fresh")
	}

	info, err := a.facade.AccountInfo(ctx)
	if err != nil {
		a.logger.Warn("failed to refresh equity from account", zap.Error(err))
		return
	}
	a.manager.SetTotalEquity(info.Equity)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// saveState writes the manager's current weights/equity/leverage to disk
// atomically. Failures are logged and otherwise ignored — the in-memory
// state remains authoritative, per the spec's persistence-failure policy.
func (a *Agent) saveState(now time.Time) {
	rec := statestore.Record{
		Weights:            a.manager.Weights(),
		LastRebalance:      &now,
		TotalEquity:        a.manager.TotalEquity(),
		CurrentLeverage:    a.manager.Leverage(),
		RealizedVolatility: a.manager.RealizedVolatility(),
		UpdatedAt:          now,
	}
	if err := a.store.Save(rec); err != nil {
		a.logger.Warn("failed to persist state", zap.Error(err))
	}
}

// priceAndStepSources builds adapter.PriceSource/LotStepSource closures
// backed by the broker facade for the current tick.
func (a *Agent) priceAndStepSources(ctx context.Context) (adapter.PriceSource, adapter.LotStepSource) {
	price := func(symbol string) (decimal.Decimal, bool) {
		return a.facade.GetLastPrice(ctx, symbol)
	}
	step := func(symbol string) decimal.Decimal {
		return a.facade.GetVolumeStep(ctx, symbol)
	}
	return price, step
}
