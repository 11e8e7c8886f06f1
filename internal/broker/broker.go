// Package broker defines the façade the agent and backtest driver trade
// against, plus an in-memory SimulatedBroker implementation used for
// local development, tests, and the lookback backtester.
package broker

import (
	"context"
	"time"

	"github.com/atlas-desktop/portfolio-agent/pkg/types"
	"github.com/shopspring/decimal"
)

// FillingMode is the order-filling mode to try, mirroring the
// historical ORDER_FILLING_RETURN/IOC/FOK fallback sequence
// agent.py's _close_all_positions walks through ticket-by-ticket.
type FillingMode int

const (
	FillingReturn FillingMode = iota
	FillingIOC
	FillingFOK
)

// Facade is the abstract broker contract the live agent and the
// backtest driver both trade against. A real integration (MT5, a
// brokerage REST API, ...) and SimulatedBroker both implement it, so
// the agent's control loop never depends on which one is wired in.
type Facade interface {
	// Connect establishes the broker session.
	Connect(ctx context.Context) error

	// AccountInfo returns the current account snapshot.
	AccountInfo(ctx context.Context) (types.AccountInfo, error)

	// IsMarketOpen reports whether the given symbol can currently trade.
	IsMarketOpen(ctx context.Context, symbol string) (bool, error)

	// GetBars returns the most recent `count` bars for symbol.
	GetBars(ctx context.Context, symbol string, count int) ([]types.OHLCV, error)

	// GetMultiBars returns the most recent `count` bars for each symbol
	// in one call, deduplicating concurrent requests for the same symbol.
	GetMultiBars(ctx context.Context, symbols []string, count int) (map[string][]types.OHLCV, error)

	// GetLastPrice returns the latest tradable price for symbol.
	GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool)

	// GetVolumeStep returns the minimum order-size increment for symbol.
	GetVolumeStep(ctx context.Context, symbol string) decimal.Decimal

	// PositionsByMagic returns every open ticket carrying the given
	// magic number.
	PositionsByMagic(ctx context.Context, magic int32) ([]types.Ticket, error)

	// AllPositions returns every open ticket regardless of magic number,
	// used by the startup flatten sweep.
	AllPositions(ctx context.Context) ([]types.Ticket, error)

	// SendOrder submits an order and returns the resulting ticket ID.
	// filling is advisory — implementations that don't distinguish
	// filling modes may ignore it.
	SendOrder(ctx context.Context, order types.Order, filling FillingMode) (int64, error)

	// ClosePosition closes a single ticket, trying filling in order
	// until one succeeds or a non-retryable error is returned.
	ClosePosition(ctx context.Context, ticket int64, filling []FillingMode) error

	// SetInBacktest toggles the broker's backtest-mode hazard flag. While
	// true, SendOrder/ClosePosition operate against the simulated ledger
	// (or are rejected, for a live façade) rather than the real account.
	SetInBacktest(inBacktest bool)

	// InBacktest reports the current hazard-flag state.
	InBacktest() bool
}

// ErrMarketClosed is returned by SendOrder when the target market is
// closed.
type ErrMarketClosed struct {
	Symbol string
}

func (e *ErrMarketClosed) Error() string {
	return "broker: market closed for " + e.Symbol
}

// settleDelay is the pause agent.py's _rebalance enforces between
// resetting the backtest hazard flag and placing the first live order.
const settleDelay = 500 * time.Millisecond

// SettleDelay returns the mandated pause after leaving backtest mode,
// before any live order may be placed.
func SettleDelay() time.Duration { return settleDelay }
