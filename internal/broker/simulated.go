package broker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/portfolio-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SlippageModel adjusts a fill price away from the quoted price,
// adapted from the teacher's backtester slippage model onto
// SimulatedBroker fills instead of its crypto backtest engine. barVolume
// is the most recent bar's traded volume for the order's symbol, zero if
// none is available yet.
type SlippageModel interface {
	Apply(side types.OrderSide, quoted decimal.Decimal, quantity decimal.Decimal, barVolume decimal.Decimal) decimal.Decimal
}

// FixedSlippage applies a constant fractional slippage against the
// trade direction (buys fill higher, sells fill lower).
type FixedSlippage struct {
	Fraction decimal.Decimal
}

func (s FixedSlippage) Apply(side types.OrderSide, quoted decimal.Decimal, _ decimal.Decimal, _ decimal.Decimal) decimal.Decimal {
	adj := quoted.Mul(s.Fraction)
	if side == types.OrderSideBuy {
		return quoted.Add(adj)
	}
	return quoted.Sub(adj)
}

// NoSlippage is a SlippageModel that returns the quoted price unchanged.
type NoSlippage struct{}

func (NoSlippage) Apply(_ types.OrderSide, quoted decimal.Decimal, _ decimal.Decimal, _ decimal.Decimal) decimal.Decimal {
	return quoted
}

// VolumeWeightedSlippage scales slippage by the order's participation rate
// against the bar's traded volume using a square-root market-impact curve,
// adapted from the teacher's backtester VolumeWeightedSlippage model.
type VolumeWeightedSlippage struct {
	BaseFraction decimal.Decimal
	ImpactFactor decimal.Decimal
}

func (s VolumeWeightedSlippage) Apply(side types.OrderSide, quoted decimal.Decimal, quantity decimal.Decimal, barVolume decimal.Decimal) decimal.Decimal {
	frac := s.BaseFraction
	if !barVolume.IsZero() {
		participation := quantity.Div(barVolume)
		p, _ := participation.Float64()
		impact := s.ImpactFactor.Mul(decimal.NewFromFloat(math.Sqrt(p)))
		frac = frac.Add(impact)
	}
	adj := quoted.Mul(frac)
	if side == types.OrderSideBuy {
		return quoted.Add(adj)
	}
	return quoted.Sub(adj)
}

type symbolSeed struct {
	startPrice decimal.Decimal
	drift      float64
	volatility float64
}

// SimulatedBroker is an in-memory Facade implementation: it generates
// deterministic synthetic bars per symbol, maintains a ticket ledger
// keyed by magic number, and applies a pluggable slippage model to
// fills. Grounded on the teacher's internal/backtester/portfolio.go
// (mutex-guarded cash/position bookkeeping) and internal/data/store.go
// (sample-data generation fallback).
type SimulatedBroker struct {
	mu sync.Mutex

	logger    *zap.Logger
	slippage  SlippageModel
	clock     func() time.Time
	seeds     map[string]symbolSeed
	volStep   map[string]decimal.Decimal
	bars      map[string][]types.OHLCV
	lastPrice map[string]decimal.Decimal
	tickets   map[int64]types.Ticket
	nextTicket int64
	equity     decimal.Decimal
	balance    decimal.Decimal
	inBacktest bool
	marketOpen bool

	fetchGroup singleflight.Group
}

// NewSimulatedBroker constructs a simulated broker seeded with one
// deterministic price series per symbol.
func NewSimulatedBroker(logger *zap.Logger, initialEquity decimal.Decimal, slippage SlippageModel) *SimulatedBroker {
	if slippage == nil {
		slippage = NoSlippage{}
	}
	return &SimulatedBroker{
		logger:     logger,
		slippage:   slippage,
		clock:      time.Now,
		seeds:      make(map[string]symbolSeed),
		volStep:    make(map[string]decimal.Decimal),
		bars:       make(map[string][]types.OHLCV),
		lastPrice:  make(map[string]decimal.Decimal),
		tickets:    make(map[int64]types.Ticket),
		nextTicket: 1,
		equity:     initialEquity,
		balance:    initialEquity,
		marketOpen: true,
	}
}

// Seed configures a symbol's synthetic price-series generator: starting
// price, daily drift, and daily volatility (as fractions), plus its
// minimum order-size lot step. Must be called before the first GetBars
// call for that symbol.
func (b *SimulatedBroker) Seed(symbol string, startPrice decimal.Decimal, drift, volatility float64, volumeStep decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seeds[symbol] = symbolSeed{startPrice: startPrice, drift: drift, volatility: volatility}
	b.volStep[symbol] = volumeStep
}

// SetMarketOpen overrides the simulated market-open state, used by tests
// exercising closed-market behavior.
func (b *SimulatedBroker) SetMarketOpen(open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marketOpen = open
}

func (b *SimulatedBroker) Connect(_ context.Context) error {
	return nil
}

func (b *SimulatedBroker) AccountInfo(_ context.Context) (types.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return types.AccountInfo{Equity: b.equity, Balance: b.balance, Login: "simulated", Server: "simulated"}, nil
}

func (b *SimulatedBroker) IsMarketOpen(_ context.Context, _ string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.marketOpen, nil
}

// ensureBarsLocked grows a symbol's synthetic series up to at least
// `count` bars using a deterministic pseudo-random walk seeded from the
// symbol name, so repeated runs against the same symbol are reproducible
// without depending on a disallowed global RNG seed.
func (b *SimulatedBroker) ensureBarsLocked(symbol string, count int) []types.OHLCV {
	existing := b.bars[symbol]
	if len(existing) >= count {
		return existing
	}

	seed, ok := b.seeds[symbol]
	if !ok {
		seed = symbolSeed{startPrice: decimal.NewFromInt(100), drift: 0.0002, volatility: 0.01}
		b.seeds[symbol] = seed
	}

	price := seed.startPrice
	if len(existing) > 0 {
		price = existing[len(existing)-1].Close
	}

	state := hashSeed(symbol)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := len(existing); i < count; i++ {
		state = lcgNext(state)
		noise := (float64(state%10000)/10000.0 - 0.5) * 2 * seed.volatility
		change := seed.drift + noise
		price = price.Mul(decimal.NewFromFloat(1 + change))
		if price.LessThanOrEqual(decimal.Zero) {
			price = decimal.NewFromFloat(0.01)
		}
		bar := types.OHLCV{
			Timestamp: start.AddDate(0, 0, i),
			Open:      price,
			High:      price.Mul(decimal.NewFromFloat(1.001)),
			Low:       price.Mul(decimal.NewFromFloat(0.999)),
			Close:     price,
			Volume:    decimal.NewFromInt(100000),
		}
		existing = append(existing, bar)
	}

	b.bars[symbol] = existing
	b.lastPrice[symbol] = existing[len(existing)-1].Close
	return existing
}

// lastBarVolumeLocked returns the most recent generated bar's volume for
// symbol, or zero if none has been generated yet. Caller must hold b.mu.
func (b *SimulatedBroker) lastBarVolumeLocked(symbol string) decimal.Decimal {
	bars := b.bars[symbol]
	if len(bars) == 0 {
		return decimal.Zero
	}
	return bars[len(bars)-1].Volume
}

// hashSeed derives a deterministic 64-bit seed from a symbol name.
func hashSeed(symbol string) uint64 {
	var h uint64 = 1469598103934665603
	for _, c := range symbol {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

// lcgNext advances a linear-congruential generator — a trivial,
// dependency-free deterministic pseudo-random sequence, adequate for
// synthetic sample-data generation and nothing more sensitive.
func lcgNext(state uint64) uint64 {
	return state*6364136223846793005 + 1442695040888963407
}

func (b *SimulatedBroker) GetBars(_ context.Context, symbol string, count int) ([]types.OHLCV, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	series := b.ensureBarsLocked(symbol, count)
	if len(series) < count {
		return series, nil
	}
	out := make([]types.OHLCV, count)
	copy(out, series[len(series)-count:])
	return out, nil
}

// GetMultiBars fetches bars for every symbol, collapsing concurrent
// duplicate requests for the same symbol via singleflight — grounded on
// stadam23-Eve-flipper's identical use of singleflight to dedup
// concurrent ESI fetches.
func (b *SimulatedBroker) GetMultiBars(ctx context.Context, symbols []string, count int) (map[string][]types.OHLCV, error) {
	out := make(map[string][]types.OHLCV, len(symbols))
	var mu sync.Mutex
	var wg sync.WaitGroup
	errCh := make(chan error, len(symbols))

	for _, symbol := range symbols {
		symbol := symbol
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("%s:%d", symbol, count)
			v, err, _ := b.fetchGroup.Do(key, func() (interface{}, error) {
				return b.GetBars(ctx, symbol, count)
			})
			if err != nil {
				errCh <- err
				return
			}
			mu.Lock()
			out[symbol] = v.([]types.OHLCV)
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *SimulatedBroker) GetLastPrice(_ context.Context, symbol string) (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.lastPrice[symbol]
	return p, ok
}

func (b *SimulatedBroker) GetVolumeStep(_ context.Context, symbol string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.volStep[symbol]
}

func (b *SimulatedBroker) PositionsByMagic(_ context.Context, magic int32) ([]types.Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Ticket
	for _, t := range b.tickets {
		if t.Magic == magic {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (b *SimulatedBroker) AllPositions(_ context.Context) ([]types.Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Ticket, 0, len(b.tickets))
	for _, t := range b.tickets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (b *SimulatedBroker) SendOrder(_ context.Context, order types.Order, _ FillingMode) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.marketOpen {
		return 0, &ErrMarketClosed{Symbol: order.Symbol}
	}

	quoted, ok := b.lastPrice[order.Symbol]
	if !ok {
		return 0, fmt.Errorf("broker: no price available for %s", order.Symbol)
	}
	fillPrice := b.slippage.Apply(order.Side, quoted, order.Quantity, b.lastBarVolumeLocked(order.Symbol))

	ticket := b.nextTicket
	b.nextTicket++
	b.tickets[ticket] = types.Ticket{
		Ticket: ticket,
		Symbol: order.Symbol,
		Side:   order.Side,
		Volume: order.Quantity,
		Price:  fillPrice,
		Magic:  order.Magic,
	}

	notional := fillPrice.Mul(order.Quantity)
	if order.Side == types.OrderSideBuy {
		b.balance = b.balance.Sub(notional)
	} else {
		b.balance = b.balance.Add(notional)
	}

	return ticket, nil
}

func (b *SimulatedBroker) ClosePosition(_ context.Context, ticket int64, filling []FillingMode) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tickets[ticket]
	if !ok {
		return fmt.Errorf("broker: unknown ticket %d", ticket)
	}
	if len(filling) == 0 {
		return fmt.Errorf("broker: no filling modes provided")
	}

	quoted, ok := b.lastPrice[t.Symbol]
	if !ok {
		return fmt.Errorf("broker: no price available for %s", t.Symbol)
	}
	closeSide := types.OrderSideSell
	if t.Side == types.OrderSideSell {
		closeSide = types.OrderSideBuy
	}
	fillPrice := b.slippage.Apply(closeSide, quoted, t.Volume, b.lastBarVolumeLocked(t.Symbol))

	notional := fillPrice.Mul(t.Volume)
	if closeSide == types.OrderSideBuy {
		b.balance = b.balance.Sub(notional)
	} else {
		b.balance = b.balance.Add(notional)
	}

	delete(b.tickets, ticket)
	return nil
}

func (b *SimulatedBroker) SetInBacktest(inBacktest bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inBacktest = inBacktest
}

func (b *SimulatedBroker) InBacktest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inBacktest
}

var _ Facade = (*SimulatedBroker)(nil)
