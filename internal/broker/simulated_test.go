package broker_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/portfolio-agent/internal/broker"
	"github.com/atlas-desktop/portfolio-agent/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestSimulatedBrokerGeneratesDeterministicBars(t *testing.T) {
	b1 := broker.NewSimulatedBroker(zap.NewNop(), decimal.NewFromInt(100000), nil)
	b2 := broker.NewSimulatedBroker(zap.NewNop(), decimal.NewFromInt(100000), nil)
	b1.Seed("AAPL", decimal.NewFromInt(150), 0.0005, 0.01, decimal.NewFromInt(1))
	b2.Seed("AAPL", decimal.NewFromInt(150), 0.0005, 0.01, decimal.NewFromInt(1))

	bars1, err := b1.GetBars(context.Background(), "AAPL", 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bars2, err := b2.GetBars(context.Background(), "AAPL", 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(bars1) != 30 || len(bars2) != 30 {
		t.Fatalf("expected 30 bars, got %d and %d", len(bars1), len(bars2))
	}
	for i := range bars1 {
		if !bars1[i].Close.Equal(bars2[i].Close) {
			t.Fatalf("expected deterministic series, bar %d differs: %s vs %s", i, bars1[i].Close, bars2[i].Close)
		}
	}
}

func TestSimulatedBrokerSendOrderTracksTicket(t *testing.T) {
	b := broker.NewSimulatedBroker(zap.NewNop(), decimal.NewFromInt(100000), nil)
	b.Seed("AAPL", decimal.NewFromInt(150), 0, 0, decimal.NewFromInt(1))
	if _, err := b.GetBars(context.Background(), "AAPL", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ticket, err := b.SendOrder(context.Background(), types.Order{
		Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(10), Magic: 10001,
	}, broker.FillingReturn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	positions, err := b.PositionsByMagic(context.Background(), 10001)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 1 || positions[0].Ticket != ticket {
		t.Fatalf("expected position tracked under magic 10001, got %+v", positions)
	}
}

func TestSimulatedBrokerRejectsOrdersWhenMarketClosed(t *testing.T) {
	b := broker.NewSimulatedBroker(zap.NewNop(), decimal.NewFromInt(100000), nil)
	b.Seed("AAPL", decimal.NewFromInt(150), 0, 0, decimal.NewFromInt(1))
	b.GetBars(context.Background(), "AAPL", 5)
	b.SetMarketOpen(false)

	_, err := b.SendOrder(context.Background(), types.Order{
		Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(1),
	}, broker.FillingReturn)
	if err == nil {
		t.Fatal("expected error submitting order with market closed")
	}
}

func TestSimulatedBrokerClosePositionRemovesTicket(t *testing.T) {
	b := broker.NewSimulatedBroker(zap.NewNop(), decimal.NewFromInt(100000), nil)
	b.Seed("AAPL", decimal.NewFromInt(150), 0, 0, decimal.NewFromInt(1))
	b.GetBars(context.Background(), "AAPL", 5)

	ticket, err := b.SendOrder(context.Background(), types.Order{
		Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(10), Magic: 1,
	}, broker.FillingReturn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := b.ClosePosition(context.Background(), ticket, []broker.FillingMode{broker.FillingReturn}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	positions, _ := b.AllPositions(context.Background())
	if len(positions) != 0 {
		t.Fatalf("expected no remaining positions, got %+v", positions)
	}
}

func TestSimulatedBrokerGetMultiBarsFetchesAllSymbols(t *testing.T) {
	b := broker.NewSimulatedBroker(zap.NewNop(), decimal.NewFromInt(100000), nil)
	b.Seed("AAPL", decimal.NewFromInt(150), 0, 0.01, decimal.NewFromInt(1))
	b.Seed("MSFT", decimal.NewFromInt(300), 0, 0.01, decimal.NewFromInt(1))

	out, err := b.GetMultiBars(context.Background(), []string{"AAPL", "MSFT"}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out["AAPL"]) != 10 || len(out["MSFT"]) != 10 {
		t.Fatalf("expected 10 bars per symbol, got %+v", out)
	}
}

func TestFixedSlippageAdjustsAgainstDirection(t *testing.T) {
	s := broker.FixedSlippage{Fraction: decimal.NewFromFloat(0.01)}
	buy := s.Apply(types.OrderSideBuy, decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.Zero)
	sell := s.Apply(types.OrderSideSell, decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.Zero)
	if !buy.GreaterThan(decimal.NewFromInt(100)) {
		t.Fatalf("expected buy fill above quoted price, got %s", buy)
	}
	if !sell.LessThan(decimal.NewFromInt(100)) {
		t.Fatalf("expected sell fill below quoted price, got %s", sell)
	}
}

func TestVolumeWeightedSlippageScalesWithParticipation(t *testing.T) {
	s := broker.VolumeWeightedSlippage{
		BaseFraction: decimal.NewFromFloat(0.0005),
		ImpactFactor: decimal.NewFromFloat(0.01),
	}

	quoted := decimal.NewFromInt(100)
	smallOrder := s.Apply(types.OrderSideBuy, quoted, decimal.NewFromInt(100), decimal.NewFromInt(100000))
	largeOrder := s.Apply(types.OrderSideBuy, quoted, decimal.NewFromInt(10000), decimal.NewFromInt(100000))

	if !largeOrder.GreaterThan(smallOrder) {
		t.Fatalf("expected higher-participation order to fill worse: small=%s large=%s", smallOrder, largeOrder)
	}

	noVolume := s.Apply(types.OrderSideBuy, quoted, decimal.NewFromInt(100), decimal.Zero)
	expectedBase := quoted.Mul(s.BaseFraction).Add(quoted)
	if !noVolume.Equal(expectedBase) {
		t.Fatalf("expected base-only slippage when bar volume is zero, got %s want %s", noVolume, expectedBase)
	}
}
