package statestore_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/portfolio-agent/internal/statestore"
	"github.com/shopspring/decimal"
)

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	s := statestore.New(filepath.Join(t.TempDir(), "state.json"))
	rec, ok, err := s.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || rec != nil {
		t.Fatal("expected no record for a missing file")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := statestore.New(path)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := statestore.Record{
		Weights:            map[string]decimal.Decimal{"momentum": decimal.NewFromFloat(0.6), "mean_reversion": decimal.NewFromFloat(0.4)},
		LastRebalance:      &now,
		TotalEquity:        decimal.NewFromInt(105000),
		CurrentLeverage:    decimal.NewFromFloat(1.2),
		RealizedVolatility: decimal.NewFromFloat(0.15),
		UpdatedAt:          now,
	}

	if err := s.Save(rec); err != nil {
		t.Fatalf("unexpected error saving: %v", err)
	}

	loaded, ok, err := s.Load()
	if err != nil {
		t.Fatalf("unexpected error loading: %v", err)
	}
	if !ok {
		t.Fatal("expected record to be found after save")
	}
	if !loaded.TotalEquity.Equal(rec.TotalEquity) {
		t.Fatalf("expected equity %s, got %s", rec.TotalEquity, loaded.TotalEquity)
	}
	if !loaded.Weights["momentum"].Equal(rec.Weights["momentum"]) {
		t.Fatalf("expected momentum weight %s, got %s", rec.Weights["momentum"], loaded.Weights["momentum"])
	}
	if loaded.LastRebalance == nil || !loaded.LastRebalance.Equal(now) {
		t.Fatalf("expected last rebalance %v, got %v", now, loaded.LastRebalance)
	}
}

func TestSaveLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := statestore.New(path)

	if err := s.Save(statestore.Record{TotalEquity: decimal.NewFromInt(1000)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok, _ := statestore.New(path + ".tmp").Load(); ok {
		t.Fatal("expected no leftover .tmp file after a successful save")
	}
}
