// Package statestore persists the live agent's durable state — current
// weights, last rebalance time, equity, leverage, and realized
// volatility — across restarts, using an atomic write-then-rename so a
// crash mid-write never corrupts the file. Grounded on the reference
// pack's standalone portfolio state manager
// (other_examples/...RajChodisetti-Trading-app.../internal/portfolio/state.go).
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

// Record is the durable snapshot written after every successful
// rebalance, mirroring agent.py's _save_state payload shape.
type Record struct {
	Weights            map[string]decimal.Decimal `json:"weights"`
	LastRebalance      *time.Time                 `json:"lastRebalance"`
	TotalEquity        decimal.Decimal            `json:"totalEquity"`
	CurrentLeverage    decimal.Decimal            `json:"currentLeverage"`
	RealizedVolatility decimal.Decimal            `json:"realizedVolatility"`
	UpdatedAt          time.Time                  `json:"updatedAt"`
}

// Store reads and writes a Record to a single JSON file path.
type Store struct {
	path string
}

// New creates a store backed by path.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the record from disk. A missing file is not an error — it
// returns (nil, false), matching agent.py's _load_state silently falling
// back to defaults on FileNotFoundError.
func (s *Store) Load() (*Record, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("statestore: read %s: %w", s.path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("statestore: unmarshal %s: %w", s.path, err)
	}
	return &rec, true, nil
}

// Save atomically writes rec to disk: marshal, write to a temp file in
// the same directory, then rename over the target path. A crash between
// the write and the rename leaves the original file untouched.
func (s *Store) Save(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp := s.path + ".tmp"

	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("statestore: mkdir %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("statestore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("statestore: rename %s to %s: %w", tmp, s.path, err)
	}
	return nil
}
