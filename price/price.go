// Package price carries BTC/USD price observations into collateral
// evaluation. A Snapshot is explicit about availability: callers must never
// treat a missing price as zero.
package price

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xraph/lending/types"
)

var (
	ErrUnavailable = errors.New("price: unavailable")
	ErrStale       = errors.New("price: stale")
)

// Snapshot is a USD-per-BTC observation (cents per whole bitcoin).
type Snapshot struct {
	Price      types.Money `json:"price"`
	ObservedAt time.Time   `json:"observed_at"`
	Source     string      `json:"source,omitempty"`
	available  bool
}

// Available builds a usable snapshot. A non-positive price yields an
// unavailable one.
func Available(usdPerBTC types.Money, observedAt time.Time) Snapshot {
	if !usdPerBTC.IsPositive() || usdPerBTC.Currency != types.CurrencyUSD {
		return Unavailable()
	}
	return Snapshot{Price: usdPerBTC, ObservedAt: observedAt.UTC(), available: true}
}

// Unavailable is the absence of a price.
func Unavailable() Snapshot { return Snapshot{} }

// IsAvailable reports whether the snapshot carries a price.
func (s Snapshot) IsAvailable() bool { return s.available }

// IsStale reports whether the observation is older than maxAge at now.
// A zero maxAge disables the check.
func (s Snapshot) IsStale(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(s.ObservedAt) > maxAge
}

// Usable returns ErrUnavailable or ErrStale when the snapshot cannot drive a
// decision at now.
func (s Snapshot) Usable(now time.Time, maxAge time.Duration) error {
	if !s.available {
		return ErrUnavailable
	}
	if s.IsStale(now, maxAge) {
		return ErrStale
	}
	return nil
}

// Source provides the latest snapshot. Implementations return an unavailable
// snapshot, not an error, when no observation exists.
type Source interface {
	Latest(ctx context.Context) (Snapshot, error)
}

// Static is an in-process Source whose price is set by the caller.
type Static struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewStatic returns a Static source seeded with snap.
func NewStatic(snap Snapshot) *Static { return &Static{snap: snap} }

// Set replaces the current snapshot.
func (s *Static) Set(snap Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

// Latest implements Source.
func (s *Static) Latest(context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, nil
}
