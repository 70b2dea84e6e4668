package price

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/lending/types"
)

func TestSnapshotAvailability(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		snap    Snapshot
		maxAge  time.Duration
		wantErr error
	}{
		{"fresh", Available(types.USD(5_000_000), now.Add(-time.Minute)), 10 * time.Minute, nil},
		{"stale", Available(types.USD(5_000_000), now.Add(-time.Hour)), 10 * time.Minute, ErrStale},
		{"no max age", Available(types.USD(5_000_000), now.Add(-time.Hour)), 0, nil},
		{"unavailable", Unavailable(), time.Minute, ErrUnavailable},
		{"zero price", Available(types.USD(0), now), time.Minute, ErrUnavailable},
		{"wrong currency", Available(types.BTC(1), now), time.Minute, ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.snap.Usable(now, tt.maxAge)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStaticSource(t *testing.T) {
	s := NewStatic(Unavailable())
	snap, err := s.Latest(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.IsAvailable() {
		t.Fatal("expected unavailable snapshot")
	}

	s.Set(Available(types.USD(4_000_000), time.Now()))
	snap, _ = s.Latest(context.Background())
	if !snap.IsAvailable() || snap.Price.Amount != 4_000_000 {
		t.Errorf("got %+v", snap)
	}
}
