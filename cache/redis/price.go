package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/lending/price"
	"github.com/xraph/lending/types"
)

// DefaultPriceKey holds the BTC/USD observation.
const DefaultPriceKey = "price:btcusd"

// PriceCache stores the latest BTC/USD snapshot in a hash with fields
// "price" (cents per bitcoin), "ts" (Unix nanoseconds) and "source". It is a
// price.Source for every engine sharing the server.
type PriceCache struct {
	rdb *redis.Client
	key string
}

// NewPriceCache creates a cache on DefaultPriceKey.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), key: DefaultPriceKey}
}

// WithKey returns a copy reading and writing key.
func (pc *PriceCache) WithKey(key string) *PriceCache {
	cp := *pc
	cp.key = key
	return &cp
}

// Set publishes snap. Unavailable snapshots are not written; the previous
// observation ages into staleness instead.
func (pc *PriceCache) Set(ctx context.Context, snap price.Snapshot) error {
	if !snap.IsAvailable() {
		return nil
	}
	if err := pc.rdb.HSet(ctx, pc.key, encodeSnapshot(snap)).Err(); err != nil {
		return fmt.Errorf("redis: set price: %w", err)
	}
	return nil
}

// Latest implements price.Source. A missing or malformed hash is an
// unavailable snapshot.
func (pc *PriceCache) Latest(ctx context.Context) (price.Snapshot, error) {
	vals, err := pc.rdb.HGetAll(ctx, pc.key).Result()
	if err != nil {
		return price.Unavailable(), fmt.Errorf("redis: get price: %w", err)
	}
	return decodeSnapshot(vals), nil
}

func encodeSnapshot(snap price.Snapshot) map[string]any {
	return map[string]any{
		"price":  strconv.FormatInt(snap.Price.Amount, 10),
		"ts":     strconv.FormatInt(snap.ObservedAt.UnixNano(), 10),
		"source": snap.Source,
	}
}

func decodeSnapshot(vals map[string]string) price.Snapshot {
	cents, err := strconv.ParseInt(vals["price"], 10, 64)
	if err != nil {
		return price.Unavailable()
	}
	nanos, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return price.Unavailable()
	}
	snap := price.Available(types.USD(cents), time.Unix(0, nanos))
	if snap.IsAvailable() {
		snap.Source = vals["source"]
	}
	return snap
}

// Compile-time interface check.
var _ price.Source = (*PriceCache)(nil)
