package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per instrument at
// "price:{segment}:{security_id}" holding "price" and "ts" (Unix nanos).
type PriceCache struct {
	c   *Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. Entries expire after ttl; 0 keeps
// them forever.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, ttl: ttl}
}

func (pc *PriceCache) priceKey(key domain.InstrumentKey) string {
	return pc.c.key("price:", key.String())
}

// SetPrice stores the latest price for an instrument.
func (pc *PriceCache) SetPrice(ctx context.Context, key domain.InstrumentKey, price float64, ts time.Time) error {
	k := pc.priceKey(key)
	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, k, map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	})
	if pc.ttl > 0 {
		pipe.Expire(ctx, k, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", key, err)
	}
	return nil
}

// GetPrice returns the latest price for an instrument, or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, key domain.InstrumentKey) (float64, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.priceKey(key)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", key, err)
	}
	return parsePrice(key, vals)
}

// GetPrices returns the latest prices for several instruments in one round
// trip. Instruments without a cached price are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, keys []domain.InstrumentKey) (map[domain.InstrumentKey]float64, error) {
	if len(keys) == 0 {
		return map[domain.InstrumentKey]float64{}, nil
	}

	pipe := pc.c.rdb.Pipeline()
	cmds := make(map[domain.InstrumentKey]*redis.MapStringStringCmd, len(keys))
	for _, k := range keys {
		cmds[k] = pipe.HGetAll(ctx, pc.priceKey(k))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	out := make(map[domain.InstrumentKey]float64, len(keys))
	for k, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, err := parsePrice(k, vals); err == nil {
			out[k] = price
		}
	}
	return out, nil
}

func parsePrice(key domain.InstrumentKey, vals map[string]string) (float64, time.Time, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s: %w", key, err)
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", key, err)
	}
	return price, time.Unix(0, tsNano).UTC(), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
