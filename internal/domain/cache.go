package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest traded prices.
type PriceCache interface {
	SetPrice(ctx context.Context, key InstrumentKey, price float64, ts time.Time) error
	GetPrice(ctx context.Context, key InstrumentKey) (float64, time.Time, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// StructuralProvider returns the latest market-structure snapshot.
type StructuralProvider interface {
	Structural(ctx context.Context, key InstrumentKey) (StructuralSnapshot, error)
}

// VolatilityProvider returns the latest ATR snapshot.
type VolatilityProvider interface {
	Volatility(ctx context.Context, key InstrumentKey) (VolatilitySnapshot, error)
}

// TrendProvider returns the momentum inputs used by early-failure detection.
type TrendProvider interface {
	Trend(ctx context.Context, key InstrumentKey) (TrendSignals, error)
}

// RateLimiter throttles calls sharing a key across processes.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}
