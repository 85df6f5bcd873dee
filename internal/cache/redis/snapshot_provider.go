package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// snapshotEnvelope is how upstream analytics publish a snapshot: the JSON
// body plus the time it was computed.
type snapshotEnvelope struct {
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// SnapshotProvider serves the structural, volatility and trend snapshots
// that the analytics layer writes to Redis under
// "snap:{kind}:{segment}:{security_id}". A missing, unparsable or stale
// snapshot is reported as domain.ErrInsufficientData so callers fall back
// to the conservative outcome.
type SnapshotProvider struct {
	c      *Client
	maxAge time.Duration
	now    func() time.Time
}

// NewSnapshotProvider creates a provider that rejects snapshots older than
// maxAge. A zero maxAge disables the staleness check.
func NewSnapshotProvider(c *Client, maxAge time.Duration) *SnapshotProvider {
	return &SnapshotProvider{c: c, maxAge: maxAge, now: time.Now}
}

const (
	kindStructural = "structural"
	kindVolatility = "volatility"
	kindTrend      = "trend"

	kindBrokerPositions = "broker_positions"
)

func (p *SnapshotProvider) snapKey(kind string, key domain.InstrumentKey) string {
	return p.c.key("snap:", kind, ":", key.String())
}

// Structural implements domain.StructuralProvider.
func (p *SnapshotProvider) Structural(ctx context.Context, key domain.InstrumentKey) (domain.StructuralSnapshot, error) {
	var s domain.StructuralSnapshot
	err := p.load(ctx, kindStructural, key, &s)
	return s, err
}

// Volatility implements domain.VolatilityProvider.
func (p *SnapshotProvider) Volatility(ctx context.Context, key domain.InstrumentKey) (domain.VolatilitySnapshot, error) {
	var v domain.VolatilitySnapshot
	err := p.load(ctx, kindVolatility, key, &v)
	return v, err
}

// Trend implements domain.TrendProvider.
func (p *SnapshotProvider) Trend(ctx context.Context, key domain.InstrumentKey) (domain.TrendSignals, error) {
	var t domain.TrendSignals
	err := p.load(ctx, kindTrend, key, &t)
	return t, err
}

// PutStructural stores a structural snapshot. Used by analytics publishers
// and paper mode.
func (p *SnapshotProvider) PutStructural(ctx context.Context, key domain.InstrumentKey, s domain.StructuralSnapshot, at time.Time) error {
	return p.store(ctx, kindStructural, key, s, at)
}

// PutVolatility stores a volatility snapshot.
func (p *SnapshotProvider) PutVolatility(ctx context.Context, key domain.InstrumentKey, v domain.VolatilitySnapshot, at time.Time) error {
	return p.store(ctx, kindVolatility, key, v, at)
}

// PutTrend stores trend signals.
func (p *SnapshotProvider) PutTrend(ctx context.Context, key domain.InstrumentKey, t domain.TrendSignals, at time.Time) error {
	return p.store(ctx, kindTrend, key, t, at)
}

// OpenPositions implements domain.PositionSource from the book the broker
// gateway publishes under "snap:broker_positions".
func (p *SnapshotProvider) OpenPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	var out []domain.BrokerPosition
	err := p.loadKey(ctx, kindBrokerPositions, "book", p.c.key("snap:", kindBrokerPositions), &out)
	return out, err
}

// PutBrokerPositions stores the broker's open positions.
func (p *SnapshotProvider) PutBrokerPositions(ctx context.Context, positions []domain.BrokerPosition, at time.Time) error {
	if positions == nil {
		positions = []domain.BrokerPosition{}
	}
	return p.storeKey(ctx, kindBrokerPositions, p.c.key("snap:", kindBrokerPositions), positions, at)
}

func (p *SnapshotProvider) load(ctx context.Context, kind string, key domain.InstrumentKey, dst any) error {
	return p.loadKey(ctx, kind, key.String(), p.snapKey(kind, key), dst)
}

func (p *SnapshotProvider) loadKey(ctx context.Context, kind, key, rkey string, dst any) error {
	raw, err := p.c.rdb.Get(ctx, rkey).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: %s snapshot %s: %w", kind, key, domain.ErrInsufficientData)
	}
	if err != nil {
		return fmt.Errorf("redis: get %s snapshot %s: %w", kind, key, err)
	}
	var env snapshotEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Data) == 0 {
		return fmt.Errorf("redis: decode %s snapshot %s: %w", kind, key, domain.ErrInsufficientData)
	}
	if p.maxAge > 0 && (env.UpdatedAt.IsZero() || p.now().Sub(env.UpdatedAt) > p.maxAge) {
		return fmt.Errorf("redis: %s snapshot %s stale since %s: %w",
			kind, key, env.UpdatedAt.Format(time.RFC3339), domain.ErrInsufficientData)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("redis: decode %s snapshot %s: %w", kind, key, domain.ErrInsufficientData)
	}
	return nil
}

func (p *SnapshotProvider) store(ctx context.Context, kind string, key domain.InstrumentKey, v any, at time.Time) error {
	return p.storeKey(ctx, kind, p.snapKey(kind, key), v, at)
}

func (p *SnapshotProvider) storeKey(ctx context.Context, kind, rkey string, v any, at time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis: encode %s snapshot: %w", kind, err)
	}
	env, err := json.Marshal(snapshotEnvelope{UpdatedAt: at.UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("redis: encode %s snapshot: %w", kind, err)
	}
	ttl := time.Duration(0)
	if p.maxAge > 0 {
		ttl = 2 * p.maxAge
	}
	if err := p.c.rdb.Set(ctx, rkey, env, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s snapshot %s: %w", kind, rkey, err)
	}
	return nil
}

var (
	_ domain.StructuralProvider = (*SnapshotProvider)(nil)
	_ domain.VolatilityProvider = (*SnapshotProvider)(nil)
	_ domain.TrendProvider      = (*SnapshotProvider)(nil)
	_ domain.PositionSource     = (*SnapshotProvider)(nil)
)
