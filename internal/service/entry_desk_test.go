package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lotguard/internal/domain"
	"github.com/alanyoungcy/lotguard/internal/metrics"
	"github.com/alanyoungcy/lotguard/internal/sizing"
)

type fixedPrice struct {
	price float64
	at    time.Time
	err   error
}

func (p fixedPrice) SetPrice(context.Context, domain.InstrumentKey, float64, time.Time) error {
	return nil
}

func (p fixedPrice) GetPrice(context.Context, domain.InstrumentKey) (float64, time.Time, error) {
	return p.price, p.at, p.err
}

func newDesk(t *testing.T, snaps *fakeSnapshots, prices domain.PriceCache) (*EntryDesk, *fixture) {
	t.Helper()
	f := newFixture(t)
	gate := NewEntryGate(snaps, snaps, sizing.NewAllocator(nil, 0), nil, metrics.New(), discardLogger())
	return NewEntryDesk(gate, f.router, f.m, prices, 100_000, time.Minute, discardLogger()), f
}

func niftyIntent() domain.EntryIntent {
	return domain.EntryIntent{
		ID:         "intent-1",
		Segment:    niftyKey.Segment,
		SecurityID: niftyKey.SecurityID,
		Symbol:     "NIFTY24500CE",
		Side:       domain.OrderSideBuy,
		LotSize:    75,
	}
}

func TestEntryDesk_EnterRegistersPendingTracker(t *testing.T) {
	ctx := context.Background()
	snaps := &fakeSnapshots{
		structural: confluence(),
		volatility: domain.VolatilitySnapshot{ATR: 12, SessionMedianATR: 10, ATRSlope: 0.5},
	}
	d, f := newDesk(t, snaps, fixedPrice{price: 100, at: time.Now().UTC()})

	pos, err := d.Enter(ctx, niftyIntent())
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusPending, pos.Status)
	assert.InDelta(t, 70, pos.StopLossPrice, 1e-9)
	assert.InDelta(t, 150, pos.TargetPrice, 1e-9)

	subs := f.router.Submits()
	require.Len(t, subs, 1)
	assert.Equal(t, int64(225), subs[0].Quantity)
	assert.Equal(t, "intent-1", subs[0].Tag)

	// The broker fill activates the pending tracker with the planned levels.
	require.NoError(t, f.m.OnFill(ctx, buyFill(pos.OrderRef, 225, 100)))
	got := onlyTracker(t, f.m)
	assert.Equal(t, domain.PositionStatusActive, got.Status)
	assert.Equal(t, pos.ID, got.ID)
	assert.InDelta(t, 70, got.StopLossPrice, 1e-9)

	// A second intent on the same instrument is refused.
	_, err = d.Enter(ctx, niftyIntent())
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Len(t, f.router.Submits(), 1)
}

func TestEntryDesk_BlockedIntentSubmitsNothing(t *testing.T) {
	snaps := &fakeSnapshots{err: domain.ErrInsufficientData}
	d, f := newDesk(t, snaps, fixedPrice{price: 100, at: time.Now().UTC()})

	_, err := d.Enter(context.Background(), niftyIntent())
	assert.ErrorIs(t, err, ErrEntryBlocked)
	assert.Empty(t, f.router.Submits())
}

func TestEntryDesk_PriceRequirements(t *testing.T) {
	snaps := &fakeSnapshots{
		structural: confluence(),
		volatility: domain.VolatilitySnapshot{ATR: 12, SessionMedianATR: 10, ATRSlope: 0.5},
	}
	stale := fixedPrice{price: 100, at: time.Now().Add(-time.Hour)}
	d, f := newDesk(t, snaps, stale)

	_, err := d.Enter(context.Background(), niftyIntent())
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
	assert.Empty(t, f.router.Submits())

	// An explicit reference price needs no cache.
	in := niftyIntent()
	in.Price = 100
	_, err = d.Enter(context.Background(), in)
	require.NoError(t, err)

	bad := niftyIntent()
	bad.LotSize = 0
	_, err = d.Enter(context.Background(), bad)
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
}

func TestManager_RegisterAfterFillAttachesLevels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.m.OnFill(ctx, buyFill("ord-1", 75, 100)))

	plan := EntryPlan{Key: niftyKey, Side: domain.OrderSideBuy, Quantity: 75, Permission: domain.PermissionExecutionOnly, StopPrice: 80, TargetPrice: 108}
	pos, err := f.m.RegisterOrder(ctx, "ord-1", plan, "NIFTY24500CE", 75)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusActive, pos.Status)
	assert.InDelta(t, 80, pos.StopLossPrice, 1e-9)

	stored, err := f.store.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.InDelta(t, 108, stored.TargetPrice, 1e-9)
}
