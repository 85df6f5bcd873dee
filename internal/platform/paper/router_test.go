package paper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

type staticPrices struct {
	mu     sync.Mutex
	prices map[domain.InstrumentKey]float64
	at     time.Time
}

func (p *staticPrices) SetPrice(_ context.Context, key domain.InstrumentKey, price float64, ts time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[key] = price
	p.at = ts
	return nil
}

func (p *staticPrices) GetPrice(_ context.Context, key domain.InstrumentKey) (float64, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.prices[key]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return v, p.at, nil
}

type captureQueue struct {
	ch chan domain.OrderEvent
}

func (q *captureQueue) Enqueue(_ context.Context, ev domain.OrderEvent) error {
	q.ch <- ev
	return nil
}

func (q *captureQueue) next(t *testing.T) domain.OrderEvent {
	t.Helper()
	select {
	case ev := <-q.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no order event")
		return domain.OrderEvent{}
	}
}

var nifty = domain.InstrumentKey{Segment: "NSE_FNO", SecurityID: "43001"}

func startRouter(t *testing.T, cfg Config) (*Router, *staticPrices, *captureQueue) {
	t.Helper()
	prices := &staticPrices{prices: map[domain.InstrumentKey]float64{nifty: 101.5}, at: time.Now().UTC()}
	q := &captureQueue{ch: make(chan domain.OrderEvent, 16)}
	r := NewRouter(prices, q, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, prices, q
}

func buy(qty int64) domain.OrderRequest {
	return domain.OrderRequest{Segment: nifty.Segment, SecurityID: nifty.SecurityID, Side: domain.OrderSideBuy, Quantity: qty, Kind: domain.OrderKindMarket}
}

func TestRouter_FillsAtCachedPrice(t *testing.T) {
	r, _, q := startRouter(t, Config{LotSizes: map[domain.InstrumentKey]int64{nifty: 75}, Symbols: map[domain.InstrumentKey]string{nifty: "NIFTY24500CE"}})

	ref, err := r.Submit(context.Background(), buy(150))
	require.NoError(t, err)
	assert.Contains(t, ref, "paper-")

	ev := q.next(t)
	require.Equal(t, domain.OrderEventFill, ev.Type)
	require.NotNil(t, ev.Fill)
	assert.Equal(t, ref, ev.Fill.OrderRef)
	assert.Equal(t, int64(150), ev.Fill.FilledQty)
	assert.InDelta(t, 101.5, ev.Fill.FillPrice, 1e-9)
	assert.Equal(t, int64(75), ev.Fill.LotSize)
	assert.Equal(t, "NIFTY24500CE", ev.Fill.Symbol)

	held, err := r.OpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, int64(150), held[0].Quantity)
	assert.Equal(t, domain.OrderSideBuy, held[0].Side)
}

func TestRouter_BookAveragesAndFlattens(t *testing.T) {
	r, prices, q := startRouter(t, Config{DefaultLotSize: 75})
	ctx := context.Background()

	_, err := r.Submit(ctx, buy(75))
	require.NoError(t, err)
	q.next(t)

	require.NoError(t, prices.SetPrice(ctx, nifty, 110, time.Now().UTC()))
	_, err = r.Submit(ctx, buy(75))
	require.NoError(t, err)
	q.next(t)

	held, err := r.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.InDelta(t, 105.75, held[0].AvgPrice, 1e-9)

	sell := buy(150)
	sell.Side = domain.OrderSideSell
	_, err = r.Submit(ctx, sell)
	require.NoError(t, err)
	q.next(t)

	held, err = r.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestRouter_RejectsWithoutPrice(t *testing.T) {
	r, _, q := startRouter(t, Config{})
	req := buy(75)
	req.SecurityID = "unknown"

	ref, err := r.Submit(context.Background(), req)
	require.NoError(t, err)

	ev := q.next(t)
	require.Equal(t, domain.OrderEventReject, ev.Type)
	require.NotNil(t, ev.Cancel)
	assert.Equal(t, ref, ev.Cancel.OrderRef)
	assert.True(t, ev.Cancel.Rejected)
}

func TestRouter_RejectsStalePrice(t *testing.T) {
	r, prices, q := startRouter(t, Config{MaxPriceAge: time.Second})
	require.NoError(t, prices.SetPrice(context.Background(), nifty, 100, time.Now().Add(-time.Minute)))

	_, err := r.Submit(context.Background(), buy(75))
	require.NoError(t, err)
	ev := q.next(t)
	require.Equal(t, domain.OrderEventReject, ev.Type)
	assert.Equal(t, "stale price", ev.Cancel.Reason)
}

func TestRouter_CancelBeforeFill(t *testing.T) {
	r, _, q := startRouter(t, Config{FillDelay: 100 * time.Millisecond})
	ctx := context.Background()

	ref, err := r.Submit(ctx, buy(75))
	require.NoError(t, err)
	require.NoError(t, r.Cancel(ctx, ref))

	ev := q.next(t)
	require.Equal(t, domain.OrderEventCancel, ev.Type)
	assert.Equal(t, ref, ev.Cancel.OrderRef)
	assert.False(t, ev.Cancel.Rejected)
}

func TestRouter_SubmitValidationAndBackpressure(t *testing.T) {
	prices := &staticPrices{prices: map[domain.InstrumentKey]float64{}}
	q := &captureQueue{ch: make(chan domain.OrderEvent, 1)}
	r := NewRouter(prices, q, Config{QueueSize: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	_, err := r.Submit(ctx, buy(0))
	assert.ErrorIs(t, err, domain.ErrInsufficientData)

	limit := buy(75)
	limit.Kind = domain.OrderKindLimit
	_, err = r.Submit(ctx, limit)
	assert.Error(t, err)

	// Run is not started, so the second order finds the queue full.
	_, err = r.Submit(ctx, buy(75))
	require.NoError(t, err)
	_, err = r.Submit(ctx, buy(75))
	assert.True(t, errors.Is(err, ErrBusy))
}
