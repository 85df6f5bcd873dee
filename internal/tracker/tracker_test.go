package tracker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

var t0 = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

func fill(ref string, side domain.OrderSide, cum int64, price float64) domain.FillEvent {
	return domain.FillEvent{
		OrderRef:   ref,
		Segment:    "NSE_FNO",
		SecurityID: "43512",
		Symbol:     "NIFTY24500CE",
		Side:       side,
		FilledQty:  cum,
		FillPrice:  price,
		LotSize:    75,
		Timestamp:  t0,
	}
}

func TestFromFill_RejectsNonLotMultiple(t *testing.T) {
	_, err := FromFill("t1", fill("o1", domain.OrderSideBuy, 80, 100), t0)
	require.ErrorIs(t, err, domain.ErrNotLotMultiple)
}

func TestApplyFill_AveragesNewFills(t *testing.T) {
	tr, err := FromFill("t1", fill("o1", domain.OrderSideBuy, 75, 100), t0)
	require.NoError(t, err)

	res, err := tr.ApplyFill(fill("o2", domain.OrderSideBuy, 150, 130), t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, FillAveraged, res.Kind)
	assert.Equal(t, int64(150), res.Delta)

	p := tr.Snapshot()
	assert.Equal(t, int64(225), p.Quantity)
	// (100*75 + 130*150) / 225
	assert.InDelta(t, 120, p.AvgPrice, 1e-9)
	assert.InDelta(t, 100, p.EntryPrice, 1e-9)
}

func TestApplyFill_PartialFillsReconcileCumulativeQty(t *testing.T) {
	tr, err := FromFill("t1", fill("o1", domain.OrderSideBuy, 75, 100), t0)
	require.NoError(t, err)

	// 106 is the average of all 225, so the new 150 filled at 109.
	_, err = tr.ApplyFill(fill("o1", domain.OrderSideBuy, 225, 106), t0)
	require.NoError(t, err)
	p := tr.Snapshot()
	assert.Equal(t, int64(225), p.Quantity)
	assert.InDelta(t, 106, p.AvgPrice, 1e-9)
	assert.Equal(t, int64(225), p.Fills["o1"])
	assert.InDelta(t, 23850, p.OrderMarks["o1"].Notional, 1e-9)
}

func TestApplyFill_SameOrderPartialsAtRisingAverage(t *testing.T) {
	tr, err := FromFill("t1", fill("o1", domain.OrderSideBuy, 75, 100), t0)
	require.NoError(t, err)

	res, err := tr.ApplyFill(fill("o1", domain.OrderSideBuy, 150, 110), t0)
	require.NoError(t, err)
	assert.Equal(t, FillAveraged, res.Kind)
	assert.Equal(t, int64(75), res.Delta)

	p := tr.Snapshot()
	assert.Equal(t, int64(150), p.Quantity)
	assert.InDelta(t, 110, p.AvgPrice, 1e-9)
	assert.InDelta(t, 100, p.EntryPrice, 1e-9)
}

func TestApplyFill_LegacyRecordWithoutNotional(t *testing.T) {
	tr := FromPosition(domain.Position{
		ID: "t1", OrderRef: "o1", Segment: "NSE_FNO", SecurityID: "43512",
		Side: domain.OrderSideBuy, LotSize: 75, Quantity: 75, EntryPrice: 100, AvgPrice: 100,
		Fills: map[string]int64{"o1": 75}, Status: domain.PositionStatusActive,
	})
	_, err := tr.ApplyFill(fill("o1", domain.OrderSideBuy, 150, 104), t0)
	require.NoError(t, err)
	assert.InDelta(t, 102, tr.Snapshot().AvgPrice, 1e-9)
}

func TestApplyFill_ReplayIsIdempotent(t *testing.T) {
	tr, err := FromFill("t1", fill("o1", domain.OrderSideBuy, 75, 100), t0)
	require.NoError(t, err)
	ev := fill("o2", domain.OrderSideBuy, 75, 110)

	_, err = tr.ApplyFill(ev, t0)
	require.NoError(t, err)
	once := tr.Snapshot()

	_, err = tr.ApplyFill(ev, t0.Add(time.Minute))
	require.ErrorIs(t, err, domain.ErrDuplicateEvent)
	assert.Equal(t, once, tr.Snapshot())

	// stale cumulative quantity is also ignored
	_, err = tr.ApplyFill(fill("o1", domain.OrderSideBuy, 75, 90), t0)
	require.ErrorIs(t, err, domain.ErrDuplicateEvent)
	assert.Equal(t, once, tr.Snapshot())
}

func TestApplyFill_OppositeSideReducesAndCloses(t *testing.T) {
	tr, err := FromFill("t1", fill("o1", domain.OrderSideBuy, 150, 100), t0)
	require.NoError(t, err)

	res, err := tr.ApplyFill(fill("x1", domain.OrderSideSell, 75, 110), t0)
	require.NoError(t, err)
	assert.Equal(t, FillReduced, res.Kind)
	p := tr.Snapshot()
	assert.Equal(t, int64(75), p.Quantity)
	assert.InDelta(t, 750, p.RealizedPnL, 1e-9)

	// The order averaged 90 over 150, so the second 75 sold at 70.
	res, err = tr.ApplyFill(fill("x1", domain.OrderSideSell, 150, 90), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, FillClosed, res.Kind)
	p = tr.Snapshot()
	assert.Equal(t, domain.PositionStatusExited, p.Status)
	assert.Zero(t, p.Quantity)
	assert.Equal(t, int64(150), p.ExitQuantity)
	assert.InDelta(t, -1500, p.RealizedPnL, 1e-9)
	assert.InDelta(t, 90, p.ExitPrice, 1e-9)
	assert.Equal(t, domain.ExitReasonBrokerExitFill, p.ExitReason)
	require.NotNil(t, p.ExitedAt)

	_, err = tr.ApplyFill(fill("o3", domain.OrderSideBuy, 75, 100), t0)
	require.ErrorIs(t, err, domain.ErrTerminalState)
}

func TestPendingLifecycle(t *testing.T) {
	req := domain.OrderRequest{Segment: "NSE_FNO", SecurityID: "43512", Side: domain.OrderSideBuy, Quantity: 75}
	tr := NewPending("t1", "o1", req, "NIFTY24500CE", 75, t0)
	assert.Equal(t, domain.PositionStatusPending, tr.Status())

	res, err := tr.ApplyFill(fill("o1", domain.OrderSideBuy, 75, 101), t0)
	require.NoError(t, err)
	assert.Equal(t, FillOpened, res.Kind)
	assert.Equal(t, domain.PositionStatusActive, tr.Status())

	changed, err := tr.Cancel(t0)
	require.NoError(t, err)
	assert.False(t, changed, "partially filled tracker stays active")

	pending := NewPending("t2", "o2", req, "NIFTY24500CE", 75, t0)
	changed, err = pending.Cancel(t0)
	require.NoError(t, err)
	assert.True(t, changed)
	_, err = pending.Cancel(t0)
	require.ErrorIs(t, err, domain.ErrTerminalState)
}

func TestMarkPrice_TracksPeakAndUnderwater(t *testing.T) {
	tr, err := FromFill("t1", fill("o1", domain.OrderSideBuy, 75, 100), t0)
	require.NoError(t, err)

	tr.MarkPrice(120, t0.Add(time.Minute))
	p := tr.Snapshot()
	assert.InDelta(t, 20, p.PeakProfitPct, 1e-9)
	assert.InDelta(t, 1500, p.UnrealizedPnL, 1e-9)
	assert.Nil(t, p.UnderwaterSince)

	tr.MarkPrice(95, t0.Add(2*time.Minute))
	tr.MarkPrice(94, t0.Add(3*time.Minute))
	p = tr.Snapshot()
	assert.InDelta(t, 20, p.PeakProfitPct, 1e-9)
	require.NotNil(t, p.UnderwaterSince)
	assert.Equal(t, t0.Add(2*time.Minute), *p.UnderwaterSince)
	assert.InDelta(t, 60, p.SecondsUnderwater(t0.Add(3*time.Minute)), 1e-9)

	tr.MarkPrice(100, t0.Add(4*time.Minute))
	assert.Nil(t, tr.Snapshot().UnderwaterSince)
}

func TestMarkPrice_ShortSide(t *testing.T) {
	tr, err := FromFill("t1", fill("o1", domain.OrderSideSell, 75, 100), t0)
	require.NoError(t, err)
	tr.MarkPrice(90, t0)
	p := tr.Snapshot()
	assert.InDelta(t, 10, p.PeakProfitPct, 1e-9)
	assert.InDelta(t, 750, p.UnrealizedPnL, 1e-9)
}

func TestMarkExited_ThenSettle(t *testing.T) {
	tr, err := FromFill("t1", fill("o1", domain.OrderSideBuy, 75, 100), t0)
	require.NoError(t, err)
	tr.MarkPrice(110, t0)

	remaining, err := tr.MarkExited("x1", 75, domain.ExitReasonTakeProfit, t0)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	_, err = tr.MarkExited("x2", 75, domain.ExitReasonManual, t0)
	require.ErrorIs(t, err, domain.ErrTrackerNotActive)
	p := tr.Snapshot()
	assert.InDelta(t, 750, p.RealizedPnL, 1e-9)
	assert.Equal(t, "x1", p.ExitOrderRef)

	res, err := tr.ApplyFill(fill("x1", domain.OrderSideSell, 75, 108), t0)
	require.NoError(t, err)
	assert.Equal(t, FillExitSettled, res.Kind)
	p = tr.Snapshot()
	assert.InDelta(t, 108, p.ExitPrice, 1e-9)
	assert.InDelta(t, 600, p.RealizedPnL, 1e-9)

	_, err = tr.ApplyFill(fill("x1", domain.OrderSideSell, 75, 108), t0)
	require.ErrorIs(t, err, domain.ErrDuplicateEvent)
}

func TestMarkExited_KeepsLotsFilledWhileExitInFlight(t *testing.T) {
	tr, err := FromFill("t1", fill("o1", domain.OrderSideBuy, 75, 100), t0)
	require.NoError(t, err)

	// The exit order for 75 is in flight when o2 fills.
	_, err = tr.ApplyFill(fill("o2", domain.OrderSideBuy, 75, 120), t0)
	require.NoError(t, err)
	tr.MarkPrice(130, t0)

	remaining, err := tr.MarkExited("x1", 75, domain.ExitReasonTakeProfit, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(75), remaining)
	p := tr.Snapshot()
	assert.Equal(t, domain.PositionStatusActive, p.Status)
	assert.Equal(t, int64(75), p.Quantity)
	assert.Equal(t, int64(75), p.ExitQuantity)
	assert.InDelta(t, 110, p.AvgPrice, 1e-9)
	assert.InDelta(t, 1500, p.RealizedPnL, 1e-9)
	assert.Nil(t, p.ExitedAt)

	// The exit fill settles the booked 75 without touching the remainder.
	res, err := tr.ApplyFill(fill("x1", domain.OrderSideSell, 75, 128), t0)
	require.NoError(t, err)
	assert.Equal(t, FillExitSettled, res.Kind)
	p = tr.Snapshot()
	assert.Equal(t, int64(75), p.Quantity)
	assert.InDelta(t, 1350, p.RealizedPnL, 1e-9)

	remaining, err = tr.MarkExited("x2", 75, domain.ExitReasonTakeProfit, t0)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	p = tr.Snapshot()
	assert.Equal(t, domain.PositionStatusExited, p.Status)
	assert.Equal(t, int64(150), p.ExitQuantity)
}

func TestMarkExited_ExitFillOvertookRecording(t *testing.T) {
	tr, err := FromFill("t1", fill("o1", domain.OrderSideBuy, 150, 100), t0)
	require.NoError(t, err)

	// Half of the exit order fills before the exit is recorded.
	res, err := tr.ApplyFill(fill("x1", domain.OrderSideSell, 75, 105), t0)
	require.NoError(t, err)
	assert.Equal(t, FillReduced, res.Kind)
	tr.MarkPrice(106, t0)

	remaining, err := tr.MarkExited("x1", 150, domain.ExitReasonManual, t0)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	p := tr.Snapshot()
	assert.Equal(t, int64(150), p.ExitQuantity)
	assert.InDelta(t, 825, p.RealizedPnL, 1e-9)

	// The order averaged 104 over 150: the second half sold at 103.
	res, err = tr.ApplyFill(fill("x1", domain.OrderSideSell, 150, 104), t0)
	require.NoError(t, err)
	assert.Equal(t, FillExitSettled, res.Kind)
	p = tr.Snapshot()
	assert.InDelta(t, 600, p.RealizedPnL, 1e-9)
	assert.InDelta(t, 104, p.ExitPrice, 1e-9)
	assert.Equal(t, int64(150), p.ExitQuantity)
}

func TestRestoreRollsBack(t *testing.T) {
	tr, err := FromFill("t1", fill("o1", domain.OrderSideBuy, 75, 100), t0)
	require.NoError(t, err)
	before := tr.Snapshot()
	_, err = tr.ApplyFill(fill("o2", domain.OrderSideBuy, 75, 120), t0)
	require.NoError(t, err)
	tr.Restore(before)
	assert.Equal(t, before, tr.Snapshot())
}

func TestSetStop_OnlyTightens(t *testing.T) {
	tr, err := FromFill("t1", fill("o1", domain.OrderSideBuy, 75, 100), t0)
	require.NoError(t, err)
	assert.True(t, tr.SetStop(90))
	assert.False(t, tr.SetStop(85))
	assert.True(t, tr.SetStop(95))
	assert.InDelta(t, 95, tr.Snapshot().StopLossPrice, 1e-9)
}

func TestConcurrentDuplicateFills(t *testing.T) {
	tr, err := FromFill("t1", fill("o1", domain.OrderSideBuy, 75, 100), t0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tr.ApplyFill(fill("o2", domain.OrderSideBuy, 150, 110), t0)
		}()
	}
	wg.Wait()
	p := tr.Snapshot()
	assert.Equal(t, int64(225), p.Quantity)
	assert.InDelta(t, 320.0/3.0, p.AvgPrice, 1e-9)
}

func TestBeginExit(t *testing.T) {
	tr, err := FromFill("t1", fill("o1", domain.OrderSideBuy, 75, 100), t0)
	require.NoError(t, err)
	assert.True(t, tr.BeginExit())
	assert.False(t, tr.BeginExit())
	tr.EndExit()
	assert.True(t, tr.BeginExit())
}
