// Package tracker implements the lifecycle state machine of one position:
// pending -> active -> exited, or pending -> cancelled.
//
// A Tracker is safe for concurrent use. State reads and writes go through an
// internal RWMutex; the exit sequence is serialized separately with
// LockExit/UnlockExit so that a slow order router call never blocks ticks.
package tracker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// FillKind classifies what a fill did to the tracker.
type FillKind int

const (
	FillOpened FillKind = iota + 1
	FillAveraged
	FillReduced
	FillClosed
	FillExitSettled
)

func (k FillKind) String() string {
	switch k {
	case FillOpened:
		return "opened"
	case FillAveraged:
		return "averaged"
	case FillReduced:
		return "reduced"
	case FillClosed:
		return "closed"
	case FillExitSettled:
		return "exit_settled"
	default:
		return "unknown"
	}
}

// FillResult reports the effect of ApplyFill.
type FillResult struct {
	Kind  FillKind
	Delta int64 // newly filled quantity carried by the event
}

// Tracker owns one Position.
type Tracker struct {
	mu  sync.RWMutex
	pos domain.Position

	exitMu  sync.Mutex
	exiting atomic.Bool
}

// NewPending returns a tracker for a submitted entry order that has not
// filled yet.
func NewPending(id, orderRef string, req domain.OrderRequest, symbol string, lotSize int64, now time.Time) *Tracker {
	return &Tracker{pos: domain.Position{
		ID:              id,
		OrderRef:        orderRef,
		Segment:         req.Segment,
		SecurityID:      req.SecurityID,
		Symbol:          symbol,
		Side:            req.Side,
		LotSize:         lotSize,
		Fills:           map[string]int64{},
		OrderMarks:      map[string]domain.OrderMark{},
		Status:          domain.PositionStatusPending,
		CreatedAt:       now,
		LastValidatedAt: now,
		StatusChangedAt: now,
	}}
}

// FromFill returns an active tracker opened by the first fill of an order.
func FromFill(id string, ev domain.FillEvent, now time.Time) (*Tracker, error) {
	if ev.LotSize <= 0 || ev.FilledQty <= 0 || ev.FilledQty%ev.LotSize != 0 {
		return nil, fmt.Errorf("tracker: open %s qty=%d lot=%d: %w", ev.OrderRef, ev.FilledQty, ev.LotSize, domain.ErrNotLotMultiple)
	}
	return &Tracker{pos: domain.Position{
		ID:              id,
		OrderRef:        ev.OrderRef,
		Segment:         ev.Segment,
		SecurityID:      ev.SecurityID,
		Symbol:          ev.Symbol,
		Side:            ev.Side,
		LotSize:         ev.LotSize,
		Quantity:        ev.FilledQty,
		EntryPrice:      ev.FillPrice,
		AvgPrice:        ev.FillPrice,
		LastPrice:       ev.FillPrice,
		Fills:           map[string]int64{ev.OrderRef: ev.FilledQty},
		OrderMarks:      map[string]domain.OrderMark{ev.OrderRef: {Notional: notional(ev.FillPrice, ev.FilledQty)}},
		Status:          domain.PositionStatusActive,
		CreatedAt:       now,
		LastValidatedAt: now,
		StatusChangedAt: now,
	}}, nil
}

// FromPosition rebuilds a tracker from a persisted record.
func FromPosition(p domain.Position) *Tracker {
	p = p.Clone()
	if p.Fills == nil {
		p.Fills = map[string]int64{}
	}
	if p.OrderMarks == nil {
		p.OrderMarks = map[string]domain.OrderMark{}
	}
	return &Tracker{pos: p}
}

// ID returns the tracker id.
func (t *Tracker) ID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pos.ID
}

// Key returns the instrument the tracker is subscribed to.
func (t *Tracker) Key() domain.InstrumentKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pos.Key()
}

// Status returns the lifecycle status.
func (t *Tracker) Status() domain.PositionStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pos.Status
}

// Snapshot returns a deep copy of the position.
func (t *Tracker) Snapshot() domain.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pos.Clone()
}

// Restore replaces the position with a previously taken snapshot. It is
// used to roll back in-memory state when persisting a transition fails.
func (t *Tracker) Restore(p domain.Position) {
	t.mu.Lock()
	t.pos = p.Clone()
	t.mu.Unlock()
}

// ApplyFill applies a cumulative fill event. FillPrice is the average of the
// cumulative fill, so the price of the new delta is recovered from the
// notional already seen on the order. Replays and stale events carry no new
// quantity and return domain.ErrDuplicateEvent without changing state.
func (t *Tracker) ApplyFill(ev domain.FillEvent, now time.Time) (FillResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := &t.pos
	seen := p.Fills[ev.OrderRef]
	delta := ev.FilledQty - seen
	if delta <= 0 {
		return FillResult{}, fmt.Errorf("tracker %s: order %s cumulative %d: %w", p.ID, ev.OrderRef, ev.FilledQty, domain.ErrDuplicateEvent)
	}
	if p.LotSize > 0 && delta%p.LotSize != 0 {
		return FillResult{}, fmt.Errorf("tracker %s: order %s delta %d lot %d: %w", p.ID, ev.OrderRef, delta, p.LotSize, domain.ErrNotLotMultiple)
	}

	mark := p.OrderMarks[ev.OrderRef]
	if mark.ExitQty > 0 {
		price := t.recordLocked(ev, seen, delta)
		t.settleExitLocked(ev, mark, seen, price)
		return FillResult{Kind: FillExitSettled, Delta: delta}, nil
	}

	if p.Status.Terminal() {
		return FillResult{}, fmt.Errorf("tracker %s is %s: %w", p.ID, p.Status, domain.ErrTerminalState)
	}

	price := t.recordLocked(ev, seen, delta)
	p.LastValidatedAt = now

	if ev.Side == p.Side {
		return t.addLocked(price, delta, now), nil
	}
	return t.reduceLocked(price, ev.FillPrice, delta, now), nil
}

// recordLocked stores the new cumulative quantity and notional of the order
// and returns the price of the delta.
func (t *Tracker) recordLocked(ev domain.FillEvent, seen, delta int64) float64 {
	p := &t.pos
	if p.OrderMarks == nil {
		p.OrderMarks = map[string]domain.OrderMark{}
	}
	mark := p.OrderMarks[ev.OrderRef]
	cum := decimal.NewFromFloat(ev.FillPrice).Mul(decimal.NewFromInt(ev.FilledQty))

	price := ev.FillPrice
	// Records written before notionals were kept have none to subtract.
	if seen == 0 || mark.Notional > 0 {
		d, _ := cum.Sub(decimal.NewFromFloat(mark.Notional)).Div(decimal.NewFromInt(delta)).Float64()
		if d > 0 {
			price = d
		}
	}

	mark.Notional, _ = cum.Float64()
	p.OrderMarks[ev.OrderRef] = mark
	p.Fills[ev.OrderRef] = ev.FilledQty
	return price
}

// settleExitLocked replaces the provisional price of the part of an exit
// order covered by the new fill with the fill's own price.
func (t *Tracker) settleExitLocked(ev domain.FillEvent, mark domain.OrderMark, seen int64, price float64) {
	p := &t.pos
	lo := max(seen, mark.Reduced)
	hi := min(ev.FilledQty, mark.ExitQty)
	if hi > lo {
		adj := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(mark.ExitMark)).
			Mul(decimal.NewFromInt(hi - lo)).Mul(decimal.NewFromInt(p.Side.Sign()))
		p.RealizedPnL, _ = decimal.NewFromFloat(p.RealizedPnL).Add(adj).Float64()
	}
	if ev.OrderRef == p.ExitOrderRef {
		p.ExitPrice = ev.FillPrice
	}
}

func notional(price float64, qty int64) float64 {
	n, _ := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(qty)).Float64()
	return n
}

func (t *Tracker) addLocked(price float64, delta int64, now time.Time) FillResult {
	p := &t.pos
	if p.Status == domain.PositionStatusPending || p.Quantity == 0 {
		p.Quantity = delta
		p.EntryPrice = price
		p.AvgPrice = price
		p.LastPrice = price
		if p.Status != domain.PositionStatusActive {
			p.Status = domain.PositionStatusActive
			p.StatusChangedAt = now
		}
		return FillResult{Kind: FillOpened, Delta: delta}
	}

	oldQty := decimal.NewFromInt(p.Quantity)
	addQty := decimal.NewFromInt(delta)
	total := decimal.NewFromFloat(p.AvgPrice).Mul(oldQty).Add(decimal.NewFromFloat(price).Mul(addQty))
	p.AvgPrice, _ = total.Div(oldQty.Add(addQty)).Float64()
	p.Quantity += delta
	t.markLocked(p.LastPrice, now)
	return FillResult{Kind: FillAveraged, Delta: delta}
}

func (t *Tracker) reduceLocked(price, orderAvg float64, delta int64, now time.Time) FillResult {
	p := &t.pos
	if p.Status == domain.PositionStatusPending {
		// An opposite fill on a pending entry is a broker inconsistency;
		// record it without creating exposure.
		return FillResult{Kind: FillReduced, Delta: 0}
	}
	closed := min(delta, p.Quantity)
	sign := decimal.NewFromInt(p.Side.Sign())
	pnl := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(p.AvgPrice)).
		Mul(decimal.NewFromInt(closed)).Mul(sign)
	p.RealizedPnL, _ = decimal.NewFromFloat(p.RealizedPnL).Add(pnl).Float64()
	p.Quantity -= closed
	p.ExitQuantity += closed

	if p.Quantity == 0 {
		p.ExitPrice = orderAvg
		p.UnrealizedPnL = 0
		if p.ExitReason == domain.ExitReasonNone {
			p.ExitReason = domain.ExitReasonBrokerExitFill
		}
		p.Status = domain.PositionStatusExited
		p.StatusChangedAt = now
		at := now
		p.ExitedAt = &at
		return FillResult{Kind: FillClosed, Delta: closed}
	}
	t.markLocked(p.LastPrice, now)
	return FillResult{Kind: FillReduced, Delta: closed}
}

// MarkPrice records a new last price and updates unrealized P&L, the profit
// high-water mark and the underwater clock. Terminal trackers are ignored.
func (t *Tracker) MarkPrice(price float64, at time.Time) bool {
	if price <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pos.Status != domain.PositionStatusActive {
		return false
	}
	t.markLocked(price, at)
	return true
}

func (t *Tracker) markLocked(price float64, at time.Time) {
	p := &t.pos
	p.LastPrice = price
	if p.Quantity <= 0 || p.AvgPrice <= 0 {
		p.UnrealizedPnL = 0
		return
	}
	u := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(p.AvgPrice)).
		Mul(decimal.NewFromInt(p.Quantity)).Mul(decimal.NewFromInt(p.Side.Sign()))
	p.UnrealizedPnL, _ = u.Float64()

	profit := p.ProfitPct(price)
	if profit > p.PeakProfitPct {
		p.PeakProfitPct = profit
	}
	if profit < 0 {
		if p.UnderwaterSince == nil {
			ts := at
			p.UnderwaterSince = &ts
		}
	} else {
		p.UnderwaterSince = nil
	}
}

// Cancel moves a pending tracker to cancelled. It reports false for a
// tracker that already has fills; those stay active.
func (t *Tracker) Cancel(now time.Time) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.pos.Status {
	case domain.PositionStatusPending:
		t.pos.Status = domain.PositionStatusCancelled
		t.pos.StatusChangedAt = now
		t.pos.LastValidatedAt = now
		return true, nil
	case domain.PositionStatusActive:
		return false, nil
	default:
		return false, fmt.Errorf("tracker %s is %s: %w", t.pos.ID, t.pos.Status, domain.ErrTerminalState)
	}
}

// MarkExited records an accepted exit order covering qty. Fills of the
// order already applied as reductions are not booked twice. The rest is
// booked at the last known price until the order's fills settle it. It
// returns the quantity still open, which is non-zero when fills averaged in
// while the order was in flight; the tracker then stays active.
func (t *Tracker) MarkExited(exitOrderRef string, qty int64, reason domain.ExitReason, now time.Time) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &t.pos
	if p.Status != domain.PositionStatusActive {
		return 0, fmt.Errorf("tracker %s is %s: %w", p.ID, p.Status, domain.ErrTrackerNotActive)
	}
	if qty <= 0 {
		return p.Quantity, fmt.Errorf("tracker %s: exit qty %d: %w", p.ID, qty, domain.ErrInsufficientData)
	}
	price := p.LastPrice
	if price <= 0 {
		price = p.AvgPrice
	}
	if p.OrderMarks == nil {
		p.OrderMarks = map[string]domain.OrderMark{}
	}
	reduced := min(p.Fills[exitOrderRef], qty)
	booked := min(qty-reduced, p.Quantity)
	p.OrderMarks[exitOrderRef] = domain.OrderMark{
		Notional: p.OrderMarks[exitOrderRef].Notional,
		ExitQty:  reduced + booked,
		Reduced:  reduced,
		ExitMark: price,
	}

	pnl := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(p.AvgPrice)).
		Mul(decimal.NewFromInt(booked)).Mul(decimal.NewFromInt(p.Side.Sign()))
	p.RealizedPnL, _ = decimal.NewFromFloat(p.RealizedPnL).Add(pnl).Float64()
	p.ExitQuantity += booked
	p.Quantity -= booked
	p.ExitPrice = price
	p.ExitOrderRef = exitOrderRef
	p.ExitReason = reason
	p.LastValidatedAt = now
	if p.Quantity > 0 {
		t.markLocked(p.LastPrice, now)
		return p.Quantity, nil
	}
	p.UnrealizedPnL = 0
	p.Status = domain.PositionStatusExited
	p.StatusChangedAt = now
	at := now
	p.ExitedAt = &at
	return 0, nil
}

// SetStop tightens the stop price. It reports whether the stop moved.
func (t *Tracker) SetStop(price float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &t.pos
	if price <= 0 || p.Status != domain.PositionStatusActive {
		return false
	}
	if p.StopLossPrice != 0 {
		if p.Side == domain.OrderSideBuy && price <= p.StopLossPrice {
			return false
		}
		if p.Side == domain.OrderSideSell && price >= p.StopLossPrice {
			return false
		}
	}
	p.StopLossPrice = price
	return true
}

// SetLevels sets the initial stop, target and permission of an entry.
func (t *Tracker) SetLevels(stop, target float64, perm domain.Permission) {
	t.mu.Lock()
	t.pos.StopLossPrice = stop
	t.pos.TargetPrice = target
	t.pos.Permission = perm
	t.mu.Unlock()
}

// Touch records that the tracker was validated against live state.
func (t *Tracker) Touch(now time.Time) {
	t.mu.Lock()
	t.pos.LastValidatedAt = now
	t.mu.Unlock()
}

// LockExit serializes the exit sequence of this tracker.
func (t *Tracker) LockExit() { t.exitMu.Lock() }

// UnlockExit releases LockExit.
func (t *Tracker) UnlockExit() { t.exitMu.Unlock() }

// BeginExit flags an exit as queued or in flight. It returns false when one
// already is.
func (t *Tracker) BeginExit() bool { return t.exiting.CompareAndSwap(false, true) }

// EndExit clears the in-flight flag.
func (t *Tracker) EndExit() { t.exiting.Store(false) }

// Exiting reports whether an exit is queued or in flight.
func (t *Tracker) Exiting() bool { return t.exiting.Load() }
