package domain

import "time"

// PositionStatus tracks the lifecycle of a position tracker.
type PositionStatus string

const (
	PositionStatusPending   PositionStatus = "pending"
	PositionStatusActive    PositionStatus = "active"
	PositionStatusExited    PositionStatus = "exited"
	PositionStatusCancelled PositionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s PositionStatus) Terminal() bool {
	return s == PositionStatusExited || s == PositionStatusCancelled
}

// InstrumentKey identifies a live feed subscription: one market segment plus
// one security id.
type InstrumentKey struct {
	Segment    string
	SecurityID string
}

// String renders the key as "segment:security_id".
func (k InstrumentKey) String() string {
	return k.Segment + ":" + k.SecurityID
}

// Position is the persisted record of one position lifecycle tracker.
type Position struct {
	ID         string
	OrderRef   string // broker reference of the order that opened the position
	Segment    string
	SecurityID string
	Symbol     string
	Side       OrderSide
	LotSize    int64

	Quantity   int64   // always a non-negative multiple of LotSize
	EntryPrice float64 // price of the first fill
	AvgPrice   float64 // volume-weighted; meaningful only while Quantity > 0
	ExitPrice  float64
	LastPrice  float64

	// ExitQuantity is the quantity closed by exit fills or an exit order.
	// AvgPrice is kept on terminal records as the cost basis.
	ExitQuantity int64

	RealizedPnL   float64
	UnrealizedPnL float64
	PeakProfitPct float64 // high-water mark of profit % since entry

	StopLossPrice   float64
	TargetPrice     float64
	UnderwaterSince *time.Time // start of the current continuous stretch below entry

	// Fills records the cumulative filled quantity seen per order reference.
	// New fills are detected by reconciling against it.
	Fills map[string]int64
	// OrderMarks carries per order reference the cumulative fill notional
	// and, for exit orders, the quantity booked at the provisional price.
	OrderMarks   map[string]OrderMark
	ExitOrderRef string
	ExitReason   ExitReason
	Permission   Permission

	Status          PositionStatus
	CreatedAt       time.Time
	LastValidatedAt time.Time
	StatusChangedAt time.Time
	ExitedAt        *time.Time
}

// Key returns the subscription key of the position.
func (p Position) Key() InstrumentKey {
	return InstrumentKey{Segment: p.Segment, SecurityID: p.SecurityID}
}

// IsActive reports whether the position currently carries live exposure.
func (p Position) IsActive() bool {
	return p.Status == PositionStatusActive
}

// ProfitPct returns the profit of the position at price, in percent of the
// average price, signed by side.
func (p Position) ProfitPct(price float64) float64 {
	if p.AvgPrice <= 0 || p.Quantity <= 0 {
		return 0
	}
	pct := (price - p.AvgPrice) / p.AvgPrice * 100
	if p.Side == OrderSideSell {
		pct = -pct
	}
	return pct
}

// SecondsUnderwater returns how long the position has been continuously
// below entry as of now.
func (p Position) SecondsUnderwater(now time.Time) float64 {
	if p.UnderwaterSince == nil {
		return 0
	}
	d := now.Sub(*p.UnderwaterSince).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

// DrawdownFromPeakPct is the profit given back from the high-water mark.
func (p Position) DrawdownFromPeakPct() float64 {
	dd := p.PeakProfitPct - p.ProfitPct(p.LastPrice)
	if dd < 0 {
		return 0
	}
	return dd
}

// OrderMark is the per-order bookkeeping of a position. Notional is the
// cumulative average fill price times the cumulative filled quantity. For an
// exit order, ExitQty is the quantity the order covers, Reduced the part of
// it already applied as reducing fills when the exit was recorded, and
// ExitMark the provisional price the rest was booked at.
type OrderMark struct {
	Notional float64 `json:"notional"`
	ExitQty  int64   `json:"exit_qty,omitempty"`
	Reduced  int64   `json:"reduced,omitempty"`
	ExitMark float64 `json:"exit_mark,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (p Position) Clone() Position {
	out := p
	if p.Fills != nil {
		out.Fills = make(map[string]int64, len(p.Fills))
		for k, v := range p.Fills {
			out.Fills[k] = v
		}
	}
	if p.OrderMarks != nil {
		out.OrderMarks = make(map[string]OrderMark, len(p.OrderMarks))
		for k, v := range p.OrderMarks {
			out.OrderMarks[k] = v
		}
	}
	if p.UnderwaterSince != nil {
		t := *p.UnderwaterSince
		out.UnderwaterSince = &t
	}
	if p.ExitedAt != nil {
		t := *p.ExitedAt
		out.ExitedAt = &t
	}
	return out
}
