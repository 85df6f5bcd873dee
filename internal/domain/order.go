package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side that closes a position opened on s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Sign is +1 for buy and -1 for sell.
func (s OrderSide) Sign() int64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// OrderKind is the execution type of an order sent to the router.
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
)

// OrderRequest is what the position core asks the router to submit.
type OrderRequest struct {
	Segment    string
	SecurityID string
	Side       OrderSide
	Quantity   int64
	Kind       OrderKind
	Tag        string // free-form correlation tag, e.g. the tracker id
}

// FillEvent is a broker order update reporting a (partial) fill.
// FilledQty is cumulative for OrderRef, so replays carry the same value.
type FillEvent struct {
	OrderRef   string
	Segment    string
	SecurityID string
	Symbol     string
	Side       OrderSide
	FilledQty  int64
	FillPrice  float64 // average price of the cumulative fill
	LotSize    int64
	Timestamp  time.Time
}

// CancelEvent is a broker order update reporting a cancellation or rejection.
type CancelEvent struct {
	OrderRef  string
	Rejected  bool
	Reason    string
	Timestamp time.Time
}

// OrderEventType tags an OrderEvent envelope.
type OrderEventType string

const (
	OrderEventFill   OrderEventType = "fill"
	OrderEventCancel OrderEventType = "cancel"
	OrderEventReject OrderEventType = "reject"
)

// OrderEvent is the envelope delivered by an order-update source.
type OrderEvent struct {
	Type   OrderEventType
	Fill   *FillEvent
	Cancel *CancelEvent
}

// BrokerPosition is an open position as reported by the broker.
type BrokerPosition struct {
	Segment    string
	SecurityID string
	Symbol     string
	Side       OrderSide
	Quantity   int64
	AvgPrice   float64
	LotSize    int64
}

// Tick is one inbound live price update.
type Tick struct {
	Segment    string
	SecurityID string
	LastPrice  float64
	Timestamp  time.Time
}

// Key returns the subscription key the tick belongs to.
func (t Tick) Key() InstrumentKey {
	return InstrumentKey{Segment: t.Segment, SecurityID: t.SecurityID}
}

// EntryIntent is an upstream request to open a position on an instrument.
// Price is the reference entry price; zero means use the last cached price.
type EntryIntent struct {
	ID         string    `json:"id"`
	Segment    string    `json:"segment"`
	SecurityID string    `json:"security_id"`
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	LotSize    int64     `json:"lot_size"`
	Price      float64   `json:"price,omitempty"`
	Equity     float64   `json:"equity,omitempty"` // overrides the configured equity when set
	CreatedAt  time.Time `json:"created_at"`
}

// Key returns the instrument of the intent.
func (in EntryIntent) Key() InstrumentKey {
	return InstrumentKey{Segment: in.Segment, SecurityID: in.SecurityID}
}
