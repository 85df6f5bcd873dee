package domain

import "time"

// Lifecycle event names published on the signal bus and the audit log.
const (
	EventPositionOpened    = "position_opened"
	EventPositionAveraged  = "position_averaged"
	EventPositionReduced   = "position_reduced"
	EventPositionExited    = "position_exited"
	EventPositionCancelled = "position_cancelled"
	EventExitFailed        = "exit_failed"
	EventStopUpdated       = "stop_updated"
)

// PositionEvent is the JSON payload describing a lifecycle transition.
type PositionEvent struct {
	Event      string    `json:"event"`
	TrackerID  string    `json:"tracker_id"`
	OrderRef   string    `json:"order_ref"`
	Segment    string    `json:"segment"`
	SecurityID string    `json:"security_id"`
	Side       OrderSide `json:"side"`
	Quantity   int64     `json:"quantity"`
	AvgPrice   float64   `json:"avg_price"`
	Price      float64   `json:"price,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Status     string    `json:"status"`
	At         time.Time `json:"at"`
}

// NewPositionEvent builds an event from a position snapshot.
func NewPositionEvent(name string, p Position, price float64, reason string, at time.Time) PositionEvent {
	return PositionEvent{
		Event:      name,
		TrackerID:  p.ID,
		OrderRef:   p.OrderRef,
		Segment:    p.Segment,
		SecurityID: p.SecurityID,
		Side:       p.Side,
		Quantity:   p.Quantity,
		AvgPrice:   p.AvgPrice,
		Price:      price,
		Reason:     reason,
		Status:     string(p.Status),
		At:         at,
	}
}

// Detail flattens the event for the audit log.
func (e PositionEvent) Detail() map[string]any {
	return map[string]any{
		"tracker_id":  e.TrackerID,
		"order_ref":   e.OrderRef,
		"segment":     e.Segment,
		"security_id": e.SecurityID,
		"side":        string(e.Side),
		"quantity":    e.Quantity,
		"avg_price":   e.AvgPrice,
		"price":       e.Price,
		"reason":      e.Reason,
		"status":      e.Status,
	}
}
