// Package gateway routes orders to an external broker gateway process over
// a durable Redis stream. The gateway reports fills and cancellations back
// on the order-update stream.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// Request is one message on the order request stream.
type Request struct {
	Action     string           `json:"action"` // submit | cancel
	OrderRef   string           `json:"order_ref"`
	Segment    string           `json:"segment,omitempty"`
	SecurityID string           `json:"security_id,omitempty"`
	Side       domain.OrderSide `json:"side,omitempty"`
	Quantity   int64            `json:"quantity,omitempty"`
	Kind       domain.OrderKind `json:"kind,omitempty"`
	Tag        string           `json:"tag,omitempty"`
	SentAt     time.Time        `json:"sent_at"`
}

// StreamRouter implements domain.OrderRouter. The order reference is
// assigned here so it is known before the gateway acknowledges the order.
type StreamRouter struct {
	bus    domain.SignalBus
	stream string
	logger *slog.Logger
	now    func() time.Time
	newRef func() string
}

// NewStreamRouter creates a router appending to stream on bus.
func NewStreamRouter(bus domain.SignalBus, stream string, logger *slog.Logger) *StreamRouter {
	if stream == "" {
		stream = "order_requests"
	}
	return &StreamRouter{
		bus:    bus,
		stream: stream,
		logger: logger.With(slog.String("component", "gateway_router")),
		now:    func() time.Time { return time.Now().UTC() },
		newRef: uuid.NewString,
	}
}

// Submit publishes a new order and returns its reference.
func (r *StreamRouter) Submit(ctx context.Context, req domain.OrderRequest) (string, error) {
	if req.Quantity <= 0 || req.Segment == "" || req.SecurityID == "" {
		return "", fmt.Errorf("gateway: submit: %w", domain.ErrInsufficientData)
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.OrderKindMarket
	}
	msg := Request{
		Action:     "submit",
		OrderRef:   r.newRef(),
		Segment:    req.Segment,
		SecurityID: req.SecurityID,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Kind:       kind,
		Tag:        req.Tag,
		SentAt:     r.now(),
	}
	if err := r.send(ctx, msg); err != nil {
		return "", err
	}
	r.logger.InfoContext(ctx, "order submitted",
		slog.String("order_ref", msg.OrderRef),
		slog.String("segment", msg.Segment),
		slog.String("security_id", msg.SecurityID),
		slog.String("side", string(msg.Side)),
		slog.Int64("quantity", msg.Quantity),
		slog.String("tag", msg.Tag),
	)
	return msg.OrderRef, nil
}

// Cancel asks the gateway to cancel orderRef.
func (r *StreamRouter) Cancel(ctx context.Context, orderRef string) error {
	if orderRef == "" {
		return fmt.Errorf("gateway: cancel: %w", domain.ErrInsufficientData)
	}
	return r.send(ctx, Request{Action: "cancel", OrderRef: orderRef, SentAt: r.now()})
}

func (r *StreamRouter) send(ctx context.Context, msg Request) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gateway: encode %s %s: %w", msg.Action, msg.OrderRef, err)
	}
	if err := r.bus.StreamAppend(ctx, r.stream, payload); err != nil {
		return fmt.Errorf("gateway: %s %s: %w", msg.Action, msg.OrderRef, err)
	}
	return nil
}

var _ domain.OrderRouter = (*StreamRouter)(nil)
