// Package paper simulates a broker: market orders fill at the last cached
// price and the resulting updates travel the same order-event path live
// broker updates do.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// ErrBusy is returned by Submit when the simulated matching queue is full.
var ErrBusy = errors.New("paper: matching queue full")

// EventQueue accepts order events for processing.
type EventQueue interface {
	Enqueue(ctx context.Context, ev domain.OrderEvent) error
}

// Config controls the simulation.
type Config struct {
	FillDelay      time.Duration // latency between Submit and the fill event
	MaxPriceAge    time.Duration // older cached prices reject the order; 0 disables
	QueueSize      int
	DefaultLotSize int64
	LotSizes       map[domain.InstrumentKey]int64
	Symbols        map[domain.InstrumentKey]string
}

type order struct {
	ref string
	req domain.OrderRequest
	at  time.Time
}

type holding struct {
	qty     int64 // signed: positive long, negative short
	avg     float64
	lotSize int64
	symbol  string
}

// Router implements domain.OrderRouter and domain.PositionSource.
type Router struct {
	prices domain.PriceCache
	events EventQueue
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	pending chan order

	mu        sync.Mutex
	cancelled map[string]bool
	book      map[domain.InstrumentKey]*holding
}

// NewRouter creates a paper Router. Call Run to process submitted orders.
func NewRouter(prices domain.PriceCache, events EventQueue, cfg Config, logger *slog.Logger) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DefaultLotSize <= 0 {
		cfg.DefaultLotSize = 1
	}
	return &Router{
		prices:    prices,
		events:    events,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "paper_router")),
		now:       func() time.Time { return time.Now().UTC() },
		pending:   make(chan order, cfg.QueueSize),
		cancelled: make(map[string]bool),
		book:      make(map[domain.InstrumentKey]*holding),
	}
}

// Submit accepts a market order and returns its reference. The fill arrives
// later through the event queue.
func (r *Router) Submit(ctx context.Context, req domain.OrderRequest) (string, error) {
	if req.Quantity <= 0 || req.Segment == "" || req.SecurityID == "" {
		return "", fmt.Errorf("paper: submit: %w", domain.ErrInsufficientData)
	}
	if req.Kind != "" && req.Kind != domain.OrderKindMarket {
		return "", fmt.Errorf("paper: submit: unsupported order kind %q", req.Kind)
	}
	o := order{ref: "paper-" + uuid.NewString(), req: req, at: r.now()}
	select {
	case r.pending <- o:
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return "", ErrBusy
	}
	r.logger.DebugContext(ctx, "paper order accepted",
		slog.String("order_ref", o.ref),
		slog.String("segment", req.Segment),
		slog.String("security_id", req.SecurityID),
		slog.String("side", string(req.Side)),
		slog.Int64("quantity", req.Quantity),
	)
	return o.ref, nil
}

// Cancel cancels an order that has not filled yet. Cancelling a filled or
// unknown order is a no-op.
func (r *Router) Cancel(_ context.Context, orderRef string) error {
	r.mu.Lock()
	r.cancelled[orderRef] = true
	r.mu.Unlock()
	return nil
}

// OpenPositions reports the net simulated holdings.
func (r *Router) OpenPositions(_ context.Context) ([]domain.BrokerPosition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.BrokerPosition, 0, len(r.book))
	for key, h := range r.book {
		if h.qty == 0 {
			continue
		}
		side, qty := domain.OrderSideBuy, h.qty
		if qty < 0 {
			side, qty = domain.OrderSideSell, -qty
		}
		out = append(out, domain.BrokerPosition{
			Segment:    key.Segment,
			SecurityID: key.SecurityID,
			Symbol:     h.symbol,
			Side:       side,
			Quantity:   qty,
			AvgPrice:   h.avg,
			LotSize:    h.lotSize,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Segment != out[j].Segment {
			return out[i].Segment < out[j].Segment
		}
		return out[i].SecurityID < out[j].SecurityID
	})
	return out, nil
}

// Run matches accepted orders until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-r.pending:
			if wait := r.cfg.FillDelay - r.now().Sub(o.at); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil
				}
			}
			r.match(ctx, o)
		}
	}
}

func (r *Router) match(ctx context.Context, o order) {
	key := domain.InstrumentKey{Segment: o.req.Segment, SecurityID: o.req.SecurityID}

	r.mu.Lock()
	cancelled := r.cancelled[o.ref]
	delete(r.cancelled, o.ref)
	r.mu.Unlock()
	if cancelled {
		r.publish(ctx, domain.OrderEvent{
			Type:   domain.OrderEventCancel,
			Cancel: &domain.CancelEvent{OrderRef: o.ref, Reason: "cancelled before fill", Timestamp: r.now()},
		})
		return
	}

	price, ts, err := r.prices.GetPrice(ctx, key)
	stale := r.cfg.MaxPriceAge > 0 && r.now().Sub(ts) > r.cfg.MaxPriceAge
	if err != nil || !(price > 0) || stale {
		reason := "no price"
		if err == nil && stale {
			reason = "stale price"
		}
		r.logger.WarnContext(ctx, "paper order rejected",
			slog.String("order_ref", o.ref),
			slog.String("segment", key.Segment),
			slog.String("security_id", key.SecurityID),
			slog.String("reason", domain.ReasonInputAmbiguity),
			slog.String("detail", reason),
		)
		r.publish(ctx, domain.OrderEvent{
			Type:   domain.OrderEventReject,
			Cancel: &domain.CancelEvent{OrderRef: o.ref, Rejected: true, Reason: reason, Timestamp: r.now()},
		})
		return
	}

	lotSize, symbol := r.applyToBook(key, o.req, price)
	r.publish(ctx, domain.OrderEvent{
		Type: domain.OrderEventFill,
		Fill: &domain.FillEvent{
			OrderRef:   o.ref,
			Segment:    key.Segment,
			SecurityID: key.SecurityID,
			Symbol:     symbol,
			Side:       o.req.Side,
			FilledQty:  o.req.Quantity,
			FillPrice:  price,
			LotSize:    lotSize,
			Timestamp:  r.now(),
		},
	})
}

// applyToBook applies a fill to the simulated holdings.
func (r *Router) applyToBook(key domain.InstrumentKey, req domain.OrderRequest, price float64) (int64, string) {
	lotSize := r.cfg.DefaultLotSize
	if ls, ok := r.cfg.LotSizes[key]; ok && ls > 0 {
		lotSize = ls
	}
	symbol := r.cfg.Symbols[key]

	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.book[key]
	if !ok {
		h = &holding{lotSize: lotSize, symbol: symbol}
		r.book[key] = h
	}
	delta := req.Quantity * req.Side.Sign()
	next := h.qty + delta
	switch {
	case next == 0:
		h.avg = 0
	case h.qty == 0 || (h.qty > 0) != (next > 0):
		h.avg = price
	case (h.qty > 0) == (delta > 0):
		h.avg = (h.avg*float64(abs(h.qty)) + price*float64(abs(delta))) / float64(abs(next))
	}
	h.qty = next
	return lotSize, symbol
}

func (r *Router) publish(ctx context.Context, ev domain.OrderEvent) {
	if err := r.events.Enqueue(ctx, ev); err != nil {
		r.logger.ErrorContext(ctx, "paper order event dropped",
			slog.String("type", string(ev.Type)),
			slog.String("reason", domain.ReasonExternalCallFailed),
			slog.String("error", err.Error()),
		)
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

var (
	_ domain.OrderRouter    = (*Router)(nil)
	_ domain.PositionSource = (*Router)(nil)
)
