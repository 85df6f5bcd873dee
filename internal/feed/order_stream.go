package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// OrderUpdate is the JSON shape of a broker order update on the order
// stream.
type OrderUpdate struct {
	Type       string  `json:"type"` // fill | cancel | reject
	OrderRef   string  `json:"order_ref"`
	Segment    string  `json:"segment,omitempty"`
	SecurityID string  `json:"security_id,omitempty"`
	Symbol     string  `json:"symbol,omitempty"`
	Side       string  `json:"side,omitempty"`
	FilledQty  int64   `json:"filled_qty,omitempty"` // cumulative
	FillPrice  float64 `json:"fill_price,omitempty"` // average over the cumulative fill
	LotSize    int64   `json:"lot_size,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Timestamp  string  `json:"ts,omitempty"`
}

// DecodeOrderUpdate parses one order update into an OrderEvent.
func DecodeOrderUpdate(data []byte) (domain.OrderEvent, error) {
	var u OrderUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return domain.OrderEvent{}, fmt.Errorf("feed: decode order update: %w", err)
	}
	if strings.TrimSpace(u.OrderRef) == "" {
		return domain.OrderEvent{}, fmt.Errorf("feed: order update without order_ref: %w", domain.ErrInsufficientData)
	}
	ts := time.Now().UTC()
	if u.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, u.Timestamp); err == nil {
			ts = t
		}
	}

	switch domain.OrderEventType(strings.ToLower(u.Type)) {
	case domain.OrderEventFill:
		side := domain.OrderSide(strings.ToLower(u.Side))
		if side != domain.OrderSideBuy && side != domain.OrderSideSell {
			return domain.OrderEvent{}, fmt.Errorf("feed: fill %s: side %q: %w", u.OrderRef, u.Side, domain.ErrInsufficientData)
		}
		return domain.OrderEvent{Type: domain.OrderEventFill, Fill: &domain.FillEvent{
			OrderRef:   u.OrderRef,
			Segment:    u.Segment,
			SecurityID: u.SecurityID,
			Symbol:     u.Symbol,
			Side:       side,
			FilledQty:  u.FilledQty,
			FillPrice:  u.FillPrice,
			LotSize:    u.LotSize,
			Timestamp:  ts,
		}}, nil
	case domain.OrderEventCancel, domain.OrderEventReject:
		typ := domain.OrderEventType(strings.ToLower(u.Type))
		return domain.OrderEvent{Type: typ, Cancel: &domain.CancelEvent{
			OrderRef:  u.OrderRef,
			Rejected:  typ == domain.OrderEventReject,
			Reason:    u.Reason,
			Timestamp: ts,
		}}, nil
	default:
		return domain.OrderEvent{}, fmt.Errorf("feed: order update %s: type %q: %w", u.OrderRef, u.Type, domain.ErrInsufficientData)
	}
}

// EventQueue accepts decoded order events.
type EventQueue interface {
	Enqueue(ctx context.Context, ev domain.OrderEvent) error
}

// OrderStreamConfig configures the order stream reader.
type OrderStreamConfig struct {
	Stream       string
	StartID      string // empty reads entries added after start-up
	BatchSize    int
	PollInterval time.Duration
}

// OrderStream polls the broker order-update stream on the signal bus and
// forwards each update to the event queue. The read position only advances
// past an entry once it has been queued.
type OrderStream struct {
	bus    domain.SignalBus
	queue  EventQueue
	cfg    OrderStreamConfig
	lastID string
	logger *slog.Logger
}

// NewOrderStream creates an OrderStream.
func NewOrderStream(bus domain.SignalBus, queue EventQueue, cfg OrderStreamConfig, logger *slog.Logger) *OrderStream {
	if cfg.Stream == "" {
		cfg.Stream = "order_updates"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	lastID := cfg.StartID
	if lastID == "" {
		lastID = fmt.Sprintf("%d-0", time.Now().UnixMilli())
	}
	return &OrderStream{
		bus:    bus,
		queue:  queue,
		cfg:    cfg,
		lastID: lastID,
		logger: logger.With(slog.String("component", "order_stream")),
	}
}

// Run reads the stream until ctx is cancelled.
func (s *OrderStream) Run(ctx context.Context) error {
	s.logger.Info("order stream started", slog.String("stream", s.cfg.Stream))
	defer s.logger.Info("order stream stopped")

	for {
		if err := s.poll(ctx); err != nil && ctx.Err() == nil {
			s.logger.WarnContext(ctx, "order stream read failed",
				slog.String("reason", domain.ReasonExternalCallFailed),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// poll drains every entry currently available.
func (s *OrderStream) poll(ctx context.Context) error {
	for {
		msgs, err := s.bus.StreamRead(ctx, s.cfg.Stream, s.lastID, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, msg := range msgs {
			ev, err := DecodeOrderUpdate(msg.Payload)
			if err != nil {
				s.logger.WarnContext(ctx, "order update skipped",
					slog.String("id", msg.ID),
					slog.String("reason", domain.ReasonInputAmbiguity),
					slog.String("error", err.Error()),
				)
				s.lastID = msg.ID
				continue
			}
			if err := s.queue.Enqueue(ctx, ev); err != nil {
				return fmt.Errorf("feed: enqueue %s: %w", msg.ID, err)
			}
			s.lastID = msg.ID
		}
		if len(msgs) < s.cfg.BatchSize {
			return nil
		}
	}
}
