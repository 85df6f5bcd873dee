package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// IntentHandler opens positions for entry intents.
type IntentHandler interface {
	Enter(ctx context.Context, in domain.EntryIntent) (domain.Position, error)
}

// DecodeEntryIntent parses one entry intent message.
func DecodeEntryIntent(data []byte) (domain.EntryIntent, error) {
	var in domain.EntryIntent
	if err := json.Unmarshal(data, &in); err != nil {
		return domain.EntryIntent{}, fmt.Errorf("feed: decode entry intent: %w", err)
	}
	in.Side = domain.OrderSide(strings.ToLower(string(in.Side)))
	if in.Segment == "" || in.SecurityID == "" || in.LotSize <= 0 {
		return domain.EntryIntent{}, fmt.Errorf("feed: entry intent %q: %w", in.ID, domain.ErrInsufficientData)
	}
	return in, nil
}

// IntentStream polls the entry intent stream. Intents are handled at most
// once: the read position advances past an intent whatever its outcome,
// since retrying could submit a second entry order.
type IntentStream struct {
	bus     domain.SignalBus
	handler IntentHandler
	cfg     OrderStreamConfig
	maxAge  time.Duration
	lastID  string
	logger  *slog.Logger
	now     func() time.Time
}

// NewIntentStream creates an IntentStream. Intents older than maxAge are
// dropped; zero disables the check.
func NewIntentStream(bus domain.SignalBus, handler IntentHandler, cfg OrderStreamConfig, maxAge time.Duration, logger *slog.Logger) *IntentStream {
	if cfg.Stream == "" {
		cfg.Stream = "entry_intents"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	lastID := cfg.StartID
	if lastID == "" {
		lastID = fmt.Sprintf("%d-0", time.Now().UnixMilli())
	}
	return &IntentStream{
		bus:     bus,
		handler: handler,
		cfg:     cfg,
		maxAge:  maxAge,
		lastID:  lastID,
		logger:  logger.With(slog.String("component", "intent_stream")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run reads the stream until ctx is cancelled.
func (s *IntentStream) Run(ctx context.Context) error {
	s.logger.Info("intent stream started", slog.String("stream", s.cfg.Stream))
	defer s.logger.Info("intent stream stopped")

	for {
		if err := s.poll(ctx); err != nil && ctx.Err() == nil {
			s.logger.WarnContext(ctx, "intent stream read failed",
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

func (s *IntentStream) poll(ctx context.Context) error {
	for {
		msgs, err := s.bus.StreamRead(ctx, s.cfg.Stream, s.lastID, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			s.lastID = msg.ID
			s.handle(ctx, msg)
		}
		if len(msgs) < s.cfg.BatchSize {
			return nil
		}
	}
}

func (s *IntentStream) handle(ctx context.Context, msg domain.StreamMessage) {
	in, err := DecodeEntryIntent(msg.Payload)
	if err != nil {
		s.logger.WarnContext(ctx, "entry intent skipped",
			slog.String("id", msg.ID),
			slog.String("reason", domain.ReasonInputAmbiguity),
			slog.String("error", err.Error()),
		)
		return
	}
	if s.maxAge > 0 && !in.CreatedAt.IsZero() && s.now().Sub(in.CreatedAt) > s.maxAge {
		s.logger.WarnContext(ctx, "entry intent expired",
			slog.String("intent_id", in.ID),
			slog.Time("created_at", in.CreatedAt),
			slog.String("reason", domain.ReasonInputAmbiguity),
		)
		return
	}
	pos, err := s.handler.Enter(ctx, in)
	switch {
	case err == nil:
		s.logger.InfoContext(ctx, "entry intent accepted",
			slog.String("intent_id", in.ID),
			slog.String("tracker_id", pos.ID),
			slog.String("order_ref", pos.OrderRef),
		)
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrInsufficientData):
		s.logger.InfoContext(ctx, "entry intent refused",
			slog.String("intent_id", in.ID),
			slog.String("error", err.Error()),
		)
	default:
		s.logger.WarnContext(ctx, "entry intent failed",
			slog.String("intent_id", in.ID),
			slog.String("error", err.Error()),
		)
	}
}
