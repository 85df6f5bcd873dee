package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// ErrEntryBlocked is returned when the entry gate sizes an intent to zero.
var ErrEntryBlocked = errors.New("entry blocked")

// EntryDesk turns entry intents into registered entry orders: gate, size,
// submit and register the pending tracker.
type EntryDesk struct {
	gate    *EntryGate
	router  domain.OrderRouter
	manager *Manager
	prices  domain.PriceCache
	equity  float64
	maxAge  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewEntryDesk creates an EntryDesk. equity is used for intents that do not
// carry their own; prices may be nil when every intent carries a price.
func NewEntryDesk(gate *EntryGate, router domain.OrderRouter, manager *Manager, prices domain.PriceCache, equity float64, maxPriceAge time.Duration, logger *slog.Logger) *EntryDesk {
	return &EntryDesk{
		gate:    gate,
		router:  router,
		manager: manager,
		prices:  prices,
		equity:  equity,
		maxAge:  maxPriceAge,
		logger:  logger.With(slog.String("component", "entry_desk")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enter handles one intent. An instrument that already has a live tracker
// is refused; scaling happens through the policy's size multiplier at entry.
func (d *EntryDesk) Enter(ctx context.Context, in domain.EntryIntent) (domain.Position, error) {
	key := in.Key()
	if key.Segment == "" || key.SecurityID == "" || in.LotSize <= 0 ||
		(in.Side != domain.OrderSideBuy && in.Side != domain.OrderSideSell) {
		return domain.Position{}, fmt.Errorf("entry_desk: intent %q: %w", in.ID, domain.ErrInsufficientData)
	}
	if live := d.manager.liveTracker(key); live != nil {
		return domain.Position{}, fmt.Errorf("entry_desk: %s already tracked by %s: %w", key, live.ID(), domain.ErrAlreadyExists)
	}

	price, err := d.entryPrice(ctx, in)
	if err != nil {
		d.logger.WarnContext(ctx, "entry skipped",
			slog.String("intent_id", in.ID),
			slog.String("segment", key.Segment),
			slog.String("security_id", key.SecurityID),
			slog.String("reason", domain.ReasonInputAmbiguity),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, err
	}
	equity := d.equity
	if in.Equity > 0 {
		equity = in.Equity
	}

	plan := d.gate.Plan(ctx, key, in.Side, equity, price, in.LotSize)
	if plan.Quantity == 0 {
		d.logger.InfoContext(ctx, "entry blocked",
			slog.String("intent_id", in.ID),
			slog.String("segment", key.Segment),
			slog.String("security_id", key.SecurityID),
			slog.String("permission", plan.Permission.String()),
		)
		return domain.Position{}, fmt.Errorf("entry_desk: %s at %s: %w", key, plan.Permission, ErrEntryBlocked)
	}

	ref, err := d.router.Submit(ctx, plan.Request(in.ID))
	if err != nil {
		d.logger.ErrorContext(ctx, "entry order failed",
			slog.String("intent_id", in.ID),
			slog.String("segment", key.Segment),
			slog.String("security_id", key.SecurityID),
			slog.String("reason", domain.ReasonExternalCallFailed),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, fmt.Errorf("entry_desk: submit: %w", err)
	}
	pos, err := d.manager.RegisterOrder(ctx, ref, plan, in.Symbol, in.LotSize)
	if err != nil {
		// The order is live at the broker; its fill still opens a tracker.
		d.logger.ErrorContext(ctx, "entry order not registered",
			slog.String("intent_id", in.ID),
			slog.String("order_ref", ref),
			slog.String("reason", domain.ReasonPersistFailed),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, fmt.Errorf("entry_desk: register %s: %w", ref, err)
	}
	return pos, nil
}

func (d *EntryDesk) entryPrice(ctx context.Context, in domain.EntryIntent) (float64, error) {
	if in.Price > 0 {
		return in.Price, nil
	}
	if d.prices == nil {
		return 0, fmt.Errorf("entry_desk: no price for %s: %w", in.Key(), domain.ErrInsufficientData)
	}
	price, ts, err := d.prices.GetPrice(ctx, in.Key())
	if err != nil {
		return 0, fmt.Errorf("entry_desk: price for %s: %w", in.Key(), domain.ErrInsufficientData)
	}
	if !(price > 0) || (d.maxAge > 0 && d.now().Sub(ts) > d.maxAge) {
		return 0, fmt.Errorf("entry_desk: stale price for %s: %w", in.Key(), domain.ErrInsufficientData)
	}
	return price, nil
}
