package service

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/lotguard/internal/domain"
	"github.com/alanyoungcy/lotguard/internal/metrics"
	"github.com/alanyoungcy/lotguard/internal/permission"
	"github.com/alanyoungcy/lotguard/internal/sizing"
)

// EntryPlan is the sized, permission-gated entry for one instrument.
type EntryPlan struct {
	Key         domain.InstrumentKey
	Side        domain.OrderSide
	Quantity    int64 // 0 means do not enter
	Permission  domain.Permission
	Policy      domain.ExecutionPolicy
	StopPrice   float64
	TargetPrice float64
}

// Request builds the market order for the plan.
func (p EntryPlan) Request(tag string) domain.OrderRequest {
	return domain.OrderRequest{
		Segment:    p.Key.Segment,
		SecurityID: p.Key.SecurityID,
		Side:       p.Side,
		Quantity:   p.Quantity,
		Kind:       domain.OrderKindMarket,
		Tag:        tag,
	}
}

// EntryGate resolves the permission for an instrument and sizes the entry
// accordingly. Snapshot provider failures resolve to Blocked.
type EntryGate struct {
	structural domain.StructuralProvider
	volatility domain.VolatilityProvider
	alloc      *sizing.Allocator
	policies   permission.Policies
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewEntryGate creates an EntryGate.
func NewEntryGate(
	structural domain.StructuralProvider,
	volatility domain.VolatilityProvider,
	alloc *sizing.Allocator,
	policies permission.Policies,
	m *metrics.Metrics,
	logger *slog.Logger,
) *EntryGate {
	if alloc == nil {
		alloc = sizing.NewAllocator(nil, 0)
	}
	if policies == nil {
		policies = permission.DefaultPolicies()
	}
	return &EntryGate{
		structural: structural,
		volatility: volatility,
		alloc:      alloc,
		policies:   policies,
		metrics:    m,
		logger:     logger.With(slog.String("component", "entry_gate")),
	}
}

// Permission returns the current permission for key.
func (g *EntryGate) Permission(ctx context.Context, key domain.InstrumentKey) domain.Permission {
	s, err := g.structural.Structural(ctx, key)
	if err != nil {
		g.logger.WarnContext(ctx, "structural snapshot unavailable",
			slog.String("segment", key.Segment),
			slog.String("security_id", key.SecurityID),
			slog.String("reason", domain.ReasonInputAmbiguity),
			slog.String("error", err.Error()),
		)
		return domain.PermissionBlocked
	}
	v, err := g.volatility.Volatility(ctx, key)
	if err != nil {
		g.logger.WarnContext(ctx, "volatility snapshot unavailable",
			slog.String("segment", key.Segment),
			slog.String("security_id", key.SecurityID),
			slog.String("reason", domain.ReasonInputAmbiguity),
			slog.String("error", err.Error()),
		)
		return domain.PermissionBlocked
	}
	return permission.Resolve(s, v)
}

// Plan sizes an entry on key at entryPrice for the given equity.
func (g *EntryGate) Plan(ctx context.Context, key domain.InstrumentKey, side domain.OrderSide, equity, entryPrice float64, lotSize int64) EntryPlan {
	perm := g.Permission(ctx, key)
	g.metrics.PermissionResolved(perm.String())
	pol := g.policies.For(perm)
	plan := EntryPlan{Key: key, Side: side, Permission: perm, Policy: pol}
	if perm == domain.PermissionBlocked || pol.MaxLots <= 0 {
		return plan
	}

	qty := g.alloc.QuantityFor(equity, entryPrice, lotSize, permission.ScaleMultiplier(pol))
	if maxQty := pol.MaxLots * lotSize; qty > maxQty {
		qty = maxQty
	}
	plan.Quantity = qty
	if qty == 0 {
		return plan
	}

	sign := float64(side.Sign())
	if pol.HardStopPct > 0 {
		plan.StopPrice = entryPrice * (1 - sign*pol.HardStopPct/100)
	}
	if t := takeProfitPct(pol); t > 0 {
		plan.TargetPrice = entryPrice * (1 + sign*t/100)
	}

	g.logger.InfoContext(ctx, "entry planned",
		slog.String("segment", key.Segment),
		slog.String("security_id", key.SecurityID),
		slog.String("permission", perm.String()),
		slog.Int64("quantity", qty),
		slog.Float64("stop", plan.StopPrice),
		slog.Float64("target", plan.TargetPrice),
	)
	return plan
}
