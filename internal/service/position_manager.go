package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/lotguard/internal/domain"
	"github.com/alanyoungcy/lotguard/internal/metrics"
	"github.com/alanyoungcy/lotguard/internal/permission"
	"github.com/alanyoungcy/lotguard/internal/tracker"
)

// ExitScheduler queues an exit for asynchronous execution. Schedule returns
// false when the request was dropped.
type ExitScheduler interface {
	Schedule(trackerID string, reason domain.ExitReason) bool
}

// retiredOrderTTL is how long order references of finished trackers are
// remembered to reject replayed events.
const retiredOrderTTL = 24 * time.Hour

// ManagerConfig bounds the blocking calls made by the Manager.
type ManagerConfig struct {
	ExitTimeout time.Duration // order router call while the tracker exit lock is held
	FeedTimeout time.Duration // subscribe / unsubscribe
	ExitLockTTL time.Duration // distributed exit lock lease
}

// ManagerDeps are the collaborators of the Manager. Feed, Broker, Prices,
// Trends, Locks, Bus and Audit are optional.
type ManagerDeps struct {
	Store    domain.PositionStore
	Router   domain.OrderRouter
	Feed     domain.FeedSubscriber
	Broker   domain.PositionSource
	Prices   domain.PriceCache
	Trends   domain.TrendProvider
	Locks    domain.LockManager
	Bus      domain.SignalBus
	Audit    domain.AuditStore
	Engine   *RiskEngine
	Cache    *ActiveCache
	Policies permission.Policies
	Metrics  *metrics.Metrics
}

// noFeed stands in for the live feed in runs that never stream prices.
type noFeed struct{}

func (noFeed) Subscribe(context.Context, domain.InstrumentKey) error   { return nil }
func (noFeed) Unsubscribe(context.Context, domain.InstrumentKey) error { return nil }

type orderEntry struct {
	key       domain.InstrumentKey
	trackerID string
}

// subscription is the per-instrument entry of the subscription index. refs
// counts registered trackers; the feed is unsubscribed when it reaches 0.
type subscription struct {
	mu          sync.RWMutex
	trackers    map[string]*tracker.Tracker
	refs        int
	subscribed  bool
	subscribing bool
	dead        bool
}

// Manager owns every live tracker. It indexes order references and
// instruments to trackers, applies broker events idempotently, routes ticks
// to the risk engine and executes exits exactly once per tracker.
//
// Locking: the index maps are sync.Maps; each instrument has its own mutex
// serializing state transitions and their persistence; each tracker has its
// own exit lock. There is no global lock.
type Manager struct {
	deps   ManagerDeps
	cfg    ManagerConfig
	logger *slog.Logger
	events eventSink
	exits  ExitScheduler
	now    func() time.Time
	newID  func() string

	byID       sync.Map // tracker id -> *tracker.Tracker
	orderIndex sync.Map // order ref -> orderEntry
	subIndex   sync.Map // domain.InstrumentKey -> *subscription
	exitRefs   sync.Map // exit order ref -> *tracker.Tracker
	retired    sync.Map // order ref of a deregistered tracker -> time.Time
	keyLocks   sync.Map // domain.InstrumentKey -> *sync.Mutex
	dirty      sync.Map // tracker id -> *tracker.Tracker awaiting re-persist
	retryExit  sync.Map // tracker id -> domain.ExitReason
}

// NewManager creates a Manager. Call SetExitScheduler before starting the
// event loops to execute exits asynchronously.
func NewManager(deps ManagerDeps, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.ExitTimeout <= 0 {
		cfg.ExitTimeout = 5 * time.Second
	}
	if cfg.FeedTimeout <= 0 {
		cfg.FeedTimeout = 3 * time.Second
	}
	if cfg.ExitLockTTL <= 0 {
		cfg.ExitLockTTL = cfg.ExitTimeout + 5*time.Second
	}
	if deps.Policies == nil {
		deps.Policies = permission.DefaultPolicies()
	}
	if deps.Feed == nil {
		deps.Feed = noFeed{}
	}
	if deps.Engine == nil {
		deps.Engine = NewRiskEngine(nil, DefaultEngineConfig())
	}
	logger = logger.With(slog.String("component", "position_manager"))
	if deps.Cache == nil {
		deps.Cache = NewActiveCache(deps.Store, ActiveCacheConfig{}, logger)
	}
	return &Manager{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		events: eventSink{bus: deps.Bus, audit: deps.Audit, logger: logger},
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// SetExitScheduler routes risk-triggered exits through s. Without one, exits
// run inline on the evaluating goroutine.
func (m *Manager) SetExitScheduler(s ExitScheduler) { m.exits = s }

// OnFill applies a broker fill event. Replays of an already applied fill are
// ignored. The first fill on an instrument without a live tracker opens one;
// later fills on the same instrument average into or reduce it.
func (m *Manager) OnFill(ctx context.Context, ev domain.FillEvent) error {
	if ev.OrderRef == "" || ev.FilledQty <= 0 || !(ev.FillPrice > 0) || ev.Segment == "" || ev.SecurityID == "" {
		m.logger.WarnContext(ctx, "fill ignored",
			slog.String("order_ref", ev.OrderRef),
			slog.String("segment", ev.Segment),
			slog.String("security_id", ev.SecurityID),
			slog.String("reason", domain.ReasonInputAmbiguity),
		)
		return fmt.Errorf("position_manager: fill %q: %w", ev.OrderRef, domain.ErrInsufficientData)
	}
	now := m.now()
	key := domain.InstrumentKey{Segment: ev.Segment, SecurityID: ev.SecurityID}

	mu := m.keyMu(key)
	mu.Lock()
	if v, ok := m.exitRefs.Load(ev.OrderRef); ok {
		err := m.settleExitLocked(ctx, v.(*tracker.Tracker), ev, now)
		mu.Unlock()
		return err
	}
	if _, ok := m.retired.Load(ev.OrderRef); ok {
		mu.Unlock()
		m.deps.Metrics.DuplicateEvent("fill")
		m.logger.DebugContext(ctx, "fill for retired order ignored",
			slog.String("order_ref", ev.OrderRef),
			slog.String("reason", domain.ReasonDuplicateEvent),
		)
		return nil
	}
	tr := m.trackerForOrder(ev.OrderRef)
	if tr == nil {
		var opened bool
		var err error
		tr, opened, err = m.openLocked(ctx, ev, now)
		if err != nil || opened {
			mu.Unlock()
			if opened {
				m.ensureSubscribed(ctx, key)
			}
			return err
		}
	}
	active, err := m.applyFillLocked(ctx, tr, ev, now)
	mu.Unlock()
	if active {
		m.ensureSubscribed(ctx, key)
	}
	return err
}

// openLocked creates a tracker for the first fill on an instrument, or
// returns the live tracker the fill belongs to. The instrument mutex must be
// held.
func (m *Manager) openLocked(ctx context.Context, ev domain.FillEvent, now time.Time) (*tracker.Tracker, bool, error) {
	key := domain.InstrumentKey{Segment: ev.Segment, SecurityID: ev.SecurityID}
	if live := m.liveTracker(key); live != nil {
		return live, false, nil
	}

	tr, err := tracker.FromFill(m.newID(), ev, now)
	if err != nil {
		m.logger.WarnContext(ctx, "fill cannot open tracker",
			slog.String("order_ref", ev.OrderRef),
			slog.String("segment", ev.Segment),
			slog.String("security_id", ev.SecurityID),
			slog.String("reason", domain.ReasonInputAmbiguity),
			slog.String("error", err.Error()),
		)
		return nil, false, fmt.Errorf("position_manager: open: %w", err)
	}
	stored, created, err := m.deps.Store.FindActiveOrCreate(ctx, tr.Snapshot())
	if err != nil {
		m.deps.Metrics.PersistFailed("find_active_or_create")
		m.logger.ErrorContext(ctx, "open tracker failed",
			slog.String("order_ref", ev.OrderRef),
			slog.String("segment", ev.Segment),
			slog.String("security_id", ev.SecurityID),
			slog.String("reason", domain.ReasonPersistFailed),
			slog.String("error", err.Error()),
		)
		return nil, false, fmt.Errorf("position_manager: find active or create: %w", err)
	}
	if !created {
		// The store already has an active record this process has not
		// loaded; adopt it and apply the fill to it.
		existing := tracker.FromPosition(stored)
		m.register(existing)
		m.deps.Cache.Put(existing.Snapshot())
		m.logger.InfoContext(ctx, "adopted active tracker from store",
			slog.String("tracker_id", stored.ID),
			slog.String("order_ref", ev.OrderRef),
		)
		return existing, false, nil
	}

	m.register(tr)
	snap := tr.Snapshot()
	m.deps.Cache.Put(snap)
	m.logger.InfoContext(ctx, "position opened",
		slog.String("tracker_id", snap.ID),
		slog.String("order_ref", snap.OrderRef),
		slog.String("segment", snap.Segment),
		slog.String("security_id", snap.SecurityID),
		slog.Int64("quantity", snap.Quantity),
		slog.Float64("avg_price", snap.AvgPrice),
	)
	m.events.emit(ctx, domain.NewPositionEvent(domain.EventPositionOpened, snap, ev.FillPrice, "", now))
	return tr, true, nil
}

// applyFillLocked applies ev to tr and persists the result, rolling the
// tracker and the order index back when the store write fails. It reports
// whether the tracker is active afterwards.
func (m *Manager) applyFillLocked(ctx context.Context, tr *tracker.Tracker, ev domain.FillEvent, now time.Time) (bool, error) {
	before := tr.Snapshot()
	res, err := tr.ApplyFill(ev, now)
	switch {
	case errors.Is(err, domain.ErrDuplicateEvent):
		m.deps.Metrics.DuplicateEvent("fill")
		m.logger.DebugContext(ctx, "duplicate fill ignored",
			slog.String("tracker_id", before.ID),
			slog.String("order_ref", ev.OrderRef),
			slog.String("reason", domain.ReasonDuplicateEvent),
		)
		return before.IsActive(), nil
	case errors.Is(err, domain.ErrTerminalState):
		m.deps.Metrics.DuplicateEvent("fill")
		m.logger.WarnContext(ctx, "fill on terminal tracker ignored",
			slog.String("tracker_id", before.ID),
			slog.String("order_ref", ev.OrderRef),
			slog.String("reason", domain.ReasonInvariantViolation),
		)
		return false, nil
	case err != nil:
		m.logger.WarnContext(ctx, "fill rejected",
			slog.String("tracker_id", before.ID),
			slog.String("order_ref", ev.OrderRef),
			slog.String("reason", domain.ReasonInputAmbiguity),
			slog.String("error", err.Error()),
		)
		return before.IsActive(), fmt.Errorf("position_manager: apply fill %s: %w", ev.OrderRef, err)
	}

	after := tr.Snapshot()
	entry := orderEntry{key: after.Key(), trackerID: after.ID}
	indexed := m.indexOrder(ev.OrderRef, entry)
	if err := m.deps.Store.Update(ctx, after); err != nil {
		tr.Restore(before)
		if indexed {
			m.orderIndex.CompareAndDelete(ev.OrderRef, entry)
		}
		m.deps.Metrics.PersistFailed("update")
		m.logger.ErrorContext(ctx, "persist fill failed, rolled back",
			slog.String("tracker_id", after.ID),
			slog.String("order_ref", ev.OrderRef),
			slog.String("reason", domain.ReasonPersistFailed),
			slog.String("error", err.Error()),
		)
		return before.IsActive(), fmt.Errorf("position_manager: persist fill %s: %w", ev.OrderRef, err)
	}

	name := ""
	switch res.Kind {
	case tracker.FillOpened:
		name = domain.EventPositionOpened
	case tracker.FillAveraged:
		name = domain.EventPositionAveraged
	case tracker.FillReduced:
		name = domain.EventPositionReduced
	case tracker.FillClosed:
		name = domain.EventPositionExited
		m.deregister(ctx, tr)
	}
	m.deps.Cache.Put(after)
	m.logger.InfoContext(ctx, "fill applied",
		slog.String("tracker_id", after.ID),
		slog.String("order_ref", ev.OrderRef),
		slog.String("kind", res.Kind.String()),
		slog.Int64("delta", res.Delta),
		slog.Int64("quantity", after.Quantity),
		slog.Float64("avg_price", after.AvgPrice),
	)
	if name != "" {
		m.events.emit(ctx, domain.NewPositionEvent(name, after, ev.FillPrice, string(after.ExitReason), now))
	}
	return after.IsActive(), nil
}

// settleExitLocked records the broker confirmation of an exit order.
func (m *Manager) settleExitLocked(ctx context.Context, tr *tracker.Tracker, ev domain.FillEvent, now time.Time) error {
	if tr.Status() == domain.PositionStatusActive {
		// Either the exit fill overtook MarkExited and closes like any
		// reducing fill, or the exit covered part of the position and the
		// fill settles that part.
		_, err := m.applyFillLocked(ctx, tr, ev, now)
		return err
	}
	before := tr.Snapshot()
	if _, err := tr.ApplyFill(ev, now); err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			m.deps.Metrics.DuplicateEvent("fill")
			return nil
		}
		return fmt.Errorf("position_manager: settle exit %s: %w", ev.OrderRef, err)
	}
	after := tr.Snapshot()
	if err := m.deps.Store.Update(ctx, after); err != nil {
		tr.Restore(before)
		m.deps.Metrics.PersistFailed("update")
		m.logger.ErrorContext(ctx, "persist exit settlement failed",
			slog.String("tracker_id", after.ID),
			slog.String("order_ref", ev.OrderRef),
			slog.String("reason", domain.ReasonPersistFailed),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("position_manager: persist exit settlement: %w", err)
	}
	m.logger.InfoContext(ctx, "exit settled",
		slog.String("tracker_id", after.ID),
		slog.String("order_ref", ev.OrderRef),
		slog.Float64("exit_price", after.ExitPrice),
		slog.Float64("realized_pnl", after.RealizedPnL),
	)
	return nil
}

// OnCancel applies a broker cancellation or rejection. A pending tracker
// becomes cancelled; a tracker that already has fills stays active and only
// the order reference is released.
func (m *Manager) OnCancel(ctx context.Context, ev domain.CancelEvent) error {
	if ev.OrderRef == "" {
		return fmt.Errorf("position_manager: cancel without order ref: %w", domain.ErrInsufficientData)
	}
	now := m.now()

	if v, ok := m.exitRefs.LoadAndDelete(ev.OrderRef); ok {
		snap := v.(*tracker.Tracker).Snapshot()
		m.logger.ErrorContext(ctx, "exit order cancelled by broker, reconciling",
			slog.String("tracker_id", snap.ID),
			slog.String("order_ref", ev.OrderRef),
			slog.String("broker_reason", ev.Reason),
			slog.String("reason", domain.ReasonExternalCallFailed),
		)
		return m.ReconcileBroker(ctx)
	}

	v, ok := m.orderIndex.Load(ev.OrderRef)
	if !ok {
		m.deps.Metrics.DuplicateEvent("cancel")
		m.logger.DebugContext(ctx, "cancel for unknown order ignored",
			slog.String("order_ref", ev.OrderRef),
			slog.String("reason", domain.ReasonDuplicateEvent),
		)
		return nil
	}
	entry := v.(orderEntry)
	mu := m.keyMu(entry.key)
	mu.Lock()
	defer mu.Unlock()

	tr := m.trackerByID(entry.trackerID)
	if tr == nil {
		m.orderIndex.CompareAndDelete(ev.OrderRef, entry)
		return nil
	}
	before := tr.Snapshot()
	if before.Status == domain.PositionStatusPending && before.OrderRef != ev.OrderRef {
		m.orderIndex.CompareAndDelete(ev.OrderRef, entry)
		return nil
	}

	changed, err := tr.Cancel(now)
	if errors.Is(err, domain.ErrTerminalState) {
		m.deps.Metrics.DuplicateEvent("cancel")
		return nil
	}
	if err != nil {
		return fmt.Errorf("position_manager: cancel %s: %w", ev.OrderRef, err)
	}
	if !changed {
		m.orderIndex.CompareAndDelete(ev.OrderRef, entry)
		m.logger.InfoContext(ctx, "order remainder cancelled, tracker stays active",
			slog.String("tracker_id", before.ID),
			slog.String("order_ref", ev.OrderRef),
		)
		return nil
	}

	after := tr.Snapshot()
	if err := m.deps.Store.Update(ctx, after); err != nil {
		tr.Restore(before)
		m.deps.Metrics.PersistFailed("update")
		m.logger.ErrorContext(ctx, "persist cancel failed, rolled back",
			slog.String("tracker_id", before.ID),
			slog.String("order_ref", ev.OrderRef),
			slog.String("reason", domain.ReasonPersistFailed),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("position_manager: persist cancel %s: %w", ev.OrderRef, err)
	}
	m.deregister(ctx, tr)

	reason := "cancelled"
	if ev.Rejected {
		reason = "rejected"
	}
	if ev.Reason != "" {
		reason += ": " + ev.Reason
	}
	m.logger.InfoContext(ctx, "position cancelled",
		slog.String("tracker_id", after.ID),
		slog.String("order_ref", ev.OrderRef),
		slog.String("broker_reason", reason),
	)
	m.events.emit(ctx, domain.NewPositionEvent(domain.EventPositionCancelled, after, 0, reason, now))
	return nil
}

// RegisterOrder records a submitted entry order. Without a live tracker on
// the instrument a pending tracker is created; otherwise the order is linked
// to the live tracker so its fills average in.
func (m *Manager) RegisterOrder(ctx context.Context, orderRef string, plan EntryPlan, symbol string, lotSize int64) (domain.Position, error) {
	if orderRef == "" || plan.Key.Segment == "" || plan.Key.SecurityID == "" || lotSize <= 0 {
		return domain.Position{}, fmt.Errorf("position_manager: register order %q: %w", orderRef, domain.ErrInsufficientData)
	}
	mu := m.keyMu(plan.Key)
	mu.Lock()
	defer mu.Unlock()

	if tr := m.trackerForOrder(orderRef); tr != nil {
		// The fill can overtake the registration; attach the planned levels
		// to a tracker opened without them.
		before := tr.Snapshot()
		if before.StopLossPrice != 0 || before.TargetPrice != 0 || (plan.StopPrice == 0 && plan.TargetPrice == 0) {
			return before, nil
		}
		tr.SetLevels(plan.StopPrice, plan.TargetPrice, plan.Permission)
		after := tr.Snapshot()
		if err := m.deps.Store.Update(ctx, after); err != nil {
			tr.Restore(before)
			m.deps.Metrics.PersistFailed("update")
			return before, fmt.Errorf("position_manager: attach levels %s: %w", before.ID, err)
		}
		m.deps.Cache.Put(after)
		return after, nil
	}
	if live := m.liveTracker(plan.Key); live != nil {
		snap := live.Snapshot()
		m.indexOrder(orderRef, orderEntry{key: plan.Key, trackerID: snap.ID})
		return snap, nil
	}

	id := m.newID()
	tr := tracker.NewPending(id, orderRef, plan.Request(id), symbol, lotSize, m.now())
	tr.SetLevels(plan.StopPrice, plan.TargetPrice, plan.Permission)
	snap := tr.Snapshot()
	if err := m.deps.Store.Create(ctx, snap); err != nil {
		m.deps.Metrics.PersistFailed("create")
		return domain.Position{}, fmt.Errorf("position_manager: create pending tracker: %w", err)
	}
	m.register(tr)
	m.logger.InfoContext(ctx, "entry order registered",
		slog.String("tracker_id", id),
		slog.String("order_ref", orderRef),
		slog.String("segment", plan.Key.Segment),
		slog.String("security_id", plan.Key.SecurityID),
		slog.Int64("quantity", plan.Quantity),
		slog.String("permission", plan.Permission.String()),
	)
	return snap, nil
}

// RequestExit closes an active tracker exactly once. The tracker exit lock
// is held across the re-check, the order router call, the state transition
// and deregistration. A tracker that is no longer active is a no-op.
func (m *Manager) RequestExit(ctx context.Context, trackerID string, reason domain.ExitReason) error {
	tr := m.trackerByID(trackerID)
	if tr == nil {
		return fmt.Errorf("position_manager: exit %s: %w", trackerID, domain.ErrNotFound)
	}
	tr.LockExit()
	defer tr.UnlockExit()
	defer tr.EndExit()

	snap := tr.Snapshot()
	if !snap.IsActive() {
		m.retryExit.Delete(trackerID)
		m.logger.InfoContext(ctx, "exit skipped, tracker not active",
			slog.String("tracker_id", trackerID),
			slog.String("status", string(snap.Status)),
			slog.String("exit_reason", string(reason)),
			slog.String("reason", domain.ReasonInvariantViolation),
		)
		return nil
	}

	if m.deps.Locks != nil {
		unlock, err := m.deps.Locks.Acquire(ctx, "exit:"+trackerID, m.cfg.ExitLockTTL)
		if err != nil {
			m.retryExit.Store(trackerID, reason)
			m.logger.WarnContext(ctx, "exit lock unavailable",
				slog.String("tracker_id", trackerID),
				slog.String("reason", domain.ReasonExternalCallFailed),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("position_manager: exit lock %s: %w", trackerID, err)
		}
		defer unlock()
	}

	req := domain.OrderRequest{
		Segment:    snap.Segment,
		SecurityID: snap.SecurityID,
		Side:       snap.Side.Opposite(),
		Quantity:   snap.Quantity,
		Kind:       domain.OrderKindMarket,
		Tag:        snap.ID,
	}
	sctx, cancel := context.WithTimeout(ctx, m.cfg.ExitTimeout)
	ref, err := m.deps.Router.Submit(sctx, req)
	timedOut := errors.Is(sctx.Err(), context.DeadlineExceeded)
	cancel()
	if err == nil && ref == "" {
		err = errors.New("empty order reference")
	}
	if err != nil {
		if timedOut {
			err = fmt.Errorf("%w: %w", domain.ErrOrderTimeout, err)
		}
		m.retryExit.Store(trackerID, reason)
		m.deps.Metrics.ExitFailed(string(reason))
		m.logger.WarnContext(ctx, "exit submit failed, will retry",
			slog.String("tracker_id", trackerID),
			slog.String("order_ref", snap.OrderRef),
			slog.String("segment", snap.Segment),
			slog.String("security_id", snap.SecurityID),
			slog.String("exit_reason", string(reason)),
			slog.String("reason", domain.ReasonExternalCallFailed),
			slog.String("error", err.Error()),
		)
		m.events.emit(ctx, domain.NewPositionEvent(domain.EventExitFailed, snap, snap.LastPrice, string(reason), m.now()))
		return fmt.Errorf("position_manager: submit exit for %s: %w", trackerID, err)
	}
	m.retryExit.Delete(trackerID)
	m.deps.Metrics.ExitSubmitted(string(reason))
	m.exitRefs.Store(ref, tr)

	now := m.now()
	mu := m.keyMu(snap.Key())
	mu.Lock()
	remaining, err := tr.MarkExited(ref, req.Quantity, reason, now)
	if err != nil {
		mu.Unlock()
		// A closing fill was applied while the order was in flight.
		m.logger.InfoContext(ctx, "tracker closed before exit was recorded",
			slog.String("tracker_id", trackerID),
			slog.String("exit_order_ref", ref),
			slog.String("reason", domain.ReasonInvariantViolation),
		)
		m.deregister(ctx, tr)
		return nil
	}
	after := tr.Snapshot()
	if remaining > 0 {
		// Fills averaged in while the order was in flight. The tracker
		// keeps the remainder and the sweep exits it.
		m.retryExit.Store(trackerID, reason)
	}
	if err := m.deps.Store.Update(ctx, after); err != nil {
		// The broker accepted the exit; rolling back would invite a second
		// exit. Keep the exited state and re-persist from the sweep.
		m.dirty.Store(trackerID, tr)
		m.deps.Metrics.PersistFailed("update")
		m.logger.ErrorContext(ctx, "persist exit failed, queued for re-persist",
			slog.String("tracker_id", trackerID),
			slog.String("exit_order_ref", ref),
			slog.String("reason", domain.ReasonPersistFailed),
			slog.String("error", err.Error()),
		)
	}
	mu.Unlock()
	if remaining > 0 {
		m.deps.Cache.Put(after)
		m.logger.WarnContext(ctx, "exit covered part of the position, remainder queued",
			slog.String("tracker_id", trackerID),
			slog.String("exit_order_ref", ref),
			slog.Int64("exit_quantity", req.Quantity),
			slog.Int64("remaining", remaining),
			slog.String("exit_reason", string(reason)),
			slog.String("reason", domain.ReasonInvariantViolation),
		)
		m.events.emit(ctx, domain.NewPositionEvent(domain.EventPositionReduced, after, after.ExitPrice, string(reason), now))
		return nil
	}
	m.deregister(ctx, tr)

	m.logger.InfoContext(ctx, "position exited",
		slog.String("tracker_id", trackerID),
		slog.String("order_ref", after.OrderRef),
		slog.String("exit_order_ref", ref),
		slog.String("segment", after.Segment),
		slog.String("security_id", after.SecurityID),
		slog.String("exit_reason", string(reason)),
		slog.Float64("exit_price", after.ExitPrice),
		slog.Float64("realized_pnl", after.RealizedPnL),
	)
	m.events.emit(ctx, domain.NewPositionEvent(domain.EventPositionExited, after, after.ExitPrice, string(reason), now))
	return nil
}

// ActivePositions returns snapshots of active positions through the
// active position cache.
func (m *Manager) ActivePositions(ctx context.Context) ([]domain.Position, error) {
	return m.deps.Cache.ActivePositions(ctx)
}

// Tracked returns the in-memory snapshot of a tracker.
func (m *Manager) Tracked(trackerID string) (domain.Position, bool) {
	tr := m.trackerByID(trackerID)
	if tr == nil {
		return domain.Position{}, false
	}
	return tr.Snapshot(), true
}

// EvaluateRisk marks tick on the tracker and runs the risk engine, acting on
// the decision: a tightened stop is persisted, an exit is scheduled.
func (m *Manager) EvaluateRisk(ctx context.Context, trackerID string, tick domain.Tick) (domain.Decision, error) {
	tr := m.trackerByID(trackerID)
	if tr == nil {
		return domain.Decision{}, fmt.Errorf("position_manager: evaluate %s: %w", trackerID, domain.ErrNotFound)
	}
	return m.evaluate(ctx, tr, tick), nil
}

// OnTick routes a live tick to every active tracker on its instrument.
func (m *Manager) OnTick(ctx context.Context, tick domain.Tick) {
	v, ok := m.subIndex.Load(tick.Key())
	if !ok {
		return
	}
	sub := v.(*subscription)
	sub.mu.RLock()
	trs := make([]*tracker.Tracker, 0, len(sub.trackers))
	for _, tr := range sub.trackers {
		trs = append(trs, tr)
	}
	sub.mu.RUnlock()

	for _, tr := range trs {
		if tr.Status() == domain.PositionStatusActive {
			m.evaluate(ctx, tr, tick)
		}
	}
}

func (m *Manager) evaluate(ctx context.Context, tr *tracker.Tracker, tick domain.Tick) domain.Decision {
	if tick.Timestamp.IsZero() {
		tick.Timestamp = m.now()
	}
	tr.MarkPrice(tick.LastPrice, tick.Timestamp)
	snap := tr.Snapshot()
	if !snap.IsActive() {
		return domain.Decision{Action: domain.ActionHold, Detail: "not active"}
	}

	var signals *domain.TrendSignals
	if m.deps.Trends != nil {
		s, err := m.deps.Trends.Trend(ctx, snap.Key())
		if err == nil {
			signals = &s
		} else {
			m.logger.DebugContext(ctx, "trend signals unavailable",
				slog.String("tracker_id", snap.ID),
				slog.String("reason", domain.ReasonInputAmbiguity),
				slog.String("error", err.Error()),
			)
		}
	}

	d := m.deps.Engine.Evaluate(snap, tick, signals, m.policyFor(snap.Permission))
	switch d.Action {
	case domain.ActionUpdateStop:
		m.updateStop(ctx, tr, d)
	case domain.ActionExit:
		m.scheduleExit(ctx, tr, d)
	}
	return d
}

func (m *Manager) updateStop(ctx context.Context, tr *tracker.Tracker, d domain.Decision) {
	key := tr.Key()
	mu := m.keyMu(key)
	mu.Lock()
	defer mu.Unlock()

	before := tr.Snapshot()
	if !tr.SetStop(d.StopPrice) {
		return
	}
	after := tr.Snapshot()
	if err := m.deps.Store.Update(ctx, after); err != nil {
		tr.Restore(before)
		m.deps.Metrics.PersistFailed("update")
		m.logger.WarnContext(ctx, "persist stop failed, rolled back",
			slog.String("tracker_id", before.ID),
			slog.String("reason", domain.ReasonPersistFailed),
			slog.String("error", err.Error()),
		)
		return
	}
	m.deps.Cache.Put(after)
	m.events.emit(ctx, domain.NewPositionEvent(domain.EventStopUpdated, after, d.StopPrice, d.Detail, m.now()))
}

func (m *Manager) scheduleExit(ctx context.Context, tr *tracker.Tracker, d domain.Decision) {
	if !tr.BeginExit() {
		return
	}
	id := tr.ID()
	m.logger.InfoContext(ctx, "exit triggered",
		slog.String("tracker_id", id),
		slog.String("exit_reason", string(d.Reason)),
		slog.String("detail", d.Detail),
	)
	if m.exits == nil {
		_ = m.RequestExit(ctx, id, d.Reason)
		return
	}
	if !m.exits.Schedule(id, d.Reason) {
		tr.EndExit()
		m.retryExit.Store(id, d.Reason)
		m.deps.Metrics.Dropped("exits")
		m.logger.WarnContext(ctx, "exit queue full, retry next sweep",
			slog.String("tracker_id", id),
			slog.String("reason", domain.ReasonExternalCallFailed),
		)
	}
}

// Reconcile loads persisted active trackers and adopts broker positions
// that have no tracker, so no live exposure is left unmanaged.
func (m *Manager) Reconcile(ctx context.Context) error {
	positions, err := m.deps.Store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("position_manager: reconcile list active: %w", err)
	}
	restored := 0
	for _, p := range positions {
		if m.trackerByID(p.ID) != nil {
			continue
		}
		if _, pending := m.dirty.Load(p.ID); pending {
			// Exited in memory; the store row is stale until re-persisted.
			continue
		}
		key := p.Key()
		mu := m.keyMu(key)
		mu.Lock()
		if live := m.liveTracker(key); live != nil {
			mu.Unlock()
			m.logger.WarnContext(ctx, "second active record for instrument skipped",
				slog.String("tracker_id", p.ID),
				slog.String("live_tracker_id", live.ID()),
				slog.String("reason", domain.ReasonInvariantViolation),
			)
			continue
		}
		tr := tracker.FromPosition(p)
		m.register(tr)
		mu.Unlock()

		m.seedPrice(ctx, tr)
		m.ensureSubscribed(ctx, key)
		restored++
	}

	brokerErr := m.ReconcileBroker(ctx)
	m.deps.Cache.Invalidate()
	m.deps.Metrics.SetActiveTrackers(m.activeCount())
	m.logger.InfoContext(ctx, "reconciled",
		slog.Int("restored", restored),
		slog.Int("active", m.activeCount()),
	)
	return brokerErr
}

// ReconcileBroker creates trackers for broker-reported open positions that
// have no live tracker.
func (m *Manager) ReconcileBroker(ctx context.Context) error {
	if m.deps.Broker == nil {
		return nil
	}
	open, err := m.deps.Broker.OpenPositions(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "broker positions unavailable",
			slog.String("reason", domain.ReasonExternalCallFailed),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("position_manager: broker open positions: %w", err)
	}
	for _, bp := range open {
		if bp.Quantity <= 0 || !(bp.AvgPrice > 0) {
			continue
		}
		key := domain.InstrumentKey{Segment: bp.Segment, SecurityID: bp.SecurityID}
		lot := bp.LotSize
		if lot <= 0 || bp.Quantity%lot != 0 {
			lot = 1
		}
		ev := domain.FillEvent{
			OrderRef:   "reconcile:" + uuid.NewString(),
			Segment:    bp.Segment,
			SecurityID: bp.SecurityID,
			Symbol:     bp.Symbol,
			Side:       bp.Side,
			FilledQty:  bp.Quantity,
			FillPrice:  bp.AvgPrice,
			LotSize:    lot,
			Timestamp:  m.now(),
		}

		mu := m.keyMu(key)
		mu.Lock()
		if m.liveTracker(key) != nil {
			mu.Unlock()
			continue
		}
		tr, opened, err := m.openLocked(ctx, ev, m.now())
		mu.Unlock()
		if err != nil {
			m.logger.ErrorContext(ctx, "adopt broker position failed",
				slog.String("segment", bp.Segment),
				slog.String("security_id", bp.SecurityID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if opened {
			m.logger.WarnContext(ctx, "adopted unmanaged broker position",
				slog.String("tracker_id", tr.ID()),
				slog.String("segment", bp.Segment),
				slog.String("security_id", bp.SecurityID),
				slog.Int64("quantity", bp.Quantity),
			)
		}
		m.seedPrice(ctx, tr)
		m.ensureSubscribed(ctx, key)
	}
	return nil
}

// Sweep is the periodic risk cycle: re-persist trackers whose write failed,
// retry failed exits and subscriptions, drop stale index entries and
// evaluate every active tracker at its last price. One tracker's failure
// never stops the others.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now()

	m.dirty.Range(func(k, v any) bool {
		tr := v.(*tracker.Tracker)
		mu := m.keyMu(tr.Key())
		mu.Lock()
		err := m.deps.Store.Update(ctx, tr.Snapshot())
		mu.Unlock()
		if err != nil {
			m.logger.WarnContext(ctx, "re-persist failed",
				slog.String("tracker_id", k.(string)),
				slog.String("reason", domain.ReasonPersistFailed),
				slog.String("error", err.Error()),
			)
			return true
		}
		m.dirty.Delete(k)
		return true
	})

	m.retryExit.Range(func(k, v any) bool {
		tr := m.trackerByID(k.(string))
		if tr == nil || tr.Status() != domain.PositionStatusActive {
			m.retryExit.Delete(k)
			return true
		}
		m.scheduleExit(ctx, tr, domain.Decision{Action: domain.ActionExit, Reason: v.(domain.ExitReason), Detail: "retry"})
		return true
	})

	m.subIndex.Range(func(k, v any) bool {
		sub := v.(*subscription)
		sub.mu.RLock()
		need := !sub.dead && !sub.subscribed && !sub.subscribing && hasActive(sub.trackers)
		sub.mu.RUnlock()
		if need {
			m.ensureSubscribed(ctx, k.(domain.InstrumentKey))
		}
		return true
	})

	m.orderIndex.Range(func(k, v any) bool {
		if m.trackerByID(v.(orderEntry).trackerID) == nil {
			m.orderIndex.CompareAndDelete(k, v)
		}
		return true
	})

	m.exitRefs.Range(func(k, v any) bool {
		snap := v.(*tracker.Tracker).Snapshot()
		if snap.ExitedAt != nil && now.Sub(*snap.ExitedAt) > retiredOrderTTL {
			m.exitRefs.Delete(k)
		}
		return true
	})

	m.retired.Range(func(k, v any) bool {
		if now.Sub(v.(time.Time)) > retiredOrderTTL {
			m.retired.Delete(k)
		}
		return true
	})

	m.byID.Range(func(_, v any) bool {
		tr := v.(*tracker.Tracker)
		snap := tr.Snapshot()
		if snap.IsActive() && snap.LastPrice > 0 {
			m.evaluate(ctx, tr, domain.Tick{
				Segment:    snap.Segment,
				SecurityID: snap.SecurityID,
				LastPrice:  snap.LastPrice,
				Timestamp:  now,
			})
		}
		return true
	})
	m.deps.Metrics.SetActiveTrackers(m.activeCount())
}

// RefreshPnL persists unrealized P&L, the profit high-water mark and the
// validation timestamp of every active tracker and publishes last prices to
// the price cache. Trackers busy with a transition are skipped this cycle.
func (m *Manager) RefreshPnL(ctx context.Context) {
	now := m.now()
	m.byID.Range(func(_, v any) bool {
		tr := v.(*tracker.Tracker)
		if tr.Status() != domain.PositionStatusActive {
			return true
		}
		key := tr.Key()
		mu := m.keyMu(key)
		if !mu.TryLock() {
			return true
		}
		tr.Touch(now)
		snap := tr.Snapshot()
		err := m.deps.Store.Update(ctx, snap)
		mu.Unlock()
		if err != nil {
			m.dirty.Store(snap.ID, tr)
			m.deps.Metrics.PersistFailed("refresh")
			m.logger.WarnContext(ctx, "pnl refresh persist failed",
				slog.String("tracker_id", snap.ID),
				slog.String("reason", domain.ReasonPersistFailed),
				slog.String("error", err.Error()),
			)
		} else {
			m.deps.Cache.Put(snap)
		}
		if m.deps.Prices != nil && snap.LastPrice > 0 {
			if err := m.deps.Prices.SetPrice(ctx, key, snap.LastPrice, now); err != nil {
				m.logger.DebugContext(ctx, "price cache write failed",
					slog.String("security_id", key.SecurityID),
					slog.String("error", err.Error()),
				)
			}
		}
		return true
	})
}

func (m *Manager) seedPrice(ctx context.Context, tr *tracker.Tracker) {
	if m.deps.Prices == nil {
		return
	}
	price, ts, err := m.deps.Prices.GetPrice(ctx, tr.Key())
	if err != nil || price <= 0 {
		return
	}
	tr.MarkPrice(price, ts)
}

func (m *Manager) policyFor(p domain.Permission) domain.ExecutionPolicy {
	// Permission is not persisted; reloaded trackers use the tightest
	// tradable policy.
	if p == domain.PermissionBlocked {
		p = domain.PermissionExecutionOnly
	}
	return m.deps.Policies.For(p)
}

func (m *Manager) keyMu(key domain.InstrumentKey) *sync.Mutex {
	v, _ := m.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (m *Manager) trackerByID(id string) *tracker.Tracker {
	v, ok := m.byID.Load(id)
	if !ok {
		return nil
	}
	return v.(*tracker.Tracker)
}

func (m *Manager) trackerForOrder(ref string) *tracker.Tracker {
	v, ok := m.orderIndex.Load(ref)
	if !ok {
		return nil
	}
	return m.trackerByID(v.(orderEntry).trackerID)
}

// liveTracker returns the pending or active tracker on key, if any.
func (m *Manager) liveTracker(key domain.InstrumentKey) *tracker.Tracker {
	v, ok := m.subIndex.Load(key)
	if !ok {
		return nil
	}
	sub := v.(*subscription)
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	for _, tr := range sub.trackers {
		if !tr.Status().Terminal() {
			return tr
		}
	}
	return nil
}

// indexOrder maps ref to entry unless it is already mapped. It reports
// whether this call added the mapping.
func (m *Manager) indexOrder(ref string, entry orderEntry) bool {
	if ref == "" {
		return false
	}
	_, loaded := m.orderIndex.LoadOrStore(ref, entry)
	return !loaded
}

func (m *Manager) register(tr *tracker.Tracker) {
	snap := tr.Snapshot()
	key := snap.Key()
	for {
		v, _ := m.subIndex.LoadOrStore(key, &subscription{trackers: map[string]*tracker.Tracker{}})
		sub := v.(*subscription)
		sub.mu.Lock()
		if sub.dead {
			sub.mu.Unlock()
			continue
		}
		if _, ok := sub.trackers[snap.ID]; !ok {
			sub.trackers[snap.ID] = tr
			sub.refs++
		}
		sub.mu.Unlock()
		break
	}
	m.byID.Store(snap.ID, tr)
	entry := orderEntry{key: key, trackerID: snap.ID}
	m.indexOrder(snap.OrderRef, entry)
	for ref := range snap.Fills {
		m.indexOrder(ref, entry)
	}
}

// deregister removes tr from every index and unsubscribes the feed when no
// other tracker needs the instrument. It is idempotent.
func (m *Manager) deregister(ctx context.Context, tr *tracker.Tracker) {
	snap := tr.Snapshot()
	key := snap.Key()
	unsubscribe := false
	if v, ok := m.subIndex.Load(key); ok {
		sub := v.(*subscription)
		sub.mu.Lock()
		if _, ok := sub.trackers[snap.ID]; ok {
			delete(sub.trackers, snap.ID)
			sub.refs--
		}
		if sub.refs <= 0 {
			sub.dead = true
			unsubscribe = sub.subscribed
			sub.subscribed = false
			m.subIndex.CompareAndDelete(key, sub)
		}
		sub.mu.Unlock()
	}

	entry := orderEntry{key: key, trackerID: snap.ID}
	now := m.now()
	m.orderIndex.CompareAndDelete(snap.OrderRef, entry)
	m.retired.Store(snap.OrderRef, now)
	for ref := range snap.Fills {
		m.orderIndex.CompareAndDelete(ref, entry)
		if ref != snap.ExitOrderRef {
			m.retired.Store(ref, now)
		}
	}
	m.byID.CompareAndDelete(snap.ID, tr)
	m.retryExit.Delete(snap.ID)
	m.deps.Cache.Remove(snap.ID)
	m.deps.Metrics.SetActiveTrackers(m.activeCount())

	if unsubscribe {
		fctx, cancel := context.WithTimeout(ctx, m.cfg.FeedTimeout)
		err := m.deps.Feed.Unsubscribe(fctx, key)
		cancel()
		if err != nil {
			m.deps.Metrics.SubscribeFailed()
			m.logger.WarnContext(ctx, "unsubscribe failed",
				slog.String("segment", key.Segment),
				slog.String("security_id", key.SecurityID),
				slog.String("reason", domain.ReasonExternalCallFailed),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ensureSubscribed subscribes the live feed for key once an active tracker
// needs it. Failures are retried by Sweep.
func (m *Manager) ensureSubscribed(ctx context.Context, key domain.InstrumentKey) {
	v, ok := m.subIndex.Load(key)
	if !ok {
		return
	}
	sub := v.(*subscription)
	sub.mu.Lock()
	if sub.dead || sub.subscribed || sub.subscribing || !hasActive(sub.trackers) {
		sub.mu.Unlock()
		return
	}
	sub.subscribing = true
	sub.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, m.cfg.FeedTimeout)
	err := m.deps.Feed.Subscribe(fctx, key)
	cancel()

	sub.mu.Lock()
	sub.subscribing = false
	lateUnsubscribe := false
	if err == nil {
		if sub.dead {
			lateUnsubscribe = true
		} else {
			sub.subscribed = true
		}
	}
	sub.mu.Unlock()

	if err != nil {
		m.deps.Metrics.SubscribeFailed()
		m.logger.WarnContext(ctx, "subscribe failed, will retry",
			slog.String("segment", key.Segment),
			slog.String("security_id", key.SecurityID),
			slog.String("reason", domain.ReasonExternalCallFailed),
			slog.String("error", err.Error()),
		)
		return
	}
	if lateUnsubscribe {
		fctx, cancel := context.WithTimeout(ctx, m.cfg.FeedTimeout)
		_ = m.deps.Feed.Unsubscribe(fctx, key)
		cancel()
	}
}

func (m *Manager) activeCount() int {
	n := 0
	m.byID.Range(func(_, v any) bool {
		if v.(*tracker.Tracker).Status() == domain.PositionStatusActive {
			n++
		}
		return true
	})
	return n
}

func hasActive(trs map[string]*tracker.Tracker) bool {
	for _, tr := range trs {
		if tr.Status() == domain.PositionStatusActive {
			return true
		}
	}
	return false
}
