package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lotguard/internal/domain"
	"github.com/alanyoungcy/lotguard/internal/permission"
	"github.com/alanyoungcy/lotguard/internal/store/memory"
	"github.com/alanyoungcy/lotguard/internal/tracker"
)

var niftyKey = domain.InstrumentKey{Segment: "NSE_FNO", SecurityID: "43512"}

type fixture struct {
	m      *Manager
	store  *flakyStore
	router *fakeRouter
	feed   *fakeFeed
	bus    *recordingBus
	audit  *memory.AuditStore
}

// trailOnly disables fixed targets and time stops so the drawdown schedule
// alone drives exits.
func trailOnly() permission.Policies {
	pol := domain.ExecutionPolicy{MaxLots: 5, HardStopPct: 30}
	return permission.Policies{
		domain.PermissionExecutionOnly: pol,
		domain.PermissionScaleReady:    pol,
		domain.PermissionFullDeploy:    pol,
	}
}

func newFixture(t *testing.T, opts ...func(*ManagerDeps)) *fixture {
	t.Helper()
	f := &fixture{
		store:  newFlakyStore(),
		router: &fakeRouter{},
		feed:   newFakeFeed(),
		bus:    &recordingBus{},
		audit:  memory.NewAuditStore(),
	}
	deps := ManagerDeps{
		Store:    f.store,
		Router:   f.router,
		Feed:     f.feed,
		Bus:      f.bus,
		Audit:    f.audit,
		Policies: trailOnly(),
	}
	for _, o := range opts {
		o(&deps)
	}
	f.m = NewManager(deps, ManagerConfig{ExitTimeout: 100 * time.Millisecond, FeedTimeout: 100 * time.Millisecond}, discardLogger())
	return f
}

func buyFill(ref string, cum int64, price float64) domain.FillEvent {
	return domain.FillEvent{
		OrderRef:   ref,
		Segment:    niftyKey.Segment,
		SecurityID: niftyKey.SecurityID,
		Symbol:     "NIFTY24500CE",
		Side:       domain.OrderSideBuy,
		FilledQty:  cum,
		FillPrice:  price,
		LotSize:    75,
		Timestamp:  time.Now(),
	}
}

func onlyTracker(t *testing.T, m *Manager) domain.Position {
	t.Helper()
	var out []domain.Position
	m.byID.Range(func(_, v any) bool {
		out = append(out, v.(*tracker.Tracker).Snapshot())
		return true
	})
	require.Len(t, out, 1)
	return out[0]
}

func TestManager_RepeatedFillsAverageIntoOneTracker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.m.OnFill(ctx, buyFill("o1", 75, 100)))
	require.NoError(t, f.m.OnFill(ctx, buyFill("o2", 150, 130)))

	p := onlyTracker(t, f.m)
	assert.Equal(t, int64(225), p.Quantity)
	assert.InDelta(t, 120, p.AvgPrice, 1e-9)

	active, err := f.store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(225), active[0].Quantity)

	subs, _ := f.feed.counts(niftyKey)
	assert.Equal(t, 1, subs)
}

func TestManager_PartialFillsUseCumulativeAverage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.m.OnFill(ctx, buyFill("o1", 75, 100)))
	require.NoError(t, f.m.OnFill(ctx, buyFill("o1", 150, 110)))

	p := onlyTracker(t, f.m)
	assert.Equal(t, int64(150), p.Quantity)
	assert.InDelta(t, 110, p.AvgPrice, 1e-9)

	got, err := f.store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 16500, got.OrderMarks["o1"].Notional, 1e-9)
}

func TestManager_ReplayedFillIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := buyFill("o1", 75, 100)

	require.NoError(t, f.m.OnFill(ctx, ev))
	once := onlyTracker(t, f.m)
	require.NoError(t, f.m.OnFill(ctx, ev))
	require.NoError(t, f.m.OnFill(ctx, ev))
	again := onlyTracker(t, f.m)

	assert.Equal(t, once.Quantity, again.Quantity)
	assert.Equal(t, once.AvgPrice, again.AvgPrice)
	assert.Equal(t, once.ID, again.ID)
}

func TestManager_ConcurrentFillsOneInstrument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := buyFill(fmt.Sprintf("o%d", i), 75, 100)
			// each event is delivered twice
			assert.NoError(t, f.m.OnFill(ctx, ev))
			assert.NoError(t, f.m.OnFill(ctx, ev))
		}(i)
	}
	wg.Wait()

	p := onlyTracker(t, f.m)
	assert.Equal(t, int64(20*75), p.Quantity)
	assert.InDelta(t, 100, p.AvgPrice, 1e-9)
	active, err := f.store.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestManager_PersistFailureRollsBackFill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.m.OnFill(ctx, buyFill("o1", 75, 100)))

	f.store.failUpdate.Store(true)
	err := f.m.OnFill(ctx, buyFill("o2", 75, 140))
	require.ErrorIs(t, err, errStoreDown)

	p := onlyTracker(t, f.m)
	assert.Equal(t, int64(75), p.Quantity)
	assert.InDelta(t, 100, p.AvgPrice, 1e-9)
	_, indexed := f.m.orderIndex.Load("o2")
	assert.False(t, indexed)

	// the redelivered event applies once the store recovers
	f.store.failUpdate.Store(false)
	require.NoError(t, f.m.OnFill(ctx, buyFill("o2", 75, 140)))
	assert.Equal(t, int64(150), onlyTracker(t, f.m).Quantity)
}

func TestManager_RequestExitExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.router.delay = 20 * time.Millisecond
	require.NoError(t, f.m.OnFill(ctx, buyFill("o1", 150, 100)))
	id := onlyTracker(t, f.m).ID

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reason := domain.ExitReasonHardStop
			if i%2 == 0 {
				reason = domain.ExitReasonTimeStop
			}
			err := f.m.RequestExit(ctx, id, reason)
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrNotFound)
			}
		}(i)
	}
	wg.Wait()

	submits := f.router.Submits()
	require.Len(t, submits, 1)
	assert.Equal(t, domain.OrderSideSell, submits[0].Side)
	assert.Equal(t, int64(150), submits[0].Quantity)

	got, err := f.store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusExited, got.Status)
	assert.Equal(t, "exit-1", got.ExitOrderRef)

	_, tracked := f.m.Tracked(id)
	assert.False(t, tracked)
	_, unsubs := f.feed.counts(niftyKey)
	assert.Equal(t, 1, unsubs)
}

// gatedRouter holds Submit until release is closed.
type gatedRouter struct {
	*fakeRouter
	entered chan struct{}
	release chan struct{}
}

func (r *gatedRouter) Submit(ctx context.Context, req domain.OrderRequest) (string, error) {
	r.entered <- struct{}{}
	select {
	case <-r.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return r.fakeRouter.Submit(ctx, req)
}

func TestManager_FillDuringExitStaysManaged(t *testing.T) {
	ctx := context.Background()
	gr := &gatedRouter{fakeRouter: &fakeRouter{}, entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFixture(t, func(d *ManagerDeps) { d.Router = gr })
	f.m.cfg.ExitTimeout = 5 * time.Second

	require.NoError(t, f.m.OnFill(ctx, buyFill("o1", 75, 100)))
	id := onlyTracker(t, f.m).ID

	done := make(chan error, 1)
	go func() { done <- f.m.RequestExit(ctx, id, domain.ExitReasonManual) }()
	<-gr.entered
	require.NoError(t, f.m.OnFill(ctx, buyFill("o2", 75, 120)))
	close(gr.release)
	require.NoError(t, <-done)

	submits := gr.Submits()
	require.Len(t, submits, 1)
	assert.Equal(t, int64(75), submits[0].Quantity)

	p, ok := f.m.Tracked(id)
	require.True(t, ok, "remainder must stay tracked")
	assert.Equal(t, domain.PositionStatusActive, p.Status)
	assert.Equal(t, int64(75), p.Quantity)
	assert.Equal(t, int64(75), p.ExitQuantity)
	_, queued := f.m.retryExit.Load(id)
	assert.True(t, queued)

	got, err := f.store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusActive, got.Status)
	assert.Equal(t, int64(75), got.Quantity)

	// The exit fill settles the booked lots only.
	exitFill := buyFill("exit-1", 75, 118)
	exitFill.Side = domain.OrderSideSell
	require.NoError(t, f.m.OnFill(ctx, exitFill))
	p, ok = f.m.Tracked(id)
	require.True(t, ok)
	assert.Equal(t, int64(75), p.Quantity)
	assert.InDelta(t, 600, p.RealizedPnL, 1e-9)

	f.m.Sweep(ctx)
	submits = gr.Submits()
	require.Len(t, submits, 2)
	assert.Equal(t, int64(75), submits[1].Quantity)
	got, err = f.store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusExited, got.Status)
	assert.Equal(t, int64(150), got.ExitQuantity)
	_, tracked := f.m.Tracked(id)
	assert.False(t, tracked)
}

func TestManager_ExitTimeoutRetriesNextSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.m.OnFill(ctx, buyFill("o1", 75, 100)))
	id := onlyTracker(t, f.m).ID

	f.router.set(true, nil)
	err := f.m.RequestExit(ctx, id, domain.ExitReasonManual)
	require.ErrorIs(t, err, domain.ErrOrderTimeout)
	p, ok := f.m.Tracked(id)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusActive, p.Status)

	f.router.set(false, nil)
	f.m.Sweep(ctx)
	require.Len(t, f.router.Submits(), 1)
	got, err := f.store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusExited, got.Status)
	assert.Equal(t, domain.ExitReasonManual, got.ExitReason)
}

func TestManager_ExitPersistFailureKeepsExitedState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.m.OnFill(ctx, buyFill("o1", 75, 100)))
	id := onlyTracker(t, f.m).ID

	f.store.failUpdate.Store(true)
	require.NoError(t, f.m.RequestExit(ctx, id, domain.ExitReasonManual))
	_, dirty := f.m.dirty.Load(id)
	assert.True(t, dirty)

	// the store still says active, but the tracker is not re-adopted or
	// exited a second time
	require.NoError(t, f.m.Reconcile(ctx))
	require.ErrorIs(t, f.m.RequestExit(ctx, id, domain.ExitReasonManual), domain.ErrNotFound)
	assert.Len(t, f.router.Submits(), 1)

	f.store.failUpdate.Store(false)
	f.m.Sweep(ctx)
	got, err := f.store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusExited, got.Status)
	_, dirty = f.m.dirty.Load(id)
	assert.False(t, dirty)
}

func TestManager_ReplayAfterExitDoesNotReopen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entry := buyFill("o1", 75, 100)
	require.NoError(t, f.m.OnFill(ctx, entry))
	id := onlyTracker(t, f.m).ID
	require.NoError(t, f.m.RequestExit(ctx, id, domain.ExitReasonManual))

	require.NoError(t, f.m.OnFill(ctx, entry))
	active, err := f.store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Equal(t, 1, f.store.Len())
}

func TestManager_ExitFillSettlesPrice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.m.OnFill(ctx, buyFill("o1", 75, 100)))
	id := onlyTracker(t, f.m).ID
	f.m.OnTick(ctx, domain.Tick{Segment: niftyKey.Segment, SecurityID: niftyKey.SecurityID, LastPrice: 104, Timestamp: time.Now()})

	require.NoError(t, f.m.RequestExit(ctx, id, domain.ExitReasonManual))
	exitFill := buyFill("exit-1", 75, 103)
	exitFill.Side = domain.OrderSideSell
	require.NoError(t, f.m.OnFill(ctx, exitFill))
	require.NoError(t, f.m.OnFill(ctx, exitFill))

	got, err := f.store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 103, got.ExitPrice, 1e-9)
	assert.InDelta(t, 225, got.RealizedPnL, 1e-9)
	assert.Equal(t, int64(75), got.ExitQuantity)

	// the exit fill never opened a new tracker
	active, err := f.store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestManager_OppositeFillClosesTracker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.m.OnFill(ctx, buyFill("o1", 75, 100)))
	id := onlyTracker(t, f.m).ID

	sell := buyFill("manual-sell", 75, 110)
	sell.Side = domain.OrderSideSell
	require.NoError(t, f.m.OnFill(ctx, sell))

	got, err := f.store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusExited, got.Status)
	assert.Equal(t, domain.ExitReasonBrokerExitFill, got.ExitReason)
	_, tracked := f.m.Tracked(id)
	assert.False(t, tracked)

	// a late exit request is a no-op
	require.ErrorIs(t, f.m.RequestExit(ctx, id, domain.ExitReasonManual), domain.ErrNotFound)
	assert.Empty(t, f.router.Submits())
}

func TestManager_PendingOrderCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plan := EntryPlan{Key: niftyKey, Side: domain.OrderSideBuy, Quantity: 75, Permission: domain.PermissionExecutionOnly}

	p, err := f.m.RegisterOrder(ctx, "o1", plan, "NIFTY24500CE", 75)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusPending, p.Status)

	cancel := domain.CancelEvent{OrderRef: "o1", Rejected: true, Reason: "margin"}
	require.NoError(t, f.m.OnCancel(ctx, cancel))
	require.NoError(t, f.m.OnCancel(ctx, cancel))

	got, err := f.store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusCancelled, got.Status)
	_, tracked := f.m.Tracked(p.ID)
	assert.False(t, tracked)
	subs, _ := f.feed.counts(niftyKey)
	assert.Zero(t, subs)
}

func TestManager_PendingOrderFills(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plan := EntryPlan{Key: niftyKey, Side: domain.OrderSideBuy, Quantity: 150, StopPrice: 80, TargetPrice: 130}

	p, err := f.m.RegisterOrder(ctx, "o1", plan, "NIFTY24500CE", 75)
	require.NoError(t, err)
	require.NoError(t, f.m.OnFill(ctx, buyFill("o1", 75, 100)))
	require.NoError(t, f.m.OnCancel(ctx, domain.CancelEvent{OrderRef: "o1"}))

	got, ok := f.m.Tracked(p.ID)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusActive, got.Status)
	assert.Equal(t, int64(75), got.Quantity)
	assert.InDelta(t, 80, got.StopLossPrice, 1e-9)
	subs, _ := f.feed.counts(niftyKey)
	assert.Equal(t, 1, subs)
}

func TestManager_TickDrivesGivebackExit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.m.OnFill(ctx, buyFill("o1", 75, 100)))
	id := onlyTracker(t, f.m).ID
	tick := func(price float64) {
		f.m.OnTick(ctx, domain.Tick{Segment: niftyKey.Segment, SecurityID: niftyKey.SecurityID, LastPrice: price, Timestamp: time.Now()})
	}

	tick(120)
	p, ok := f.m.Tracked(id)
	require.True(t, ok)
	assert.InDelta(t, 20, p.PeakProfitPct, 1e-9)
	assert.Greater(t, p.StopLossPrice, 117.0)
	assert.Empty(t, f.router.Submits())

	tick(117)
	submits := f.router.Submits()
	require.Len(t, submits, 1)
	got, err := f.store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExitReasonProfitGiveback, got.ExitReason)

	// further ticks on the exited instrument do nothing
	tick(90)
	assert.Len(t, f.router.Submits(), 1)
}

type queueStub struct {
	mu   sync.Mutex
	reqs []string
	full bool
}

func (q *queueStub) Schedule(id string, _ domain.ExitReason) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.reqs = append(q.reqs, id)
	return true
}

func TestManager_ExitSchedulerDedupesQueuedExits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := &queueStub{}
	f.m.SetExitScheduler(q)
	require.NoError(t, f.m.OnFill(ctx, buyFill("o1", 75, 100)))

	for i := 0; i < 5; i++ {
		f.m.OnTick(ctx, domain.Tick{Segment: niftyKey.Segment, SecurityID: niftyKey.SecurityID, LastPrice: 60, Timestamp: time.Now()})
	}
	assert.Len(t, q.reqs, 1)
}

func TestManager_ReconcileAdoptsStoreAndBroker(t *testing.T) {
	ctx := context.Background()
	other := domain.InstrumentKey{Segment: "NSE_FNO", SecurityID: "50001"}
	broker := &fakeBroker{positions: []domain.BrokerPosition{
		{Segment: niftyKey.Segment, SecurityID: niftyKey.SecurityID, Side: domain.OrderSideBuy, Quantity: 75, AvgPrice: 100, LotSize: 75},
		{Segment: other.Segment, SecurityID: other.SecurityID, Symbol: "BANKNIFTY", Side: domain.OrderSideSell, Quantity: 30, AvgPrice: 210, LotSize: 15},
	}}
	f := newFixture(t, func(d *ManagerDeps) { d.Broker = broker })

	persisted := domain.Position{
		ID: "persisted", OrderRef: "o1", Segment: niftyKey.Segment, SecurityID: niftyKey.SecurityID,
		Side: domain.OrderSideBuy, LotSize: 75, Quantity: 75, EntryPrice: 100, AvgPrice: 100,
		Status: domain.PositionStatusActive, CreatedAt: time.Now(),
	}
	require.NoError(t, f.store.Create(ctx, persisted))

	require.NoError(t, f.m.Reconcile(ctx))

	_, ok := f.m.Tracked("persisted")
	assert.True(t, ok)
	active, err := f.m.ActivePositions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	subsA, _ := f.feed.counts(niftyKey)
	subsB, _ := f.feed.counts(other)
	assert.Equal(t, 1, subsA)
	assert.Equal(t, 1, subsB)

	// reconciling twice is stable
	require.NoError(t, f.m.Reconcile(ctx))
	active, err = f.store.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestManager_SubscribeFailureRetriedBySweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.feed.fail = fmt.Errorf("feed down")
	require.NoError(t, f.m.OnFill(ctx, buyFill("o1", 75, 100)))
	subs, _ := f.feed.counts(niftyKey)
	assert.Zero(t, subs)

	f.feed.mu.Lock()
	f.feed.fail = nil
	f.feed.mu.Unlock()
	f.m.Sweep(ctx)
	subs, _ = f.feed.counts(niftyKey)
	assert.Equal(t, 1, subs)
}

func TestManager_LifecycleEventsPublished(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.m.OnFill(ctx, buyFill("o1", 75, 100)))
	require.NoError(t, f.m.OnFill(ctx, buyFill("o2", 75, 102)))
	id := onlyTracker(t, f.m).ID
	require.NoError(t, f.m.RequestExit(ctx, id, domain.ExitReasonManual))

	assert.Equal(t, 3, f.bus.count())
	entries, err := f.audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.EventPositionExited, entries[0].Event)
}
