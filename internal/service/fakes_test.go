package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/lotguard/internal/domain"
	"github.com/alanyoungcy/lotguard/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errStoreDown = errors.New("store down")

// flakyStore wraps the memory store and can fail writes on demand.
type flakyStore struct {
	*memory.PositionStore
	failUpdate atomic.Bool
	listCalls  atomic.Int64
	listDelay  time.Duration
}

func newFlakyStore() *flakyStore {
	return &flakyStore{PositionStore: memory.NewPositionStore()}
}

func (s *flakyStore) Update(ctx context.Context, p domain.Position) error {
	if s.failUpdate.Load() {
		return errStoreDown
	}
	return s.PositionStore.Update(ctx, p)
}

func (s *flakyStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	s.listCalls.Add(1)
	if s.listDelay > 0 {
		time.Sleep(s.listDelay)
	}
	return s.PositionStore.ListActive(ctx)
}

type fakeRouter struct {
	mu      sync.Mutex
	submits []domain.OrderRequest
	block   bool
	fail    error
	delay   time.Duration
}

func (r *fakeRouter) Submit(ctx context.Context, req domain.OrderRequest) (string, error) {
	r.mu.Lock()
	block, fail, delay := r.block, r.fail, r.delay
	r.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if fail != nil {
		return "", fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits = append(r.submits, req)
	return fmt.Sprintf("exit-%d", len(r.submits)), nil
}

func (r *fakeRouter) Cancel(context.Context, string) error { return nil }

func (r *fakeRouter) set(block bool, fail error) {
	r.mu.Lock()
	r.block, r.fail = block, fail
	r.mu.Unlock()
}

func (r *fakeRouter) Submits() []domain.OrderRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.OrderRequest(nil), r.submits...)
}

type fakeFeed struct {
	mu    sync.Mutex
	subs  map[domain.InstrumentKey]int
	unsub map[domain.InstrumentKey]int
	fail  error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: map[domain.InstrumentKey]int{}, unsub: map[domain.InstrumentKey]int{}}
}

func (f *fakeFeed) Subscribe(_ context.Context, key domain.InstrumentKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.subs[key]++
	return nil
}

func (f *fakeFeed) Unsubscribe(_ context.Context, key domain.InstrumentKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsub[key]++
	return nil
}

func (f *fakeFeed) counts(key domain.InstrumentKey) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[key], f.unsub[key]
}

type fakeBroker struct {
	positions []domain.BrokerPosition
}

func (b *fakeBroker) OpenPositions(context.Context) ([]domain.BrokerPosition, error) {
	return b.positions, nil
}

type fakeSnapshots struct {
	structural domain.StructuralSnapshot
	volatility domain.VolatilitySnapshot
	err        error
}

func (f *fakeSnapshots) Structural(context.Context, domain.InstrumentKey) (domain.StructuralSnapshot, error) {
	return f.structural, f.err
}

func (f *fakeSnapshots) Volatility(context.Context, domain.InstrumentKey) (domain.VolatilitySnapshot, error) {
	return f.volatility, f.err
}

type recordingBus struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	b.events = append(b.events, string(payload))
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
