package feed

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/lotguard/internal/domain"
	"github.com/alanyoungcy/lotguard/internal/metrics"
)

// TickBuffer is a bounded tick queue between the feed and the position
// manager. When full, the oldest tick is dropped; a newer price always
// supersedes an older one for risk evaluation.
type TickBuffer struct {
	ch      chan domain.Tick
	pushMu  sync.Mutex
	dropped atomic.Int64
	metrics *metrics.Metrics
}

// NewTickBuffer creates a buffer holding up to size ticks.
func NewTickBuffer(size int, m *metrics.Metrics) *TickBuffer {
	if size <= 0 {
		size = 1024
	}
	return &TickBuffer{ch: make(chan domain.Tick, size), metrics: m}
}

// Push enqueues t without blocking.
func (b *TickBuffer) Push(t domain.Tick) {
	b.pushMu.Lock()
	defer b.pushMu.Unlock()
	for {
		select {
		case b.ch <- t:
			return
		default:
		}
		select {
		case <-b.ch:
			b.dropped.Add(1)
			b.metrics.Dropped("ticks")
		default:
		}
	}
}

// Run hands ticks to handle until ctx is cancelled.
func (b *TickBuffer) Run(ctx context.Context, handle func(context.Context, domain.Tick)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-b.ch:
			handle(ctx, t)
		}
	}
}

// Len returns the number of queued ticks.
func (b *TickBuffer) Len() int { return len(b.ch) }

// Dropped returns how many ticks were discarded because the buffer was full.
func (b *TickBuffer) Dropped() int64 { return b.dropped.Load() }

var _ TickSink = (*TickBuffer)(nil)
