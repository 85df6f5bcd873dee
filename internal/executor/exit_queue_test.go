package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

type countingExiter struct {
	mu      sync.Mutex
	calls   map[string]int
	release chan struct{}
	active  atomic.Int32
	maxSeen atomic.Int32
}

func newCountingExiter() *countingExiter {
	return &countingExiter{calls: make(map[string]int)}
}

func (e *countingExiter) RequestExit(ctx context.Context, id string, _ domain.ExitReason) error {
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		m := e.maxSeen.Load()
		if n <= m || e.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
		}
	}
	e.mu.Lock()
	e.calls[id]++
	e.mu.Unlock()
	return nil
}

func (e *countingExiter) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		n += c
	}
	return n
}

func TestExitQueue_ScheduleRefusesWhenFull(t *testing.T) {
	q := NewExitQueue(newCountingExiter(), 2, 1, discardLogger())

	assert.True(t, q.Schedule("t1", domain.ExitReasonHardStop))
	assert.True(t, q.Schedule("t2", domain.ExitReasonHardStop))
	assert.False(t, q.Schedule("t3", domain.ExitReasonHardStop))
	assert.Equal(t, 2, q.Len())
}

func TestExitQueue_WorkersRunInParallel(t *testing.T) {
	ex := newCountingExiter()
	ex.release = make(chan struct{})
	q := NewExitQueue(ex, 16, 3, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		require.True(t, q.Schedule(id, domain.ExitReasonTimeStop))
	}
	require.Eventually(t, func() bool { return ex.active.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(ex.release)
	require.Eventually(t, func() bool { return ex.total() == 4 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, int32(3), ex.maxSeen.Load())
}
