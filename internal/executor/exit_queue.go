package executor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// Exiter closes a tracker. It is implemented by the position manager.
type Exiter interface {
	RequestExit(ctx context.Context, trackerID string, reason domain.ExitReason) error
}

type exitJob struct {
	trackerID string
	reason    domain.ExitReason
}

// ExitQueue runs exits on a fixed pool of workers so a slow order router
// never stalls tick processing. The queue is bounded; Schedule refuses work
// when it is full.
type ExitQueue struct {
	ch      chan exitJob
	exiter  Exiter
	workers int
	logger  *slog.Logger
}

// NewExitQueue creates an ExitQueue holding up to size pending exits.
func NewExitQueue(exiter Exiter, size, workers int, logger *slog.Logger) *ExitQueue {
	if size <= 0 {
		size = 64
	}
	if workers <= 0 {
		workers = 4
	}
	return &ExitQueue{
		ch:      make(chan exitJob, size),
		exiter:  exiter,
		workers: workers,
		logger:  logger.With(slog.String("component", "exit_queue")),
	}
}

// Schedule queues an exit without blocking. It returns false when the queue
// is full.
func (q *ExitQueue) Schedule(trackerID string, reason domain.ExitReason) bool {
	select {
	case q.ch <- exitJob{trackerID: trackerID, reason: reason}:
		return true
	default:
		return false
	}
}

// Len returns the number of queued exits.
func (q *ExitQueue) Len() int { return len(q.ch) }

// Run starts the workers and blocks until ctx is cancelled. Exits still
// queued at shutdown are attempted with a short deadline.
func (q *ExitQueue) Run(ctx context.Context) error {
	q.logger.Info("exit queue started", slog.Int("workers", q.workers))
	defer q.logger.Info("exit queue stopped")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case job := <-q.ch:
					q.run(gctx, job)
				}
			}
		})
	}
	_ = g.Wait()
	q.drain()
	return ctx.Err()
}

func (q *ExitQueue) run(ctx context.Context, job exitJob) {
	if err := q.exiter.RequestExit(ctx, job.trackerID, job.reason); err != nil {
		q.logger.WarnContext(ctx, "queued exit failed",
			slog.String("tracker_id", job.trackerID),
			slog.String("exit_reason", string(job.reason)),
			slog.String("error", err.Error()),
		)
	}
}

func (q *ExitQueue) drain() {
	for {
		select {
		case job := <-q.ch:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			q.run(ctx, job)
			cancel()
		default:
			return
		}
	}
}
