package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lotguard/internal/domain"
	"github.com/alanyoungcy/lotguard/internal/metrics"
)

// EventHandler applies broker order events. It is implemented by the
// position manager.
type EventHandler interface {
	OnFill(ctx context.Context, ev domain.FillEvent) error
	OnCancel(ctx context.Context, ev domain.CancelEvent) error
}

// Config bounds the order event loop.
type Config struct {
	Buffer          int           // queued events
	EnqueueTimeout  time.Duration // how long Enqueue blocks on a full queue
	DedupTTL        time.Duration
	CleanupInterval time.Duration
}

// Executor consumes broker order events from a bounded channel, drops
// redelivered ones and hands the rest to the EventHandler one at a time.
type Executor struct {
	ch      chan domain.OrderEvent
	handler EventHandler
	dedup   *Dedup
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an Executor.
func New(handler EventHandler, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Executor {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 2 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	return &Executor{
		ch:      make(chan domain.OrderEvent, cfg.Buffer),
		handler: handler,
		dedup:   NewDedup(cfg.DedupTTL),
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "executor")),
	}
}

// Enqueue queues ev, blocking up to the configured timeout while the queue
// is full. It returns domain.ErrQueueFull when the timeout elapses.
func (e *Executor) Enqueue(ctx context.Context, ev domain.OrderEvent) error {
	select {
	case e.ch <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(e.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case e.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		e.metrics.Dropped("order_events")
		return fmt.Errorf("executor: enqueue %s: %w", EventKey(ev), domain.ErrQueueFull)
	}
}

// Run processes events until ctx is cancelled, then drains what is already
// queued.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	cleanup := time.NewTicker(e.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()

		case ev := <-e.ch:
			e.process(ctx, ev)

		case <-cleanup.C:
			e.dedup.Cleanup()
		}
	}
}

func (e *Executor) process(ctx context.Context, ev domain.OrderEvent) {
	key := EventKey(ev)
	if key == "" {
		e.logger.WarnContext(ctx, "order event without payload",
			slog.String("type", string(ev.Type)),
			slog.String("reason", domain.ReasonInputAmbiguity),
		)
		return
	}
	if e.dedup.IsDuplicate(key) {
		e.metrics.DuplicateEvent(string(ev.Type))
		e.logger.DebugContext(ctx, "order event deduplicated",
			slog.String("event", key),
			slog.String("reason", domain.ReasonDuplicateEvent),
		)
		return
	}

	var err error
	switch {
	case ev.Fill != nil:
		err = e.handler.OnFill(ctx, *ev.Fill)
	default:
		err = e.handler.OnCancel(ctx, *ev.Cancel)
	}
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrDuplicateEvent):
		e.logger.DebugContext(ctx, "order event already applied",
			slog.String("event", key),
			slog.String("reason", domain.ReasonDuplicateEvent),
		)
	default:
		// Let a broker redelivery try again.
		e.dedup.Forget(key)
		e.logger.ErrorContext(ctx, "order event failed",
			slog.String("event", key),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) drain() {
	for {
		select {
		case ev := <-e.ch:
			e.logger.Warn("draining order event after shutdown",
				slog.String("event", EventKey(ev)),
			)
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.process(drainCtx, ev)
			cancel()
		default:
			return
		}
	}
}
