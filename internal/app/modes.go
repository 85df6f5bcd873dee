package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lotguard/internal/domain"
	"github.com/alanyoungcy/lotguard/internal/executor"
	"github.com/alanyoungcy/lotguard/internal/feed"
	"github.com/alanyoungcy/lotguard/internal/platform/gateway"
	"github.com/alanyoungcy/lotguard/internal/platform/paper"
	"github.com/alanyoungcy/lotguard/internal/service"
	"github.com/alanyoungcy/lotguard/internal/sizing"
)

// orderRateKey is the rate limiter bucket shared by every order submission.
const orderRateKey = "orders"

// deferredHandler lets the executor be built before the manager it feeds.
// m is set before any goroutine starts.
type deferredHandler struct {
	m *service.Manager
}

func (h *deferredHandler) OnFill(ctx context.Context, ev domain.FillEvent) error {
	return h.m.OnFill(ctx, ev)
}

func (h *deferredHandler) OnCancel(ctx context.Context, ev domain.CancelEvent) error {
	return h.m.OnCancel(ctx, ev)
}

// LiveMode routes orders to the broker gateway over the signal bus and
// consumes the broker's order-update stream.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")
	return a.runManaged(ctx, deps, false)
}

// PaperMode fills orders against cached prices in process. Nothing reaches
// the broker.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	return a.runManaged(ctx, deps, true)
}

// runManaged starts the tick feed, the order event loop, the exit workers,
// the entry intent reader and the periodic sweep, P&L and archive jobs, then
// blocks until ctx is cancelled or one of them fails.
func (a *App) runManaged(ctx context.Context, deps *Dependencies, paperMode bool) error {
	cfg := a.cfg
	g, ctx := errgroup.WithContext(ctx)

	// Order events: broker stream or paper fills -> executor -> manager.
	handler := &deferredHandler{}
	exec := executor.New(handler, executor.Config{
		Buffer:         cfg.Manager.EventBuffer,
		EnqueueTimeout: cfg.Manager.EnqueueTimeout.Duration,
		DedupTTL:       cfg.Manager.DedupTTL.Duration,
	}, deps.Metrics, a.logger)

	var (
		router      domain.OrderRouter
		broker      domain.PositionSource
		paperRouter *paper.Router
		orderStream *feed.OrderStream
	)
	if paperMode {
		sizes, err := lotSizes(cfg.Paper.LotSizes)
		if err != nil {
			return err
		}
		paperRouter = paper.NewRouter(deps.PriceCache, exec, paper.Config{
			FillDelay:      cfg.Paper.FillDelay.Duration,
			MaxPriceAge:    cfg.Paper.MaxPriceAge.Duration,
			QueueSize:      cfg.Manager.EventBuffer,
			DefaultLotSize: cfg.Paper.DefaultLotSize,
			LotSizes:       sizes,
		}, a.logger)
		router, broker = paperRouter, paperRouter
	} else {
		router = gateway.NewStreamRouter(deps.SignalBus, cfg.Broker.RequestStream, a.logger)
		broker = deps.Snapshots

		orderStream = feed.NewOrderStream(deps.SignalBus, exec, feed.OrderStreamConfig{
			Stream:       cfg.Feed.OrderStream,
			BatchSize:    cfg.Feed.StreamBatch,
			PollInterval: cfg.Feed.PollInterval.Duration,
		}, a.logger)
	}
	if cfg.Broker.OrderRateLimit > 0 {
		router = service.NewLimitedRouter(router, deps.RateLimiter, orderRateKey,
			cfg.Broker.OrderRateLimit, cfg.Broker.OrderRateWindow.Duration)
	}

	// Ticks: websocket -> bounded buffer -> manager.
	ticks := feed.NewTickBuffer(cfg.Feed.TickBuffer, deps.Metrics)
	wsFeed := feed.NewWSFeed(feed.WSConfig{
		URL:               cfg.Feed.WSURL,
		HandshakeTimeout:  cfg.Feed.HandshakeTimeout.Duration,
		PongWait:          cfg.Feed.PongWait.Duration,
		ReconnectDelay:    cfg.Feed.ReconnectDelay.Duration,
		MaxReconnectDelay: cfg.Feed.MaxReconnectDelay.Duration,
	}, ticks, a.logger)

	mgr := a.newManager(deps, router, wsFeed, broker)
	handler.m = mgr

	exits := executor.NewExitQueue(mgr, cfg.Manager.ExitQueueSize, cfg.Manager.ExitWorkers, a.logger)
	mgr.SetExitScheduler(exits)

	// Entries: intent stream -> gate -> router -> pending tracker.
	gate := service.NewEntryGate(deps.Snapshots, deps.Snapshots,
		sizing.NewAllocator(sizingBands(cfg.Sizing.Bands), cfg.Sizing.AssumedStopFraction),
		policies(cfg.Policy), deps.Metrics, a.logger)
	desk := service.NewEntryDesk(gate, router, mgr, deps.PriceCache,
		cfg.Sizing.Equity, cfg.Feed.EntryPriceMaxAge.Duration, a.logger)

	if err := mgr.Reconcile(ctx); err != nil {
		if !errors.Is(err, domain.ErrInsufficientData) {
			return fmt.Errorf("app: reconcile: %w", err)
		}
		a.logger.WarnContext(ctx, "broker positions unavailable at start-up; trackers restored from the store only",
			slog.String("error", err.Error()),
			slog.String("reason", domain.ReasonExternalCallFailed),
		)
	}

	if cfg.Metrics.Enabled {
		a.startMetricsServer(ctx, g, deps)
	}
	if paperRouter != nil {
		g.Go(func() error {
			return paperRouter.Run(ctx)
		})
	}
	if orderStream != nil {
		g.Go(func() error {
			return orderStream.Run(ctx)
		})
	}
	g.Go(func() error {
		return exec.Run(ctx)
	})
	g.Go(func() error {
		return exits.Run(ctx)
	})
	g.Go(func() error {
		return wsFeed.Run(ctx)
	})
	g.Go(func() error {
		return ticks.Run(ctx, func(ctx context.Context, t domain.Tick) {
			mgr.OnTick(ctx, t)
			if err := deps.PriceCache.SetPrice(ctx, t.Key(), t.LastPrice, t.Timestamp); err != nil {
				a.logger.DebugContext(ctx, "price cache write failed",
					slog.String("instrument", t.Key().String()),
					slog.String("error", err.Error()),
				)
			}
		})
	})

	if cfg.Feed.IntentStream != "" {
		intents := feed.NewIntentStream(deps.SignalBus, desk, feed.OrderStreamConfig{
			Stream:       cfg.Feed.IntentStream,
			BatchSize:    cfg.Feed.StreamBatch,
			PollInterval: cfg.Feed.PollInterval.Duration,
		}, cfg.Feed.IntentMaxAge.Duration, a.logger)
		g.Go(func() error {
			return intents.Run(ctx)
		})
	} else {
		a.logger.InfoContext(ctx, "feed: intent_stream not set, entries are not accepted")
	}

	g.Go(func() error {
		return every(ctx, cfg.Manager.SweepInterval.Duration, mgr.Sweep)
	})
	g.Go(func() error {
		return every(ctx, cfg.Manager.PnLInterval.Duration, mgr.RefreshPnL)
	})

	if archiver := a.newArchiver(deps); archiver != nil {
		g.Go(func() error {
			return every(ctx, cfg.Archive.Interval.Duration, func(ctx context.Context) {
				a.archiveOnce(ctx, archiver)
			})
		})
	}

	a.logger.InfoContext(ctx, "position manager started",
		slog.Bool("paper", paperMode),
		slog.Int("exit_workers", cfg.Manager.ExitWorkers),
		slog.Duration("sweep_interval", cfg.Manager.SweepInterval.Duration),
	)
	return g.Wait()
}

// ReconcileMode restores trackers from the store, adopts untracked broker
// positions, persists fresh P&L and runs one archive pass, then returns.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")

	router := gateway.NewStreamRouter(deps.SignalBus, a.cfg.Broker.RequestStream, a.logger)
	mgr := a.newManager(deps, router, nil, deps.Snapshots)

	if err := mgr.Reconcile(ctx); err != nil {
		return fmt.Errorf("app: reconcile: %w", err)
	}
	mgr.RefreshPnL(ctx)

	if archiver := a.newArchiver(deps); archiver != nil {
		a.archiveOnce(ctx, archiver)
	}

	active, err := mgr.ActivePositions(ctx)
	if err != nil {
		return fmt.Errorf("app: list active: %w", err)
	}
	a.logger.InfoContext(ctx, "reconcile complete", slog.Int("active", len(active)))
	return nil
}

// newManager builds the position manager over the shared dependencies. sub
// may be nil for runs that do not stream prices.
func (a *App) newManager(deps *Dependencies, router domain.OrderRouter, sub domain.FeedSubscriber, broker domain.PositionSource) *service.Manager {
	cfg := a.cfg
	cache := service.NewActiveCache(deps.PositionStore, service.ActiveCacheConfig{
		TTL:        cfg.Manager.CacheTTL.Duration,
		MaxEntries: cfg.Manager.CacheMaxEntries,
	}, a.logger)
	engine := service.NewRiskEngine(newSchedule(cfg.Schedule), engineConfig(cfg.Engine))

	md := service.ManagerDeps{
		Store:    deps.PositionStore,
		Router:   router,
		Feed:     sub,
		Broker:   broker,
		Prices:   deps.PriceCache,
		Trends:   deps.Snapshots,
		Locks:    deps.LockManager,
		Bus:      deps.SignalBus,
		Audit:    deps.AuditStore,
		Engine:   engine,
		Cache:    cache,
		Policies: policies(cfg.Policy),
		Metrics:  deps.Metrics,
	}
	return service.NewManager(md, service.ManagerConfig{
		ExitTimeout: cfg.Manager.ExitTimeout.Duration,
		FeedTimeout: cfg.Manager.FeedTimeout.Duration,
		ExitLockTTL: cfg.Manager.ExitLockTTL.Duration,
	}, a.logger)
}

// newArchiver returns nil when archiving is disabled.
func (a *App) newArchiver(deps *Dependencies) *service.Archiver {
	if !a.cfg.Archive.Enabled || deps.BlobWriter == nil {
		return nil
	}
	return service.NewArchiver(deps.PositionStore, deps.BlobWriter, deps.AuditStore, service.ArchiverConfig{
		Retention: a.cfg.Archive.Retention.Duration,
		BatchSize: a.cfg.Archive.BatchSize,
		MaxFiles:  a.cfg.Archive.MaxFiles,
	}, a.logger)
}

func (a *App) archiveOnce(ctx context.Context, archiver *service.Archiver) {
	n, err := archiver.Run(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "archive run failed",
			slog.Int64("archived", n),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		a.logger.InfoContext(ctx, "archived terminal positions", slog.Int64("archived", n))
	}
}

// every calls fn each interval until ctx is cancelled.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// startMetricsServer adds the Prometheus endpoint and its shutdown to g.
func (a *App) startMetricsServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", deps.Metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "metrics server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "metrics server shutting down")
		return srv.Shutdown(shutCtx)
	})
}
