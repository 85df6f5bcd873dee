package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// ActiveCacheConfig bounds the active position cache.
type ActiveCacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

type cacheSnapshot struct {
	byID      map[string]domain.Position
	fetchedAt time.Time
}

// ActiveCache is a read-through cache of active positions over the position
// store. Readers are lock-free while the snapshot is fresh; a single mutex
// serializes refreshes so concurrent misses share one store query.
type ActiveCache struct {
	store  domain.PositionStore
	cfg    ActiveCacheConfig
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	snap  atomic.Pointer[cacheSnapshot]
	stale atomic.Bool
}

// NewActiveCache creates an empty cache; the first read fills it.
func NewActiveCache(store domain.PositionStore, cfg ActiveCacheConfig, logger *slog.Logger) *ActiveCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1024
	}
	return &ActiveCache{
		store:  store,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "active_cache")),
		now:    time.Now,
	}
}

// ActivePositions returns the cached active positions ordered by creation
// time, refreshing from the store when the snapshot expired or was
// invalidated.
func (c *ActiveCache) ActivePositions(ctx context.Context) ([]domain.Position, error) {
	if s := c.fresh(); s != nil {
		return s.list(), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another reader may have refreshed while we waited.
	if s := c.fresh(); s != nil {
		return s.list(), nil
	}
	s, err := c.refreshLocked(ctx)
	if err != nil {
		return nil, err
	}
	return s.list(), nil
}

// Refresh reloads the snapshot from the store.
func (c *ActiveCache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.refreshLocked(ctx)
	return err
}

// Invalidate forces the next read to refetch.
func (c *ActiveCache) Invalidate() {
	c.stale.Store(true)
}

// Put writes through a position change. Non-active positions are removed.
func (c *ActiveCache) Put(p domain.Position) {
	if !p.IsActive() {
		c.Remove(p.ID)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.snap.Load()
	if cur == nil {
		// Nothing loaded yet; the first read fetches from the store.
		return
	}
	if _, ok := cur.byID[p.ID]; !ok && len(cur.byID) >= c.cfg.MaxEntries {
		c.logger.Warn("active cache full, forcing refetch",
			slog.String("tracker_id", p.ID),
			slog.Int("max_entries", c.cfg.MaxEntries),
		)
		c.stale.Store(true)
		return
	}
	next := cur.clone()
	next.byID[p.ID] = p.Clone()
	c.snap.Store(next)
}

// Remove drops a position from the snapshot.
func (c *ActiveCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.snap.Load()
	if cur == nil {
		return
	}
	if _, ok := cur.byID[id]; !ok {
		return
	}
	next := cur.clone()
	delete(next.byID, id)
	c.snap.Store(next)
}

// Len returns the number of cached positions.
func (c *ActiveCache) Len() int {
	s := c.snap.Load()
	if s == nil {
		return 0
	}
	return len(s.byID)
}

func (c *ActiveCache) fresh() *cacheSnapshot {
	s := c.snap.Load()
	if s == nil || c.stale.Load() || c.now().Sub(s.fetchedAt) >= c.cfg.TTL {
		return nil
	}
	return s
}

func (c *ActiveCache) refreshLocked(ctx context.Context) (*cacheSnapshot, error) {
	// Cleared before the query so an Invalidate racing the fetch still wins.
	c.stale.Store(false)
	positions, err := c.store.ListActive(ctx)
	if err != nil {
		c.stale.Store(true)
		return nil, fmt.Errorf("active_cache: list active: %w", err)
	}
	if len(positions) > c.cfg.MaxEntries {
		c.logger.WarnContext(ctx, "active cache truncated",
			slog.Int("active", len(positions)),
			slog.Int("max_entries", c.cfg.MaxEntries),
		)
		positions = positions[:c.cfg.MaxEntries]
	}
	s := &cacheSnapshot{byID: make(map[string]domain.Position, len(positions)), fetchedAt: c.now()}
	for _, p := range positions {
		s.byID[p.ID] = p.Clone()
	}
	c.snap.Store(s)
	return s, nil
}

func (s *cacheSnapshot) clone() *cacheSnapshot {
	out := &cacheSnapshot{byID: make(map[string]domain.Position, len(s.byID)+1), fetchedAt: s.fetchedAt}
	for k, v := range s.byID {
		out.byID[k] = v
	}
	return out
}

func (s *cacheSnapshot) list() []domain.Position {
	out := make([]domain.Position, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
