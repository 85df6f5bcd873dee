// Package memory implements the domain store interfaces in process memory.
// It backs paper mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// PositionStore implements domain.PositionStore over a map guarded by a
// single RWMutex, with a secondary index enforcing one active record per
// instrument.
type PositionStore struct {
	mu     sync.RWMutex
	byID   map[string]domain.Position
	active map[domain.InstrumentKey]string
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates an empty store.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		byID:   make(map[string]domain.Position),
		active: make(map[domain.InstrumentKey]string),
	}
}

// FindActiveOrCreate returns the active record for the instrument of pos or
// inserts pos.
func (s *PositionStore) FindActiveOrCreate(_ context.Context, pos domain.Position) (domain.Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.active[pos.Key()]; ok {
		return s.byID[id].Clone(), false, nil
	}
	if _, ok := s.byID[pos.ID]; ok {
		return domain.Position{}, false, fmt.Errorf("memory: position %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	s.putLocked(pos)
	return pos.Clone(), true, nil
}

// Create inserts a new position.
func (s *PositionStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[pos.ID]; ok {
		return fmt.Errorf("memory: position %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	if pos.IsActive() {
		if _, ok := s.active[pos.Key()]; ok {
			return fmt.Errorf("memory: active position on %s: %w", pos.Key(), domain.ErrAlreadyExists)
		}
	}
	s.putLocked(pos)
	return nil
}

// Update replaces an existing position.
func (s *PositionStore) Update(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.byID[pos.ID]
	if !ok {
		return fmt.Errorf("memory: position %s: %w", pos.ID, domain.ErrNotFound)
	}
	if pos.IsActive() {
		if id, ok := s.active[pos.Key()]; ok && id != pos.ID {
			return fmt.Errorf("memory: active position on %s: %w", pos.Key(), domain.ErrAlreadyExists)
		}
	}
	if old.IsActive() && s.active[old.Key()] == old.ID {
		delete(s.active, old.Key())
	}
	s.putLocked(pos)
	return nil
}

func (s *PositionStore) putLocked(pos domain.Position) {
	s.byID[pos.ID] = pos.Clone()
	if pos.IsActive() {
		s.active[pos.Key()] = pos.ID
	}
}

// GetByID returns a position by id.
func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}
	return p.Clone(), nil
}

// GetByOrderRef returns the position opened by orderRef.
func (s *PositionStore) GetByOrderRef(_ context.Context, orderRef string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.byID {
		if p.OrderRef == orderRef {
			return p.Clone(), nil
		}
	}
	return domain.Position{}, fmt.Errorf("memory: order %s: %w", orderRef, domain.ErrNotFound)
}

// ListActive returns active positions ordered by creation time.
func (s *PositionStore) ListActive(_ context.Context) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Position, 0, len(s.active))
	for _, id := range s.active {
		out = append(out, s.byID[id].Clone())
	}
	sortByCreated(out)
	return out, nil
}

// ListClosedBefore returns up to limit terminal positions whose status
// changed before the cutoff, oldest change first.
func (s *PositionStore) ListClosedBefore(_ context.Context, before time.Time, limit int) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.byID {
		if p.Status.Terminal() && p.StatusChangedAt.Before(before) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StatusChangedAt.Equal(out[j].StatusChangedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StatusChangedAt.Before(out[j].StatusChangedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteTerminal removes the listed records that are exited or cancelled.
func (s *PositionStore) DeleteTerminal(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if p, ok := s.byID[id]; ok && p.Status.Terminal() {
			delete(s.byID, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records.
func (s *PositionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func sortByCreated(ps []domain.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}
