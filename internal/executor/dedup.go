package executor

import (
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// Dedup suppresses broker order events redelivered within a TTL window.
// It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // event key -> first seen
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup that treats an event key seen within ttl as a
// duplicate.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// EventKey is the identity of an order event. Fills are keyed by their
// cumulative quantity so a genuine partial-fill progression is never
// suppressed.
func EventKey(ev domain.OrderEvent) string {
	switch {
	case ev.Fill != nil:
		return "fill:" + ev.Fill.OrderRef + ":" + strconv.FormatInt(ev.Fill.FilledQty, 10)
	case ev.Cancel != nil:
		return string(ev.Type) + ":" + ev.Cancel.OrderRef
	default:
		return ""
	}
}

// IsDuplicate reports whether key was seen within the TTL. An unseen or
// expired key is recorded and false is returned.
func (d *Dedup) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if lastSeen, ok := d.seen[key]; ok && now.Sub(lastSeen) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Forget drops key so a redelivery is processed again. Used when handling
// the event failed.
func (d *Dedup) Forget(key string) {
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
}

// Cleanup removes expired entries.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, key)
		}
	}
}

// Len returns the number of remembered keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
