package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for audit queries.
type ListOpts struct {
	Limit     int
	Offset    int
	Since     *time.Time
	Until     *time.Time
	Event     string // exact event name
	TrackerID string // entries whose detail carries this tracker_id
}

// PositionStore persists position tracker records.
type PositionStore interface {
	// FindActiveOrCreate atomically returns the active position for
	// (pos.Segment, pos.SecurityID) or inserts pos when none exists. The
	// boolean reports whether pos was inserted.
	FindActiveOrCreate(ctx context.Context, pos Position) (Position, bool, error)
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	GetByOrderRef(ctx context.Context, orderRef string) (Position, error)
	ListActive(ctx context.Context) ([]Position, error)
	ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]Position, error)
	// DeleteTerminal removes the given records if they are exited or
	// cancelled and returns how many were removed.
	DeleteTerminal(ctx context.Context, ids []string) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
