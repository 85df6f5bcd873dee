// Package sqlite implements the position store on a local SQLite file for
// paper and single-host runs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                TEXT PRIMARY KEY,
	order_ref         TEXT NOT NULL,
	segment           TEXT NOT NULL,
	security_id       TEXT NOT NULL,
	symbol            TEXT NOT NULL DEFAULT '',
	side              TEXT NOT NULL,
	lot_size          INTEGER NOT NULL,
	quantity          INTEGER NOT NULL,
	entry_price       REAL NOT NULL DEFAULT 0,
	avg_price         REAL NOT NULL DEFAULT 0,
	exit_price        REAL NOT NULL DEFAULT 0,
	last_price        REAL NOT NULL DEFAULT 0,
	exit_quantity     INTEGER NOT NULL DEFAULT 0,
	realized_pnl      REAL NOT NULL DEFAULT 0,
	unrealized_pnl    REAL NOT NULL DEFAULT 0,
	peak_profit_pct   REAL NOT NULL DEFAULT 0,
	stop_loss_price   REAL NOT NULL DEFAULT 0,
	target_price      REAL NOT NULL DEFAULT 0,
	underwater_since  INTEGER,
	fills             TEXT NOT NULL DEFAULT '{}',
	exit_order_ref    TEXT NOT NULL DEFAULT '',
	exit_reason       TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	created_at        INTEGER NOT NULL,
	last_validated_at INTEGER NOT NULL,
	status_changed_at INTEGER NOT NULL,
	exited_at         INTEGER,
	order_marks       TEXT NOT NULL DEFAULT '{}'
);
CREATE UNIQUE INDEX IF NOT EXISTS positions_one_active
	ON positions (segment, security_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS positions_order_ref ON positions (order_ref);
CREATE INDEX IF NOT EXISTS positions_status_changed ON positions (status, status_changed_at);
`

const positionCols = `id, order_ref, segment, security_id, symbol, side, lot_size,
	quantity, entry_price, avg_price, exit_price, last_price, exit_quantity,
	realized_pnl, unrealized_pnl, peak_profit_pct, stop_loss_price, target_price,
	underwater_since, fills, exit_order_ref, exit_reason, status,
	created_at, last_validated_at, status_changed_at, exited_at, order_marks`

// PositionStore implements domain.PositionStore on SQLite. Timestamps are
// stored as Unix nanoseconds.
type PositionStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string) (*PositionStore, error) {
	if path == "" {
		path = "./data/lotguard.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create data dir %s: %w", filepath.Dir(path), err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One connection serializes writers, which makes FindActiveOrCreate
	// atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	// Files created before order_marks existed get the column added.
	if _, err := db.ExecContext(ctx, `ALTER TABLE positions ADD COLUMN order_marks TEXT NOT NULL DEFAULT '{}'`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column") {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: add order_marks: %w", err)
	}
	return &PositionStore{db: db}, nil
}

// Close closes the database.
func (s *PositionStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func positionArgs(p domain.Position) ([]any, error) {
	fills := p.Fills
	if fills == nil {
		fills = map[string]int64{}
	}
	fillsJSON, err := json.Marshal(fills)
	if err != nil {
		return nil, fmt.Errorf("marshal fills: %w", err)
	}
	marks := p.OrderMarks
	if marks == nil {
		marks = map[string]domain.OrderMark{}
	}
	marksJSON, err := json.Marshal(marks)
	if err != nil {
		return nil, fmt.Errorf("marshal order marks: %w", err)
	}
	return []any{
		p.ID, p.OrderRef, p.Segment, p.SecurityID, p.Symbol, string(p.Side), p.LotSize,
		p.Quantity, p.EntryPrice, p.AvgPrice, p.ExitPrice, p.LastPrice, p.ExitQuantity,
		p.RealizedPnL, p.UnrealizedPnL, p.PeakProfitPct, p.StopLossPrice, p.TargetPrice,
		nullNanos(p.UnderwaterSince), string(fillsJSON), p.ExitOrderRef, string(p.ExitReason), string(p.Status),
		nanos(p.CreatedAt), nanos(p.LastValidatedAt), nanos(p.StatusChangedAt), nullNanos(p.ExitedAt),
		string(marksJSON),
	}, nil
}

func scanPosition(row scanner) (domain.Position, error) {
	var (
		p                               domain.Position
		side, fills, exitReason, status string
		marks                           string
		created, validated, changed     int64
		underwater, exited              sql.NullInt64
	)
	err := row.Scan(
		&p.ID, &p.OrderRef, &p.Segment, &p.SecurityID, &p.Symbol, &side, &p.LotSize,
		&p.Quantity, &p.EntryPrice, &p.AvgPrice, &p.ExitPrice, &p.LastPrice, &p.ExitQuantity,
		&p.RealizedPnL, &p.UnrealizedPnL, &p.PeakProfitPct, &p.StopLossPrice, &p.TargetPrice,
		&underwater, &fills, &p.ExitOrderRef, &exitReason, &status,
		&created, &validated, &changed, &exited, &marks,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.OrderSide(side)
	p.ExitReason = domain.ExitReason(exitReason)
	p.Status = domain.PositionStatus(status)
	p.UnderwaterSince = fromNullNanos(underwater)
	p.ExitedAt = fromNullNanos(exited)
	p.CreatedAt = fromNanos(created)
	p.LastValidatedAt = fromNanos(validated)
	p.StatusChangedAt = fromNanos(changed)
	if fills != "" {
		if err := json.Unmarshal([]byte(fills), &p.Fills); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal fills: %w", err)
		}
	}
	if marks != "" {
		if err := json.Unmarshal([]byte(marks), &p.OrderMarks); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal order marks: %w", err)
		}
	}
	return p, nil
}

func collect(rows *sql.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func insertSQL() string {
	return `INSERT INTO positions (` + positionCols + `) VALUES (` +
		strings.TrimSuffix(strings.Repeat("?, ", 28), ", ") + `)`
}

// FindActiveOrCreate returns the active row for the instrument of pos or
// inserts pos, inside one transaction.
func (s *PositionStore) FindActiveOrCreate(ctx context.Context, pos domain.Position) (domain.Position, bool, error) {
	args, err := positionArgs(pos)
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("sqlite: find or create %s: %w", pos.ID, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanPosition(tx.QueryRowContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE segment = ? AND security_id = ? AND status = 'active'`,
		pos.Segment, pos.SecurityID))
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return domain.Position{}, false, fmt.Errorf("sqlite: find active %s: %w", pos.Key(), err)
	}

	if _, err := tx.ExecContext(ctx, insertSQL(), args...); err != nil {
		if isConstraint(err) {
			return domain.Position{}, false, fmt.Errorf("sqlite: create position %s: %w", pos.ID, domain.ErrAlreadyExists)
		}
		return domain.Position{}, false, fmt.Errorf("sqlite: create position %s: %w", pos.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Position{}, false, fmt.Errorf("sqlite: commit: %w", err)
	}
	return pos.Clone(), true, nil
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	args, err := positionArgs(p)
	if err != nil {
		return fmt.Errorf("sqlite: create position %s: %w", p.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, insertSQL(), args...); err != nil {
		if isConstraint(err) {
			return fmt.Errorf("sqlite: create position %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces every column of an existing position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	args, err := positionArgs(p)
	if err != nil {
		return fmt.Errorf("sqlite: update position %s: %w", p.ID, err)
	}
	cols := strings.Split(positionCols, ",")
	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, strings.TrimSpace(c)+" = ?")
	}
	query := `UPDATE positions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query, append(args[1:], p.ID)...)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("sqlite: update position %s: active row exists on %s: %w", p.ID, p.Key(), domain.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: update position %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// GetByID retrieves a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(s.db.QueryRowContext(ctx, `SELECT `+positionCols+` FROM positions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("sqlite: position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: get position %s: %w", id, err)
	}
	return p, nil
}

// GetByOrderRef retrieves the position opened by orderRef.
func (s *PositionStore) GetByOrderRef(ctx context.Context, orderRef string) (domain.Position, error) {
	p, err := scanPosition(s.db.QueryRowContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE order_ref = ? ORDER BY created_at DESC LIMIT 1`, orderRef))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("sqlite: order %s: %w", orderRef, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: get position by order %s: %w", orderRef, err)
	}
	return p, nil
}

// ListActive returns active positions, oldest first.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE status = 'active' ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active positions: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan active positions: %w", err)
	}
	return out, nil
}

// ListClosedBefore returns up to limit exited or cancelled positions whose
// status changed before the cutoff, oldest change first.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]domain.Position, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE status IN ('exited', 'cancelled') AND status_changed_at < ?
		 ORDER BY status_changed_at, id LIMIT ?`, before.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list closed positions: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan closed positions: %w", err)
	}
	return out, nil
}

// DeleteTerminal removes the listed exited or cancelled positions.
func (s *PositionStore) DeleteTerminal(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM positions WHERE status IN ('exited', 'cancelled') AND id IN (`+
			strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete terminal positions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
