package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PositionStore implements domain.PositionStore on the positions table. The
// partial unique index positions_one_active backs the one-active-tracker
// rule; permission is never stored.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `id, order_ref, segment, security_id, symbol, side, lot_size,
	quantity, entry_price, avg_price, exit_price, last_price, exit_quantity,
	realized_pnl, unrealized_pnl, peak_profit_pct, stop_loss_price, target_price,
	underwater_since, fills, exit_order_ref, exit_reason, status,
	created_at, last_validated_at, status_changed_at, exited_at, order_marks`

const positionPlaceholders = `$1, $2, $3, $4, $5, $6, $7,
	$8, $9, $10, $11, $12, $13,
	$14, $15, $16, $17, $18,
	$19, $20, $21, $22, $23,
	$24, $25, $26, $27, $28`

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
		p.UnderwaterSince, fillsJSON, p.ExitOrderRef, string(p.ExitReason), string(p.Status),
		p.CreatedAt, p.LastValidatedAt, p.StatusChangedAt, p.ExitedAt, marksJSON,
	}, nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                        domain.Position
		side, exitReason, status string
		fillsJSON, marksJSON     []byte
	)
	err := row.Scan(
		&p.ID, &p.OrderRef, &p.Segment, &p.SecurityID, &p.Symbol, &side, &p.LotSize,
		&p.Quantity, &p.EntryPrice, &p.AvgPrice, &p.ExitPrice, &p.LastPrice, &p.ExitQuantity,
		&p.RealizedPnL, &p.UnrealizedPnL, &p.PeakProfitPct, &p.StopLossPrice, &p.TargetPrice,
		&p.UnderwaterSince, &fillsJSON, &p.ExitOrderRef, &exitReason, &status,
		&p.CreatedAt, &p.LastValidatedAt, &p.StatusChangedAt, &p.ExitedAt, &marksJSON,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.OrderSide(side)
	p.ExitReason = domain.ExitReason(exitReason)
	p.Status = domain.PositionStatus(status)
	if len(fillsJSON) > 0 {
		if err := json.Unmarshal(fillsJSON, &p.Fills); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal fills: %w", err)
		}
	}
	if len(marksJSON) > 0 {
		if err := json.Unmarshal(marksJSON, &p.OrderMarks); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal order marks: %w", err)
		}
	}
	return p, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// FindActiveOrCreate inserts pos unless the instrument already has an
// active row, in which case that row is returned. The insert and the
// fallback read retry when the active row changes status in between.
func (s *PositionStore) FindActiveOrCreate(ctx context.Context, pos domain.Position) (domain.Position, bool, error) {
	args, err := positionArgs(pos)
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("postgres: find or create %s: %w", pos.ID, err)
	}
	insert := `INSERT INTO positions (` + positionCols + `, updated_at)
		VALUES (` + positionPlaceholders + `, NOW())
		ON CONFLICT (segment, security_id) WHERE status = 'active' DO NOTHING
		RETURNING id`

	for attempt := 0; attempt < 3; attempt++ {
		var id string
		err := s.pool.QueryRow(ctx, insert, args...).Scan(&id)
		switch {
		case err == nil:
			return pos.Clone(), true, nil
		case isUniqueViolation(err):
			return domain.Position{}, false, fmt.Errorf("postgres: create position %s: %w", pos.ID, domain.ErrAlreadyExists)
		case !errors.Is(err, pgx.ErrNoRows):
			return domain.Position{}, false, fmt.Errorf("postgres: find or create %s: %w", pos.ID, err)
		}

		existing, err := scanPosition(s.pool.QueryRow(ctx,
			`SELECT `+positionCols+` FROM positions
			 WHERE segment = $1 AND security_id = $2 AND status = 'active'`,
			pos.Segment, pos.SecurityID))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, false, fmt.Errorf("postgres: find active %s: %w", pos.Key(), err)
		}
	}
	return domain.Position{}, false, fmt.Errorf("postgres: find or create %s: active row kept changing", pos.Key())
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	args, err := positionArgs(p)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO positions (`+positionCols+`, updated_at) VALUES (`+positionPlaceholders+`, NOW())`,
		args...)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces every mutable column of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	args, err := positionArgs(p)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	const query = `
		UPDATE positions SET
			order_ref         = $2,
			segment           = $3,
			security_id       = $4,
			symbol            = $5,
			side              = $6,
			lot_size          = $7,
			quantity          = $8,
			entry_price       = $9,
			avg_price         = $10,
			exit_price        = $11,
			last_price        = $12,
			exit_quantity     = $13,
			realized_pnl      = $14,
			unrealized_pnl    = $15,
			peak_profit_pct   = $16,
			stop_loss_price   = $17,
			target_price      = $18,
			underwater_since  = $19,
			fills             = $20,
			exit_order_ref    = $21,
			exit_reason       = $22,
			status            = $23,
			created_at        = $24,
			last_validated_at = $25,
			status_changed_at = $26,
			exited_at         = $27,
			order_marks       = $28,
			updated_at        = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, args...)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: update position %s: active row exists on %s: %w", p.ID, p.Key(), domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// GetByID retrieves a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetByOrderRef retrieves the position opened by orderRef.
func (s *PositionStore) GetByOrderRef(ctx context.Context, orderRef string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE order_ref = $1
		 ORDER BY created_at DESC LIMIT 1`, orderRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: order %s: %w", orderRef, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position by order %s: %w", orderRef, err)
	}
	return p, nil
}

// ListActive returns active positions, oldest first.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE status = 'active'
		 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return out, nil
}

// ListClosedBefore returns up to limit exited or cancelled positions whose
// status changed before the cutoff, oldest change first.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]domain.Position, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE status IN ('exited', 'cancelled') AND status_changed_at < $1
		 ORDER BY status_changed_at, id
		 LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return out, nil
}

// DeleteTerminal removes the listed exited or cancelled positions.
func (s *PositionStore) DeleteTerminal(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE id = ANY($1) AND status IN ('exited', 'cancelled')`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete terminal positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
