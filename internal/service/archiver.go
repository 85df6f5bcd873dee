package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lotguard/internal/domain"
)

// ArchiverConfig controls which terminal positions are moved to blob storage.
type ArchiverConfig struct {
	Retention time.Duration // minimum age of the terminal status change
	BatchSize int           // rows per uploaded file
	MaxFiles  int           // files per run
}

// Archiver moves exited and cancelled positions older than the retention
// window out of the position store into JSONL files on blob storage. Rows
// are deleted only after their file was uploaded.
type Archiver struct {
	store  domain.PositionStore
	writer domain.BlobWriter
	audit  domain.AuditStore
	cfg    ArchiverConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(store domain.PositionStore, writer domain.BlobWriter, audit domain.AuditStore, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 20
	}
	return &Archiver{
		store:  store,
		writer: writer,
		audit:  audit,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "archiver")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// archivedPosition is the JSONL row layout.
type archivedPosition struct {
	ID              string            `json:"id"`
	OrderRef        string            `json:"order_ref"`
	Segment         string            `json:"segment"`
	SecurityID      string            `json:"security_id"`
	Symbol          string            `json:"symbol"`
	Side            domain.OrderSide  `json:"side"`
	LotSize         int64             `json:"lot_size"`
	EntryPrice      float64           `json:"entry_price"`
	AvgPrice        float64           `json:"avg_price"`
	ExitPrice       float64           `json:"exit_price"`
	ExitQuantity    int64             `json:"exit_quantity"`
	RealizedPnL     float64           `json:"realized_pnl"`
	PeakProfitPct   float64           `json:"peak_profit_pct"`
	StopLossPrice   float64           `json:"stop_loss_price"`
	TargetPrice     float64           `json:"target_price"`
	Fills           map[string]int64  `json:"fills"`
	ExitOrderRef    string            `json:"exit_order_ref,omitempty"`
	ExitReason      domain.ExitReason `json:"exit_reason,omitempty"`
	Status          string            `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	StatusChangedAt time.Time         `json:"status_changed_at"`
	ExitedAt        *time.Time        `json:"exited_at,omitempty"`
}

func toArchived(p domain.Position) archivedPosition {
	return archivedPosition{
		ID:              p.ID,
		OrderRef:        p.OrderRef,
		Segment:         p.Segment,
		SecurityID:      p.SecurityID,
		Symbol:          p.Symbol,
		Side:            p.Side,
		LotSize:         p.LotSize,
		EntryPrice:      p.EntryPrice,
		AvgPrice:        p.AvgPrice,
		ExitPrice:       p.ExitPrice,
		ExitQuantity:    p.ExitQuantity,
		RealizedPnL:     p.RealizedPnL,
		PeakProfitPct:   p.PeakProfitPct,
		StopLossPrice:   p.StopLossPrice,
		TargetPrice:     p.TargetPrice,
		Fills:           p.Fills,
		ExitOrderRef:    p.ExitOrderRef,
		ExitReason:      p.ExitReason,
		Status:          string(p.Status),
		CreatedAt:       p.CreatedAt,
		StatusChangedAt: p.StatusChangedAt,
		ExitedAt:        p.ExitedAt,
	}
}

// archivePath partitions files by the archive run day:
//
//	positions/2026/10/19/1792368000.jsonl
func archivePath(at time.Time, seq int) string {
	name := fmt.Sprintf("%d", at.Unix())
	if seq > 0 {
		name = fmt.Sprintf("%s-%d", name, seq)
	}
	return fmt.Sprintf("positions/%s/%s.jsonl", at.Format("2006/01/02"), name)
}

// Run archives batches until none are left or MaxFiles is reached and
// returns the number of archived positions.
func (a *Archiver) Run(ctx context.Context) (int64, error) {
	now := a.now()
	cutoff := now.Add(-a.cfg.Retention)
	var total int64
	for seq := 0; seq < a.cfg.MaxFiles; seq++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := a.store.ListClosedBefore(ctx, cutoff, a.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("archiver: list closed positions: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		n, err := a.archiveBatch(ctx, archivePath(now, seq), batch, cutoff)
		total += n
		if err != nil {
			return total, err
		}
		if len(batch) < a.cfg.BatchSize {
			break
		}
	}
	if total > 0 {
		a.logger.InfoContext(ctx, "positions archived",
			slog.Int64("count", total),
			slog.Time("before", cutoff),
		)
	}
	return total, nil
}

func (a *Archiver) archiveBatch(ctx context.Context, path string, batch []domain.Position, cutoff time.Time) (int64, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]string, 0, len(batch))
	for _, p := range batch {
		if !p.Status.Terminal() {
			continue
		}
		if err := enc.Encode(toArchived(p)); err != nil {
			return 0, fmt.Errorf("archiver: encode position %s: %w", p.ID, err)
		}
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := a.writer.Put(ctx, path, &buf, "application/x-ndjson"); err != nil {
		a.logger.ErrorContext(ctx, "archive upload failed",
			slog.String("path", path),
			slog.String("reason", domain.ReasonExternalCallFailed),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("archiver: upload %s: %w", path, err)
	}

	deleted, err := a.store.DeleteTerminal(ctx, ids)
	if err != nil {
		// The file exists; the next run uploads these rows again under a
		// new name, which readers must tolerate.
		a.logger.ErrorContext(ctx, "archived positions not deleted",
			slog.String("path", path),
			slog.String("reason", domain.ReasonPersistFailed),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("archiver: delete archived positions: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.positions", map[string]any{
			"path":   path,
			"count":  deleted,
			"before": cutoff.Format(time.RFC3339),
		}); err != nil {
			a.logger.WarnContext(ctx, "audit log failed",
				slog.String("event", "archive.positions"),
				slog.String("error", err.Error()),
			)
		}
	}
	return deleted, nil
}
