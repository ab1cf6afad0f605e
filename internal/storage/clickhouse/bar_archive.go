package clickhouse

import (
	"context"
	"fmt"
	"time"

	"eod-universe/internal/domain"
	"eod-universe/internal/storage"
)

const defaultBatchSize = 5000

// BarArchive implements storage.BarArchive using ClickHouse.
type BarArchive struct {
	conn      *Conn
	batchSize int
}

// NewBarArchive creates a new BarArchive. batchSize <= 0 uses the default.
func NewBarArchive(conn *Conn, batchSize int) *BarArchive {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &BarArchive{conn: conn, batchSize: batchSize}
}

// Compile-time interface check.
var _ storage.BarArchive = (*BarArchive)(nil)

// ArchiveBars stores the full bar history fetched for one instrument.
// Rows land in a ReplacingMergeTree keyed on (canonical_id, date), so
// re-archiving after a resume is harmless.
func (a *BarArchive) ArchiveBars(ctx context.Context, canonicalID string, bars []domain.Bar) error {
	if canonicalID == "" {
		return storage.ErrInvalidInput
	}
	for start := 0; start < len(bars); start += a.batchSize {
		end := start + a.batchSize
		if end > len(bars) {
			end = len(bars)
		}
		if err := a.sendBatch(ctx, canonicalID, bars[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (a *BarArchive) sendBatch(ctx context.Context, canonicalID string, bars []domain.Bar) error {
	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO universe_bars (
			canonical_id, date, open, high, low, close, adjusted_close, volume
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, bar := range bars {
		day, perr := time.Parse("2006-01-02", bar.Date)
		if perr != nil {
			continue
		}
		err = batch.Append(
			canonicalID, day,
			bar.Open, bar.High, bar.Low, bar.Close, bar.AdjustedClose, bar.Volume,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}
