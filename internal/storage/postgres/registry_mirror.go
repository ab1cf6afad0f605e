package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"eod-universe/internal/domain"
	"eod-universe/internal/storage"
)

// RegistryMirror implements storage.RegistryMirror using PostgreSQL.
type RegistryMirror struct {
	pool *Pool
}

// NewRegistryMirror creates a new RegistryMirror.
func NewRegistryMirror(pool *Pool) *RegistryMirror {
	return &RegistryMirror{pool: pool}
}

// Compile-time interface check.
var _ storage.RegistryMirror = (*RegistryMirror)(nil)

const upsertRecordSQL = `
	INSERT INTO universe_registry (
		canonical_id, symbol, exchange, mic, name, currency, country,
		type_norm, last_trade_date, bars_count, avg_volume_10d, avg_volume_30d,
		layer, score_0_100, quality_basis, ghost_price,
		history_pack, pack_sha256, run_id, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7,
		$8, NULLIF($9, ''), $10, $11, $12,
		$13, $14, $15, $16,
		$17, $18, $19, now()
	)
	ON CONFLICT (canonical_id) DO UPDATE SET
		symbol = EXCLUDED.symbol,
		exchange = EXCLUDED.exchange,
		mic = EXCLUDED.mic,
		name = EXCLUDED.name,
		currency = EXCLUDED.currency,
		country = EXCLUDED.country,
		type_norm = EXCLUDED.type_norm,
		last_trade_date = EXCLUDED.last_trade_date,
		bars_count = EXCLUDED.bars_count,
		avg_volume_10d = EXCLUDED.avg_volume_10d,
		avg_volume_30d = EXCLUDED.avg_volume_30d,
		layer = EXCLUDED.layer,
		score_0_100 = EXCLUDED.score_0_100,
		quality_basis = EXCLUDED.quality_basis,
		ghost_price = EXCLUDED.ghost_price,
		history_pack = EXCLUDED.history_pack,
		pack_sha256 = EXCLUDED.pack_sha256,
		run_id = EXCLUDED.run_id,
		updated_at = now()
`

// UpsertRecords writes the scored registry records in one batch,
// replacing prior rows per canonical id.
func (m *RegistryMirror) UpsertRecords(ctx context.Context, runID string, records []domain.RegistryRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range records {
		rec := &records[i]
		var ghost bool
		if rec.Flags.GhostPrice != nil {
			ghost = *rec.Flags.GhostPrice
		}
		batch.Queue(upsertRecordSQL,
			rec.CanonicalIDField,
			rec.Symbol,
			rec.Exchange,
			rec.MIC,
			rec.Name,
			rec.Currency,
			rec.Country,
			string(rec.TypeNorm),
			rec.LastTradeDate,
			rec.BarsCount,
			rec.AvgVolume10D,
			rec.AvgVolume30D,
			string(rec.Computed.Layer),
			rec.Computed.Score,
			string(rec.QualityBasis),
			ghost,
			rec.Pointers.HistoryPack,
			rec.Pointers.PackSHA256,
			runID,
		)
	}

	results := m.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert registry record: %w", err)
		}
	}
	return nil
}

// GetRecord retrieves one mirrored record. Returns ErrNotFound if absent.
func (m *RegistryMirror) GetRecord(ctx context.Context, canonicalID string) (*domain.RegistryRecord, error) {
	query := `
		SELECT canonical_id, symbol, exchange, COALESCE(mic, ''), COALESCE(name, ''),
			COALESCE(currency, ''), COALESCE(country, ''), type_norm,
			COALESCE(last_trade_date::text, ''), bars_count, avg_volume_10d, avg_volume_30d,
			layer, score_0_100, quality_basis, ghost_price,
			COALESCE(history_pack, ''), COALESCE(pack_sha256, ''), run_id
		FROM universe_registry
		WHERE canonical_id = $1
	`

	var rec domain.RegistryRecord
	var typeNorm, layer, basis string
	var ghost bool
	err := m.pool.QueryRow(ctx, query, canonicalID).Scan(
		&rec.CanonicalIDField, &rec.Symbol, &rec.Exchange, &rec.MIC, &rec.Name,
		&rec.Currency, &rec.Country, &typeNorm,
		&rec.LastTradeDate, &rec.BarsCount, &rec.AvgVolume10D, &rec.AvgVolume30D,
		&layer, &rec.Computed.Score, &basis, &ghost,
		&rec.Pointers.HistoryPack, &rec.Pointers.PackSHA256, &rec.Meta.RunID,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get registry record: %w", err)
	}
	rec.TypeNorm = domain.TypeNorm(typeNorm)
	rec.Computed.Layer = domain.Layer(layer)
	rec.QualityBasis = domain.QualityBasis(basis)
	rec.Flags.GhostPrice = &ghost
	return &rec, nil
}

// InsertRunHistory appends one run outcome row.
func (m *RegistryMirror) InsertRunHistory(ctx context.Context, run *storage.RunHistory) error {
	if run == nil || run.RunID == "" {
		return storage.ErrInvalidInput
	}
	query := `
		INSERT INTO universe_runs (
			run_id, mode, started_at, finished_at, exit_code, reason,
			calls_used, symbols_fetched, packs_written, record_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			exit_code = EXCLUDED.exit_code,
			reason = EXCLUDED.reason,
			calls_used = EXCLUDED.calls_used,
			symbols_fetched = EXCLUDED.symbols_fetched,
			packs_written = EXCLUDED.packs_written,
			record_count = EXCLUDED.record_count
	`
	_, err := m.pool.Exec(ctx, query,
		run.RunID, run.Mode, run.StartedAt, run.FinishedAt, run.ExitCode, run.Reason,
		run.CallsUsed, run.SymbolsFetched, run.PacksWritten, run.RecordCount,
	)
	if err != nil {
		return fmt.Errorf("insert run history: %w", err)
	}
	return nil
}
