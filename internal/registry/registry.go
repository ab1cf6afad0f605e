// Package registry builds the ledger of record for a run by merging
// discovery output with the previous published snapshot.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"eod-universe/internal/domain"
	"eod-universe/internal/fsatomic"
)

// SnapshotDoc is the full-registry artifact.
type SnapshotDoc struct {
	Schema      string                  `json:"schema"`
	GeneratedAt string                  `json:"generated_at"`
	RecordCount int                     `json:"record_count"`
	Records     []domain.RegistryRecord `json:"records"`
}

// SchemaDoc lists the registry field names for downstream consumers.
type SchemaDoc struct {
	Schema string   `json:"schema"`
	Fields []string `json:"fields"`
}

func fieldList() SchemaDoc {
	return SchemaDoc{
		Schema: "universe_registry_schema_v1",
		Fields: []string{
			"canonical_id", "symbol", "exchange", "mic", "provider_symbol", "name", "type_norm",
			"last_trade_date", "bars_count", "avg_volume_10d", "avg_volume_30d",
			"pointers.history_pack", "pointers.pack_sha256", "pointers.symbol_group",
			"computed.score_0_100", "computed.layer", "flags.ghost_price",
			"_quality_basis", "meta.updated_at", "meta.run_id",
		},
	}
}

// LoadSnapshot reads a registry snapshot artifact. Missing file returns
// an empty snapshot.
func LoadSnapshot(path string) (*SnapshotDoc, error) {
	var doc SnapshotDoc
	if err := fsatomic.ReadGzipJSON(path, &doc); err != nil {
		if os.IsNotExist(err) {
			return &SnapshotDoc{}, nil
		}
		return nil, fmt.Errorf("load registry snapshot: %w", err)
	}
	return &doc, nil
}

// Build merges discovery rows with the previous snapshot. History stats,
// pointers and quality basis carry forward per canonical id; identity
// fields and meta are rewritten from the current run. Unknown ids start
// as zero-history estimates.
func Build(rows []domain.DiscoveryRow, prev []domain.RegistryRecord, runID string, now time.Time) []domain.RegistryRecord {
	prevByID := make(map[string]*domain.RegistryRecord, len(prev))
	for i := range prev {
		prevByID[prev[i].CanonicalIDField] = &prev[i]
	}

	ts := now.UTC().Format(time.RFC3339)
	out := make([]domain.RegistryRecord, 0, len(rows))
	for _, row := range rows {
		rec := domain.RegistryRecord{
			CanonicalIDField: row.CanonicalID,
			Symbol:           row.Symbol,
			Exchange:         row.Exchange,
			MIC:              row.MIC,
			ProviderSymbol:   row.ProviderSymbol,
			Name:             row.Name,
			Currency:         row.Currency,
			Country:          row.Country,
			TypeNorm:         domain.CoerceTypeNorm(row.TypeNorm),
			QualityBasis:     domain.BasisEstimate,
			Meta:             domain.Meta{UpdatedAt: ts, RunID: runID},
		}
		if p := prevByID[row.CanonicalID]; p != nil {
			rec.LastTradeDate = p.LastTradeDate
			rec.BarsCount = p.BarsCount
			rec.AvgVolume10D = p.AvgVolume10D
			rec.AvgVolume30D = p.AvgVolume30D
			rec.Pointers = p.Pointers
			rec.Flags.GhostPrice = p.Flags.GhostPrice
			if p.QualityBasis != "" {
				rec.QualityBasis = p.QualityBasis
			}
		}
		out = append(out, rec)
	}
	return out
}

// Artifacts are the written registry files for one run.
type Artifacts struct {
	LogPath      string
	SnapshotPath string
	SchemaPath   string
	BrowsePath   string
}

// Write persists the registry log, snapshot and schema under runDir.
func Write(records []domain.RegistryRecord, runDir, runID string, now time.Time) (*Artifacts, error) {
	dir := filepath.Join(runDir, "registry")
	ts := now.UTC().Format(time.RFC3339)

	logPath := filepath.Join(dir, "registry.ndjson.gz")
	if _, err := fsatomic.WriteNDJSONGzAtomic(logPath, records); err != nil {
		return nil, fmt.Errorf("write registry log: %w", err)
	}

	snapshotPath := filepath.Join(dir, "registry.snapshot.json.gz")
	snapshot := SnapshotDoc{
		Schema:      "universe_registry_snapshot_v1",
		GeneratedAt: ts,
		RecordCount: len(records),
		Records:     records,
	}
	if _, err := fsatomic.WriteGzipJSONAtomic(snapshotPath, snapshot); err != nil {
		return nil, fmt.Errorf("write registry snapshot: %w", err)
	}

	schemaPath := filepath.Join(dir, "registry.schema.json")
	if err := fsatomic.WriteJSONAtomic(schemaPath, fieldList()); err != nil {
		return nil, fmt.Errorf("write registry schema: %w", err)
	}

	browsePath := filepath.Join(dir, "registry.browse.json.gz")
	if _, err := fsatomic.WriteGzipJSONAtomic(browsePath, buildBrowseIndex(records, ts)); err != nil {
		return nil, fmt.Errorf("write browse index: %w", err)
	}

	return &Artifacts{
		LogPath:      logPath,
		SnapshotPath: snapshotPath,
		SchemaPath:   schemaPath,
		BrowsePath:   browsePath,
	}, nil
}

// BrowseRow is the lean projection downstream browse/filter surfaces use.
type BrowseRow struct {
	CanonicalID   string          `json:"canonical_id"`
	Symbol        string          `json:"symbol"`
	Exchange      string          `json:"exchange"`
	Name          string          `json:"name,omitempty"`
	TypeNorm      domain.TypeNorm `json:"type_norm"`
	Currency      string          `json:"currency,omitempty"`
	Layer         domain.Layer    `json:"layer,omitempty"`
	Score         *int            `json:"score_0_100"`
	LastTradeDate string          `json:"last_trade_date,omitempty"`
}

type browseDoc struct {
	Schema      string      `json:"schema"`
	GeneratedAt string      `json:"generated_at"`
	RecordCount int         `json:"record_count"`
	Records     []BrowseRow `json:"records"`
}

func buildBrowseIndex(records []domain.RegistryRecord, ts string) browseDoc {
	rows := make([]BrowseRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, BrowseRow{
			CanonicalID:   rec.CanonicalIDField,
			Symbol:        rec.Symbol,
			Exchange:      rec.Exchange,
			Name:          rec.Name,
			TypeNorm:      rec.TypeNorm,
			Currency:      rec.Currency,
			Layer:         rec.Computed.Layer,
			Score:         rec.Computed.Score,
			LastTradeDate: rec.LastTradeDate,
		})
	}
	return browseDoc{
		Schema:      "universe_registry_browse_v1",
		GeneratedAt: ts,
		RecordCount: len(rows),
		Records:     rows,
	}
}
