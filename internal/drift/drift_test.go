package drift

import (
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eod-universe/internal/config"
	"eod-universe/internal/domain"
	"eod-universe/internal/exitcode"
	"eod-universe/internal/fsatomic"
)

func testGuardConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Mode = mode
	cfg.Paths.StateDir = t.TempDir()
	return cfg
}

func writeBaseline(t *testing.T, cfg *config.Config, recs ...SnapshotRecord) {
	t.Helper()
	snap := Snapshot{
		Schema:      "universe_quality_snapshot_v1",
		GeneratedAt: "2026-02-28T00:00:00Z",
		Records:     recs,
	}
	path := filepath.Join(cfg.Paths.StateDir, "quality_snapshot.json")
	require.NoError(t, fsatomic.WriteJSONAtomic(path, snap))
}

func quietGuard(cfg *config.Config) *Guard {
	g := NewGuard(cfg, log.New(io.Discard, "", 0))
	return g.WithClock(func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) })
}

func driftRecord(id string, bars, staleBD int, lastTrade string, basis domain.QualityBasis, layer domain.Layer) domain.RegistryRecord {
	rec := domain.RegistryRecord{
		CanonicalIDField: id,
		BarsCount:        bars,
		LastTradeDate:    lastTrade,
		QualityBasis:     basis,
	}
	rec.Computed.StalenessBD = staleBD
	rec.Computed.Layer = layer
	return rec
}

func TestCheck_RecordMissingFromBaselineIsSkipped(t *testing.T) {
	cfg := testGuardConfig(t, config.ModeFull)
	writeBaseline(t, cfg)
	runDir := t.TempDir()

	records := []domain.RegistryRecord{
		driftRecord("US:NEW", 0, 99, "", domain.BasisEstimate, domain.LayerDead),
	}
	counts, err := quietGuard(cfg).Check(records, map[string]bool{}, runDir)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)
}

func TestCheck_CoreDriftBlocksRun(t *testing.T) {
	cfg := testGuardConfig(t, config.ModeFull)
	writeBaseline(t, cfg, SnapshotRecord{
		CanonicalID: "US:AAA", BarsCount: 1000, StalenessBD: 1,
		LastTrade: "2026-02-27", QualityBasis: domain.BasisReal,
	})
	runDir := t.TempDir()

	// 10% bars drop, well over the 5% threshold.
	records := []domain.RegistryRecord{
		driftRecord("US:AAA", 900, 1, "2026-02-27", domain.BasisReal, domain.LayerLegacyCore),
	}
	counts, err := quietGuard(cfg).Check(records, map[string]bool{"US:AAA": true}, runDir)
	require.Error(t, err)
	assert.Equal(t, exitcode.LegacyCoreDrift, exitcode.CodeOf(err))
	assert.Equal(t, "LEGACY_CORE_DRIFT_RED:1", err.Error())
	assert.Equal(t, 1, counts.Red)

	var report Report
	require.NoError(t, fsatomic.ReadJSON(filepath.Join(runDir, "reports", "drift_report.json"), &report))
	assert.True(t, report.CoreLegacyDrift)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, "RED", report.Rows[0].Severity)
	assert.InDelta(t, 0.1, report.Rows[0].BarsPct, 1e-9)
}

func TestCheck_ShadowCoreDriftOnEstimatesIsInfo(t *testing.T) {
	cfg := testGuardConfig(t, config.ModeShadow)
	writeBaseline(t, cfg, SnapshotRecord{
		CanonicalID: "US:AAA", BarsCount: 1000, StalenessBD: 1,
		LastTrade: "2026-02-27", QualityBasis: domain.BasisEstimate,
	})
	runDir := t.TempDir()

	records := []domain.RegistryRecord{
		driftRecord("US:AAA", 900, 1, "2026-02-27", domain.BasisEstimate, domain.LayerLegacyCore),
	}
	counts, err := quietGuard(cfg).Check(records, map[string]bool{"US:AAA": true}, runDir)
	require.NoError(t, err)
	assert.Equal(t, Counts{Info: 1}, counts)
}

func TestCheck_ShadowCoreDriftOnRealBasesStillBlocks(t *testing.T) {
	cfg := testGuardConfig(t, config.ModeShadow)
	writeBaseline(t, cfg, SnapshotRecord{
		CanonicalID: "US:AAA", BarsCount: 1000, StalenessBD: 1,
		LastTrade: "2026-02-27", QualityBasis: domain.BasisReal,
	})
	runDir := t.TempDir()

	records := []domain.RegistryRecord{
		driftRecord("US:AAA", 900, 1, "2026-02-27", domain.BasisReal, domain.LayerLegacyCore),
	}
	_, err := quietGuard(cfg).Check(records, map[string]bool{"US:AAA": true}, runDir)
	require.Error(t, err)
	assert.Equal(t, exitcode.LegacyCoreDrift, exitcode.CodeOf(err))
}

func TestCheck_NonCoreUpperLayerDriftIsYellow(t *testing.T) {
	cfg := testGuardConfig(t, config.ModeFull)
	writeBaseline(t, cfg,
		SnapshotRecord{CanonicalID: "US:BBB", BarsCount: 1000, StalenessBD: 1, LastTrade: "2026-02-27", QualityBasis: domain.BasisReal},
		SnapshotRecord{CanonicalID: "US:CCC", BarsCount: 1000, StalenessBD: 1, LastTrade: "2026-02-27", QualityBasis: domain.BasisReal},
	)
	runDir := t.TempDir()

	records := []domain.RegistryRecord{
		driftRecord("US:BBB", 900, 1, "2026-02-27", domain.BasisReal, domain.LayerFull),
		driftRecord("US:CCC", 900, 1, "2026-02-27", domain.BasisReal, domain.LayerMinimal),
	}
	counts, err := quietGuard(cfg).Check(records, map[string]bool{}, runDir)
	require.NoError(t, err)
	assert.Equal(t, Counts{Yellow: 1, Info: 1}, counts)
}

func TestCheck_StalenessAndDateShiftTriggers(t *testing.T) {
	cfg := testGuardConfig(t, config.ModeFull)
	writeBaseline(t, cfg,
		SnapshotRecord{CanonicalID: "US:STALE", BarsCount: 100, StalenessBD: 1, LastTrade: "2026-02-27", QualityBasis: domain.BasisReal},
		SnapshotRecord{CanonicalID: "US:DATE", BarsCount: 100, StalenessBD: 1, LastTrade: "2026-02-27", QualityBasis: domain.BasisReal},
	)
	runDir := t.TempDir()

	records := []domain.RegistryRecord{
		driftRecord("US:STALE", 100, 8, "2026-02-27", domain.BasisReal, domain.LayerDead), // +7 business days
		driftRecord("US:DATE", 100, 1, "2026-02-20", domain.BasisReal, domain.LayerDead),  // 7 day shift
	}
	counts, err := quietGuard(cfg).Check(records, map[string]bool{}, runDir)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Info)
}

func TestCheck_BaselineAlwaysRewritten(t *testing.T) {
	cfg := testGuardConfig(t, config.ModeFull)
	writeBaseline(t, cfg, SnapshotRecord{
		CanonicalID: "US:AAA", BarsCount: 1000, StalenessBD: 1,
		LastTrade: "2026-02-27", QualityBasis: domain.BasisReal,
	})
	runDir := t.TempDir()

	records := []domain.RegistryRecord{
		driftRecord("US:AAA", 900, 1, "2026-02-27", domain.BasisReal, domain.LayerLegacyCore),
	}
	_, err := quietGuard(cfg).Check(records, map[string]bool{"US:AAA": true}, runDir)
	require.Error(t, err)

	// Even a blocked run replaces the baseline with what it observed.
	var snap Snapshot
	require.NoError(t, fsatomic.ReadJSON(filepath.Join(cfg.Paths.StateDir, "quality_snapshot.json"), &snap))
	require.Len(t, snap.Records, 1)
	assert.Equal(t, 900, snap.Records[0].BarsCount)
}
