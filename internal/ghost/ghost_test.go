package ghost

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eod-universe/internal/config"
	"eod-universe/internal/domain"
	"eod-universe/internal/fsatomic"
)

func testRecord(typ domain.TypeNorm, closes, volumes []float64) domain.RegistryRecord {
	return domain.RegistryRecord{
		CanonicalIDField: "US:TEST",
		Symbol:           "TEST",
		Exchange:         "US",
		TypeNorm:         typ,
		RecentCloses:     closes,
		RecentVolumes:    volumes,
	}
}

func TestIsGhost_FrozenClosesLowVolume(t *testing.T) {
	cfg := config.Default()

	rec := testRecord(domain.TypeStock, []float64{1.2345, 1.2345, 1.2345}, []float64{0, 50, 10})
	assert.True(t, IsGhost(&rec, cfg))
}

func TestIsGhost_RoundingMakesClosesEqual(t *testing.T) {
	cfg := config.Default()

	// Differ only past the 4th decimal place.
	rec := testRecord(domain.TypeStock, []float64{1.23450, 1.23451, 1.23449}, []float64{0})
	assert.True(t, IsGhost(&rec, cfg))
}

func TestIsGhost_MovingClosesNotFlagged(t *testing.T) {
	cfg := config.Default()

	rec := testRecord(domain.TypeStock, []float64{1.23, 1.24, 1.23}, []float64{0})
	assert.False(t, IsGhost(&rec, cfg))
}

func TestIsGhost_VolumeAboveCeiling(t *testing.T) {
	cfg := config.Default()

	rec := testRecord(domain.TypeStock, []float64{1.23, 1.23, 1.23}, []float64{500, 500, 500})
	assert.False(t, IsGhost(&rec, cfg))
}

func TestIsGhost_TooFewCloses(t *testing.T) {
	cfg := config.Default()

	rec := testRecord(domain.TypeStock, []float64{1.23, 1.23}, []float64{0})
	assert.False(t, IsGhost(&rec, cfg))
}

func TestIsGhost_NonLiquidityProfilesNeverFlagged(t *testing.T) {
	cfg := config.Default()

	for _, typ := range []domain.TypeNorm{domain.TypeIndex, domain.TypeBond, domain.TypeFund, domain.TypeOther} {
		rec := testRecord(typ, []float64{1.23, 1.23, 1.23}, []float64{0})
		assert.False(t, IsGhost(&rec, cfg), "type %s", typ)
	}
}

func TestDetect_FlagsEveryRecordAndWritesReport(t *testing.T) {
	cfg := config.Default()
	runDir := t.TempDir()

	records := []domain.RegistryRecord{
		testRecord(domain.TypeStock, []float64{1.23, 1.23, 1.23}, []float64{0}),
		testRecord(domain.TypeStock, []float64{1.23, 1.24, 1.25}, []float64{0}),
		testRecord(domain.TypeIndex, []float64{1.23, 1.23, 1.23}, []float64{0}),
	}

	flagged, err := Detect(records, cfg, runDir, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, flagged)

	// The flag is set explicitly on every record, not just the ghosts.
	for i := range records {
		require.NotNil(t, records[i].Flags.GhostPrice, "record %d", i)
	}
	assert.True(t, *records[0].Flags.GhostPrice)
	assert.False(t, *records[1].Flags.GhostPrice)
	assert.False(t, *records[2].Flags.GhostPrice)

	var report Report
	require.NoError(t, fsatomic.ReadJSON(filepath.Join(runDir, "reports", "ghost_price_report.json"), &report))
	assert.Equal(t, "universe_ghost_price_report_v1", report.Schema)
	assert.Equal(t, 1, report.FlaggedCount)
}
