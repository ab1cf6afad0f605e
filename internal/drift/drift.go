// Package drift compares the current registry against the previous
// run's quality snapshot and blocks publication when legacy-core
// instruments degrade.
package drift

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"eod-universe/internal/config"
	"eod-universe/internal/domain"
	"eod-universe/internal/exitcode"
	"eod-universe/internal/fsatomic"
)

const maxReportRows = 5000

// SnapshotRecord is one instrument's quality state persisted between runs.
type SnapshotRecord struct {
	CanonicalID  string              `json:"canonical_id"`
	BarsCount    int                 `json:"bars_count"`
	StalenessBD  int                 `json:"staleness_bd"`
	LastTrade    string              `json:"last_trade_date"`
	Layer        domain.Layer        `json:"layer"`
	QualityBasis domain.QualityBasis `json:"quality_basis"`
}

// Snapshot is the durable quality baseline the next run drifts against.
type Snapshot struct {
	Schema      string           `json:"schema"`
	GeneratedAt string           `json:"generated_at"`
	Records     []SnapshotRecord `json:"records"`
}

// Row is one drifted instrument in the report.
type Row struct {
	CanonicalID       string  `json:"canonical_id"`
	Severity          string  `json:"severity"`
	OldQualityBasis   string  `json:"old_quality_basis"`
	NewQualityBasis   string  `json:"new_quality_basis"`
	BarsPct           float64 `json:"bars_pct"`
	StalenessAbs      float64 `json:"staleness_abs"`
	LastTradeShiftDay float64 `json:"last_trade_date_shift_days"`
}

// Counts aggregates drift rows by severity.
type Counts struct {
	Red    int `json:"red"`
	Yellow int `json:"yellow"`
	Info   int `json:"info"`
}

// Report is the run's drift summary.
type Report struct {
	Schema          string `json:"schema"`
	GeneratedAt     string `json:"generated_at"`
	CoreLegacyDrift bool   `json:"core_legacy_drift_detected"`
	Counts          Counts `json:"counts"`
	Rows            []Row  `json:"rows"`
}

// Guard evaluates drift against the previous snapshot and rewrites it.
type Guard struct {
	cfg    *config.Config
	logger *log.Logger
	now    func() time.Time
}

// NewGuard builds a Guard. A nil logger discards output.
func NewGuard(cfg *config.Config, logger *log.Logger) *Guard {
	if logger == nil {
		logger = log.New(os.Stderr, "[drift] ", log.LstdFlags|log.LUTC)
	}
	return &Guard{cfg: cfg, logger: logger, now: time.Now}
}

// WithClock overrides the guard's clock. Test hook.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

func (g *Guard) snapshotPath() string {
	return filepath.Join(g.cfg.Paths.StateDir, "quality_snapshot.json")
}

func loadSnapshot(path string) map[string]SnapshotRecord {
	var snap Snapshot
	byID := make(map[string]SnapshotRecord)
	if err := fsatomic.ReadJSON(path, &snap); err != nil {
		return byID
	}
	for _, r := range snap.Records {
		byID[r.CanonicalID] = r
	}
	return byID
}

func daysBetween(a, b string) float64 {
	ta, errA := time.Parse("2006-01-02", a)
	tb, errB := time.Parse("2006-01-02", b)
	if errA != nil || errB != nil {
		return 0
	}
	return math.Abs(ta.Sub(tb).Hours() / 24)
}

func basisOr(b domain.QualityBasis) string {
	if b == "" {
		return string(domain.BasisEstimate)
	}
	return string(b)
}

// Check compares every record against the previous quality snapshot,
// writes drift_report.json under runDir/reports, rewrites the snapshot,
// and returns a stop error when any legacy-core instrument drifts RED.
func (g *Guard) Check(records []domain.RegistryRecord, coreSet map[string]bool, runDir string) (Counts, error) {
	prev := loadSnapshot(g.snapshotPath())

	var rows []Row
	var counts Counts

	tBars := g.cfg.Drift.BarsCountPctThreshold
	tStale := g.cfg.Drift.StalenessBDAbsThreshold
	tDate := g.cfg.Drift.LastTradeDateThresholdDays
	shadow := g.cfg.Mode == config.ModeShadow

	for i := range records {
		rec := &records[i]
		prevRec, ok := prev[rec.CanonicalIDField]
		if !ok {
			continue
		}

		barsPct := math.Abs(float64(rec.BarsCount-prevRec.BarsCount)) / math.Max(1, float64(prevRec.BarsCount))
		staleAbs := math.Abs(float64(rec.Computed.StalenessBD - prevRec.StalenessBD))
		dateAbs := daysBetween(rec.LastTradeDate, prevRec.LastTrade)

		if barsPct < tBars && staleAbs < tStale && dateAbs < tDate {
			continue
		}

		oldBasis := basisOr(prevRec.QualityBasis)
		newBasis := basisOr(rec.QualityBasis)
		comparableReal := oldBasis == string(domain.BasisReal) && newBasis == string(domain.BasisReal)

		severity := "INFO"
		if coreSet[rec.CanonicalIDField] {
			if shadow && !comparableReal {
				severity = "INFO"
			} else {
				severity = "RED"
			}
		} else if rec.Computed.Layer == domain.LayerFull || rec.Computed.Layer == domain.LayerPartial {
			severity = "YELLOW"
		}

		switch severity {
		case "RED":
			counts.Red++
		case "YELLOW":
			counts.Yellow++
		default:
			counts.Info++
		}

		rows = append(rows, Row{
			CanonicalID:       rec.CanonicalIDField,
			Severity:          severity,
			OldQualityBasis:   oldBasis,
			NewQualityBasis:   newBasis,
			BarsPct:           math.Round(barsPct*1e4) / 1e4,
			StalenessAbs:      staleAbs,
			LastTradeShiftDay: dateAbs,
		})
	}

	if len(rows) > maxReportRows {
		rows = rows[:maxReportRows]
	}
	if rows == nil {
		rows = []Row{}
	}

	nowISO := g.now().UTC().Format(time.RFC3339)
	report := Report{
		Schema:          "universe_drift_report_v1",
		GeneratedAt:     nowISO,
		CoreLegacyDrift: counts.Red > 0,
		Counts:          counts,
		Rows:            rows,
	}
	if err := fsatomic.WriteJSONAtomic(filepath.Join(runDir, "reports", "drift_report.json"), report); err != nil {
		return counts, err
	}

	// The baseline is rewritten on every run, even a blocked one, so
	// the next run compares against what was actually observed.
	snap := Snapshot{
		Schema:      "universe_quality_snapshot_v1",
		GeneratedAt: nowISO,
		Records:     make([]SnapshotRecord, 0, len(records)),
	}
	for i := range records {
		rec := &records[i]
		snap.Records = append(snap.Records, SnapshotRecord{
			CanonicalID:  rec.CanonicalIDField,
			BarsCount:    rec.BarsCount,
			StalenessBD:  rec.Computed.StalenessBD,
			LastTrade:    rec.LastTradeDate,
			Layer:        rec.Computed.Layer,
			QualityBasis: domain.QualityBasis(basisOr(rec.QualityBasis)),
		})
	}
	if err := fsatomic.WriteJSONAtomic(g.snapshotPath(), snap); err != nil {
		return counts, err
	}

	g.logger.Printf("drift: red=%d yellow=%d info=%d", counts.Red, counts.Yellow, counts.Info)
	if counts.Red > 0 {
		return counts, exitcode.Stop(exitcode.LegacyCoreDrift, fmt.Sprintf("LEGACY_CORE_DRIFT_RED:%d", counts.Red))
	}
	return counts, nil
}
