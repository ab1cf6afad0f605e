// Package eligibility computes each record's 0-100 score and layer, and
// the run's KPI and feature-eligibility reports.
package eligibility

import (
	"math"
	"path/filepath"
	"time"

	"eod-universe/internal/config"
	"eod-universe/internal/domain"
	"eod-universe/internal/fsatomic"
)

func clamp(x, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, x))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var variance float64
	for _, x := range xs {
		d := x - m
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(xs)))
}

func daysBetween(a, b string) (int, bool) {
	da, erra := time.Parse("2006-01-02", a)
	db, errb := time.Parse("2006-01-02", b)
	if erra != nil || errb != nil {
		return 0, false
	}
	d := int(math.Floor(db.Sub(da).Hours() / 24))
	if d < 0 {
		d = 0
	}
	return d, true
}

// StalenessBusinessDays estimates business days since the last trade,
// scaling calendar days by the 5/7 weekday ratio. Records with no trade
// date are maximally stale.
func StalenessBusinessDays(lastTradeDate string, cfg *config.Config, today string) int {
	maxDays := cfg.Eligibility.FreshnessMaxDays
	if lastTradeDate == "" {
		return maxDays
	}
	delta, ok := daysBetween(lastTradeDate, today)
	if !ok {
		return maxDays
	}
	return int(math.Floor(float64(delta) * 5 / 7))
}

// Outcome is the scorer's verdict for one record.
type Outcome struct {
	Profile     domain.Profile
	StalenessBD int
	Score       int
	Layer       domain.Layer
}

// Compute scores one record. Liquidity-sensitive profiles (equities,
// crypto) get zero volume score below the floor; other profiles take the
// neutral score. Unverified history always forces L4 regardless of score.
func Compute(rec *domain.RegistryRecord, cfg *config.Config, today string) Outcome {
	w := cfg.Eligibility.Weights

	bars := rec.BarsCount
	if bars < 0 {
		bars = 0
	}
	years := float64(bars) / 252
	historyDepth := 0.0
	switch {
	case years >= 10:
		historyDepth = 1
	case years > 0:
		historyDepth = years / 10
	}

	profile := domain.ProfileForType(rec.TypeNorm)

	completeness := 0.0
	if bars > 0 {
		completeness = 1
	}

	avg10 := math.Max(0, rec.AvgVolume10D)
	avg30 := math.Max(0, rec.AvgVolume30D)
	volumeGate := 0.0
	if avg10 >= cfg.Volume.MinAvgVolume10DEquity {
		volumeGate = 1
	}
	volumeConsistency := 0.0
	if avg30 > 0 {
		samples := rec.RecentVolumes
		if len(samples) == 0 {
			samples = []float64{avg30}
		}
		volumeConsistency = clamp(1-stdev(samples)/math.Max(1, avg30), 0, 1)
	}
	volumeScore := cfg.Volume.NeutralScore
	if profile.RequiresVolume() {
		if volumeGate == 0 {
			volumeScore = 0
		} else {
			volumeScore = 0.5*volumeGate + 0.5*volumeConsistency
		}
	}

	stale := StalenessBusinessDays(rec.LastTradeDate, cfg, today)
	freshness := clamp(1-float64(stale)/math.Max(1, float64(cfg.Eligibility.FreshnessMaxDays)), 0, 1)

	score := int(math.Round(100 * (w.HistoryDepth*historyDepth +
		w.OHLCVComplete*completeness +
		w.VolumeQuality*volumeScore +
		w.Freshness*freshness)))

	t := cfg.Eligibility.Thresholds
	layer := domain.LayerDead
	switch {
	case score >= t.L1Full:
		layer = domain.LayerFull
	case score >= t.L2Partial:
		layer = domain.LayerPartial
	case score >= t.L3Minimal:
		layer = domain.LayerMinimal
	}

	// Only verified full history can unlock non-core layers.
	if rec.QualityBasis != domain.BasisReal {
		layer = domain.LayerDead
	}

	return Outcome{Profile: profile, StalenessBD: stale, Score: score, Layer: layer}
}

// KPIReport summarizes eligibility across the registry.
type KPIReport struct {
	Schema                string             `json:"schema"`
	GeneratedAt           string             `json:"generated_at"`
	RunID                 string             `json:"run_id"`
	DiscoveredCount       int                `json:"discovered_count"`
	ActiveIngestibleCount int                `json:"active_ingestible_count"`
	FeatureEligibleCount  map[string]int     `json:"feature_eligible_count"`
	FeatureEligiblePct    map[string]float64 `json:"feature_eligible_pct_of_ingestible"`
	ByLayer               map[string]int     `json:"by_layer"`
	ByTypeNorm            map[string]int     `json:"by_type_norm"`
}

// FeatureReport restates eligibility per downstream feature tier.
type FeatureReport struct {
	Schema            string            `json:"schema"`
	GeneratedAt       string            `json:"generated_at"`
	RunID             string            `json:"run_id"`
	CountsByLayer     map[string]int    `json:"counts_by_layer"`
	CountsByFeature   map[string]int    `json:"counts_by_feature"`
	BreakdownByType   map[string]int    `json:"breakdown_by_type_norm"`
	Assumptions       map[string]string `json:"assumptions"`
}

// Summary is what Score returns to the orchestrator.
type Summary struct {
	ByLayer        map[string]int
	ByType         map[string]int
	EligibleGained int
}

// Score computes eligibility for every record in place (core ids always
// land on L0) and writes the KPI and feature reports under runDir.
func Score(records []domain.RegistryRecord, coreSet map[string]bool, cfg *config.Config, runID, runDir string, now time.Time) (*Summary, error) {
	today := now.UTC().Format("2006-01-02")
	ts := now.UTC().Format(time.RFC3339)

	byLayer := map[string]int{
		string(domain.LayerLegacyCore): 0,
		string(domain.LayerFull):       0,
		string(domain.LayerPartial):    0,
		string(domain.LayerMinimal):    0,
		string(domain.LayerDead):       0,
	}
	byType := map[string]int{}
	ingestible := 0

	for i := range records {
		rec := &records[i]
		out := Compute(rec, cfg, today)
		score := out.Score
		rec.Computed.Score = &score
		rec.Computed.Profile = out.Profile
		rec.Computed.StalenessBD = out.StalenessBD
		if coreSet[rec.CanonicalIDField] {
			rec.Computed.Layer = domain.LayerLegacyCore
		} else {
			rec.Computed.Layer = out.Layer
		}
		byLayer[string(rec.Computed.Layer)]++
		byType[string(rec.TypeNorm)]++
		if rec.BarsCount > 0 {
			ingestible++
		}
	}

	atLeast := func(layers ...domain.Layer) int {
		allowed := map[domain.Layer]bool{}
		for _, l := range layers {
			allowed[l] = true
		}
		n := 0
		for i := range records {
			if allowed[records[i].Computed.Layer] {
				n++
			}
		}
		return n
	}

	features := map[string]int{
		"analyzer":    atLeast(domain.LayerLegacyCore, domain.LayerFull, domain.LayerPartial),
		"forecast":    atLeast(domain.LayerLegacyCore, domain.LayerFull),
		"marketphase": atLeast(domain.LayerLegacyCore, domain.LayerFull, domain.LayerPartial, domain.LayerMinimal),
		"scientific":  atLeast(domain.LayerLegacyCore, domain.LayerFull, domain.LayerPartial),
	}
	pct := map[string]float64{}
	for name, n := range features {
		if ingestible > 0 {
			pct[name] = math.Round(clamp(float64(n)/float64(ingestible), 0, 1)*10000) / 10000
		} else {
			pct[name] = 0
		}
	}

	kpi := KPIReport{
		Schema:                "universe_kpi_levels_report_v1",
		GeneratedAt:           ts,
		RunID:                 runID,
		DiscoveredCount:       len(records),
		ActiveIngestibleCount: ingestible,
		FeatureEligibleCount:  features,
		FeatureEligiblePct:    pct,
		ByLayer:               byLayer,
		ByTypeNorm:            byType,
	}
	if err := fsatomic.WriteJSONAtomic(filepath.Join(runDir, "reports", "kpi_levels_report.json"), kpi); err != nil {
		return nil, err
	}

	feature := FeatureReport{
		Schema:          "universe_feature_eligibility_report_v1",
		GeneratedAt:     ts,
		RunID:           runID,
		CountsByLayer:   byLayer,
		CountsByFeature: features,
		BreakdownByType: byType,
		Assumptions: map[string]string{
			"analyzer":    "layer >= L2_PARTIAL or legacy core",
			"forecast":    "layer == L1_FULL or legacy core",
			"marketphase": "layer >= L3_MINIMAL or legacy core",
			"scientific":  "layer >= L2_PARTIAL or legacy core",
		},
	}
	if err := fsatomic.WriteJSONAtomic(filepath.Join(runDir, "reports", "feature_eligibility_report.json"), feature); err != nil {
		return nil, err
	}

	return &Summary{
		ByLayer:        byLayer,
		ByType:         byType,
		EligibleGained: features["analyzer"],
	}, nil
}
