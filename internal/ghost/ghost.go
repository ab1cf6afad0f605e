// Package ghost flags instruments whose recent closes are frozen at
// effectively zero volume.
package ghost

import (
	"math"
	"path/filepath"
	"time"

	"eod-universe/internal/config"
	"eod-universe/internal/domain"
	"eod-universe/internal/fsatomic"
)

// Report is the run's ghost-price summary.
type Report struct {
	Schema       string `json:"schema"`
	GeneratedAt  string `json:"generated_at"`
	FlaggedCount int    `json:"flagged_count"`
}

func roundDP(x float64, dp int) float64 {
	scale := math.Pow10(dp)
	return math.Round(x*scale) / scale
}

// IsGhost applies the ghost-price rule to one record's recent window:
// at least minEqualCloses closes all equal after rounding, with average
// recent volume at or under the ceiling. Only liquidity-priced profiles
// (equity, crypto, forex) are ever flagged.
func IsGhost(rec *domain.RegistryRecord, cfg *config.Config) bool {
	profile := domain.ProfileForType(rec.TypeNorm)
	switch profile {
	case domain.ProfileEquity, domain.ProfileCrypto, domain.ProfileForex:
	default:
		return false
	}
	if len(rec.RecentCloses) < cfg.Ghost.MinEqualCloses {
		return false
	}
	first := roundDP(rec.RecentCloses[0], cfg.Ghost.ClosePrecisionDP)
	for _, c := range rec.RecentCloses[1:] {
		if roundDP(c, cfg.Ghost.ClosePrecisionDP) != first {
			return false
		}
	}
	var sum float64
	for _, v := range rec.RecentVolumes {
		sum += v
	}
	avgVol := 0.0
	if len(rec.RecentVolumes) > 0 {
		avgVol = sum / float64(len(rec.RecentVolumes))
	}
	return avgVol <= cfg.Ghost.MaxAvgVolume
}

// Detect sets the ghost flag on every record and writes the report.
func Detect(records []domain.RegistryRecord, cfg *config.Config, runDir string, now time.Time) (int, error) {
	flagged := 0
	for i := range records {
		v := IsGhost(&records[i], cfg)
		records[i].Flags.GhostPrice = &v
		if v {
			flagged++
		}
	}
	report := Report{
		Schema:       "universe_ghost_price_report_v1",
		GeneratedAt:  now.UTC().Format(time.RFC3339),
		FlaggedCount: flagged,
	}
	if err := fsatomic.WriteJSONAtomic(filepath.Join(runDir, "reports", "ghost_price_report.json"), report); err != nil {
		return 0, err
	}
	return flagged, nil
}
