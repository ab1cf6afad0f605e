package drift

import (
	"fmt"
	"math"
	"path/filepath"
	"time"

	"eod-universe/internal/config"
	"eod-universe/internal/domain"
	"eod-universe/internal/exitcode"
	"eod-universe/internal/fsatomic"
	"eod-universe/internal/registry"
)

// RegressionCounts holds registry population sizes for one side of the
// guard comparison.
type RegressionCounts struct {
	Total  int `json:"total"`
	Stocks int `json:"stocks"`
}

// RegressionReport is the publish-regression guard artifact.
type RegressionReport struct {
	Schema      string           `json:"schema"`
	GeneratedAt string           `json:"generated_at"`
	RunID       string           `json:"run_id"`
	Previous    RegressionCounts `json:"previous"`
	Current     RegressionCounts `json:"current"`
	Thresholds  struct {
		MinTotalRatio float64 `json:"min_total_ratio"`
		MinStockRatio float64 `json:"min_stock_ratio"`
	} `json:"thresholds"`
	Ratios struct {
		TotalRatio float64 `json:"total_ratio"`
		StockRatio float64 `json:"stock_ratio"`
	} `json:"ratios"`
	Status  string `json:"status"`
	Enforce bool   `json:"enforce"`
}

func countStocks(rows []domain.RegistryRecord) int {
	n := 0
	for i := range rows {
		if rows[i].TypeNorm == domain.TypeStock {
			n++
		}
	}
	return n
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// CheckRegression compares the registry being published against the
// currently live snapshot and blocks when the population shrank past the
// configured ratios. With enforce=false (offline or shadow runs) the
// report is still written but nothing blocks.
func CheckRegression(records []domain.RegistryRecord, cfg *config.Config, runDir, runID string, enforce bool, now time.Time) (*RegressionReport, error) {
	prevPath := filepath.Join(cfg.Paths.LiveDir, "registry", "registry.snapshot.json.gz")
	prevSnap, err := registry.LoadSnapshot(prevPath)
	if err != nil {
		// An unreadable previous snapshot is treated as a first
		// publish, same as a missing one.
		prevSnap = &registry.SnapshotDoc{}
	}

	minTotal := clamp01(cfg.PublishGuard.MinTotalRatio)
	minStock := clamp01(cfg.PublishGuard.MinStockRatio)

	report := &RegressionReport{
		Schema:      "universe_publish_regression_guard_v1",
		GeneratedAt: now.UTC().Format(time.RFC3339),
		RunID:       runID,
		Previous:    RegressionCounts{Total: len(prevSnap.Records), Stocks: countStocks(prevSnap.Records)},
		Current:     RegressionCounts{Total: len(records), Stocks: countStocks(records)},
		Enforce:     enforce,
	}
	report.Thresholds.MinTotalRatio = minTotal
	report.Thresholds.MinStockRatio = minStock

	totalRatio, stockRatio := 1.0, 1.0
	if report.Previous.Total > 0 {
		totalRatio = float64(report.Current.Total) / float64(report.Previous.Total)
	}
	if report.Previous.Stocks > 0 {
		stockRatio = float64(report.Current.Stocks) / float64(report.Previous.Stocks)
	}
	report.Ratios.TotalRatio = round6(totalRatio)
	report.Ratios.StockRatio = round6(stockRatio)

	ok := !enforce || (totalRatio >= minTotal && stockRatio >= minStock)
	switch {
	case !enforce:
		report.Status = "SKIPPED_OFFLINE_OR_SHADOW"
	case ok:
		report.Status = "PASS"
	default:
		report.Status = "BLOCKED"
	}

	if werr := fsatomic.WriteJSONAtomic(filepath.Join(runDir, "reports", "publish_regression_guard.json"), report); werr != nil {
		return report, werr
	}

	if enforce && !ok {
		reason := fmt.Sprintf("PUBLISH_REGRESSION_GUARD:%v/%v:%v/%v",
			report.Ratios.TotalRatio, minTotal, report.Ratios.StockRatio, minStock)
		return report, exitcode.Stop(exitcode.PublishRegression, reason)
	}
	return report, nil
}
