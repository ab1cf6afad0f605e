// Package gates holds the pre-publish checks that must all pass before a
// staged payload goes live: artifact size limits, license leak scanning,
// the single-ingestor source scan, law coverage and UI safety.
package gates

import (
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"eod-universe/internal/config"
	"eod-universe/internal/exitcode"
	"eod-universe/internal/fsatomic"
)

// FileSize is one scanned artifact with its size in megabytes.
type FileSize struct {
	Rel string  `json:"rel"`
	MB  float64 `json:"mb"`
	OK  bool    `json:"ok"`
}

// PackLimitsReport is the gz artifact size check result.
type PackLimitsReport struct {
	Schema        string     `json:"schema"`
	GeneratedAt   string     `json:"generated_at"`
	MaxPackMBGz   float64    `json:"max_pack_mb_gz"`
	WarnThreshold float64    `json:"warn_threshold_pct"`
	CheckedFiles  int        `json:"checked_files"`
	Status        string     `json:"status"`
	Offenders     []FileSize `json:"offenders,omitempty"`
	Warnings      []FileSize `json:"warnings,omitempty"`
	Top10Packs    []FileSize `json:"top_10_packs"`
}

func walkSizes(root, suffix string) ([]FileSize, int64, error) {
	var out []FileSize
	var totalBytes int64
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if suffix != "" && !strings.HasSuffix(p, suffix) {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return rerr
		}
		totalBytes += info.Size()
		out = append(out, FileSize{
			Rel: filepath.ToSlash(rel),
			MB:  math.Round(float64(info.Size())/(1024*1024)*100) / 100,
			OK:  true,
		})
		return nil
	})
	return out, totalBytes, err
}

func topN(rows []FileSize, n int) []FileSize {
	sorted := make([]FileSize, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MB > sorted[j].MB })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// CheckPackLimits verifies every .gz artifact under publishDir stays
// under the pack size ceiling and reports the largest ones.
func CheckPackLimits(publishDir string, cfg *config.Config, runDir string, now time.Time) error {
	rows, _, err := walkSizes(publishDir, ".gz")
	if err != nil {
		return fmt.Errorf("pack limits walk: %w", err)
	}

	maxMB := cfg.Packs.MaxPackMBGz
	warnPct := cfg.Packs.WarnThresholdPc

	var offenders, warnings []FileSize
	for i := range rows {
		if rows[i].MB > maxMB {
			rows[i].OK = false
			offenders = append(offenders, rows[i])
		} else if rows[i].MB >= maxMB*warnPct/100 {
			warnings = append(warnings, rows[i])
		}
	}

	status := "OK"
	switch {
	case len(offenders) > 0:
		status = "EXCEEDED"
	case len(warnings) > 0:
		status = "WARNING"
	}

	report := PackLimitsReport{
		Schema:        "universe_pack_limits_report_v1",
		GeneratedAt:   now.UTC().Format(time.RFC3339),
		MaxPackMBGz:   maxMB,
		WarnThreshold: warnPct,
		CheckedFiles:  len(rows),
		Status:        status,
		Offenders:     offenders,
		Warnings:      warnings,
		Top10Packs:    topN(rows, 10),
	}
	if err := fsatomic.WriteJSONAtomic(filepath.Join(runDir, "reports", "pack_limits_report.json"), report); err != nil {
		return err
	}

	if len(offenders) > 0 {
		worst := offenders[0]
		return exitcode.Stop(exitcode.GateFailure,
			fmt.Sprintf("PACK_TOO_LARGE:%s:%.1fMB/%.0fMB", filepath.Base(worst.Rel), worst.MB, maxMB))
	}
	return nil
}

// PublicLimitsReport is the whole-tree file count and size check result.
type PublicLimitsReport struct {
	Schema       string     `json:"schema"`
	GeneratedAt  string     `json:"generated_at"`
	TotalMB      float64    `json:"total_mb"`
	MaxTotalMB   float64    `json:"max_total_mb"`
	PctUsed      int        `json:"pct_used"`
	FileCount    int        `json:"file_count"`
	MaxFileCount int        `json:"max_file_count"`
	Top10Files   []FileSize `json:"top_10_files"`
	Status       string     `json:"status"`
}

// CheckFileLimits verifies the staged tree's file count, per-file size
// and total size stay under the public limits.
func CheckFileLimits(publishDir string, cfg *config.Config, runDir string, now time.Time) error {
	rows, totalBytes, err := walkSizes(publishDir, "")
	if err != nil {
		return fmt.Errorf("file limits walk: %w", err)
	}

	lim := cfg.PublicLimits
	if len(rows) > lim.MaxTotalFiles {
		return exitcode.Stop(exitcode.GateFailure, fmt.Sprintf("PUBLIC_FILE_COUNT_EXCEEDED:%d", len(rows)))
	}
	for _, row := range rows {
		if row.MB > lim.MaxSingleFileMB {
			return exitcode.Stop(exitcode.GateFailure,
				fmt.Sprintf("PUBLIC_FILE_TOO_LARGE:%s:%.2fMB", row.Rel, row.MB))
		}
	}

	totalMB := float64(totalBytes) / (1024 * 1024)
	pctUsed := int(math.Round(totalMB / lim.MaxTotalPublicMB * 100))
	status := "OK"
	switch {
	case totalMB > lim.MaxTotalPublicMB:
		status = "EXCEEDED"
	case pctUsed >= 90:
		status = "WARNING"
	}

	report := PublicLimitsReport{
		Schema:       "universe_public_limits_report_v1",
		GeneratedAt:  now.UTC().Format(time.RFC3339),
		TotalMB:      math.Round(totalMB*10) / 10,
		MaxTotalMB:   lim.MaxTotalPublicMB,
		PctUsed:      pctUsed,
		FileCount:    len(rows),
		MaxFileCount: lim.MaxTotalFiles,
		Top10Files:   topN(rows, 10),
		Status:       status,
	}
	if err := fsatomic.WriteJSONAtomic(filepath.Join(runDir, "reports", "public_limits_report.json"), report); err != nil {
		return err
	}

	if status == "EXCEEDED" {
		return exitcode.Stop(exitcode.GateFailure,
			fmt.Sprintf("PUBLIC_TOTAL_MB_EXCEEDED:%.1fMB/%.0fMB", totalMB, lim.MaxTotalPublicMB))
	}
	return nil
}
