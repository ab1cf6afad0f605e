package gates

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"eod-universe/internal/config"
	"eod-universe/internal/exitcode"
	"eod-universe/internal/fsatomic"
)

// Outbound-call shapes the source scan looks for. Any match outside an
// authorized prefix means a second ingestor snuck in.
var networkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bhttp\.Get\s*\(`),
	regexp.MustCompile(`\bhttp\.Post\s*\(`),
	regexp.MustCompile(`\bhttp\.PostForm\s*\(`),
	regexp.MustCompile(`\bhttp\.NewRequest(WithContext)?\s*\(`),
	regexp.MustCompile(`\bhttp\.Client\s*{`),
	regexp.MustCompile(`\bnet\.Dial\s*\(`),
	regexp.MustCompile(`\bgrpc\.Dial\s*\(`),
}

// SourceViolation is one file making network calls outside the ingestor.
type SourceViolation struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// SourceScanReport is the single-ingestor guard artifact.
type SourceScanReport struct {
	Schema             string            `json:"schema"`
	GeneratedAt        string            `json:"generated_at"`
	RunID              string            `json:"run_id"`
	Status             string            `json:"status"`
	AuthorizedPrefixes []string          `json:"authorized_prefixes"`
	Violations         []SourceViolation `json:"violations"`
}

// ScanSources walks the source tree under scanRoot and fails when any
// non-test Go file outside the authorized prefixes constructs network
// calls. Storage drivers talk to their own backends through their own
// clients, so their prefixes belong in the authorized list alongside the
// ingestor.
func ScanSources(scanRoot string, cfg *config.Config, runDir, runID string, now time.Time) error {
	prefixes := cfg.Gates.AuthorizedNetworkPrefixes
	if len(prefixes) == 0 {
		prefixes = []string{"internal/ingestor", "internal/storage"}
	}
	normalized := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		normalized = append(normalized, strings.TrimSuffix(filepath.ToSlash(p), "/"))
	}

	var violations []SourceViolation
	err := filepath.WalkDir(scanRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "vendor" || strings.HasPrefix(name, "_") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(p, ".go") || strings.HasSuffix(p, "_test.go") {
			return nil
		}
		rel, rerr := filepath.Rel(scanRoot, p)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)

		data, rderr := os.ReadFile(p)
		if rderr != nil {
			return nil
		}
		text := string(data)
		hasNet := false
		for _, rx := range networkPatterns {
			if rx.MatchString(text) {
				hasNet = true
				break
			}
		}
		if !hasNet {
			return nil
		}
		for _, prefix := range normalized {
			if strings.HasPrefix(rel, prefix) {
				return nil
			}
		}
		violations = append(violations, SourceViolation{
			File:   rel,
			Reason: "NETWORK_CALL_OUTSIDE_AUTHORIZED_INGESTOR_PATHS",
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("source scan: %w", err)
	}

	status := "PASS"
	if len(violations) > 0 {
		status = "FAIL"
	}
	if violations == nil {
		violations = []SourceViolation{}
	}
	report := SourceScanReport{
		Schema:             "universe_single_ingestor_guard_report_v1",
		GeneratedAt:        now.UTC().Format(time.RFC3339),
		RunID:              runID,
		Status:             status,
		AuthorizedPrefixes: normalized,
		Violations:         violations,
	}
	if err := fsatomic.WriteJSONAtomic(filepath.Join(runDir, "reports", "single_ingestor_guard_report.json"), report); err != nil {
		return err
	}
	if status == "FAIL" {
		return exitcode.Stop(exitcode.SingleIngestor, fmt.Sprintf("SINGLE_INGESTOR_GUARD:%d", len(violations)))
	}
	return nil
}
