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

// Full-universe fetches from the frontend are what the sharded search
// surfaces exist to prevent.
var fullFetchPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/data/universe/all\.json`),
	regexp.MustCompile(`UNIVERSE_URL\s*=\s*['"]/data/universe/all\.json['"]`),
}

var searchAdapterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/api/universe`),
	regexp.MustCompile(`attachSearchUI\(`),
	regexp.MustCompile(`search\(query, filters, cursor, limit\)`),
}

// UIFinding is one frontend file matching a guarded pattern.
type UIFinding struct {
	File        string `json:"file"`
	Pattern     string `json:"pattern,omitempty"`
	Occurrences int    `json:"occurrences,omitempty"`
	Code        string `json:"code,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// UISafetyReport is the frontend safety gate artifact.
type UISafetyReport struct {
	Schema            string      `json:"schema"`
	GeneratedAt       string      `json:"generated_at"`
	RunID             string      `json:"run_id"`
	Mode              string      `json:"mode"`
	Strict            bool        `json:"strict"`
	Violations        []UIFinding `json:"violations"`
	Warnings          []UIFinding `json:"warnings"`
	SearchAdapterRefs int         `json:"search_adapter_refs"`
	Status            string      `json:"status"`
}

// CheckUISafety scans frontend code under frontendDir for full-universe
// fetch patterns and requires at least one search-adapter reference.
// Shadow mode downgrades full-fetch matches to warnings unless the
// bypass is off; a missing frontend directory passes trivially.
func CheckUISafety(frontendDir string, cfg *config.Config, runDir, runID string, now time.Time) error {
	strict := cfg.Mode != config.ModeShadow || !cfg.Gates.UISafetyBypass

	var violations, warnings []UIFinding
	adapterRefs := 0
	scannedAny := false

	if fsatomic.DirExists(frontendDir) {
		err := filepath.WalkDir(frontendDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(p))
			if ext != ".html" && ext != ".js" && ext != ".mjs" {
				return nil
			}
			rel, rerr := filepath.Rel(frontendDir, p)
			if rerr != nil {
				return rerr
			}
			data, rderr := os.ReadFile(p)
			if rderr != nil {
				return nil
			}
			scannedAny = true
			text := string(data)

			for _, rx := range fullFetchPatterns {
				n := len(rx.FindAllStringIndex(text, -1))
				if n == 0 {
					continue
				}
				finding := UIFinding{File: filepath.ToSlash(rel), Pattern: rx.String(), Occurrences: n}
				if strict {
					violations = append(violations, finding)
				} else {
					finding.Reason = "SHADOW_MODE_LEGACY_ALLOWED_TEMPORARILY"
					warnings = append(warnings, finding)
				}
			}
			for _, rx := range searchAdapterPatterns {
				if rx.MatchString(text) {
					adapterRefs++
					break
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("ui safety walk: %w", err)
		}
	}

	if scannedAny && adapterRefs == 0 {
		violations = append(violations, UIFinding{
			Code:   "SEARCH_ADAPTER_NOT_FOUND",
			Reason: "no API-based search reference detected in frontend",
		})
	}

	status := "PASS"
	if len(violations) > 0 {
		status = "FAIL"
	}
	if violations == nil {
		violations = []UIFinding{}
	}
	if warnings == nil {
		warnings = []UIFinding{}
	}
	report := UISafetyReport{
		Schema:            "universe_ui_safety_report_v1",
		GeneratedAt:       now.UTC().Format(time.RFC3339),
		RunID:             runID,
		Mode:              cfg.Mode,
		Strict:            strict,
		Violations:        violations,
		Warnings:          warnings,
		SearchAdapterRefs: adapterRefs,
		Status:            status,
	}
	if err := fsatomic.WriteJSONAtomic(filepath.Join(runDir, "reports", "ui_safety_report.json"), report); err != nil {
		return err
	}
	if status == "FAIL" {
		return exitcode.Stop(exitcode.UISafety, fmt.Sprintf("UI_SAFETY:%d", len(violations)))
	}
	return nil
}
