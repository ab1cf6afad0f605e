package gates

import (
	"fmt"
	"path/filepath"
	"time"

	"eod-universe/internal/config"
	"eod-universe/internal/exitcode"
	"eod-universe/internal/fsatomic"
)

// knownChecks maps each enforceable law to the gate checks that cover it.
// A configured law missing from this table cannot be enforced and fails
// coverage.
var knownChecks = map[string][]string{
	"LAW_LEGACY_CORE_PROTECTED": {"drift_legacy_core", "core_legacy_contract"},
	"LAW_SINGLE_INGESTOR":       {"single_ingestor_guard"},
	"LAW_BUDGET_CAPPED":         {"budget_tracker", "kill_switch"},
	"LAW_LICENSE_SAFE_PUBLIC":   {"license_leak_scan"},
	"LAW_PUBLISH_ATOMIC":        {"two_phase_publish"},
	"LAW_PUBLISH_NO_REGRESSION": {"publish_regression_guard"},
	"LAW_PUBLIC_SIZE_BOUNDED":   {"pack_limits", "file_limits"},
	"LAW_UI_NO_FULL_FETCH":      {"ui_safety_check"},
}

// AppliedLaw is one audit log row written at preflight.
type AppliedLaw struct {
	LawID     string `json:"law_id"`
	AppliedAt string `json:"applied_at"`
}

// AppliedLog is the per-run applied-laws audit artifact.
type AppliedLog struct {
	Schema      string       `json:"schema"`
	RunID       string       `json:"run_id"`
	AppliedLaws []AppliedLaw `json:"applied_laws"`
}

// WriteAppliedLog records which laws governed this run. Law coverage
// later cross-checks the log against the configured set.
func WriteAppliedLog(cfg *config.Config, runDir, runID string, now time.Time) error {
	ts := now.UTC().Format(time.RFC3339)
	log := AppliedLog{
		Schema:      "universe_applied_laws_v1",
		RunID:       runID,
		AppliedLaws: make([]AppliedLaw, 0, len(cfg.Laws)),
	}
	for _, id := range cfg.Laws {
		log.AppliedLaws = append(log.AppliedLaws, AppliedLaw{LawID: id, AppliedAt: ts})
	}
	return fsatomic.WriteJSONAtomic(filepath.Join(runDir, "audit", "applied_laws.json"), log)
}

// LawIssue is one coverage finding.
type LawIssue struct {
	Code    string `json:"code"`
	LawID   string `json:"law_id,omitempty"`
	CheckID string `json:"check_id,omitempty"`
}

// LawCoverageReport is the coverage gate artifact.
type LawCoverageReport struct {
	Schema      string     `json:"schema"`
	GeneratedAt string     `json:"generated_at"`
	RunID       string     `json:"run_id"`
	Status      string     `json:"status"`
	LawCount    int        `json:"law_count"`
	CheckCount  int        `json:"check_count"`
	Issues      []LawIssue `json:"issues"`
}

// CheckLawCoverage verifies every configured law maps to known gate
// checks and was logged as applied for this run.
func CheckLawCoverage(cfg *config.Config, runDir, runID string, now time.Time) error {
	var issues []LawIssue

	if len(cfg.Laws) == 0 {
		issues = append(issues, LawIssue{Code: "LAW_REGISTRY_EMPTY"})
	}
	checkCount := 0
	for _, checks := range knownChecks {
		checkCount += len(checks)
	}

	for _, lawID := range cfg.Laws {
		if lawID == "" {
			issues = append(issues, LawIssue{Code: "LAW_ID_MISSING"})
			continue
		}
		if _, ok := knownChecks[lawID]; !ok {
			issues = append(issues, LawIssue{Code: "LAW_CHECK_UNKNOWN", LawID: lawID})
		}
	}

	appliedPath := filepath.Join(runDir, "audit", "applied_laws.json")
	if fsatomic.FileExists(appliedPath) {
		var applied AppliedLog
		if err := fsatomic.ReadJSON(appliedPath, &applied); err == nil {
			appliedIDs := make(map[string]bool, len(applied.AppliedLaws))
			for _, row := range applied.AppliedLaws {
				appliedIDs[row.LawID] = true
			}
			for _, lawID := range cfg.Laws {
				if lawID != "" && !appliedIDs[lawID] {
					issues = append(issues, LawIssue{Code: "LAW_NOT_LOGGED_APPLIED", LawID: lawID})
				}
			}
		}
	}

	status := "PASS"
	if len(issues) > 0 {
		status = "FAIL"
	}
	if issues == nil {
		issues = []LawIssue{}
	}
	report := LawCoverageReport{
		Schema:      "universe_law_coverage_report_v1",
		GeneratedAt: now.UTC().Format(time.RFC3339),
		RunID:       runID,
		Status:      status,
		LawCount:    len(cfg.Laws),
		CheckCount:  checkCount,
		Issues:      issues,
	}
	if err := fsatomic.WriteJSONAtomic(filepath.Join(runDir, "reports", "law_coverage_report.json"), report); err != nil {
		return err
	}
	if status == "FAIL" {
		return exitcode.Stop(exitcode.LawCoverage, fmt.Sprintf("LAW_COVERAGE:%d", len(issues)))
	}
	return nil
}
