package gates

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"eod-universe/internal/config"
	"eod-universe/internal/exitcode"
	"eod-universe/internal/fsatomic"
)

// Raw bar fields must never appear in public artifacts unless the
// license explicitly allows redistributing them.
var rawFieldRe = regexp.MustCompile(`"(open|high|low|close|volume|adjClose|adjusted_close|adj_close)"\s*:`)

// Read-model arrays stay under this so UI renderers never parse an
// unbounded payload.
const maxReadModelArrayLen = 1000

// WhitelistRule maps a payload path prefix to a license risk class.
type WhitelistRule struct {
	Prefix    string `json:"prefix"`
	RiskClass string `json:"risk_class"`
}

// Whitelist classifies payload paths by license risk.
type Whitelist struct {
	DefaultRiskClass string          `json:"default_risk_class"`
	Rules            []WhitelistRule `json:"rules"`
}

// LoadWhitelist reads the license whitelist. A missing file yields the
// restrictive default: everything is BORDERLINE.
func LoadWhitelist(path string) *Whitelist {
	var w Whitelist
	if err := fsatomic.ReadJSON(path, &w); err != nil {
		return &Whitelist{DefaultRiskClass: "BORDERLINE"}
	}
	if w.DefaultRiskClass == "" {
		w.DefaultRiskClass = "BORDERLINE"
	}
	return &w
}

func (w *Whitelist) riskClass(rel string) string {
	for _, rule := range w.Rules {
		prefix := strings.TrimSpace(rule.Prefix)
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(rel, prefix) {
			if rule.RiskClass != "" {
				return rule.RiskClass
			}
			return "BORDERLINE"
		}
	}
	return w.DefaultRiskClass
}

// Violation is one license scan finding.
type Violation struct {
	File      string `json:"file"`
	Code      string `json:"code"`
	RiskClass string `json:"risk_class,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// LicenseReport is the leak scan artifact.
type LicenseReport struct {
	Schema       string      `json:"schema"`
	GeneratedAt  string      `json:"generated_at"`
	RunID        string      `json:"run_id"`
	ScannedFiles int         `json:"scanned_files"`
	Violations   []Violation `json:"violations"`
	Status       string      `json:"status"`
}

func readTextMaybeGz(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, gerr := gzip.NewReader(f)
		if gerr != nil {
			return "", gerr
		}
		defer gz.Close()
		r = gz
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func findLargeArrays(v any, maxLen int, path string, out *[]string) {
	switch t := v.(type) {
	case []any:
		if len(t) > maxLen {
			*out = append(*out, fmt.Sprintf("%s len=%d", path, len(t)))
		}
		for i, el := range t {
			findLargeArrays(el, maxLen, fmt.Sprintf("%s[%d]", path, i), out)
		}
	case map[string]any:
		for k, el := range t {
			findLargeArrays(el, maxLen, path+"."+k, out)
		}
	}
}

// ScanLicense walks the staged payload's JSON artifacts and flags license
// risk: disallowed risk classes, raw OHLC field names, history pack path
// leakage outside the registry, and oversized read-model arrays.
func ScanLicense(publishDir string, whitelist *Whitelist, cfg *config.Config, runDir, runID string, now time.Time) error {
	allowed := make(map[string]bool)
	for _, rc := range cfg.Gates.LicenseRiskAllow {
		allowed[rc] = true
	}
	if len(allowed) == 0 {
		allowed["SAFE_DERIVED"] = true
	}

	rows, _, err := walkSizes(publishDir, "")
	if err != nil {
		return fmt.Errorf("license scan walk: %w", err)
	}

	var violations []Violation
	scanned := 0
	for _, row := range rows {
		rel := row.Rel
		if !strings.HasSuffix(rel, ".json") && !strings.HasSuffix(rel, ".json.gz") {
			continue
		}
		scanned++

		riskClass := whitelist.riskClass(rel)
		if !allowed[riskClass] {
			violations = append(violations, Violation{File: rel, Code: "RISK_CLASS_NOT_ALLOWED", RiskClass: riskClass})
			continue
		}

		text, rerr := readTextMaybeGz(filepath.Join(publishDir, rel))
		if rerr != nil {
			violations = append(violations, Violation{File: rel, Code: "UNREADABLE", Detail: rerr.Error()})
			continue
		}

		if !strings.HasPrefix(rel, "config/") {
			if rawFieldRe.MatchString(text) {
				violations = append(violations, Violation{File: rel, Code: "RAW_OHLC_FIELD_DETECTED"})
			}
			if !strings.HasPrefix(rel, "registry/") && strings.Contains(text, "history/") {
				violations = append(violations, Violation{File: rel, Code: "HISTORY_PATH_LEAK"})
			}
		}

		if strings.HasPrefix(rel, "read_models/") {
			var payload any
			if jerr := json.Unmarshal([]byte(text), &payload); jerr != nil {
				violations = append(violations, Violation{File: rel, Code: "INVALID_JSON_READ_MODEL"})
				continue
			}
			var large []string
			findLargeArrays(payload, maxReadModelArrayLen, "$", &large)
			if len(large) > 0 {
				if len(large) > 3 {
					large = large[:3]
				}
				violations = append(violations, Violation{
					File: rel, Code: "READ_MODEL_ARRAY_TOO_LARGE", Detail: strings.Join(large, "; "),
				})
			}
		}
	}

	status := "PASS"
	if len(violations) > 0 {
		status = "FAIL"
	}
	if violations == nil {
		violations = []Violation{}
	}
	report := LicenseReport{
		Schema:       "universe_license_leak_scan_report_v1",
		GeneratedAt:  now.UTC().Format(time.RFC3339),
		RunID:        runID,
		ScannedFiles: scanned,
		Violations:   violations,
		Status:       status,
	}
	if err := fsatomic.WriteJSONAtomic(filepath.Join(runDir, "reports", "license_leak_scan_report.json"), report); err != nil {
		return err
	}
	if status == "FAIL" {
		return exitcode.Stop(exitcode.LicenseLeak, fmt.Sprintf("LICENSE_LEAK_SCAN:%d", len(violations)))
	}
	return nil
}
