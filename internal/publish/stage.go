// Package publish assembles the run's outward payload and swaps it into
// the live directory in two phases so readers never observe a half
// written tree.
package publish

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"eod-universe/internal/domain"
	"eod-universe/internal/fsatomic"
)

// Contract is the protected legacy-core contract document.
type Contract struct {
	Schema          string         `json:"schema"`
	ContractHash    string         `json:"contract_hash"`
	LegacyArtifacts map[string]any `json:"legacy_artifacts"`
	LegacySets      struct {
		UniverseTickers []string `json:"universe_tickers"`
	} `json:"legacy_sets"`
}

// LoadContract reads the legacy-core contract. Missing file is an error:
// publishing without the protected set is never allowed.
func LoadContract(path string) (*Contract, error) {
	var c Contract
	if err := fsatomic.ReadJSON(path, &c); err != nil {
		return nil, fmt.Errorf("load legacy core contract: %w", err)
	}
	return &c, nil
}

type coreDoc struct {
	Schema          string   `json:"schema"`
	GeneratedAt     string   `json:"generated_at"`
	RunID           string   `json:"run_id"`
	UniverseTickers []string `json:"universe_tickers"`
}

type coreHashesDoc struct {
	ContractHash    string         `json:"contract_hash"`
	LegacyArtifacts map[string]any `json:"legacy_artifacts"`
}

// reports copied verbatim into the payload when present.
var reportFiles = []string{
	"coverage_summary.json",
	"data_access_report.json",
	"feature_eligibility_report.json",
	"kpi_levels_report.json",
	"ghost_price_report.json",
	"drift_report.json",
	"publish_regression_guard.json",
	"pack_limits_report.json",
	"budget_report.json",
	"run_status.json",
	"system_status.json",
}

func copyTree(srcDir, dstDir string) error {
	if !fsatomic.DirExists(srcDir) {
		return nil
	}
	return filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, rerr := filepath.Rel(srcDir, p)
		if rerr != nil {
			return rerr
		}
		return fsatomic.CopyFile(p, filepath.Join(dstDir, rel))
	})
}

// Stage builds runDir/publish_payload: core contract artifacts, registry
// files, search surfaces, read models and public reports. The returned
// path is the source tree for Promote.
func Stage(records []domain.RegistryRecord, contract *Contract, runDir, runID, liveConfigDir string, now time.Time) (string, error) {
	payload := filepath.Join(runDir, "publish_payload")
	nowISO := now.UTC().Format(time.RFC3339)

	tickers := contract.LegacySets.UniverseTickers
	if tickers == nil {
		tickers = []string{}
	}
	if _, err := fsatomic.WriteGzipJSONAtomic(filepath.Join(payload, "core", "core_legacy.json.gz"), coreDoc{
		Schema:          "universe_core_legacy_v1",
		GeneratedAt:     nowISO,
		RunID:           runID,
		UniverseTickers: tickers,
	}); err != nil {
		return "", fmt.Errorf("stage core: %w", err)
	}
	if err := fsatomic.WriteJSONAtomic(filepath.Join(payload, "core", "core_legacy_hashes.json"), coreHashesDoc{
		ContractHash:    contract.ContractHash,
		LegacyArtifacts: contract.LegacyArtifacts,
	}); err != nil {
		return "", fmt.Errorf("stage core hashes: %w", err)
	}

	if err := copyTree(filepath.Join(runDir, "registry"), filepath.Join(payload, "registry")); err != nil {
		return "", fmt.Errorf("stage registry: %w", err)
	}
	if err := copyTree(filepath.Join(runDir, "search"), filepath.Join(payload, "search")); err != nil {
		return "", fmt.Errorf("stage search: %w", err)
	}
	if err := copyTree(filepath.Join(runDir, "read_models"), filepath.Join(payload, "read_models")); err != nil {
		return "", fmt.Errorf("stage read models: %w", err)
	}

	for _, name := range reportFiles {
		src := filepath.Join(runDir, "reports", name)
		if !fsatomic.FileExists(src) {
			continue
		}
		if err := fsatomic.CopyFile(src, filepath.Join(payload, "reports", name)); err != nil {
			return "", fmt.Errorf("stage report %s: %w", name, err)
		}
	}

	// The live config directory carries forward unchanged so consumers
	// can always read the config the payload was built against.
	if liveConfigDir != "" {
		if err := copyTree(liveConfigDir, filepath.Join(payload, "config")); err != nil {
			return "", fmt.Errorf("stage config: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Join(payload, "reports"), 0o755); err != nil {
		return "", err
	}
	return payload, nil
}
