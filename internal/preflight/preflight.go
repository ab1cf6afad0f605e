// Package preflight validates secrets, locks and budget health before
// any network phase runs, and takes the exclusive run lock.
package preflight

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"eod-universe/internal/budget"
	"eod-universe/internal/config"
	"eod-universe/internal/exitcode"
	"eod-universe/internal/fsatomic"
	"eod-universe/internal/gates"
	"eod-universe/internal/lock"
)

const runLockTTL = 6 * time.Hour

// Issue is one preflight finding.
type Issue struct {
	Code string `json:"code"`
	Key  string `json:"key,omitempty"`
	Path string `json:"path,omitempty"`
	Hint string `json:"hint,omitempty"`
}

// Doc is the preflight artifact written into the run directory.
type Doc struct {
	Schema      string  `json:"schema"`
	GeneratedAt string  `json:"generated_at"`
	RunID       string  `json:"run_id"`
	ConfigHash  string  `json:"config_hash"`
	Mode        string  `json:"mode"`
	Issues      []Issue `json:"issues"`
	Env         struct {
		HasAPIKey      bool `json:"has_api_key"`
		NetworkAllowed bool `json:"network_allowed"`
		Offline        bool `json:"offline"`
	} `json:"env"`
	Locks struct {
		RunLockPath        string `json:"run_lock_path"`
		APILimitLockActive bool   `json:"api_limit_lock_active"`
		IgnoreAPILimitLock bool   `json:"ignore_api_limit_lock"`
	} `json:"locks"`
	Checkpoint struct {
		Path string `json:"path"`
	} `json:"checkpoint"`
}

// Runner performs the preflight sequence.
type Runner struct {
	cfg    *config.Config
	ledger *budget.Ledger
	logger *log.Logger
	now    func() time.Time
}

// New builds a Runner. A nil logger writes to stderr.
func New(cfg *config.Config, ledger *budget.Ledger, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(os.Stderr, "[preflight] ", log.LstdFlags|log.LUTC)
	}
	return &Runner{cfg: cfg, ledger: ledger, logger: logger, now: time.Now}
}

// WithClock overrides the runner's clock. Test hook.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Run validates the environment, acquires the run lock, and writes the
// preflight artifact and applied-laws audit log under runDir. The
// returned lock is held; the caller releases it when the run finishes.
func (r *Runner) Run(runDir, runID string) (*lock.Lock, error) {
	cfg := r.cfg
	now := r.now()
	var issues []Issue

	if cfg.Paths.LegacyCoreFile == "" || !fsatomic.FileExists(cfg.Paths.LegacyCoreFile) {
		issues = append(issues, Issue{
			Code: "MISSING_REQUIRED_FILE",
			Key:  "legacy_contract",
			Path: cfg.Paths.LegacyCoreFile,
		})
	}

	networkRun := cfg.NetworkAllowed && !cfg.Offline
	hasKey := cfg.Ingestor.APIKey != ""
	if networkRun && !hasKey {
		issues = append(issues, Issue{
			Code: "MISSING_SECRET:API_KEY",
			Hint: "provide " + config.EnvAPIKey,
		})
	}

	ignoreLock := config.IgnoreAPILimitLock()
	apiLockActive := false
	if !ignoreLock {
		apiLock, err := budget.ReadAPILimitLock(cfg.Paths.StateDir, now)
		if err != nil {
			r.logger.Printf("api limit lock read: %v", err)
		}
		if apiLock != nil {
			apiLockActive = true
			issues = append(issues, Issue{
				Code: "API_LIMIT_LOCK_ACTIVE",
				Path: filepath.Join(cfg.Paths.StateDir, "api_limit_lock.json"),
				Hint: "daily limit reached; retry tomorrow or set " + config.EnvIgnoreAPILock + "=true",
			})
		}
	}

	st, err := r.ledger.Load()
	if err != nil {
		return nil, fmt.Errorf("budget state: %w", err)
	}
	if st.KillSwitch.Triggered() {
		issues = append(issues, Issue{
			Code: "KILL_SWITCH_ACTIVE",
			Hint: "a kill switch fired today; it clears at the next day rollover",
		})
	}

	doc := Doc{
		Schema:      "universe_preflight_v1",
		GeneratedAt: now.UTC().Format(time.RFC3339),
		RunID:       runID,
		ConfigHash:  cfg.ContentHash,
		Mode:        cfg.Mode,
		Issues:      issues,
	}
	doc.Env.HasAPIKey = hasKey
	doc.Env.NetworkAllowed = cfg.NetworkAllowed
	doc.Env.Offline = cfg.Offline
	doc.Locks.RunLockPath = filepath.Join(cfg.Paths.StateDir, "run.lock")
	doc.Locks.APILimitLockActive = apiLockActive
	doc.Locks.IgnoreAPILimitLock = ignoreLock
	doc.Checkpoint.Path = cfg.Resume.CheckpointPath
	if doc.Issues == nil {
		doc.Issues = []Issue{}
	}
	if err := fsatomic.WriteJSONAtomic(filepath.Join(runDir, "preflight.json"), doc); err != nil {
		return nil, err
	}

	if len(issues) > 0 {
		return nil, exitcode.Stop(classify(issues), issues[0].Code)
	}

	held, err := lock.Acquire(doc.Locks.RunLockPath, runID, runLockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, exitcode.Stop(exitcode.NeedsDecision, "RUN_LOCK_HELD")
		}
		return nil, fmt.Errorf("run lock: %w", err)
	}

	if err := gates.WriteAppliedLog(cfg, runDir, runID, now); err != nil {
		held.Release()
		return nil, fmt.Errorf("applied laws log: %w", err)
	}
	return held, nil
}

func classify(issues []Issue) int {
	hasSecret, hasAPILimit, hasKill := false, false, false
	for _, is := range issues {
		switch {
		case len(is.Code) >= 14 && is.Code[:14] == "MISSING_SECRET":
			hasSecret = true
		case is.Code == "API_LIMIT_LOCK_ACTIVE":
			hasAPILimit = true
		case is.Code == "KILL_SWITCH_ACTIVE":
			hasKill = true
		}
	}
	switch {
	case hasSecret:
		return exitcode.MissingSecrets
	case hasAPILimit:
		return exitcode.BudgetStop
	case hasKill:
		return exitcode.BudgetKill
	}
	return exitcode.NeedsDecision
}
