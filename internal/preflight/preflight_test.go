package preflight

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eod-universe/internal/budget"
	"eod-universe/internal/config"
	"eod-universe/internal/exitcode"
	"eod-universe/internal/fsatomic"
	"eod-universe/internal/lock"
)

var testNow = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func testSetup(t *testing.T) (*config.Config, *budget.Ledger, string) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StateDir = filepath.Join(root, "state")
	cfg.Paths.LegacyCoreFile = filepath.Join(root, "contract", "legacy_core_contract.json")
	require.NoError(t, fsatomic.WriteJSONAtomic(cfg.Paths.LegacyCoreFile, map[string]string{"schema": "universe_legacy_core_contract_v1"}))
	ledger := budget.NewLedger(cfg.Paths.StateDir, budget.WithClock(func() time.Time { return testNow }))
	runDir := filepath.Join(root, "runs", "run-001")
	return cfg, ledger, runDir
}

func testRunner(cfg *config.Config, ledger *budget.Ledger) *Runner {
	return New(cfg, ledger, log.New(io.Discard, "", 0)).WithClock(func() time.Time { return testNow })
}

func readPreflight(t *testing.T, runDir string) Doc {
	t.Helper()
	var doc Doc
	require.NoError(t, fsatomic.ReadJSON(filepath.Join(runDir, "preflight.json"), &doc))
	return doc
}

func TestRunHealthy(t *testing.T) {
	cfg, ledger, runDir := testSetup(t)

	held, err := testRunner(cfg, ledger).Run(runDir, "run-001")
	require.NoError(t, err)
	require.NotNil(t, held)
	defer held.Release()

	doc := readPreflight(t, runDir)
	assert.Equal(t, "universe_preflight_v1", doc.Schema)
	assert.Equal(t, "run-001", doc.RunID)
	assert.Empty(t, doc.Issues)
	assert.False(t, doc.Env.HasAPIKey)
	assert.Equal(t, filepath.Join(cfg.Paths.StateDir, "run.lock"), doc.Locks.RunLockPath)

	if _, err := os.Stat(filepath.Join(runDir, "audit", "applied_laws.json")); err != nil {
		t.Fatalf("applied laws log: %v", err)
	}

	// The lock is held for the duration of the run.
	_, err = lock.Acquire(doc.Locks.RunLockPath, "other", time.Hour)
	assert.ErrorIs(t, err, lock.ErrHeld)
}

func TestRunMissingContract(t *testing.T) {
	cfg, ledger, runDir := testSetup(t)
	require.NoError(t, os.Remove(cfg.Paths.LegacyCoreFile))

	held, err := testRunner(cfg, ledger).Run(runDir, "run-002")
	assert.Nil(t, held)
	require.Error(t, err)
	assert.Equal(t, exitcode.NeedsDecision, exitcode.CodeOf(err))
	assert.Equal(t, "MISSING_REQUIRED_FILE", err.Error())

	// The artifact is still written so the failure is inspectable.
	doc := readPreflight(t, runDir)
	require.Len(t, doc.Issues, 1)
	assert.Equal(t, "legacy_contract", doc.Issues[0].Key)
}

func TestRunMissingAPIKey(t *testing.T) {
	cfg, ledger, runDir := testSetup(t)
	cfg.NetworkAllowed = true
	cfg.Offline = false
	cfg.Ingestor.APIKey = ""

	_, err := testRunner(cfg, ledger).Run(runDir, "run-003")
	require.Error(t, err)
	assert.Equal(t, exitcode.MissingSecrets, exitcode.CodeOf(err))
	assert.Equal(t, "MISSING_SECRET:API_KEY", err.Error())
}

func TestRunOfflineSkipsSecretCheck(t *testing.T) {
	cfg, ledger, runDir := testSetup(t)
	cfg.NetworkAllowed = true
	cfg.Offline = true
	cfg.Ingestor.APIKey = ""

	held, err := testRunner(cfg, ledger).Run(runDir, "run-004")
	require.NoError(t, err)
	held.Release()
}

func TestRunAPILimitLockSameDay(t *testing.T) {
	cfg, ledger, runDir := testSetup(t)
	require.NoError(t, budget.WriteAPILimitLock(cfg.Paths.StateDir, "prev-run", "api_limit_reached_402", testNow))

	_, err := testRunner(cfg, ledger).Run(runDir, "run-005")
	require.Error(t, err)
	assert.Equal(t, exitcode.BudgetStop, exitcode.CodeOf(err))
	assert.Equal(t, "API_LIMIT_LOCK_ACTIVE", err.Error())

	doc := readPreflight(t, runDir)
	assert.True(t, doc.Locks.APILimitLockActive)
}

func TestRunAPILimitLockExpired(t *testing.T) {
	cfg, ledger, runDir := testSetup(t)
	yesterday := testNow.AddDate(0, 0, -1)
	require.NoError(t, budget.WriteAPILimitLock(cfg.Paths.StateDir, "prev-run", "api_limit_reached_402", yesterday))

	held, err := testRunner(cfg, ledger).Run(runDir, "run-006")
	require.NoError(t, err)
	held.Release()
}

func TestRunAPILimitLockIgnored(t *testing.T) {
	cfg, ledger, runDir := testSetup(t)
	require.NoError(t, budget.WriteAPILimitLock(cfg.Paths.StateDir, "prev-run", "api_limit_reached_402", testNow))
	t.Setenv(config.EnvIgnoreAPILock, "true")

	held, err := testRunner(cfg, ledger).Run(runDir, "run-007")
	require.NoError(t, err)
	held.Release()

	doc := readPreflight(t, runDir)
	assert.True(t, doc.Locks.IgnoreAPILimitLock)
	assert.False(t, doc.Locks.APILimitLockActive)
}

func TestRunKillSwitchActive(t *testing.T) {
	cfg, ledger, runDir := testSetup(t)
	require.NoError(t, ledger.RecordVerdict(&budget.Verdict{
		Kills: []budget.Kill{{Type: "trend", SlopePct: 80, Threshold: 50}},
	}))

	_, err := testRunner(cfg, ledger).Run(runDir, "run-008")
	require.Error(t, err)
	assert.Equal(t, exitcode.BudgetKill, exitcode.CodeOf(err))
	assert.Equal(t, "KILL_SWITCH_ACTIVE", err.Error())
}

func TestRunKillSwitchClearsNextDay(t *testing.T) {
	cfg, _, runDir := testSetup(t)
	yesterday := budget.NewLedger(cfg.Paths.StateDir, budget.WithClock(func() time.Time {
		return testNow.AddDate(0, 0, -1)
	}))
	require.NoError(t, yesterday.RecordVerdict(&budget.Verdict{
		Kills: []budget.Kill{{Type: "burst", Threshold: 3}},
	}))

	today := budget.NewLedger(cfg.Paths.StateDir, budget.WithClock(func() time.Time { return testNow }))
	held, err := testRunner(cfg, today).Run(runDir, "run-009")
	require.NoError(t, err)
	held.Release()
}

func TestRunLockHeld(t *testing.T) {
	cfg, ledger, runDir := testSetup(t)
	other, err := lock.Acquire(filepath.Join(cfg.Paths.StateDir, "run.lock"), "other-run", time.Hour)
	require.NoError(t, err)
	defer other.Release()

	_, err = testRunner(cfg, ledger).Run(runDir, "run-010")
	require.Error(t, err)
	assert.Equal(t, exitcode.NeedsDecision, exitcode.CodeOf(err))
	assert.Equal(t, "RUN_LOCK_HELD", err.Error())
}

func TestClassifyPriority(t *testing.T) {
	cfg, ledger, runDir := testSetup(t)
	require.NoError(t, os.Remove(cfg.Paths.LegacyCoreFile))
	cfg.NetworkAllowed = true
	cfg.Ingestor.APIKey = ""

	_, err := testRunner(cfg, ledger).Run(runDir, "run-011")
	require.Error(t, err)
	// The secret issue wins the exit code; the reason is the first finding.
	assert.Equal(t, exitcode.MissingSecrets, exitcode.CodeOf(err))
	assert.Equal(t, "MISSING_REQUIRED_FILE", err.Error())
}
