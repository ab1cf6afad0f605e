package runctx

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eod-universe/internal/config"
	"eod-universe/internal/fsatomic"
)

func testContext(t *testing.T) *RunContext {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.RunsDir = filepath.Join(t.TempDir(), "runs")
	cfg.Paths.StateDir = filepath.Join(t.TempDir(), "state")
	return New(cfg)
}

func TestNewRunID(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	id := NewRunID(now)
	assert.True(t, strings.HasPrefix(id, "u7_20250602T093000_"), id)

	// The uuid fragment makes consecutive ids distinct.
	assert.NotEqual(t, id, NewRunID(now))
}

func TestCountersConcurrent(t *testing.T) {
	var c Counters
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.AddCalls(2, 1)
			c.AddSymbols(3, 2)
			c.AddPack()
			c.AddEligible(1)
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, 100, snap.CallsTotal)
	assert.Equal(t, 50, snap.DeadCalls)
	assert.Equal(t, 150, snap.SymbolsProcessed)
	assert.Equal(t, 100, snap.SymbolsIngested)
	assert.Equal(t, 50, snap.PacksWritten)
	assert.Equal(t, 50, snap.EligibleGained)
}

func TestPaths(t *testing.T) {
	rc := testContext(t)

	assert.Equal(t, filepath.Join(rc.Cfg.Paths.RunsDir, rc.RunID), rc.RunDir())
	assert.Equal(t, rc.Cfg.Paths.StateDir, rc.StateDir())
	assert.Equal(t, filepath.Join(rc.RunDir(), "reports", "kpi_levels_report.json"),
		rc.ReportPath("kpi_levels_report.json"))
}

func TestPhaseTracking(t *testing.T) {
	rc := testContext(t)
	assert.Empty(t, rc.Phase())

	rc.SetPhase("backfill")
	assert.Equal(t, "backfill", rc.Phase())
}

func TestWriteCrashArtifact(t *testing.T) {
	rc := testContext(t)
	rc.SetPhase("publish")
	rc.Counters.AddCalls(7, 2)

	require.NoError(t, rc.WriteCrashArtifact(errors.New("boom")))

	var art CrashArtifact
	require.NoError(t, fsatomic.ReadJSON(filepath.Join(rc.RunDir(), "crash_forensics.json"), &art))
	assert.Equal(t, "universe_crash_forensics_v1", art.Schema)
	assert.Equal(t, rc.RunID, art.RunID)
	assert.Equal(t, "publish", art.Phase)
	assert.Equal(t, "boom", art.Error)
	assert.Equal(t, 7, art.Counters.CallsTotal)
	assert.Equal(t, 2, art.Counters.DeadCalls)
	assert.NotEmpty(t, art.StackHead)
	assert.LessOrEqual(t, len(art.StackHead), 4096)

	_, err := time.Parse(time.RFC3339, art.At)
	assert.NoError(t, err)
}

func TestWriteCrashArtifactNilError(t *testing.T) {
	rc := testContext(t)
	require.NoError(t, rc.WriteCrashArtifact(nil))

	var art CrashArtifact
	require.NoError(t, fsatomic.ReadJSON(filepath.Join(rc.RunDir(), "crash_forensics.json"), &art))
	assert.Empty(t, art.Error)
}
