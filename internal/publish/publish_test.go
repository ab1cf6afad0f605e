package publish

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eod-universe/internal/exitcode"
	"eod-universe/internal/fsatomic"
	"eod-universe/internal/lock"
)

func quietPublisher(liveDir, stateDir string) *Publisher {
	return New(liveDir, stateDir, log.New(io.Discard, "", 0)).
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) })
}

func stagePayload(t *testing.T, runDir string) string {
	t.Helper()
	payload := filepath.Join(runDir, "publish_payload")
	require.NoError(t, fsatomic.WriteJSONAtomic(filepath.Join(payload, "registry", "marker.json"), map[string]string{"run": "new"}))
	return payload
}

func TestPromote_FirstPublish(t *testing.T) {
	base := t.TempDir()
	liveDir := filepath.Join(base, "live")
	stateDir := filepath.Join(base, "state")
	payload := stagePayload(t, filepath.Join(base, "runs", "u7_a"))

	require.NoError(t, quietPublisher(liveDir, stateDir).Promote(payload, "u7_a"))

	assert.True(t, fsatomic.FileExists(filepath.Join(liveDir, "registry", "marker.json")))
	assert.False(t, fsatomic.FileExists(payload), "payload moves, not copies")

	var complete completeDoc
	require.NoError(t, fsatomic.ReadJSON(filepath.Join(liveDir, "publish_complete.json"), &complete))
	assert.Equal(t, "universe_publish_complete_v1", complete.Schema)
	assert.Equal(t, "u7_a", complete.RunID)

	var intent intentDoc
	require.NoError(t, fsatomic.ReadJSON(filepath.Join(base, "runs", "u7_a", "publish_intent.json"), &intent))
	assert.Equal(t, liveDir, intent.TargetDir)
	assert.NotEmpty(t, intent.IntentHash)
}

func TestPromote_ReplacesLiveAndDropsBackup(t *testing.T) {
	base := t.TempDir()
	liveDir := filepath.Join(base, "live")
	stateDir := filepath.Join(base, "state")
	require.NoError(t, fsatomic.WriteJSONAtomic(filepath.Join(liveDir, "registry", "marker.json"), map[string]string{"run": "old"}))

	payload := stagePayload(t, filepath.Join(base, "runs", "u7_b"))
	require.NoError(t, quietPublisher(liveDir, stateDir).Promote(payload, "u7_b"))

	var marker map[string]string
	require.NoError(t, fsatomic.ReadJSON(filepath.Join(liveDir, "registry", "marker.json"), &marker))
	assert.Equal(t, "new", marker["run"])
	assert.False(t, fsatomic.FileExists(liveDir+".__prev"), "backup removed after success")
}

func TestPromote_MissingSourceIsPartialPublish(t *testing.T) {
	base := t.TempDir()
	err := quietPublisher(filepath.Join(base, "live"), base).Promote(filepath.Join(base, "nope"), "u7_c")
	require.Error(t, err)
	assert.Equal(t, exitcode.PartialPublish, exitcode.CodeOf(err))
}

func TestPromote_HeldLockBlocks(t *testing.T) {
	base := t.TempDir()
	liveDir := filepath.Join(base, "live")
	stateDir := filepath.Join(base, "state")
	require.NoError(t, os.MkdirAll(stateDir, 0o755))

	held, err := lock.Acquire(filepath.Join(stateDir, "publish.lock"), "other-run", time.Hour)
	require.NoError(t, err)
	defer held.Release()

	payload := stagePayload(t, filepath.Join(base, "runs", "u7_d"))
	err = quietPublisher(liveDir, stateDir).Promote(payload, "u7_d")
	require.Error(t, err)
	assert.Equal(t, exitcode.PartialPublish, exitcode.CodeOf(err))
	assert.Equal(t, "PUBLISH_LOCK_HELD", err.Error())
}

func TestStage_PayloadLayout(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, fsatomic.WriteJSONAtomic(filepath.Join(runDir, "registry", "registry.schema.json"), map[string]string{"schema": "x"}))
	require.NoError(t, fsatomic.WriteJSONAtomic(filepath.Join(runDir, "reports", "drift_report.json"), map[string]string{"schema": "universe_drift_report_v1"}))

	liveConfig := t.TempDir()
	require.NoError(t, fsatomic.WriteJSONAtomic(filepath.Join(liveConfig, "universe.json"), map[string]string{"mode": "shadow"}))

	contract := &Contract{
		Schema:       "universe_core_contract_v1",
		ContractHash: "abc123",
	}
	contract.LegacySets.UniverseTickers = []string{"AAPL", "MSFT"}

	payload, err := Stage(nil, contract, runDir, "u7_e", liveConfig, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	var core coreDoc
	require.NoError(t, fsatomic.ReadGzipJSON(filepath.Join(payload, "core", "core_legacy.json.gz"), &core))
	assert.Equal(t, "universe_core_legacy_v1", core.Schema)
	assert.Equal(t, []string{"AAPL", "MSFT"}, core.UniverseTickers)

	var hashes coreHashesDoc
	require.NoError(t, fsatomic.ReadJSON(filepath.Join(payload, "core", "core_legacy_hashes.json"), &hashes))
	assert.Equal(t, "abc123", hashes.ContractHash)

	assert.True(t, fsatomic.FileExists(filepath.Join(payload, "registry", "registry.schema.json")))
	assert.True(t, fsatomic.FileExists(filepath.Join(payload, "reports", "drift_report.json")))
	assert.True(t, fsatomic.FileExists(filepath.Join(payload, "config", "universe.json")))
}

func TestLoadContract_MissingFileFails(t *testing.T) {
	_, err := LoadContract(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
