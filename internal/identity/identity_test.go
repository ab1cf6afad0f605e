package identity

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eod-universe/internal/domain"
	"eod-universe/internal/fsatomic"
)

func TestBuild(t *testing.T) {
	rows := []domain.DiscoveryRow{
		{
			CanonicalID:    "US:AAPL",
			Symbol:         "AAPL",
			Exchange:       "US",
			MIC:            "XNAS",
			ProviderSymbol: "AAPL.US",
			Currency:       "USD",
			TypeNorm:       domain.TypeStock,
		},
		{
			CanonicalID: "LSE:VOD",
			Symbol:      "VOD",
			Exchange:    "LSE",
			TypeNorm:    domain.TypeNorm("junk"),
		},
	}

	out := Build(rows)
	require.Len(t, out, 2)

	aapl := out[0]
	assert.Equal(t, "US:AAPL", aapl.CanonicalID)
	assert.Equal(t, "XNAS", aapl.MIC)
	assert.Equal(t, "AAPL", aapl.LegacyTicker, "US listings keep their legacy ticker")
	assert.Equal(t, []string{"AAPL"}, aapl.Aliases)
	assert.Equal(t, "active", aapl.Status)
	assert.Equal(t, "1.0", aapl.CollisionRuleVersion)

	vod := out[1]
	assert.Equal(t, "LSE", vod.MIC, "exchange code stands in for a missing MIC")
	assert.Empty(t, vod.LegacyTicker)
	assert.Equal(t, domain.TypeOther, vod.TypeNorm)
}

func TestWrite(t *testing.T) {
	runDir := t.TempDir()
	policyPath := filepath.Join(t.TempDir(), "state", "identity_bridge.json.gz")
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	records := Build([]domain.DiscoveryRow{
		{CanonicalID: "US:AAPL", Symbol: "AAPL", Exchange: "US", TypeNorm: domain.TypeStock},
	})

	runPath, err := Write(records, runDir, policyPath, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(runDir, "identity", "identity_bridge.json.gz"), runPath)

	var doc BridgeDoc
	require.NoError(t, fsatomic.ReadGzipJSON(runPath, &doc))
	assert.Equal(t, "universe_identity_bridge_v1", doc.Schema)
	assert.Equal(t, "2025-06-02T12:00:00Z", doc.GeneratedAt)
	assert.Equal(t, 1, doc.RecordCount)

	var policy BridgeDoc
	require.NoError(t, fsatomic.ReadGzipJSON(policyPath, &policy))
	assert.Equal(t, doc.RecordCount, policy.RecordCount)
}

func TestWriteNoPolicyPath(t *testing.T) {
	runDir := t.TempDir()
	_, err := Write(nil, runDir, "", time.Now())
	require.NoError(t, err)
}
