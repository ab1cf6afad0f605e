package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsNamespaced(t *testing.T) {
	// A distinct namespace keeps these registrations apart from the
	// package-level DefaultMetrics set.
	m := NewMetrics("observability_test")

	m.APICallsTotal.WithLabelValues("backfill").Add(5)
	m.APICallsTotal.WithLabelValues("discovery").Add(2)
	assert.Equal(t, float64(5), testutil.ToFloat64(m.APICallsTotal.WithLabelValues("backfill")))

	m.DeadCallsTotal.Add(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.DeadCallsTotal))

	m.KillSwitchTrips.WithLabelValues("trend_kill").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.KillSwitchTrips.WithLabelValues("trend_kill")))

	m.RegistryRecords.Set(1200)
	assert.Equal(t, float64(1200), testutil.ToFloat64(m.RegistryRecords))

	m.EligibleByLayer.WithLabelValues("L1_FULL").Set(340)
	assert.Equal(t, float64(340), testutil.ToFloat64(m.EligibleByLayer.WithLabelValues("L1_FULL")))
}

func TestPackageHelpers(t *testing.T) {
	before := testutil.ToFloat64(DefaultMetrics.APICallsTotal.WithLabelValues("sweep"))
	RecordAPICalls("sweep", 4)
	assert.Equal(t, before+4, testutil.ToFloat64(DefaultMetrics.APICallsTotal.WithLabelValues("sweep")))

	deadBefore := testutil.ToFloat64(DefaultMetrics.DeadCallsTotal)
	RecordDeadCalls(2)
	assert.Equal(t, deadBefore+2, testutil.ToFloat64(DefaultMetrics.DeadCallsTotal))

	runsBefore := testutil.ToFloat64(DefaultMetrics.PhaseRunsTotal.WithLabelValues("backfill", "ok"))
	RecordPhase("backfill", "ok", 12.5)
	assert.Equal(t, runsBefore+1, testutil.ToFloat64(DefaultMetrics.PhaseRunsTotal.WithLabelValues("backfill", "ok")))
}

func TestHandlerServesMetrics(t *testing.T) {
	RecordPhase("discovery", "ok", 1)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "eod_universe_pipeline_phase_runs_total")
}
