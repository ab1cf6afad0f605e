// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Ingestor metrics
	APICallsTotal   *prometheus.CounterVec
	APICallErrors   *prometheus.CounterVec
	APICallLatency  *prometheus.HistogramVec
	DeadCallsTotal  prometheus.Counter
	ThrottleStops   prometheus.Counter
	DailyLimitStops prometheus.Counter

	// Budget metrics
	DailyCallsPersisted prometheus.Gauge
	KillSwitchTrips     *prometheus.CounterVec

	// Pipeline metrics
	PhaseRunsTotal  *prometheus.CounterVec
	PhaseDuration   *prometheus.HistogramVec
	SymbolsFetched  prometheus.Counter
	SymbolsFailed   prometheus.Counter
	PacksWritten    prometheus.Counter
	CheckpointSaves prometheus.Counter

	// Registry metrics
	RegistryRecords prometheus.Gauge
	EligibleByLayer *prometheus.GaugeVec
	GhostFlagged    prometheus.Gauge
	DriftRowsTotal  *prometheus.CounterVec

	// Storage metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulRun     prometheus.Gauge
	LastSuccessfulPublish prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "eod_universe"
	}

	return &Metrics{
		APICallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestor",
			Name:      "api_calls_total",
			Help:      "Total number of provider API calls by phase",
		}, []string{"phase"}),
		APICallErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestor",
			Name:      "api_call_errors_total",
			Help:      "Total number of provider API errors by status class",
		}, []string{"status"}),
		APICallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestor",
			Name:      "api_call_latency_seconds",
			Help:      "Provider API call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		DeadCallsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestor",
			Name:      "dead_calls_total",
			Help:      "Total number of charged calls that returned no bars",
		}),
		ThrottleStops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestor",
			Name:      "throttle_stops_total",
			Help:      "Total number of runs stopped by provider throttling",
		}),
		DailyLimitStops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestor",
			Name:      "daily_limit_stops_total",
			Help:      "Total number of runs stopped by the provider daily limit",
		}),

		DailyCallsPersisted: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "daily_calls_persisted",
			Help:      "Persisted daily call total from the budget state",
		}),
		KillSwitchTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "kill_switch_trips_total",
			Help:      "Total number of kill-switch trips by type",
		}, []string{"type"}),

		PhaseRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "phase_runs_total",
			Help:      "Total number of phase executions by status",
		}, []string{"phase", "status"}),
		PhaseDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "phase_duration_seconds",
			Help:      "Phase execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"phase"}),
		SymbolsFetched: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "symbols_fetched_total",
			Help:      "Total number of symbols with bars fetched",
		}),
		SymbolsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "symbols_failed_total",
			Help:      "Total number of symbol fetches that returned nothing",
		}),
		PacksWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "packs_written_total",
			Help:      "Total number of history packs written",
		}),
		CheckpointSaves: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "checkpoint_saves_total",
			Help:      "Total number of checkpoint saves",
		}),

		RegistryRecords: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "records",
			Help:      "Record count in the most recent registry build",
		}),
		EligibleByLayer: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "eligible_by_layer",
			Help:      "Record count per eligibility layer",
		}, []string{"layer"}),
		GhostFlagged: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "ghost_flagged",
			Help:      "Records flagged as ghost-priced in the latest run",
		}),
		DriftRowsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "drift_rows_total",
			Help:      "Total drift report rows by severity",
		}, []string{"severity"}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		LastSuccessfulRun: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_run_timestamp",
			Help:      "Unix timestamp of the last successful pipeline run",
		}),
		LastSuccessfulPublish: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_publish_timestamp",
			Help:      "Unix timestamp of the last successful publish",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordAPICalls adds charged calls for a phase.
func RecordAPICalls(phase string, n int) {
	DefaultMetrics.APICallsTotal.WithLabelValues(phase).Add(float64(n))
}

// RecordDeadCalls adds calls that produced no usable data.
func RecordDeadCalls(n int) {
	DefaultMetrics.DeadCallsTotal.Add(float64(n))
}

// RecordPhase observes one phase execution.
func RecordPhase(phase, status string, seconds float64) {
	DefaultMetrics.PhaseRunsTotal.WithLabelValues(phase, status).Inc()
	DefaultMetrics.PhaseDuration.WithLabelValues(phase).Observe(seconds)
}
