// Package config loads and validates the single JSON configuration document
// that drives a pipeline run, then applies environment-level overrides.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"eod-universe/internal/fsatomic"
)

//go:embed schema.json
var schemaDoc string

// Env override names. Environment always wins over the config document.
const (
	EnvNetworkAllowed     = "UNIVERSE_NETWORK_ALLOWED"
	EnvDailyCapCalls      = "UNIVERSE_DAILY_CAP_CALLS"
	EnvTypeAllowlist      = "UNIVERSE_BACKFILL_TYPE_ALLOWLIST"
	EnvCanonicalAllowlist = "UNIVERSE_BACKFILL_CANONICAL_ALLOWLIST"
	EnvIncrementalPack    = "UNIVERSE_INCREMENTAL_PACK_WRITE"
	EnvFastMode           = "UNIVERSE_BACKFILL_FAST_MODE"
	EnvAllowOversize      = "UNIVERSE_ALLOW_OVERSIZE_BACKFILL"
	EnvIgnoreAPILock      = "UNIVERSE_IGNORE_API_LIMIT_LOCK"
	EnvAPIKey             = "UNIVERSE_API_KEY"
	EnvBackfillFromDate   = "UNIVERSE_BACKFILL_FROM_DATE"
)

// Run modes.
const (
	ModeShadow = "shadow"
	ModeFull   = "full"
)

type Paths struct {
	DataRoot       string `json:"data_root"`
	StateDir       string `json:"state_dir"`
	RunsDir        string `json:"runs_dir"`
	LiveDir        string `json:"live_dir"`
	LegacyCoreFile string `json:"legacy_core_file"`
	LegacySeedFile string `json:"legacy_seed_file"`
	WaiversFile    string `json:"waivers_file,omitempty"`
	SourceDir      string `json:"source_dir,omitempty"`
	FrontendDir    string `json:"frontend_dir,omitempty"`
}

type Discovery struct {
	IncludeLegacySeed  bool     `json:"include_legacy_seed"`
	ShadowExchangeLim  int      `json:"shadow_exchange_limit"`
	FullExchangeLimit  int      `json:"full_exchange_limit"`
	ExchangeAllowlist  []string `json:"exchange_allowlist,omitempty"`
	ExchangeDenylist   []string `json:"exchange_denylist,omitempty"`
	MaxSymbolsPerBatch int      `json:"max_symbols_per_batch"`
}

type Sweep struct {
	Enabled            bool `json:"enabled"`
	MaxExchangesPerRun int  `json:"max_exchanges_per_run"`
}

type Backfill struct {
	Enabled               bool     `json:"enabled"`
	MaxSymbolsPerRun      int      `json:"max_symbols_per_run"`
	HardCapSymbolsPerRun  int      `json:"hard_cap_symbols_per_run"`
	FromDate              string   `json:"from_date"`
	CheckpointEverySymbol int      `json:"checkpoint_every_symbols"`
	MaxEmptyRetries       int      `json:"max_empty_retries"`
	MaxThrottleStops      int      `json:"max_throttle_stops"`
	TypePriority          []string `json:"type_priority,omitempty"`
	TypeAllowlist         []string `json:"type_allowlist,omitempty"`
	CanonicalAllowlist    []string `json:"canonical_allowlist,omitempty"`
	Denylist              []string `json:"denylist,omitempty"`
	IncrementalPackWrite  bool     `json:"incremental_pack_write"`
	IncrementalFlushEvery int      `json:"incremental_flush_symbols"`
	AllowOversize         bool     `json:"-"`
	FastMode              bool     `json:"-"`
}

type RateLimit struct {
	Concurrency       int     `json:"concurrency"`
	RequestsPerSecond float64 `json:"requests_per_second"`
}

type KillSwitchTrend struct {
	Enabled           bool    `json:"enabled"`
	SlopePctThreshold float64 `json:"slope_pct_threshold"`
	MinHistoryDays    int     `json:"min_history_days"`
	MinBaselineCalls  float64 `json:"min_baseline_calls"`
}

type KillSwitchBurst struct {
	Enabled                  bool    `json:"enabled"`
	RunCallsCapRatioThresh   float64 `json:"run_calls_cap_ratio_threshold"`
	MinIngestibleGainRatio   float64 `json:"min_ingestible_gain_ratio"`
	MinEligibleGainRatio     float64 `json:"min_eligible_gain_ratio"`
}

type KillSwitchWaste struct {
	Enabled                 bool    `json:"enabled"`
	DeadCallsRatioThreshold float64 `json:"dead_calls_ratio_threshold"`
}

type KillSwitches struct {
	Trend KillSwitchTrend `json:"trend_kill"`
	Burst KillSwitchBurst `json:"burst_kill"`
	Waste KillSwitchWaste `json:"waste_kill"`
}

type Budget struct {
	DailyCapCalls     int          `json:"daily_cap_calls"`
	ReserveCallsFloor int          `json:"reserve_calls_floor"`
	KillSwitches      KillSwitches `json:"kill_switches"`
}

type EligibilityWeights struct {
	HistoryDepth     float64 `json:"history_depth"`
	OHLCVComplete    float64 `json:"ohlcv_completeness"`
	VolumeQuality    float64 `json:"volume_quality"`
	Freshness        float64 `json:"freshness"`
}

type EligibilityThresholds struct {
	L1Full    int `json:"L1_FULL"`
	L2Partial int `json:"L2_PARTIAL"`
	L3Minimal int `json:"L3_MINIMAL"`
}

type Eligibility struct {
	Weights          EligibilityWeights    `json:"weights"`
	Thresholds       EligibilityThresholds `json:"thresholds"`
	FreshnessMaxDays int                   `json:"freshness_max_days"`
}

type Volume struct {
	MinAvgVolume10DEquity float64 `json:"min_avg_volume_10d_equity"`
	NeutralScore          float64 `json:"neutral_score"`
}

type Ghost struct {
	MinEqualCloses   int     `json:"min_equal_closes"`
	MaxAvgVolume     float64 `json:"max_avg_volume"`
	ClosePrecisionDP int     `json:"close_precision_dp"`
}

type Drift struct {
	BarsCountPctThreshold      float64 `json:"bars_count_pct_threshold"`
	StalenessBDAbsThreshold    float64 `json:"staleness_bd_abs_threshold"`
	LastTradeDateThresholdDays float64 `json:"last_trade_date_changed_threshold_days"`
}

type PublishGuard struct {
	MinTotalRatio float64 `json:"min_total_ratio"`
	MinStockRatio float64 `json:"min_stock_ratio"`
}

type Packs struct {
	MaxPackSymbols  int     `json:"max_pack_symbols"`
	MaxPackMBGz     float64 `json:"max_pack_mb_gz"`
	WarnThresholdPc float64 `json:"warn_threshold_pct"`
}

type PublicLimits struct {
	MaxTotalFiles     int     `json:"max_total_files"`
	MaxSingleFileMB   float64 `json:"max_single_artifact_mb"`
	MaxTotalPublicMB  float64 `json:"max_total_public_mb"`
}

type Search struct {
	PageSize   int `json:"page_size"`
	MaxBuckets int `json:"max_buckets"`
}

type Resume struct {
	CheckpointPath         string `json:"checkpoint_path,omitempty"`
	CheckpointHashRequired bool   `json:"checkpoint_hash_required"`
	CheckpointEverySymbols int    `json:"checkpoint_every_symbols"`
}

type Ingestor struct {
	BaseURL        string  `json:"base_url"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	MaxRetries     int     `json:"max_retries"`
	BackoffMS      int     `json:"backoff_ms"`
	RequestsPerSec float64 `json:"requests_per_second"`
	APIKey         string  `json:"-"`
}

type Mirror struct {
	PostgresDSN string `json:"postgres_dsn,omitempty"`
}

type Archive struct {
	ClickHouseDSN string `json:"clickhouse_dsn,omitempty"`
	BatchSize     int    `json:"batch_size"`
}

type Gates struct {
	AuthorizedNetworkPrefixes []string `json:"authorized_network_prefixes,omitempty"`
	LicenseRiskAllow          []string `json:"license_risk_allow,omitempty"`
	UISafetyBypass            bool     `json:"ui_safety_bypass"`
}

// Config is the full run configuration document.
type Config struct {
	Schema         string       `json:"schema"`
	Mode           string       `json:"mode"`
	Offline        bool         `json:"offline"`
	NetworkAllowed bool         `json:"network_allowed"`
	Paths          Paths        `json:"paths"`
	Discovery      Discovery    `json:"discovery"`
	Sweep          Sweep        `json:"sweep"`
	Backfill       Backfill     `json:"backfill"`
	RateLimit      RateLimit    `json:"rate_limit"`
	Budget         Budget       `json:"budget"`
	Eligibility    Eligibility  `json:"eligibility"`
	Volume         Volume       `json:"volume"`
	Ghost          Ghost        `json:"ghost"`
	Drift          Drift        `json:"drift"`
	PublishGuard   PublishGuard `json:"publish_guard"`
	Packs          Packs        `json:"packs"`
	PublicLimits   PublicLimits `json:"public_limits"`
	Search         Search       `json:"search"`
	Resume         Resume       `json:"resume"`
	Ingestor       Ingestor     `json:"ingestor"`
	Mirror         Mirror       `json:"mirror"`
	Archive        Archive      `json:"archive"`
	Gates          Gates        `json:"gates"`
	Laws           []string     `json:"laws,omitempty"`

	// Hash of the loaded document, recorded for preflight audit.
	ContentHash string `json:"-"`
}

// Default returns a config populated with the standard defaults. Load
// starts from this so absent fields keep their documented values.
func Default() *Config {
	return &Config{
		Schema:         "universe_config_v1",
		Mode:           ModeShadow,
		NetworkAllowed: false,
		Discovery: Discovery{
			IncludeLegacySeed:  true,
			ShadowExchangeLim:  8,
			FullExchangeLimit:  0,
			MaxSymbolsPerBatch: 4,
		},
		Sweep: Sweep{Enabled: true, MaxExchangesPerRun: 0},
		Backfill: Backfill{
			Enabled:               true,
			MaxSymbolsPerRun:      120,
			HardCapSymbolsPerRun:  120,
			FromDate:              "2018-01-01",
			CheckpointEverySymbol: 1000,
			MaxEmptyRetries:       2,
			MaxThrottleStops:      3,
			IncrementalFlushEvery: 200,
		},
		RateLimit: RateLimit{Concurrency: 8, RequestsPerSecond: 10},
		Budget: Budget{
			DailyCapCalls:     30000,
			ReserveCallsFloor: 10000,
		},
		Eligibility: Eligibility{
			Weights: EligibilityWeights{
				HistoryDepth:  0.40,
				OHLCVComplete: 0.25,
				VolumeQuality: 0.20,
				Freshness:     0.15,
			},
			Thresholds:       EligibilityThresholds{L1Full: 85, L2Partial: 65, L3Minimal: 40},
			FreshnessMaxDays: 180,
		},
		Volume: Volume{MinAvgVolume10DEquity: 10000, NeutralScore: 0.7},
		Ghost:  Ghost{MinEqualCloses: 3, MaxAvgVolume: 100, ClosePrecisionDP: 4},
		Drift: Drift{
			BarsCountPctThreshold:      0.05,
			StalenessBDAbsThreshold:    5,
			LastTradeDateThresholdDays: 2,
		},
		PublishGuard: PublishGuard{MinTotalRatio: 0.9, MinStockRatio: 0.9},
		Packs:        Packs{MaxPackSymbols: 2000, MaxPackMBGz: 1800, WarnThresholdPc: 90},
		PublicLimits: PublicLimits{MaxTotalFiles: 20000, MaxSingleFileMB: 50, MaxTotalPublicMB: 2048},
		Search:       Search{PageSize: 100, MaxBuckets: 200},
		Resume:       Resume{CheckpointEverySymbols: 1000},
		Ingestor: Ingestor{
			BaseURL:        "https://eodhd.com/api",
			TimeoutSeconds: 30,
			MaxRetries:     3,
			BackoffMS:      500,
			RequestsPerSec: 10,
		},
		Archive: Archive{BatchSize: 5000},
	}
}

// Load reads, validates and finalizes the config document at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse validates raw against the embedded schema and decodes it over the
// defaults, then applies env overrides.
func Parse(raw []byte) (*Config, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("config schema: %w", err)
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Mode != ModeShadow && cfg.Mode != ModeFull {
		return nil, fmt.Errorf("config mode %q: must be shadow or full", cfg.Mode)
	}
	applyEnv(cfg)

	hashable := map[string]any{}
	if err := json.Unmarshal(raw, &hashable); err == nil {
		if h, err := fsatomic.ContentHash(hashable); err == nil {
			cfg.ContentHash = h
		}
	}
	return cfg, nil
}

var compiledSchema = jsonschema.MustCompileString("config.schema.json", schemaDoc)

func applyEnv(cfg *Config) {
	if v, ok := envBool(EnvNetworkAllowed); ok {
		cfg.NetworkAllowed = v
	}
	if v := os.Getenv(EnvDailyCapCalls); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Budget.DailyCapCalls = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvTypeAllowlist)); v != "" {
		cfg.Backfill.TypeAllowlist = splitUpper(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvCanonicalAllowlist)); v != "" {
		cfg.Backfill.CanonicalAllowlist = splitUpper(v)
	}
	if v, ok := envBool(EnvIncrementalPack); ok {
		cfg.Backfill.IncrementalPackWrite = v
	}
	if v, ok := envBool(EnvFastMode); ok {
		cfg.Backfill.FastMode = v
	}
	if v, ok := envBool(EnvAllowOversize); ok {
		cfg.Backfill.AllowOversize = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBackfillFromDate)); v != "" {
		cfg.Backfill.FromDate = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Ingestor.APIKey = v
	}
}

func envBool(name string) (bool, bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	}
	return false, false
}

func splitUpper(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		p := strings.ToUpper(strings.TrimSpace(part))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EffectiveMaxSymbols applies the hard-cap rule to a requested per-run
// symbol count. Override < 0 means "use configured".
func (c *Config) EffectiveMaxSymbols(override int) int {
	configured := c.Backfill.MaxSymbolsPerRun
	if configured < 0 {
		configured = 0
	}
	hardCap := c.Backfill.HardCapSymbolsPerRun
	if hardCap < configured {
		hardCap = configured
	}
	requested := configured
	if override >= 0 {
		requested = override
	}
	if c.Backfill.AllowOversize {
		return requested
	}
	if requested > hardCap {
		return hardCap
	}
	return requested
}

// IgnoreAPILimitLock reports the operator override for a dated API-limit lock.
func IgnoreAPILimitLock() bool {
	v, ok := envBool(EnvIgnoreAPILock)
	return ok && v
}
