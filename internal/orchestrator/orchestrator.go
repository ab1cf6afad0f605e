// Package orchestrator sequences one full pipeline run: preflight,
// discovery, identity, registry merge, sweep, backfill, scoring, guards
// and the staged publish payload.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"eod-universe/internal/backfill"
	"eod-universe/internal/budget"
	"eod-universe/internal/config"
	"eod-universe/internal/discovery"
	"eod-universe/internal/domain"
	"eod-universe/internal/drift"
	"eod-universe/internal/eligibility"
	"eod-universe/internal/exitcode"
	"eod-universe/internal/fsatomic"
	"eod-universe/internal/gates"
	"eod-universe/internal/ghost"
	"eod-universe/internal/identity"
	"eod-universe/internal/ingestor"
	"eod-universe/internal/observability"
	"eod-universe/internal/preflight"
	"eod-universe/internal/publish"
	"eod-universe/internal/registry"
	"eod-universe/internal/runctx"
	"eod-universe/internal/search"
	"eod-universe/internal/storage"
	"eod-universe/internal/sweep"
)

// Provider is the full ingestor surface the pipeline consumes. The
// concrete client satisfies it; tests pass fakes.
type Provider interface {
	discovery.Provider
	sweep.Provider
	backfill.Provider
}

var _ Provider = (*ingestor.Client)(nil)

// Options wires the pipeline. Provider, Mirror and Archive are optional:
// a nil provider forces an offline pass, nil stores disable mirroring.
type Options struct {
	Cfg      *config.Config
	Provider Provider
	Mirror   storage.RegistryMirror
	Archive  backfill.BarSink
	Logger   *log.Logger
	Now      func() time.Time
}

// Orchestrator owns one pipeline invocation.
type Orchestrator struct {
	cfg      *config.Config
	provider Provider
	mirror   storage.RegistryMirror
	archive  backfill.BarSink
	logger   *log.Logger
	now      func() time.Time
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		cfg:      opts.Cfg,
		provider: opts.Provider,
		mirror:   opts.Mirror,
		archive:  opts.Archive,
		logger:   logger,
		now:      now,
	}
}

type coverageDoc struct {
	Schema                   string   `json:"schema"`
	GeneratedAt              string   `json:"generated_at"`
	RunID                    string   `json:"run_id"`
	DiscoveredCount          int      `json:"discovered_count"`
	LegacyCoreCount          int      `json:"legacy_core_count"`
	LegacyMissingInDiscovery []string `json:"legacy_missing_in_discovery"`
}

type dataAccessDoc struct {
	Schema         string        `json:"schema"`
	GeneratedAt    string        `json:"generated_at"`
	RunID          string        `json:"run_id"`
	CallsTotal     int           `json:"calls_total"`
	DiscoveryCalls int           `json:"discovery_calls"`
	DailySweep     sweep.Summary `json:"daily_sweep"`
}

type budgetReportDoc struct {
	Schema            string           `json:"schema"`
	GeneratedAt       string           `json:"generated_at"`
	RunID             string           `json:"run_id"`
	CallsTotal        int              `json:"calls_total"`
	CallsDelta        int              `json:"calls_delta"`
	DailyCapCalls     int              `json:"daily_cap_calls"`
	ReserveCallsFloor int              `json:"reserve_calls_floor"`
	Backfill          *backfill.Result `json:"backfill"`
}

type runPhases struct {
	Discovery         discovery.Summary `json:"discovery"`
	IdentityRecords   int               `json:"identity_records"`
	RegistryRecords   int               `json:"registry_records"`
	DailySweepUpdated int               `json:"daily_sweep_updated"`
	Backfill          *backfill.Result  `json:"backfill"`
	Drift             drift.Counts      `json:"drift"`
	BudgetCalls       int               `json:"budget_calls"`
	PublishPayload    string            `json:"publish_payload,omitempty"`
}

type runStatusDoc struct {
	Schema      string    `json:"schema"`
	RunID       string    `json:"run_id"`
	GeneratedAt string    `json:"generated_at"`
	ExitCode    int       `json:"exit_code"`
	Reason      string    `json:"reason"`
	Phases      runPhases `json:"phases"`
}

type budgetHealth struct {
	Status        string `json:"status"`
	CallsTotal    int    `json:"calls_total"`
	DailyCapCalls int    `json:"daily_cap_calls"`
}

type universeCounts struct {
	Discovered int `json:"discovered"`
	Ingestible int `json:"ingestible"`
	Eligible   int `json:"eligible"`
}

type systemStatusDoc struct {
	Schema              string         `json:"schema"`
	GeneratedAt         string         `json:"generated_at"`
	RunID               string         `json:"run_id"`
	BudgetHealth        budgetHealth   `json:"budget_health"`
	DriftState          string         `json:"drift_state"`
	ActiveUniverse      universeCounts `json:"active_universe_counts"`
	PromotionState      string         `json:"promotion_state"`
	GoldenBaselineDelta any            `json:"golden_baseline_delta"`
	TopFeature          any            `json:"top_feature"`
	CircuitOpenReason   any            `json:"circuit_open_reason"`
}

// state accumulates per-phase outputs for the end-of-run reports.
type state struct {
	rc         *runctx.RunContext
	tracker    *budget.Tracker
	discovery  discovery.Summary
	identityN  int
	records    []domain.RegistryRecord
	sweep      sweep.Summary
	backfill   *backfill.Result
	drift      drift.Counts
	eligible   *eligibility.Summary
	payloadDir string
	finalCode  int
	reason     string
}

// Run executes the whole pipeline and returns the terminal error, if
// any. Generic failures leave a crash artifact behind for forensics.
func (o *Orchestrator) Run(ctx context.Context) error {
	rc := runctx.New(o.cfg)
	o.logger.Printf("[pipeline] run %s starting mode=%s offline=%v", rc.RunID, o.cfg.Mode, o.cfg.Offline)

	err := o.run(ctx, rc)
	if err != nil {
		if exitcode.CodeOf(err) == exitcode.GenericFailure {
			if werr := rc.WriteCrashArtifact(err); werr != nil {
				o.logger.Printf("[pipeline] crash artifact write failed: %v", werr)
			}
		}
		o.logger.Printf("[pipeline] run %s failed code=%d: %v", rc.RunID, exitcode.CodeOf(err), err)
		return err
	}
	o.logger.Printf("[pipeline] run %s done", rc.RunID)
	return nil
}

func (o *Orchestrator) phase(rc *runctx.RunContext, name string, fn func() error) error {
	rc.SetPhase(name)
	start := o.now()
	err := fn()
	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.RecordPhase(name, status, o.now().Sub(start).Seconds())
	return err
}

func (o *Orchestrator) run(ctx context.Context, rc *runctx.RunContext) error {
	cfg := o.cfg
	runDir := rc.RunDir()
	if err := os.MkdirAll(filepath.Join(runDir, "reports"), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	ledger := budget.NewLedger(cfg.Paths.StateDir, budget.WithClock(o.now))

	runLock, err := preflight.New(cfg, ledger, o.logger).WithClock(o.now).Run(runDir, rc.RunID)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := runLock.Release(); rerr != nil {
			o.logger.Printf("[pipeline] run lock release failed: %v", rerr)
		}
	}()

	contract, err := publish.LoadContract(cfg.Paths.LegacyCoreFile)
	if err != nil {
		return exitcode.Stop(exitcode.LegacyCoreDrift, "missing legacy core contract")
	}
	coreSet, err := discovery.LoadCoreSet(cfg.Paths.LegacyCoreFile)
	if err != nil {
		return err
	}

	tracker, err := budget.NewTracker(ledger, rc.RunID, cfg.Budget.DailyCapCalls)
	if err != nil {
		return err
	}

	st := &state{rc: rc, tracker: tracker, finalCode: exitcode.OK, reason: "ok"}
	liveSnapshot := filepath.Join(cfg.Paths.LiveDir, "registry", "registry.snapshot.json.gz")

	// Discovery. Fast mode replays the live snapshot instead of burning
	// provider calls on exchange enumeration.
	var disc *discovery.Result
	if err := o.phase(rc, "discovery", func() error {
		var derr error
		if cfg.Backfill.FastMode {
			disc, derr = discovery.FromRegistrySnapshot(liveSnapshot, runDir)
		} else {
			disc, derr = discovery.New(discovery.Options{
				Provider: o.discoveryProvider(),
				Tracker:  tracker,
				Cfg:      cfg,
				Logger:   o.logger,
			}).Run(ctx, runDir)
		}
		return derr
	}); err != nil {
		return err
	}
	st.discovery = disc.Summary

	if err := o.writeCoverageSummary(rc, disc, coreSet); err != nil {
		return err
	}

	// Identity bridge.
	if err := o.phase(rc, "identity", func() error {
		bridge := identity.Build(disc.Rows)
		st.identityN = len(bridge)
		policyPath := filepath.Join(cfg.Paths.StateDir, "identity_bridge.json.gz")
		_, werr := identity.Write(bridge, runDir, policyPath, o.now())
		return werr
	}); err != nil {
		return err
	}

	// Registry merge with the previous live snapshot.
	prev, err := registry.LoadSnapshot(liveSnapshot)
	if err != nil {
		return err
	}
	st.records = registry.Build(disc.Rows, prev.Records, rc.RunID, o.now())
	observability.DefaultMetrics.RegistryRecords.Set(float64(len(st.records)))

	// Daily sweep. Fast mode must never touch the bulk endpoint.
	if err := o.phase(rc, "sweep", func() error {
		if cfg.Backfill.FastMode {
			st.sweep = sweep.Summary{Source: "skipped_backfill_fast_mode"}
			return nil
		}
		st.sweep = sweep.New(sweep.Options{
			Provider: o.sweepProvider(),
			Tracker:  tracker,
			Cfg:      cfg,
			Logger:   o.logger,
		}).Run(ctx, st.records)
		return nil
	}); err != nil {
		return err
	}
	if cfg.Backfill.FastMode && st.sweep.Source != "skipped_backfill_fast_mode" {
		return exitcode.Stop(exitcode.GateFailure, fmt.Sprintf("BACKFILL_FAST_MODE_VIOLATION:%s", st.sweep.Source))
	}
	if err := o.writeDataAccessReport(rc, st); err != nil {
		return err
	}

	// Backfill.
	if err := o.phase(rc, "backfill", func() error {
		if !cfg.Backfill.Enabled || cfg.Offline || !cfg.NetworkAllowed || o.provider == nil {
			st.backfill = &backfill.Result{Reason: "skipped", PackWriteMode: "skipped"}
			return nil
		}
		engine := backfill.New(backfill.Options{
			Provider: o.provider,
			Tracker:  tracker,
			Cfg:      cfg,
			Logger:   o.logger,
			Counters: rc.Counters,
			Sink:     o.archive,
			Now:      o.now,
		})
		res, berr := engine.Run(ctx, st.records, coreSet, rc.RunID, cfg.Backfill.MaxSymbolsPerRun)
		if berr != nil {
			return berr
		}
		st.backfill = res
		return nil
	}); err != nil {
		return err
	}
	if err := o.writeBudgetReport(rc, st); err != nil {
		return err
	}

	// Eligibility scoring, ghost flags, registry artifacts, search.
	if err := o.phase(rc, "scoring", func() error {
		sum, serr := eligibility.Score(st.records, coreSet, cfg, rc.RunID, runDir, o.now())
		if serr != nil {
			return serr
		}
		st.eligible = sum
		flagged, gerr := ghost.Detect(st.records, cfg, runDir, o.now())
		if gerr != nil {
			return gerr
		}
		observability.DefaultMetrics.GhostFlagged.Set(float64(flagged))
		if _, werr := registry.Write(st.records, runDir, rc.RunID, o.now()); werr != nil {
			return werr
		}
		return search.Build(st.records, cfg, runDir, o.now())
	}); err != nil {
		return err
	}
	for layer, n := range st.eligible.ByLayer {
		observability.DefaultMetrics.EligibleByLayer.WithLabelValues(layer).Set(float64(n))
	}

	// Drift guard. A red core drift blocks the run but still leaves the
	// status artifacts behind.
	if err := o.phase(rc, "drift", func() error {
		counts, derr := drift.NewGuard(cfg, o.logger).WithClock(o.now).Check(st.records, coreSet, runDir)
		st.drift = counts
		return derr
	}); err != nil {
		o.finishStatus(rc, st, exitcode.CodeOf(err), err.Error())
		return err
	}

	// Publish regression guard.
	enforce := !cfg.Offline && cfg.Mode != config.ModeShadow
	if _, err := drift.CheckRegression(st.records, cfg, runDir, rc.RunID, enforce, o.now()); err != nil {
		o.finishStatus(rc, st, exitcode.CodeOf(err), err.Error())
		return err
	}

	// Stage the payload and run the public gates against it.
	if err := o.phase(rc, "publish_stage", func() error {
		liveConfigDir := filepath.Join(cfg.Paths.LiveDir, "config")
		dir, serr := publish.Stage(st.records, contract, runDir, rc.RunID, liveConfigDir, o.now())
		if serr != nil {
			return serr
		}
		st.payloadDir = dir
		return nil
	}); err != nil {
		return err
	}

	if err := o.phase(rc, "gates", func() error {
		return o.runGates(rc, st)
	}); err != nil {
		o.finishStatus(rc, st, exitcode.CodeOf(err), err.Error())
		return err
	}

	// Terminal code: budget and throttle stops from backfill pass
	// through so the operator can resume from the checkpoint.
	switch st.backfill.Code {
	case exitcode.BudgetStop:
		st.finalCode = exitcode.BudgetStop
		st.reason = "budget_stop_with_checkpoint"
	case exitcode.APIThrottle:
		st.finalCode = exitcode.APIThrottle
		st.reason = "api_rate_limited_429"
	}

	o.evaluateKillSwitch(ledger, st)
	o.finishStatus(rc, st, st.finalCode, st.reason)
	o.copyLateReports(runDir, st.payloadDir)
	o.mirrorRun(ctx, rc, st)

	if cfg.Mode == config.ModeFull && !cfg.Offline && st.finalCode == exitcode.OK {
		if err := o.phase(rc, "publish", func() error {
			return publish.New(cfg.Paths.LiveDir, cfg.Paths.StateDir, o.logger).WithClock(o.now).Promote(st.payloadDir, rc.RunID)
		}); err != nil {
			return err
		}
		observability.DefaultMetrics.LastSuccessfulPublish.Set(float64(o.now().Unix()))
	}

	observability.DefaultMetrics.LastSuccessfulRun.Set(float64(o.now().Unix()))
	if st.finalCode != exitcode.OK {
		return exitcode.Stop(st.finalCode, st.reason)
	}
	return nil
}

func (o *Orchestrator) discoveryProvider() discovery.Provider {
	if o.provider == nil {
		return nil
	}
	return o.provider
}

func (o *Orchestrator) sweepProvider() sweep.Provider {
	if o.provider == nil {
		return nil
	}
	return o.provider
}

func (o *Orchestrator) writeCoverageSummary(rc *runctx.RunContext, disc *discovery.Result, coreSet map[string]bool) error {
	seen := make(map[string]bool, len(disc.Rows))
	for i := range disc.Rows {
		seen[disc.Rows[i].CanonicalID] = true
	}
	missing := []string{}
	for id := range coreSet {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	doc := coverageDoc{
		Schema:                   "universe_coverage_summary_v1",
		GeneratedAt:              o.now().UTC().Format(time.RFC3339),
		RunID:                    rc.RunID,
		DiscoveredCount:          len(disc.Rows),
		LegacyCoreCount:          len(coreSet),
		LegacyMissingInDiscovery: missing,
	}
	return fsatomic.WriteJSONAtomic(rc.ReportPath("coverage_summary.json"), doc)
}

func (o *Orchestrator) writeDataAccessReport(rc *runctx.RunContext, st *state) error {
	doc := dataAccessDoc{
		Schema:         "universe_data_access_report_v1",
		GeneratedAt:    o.now().UTC().Format(time.RFC3339),
		RunID:          rc.RunID,
		CallsTotal:     st.tracker.CallsTotal(),
		DiscoveryCalls: st.discovery.FullDiscoveryCalls,
		DailySweep:     st.sweep,
	}
	return fsatomic.WriteJSONAtomic(rc.ReportPath("data_access_report.json"), doc)
}

func (o *Orchestrator) writeBudgetReport(rc *runctx.RunContext, st *state) error {
	doc := budgetReportDoc{
		Schema:            "universe_budget_report_v1",
		GeneratedAt:       o.now().UTC().Format(time.RFC3339),
		RunID:             rc.RunID,
		CallsTotal:        st.tracker.CallsTotal(),
		CallsDelta:        st.tracker.RunCalls(),
		DailyCapCalls:     o.cfg.Budget.DailyCapCalls,
		ReserveCallsFloor: o.cfg.Budget.ReserveCallsFloor,
		Backfill:          st.backfill,
	}
	return fsatomic.WriteJSONAtomic(rc.ReportPath("budget_report.json"), doc)
}

// finishStatus writes run_status.json and system_status.json. Both are
// best effort on failure paths so the terminal error wins.
func (o *Orchestrator) finishStatus(rc *runctx.RunContext, st *state, code int, reason string) {
	ts := o.now().UTC().Format(time.RFC3339)
	status := runStatusDoc{
		Schema:      "universe_run_status_v1",
		RunID:       rc.RunID,
		GeneratedAt: ts,
		ExitCode:    code,
		Reason:      reason,
		Phases: runPhases{
			Discovery:         st.discovery,
			IdentityRecords:   st.identityN,
			RegistryRecords:   len(st.records),
			DailySweepUpdated: st.sweep.Updated,
			Backfill:          st.backfill,
			Drift:             st.drift,
			BudgetCalls:       st.tracker.RunCalls(),
			PublishPayload:    st.payloadDir,
		},
	}
	if err := fsatomic.WriteJSONAtomic(rc.ReportPath("run_status.json"), status); err != nil {
		o.logger.Printf("[pipeline] run status write failed: %v", err)
	}

	ingestible := 0
	eligible := 0
	for i := range st.records {
		if st.records[i].BarsCount > 0 {
			ingestible++
		}
		if st.records[i].Computed.Layer != domain.LayerDead && st.records[i].Computed.Layer != "" {
			eligible++
		}
	}
	health := "PASS"
	switch code {
	case exitcode.BudgetStop, exitcode.BudgetKill:
		health = "BUDGET_STOP"
	case exitcode.APIThrottle:
		health = "THROTTLED"
	}
	driftState := "PASS"
	if st.drift.Red > 0 {
		driftState = "RED"
	}
	system := systemStatusDoc{
		Schema:      "universe_system_status_v1",
		GeneratedAt: ts,
		RunID:       rc.RunID,
		BudgetHealth: budgetHealth{
			Status:        health,
			CallsTotal:    st.tracker.CallsTotal(),
			DailyCapCalls: o.cfg.Budget.DailyCapCalls,
		},
		DriftState: driftState,
		ActiveUniverse: universeCounts{
			Discovered: st.discovery.DiscoveredCount,
			Ingestible: ingestible,
			Eligible:   eligible,
		},
		PromotionState: "DISABLED",
	}
	if err := fsatomic.WriteJSONAtomic(rc.ReportPath("system_status.json"), system); err != nil {
		o.logger.Printf("[pipeline] system status write failed: %v", err)
	}
}

// runGates enforces the public-surface invariants against the staged
// payload. Order matters: size before content, content before policy.
func (o *Orchestrator) runGates(rc *runctx.RunContext, st *state) error {
	cfg := o.cfg
	runDir := rc.RunDir()
	now := o.now()

	if err := gates.CheckPackLimits(st.payloadDir, cfg, runDir, now); err != nil {
		return err
	}
	if err := gates.CheckFileLimits(st.payloadDir, cfg, runDir, now); err != nil {
		return err
	}
	whitelistPath := filepath.Join(filepath.Dir(cfg.Paths.LegacyCoreFile), "license_whitelist.json")
	whitelist := gates.LoadWhitelist(whitelistPath)
	if err := gates.ScanLicense(st.payloadDir, whitelist, cfg, runDir, rc.RunID, now); err != nil {
		return err
	}
	if cfg.Paths.SourceDir != "" {
		if err := gates.ScanSources(cfg.Paths.SourceDir, cfg, runDir, rc.RunID, now); err != nil {
			return err
		}
	}
	if err := gates.CheckLawCoverage(cfg, runDir, rc.RunID, now); err != nil {
		return err
	}
	return gates.CheckUISafety(cfg.Paths.FrontendDir, cfg, runDir, rc.RunID, now)
}

// lateReports are produced after the payload is staged and copied in
// afterwards so the published reports dir is complete.
var lateReports = []string{
	"pack_limits_report.json",
	"public_limits_report.json",
	"license_leak_scan_report.json",
	"single_ingestor_guard_report.json",
	"law_coverage_report.json",
	"ui_safety_report.json",
	"run_status.json",
	"system_status.json",
}

func (o *Orchestrator) copyLateReports(runDir, payloadDir string) {
	if payloadDir == "" {
		return
	}
	for _, name := range lateReports {
		src := filepath.Join(runDir, "reports", name)
		if !fsatomic.FileExists(src) {
			continue
		}
		dst := filepath.Join(payloadDir, "reports", name)
		if err := fsatomic.CopyFile(src, dst); err != nil {
			o.logger.Printf("[pipeline] report copy %s failed: %v", name, err)
		}
	}
}

func (o *Orchestrator) evaluateKillSwitch(ledger *budget.Ledger, st *state) {
	lst, err := ledger.Load()
	if err != nil {
		o.logger.Printf("[pipeline] budget state load failed: %v", err)
		return
	}
	snap := st.rc.Counters.Snapshot()
	runCalls := st.tracker.RunCalls()
	stats := budget.RunStats{RunCalls: runCalls}
	if runCalls > 0 {
		stats.IngestibleGainRatio = float64(snap.SymbolsIngested) / float64(runCalls)
		stats.EligibleGainRatio = float64(snap.EligibleGained) / float64(runCalls)
	}
	if snap.CallsTotal > 0 {
		stats.DeadCallsRatio = float64(snap.DeadCalls) / float64(snap.CallsTotal)
	}
	verdict := budget.EvaluateKillSwitch(lst, o.cfg, stats)
	if verdict.Triggered() {
		types := make([]string, 0, len(verdict.Kills))
		for _, kill := range verdict.Kills {
			o.logger.Printf("[pipeline] kill switch armed: %s", kill.Type)
			observability.DefaultMetrics.KillSwitchTrips.WithLabelValues(kill.Type).Inc()
			types = append(types, kill.Type)
		}
		// A tripped switch is a hard stop for this run, not just a
		// block on the next one. Publish is gated on finalCode.
		st.finalCode = exitcode.BudgetKill
		st.reason = "BUDGET_KILL_SWITCH:" + strings.Join(types, ",")
	}
	if err := ledger.RecordVerdict(verdict); err != nil {
		o.logger.Printf("[pipeline] kill switch verdict persist failed: %v", err)
	}
}

// mirrorRun pushes the final registry and a run-history row to the
// relational mirror. Mirror failures never fail the run.
func (o *Orchestrator) mirrorRun(ctx context.Context, rc *runctx.RunContext, st *state) {
	if o.mirror == nil {
		return
	}
	if err := o.mirror.UpsertRecords(ctx, rc.RunID, st.records); err != nil {
		o.logger.Printf("[pipeline] registry mirror upsert failed: %v", err)
		return
	}
	snap := rc.Counters.Snapshot()
	finished := o.now().UTC()
	hist := &storage.RunHistory{
		RunID:          rc.RunID,
		Mode:           o.cfg.Mode,
		StartedAt:      rc.StartedAt,
		FinishedAt:     finished,
		ExitCode:       st.finalCode,
		Reason:         st.reason,
		CallsUsed:      st.tracker.RunCalls(),
		SymbolsFetched: snap.SymbolsIngested,
		PacksWritten:   snap.PacksWritten,
		RecordCount:    len(st.records),
	}
	if err := o.mirror.InsertRunHistory(ctx, hist); err != nil {
		o.logger.Printf("[pipeline] run history insert failed: %v", err)
	}
}
