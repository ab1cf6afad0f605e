// Package backfill is the resumable, budget-governed full-history fetch
// loop: queue construction, checkpointed resume, bounded concurrent
// batches and pack writing.
package backfill

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"eod-universe/internal/budget"
	"eod-universe/internal/checkpoint"
	"eod-universe/internal/config"
	"eod-universe/internal/domain"
	"eod-universe/internal/exitcode"
	"eod-universe/internal/ingestor"
	"eod-universe/internal/packs"
	"eod-universe/internal/runctx"
)

// Provider is the slice of the ingestor client the engine needs.
type Provider interface {
	FetchDailyBars(ctx context.Context, symbol, exchangeCode, from, to string) (*ingestor.BarsResult, error)
}

// BarSink receives every fetched bar set, e.g. the ClickHouse archive.
// Sink failures are reported but never stop the run.
type BarSink interface {
	ArchiveBars(ctx context.Context, canonicalID string, bars []domain.Bar) error
}

// Result summarizes one backfill invocation.
type Result struct {
	Code             int          `json:"code"`
	Reason           string       `json:"reason"`
	QueueTotal       int          `json:"queue_total"`
	ProcessedSymbols int          `json:"processed_symbols"`
	FetchedSymbols   int          `json:"fetched_symbols"`
	Remaining        int          `json:"remaining"`
	RequestedMax     int          `json:"max_symbols_per_run_requested"`
	EffectiveMax     int          `json:"max_symbols_per_run_effective"`
	HardCap          int          `json:"max_symbols_per_run_hard_cap"`
	PackWriteMode    string       `json:"pack_write_mode"`
	CheckpointPath   string       `json:"checkpoint_path"`
	Packs            []packs.Info `json:"packs"`
	UpdatedIDs       []string     `json:"updated_ids"`
	BudgetStopped    bool         `json:"budget_stopped"`
}

// Engine runs the backfill phase.
type Engine struct {
	provider Provider
	tracker  *budget.Tracker
	cfg      *config.Config
	logger   *log.Logger
	counters *runctx.Counters
	sink     BarSink
	now      func() time.Time
}

// Options configures an Engine. Sink is optional.
type Options struct {
	Provider Provider
	Tracker  *budget.Tracker
	Cfg      *config.Config
	Logger   *log.Logger
	Counters *runctx.Counters
	Sink     BarSink
	Now      func() time.Time
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	counters := opts.Counters
	if counters == nil {
		counters = &runctx.Counters{}
	}
	return &Engine{
		provider: opts.Provider,
		tracker:  opts.Tracker,
		cfg:      opts.Cfg,
		logger:   logger,
		counters: counters,
		sink:     opts.Sink,
		now:      now,
	}
}

func (e *Engine) checkpointPath() string {
	if p := e.cfg.Resume.CheckpointPath; p != "" {
		return p
	}
	return filepath.Join(e.cfg.Paths.StateDir, "backfill_checkpoint.json")
}

type fetchOutcome struct {
	cid      string
	rec      *domain.RegistryRecord
	bars     []domain.Bar
	err      error
	attempts int
}

// Run executes the backfill over records, mutating them in place. The
// caller passes maxOverride < 0 to use the configured per-run cap. A
// checkpoint that fails required hash verification is returned as a
// CHECKPOINT_INVALID stop.
func (e *Engine) Run(ctx context.Context, records []domain.RegistryRecord, coreSet map[string]bool, runID string, maxOverride int) (*Result, error) {
	cfg := e.cfg
	cpStore := checkpoint.NewStore(e.checkpointPath(), cfg.Resume.CheckpointHashRequired)
	cp, err := cpStore.Load()
	if err != nil {
		if errors.Is(err, checkpoint.ErrInvalid) {
			return nil, exitcode.Stop(exitcode.CheckpointInvalid, err.Error())
		}
		return nil, err
	}

	waived, err := LoadWaivers(cfg.Paths.WaiversFile)
	if err != nil {
		return nil, err
	}
	var canonicalAllow map[string]bool
	if len(cfg.Backfill.CanonicalAllowlist) > 0 {
		canonicalAllow = map[string]bool{}
		for _, id := range cfg.Backfill.CanonicalAllowlist {
			canonicalAllow[strings.ToUpper(id)] = true
		}
	}

	queue, queueHash, err := BuildQueue(QueueInput{
		Records:   records,
		CoreSet:   coreSet,
		Cfg:       cfg,
		Waived:    waived,
		Canonical: canonicalAllow,
	})
	if err != nil {
		return nil, err
	}
	queueSet := map[string]bool{}
	for _, id := range queue {
		queueSet[id] = true
	}

	byID := make(map[string]*domain.RegistryRecord, len(records))
	for i := range records {
		byID[strings.ToUpper(records[i].CanonicalIDField)] = &records[i]
	}

	done := map[string]bool{}
	failCounts := map[string]int{}
	pending := append([]string{}, queue...)
	if cp != nil {
		for _, cid := range cp.SymbolsDone {
			if queueSet[cid] {
				done[cid] = true
			}
		}
		for cid, n := range cp.FailCounts {
			if queueSet[cid] && !done[cid] && n > 0 {
				failCounts[cid] = n
			}
		}
		if cp.QueueHash == queueHash && cp.CheckpointHash != "" {
			pending = pending[:0]
			for _, cid := range cp.SymbolsPending {
				if queueSet[cid] {
					pending = append(pending, cid)
				}
			}
		} else if len(done) > 0 {
			// Queue changed since the checkpoint: rebuild pending as
			// queue minus done instead of trusting a stale list.
			pending = pending[:0]
			for _, cid := range queue {
				if !done[cid] {
					pending = append(pending, cid)
				}
			}
		}
	}

	// Ids whose history is not verified must stay pending regardless of
	// what the checkpoint says.
	var qualityPending []string
	for _, cid := range queue {
		rec := byID[cid]
		forced := canonicalAllow != nil && canonicalAllow[cid]
		if forced || rec == nil || rec.QualityBasis != domain.BasisReal {
			qualityPending = append(qualityPending, cid)
		}
	}
	if len(qualityPending) > 0 {
		qp := map[string]bool{}
		for _, cid := range qualityPending {
			qp[cid] = true
		}
		filtered := pending[:0]
		for _, cid := range pending {
			if qp[cid] {
				filtered = append(filtered, cid)
			}
		}
		pending = filtered
		inPending := map[string]bool{}
		for _, cid := range pending {
			inPending[cid] = true
		}
		for _, cid := range qualityPending {
			if !inPending[cid] {
				pending = append(pending, cid)
				inPending[cid] = true
			}
			delete(done, cid)
		}
	}

	requested := cfg.Backfill.MaxSymbolsPerRun
	if maxOverride >= 0 {
		requested = maxOverride
	}
	effectiveMax := cfg.EffectiveMaxSymbols(maxOverride)
	hardCap := cfg.Backfill.HardCapSymbolsPerRun
	if hardCap < cfg.Backfill.MaxSymbolsPerRun {
		hardCap = cfg.Backfill.MaxSymbolsPerRun
	}

	mode := "finalize"
	if cfg.Backfill.IncrementalPackWrite {
		mode = "incremental"
	}
	result := &Result{
		Code:           exitcode.OK,
		Reason:         "ok",
		QueueTotal:     len(queue),
		Remaining:      len(pending),
		RequestedMax:   requested,
		EffectiveMax:   effectiveMax,
		HardCap:        hardCap,
		PackWriteMode:  mode,
		CheckpointPath: cpStore.Path(),
		Packs:          []packs.Info{},
		UpdatedIDs:     []string{},
	}

	if !cfg.Backfill.Enabled || len(pending) == 0 || cfg.Offline || e.provider == nil {
		return result, nil
	}

	bufferCap := cfg.Backfill.IncrementalFlushEvery
	if bufferCap < cfg.Packs.MaxPackSymbols {
		bufferCap = cfg.Packs.MaxPackSymbols * 2
	}
	writer := packs.NewWriter(packs.Options{
		RootDir:     cfg.Paths.DataRoot,
		RunID:       runID,
		MaxSymbols:  cfg.Packs.MaxPackSymbols,
		Incremental: cfg.Backfill.IncrementalPackWrite,
		BufferCap:   bufferCap,
		Resolve:     func(cid string) *domain.RegistryRecord { return byID[cid] },
		OnPack:      func(packs.Info) { e.counters.AddPack() },
	})

	runQueue := pending
	if effectiveMax >= 0 && len(runQueue) > effectiveMax {
		runQueue = runQueue[:effectiveMax]
	}

	concurrency := cfg.RateLimit.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	checkpointEvery := cfg.Backfill.CheckpointEverySymbol
	if checkpointEvery < 1 {
		checkpointEvery = cfg.Resume.CheckpointEverySymbols
	}
	if checkpointEvery < 1 {
		checkpointEvery = 1000
	}

	var (
		processed       int
		fetchedWithData int
		consumed        int
		apiLimitStop    bool
		throttleStop    bool
		retryTail       []string
		updatedSet      = map[string]bool{}
	)
	nextCheckpointAt := checkpointEvery

	saveCheckpoint := func(pendingLeft []string) error {
		doc := &checkpoint.Doc{
			RunID:          runID,
			QueueHash:      queueHash,
			SymbolsDone:    sortedKeys(done),
			SymbolsPending: append([]string{}, pendingLeft...),
			FailCounts:     copyCounts(failCounts),
			UpdatedAt:      e.now().UTC().Format(time.RFC3339),
		}
		return cpStore.Save(doc)
	}

	for consumed < len(runQueue) && !e.tracker.Exhausted() {
		batchSize := concurrency
		if left := len(runQueue) - consumed; batchSize > left {
			batchSize = left
		}
		batchIDs := runQueue[consumed : consumed+batchSize]
		outcomes := make([]fetchOutcome, len(batchIDs))

		var wg sync.WaitGroup
		for i, cid := range batchIDs {
			rec := byID[cid]
			if rec == nil {
				outcomes[i] = fetchOutcome{cid: cid}
				continue
			}
			wg.Add(1)
			go func(i int, cid string, rec *domain.RegistryRecord) {
				defer wg.Done()
				res, ferr := e.provider.FetchDailyBars(ctx, rec.Symbol, rec.Exchange, cfg.Backfill.FromDate, "")
				if ferr != nil {
					outcomes[i] = fetchOutcome{cid: cid, rec: rec, err: ferr, attempts: ingestor.AttemptsOf(ferr)}
					return
				}
				outcomes[i] = fetchOutcome{cid: cid, rec: rec, bars: res.Bars, attempts: res.Attempts}
			}(i, cid, rec)
		}
		wg.Wait()

		batchAttempts := 0
		deadCalls := 0
		for _, o := range outcomes {
			batchAttempts += o.attempts
			if len(o.bars) == 0 {
				deadCalls += o.attempts
			}
		}
		e.counters.AddCalls(batchAttempts, deadCalls)
		if cerr := e.tracker.Charge("backfill_batch", batchAttempts); cerr != nil {
			e.logger.Printf("[backfill] budget charge failed: %v", cerr)
		}

		for _, o := range outcomes {
			processed++
			consumed++
			if o.rec == nil {
				continue
			}
			if ingestor.IsDailyLimit(o.err) {
				apiLimitStop = true
			} else if ingestor.IsRateLimited(o.err) {
				throttleStop = true
			}

			if len(o.bars) > 0 {
				fetchedWithData++
				done[o.cid] = true
				delete(failCounts, o.cid)
				applyBars(o.rec, o.bars)
				updatedSet[o.cid] = true
				e.counters.AddSymbols(1, 1)
				if werr := writer.Add(o.rec, o.bars); werr != nil {
					return nil, werr
				}
				if e.sink != nil {
					if serr := e.sink.ArchiveBars(ctx, o.cid, o.bars); serr != nil {
						e.logger.Printf("[backfill] bar archive failed for %s: %v", o.cid, serr)
					}
				}
			} else {
				e.counters.AddSymbols(1, 0)
				n := failCounts[o.cid] + 1
				if n >= cfg.Backfill.MaxEmptyRetries {
					// Exhausted retries: mark permanently done this run.
					done[o.cid] = true
					delete(failCounts, o.cid)
				} else {
					failCounts[o.cid] = n
					retryTail = append(retryTail, o.cid)
				}
			}
		}

		if apiLimitStop || throttleStop {
			break
		}
		if processed >= nextCheckpointAt {
			if err := saveCheckpoint(pending[consumed:]); err != nil {
				return nil, err
			}
			nextCheckpointAt += checkpointEvery
		}
	}

	pending = pending[consumed:]
	if len(retryTail) > 0 {
		inPending := map[string]bool{}
		for _, cid := range pending {
			inPending[cid] = true
		}
		for _, cid := range retryTail {
			if !queueSet[cid] || done[cid] || inPending[cid] {
				continue
			}
			pending = append(pending, cid)
			inPending[cid] = true
		}
	}

	budgetStopped := false
	switch {
	case apiLimitStop:
		result.Reason = "api_limit_reached_402"
		budgetStopped = true
		if lerr := budget.WriteAPILimitLock(cfg.Paths.StateDir, runID, result.Reason, e.now()); lerr != nil {
			e.logger.Printf("[backfill] api limit lock write failed: %v", lerr)
		}
	case throttleStop:
		result.Reason = "api_rate_limited_429"
		budgetStopped = true
	case e.tracker.Exhausted() && len(pending) > 0:
		result.Reason = "budget_cap_reached"
		budgetStopped = true
	}

	if err := saveCheckpoint(pending); err != nil {
		return nil, err
	}
	if err := writer.Finalize(); err != nil {
		return nil, err
	}
	manifestPath := filepath.Join(cfg.Paths.DataRoot, "manifests", "packs_manifest.json")
	if err := writer.WriteManifest(manifestPath, runID, e.now()); err != nil {
		return nil, err
	}

	result.ProcessedSymbols = processed
	result.FetchedSymbols = fetchedWithData
	result.Remaining = len(pending)
	result.Packs = writer.Packs()
	result.UpdatedIDs = sortedKeys(updatedSet)
	result.BudgetStopped = budgetStopped
	switch {
	case throttleStop:
		result.Code = exitcode.APIThrottle
	case budgetStopped:
		result.Code = exitcode.BudgetStop
	}
	e.logger.Printf("[backfill] processed=%d fetched=%d remaining=%d packs=%d reason=%s",
		processed, fetchedWithData, len(pending), len(result.Packs), result.Reason)
	return result, nil
}

// applyBars folds a fetched history into the record and raises its
// quality basis to verified.
func applyBars(rec *domain.RegistryRecord, bars []domain.Bar) {
	last := bars[len(bars)-1]
	if last.Date != "" {
		rec.LastTradeDate = last.Date
	}
	rec.BarsCount = len(bars)

	tail10 := tail(bars, 10)
	tail30 := tail(bars, 30)
	rec.AvgVolume10D = avgVolume(tail10)
	rec.AvgVolume30D = avgVolume(tail30)
	rec.RecentCloses = rec.RecentCloses[:0]
	rec.RecentVolumes = rec.RecentVolumes[:0]
	for _, b := range tail10 {
		rec.RecentCloses = append(rec.RecentCloses, b.Close)
		rec.RecentVolumes = append(rec.RecentVolumes, b.Volume)
	}
	rec.QualityBasis = domain.BasisReal
}

func tail(bars []domain.Bar, n int) []domain.Bar {
	if len(bars) <= n {
		return bars
	}
	return bars[len(bars)-n:]
}

func avgVolume(bars []domain.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bars {
		sum += b.Volume
	}
	return sum / float64(len(bars))
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
