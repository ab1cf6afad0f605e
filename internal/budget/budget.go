// Package budget is the durable daily call ledger: rollover at the day
// boundary, monotone increments persisted as soon as they are known, an
// append-only calls ledger, and the kill-switch heuristics.
package budget

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"eod-universe/internal/config"
	"eod-universe/internal/fsatomic"
)

const stateSchema = "universe_budget_state_v1"

// HistoryEntry is one prior day's total.
type HistoryEntry struct {
	Day        string `json:"day"`
	DailyCalls int    `json:"daily_calls"`
	RolledAt   string `json:"rolled_at,omitempty"`
}

// State is the persisted budget document.
type State struct {
	Schema        string         `json:"schema"`
	Day           string         `json:"day"`
	DailyCalls    int            `json:"daily_calls"`
	History       []HistoryEntry `json:"history"`
	LastUpdatedAt string         `json:"last_updated_at"`
	KillSwitch    *Verdict       `json:"kill_switch"`
}

// LedgerRow is one append-only calls-ledger line.
type LedgerRow struct {
	RunID                string `json:"run_id"`
	Phase                string `json:"phase"`
	DeltaCalls           int    `json:"delta_calls"`
	CallsTotalProcess    int    `json:"calls_total_process"`
	DailyCallsPersisted  int    `json:"daily_calls_persisted"`
	At                   string `json:"at"`
}

// Ledger owns the budget state file and the NDJSON calls log.
type Ledger struct {
	statePath  string
	ledgerPath string
	now        func() time.Time
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock injects the time source, used by rollover tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger builds a Ledger rooted at stateDir.
func NewLedger(stateDir string, opts ...Option) *Ledger {
	l := &Ledger{
		statePath:  filepath.Join(stateDir, "budget_state.json"),
		ledgerPath: filepath.Join(stateDir, "budget_calls.ndjson"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// StatePath exposes the state file location for reports.
func (l *Ledger) StatePath() string { return l.statePath }

func (l *Ledger) today() string {
	return l.now().UTC().Format("2006-01-02")
}

func (l *Ledger) nowISO() string {
	return l.now().UTC().Format(time.RFC3339)
}

func emptyState(day, at string) *State {
	return &State{Schema: stateSchema, Day: day, History: []HistoryEntry{}, LastUpdatedAt: at}
}

// Load reads the state, creating or rolling it over if the day changed.
// Rollover moves the finished day into history, capped at 90 entries,
// and clears any kill-switch verdict.
func (l *Ledger) Load() (*State, error) {
	day := l.today()
	var st State
	err := fsatomic.ReadJSON(l.statePath, &st)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load budget state: %w", err)
		}
		fresh := emptyState(day, l.nowISO())
		if err := fsatomic.WriteJSONAtomic(l.statePath, fresh); err != nil {
			return nil, err
		}
		return fresh, nil
	}
	if st.Day == day {
		return &st, nil
	}
	rolled := st
	rolled.History = append(append([]HistoryEntry{}, st.History...), HistoryEntry{
		Day:        st.Day,
		DailyCalls: st.DailyCalls,
		RolledAt:   l.nowISO(),
	})
	if len(rolled.History) > 90 {
		rolled.History = rolled.History[len(rolled.History)-90:]
	}
	rolled.Day = day
	rolled.DailyCalls = 0
	rolled.KillSwitch = nil
	rolled.LastUpdatedAt = l.nowISO()
	if err := fsatomic.WriteJSONAtomic(l.statePath, &rolled); err != nil {
		return nil, err
	}
	return &rolled, nil
}

// Bump adds delta calls to today's total and persists immediately.
// Negative deltas are ignored; the daily counter only moves up.
func (l *Ledger) Bump(delta int) (*State, error) {
	st, err := l.Load()
	if err != nil {
		return nil, err
	}
	if delta > 0 {
		st.DailyCalls += delta
	}
	st.LastUpdatedAt = l.nowISO()
	if err := fsatomic.WriteJSONAtomic(l.statePath, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Append writes one calls-ledger row.
func (l *Ledger) Append(row LedgerRow) error {
	row.At = l.nowISO()
	return fsatomic.AppendNDJSON(l.ledgerPath, row)
}

// RunStats are the per-run efficiency proxies the kill switches judge.
type RunStats struct {
	RunCalls            int     `json:"run_calls"`
	IngestibleGainRatio float64 `json:"ingestible_gain_ratio"`
	EligibleGainRatio   float64 `json:"eligible_gain_ratio"`
	DeadCallsRatio      float64 `json:"dead_calls_ratio"`
}

// Kill is one triggered switch.
type Kill struct {
	Type                string  `json:"type"`
	SlopePct            float64 `json:"slope_pct,omitempty"`
	RunCallsRatio       float64 `json:"run_calls_ratio,omitempty"`
	IngestibleGainRatio float64 `json:"ingestible_gain_ratio,omitempty"`
	EligibleGainRatio   float64 `json:"eligible_gain_ratio,omitempty"`
	DeadCallsRatio      float64 `json:"dead_calls_ratio,omitempty"`
	Threshold           float64 `json:"threshold"`
}

// Verdict is the kill-switch evaluation result.
type Verdict struct {
	Avg7Calls  float64 `json:"avg7_calls"`
	Slope7Pct  float64 `json:"slope7_pct"`
	Kills      []Kill  `json:"kills"`
	EvaluatedAt string `json:"evaluated_at,omitempty"`
}

// Triggered reports whether any switch fired.
func (v *Verdict) Triggered() bool { return v != nil && len(v.Kills) > 0 }

// EvaluateKillSwitch applies the trend, burst and waste heuristics to the
// call history and this run's efficiency ratios. Any triggered switch is
// a hard stop for the caller.
func EvaluateKillSwitch(st *State, cfg *config.Config, stats RunStats) *Verdict {
	recent := make([]float64, 0, 7)
	hist := st.History
	if len(hist) > 7 {
		hist = hist[len(hist)-7:]
	}
	for _, h := range hist {
		recent = append(recent, float64(h.DailyCalls))
	}
	avgSrc := recent
	if len(avgSrc) == 0 {
		avgSrc = []float64{float64(st.DailyCalls)}
	}
	avg7 := mean(avgSrc)

	var trendBase, slopePct float64
	if len(recent) >= 2 {
		trendBase = recent[0]
		slopePct = (recent[len(recent)-1] - recent[0]) / math.Max(100, trendBase) * 100
	}

	sw := cfg.Budget.KillSwitches
	v := &Verdict{
		Avg7Calls: round2(avg7),
		Slope7Pct: round2(slopePct),
	}

	if sw.Trend.Enabled {
		minHistory := sw.Trend.MinHistoryDays
		if minHistory < 2 {
			minHistory = 2
		}
		eligible := len(recent) >= minHistory && trendBase >= sw.Trend.MinBaselineCalls
		if eligible && slopePct > sw.Trend.SlopePctThreshold {
			v.Kills = append(v.Kills, Kill{
				Type:      "trend_kill",
				SlopePct:  round4(slopePct),
				Threshold: sw.Trend.SlopePctThreshold,
			})
		}
	}

	dailyCap := float64(cfg.Budget.DailyCapCalls)
	if sw.Burst.Enabled && dailyCap > 0 {
		runRatio := float64(stats.RunCalls) / dailyCap
		if runRatio > sw.Burst.RunCallsCapRatioThresh &&
			stats.IngestibleGainRatio < sw.Burst.MinIngestibleGainRatio &&
			stats.EligibleGainRatio < sw.Burst.MinEligibleGainRatio {
			v.Kills = append(v.Kills, Kill{
				Type:                "burst_kill",
				RunCallsRatio:       round4(runRatio),
				Threshold:           sw.Burst.RunCallsCapRatioThresh,
				IngestibleGainRatio: stats.IngestibleGainRatio,
				EligibleGainRatio:   stats.EligibleGainRatio,
			})
		}
	}

	if sw.Waste.Enabled && stats.DeadCallsRatio > sw.Waste.DeadCallsRatioThreshold {
		v.Kills = append(v.Kills, Kill{
			Type:           "waste_kill",
			DeadCallsRatio: round4(stats.DeadCallsRatio),
			Threshold:      sw.Waste.DeadCallsRatioThreshold,
		})
	}
	return v
}

// RecordVerdict persists a triggered verdict onto the state file so the
// next preflight sees it.
func (l *Ledger) RecordVerdict(v *Verdict) error {
	st, err := l.Load()
	if err != nil {
		return err
	}
	v.EvaluatedAt = l.nowISO()
	st.KillSwitch = v
	st.LastUpdatedAt = l.nowISO()
	return fsatomic.WriteJSONAtomic(l.statePath, st)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func round2(x float64) float64 { return math.Round(x*100) / 100 }
func round4(x float64) float64 { return math.Round(x*10000) / 10000 }
