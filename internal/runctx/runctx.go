// Package runctx carries per-run identity, counters and paths through
// every pipeline phase, replacing ambient global state.
package runctx

import (
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"eod-universe/internal/config"
	"eod-universe/internal/fsatomic"
)

// NewRunID builds a sortable run identifier.
func NewRunID(now time.Time) string {
	ts := now.UTC().Format("20060102T150405")
	frag := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("u7_%s_%s", ts, frag)
}

// Counters aggregates per-run totals. Safe for concurrent use.
type Counters struct {
	mu               sync.Mutex
	CallsTotal       int
	DeadCalls        int
	SymbolsProcessed int
	SymbolsIngested  int
	PacksWritten     int
	EligibleGained   int
}

// AddCalls records delta provider call attempts, dead of which yielded
// no usable rows.
func (c *Counters) AddCalls(delta, dead int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallsTotal += delta
	c.DeadCalls += dead
}

func (c *Counters) AddSymbols(processed, ingested int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SymbolsProcessed += processed
	c.SymbolsIngested += ingested
}

func (c *Counters) AddPack() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PacksWritten++
}

func (c *Counters) AddEligible(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EligibleGained += n
}

// Snapshot returns a copy for reporting.
func (c *Counters) Snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CounterSnapshot{
		CallsTotal:       c.CallsTotal,
		DeadCalls:        c.DeadCalls,
		SymbolsProcessed: c.SymbolsProcessed,
		SymbolsIngested:  c.SymbolsIngested,
		PacksWritten:     c.PacksWritten,
		EligibleGained:   c.EligibleGained,
	}
}

type CounterSnapshot struct {
	CallsTotal       int `json:"calls_total"`
	DeadCalls        int `json:"dead_calls"`
	SymbolsProcessed int `json:"symbols_processed"`
	SymbolsIngested  int `json:"symbols_ingested"`
	PacksWritten     int `json:"packs_written"`
	EligibleGained   int `json:"eligible_gained"`
}

// RunContext is threaded through every phase of a pipeline run.
type RunContext struct {
	RunID     string
	StartedAt time.Time
	Cfg       *config.Config
	Counters  *Counters

	phaseMu sync.Mutex
	phase   string
}

// New builds a RunContext for cfg with a fresh run id.
func New(cfg *config.Config) *RunContext {
	now := time.Now().UTC()
	return &RunContext{
		RunID:     NewRunID(now),
		StartedAt: now,
		Cfg:       cfg,
		Counters:  &Counters{},
	}
}

// SetPhase records the currently executing phase for forensics.
func (rc *RunContext) SetPhase(name string) {
	rc.phaseMu.Lock()
	rc.phase = name
	rc.phaseMu.Unlock()
}

// Phase returns the last phase set.
func (rc *RunContext) Phase() string {
	rc.phaseMu.Lock()
	defer rc.phaseMu.Unlock()
	return rc.phase
}

// RunDir is the per-run artifact directory.
func (rc *RunContext) RunDir() string {
	return filepath.Join(rc.Cfg.Paths.RunsDir, rc.RunID)
}

// StateDir is the cross-run durable state directory.
func (rc *RunContext) StateDir() string {
	return rc.Cfg.Paths.StateDir
}

// ReportPath joins a report filename under the run directory.
func (rc *RunContext) ReportPath(name string) string {
	return filepath.Join(rc.RunDir(), "reports", name)
}

// CrashArtifact is the best-effort forensics payload written when a run
// dies with an unexpected error.
type CrashArtifact struct {
	Schema    string          `json:"schema"`
	RunID     string          `json:"run_id"`
	Phase     string          `json:"phase"`
	Error     string          `json:"error"`
	Counters  CounterSnapshot `json:"counters"`
	StackHead string          `json:"stack_head"`
	At        string          `json:"at"`
	Extra     map[string]any  `json:"extra,omitempty"`
}

// WriteCrashArtifact persists the forensics payload. Failures are
// returned but callers treat them as best effort.
func (rc *RunContext) WriteCrashArtifact(runErr error) error {
	stack := string(debug.Stack())
	if len(stack) > 4096 {
		stack = stack[:4096]
	}
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	art := CrashArtifact{
		Schema:    "universe_crash_forensics_v1",
		RunID:     rc.RunID,
		Phase:     rc.Phase(),
		Error:     msg,
		Counters:  rc.Counters.Snapshot(),
		StackHead: stack,
		At:        time.Now().UTC().Format(time.RFC3339),
	}
	return fsatomic.WriteJSONAtomic(filepath.Join(rc.RunDir(), "crash_forensics.json"), art)
}
