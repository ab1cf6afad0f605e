package budget

import (
	"fmt"
	"sync"
)

// Tracker reconciles a run's in-process call counter with the persisted
// daily state. Every charge is persisted immediately so a crash never
// loses spent calls.
type Tracker struct {
	mu            sync.Mutex
	ledger        *Ledger
	runID         string
	dailyCap      int
	seed          int
	callsTotal    int
	lastPersisted int
	dailyCalls    int
}

// NewTracker builds a Tracker seeded from the loaded daily state.
func NewTracker(l *Ledger, runID string, dailyCap int) (*Tracker, error) {
	st, err := l.Load()
	if err != nil {
		return nil, err
	}
	return &Tracker{
		ledger:        l,
		runID:         runID,
		dailyCap:      dailyCap,
		seed:          st.DailyCalls,
		callsTotal:    st.DailyCalls,
		lastPersisted: st.DailyCalls,
		dailyCalls:    st.DailyCalls,
	}, nil
}

// Charge records attempts provider calls made during phase, persisting
// the delta and appending a ledger row.
func (t *Tracker) Charge(phase string, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callsTotal += attempts
	delta := t.callsTotal - t.lastPersisted
	if delta <= 0 {
		return nil
	}
	st, err := t.ledger.Bump(delta)
	if err != nil {
		return fmt.Errorf("persist budget for %s: %w", phase, err)
	}
	t.lastPersisted = t.callsTotal
	t.dailyCalls = st.DailyCalls
	return t.ledger.Append(LedgerRow{
		RunID:               t.runID,
		Phase:               phase,
		DeltaCalls:          delta,
		CallsTotalProcess:   t.callsTotal,
		DailyCallsPersisted: st.DailyCalls,
	})
}

// CallsTotal is the process-lifetime call count including the day's
// calls made before this run started.
func (t *Tracker) CallsTotal() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callsTotal
}

// RunCalls is the calls charged by this process alone.
func (t *Tracker) RunCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callsTotal - t.dailyStart()
}

func (t *Tracker) dailyStart() int {
	// callsTotal was seeded from the persisted daily total.
	return t.seed
}

// Exhausted reports whether the daily cap is spent.
func (t *Tracker) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dailyCap > 0 && t.callsTotal >= t.dailyCap
}

// DailyCap exposes the configured cap.
func (t *Tracker) DailyCap() int { return t.dailyCap }
