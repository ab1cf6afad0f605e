package budget

import (
	"os"
	"path/filepath"
	"time"

	"eod-universe/internal/fsatomic"
)

// APILimitLock is the dated hard stop written when the provider answers
// 402. Further backfill is refused until the date rolls over or the
// operator overrides.
type APILimitLock struct {
	Schema   string `json:"schema"`
	Day      string `json:"day"`
	RunID    string `json:"run_id"`
	Reason   string `json:"reason"`
	SetAt    string `json:"set_at"`
}

func apiLockPath(stateDir string) string {
	return filepath.Join(stateDir, "api_limit_lock.json")
}

// WriteAPILimitLock records a daily-limit stop for today.
func WriteAPILimitLock(stateDir, runID, reason string, now time.Time) error {
	lock := APILimitLock{
		Schema: "universe_api_limit_lock_v1",
		Day:    now.UTC().Format("2006-01-02"),
		RunID:  runID,
		Reason: reason,
		SetAt:  now.UTC().Format(time.RFC3339),
	}
	return fsatomic.WriteJSONAtomic(apiLockPath(stateDir), lock)
}

// ReadAPILimitLock returns the lock if one is set for today, else nil.
// Locks from prior days are ignored.
func ReadAPILimitLock(stateDir string, now time.Time) (*APILimitLock, error) {
	var lock APILimitLock
	err := fsatomic.ReadJSON(apiLockPath(stateDir), &lock)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if lock.Day != now.UTC().Format("2006-01-02") {
		return nil, nil
	}
	return &lock, nil
}
