// Package lock implements an exclusive file lock with owner-PID liveness
// and TTL expiry, shared by the run lock and the publish lock.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"eod-universe/internal/fsatomic"
)

// ErrHeld is returned when a live lock is already in place.
var ErrHeld = errors.New("lock already held")

type doc struct {
	Schema     string `json:"schema"`
	Owner      string `json:"owner"`
	PID        int    `json:"pid"`
	AcquiredAt string `json:"acquired_at"`
	RenewedAt  string `json:"renewed_at"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// Lock is a held file lock. Release must be called exactly once.
type Lock struct {
	path  string
	owner string
	ttl   time.Duration
}

// Acquire takes the lock at path, failing fast with ErrHeld if a live
// holder exists. A lock whose PID is dead or whose TTL elapsed is stale
// and is reclaimed.
func Acquire(path, owner string, ttl time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			l := &Lock{path: path, owner: owner, ttl: ttl}
			data, merr := json.MarshalIndent(l.doc(time.Now().UTC(), time.Now().UTC()), "", "  ")
			if merr != nil {
				f.Close()
				os.Remove(path)
				return nil, merr
			}
			if _, werr := f.Write(data); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("write lock %s: %w", path, werr)
			}
			if cerr := f.Close(); cerr != nil {
				os.Remove(path)
				return nil, cerr
			}
			return l, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock %s: %w", path, err)
		}
		stale, serr := isStale(path)
		if serr != nil {
			return nil, serr
		}
		if !stale {
			return nil, fmt.Errorf("%s: %w", path, ErrHeld)
		}
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("reclaim stale lock %s: %w", path, rerr)
		}
	}
	return nil, fmt.Errorf("%s: %w", path, ErrHeld)
}

func (l *Lock) doc(acquired, renewed time.Time) doc {
	return doc{
		Schema:     "universe_lock_v1",
		Owner:      l.owner,
		PID:        os.Getpid(),
		AcquiredAt: acquired.Format(time.RFC3339),
		RenewedAt:  renewed.Format(time.RFC3339),
		TTLSeconds: int(l.ttl.Seconds()),
	}
}

// Renew refreshes the TTL window. The holder must still own the file.
func (l *Lock) Renew() error {
	var cur doc
	if err := fsatomic.ReadJSON(l.path, &cur); err != nil {
		return fmt.Errorf("renew lock %s: %w", l.path, err)
	}
	if cur.PID != os.Getpid() {
		return fmt.Errorf("renew lock %s: owned by pid %d", l.path, cur.PID)
	}
	acquired, _ := time.Parse(time.RFC3339, cur.AcquiredAt)
	return fsatomic.WriteJSONAtomic(l.path, l.doc(acquired, time.Now().UTC()))
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}

func isStale(path string) (bool, error) {
	var cur doc
	if err := fsatomic.ReadJSON(path, &cur); err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		// Unparseable lock files are treated as stale debris.
		var jsonErr *json.SyntaxError
		if errors.As(err, &jsonErr) {
			return true, nil
		}
		return false, err
	}
	if cur.PID > 0 && !pidAlive(cur.PID) {
		return true, nil
	}
	renewed, err := time.Parse(time.RFC3339, cur.RenewedAt)
	if err != nil {
		renewed, err = time.Parse(time.RFC3339, cur.AcquiredAt)
		if err != nil {
			return true, nil
		}
	}
	ttl := time.Duration(cur.TTLSeconds) * time.Second
	if ttl > 0 && time.Since(renewed) > ttl {
		return true, nil
	}
	return false, nil
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
