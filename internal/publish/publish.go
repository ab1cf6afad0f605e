package publish

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"eod-universe/internal/exitcode"
	"eod-universe/internal/fsatomic"
	"eod-universe/internal/lock"
)

const lockTTL = 10 * time.Minute

type intentDoc struct {
	Schema      string `json:"schema"`
	RunID       string `json:"run_id"`
	GeneratedAt string `json:"generated_at"`
	SourceDir   string `json:"source_dir"`
	TargetDir   string `json:"target_dir"`
	IntentHash  string `json:"intent_hash"`
}

type completeDoc struct {
	Schema      string `json:"schema"`
	RunID       string `json:"run_id"`
	CompletedAt string `json:"completed_at"`
	PublishDir  string `json:"publish_dir"`
	IntentRef   string `json:"intent_ref"`
}

// Publisher promotes a staged payload into the live directory.
type Publisher struct {
	liveDir  string
	lockPath string
	logger   *log.Logger
	now      func() time.Time
}

// New builds a Publisher. The lock lives in stateDir so concurrent
// publishers across processes exclude each other.
func New(liveDir, stateDir string, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.New(os.Stderr, "[publish] ", log.LstdFlags|log.LUTC)
	}
	return &Publisher{
		liveDir:  liveDir,
		lockPath: filepath.Join(stateDir, "publish.lock"),
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the publisher's clock. Test hook.
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	p.now = now
	return p
}

// Promote swaps sourceDir into the live directory: write intent, take
// the publish lock, move live aside, move the payload in, write the
// completion marker, then drop the backup. Any failure after the live
// tree moved restores it before returning.
func (p *Publisher) Promote(sourceDir, runID string) error {
	if !fsatomic.DirExists(sourceDir) {
		return exitcode.Stop(exitcode.PartialPublish, "publish source missing")
	}

	intentPath := filepath.Join(filepath.Dir(sourceDir), "publish_intent.json")
	intentHash, err := fsatomic.ContentHash(map[string]string{
		"run_id": runID, "source_dir": sourceDir, "target_dir": p.liveDir,
	})
	if err != nil {
		return fmt.Errorf("intent hash: %w", err)
	}
	if err := fsatomic.WriteJSONAtomic(intentPath, intentDoc{
		Schema:      "universe_publish_intent_v1",
		RunID:       runID,
		GeneratedAt: p.now().UTC().Format(time.RFC3339),
		SourceDir:   sourceDir,
		TargetDir:   p.liveDir,
		IntentHash:  intentHash,
	}); err != nil {
		return fmt.Errorf("write publish intent: %w", err)
	}

	l, err := lock.Acquire(p.lockPath, runID, lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return exitcode.Stop(exitcode.PartialPublish, "PUBLISH_LOCK_HELD")
		}
		return fmt.Errorf("publish lock: %w", err)
	}
	defer l.Release()

	backupDir := p.liveDir + ".__prev"
	if err := os.RemoveAll(backupDir); err != nil {
		return fmt.Errorf("clear backup: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.liveDir), 0o755); err != nil {
		return err
	}

	targetExists := fsatomic.DirExists(p.liveDir)
	if targetExists {
		if err := os.Rename(p.liveDir, backupDir); err != nil {
			return exitcode.Stop(exitcode.PartialPublish, fmt.Sprintf("move live aside: %v", err))
		}
	}

	if err := os.Rename(sourceDir, p.liveDir); err != nil {
		if targetExists && fsatomic.DirExists(backupDir) {
			if rerr := os.Rename(backupDir, p.liveDir); rerr != nil {
				p.logger.Printf("restore after failed swap: %v", rerr)
			}
		}
		return exitcode.Stop(exitcode.PartialPublish, fmt.Sprintf("swap payload: %v", err))
	}

	if err := fsatomic.WriteJSONAtomic(filepath.Join(p.liveDir, "publish_complete.json"), completeDoc{
		Schema:      "universe_publish_complete_v1",
		RunID:       runID,
		CompletedAt: p.now().UTC().Format(time.RFC3339),
		PublishDir:  p.liveDir,
		IntentRef:   intentPath,
	}); err != nil {
		return exitcode.Stop(exitcode.PartialPublish, fmt.Sprintf("write completion marker: %v", err))
	}

	if err := os.RemoveAll(backupDir); err != nil {
		p.logger.Printf("drop backup: %v", err)
	}
	p.logger.Printf("published run %s to %s", runID, p.liveDir)
	return nil
}
