// Package checkpoint persists hash-verified backfill queue progress so a
// stopped run resumes exactly where it left off.
package checkpoint

import (
	"errors"
	"fmt"
	"os"

	"eod-universe/internal/fsatomic"
)

const docSchema = "universe_backfill_checkpoint_v1"

// ErrInvalid marks a checkpoint whose self-hash does not verify while
// hash verification is required. Callers must treat it as a hard failure.
var ErrInvalid = errors.New("checkpoint invalid")

// Doc is the durable queue-progress record.
type Doc struct {
	Schema         string         `json:"schema"`
	RunID          string         `json:"run_id"`
	QueueHash      string         `json:"queue_hash"`
	SymbolsDone    []string       `json:"symbols_done"`
	SymbolsPending []string       `json:"symbols_pending"`
	FailCounts     map[string]int `json:"fail_counts"`
	UpdatedAt      string         `json:"updated_at,omitempty"`
	CheckpointHash string         `json:"checkpoint_hash"`
}

// hashable is the doc without its own hash field.
func (d *Doc) hashable() map[string]any {
	return map[string]any{
		"schema":          d.Schema,
		"run_id":          d.RunID,
		"queue_hash":      d.QueueHash,
		"symbols_done":    d.SymbolsDone,
		"symbols_pending": d.SymbolsPending,
		"fail_counts":     d.FailCounts,
	}
}

// Seal computes and sets the self-hash.
func (d *Doc) Seal() error {
	h, err := fsatomic.ContentHash(d.hashable())
	if err != nil {
		return fmt.Errorf("seal checkpoint: %w", err)
	}
	d.CheckpointHash = h
	return nil
}

// Verify recomputes the self-hash and compares.
func (d *Doc) Verify() (bool, error) {
	h, err := fsatomic.ContentHash(d.hashable())
	if err != nil {
		return false, err
	}
	return h == d.CheckpointHash, nil
}

// DoneSet returns symbols_done as a set.
func (d *Doc) DoneSet() map[string]bool {
	out := make(map[string]bool, len(d.SymbolsDone))
	for _, id := range d.SymbolsDone {
		out[id] = true
	}
	return out
}

// Store reads and writes checkpoint docs at a fixed path.
type Store struct {
	path        string
	requireHash bool
}

// NewStore builds a Store. When requireHash is set, a doc that fails
// self-hash verification is ErrInvalid rather than rebuilt.
func NewStore(path string, requireHash bool) *Store {
	return &Store{path: path, requireHash: requireHash}
}

// Path returns the backing file location.
func (s *Store) Path() string { return s.path }

// Load reads the checkpoint. A missing file returns (nil, nil). A doc
// with a bad self-hash returns ErrInvalid when hash verification is
// required, otherwise the doc is returned with its hash cleared so the
// caller rebuilds pending from scratch.
func (s *Store) Load() (*Doc, error) {
	var doc Doc
	err := fsatomic.ReadJSON(s.path, &doc)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		if s.requireHash {
			return nil, fmt.Errorf("%w: unreadable: %v", ErrInvalid, err)
		}
		return nil, nil
	}
	if doc.Schema != docSchema {
		if s.requireHash {
			return nil, fmt.Errorf("%w: schema %q", ErrInvalid, doc.Schema)
		}
		return nil, nil
	}
	ok, verr := doc.Verify()
	if verr != nil {
		return nil, verr
	}
	if !ok {
		if s.requireHash {
			return nil, fmt.Errorf("%w: checkpoint_hash mismatch", ErrInvalid)
		}
		doc.CheckpointHash = ""
	}
	if doc.FailCounts == nil {
		doc.FailCounts = map[string]int{}
	}
	return &doc, nil
}

// Save seals and writes the doc atomically.
func (s *Store) Save(doc *Doc) error {
	doc.Schema = docSchema
	if doc.FailCounts == nil {
		doc.FailCounts = map[string]int{}
	}
	if doc.SymbolsDone == nil {
		doc.SymbolsDone = []string{}
	}
	if doc.SymbolsPending == nil {
		doc.SymbolsPending = []string{}
	}
	if err := doc.Seal(); err != nil {
		return err
	}
	return fsatomic.WriteJSONAtomic(s.path, doc)
}
