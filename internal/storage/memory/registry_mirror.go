// Package memory provides in-memory storage implementations for tests
// and offline runs.
package memory

import (
	"context"
	"sync"

	"eod-universe/internal/domain"
	"eod-universe/internal/storage"
)

// RegistryMirror implements storage.RegistryMirror in memory.
type RegistryMirror struct {
	mu      sync.RWMutex
	records map[string]domain.RegistryRecord
	runs    []storage.RunHistory
}

// NewRegistryMirror creates a new in-memory RegistryMirror.
func NewRegistryMirror() *RegistryMirror {
	return &RegistryMirror{records: make(map[string]domain.RegistryRecord)}
}

// Compile-time interface check.
var _ storage.RegistryMirror = (*RegistryMirror)(nil)

// UpsertRecords writes the records, replacing prior rows per canonical id.
func (m *RegistryMirror) UpsertRecords(_ context.Context, runID string, records []domain.RegistryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range records {
		rec := records[i]
		rec.Meta.RunID = runID
		m.records[rec.CanonicalIDField] = rec
	}
	return nil
}

// GetRecord retrieves one record. Returns ErrNotFound if absent.
func (m *RegistryMirror) GetRecord(_ context.Context, canonicalID string) (*domain.RegistryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[canonicalID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := rec
	return &out, nil
}

// InsertRunHistory appends one run outcome row.
func (m *RegistryMirror) InsertRunHistory(_ context.Context, run *storage.RunHistory) error {
	if run == nil || run.RunID == "" {
		return storage.ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, *run)
	return nil
}

// Runs returns a copy of the recorded run history rows.
func (m *RegistryMirror) Runs() []storage.RunHistory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]storage.RunHistory, len(m.runs))
	copy(out, m.runs)
	return out
}

// Len reports the mirrored record count.
func (m *RegistryMirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
