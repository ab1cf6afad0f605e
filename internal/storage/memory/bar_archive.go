package memory

import (
	"context"
	"sync"

	"eod-universe/internal/domain"
	"eod-universe/internal/storage"
)

// BarArchive implements storage.BarArchive in memory.
type BarArchive struct {
	mu   sync.RWMutex
	bars map[string][]domain.Bar
}

// NewBarArchive creates a new in-memory BarArchive.
func NewBarArchive() *BarArchive {
	return &BarArchive{bars: make(map[string][]domain.Bar)}
}

// Compile-time interface check.
var _ storage.BarArchive = (*BarArchive)(nil)

// ArchiveBars stores the bar history for one instrument, replacing any
// prior archive for the same id.
func (a *BarArchive) ArchiveBars(_ context.Context, canonicalID string, bars []domain.Bar) error {
	if canonicalID == "" {
		return storage.ErrInvalidInput
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Bar, len(bars))
	copy(out, bars)
	a.bars[canonicalID] = out
	return nil
}

// Bars returns the archived history for one instrument.
func (a *BarArchive) Bars(canonicalID string) []domain.Bar {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]domain.Bar, len(a.bars[canonicalID]))
	copy(out, a.bars[canonicalID])
	return out
}
