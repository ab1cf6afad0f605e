// Package storage defines the optional durable backends behind the
// pipeline: a queryable registry mirror and a bars archive. Both are
// best-effort; the filesystem artifacts remain the source of truth.
package storage

import (
	"context"
	"time"

	"eod-universe/internal/domain"
)

// RunHistory is one pipeline run's outcome row.
type RunHistory struct {
	RunID          string
	Mode           string
	StartedAt      time.Time
	FinishedAt     time.Time
	ExitCode       int
	Reason         string
	CallsUsed      int
	SymbolsFetched int
	PacksWritten   int
	RecordCount    int
}

// RegistryMirror mirrors the final registry into a queryable store.
type RegistryMirror interface {
	// UpsertRecords writes the scored registry records, replacing prior
	// rows per canonical id.
	UpsertRecords(ctx context.Context, runID string, records []domain.RegistryRecord) error

	// GetRecord retrieves one mirrored record. Returns ErrNotFound if absent.
	GetRecord(ctx context.Context, canonicalID string) (*domain.RegistryRecord, error)

	// InsertRunHistory appends one run outcome row.
	InsertRunHistory(ctx context.Context, run *RunHistory) error
}

// BarArchive receives every fetched bar set for long-term storage.
type BarArchive interface {
	// ArchiveBars stores the full bar history fetched for one instrument.
	ArchiveBars(ctx context.Context, canonicalID string, bars []domain.Bar) error
}
