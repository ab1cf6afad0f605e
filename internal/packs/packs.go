// Package packs writes full-history bar sets as chunked gzip archives
// grouped by (exchange, first-letter bucket), updates record pointers and
// emits the run manifest.
package packs

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"eod-universe/internal/domain"
	"eod-universe/internal/fsatomic"
)

// SymbolBars is one symbol's full history in a pack.
type SymbolBars struct {
	CanonicalID string       `json:"canonical_id"`
	Bars        []domain.Bar `json:"bars"`
}

// Info describes one written pack chunk.
type Info struct {
	Rel         string `json:"rel"`
	SHA         string `json:"sha"`
	Exchange    string `json:"exchange"`
	Bucket      string `json:"bucket"`
	Symbols     int    `json:"symbols"`
	SymbolGroup string `json:"symbol_group"`
}

// Manifest lists every pack a run produced.
type Manifest struct {
	Schema      string `json:"schema"`
	GeneratedAt string `json:"generated_at"`
	RunID       string `json:"run_id"`
	PackCount   int    `json:"pack_count"`
	Packs       []Info `json:"packs"`
}

var runTagRe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// GroupKey buckets a record by exchange and leading symbol letter.
func GroupKey(rec *domain.RegistryRecord) string {
	exchange := strings.ToUpper(rec.Exchange)
	if exchange == "" {
		exchange = "UNK"
	}
	bucket := "other"
	if rec.Symbol != "" {
		bucket = strings.ToLower(rec.Symbol[:1])
	}
	return exchange + "/" + bucket
}

type groupState struct {
	packIdx int
	rows    []SymbolBars
}

// Options configures a Writer.
type Options struct {
	// RootDir is the mirror root the history/ tree lives under.
	RootDir string
	// RunID tags pack filenames.
	RunID string
	// MaxSymbols caps symbols per chunk.
	MaxSymbols int
	// Incremental flushes full chunks as symbols arrive instead of
	// buffering everything until Finalize.
	Incremental bool
	// BufferCap force-flushes all groups once this many symbols are
	// buffered, bounding memory in incremental mode.
	BufferCap int
	// Resolve maps a canonical id back to its registry record for
	// pointer updates. Required.
	Resolve func(cid string) *domain.RegistryRecord
	// OnPack is called after each chunk is written.
	OnPack func(Info)
}

// Writer accumulates symbol histories and writes pack chunks.
type Writer struct {
	opts     Options
	runTag   string
	groups   map[string]*groupState
	buffered int
	packs    []Info
}

// NewWriter builds a Writer.
func NewWriter(opts Options) *Writer {
	if opts.MaxSymbols < 1 {
		opts.MaxSymbols = 1
	}
	if opts.BufferCap < opts.MaxSymbols {
		opts.BufferCap = opts.MaxSymbols * 2
	}
	runTag := runTagRe.ReplaceAllString(opts.RunID, "")
	if runTag == "" {
		runTag = "run"
	}
	return &Writer{opts: opts, runTag: runTag, groups: map[string]*groupState{}}
}

// Add buffers one symbol's bars. In incremental mode full chunks are
// written immediately and the whole buffer is force-flushed once it
// reaches the cap.
func (w *Writer) Add(rec *domain.RegistryRecord, bars []domain.Bar) error {
	key := GroupKey(rec)
	state := w.groups[key]
	if state == nil {
		state = &groupState{packIdx: 1}
		w.groups[key] = state
	}
	state.rows = append(state.rows, SymbolBars{CanonicalID: rec.CanonicalIDField, Bars: bars})
	w.buffered++

	if !w.opts.Incremental {
		return nil
	}
	if len(state.rows) >= w.opts.MaxSymbols {
		if err := w.flushGroup(key, false); err != nil {
			return err
		}
	}
	if w.buffered >= w.opts.BufferCap {
		return w.Finalize()
	}
	return nil
}

// Finalize flushes every remaining buffered symbol.
func (w *Writer) Finalize() error {
	keys := make([]string, 0, len(w.groups))
	for key := range w.groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := w.flushGroup(key, true); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) flushGroup(key string, force bool) error {
	state := w.groups[key]
	if state == nil || len(state.rows) == 0 {
		return nil
	}
	parts := strings.SplitN(key, "/", 2)
	exchange, bucket := parts[0], parts[1]

	prefix := "run"
	if w.opts.Incremental {
		prefix = "inc"
	}

	for len(state.rows) > 0 && (force || len(state.rows) >= w.opts.MaxSymbols) {
		take := w.opts.MaxSymbols
		if take > len(state.rows) {
			take = len(state.rows)
		}
		chunk := make([]SymbolBars, take)
		copy(chunk, state.rows[:take])
		state.rows = state.rows[take:]
		sort.Slice(chunk, func(i, j int) bool { return chunk[i].CanonicalID < chunk[j].CanonicalID })

		var rel, abs string
		for {
			packID := fmt.Sprintf("%s_%s_%04d", prefix, w.runTag, state.packIdx)
			rel = filepath.Join("history", exchange, bucket, packID+".ndjson.gz")
			abs = filepath.Join(w.opts.RootDir, rel)
			if _, err := os.Stat(abs); os.IsNotExist(err) {
				break
			}
			state.packIdx++
		}
		sha, err := fsatomic.WriteNDJSONGzAtomic(abs, chunk)
		if err != nil {
			return fmt.Errorf("write pack %s: %w", rel, err)
		}
		state.packIdx++
		w.buffered -= len(chunk)
		if w.buffered < 0 {
			w.buffered = 0
		}

		symbolGroup := chunk[0].CanonicalID + ".." + chunk[len(chunk)-1].CanonicalID
		info := Info{
			Rel:         filepath.ToSlash(rel),
			SHA:         sha,
			Exchange:    exchange,
			Bucket:      bucket,
			Symbols:     len(chunk),
			SymbolGroup: symbolGroup,
		}
		w.packs = append(w.packs, info)
		if w.opts.OnPack != nil {
			w.opts.OnPack(info)
		}

		for _, row := range chunk {
			rec := w.opts.Resolve(row.CanonicalID)
			if rec == nil {
				continue
			}
			rec.Pointers.HistoryPack = info.Rel
			rec.Pointers.PackSHA256 = "sha256:" + sha
			rec.Pointers.SymbolGroup = symbolGroup
		}
	}
	return nil
}

// Packs returns every chunk written so far.
func (w *Writer) Packs() []Info { return w.packs }

// WriteManifest persists the run's pack list.
func (w *Writer) WriteManifest(path, runID string, now time.Time) error {
	m := Manifest{
		Schema:      "universe_packs_manifest_v1",
		GeneratedAt: now.UTC().Format(time.RFC3339),
		RunID:       runID,
		PackCount:   len(w.packs),
		Packs:       w.packs,
	}
	if m.Packs == nil {
		m.Packs = []Info{}
	}
	return fsatomic.WriteJSONAtomic(path, m)
}
