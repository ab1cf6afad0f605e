package backfill

import (
	"fmt"
	"sort"
	"strings"

	"eod-universe/internal/config"
	"eod-universe/internal/domain"
	"eod-universe/internal/fsatomic"
)

var defaultTypePriority = []string{"STOCK", "ETF", "FUND", "INDEX", "FOREX", "CRYPTO", "BOND", "OTHER"}

// typePriorityIndex maps type names to their queue rank, unknown types
// last.
func typePriorityIndex(configured []string) map[string]int {
	src := configured
	if len(src) == 0 {
		src = defaultTypePriority
	}
	out := map[string]int{}
	for i, t := range src {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := out[t]; !ok {
			out[t] = i
		}
	}
	return out
}

// QueueInput is everything queue construction considers.
type QueueInput struct {
	Records   []domain.RegistryRecord
	CoreSet   map[string]bool
	Cfg       *config.Config
	Waived    map[string]bool
	Canonical map[string]bool // nil means no canonical filter
}

// BuildQueue filters and orders the backfill queue, returning the ordered
// canonical ids and their content hash. The sort puts the configured type
// priority first, then core ids, then unverified history, then the
// neediest by bar count, with a lexical tie-break.
func BuildQueue(in QueueInput) ([]string, string, error) {
	cfg := in.Cfg
	var typeAllow map[string]bool
	if len(cfg.Backfill.TypeAllowlist) > 0 {
		typeAllow = map[string]bool{}
		for _, t := range cfg.Backfill.TypeAllowlist {
			typeAllow[strings.ToUpper(t)] = true
		}
	}
	deny := map[string]bool{}
	for _, id := range cfg.Backfill.Denylist {
		deny[strings.ToUpper(id)] = true
	}
	exchangeDeny := map[string]bool{}
	for _, code := range cfg.Discovery.ExchangeDenylist {
		exchangeDeny[strings.ToUpper(code)] = true
	}

	priority := typePriorityIndex(cfg.Backfill.TypePriority)

	type entry struct {
		id    string
		tRank int
		core  int
		real  int
		bars  int
	}
	var entries []entry
	for i := range in.Records {
		rec := &in.Records[i]
		id := strings.ToUpper(rec.CanonicalIDField)
		if id == "" || in.Waived[id] || deny[id] {
			continue
		}
		if in.Canonical != nil && !in.Canonical[id] {
			continue
		}
		if exchangeDeny[strings.ToUpper(rec.Exchange)] {
			continue
		}
		tn := string(domain.CoerceTypeNorm(rec.TypeNorm))
		if typeAllow != nil && !typeAllow[tn] {
			continue
		}
		rank, ok := priority[tn]
		if !ok {
			rank = 99
		}
		core := 1
		if in.CoreSet[id] {
			core = 0
		}
		real := 0
		if rec.QualityBasis == domain.BasisReal {
			real = 1
		}
		entries = append(entries, entry{id: id, tRank: rank, core: core, real: real, bars: rec.BarsCount})
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.tRank != b.tRank {
			return a.tRank < b.tRank
		}
		if a.core != b.core {
			return a.core < b.core
		}
		if a.real != b.real {
			return a.real < b.real
		}
		if a.bars != b.bars {
			return a.bars < b.bars
		}
		return a.id < b.id
	})

	queue := make([]string, len(entries))
	for i, e := range entries {
		queue[i] = e.id
	}
	hash, err := fsatomic.ContentHash(queue)
	if err != nil {
		return nil, "", fmt.Errorf("hash queue: %w", err)
	}
	return queue, hash, nil
}

// LoadWaivers reads the waiver file and returns the active waived id set.
func LoadWaivers(path string) (map[string]bool, error) {
	out := map[string]bool{}
	if path == "" || !fsatomic.FileExists(path) {
		return out, nil
	}
	var rows []domain.Waiver
	if err := fsatomic.ReadJSON(path, &rows); err != nil {
		return nil, fmt.Errorf("load waivers: %w", err)
	}
	for _, w := range rows {
		if !w.Active || w.CanonicalID == "" {
			continue
		}
		out[strings.ToUpper(w.CanonicalID)] = true
	}
	return out, nil
}

// ParseCanonicalAllowlist parses the canonical-allowlist override: either
// a comma-separated id list or "@path" to a JSON or NDJSON file of ids.
// Returns nil when the input is empty or unreadable.
func ParseCanonicalAllowlist(raw string) map[string]bool {
	txt := strings.TrimSpace(raw)
	if txt == "" {
		return nil
	}
	out := map[string]bool{}
	if strings.HasPrefix(txt, "@") {
		path := strings.TrimSpace(txt[1:])
		if path == "" {
			return nil
		}
		if strings.HasSuffix(path, ".ndjson") || strings.HasSuffix(path, ".ndjson.gz") {
			read := fsatomic.ReadNDJSON
			if strings.HasSuffix(path, ".gz") {
				read = fsatomic.ReadNDJSONGz
			}
			err := read(path, func(line []byte) error {
				id := strings.ToUpper(strings.Trim(strings.TrimSpace(string(line)), `"`))
				if id != "" {
					out[id] = true
				}
				return nil
			})
			if err != nil || len(out) == 0 {
				return nil
			}
			return out
		}
		var ids []string
		if err := fsatomic.ReadJSON(path, &ids); err != nil {
			return nil
		}
		for _, id := range ids {
			id = strings.ToUpper(strings.TrimSpace(id))
			if id != "" {
				out[id] = true
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	for _, token := range strings.Split(txt, ",") {
		id := strings.ToUpper(strings.TrimSpace(token))
		if id != "" {
			out[id] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
