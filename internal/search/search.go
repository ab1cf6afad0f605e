// Package search builds the published lookup surfaces: a ranked global
// top list, prefix-sharded symbol buckets, an exact-symbol index, and
// paginated per-feature read models. Consumers fetch these artifacts
// directly, so every file is a small self-describing gzip JSON chunk.
package search

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"eod-universe/internal/config"
	"eod-universe/internal/domain"
	"eod-universe/internal/fsatomic"
)

const (
	globalTopK      = 2000
	bucketMaxItems  = 1000
	bucketMaxDepth  = 3
	previewMaxItems = 1000
	minFeatureItems = 100
	minPageSize     = 20
	maxPageSize     = 500
	defaultPageSize = 100
)

var featureMaxItems = map[string]int{
	"marketphase": 12000,
	"scientific":  10000,
	"forecast":    5000,
}

// Item is one instrument row in a search artifact.
type Item struct {
	CanonicalID   string              `json:"canonical_id"`
	Symbol        string              `json:"symbol"`
	Name          string              `json:"name"`
	TypeNorm      domain.TypeNorm     `json:"type_norm"`
	Layer         domain.Layer        `json:"layer"`
	Score         *int                `json:"score_0_100"`
	BarsCount     int                 `json:"bars_count"`
	AvgVolume30D  float64             `json:"avg_volume_30d"`
	LastTradeDate string              `json:"last_trade_date"`
	QualityBasis  domain.QualityBasis `json:"quality_basis"`
	VariantsCount int                 `json:"variants_count,omitempty"`
}

func itemOf(rec *domain.RegistryRecord) Item {
	return Item{
		CanonicalID:   rec.CanonicalIDField,
		Symbol:        rec.Symbol,
		Name:          rec.Name,
		TypeNorm:      rec.TypeNorm,
		Layer:         rec.Computed.Layer,
		Score:         rec.Computed.Score,
		BarsCount:     rec.BarsCount,
		AvgVolume30D:  rec.AvgVolume30D,
		LastTradeDate: rec.LastTradeDate,
		QualityBasis:  rec.QualityBasis,
	}
}

func scoreOr0(p *int) float64 {
	if p == nil {
		return 0
	}
	return float64(*p)
}

// rankScore blends eligibility score with a log-scaled liquidity term.
func rankScore(rec *domain.RegistryRecord) float64 {
	elig := scoreOr0(rec.Computed.Score) / 100
	avg30 := math.Max(1, rec.AvgVolume30D)
	return 0.6*elig + 0.3*(math.Log10(avg30)/10)
}

// Rank orders records best-first: blended rank score, then raw score,
// then 30-day volume, then canonical id for determinism.
func Rank(records []domain.RegistryRecord) []domain.RegistryRecord {
	ranked := make([]domain.RegistryRecord, len(records))
	copy(ranked, records)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := &ranked[i], &ranked[j]
		if as, bs := rankScore(a), rankScore(b); as != bs {
			return as > bs
		}
		if as, bs := scoreOr0(a.Computed.Score), scoreOr0(b.Computed.Score); as != bs {
			return as > bs
		}
		if a.AvgVolume30D != b.AvgVolume30D {
			return a.AvgVolume30D > b.AvgVolume30D
		}
		return a.CanonicalIDField < b.CanonicalIDField
	})
	return ranked
}

func layerRank(l domain.Layer) int {
	switch l {
	case domain.LayerLegacyCore:
		return 5
	case domain.LayerFull:
		return 4
	case domain.LayerPartial:
		return 3
	case domain.LayerMinimal:
		return 2
	}
	return 1
}

func basisRank(b domain.QualityBasis) int {
	switch b {
	case domain.BasisReal:
		return 3
	case domain.BasisDailyBulk:
		return 2
	case domain.BasisEstimate:
		return 1
	}
	return 0
}

func dateScore(raw string) int64 {
	if len(raw) > 10 {
		raw = raw[:10]
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// betterExact reports whether a beats b as the canonical row for a
// symbol shared by several listings.
func betterExact(a, b *Item) bool {
	if lr := layerRank(a.Layer) - layerRank(b.Layer); lr != 0 {
		return lr > 0
	}
	if q := basisRank(a.QualityBasis) - basisRank(b.QualityBasis); q != 0 {
		return q > 0
	}
	if d := dateScore(a.LastTradeDate) - dateScore(b.LastTradeDate); d != 0 {
		return d > 0
	}
	if a.BarsCount != b.BarsCount {
		return a.BarsCount > b.BarsCount
	}
	if as, bs := scoreOr0(a.Score), scoreOr0(b.Score); as != bs {
		return as > bs
	}
	if a.AvgVolume30D != b.AvgVolume30D {
		return a.AvgVolume30D > b.AvgVolume30D
	}
	return a.CanonicalID < b.CanonicalID
}

func prefixChar(symbol string, depth int) string {
	s := strings.ToLower(symbol)
	if depth < len(s) {
		return string(s[depth])
	}
	return "_"
}

// buildPrefixBuckets shards items by lowercased symbol prefix, splitting
// oversized shards one character deeper up to bucketMaxDepth.
func buildPrefixBuckets(items []Item) map[string][]Item {
	out := make(map[string][]Item)

	var split func(prefix string, subset []Item, depth int)
	split = func(prefix string, subset []Item, depth int) {
		if len(subset) <= bucketMaxItems || depth >= bucketMaxDepth {
			if prefix == "" {
				prefix = "_"
			}
			out[prefix] = subset
			return
		}
		groups := make(map[string][]Item)
		for _, it := range subset {
			k := prefixChar(it.Symbol, depth)
			groups[k] = append(groups[k], it)
		}
		for k, v := range groups {
			split(prefix+k, v, depth+1)
		}
	}

	root := make(map[string][]Item)
	for _, it := range items {
		k := prefixChar(it.Symbol, 0)
		root[k] = append(root[k], it)
	}
	for k, subset := range root {
		split(k, subset, 1)
	}
	return out
}

// Eligibility marks which downstream features a layer qualifies for.
type Eligibility struct {
	Analyzer    bool `json:"analyzer"`
	Forecast    bool `json:"forecast"`
	MarketPhase bool `json:"marketphase"`
	Scientific  bool `json:"scientific"`
}

func eligibilityFromLayer(l domain.Layer) Eligibility {
	core := l == domain.LayerLegacyCore
	return Eligibility{
		Analyzer:    core || l == domain.LayerFull || l == domain.LayerPartial,
		Forecast:    core || l == domain.LayerFull,
		MarketPhase: core || l == domain.LayerFull || l == domain.LayerPartial || l == domain.LayerMinimal,
		Scientific:  core || l == domain.LayerFull || l == domain.LayerPartial,
	}
}

func (e Eligibility) has(feature string) bool {
	switch feature {
	case "analyzer":
		return e.Analyzer
	case "forecast":
		return e.Forecast
	case "marketphase":
		return e.MarketPhase
	case "scientific":
		return e.Scientific
	}
	return false
}

// FeatureRow is one instrument in a feature read model.
type FeatureRow struct {
	CanonicalID string          `json:"canonical_id"`
	Symbol      string          `json:"symbol"`
	Name        string          `json:"name"`
	TypeNorm    domain.TypeNorm `json:"type_norm"`
	Layer       domain.Layer    `json:"layer"`
	Score       *int            `json:"score_0_100"`
	Eligibility Eligibility     `json:"eligibility"`
}

type topDoc struct {
	Schema      string `json:"schema"`
	GeneratedAt string `json:"generated_at"`
	Items       []Item `json:"items"`
}

type bucketDoc struct {
	Schema string `json:"schema"`
	Prefix string `json:"prefix"`
	Count  int    `json:"count"`
	Items  []Item `json:"items"`
}

type bucketRef struct {
	Count  int    `json:"count"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

type manifestDoc struct {
	Schema      string               `json:"schema"`
	GeneratedAt string               `json:"generated_at"`
	Buckets     map[string]bucketRef `json:"buckets"`
}

type exactDoc struct {
	Schema      string              `json:"schema"`
	GeneratedAt string              `json:"generated_at"`
	Count       int                 `json:"count"`
	BySymbol    map[string]Item     `json:"by_symbol"`
	ByPrefix1   map[string][]string `json:"by_prefix_1"`
}

type featureTopDoc struct {
	Schema        string         `json:"schema"`
	GeneratedAt   string         `json:"generated_at"`
	TotalItems    int            `json:"total_items"`
	EligibleTotal int            `json:"eligible_total_items"`
	PreviewItems  int            `json:"preview_items"`
	PageSize      int            `json:"page_size"`
	TotalPages    int            `json:"total_pages"`
	ByTypeNorm    map[string]int `json:"by_type_norm"`
	ByLayer       map[string]int `json:"by_layer"`
	Items         []FeatureRow   `json:"items"`
}

type featurePageDoc struct {
	Schema        string       `json:"schema"`
	Page          int          `json:"page"`
	PageSize      int          `json:"page_size"`
	TotalPages    int          `json:"total_pages"`
	TotalItems    int          `json:"total_items"`
	EligibleTotal int          `json:"eligible_total_items"`
	Items         []FeatureRow `json:"items"`
}

// Build writes all search and read-model artifacts under runDir.
func Build(records []domain.RegistryRecord, cfg *config.Config, runDir string, now time.Time) error {
	nowISO := now.UTC().Format(time.RFC3339)
	searchDir := filepath.Join(runDir, "search")
	ranked := Rank(records)

	items := make([]Item, len(ranked))
	for i := range ranked {
		items[i] = itemOf(&ranked[i])
	}

	top := items
	if len(top) > globalTopK {
		top = top[:globalTopK]
	}
	if _, err := fsatomic.WriteGzipJSONAtomic(filepath.Join(searchDir, "search_global_top_2000.json.gz"), topDoc{
		Schema:      "universe_search_top_v1",
		GeneratedAt: nowISO,
		Items:       top,
	}); err != nil {
		return fmt.Errorf("write global top: %w", err)
	}

	manifest := manifestDoc{
		Schema:      "universe_search_manifest_v1",
		GeneratedAt: nowISO,
		Buckets:     make(map[string]bucketRef),
	}
	for prefix, rows := range buildPrefixBuckets(items) {
		rel := filepath.Join("search", "buckets", prefix+".json.gz")
		if _, err := fsatomic.WriteGzipJSONAtomic(filepath.Join(runDir, rel), bucketDoc{
			Schema: "universe_search_bucket_v1",
			Prefix: prefix,
			Count:  len(rows),
			Items:  rows,
		}); err != nil {
			return fmt.Errorf("write bucket %s: %w", prefix, err)
		}
		hash, err := fsatomic.ContentHash(rows)
		if err != nil {
			return fmt.Errorf("hash bucket %s: %w", prefix, err)
		}
		manifest.Buckets[prefix] = bucketRef{Count: len(rows), Path: rel, SHA256: hash}
	}
	if err := fsatomic.WriteJSONAtomic(filepath.Join(searchDir, "search_index_manifest.json"), manifest); err != nil {
		return fmt.Errorf("write search manifest: %w", err)
	}

	if err := writeExactIndex(items, searchDir, nowISO); err != nil {
		return err
	}
	return writeReadModels(ranked, cfg, runDir, nowISO)
}

func writeExactIndex(items []Item, searchDir, nowISO string) error {
	type best struct {
		item     Item
		variants int
	}
	bySymbol := make(map[string]*best)
	for _, it := range items {
		symbol := domain.NormalizeTicker(it.Symbol)
		if symbol == "" {
			continue
		}
		it.Symbol = symbol
		cur, ok := bySymbol[symbol]
		if !ok {
			bySymbol[symbol] = &best{item: it, variants: 1}
			continue
		}
		cur.variants++
		if betterExact(&it, &cur.item) {
			cur.item = it
		}
	}

	doc := exactDoc{
		Schema:      "universe_search_exact_index_v1",
		GeneratedAt: nowISO,
		Count:       len(bySymbol),
		BySymbol:    make(map[string]Item, len(bySymbol)),
		ByPrefix1:   make(map[string][]string),
	}
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		entry := bySymbol[s]
		row := entry.item
		row.VariantsCount = entry.variants
		doc.BySymbol[s] = row
		p1 := prefixChar(s, 0)
		doc.ByPrefix1[p1] = append(doc.ByPrefix1[p1], s)
	}
	if _, err := fsatomic.WriteGzipJSONAtomic(filepath.Join(searchDir, "search_exact_by_symbol.json.gz"), doc); err != nil {
		return fmt.Errorf("write exact index: %w", err)
	}
	return nil
}

func writeReadModels(ranked []domain.RegistryRecord, cfg *config.Config, runDir, nowISO string) error {
	readDir := filepath.Join(runDir, "read_models")

	rows := make([]FeatureRow, len(ranked))
	for i := range ranked {
		rec := &ranked[i]
		rows[i] = FeatureRow{
			CanonicalID: rec.CanonicalIDField,
			Symbol:      rec.Symbol,
			Name:        rec.Name,
			TypeNorm:    domain.CoerceTypeNorm(rec.TypeNorm),
			Layer:       rec.Computed.Layer,
			Score:       rec.Computed.Score,
			Eligibility: eligibilityFromLayer(rec.Computed.Layer),
		}
	}

	pageSize := cfg.Search.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize < minPageSize {
		pageSize = minPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	for _, feature := range []string{"marketphase", "scientific", "forecast"} {
		maxItems := featureMaxItems[feature]
		if maxItems < minFeatureItems {
			maxItems = minFeatureItems
		}
		var eligible []FeatureRow
		for _, row := range rows {
			if row.Eligibility.has(feature) {
				eligible = append(eligible, row)
			}
		}
		featureRows := eligible
		if len(featureRows) > maxItems {
			featureRows = featureRows[:maxItems]
		}
		preview := featureRows
		if len(preview) > previewMaxItems {
			preview = preview[:previewMaxItems]
		}
		totalPages := (len(featureRows) + pageSize - 1) / pageSize

		byType := make(map[string]int)
		byLayer := make(map[string]int)
		for _, row := range featureRows {
			byType[string(row.TypeNorm)]++
			layer := string(row.Layer)
			if layer == "" {
				layer = "UNKNOWN"
			}
			byLayer[layer]++
		}

		if _, err := fsatomic.WriteGzipJSONAtomic(filepath.Join(readDir, feature+"_top.json.gz"), featureTopDoc{
			Schema:        fmt.Sprintf("universe_%s_top_v1", feature),
			GeneratedAt:   nowISO,
			TotalItems:    len(featureRows),
			EligibleTotal: len(eligible),
			PreviewItems:  len(preview),
			PageSize:      pageSize,
			TotalPages:    totalPages,
			ByTypeNorm:    byType,
			ByLayer:       byLayer,
			Items:         preview,
		}); err != nil {
			return fmt.Errorf("write %s top: %w", feature, err)
		}

		pagesDir := filepath.Join(readDir, feature+"_pages")
		for i := 0; i < totalPages; i++ {
			start := i * pageSize
			end := start + pageSize
			if end > len(featureRows) {
				end = len(featureRows)
			}
			if _, err := fsatomic.WriteGzipJSONAtomic(filepath.Join(pagesDir, fmt.Sprintf("page_%03d.json.gz", i)), featurePageDoc{
				Schema:        fmt.Sprintf("universe_%s_page_v1", feature),
				Page:          i,
				PageSize:      pageSize,
				TotalPages:    totalPages,
				TotalItems:    len(featureRows),
				EligibleTotal: len(eligible),
				Items:         featureRows[start:end],
			}); err != nil {
				return fmt.Errorf("write %s page %d: %w", feature, i, err)
			}
		}
	}
	return nil
}
