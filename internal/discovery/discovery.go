// Package discovery produces the candidate instrument set for a run:
// the legacy seed plus freshly enumerated exchanges, bounded by run mode.
package discovery

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"

	"eod-universe/internal/budget"
	"eod-universe/internal/config"
	"eod-universe/internal/domain"
	"eod-universe/internal/fsatomic"
	"eod-universe/internal/ingestor"
)

// Provider is the slice of the ingestor client discovery needs.
type Provider interface {
	FetchExchanges(ctx context.Context) (*ingestor.ExchangesResult, error)
	FetchExchangeSymbols(ctx context.Context, exchangeCode string) (*ingestor.SymbolsResult, error)
}

// Summary describes one discovery pass for the run report.
type Summary struct {
	DiscoveredCount    int            `json:"discovered_count"`
	ExchangesSeen      int            `json:"exchanges_seen"`
	ByExchange         map[string]int `json:"by_exchange"`
	FullDiscoveryCalls int            `json:"full_discovery_calls"`
	ExchangesFetched   []string       `json:"exchanges_fetched"`
	RunMode            string         `json:"run_mode"`
	SkipNetwork        bool           `json:"skip_network"`
	FullDiscoveryError string         `json:"full_discovery_error,omitempty"`
}

// Result is the deduplicated candidate set plus its artifact path.
type Result struct {
	Rows    []domain.DiscoveryRow
	File    string
	Summary Summary
}

// Discoverer runs the discovery phase.
type Discoverer struct {
	provider Provider
	tracker  *budget.Tracker
	cfg      *config.Config
	logger   *log.Logger
}

// Options configures a Discoverer. Provider may be nil when the run is
// offline.
type Options struct {
	Provider Provider
	Tracker  *budget.Tracker
	Cfg      *config.Config
	Logger   *log.Logger
}

func New(opts Options) *Discoverer {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Discoverer{
		provider: opts.Provider,
		tracker:  opts.Tracker,
		cfg:      opts.Cfg,
		logger:   logger,
	}
}

// SeedRow is one legacy seed instrument. The seed file is a JSON array
// of these.
type SeedRow struct {
	Ticker string `json:"ticker"`
	Symbol string `json:"symbol,omitempty"`
	Name   string `json:"name,omitempty"`
}

func (s SeedRow) ticker() string {
	if s.Ticker != "" {
		return s.Ticker
	}
	return s.Symbol
}

// LoadSeed reads the legacy seed file. Missing file means empty seed.
func LoadSeed(path string) ([]SeedRow, error) {
	if path == "" || !fsatomic.FileExists(path) {
		return nil, nil
	}
	var rows []SeedRow
	if err := fsatomic.ReadJSON(path, &rows); err != nil {
		return nil, fmt.Errorf("load legacy seed: %w", err)
	}
	return rows, nil
}

// Run builds the candidate set. Every provider call is charged to the
// budget, including failed attempts.
func (d *Discoverer) Run(ctx context.Context, runDir string) (*Result, error) {
	cfg := d.cfg
	var discovered []domain.DiscoveryRow
	byExchange := map[string]int{}

	if cfg.Discovery.IncludeLegacySeed {
		seed, err := LoadSeed(cfg.Paths.LegacySeedFile)
		if err != nil {
			return nil, err
		}
		for _, row := range seed {
			symbol := domain.NormalizeTicker(row.ticker())
			if symbol == "" {
				continue
			}
			discovered = append(discovered, domain.DiscoveryRow{
				CanonicalID:    domain.CanonicalID("US", symbol),
				Symbol:         symbol,
				Exchange:       "US",
				MIC:            "US",
				ProviderSymbol: symbol + ".US",
				Name:           strings.TrimSpace(row.Name),
				TypeNorm:       domain.TypeStock,
				Currency:       "USD",
				Country:        "US",
				Source:         domain.SourceLegacyUniverse,
			})
			byExchange["US"]++
		}
		d.logger.Printf("[discovery] legacy seed rows=%d", len(discovered))
	}

	summary := Summary{
		ByExchange:  byExchange,
		RunMode:     cfg.Mode,
		SkipNetwork: cfg.Offline || !cfg.NetworkAllowed,
	}

	if !summary.SkipNetwork && d.provider != nil {
		d.enumerateExchanges(ctx, &discovered, byExchange, &summary)
	}

	unique := map[string]domain.DiscoveryRow{}
	for _, row := range discovered {
		if row.CanonicalID == "" {
			continue
		}
		prev, seen := unique[row.CanonicalID]
		if !seen {
			unique[row.CanonicalID] = row
			continue
		}
		// Full-exchange rows override legacy placeholders, never the reverse.
		if prev.Source == domain.SourceLegacyUniverse && row.Source != domain.SourceLegacyUniverse {
			unique[row.CanonicalID] = row
		}
	}
	out := make([]domain.DiscoveryRow, 0, len(unique))
	for _, row := range unique {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalID < out[j].CanonicalID })

	file := filepath.Join(runDir, "discovery", "discovered.ndjson.gz")
	if _, err := fsatomic.WriteNDJSONGzAtomic(file, out); err != nil {
		return nil, fmt.Errorf("write discovery artifact: %w", err)
	}

	summary.DiscoveredCount = len(out)
	summary.ExchangesSeen = len(byExchange)
	return &Result{Rows: out, File: file, Summary: summary}, nil
}

func (d *Discoverer) enumerateExchanges(ctx context.Context, discovered *[]domain.DiscoveryRow, byExchange map[string]int, summary *Summary) {
	cfg := d.cfg
	exResult, err := d.provider.FetchExchanges(ctx)
	if err != nil {
		attempts := ingestor.AttemptsOf(err)
		summary.FullDiscoveryCalls += attempts
		if cerr := d.tracker.Charge("discovery_exchanges_list", attempts); cerr != nil {
			d.logger.Printf("[discovery] budget charge failed: %v", cerr)
		}
		summary.FullDiscoveryError = err.Error()
		d.logger.Printf("[discovery] exchange list failed: %v", err)
		return
	}
	summary.FullDiscoveryCalls += exResult.Attempts
	if cerr := d.tracker.Charge("discovery_exchanges_list", exResult.Attempts); cerr != nil {
		d.logger.Printf("[discovery] budget charge failed: %v", cerr)
	}

	selected := exResult.Rows
	if len(cfg.Discovery.ExchangeAllowlist) > 0 {
		allow := map[string]bool{}
		for _, code := range cfg.Discovery.ExchangeAllowlist {
			allow[strings.ToUpper(code)] = true
		}
		selected = filterExchanges(selected, func(e domain.Exchange) bool { return allow[e.Code] })
	}
	if len(cfg.Discovery.ExchangeDenylist) > 0 {
		deny := map[string]bool{}
		for _, code := range cfg.Discovery.ExchangeDenylist {
			deny[strings.ToUpper(code)] = true
		}
		selected = filterExchanges(selected, func(e domain.Exchange) bool { return !deny[e.Code] })
	}

	if cfg.Mode == config.ModeShadow && cfg.Discovery.ShadowExchangeLim > 0 && len(selected) > cfg.Discovery.ShadowExchangeLim {
		selected = selected[:cfg.Discovery.ShadowExchangeLim]
	} else if cfg.Mode != config.ModeShadow && cfg.Discovery.FullExchangeLimit > 0 && len(selected) > cfg.Discovery.FullExchangeLimit {
		selected = selected[:cfg.Discovery.FullExchangeLimit]
	}

	for _, ex := range selected {
		summary.ExchangesFetched = append(summary.ExchangesFetched, ex.Code)
	}

	for _, ex := range selected {
		if d.tracker.Exhausted() {
			d.logger.Printf("[discovery] daily cap reached, stopping enumeration")
			break
		}
		symResult, err := d.provider.FetchExchangeSymbols(ctx, ex.Code)
		if err != nil {
			attempts := ingestor.AttemptsOf(err)
			summary.FullDiscoveryCalls += attempts
			if cerr := d.tracker.Charge("discovery_exchange_symbols", attempts); cerr != nil {
				d.logger.Printf("[discovery] budget charge failed: %v", cerr)
			}
			d.logger.Printf("[discovery] symbols for %s failed: %v", ex.Code, err)
			continue
		}
		summary.FullDiscoveryCalls += symResult.Attempts
		if cerr := d.tracker.Charge("discovery_exchange_symbols", symResult.Attempts); cerr != nil {
			d.logger.Printf("[discovery] budget charge failed: %v", cerr)
		}
		for _, row := range symResult.Rows {
			exCode := ex.Code
			if exCode == "" {
				exCode = ex.MIC
			}
			mic := ex.MIC
			if mic == "" {
				mic = ex.Code
			}
			currency := row.Currency
			if currency == "" {
				currency = ex.Currency
			}
			country := row.Country
			if country == "" {
				country = ex.Country
			}
			*discovered = append(*discovered, domain.DiscoveryRow{
				CanonicalID:    domain.CanonicalID(exCode, row.Symbol),
				Symbol:         row.Symbol,
				Exchange:       ex.Code,
				MIC:            mic,
				ProviderSymbol: strings.ToUpper(row.ProviderSymbol),
				Name:           row.Name,
				TypeNorm:       domain.CoerceTypeNorm(row.TypeNorm),
				Currency:       currency,
				Country:        country,
				Source:         domain.SourceFullExchange,
			})
		}
		byExchange[ex.Code] += len(symResult.Rows)
	}
}

func filterExchanges(in []domain.Exchange, keep func(domain.Exchange) bool) []domain.Exchange {
	out := in[:0:0]
	for _, e := range in {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// FromRegistrySnapshot builds discovery rows from the cached registry
// snapshot, used by fast mode to skip the network entirely.
func FromRegistrySnapshot(snapshotPath, runDir string) (*Result, error) {
	var snapshot struct {
		Records []domain.RegistryRecord `json:"records"`
	}
	if err := fsatomic.ReadGzipJSON(snapshotPath, &snapshot); err != nil {
		return nil, fmt.Errorf("load cached registry snapshot: %w", err)
	}
	byExchange := map[string]int{}
	rows := make([]domain.DiscoveryRow, 0, len(snapshot.Records))
	for _, rec := range snapshot.Records {
		if rec.CanonicalIDField == "" || rec.Symbol == "" || rec.Exchange == "" {
			continue
		}
		rows = append(rows, domain.DiscoveryRow{
			CanonicalID:    strings.ToUpper(rec.CanonicalIDField),
			Symbol:         strings.ToUpper(rec.Symbol),
			Exchange:       strings.ToUpper(rec.Exchange),
			MIC:            strings.ToUpper(rec.MIC),
			ProviderSymbol: strings.ToUpper(rec.ProviderSymbol),
			Name:           rec.Name,
			TypeNorm:       domain.CoerceTypeNorm(rec.TypeNorm),
			Currency:       rec.Currency,
			Country:        rec.Country,
			Source:         domain.SourceCachedRegistry,
		})
		byExchange[strings.ToUpper(rec.Exchange)]++
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CanonicalID < rows[j].CanonicalID })

	file := filepath.Join(runDir, "discovery", "discovered.ndjson.gz")
	if _, err := fsatomic.WriteNDJSONGzAtomic(file, rows); err != nil {
		return nil, err
	}
	return &Result{
		Rows: rows,
		File: file,
		Summary: Summary{
			DiscoveredCount: len(rows),
			ExchangesSeen:   len(byExchange),
			ByExchange:      byExchange,
			SkipNetwork:     true,
		},
	}, nil
}

// LoadCoreSet reads the protected legacy-core id set. The file is a JSON
// document with a list of tickers pinned to the US exchange.
func LoadCoreSet(path string) (map[string]bool, error) {
	out := map[string]bool{}
	if path == "" || !fsatomic.FileExists(path) {
		return out, nil
	}
	var doc struct {
		LegacySets struct {
			UniverseTickers []string `json:"universe_tickers"`
		} `json:"legacy_sets"`
	}
	if err := fsatomic.ReadJSON(path, &doc); err != nil {
		return nil, fmt.Errorf("load legacy core: %w", err)
	}
	for _, ticker := range doc.LegacySets.UniverseTickers {
		t := domain.NormalizeTicker(ticker)
		if t != "" {
			out[domain.CanonicalID("US", t)] = true
		}
	}
	return out, nil
}
