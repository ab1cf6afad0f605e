package discovery

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eod-universe/internal/budget"
	"eod-universe/internal/config"
	"eod-universe/internal/domain"
	"eod-universe/internal/fsatomic"
	"eod-universe/internal/ingestor"
)

type fakeDiscoveryProvider struct {
	exchanges    []domain.Exchange
	exchangesErr error
	symbols      map[string][]ingestor.SymbolRow
	symbolCalls  []string
	symbolErrs   map[string]error
}

func (f *fakeDiscoveryProvider) FetchExchanges(_ context.Context) (*ingestor.ExchangesResult, error) {
	if f.exchangesErr != nil {
		return nil, f.exchangesErr
	}
	return &ingestor.ExchangesResult{Attempts: 1, Rows: f.exchanges}, nil
}

func (f *fakeDiscoveryProvider) FetchExchangeSymbols(_ context.Context, exchangeCode string) (*ingestor.SymbolsResult, error) {
	f.symbolCalls = append(f.symbolCalls, exchangeCode)
	if err := f.symbolErrs[exchangeCode]; err != nil {
		return nil, err
	}
	return &ingestor.SymbolsResult{Attempts: 1, Rows: f.symbols[exchangeCode]}, nil
}

func discoveryConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StateDir = filepath.Join(root, "state")
	cfg.Paths.LegacySeedFile = filepath.Join(root, "seed.json")
	cfg.NetworkAllowed = true
	return cfg
}

func testDiscoverer(t *testing.T, cfg *config.Config, p Provider) *Discoverer {
	t.Helper()
	ledger := budget.NewLedger(cfg.Paths.StateDir, budget.WithClock(func() time.Time {
		return time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	}))
	tracker, err := budget.NewTracker(ledger, "run-1", cfg.Budget.DailyCapCalls)
	require.NoError(t, err)
	return New(Options{Provider: p, Tracker: tracker, Cfg: cfg, Logger: log.New(io.Discard, "", 0)})
}

func writeSeed(t *testing.T, path string, rows []SeedRow) {
	t.Helper()
	require.NoError(t, fsatomic.WriteJSONAtomic(path, rows))
}

func TestRunSeedOnlyOffline(t *testing.T) {
	cfg := discoveryConfig(t)
	cfg.Offline = true
	writeSeed(t, cfg.Paths.LegacySeedFile, []SeedRow{
		{Ticker: "aapl", Name: "Apple"},
		{Symbol: "MSFT"},
		{Ticker: "  "},
	})

	res, err := testDiscoverer(t, cfg, &fakeDiscoveryProvider{}).Run(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.True(t, res.Summary.SkipNetwork)
	assert.Equal(t, 2, res.Summary.DiscoveredCount)

	// Sorted by canonical id.
	assert.Equal(t, "US:AAPL", res.Rows[0].CanonicalID)
	assert.Equal(t, "US:MSFT", res.Rows[1].CanonicalID)
	assert.Equal(t, domain.SourceLegacyUniverse, res.Rows[0].Source)
	assert.Equal(t, "Apple", res.Rows[0].Name)
	assert.True(t, fsatomic.FileExists(res.File))
}

func TestRunFullExchangeOverridesSeed(t *testing.T) {
	cfg := discoveryConfig(t)
	writeSeed(t, cfg.Paths.LegacySeedFile, []SeedRow{{Ticker: "AAPL"}})
	p := &fakeDiscoveryProvider{
		exchanges: []domain.Exchange{{Code: "US", MIC: "XNAS", Currency: "USD", Country: "US"}},
		symbols: map[string][]ingestor.SymbolRow{
			"US": {
				{Symbol: "AAPL", ProviderSymbol: "aapl.us", Name: "Apple Inc", TypeNorm: domain.TypeStock},
				{Symbol: "SPY", TypeNorm: domain.TypeETF},
			},
		},
	}

	res, err := testDiscoverer(t, cfg, p).Run(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)

	var aapl domain.DiscoveryRow
	for _, row := range res.Rows {
		if row.CanonicalID == "US:AAPL" {
			aapl = row
		}
	}
	assert.Equal(t, domain.SourceFullExchange, aapl.Source, "full discovery wins over the seed placeholder")
	assert.Equal(t, "Apple Inc", aapl.Name)
	assert.Equal(t, "AAPL.US", aapl.ProviderSymbol)
	assert.Equal(t, "USD", aapl.Currency, "exchange currency backfills the row")
	assert.Equal(t, 2, res.Summary.FullDiscoveryCalls)
}

func TestRunShadowModeLimitsExchanges(t *testing.T) {
	cfg := discoveryConfig(t)
	cfg.Discovery.IncludeLegacySeed = false
	cfg.Discovery.ShadowExchangeLim = 2
	p := &fakeDiscoveryProvider{
		exchanges: []domain.Exchange{{Code: "US"}, {Code: "LSE"}, {Code: "TO"}},
	}

	_, err := testDiscoverer(t, cfg, p).Run(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"US", "LSE"}, p.symbolCalls)
}

func TestRunExchangeListFailureIsSoft(t *testing.T) {
	cfg := discoveryConfig(t)
	writeSeed(t, cfg.Paths.LegacySeedFile, []SeedRow{{Ticker: "AAPL"}})
	p := &fakeDiscoveryProvider{
		exchangesErr: &ingestor.APIError{Status: 500, Attempts: 3},
	}

	res, err := testDiscoverer(t, cfg, p).Run(context.Background(), t.TempDir())
	require.NoError(t, err, "seed still flows when enumeration fails")
	assert.Len(t, res.Rows, 1)
	assert.NotEmpty(t, res.Summary.FullDiscoveryError)
	assert.Equal(t, 3, res.Summary.FullDiscoveryCalls)
}

func TestRunSymbolFailureSkipsExchange(t *testing.T) {
	cfg := discoveryConfig(t)
	cfg.Discovery.IncludeLegacySeed = false
	p := &fakeDiscoveryProvider{
		exchanges:  []domain.Exchange{{Code: "LSE"}, {Code: "US"}},
		symbolErrs: map[string]error{"LSE": &ingestor.APIError{Status: 500, Attempts: 1}},
		symbols: map[string][]ingestor.SymbolRow{
			"US": {{Symbol: "AAPL", TypeNorm: domain.TypeStock}},
		},
	}

	res, err := testDiscoverer(t, cfg, p).Run(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "US:AAPL", res.Rows[0].CanonicalID)
	assert.Equal(t, []string{"LSE", "US"}, p.symbolCalls)
}

func TestRunExchangeDenylist(t *testing.T) {
	cfg := discoveryConfig(t)
	cfg.Discovery.IncludeLegacySeed = false
	cfg.Discovery.ExchangeDenylist = []string{"PINK"}
	p := &fakeDiscoveryProvider{
		exchanges: []domain.Exchange{{Code: "US"}, {Code: "PINK"}},
		symbols:   map[string][]ingestor.SymbolRow{"US": {{Symbol: "AAPL"}}},
	}

	_, err := testDiscoverer(t, cfg, p).Run(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"US"}, p.symbolCalls)
}

func TestFromRegistrySnapshot(t *testing.T) {
	dir := t.TempDir()
	snapshotPath := filepath.Join(dir, "registry.snapshot.json.gz")
	_, err := fsatomic.WriteGzipJSONAtomic(snapshotPath, map[string]any{
		"records": []domain.RegistryRecord{
			{CanonicalIDField: "us:msft", Symbol: "msft", Exchange: "us", TypeNorm: domain.TypeStock},
			{CanonicalIDField: "us:aapl", Symbol: "aapl", Exchange: "us", TypeNorm: domain.TypeStock},
			{CanonicalIDField: "", Symbol: "broken", Exchange: "us"},
		},
	})
	require.NoError(t, err)

	res, err := FromRegistrySnapshot(snapshotPath, filepath.Join(dir, "run"))
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "US:AAPL", res.Rows[0].CanonicalID)
	assert.Equal(t, domain.SourceCachedRegistry, res.Rows[0].Source)
	assert.True(t, res.Summary.SkipNetwork)
	assert.Equal(t, 1, res.Summary.ExchangesSeen)
}

func TestFromRegistrySnapshotMissingFile(t *testing.T) {
	_, err := FromRegistrySnapshot(filepath.Join(t.TempDir(), "nope.json.gz"), t.TempDir())
	assert.Error(t, err)
}

func TestLoadCoreSet(t *testing.T) {
	got, err := LoadCoreSet(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, got)

	path := filepath.Join(t.TempDir(), "legacy_core_contract.json")
	require.NoError(t, fsatomic.WriteJSONAtomic(path, map[string]any{
		"legacy_sets": map[string]any{
			"universe_tickers": []string{"aapl", " msft ", ""},
		},
	}))
	got, err = LoadCoreSet(path)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.True(t, got["US:AAPL"])
	assert.True(t, got["US:MSFT"])
}

func TestLoadSeedMissingFile(t *testing.T) {
	rows, err := LoadSeed(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Nil(t, rows)
}
