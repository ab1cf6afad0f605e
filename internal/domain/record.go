// Package domain holds the core types shared by every pipeline phase:
// registry records, discovery rows, daily bars and the layer/quality enums.
package domain

import (
	"fmt"
	"strings"
)

// TypeNorm is the normalized instrument type.
type TypeNorm string

const (
	TypeStock  TypeNorm = "STOCK"
	TypeETF    TypeNorm = "ETF"
	TypeFund   TypeNorm = "FUND"
	TypeBond   TypeNorm = "BOND"
	TypeIndex  TypeNorm = "INDEX"
	TypeForex  TypeNorm = "FOREX"
	TypeCrypto TypeNorm = "CRYPTO"
	TypeOther  TypeNorm = "OTHER"
)

// QualityBasis records the provenance of a record's history stats.
type QualityBasis string

const (
	BasisEstimate  QualityBasis = "estimate"
	BasisDailyBulk QualityBasis = "daily_bulk_estimate"
	BasisReal      QualityBasis = "backfill_real"
)

// Layer is the discrete eligibility tier.
type Layer string

const (
	LayerLegacyCore Layer = "L0_LEGACY_CORE"
	LayerFull       Layer = "L1_FULL"
	LayerPartial    Layer = "L2_PARTIAL"
	LayerMinimal    Layer = "L3_MINIMAL"
	LayerDead       Layer = "L4_DEAD"
)

// Profile groups instrument types by how their liquidity should be judged.
type Profile string

const (
	ProfileEquity Profile = "EQUITY_LIKE"
	ProfileNAV    Profile = "NAV_LIKE"
	ProfileBond   Profile = "BOND_LIKE"
	ProfileIndex  Profile = "INDEX_LIKE"
	ProfileForex  Profile = "FOREX_LIKE"
	ProfileCrypto Profile = "CRYPTO_LIKE"
)

// CanonicalID builds the stable EXCHANGE:SYMBOL identity key.
func CanonicalID(exchange, symbol string) string {
	ex := strings.ToUpper(strings.TrimSpace(exchange))
	if ex == "" {
		ex = "UNK"
	}
	return fmt.Sprintf("%s:%s", ex, strings.ToUpper(strings.TrimSpace(symbol)))
}

// NormalizeTicker uppercases and trims a raw symbol; returns "" if empty.
func NormalizeTicker(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// NormalizeType maps a provider type string plus exchange hints onto a TypeNorm.
func NormalizeType(raw, exchangeCode string) TypeNorm {
	ex := strings.ToUpper(strings.TrimSpace(exchangeCode))
	switch ex {
	case "FOREX":
		return TypeForex
	case "CC":
		return TypeCrypto
	case "GBOND":
		return TypeBond
	case "EUFUND":
		return TypeFund
	}

	t := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case t == "":
		return TypeOther
	case t == "COMMON STOCK" || t == "STOCK":
		return TypeStock
	case strings.Contains(t, "ETF"):
		return TypeETF
	case strings.Contains(t, "FUND"):
		return TypeFund
	case strings.Contains(t, "BOND"):
		return TypeBond
	case strings.Contains(t, "INDEX"):
		return TypeIndex
	case strings.Contains(t, "FOREX"), strings.Contains(t, "FX"):
		return TypeForex
	case strings.Contains(t, "CRYPTO"):
		return TypeCrypto
	default:
		return TypeOther
	}
}

// ValidTypeNorm reports whether t is one of the known normalized types.
func ValidTypeNorm(t TypeNorm) bool {
	switch t {
	case TypeStock, TypeETF, TypeFund, TypeBond, TypeIndex, TypeForex, TypeCrypto, TypeOther:
		return true
	}
	return false
}

// CoerceTypeNorm folds unknown values to OTHER.
func CoerceTypeNorm(t TypeNorm) TypeNorm {
	norm := TypeNorm(strings.ToUpper(string(t)))
	if ValidTypeNorm(norm) {
		return norm
	}
	return TypeOther
}

// ProfileForType maps a normalized type onto its liquidity profile.
func ProfileForType(t TypeNorm) Profile {
	switch CoerceTypeNorm(t) {
	case TypeStock, TypeETF:
		return ProfileEquity
	case TypeFund:
		return ProfileNAV
	case TypeBond:
		return ProfileBond
	case TypeIndex:
		return ProfileIndex
	case TypeForex:
		return ProfileForex
	case TypeCrypto:
		return ProfileCrypto
	default:
		return ProfileNAV
	}
}

// RequiresVolume reports whether the profile's eligibility depends on traded volume.
func (p Profile) RequiresVolume() bool {
	return p == ProfileEquity || p == ProfileCrypto
}

// Bar is one daily OHLCV row as returned by the provider.
type Bar struct {
	Date          string  `json:"date"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	Volume        float64 `json:"volume"`
	AdjustedClose float64 `json:"adjusted_close"`
}

// Pointers locate a record's full-history pack.
type Pointers struct {
	HistoryPack string `json:"history_pack"`
	PackSHA256  string `json:"pack_sha256"`
	SymbolGroup string `json:"symbol_group"`
}

// Computed carries scorer output.
type Computed struct {
	Score       *int    `json:"score_0_100"`
	Layer       Layer   `json:"layer"`
	Profile     Profile `json:"profile,omitempty"`
	StalenessBD int     `json:"staleness_bd"`
}

// Flags carries per-record anomaly markers.
type Flags struct {
	GhostPrice *bool `json:"ghost_price"`
}

// Meta is run provenance.
type Meta struct {
	UpdatedAt string `json:"updated_at"`
	RunID     string `json:"run_id"`
}

// RegistryRecord is the ledger-of-record row for one canonical id.
// History stats are carried forward between runs; identity fields are
// rewritten from discovery on every run.
type RegistryRecord struct {
	CanonicalIDField string       `json:"canonical_id"`
	Symbol           string       `json:"symbol"`
	Exchange         string       `json:"exchange"`
	MIC              string       `json:"mic,omitempty"`
	ProviderSymbol   string       `json:"provider_symbol,omitempty"`
	Name             string       `json:"name,omitempty"`
	Currency         string       `json:"currency,omitempty"`
	Country          string       `json:"country,omitempty"`
	TypeNorm         TypeNorm     `json:"type_norm"`
	LastTradeDate    string       `json:"last_trade_date,omitempty"`
	BarsCount        int          `json:"bars_count"`
	AvgVolume10D     float64      `json:"avg_volume_10d"`
	AvgVolume30D     float64      `json:"avg_volume_30d"`
	Pointers         Pointers     `json:"pointers"`
	Computed         Computed     `json:"computed"`
	Flags            Flags        `json:"flags"`
	QualityBasis     QualityBasis `json:"_quality_basis"`
	Meta             Meta         `json:"meta"`

	// Transient scratch from the current run's backfill, never serialized.
	RecentCloses  []float64 `json:"-"`
	RecentVolumes []float64 `json:"-"`
}

// ID returns the record's canonical id.
func (r *RegistryRecord) ID() string { return r.CanonicalIDField }

// IsReal reports whether the record's history is verified full-history data.
func (r *RegistryRecord) IsReal() bool { return r.QualityBasis == BasisReal }

// DiscoveryRow is one instrument candidate produced by discovery.
type DiscoveryRow struct {
	CanonicalID    string   `json:"canonical_id"`
	Symbol         string   `json:"symbol"`
	Exchange       string   `json:"exchange"`
	MIC            string   `json:"mic,omitempty"`
	ProviderSymbol string   `json:"provider_symbol,omitempty"`
	Name           string   `json:"name,omitempty"`
	TypeNorm       TypeNorm `json:"type_norm"`
	Currency       string   `json:"currency,omitempty"`
	Country        string   `json:"country,omitempty"`
	Source         string   `json:"source"`
}

// Discovery row sources, in override precedence order (full beats legacy).
const (
	SourceLegacyUniverse = "legacy_universe"
	SourceFullExchange   = "full_exchange"
	SourceCachedRegistry = "cached_registry"
)

// Exchange is one venue row from the provider's exchange list.
type Exchange struct {
	Code     string `json:"code"`
	Name     string `json:"name,omitempty"`
	MIC      string `json:"mic,omitempty"`
	Country  string `json:"country,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// Waiver excludes a canonical id from backfill targeting and completion
// accounting. Authored externally, read-only to the pipeline.
type Waiver struct {
	CanonicalID string   `json:"canonical_id"`
	TypeNorm    TypeNorm `json:"type_norm,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	Active      bool     `json:"active"`
}
