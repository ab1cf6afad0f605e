// Package identity assigns every discovered instrument a canonical
// identity record with its cross-reference aliases.
package identity

import (
	"fmt"
	"path/filepath"
	"time"

	"eod-universe/internal/domain"
	"eod-universe/internal/fsatomic"
)

// BridgeRecord cross-references one canonical id to its provider and
// legacy identities.
type BridgeRecord struct {
	CanonicalID          string          `json:"canonical_id"`
	MIC                  string          `json:"mic,omitempty"`
	Exchange             string          `json:"exchange,omitempty"`
	ProviderSymbol       string          `json:"provider_symbol,omitempty"`
	LegacyTicker         string          `json:"legacy_ticker,omitempty"`
	Aliases              []string        `json:"aliases"`
	Currency             string          `json:"currency,omitempty"`
	TypeNorm             domain.TypeNorm `json:"type_norm"`
	Status               string          `json:"status"`
	CollisionRuleVersion string          `json:"collision_rule_version"`
}

// BridgeDoc is the persisted identity bridge artifact.
type BridgeDoc struct {
	Schema      string         `json:"schema"`
	GeneratedAt string         `json:"generated_at"`
	RecordCount int            `json:"record_count"`
	Records     []BridgeRecord `json:"records"`
}

// Build maps discovery rows onto bridge records.
func Build(rows []domain.DiscoveryRow) []BridgeRecord {
	out := make([]BridgeRecord, 0, len(rows))
	for _, row := range rows {
		mic := row.MIC
		if mic == "" {
			mic = row.Exchange
		}
		legacyTicker := ""
		if row.Exchange == "US" {
			legacyTicker = row.Symbol
		}
		var aliases []string
		if row.Symbol != "" {
			aliases = append(aliases, row.Symbol)
		}
		out = append(out, BridgeRecord{
			CanonicalID:          row.CanonicalID,
			MIC:                  mic,
			Exchange:             row.Exchange,
			ProviderSymbol:       row.ProviderSymbol,
			LegacyTicker:         legacyTicker,
			Aliases:              aliases,
			Currency:             row.Currency,
			TypeNorm:             domain.CoerceTypeNorm(row.TypeNorm),
			Status:               "active",
			CollisionRuleVersion: "1.0",
		})
	}
	return out
}

// Write persists the bridge under the run directory and, when policyPath
// is set, to the long-lived policy location too.
func Write(records []BridgeRecord, runDir, policyPath string, now time.Time) (string, error) {
	doc := BridgeDoc{
		Schema:      "universe_identity_bridge_v1",
		GeneratedAt: now.UTC().Format(time.RFC3339),
		RecordCount: len(records),
		Records:     records,
	}
	runPath := filepath.Join(runDir, "identity", "identity_bridge.json.gz")
	if _, err := fsatomic.WriteGzipJSONAtomic(runPath, doc); err != nil {
		return "", fmt.Errorf("write identity bridge: %w", err)
	}
	if policyPath != "" {
		if _, err := fsatomic.WriteGzipJSONAtomic(policyPath, doc); err != nil {
			return "", fmt.Errorf("write identity bridge policy copy: %w", err)
		}
	}
	return runPath, nil
}
