// Package sweep refreshes last-trade-date and volume for already-known
// instruments via the provider's cheap bulk last-day endpoint.
package sweep

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"

	"eod-universe/internal/budget"
	"eod-universe/internal/config"
	"eod-universe/internal/domain"
	"eod-universe/internal/ingestor"
)

// Provider is the slice of the ingestor client the sweep needs.
type Provider interface {
	FetchBulkLastDay(ctx context.Context, exchangeCode string) (*ingestor.BulkResult, error)
}

// Summary describes one sweep pass.
type Summary struct {
	Updated            int            `json:"updated"`
	InputRows          int            `json:"eod_input_rows"`
	Source             string         `json:"source"`
	ExchangesAttempted int            `json:"exchanges_attempted"`
	ExchangesCovered   int            `json:"exchanges_covered"`
	RowsByExchange     map[string]int `json:"rows_by_exchange"`
	AbortedOnStatus    int            `json:"aborted_on_status,omitempty"`
}

// Sweeper mutates registry records in place.
type Sweeper struct {
	provider Provider
	tracker  *budget.Tracker
	cfg      *config.Config
	logger   *log.Logger
}

type Options struct {
	Provider Provider
	Tracker  *budget.Tracker
	Cfg      *config.Config
	Logger   *log.Logger
}

func New(opts Options) *Sweeper {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{provider: opts.Provider, tracker: opts.Tracker, cfg: opts.Cfg, logger: logger}
}

// Run performs the bulk sweep over every exchange present in the
// registry. A 402 or 429 from the provider aborts the loop; quality
// basis is promoted to daily_bulk_estimate but never demoted from
// backfill_real.
func (s *Sweeper) Run(ctx context.Context, records []domain.RegistryRecord) Summary {
	summary := Summary{Source: "eod_bulk_last_day", RowsByExchange: map[string]int{}}
	if !s.cfg.Sweep.Enabled || s.cfg.Offline || !s.cfg.NetworkAllowed || s.provider == nil {
		summary.Source = "skipped"
		return summary
	}

	deny := map[string]bool{}
	for _, code := range s.cfg.Discovery.ExchangeDenylist {
		deny[strings.ToUpper(code)] = true
	}

	byKey := make(map[string]*domain.RegistryRecord, len(records))
	exchangeSet := map[string]bool{}
	for i := range records {
		ex := strings.ToUpper(records[i].Exchange)
		sym := strings.ToUpper(records[i].Symbol)
		if ex == "" || sym == "" {
			continue
		}
		byKey[ex+":"+sym] = &records[i]
		if !deny[ex] {
			exchangeSet[ex] = true
		}
	}

	exchanges := make([]string, 0, len(exchangeSet))
	for ex := range exchangeSet {
		exchanges = append(exchanges, ex)
	}
	sort.Strings(exchanges)
	if max := s.cfg.Sweep.MaxExchangesPerRun; max > 0 && len(exchanges) > max {
		exchanges = exchanges[:max]
	}
	summary.ExchangesAttempted = len(exchanges)

	for _, ex := range exchanges {
		if s.tracker.Exhausted() {
			s.logger.Printf("[sweep] daily cap reached, stopping")
			break
		}
		result, err := s.provider.FetchBulkLastDay(ctx, ex)
		if err != nil {
			attempts := ingestor.AttemptsOf(err)
			if cerr := s.tracker.Charge("daily_sweep_exchange", attempts); cerr != nil {
				s.logger.Printf("[sweep] budget charge failed: %v", cerr)
			}
			if ingestor.IsDailyLimit(err) || ingestor.IsRateLimited(err) {
				var status int
				var ae *ingestor.APIError
				if errors.As(err, &ae) {
					status = ae.Status
				}
				s.logger.Printf("[sweep] aborting loop on HTTP %d at exchange %s", status, ex)
				summary.AbortedOnStatus = status
				break
			}
			s.logger.Printf("[sweep] bulk fetch for %s failed: %v", ex, err)
			continue
		}
		if cerr := s.tracker.Charge("daily_sweep_exchange", result.Attempts); cerr != nil {
			s.logger.Printf("[sweep] budget charge failed: %v", cerr)
		}
		summary.InputRows += len(result.Rows)
		summary.RowsByExchange[ex] = len(result.Rows)

		for _, row := range result.Rows {
			rec := byKey[ex+":"+strings.ToUpper(row.Symbol)]
			if rec == nil {
				continue
			}
			if row.Date != "" {
				rec.LastTradeDate = row.Date
			}
			rec.AvgVolume10D = row.Volume
			rec.AvgVolume30D = row.Volume
			if rec.BarsCount < 1 {
				rec.BarsCount = 1
			}
			if rec.QualityBasis != domain.BasisReal {
				rec.QualityBasis = domain.BasisDailyBulk
			}
			summary.Updated++
		}
	}

	summary.ExchangesCovered = len(summary.RowsByExchange)
	return summary
}
