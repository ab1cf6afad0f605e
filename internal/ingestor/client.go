// Package ingestor is the single component allowed to talk to the market
// data provider. All four endpoints report per-call attempt counts so the
// caller can charge the budget precisely.
package ingestor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"eod-universe/internal/domain"
)

// ErrMissingAPIKey is returned when the client is constructed or called
// without a provider key.
var ErrMissingAPIKey = errors.New("missing provider api key")

// APIError is a provider HTTP failure with its retry classification.
type APIError struct {
	Status      int
	Attempts    int
	MaxAttempts int
	Fatal       bool
	DailyLimit  bool
	RateLimited bool
	Body        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider http %d (attempt %d/%d): %s", e.Status, e.Attempts, e.MaxAttempts, e.Body)
}

// IsDailyLimit reports whether err is a 402 daily-limit response.
func IsDailyLimit(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.DailyLimit
}

// IsRateLimited reports whether err is a 429 response.
func IsRateLimited(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.RateLimited
}

// IsFatal reports whether err must stop the run immediately.
func IsFatal(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Fatal
}

// AttemptsOf extracts the HTTP attempt count from err, minimum 1.
func AttemptsOf(err error) int {
	var ae *APIError
	if errors.As(err, &ae) && ae.Attempts > 0 {
		return ae.Attempts
	}
	return 1
}

// Client wraps the provider's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	limiter    *rate.Limiter
	logger     *log.Logger
	userAgent  string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries sets the per-call attempt budget.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoff sets the linear backoff base between attempts.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// WithRateLimit bounds outbound requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a provider client.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		maxRetries: 3,
		backoff:    300 * time.Millisecond,
		logger:     log.Default(),
		userAgent:  "eod-universe/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// fetchJSON performs one provider request with retries and classification.
// The returned attempt count includes failed attempts.
func (c *Client) fetchJSON(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, int, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, attempt - 1, err
			}
		}
		body, err := c.doOnce(ctx, rawURL, timeout, attempt)
		if err == nil {
			return body, attempt, nil
		}
		lastErr = err
		var ae *APIError
		if errors.As(err, &ae) && ae.Fatal {
			return nil, attempt, err
		}
		if attempt < c.maxRetries {
			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
		}
	}
	return nil, c.maxRetries, lastErr
}

func (c *Client) doOnce(ctx context.Context, rawURL string, timeout time.Duration, attempt int) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		ae := &APIError{
			Status:      resp.StatusCode,
			Attempts:    attempt,
			MaxAttempts: c.maxRetries,
			Body:        string(snippet),
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			ae.Fatal = true
		case http.StatusPaymentRequired:
			ae.Fatal = true
			ae.DailyLimit = true
		case http.StatusTooManyRequests:
			ae.RateLimited = true
			if attempt >= c.maxRetries {
				ae.Fatal = true
			}
		}
		return nil, ae
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) endpoint(pathSegs string, params map[string]string) string {
	u, _ := url.Parse(c.baseURL + pathSegs)
	q := u.Query()
	q.Set("api_token", c.apiKey)
	q.Set("fmt", "json")
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ExchangesResult is the exchange list plus the calls it cost.
type ExchangesResult struct {
	Attempts int
	Rows     []domain.Exchange
}

// FetchExchanges lists all venues known to the provider.
func (c *Client) FetchExchanges(ctx context.Context) (*ExchangesResult, error) {
	body, attempts, err := c.fetchJSON(ctx, c.endpoint("/exchanges-list/", nil), 20*time.Second)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Code     string `json:"Code"`
		Name     string `json:"Name"`
		MIC      string `json:"OperatingMIC"`
		Country  string `json:"Country"`
		Currency string `json:"Currency"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse exchanges list: %w", err)
	}
	out := &ExchangesResult{Attempts: attempts}
	for _, row := range raw {
		code := strings.ToUpper(strings.TrimSpace(row.Code))
		if code == "" {
			continue
		}
		out.Rows = append(out.Rows, domain.Exchange{
			Code:     code,
			Name:     strings.TrimSpace(row.Name),
			MIC:      strings.ToUpper(strings.TrimSpace(row.MIC)),
			Country:  strings.ToUpper(strings.TrimSpace(row.Country)),
			Currency: strings.ToUpper(strings.TrimSpace(row.Currency)),
		})
	}
	return out, nil
}

// SymbolRow is one listing from the per-exchange symbol list.
type SymbolRow struct {
	Symbol         string
	ProviderSymbol string
	Name           string
	Currency       string
	Country        string
	TypeNorm       domain.TypeNorm
}

// SymbolsResult is a per-exchange symbol list plus attempt count.
type SymbolsResult struct {
	Attempts int
	Rows     []SymbolRow
}

// FetchExchangeSymbols lists every instrument on one exchange.
func (c *Client) FetchExchangeSymbols(ctx context.Context, exchangeCode string) (*SymbolsResult, error) {
	code := strings.ToUpper(strings.TrimSpace(exchangeCode))
	u := c.endpoint("/exchange-symbol-list/"+url.PathEscape(code), nil)
	body, attempts, err := c.fetchJSON(ctx, u, 30*time.Second)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Code     string `json:"Code"`
		Name     string `json:"Name"`
		Currency string `json:"Currency"`
		Country  string `json:"Country"`
		Type     string `json:"Type"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse symbol list for %s: %w", code, err)
	}
	out := &SymbolsResult{Attempts: attempts}
	for _, row := range raw {
		symbol := domain.NormalizeTicker(row.Code)
		if symbol == "" {
			continue
		}
		providerSymbol := strings.TrimSpace(row.Code)
		if providerSymbol == "" {
			providerSymbol = symbol + "." + code
		}
		out.Rows = append(out.Rows, SymbolRow{
			Symbol:         symbol,
			ProviderSymbol: providerSymbol,
			Name:           strings.TrimSpace(row.Name),
			Currency:       strings.ToUpper(strings.TrimSpace(row.Currency)),
			Country:        strings.ToUpper(strings.TrimSpace(row.Country)),
			TypeNorm:       domain.NormalizeType(row.Type, code),
		})
	}
	return out, nil
}

// BarsResult is a daily-history response plus the total attempts spent
// across fallback candidates.
type BarsResult struct {
	Attempts int
	Bars     []domain.Bar
}

type rawBar struct {
	Date          string   `json:"date"`
	Open          float64  `json:"open"`
	High          float64  `json:"high"`
	Low           float64  `json:"low"`
	Close         *float64 `json:"close"`
	Volume        float64  `json:"volume"`
	AdjustedClose *float64 `json:"adjusted_close"`
}

// barCandidates builds the provider query symbols to try, primary first.
// Fallbacks are only consulted on 404 or an empty payload.
func barCandidates(symbol, exchangeCode string) []string {
	s := domain.NormalizeTicker(symbol)
	ex := strings.ToUpper(strings.TrimSpace(exchangeCode))
	var out []string
	if ex == "US" {
		// Class shares like BRK.B resolve under a dash form.
		if dot := strings.LastIndex(s, "."); dot > 0 && dot == len(s)-2 {
			out = append(out, s[:dot]+"-"+s[dot+1:]+".US")
		}
	}
	out = append(out, s+"."+ex)
	// Some Korea listings are discoverable under KQ but price under KO.
	if ex == "KQ" {
		out = append(out, s+".KO")
	}
	seen := map[string]bool{}
	uniq := out[:0]
	for _, cand := range out {
		if cand != "" && !seen[cand] {
			seen[cand] = true
			uniq = append(uniq, cand)
		}
	}
	return uniq
}

// FetchDailyBars fetches daily OHLCV history for one instrument, trying
// exchange-suffix fallbacks on 404 only. Auth and rate errors propagate
// immediately with the attempts spent so far.
func (c *Client) FetchDailyBars(ctx context.Context, symbol, exchangeCode, from, to string) (*BarsResult, error) {
	attemptsTotal := 0
	for _, querySymbol := range barCandidates(symbol, exchangeCode) {
		params := map[string]string{"order": "a"}
		if from != "" {
			params["from"] = from
		}
		if to != "" {
			params["to"] = to
		}
		u := c.endpoint("/eod/"+url.PathEscape(querySymbol), params)
		body, attempts, err := c.fetchJSON(ctx, u, 25*time.Second)
		attemptsTotal += attempts
		if err != nil {
			var ae *APIError
			if errors.As(err, &ae) {
				ae.Attempts = attemptsTotal
				if ae.Status == http.StatusNotFound {
					continue
				}
			}
			return nil, err
		}
		bars, perr := parseBars(body)
		if perr != nil {
			return nil, fmt.Errorf("parse bars for %s: %w", querySymbol, perr)
		}
		if len(bars) > 0 {
			return &BarsResult{Attempts: max(1, attemptsTotal), Bars: bars}, nil
		}
	}
	return &BarsResult{Attempts: max(1, attemptsTotal)}, nil
}

func parseBars(body []byte) ([]domain.Bar, error) {
	var raw []rawBar
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	var out []domain.Bar
	for _, row := range raw {
		date := row.Date
		if len(date) > 10 {
			date = date[:10]
		}
		if date == "" || row.Close == nil {
			continue
		}
		adj := *row.Close
		if row.AdjustedClose != nil {
			adj = *row.AdjustedClose
		}
		out = append(out, domain.Bar{
			Date:          date,
			Open:          row.Open,
			High:          row.High,
			Low:           row.Low,
			Close:         *row.Close,
			Volume:        row.Volume,
			AdjustedClose: adj,
		})
	}
	return out, nil
}

// BulkRow is one instrument's last-day snapshot from the bulk endpoint.
type BulkRow struct {
	Symbol         string
	ProviderSymbol string
	Date           string
	Open           float64
	High           float64
	Low            float64
	Close          float64
	Volume         float64
}

// BulkResult is a bulk last-day snapshot plus attempt count.
type BulkResult struct {
	Attempts int
	Rows     []BulkRow
}

// FetchBulkLastDay fetches the last trading day snapshot for a whole
// exchange in one call.
func (c *Client) FetchBulkLastDay(ctx context.Context, exchangeCode string) (*BulkResult, error) {
	ex := strings.ToUpper(strings.TrimSpace(exchangeCode))
	u := c.endpoint("/eod-bulk-last-day/"+url.PathEscape(ex), nil)
	body, attempts, err := c.fetchJSON(ctx, u, 45*time.Second)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Code   string   `json:"code"`
		Date   string   `json:"date"`
		Open   float64  `json:"open"`
		High   float64  `json:"high"`
		Low    float64  `json:"low"`
		Close  *float64 `json:"close"`
		Volume float64  `json:"volume"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse bulk last day for %s: %w", ex, err)
	}
	out := &BulkResult{Attempts: attempts}
	for _, row := range raw {
		symbol := domain.NormalizeTicker(row.Code)
		stripped := stripExchangeSuffix(symbol)
		if stripped == "" || row.Close == nil {
			continue
		}
		providerSymbol := symbol
		if providerSymbol == "" {
			providerSymbol = stripped + "." + ex
		}
		date := row.Date
		if len(date) > 10 {
			date = date[:10]
		}
		out.Rows = append(out.Rows, BulkRow{
			Symbol:         stripped,
			ProviderSymbol: providerSymbol,
			Date:           date,
			Open:           row.Open,
			High:           row.High,
			Low:            row.Low,
			Close:          *row.Close,
			Volume:         row.Volume,
		})
	}
	return out, nil
}

func stripExchangeSuffix(raw string) string {
	v := strings.ToUpper(strings.TrimSpace(raw))
	if dot := strings.Index(v, "."); dot > 0 {
		return v[:dot]
	}
	return v
}
