package ingestor

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eod-universe/internal/domain"
)

func testClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	base := []Option{
		WithMaxRetries(1),
		WithBackoff(time.Millisecond),
		WithLogger(log.New(io.Discard, "", 0)),
	}
	c, err := New(srv.URL, "test-key", append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New("https://example.com", "   ")
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestFetchExchanges(t *testing.T) {
	var gotToken, gotFmt string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/exchanges-list/", r.URL.Path)
		gotToken = r.URL.Query().Get("api_token")
		gotFmt = r.URL.Query().Get("fmt")
		io.WriteString(w, `[
			{"Code":"us","Name":"US Composite","OperatingMIC":"xnas","Country":"usa","Currency":"usd"},
			{"Code":"  ","Name":"blank"},
			{"Code":"LSE","Name":"London","OperatingMIC":"XLON","Country":"UK","Currency":"GBP"}
		]`)
	}))

	res, err := c.FetchExchanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-key", gotToken)
	assert.Equal(t, "json", gotFmt)
	assert.Equal(t, 1, res.Attempts)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, domain.Exchange{Code: "US", Name: "US Composite", MIC: "XNAS", Country: "USA", Currency: "USD"}, res.Rows[0])
	assert.Equal(t, "LSE", res.Rows[1].Code)
}

func TestFetchExchangeSymbols(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/exchange-symbol-list/US", r.URL.Path)
		io.WriteString(w, `[
			{"Code":"AAPL","Name":"Apple Inc","Currency":"usd","Country":"usa","Type":"Common Stock"},
			{"Code":"","Name":"no code"},
			{"Code":"SPY","Name":"SPDR S&P 500","Currency":"USD","Country":"USA","Type":"ETF"}
		]`)
	}))

	res, err := c.FetchExchangeSymbols(context.Background(), " us ")
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, SymbolRow{
		Symbol:         "AAPL",
		ProviderSymbol: "AAPL",
		Name:           "Apple Inc",
		Currency:       "USD",
		Country:        "USA",
		TypeNorm:       domain.TypeStock,
	}, res.Rows[0])
	assert.Equal(t, domain.TypeETF, res.Rows[1].TypeNorm)
}

func TestRetryThenSuccess(t *testing.T) {
	var hits atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `[]`)
	}), WithMaxRetries(3))

	res, err := c.FetchExchanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), hits.Load())
}

func TestUnauthorizedIsFatalNoRetry(t *testing.T) {
	var hits atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}), WithMaxRetries(3))

	_, err := c.FetchExchanges(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.False(t, IsDailyLimit(err))
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, AttemptsOf(err))
}

func TestPaymentRequiredIsDailyLimit(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		io.WriteString(w, "daily limit reached")
	}), WithMaxRetries(3))

	_, err := c.FetchDailyBars(context.Background(), "AAPL", "US", "", "")
	require.Error(t, err)
	assert.True(t, IsDailyLimit(err))
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "402")
}

func TestRateLimitedRetriesThenFatal(t *testing.T) {
	var hits atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}), WithMaxRetries(2))

	_, err := c.FetchExchanges(context.Background())
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 2, AttemptsOf(err))
}

func TestFetchDailyBars(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/eod/AAPL.US", r.URL.Path)
		assert.Equal(t, "a", r.URL.Query().Get("order"))
		assert.Equal(t, "2025-01-01", r.URL.Query().Get("from"))
		io.WriteString(w, `[
			{"date":"2025-01-02","open":100,"high":102,"low":99,"close":101,"volume":5000,"adjusted_close":100.5},
			{"date":"2025-01-03T00:00:00","open":101,"high":103,"low":100,"close":102,"volume":6000},
			{"date":"","close":1},
			{"date":"2025-01-04","open":1,"volume":10}
		]`)
	}))

	res, err := c.FetchDailyBars(context.Background(), "aapl", "us", "2025-01-01", "")
	require.NoError(t, err)
	require.Len(t, res.Bars, 2)
	assert.Equal(t, domain.Bar{Date: "2025-01-02", Open: 100, High: 102, Low: 99, Close: 101, Volume: 5000, AdjustedClose: 100.5}, res.Bars[0])

	// Timestamp suffix trimmed; adjusted close falls back to close.
	assert.Equal(t, "2025-01-03", res.Bars[1].Date)
	assert.Equal(t, float64(102), res.Bars[1].AdjustedClose)
}

func TestFetchDailyBarsClassShareFallback(t *testing.T) {
	var paths []string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/eod/BRK-B.US" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, `[{"date":"2025-01-02","close":450,"volume":100}]`)
	}))

	res, err := c.FetchDailyBars(context.Background(), "BRK.B", "US", "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"/eod/BRK-B.US", "/eod/BRK.B.US"}, paths)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, res.Bars, 1)
}

func TestFetchDailyBarsKoreaFallback(t *testing.T) {
	var paths []string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/eod/035720.KQ" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, `[{"date":"2025-01-02","close":50000,"volume":100}]`)
	}))

	res, err := c.FetchDailyBars(context.Background(), "035720", "KQ", "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"/eod/035720.KQ", "/eod/035720.KO"}, paths)
	require.Len(t, res.Bars, 1)
}

func TestFetchDailyBarsEmptyHistory(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	}))

	res, err := c.FetchDailyBars(context.Background(), "GHOST", "US", "", "")
	require.NoError(t, err)
	assert.Empty(t, res.Bars)
	assert.GreaterOrEqual(t, res.Attempts, 1)
}

func TestFetchBulkLastDay(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/eod-bulk-last-day/US", r.URL.Path)
		io.WriteString(w, `[
			{"code":"AAPL.US","date":"2025-06-02T00:00:00","open":200,"high":202,"low":199,"close":201,"volume":9000},
			{"code":"MSFT","date":"2025-06-02","close":430,"volume":8000},
			{"code":"HALT.US","date":"2025-06-02","volume":1}
		]`)
	}))

	res, err := c.FetchBulkLastDay(context.Background(), "us")
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, BulkRow{
		Symbol:         "AAPL",
		ProviderSymbol: "AAPL.US",
		Date:           "2025-06-02",
		Open:           200,
		High:           202,
		Low:            199,
		Close:          201,
		Volume:         9000,
	}, res.Rows[0])
	assert.Equal(t, "MSFT", res.Rows[1].Symbol)
	assert.Equal(t, "MSFT", res.Rows[1].ProviderSymbol)
}
