package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mktcast/internal/normalize"
)

const chartPath = "/v8/finance/chart/"

// MarketOptions parameterise the Yahoo chart fetcher.
type MarketOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Market fetches daily bars from the Yahoo Finance chart API.
type Market struct {
	opts    MarketOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewMarket constructs a market fetcher.
func NewMarket(opts MarketOptions, logger zerolog.Logger) *Market {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com"
	}

	return &Market{
		opts:    opts,
		logger:  logger.With().Str("component", "market_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Fetch downloads each symbol and composes one raw table.
func (m *Market) Fetch(ctx context.Context, symbols []string, from, to time.Time) (normalize.RawTable, error) {
	symbols = cleanSymbols(symbols)
	if len(symbols) == 0 {
		return normalize.RawTable{}, errors.New("no symbols requested")
	}
	if !to.After(from) {
		return normalize.RawTable{}, fmt.Errorf("empty range %s..%s", from.Format(dateLayout), to.Format(dateLayout))
	}

	bars := make(map[string][]Bar, len(symbols))
	for _, sym := range symbols {
		series, err := m.fetchSymbol(ctx, sym, from, to)
		if err != nil {
			return normalize.RawTable{}, fmt.Errorf("fetch %s: %w", sym, err)
		}
		bars[sym] = series
		m.logger.Debug().Str("symbol", sym).Int("bars", len(series)).Msg("chart downloaded")
	}
	return composeTable(symbols, bars), nil
}

func (m *Market) fetchSymbol(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error) {
	q := url.Values{}
	q.Set("period1", fmt.Sprint(from.Unix()))
	q.Set("period2", fmt.Sprint(to.Unix()))
	q.Set("interval", "1d")
	q.Set("events", "history")
	endpoint := m.baseURL + chartPath + url.PathEscape(symbol) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "mktcast/1.0")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var chart chartResponse
	if err := json.Unmarshal(payload, &chart); err != nil {
		return nil, fmt.Errorf("decode chart: %w", err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("chart api error: %s", chart.Chart.Error.message())
	}
	if len(chart.Chart.Result) == 0 {
		return nil, nil
	}
	return chart.Chart.Result[0].bars(), nil
}

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *chartError   `json:"error"`
	} `json:"chart"`
}

type chartResult struct {
	Meta struct {
		Symbol    string `json:"symbol"`
		GMTOffset int    `json:"gmtoffset"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*float64 `json:"volume"`
		} `json:"quote"`
		AdjClose []struct {
			AdjClose []*float64 `json:"adjclose"`
		} `json:"adjclose"`
	} `json:"indicators"`
}

// bars converts the column arrays into dated bars. Timestamps are session
// opens; the date is taken in the exchange's offset.
func (r chartResult) bars() []Bar {
	if len(r.Indicators.Quote) == 0 {
		return nil
	}
	quote := r.Indicators.Quote[0]
	var adj []*float64
	if len(r.Indicators.AdjClose) > 0 {
		adj = r.Indicators.AdjClose[0].AdjClose
	}
	zone := time.FixedZone("exchange", r.Meta.GMTOffset)

	out := make([]Bar, 0, len(r.Timestamp))
	for i, ts := range r.Timestamp {
		local := time.Unix(ts, 0).In(zone)
		out = append(out, Bar{
			Date:     time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC),
			Open:     at(quote.Open, i),
			High:     at(quote.High, i),
			Low:      at(quote.Low, i),
			Close:    at(quote.Close, i),
			AdjClose: at(adj, i),
			Volume:   at(quote.Volume, i),
		})
	}
	return out
}

func at(values []*float64, i int) float64 {
	if i >= len(values) || values[i] == nil {
		return math.NaN()
	}
	return *values[i]
}

type chartError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (e *chartError) message() string {
	if e.Description != "" {
		return e.Description
	}
	return e.Code
}

func parseHTTPError(status int, payload []byte) error {
	var chart chartResponse
	if err := json.Unmarshal(payload, &chart); err == nil && chart.Chart.Error != nil {
		return fmt.Errorf("chart api error (%d): %s", status, chart.Chart.Error.message())
	}
	if len(payload) > 0 {
		return fmt.Errorf("chart api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("chart api error (%d)", status)
}

var _ Source = (*Market)(nil)
