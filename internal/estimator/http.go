package estimator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mktcast/internal/storage"
)

const (
	forecastPath = "/v1/timeseries/forecast"
	dateLayout   = "2006-01-02"
	lowerQuant   = 0.1
	upperQuant   = 0.9
)

// HTTPOptions parameterise the forecast service client.
type HTTPOptions struct {
	BaseURL   string
	Model     string
	Timeout   time.Duration
	UserAgent string
	Attempts  int
	Backoff   time.Duration
}

// HTTP calls a remote forecast service.
type HTTP struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTP constructs a forecast service client.
func NewHTTP(opts HTTPOptions, logger zerolog.Logger) *HTTP {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 250 * time.Millisecond
	}

	return &HTTP{
		opts:    opts,
		logger:  logger.With().Str("component", "forecast_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Estimate sends the close history and returns the service's point estimates.
func (h *HTTP) Estimate(ctx context.Context, symbol string, history []storage.Observation, horizonDays int) (Run, error) {
	if h.baseURL == "" {
		return Run{}, errors.New("forecast service url not configured")
	}
	if h.opts.Model == "" {
		return Run{}, errors.New("forecast model not configured")
	}
	if horizonDays <= 0 {
		return Run{}, errors.New("horizon must be positive")
	}
	if len(history) == 0 {
		return Run{}, errors.New("history is empty")
	}

	history = slices.Clone(history)
	slices.SortFunc(history, func(a, b storage.Observation) int { return a.TS.Compare(b.TS) })

	req := forecastRequest{
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Ticker:    symbol,
		Model:     h.opts.Model,
		Context: contextData{
			Values:    make([]float64, len(history)),
			Period:    "1d",
			Source:    "postgres",
			StartDate: history[0].TS.UTC().Format(dateLayout),
			EndDate:   history[len(history)-1].TS.UTC().Format(dateLayout),
			Field:     "close",
		},
		Horizon: horizonSpec{Length: horizonDays, Period: "1d"},
		Params:  &modelParams{Quantiles: []float64{lowerQuant, 0.5, upperQuant}},
	}
	for i, obs := range history {
		req.Context.Values[i] = obs.Close.InexactFloat64()
	}

	var resp forecastResponse
	if err := h.postWithRetry(ctx, req, &resp); err != nil {
		return Run{}, err
	}

	return h.toRun(symbol, horizonDays, history[len(history)-1].TS, resp)
}

func (h *HTTP) toRun(symbol string, horizonDays int, lastObserved time.Time, resp forecastResponse) (Run, error) {
	if len(resp.Forecast.Values) == 0 {
		return Run{}, errors.New("forecast service returned no values")
	}

	modelID := resp.Model
	if modelID == "" {
		modelID = h.opts.Model
	}
	if v := strings.TrimSpace(resp.Metadata.ModelVersion); v != "" {
		modelID = modelID + "@" + v
	}

	trainedAt := resp.Timestamp.UTC()
	if resp.Metadata.TrainedAt != nil {
		trainedAt = resp.Metadata.TrainedAt.UTC()
	}
	if trainedAt.IsZero() {
		trainedAt = time.Now().UTC()
	}

	// targets start on the service's start_date when given, otherwise on the
	// first business day after the last observation
	anchor := lastObserved
	if resp.Forecast.StartDate != "" {
		start, err := time.Parse(dateLayout, resp.Forecast.StartDate)
		if err != nil {
			return Run{}, fmt.Errorf("parse forecast start date: %w", err)
		}
		anchor = start.AddDate(0, 0, -1)
	}
	targets := BusinessDays(anchor, len(resp.Forecast.Values))

	lower := resp.quantile(lowerQuant)
	upper := resp.quantile(upperQuant)

	run := Run{
		Symbol:      symbol,
		ModelID:     modelID,
		TrainedAt:   trainedAt,
		HorizonDays: horizonDays,
		Points:      make([]Point, 0, len(targets)),
	}
	for i, target := range targets {
		p := Point{Target: target, Predicted: decimal.NewFromFloat(resp.Forecast.Values[i])}
		if i < len(lower) {
			v := decimal.NewFromFloat(lower[i])
			p.Lower = &v
		}
		if i < len(upper) {
			v := decimal.NewFromFloat(upper[i])
			p.Upper = &v
		}
		run.Points = append(run.Points, p)
	}
	return run, nil
}

func (h *HTTP) postWithRetry(ctx context.Context, payload forecastRequest, dest *forecastResponse) error {
	var err error
	for attempt := 1; attempt <= h.opts.Attempts; attempt++ {
		err = h.post(ctx, payload, dest)
		if err == nil {
			return nil
		}
		var permanent *permanentError
		if errors.As(err, &permanent) || attempt == h.opts.Attempts {
			break
		}
		h.logger.Warn().Err(err).Int("attempt", attempt).Str("ticker", payload.Ticker).Msg("forecast request failed; retrying")
		select {
		case <-time.After(time.Duration(attempt) * h.opts.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (h *HTTP) post(ctx context.Context, payload forecastRequest, dest *forecastResponse) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &permanentError{err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+forecastPath, bytes.NewReader(body))
	if err != nil {
		return &permanentError{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("call forecast service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read forecast response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		httpErr := parseHTTPError(resp.StatusCode, raw)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return &permanentError{err: httpErr}
		}
		return httpErr
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return &permanentError{err: fmt.Errorf("decode forecast response: %w", err)}
	}
	return nil
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

type forecastRequest struct {
	RequestID string       `json:"request_id"`
	Timestamp time.Time    `json:"timestamp"`
	Ticker    string       `json:"ticker"`
	Model     string       `json:"model"`
	Context   contextData  `json:"context"`
	Horizon   horizonSpec  `json:"horizon"`
	Params    *modelParams `json:"params,omitempty"`
}

type contextData struct {
	Values    []float64 `json:"values"`
	Period    string    `json:"period"`
	Source    string    `json:"source"`
	StartDate string    `json:"start_date"`
	EndDate   string    `json:"end_date"`
	Field     string    `json:"field"`
}

type horizonSpec struct {
	Length int    `json:"length"`
	Period string `json:"period"`
}

type modelParams struct {
	Quantiles []float64 `json:"quantiles,omitempty"`
}

type forecastResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Ticker    string    `json:"ticker"`
	Model     string    `json:"model"`
	Forecast  struct {
		Values    []float64 `json:"values"`
		Period    string    `json:"period"`
		StartDate string    `json:"start_date"`
		EndDate   string    `json:"end_date"`
	} `json:"forecast"`
	Quantiles []struct {
		Quantile float64   `json:"quantile"`
		Values   []float64 `json:"values"`
	} `json:"quantiles,omitempty"`
	Metadata struct {
		ModelVersion string     `json:"model_version,omitempty"`
		TrainedAt    *time.Time `json:"trained_at,omitempty"`
	} `json:"metadata"`
}

func (r forecastResponse) quantile(q float64) []float64 {
	for _, qf := range r.Quantiles {
		if qf.Quantile == q {
			return qf.Values
		}
	}
	return nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Detail != "" {
			return fmt.Errorf("forecast service error (%d): %s", status, apiErr.Detail)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("forecast service error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("forecast service error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("forecast service error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("forecast service error (%d)", status)
}

var _ Estimator = (*HTTP)(nil)
