// Package identity validates records and derives their composite keys.
package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mktcast/internal/normalize"
	"mktcast/internal/storage"
)

// ErrMalformedRecord marks a single row that cannot be keyed. Callers skip and
// count it; one bad row never aborts a batch.
var ErrMalformedRecord = errors.New("malformed record")

// symbolPattern accepts exchange tickers (BRK.B, BF-B), indices (^GSPC) and
// pairs/futures (EURUSD=X, BTC-USD).
var symbolPattern = regexp.MustCompile(`^[A-Z0-9^][A-Z0-9.\-=^]{0,14}$`)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02",
}

const (
	// short integers such as "2024" are years, not instants
	minUnixSeconds = 100_000_000
	// unix values above this are treated as milliseconds
	unixMillisThreshold = 100_000_000_000
)

// Resolve validates a normalized record and returns it as a keyed observation.
func Resolve(rec normalize.Record) (storage.Observation, error) {
	symbol, err := ValidateSymbol(rec.Symbol)
	if err != nil {
		return storage.Observation{}, err
	}

	ts, err := ParseTimestamp(rec.Timestamp)
	if err != nil {
		return storage.Observation{}, fmt.Errorf("%w: symbol %s: %v", ErrMalformedRecord, symbol, err)
	}

	return storage.Observation{
		Symbol:   symbol,
		TS:       ts,
		Open:     rec.Open,
		High:     rec.High,
		Low:      rec.Low,
		Close:    rec.Close,
		AdjClose: rec.AdjClose,
		Volume:   rec.Volume,
	}, nil
}

// Rejected pairs a skipped record with its reason.
type Rejected struct {
	Record normalize.Record
	Err    error
}

// ResolveBatch resolves every record, skipping and collecting malformed ones.
// Duplicate keys inside one batch collapse to the last occurrence, matching what
// sequential upserts would store.
func ResolveBatch(records []normalize.Record) ([]storage.Observation, []Rejected) {
	out := make([]storage.Observation, 0, len(records))
	index := make(map[storage.ObservationKey]int, len(records))
	var rejected []Rejected

	for _, rec := range records {
		obs, err := Resolve(rec)
		if err != nil {
			rejected = append(rejected, Rejected{Record: rec, Err: err})
			continue
		}
		if i, ok := index[obs.Key()]; ok {
			out[i] = obs
			continue
		}
		index[obs.Key()] = len(out)
		out = append(out, obs)
	}
	return out, rejected
}

// ResolveEstimateKey validates the identity fields of an estimate.
func ResolveEstimateKey(symbol string, target time.Time, modelID string) (storage.EstimateKey, error) {
	sym, err := ValidateSymbol(symbol)
	if err != nil {
		return storage.EstimateKey{}, err
	}
	if target.IsZero() {
		return storage.EstimateKey{}, fmt.Errorf("%w: symbol %s: target timestamp is zero", ErrMalformedRecord, sym)
	}
	model := strings.TrimSpace(modelID)
	if model == "" {
		return storage.EstimateKey{}, fmt.Errorf("%w: symbol %s: model identifier is empty", ErrMalformedRecord, sym)
	}
	return storage.EstimateKey{Symbol: sym, TargetTS: target.UTC(), ModelID: model}, nil
}

// ValidateSymbol upper-cases and checks a ticker symbol.
func ValidateSymbol(symbol string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return "", fmt.Errorf("%w: symbol is empty", ErrMalformedRecord)
	}
	if !symbolPattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: invalid symbol %q", ErrMalformedRecord, symbol)
	}
	return normalized, nil
}

// ParseTimestamp parses a day-or-finer timestamp and returns it in UTC.
// Accepted: RFC3339 variants, ISO dates and datetimes, unix seconds or millis.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n >= minUnixSeconds {
		if n >= unixMillisThreshold {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
