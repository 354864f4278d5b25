package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	errNotNumeric     = errors.New("value is not numeric")
	errNotFinite      = errors.New("value is not finite")
	errNegativeVolume = errors.New("volume is negative")
	errFractionVolume = errors.New("volume is not a whole number")
)

// isAbsent reports whether v stands for a missing cell. Multi-symbol sources
// pad misaligned rows with NaN or null.
func isAbsent(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(t)
	case float32:
		return math.IsNaN(float64(t))
	case *decimal.Decimal:
		return t == nil
	case json.Number:
		return isAbsentText(string(t))
	case string:
		return isAbsentText(t)
	}
	return false
}

func isAbsentText(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nan", "null", "none", "n/a", "-":
		return true
	}
	return false
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, nil
	case *decimal.Decimal:
		return *t, nil
	case float64:
		if math.IsInf(t, 0) {
			return decimal.Decimal{}, errNotFinite
		}
		return decimal.NewFromFloat(t), nil
	case float32:
		if math.IsInf(float64(t), 0) {
			return decimal.Decimal{}, errNotFinite
		}
		return decimal.NewFromFloat32(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int32:
		return decimal.NewFromInt32(t), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case uint32:
		return decimal.NewFromInt(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return decimal.Decimal{}, errNotFinite
		}
		return decimal.NewFromInt(int64(t)), nil
	case json.Number:
		return parseDecimalText(string(t))
	case string:
		return parseDecimalText(t)
	}
	return decimal.Decimal{}, fmt.Errorf("%w: %T", errNotNumeric, v)
}

func parseDecimalText(s string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", errNotNumeric, s)
	}
	return d, nil
}

func toVolume(v any) (int64, error) {
	d, err := toDecimal(v)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, errNegativeVolume
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, errFractionVolume
	}
	return d.IntPart(), nil
}

func timestampText(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.UTC().Format(time.RFC3339Nano)
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
