package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// ConvertToInt64 accepts the shapes an id can take after JSON decoding:
// json.Number, float64 without a fractional part, Go integers and numeric
// strings.
func ConvertToInt64(val interface{}) (int64, error) {
	switch v := val.(type) {
	case nil:
		return 0, fmt.Errorf("value is missing")
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case json.Number:
		return strconv.ParseInt(v.String(), 10, 64)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", v)
		}
		return n, nil
	case []byte:
		return ConvertToInt64(string(v))
	default:
		return 0, fmt.Errorf("cannot convert %T to int", val)
	}
}

// ConvertToInt is ConvertToInt64 narrowed to int.
func ConvertToInt(val interface{}) (int, error) {
	n, err := ConvertToInt64(val)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ConvertToString renders scalars as strings. Objects and arrays are rejected
// so that a nested value never silently becomes a key.
func ConvertToString(val interface{}) (string, error) {
	switch v := val.(type) {
	case nil:
		return "", fmt.Errorf("value is missing")
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case int, int32, int64:
		return fmt.Sprintf("%d", v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("cannot convert %T to string", val)
	}
}

// ConvertToDecimal parses monetary values. Numeric strings are accepted
// because totals are sometimes delivered quoted.
func ConvertToDecimal(val interface{}) (decimal.Decimal, error) {
	switch v := val.(type) {
	case nil:
		return decimal.Zero, fmt.Errorf("value is missing")
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Zero, fmt.Errorf("%q is not a number", v)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return decimal.Zero, fmt.Errorf("cannot convert %T to number", val)
	}
}

// ConvertDateTime parses the timestamp layouts seen in source files.
func ConvertDateTime(val interface{}) (time.Time, error) {
	switch v := val.(type) {
	case time.Time:
		return v, nil
	case string:
		formats := []string{
			time.RFC3339,
			time.RFC3339Nano,
			"2006-01-02T15:04:05",
			"2006-01-02T15:04:05.999999",
			"2006-01-02 15:04:05",
			"2006-01-02",
		}
		for _, f := range formats {
			if t, err := time.Parse(f, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unable to parse datetime: %s", v)
	case []byte:
		return ConvertDateTime(string(v))
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to datetime", val)
	}
}
