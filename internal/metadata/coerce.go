package metadata

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Coerce converts v into the canonical representation for the type:
// string, int64, float64, bool, time.Time (UTC), or map[string]any / []any
// for structured values. A nil input stays nil.
func (t ColumnType) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	var (
		out any
		err error
	)
	switch t {
	case TypeShortText, TypeLongText:
		out, err = coerceText(v)
	case TypeInteger:
		out, err = coerceInteger(v)
	case TypeFloat:
		out, err = coerceFloat(v)
	case TypeBoolean:
		out, err = coerceBoolean(v)
	case TypeDate:
		var ts time.Time
		ts, err = coerceTime(v)
		if err == nil {
			out = time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		}
	case TypeDateTime:
		out, err = coerceTime(v)
	case TypeStructured:
		out, err = coerceStructured(v)
	default:
		return nil, fmt.Errorf("%w: unknown column type %q", ErrTypeMismatch, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}
	return out, nil
}

// Coerce converts v to the column's declared type.
func (c Column) Coerce(v any) (any, error) {
	return c.Type.Coerce(v)
}

func coerceText(v any) (any, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	case bool:
		return strconv.FormatBool(s), nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32), nil
	}
	if n, ok := asInt64(v); ok {
		return strconv.FormatInt(n, 10), nil
	}
	return nil, fmt.Errorf("expected text, got %T", v)
}

func coerceInteger(v any) (any, error) {
	if n, ok := asInt64(v); ok {
		return n, nil
	}
	switch n := v.(type) {
	case float64:
		return integralFloat(n)
	case float32:
		return integralFloat(float64(n))
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", n.String())
		}
		return integralFloat(f)
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", n)
		}
		return integralFloat(f)
	}
	return nil, fmt.Errorf("expected integer, got %T", v)
}

func integralFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Trunc(f) != f {
		return nil, fmt.Errorf("%v is not an integer", f)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which is already out of range
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return nil, fmt.Errorf("%v overflows integer", f)
	}
	return int64(f), nil
}

func coerceFloat(v any) (any, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", n.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", n)
		}
		f = parsed
	default:
		i, ok := asInt64(v)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		f = float64(i)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%v is not a finite number", f)
	}
	return f, nil
}

func coerceBoolean(v any) (any, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "t", "1", "yes", "y", "on":
			return true, nil
		case "false", "f", "0", "no", "n", "off":
			return false, nil
		}
		return nil, fmt.Errorf("invalid boolean %q", b)
	case float64:
		if b == 0 || b == 1 {
			return b == 1, nil
		}
	case json.Number:
		if b.String() == "0" || b.String() == "1" {
			return b.String() == "1", nil
		}
	}
	if n, ok := asInt64(v); ok && (n == 0 || n == 1) {
		return n == 1, nil
	}
	return nil, fmt.Errorf("expected boolean, got %v", v)
}

func coerceTime(v any) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts.UTC(), nil
	case *time.Time:
		if ts != nil {
			return ts.UTC(), nil
		}
	case string:
		s := strings.TrimSpace(ts)
		for _, layout := range dateTimeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("invalid date/time %q", ts)
	}
	return time.Time{}, fmt.Errorf("expected date/time, got %T", v)
}

func coerceStructured(v any) (any, error) {
	switch s := v.(type) {
	case map[string]any, []any:
		return s, nil
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, fmt.Errorf("invalid JSON value: %v", err)
		}
		switch decoded.(type) {
		case map[string]any, []any:
			return decoded, nil
		}
		return nil, fmt.Errorf("structured value must be an object or array")
	}
	kind := reflect.TypeOf(v).Kind()
	if kind != reflect.Map && kind != reflect.Slice && kind != reflect.Array && kind != reflect.Struct {
		return nil, fmt.Errorf("expected object or array, got %T", v)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("unsupported structured value: %v", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n), true
		}
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), true
		}
	}
	return 0, false
}
