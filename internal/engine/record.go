package engine

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tablekit/internal/metadata"
	"tablekit/internal/store"
)

// Record is a stored row as seen by callers. Data holds declared columns in
// their coerced form plus any keys the schema does not (or no longer)
// declare.
type Record struct {
	ID        int64          `json:"id"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Value returns the value of a declared or system field. A nil value is
// reported as absent.
func (r *Record) Value(field string) (any, bool) {
	switch field {
	case metadata.FieldID:
		return r.ID, true
	case metadata.FieldCreatedAt:
		return r.CreatedAt, true
	case metadata.FieldUpdatedAt:
		return r.UpdatedAt, true
	}
	v, ok := r.Data[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// recordFromDocument re-coerces declared columns of a stored document.
// Values that no longer fit their column are dropped and logged.
func recordFromDocument(t *metadata.Table, doc store.Document, logger *zap.SugaredLogger) *Record {
	data := make(map[string]any, len(doc.Values))
	for k, v := range doc.Values {
		data[k] = v
	}
	for _, col := range t.Columns {
		raw, ok := data[col.Name]
		if !ok || raw == nil {
			continue
		}
		v, err := col.Coerce(raw)
		if err != nil {
			logger.Warnw("Dropping stored value that no longer matches its column",
				"table", t.Key().String(), "id", doc.ID, "column", col.Name, "error", err)
			delete(data, col.Name)
			continue
		}
		data[col.Name] = v
	}
	return &Record{ID: doc.ID, Data: data, CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt}
}

// compareValues orders two coerced values of the same column type. ok is
// false when the values are not comparable.
func compareValues(a, b any) (int, bool) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, y), true
		case float64:
			return cmpOrdered(float64(x), y), true
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmpOrdered(x, y), true
		case int64:
			return cmpOrdered(x, float64(y)), true
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			default:
				return 1, true
			}
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), true
		}
	}
	return 0, false
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// valuesEqual reports whether two coerced values are equal. Structured
// values compare by their canonical JSON encoding.
func valuesEqual(a, b any) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	switch a.(type) {
	case map[string]any, []any:
		return canonicalJSON(a) == canonicalJSON(b)
	}
	return false
}

func canonicalJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// toFloat64 converts a numeric value to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case int64:
		return float64(n), true
	}
	return 0, false
}

// labelOf renders a coerced value as a chart label.
func labelOf(col metadata.Column, v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if col.Type == metadata.TypeDate {
			return x.Format("2006-01-02")
		}
		return x.Format(time.RFC3339)
	}
	return canonicalJSON(v)
}
