package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablekit/internal/metadata"
)

func filterTable() *metadata.Table {
	return &metadata.Table{
		App:  "shop",
		Name: "products",
		Columns: []metadata.Column{
			{Name: "title", Type: metadata.TypeShortText},
			{Name: "notes", Type: metadata.TypeLongText},
			{Name: "price", Type: metadata.TypeFloat},
			{Name: "stock", Type: metadata.TypeInteger},
			{Name: "listed", Type: metadata.TypeBoolean},
			{Name: "released", Type: metadata.TypeDate},
			{Name: "attrs", Type: metadata.TypeStructured},
		},
	}
}

func product(id int64, data map[string]any) *Record {
	return &Record{ID: id, Data: data}
}

func matching(t *testing.T, tbl *metadata.Table, f Filter, rows []*Record) []int64 {
	t.Helper()
	pred, err := Translate(tbl, f)
	require.NoError(t, err)
	var ids []int64
	for _, r := range rows {
		if pred(r) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

func productRows() []*Record {
	day := func(s string) time.Time {
		ts, _ := time.Parse("2006-01-02", s)
		return ts
	}
	return []*Record{
		product(1, map[string]any{"title": "Red Mug", "price": 9.5, "stock": int64(10), "listed": true, "released": day("2024-01-10")}),
		product(2, map[string]any{"title": "Blue Mug", "price": 12.0, "stock": int64(0), "listed": false, "released": day("2024-03-01")}),
		product(3, map[string]any{"title": "Teapot", "price": 30.0, "stock": int64(4), "listed": true}),
		product(4, map[string]any{"title": "mug rack", "stock": int64(2), "attrs": map[string]any{"color": "red"}}),
	}
}

func TestTranslate_Comparisons(t *testing.T) {
	tbl := filterTable()
	rows := productRows()

	cases := []struct {
		name   string
		filter Filter
		want   []int64
	}{
		{"eq", Condition{Field: "stock", Op: OpEq, Value: "10"}, []int64{1}},
		{"neq skips missing", Condition{Field: "price", Op: OpNeq, Value: 9.5}, []int64{2, 3}},
		{"gt", Condition{Field: "price", Op: OpGt, Value: 10}, []int64{2, 3}},
		{"lte", Condition{Field: "stock", Op: OpLte, Value: 2}, []int64{2, 4}},
		{"like substring", Condition{Field: "title", Op: OpLike, Value: "Mug"}, []int64{1, 2}},
		{"like wildcard", Condition{Field: "title", Op: OpLike, Value: "%Mug"}, []int64{1, 2}},
		{"ilike", Condition{Field: "title", Op: OpILike, Value: "mug%"}, []int64{4}},
		{"ilike substring", Condition{Field: "title", Op: OpILike, Value: "MUG"}, []int64{1, 2, 4}},
		{"in list", Condition{Field: "stock", Op: OpIn, Value: []any{0, 4}}, []int64{2, 3}},
		{"in csv", Condition{Field: "stock", Op: OpIn, Value: "0, 4"}, []int64{2, 3}},
		{"nin", Condition{Field: "stock", Op: OpNotIn, Value: "0,4"}, []int64{1, 4}},
		{"between inclusive", Condition{Field: "price", Op: OpBetween, Value: []any{9.5, 12}}, []int64{1, 2}},
		{"between dates", Condition{Field: "released", Op: OpBetween, Value: "2024-01-01,2024-02-01"}, []int64{1}},
		{"boolean", Condition{Field: "listed", Op: OpEq, Value: "true"}, []int64{1, 3}},
		{"structured eq", Condition{Field: "attrs", Op: OpEq, Value: map[string]any{"color": "red"}}, []int64{4}},
		{"system id", Condition{Field: "id", Op: OpGte, Value: 3}, []int64{3, 4}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, matching(t, tbl, tc.filter, rows))
		})
	}
}

func TestTranslate_Groups(t *testing.T) {
	tbl := filterTable()
	rows := productRows()

	and := Group{Logic: LogicAnd, Children: []Filter{
		Condition{Field: "listed", Op: OpEq, Value: true},
		Condition{Field: "price", Op: OpLt, Value: 20},
	}}
	assert.Equal(t, []int64{1}, matching(t, tbl, and, rows))

	nested := Group{Logic: LogicOr, Children: []Filter{
		and,
		Condition{Field: "title", Op: OpEq, Value: "Teapot"},
	}}
	assert.Equal(t, []int64{1, 3}, matching(t, tbl, nested, rows))

	assert.Equal(t, []int64{1, 2, 3, 4}, matching(t, tbl, Group{Logic: LogicAnd}, rows))
	assert.Empty(t, matching(t, tbl, Group{Logic: LogicOr}, rows))
	assert.Equal(t, []int64{1, 2, 3, 4}, matching(t, tbl, nil, rows))
}

func TestTranslate_Errors(t *testing.T) {
	tbl := filterTable()

	cases := []struct {
		name   string
		filter Filter
		code   string
	}{
		{"unknown field", Condition{Field: "colour", Op: OpEq, Value: "red"}, "UNKNOWN_FIELD"},
		{"unknown operator", Condition{Field: "title", Op: "contains", Value: "x"}, "UNSUPPORTED_OPERATOR"},
		{"ordered op on text", Condition{Field: "title", Op: OpGt, Value: "a"}, "UNSUPPORTED_OPERATOR"},
		{"like on number", Condition{Field: "price", Op: OpLike, Value: "1%"}, "UNSUPPORTED_OPERATOR"},
		{"ordered op on structured", Condition{Field: "attrs", Op: OpLt, Value: "{}"}, "UNSUPPORTED_OPERATOR"},
		{"between on boolean", Condition{Field: "listed", Op: OpBetween, Value: "false,true"}, "UNSUPPORTED_OPERATOR"},
		{"operand not coercible", Condition{Field: "stock", Op: OpEq, Value: "many"}, "INVALID_FILTER"},
		{"null operand", Condition{Field: "stock", Op: OpEq, Value: nil}, "INVALID_FILTER"},
		{"between needs two bounds", Condition{Field: "price", Op: OpBetween, Value: []any{1}}, "INVALID_FILTER"},
		{"bad logic", Group{Logic: "xor"}, "INVALID_FILTER"},
		{"nested error", Group{Logic: LogicAnd, Children: []Filter{Condition{Field: "nope", Op: OpEq, Value: 1}}}, "UNKNOWN_FIELD"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Translate(tbl, tc.filter)
			assert.Equal(t, tc.code, appErrCode(t, err))
		})
	}
}

func TestParseFlatFilter(t *testing.T) {
	tbl := filterTable()
	rows := productRows()

	f, err := ParseFlatFilter(map[string]string{
		"title__ilike": "mug",
		"stock__gte":   "2",
		"sort":         "price:desc",
		"page":         "1",
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4}, matching(t, tbl, f, rows))

	f, err = ParseFlatFilter(map[string]string{
		"stock": "0",
		"title": "Teapot",
		"logic": "OR",
		"limit": "5",
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, matching(t, tbl, f, rows))

	_, err = ParseFlatFilter(map[string]string{"logic": "xor"})
	assert.Equal(t, "INVALID_FILTER", appErrCode(t, err))
}

func TestParseFilter_Shapes(t *testing.T) {
	tbl := filterTable()
	rows := productRows()

	decode := func(s string) any {
		var v any
		require.NoError(t, json.Unmarshal([]byte(s), &v))
		return v
	}

	shapes := map[string]string{
		"groups": `{"operator": "or", "conditions": [
			{"field": "title", "operator": "eq", "value": "Teapot"},
			{"operator": "and", "conditions": [
				{"field": "listed", "operator": "eq", "value": false},
				{"field": "price", "operator": "gt", "value": 10}
			]}
		]}`,
		"legacy": `{"logic": "or", "filters": [
			{"field": "title", "op": "eq", "value": "Teapot"},
			{"logic": "and", "filters": [
				{"field": "listed", "op": "eq", "value": false},
				{"field": "price", "op": "gt", "value": 10}
			]}
		]}`,
	}
	for name, raw := range shapes {
		t.Run(name, func(t *testing.T) {
			f, err := ParseFilter(decode(raw))
			require.NoError(t, err)
			assert.Equal(t, []int64{2, 3}, matching(t, tbl, f, rows))
		})
	}

	f, err := ParseFilter(decode(`{"stock__in": [0, 4], "logic": "and"}`))
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, matching(t, tbl, f, rows))

	f, err = ParseFilter(decode(`[{"field": "listed", "value": true}, {"field": "stock", "operator": "gt", "value": 5}]`))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, matching(t, tbl, f, rows))

	f, err = ParseFilter(nil)
	require.NoError(t, err)
	assert.Nil(t, f)

	for _, bad := range []string{`"title=x"`, `{"conditions": "nope"}`, `[1, 2]`, `{"field": ""}`} {
		_, err := ParseFilter(decode(bad))
		assert.Equal(t, "INVALID_FILTER", appErrCode(t, err), bad)
	}
}

func TestSplitFilterKey(t *testing.T) {
	field, op := splitFilterKey("price__gte")
	assert.Equal(t, "price", field)
	assert.Equal(t, OpGte, op)

	field, op = splitFilterKey("title")
	assert.Equal(t, "title", field)
	assert.Equal(t, OpEq, op)
}
