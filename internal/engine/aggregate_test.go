package engine

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablekit/internal/metadata"
)

var ordersKey = metadata.TableKey{App: "sales", Table: "orders"}

func seedOrders(t *testing.T, e *Engine) {
	t.Helper()
	_, err := e.DefineTable(context.Background(), "sales", metadata.TableDefinition{
		Name: "orders",
		Columns: []metadata.Column{
			{Name: "status", Type: metadata.TypeShortText},
			{Name: "total", Type: metadata.TypeFloat},
			{Name: "items", Type: metadata.TypeInteger},
			{Name: "region", Type: metadata.TypeShortText},
		},
	})
	require.NoError(t, err)

	for _, o := range []map[string]any{
		{"status": "paid", "total": 10.5, "items": 1, "region": "eu"},
		{"status": "paid", "total": 20, "items": 3, "region": "us"},
		{"status": "open", "total": 5, "items": 2, "region": "eu"},
		{"status": "open", "items": 4},
		{"status": "void", "total": 0, "items": 1, "region": "us"},
	} {
		mustCreate(t, e, ordersKey, o)
	}
}

func metric(agg Aggregate, field string, filters any) Widget {
	return Widget{Type: WidgetMetric, Query: WidgetQuery{Resource: "orders", Aggregate: agg, Field: field, Filters: filters}}
}

func TestRunWidget_Metric(t *testing.T) {
	e := newTestEngine(t)
	seedOrders(t, e)
	ctx := context.Background()

	cases := []struct {
		name   string
		widget Widget
		value  any
	}{
		{"count", metric(AggCount, "", nil), int64(5)},
		{"count filtered flat", metric(AggCount, "", map[string]any{"status": "paid"}), int64(2)},
		{"sum float", metric(AggSum, "total", nil), 35.5},
		{"sum integer", metric(AggSum, "items", nil), int64(11)},
		{"avg skips missing", metric(AggAvg, "total", nil), 8.875},
		{"min", metric(AggMin, "items", nil), int64(1)},
		{"max", metric(AggMax, "total", nil), 20.0},
		{"distinct counts unset bucket", metric(AggDistinctCount, "region", nil), int64(3)},
		{"sum of nothing", metric(AggSum, "total", map[string]any{"status": "missing"}), int64(0)},
		{"structured filter", metric(AggCount, "", map[string]any{
			"operator": "or",
			"conditions": []any{
				map[string]any{"field": "status", "operator": "eq", "value": "void"},
				map[string]any{"field": "items", "operator": "gte", "value": 4},
			},
		}), int64(2)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := e.RunWidget(ctx, "sales", tc.widget)
			require.NoError(t, err)
			assert.Equal(t, tc.value, res.Value)
			assert.False(t, res.NoData)
		})
	}
}

func TestRunWidget_MetricNoData(t *testing.T) {
	e := newTestEngine(t)
	seedOrders(t, e)

	for _, agg := range []Aggregate{AggAvg, AggMin, AggMax} {
		res, err := e.RunWidget(context.Background(), "sales", metric(agg, "total", map[string]any{"status": "missing"}))
		require.NoError(t, err)
		assert.True(t, res.NoData, agg)
		assert.Nil(t, res.Value, agg)

		raw, err := json.Marshal(res)
		require.NoError(t, err)
		assert.JSONEq(t, `{"type": "metric", "value": null, "no_data": true}`, string(raw))
	}
}

func TestRunWidget_Chart(t *testing.T) {
	e := newTestEngine(t)
	seedOrders(t, e)
	ctx := context.Background()

	chart := Widget{Type: WidgetChart, Title: "Orders by region", Query: WidgetQuery{
		Resource: "orders", Aggregate: AggCount, GroupBy: "region",
	}}
	res, err := e.RunWidget(ctx, "sales", chart)
	require.NoError(t, err)
	assert.Equal(t, "bar", res.ChartType)
	assert.Equal(t, []ChartPoint{
		{Label: "eu", Value: int64(2)},
		{Label: "us", Value: int64(2)},
		{Label: unsetLabel, Value: int64(1)},
	}, res.Points)

	chart.ChartType = "pie"
	chart.Query.Aggregate = AggSum
	chart.Query.Field = "total"
	chart.Query.GroupBy = "status"
	chart.Query.Sort = "label:asc"
	res, err = e.RunWidget(ctx, "sales", chart)
	require.NoError(t, err)
	assert.Equal(t, "pie", res.ChartType)
	assert.Equal(t, []ChartPoint{
		{Label: "open", Value: 5.0},
		{Label: "paid", Value: 30.5},
		{Label: "void", Value: 0.0},
	}, res.Points)

	chart.Query.Sort = "value:asc"
	res, err = e.RunWidget(ctx, "sales", chart)
	require.NoError(t, err)
	assert.Equal(t, []string{"void", "open", "paid"}, []string{res.Points[0].Label, res.Points[1].Label, res.Points[2].Label})
}

func TestRunWidget_AgreesWithList(t *testing.T) {
	e := newTestEngine(t)
	seedOrders(t, e)
	ctx := context.Background()

	for _, filters := range []map[string]any{
		nil,
		{"status": "paid"},
		{"items__gte": 2},
		{"region": "eu"},
		{"status__in": "open,void", "total__lt": 6},
	} {
		filter, err := ParseFilter(filters)
		require.NoError(t, err)
		listed, err := e.List(ctx, ordersKey, Query{Filter: filter})
		require.NoError(t, err)

		res, err := e.RunWidget(ctx, "sales", metric(AggCount, "", filters))
		require.NoError(t, err)
		assert.Equal(t, int64(listed.Total), res.Value, "%v", filters)

		chart, err := e.RunWidget(ctx, "sales", Widget{Type: WidgetChart, Query: WidgetQuery{
			Resource: "orders", Aggregate: AggCount, GroupBy: "status", Filters: filters,
		}})
		require.NoError(t, err)
		var charted int64
		for _, p := range chart.Points {
			charted += p.Value.(int64)
		}
		assert.Equal(t, int64(listed.Total), charted, "%v", filters)
	}
}

func TestRunWidget_Table(t *testing.T) {
	e := newTestEngine(t)
	seedOrders(t, e)

	res, err := e.RunWidget(context.Background(), "sales", Widget{Type: WidgetTable, Query: WidgetQuery{
		Resource: "orders",
		Filters:  map[string]any{"status__in": "paid,open"},
		Sort:     "items:desc",
		Limit:    2,
	}})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, 2, res.Limit)
	assert.Equal(t, []int64{4, 2}, ids(res.Records))

	// the configured limit applies when none is given
	res, err = e.RunWidget(context.Background(), "sales", Widget{Type: WidgetTable, Query: WidgetQuery{Resource: "orders"}})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Limit)
	assert.Len(t, res.Records, 5)
}

func TestRunWidget_Errors(t *testing.T) {
	e := newTestEngine(t)
	seedOrders(t, e)
	ctx := context.Background()

	cases := []struct {
		name   string
		widget Widget
		code   string
	}{
		{"missing resource", Widget{Type: WidgetMetric}, "INVALID_WIDGET"},
		{"unknown type", Widget{Type: "gauge", Query: WidgetQuery{Resource: "orders"}}, "INVALID_WIDGET"},
		{"unknown aggregate", metric("median", "total", nil), "INVALID_WIDGET"},
		{"sum of text", metric(AggSum, "status", nil), "INVALID_WIDGET"},
		{"sum without field", metric(AggSum, "", nil), "INVALID_WIDGET"},
		{"unknown field", metric(AggAvg, "discount", nil), "UNKNOWN_FIELD"},
		{"chart without group", Widget{Type: WidgetChart, Query: WidgetQuery{Resource: "orders"}}, "INVALID_WIDGET"},
		{"chart bad sort", Widget{Type: WidgetChart, Query: WidgetQuery{Resource: "orders", GroupBy: "status", Sort: "size"}}, "INVALID_WIDGET"},
		{"bad filter", metric(AggCount, "", map[string]any{"total__like": "1"}), "UNSUPPORTED_OPERATOR"},
		{"unknown table", Widget{Type: WidgetMetric, Query: WidgetQuery{Resource: "refunds"}}, "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.RunWidget(ctx, "sales", tc.widget)
			assert.Equal(t, tc.code, appErrCode(t, err))
		})
	}
}

func TestReduce_IntegerSumOverflowFallsBackToFloat(t *testing.T) {
	rows := []*Record{
		{ID: 1, Data: map[string]any{"score": int64(math.MaxInt64)}},
		{ID: 2, Data: map[string]any{"score": int64(1)}},
	}

	sum, ok := reduce(AggSum, "score", rows)
	require.True(t, ok)
	assert.Equal(t, float64(math.MaxInt64)+1, sum)

	high, ok := reduce(AggMax, "score", rows)
	require.True(t, ok)
	assert.Equal(t, int64(math.MaxInt64), high)

	rows = []*Record{
		{ID: 1, Data: map[string]any{"score": int64(math.MinInt64)}},
		{ID: 2, Data: map[string]any{"score": int64(-1)}},
	}
	sum, ok = reduce(AggSum, "score", rows)
	require.True(t, ok)
	assert.IsType(t, float64(0), sum)
	assert.Less(t, sum.(float64), 0.0)

	sum, _ = reduce(AggSum, "score", []*Record{
		{ID: 1, Data: map[string]any{"score": int64(math.MaxInt64)}},
		{ID: 2, Data: map[string]any{"score": int64(-1)}},
	})
	assert.Equal(t, int64(math.MaxInt64-1), sum)
}
