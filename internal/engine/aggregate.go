package engine

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"

	"tablekit/internal/metadata"
)

type WidgetType string

const (
	WidgetMetric WidgetType = "metric"
	WidgetChart  WidgetType = "chart"
	WidgetTable  WidgetType = "table"
)

type Aggregate string

const (
	AggCount         Aggregate = "count"
	AggSum           Aggregate = "sum"
	AggAvg           Aggregate = "avg"
	AggMin           Aggregate = "min"
	AggMax           Aggregate = "max"
	AggDistinctCount Aggregate = "distinct_count"
)

const unsetLabel = "(unset)"

// Widget is a dashboard widget definition.
type Widget struct {
	Type      WidgetType  `json:"type"`
	Title     string      `json:"title,omitempty"`
	ChartType string      `json:"chart_type,omitempty"`
	Query     WidgetQuery `json:"query"`
}

// WidgetQuery selects and reduces the records of one table. Filters takes
// either the flat {"field__op": value} form or a filter tree.
type WidgetQuery struct {
	Resource  string    `json:"resource"`
	Aggregate Aggregate `json:"aggregate,omitempty"`
	Field     string    `json:"field,omitempty"`
	GroupBy   string    `json:"group_by,omitempty"`
	Filters   any       `json:"filters,omitempty"`
	Sort      string    `json:"sort,omitempty"`
	Page      int       `json:"page,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

type ChartPoint struct {
	Label string `json:"label"`
	Value any    `json:"value"`
}

// WidgetResult is the evaluated widget. Only the fields of its type are
// rendered.
type WidgetResult struct {
	Type      WidgetType
	Title     string
	ChartType string
	Value     any
	NoData    bool
	Points    []ChartPoint
	Records   []*Record
	Total     int
	Page      int
	Limit     int
}

func (r *WidgetResult) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": r.Type}
	if r.Title != "" {
		out["title"] = r.Title
	}
	switch r.Type {
	case WidgetMetric:
		out["value"] = r.Value
		out["no_data"] = r.NoData
	case WidgetChart:
		points := r.Points
		if points == nil {
			points = []ChartPoint{}
		}
		out["chart_type"] = r.ChartType
		out["data"] = points
	case WidgetTable:
		records := r.Records
		if records == nil {
			records = []*Record{}
		}
		out["records"] = records
		out["total"] = r.Total
		out["page"] = r.Page
		out["limit"] = r.Limit
	}
	return json.Marshal(out)
}

// RunWidget evaluates a widget against the tables of app.
func (e *Engine) RunWidget(ctx context.Context, app string, w Widget) (*WidgetResult, error) {
	if w.Query.Resource == "" {
		return nil, InvalidWidgetError("query.resource is required")
	}
	key := metadata.TableKey{App: app, Table: strings.ToLower(strings.TrimSpace(w.Query.Resource))}

	ctx, span := startSpan(ctx, "widgets", "widgets.run", key)
	span.SetMetadata("widget_type", string(w.Type))
	unlock := e.locks.rlock(key)
	defer unlock()

	res, err := e.runWidgetLocked(ctx, key, w)
	finish(span, err)
	return res, err
}

func (e *Engine) runWidgetLocked(ctx context.Context, key metadata.TableKey, w Widget) (*WidgetResult, error) {
	t, err := e.registry.GetSchema(key)
	if err != nil {
		return nil, err
	}
	filter, err := ParseFilter(w.Query.Filters)
	if err != nil {
		return nil, err
	}
	pred, err := Translate(t, filter)
	if err != nil {
		return nil, err
	}

	switch w.Type {
	case WidgetMetric, WidgetChart:
		agg, err := checkAggregate(t, w.Query)
		if err != nil {
			return nil, err
		}
		rows, err := e.loadRecords(ctx, t)
		if err != nil {
			return nil, err
		}
		res, err := e.executor.Execute(t, rows, pred, nil, PageSpec{})
		if err != nil {
			return nil, err
		}
		if w.Type == WidgetMetric {
			value, ok := reduce(agg, w.Query.Field, res.Items)
			return &WidgetResult{Type: w.Type, Title: w.Title, Value: value, NoData: !ok}, nil
		}
		return chartResult(t, w, agg, res.Items)

	case WidgetTable:
		return e.tableResult(ctx, t, w, pred)
	}
	return nil, InvalidWidgetError("unknown widget type %q", w.Type)
}

func checkAggregate(t *metadata.Table, q WidgetQuery) (Aggregate, error) {
	agg := Aggregate(strings.ToLower(string(q.Aggregate)))
	if agg == "" {
		agg = AggCount
	}
	switch agg {
	case AggCount:
		return agg, nil
	case AggDistinctCount:
		if q.Field == "" {
			return "", InvalidWidgetError("distinct_count requires a field")
		}
		if _, ok := t.Field(q.Field); !ok {
			return "", UnknownFieldError(q.Field)
		}
		return agg, nil
	case AggSum, AggAvg, AggMin, AggMax:
		if q.Field == "" {
			return "", InvalidWidgetError("%s requires a field", agg)
		}
		col, ok := t.Field(q.Field)
		if !ok {
			return "", UnknownFieldError(q.Field)
		}
		if !col.Type.IsNumeric() {
			return "", InvalidWidgetError("%s requires a numeric field, %s is %s", agg, q.Field, col.Type)
		}
		return agg, nil
	}
	return "", InvalidWidgetError("unknown aggregate %q", q.Aggregate)
}

// reduce applies agg to field over rows. ok is false when the aggregate
// has no defined value for the input (avg/min/max of no numbers).
func reduce(agg Aggregate, field string, rows []*Record) (any, bool) {
	switch agg {
	case AggCount:
		return int64(len(rows)), true

	case AggDistinctCount:
		seen := make(map[string]struct{}, len(rows))
		for _, r := range rows {
			k := unsetLabel + "\x00"
			if v, ok := r.Value(field); ok {
				k = canonicalJSON(v)
			}
			seen[k] = struct{}{}
		}
		return int64(len(seen)), true
	}

	var (
		n                  int
		allInts            = true
		sumOverflow        bool
		intSum             int64
		intMin, intMax     int64
		floatSum           float64
		floatMin, floatMax float64
	)
	for _, r := range rows {
		v, ok := r.Value(field)
		if !ok {
			continue
		}
		f, ok := toFloat64(v)
		if !ok || math.IsInf(f, 0) {
			continue
		}
		if i, isInt := v.(int64); isInt {
			if (i > 0 && intSum > math.MaxInt64-i) || (i < 0 && intSum < math.MinInt64-i) {
				sumOverflow = true
			} else {
				intSum += i
			}
			if n == 0 || i < intMin {
				intMin = i
			}
			if n == 0 || i > intMax {
				intMax = i
			}
		} else {
			allInts = false
		}
		floatSum += f
		if n == 0 || f < floatMin {
			floatMin = f
		}
		if n == 0 || f > floatMax {
			floatMax = f
		}
		n++
	}

	switch agg {
	case AggSum:
		// an integer sum that would wrap falls back to the float total
		if allInts && !sumOverflow {
			return intSum, true
		}
		return floatSum, true
	case AggAvg:
		if n == 0 {
			return nil, false
		}
		return floatSum / float64(n), true
	case AggMin:
		if n == 0 {
			return nil, false
		}
		if allInts {
			return intMin, true
		}
		return floatMin, true
	case AggMax:
		if n == 0 {
			return nil, false
		}
		if allInts {
			return intMax, true
		}
		return floatMax, true
	}
	return nil, false
}

func chartResult(t *metadata.Table, w Widget, agg Aggregate, rows []*Record) (*WidgetResult, error) {
	if w.Query.GroupBy == "" {
		return nil, InvalidWidgetError("chart widgets require query.group_by")
	}
	col, ok := t.Field(w.Query.GroupBy)
	if !ok {
		return nil, UnknownFieldError(w.Query.GroupBy)
	}

	order := strings.ToLower(strings.TrimSpace(w.Query.Sort))
	switch order {
	case "":
		order = "value:desc"
	case "value:desc", "value:asc", "label:asc", "label:desc":
	default:
		return nil, InvalidWidgetError("chart sort must be value:asc, value:desc, label:asc or label:desc, got %q", w.Query.Sort)
	}

	buckets := make(map[string][]*Record)
	for _, r := range rows {
		label := unsetLabel
		if v, ok := r.Value(col.Name); ok {
			label = labelOf(col, v)
		}
		buckets[label] = append(buckets[label], r)
	}

	type bucket struct {
		label string
		value any
		num   float64
	}
	items := make([]bucket, 0, len(buckets))
	for label, members := range buckets {
		v, _ := reduce(agg, w.Query.Field, members)
		f, _ := toFloat64(v)
		items = append(items, bucket{label: label, value: v, num: f})
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch order {
		case "label:asc":
			return a.label < b.label
		case "label:desc":
			return a.label > b.label
		case "value:asc":
			if a.num != b.num {
				return a.num < b.num
			}
		default:
			if a.num != b.num {
				return a.num > b.num
			}
		}
		return a.label < b.label
	})

	chartType := w.ChartType
	if chartType == "" {
		chartType = "bar"
	}
	points := make([]ChartPoint, len(items))
	for i, it := range items {
		points[i] = ChartPoint{Label: it.label, Value: it.value}
	}
	return &WidgetResult{Type: w.Type, Title: w.Title, ChartType: chartType, Points: points}, nil
}

func (e *Engine) tableResult(ctx context.Context, t *metadata.Table, w Widget, pred Predicate) (*WidgetResult, error) {
	sortBy, err := ParseSort(t, w.Query.Sort)
	if err != nil {
		return nil, err
	}
	page := w.Query.Page
	if page < 1 {
		page = 1
	}
	limit := w.Query.Limit
	if limit <= 0 {
		limit = e.opts.WidgetTableLimit
	}
	if limit > e.opts.MaxPageSize {
		limit = e.opts.MaxPageSize
	}

	rows, err := e.loadRecords(ctx, t)
	if err != nil {
		return nil, err
	}
	res, err := e.executor.Execute(t, rows, pred, sortBy, PageSpec{Page: page, Size: limit})
	if err != nil {
		return nil, err
	}
	return &WidgetResult{
		Type:    w.Type,
		Title:   w.Title,
		Records: res.Items,
		Total:   res.Total,
		Page:    page,
		Limit:   limit,
	}, nil
}
