package engine

import (
	"math"
	"sort"
	"strings"

	"tablekit/internal/metadata"
)

type SortField struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

// PageSpec selects a window of a sorted result. Page is 1-based; a Size of
// zero or less disables pagination.
type PageSpec struct {
	Page int `json:"page"`
	Size int `json:"limit"`
}

// Offset returns the index of the first item of the page, saturating at
// math.MaxInt instead of overflowing.
func (p PageSpec) Offset() int {
	page := p.Page
	if page < 1 {
		page = 1
	}
	if p.Size <= 0 {
		return 0
	}
	if page-1 > math.MaxInt/p.Size {
		return math.MaxInt
	}
	return (page - 1) * p.Size
}

// Query bundles the read parameters for a table.
type Query struct {
	Filter Filter
	Sort   []SortField
	Page   PageSpec
}

type QueryResult struct {
	Items []*Record `json:"items"`
	Total int       `json:"total"`
}

// ParseSort parses "field:asc,other:desc". The "-field" form means
// descending; direction defaults to ascending.
func ParseSort(t *metadata.Table, raw string) ([]SortField, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var fields []SortField
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sf := SortField{Field: part}
		if strings.HasPrefix(part, "-") {
			sf = SortField{Field: strings.TrimSpace(part[1:]), Desc: true}
		} else if name, dir, ok := strings.Cut(part, ":"); ok {
			sf.Field = strings.TrimSpace(name)
			switch strings.ToLower(strings.TrimSpace(dir)) {
			case "asc", "":
			case "desc":
				sf.Desc = true
			default:
				return nil, InvalidFilterError("sort direction must be asc or desc, got %q", dir)
			}
		}
		if err := checkSortable(t, sf.Field); err != nil {
			return nil, err
		}
		fields = append(fields, sf)
	}
	return fields, nil
}

func checkSortable(t *metadata.Table, field string) error {
	col, ok := t.Field(field)
	if !ok {
		return UnknownFieldError(field)
	}
	if col.Type == metadata.TypeStructured {
		return UnsupportedOperatorError(field, "sort", "structured values are not sortable")
	}
	return nil
}

// Executor evaluates filter, sort and page over an in-memory row set.
type Executor struct{}

// Execute returns the matching records in sort order and the number of
// matches before pagination. Missing values sort last in either direction;
// ties fall back to ascending id, so the output does not depend on the
// order of rows.
func (Executor) Execute(t *metadata.Table, rows []*Record, pred Predicate, sortBy []SortField, page PageSpec) (QueryResult, error) {
	for _, sf := range sortBy {
		if err := checkSortable(t, sf.Field); err != nil {
			return QueryResult{}, err
		}
	}
	if pred == nil {
		pred = matchAll
	}

	matched := make([]*Record, 0, len(rows))
	for _, r := range rows {
		if pred(r) {
			matched = append(matched, r)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return lessRecords(matched[i], matched[j], sortBy)
	})

	total := len(matched)
	if page.Size > 0 {
		offset := page.Offset()
		if offset < 0 || offset >= total {
			matched = matched[:0]
		} else {
			end := total
			if page.Size < total-offset {
				end = offset + page.Size
			}
			matched = matched[offset:end]
		}
	}
	return QueryResult{Items: matched, Total: total}, nil
}

func lessRecords(a, b *Record, sortBy []SortField) bool {
	for _, sf := range sortBy {
		va, okA := a.Value(sf.Field)
		vb, okB := b.Value(sf.Field)
		switch {
		case !okA && !okB:
			continue
		case !okA:
			return false
		case !okB:
			return true
		}
		c, ok := compareValues(va, vb)
		if !ok || c == 0 {
			continue
		}
		if sf.Desc {
			return c > 0
		}
		return c < 0
	}
	return a.ID < b.ID
}
