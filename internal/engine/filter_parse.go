package engine

import (
	"sort"
	"strings"
)

// query parameters that never name a filter field
var reservedParams = map[string]bool{
	"logic":     true,
	"sort":      true,
	"page":      true,
	"limit":     true,
	"per_page":  true,
	"page_size": true,
}

// ParseFlatFilter turns query parameters of the form field__op=value into a
// single group combined with the logic parameter (default and). A key
// without an operator suffix means eq.
func ParseFlatFilter(params map[string]string) (Filter, error) {
	logic := LogicAnd
	if l, ok := params["logic"]; ok && l != "" {
		logic = Logic(strings.ToLower(strings.TrimSpace(l)))
	}
	values := make(map[string]any, len(params))
	for k, v := range params {
		if reservedParams[k] {
			continue
		}
		values[k] = v
	}
	return flatGroup(values, logic)
}

func flatGroup(values map[string]any, logic Logic) (Filter, error) {
	if logic != LogicAnd && logic != LogicOr {
		return nil, InvalidFilterError("logic must be 'and' or 'or', got %q", logic)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	g := Group{Logic: logic, Children: make([]Filter, 0, len(keys))}
	for _, k := range keys {
		field, op := splitFilterKey(k)
		if field == "" {
			return nil, InvalidFilterError("filter key %q has no field name", k)
		}
		g.Children = append(g.Children, Condition{Field: field, Op: op, Value: values[k]})
	}
	return g, nil
}

// splitFilterKey splits "field__op" on the last separator.
func splitFilterKey(key string) (string, Operator) {
	if i := strings.LastIndex(key, "__"); i >= 0 {
		return key[:i], Operator(strings.ToLower(key[i+2:]))
	}
	return key, OpEq
}

// ParseFilter decodes a structured filter as found in JSON bodies:
//
//	{"operator": "and", "conditions": [{"field": "age", "operator": "gte", "value": 18}, ...]}
//
// The legacy spelling {"logic": ..., "filters": [{"field", "op", "value"}]}
// is accepted too, as is a flat {"field__op": value} object or a bare list
// of conditions (combined with AND).
func ParseFilter(raw any) (Filter, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		return parseGroup(LogicAnd, v)
	case map[string]any:
		return parseFilterObject(v)
	}
	return nil, InvalidFilterError("filter must be an object or a list, got %T", raw)
}

func parseFilterObject(m map[string]any) (Filter, error) {
	if field, ok := m["field"]; ok {
		name, ok := field.(string)
		if !ok || name == "" {
			return nil, InvalidFilterError("condition field must be a non-empty string")
		}
		op, err := stringEntry(m, "operator", "op")
		if err != nil {
			return nil, err
		}
		if op == "" {
			op = string(OpEq)
		}
		return Condition{Field: name, Op: Operator(strings.ToLower(op)), Value: m["value"]}, nil
	}

	children, hasConditions := m["conditions"]
	if !hasConditions {
		children, hasConditions = m["filters"]
	}
	if hasConditions {
		logic, err := stringEntry(m, "operator", "logic")
		if err != nil {
			return nil, err
		}
		if logic == "" {
			logic = string(LogicAnd)
		}
		list, ok := children.([]any)
		if !ok && children != nil {
			return nil, InvalidFilterError("conditions must be a list")
		}
		return parseGroup(Logic(strings.ToLower(logic)), list)
	}

	logic := LogicAnd
	values := make(map[string]any, len(m))
	for k, v := range m {
		if k == "logic" {
			s, ok := v.(string)
			if !ok {
				return nil, InvalidFilterError("logic must be a string")
			}
			logic = Logic(strings.ToLower(s))
			continue
		}
		values[k] = v
	}
	return flatGroup(values, logic)
}

func parseGroup(logic Logic, items []any) (Filter, error) {
	if logic != LogicAnd && logic != LogicOr {
		return nil, InvalidFilterError("logic must be 'and' or 'or', got %q", logic)
	}
	g := Group{Logic: logic, Children: make([]Filter, 0, len(items))}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, InvalidFilterError("each condition must be an object")
		}
		child, err := parseFilterObject(m)
		if err != nil {
			return nil, err
		}
		g.Children = append(g.Children, child)
	}
	return g, nil
}

func stringEntry(m map[string]any, keys ...string) (string, error) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return "", InvalidFilterError("%s must be a string", k)
		}
		return s, nil
	}
	return "", nil
}
