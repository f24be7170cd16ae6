package engine

import (
	"fmt"
	"regexp"
	"strings"

	"tablekit/internal/metadata"
)

type Operator string

const (
	OpEq      Operator = "eq"
	OpNeq     Operator = "neq"
	OpLt      Operator = "lt"
	OpLte     Operator = "lte"
	OpGt      Operator = "gt"
	OpGte     Operator = "gte"
	OpLike    Operator = "like"
	OpILike   Operator = "ilike"
	OpIn      Operator = "in"
	OpNotIn   Operator = "nin"
	OpBetween Operator = "between"
)

type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Filter is a node of a filter tree: a Condition or a Group.
type Filter interface {
	filterNode()
}

// Condition compares one field against an operand.
type Condition struct {
	Field string   `json:"field"`
	Op    Operator `json:"operator"`
	Value any      `json:"value"`
}

// Group combines child filters with AND or OR. An empty AND group matches
// every record; an empty OR group matches none.
type Group struct {
	Logic    Logic    `json:"operator"`
	Children []Filter `json:"conditions"`
}

func (Condition) filterNode() {}
func (Group) filterNode()     {}

// Predicate reports whether a record satisfies a translated filter.
type Predicate func(r *Record) bool

func matchAll(*Record) bool { return true }

// Translate resolves fields and coerces operands of f against the table
// schema and returns an executable predicate. A nil filter matches all.
func Translate(t *metadata.Table, f Filter) (Predicate, error) {
	switch n := f.(type) {
	case nil:
		return matchAll, nil
	case Condition:
		return translateCondition(t, n)
	case *Condition:
		return translateCondition(t, *n)
	case Group:
		return translateGroup(t, n)
	case *Group:
		return translateGroup(t, *n)
	}
	return nil, InvalidFilterError("unsupported filter node %T", f)
}

func translateGroup(t *metadata.Table, g Group) (Predicate, error) {
	children := make([]Predicate, 0, len(g.Children))
	for _, child := range g.Children {
		p, err := Translate(t, child)
		if err != nil {
			return nil, err
		}
		children = append(children, p)
	}

	switch g.Logic {
	case LogicAnd, "":
		return func(r *Record) bool {
			for _, p := range children {
				if !p(r) {
					return false
				}
			}
			return true
		}, nil
	case LogicOr:
		return func(r *Record) bool {
			for _, p := range children {
				if p(r) {
					return true
				}
			}
			return false
		}, nil
	}
	return nil, InvalidFilterError("logic must be 'and' or 'or', got %q", g.Logic)
}

// allowedOperators returns the operators a column type supports.
func allowedOperators(t metadata.ColumnType) map[Operator]bool {
	switch {
	case t == metadata.TypeStructured:
		return map[Operator]bool{OpEq: true, OpNeq: true}
	case t == metadata.TypeBoolean:
		return map[Operator]bool{OpEq: true, OpNeq: true, OpIn: true, OpNotIn: true}
	case t.IsText():
		return map[Operator]bool{OpEq: true, OpNeq: true, OpLike: true, OpILike: true, OpIn: true, OpNotIn: true}
	case t.IsOrdered():
		return map[Operator]bool{
			OpEq: true, OpNeq: true, OpLt: true, OpLte: true, OpGt: true, OpGte: true,
			OpIn: true, OpNotIn: true, OpBetween: true,
		}
	}
	return nil
}

func knownOperator(op Operator) bool {
	switch op {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte, OpLike, OpILike, OpIn, OpNotIn, OpBetween:
		return true
	}
	return false
}

func translateCondition(t *metadata.Table, c Condition) (Predicate, error) {
	col, ok := t.Field(c.Field)
	if !ok {
		return nil, UnknownFieldError(c.Field)
	}
	op := Operator(strings.ToLower(string(c.Op)))
	if op == "" {
		op = OpEq
	}
	if !knownOperator(op) {
		return nil, UnsupportedOperatorError(c.Field, string(op), "unknown operator")
	}
	if !allowedOperators(col.Type)[op] {
		return nil, UnsupportedOperatorError(c.Field, string(op), fmt.Sprintf("not valid for %s", col.Type))
	}

	field := c.Field
	switch op {
	case OpLike, OpILike:
		s, ok := c.Value.(string)
		if !ok {
			return nil, InvalidFilterError("%s %s expects a text operand", field, op)
		}
		re, err := likePattern(s, op == OpILike)
		if err != nil {
			return nil, InvalidFilterError("%s %s: %v", field, op, err)
		}
		return func(r *Record) bool {
			v, ok := r.Value(field)
			if !ok {
				return false
			}
			str, ok := v.(string)
			return ok && re.MatchString(str)
		}, nil

	case OpIn, OpNotIn:
		items, err := operandList(c.Value)
		if err != nil {
			return nil, InvalidFilterError("%s %s: %v", field, op, err)
		}
		values := make([]any, 0, len(items))
		for _, item := range items {
			v, err := coerceOperand(col, item)
			if err != nil {
				return nil, InvalidFilterError("%s %s: %v", field, op, err)
			}
			values = append(values, v)
		}
		want := op == OpIn
		return func(r *Record) bool {
			v, ok := r.Value(field)
			if !ok {
				return false
			}
			for _, candidate := range values {
				if valuesEqual(v, candidate) {
					return want
				}
			}
			return !want
		}, nil

	case OpBetween:
		items, err := operandList(c.Value)
		if err != nil || len(items) != 2 {
			return nil, InvalidFilterError("%s between expects exactly two bounds", field)
		}
		lo, err := coerceOperand(col, items[0])
		if err != nil {
			return nil, InvalidFilterError("%s between: %v", field, err)
		}
		hi, err := coerceOperand(col, items[1])
		if err != nil {
			return nil, InvalidFilterError("%s between: %v", field, err)
		}
		return func(r *Record) bool {
			v, ok := r.Value(field)
			if !ok {
				return false
			}
			cLo, ok1 := compareValues(v, lo)
			cHi, ok2 := compareValues(v, hi)
			return ok1 && ok2 && cLo >= 0 && cHi <= 0
		}, nil
	}

	operand, err := coerceOperand(col, c.Value)
	if err != nil {
		return nil, InvalidFilterError("%s %s: %v", field, op, err)
	}
	return comparison(field, op, operand), nil
}

func comparison(field string, op Operator, operand any) Predicate {
	return func(r *Record) bool {
		v, ok := r.Value(field)
		if !ok {
			return false
		}
		switch op {
		case OpEq:
			return valuesEqual(v, operand)
		case OpNeq:
			return !valuesEqual(v, operand)
		}
		c, ok := compareValues(v, operand)
		if !ok {
			return false
		}
		switch op {
		case OpLt:
			return c < 0
		case OpLte:
			return c <= 0
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		}
		return false
	}
}

func coerceOperand(col metadata.Column, v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("operand must not be null")
	}
	if s, ok := v.(string); ok && !col.Type.IsText() {
		v = strings.TrimSpace(s)
	}
	return col.Coerce(v)
}

// operandList accepts a JSON list or a comma-separated string.
func operandList(v any) ([]any, error) {
	switch x := v.(type) {
	case []any:
		return x, nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case string:
		if strings.TrimSpace(x) == "" {
			return []any{}, nil
		}
		parts := strings.Split(x, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list or comma-separated string, got %T", v)
}

// likePattern converts a SQL LIKE pattern into an anchored regexp. A value
// without wildcards matches as a substring.
func likePattern(s string, caseInsensitive bool) (*regexp.Regexp, error) {
	if !strings.ContainsAny(s, "%_") {
		s = "%" + s + "%"
	}
	var b strings.Builder
	if caseInsensitive {
		b.WriteString("(?is)")
	} else {
		b.WriteString("(?s)")
	}
	b.WriteString("^")
	for _, r := range s {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
