package metadata

import (
	"fmt"
	"strings"
)

// ColumnType is the closed set of value types a column can declare.
type ColumnType string

const (
	TypeShortText  ColumnType = "short-text"
	TypeLongText   ColumnType = "long-text"
	TypeInteger    ColumnType = "integer"
	TypeFloat      ColumnType = "float"
	TypeBoolean    ColumnType = "boolean"
	TypeDate       ColumnType = "date"
	TypeDateTime   ColumnType = "datetime"
	TypeStructured ColumnType = "structured-value"
)

// AllColumnTypes lists every supported type in declaration order.
var AllColumnTypes = []ColumnType{
	TypeShortText, TypeLongText, TypeInteger, TypeFloat,
	TypeBoolean, TypeDate, TypeDateTime, TypeStructured,
}

// legacy names accepted from older schema payloads
var columnTypeAliases = map[string]ColumnType{
	"string":     TypeShortText,
	"short_text": TypeShortText,
	"text":       TypeLongText,
	"long_text":  TypeLongText,
	"int":        TypeInteger,
	"bigint":     TypeInteger,
	"decimal":    TypeFloat,
	"number":     TypeFloat,
	"bool":       TypeBoolean,
	"timestamp":  TypeDateTime,
	"json":       TypeStructured,
	"structured": TypeStructured,
}

// ParseColumnType resolves a type name (or a legacy alias) to a ColumnType.
func ParseColumnType(name string) (ColumnType, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, t := range AllColumnTypes {
		if string(t) == n {
			return t, nil
		}
	}
	if t, ok := columnTypeAliases[n]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown column type %q", ErrInvalidConstraint, name)
}

// IsText reports whether the type holds free text.
func (t ColumnType) IsText() bool {
	return t == TypeShortText || t == TypeLongText
}

// IsNumeric reports whether the type holds numbers.
func (t ColumnType) IsNumeric() bool {
	return t == TypeInteger || t == TypeFloat
}

// IsOrdered reports whether values of the type support range comparisons.
func (t ColumnType) IsOrdered() bool {
	switch t {
	case TypeInteger, TypeFloat, TypeDate, TypeDateTime:
		return true
	}
	return false
}
