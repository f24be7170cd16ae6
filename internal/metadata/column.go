package metadata

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/expr-lang/expr"
)

type Column struct {
	Name        string     `json:"name" yaml:"name"`
	DisplayName string     `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Type        ColumnType `json:"type" yaml:"type"`
	Required    bool       `json:"required,omitempty" yaml:"required,omitempty"`
	Unique      bool       `json:"unique,omitempty" yaml:"unique,omitempty"`
	Default     any        `json:"default,omitempty" yaml:"default,omitempty"`
	MaxLength   *int       `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	MinValue    *float64   `json:"min_value,omitempty" yaml:"min_value,omitempty"`
	MaxValue    *float64   `json:"max_value,omitempty" yaml:"max_value,omitempty"`
	Pattern     string     `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Check       string     `json:"check,omitempty" yaml:"check,omitempty"` // boolean expression over value and record
	HelpText    string     `json:"help_text,omitempty" yaml:"help_text,omitempty"`
}

// Normalize canonicalizes the column name and type, then verifies that the
// constraint set is consistent with the type.
func (c *Column) Normalize() error {
	name, err := NormalizeName(c.Name)
	if err != nil {
		return err
	}
	if IsSystemField(name) {
		return fmt.Errorf("%w: %q is a reserved field name", ErrInvalidName, name)
	}
	if c.DisplayName == "" {
		c.DisplayName = strings.TrimSpace(c.Name)
	}
	c.Name = name

	t, err := ParseColumnType(string(c.Type))
	if err != nil {
		return fmt.Errorf("column %q: %w", name, err)
	}
	c.Type = t
	return c.Validate()
}

// Validate checks every constraint against the declared type.
func (c Column) Validate() error {
	var problems []string

	if c.MaxLength != nil {
		if c.Type != TypeShortText {
			problems = append(problems, fmt.Sprintf("max_length is not valid for %s", c.Type))
		} else if *c.MaxLength <= 0 {
			problems = append(problems, "max_length must be positive")
		}
	}

	var re *regexp.Regexp
	if c.Pattern != "" {
		if !c.Type.IsText() {
			problems = append(problems, fmt.Sprintf("pattern is not valid for %s", c.Type))
		} else {
			compiled, err := regexp.Compile(c.Pattern)
			if err != nil {
				problems = append(problems, fmt.Sprintf("pattern does not compile: %v", err))
			}
			re = compiled
		}
	}

	if c.MinValue != nil || c.MaxValue != nil {
		if !c.Type.IsNumeric() {
			problems = append(problems, fmt.Sprintf("min_value/max_value are not valid for %s", c.Type))
		} else if c.MinValue != nil && c.MaxValue != nil && *c.MinValue > *c.MaxValue {
			problems = append(problems, "min_value must not exceed max_value")
		}
	}

	switch c.Type {
	case TypeStructured:
		if c.Unique {
			problems = append(problems, "unique is not supported for structured-value")
		}
	case TypeShortText, TypeLongText, TypeInteger, TypeFloat, TypeBoolean, TypeDate, TypeDateTime:
	default:
		problems = append(problems, fmt.Sprintf("unknown type %q", c.Type))
	}

	if c.Check != "" {
		if _, err := expr.Compile(c.Check, expr.AsBool()); err != nil {
			problems = append(problems, fmt.Sprintf("check does not compile: %v", err))
		}
	}

	if c.Default != nil && len(problems) == 0 {
		if msg := c.defaultProblem(re); msg != "" {
			problems = append(problems, msg)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: column %q: %s", ErrInvalidConstraint, c.Name, strings.Join(problems, "; "))
	}
	return nil
}

func (c Column) defaultProblem(re *regexp.Regexp) string {
	v, err := c.Coerce(c.Default)
	if err != nil {
		return fmt.Sprintf("default %v does not match type %s", c.Default, c.Type)
	}
	switch val := v.(type) {
	case string:
		if c.MaxLength != nil && utf8.RuneCountInString(val) > *c.MaxLength {
			return "default exceeds max_length"
		}
		if re != nil && !re.MatchString(val) {
			return "default does not match pattern"
		}
	case int64:
		return c.rangeProblem(float64(val))
	case float64:
		return c.rangeProblem(val)
	}
	return ""
}

func (c Column) rangeProblem(f float64) string {
	if c.MinValue != nil && f < *c.MinValue {
		return "default is below min_value"
	}
	if c.MaxValue != nil && f > *c.MaxValue {
		return "default is above max_value"
	}
	return ""
}

func (c Column) clone() Column {
	out := c
	if c.MaxLength != nil {
		v := *c.MaxLength
		out.MaxLength = &v
	}
	if c.MinValue != nil {
		v := *c.MinValue
		out.MinValue = &v
	}
	if c.MaxValue != nil {
		v := *c.MaxValue
		out.MaxValue = &v
	}
	return out
}
