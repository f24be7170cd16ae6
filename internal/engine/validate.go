package engine

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"tablekit/internal/metadata"
)

type compiledColumn struct {
	col     metadata.Column
	pattern *regexp.Regexp
	check   *vm.Program
}

// Validator checks record payloads against one table schema version.
type Validator struct {
	table   *metadata.Table
	columns []compiledColumn
}

// NewValidator compiles patterns and check expressions of every column.
func NewValidator(t *metadata.Table) (*Validator, error) {
	v := &Validator{table: t, columns: make([]compiledColumn, 0, len(t.Columns))}
	for _, col := range t.Columns {
		cc := compiledColumn{col: col}
		if col.Pattern != "" {
			re, err := regexp.Compile(col.Pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: column %q pattern: %v", metadata.ErrInvalidConstraint, col.Name, err)
			}
			cc.pattern = re
		}
		if col.Check != "" {
			prog, err := expr.Compile(col.Check, expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("%w: column %q check: %v", metadata.ErrInvalidConstraint, col.Name, err)
			}
			cc.check = prog
		}
		v.columns = append(v.columns, cc)
	}
	return v, nil
}

// Validate returns the coerced payload and every violation found. Keys the
// schema does not declare are passed through untouched; absent optional
// columns stay absent.
func (v *Validator) Validate(payload map[string]any) (map[string]any, []ErrorDetail) {
	out := make(map[string]any, len(payload))
	for k, val := range payload {
		out[k] = val
	}

	var errs []ErrorDetail
	valid := make([]bool, len(v.columns))

	for i, cc := range v.columns {
		col := cc.col
		raw, present := payload[col.Name]
		if isEmpty(raw, col) {
			if col.Required {
				errs = append(errs, ErrorDetail{Field: col.Name, Rule: "required", Message: fmt.Sprintf("%s is required", col.Name)})
				continue
			}
			if present {
				out[col.Name] = nil
			}
			continue
		}

		val, err := col.Coerce(raw)
		if err != nil {
			errs = append(errs, ErrorDetail{
				Field:   col.Name,
				Rule:    "type",
				Message: fmt.Sprintf("%s must be a valid %s", col.Name, col.Type),
				Value:   raw,
			})
			continue
		}
		out[col.Name] = val

		colErrs := cc.checkConstraints(val)
		errs = append(errs, colErrs...)
		valid[i] = len(colErrs) == 0
	}

	// check expressions see the whole coerced record
	for i, cc := range v.columns {
		if cc.check == nil || !valid[i] {
			continue
		}
		val := out[cc.col.Name]
		ok, err := expr.Run(cc.check, map[string]any{"value": val, "record": out})
		if err != nil || ok != true {
			msg := fmt.Sprintf("%s failed check %q", cc.col.Name, cc.col.Check)
			if err != nil {
				msg = fmt.Sprintf("%s: %v", msg, err)
			}
			errs = append(errs, ErrorDetail{Field: cc.col.Name, Rule: "check", Message: msg, Value: val})
		}
	}

	return out, errs
}

func (cc compiledColumn) checkConstraints(val any) []ErrorDetail {
	col := cc.col
	var errs []ErrorDetail

	if s, ok := val.(string); ok {
		if col.MaxLength != nil && utf8.RuneCountInString(s) > *col.MaxLength {
			errs = append(errs, ErrorDetail{
				Field:   col.Name,
				Rule:    "max_length",
				Message: fmt.Sprintf("%s must be at most %d characters", col.Name, *col.MaxLength),
				Value:   s,
			})
		}
		if cc.pattern != nil && !cc.pattern.MatchString(s) {
			errs = append(errs, ErrorDetail{
				Field:   col.Name,
				Rule:    "pattern",
				Message: fmt.Sprintf("%s must match pattern %s", col.Name, col.Pattern),
				Value:   s,
			})
		}
	}

	if f, ok := toFloat64(val); ok {
		if col.MinValue != nil && f < *col.MinValue {
			errs = append(errs, ErrorDetail{
				Field:   col.Name,
				Rule:    "min_value",
				Message: fmt.Sprintf("%s must be at least %v", col.Name, *col.MinValue),
				Value:   val,
			})
		}
		if col.MaxValue != nil && f > *col.MaxValue {
			errs = append(errs, ErrorDetail{
				Field:   col.Name,
				Rule:    "max_value",
				Message: fmt.Sprintf("%s must be at most %v", col.Name, *col.MaxValue),
				Value:   val,
			})
		}
	}
	return errs
}

// isEmpty treats nil and blank strings as missing. Blank text is kept as a
// value for optional text columns.
func isEmpty(v any, col metadata.Column) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return col.Required || !col.Type.IsText()
	}
	return false
}

// ValidatorCache holds one compiled validator per table. Entries are
// dropped when the registry reports a schema change and re-checked against
// the schema version on every lookup.
type ValidatorCache struct {
	mu         sync.RWMutex
	validators map[metadata.TableKey]*Validator
}

func NewValidatorCache() *ValidatorCache {
	return &ValidatorCache{validators: make(map[metadata.TableKey]*Validator)}
}

func (c *ValidatorCache) Get(t *metadata.Table) (*Validator, error) {
	key := t.Key()
	c.mu.RLock()
	v, ok := c.validators[key]
	c.mu.RUnlock()
	if ok && v.table.ID == t.ID && v.table.Version == t.Version {
		return v, nil
	}

	v, err := NewValidator(t)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.validators[key] = v
	c.mu.Unlock()
	return v, nil
}

func (c *ValidatorCache) Invalidate(key metadata.TableKey) {
	c.mu.Lock()
	delete(c.validators, key)
	c.mu.Unlock()
}
