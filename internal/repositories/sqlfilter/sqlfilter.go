// Package sqlfilter translates storage filters into SQL conditions for the
// PostgreSQL repositories. Conditions it cannot express are returned as a
// residual filter for the caller to evaluate in Go.
package sqlfilter

import (
	"fmt"

	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/sorrel/pkg/filter"
	"github.com/Ramsey-B/sorrel/pkg/storage"
)

// Cond is the condition surface shared by go-sqlbuilder's select and update
// builders.
type Cond interface {
	Equal(field string, value any) string
	NotEqual(field string, value any) string
	In(field string, values ...any) string
	IsNull(field string) string
	IsNotNull(field string) string
	GreaterThan(field string, value any) string
	GreaterEqualThan(field string, value any) string
	LessThan(field string, value any) string
	LessEqualThan(field string, value any) string
	Or(orExpr ...string) string
	Var(value any) string
}

// Translate converts the filter into SQL where expressions. arrayFields names
// the text[] columns, where equality means "any element equals" and $in means
// array overlap. Untranslatable conditions come back in residual.
func Translate(cb Cond, f filter.Filter, arrayFields map[string]bool) (exprs []string, residual filter.Filter) {
	residual = make(filter.Filter)

	for field, value := range f {
		if field == filter.KeyOr || field == filter.KeyNor {
			residual[field] = value
			continue
		}

		conds, ok := value.(map[string]any)
		if !ok {
			exprs = append(exprs, equality(cb, field, value, arrayFields[field]))
			continue
		}

		for op, opValue := range conds {
			expr, ok := operator(cb, field, op, opValue, arrayFields[field])
			if !ok {
				appendResidual(residual, field, op, opValue)
				continue
			}
			exprs = append(exprs, expr)
		}
	}

	if len(residual) == 0 {
		residual = nil
	}
	return exprs, residual
}

func equality(cb Cond, field string, value any, isArray bool) string {
	if value == nil {
		return cb.IsNull(field)
	}
	if isArray {
		return fmt.Sprintf("%s = ANY(%s)", cb.Var(value), field)
	}
	return cb.Equal(field, value)
}

func operator(cb Cond, field, op string, value any, isArray bool) (string, bool) {
	switch op {
	case filter.OpIn:
		return inCondition(cb, field, value, isArray)
	case filter.OpNe:
		if value == nil {
			return cb.IsNotNull(field), true
		}
		// a NULL column is "not equal" in filter semantics
		return cb.Or(cb.NotEqual(field, value), cb.IsNull(field)), true
	case filter.OpExists:
		expect, ok := value.(bool)
		if !ok {
			return "", false
		}
		if expect {
			return cb.IsNotNull(field), true
		}
		return cb.IsNull(field), true
	case filter.OpGt:
		return cb.GreaterThan(field, value), true
	case filter.OpGte:
		return cb.GreaterEqualThan(field, value), true
	case filter.OpLt:
		return cb.LessThan(field, value), true
	case filter.OpLte:
		return cb.LessEqualThan(field, value), true
	default:
		return "", false
	}
}

func inCondition(cb Cond, field string, value any, isArray bool) (string, bool) {
	options, ok := toSlice(value)
	if !ok {
		return "", false
	}

	var nonNil []any
	hasNil := false
	for _, opt := range options {
		if opt == nil {
			hasNil = true
			continue
		}
		nonNil = append(nonNil, opt)
	}

	if isArray {
		// overlap against the stored key array; NULL options have no meaning
		// for key columns
		strs := make([]string, 0, len(nonNil))
		for _, opt := range nonNil {
			strs = append(strs, fmt.Sprintf("%v", opt))
		}
		return fmt.Sprintf("%s && %s", field, cb.Var(pq.Array(strs))), true
	}

	var parts []string
	if len(nonNil) > 0 {
		parts = append(parts, cb.In(field, nonNil...))
	}
	if hasNil {
		parts = append(parts, cb.IsNull(field))
	}
	switch len(parts) {
	case 0:
		return "", false
	case 1:
		return parts[0], true
	default:
		return cb.Or(parts...), true
	}
}

func appendResidual(residual filter.Filter, field, op string, value any) {
	existing, ok := residual[field].(map[string]any)
	if !ok {
		existing = make(map[string]any)
		residual[field] = existing
	}
	existing[op] = value
}

func toSlice(v any) ([]any, bool) {
	switch arr := v.(type) {
	case []any:
		return arr, true
	case []string:
		result := make([]any, len(arr))
		for i, s := range arr {
			result[i] = s
		}
		return result, true
	default:
		return nil, false
	}
}

// OrderBy renders sort fields in SQL order-by syntax
func OrderBy(sorts []storage.SortField) []string {
	cols := make([]string, 0, len(sorts))
	for _, s := range sorts {
		if s.Desc {
			cols = append(cols, s.Field+" DESC")
		} else {
			cols = append(cols, s.Field+" ASC")
		}
	}
	return cols
}

var _ Cond = (*sqlbuilder.SelectBuilder)(nil)
var _ Cond = (*sqlbuilder.UpdateBuilder)(nil)
