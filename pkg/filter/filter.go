// Package filter provides the query operator algebra used by the storage
// layer. It supports simple equality, operator conditions and recursive
// $or/$nor groups, evaluated against generic documents.
package filter

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Supported operators
const (
	OpEquals = ""        // default, no prefix - simple equality
	OpIn     = "$in"     // value (or any array element) is in array of options
	OpNe     = "$ne"     // not equal
	OpExists = "$exists" // field exists (value should be bool)
	OpGte    = "$gte"    // greater than or equal
	OpGt     = "$gt"     // greater than
	OpLte    = "$lte"    // less than or equal
	OpLt     = "$lt"     // less than
)

// Logical group keys
const (
	KeyOr  = "$or"
	KeyNor = "$nor"
)

// Filter is a document filter. Keys are field paths (dot notation for nested
// fields) or the logical group keys $or/$nor whose values are []Filter.
type Filter map[string]any

// Condition represents a single field condition to evaluate
type Condition struct {
	Field    string
	Operator string
	Value    any
}

// Parse converts a filter to structured field conditions, skipping logical
// groups. Format: {"field": "value"} for equality, {"field": {"$op": v}} for
// operators.
func Parse(f Filter) []Condition {
	var conditions []Condition

	for field, value := range f {
		if field == KeyOr || field == KeyNor {
			continue
		}
		switch v := value.(type) {
		case map[string]any:
			for op, opValue := range v {
				conditions = append(conditions, Condition{Field: field, Operator: op, Value: opValue})
			}
		default:
			conditions = append(conditions, Condition{Field: field, Operator: OpEquals, Value: v})
		}
	}

	return conditions
}

// Matches evaluates a document against the filter. All field conditions and
// logical groups must hold (AND logic).
func Matches(doc map[string]any, f Filter) bool {
	for _, cond := range Parse(f) {
		if !evaluateCondition(doc, cond) {
			return false
		}
	}

	if group, ok := f[KeyOr]; ok {
		branches, ok := toFilterSlice(group)
		if !ok || !anyMatches(doc, branches) {
			return false
		}
	}
	if group, ok := f[KeyNor]; ok {
		branches, ok := toFilterSlice(group)
		if !ok || anyMatches(doc, branches) {
			return false
		}
	}

	return true
}

func anyMatches(doc map[string]any, branches []Filter) bool {
	for _, branch := range branches {
		if Matches(doc, branch) {
			return true
		}
	}
	return false
}

func toFilterSlice(v any) ([]Filter, bool) {
	switch branches := v.(type) {
	case []Filter:
		return branches, true
	case []map[string]any:
		result := make([]Filter, len(branches))
		for i, b := range branches {
			result[i] = Filter(b)
		}
		return result, true
	case []any:
		result := make([]Filter, 0, len(branches))
		for _, b := range branches {
			m, ok := b.(map[string]any)
			if !ok {
				return nil, false
			}
			result = append(result, Filter(m))
		}
		return result, true
	default:
		return nil, false
	}
}

// getNestedValue retrieves a value from a nested document using dot notation
func getNestedValue(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")

	var current any = doc
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := m[part]
		if !exists {
			return nil, false
		}
		current = val
	}

	return current, true
}

// evaluateCondition evaluates a single condition against a document.
// Array-valued fields follow store semantics: equality and $in match when any
// element satisfies the condition.
func evaluateCondition(doc map[string]any, cond Condition) bool {
	value, exists := doc[cond.Field]
	if !exists {
		value, exists = getNestedValue(doc, cond.Field)
	}

	switch cond.Operator {
	case OpEquals:
		if !exists {
			return cond.Value == nil
		}
		if arr, ok := toSlice(value); ok {
			for _, item := range arr {
				if valuesEqual(item, cond.Value) {
					return true
				}
			}
			return false
		}
		return valuesEqual(value, cond.Value)

	case OpNe:
		if !exists {
			return cond.Value != nil
		}
		return !valuesEqual(value, cond.Value)

	case OpExists:
		expectExists, ok := cond.Value.(bool)
		if !ok {
			return false
		}
		return exists == expectExists

	case OpIn:
		options, ok := toSlice(cond.Value)
		if !ok {
			return false
		}
		if !exists {
			// a missing field matches a nil option, mirroring the store's
			// treatment of absent optional fields
			for _, opt := range options {
				if opt == nil {
					return true
				}
			}
			return false
		}
		values := []any{value}
		if arr, ok := toSlice(value); ok {
			values = arr
		}
		for _, v := range values {
			for _, opt := range options {
				if valuesEqual(v, opt) {
					return true
				}
			}
		}
		return false

	case OpGte, OpGt, OpLte, OpLt:
		if !exists {
			return false
		}
		return compareOrdered(value, cond.Operator, cond.Value)

	default:
		// Unknown operator
		return false
	}
}

// valuesEqual compares two values with type coercion
func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	if reflect.DeepEqual(a, b) {
		return true
	}

	// Coerce to strings to bridge type differences like float64 vs int
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// toSlice converts an interface to []any
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
	case []int:
		result := make([]any, len(arr))
		for i, n := range arr {
			result[i] = n
		}
		return result, true
	case []float64:
		result := make([]any, len(arr))
		for i, n := range arr {
			result[i] = n
		}
		return result, true
	case string, nil, bool, int, int64, float64, time.Time:
		return nil, false
	default:
		val := reflect.ValueOf(v)
		if val.Kind() == reflect.Slice {
			result := make([]any, val.Len())
			for i := 0; i < val.Len(); i++ {
				result[i] = val.Index(i).Interface()
			}
			return result, true
		}
		return nil, false
	}
}

// compareOrdered performs ordered comparison for numbers and timestamps
func compareOrdered(actual any, op string, expected any) bool {
	if at, ok := actual.(time.Time); ok {
		et, ok := expected.(time.Time)
		if !ok {
			return false
		}
		switch op {
		case OpGte:
			return !at.Before(et)
		case OpGt:
			return at.After(et)
		case OpLte:
			return !at.After(et)
		case OpLt:
			return at.Before(et)
		}
		return false
	}

	actualNum, ok := toFloat64(actual)
	if !ok {
		return false
	}
	expectedNum, ok := toFloat64(expected)
	if !ok {
		return false
	}

	switch op {
	case OpGte:
		return actualNum >= expectedNum
	case OpGt:
		return actualNum > expectedNum
	case OpLte:
		return actualNum <= expectedNum
	case OpLt:
		return actualNum < expectedNum
	default:
		return false
	}
}

// toFloat64 converts various types to float64
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Split separates simple equality conditions from operator conditions and
// logical groups. Simple conditions can be pushed to the database, the rest
// is evaluated in Go.
func Split(f Filter) (simple map[string]any, residual Filter) {
	simple = make(map[string]any)
	residual = make(Filter)

	for field, value := range f {
		if field == KeyOr || field == KeyNor {
			residual[field] = value
			continue
		}
		switch value.(type) {
		case map[string]any:
			residual[field] = value
		default:
			simple[field] = value
		}
	}

	if len(residual) == 0 {
		residual = nil
	}
	return simple, residual
}
