// Package conditions evaluates rule conditions against record snapshots.
package conditions

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/castellanhq/castellan/pkg/models"
)

// FieldMap is a flat snapshot of record fields, as decoded from JSON.
type FieldMap map[string]any

// Evaluate combines every condition with logical AND. Missing fields do not
// match presence-style operators: the condition is false except for the
// negated operators is_empty, not_equals, not_contains and not_in, which
// treat absence as a match. An absent field is trivially not in any set.
func Evaluate(conds []models.Condition, record FieldMap) bool {
	for _, cond := range conds {
		if !evaluateOne(cond, record) {
			return false
		}
	}

	return true
}

func evaluateOne(cond models.Condition, record FieldMap) bool {
	value, present := record[cond.Field]

	if !present {
		switch cond.Operator {
		case models.OperatorIsEmpty, models.OperatorNotEquals, models.OperatorNotContains, models.OperatorNotIn:
			return true
		default:
			return false
		}
	}

	switch cond.Operator {
	case models.OperatorEquals:
		return looseEqual(value, cond.Value)
	case models.OperatorNotEquals:
		return !looseEqual(value, cond.Value)
	case models.OperatorContains:
		return contains(value, cond.Value)
	case models.OperatorNotContains:
		return !contains(value, cond.Value)
	case models.OperatorIn:
		return in(value, cond.Value)
	case models.OperatorNotIn:
		return !in(value, cond.Value)
	case models.OperatorIsEmpty:
		return isEmpty(value)
	case models.OperatorIsNotEmpty:
		return !isEmpty(value)
	case models.OperatorGt:
		return compare(value, cond.Value, func(a, b float64) bool { return a > b })
	case models.OperatorGte:
		return compare(value, cond.Value, func(a, b float64) bool { return a >= b })
	case models.OperatorLt:
		return compare(value, cond.Value, func(a, b float64) bool { return a < b })
	case models.OperatorLte:
		return compare(value, cond.Value, func(a, b float64) bool { return a <= b })
	}

	return false
}

// isEmpty treats nil, "", and empty collections uniformly as empty.
func isEmpty(value any) bool {
	if value == nil {
		return true
	}

	switch v := value.(type) {
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Map {
		return rv.Len() == 0
	}

	return false
}

// looseEqual compares with numeric coercion so JSON float64s match ints and
// numeric strings.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if na, aok := asNumber(a); aok {
		if nb, bok := asNumber(b); bok {
			return na == nb
		}
	}

	if ba, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ba == bb
		}
	}

	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// contains is a substring test for strings and a membership test for
// collections. A nil record value never contains anything.
func contains(value, needle any) bool {
	if value == nil || needle == nil {
		return false
	}

	switch v := value.(type) {
	case string:
		return strings.Contains(v, fmt.Sprintf("%v", needle))
	case []any:
		for _, item := range v {
			if looseEqual(item, needle) {
				return true
			}
		}

		return false
	}

	return false
}

// in tests membership of the record value in the configured value list.
func in(value, list any) bool {
	items, ok := list.([]any)
	if !ok {
		// A scalar list degenerates to equality.
		return looseEqual(value, list)
	}

	for _, item := range items {
		if looseEqual(value, item) {
			return true
		}
	}

	return false
}

func compare(a, b any, cmp func(a, b float64) bool) bool {
	na, aok := asNumber(a)
	nb, bok := asNumber(b)

	if !aok || !bok {
		return false
	}

	return cmp(na, nb)
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// asNumber coerces JSON numbers, numeric strings and date-like strings
// (taken as unix seconds) to float64 for ordered comparison.
func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case time.Time:
		return float64(v.Unix()), true
	case string:
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n, true
		}

		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, v); err == nil {
				return float64(ts.Unix()), true
			}
		}
	}

	return 0, false
}
