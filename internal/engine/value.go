package engine

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Value coercion for condition operands. JSON decoding hands the engine
// float64, string, bool, nil, and []any, but rules stored through other
// paths can carry native ints, so the helpers accept the full numeric kinds.

// asFloat coerces numeric types and numeric strings to float64.
func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// asString renders v for the string operators. Whole floats print without a
// trailing ".0" so JSON-decoded integers compare as integers.
func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		if isWholeFinite(x) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return asString(float64(x))
	}
	if f, ok := asFloat(v); ok {
		return asString(f)
	}
	return fmt.Sprintf("%v", v)
}

func isWholeFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f == math.Trunc(f) &&
		f >= math.MinInt64 && f <= math.MaxInt64
}

// valuesEqual compares with numeric coercion first, then case-sensitive
// string comparison, then structural equality for composites.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr || bIsStr {
		if !aIsStr {
			as = asString(a)
		}
		if !bIsStr {
			bs = asString(b)
		}
		return as == bs
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders a against b numerically. The second return is false
// when either side is not numeric; numeric operators then evaluate false
// rather than erroring.
func compareValues(a, b any) (int, bool) {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	default:
		return 0, true
	}
}

// valueIn reports whether needle matches any element of haystack, which may
// be a []any, a typed slice, or a single scalar.
func valueIn(needle, haystack any) bool {
	if haystack == nil {
		return false
	}
	rv := reflect.ValueOf(haystack)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if valuesEqual(needle, rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	}
	return valuesEqual(needle, haystack)
}

// valueContains implements the contains operator: substring match for
// strings, membership for slices.
func valueContains(container, needle any) bool {
	if container == nil {
		return false
	}
	if s, ok := container.(string); ok {
		return strings.Contains(s, asString(needle))
	}
	rv := reflect.ValueOf(container)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return valueIn(needle, container)
	}
	return strings.Contains(asString(container), asString(needle))
}

// isEmptyValue reports whether v is nil, an empty or whitespace string, or a
// zero-length slice or map.
func isEmptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	}
	return false
}

// rangePair extracts the sorted [low, high] bounds a between operator
// expects. Returns false unless v is a two-element sequence of numerics.
func rangePair(v any) (float64, float64, bool) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) || rv.Len() != 2 {
		return 0, 0, false
	}
	lo, ok1 := asFloat(rv.Index(0).Interface())
	hi, ok2 := asFloat(rv.Index(1).Interface())
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi, true
}
