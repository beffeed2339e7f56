package engine

import "strings"

// applyOperator compares a resolved context value against the condition's
// value. Operators never error: a type mismatch on an ordered or range
// operator evaluates false.
func applyOperator(op Operator, actual, expected any) (bool, bool) {
	switch op {
	case OpEquals:
		return valuesEqual(actual, expected), true
	case OpNotEquals:
		return !valuesEqual(actual, expected), true
	case OpGreaterThan:
		c, ok := compareValues(actual, expected)
		return ok && c > 0, true
	case OpLessThan:
		c, ok := compareValues(actual, expected)
		return ok && c < 0, true
	case OpGreaterThanEquals:
		c, ok := compareValues(actual, expected)
		return ok && c >= 0, true
	case OpLessThanEquals:
		c, ok := compareValues(actual, expected)
		return ok && c <= 0, true
	case OpContains:
		return valueContains(actual, expected), true
	case OpNotContains:
		return !valueContains(actual, expected), true
	case OpStartsWith:
		return strings.HasPrefix(asString(actual), asString(expected)), true
	case OpEndsWith:
		return strings.HasSuffix(asString(actual), asString(expected)), true
	case OpIn:
		return valueIn(actual, expected), true
	case OpNotIn:
		return !valueIn(actual, expected), true
	case OpIsEmpty:
		return isEmptyValue(actual), true
	case OpIsNotEmpty:
		return !isEmptyValue(actual), true
	case OpBetween:
		return inRange(actual, expected), true
	case OpNotBetween:
		lo, hi, okRange := rangePair(expected)
		if !okRange {
			return false, true
		}
		f, okNum := asFloat(actual)
		return okNum && (f < lo || f > hi), true
	}
	return false, false
}

func inRange(actual, bounds any) bool {
	lo, hi, ok := rangePair(bounds)
	if !ok {
		return false
	}
	f, ok := asFloat(actual)
	return ok && f >= lo && f <= hi
}

// evalCondition resolves the condition's context value and applies its
// operator. An unknown condition type or property yields a warning and the
// condition evaluates false.
func (e *Engine) evalCondition(cond Condition, ctx *Context, prev ResultSet, snaps map[string]AddonSnapshot, warn func(string, ...any)) bool {
	actual, err := resolveValue(cond, ctx, prev, snaps)
	if err != nil {
		warn("condition skipped: %v", err)
		return false
	}
	matched, known := applyOperator(cond.Operator, actual, cond.Value)
	if !known {
		warn("unknown operator %q", cond.Operator)
		return false
	}
	return matched
}

// evalGroup combines a group's conditions per its match type, with
// short-circuiting. An empty group matches under all and not under any.
func (e *Engine) evalGroup(g ConditionGroup, ctx *Context, prev ResultSet, snaps map[string]AddonSnapshot, warn func(string, ...any)) bool {
	switch g.MatchType {
	case MatchAny:
		for _, cond := range g.Conditions {
			if e.evalCondition(cond, ctx, prev, snaps, warn) {
				return true
			}
		}
		return false
	default:
		for _, cond := range g.Conditions {
			if !e.evalCondition(cond, ctx, prev, snaps, warn) {
				return false
			}
		}
		return true
	}
}

// ruleMatches reports whether the rule's condition groups are satisfied.
// GroupMatch combines groups the same way match_type combines conditions; it
// defaults to all. A rule with no groups matches unconditionally.
func (e *Engine) ruleMatches(rule *Rule, ctx *Context, prev ResultSet, snaps map[string]AddonSnapshot, warn func(string, ...any)) bool {
	if len(rule.ConditionGroups) == 0 {
		return true
	}
	switch rule.GroupMatch {
	case MatchAny:
		for _, g := range rule.ConditionGroups {
			if e.evalGroup(g, ctx, prev, snaps, warn) {
				return true
			}
		}
		return false
	default:
		for _, g := range rule.ConditionGroups {
			if !e.evalGroup(g, ctx, prev, snaps, warn) {
				return false
			}
		}
		return true
	}
}
