package engine

import "slices"

// Strategy picks the winner when several rules write the same action family
// on the same addon in one pass.
type Strategy string

const (
	StrategyPriority         Strategy = "priority"
	StrategyFirstWins        Strategy = "first_wins"
	StrategyLastWins         Strategy = "last_wins"
	StrategyMerge            Strategy = "merge"
	StrategyMostRestrictive  Strategy = "most_restrictive"
	StrategyLeastRestrictive Strategy = "least_restrictive"
)

// KnownStrategy reports whether s names a resolution strategy.
func KnownStrategy(s Strategy) bool {
	switch s {
	case StrategyPriority, StrategyFirstWins, StrategyLastWins,
		StrategyMerge, StrategyMostRestrictive, StrategyLeastRestrictive:
		return true
	}
	return false
}

// write is one matched action pending application to a target. seq is the
// position in overall pass order, which breaks ties deterministically.
type write struct {
	rule *Rule
	act  *Action
	seq  int
}

// resolveConflict narrows a conflicting write list to the writes that should
// apply, in application order. sim applies a candidate write list to a fresh
// default result so the restrictiveness strategies can compare outcomes
// without touching real state. Writes from a single rule never conflict with
// each other; callers only invoke this when two or more rules collide.
func resolveConflict(strategy Strategy, family ActionType, writes []write, sim func([]write) *Result) []write {
	switch strategy {
	case StrategyFirstWins:
		return writesOfRule(writes, orderedRules(writes)[0])
	case StrategyLastWins:
		rules := orderedRules(writes)
		return writesOfRule(writes, rules[len(rules)-1])
	case StrategyMerge:
		switch family {
		case ActionPrice, ActionModifier:
			// Price adjustments compose and modifier edits accumulate, so
			// everything applies in pass order.
			return writes
		}
		// Visibility and requirement writes cannot be blended; fall back.
		return writesOfRule(writes, priorityRule(writes))
	case StrategyMostRestrictive:
		return restrictiveWrites(family, writes, sim, true)
	case StrategyLeastRestrictive:
		return restrictiveWrites(family, writes, sim, false)
	default:
		return writesOfRule(writes, priorityRule(writes))
	}
}

// priorityRule picks the rule with the lowest priority value, breaking ties
// by rule ID so resolution is stable across runs.
func priorityRule(writes []write) *Rule {
	var best *Rule
	for _, w := range writes {
		if best == nil || w.rule.Priority < best.Priority ||
			(w.rule.Priority == best.Priority && w.rule.ID < best.ID) {
			best = w.rule
		}
	}
	return best
}

// orderedRules lists the distinct rules in pass order.
func orderedRules(writes []write) []*Rule {
	var rules []*Rule
	for _, w := range writes {
		if !slices.Contains(rules, w.rule) {
			rules = append(rules, w.rule)
		}
	}
	return rules
}

func writesOfRule(writes []write, rule *Rule) []write {
	var out []write
	for _, w := range writes {
		if w.rule == rule {
			out = append(out, w)
		}
	}
	return out
}

// restrictiveWrites compares each rule's simulated outcome and keeps the
// rule that restricts the shopper most (or least). Hidden beats visible and
// required beats optional; for prices a higher price is the more
// restrictive one. Modifier edits have no restrictiveness ordering, so they
// resolve by priority.
func restrictiveWrites(family ActionType, writes []write, sim func([]write) *Result, most bool) []write {
	if family == ActionModifier {
		return writesOfRule(writes, priorityRule(writes))
	}

	var bestRule *Rule
	var bestScore float64
	for _, rule := range orderedRules(writes) {
		ws := writesOfRule(writes, rule)
		res := sim(ws)
		var score float64
		switch family {
		case ActionVisibility:
			if !res.Visible {
				score = 1
			}
		case ActionRequirement:
			if res.Required {
				score = 1
			}
		case ActionPrice:
			score = res.AdjustedPrice
		}
		if !most {
			score = -score
		}
		if bestRule == nil || score > bestScore {
			bestRule, bestScore = rule, score
		}
	}
	return writesOfRule(writes, bestRule)
}
