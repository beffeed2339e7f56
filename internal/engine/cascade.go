package engine

import "slices"

// familyOrder fixes the application order of action families within a pass
// so evaluation is deterministic regardless of map iteration.
var familyOrder = []ActionType{ActionVisibility, ActionPrice, ActionRequirement, ActionModifier}

// writeKey identifies one conflict-resolution bucket: all writes of one
// action family against one addon within a pass.
type writeKey struct {
	target string
	family ActionType
}

// defaultResults builds the pass starting point: every target visible, at
// its snapshot base price, with its snapshot required flag.
func defaultResults(snaps map[string]AddonSnapshot, order []string) ResultSet {
	rs := make(ResultSet, len(order))
	for _, id := range order {
		snap := snaps[id]
		rs[id] = &Result{
			AddonID:       id,
			Visible:       true,
			Required:      snap.Required,
			BasePrice:     snap.BasePrice,
			AdjustedPrice: snap.BasePrice,
		}
	}
	return rs
}

// runPass evaluates every rule against the previous pass's results and
// builds the next result set from scratch. Rebuilding from defaults each
// pass keeps evaluation a pure function of (rules, context, previous pass):
// a rule whose condition stopped matching stops contributing, which is what
// lets toggled visibility settle instead of latching.
func (e *Engine) runPass(rules []*Rule, ctx *Context, prev ResultSet, snaps map[string]AddonSnapshot, order []string, warn func(string, ...any)) ResultSet {
	next := defaultResults(snaps, order)

	buckets := make(map[writeKey][]write)
	seq := 0
	for _, rule := range rules {
		if !e.ruleMatches(rule, ctx, prev, snaps, func(format string, args ...any) {
			warn("rule %s: "+format, append([]any{rule.ID}, args...)...)
		}) {
			continue
		}
		for i := range rule.Actions {
			act := &rule.Actions[i]
			if act.config() == nil {
				warn("rule %s: action %d has unknown type %q, skipped", rule.ID, i, act.Type)
				continue
			}
			targets, err := expandTargets(rule, act, snaps, order)
			if err != nil {
				warn("rule %s: %v", rule.ID, err)
				continue
			}
			for _, target := range targets {
				key := writeKey{target: target, family: act.Type}
				buckets[key] = append(buckets[key], write{rule: rule, act: act, seq: seq})
				seq++
			}
		}
	}

	for _, key := range sortedKeys(buckets, order) {
		writes := buckets[key]
		if len(orderedRules(writes)) > 1 {
			snap := snaps[key.target]
			sim := func(ws []write) *Result {
				r := defaultResults(snaps, []string{key.target})[key.target]
				e.applyWrites(ws, r, snap, ctx, prev, snaps, func(string, ...any) {})
				return r
			}
			writes = resolveConflict(e.strategy, key.family, writes, sim)
		}
		e.applyWrites(writes, next[key.target], snaps[key.target], ctx, prev, snaps, warn)
	}

	return next
}

// applyWrites applies resolved writes to one result record in pass order.
// Price writes compose sequentially from the record's current adjusted
// price, recording a modifier entry per applied step.
func (e *Engine) applyWrites(writes []write, res *Result, snap AddonSnapshot, ctx *Context, prev ResultSet, snaps map[string]AddonSnapshot, warn func(string, ...any)) {
	slices.SortFunc(writes, func(a, b write) int { return a.seq - b.seq })
	for _, w := range writes {
		switch w.act.Type {
		case ActionVisibility:
			applyVisibility(w.act.Visibility, res)
		case ActionRequirement:
			applyRequirement(w.act.Requirement, res)
		case ActionModifier:
			applyModifier(w.act.Modifier, res, snap, ctx)
		case ActionPrice:
			env := priceEnv{base: res.BasePrice, snap: snap, ctx: ctx, prev: prev, snaps: snaps}
			updated, err := applyPriceConfig(w.act.Price, res.AdjustedPrice, env)
			if err != nil {
				warn("rule %s: price action skipped: %v", w.rule.ID, err)
				continue
			}
			res.PriceModifiers = append(res.PriceModifiers, PriceModifier{
				RuleID: w.rule.ID,
				Method: w.act.Price.Method,
				Amount: updated - res.AdjustedPrice,
			})
			res.AdjustedPrice = updated
		}
	}
}

// sortedKeys orders conflict buckets by target position then family, so two
// runs over the same input always apply writes in the same sequence.
func sortedKeys(buckets map[writeKey][]write, order []string) []writeKey {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	famPos := make(map[ActionType]int, len(familyOrder))
	for i, f := range familyOrder {
		famPos[f] = i
	}
	keys := make([]writeKey, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b writeKey) int {
		if a.target != b.target {
			return pos[a.target] - pos[b.target]
		}
		return famPos[a.family] - famPos[b.family]
	})
	return keys
}

// cascade runs passes until the result set stops changing or the pass cap
// is hit. Hitting the cap is reported as a warning and the last snapshot is
// returned; a non-settling rule set degrades, it does not fail the request.
func (e *Engine) cascade(rules []*Rule, ctx *Context, snaps map[string]AddonSnapshot, order []string, warn func(string, ...any)) ResultSet {
	prev := defaultResults(snaps, order)
	for pass := 0; pass < e.maxPasses; pass++ {
		next := e.runPass(rules, ctx, prev, snaps, order, warn)
		if next.Equal(prev) {
			return next
		}
		prev = next
	}
	warn("evaluation did not settle within %d passes, returning last state", e.maxPasses)
	return prev
}
