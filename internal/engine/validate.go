package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRule wraps all structural rule validation failures so callers
// can branch on the class without matching message text.
var ErrInvalidRule = errors.New("invalid rule")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidRule}, args...)...)
}

var knownOperators = map[Operator]struct{}{
	OpEquals: {}, OpNotEquals: {}, OpGreaterThan: {}, OpLessThan: {},
	OpGreaterThanEquals: {}, OpLessThanEquals: {}, OpContains: {},
	OpNotContains: {}, OpStartsWith: {}, OpEndsWith: {}, OpIn: {},
	OpNotIn: {}, OpIsEmpty: {}, OpIsNotEmpty: {}, OpBetween: {}, OpNotBetween: {},
}

var knownPriceMethods = map[PriceMethod]struct{}{
	PriceAdd: {}, PriceSubtract: {}, PriceMultiply: {}, PriceDivide: {},
	PriceSet: {}, PricePercentageAdd: {}, PricePercentageSubtract: {},
	PriceSync: {}, PriceScale: {}, PriceTiered: {}, PriceFormula: {},
}

// ValidateRule checks a rule's structure without evaluating it: known
// condition and action types, operators, target wiring, and the per-family
// config fields that cannot be defaulted. A failing rule is skipped at
// evaluation time; storage callers reject it up front.
func ValidateRule(rule *Rule) error {
	if rule.ID == "" {
		return invalidf("missing id")
	}
	switch rule.Scope {
	case ScopeGlobal, ScopeCategory, ScopeProduct, "":
	default:
		return invalidf("unknown scope %q", rule.Scope)
	}
	if (rule.Scope == ScopeCategory || rule.Scope == ScopeProduct) && rule.ScopeID == "" {
		return invalidf("scope %s needs a scope_id", rule.Scope)
	}
	switch rule.GroupMatch {
	case MatchAll, MatchAny, "":
	default:
		return invalidf("unknown group_match %q", rule.GroupMatch)
	}

	for gi, g := range rule.ConditionGroups {
		switch g.MatchType {
		case MatchAll, MatchAny, "":
		default:
			return invalidf("group %d: unknown match_type %q", gi, g.MatchType)
		}
		for ci, cond := range g.Conditions {
			if err := validateCondition(&cond); err != nil {
				return invalidf("group %d condition %d: %v", gi, ci, err)
			}
		}
	}

	if len(rule.Actions) == 0 {
		return invalidf("no actions")
	}
	for ai := range rule.Actions {
		if err := validateAction(rule, &rule.Actions[ai]); err != nil {
			return invalidf("action %d: %v", ai, err)
		}
	}
	return nil
}

// checkFormula rejects syntax errors and unknown identifiers at save time.
// It evaluates against all-ones bindings; value-dependent failures such as
// division by zero are runtime concerns and pass here.
func checkFormula(expr string) error {
	vars := make(map[string]float64, len(formulaVars))
	for name := range formulaVars {
		vars[name] = 1
	}
	_, err := evalFormula(expr, vars)
	if err != nil {
		msg := err.Error()
		for _, runtime := range []string{"division by zero", "sqrt of negative", "not finite"} {
			if strings.Contains(msg, runtime) {
				return nil
			}
		}
	}
	return err
}

func validateCondition(cond *Condition) error {
	if _, ok := conditionResolvers[cond.Type]; !ok {
		return fmt.Errorf("unknown condition type %q", cond.Type)
	}
	if _, ok := knownOperators[cond.Operator]; !ok {
		return fmt.Errorf("unknown operator %q", cond.Operator)
	}
	if (cond.Type == ConditionField || cond.Type == ConditionRuleState) && cond.TargetAddon == "" {
		return fmt.Errorf("%s condition needs a target_addon", cond.Type)
	}
	if cond.Property == "" {
		return fmt.Errorf("missing property")
	}
	return nil
}

func validateAction(rule *Rule, act *Action) error {
	switch act.Target {
	case TargetSelf:
		if rule.AddonID == "" {
			return fmt.Errorf("self target needs the rule's addon_id")
		}
	case TargetOther:
		if act.TargetAddon == "" {
			return fmt.Errorf("other target needs a target_addon")
		}
	case TargetCategory:
		if act.TargetCategory == "" {
			return fmt.Errorf("category target needs a target_category")
		}
	case TargetAll, TargetExcept:
	default:
		return fmt.Errorf("unknown target %q", act.Target)
	}

	switch act.Type {
	case ActionVisibility:
		cfg := act.Visibility
		if cfg == nil {
			return fmt.Errorf("missing visibility config")
		}
		switch cfg.Mode {
		case VisibilityShow, VisibilityHide, VisibilityToggle, "":
		default:
			return fmt.Errorf("unknown visibility mode %q", cfg.Mode)
		}
		if cfg.Mode == "" && len(cfg.ShowOptions) == 0 && len(cfg.HideOptions) == 0 &&
			len(cfg.DisableOptions) == 0 && cfg.ShowOnlyOptions == nil &&
			cfg.SortOrder == nil && cfg.Animation == "" {
			return fmt.Errorf("visibility action changes nothing")
		}
	case ActionPrice:
		cfg := act.Price
		if cfg == nil {
			return fmt.Errorf("missing price config")
		}
		if _, ok := knownPriceMethods[cfg.Method]; !ok {
			return fmt.Errorf("unknown price method %q", cfg.Method)
		}
		if cfg.Method == PriceSync && cfg.SyncWith == "" {
			return fmt.Errorf("sync price needs sync_with")
		}
		if cfg.Method == PriceTiered && len(cfg.Tiers) == 0 {
			return fmt.Errorf("tiered price needs tiers")
		}
		if cfg.Method == PriceFormula {
			if cfg.Formula == "" {
				return fmt.Errorf("formula price needs a formula")
			}
			if err := checkFormula(cfg.Formula); err != nil {
				return fmt.Errorf("formula: %v", err)
			}
		}
		if cfg.MinPrice != nil && cfg.MaxPrice != nil && *cfg.MinPrice > *cfg.MaxPrice {
			return fmt.Errorf("min_price above max_price")
		}
	case ActionRequirement:
		if act.Requirement == nil {
			return fmt.Errorf("missing requirement config")
		}
	case ActionModifier:
		if act.Modifier == nil {
			return fmt.Errorf("missing modifier config")
		}
	default:
		return fmt.Errorf("unknown action type %q", act.Type)
	}
	return nil
}
