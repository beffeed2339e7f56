// Package engine evaluates conditional display rules for product addons.
//
// Given a list of rules and a read-only evaluation context (field selections,
// product, cart, user, timestamp), the engine decides for every targeted
// addon what visibility, price, requirement, and display state should hold.
// Evaluation cascades: rules may depend on the evaluated state of other
// addons, so the engine re-runs passes until the result map reaches a fixed
// point or an iteration cap is hit. The engine never mutates its inputs; it
// only produces a derived result map.
package engine

import (
	"encoding/json"
	"fmt"
)

// MatchType controls how a set of conditions (or condition groups) combine.
type MatchType string

const (
	MatchAll MatchType = "all"
	MatchAny MatchType = "any"
)

// Scope restricts which products a rule applies to.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeCategory Scope = "category"
	ScopeProduct  Scope = "product"
)

// ConditionType selects the resolver that produces a condition's left-hand value.
type ConditionType string

const (
	ConditionField     ConditionType = "field"
	ConditionProduct   ConditionType = "product"
	ConditionCart      ConditionType = "cart"
	ConditionUser      ConditionType = "user"
	ConditionDate      ConditionType = "date"
	ConditionRuleState ConditionType = "rule_state"
)

// Operator compares a resolved value against the condition's value.
type Operator string

const (
	OpEquals            Operator = "equals"
	OpNotEquals         Operator = "not_equals"
	OpGreaterThan       Operator = "greater_than"
	OpLessThan          Operator = "less_than"
	OpGreaterThanEquals Operator = "greater_than_equals"
	OpLessThanEquals    Operator = "less_than_equals"
	OpContains          Operator = "contains"
	OpNotContains       Operator = "not_contains"
	OpStartsWith        Operator = "starts_with"
	OpEndsWith          Operator = "ends_with"
	OpIn                Operator = "in"
	OpNotIn             Operator = "not_in"
	OpIsEmpty           Operator = "is_empty"
	OpIsNotEmpty        Operator = "is_not_empty"
	OpBetween           Operator = "between"
	OpNotBetween        Operator = "not_between"
)

// Condition inspects one value from the evaluation context. TargetAddon names
// the addon a field or rule_state condition reads from; Argument carries the
// parameter of parameterized date properties (business-hours window,
// days_until/days_since target date).
type Condition struct {
	Type        ConditionType `json:"type"`
	Property    string        `json:"property"`
	Operator    Operator      `json:"operator"`
	Value       any           `json:"value,omitempty"`
	Argument    any           `json:"argument,omitempty"`
	TargetAddon string        `json:"target_addon,omitempty"`
}

// ConditionGroup combines conditions with AND (all) or OR (any).
type ConditionGroup struct {
	MatchType  MatchType   `json:"match_type"`
	Conditions []Condition `json:"conditions"`
}

// Rule is a prioritized conditions-to-actions unit. Lower Priority values are
// evaluated first. GroupMatch combines the condition groups; it defaults to
// "all", the legacy implicit AND.
type Rule struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	AddonID         string           `json:"addon_id,omitempty"`
	Scope           Scope            `json:"scope"`
	ScopeID         string           `json:"scope_id,omitempty"`
	Priority        int              `json:"priority"`
	Enabled         bool             `json:"enabled"`
	GroupMatch      MatchType        `json:"group_match,omitempty"`
	ConditionGroups []ConditionGroup `json:"condition_groups"`
	Actions         []Action         `json:"actions"`
}

// ActionType names an action family.
type ActionType string

const (
	ActionVisibility  ActionType = "visibility"
	ActionPrice       ActionType = "price"
	ActionRequirement ActionType = "requirement"
	ActionModifier    ActionType = "modifier"
)

// TargetKind selects which result records an action writes to.
type TargetKind string

const (
	TargetSelf     TargetKind = "self"
	TargetOther    TargetKind = "other"
	TargetAll      TargetKind = "all"
	TargetCategory TargetKind = "category"
	TargetExcept   TargetKind = "except"
)

// Action applies one change to the result record(s) selected by Target.
// Exactly one of the config pointers is set, matching Type; the JSON form
// carries it in a single "config" object decoded through a per-type registry.
type Action struct {
	Type           ActionType `json:"type"`
	Target         TargetKind `json:"target"`
	TargetAddon    string     `json:"target_addon,omitempty"`
	TargetCategory string     `json:"target_category,omitempty"`
	ExceptAddons   []string   `json:"except_addons,omitempty"`

	Visibility  *VisibilityConfig  `json:"-"`
	Price       *PriceConfig       `json:"-"`
	Requirement *RequirementConfig `json:"-"`
	Modifier    *ModifierConfig    `json:"-"`
}

// VisibilityMode flips or forces a target's visible flag.
type VisibilityMode string

const (
	VisibilityShow   VisibilityMode = "show"
	VisibilityHide   VisibilityMode = "hide"
	VisibilityToggle VisibilityMode = "toggle"
)

// VisibilityConfig controls addon and per-option visibility. An empty Mode
// leaves the addon-level flag alone and only applies the option lists.
// Animation is a cosmetic hint passed through unmodified.
type VisibilityConfig struct {
	Mode            VisibilityMode `json:"mode,omitempty"`
	ShowOptions     []string       `json:"show_options,omitempty"`
	HideOptions     []string       `json:"hide_options,omitempty"`
	DisableOptions  []string       `json:"disable_options,omitempty"`
	ShowOnlyOptions []string       `json:"show_only_options,omitempty"`
	SortOrder       *int           `json:"sort_order,omitempty"`
	Animation       string         `json:"animation,omitempty"`
}

// PriceMethod selects how a price action adjusts the target's price.
type PriceMethod string

const (
	PriceAdd                PriceMethod = "add"
	PriceSubtract           PriceMethod = "subtract"
	PriceMultiply           PriceMethod = "multiply"
	PriceDivide             PriceMethod = "divide"
	PriceSet                PriceMethod = "set"
	PricePercentageAdd      PriceMethod = "percentage_add"
	PricePercentageSubtract PriceMethod = "percentage_subtract"
	PriceSync               PriceMethod = "sync"
	PriceScale              PriceMethod = "scale"
	PriceTiered             PriceMethod = "tiered"
	PriceFormula            PriceMethod = "formula"
)

// ScaleBasis picks the quantity a scale price method grows with.
type ScaleBasis string

const (
	ScaleByQuantity       ScaleBasis = "quantity"
	ScaleBySelectionCount ScaleBasis = "selection_count"
)

// ScaleCurve shapes the scale growth.
type ScaleCurve string

const (
	CurveLinear      ScaleCurve = "linear"
	CurveLogarithmic ScaleCurve = "logarithmic"
	CurveExponential ScaleCurve = "exponential"
	CurveStepped     ScaleCurve = "stepped"
)

// TierBasis picks the value a tiered price bracket table is keyed by.
type TierBasis string

const (
	TierByQuantity      TierBasis = "quantity"
	TierByCartTotal     TierBasis = "cart_total"
	TierByCustomerSpend TierBasis = "customer_spend"
)

// PriceTier is one bracket of a tiered price table. A zero To means the
// bracket is open-ended.
type PriceTier struct {
	From   float64 `json:"from"`
	To     float64 `json:"to,omitempty"`
	Amount float64 `json:"amount"`
}

// PriceConfig describes a price adjustment. After the method is applied the
// result is clamped to MinPrice/MaxPrice and rounded to RoundTo decimals,
// when set.
type PriceConfig struct {
	Method     PriceMethod `json:"method"`
	Amount     float64     `json:"amount,omitempty"`
	SyncWith   string      `json:"sync_with,omitempty"`
	SyncRatio  float64     `json:"sync_ratio,omitempty"`
	ScaleBasis ScaleBasis  `json:"scale_basis,omitempty"`
	ScaleCurve ScaleCurve  `json:"scale_curve,omitempty"`
	ScaleStep  float64     `json:"scale_step,omitempty"`
	TierBasis  TierBasis   `json:"tier_basis,omitempty"`
	Tiers      []PriceTier `json:"tiers,omitempty"`
	Formula    string      `json:"formula,omitempty"`
	MinPrice   *float64    `json:"min_price,omitempty"`
	MaxPrice   *float64    `json:"max_price,omitempty"`
	RoundTo    *int        `json:"round_to,omitempty"`
}

// RequirementConfig toggles the required flag and sets validation
// constraints. Nil fields leave the current value untouched.
type RequirementConfig struct {
	Required        *bool             `json:"required,omitempty"`
	MinLength       *int              `json:"min_length,omitempty"`
	MaxLength       *int              `json:"max_length,omitempty"`
	MinValue        *float64          `json:"min_value,omitempty"`
	MaxValue        *float64          `json:"max_value,omitempty"`
	Pattern         string            `json:"pattern,omitempty"`
	AllowedValues   []string          `json:"allowed_values,omitempty"`
	ForbiddenValues []string          `json:"forbidden_values,omitempty"`
	MinSelections   *int              `json:"min_selections,omitempty"`
	MaxSelections   *int              `json:"max_selections,omitempty"`
	ErrorMessages   map[string]string `json:"error_messages,omitempty"`
}

// TextEditMode controls how a text edit combines with the existing text.
type TextEditMode string

const (
	TextReplace TextEditMode = "replace"
	TextAppend  TextEditMode = "append"
	TextPrepend TextEditMode = "prepend"
)

// TextEdit rewrites a label or description. {variable} placeholders are
// substituted from the evaluation context.
type TextEdit struct {
	Mode TextEditMode `json:"mode"`
	Text string       `json:"text"`
}

// OptionEdit is a structural edit to an addon's option set.
type OptionEdit struct {
	Op    string   `json:"op"`
	Value string   `json:"value"`
	Label string   `json:"label,omitempty"`
	Price *float64 `json:"price,omitempty"`
	Group string   `json:"group,omitempty"`
}

// ModifierConfig edits the target addon's display metadata.
type ModifierConfig struct {
	Label         *TextEdit    `json:"label,omitempty"`
	Description   *TextEdit    `json:"description,omitempty"`
	Options       []OptionEdit `json:"options,omitempty"`
	Layout        string       `json:"layout,omitempty"`
	AddClasses    []string     `json:"add_classes,omitempty"`
	RemoveClasses []string     `json:"remove_classes,omitempty"`
}

// actionEnvelope is the wire form of an Action: common fields plus a raw
// config object decoded by family.
type actionEnvelope struct {
	Type           ActionType      `json:"type"`
	Target         TargetKind      `json:"target"`
	TargetAddon    string          `json:"target_addon,omitempty"`
	TargetCategory string          `json:"target_category,omitempty"`
	ExceptAddons   []string        `json:"except_addons,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"`
}

// actionDecoders maps an action type tag to its config constructor. The map
// is the closed set of action families; there is no reflective dispatch.
var actionDecoders = map[ActionType]func(*Action, json.RawMessage) error{
	ActionVisibility: func(a *Action, raw json.RawMessage) error {
		a.Visibility = &VisibilityConfig{}
		return decodeConfig(raw, a.Visibility)
	},
	ActionPrice: func(a *Action, raw json.RawMessage) error {
		a.Price = &PriceConfig{}
		return decodeConfig(raw, a.Price)
	},
	ActionRequirement: func(a *Action, raw json.RawMessage) error {
		a.Requirement = &RequirementConfig{}
		return decodeConfig(raw, a.Requirement)
	},
	ActionModifier: func(a *Action, raw json.RawMessage) error {
		a.Modifier = &ModifierConfig{}
		return decodeConfig(raw, a.Modifier)
	},
}

func decodeConfig(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// UnmarshalJSON decodes the action envelope and dispatches the config object
// to the decoder registered for the action type.
func (a *Action) UnmarshalJSON(data []byte) error {
	var env actionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	*a = Action{
		Type:           env.Type,
		Target:         env.Target,
		TargetAddon:    env.TargetAddon,
		TargetCategory: env.TargetCategory,
		ExceptAddons:   env.ExceptAddons,
	}

	decode, ok := actionDecoders[env.Type]
	if !ok {
		// Unknown types survive decoding; the evaluator skips them with a
		// warning so one unknown action cannot reject a whole rule list.
		return nil
	}
	if err := decode(a, env.Config); err != nil {
		return fmt.Errorf("decode %s action config: %w", env.Type, err)
	}

	return nil
}

// MarshalJSON re-wraps the typed config into the envelope form.
func (a Action) MarshalJSON() ([]byte, error) {
	env := actionEnvelope{
		Type:           a.Type,
		Target:         a.Target,
		TargetAddon:    a.TargetAddon,
		TargetCategory: a.TargetCategory,
		ExceptAddons:   a.ExceptAddons,
	}

	var config any
	switch {
	case a.Visibility != nil:
		config = a.Visibility
	case a.Price != nil:
		config = a.Price
	case a.Requirement != nil:
		config = a.Requirement
	case a.Modifier != nil:
		config = a.Modifier
	}
	if config != nil {
		raw, err := json.Marshal(config)
		if err != nil {
			return nil, err
		}
		env.Config = raw
	}

	return json.Marshal(env)
}

// config returns the typed config matching the action's declared type, or nil
// when the type is unknown or the config is missing.
func (a *Action) config() any {
	switch a.Type {
	case ActionVisibility:
		if a.Visibility != nil {
			return a.Visibility
		}
	case ActionPrice:
		if a.Price != nil {
			return a.Price
		}
	case ActionRequirement:
		if a.Requirement != nil {
			return a.Requirement
		}
	case ActionModifier:
		if a.Modifier != nil {
			return a.Modifier
		}
	}
	return nil
}
