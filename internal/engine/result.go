package engine

import "reflect"

// PriceModifier records one applied price adjustment for the caller's
// breakdown display.
type PriceModifier struct {
	RuleID string      `json:"rule_id"`
	Method PriceMethod `json:"method"`
	Amount float64     `json:"amount"`
}

// OptionModifiers collects the per-option visibility lists produced for one
// addon. ShowOnly, when non-nil, supersedes Show and Hide on the caller side.
type OptionModifiers struct {
	Show     []string `json:"show,omitempty"`
	Hide     []string `json:"hide,omitempty"`
	Disable  []string `json:"disable,omitempty"`
	ShowOnly []string `json:"show_only,omitempty"`
}

// TextState is the label/description pair after modifier actions ran.
type TextState struct {
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
}

// ValidationState is the validation constraint set after requirement actions
// ran. Nil pointers mean the constraint is unset.
type ValidationState struct {
	MinLength       *int     `json:"min_length,omitempty"`
	MaxLength       *int     `json:"max_length,omitempty"`
	MinValue        *float64 `json:"min_value,omitempty"`
	MaxValue        *float64 `json:"max_value,omitempty"`
	Pattern         string   `json:"pattern,omitempty"`
	AllowedValues   []string `json:"allowed_values,omitempty"`
	ForbiddenValues []string `json:"forbidden_values,omitempty"`
	MinSelections   *int     `json:"min_selections,omitempty"`
	MaxSelections   *int     `json:"max_selections,omitempty"`
}

// Result is the evaluated state of one addon.
type Result struct {
	AddonID        string            `json:"addon_id"`
	Visible        bool              `json:"visible"`
	Required       bool              `json:"required"`
	BasePrice      float64           `json:"base_price"`
	AdjustedPrice  float64           `json:"adjusted_price"`
	PriceModifiers []PriceModifier   `json:"price_modifiers,omitempty"`
	Options        OptionModifiers   `json:"options,omitempty"`
	Text           TextState         `json:"text,omitempty"`
	Validation     ValidationState   `json:"validation,omitempty"`
	ErrorMessages  map[string]string `json:"error_messages,omitempty"`
	SortOrder      *int              `json:"sort_order,omitempty"`
	Animation      string            `json:"animation,omitempty"`
	Layout         string            `json:"layout,omitempty"`
	AddClasses     []string          `json:"add_classes,omitempty"`
	RemoveClasses  []string          `json:"remove_classes,omitempty"`
	OptionEdits    []OptionEdit      `json:"option_edits,omitempty"`
}

// hasModifications reports whether any action actually changed this result
// relative to its snapshot defaults. Used by rule_state conditions.
func (r *Result) hasModifications(snap AddonSnapshot) bool {
	if !r.Visible || r.Required != snap.Required {
		return true
	}
	if r.AdjustedPrice != r.BasePrice || len(r.PriceModifiers) > 0 {
		return true
	}
	if len(r.Options.Show) > 0 || len(r.Options.Hide) > 0 ||
		len(r.Options.Disable) > 0 || r.Options.ShowOnly != nil {
		return true
	}
	if r.Text != (TextState{}) || len(r.OptionEdits) > 0 {
		return true
	}
	if r.SortOrder != nil || r.Animation != "" || r.Layout != "" {
		return true
	}
	if len(r.AddClasses) > 0 || len(r.RemoveClasses) > 0 {
		return true
	}
	if !reflect.DeepEqual(r.Validation, ValidationState{}) || len(r.ErrorMessages) > 0 {
		return true
	}
	return false
}

// ResultSet maps addon IDs to their evaluated results.
type ResultSet map[string]*Result

// Equal compares two sets structurally. Fixed-point detection uses this, not
// pointer identity.
func (rs ResultSet) Equal(other ResultSet) bool {
	if len(rs) != len(other) {
		return false
	}
	for id, r := range rs {
		o, ok := other[id]
		if !ok || !reflect.DeepEqual(*r, *o) {
			return false
		}
	}
	return true
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
