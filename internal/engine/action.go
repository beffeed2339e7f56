package engine

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// expandTargets resolves an action's target selector to the addon IDs it
// writes to, restricted to the addons the caller asked to evaluate.
func expandTargets(rule *Rule, act *Action, snaps map[string]AddonSnapshot, order []string) ([]string, error) {
	switch act.Target {
	case TargetSelf:
		if rule.AddonID == "" {
			return nil, fmt.Errorf("rule %s has a self-targeted action but no addon", rule.ID)
		}
		if _, ok := snaps[rule.AddonID]; !ok {
			return nil, nil
		}
		return []string{rule.AddonID}, nil
	case TargetOther:
		if act.TargetAddon == "" {
			return nil, fmt.Errorf("rule %s has an other-targeted action without target_addon", rule.ID)
		}
		if _, ok := snaps[act.TargetAddon]; !ok {
			return nil, nil
		}
		return []string{act.TargetAddon}, nil
	case TargetAll:
		return slices.Clone(order), nil
	case TargetCategory:
		var out []string
		for _, id := range order {
			if snaps[id].Category == act.TargetCategory {
				out = append(out, id)
			}
		}
		return out, nil
	case TargetExcept:
		var out []string
		for _, id := range order {
			if !slices.Contains(act.ExceptAddons, id) {
				out = append(out, id)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown action target %q", act.Target)
}

func applyVisibility(cfg *VisibilityConfig, res *Result) {
	switch cfg.Mode {
	case VisibilityShow:
		res.Visible = true
	case VisibilityHide:
		res.Visible = false
	case VisibilityToggle:
		res.Visible = !res.Visible
	}
	res.Options.Show = appendUnique(res.Options.Show, cfg.ShowOptions)
	res.Options.Hide = appendUnique(res.Options.Hide, cfg.HideOptions)
	res.Options.Disable = appendUnique(res.Options.Disable, cfg.DisableOptions)
	if cfg.ShowOnlyOptions != nil {
		res.Options.ShowOnly = slices.Clone(cfg.ShowOnlyOptions)
	}
	if cfg.SortOrder != nil {
		res.SortOrder = clonePtr(cfg.SortOrder)
	}
	if cfg.Animation != "" {
		res.Animation = cfg.Animation
	}
}

func applyRequirement(cfg *RequirementConfig, res *Result) {
	if cfg.Required != nil {
		res.Required = *cfg.Required
	}
	if cfg.MinLength != nil {
		res.Validation.MinLength = clonePtr(cfg.MinLength)
	}
	if cfg.MaxLength != nil {
		res.Validation.MaxLength = clonePtr(cfg.MaxLength)
	}
	if cfg.MinValue != nil {
		res.Validation.MinValue = clonePtr(cfg.MinValue)
	}
	if cfg.MaxValue != nil {
		res.Validation.MaxValue = clonePtr(cfg.MaxValue)
	}
	if cfg.Pattern != "" {
		res.Validation.Pattern = cfg.Pattern
	}
	if cfg.AllowedValues != nil {
		res.Validation.AllowedValues = slices.Clone(cfg.AllowedValues)
	}
	if cfg.ForbiddenValues != nil {
		res.Validation.ForbiddenValues = slices.Clone(cfg.ForbiddenValues)
	}
	if cfg.MinSelections != nil {
		res.Validation.MinSelections = clonePtr(cfg.MinSelections)
	}
	if cfg.MaxSelections != nil {
		res.Validation.MaxSelections = clonePtr(cfg.MaxSelections)
	}
	for k, v := range cfg.ErrorMessages {
		if res.ErrorMessages == nil {
			res.ErrorMessages = make(map[string]string)
		}
		res.ErrorMessages[k] = v
	}
}

func applyModifier(cfg *ModifierConfig, res *Result, snap AddonSnapshot, ctx *Context) {
	if cfg.Label != nil {
		base := res.Text.Label
		if base == "" {
			base = snap.Label
		}
		res.Text.Label = applyTextEdit(cfg.Label, base, snap, ctx)
	}
	if cfg.Description != nil {
		base := res.Text.Description
		if base == "" {
			base = snap.Description
		}
		res.Text.Description = applyTextEdit(cfg.Description, base, snap, ctx)
	}
	res.OptionEdits = append(res.OptionEdits, cfg.Options...)
	if cfg.Layout != "" {
		res.Layout = cfg.Layout
	}
	res.AddClasses = appendUnique(res.AddClasses, cfg.AddClasses)
	res.RemoveClasses = appendUnique(res.RemoveClasses, cfg.RemoveClasses)
}

func applyTextEdit(edit *TextEdit, current string, snap AddonSnapshot, ctx *Context) string {
	text := substituteVars(edit.Text, snap, ctx)
	switch edit.Mode {
	case TextAppend:
		return current + text
	case TextPrepend:
		return text + current
	default:
		return text
	}
}

// substituteVars expands {variable} placeholders in modifier text. Unknown
// placeholders pass through unchanged so merchant typos stay visible.
func substituteVars(text string, snap AddonSnapshot, ctx *Context) string {
	if !strings.Contains(text, "{") {
		return text
	}
	repl := strings.NewReplacer(
		"{product_name}", ctx.Product.Name,
		"{product_price}", formatMoney(ctx.Product.Price),
		"{cart_total}", formatMoney(ctx.Cart.Total),
		"{quantity}", strconv.Itoa(ctx.Quantity),
		"{addon_name}", snap.Name,
	)
	return repl.Replace(text)
}

func formatMoney(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func appendUnique(dst []string, add []string) []string {
	for _, v := range add {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
