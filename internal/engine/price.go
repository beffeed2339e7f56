package engine

import (
	"fmt"
	"math"
)

// priceEnv bundles the inputs a price method can read: the target's base
// price, the full context, and the previous pass's results for sync lookups.
type priceEnv struct {
	base  float64
	snap  AddonSnapshot
	ctx   *Context
	prev  ResultSet
	snaps map[string]AddonSnapshot
}

// applyPriceConfig applies one price adjustment to the running price and
// returns the new value. Adjustments compose left to right; set-style
// methods (set, sync, scale, tiered, formula) replace the running price
// outright. The result is clamped to min/max and rounded last, so a
// min_price floor binds even when the method itself went below it.
func applyPriceConfig(cfg *PriceConfig, current float64, env priceEnv) (float64, error) {
	v := current
	switch cfg.Method {
	case PriceAdd:
		v = current + cfg.Amount
	case PriceSubtract:
		v = current - cfg.Amount
	case PriceMultiply:
		v = current * cfg.Amount
	case PriceDivide:
		if cfg.Amount == 0 {
			return current, fmt.Errorf("price divide by zero")
		}
		v = current / cfg.Amount
	case PriceSet:
		v = cfg.Amount
	case PricePercentageAdd:
		v = current * (1 + cfg.Amount/100)
	case PricePercentageSubtract:
		v = current * (1 - cfg.Amount/100)
	case PriceSync:
		other, err := env.effectivePrice(cfg.SyncWith)
		if err != nil {
			return current, err
		}
		ratio := cfg.SyncRatio
		if ratio == 0 {
			ratio = 1
		}
		v = other * ratio
	case PriceScale:
		n, err := env.scaleCount(cfg.ScaleBasis)
		if err != nil {
			return current, err
		}
		f, err := scaleFactor(cfg, n)
		if err != nil {
			return current, err
		}
		v = env.base + cfg.Amount*f
	case PriceTiered:
		basis, err := env.tierValue(cfg.TierBasis)
		if err != nil {
			return current, err
		}
		amount, ok := pickTier(cfg.Tiers, basis)
		if !ok {
			// No bracket covers the basis value; leave the price alone.
			return clampRound(cfg, current), nil
		}
		v = amount
	case PriceFormula:
		out, err := evalFormula(cfg.Formula, env.formulaVars())
		if err != nil {
			return current, fmt.Errorf("formula: %w", err)
		}
		v = out
	default:
		return current, fmt.Errorf("unknown price method %q", cfg.Method)
	}
	return clampRound(cfg, v), nil
}

func clampRound(cfg *PriceConfig, v float64) float64 {
	if cfg.MinPrice != nil && v < *cfg.MinPrice {
		v = *cfg.MinPrice
	}
	if cfg.MaxPrice != nil && v > *cfg.MaxPrice {
		v = *cfg.MaxPrice
	}
	if cfg.RoundTo != nil {
		p := math.Pow(10, float64(*cfg.RoundTo))
		v = math.Round(v*p) / p
	}
	return v
}

func scaleFactor(cfg *PriceConfig, n int) (float64, error) {
	fn := float64(n)
	switch cfg.ScaleCurve {
	case CurveLinear, "":
		return fn, nil
	case CurveLogarithmic:
		return math.Log(fn + 1), nil
	case CurveExponential:
		return fn * fn, nil
	case CurveStepped:
		if cfg.ScaleStep <= 0 {
			return 0, fmt.Errorf("stepped scale needs a positive step")
		}
		return math.Floor(fn / cfg.ScaleStep), nil
	}
	return 0, fmt.Errorf("unknown scale curve %q", cfg.ScaleCurve)
}

// pickTier finds the bracket containing basis. Brackets cover [from, to);
// a zero To marks the open-ended last bracket.
func pickTier(tiers []PriceTier, basis float64) (float64, bool) {
	for _, t := range tiers {
		if basis < t.From {
			continue
		}
		if t.To == 0 || basis < t.To {
			return t.Amount, true
		}
	}
	return 0, false
}

func (env priceEnv) scaleCount(basis ScaleBasis) (int, error) {
	switch basis {
	case ScaleByQuantity, "":
		return env.ctx.Quantity, nil
	case ScaleBySelectionCount:
		return env.ctx.selectionCount(), nil
	}
	return 0, fmt.Errorf("unknown scale basis %q", basis)
}

func (env priceEnv) tierValue(basis TierBasis) (float64, error) {
	switch basis {
	case TierByQuantity, "":
		return float64(env.ctx.Quantity), nil
	case TierByCartTotal:
		return env.ctx.Cart.Total, nil
	case TierByCustomerSpend:
		return env.ctx.User.TotalSpent, nil
	}
	return 0, fmt.Errorf("unknown tier basis %q", basis)
}

// effectivePrice returns the named addon's adjusted price from the previous
// pass, falling back to its snapshot base price when no rule touched it yet.
func (env priceEnv) effectivePrice(addonID string) (float64, error) {
	if addonID == "" {
		return 0, fmt.Errorf("sync needs a sync_with addon")
	}
	if res, ok := env.prev[addonID]; ok {
		return res.AdjustedPrice, nil
	}
	if snap, ok := env.snaps[addonID]; ok {
		return snap.BasePrice, nil
	}
	return 0, fmt.Errorf("sync target %q is not an evaluated addon", addonID)
}

func (env priceEnv) formulaVars() map[string]float64 {
	optionPrice := 0.0
	if sel, ok := env.ctx.selection(env.snap.ID); ok {
		optionPrice = sel.Price
	}
	return map[string]float64{
		"base_price":           env.base,
		"product_price":        env.ctx.Product.Price,
		"cart_total":           env.ctx.Cart.Total,
		"cart_subtotal":        env.ctx.Cart.Subtotal,
		"quantity":             float64(env.ctx.Quantity),
		"selection_count":      float64(env.ctx.selectionCount()),
		"option_price":         optionPrice,
		"customer_total_spent": env.ctx.User.TotalSpent,
	}
}
