package engine

import (
	"fmt"
	"math"
	"time"
)

// Resolvers produce the left-hand value of a condition from the evaluation
// context. Each condition type has its own explicit property table; there is
// no reflective field lookup, so the set of addressable properties is closed
// and greppable.

type resolveFunc func(cond Condition, ctx *Context, prev ResultSet, snaps map[string]AddonSnapshot) (any, error)

var conditionResolvers = map[ConditionType]resolveFunc{
	ConditionField:     resolveField,
	ConditionProduct:   resolveProduct,
	ConditionCart:      resolveCart,
	ConditionUser:      resolveUser,
	ConditionDate:      resolveDate,
	ConditionRuleState: resolveRuleState,
}

func resolveValue(cond Condition, ctx *Context, prev ResultSet, snaps map[string]AddonSnapshot) (any, error) {
	resolve, ok := conditionResolvers[cond.Type]
	if !ok {
		return nil, fmt.Errorf("unknown condition type %q", cond.Type)
	}
	return resolve(cond, ctx, prev, snaps)
}

func resolveField(cond Condition, ctx *Context, _ ResultSet, _ map[string]AddonSnapshot) (any, error) {
	sel, ok := ctx.selection(cond.TargetAddon)
	switch cond.Property {
	case "value":
		if !ok {
			return nil, nil
		}
		return sel.Value, nil
	case "label":
		if !ok {
			return nil, nil
		}
		return sel.Label, nil
	case "price":
		if !ok {
			return nil, nil
		}
		return sel.Price, nil
	case "quantity":
		if !ok {
			return nil, nil
		}
		return sel.Quantity, nil
	case "is_selected":
		// An absent selection is an unselected field, not an error.
		return ok && sel.Selected, nil
	}
	return nil, fmt.Errorf("unknown field property %q", cond.Property)
}

func resolveProduct(cond Condition, ctx *Context, _ ResultSet, _ map[string]AddonSnapshot) (any, error) {
	p := ctx.Product
	switch cond.Property {
	case "id":
		return p.ID, nil
	case "name":
		return p.Name, nil
	case "sku":
		return p.SKU, nil
	case "price":
		return p.Price, nil
	case "regular_price":
		return p.RegularPrice, nil
	case "stock_quantity":
		return p.StockQuantity, nil
	case "in_stock":
		return p.InStock, nil
	case "on_sale":
		return p.OnSale, nil
	case "categories":
		return p.Categories, nil
	case "tags":
		return p.Tags, nil
	case "weight":
		return p.Weight, nil
	case "quantity":
		return ctx.Quantity, nil
	}
	return nil, fmt.Errorf("unknown product property %q", cond.Property)
}

func resolveCart(cond Condition, ctx *Context, _ ResultSet, _ map[string]AddonSnapshot) (any, error) {
	c := ctx.Cart
	switch cond.Property {
	case "total":
		return c.Total, nil
	case "subtotal":
		return c.Subtotal, nil
	case "item_count":
		return c.ItemCount, nil
	case "unique_items":
		return c.UniqueItems, nil
	case "coupons":
		return c.Coupons, nil
	case "shipping_total":
		return c.ShippingTotal, nil
	}
	return nil, fmt.Errorf("unknown cart property %q", cond.Property)
}

func resolveUser(cond Condition, ctx *Context, _ ResultSet, _ map[string]AddonSnapshot) (any, error) {
	u := ctx.User
	switch cond.Property {
	case "id":
		return u.ID, nil
	case "email":
		return u.Email, nil
	case "roles":
		return u.Roles, nil
	case "logged_in":
		return u.LoggedIn, nil
	case "is_guest":
		return !u.LoggedIn, nil
	case "order_count":
		return u.OrderCount, nil
	case "total_spent":
		return u.TotalSpent, nil
	case "country":
		return u.Country, nil
	case "registered_days":
		return u.RegisteredDays, nil
	}
	return nil, fmt.Errorf("unknown user property %q", cond.Property)
}

func resolveDate(cond Condition, ctx *Context, _ ResultSet, _ map[string]AddonSnapshot) (any, error) {
	now := ctx.now()
	switch cond.Property {
	case "current_date":
		return now.Format("2006-01-02"), nil
	case "current_time":
		return now.Format("15:04"), nil
	case "day_of_week":
		return dayNames[now.Weekday()], nil
	case "day_of_month":
		return now.Day(), nil
	case "month":
		return int(now.Month()), nil
	case "year":
		return now.Year(), nil
	case "hour":
		return now.Hour(), nil
	case "is_weekday":
		wd := now.Weekday()
		return wd != time.Saturday && wd != time.Sunday, nil
	case "is_weekend":
		wd := now.Weekday()
		return wd == time.Saturday || wd == time.Sunday, nil
	case "is_business_hours":
		return inBusinessHours(now, cond.Argument)
	case "days_until":
		d, err := daysBetween(now, cond.Argument)
		return d, err
	case "days_since":
		d, err := daysBetween(now, cond.Argument)
		return -d, err
	case "season":
		return meteorologicalSeason(now.Month()), nil
	case "quarter":
		return (int(now.Month())-1)/3 + 1, nil
	}
	return nil, fmt.Errorf("unknown date property %q", cond.Property)
}

var dayNames = map[time.Weekday]string{
	time.Sunday:    "sunday",
	time.Monday:    "monday",
	time.Tuesday:   "tuesday",
	time.Wednesday: "wednesday",
	time.Thursday:  "thursday",
	time.Friday:    "friday",
	time.Saturday:  "saturday",
}

// inBusinessHours checks the clock against an argument of the form
// {"start": "09:00", "end": "17:00"}. Windows may wrap past midnight.
func inBusinessHours(now time.Time, arg any) (bool, error) {
	m, ok := arg.(map[string]any)
	if !ok {
		return false, fmt.Errorf("is_business_hours needs a start/end argument")
	}
	start, err := parseClock(m["start"])
	if err != nil {
		return false, err
	}
	end, err := parseClock(m["end"])
	if err != nil {
		return false, err
	}
	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return cur >= start && cur < end, nil
	}
	return cur >= start || cur < end, nil
}

func parseClock(v any) (int, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("clock value %v is not a HH:MM string", v)
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// daysBetween returns whole days from now's date to the argument date,
// positive when the argument lies in the future.
func daysBetween(now time.Time, arg any) (int, error) {
	s, ok := arg.(string)
	if !ok {
		return 0, fmt.Errorf("date argument %v is not a YYYY-MM-DD string", arg)
	}
	target, err := time.ParseInLocation("2006-01-02", s, now.Location())
	if err != nil {
		return 0, fmt.Errorf("parse date %q: %w", s, err)
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return int(math.Round(target.Sub(today).Hours() / 24)), nil
}

func meteorologicalSeason(m time.Month) string {
	switch m {
	case time.March, time.April, time.May:
		return "spring"
	case time.June, time.July, time.August:
		return "summer"
	case time.September, time.October, time.November:
		return "autumn"
	default:
		return "winter"
	}
}

// resolveRuleState reads the named addon's state from the previous cascade
// pass, which is what lets rules react to the effects of other rules.
func resolveRuleState(cond Condition, _ *Context, prev ResultSet, snaps map[string]AddonSnapshot) (any, error) {
	res, ok := prev[cond.TargetAddon]
	if !ok {
		return nil, fmt.Errorf("rule_state target %q is not an evaluated addon", cond.TargetAddon)
	}
	switch cond.Property {
	case "visible":
		return res.Visible, nil
	case "required":
		return res.Required, nil
	case "has_modifications":
		return res.hasModifications(snaps[cond.TargetAddon]), nil
	case "adjusted_price":
		return res.AdjustedPrice, nil
	}
	return nil, fmt.Errorf("unknown rule_state property %q", cond.Property)
}
