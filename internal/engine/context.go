package engine

import "time"

// Selection is the current value of one addon field on the product page.
type Selection struct {
	Value    any     `json:"value"`
	Label    string  `json:"label,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Quantity int     `json:"quantity,omitempty"`
	Selected bool    `json:"selected"`
}

// Product is the snapshot of the product the addons belong to.
type Product struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	SKU           string   `json:"sku,omitempty"`
	Price         float64  `json:"price"`
	RegularPrice  float64  `json:"regular_price,omitempty"`
	StockQuantity int      `json:"stock_quantity,omitempty"`
	InStock       bool     `json:"in_stock"`
	OnSale        bool     `json:"on_sale,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Weight        float64  `json:"weight,omitempty"`
}

// Cart is the snapshot of the shopper's cart.
type Cart struct {
	Total         float64  `json:"total"`
	Subtotal      float64  `json:"subtotal"`
	ItemCount     int      `json:"item_count"`
	UniqueItems   int      `json:"unique_items,omitempty"`
	Coupons       []string `json:"coupons,omitempty"`
	ShippingTotal float64  `json:"shipping_total,omitempty"`
}

// User is the snapshot of the shopper. A zero value describes a guest.
type User struct {
	ID             string   `json:"id,omitempty"`
	Email          string   `json:"email,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	LoggedIn       bool     `json:"logged_in"`
	OrderCount     int      `json:"order_count,omitempty"`
	TotalSpent     float64  `json:"total_spent,omitempty"`
	Country        string   `json:"country,omitempty"`
	RegisteredDays int      `json:"registered_days,omitempty"`
}

// Context is the read-only world state a rule list is evaluated against.
// Timestamp is captured once per request so every date condition in one
// evaluation sees the same clock.
type Context struct {
	Selections map[string]Selection `json:"selections,omitempty"`
	Product    Product              `json:"product"`
	Cart       Cart                 `json:"cart"`
	User       User                 `json:"user"`
	Quantity   int                  `json:"quantity,omitempty"`
	Timestamp  time.Time            `json:"timestamp,omitempty"`
}

// now returns the context clock, falling back to wall time when the caller
// left it unset.
func (c *Context) now() time.Time {
	if c.Timestamp.IsZero() {
		return time.Now()
	}
	return c.Timestamp
}

// selection looks up the named addon's current selection.
func (c *Context) selection(addonID string) (Selection, bool) {
	sel, ok := c.Selections[addonID]
	return sel, ok
}

// selectionCount counts addons with an active selection.
func (c *Context) selectionCount() int {
	n := 0
	for _, sel := range c.Selections {
		if sel.Selected {
			n++
		}
	}
	return n
}
