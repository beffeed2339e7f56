// Package addonrules provides client interfaces and domain types for the
// addonrules evaluation service.
//
// Use the http sub-package to create a transport client:
//
//	import addonruleshttp "github.com/webshopkit/addonrules/clients/go/http"
package addonrules

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// RuleManager covers CRUD operations on addon rules.
type RuleManager interface {
	CreateRule(ctx context.Context, rule Rule) (Rule, error)
	GetRule(ctx context.Context, id string) (Rule, error)
	ListRules(ctx context.Context) ([]Rule, error)
	UpdateRule(ctx context.Context, rule Rule) (Rule, error)
	DeleteRule(ctx context.Context, id string) error
}

// Evaluator resolves addon results for a product context.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluateRequest) (EvaluateResponse, error)
}

// Streamer delivers real-time rule change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64) (<-chan RuleEvent, error)
}

// Rule is the domain representation of an addon rule. ConditionGroups and
// Actions are carried as raw JSON; the server validates them on write.
type Rule struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	AddonID         string          `json:"addon_id,omitempty"`
	Scope           string          `json:"scope"`
	ScopeID         string          `json:"scope_id,omitempty"`
	Priority        int             `json:"priority"`
	Enabled         bool            `json:"enabled"`
	GroupMatch      string          `json:"group_match,omitempty"`
	ConditionGroups json.RawMessage `json:"condition_groups"`
	Actions         json.RawMessage `json:"actions"`
	CreatedAt       time.Time       `json:"created_at,omitzero"`
	UpdatedAt       time.Time       `json:"updated_at,omitzero"`
}

// OptionSnapshot describes one selectable option of an addon.
type OptionSnapshot struct {
	Value    string  `json:"value"`
	Label    string  `json:"label,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Selected bool    `json:"selected,omitempty"`
}

// AddonSnapshot is the caller's view of one addon to evaluate.
type AddonSnapshot struct {
	ID        string           `json:"id"`
	Name      string           `json:"name,omitempty"`
	Type      string           `json:"type,omitempty"`
	Required  bool             `json:"required,omitempty"`
	BasePrice float64          `json:"base_price"`
	Category  string           `json:"category,omitempty"`
	Options   []OptionSnapshot `json:"options,omitempty"`
}

// Selection is the current value of one addon field.
type Selection struct {
	Value    any     `json:"value"`
	Label    string  `json:"label,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Quantity int     `json:"quantity,omitempty"`
	Selected bool    `json:"selected"`
}

// Product describes the product being configured.
type Product struct {
	ID         string   `json:"id"`
	Price      float64  `json:"price"`
	InStock    bool     `json:"in_stock"`
	OnSale     bool     `json:"on_sale,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// Cart describes the caller's cart totals.
type Cart struct {
	Total     float64  `json:"total"`
	Subtotal  float64  `json:"subtotal"`
	ItemCount int      `json:"item_count"`
	Coupons   []string `json:"coupons,omitempty"`
}

// User describes the caller's customer.
type User struct {
	ID         string   `json:"id,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	LoggedIn   bool     `json:"logged_in"`
	OrderCount int      `json:"order_count,omitempty"`
	TotalSpent float64  `json:"total_spent,omitempty"`
	Country    string   `json:"country,omitempty"`
}

// EvaluationContext provides the product, cart, user, and current field
// selections used when evaluating rule conditions.
type EvaluationContext struct {
	Selections map[string]Selection `json:"selections,omitempty"`
	Product    Product              `json:"product"`
	Cart       Cart                 `json:"cart"`
	User       User                 `json:"user"`
	Quantity   int                  `json:"quantity,omitempty"`
	Timestamp  time.Time            `json:"timestamp,omitzero"`
}

// EvaluateRequest is a single evaluation request. Sequence is echoed back
// unchanged in the response; see SequenceTracker. Selections may be set here
// or on Context; the server folds both into the same lookup, with the
// Context entry winning on a duplicate addon ID.
type EvaluateRequest struct {
	Sequence   int64                `json:"sequence,omitempty"`
	Targets    []AddonSnapshot      `json:"targets"`
	Selections map[string]Selection `json:"selections,omitempty"`
	Context    EvaluationContext    `json:"context"`
}

// PriceModifier records one price adjustment applied to an addon.
type PriceModifier struct {
	RuleID string  `json:"rule_id"`
	Method string  `json:"method"`
	Amount float64 `json:"amount"`
}

// AddonResult is the evaluated state of one addon.
type AddonResult struct {
	AddonID        string          `json:"addon_id"`
	Visible        bool            `json:"visible"`
	Required       bool            `json:"required"`
	BasePrice      float64         `json:"base_price"`
	AdjustedPrice  float64         `json:"adjusted_price"`
	PriceModifiers []PriceModifier `json:"price_modifiers,omitempty"`
	Options        json.RawMessage `json:"options,omitempty"`
	Text           json.RawMessage `json:"text,omitempty"`
	Validation     json.RawMessage `json:"validation,omitempty"`
}

// EvaluateResponse is the outcome of a single evaluation request.
type EvaluateResponse struct {
	Sequence int64                  `json:"sequence,omitempty"`
	Results  map[string]AddonResult `json:"results"`
	Warnings []string               `json:"warnings,omitempty"`
}

// RuleEvent is a real-time notification of a rule change.
type RuleEvent struct {
	Type    string // "update" | "delete" | "error"
	Rule    *Rule  // nil on delete/error
	RuleID  string
	EventID int64
}

// SequenceTracker implements caller-side last-write-wins over out-of-order
// evaluation responses. Allocate a sequence with Next for each request, and
// gate response handling on Accept: a response whose echoed sequence is lower
// than the highest already accepted must be discarded.
//
// The zero value is ready to use and safe for concurrent use.
type SequenceTracker struct {
	mu       sync.Mutex
	next     int64
	accepted int64
}

// Next allocates the next request sequence number, starting at 1.
func (t *SequenceTracker) Next() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	return t.next
}

// Accept reports whether a response with the given echoed sequence should be
// applied. It returns false for stale responses, i.e. those with a sequence
// lower than the highest accepted so far.
func (t *SequenceTracker) Accept(sequence int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sequence < t.accepted {
		return false
	}
	t.accepted = sequence
	return true
}

// Last returns the highest sequence accepted so far, or 0 if none.
func (t *SequenceTracker) Last() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accepted
}
