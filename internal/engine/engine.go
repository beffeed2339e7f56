package engine

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"
)

const (
	// DefaultMaxPasses caps the cascade when rule dependencies keep results
	// moving. Real rule sets settle in two or three passes; ten is headroom.
	DefaultMaxPasses = 10

	// DefaultStrategy resolves conflicting writes by rule priority.
	DefaultStrategy = StrategyPriority
)

// OptionSnapshot is one choice of a multi-option addon as configured.
type OptionSnapshot struct {
	Value    string  `json:"value"`
	Label    string  `json:"label,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Selected bool    `json:"selected,omitempty"`
}

// AddonSnapshot is the configured state of one addon before any rule runs.
// The engine treats snapshots as read-only; evaluated state lives in Result.
type AddonSnapshot struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	Type        string           `json:"type,omitempty"`
	Required    bool             `json:"required,omitempty"`
	BasePrice   float64          `json:"base_price"`
	Category    string           `json:"category,omitempty"`
	Label       string           `json:"label,omitempty"`
	Description string           `json:"description,omitempty"`
	Options     []OptionSnapshot `json:"options,omitempty"`
}

// Request is one evaluation call: the addons to evaluate and the world state
// to evaluate them against. Sequence is an opaque caller token echoed back
// unchanged so clients can discard responses that arrive out of order.
// Selections may be given at the top level or inside Context; both feed the
// same lookup, with the Context entry winning on a duplicate addon ID.
type Request struct {
	Sequence   int64                `json:"sequence,omitempty"`
	Targets    []AddonSnapshot      `json:"targets"`
	Selections map[string]Selection `json:"selections,omitempty"`
	Context    Context              `json:"context"`
}

// Response carries the evaluated per-addon results plus any warnings
// collected along the way. Warnings never fail a request; a rule that could
// not be applied is skipped and reported here.
type Response struct {
	Sequence int64     `json:"sequence,omitempty"`
	Results  ResultSet `json:"results"`
	Warnings []string  `json:"warnings,omitempty"`
}

// Engine evaluates rule lists. It is stateless and safe for concurrent use;
// all per-request state lives on the stack of Evaluate.
type Engine struct {
	maxPasses int
	strategy  Strategy
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxPasses overrides the cascade pass cap.
func WithMaxPasses(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxPasses = n
		}
	}
}

// WithStrategy overrides the conflict resolution strategy. Unknown names
// keep the default.
func WithStrategy(s Strategy) Option {
	return func(e *Engine) {
		if KnownStrategy(s) {
			e.strategy = s
		}
	}
}

// WithLogger sets the logger used for per-rule diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New builds an Engine with the given options.
func New(opts ...Option) *Engine {
	e := &Engine{
		maxPasses: DefaultMaxPasses,
		strategy:  DefaultStrategy,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs the rule list against the request and returns the evaluated
// state of every target addon. The rules slice and the request are never
// mutated. Invalid rules and rules on dependency cycles are skipped with
// warnings; evaluation itself cannot fail.
func (e *Engine) Evaluate(rules []Rule, req Request) Response {
	snaps := make(map[string]AddonSnapshot, len(req.Targets))
	order := make([]string, 0, len(req.Targets))
	for _, t := range req.Targets {
		if _, dup := snaps[t.ID]; dup {
			continue
		}
		snaps[t.ID] = t
		order = append(order, t.ID)
	}

	var warnings []string
	seen := map[string]struct{}{}
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		if _, dup := seen[msg]; dup {
			return
		}
		seen[msg] = struct{}{}
		warnings = append(warnings, msg)
		e.logger.Warn("evaluation warning", "warning", msg)
	}

	active := e.activeRules(rules, warn)

	plan := BuildPlan(derefRules(active), snaps, order)
	if excluded := plan.ExcludedRules(); len(excluded) > 0 {
		for _, c := range plan.Cycles {
			warn("dependency cycle: %s", c.Path)
		}
		active = slices.DeleteFunc(active, func(r *Rule) bool {
			return slices.Contains(excluded, r.ID)
		})
	}

	ctx := evalContext(req)
	results := e.cascade(active, &ctx, snaps, order, warn)

	return Response{
		Sequence: req.Sequence,
		Results:  results,
		Warnings: warnings,
	}
}

// evalContext builds the context one evaluation runs against: the request
// context with top-level selections folded in and the clock pinned. Pinning
// happens once here so every date condition in the evaluation reads the same
// instant regardless of how many cascade passes it takes to settle.
func evalContext(req Request) Context {
	ctx := req.Context
	if len(req.Selections) > 0 {
		merged := make(map[string]Selection, len(req.Selections)+len(ctx.Selections))
		for id, sel := range req.Selections {
			merged[id] = sel
		}
		for id, sel := range ctx.Selections {
			merged[id] = sel
		}
		ctx.Selections = merged
	}
	if ctx.Timestamp.IsZero() {
		ctx.Timestamp = time.Now()
	}
	return ctx
}

// activeRules filters to enabled, structurally valid rules and sorts them by
// priority then ID. The input slice is copied before sorting.
func (e *Engine) activeRules(rules []Rule, warn func(string, ...any)) []*Rule {
	active := make([]*Rule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		if !rule.Enabled {
			continue
		}
		if err := ValidateRule(&rule); err != nil {
			warn("rule %s skipped: %v", rule.ID, err)
			continue
		}
		active = append(active, &rule)
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].ID < active[j].ID
	})
	return active
}

func derefRules(rules []*Rule) []Rule {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		out[i] = *r
	}
	return out
}
