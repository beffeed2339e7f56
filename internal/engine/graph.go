package engine

import (
	"fmt"
	"slices"
	"strings"
)

// The dependency graph connects addons through rules: an edge a -> b exists
// when some rule reads addon a (through a field or rule_state condition, or
// as a sync price source) and writes addon b (through an action target). A
// cycle means two or more
// addons feed each other's rules, which can keep the cascade from settling,
// so the rules on a cycle are excluded from evaluation with a warning
// instead of being allowed to oscillate.

// Cycle describes one detected dependency loop.
type Cycle struct {
	// Path renders the loop as "a -> b -> a (rules r1, r2)".
	Path string `json:"path"`
	// RuleIDs are the rules whose edges lie on the loop.
	RuleIDs []string `json:"rule_ids"`
}

// Plan is the evaluation order computed from the graph: addons grouped into
// layers where every addon only depends on earlier layers, plus any cycles
// with the rules they implicate. Addons on a cycle are left out of the
// layers.
type Plan struct {
	Layers [][]string `json:"layers"`
	Cycles []Cycle    `json:"cycles,omitempty"`
}

// ExcludedRules collects the rule IDs implicated in any cycle, sorted.
func (p *Plan) ExcludedRules() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, c := range p.Cycles {
		for _, id := range c.RuleIDs {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	slices.Sort(out)
	return out
}

type depGraph struct {
	nodes []string
	// edges[from][to] holds the rules inducing the from -> to edge.
	edges map[string]map[string][]string
}

// BuildPlan analyzes the rules' read/write dependencies over the given addon
// set. It is used both per evaluation request and at rule-save time to
// reject rule sets that would loop.
func BuildPlan(rules []Rule, snaps map[string]AddonSnapshot, order []string) *Plan {
	g := buildGraph(rules, snaps, order)
	cycles := g.findCycles()
	return &Plan{
		Layers: g.layers(cycleNodes(cycles)),
		Cycles: cycles,
	}
}

func buildGraph(rules []Rule, snaps map[string]AddonSnapshot, order []string) *depGraph {
	g := &depGraph{
		nodes: slices.Clone(order),
		edges: make(map[string]map[string][]string),
	}
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}
		fieldReads, stateReads := ruleReads(rule)
		for j := range rule.Actions {
			act := &rule.Actions[j]
			priceReads := actionReads(act)
			if len(fieldReads) == 0 && len(stateReads) == 0 && len(priceReads) == 0 {
				continue
			}
			writes, err := expandTargets(rule, act, snaps, order)
			if err != nil {
				continue
			}
			for _, to := range writes {
				for _, from := range fieldReads {
					if from == to {
						// Selections are fixed for the whole evaluation, so
						// a field self-read cannot feed back into itself.
						continue
					}
					g.addEdge(from, to, rule.ID)
				}
				for _, from := range stateReads {
					// A rule_state self-read does feed back: the rule's own
					// write changes what its condition sees next pass.
					g.addEdge(from, to, rule.ID)
				}
				for _, from := range priceReads {
					g.addEdge(from, to, rule.ID)
				}
			}
		}
	}
	return g
}

// ruleReads lists the addons whose state the rule's conditions observe,
// split by whether the read is a static selection or evaluated rule state.
func ruleReads(rule *Rule) (fieldReads, stateReads []string) {
	for _, g := range rule.ConditionGroups {
		for _, cond := range g.Conditions {
			if cond.TargetAddon == "" {
				continue
			}
			switch cond.Type {
			case ConditionField:
				if !slices.Contains(fieldReads, cond.TargetAddon) {
					fieldReads = append(fieldReads, cond.TargetAddon)
				}
			case ConditionRuleState:
				if !slices.Contains(stateReads, cond.TargetAddon) {
					stateReads = append(stateReads, cond.TargetAddon)
				}
			}
		}
	}
	return fieldReads, stateReads
}

// actionReads lists the addons whose evaluated state the action itself
// observes, independent of the rule's conditions. A sync price reads the
// synced addon's previous-pass adjusted price, so it feeds back the same way
// a rule_state condition does.
func actionReads(act *Action) []string {
	if act.Type == ActionPrice && act.Price != nil &&
		act.Price.Method == PriceSync && act.Price.SyncWith != "" {
		return []string{act.Price.SyncWith}
	}
	return nil
}

func (g *depGraph) addEdge(from, to, ruleID string) {
	if g.edges[from] == nil {
		g.edges[from] = make(map[string][]string)
	}
	if !slices.Contains(g.edges[from][to], ruleID) {
		g.edges[from][to] = append(g.edges[from][to], ruleID)
	}
	for _, n := range []string{from, to} {
		if !slices.Contains(g.nodes, n) {
			g.nodes = append(g.nodes, n)
		}
	}
}

func (g *depGraph) successors(node string) []string {
	out := make([]string, 0, len(g.edges[node]))
	for to := range g.edges[node] {
		out = append(out, to)
	}
	slices.Sort(out)
	return out
}

// findCycles runs a DFS with a recursion stack from every node in sorted
// order, so the same rule set always reports the same cycles.
func (g *depGraph) findCycles() []Cycle {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycles []Cycle
	seen := map[string]struct{}{}

	var visit func(node string)
	visit = func(node string) {
		color[node] = gray
		stack = append(stack, node)
		for _, next := range g.successors(node) {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				c := g.describeCycle(stack, next)
				if _, dup := seen[c.Path]; !dup {
					seen[c.Path] = struct{}{}
					cycles = append(cycles, c)
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
	}

	nodes := slices.Clone(g.nodes)
	slices.Sort(nodes)
	for _, node := range nodes {
		if color[node] == white {
			visit(node)
		}
	}
	return cycles
}

// describeCycle extracts the loop from the DFS stack, starting at the back
// edge target, and collects the rules on its edges.
func (g *depGraph) describeCycle(stack []string, back string) Cycle {
	start := slices.Index(stack, back)
	loop := append(slices.Clone(stack[start:]), back)

	ruleSet := map[string]struct{}{}
	for i := 0; i+1 < len(loop); i++ {
		for _, id := range g.edges[loop[i]][loop[i+1]] {
			ruleSet[id] = struct{}{}
		}
	}
	ruleIDs := make([]string, 0, len(ruleSet))
	for id := range ruleSet {
		ruleIDs = append(ruleIDs, id)
	}
	slices.Sort(ruleIDs)

	return Cycle{
		Path:    fmt.Sprintf("%s (rules %s)", strings.Join(loop, " -> "), strings.Join(ruleIDs, ", ")),
		RuleIDs: ruleIDs,
	}
}

// layers groups the acyclic part of the graph with Kahn's algorithm. Nodes
// on a cycle are skipped; everything else lands in the earliest layer whose
// dependencies are already placed.
func (g *depGraph) layers(skip map[string]struct{}) [][]string {
	indeg := make(map[string]int)
	for _, n := range g.nodes {
		if _, bad := skip[n]; !bad {
			indeg[n] = 0
		}
	}
	for from, tos := range g.edges {
		if _, bad := skip[from]; bad {
			continue
		}
		for to := range tos {
			if _, bad := skip[to]; !bad {
				indeg[to]++
			}
		}
	}

	var layers [][]string
	remaining := len(indeg)
	for remaining > 0 {
		var layer []string
		for n, d := range indeg {
			if d == 0 {
				layer = append(layer, n)
			}
		}
		if len(layer) == 0 {
			break
		}
		slices.Sort(layer)
		layers = append(layers, layer)
		for _, n := range layer {
			delete(indeg, n)
			remaining--
			for to := range g.edges[n] {
				if _, ok := indeg[to]; ok {
					indeg[to]--
				}
			}
		}
	}
	return layers
}

func cycleNodes(cycles []Cycle) map[string]struct{} {
	nodes := map[string]struct{}{}
	for _, c := range cycles {
		path := c.Path
		if i := strings.Index(path, " (rules "); i >= 0 {
			path = path[:i]
		}
		for _, n := range strings.Split(path, " -> ") {
			nodes[n] = struct{}{}
		}
	}
	return nodes
}
