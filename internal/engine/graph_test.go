package engine

import (
	"slices"
	"strings"
	"testing"
)

func hideAction(target TargetKind, addon string) Action {
	return Action{
		Type:        ActionVisibility,
		Target:      target,
		TargetAddon: addon,
		Visibility:  &VisibilityConfig{Mode: VisibilityHide},
	}
}

func stateCond(addon string) Condition {
	return Condition{
		Type:        ConditionRuleState,
		Property:    "visible",
		Operator:    OpEquals,
		Value:       false,
		TargetAddon: addon,
	}
}

func fieldCond(addon, value string) Condition {
	return Condition{
		Type:        ConditionField,
		Property:    "value",
		Operator:    OpEquals,
		Value:       value,
		TargetAddon: addon,
	}
}

func planFixture(addonIDs ...string) (map[string]AddonSnapshot, []string) {
	snaps := make(map[string]AddonSnapshot, len(addonIDs))
	for _, id := range addonIDs {
		snaps[id] = AddonSnapshot{ID: id}
	}
	return snaps, addonIDs
}

func TestBuildPlanLayers(t *testing.T) {
	snaps, order := planFixture("a", "b", "c")
	rules := []Rule{
		{
			ID: "r1", Enabled: true,
			ConditionGroups: []ConditionGroup{{Conditions: []Condition{stateCond("a")}}},
			Actions:         []Action{hideAction(TargetOther, "b")},
		},
		{
			ID: "r2", Enabled: true,
			ConditionGroups: []ConditionGroup{{Conditions: []Condition{stateCond("b")}}},
			Actions:         []Action{hideAction(TargetOther, "c")},
		},
	}

	plan := BuildPlan(rules, snaps, order)
	if len(plan.Cycles) != 0 {
		t.Fatalf("unexpected cycles: %v", plan.Cycles)
	}
	want := [][]string{{"a"}, {"b"}, {"c"}}
	if len(plan.Layers) != len(want) {
		t.Fatalf("layers = %v, want %v", plan.Layers, want)
	}
	for i := range want {
		if !slices.Equal(plan.Layers[i], want[i]) {
			t.Errorf("layer %d = %v, want %v", i, plan.Layers[i], want[i])
		}
	}
}

func TestBuildPlanDetectsCycle(t *testing.T) {
	snaps, order := planFixture("a", "b")
	rules := []Rule{
		{
			ID: "r1", Enabled: true,
			ConditionGroups: []ConditionGroup{{Conditions: []Condition{stateCond("a")}}},
			Actions:         []Action{hideAction(TargetOther, "b")},
		},
		{
			ID: "r2", Enabled: true,
			ConditionGroups: []ConditionGroup{{Conditions: []Condition{stateCond("b")}}},
			Actions:         []Action{hideAction(TargetOther, "a")},
		},
	}

	plan := BuildPlan(rules, snaps, order)
	if len(plan.Cycles) != 1 {
		t.Fatalf("cycles = %v, want exactly one", plan.Cycles)
	}
	c := plan.Cycles[0]
	if c.Path != "a -> b -> a (rules r1, r2)" {
		t.Errorf("cycle path = %q", c.Path)
	}
	if got := plan.ExcludedRules(); !slices.Equal(got, []string{"r1", "r2"}) {
		t.Errorf("excluded rules = %v", got)
	}
	if len(plan.Layers) != 0 {
		t.Errorf("cycle nodes should not be layered, got %v", plan.Layers)
	}
}

func TestBuildPlanSelfCycle(t *testing.T) {
	snaps, order := planFixture("a")
	rules := []Rule{
		{
			ID: "r1", AddonID: "a", Enabled: true,
			ConditionGroups: []ConditionGroup{{Conditions: []Condition{stateCond("a")}}},
			Actions:         []Action{hideAction(TargetSelf, "")},
		},
	}

	plan := BuildPlan(rules, snaps, order)
	if len(plan.Cycles) != 1 {
		t.Fatalf("cycles = %v, want one self cycle", plan.Cycles)
	}
	if !strings.Contains(plan.Cycles[0].Path, "a -> a") {
		t.Errorf("cycle path = %q, want self loop", plan.Cycles[0].Path)
	}
}

func TestBuildPlanFieldSelfReadIsNotACycle(t *testing.T) {
	snaps, order := planFixture("size")
	rules := []Rule{
		{
			ID: "r1", AddonID: "size", Enabled: true,
			ConditionGroups: []ConditionGroup{{Conditions: []Condition{fieldCond("size", "XL")}}},
			Actions:         []Action{hideAction(TargetSelf, "")},
		},
	}

	plan := BuildPlan(rules, snaps, order)
	if len(plan.Cycles) != 0 {
		t.Fatalf("field self-read flagged as cycle: %v", plan.Cycles)
	}
}

func syncPriceAction(target, source string) Action {
	return Action{
		Type: ActionPrice, Target: TargetOther, TargetAddon: target,
		Price: &PriceConfig{Method: PriceSync, SyncWith: source},
	}
}

func TestBuildPlanSyncPriceChainLayers(t *testing.T) {
	// b's price follows a, so a must settle before b even though the rule
	// has no conditions at all.
	snaps, order := planFixture("a", "b")
	rules := []Rule{
		{ID: "r1", Enabled: true, Actions: []Action{syncPriceAction("b", "a")}},
	}

	plan := BuildPlan(rules, snaps, order)
	if len(plan.Cycles) != 0 {
		t.Fatalf("unexpected cycles: %v", plan.Cycles)
	}
	want := [][]string{{"a"}, {"b"}}
	if len(plan.Layers) != len(want) {
		t.Fatalf("layers = %v, want %v", plan.Layers, want)
	}
	for i := range want {
		if !slices.Equal(plan.Layers[i], want[i]) {
			t.Errorf("layer %d = %v, want %v", i, plan.Layers[i], want[i])
		}
	}
}

func TestBuildPlanDetectsMutualSyncCycle(t *testing.T) {
	snaps, order := planFixture("a", "b")
	rules := []Rule{
		{ID: "r1", Enabled: true, Actions: []Action{syncPriceAction("a", "b")}},
		{ID: "r2", Enabled: true, Actions: []Action{syncPriceAction("b", "a")}},
	}

	plan := BuildPlan(rules, snaps, order)
	if len(plan.Cycles) != 1 {
		t.Fatalf("cycles = %v, want exactly one", plan.Cycles)
	}
	if got := plan.ExcludedRules(); !slices.Equal(got, []string{"r1", "r2"}) {
		t.Errorf("excluded rules = %v", got)
	}
}

func TestBuildPlanSelfSyncIsACycle(t *testing.T) {
	snaps, order := planFixture("a")
	rules := []Rule{
		{ID: "r1", Enabled: true, Actions: []Action{syncPriceAction("a", "a")}},
	}

	plan := BuildPlan(rules, snaps, order)
	if len(plan.Cycles) != 1 {
		t.Fatalf("cycles = %v, want one self cycle", plan.Cycles)
	}
	if !strings.Contains(plan.Cycles[0].Path, "a -> a") {
		t.Errorf("cycle path = %q, want self loop", plan.Cycles[0].Path)
	}
}

func TestBuildPlanIgnoresDisabledRules(t *testing.T) {
	snaps, order := planFixture("a", "b")
	rules := []Rule{
		{
			ID: "r1", Enabled: false,
			ConditionGroups: []ConditionGroup{{Conditions: []Condition{stateCond("a")}}},
			Actions:         []Action{hideAction(TargetOther, "b")},
		},
		{
			ID: "r2", Enabled: false,
			ConditionGroups: []ConditionGroup{{Conditions: []Condition{stateCond("b")}}},
			Actions:         []Action{hideAction(TargetOther, "a")},
		},
	}

	plan := BuildPlan(rules, snaps, order)
	if len(plan.Cycles) != 0 {
		t.Errorf("disabled rules produced cycles: %v", plan.Cycles)
	}
}

func TestBuildPlanIndependentAddonsShareLayer(t *testing.T) {
	snaps, order := planFixture("a", "b", "c")
	rules := []Rule{
		{
			ID: "r1", Enabled: true,
			ConditionGroups: []ConditionGroup{{Conditions: []Condition{fieldCond("a", "x")}}},
			Actions:         []Action{hideAction(TargetOther, "c")},
		},
	}

	plan := BuildPlan(rules, snaps, order)
	if len(plan.Layers) != 2 {
		t.Fatalf("layers = %v, want 2", plan.Layers)
	}
	if !slices.Equal(plan.Layers[0], []string{"a", "b"}) {
		t.Errorf("first layer = %v, want [a b]", plan.Layers[0])
	}
	if !slices.Equal(plan.Layers[1], []string{"c"}) {
		t.Errorf("second layer = %v, want [c]", plan.Layers[1])
	}
}
