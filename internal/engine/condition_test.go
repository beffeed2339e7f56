package engine

import "testing"

func TestApplyOperator(t *testing.T) {
	tests := []struct {
		name     string
		op       Operator
		actual   any
		expected any
		want     bool
	}{
		{name: "equals strings", op: OpEquals, actual: "XL", expected: "XL", want: true},
		{name: "equals mismatched strings", op: OpEquals, actual: "XL", expected: "S", want: false},
		{name: "equals numeric coercion", op: OpEquals, actual: float64(5), expected: "5", want: true},
		{name: "equals int against float", op: OpEquals, actual: 5, expected: 5.0, want: true},
		{name: "equals nil both sides", op: OpEquals, actual: nil, expected: nil, want: true},
		{name: "equals nil one side", op: OpEquals, actual: nil, expected: "x", want: false},
		{name: "not_equals", op: OpNotEquals, actual: "a", expected: "b", want: true},
		{name: "greater_than", op: OpGreaterThan, actual: 10.5, expected: 10, want: true},
		{name: "greater_than numeric string", op: OpGreaterThan, actual: "20", expected: 10, want: true},
		{name: "greater_than non-numeric is false", op: OpGreaterThan, actual: "abc", expected: 10, want: false},
		{name: "less_than", op: OpLessThan, actual: 3, expected: 5, want: true},
		{name: "greater_than_equals boundary", op: OpGreaterThanEquals, actual: 5, expected: 5, want: true},
		{name: "less_than_equals boundary", op: OpLessThanEquals, actual: 5, expected: 5, want: true},
		{name: "contains substring", op: OpContains, actual: "gift wrap", expected: "wrap", want: true},
		{name: "contains slice membership", op: OpContains, actual: []any{"red", "blue"}, expected: "red", want: true},
		{name: "contains typed slice", op: OpContains, actual: []string{"red", "blue"}, expected: "blue", want: true},
		{name: "not_contains", op: OpNotContains, actual: "gift wrap", expected: "ribbon", want: true},
		{name: "starts_with", op: OpStartsWith, actual: "SKU-123", expected: "SKU-", want: true},
		{name: "starts_with coerces number", op: OpStartsWith, actual: 123.0, expected: "12", want: true},
		{name: "ends_with", op: OpEndsWith, actual: "photo.png", expected: ".png", want: true},
		{name: "in list", op: OpIn, actual: "CA", expected: []any{"US", "CA"}, want: true},
		{name: "in list miss", op: OpIn, actual: "FR", expected: []any{"US", "CA"}, want: false},
		{name: "in scalar", op: OpIn, actual: "US", expected: "US", want: true},
		{name: "not_in", op: OpNotIn, actual: "FR", expected: []any{"US", "CA"}, want: true},
		{name: "is_empty nil", op: OpIsEmpty, actual: nil, expected: nil, want: true},
		{name: "is_empty whitespace string", op: OpIsEmpty, actual: "   ", expected: nil, want: true},
		{name: "is_empty empty slice", op: OpIsEmpty, actual: []any{}, expected: nil, want: true},
		{name: "is_empty zero number is not empty", op: OpIsEmpty, actual: 0.0, expected: nil, want: false},
		{name: "is_not_empty", op: OpIsNotEmpty, actual: "x", expected: nil, want: true},
		{name: "between inclusive bounds", op: OpBetween, actual: 10, expected: []any{10.0, 20.0}, want: true},
		{name: "between inside", op: OpBetween, actual: 15, expected: []any{10.0, 20.0}, want: true},
		{name: "between outside", op: OpBetween, actual: 25, expected: []any{10.0, 20.0}, want: false},
		{name: "between reversed bounds are sorted", op: OpBetween, actual: 15, expected: []any{20.0, 10.0}, want: true},
		{name: "between malformed bounds is false", op: OpBetween, actual: 15, expected: "10-20", want: false},
		{name: "between non-numeric actual is false", op: OpBetween, actual: "mid", expected: []any{10.0, 20.0}, want: false},
		{name: "not_between", op: OpNotBetween, actual: 25, expected: []any{10.0, 20.0}, want: true},
		{name: "not_between inside", op: OpNotBetween, actual: 15, expected: []any{10.0, 20.0}, want: false},
		{name: "not_between malformed bounds is false", op: OpNotBetween, actual: 15, expected: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, known := applyOperator(tt.op, tt.actual, tt.expected)
			if !known {
				t.Fatalf("operator %q reported unknown", tt.op)
			}
			if got != tt.want {
				t.Errorf("applyOperator(%q, %v, %v) = %v, want %v", tt.op, tt.actual, tt.expected, got, tt.want)
			}
		})
	}
}

func TestApplyOperatorUnknown(t *testing.T) {
	if _, known := applyOperator("regex_match", "a", "b"); known {
		t.Error("expected unknown operator to report !known")
	}
}

func TestRuleMatchesGroupCombinators(t *testing.T) {
	ctx := &Context{
		Selections: map[string]Selection{
			"size":  {Value: "XL", Selected: true},
			"color": {Value: "red", Selected: true},
		},
	}
	sizeIs := func(v string) Condition {
		return Condition{Type: ConditionField, Property: "value", Operator: OpEquals, Value: v, TargetAddon: "size"}
	}
	colorIs := func(v string) Condition {
		return Condition{Type: ConditionField, Property: "value", Operator: OpEquals, Value: v, TargetAddon: "color"}
	}

	tests := []struct {
		name string
		rule Rule
		want bool
	}{
		{
			name: "no groups matches unconditionally",
			rule: Rule{},
			want: true,
		},
		{
			name: "single all group",
			rule: Rule{ConditionGroups: []ConditionGroup{
				{MatchType: MatchAll, Conditions: []Condition{sizeIs("XL"), colorIs("red")}},
			}},
			want: true,
		},
		{
			name: "all group fails on one miss",
			rule: Rule{ConditionGroups: []ConditionGroup{
				{MatchType: MatchAll, Conditions: []Condition{sizeIs("XL"), colorIs("blue")}},
			}},
			want: false,
		},
		{
			name: "any group passes on one hit",
			rule: Rule{ConditionGroups: []ConditionGroup{
				{MatchType: MatchAny, Conditions: []Condition{sizeIs("S"), colorIs("red")}},
			}},
			want: true,
		},
		{
			name: "empty any group does not match",
			rule: Rule{ConditionGroups: []ConditionGroup{
				{MatchType: MatchAny},
			}},
			want: false,
		},
		{
			name: "group_match defaults to all across groups",
			rule: Rule{ConditionGroups: []ConditionGroup{
				{Conditions: []Condition{sizeIs("XL")}},
				{Conditions: []Condition{colorIs("blue")}},
			}},
			want: false,
		},
		{
			name: "group_match any needs one group",
			rule: Rule{GroupMatch: MatchAny, ConditionGroups: []ConditionGroup{
				{Conditions: []Condition{sizeIs("S")}},
				{Conditions: []Condition{colorIs("red")}},
			}},
			want: true,
		},
	}

	e := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.ruleMatches(&tt.rule, ctx, ResultSet{}, nil, func(string, ...any) {})
			if got != tt.want {
				t.Errorf("ruleMatches = %v, want %v", got, tt.want)
			}
		})
	}
}
