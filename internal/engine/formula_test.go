package engine

import (
	"math"
	"strings"
	"testing"
)

func TestEvalFormula(t *testing.T) {
	vars := map[string]float64{
		"base_price":      10,
		"product_price":   25,
		"cart_total":      100,
		"quantity":        3,
		"selection_count": 2,
	}

	tests := []struct {
		name string
		expr string
		want float64
	}{
		{name: "number", expr: "42", want: 42},
		{name: "decimal", expr: "1.5", want: 1.5},
		{name: "precedence", expr: "2 + 3 * 4", want: 14},
		{name: "parens", expr: "(2 + 3) * 4", want: 20},
		{name: "unary minus", expr: "-5 + 10", want: 5},
		{name: "double unary minus", expr: "--5", want: 5},
		{name: "division", expr: "10 / 4", want: 2.5},
		{name: "variable", expr: "base_price", want: 10},
		{name: "variable arithmetic", expr: "base_price * quantity", want: 30},
		{name: "mixed variables", expr: "product_price - base_price", want: 15},
		{name: "min", expr: "min(base_price, 7)", want: 7},
		{name: "min variadic", expr: "min(9, 4, 6)", want: 4},
		{name: "max", expr: "max(base_price, 7)", want: 10},
		{name: "round", expr: "round(2.6)", want: 3},
		{name: "floor", expr: "floor(2.9)", want: 2},
		{name: "ceil", expr: "ceil(2.1)", want: 3},
		{name: "abs", expr: "abs(5 - base_price)", want: 5},
		{name: "sqrt", expr: "sqrt(quantity * 3)", want: 3},
		{name: "pow", expr: "pow(2, quantity)", want: 8},
		{name: "nested calls", expr: "max(min(cart_total, 50), base_price + 30)", want: 50},
		{name: "whitespace tolerant", expr: "  base_price  +  1  ", want: 11},
		{name: "case insensitive names", expr: "MAX(Base_Price, 3)", want: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evalFormula(tt.expr, vars)
			if err != nil {
				t.Fatalf("evalFormula(%q): %v", tt.expr, err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("evalFormula(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvalFormulaErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want string
	}{
		{name: "empty", expr: "", want: "unexpected"},
		{name: "unknown variable", expr: "unit_price * 2", want: "unknown variable"},
		{name: "unknown function", expr: "sin(1)", want: "unknown function"},
		{name: "division by zero", expr: "1 / 0", want: "division by zero"},
		{name: "division by zero expression", expr: "1 / (quantity - quantity)", want: "division by zero"},
		{name: "sqrt negative", expr: "sqrt(0 - 4)", want: "sqrt of negative"},
		{name: "unbalanced paren", expr: "(1 + 2", want: "expected )"},
		{name: "trailing garbage", expr: "1 + 2 3", want: "unexpected"},
		{name: "bad character", expr: "1 $ 2", want: "unexpected character"},
		{name: "round arity", expr: "round(1, 2)", want: "argument"},
		{name: "min arity", expr: "min(1)", want: "argument"},
		{name: "pow arity", expr: "pow(1, 2, 3)", want: "argument"},
	}
	vars := map[string]float64{"quantity": 0}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := evalFormula(tt.expr, vars)
			if err == nil {
				t.Fatalf("evalFormula(%q) succeeded, want error containing %q", tt.expr, tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("evalFormula(%q) error %q, want substring %q", tt.expr, err, tt.want)
			}
		})
	}
}

// FuzzEvalFormula ensures the parser never panics and that a nil error
// always comes with a finite result.
func FuzzEvalFormula(f *testing.F) {
	f.Add("base_price * 2")
	f.Add("min(cart_total, max(1, quantity))")
	f.Add("((((1))))")
	f.Add("-1 + -2 * -3")
	f.Add("pow(2, 10) / round(3.5)")
	f.Add("1..2 + _x")
	f.Add(")(")
	f.Fuzz(func(t *testing.T, expr string) {
		vars := map[string]float64{
			"base_price": 10, "product_price": 20, "cart_total": 100,
			"cart_subtotal": 90, "quantity": 2, "selection_count": 1,
			"option_price": 3, "customer_total_spent": 500,
		}
		got, err := evalFormula(expr, vars)
		if err == nil && (math.IsNaN(got) || math.IsInf(got, 0)) {
			t.Errorf("evalFormula(%q) returned non-finite %v without error", expr, got)
		}
	})
}
