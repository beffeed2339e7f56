package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Formula price methods evaluate a small arithmetic expression language over
// a fixed variable set. The grammar is closed: numbers, the allow-listed
// variables, + - * / with the usual precedence, parentheses, and a handful
// of named functions. Nothing is delegated to a general-purpose expression
// runtime, so a stored formula can never reach outside this file.

// formulaVars is the variable allow-list. Unknown identifiers are evaluation
// errors, not zeroes, so typos surface as warnings instead of silent prices.
var formulaVars = map[string]struct{}{
	"base_price":           {},
	"product_price":        {},
	"cart_total":           {},
	"cart_subtotal":        {},
	"quantity":             {},
	"selection_count":      {},
	"option_price":         {},
	"customer_total_spent": {},
}

type formulaFunc struct {
	minArgs int
	maxArgs int // 0 means unbounded
	apply   func(args []float64) (float64, error)
}

var formulaFuncs = map[string]formulaFunc{
	"min": {minArgs: 2, apply: func(args []float64) (float64, error) {
		m := args[0]
		for _, a := range args[1:] {
			m = math.Min(m, a)
		}
		return m, nil
	}},
	"max": {minArgs: 2, apply: func(args []float64) (float64, error) {
		m := args[0]
		for _, a := range args[1:] {
			m = math.Max(m, a)
		}
		return m, nil
	}},
	"round": {minArgs: 1, maxArgs: 1, apply: func(args []float64) (float64, error) {
		return math.Round(args[0]), nil
	}},
	"floor": {minArgs: 1, maxArgs: 1, apply: func(args []float64) (float64, error) {
		return math.Floor(args[0]), nil
	}},
	"ceil": {minArgs: 1, maxArgs: 1, apply: func(args []float64) (float64, error) {
		return math.Ceil(args[0]), nil
	}},
	"abs": {minArgs: 1, maxArgs: 1, apply: func(args []float64) (float64, error) {
		return math.Abs(args[0]), nil
	}},
	"sqrt": {minArgs: 1, maxArgs: 1, apply: func(args []float64) (float64, error) {
		if args[0] < 0 {
			return 0, fmt.Errorf("sqrt of negative value %g", args[0])
		}
		return math.Sqrt(args[0]), nil
	}},
	"pow": {minArgs: 2, maxArgs: 2, apply: func(args []float64) (float64, error) {
		return math.Pow(args[0], args[1]), nil
	}},
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokLParen
	tokRParen
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	num  float64
	text string
	pos  int
}

// maxFormulaDepth bounds parser recursion so pathological nesting fails
// with an error instead of exhausting the stack.
const maxFormulaDepth = 64

type formulaParser struct {
	tokens []token
	pos    int
	depth  int
	vars   map[string]float64
}

func (p *formulaParser) enter() error {
	p.depth++
	if p.depth > maxFormulaDepth {
		return fmt.Errorf("formula nests deeper than %d levels", maxFormulaDepth)
	}
	return nil
}

func (p *formulaParser) leave() { p.depth-- }

// evalFormula parses and evaluates expr against the variable bindings. A nil
// error guarantees a finite result.
func evalFormula(expr string, vars map[string]float64) (float64, error) {
	tokens, err := lexFormula(expr)
	if err != nil {
		return 0, err
	}
	p := &formulaParser{tokens: tokens, vars: vars}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	if p.peek().kind != tokEOF {
		return 0, fmt.Errorf("unexpected %q at position %d", p.peek().text, p.peek().pos)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("formula result is not finite")
	}
	return v, nil
}

func lexFormula(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(expr)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r >= '0' && r <= '9' || r == '.':
			start := i
			for i < len(runes) && (runes[i] >= '0' && runes[i] <= '9' || runes[i] == '.') {
				i++
			}
			text := string(runes[start:i])
			n, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q at position %d", text, start)
			}
			tokens = append(tokens, token{kind: tokNumber, num: n, text: text, pos: start})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			tokens = append(tokens, token{kind: tokIdent, text: string(runes[start:i]), pos: start})
		default:
			var kind tokenKind
			switch r {
			case '+':
				kind = tokPlus
			case '-':
				kind = tokMinus
			case '*':
				kind = tokStar
			case '/':
				kind = tokSlash
			case '(':
				kind = tokLParen
			case ')':
				kind = tokRParen
			case ',':
				kind = tokComma
			default:
				return nil, fmt.Errorf("unexpected character %q at position %d", r, i)
			}
			tokens = append(tokens, token{kind: kind, text: string(r), pos: i})
			i++
		}
	}
	tokens = append(tokens, token{kind: tokEOF, text: "end of formula", pos: len(runes)})
	return tokens, nil
}

func (p *formulaParser) peek() token { return p.tokens[p.pos] }

func (p *formulaParser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *formulaParser) parseExpr() (float64, error) {
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.leave()
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek().kind {
		case tokPlus:
			p.next()
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case tokMinus:
			p.next()
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *formulaParser) parseTerm() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek().kind {
		case tokStar:
			p.next()
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case tokSlash:
			t := p.next()
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero at position %d", t.pos)
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *formulaParser) parseUnary() (float64, error) {
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.leave()
	if p.peek().kind == tokMinus {
		p.next()
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parsePrimary()
}

func (p *formulaParser) parsePrimary() (float64, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return t.num, nil
	case tokLParen:
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if close := p.next(); close.kind != tokRParen {
			return 0, fmt.Errorf("expected ) at position %d, got %q", close.pos, close.text)
		}
		return v, nil
	case tokIdent:
		name := strings.ToLower(t.text)
		if p.peek().kind == tokLParen {
			return p.parseCall(name, t.pos)
		}
		if _, ok := formulaVars[name]; !ok {
			return 0, fmt.Errorf("unknown variable %q at position %d", t.text, t.pos)
		}
		return p.vars[name], nil
	}
	return 0, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
}

func (p *formulaParser) parseCall(name string, pos int) (float64, error) {
	fn, ok := formulaFuncs[name]
	if !ok {
		return 0, fmt.Errorf("unknown function %q at position %d", name, pos)
	}
	p.next() // (
	var args []float64
	if p.peek().kind != tokRParen {
		for {
			v, err := p.parseExpr()
			if err != nil {
				return 0, err
			}
			args = append(args, v)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if close := p.next(); close.kind != tokRParen {
		return 0, fmt.Errorf("expected ) at position %d, got %q", close.pos, close.text)
	}
	if len(args) < fn.minArgs || (fn.maxArgs > 0 && len(args) > fn.maxArgs) {
		return 0, fmt.Errorf("%s takes %s, got %d", name, argCountText(fn), len(args))
	}
	return fn.apply(args)
}

func argCountText(fn formulaFunc) string {
	if fn.maxArgs == 0 {
		return fmt.Sprintf("at least %d arguments", fn.minArgs)
	}
	if fn.minArgs == fn.maxArgs {
		return fmt.Sprintf("%d argument(s)", fn.minArgs)
	}
	return fmt.Sprintf("%d to %d arguments", fn.minArgs, fn.maxArgs)
}
