package coretools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/halim/nia/pkg/fault"
	"github.com/halim/nia/pkg/tools"
)

func calcTool() tools.Definition {
	return tools.Definition{
		Name: "calc",
		Description: "Evaluate an arithmetic expression. Supports + - * / % ^, parentheses, " +
			"the constants pi and e, and the functions sqrt, abs, round, floor, ceil.",
		Parameters: []tools.Parameter{
			{Name: "expression", Type: "string", Description: "The expression to evaluate, e.g. '(2 + 3) * 4'", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			raw, _ := args["expression"].(string)
			expr := strings.TrimSpace(raw)
			if expr == "" {
				return nil, fault.New(fault.KindValidation, "tools.calc", "expression is required")
			}

			value, err := evalExpr(expr)
			if err != nil {
				return nil, fault.Wrapf(fault.KindValidation, "tools.calc", err, "cannot evaluate %q", expr)
			}
			return formatNumber(value), nil
		},
	}
}

// formatNumber renders with enough precision for arithmetic while hiding
// float64 representation noise (0.1+0.2 prints as 0.3).
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', 12, 64)
}

// evalExpr evaluates an arithmetic expression with a small recursive
// descent parser over the grammar
//
//	expr  := term (('+' | '-') term)*
//	term  := unary (('*' | '/' | '%') unary)*
//	unary := ('-' | '+') unary | power
//	power := atom ('^' unary)?
//	atom  := NUMBER | IDENT | IDENT '(' expr ')' | '(' expr ')'
func evalExpr(input string) (float64, error) {
	p := &exprParser{input: input}
	value, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected %q at offset %d", p.input[p.pos], p.pos)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, errors.New("result is not a finite number")
	}
	return value, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *exprParser) peek() (byte, bool) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0, false
	}
	return p.input[p.pos], true
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		c, ok := p.peek()
		if !ok || (c != '+' && c != '-') {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if c == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		c, ok := p.peek()
		if !ok || (c != '*' && c != '/' && c != '%') {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		switch c {
		case '*':
			left *= right
		case '/':
			if right == 0 {
				return 0, errors.New("division by zero")
			}
			left /= right
		case '%':
			if right == 0 {
				return 0, errors.New("division by zero")
			}
			left = math.Mod(left, right)
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	c, ok := p.peek()
	if ok && (c == '-' || c == '+') {
		p.pos++
		value, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		if c == '-' {
			return -value, nil
		}
		return value, nil
	}
	return p.parsePower()
}

func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parseAtom()
	if err != nil {
		return 0, err
	}
	c, ok := p.peek()
	if !ok || c != '^' {
		return base, nil
	}
	p.pos++
	// Right associative: 2^3^2 is 2^(3^2).
	exp, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	return math.Pow(base, exp), nil
}

func (p *exprParser) parseAtom() (float64, error) {
	c, ok := p.peek()
	if !ok {
		return 0, errors.New("unexpected end of expression")
	}

	if c == '(' {
		p.pos++
		value, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		next, ok := p.peek()
		if !ok || next != ')' {
			return 0, errors.New("missing closing parenthesis")
		}
		p.pos++
		return value, nil
	}

	if c >= '0' && c <= '9' || c == '.' {
		return p.parseNumber()
	}

	if isIdentRune(rune(c)) {
		return p.parseIdent()
	}

	return 0, fmt.Errorf("unexpected %q at offset %d", c, p.pos)
}

func (p *exprParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
		p.pos++
	}
	// Scientific notation.
	if p.pos < len(p.input) && (p.input[p.pos] == 'e' || p.input[p.pos] == 'E') {
		mark := p.pos
		p.pos++
		if p.pos < len(p.input) && (p.input[p.pos] == '+' || p.input[p.pos] == '-') {
			p.pos++
		}
		if p.pos < len(p.input) && p.input[p.pos] >= '0' && p.input[p.pos] <= '9' {
			for p.pos < len(p.input) && p.input[p.pos] >= '0' && p.input[p.pos] <= '9' {
				p.pos++
			}
		} else {
			p.pos = mark
		}
	}

	text := p.input[start:p.pos]
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", text)
	}
	return value, nil
}

func (p *exprParser) parseIdent() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) && isIdentRune(rune(p.input[p.pos])) {
		p.pos++
	}
	name := strings.ToLower(p.input[start:p.pos])

	switch name {
	case "pi":
		return math.Pi, nil
	case "e":
		return math.E, nil
	}

	next, ok := p.peek()
	if !ok || next != '(' {
		return 0, fmt.Errorf("unknown identifier %q", name)
	}
	p.pos++
	arg, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	rparen, ok := p.peek()
	if !ok || rparen != ')' {
		return 0, errors.New("missing closing parenthesis")
	}
	p.pos++

	switch name {
	case "sqrt":
		if arg < 0 {
			return 0, errors.New("square root of a negative number")
		}
		return math.Sqrt(arg), nil
	case "abs":
		return math.Abs(arg), nil
	case "round":
		return math.Round(arg), nil
	case "floor":
		return math.Floor(arg), nil
	case "ceil":
		return math.Ceil(arg), nil
	default:
		return 0, fmt.Errorf("unknown function %q", name)
	}
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}
