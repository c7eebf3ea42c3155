package breach

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// evalExpression evaluates a restricted arithmetic expression over named
// metric values. The grammar allows identifiers, numeric literals, the
// operators + - * / and parentheses, nothing else. Division by zero
// evaluates to zero rather than failing a whole rule run.
func evalExpression(expr string, vars map[string]float64) (float64, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return 0, err
	}
	p := &exprParser{tokens: tokens, vars: vars}
	v, err := p.parseSum()
	if err != nil {
		return 0, err
	}
	if p.pos != len(p.tokens) {
		return 0, fmt.Errorf("unexpected token %q", p.tokens[p.pos])
	}
	return v, nil
}

func tokenize(expr string) ([]string, error) {
	var tokens []string
	runes := []rune(expr)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '+' || r == '-' || r == '*' || r == '/' || r == '(' || r == ')':
			tokens = append(tokens, string(r))
			i++
		case unicode.IsDigit(r) || r == '.':
			j := i
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j
		default:
			return nil, fmt.Errorf("illegal character %q in expression", r)
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return tokens, nil
}

type exprParser struct {
	tokens []string
	pos    int
	vars   map[string]float64
}

func (p *exprParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *exprParser) parseSum() (float64, error) {
	v, err := p.parseProduct()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case "+":
			p.pos++
			rhs, err := p.parseProduct()
			if err != nil {
				return 0, err
			}
			v += rhs
		case "-":
			p.pos++
			rhs, err := p.parseProduct()
			if err != nil {
				return 0, err
			}
			v -= rhs
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parseProduct() (float64, error) {
	v, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case "*":
			p.pos++
			rhs, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			v *= rhs
		case "/":
			p.pos++
			rhs, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				v = 0
			} else {
				v /= rhs
			}
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.peek() == "-" {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parseAtom()
}

func (p *exprParser) parseAtom() (float64, error) {
	tok := p.peek()
	switch {
	case tok == "":
		return 0, fmt.Errorf("unexpected end of expression")
	case tok == "(":
		p.pos++
		v, err := p.parseSum()
		if err != nil {
			return 0, err
		}
		if p.peek() != ")" {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case unicode.IsDigit(rune(tok[0])) || tok[0] == '.':
		p.pos++
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return 0, fmt.Errorf("bad number %q: %w", tok, err)
		}
		return v, nil
	case strings.ContainsAny(tok, "+*/()"):
		return 0, fmt.Errorf("unexpected token %q", tok)
	default:
		p.pos++
		v, ok := p.vars[tok]
		if !ok {
			return 0, fmt.Errorf("unknown metric %q in expression", tok)
		}
		return v, nil
	}
}
