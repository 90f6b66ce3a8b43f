package gates

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// The expression language shared by the numeric, plot-expression, and unit
// gates: numbers, identifiers, a closed set of named functions and constants,
// arithmetic and comparison operators, parentheses. The lexer and parser are
// total over their input; anything outside the language is an error value,
// never a panic.

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// allowedFuncs is the closed function set.
var allowedFuncs = map[string]func(float64) float64{
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"asin":  math.Asin,
	"acos":  math.Acos,
	"atan":  math.Atan,
	"log":   math.Log10,
	"ln":    math.Log,
	"exp":   math.Exp,
	"sqrt":  math.Sqrt,
	"abs":   math.Abs,
	"floor": math.Floor,
	"ceil":  math.Ceil,
	"round": math.Round,
}

// allowedConsts is the closed constant set.
var allowedConsts = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

func isOpByte(b byte) bool {
	switch b {
	case '+', '-', '*', '/', '^', '%', '<', '>', '=', '!':
		return true
	}
	return false
}

// lex tokenizes an expression. Unknown characters are errors.
func lex(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9' || c == '.':
			start := i
			for i < len(input) && (input[i] >= '0' && input[i] <= '9' || input[i] == '.' ||
				((input[i] == 'e' || input[i] == 'E') && i > start && i+1 < len(input) &&
					(input[i+1] >= '0' && input[i+1] <= '9' || input[i+1] == '-' || input[i+1] == '+'))) {
				if input[i] == 'e' || input[i] == 'E' {
					i += 2
					continue
				}
				i++
			}
			text := input[start:i]
			if _, err := strconv.ParseFloat(text, 64); err != nil {
				return nil, fmt.Errorf("malformed number %q at %d", text, start)
			}
			tokens = append(tokens, token{tokNumber, text, start})
		case unicode.IsLetter(rune(c)) || c == '_':
			start := i
			for i < len(input) && (unicode.IsLetter(rune(input[i])) || unicode.IsDigit(rune(input[i])) || input[i] == '_') {
				i++
			}
			tokens = append(tokens, token{tokIdent, input[start:i], start})
		case c == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case c == ',':
			tokens = append(tokens, token{tokComma, ",", i})
			i++
		case isOpByte(c):
			start := i
			i++
			// two-char comparison operators
			if i < len(input) && input[i] == '=' && (c == '<' || c == '>' || c == '=' || c == '!') {
				i++
			}
			tokens = append(tokens, token{tokOp, input[start:i], start})
		default:
			return nil, fmt.Errorf("disallowed character %q at %d", string(rune(c)), i)
		}
	}
	tokens = append(tokens, token{tokEOF, "", len(input)})
	return tokens, nil
}

// AST nodes.
type exprNode interface{ node() }

type numberNode struct{ value float64 }
type identNode struct{ name string }
type unaryNode struct {
	op      string
	operand exprNode
}
type binaryNode struct {
	op          string
	left, right exprNode
}
type callNode struct {
	fn  string
	arg exprNode
}

func (numberNode) node() {}
func (identNode) node()  {}
func (unaryNode) node()  {}
func (binaryNode) node() {}
func (callNode) node()   {}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }
func (p *parser) next() token { t := p.tokens[p.pos]; p.pos++; return t }

func binaryPrecedence(op string) int {
	switch op {
	case "==", "!=", "<", ">", "<=", ">=":
		return 1
	case "+", "-":
		return 2
	case "*", "/", "%":
		return 3
	case "^":
		return 4
	}
	return 0
}

// parseExpr parses an expression string into an AST. Only the closed
// language is accepted.
func parseExpr(input string) (exprNode, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	node, err := p.parseBinary(0)
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		t := p.peek()
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
	return node, nil
}

func (p *parser) parseBinary(minPrecedence int) (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp {
			return left, nil
		}
		precedence := binaryPrecedence(t.text)
		if precedence == 0 {
			return nil, fmt.Errorf("unknown operator %q at %d", t.text, t.pos)
		}
		if precedence < minPrecedence {
			return left, nil
		}
		p.next()
		// ^ is right-associative, everything else left.
		nextMin := precedence + 1
		if t.text == "^" {
			nextMin = precedence
		}
		right, err := p.parseBinary(nextMin)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.text, left: left, right: right}
	}
}

func (p *parser) parseUnary() (exprNode, error) {
	t := p.peek()
	if t.kind == tokOp && (t.text == "-" || t.text == "+") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: t.text, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (exprNode, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, _ := strconv.ParseFloat(t.text, 64)
		return numberNode{value: v}, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			p.next()
			arg, err := p.parseBinary(0)
			if err != nil {
				return nil, err
			}
			if closing := p.next(); closing.kind != tokRParen {
				return nil, fmt.Errorf("missing closing parenthesis for %s at %d", t.text, t.pos)
			}
			if _, ok := allowedFuncs[strings.ToLower(t.text)]; !ok {
				return nil, fmt.Errorf("unknown function %q at %d", t.text, t.pos)
			}
			return callNode{fn: strings.ToLower(t.text), arg: arg}, nil
		}
		return identNode{name: t.text}, nil
	case tokLParen:
		inner, err := p.parseBinary(0)
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("unbalanced parentheses at %d", t.pos)
		}
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
}

// evalExpr evaluates an AST over variable bindings. Unknown identifiers not
// in the constant set are errors. Results may be NaN or Inf; callers decide
// whether that fails their check.
func evalExpr(node exprNode, vars map[string]float64) (float64, error) {
	switch n := node.(type) {
	case numberNode:
		return n.value, nil
	case identNode:
		if v, ok := vars[n.name]; ok {
			return v, nil
		}
		if v, ok := allowedConsts[strings.ToLower(n.name)]; ok {
			return v, nil
		}
		return 0, fmt.Errorf("unbound variable %q", n.name)
	case unaryNode:
		v, err := evalExpr(n.operand, vars)
		if err != nil {
			return 0, err
		}
		if n.op == "-" {
			return -v, nil
		}
		return v, nil
	case binaryNode:
		l, err := evalExpr(n.left, vars)
		if err != nil {
			return 0, err
		}
		r, err := evalExpr(n.right, vars)
		if err != nil {
			return 0, err
		}
		switch n.op {
		case "+":
			return l + r, nil
		case "-":
			return l - r, nil
		case "*":
			return l * r, nil
		case "/":
			return l / r, nil
		case "%":
			return math.Mod(l, r), nil
		case "^":
			return math.Pow(l, r), nil
		case "==":
			return boolToFloat(l == r), nil
		case "!=":
			return boolToFloat(l != r), nil
		case "<":
			return boolToFloat(l < r), nil
		case ">":
			return boolToFloat(l > r), nil
		case "<=":
			return boolToFloat(l <= r), nil
		case ">=":
			return boolToFloat(l >= r), nil
		}
		return 0, fmt.Errorf("unknown operator %q", n.op)
	case callNode:
		arg, err := evalExpr(n.arg, vars)
		if err != nil {
			return 0, err
		}
		fn := allowedFuncs[n.fn]
		return fn(arg), nil
	}
	return 0, fmt.Errorf("unknown node %T", node)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// freeVars collects the variable names an AST references, excluding the
// constant set.
func freeVars(node exprNode, into map[string]struct{}) {
	switch n := node.(type) {
	case identNode:
		if _, isConst := allowedConsts[strings.ToLower(n.name)]; !isConst {
			into[n.name] = struct{}{}
		}
	case unaryNode:
		freeVars(n.operand, into)
	case binaryNode:
		freeVars(n.left, into)
		freeVars(n.right, into)
	case callNode:
		freeVars(n.arg, into)
	}
}
