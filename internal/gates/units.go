package gates

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Dimension is the exponent vector over the seven SI base dimensions, in
// the order length, mass, time, current, temperature, amount, luminosity.
type Dimension [7]float64

// Dimensionless is the zero vector.
var Dimensionless = Dimension{}

func (d Dimension) String() string {
	names := [7]string{"m", "kg", "s", "A", "K", "mol", "cd"}
	var parts []string
	for i, exp := range d {
		if exp == 0 {
			continue
		}
		if exp == 1 {
			parts = append(parts, names[i])
		} else {
			parts = append(parts, fmt.Sprintf("%s^%g", names[i], exp))
		}
	}
	if len(parts) == 0 {
		return "1"
	}
	return strings.Join(parts, "*")
}

func (d Dimension) mul(o Dimension) Dimension {
	var out Dimension
	for i := range d {
		out[i] = d[i] + o[i]
	}
	return out
}

func (d Dimension) div(o Dimension) Dimension {
	var out Dimension
	for i := range d {
		out[i] = d[i] - o[i]
	}
	return out
}

func (d Dimension) pow(exp float64) Dimension {
	var out Dimension
	for i := range d {
		out[i] = d[i] * exp
	}
	return out
}

func (d Dimension) equal(o Dimension) bool {
	for i := range d {
		if math.Abs(d[i]-o[i]) > 1e-9 {
			return false
		}
	}
	return true
}

// baseUnits maps unit symbols to dimension vectors. Scale factors are
// irrelevant here: the gate checks dimensional consistency, not magnitudes.
var baseUnits = map[string]Dimension{
	"1": {}, "": {},
	"m": {1, 0, 0, 0, 0, 0, 0}, "km": {1, 0, 0, 0, 0, 0, 0},
	"cm": {1, 0, 0, 0, 0, 0, 0}, "mm": {1, 0, 0, 0, 0, 0, 0},
	"kg": {0, 1, 0, 0, 0, 0, 0}, "g": {0, 1, 0, 0, 0, 0, 0},
	"s": {0, 0, 1, 0, 0, 0, 0}, "ms": {0, 0, 1, 0, 0, 0, 0},
	"min": {0, 0, 1, 0, 0, 0, 0}, "h": {0, 0, 1, 0, 0, 0, 0},
	"A":   {0, 0, 0, 1, 0, 0, 0},
	"K":   {0, 0, 0, 0, 1, 0, 0},
	"mol": {0, 0, 0, 0, 0, 1, 0},
	"cd":  {0, 0, 0, 0, 0, 0, 1},
	// derived
	"N":  {1, 1, -2, 0, 0, 0, 0},
	"J":  {2, 1, -2, 0, 0, 0, 0},
	"W":  {2, 1, -3, 0, 0, 0, 0},
	"Pa": {-1, 1, -2, 0, 0, 0, 0},
	"Hz": {0, 0, -1, 0, 0, 0, 0},
	"C":  {0, 0, 1, 1, 0, 0, 0},
	"V":  {2, 1, -3, -1, 0, 0, 0},
}

// ParseUnit parses a compound unit string: factors split by '*' and '/',
// each factor a symbol with an optional '^' integer or decimal exponent.
func ParseUnit(s string) (Dimension, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "1" {
		return Dimensionless, nil
	}

	dim := Dimensionless
	sign := 1.0
	factor := strings.Builder{}
	flush := func() error {
		text := strings.TrimSpace(factor.String())
		factor.Reset()
		if text == "" {
			return fmt.Errorf("empty unit factor in %q", s)
		}
		symbol, exp := text, 1.0
		if i := strings.IndexByte(text, '^'); i >= 0 {
			symbol = text[:i]
			parsed, err := strconv.ParseFloat(text[i+1:], 64)
			if err != nil {
				return fmt.Errorf("bad exponent in %q", text)
			}
			exp = parsed
		}
		base, ok := baseUnits[symbol]
		if !ok {
			return fmt.Errorf("unknown unit %q", symbol)
		}
		dim = dim.mul(base.pow(exp * sign))
		return nil
	}

	for _, r := range s {
		switch r {
		case '*', '·':
			if err := flush(); err != nil {
				return Dimensionless, err
			}
		case '/':
			if err := flush(); err != nil {
				return Dimensionless, err
			}
			sign = -1
		default:
			factor.WriteRune(r)
		}
	}
	if err := flush(); err != nil {
		return Dimensionless, err
	}
	return dim, nil
}

// UnitsInput is an equation plus the unit of each variable in it.
type UnitsInput struct {
	Equation string            `json:"equation"` // "lhs = rhs"
	VarUnits map[string]string `json:"varUnits"`
}

// UnitsGate unifies the two sides of an equation dimensionally: variable
// dimensions substitute through the expression grammar, and both sides must
// land on the same vector.
type UnitsGate struct{}

// NewUnitsGate builds the gate.
func NewUnitsGate() *UnitsGate { return &UnitsGate{} }

func (g *UnitsGate) ID() string { return "units" }

func (g *UnitsGate) Validate(input interface{}) Result {
	var in UnitsInput
	switch v := input.(type) {
	case UnitsInput:
		in = v
	case *UnitsInput:
		if v == nil {
			return skip("units gate: nil input")
		}
		in = *v
	default:
		return skip("units gate: input carries no unit-checked equation")
	}

	sides := strings.Split(in.Equation, "=")
	if len(sides) != 2 {
		return fail(issue(KindUnits, "equation %q must have exactly one '='", in.Equation))
	}

	varDims := make(map[string]Dimension, len(in.VarUnits))
	for name, unit := range in.VarUnits {
		dim, err := ParseUnit(unit)
		if err != nil {
			return fail(issue(KindUnits, "variable %s: %v", name, err))
		}
		varDims[name] = dim
	}

	lhs, err := dimensionOf(strings.TrimSpace(sides[0]), varDims)
	if err != nil {
		return fail(issue(KindUnits, "left side: %v", err))
	}
	rhs, err := dimensionOf(strings.TrimSpace(sides[1]), varDims)
	if err != nil {
		return fail(issue(KindUnits, "right side: %v", err))
	}

	if !lhs.equal(rhs) {
		return fail(issue(KindUnits, "dimensions disagree: %s vs %s", lhs, rhs))
	}
	return pass()
}

// dimensionOf folds an expression AST into a dimension vector.
func dimensionOf(expr string, vars map[string]Dimension) (Dimension, error) {
	node, err := parseExpr(expr)
	if err != nil {
		return Dimensionless, err
	}
	return dimOfNode(node, vars)
}

func dimOfNode(node exprNode, vars map[string]Dimension) (Dimension, error) {
	switch n := node.(type) {
	case numberNode:
		return Dimensionless, nil
	case identNode:
		if dim, ok := vars[n.name]; ok {
			return dim, nil
		}
		if _, ok := allowedConsts[strings.ToLower(n.name)]; ok {
			return Dimensionless, nil
		}
		return Dimensionless, fmt.Errorf("variable %q has no declared unit", n.name)
	case unaryNode:
		return dimOfNode(n.operand, vars)
	case binaryNode:
		l, err := dimOfNode(n.left, vars)
		if err != nil {
			return Dimensionless, err
		}
		r, err := dimOfNode(n.right, vars)
		if err != nil {
			return Dimensionless, err
		}
		switch n.op {
		case "+", "-", "==", "!=", "<", ">", "<=", ">=":
			if !l.equal(r) {
				return Dimensionless, fmt.Errorf("%q needs equal dimensions, got %s and %s", n.op, l, r)
			}
			return l, nil
		case "*":
			return l.mul(r), nil
		case "/":
			return l.div(r), nil
		case "%":
			if !l.equal(r) {
				return Dimensionless, fmt.Errorf("%% needs equal dimensions, got %s and %s", l, r)
			}
			return l, nil
		case "^":
			exp, ok := literalValue(n.right)
			if !ok {
				return Dimensionless, fmt.Errorf("exponent must be a literal number for unit analysis")
			}
			return l.pow(exp), nil
		}
		return Dimensionless, fmt.Errorf("unknown operator %q", n.op)
	case callNode:
		arg, err := dimOfNode(n.arg, vars)
		if err != nil {
			return Dimensionless, err
		}
		if n.fn == "sqrt" {
			return arg.pow(0.5), nil
		}
		if n.fn == "abs" || n.fn == "floor" || n.fn == "ceil" || n.fn == "round" {
			return arg, nil
		}
		if !arg.equal(Dimensionless) {
			return Dimensionless, fmt.Errorf("%s argument must be dimensionless, got %s", n.fn, arg)
		}
		return Dimensionless, nil
	}
	return Dimensionless, fmt.Errorf("unknown node %T", node)
}

// literalValue resolves a (possibly sign-prefixed) numeric literal.
func literalValue(node exprNode) (float64, bool) {
	switch n := node.(type) {
	case numberNode:
		return n.value, true
	case unaryNode:
		v, ok := literalValue(n.operand)
		if !ok {
			return 0, false
		}
		if n.op == "-" {
			return -v, true
		}
		return v, true
	}
	return 0, false
}
