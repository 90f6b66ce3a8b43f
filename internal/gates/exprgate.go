package gates

import (
	"strings"

	"readerforge/internal/artifact"
)

// Plot expressions are evaluated later by an external compiler, so the gate
// holds the line: closed token allow-list, dangerous-pattern rejection, a
// complexity ceiling, and shape checks on parentheses and operator runs.

// plotVariables are the identifiers a plot expression may use beyond the
// function and constant sets.
var plotVariables = map[string]bool{"x": true, "y": true, "t": true}

// dangerousExprPatterns reject outright, whatever the token stream looks
// like around them.
var dangerousExprPatterns = []string{
	"eval", "exec", "system", "import", "open", "read", "write",
	"while", "for", "http", "file", "__",
}

// exprTokenWeights score complexity per token kind.
const (
	weightNumber   = 1
	weightVariable = 1
	weightOperator = 2
	weightFunction = 3
	weightParen    = 1

	complexityCeiling = 120
)

// ExpressionGate validates plot expressions.
type ExpressionGate struct{}

// NewExpressionGate builds the gate.
func NewExpressionGate() *ExpressionGate { return &ExpressionGate{} }

func (g *ExpressionGate) ID() string { return "expression" }

func (g *ExpressionGate) Validate(input interface{}) Result {
	expr, ok := plotExpression(input)
	if !ok {
		return skip("expression gate: input carries no plot expression")
	}
	issues := CheckExpression(expr)
	if len(issues) > 0 {
		return fail(issues...)
	}
	return pass()
}

func plotExpression(input interface{}) (string, bool) {
	switch v := input.(type) {
	case string:
		return v, v != ""
	case artifact.PlotSpec:
		return v.Expression, v.Expression != ""
	case *artifact.PlotSpec:
		return v.Expression, v != nil && v.Expression != ""
	case artifact.AssetSpec:
		if v.Kind == artifact.AssetPlot && v.Plot != nil {
			return v.Plot.Expression, v.Plot.Expression != ""
		}
	case *artifact.AssetSpec:
		if v != nil && v.Kind == artifact.AssetPlot && v.Plot != nil {
			return v.Plot.Expression, v.Plot.Expression != ""
		}
	}
	return "", false
}

// AllowedPlotIdent reports whether an identifier may appear in a plot
// expression: the function set, the constant set, or a plot variable.
func AllowedPlotIdent(ident string) bool {
	name := strings.ToLower(ident)
	if _, ok := allowedFuncs[name]; ok {
		return true
	}
	if _, ok := allowedConsts[name]; ok {
		return true
	}
	return plotVariables[name]
}

// CheckExpression returns every finding for a plot expression. Exported for
// the repair engine.
func CheckExpression(expr string) []Issue {
	var issues []Issue

	lowered := strings.ToLower(expr)
	for _, pattern := range dangerousExprPatterns {
		if strings.Contains(lowered, pattern) {
			issues = append(issues, issue(KindExprToken, "dangerous pattern %q", pattern))
		}
	}
	if len(issues) > 0 {
		return issues
	}

	tokens, err := lex(expr)
	if err != nil {
		return append(issues, issue(KindExprToken, "%v", err))
	}

	complexity := 0
	parenDepth := 0
	prevKind := tokEOF
	prevOp := ""
	for _, t := range tokens {
		switch t.kind {
		case tokNumber:
			complexity += weightNumber
		case tokIdent:
			name := strings.ToLower(t.text)
			_, isFunc := allowedFuncs[name]
			_, isConst := allowedConsts[name]
			switch {
			case isFunc:
				complexity += weightFunction
			case isConst, plotVariables[name]:
				complexity += weightVariable
			default:
				issues = append(issues, issue(KindExprToken, "identifier %q not in the allow-list", t.text))
			}
		case tokOp:
			complexity += weightOperator
			if prevKind == tokOp && !(t.text == "-" || t.text == "+") {
				issues = append(issues, issue(KindExprMalformed,
					"operator %q directly follows %q", t.text, prevOp))
			}
			prevOp = t.text
		case tokLParen:
			complexity += weightParen
			parenDepth++
		case tokRParen:
			complexity += weightParen
			parenDepth--
			if parenDepth < 0 {
				issues = append(issues, issue(KindExprMalformed, "unmatched closing parenthesis at %d", t.pos))
				parenDepth = 0
			}
		case tokEOF:
			if prevKind == tokOp {
				issues = append(issues, issue(KindExprMalformed, "expression ends with operator %q", prevOp))
			}
		}
		prevKind = t.kind
	}
	if parenDepth > 0 {
		issues = append(issues, issue(KindExprMalformed, "%d unclosed parenthesis(es)", parenDepth))
	}
	if complexity > complexityCeiling {
		issues = append(issues, issue(KindExprComplexity,
			"complexity %d exceeds ceiling %d", complexity, complexityCeiling))
	}

	if len(issues) == 0 {
		// Structure is clean; confirm the grammar accepts it too.
		if _, err := parseExpr(expr); err != nil {
			issues = append(issues, issue(KindExprMalformed, "%v", err))
		}
	}
	return issues
}
