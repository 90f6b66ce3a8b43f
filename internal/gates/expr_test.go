package gates

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalString(t *testing.T, expr string, vars map[string]float64) float64 {
	t.Helper()
	node, err := parseExpr(expr)
	require.NoError(t, err)
	v, err := evalExpr(node, vars)
	require.NoError(t, err)
	return v
}

func TestEvalArithmetic(t *testing.T) {
	assert.InDelta(t, 7, evalString(t, "1 + 2 * 3", nil), 1e-12)
	assert.InDelta(t, 9, evalString(t, "(1 + 2) * 3", nil), 1e-12)
	assert.InDelta(t, 8, evalString(t, "2^3", nil), 1e-12)
	assert.InDelta(t, 512, evalString(t, "2^3^2", nil), 1e-12, "^ is right-associative")
	assert.InDelta(t, -4, evalString(t, "-2^2", nil), 1e-12)
	assert.InDelta(t, 1, evalString(t, "7 % 3", nil), 1e-12)
}

func TestEvalFunctionsAndConsts(t *testing.T) {
	assert.InDelta(t, 1, evalString(t, "sin(pi/2)", nil), 1e-12)
	assert.InDelta(t, 2, evalString(t, "sqrt(4)", nil), 1e-12)
	assert.InDelta(t, 1, evalString(t, "ln(e)", nil), 1e-12)
	assert.InDelta(t, 2, evalString(t, "log(100)", nil), 1e-12)
	assert.InDelta(t, 3, evalString(t, "abs(-3)", nil), 1e-12)
}

func TestEvalVariables(t *testing.T) {
	vars := map[string]float64{"x": 3, "v_0": 2}
	assert.InDelta(t, 11, evalString(t, "x^2 + v_0", vars), 1e-12)

	node, err := parseExpr("y + 1")
	require.NoError(t, err)
	_, err = evalExpr(node, vars)
	assert.ErrorContains(t, err, "unbound variable")
}

func TestEvalComparisons(t *testing.T) {
	assert.Equal(t, 1.0, evalString(t, "3 > 2", nil))
	assert.Equal(t, 0.0, evalString(t, "3 <= 2", nil))
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, expr := range []string{
		"1 +", "(1 + 2", "1 ** 2", "foo(1)", "x $ y", "", "1..2",
	} {
		_, err := parseExpr(expr)
		assert.Error(t, err, expr)
	}
}

func TestFreeVars(t *testing.T) {
	node, err := parseExpr("x + sin(y) * pi")
	require.NoError(t, err)
	free := map[string]struct{}{}
	freeVars(node, free)
	assert.Len(t, free, 2)
	assert.Contains(t, free, "x")
	assert.Contains(t, free, "y")
}

func TestDivisionByZeroIsInf(t *testing.T) {
	assert.True(t, math.IsInf(evalString(t, "1/0", nil), 1))
}

func TestLCGReproducible(t *testing.T) {
	a := newLCG(42)
	b := newLCG(42)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.next(), b.next())
	}
	u := newLCG(7).uniform()
	assert.GreaterOrEqual(t, u, 0.0)
	assert.Less(t, u, 1.0)
}
