package gates

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"readerforge/internal/artifact"
)

// forbiddenNumericTokens fail a check immediately: anything smelling of
// evaluation, imports, or function creation has no business in an equation
// check expression.
var forbiddenNumericTokens = []string{
	"eval", "exec", "import", "lambda", "function", "def ", "=>", "__", ";", "`",
}

// lcg is the linear congruential generator used for trial value derivation.
// Fixed Numerical Recipes constants keep trials reproducible across runs
// and implementations.
type lcg struct {
	state uint32
}

func newLCG(seed uint32) *lcg { return &lcg{state: seed} }

func (r *lcg) next() uint32 {
	r.state = r.state*1664525 + 1013904223
	return r.state
}

// uniform returns a value in [0,1).
func (r *lcg) uniform() float64 {
	return float64(r.next()) / float64(1<<32)
}

// fnv1a32 hashes a string for seed derivation.
func fnv1a32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// NumericGate verifies equation check records by seeded trials. The check
// expression must hold at its expected value across randomized variable
// draws around the declared centers; the pass ratio must reach 0.8. The
// declared values seed the draw ranges, so checks are written as identities
// whose residual equals the expected constant.
type NumericGate struct {
	trials int
}

// NewNumericGate builds the gate with the configured trial count.
func NewNumericGate(trials int) *NumericGate {
	if trials < 1 {
		trials = 5
	}
	return &NumericGate{trials: trials}
}

func (g *NumericGate) ID() string { return "numeric" }

func (g *NumericGate) Validate(input interface{}) Result {
	check, ok := numericCheck(input)
	if !ok {
		return skip("numeric gate: input carries no check record")
	}
	return g.Check(check)
}

func numericCheck(input interface{}) (*artifact.NumericCheck, bool) {
	switch v := input.(type) {
	case artifact.NumericCheck:
		return &v, true
	case *artifact.NumericCheck:
		return v, v != nil
	case artifact.ContentBlock:
		return v.Check, v.Kind == artifact.BlockEquation && v.Check != nil
	case *artifact.ContentBlock:
		return v.Check, v.Kind == artifact.BlockEquation && v.Check != nil
	default:
		return nil, false
	}
}

// Check runs the seeded trials over one check record.
func (g *NumericGate) Check(check *artifact.NumericCheck) Result {
	lowered := strings.ToLower(check.Expr)
	for _, tok := range forbiddenNumericTokens {
		if strings.Contains(lowered, tok) {
			return fail(issue(KindNumericForbidden, "expression contains forbidden token %q", strings.TrimSpace(tok)))
		}
	}

	node, err := parseExpr(check.Expr)
	if err != nil {
		return fail(issue(KindNumericParens, "expression does not parse: %v", err))
	}

	declared := make(map[string]struct{}, len(check.Vars))
	for name := range check.Vars {
		declared[name] = struct{}{}
	}
	free := make(map[string]struct{})
	freeVars(node, free)
	for name := range free {
		if _, ok := declared[name]; !ok {
			return fail(issue(KindNumericMismatch, "expression variable %q has no declared value", name))
		}
	}

	names := make([]string, 0, len(check.Vars))
	for name := range check.Vars {
		names = append(names, name)
	}
	sort.Strings(names)

	seedBase := fnv1a32(check.Expr + "|" + strings.Join(names, ","))
	passes := 0
	var firstFailure string
	for trial := 0; trial < g.trials; trial++ {
		rng := newLCG(seedBase + uint32(trial)*0x9e3779b9)
		vars := make(map[string]float64, len(names))
		for _, name := range names {
			center := check.Vars[name]
			scale := math.Max(math.Abs(center), 1)
			vars[name] = center + (rng.uniform()-0.5)*scale
		}

		actual, err := evalExpr(node, vars)
		if err != nil {
			if firstFailure == "" {
				firstFailure = fmt.Sprintf("trial %d: %v", trial, err)
			}
			continue
		}
		if math.IsNaN(actual) || math.IsInf(actual, 0) {
			if firstFailure == "" {
				firstFailure = fmt.Sprintf("trial %d: non-finite result", trial)
			}
			continue
		}
		if math.Abs(actual-check.Expected) <= check.Tolerance {
			passes++
		} else if firstFailure == "" {
			firstFailure = fmt.Sprintf("trial %d: |%g - %g| > %g", trial, actual, check.Expected, check.Tolerance)
		}
	}

	ratio := float64(passes) / float64(g.trials)
	if ratio >= 0.8 {
		return Result{Valid: true, Data: map[string]interface{}{"passRatio": ratio}}
	}
	res := fail(issue(KindNumericMismatch, "pass ratio %.2f below 0.8 (%s)", ratio, firstFailure))
	res.Data = map[string]interface{}{"passRatio": ratio}
	return res
}
