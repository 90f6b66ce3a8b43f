package gates

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readerforge/internal/artifact"
	"readerforge/internal/metrics"
)

func validPlan() artifact.Plan {
	return artifact.Plan{
		Title:      "Waves",
		Subject:    artifact.SubjectPhysics,
		Grade:      "11",
		Difficulty: artifact.DifficultyHustle,
		Beats: []artifact.Beat{
			{ID: "b1", Headline: "What is a wave", LearningOutcomes: []string{"define a wave"}},
			{ID: "b2", Headline: "Wave speed", LearningOutcomes: []string{"compute v"},
				Prereqs: []string{"b1"}, AssetTokens: []string{"eq:wave-speed", "plot:sine_wave"}},
		},
	}
}

// ---- schema gate ----

func TestSchemaGateAcceptsValidPlan(t *testing.T) {
	g := NewSchemaGate()
	res := g.Validate(validPlan())
	assert.True(t, res.Valid)
	assert.False(t, res.Skipped)
}

func TestSchemaGateReportsMissingFields(t *testing.T) {
	g := NewSchemaGate()
	plan := validPlan()
	plan.Title = ""
	res := g.Validate(plan)
	require.False(t, res.Valid)
	assert.Equal(t, KindSchemaMissing, res.Errors[0].Kind)
}

func TestSchemaGateStrictDecodeRejectsUnknownFields(t *testing.T) {
	g := NewSchemaGate()
	raw, err := json.Marshal(map[string]interface{}{
		"title": "Waves", "subject": "Physics", "grade": "11",
		"difficulty": "hustle",
		"beats": []map[string]interface{}{
			{"id": "b1", "headline": "h", "learningOutcomes": []string{"x"}},
		},
		"surprise": true,
	})
	require.NoError(t, err)
	res := g.Validate(RawArtifact{Kind: ArtifactPlan, Raw: raw})
	require.False(t, res.Valid)
	assert.Contains(t, res.Errors[0].Message, "strict decode")
}

func TestSchemaGateSkipsUnknownType(t *testing.T) {
	res := NewSchemaGate().Validate(42)
	assert.True(t, res.Skipped)
}

// ---- beat graph gate ----

func TestBeatGraphGateAcceptsDAG(t *testing.T) {
	res := NewBeatGraphGate().Validate(validPlan())
	assert.True(t, res.Valid)
}

func TestBeatGraphGateRejections(t *testing.T) {
	g := NewBeatGraphGate()

	forward := validPlan()
	forward.Beats[0].Prereqs = []string{"b2"}
	res := g.Validate(forward)
	require.False(t, res.Valid)

	unresolved := validPlan()
	unresolved.Beats[1].Prereqs = []string{"missing"}
	assert.False(t, g.Validate(unresolved).Valid)

	badToken := validPlan()
	badToken.Beats[1].AssetTokens = []string{"video:clip"}
	assert.False(t, g.Validate(badToken).Valid)

	dup := validPlan()
	dup.Beats[1].ID = "b1"
	assert.False(t, g.Validate(dup).Valid)
}

// ---- latex gate ----

func TestLaTeXGate(t *testing.T) {
	g := NewLaTeXGate()

	ok := artifact.ContentBlock{Kind: artifact.BlockEquation, TeX: `\frac{v}{t} = \alpha \cdot \left( x \right)`}
	assert.True(t, g.Validate(ok).Valid)

	unbalanced := CheckLaTeX(`\frac{v}{t`)
	require.NotEmpty(t, unbalanced)
	assert.Equal(t, KindLaTeXUnbalanced, unbalanced[0].Kind)

	unknown := CheckLaTeX(`\frobnicate{x}`)
	require.NotEmpty(t, unknown)
	assert.Equal(t, KindLaTeXUnknown, unknown[0].Kind)

	lonelyRight := CheckLaTeX(`x \right)`)
	require.NotEmpty(t, lonelyRight)
	assert.Equal(t, KindLaTeXUnbalanced, lonelyRight[0].Kind)

	assert.True(t, g.Validate(artifact.ContentBlock{Kind: artifact.BlockProse}).Skipped)
}

// ---- numeric gate ----

func TestNumericGateIdentityPasses(t *testing.T) {
	g := NewNumericGate(5)
	res := g.Check(&artifact.NumericCheck{
		Vars:      map[string]float64{"x": 2},
		Expr:      "(x+1)^2 - x^2 - 2*x - 1",
		Expected:  0,
		Tolerance: 1e-6,
	})
	assert.True(t, res.Valid, "%v", res.Errors)
	assert.Equal(t, 1.0, res.Data["passRatio"])
}

func TestNumericGateMismatchFails(t *testing.T) {
	g := NewNumericGate(5)
	res := g.Check(&artifact.NumericCheck{
		Vars:      map[string]float64{"x": 3},
		Expr:      "x^2 - 1",
		Expected:  0,
		Tolerance: 1e-6,
	})
	require.False(t, res.Valid)
	assert.Equal(t, KindNumericMismatch, res.Errors[0].Kind)
}

func TestNumericGateToleranceBoundary(t *testing.T) {
	// |22/7 - pi| is about 1.26e-3: outside 1e-4, inside 1e-2.
	check := artifact.NumericCheck{
		Vars:      map[string]float64{},
		Expr:      "22/7 - pi",
		Expected:  0,
		Tolerance: 1e-4,
	}
	g := NewNumericGate(5)
	assert.False(t, g.Check(&check).Valid)

	check.Tolerance = 1e-2
	assert.True(t, g.Check(&check).Valid)
}

func TestNumericGateForbiddenTokens(t *testing.T) {
	g := NewNumericGate(5)
	res := g.Check(&artifact.NumericCheck{
		Vars: map[string]float64{}, Expr: "eval(1)", Expected: 0, Tolerance: 1,
	})
	require.False(t, res.Valid)
	assert.Equal(t, KindNumericForbidden, res.Errors[0].Kind)
}

func TestNumericGateUndeclaredVariable(t *testing.T) {
	g := NewNumericGate(5)
	res := g.Check(&artifact.NumericCheck{
		Vars: map[string]float64{"x": 1}, Expr: "x + y", Expected: 0, Tolerance: 1,
	})
	require.False(t, res.Valid)
	assert.Contains(t, res.Errors[0].Message, "y")
}

func TestNumericGateTrialsReproducible(t *testing.T) {
	check := &artifact.NumericCheck{
		Vars: map[string]float64{"x": 2}, Expr: "x - x", Expected: 0, Tolerance: 1e-9,
	}
	a := NewNumericGate(5).Check(check)
	b := NewNumericGate(5).Check(check)
	assert.Equal(t, a, b)
}

// ---- expression gate ----

func TestExpressionGate(t *testing.T) {
	g := NewExpressionGate()

	assert.True(t, g.Validate("sin(x) + cos(x) * 2").Valid)
	assert.True(t, g.Validate(artifact.PlotSpec{Name: "p", Expression: "x^2 - 1"}).Valid)

	res := g.Validate("system(x)")
	require.False(t, res.Valid)
	assert.Equal(t, KindExprToken, res.Errors[0].Kind)

	res = g.Validate("q + 1")
	require.False(t, res.Valid)
	assert.Equal(t, KindExprToken, res.Errors[0].Kind)

	res = g.Validate("sin(x")
	require.False(t, res.Valid)

	res = g.Validate("x + * 2")
	require.False(t, res.Valid)
	assert.Equal(t, KindExprMalformed, res.Errors[0].Kind)
}

func TestExpressionGateComplexityCeiling(t *testing.T) {
	long := "x"
	for i := 0; i < 40; i++ {
		long += " + sin(x)"
	}
	issues := CheckExpression(long)
	require.NotEmpty(t, issues)
	assert.Equal(t, KindExprComplexity, issues[0].Kind)
}

// ---- smiles gate ----

func TestSMILESGate(t *testing.T) {
	g := NewSMILESGate()

	assert.True(t, g.Validate("CCO").Valid)
	assert.True(t, g.Validate("C1CCCCC1").Valid)
	assert.True(t, g.Validate("CC(=O)O").Valid)
	assert.True(t, g.Validate("c1ccccc1").Valid)

	res := g.Validate("CC(O")
	require.False(t, res.Valid)
	assert.Equal(t, KindSMILESInvalid, res.Errors[0].Kind)

	assert.False(t, g.Validate("C1CC").Valid, "unclosed ring")
	assert.False(t, g.Validate("CC!O").Valid, "disallowed character")
	assert.False(t, g.Validate("CCZ").Valid, "invalid atom")
}

// ---- diagram gate ----

func diagram() artifact.DiagramSpec {
	return artifact.DiagramSpec{
		Name:     "forces",
		GridSize: 10,
		Nodes: []artifact.DiagramNode{
			{ID: "block", X: 10, Y: 20},
			{ID: "ground", X: 10, Y: 0},
		},
		Arrows:   []artifact.DiagramArrow{{From: "block", To: "ground", Label: "W"}},
		Required: []string{"block"},
	}
}

func TestDiagramGate(t *testing.T) {
	g := NewDiagramGate()

	assert.True(t, g.Validate(diagram()).Valid)

	dup := diagram()
	dup.Nodes[1].ID = "block"
	assert.False(t, g.Validate(dup).Valid)

	dangling := diagram()
	dangling.Arrows[0].To = "nowhere"
	assert.False(t, g.Validate(dangling).Valid)

	missing := diagram()
	missing.Required = []string{"spring"}
	assert.False(t, g.Validate(missing).Valid)

	off := diagram()
	off.Nodes[0].X = 13
	assert.False(t, g.Validate(off).Valid)
}

// ---- crossref gate ----

func TestCrossRefGate(t *testing.T) {
	g := NewCrossRefGate()

	doc := artifact.ReaderDoc{
		Title: "Waves", ChapterSlug: "waves", Subject: artifact.SubjectPhysics,
		Grade: "11", Difficulty: artifact.DifficultyHustle,
		Blocks: []artifact.ContentBlock{
			{ID: "waves/s001/prose-01", Kind: artifact.BlockProse, Markdown: "See [ref:waves/s001/equation-02]."},
			{ID: "waves/s001/equation-02", Kind: artifact.BlockEquation, TeX: "v = f \\lambda"},
		},
	}
	assert.True(t, g.Validate(doc).Valid)

	collision := doc
	collision.Blocks = append([]artifact.ContentBlock(nil), doc.Blocks...)
	collision.Blocks[1].ID = collision.Blocks[0].ID
	res := g.Validate(collision)
	require.False(t, res.Valid)
	assert.Equal(t, KindCrossRef, res.Errors[0].Kind)

	dangling := doc
	dangling.Blocks = []artifact.ContentBlock{
		{ID: "waves/s001/prose-01", Kind: artifact.BlockProse, Markdown: "See [ref:waves/s009/prose-01]."},
	}
	assert.False(t, g.Validate(dangling).Valid)
}

// ---- unicode gate ----

func TestUnicodeGateStrictRejectsDangerous(t *testing.T) {
	g := NewUnicodeGate(true)

	assert.True(t, g.Validate("A calm paragraph about waves.").Valid)

	res := g.Validate("hidden​character")
	require.False(t, res.Valid)
	assert.Equal(t, KindUnicode, res.Errors[0].Kind)

	assert.False(t, g.Validate("bidi ‮ attack").Valid)
	assert.False(t, g.Validate("ctrl \x01 char").Valid)
}

func TestUnicodeGatePermissiveSanitizes(t *testing.T) {
	g := NewUnicodeGate(false)
	res := g.Validate("hidden​character")
	require.True(t, res.Valid)
	assert.NotEmpty(t, res.Warnings)
	assert.Equal(t, "hiddencharacter", res.Data["sanitized"])
}

func TestSanitizeTextIdempotent(t *testing.T) {
	dirty := "  sp​aced   ‮out  text with\tруны  "
	once := SanitizeText(dirty)
	twice := SanitizeText(once)
	assert.Equal(t, once, twice)
}

func TestHomoglyphDetection(t *testing.T) {
	// Cyrillic о and е in otherwise Latin text.
	res := NewUnicodeGate(true).Validate("hеllо wоrld wаve thеоry")
	assert.False(t, res.Valid, "high homoglyph ratio is critical")
}

// ---- units gate ----

func TestUnitsGate(t *testing.T) {
	g := NewUnitsGate()

	res := g.Validate(UnitsInput{
		Equation: "F = m * a",
		VarUnits: map[string]string{"F": "N", "m": "kg", "a": "m/s^2"},
	})
	assert.True(t, res.Valid, "%v", res.Errors)

	res = g.Validate(UnitsInput{
		Equation: "E = m * v^2 / 2",
		VarUnits: map[string]string{"E": "J", "m": "kg", "v": "m/s"},
	})
	assert.True(t, res.Valid, "%v", res.Errors)

	res = g.Validate(UnitsInput{
		Equation: "F = m * v",
		VarUnits: map[string]string{"F": "N", "m": "kg", "v": "m/s"},
	})
	require.False(t, res.Valid)
	assert.Equal(t, KindUnits, res.Errors[0].Kind)

	res = g.Validate(UnitsInput{
		Equation: "x + t = y",
		VarUnits: map[string]string{"x": "m", "t": "s", "y": "m"},
	})
	assert.False(t, res.Valid, "adding m and s must fail")
}

func TestParseUnitCompound(t *testing.T) {
	dim, err := ParseUnit("kg*m/s^2")
	require.NoError(t, err)
	newton := baseUnits["N"]
	assert.True(t, dim.equal(newton))

	_, err = ParseUnit("furlong")
	assert.Error(t, err)

	dimless, err := ParseUnit("1")
	require.NoError(t, err)
	assert.True(t, dimless.equal(Dimensionless))
}

// ---- style gate ----

func TestStyleGate(t *testing.T) {
	g := NewStyleGate()

	assert.True(t, g.Validate("A paragraph that flows naturally from one idea to the next.").Valid)

	res := g.Validate("# Heading\nThen text")
	require.False(t, res.Valid)
	assert.Equal(t, KindStyle, res.Errors[0].Kind)
	assert.NotEmpty(t, res.Data["suggestions"])

	assert.False(t, g.Validate("- first\n- second").Valid)
	assert.False(t, g.Validate("1. step one").Valid)
	assert.False(t, g.Validate("see ```x = 1``` for details").Valid)
	assert.False(t, g.Validate("open waves.py to see").Valid)
}

// ---- registry ----

func TestRegistryRunsDeclaredSet(t *testing.T) {
	r := NewRegistry(5, false, metrics.NewSet())

	report, issues := r.Run(ArtifactPlan, validPlan())
	assert.Empty(t, issues)
	require.Len(t, report.Gates, 2)
	assert.True(t, report.Valid())

	gateIDs := []string{report.Gates[0].Gate, report.Gates[1].Gate}
	assert.ElementsMatch(t, []string{"schema", "beat-graph"}, gateIDs)
}

func TestRegistryGateTotality(t *testing.T) {
	// Every declared gate appears in the report, run or skipped; a prose
	// block skips the equation-family gates rather than omitting them.
	r := NewRegistry(5, false, metrics.NewSet())
	block := artifact.ContentBlock{Kind: artifact.BlockProse, Markdown: "Fine prose."}

	report, issues := r.Run(ArtifactBlock, block)
	assert.Empty(t, issues)
	assert.Len(t, report.Gates, len(r.GateSet(ArtifactBlock)))

	skipped := 0
	for _, g := range report.Gates {
		if g.Skipped {
			skipped++
		}
	}
	assert.Greater(t, skipped, 0, "equation gates must report skipped on prose")
	assert.True(t, report.Valid())
}

func TestRegistryRejectsPathSyntaxAssetName(t *testing.T) {
	r := NewRegistry(5, false, metrics.NewSet())
	spec := &artifact.AssetSpec{Kind: artifact.AssetPlot, Plot: &artifact.PlotSpec{
		Name: "../../../escape/pwn", Expression: "2*x",
	}}

	report, issues := r.Run(ArtifactAsset, spec)
	assert.False(t, report.Valid())
	require.NotEmpty(t, issues)
	assert.Equal(t, KindSchemaInvalid, issues[0].Kind)

	spec.Plot.Name = "velocity_curve-1"
	_, issues = r.Run(ArtifactAsset, spec)
	assert.Empty(t, issues)
}

func TestRegistryStrictUnicodeFailsCriticalFindings(t *testing.T) {
	block := &artifact.ContentBlock{Kind: artifact.BlockProse, Markdown: "in\u200bvisible join"}

	permissive := NewRegistry(5, false, metrics.NewSet())
	_, issues := permissive.Run(ArtifactBlock, block)
	assert.Empty(t, issues, "permissive mode downgrades findings to warnings")

	strict := NewRegistry(5, true, metrics.NewSet())
	_, issues = strict.Run(ArtifactBlock, block)
	require.NotEmpty(t, issues)
	assert.Equal(t, KindUnicode, issues[0].Kind)
}

func TestRegistryCollectsAllFailures(t *testing.T) {
	r := NewRegistry(5, false, metrics.NewSet())
	block := artifact.ContentBlock{
		Kind: artifact.BlockEquation,
		TeX:  `\frobnicate{`,
		Check: &artifact.NumericCheck{
			Vars: map[string]float64{"x": 1}, Expr: "x + ", Expected: 0, Tolerance: 1,
		},
	}
	report, issues := r.Run(ArtifactBlock, block)
	assert.False(t, report.Valid())
	assert.GreaterOrEqual(t, len(issues), 2, "latex and numeric failures both collected")
}
