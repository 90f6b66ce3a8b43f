package repair

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readerforge/internal/artifact"
	"readerforge/internal/gates"
	"readerforge/internal/metrics"
)

func newTestEngine() *Engine {
	return NewEngine(metrics.NewSet())
}

func TestRepairNoFindingsIsNoOp(t *testing.T) {
	e := newTestEngine()
	block := &artifact.ContentBlock{Kind: artifact.BlockProse, Markdown: "Fine prose.", WordCount: 2}
	before := *block

	out := e.Repair(Input{Module: "section", CorrelationID: "c1", Block: block})

	assert.False(t, out.Changed)
	assert.Empty(t, out.Records)
	assert.Empty(t, out.Actions)
	assert.Equal(t, before, *block)
}

func TestRepairSMILESDropsUnmatchedParen(t *testing.T) {
	e := newTestEngine()
	block := &artifact.ContentBlock{Kind: artifact.BlockChemistry, SMILES: "CC(O"}

	out := e.Repair(Input{
		Module:        "section",
		CorrelationID: "c1",
		Block:         block,
		Issues:        []gates.Issue{{Kind: gates.KindSMILESInvalid, Message: "unmatched branch"}},
	})

	assert.True(t, out.Changed)
	assert.Equal(t, "CCO", block.SMILES)
	require.Len(t, out.Records, 1)
	assert.Equal(t, gates.KindSMILESInvalid, out.Records[0].Kind)
	assert.True(t, out.Records[0].Success)
}

func TestRepairSMILESStripsInvalidAndRings(t *testing.T) {
	e := newTestEngine()
	block := &artifact.ContentBlock{Kind: artifact.BlockChemistry, SMILES: "C1CC!?"}

	out := e.Repair(Input{
		Module: "section", CorrelationID: "c1", Block: block,
		Issues: []gates.Issue{{Kind: gates.KindSMILESInvalid}},
	})

	assert.True(t, out.Changed)
	assert.Equal(t, "CCC", block.SMILES, "ring digit with no closer and junk characters drop")
}

func TestRepairLaTeXBalancesBraces(t *testing.T) {
	e := newTestEngine()
	block := &artifact.ContentBlock{Kind: artifact.BlockEquation, TeX: `\frac{a}{b`}

	out := e.Repair(Input{
		Module: "section", CorrelationID: "c1", Block: block,
		Issues: []gates.Issue{{Kind: gates.KindLaTeXUnbalanced}},
	})

	assert.True(t, out.Changed)
	assert.Equal(t, `\frac{a}{b}`, block.TeX)
	assert.Empty(t, gates.CheckLaTeX(block.TeX))
}

func TestRepairLaTeXSubstitutesUnknownCommands(t *testing.T) {
	e := newTestEngine()
	block := &artifact.ContentBlock{Kind: artifact.BlockEquation, TeX: `\dfrac{a}{b}`}

	out := e.Repair(Input{
		Module: "section", CorrelationID: "c1", Block: block,
		Issues: []gates.Issue{{Kind: gates.KindLaTeXUnknown, Message: `unknown command \dfrac`}},
	})

	assert.True(t, out.Changed)
	assert.Equal(t, `\frac{a}{b}`, block.TeX)
}

func TestRepairToleranceRelaxesByTwoOrders(t *testing.T) {
	e := newTestEngine()
	block := &artifact.ContentBlock{
		Kind: artifact.BlockEquation,
		TeX:  `\pi \approx 22/7`,
		Check: &artifact.NumericCheck{
			Vars:      map[string]float64{"x": 1},
			Expr:      "x * 22 / 7",
			Expected:  3.14159265,
			Tolerance: 1e-4,
		},
	}

	out := e.Repair(Input{
		Module: "section", CorrelationID: "c1", Block: block,
		Issues: []gates.Issue{{Kind: gates.KindNumericMismatch}},
	})

	assert.True(t, out.Changed)
	assert.InDelta(t, 1e-2, block.Check.Tolerance, 1e-12)
}

func TestRepairPlotExpressionScrubsDisallowedTokens(t *testing.T) {
	e := newTestEngine()
	asset := &artifact.AssetSpec{
		Kind: artifact.AssetPlot,
		Plot: &artifact.PlotSpec{Name: "p", Expression: "sign(x) * x"},
	}

	out := e.Repair(Input{
		Module: "asset", CorrelationID: "c1", Asset: asset,
		Issues: []gates.Issue{{Kind: gates.KindExprToken, Message: `identifier "sign" not in the allow-list`}},
	})

	assert.True(t, out.Changed)
	assert.NotContains(t, asset.Plot.Expression, "sign")
	assert.Contains(t, asset.Plot.Expression, "abs(")
	assert.Empty(t, gates.CheckExpression(asset.Plot.Expression))
}

func TestRepairUnicodeSanitizesProse(t *testing.T) {
	e := newTestEngine()
	block := &artifact.ContentBlock{
		Kind:     artifact.BlockProse,
		Markdown: "The rаte of change", // Cyrillic а
	}

	out := e.Repair(Input{
		Module: "section", CorrelationID: "c1", Block: block,
		Issues: []gates.Issue{{Kind: gates.KindUnicode}},
	})

	assert.True(t, out.Changed)
	assert.Equal(t, "The rate of change", block.Markdown)
	assert.Equal(t, 4, block.WordCount)
}

func TestRepairStyleStripsStructuralMarkdown(t *testing.T) {
	e := newTestEngine()
	block := &artifact.ContentBlock{
		Kind:     artifact.BlockProse,
		Markdown: "# Heading\n\n- one\n- two\n\nplain text",
	}

	out := e.Repair(Input{
		Module: "section", CorrelationID: "c1", Block: block,
		Issues: []gates.Issue{{Kind: gates.KindStyle}},
	})

	assert.True(t, out.Changed)
	assert.NotContains(t, block.Markdown, "#")
	assert.NotContains(t, block.Markdown, "- ")
	assert.Contains(t, block.Markdown, "plain text")
}

func TestRepairCrossRefsRegeneratesCollidingIDs(t *testing.T) {
	e := newTestEngine()
	doc := &artifact.ReaderDoc{
		Blocks: []artifact.ContentBlock{
			{ID: "intro/s001/prose-01", Kind: artifact.BlockProse, Markdown: "a"},
			{ID: "intro/s001/prose-01", Kind: artifact.BlockProse, Markdown: "b"},
		},
	}

	out := e.Repair(Input{
		Module: "assemble", CorrelationID: "c1", Doc: doc,
		Issues: []gates.Issue{{Kind: gates.KindCrossRef, Message: "duplicate block id"}},
	})

	assert.True(t, out.Changed)
	assert.NotEqual(t, doc.Blocks[0].ID, doc.Blocks[1].ID)
	assert.Equal(t, "intro/s001/prose-01-2", doc.Blocks[1].ID)
}

func TestRepairUnknownKindGoesToManualReview(t *testing.T) {
	e := newTestEngine()
	block := &artifact.ContentBlock{Kind: artifact.BlockProse, Markdown: "text"}

	out := e.Repair(Input{
		Module: "section", CorrelationID: "c1", Block: block,
		Issues: []gates.Issue{{Kind: "made-up-kind", Message: "???"}},
	})

	assert.False(t, out.Changed)
	assert.Empty(t, out.Records)
	require.Len(t, out.Actions, 1)
	assert.Contains(t, out.Actions[0], ActionManualReview)
	assert.Contains(t, out.Actions[0], "made-up-kind")
}

func TestRepairAttemptsAreBounded(t *testing.T) {
	e := newTestEngine()
	block := &artifact.ContentBlock{
		Kind:  artifact.BlockEquation,
		Check: &artifact.NumericCheck{Vars: map[string]float64{"x": 1}, Expr: "x", Expected: 2, Tolerance: 1e-6},
	}
	in := Input{
		Module: "section", CorrelationID: "c1", Block: block,
		Issues: []gates.Issue{{Kind: gates.KindNumericMismatch}},
	}

	first := e.Repair(in)
	second := e.Repair(in)
	third := e.Repair(in)

	assert.True(t, first.Changed)
	assert.True(t, second.Changed)
	assert.False(t, third.Changed)
	require.Len(t, third.Actions, 1)
	assert.Contains(t, third.Actions[0], ActionManualReview)
	assert.InDelta(t, 1e-2, block.Check.Tolerance, 1e-12, "only the two budgeted attempts applied")
}

func TestRepairResetRestoresBudget(t *testing.T) {
	e := newTestEngine()
	block := &artifact.ContentBlock{
		Kind:  artifact.BlockEquation,
		Check: &artifact.NumericCheck{Vars: map[string]float64{"x": 1}, Expr: "x", Expected: 2, Tolerance: 1e-6},
	}
	in := Input{
		Module: "section", CorrelationID: "c1", Block: block,
		Issues: []gates.Issue{{Kind: gates.KindNumericMismatch}},
	}

	e.Repair(in)
	e.Repair(in)
	e.Reset("section", "c1")

	out := e.Repair(in)
	assert.True(t, out.Changed)
	require.Len(t, out.Records, 1)
	assert.Equal(t, 1, out.Records[0].Attempt)
}

func TestRepairNumericExprBalancesParens(t *testing.T) {
	e := newTestEngine()
	block := &artifact.ContentBlock{
		Kind:  artifact.BlockEquation,
		Check: &artifact.NumericCheck{Vars: map[string]float64{"x": 1}, Expr: "(x + 1", Expected: 2, Tolerance: 1e-6},
	}

	out := e.Repair(Input{
		Module: "section", CorrelationID: "c1", Block: block,
		Issues: []gates.Issue{{Kind: gates.KindNumericParens}},
	})

	assert.True(t, out.Changed)
	assert.Equal(t, "(x + 1)", block.Check.Expr)
}

func TestRepairCollectsRecordsAcrossKinds(t *testing.T) {
	e := newTestEngine()
	block := &artifact.ContentBlock{Kind: artifact.BlockEquation, TeX: `\frac{a}{b`}

	out := e.Repair(Input{
		Module: "section", CorrelationID: "c1", Block: block,
		Issues: []gates.Issue{
			{Kind: gates.KindLaTeXUnbalanced},
			{Kind: "made-up-kind"},
		},
	})

	assert.True(t, out.Changed)
	require.Len(t, out.Records, 1)
	require.Len(t, out.Actions, 1)
	assert.Equal(t, gates.KindLaTeXUnbalanced, out.Records[0].Kind)
}
