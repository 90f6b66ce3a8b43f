package artifact

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealAndVerify(t *testing.T) {
	plan := Plan{
		Title:      "Laws of Motion",
		Subject:    SubjectPhysics,
		Grade:      "Class XI",
		Difficulty: DifficultyComfort,
		Beats: []Beat{
			{ID: "b1", Headline: "Inertia", LearningOutcomes: []string{"state Newton's first law"}},
		},
	}

	env, err := Seal(StagePlan, CurrentVersion, "corr-1", plan)
	require.NoError(t, err)
	assert.Equal(t, StagePlan, env.Producer)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, env.ContentHash)
	assert.Equal(t, CurrentVersion, env.CompatibleVersions[0])
	require.NoError(t, env.Verify())

	// Mutating the payload after sealing must be detected.
	env.Payload.Title = "Tampered"
	err = env.Verify()
	require.Error(t, err)
	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "E-ENVELOPE-INTEGRITY", pe.Code)
}

func TestSealDeterministicHash(t *testing.T) {
	plan := Plan{Title: "T", Subject: SubjectChemistry, Grade: "X", Difficulty: DifficultyHustle,
		Beats: []Beat{{ID: "b1", Headline: "h", LearningOutcomes: []string{"o"}}}}

	a, err := Seal(StagePlan, CurrentVersion, "c", plan)
	require.NoError(t, err)
	b, err := Seal(StagePlan, CurrentVersion, "c", plan)
	require.NoError(t, err)
	assert.Equal(t, a.ContentHash, b.ContentHash)
}

func TestCheckVersion(t *testing.T) {
	assert.NoError(t, CheckVersion(StageSection, "1.0.0"))

	err := CheckVersion(StageSection, "9.9.9")
	require.Error(t, err)
	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "E-M3-INPUT-INCOMPATIBLE", pe.Code)
}

func TestAssetTokenPattern(t *testing.T) {
	valid := []string{"eq:newton_second", "plot:velocity-time", "chem:ethanol", "widget:slider1", "diagram:fbd"}
	for _, tok := range valid {
		assert.True(t, AssetTokenPattern.MatchString(tok), tok)
	}
	invalid := []string{"image:x", "eq:Upper", "plot:", "eq:name with space", "eq-name"}
	for _, tok := range invalid {
		assert.False(t, AssetTokenPattern.MatchString(tok), tok)
	}
}

func TestBlockIDAndSlug(t *testing.T) {
	assert.Equal(t, "laws-of-motion", Slugify("Laws of Motion"))
	assert.Equal(t, "f-ma", Slugify("F = ma!"))
	assert.Equal(t, "s001", SectionID(0))
	assert.Equal(t, "s012", SectionID(11))
	assert.Equal(t, "laws-of-motion/s001/equation-02",
		BlockID("laws-of-motion", "s001", BlockEquation, 2))
}

func TestValidationReportValid(t *testing.T) {
	r := ValidationReport{Gates: []GateRecord{
		{Gate: "latex-parse", Passed: true},
		{Gate: "units", Skipped: true},
	}}
	assert.True(t, r.Valid())

	r.Gates = append(r.Gates, GateRecord{Gate: "numeric-check", Passed: false})
	assert.False(t, r.Valid())
}

func TestAssetSpecName(t *testing.T) {
	spec := AssetSpec{Kind: AssetPlot, Plot: &PlotSpec{Name: "velocity", Expression: "2*t"}}
	assert.Equal(t, "velocity", spec.Name())

	h1, err := spec.ContentHash()
	require.NoError(t, err)
	h2, err := spec.ContentHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestRequestResourceID(t *testing.T) {
	r := Request{Subject: SubjectPhysics, Chapter: "Laws of Motion"}
	assert.Equal(t, "physics-laws-of-motion", r.ResourceID())
}

func TestAsPipelineErrorWrapsUnknown(t *testing.T) {
	pe := AsPipelineError(errors.New("boom"), "M2", "corr-2")
	assert.Equal(t, "E-M2-INTERNAL", pe.Code)
	assert.Equal(t, "corr-2", pe.CorrelationID)
	assert.ErrorContains(t, pe, "boom")
}
