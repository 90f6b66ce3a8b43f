package stages

import (
	"fmt"
	"time"

	"readerforge/internal/artifact"
	"readerforge/internal/gates"
	"readerforge/internal/logging"
)

// beatsPerSection maps difficulty to section grouping size. Advanced readers
// get tighter sections so each one lands a single hard idea.
var beatsPerSection = map[artifact.Difficulty]int{
	artifact.DifficultyComfort:  3,
	artifact.DifficultyHustle:   3,
	artifact.DifficultyAdvanced: 2,
}

// Scaffolder is the M2 stage: beat plan to section scaffold. It is fully
// deterministic; the same plan always yields the same scaffold.
type Scaffolder struct {
	deps Deps
}

// NewScaffolder builds the stage.
func NewScaffolder(deps Deps) *Scaffolder { return &Scaffolder{deps: deps} }

// Run groups the plan's beats into ordered sections.
func (s *Scaffolder) Run(plan artifact.Plan) (artifact.Scaffold, artifact.ValidationReport, error) {
	start := time.Now()
	defer func() {
		s.deps.Metrics.StageDuration.WithLabelValues("scaffold").Observe(time.Since(start).Seconds())
	}()

	groupSize := beatsPerSection[plan.Difficulty]
	if groupSize == 0 {
		groupSize = 3
	}

	scaffold := artifact.Scaffold{
		ChapterTitle: plan.Title,
		ChapterSlug:  artifact.Slugify(plan.Title),
	}

	for offset := 0; offset < len(plan.Beats); offset += groupSize {
		end := offset + groupSize
		if end > len(plan.Beats) {
			end = len(plan.Beats)
		}
		group := plan.Beats[offset:end]
		index := len(scaffold.Sections)

		section := artifact.Section{
			ID:    artifact.SectionID(index),
			Title: group[0].Headline,
		}
		for _, beat := range group {
			section.BeatIDs = append(section.BeatIDs, beat.ID)
			section.ConceptSequence = append(section.ConceptSequence, beat.LearningOutcomes...)
			for _, token := range beat.AssetTokens {
				section.AssetMarkers = append(section.AssetMarkers, Marker(token))
			}
		}
		if index > 0 {
			section.EntryTransition = fmt.Sprintf("Building on %q.", plan.Beats[offset-1].Headline)
		}
		if end < len(plan.Beats) {
			section.ExitTransition = fmt.Sprintf("Next up: %s.", plan.Beats[end].Headline)
		}
		scaffold.Sections = append(scaffold.Sections, section)
	}

	report, issues := s.deps.Gates.Run(gates.ArtifactScaffold, &scaffold)
	if len(issues) > 0 {
		return artifact.Scaffold{}, report, fmt.Errorf("scaffold stage: failed validation: %s", joinIssues(issues))
	}

	logging.Pipeline("scaffold ready for %q: %d beats into %d sections",
		plan.Title, len(plan.Beats), len(scaffold.Sections))
	return scaffold, report, nil
}
