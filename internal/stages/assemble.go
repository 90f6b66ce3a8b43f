package stages

import (
	"fmt"
	"time"

	"readerforge/internal/artifact"
	"readerforge/internal/gates"
	"readerforge/internal/logging"
	"readerforge/internal/repair"
)

// Assembler is the M4 stage: section documents to the final reader document.
// Concatenation order is the scaffold's section order regardless of how the
// sections were generated.
type Assembler struct {
	deps Deps
}

// NewAssembler builds the stage.
func NewAssembler(deps Deps) *Assembler { return &Assembler{deps: deps} }

// Run concatenates the section documents, assigns globally unique block ids,
// and gates the assembled document.
func (a *Assembler) Run(plan artifact.Plan, scaffold artifact.Scaffold, sections []artifact.SectionDoc, correlationID string) (artifact.ReaderDoc, error) {
	start := time.Now()
	defer func() {
		a.deps.Metrics.StageDuration.WithLabelValues("assemble").Observe(time.Since(start).Seconds())
	}()

	bySection := make(map[string]*artifact.SectionDoc, len(sections))
	for i := range sections {
		bySection[sections[i].SectionID] = &sections[i]
	}

	doc := artifact.ReaderDoc{
		Title:       plan.Title,
		ChapterSlug: scaffold.ChapterSlug,
		Subject:     plan.Subject,
		Grade:       plan.Grade,
		Difficulty:  plan.Difficulty,
	}

	for _, section := range scaffold.Sections {
		sd, ok := bySection[section.ID]
		if !ok {
			return artifact.ReaderDoc{}, fmt.Errorf("assemble stage: section %s missing", section.ID)
		}
		doc.SectionIDs = append(doc.SectionIDs, section.ID)

		ordinals := map[artifact.BlockKind]int{}
		for _, block := range sd.Blocks {
			ordinals[block.Kind]++
			block.ID = artifact.BlockID(scaffold.ChapterSlug, section.ID, block.Kind, ordinals[block.Kind])
			doc.Blocks = append(doc.Blocks, block)
		}
	}

	report, issues := a.deps.Gates.Run(gates.ArtifactReaderDoc, &doc)
	if len(issues) > 0 {
		out := a.deps.Repair.Repair(repair.Input{
			Module:        "assemble",
			CorrelationID: correlationID,
			Doc:           &doc,
			Issues:        issues,
		})
		report.Repairs = append(report.Repairs, out.Records...)
		if out.Changed {
			report2, remaining := a.deps.Gates.Run(gates.ArtifactReaderDoc, &doc)
			report.Gates = append(report.Gates, report2.Gates...)
			issues = remaining
		}
	}
	if len(issues) > 0 {
		return artifact.ReaderDoc{}, fmt.Errorf("assemble stage: document failed validation: %s", joinIssues(issues))
	}

	logging.Pipeline("assembled %q: %d sections, %d blocks (correlation %s)",
		doc.Title, len(doc.SectionIDs), len(doc.Blocks), correlationID)
	return doc, nil
}
