package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"readerforge/internal/artifact"
	"readerforge/internal/gates"
	"readerforge/internal/llm"
	"readerforge/internal/logging"
)

// maxReferenceChars bounds how much reference-document text rides along in
// the plan prompt.
const maxReferenceChars = 6000

// Planner is the M1 stage: authoring request to beat plan.
type Planner struct {
	deps Deps
}

// NewPlanner builds the stage.
func NewPlanner(deps Deps) *Planner { return &Planner{deps: deps} }

// Run generates and gates the chapter plan.
func (p *Planner) Run(ctx context.Context, req artifact.Request) (artifact.Plan, artifact.ValidationReport, error) {
	start := time.Now()
	defer func() {
		p.deps.Metrics.StageDuration.WithLabelValues("plan").Observe(time.Since(start).Seconds())
	}()

	tmpl, err := p.deps.Prompts.Get("plan")
	if err != nil {
		return artifact.Plan{}, artifact.ValidationReport{}, fmt.Errorf("plan stage: %w", err)
	}
	text, err := tmpl.Render(map[string]string{
		"subject":    string(req.Subject),
		"chapter":    req.Chapter,
		"grade":      req.Grade,
		"difficulty": string(req.Difficulty),
	})
	if err != nil {
		return artifact.Plan{}, artifact.ValidationReport{}, fmt.Errorf("plan stage: %w", err)
	}
	text += p.referenceContext(req)

	result, err := p.deps.Gateway.Generate(ctx, text, llm.Options{
		Schema:        tmpl.SchemaHint,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return artifact.Plan{}, artifact.ValidationReport{}, fmt.Errorf("plan stage: %w", err)
	}

	var plan artifact.Plan
	if err := json.Unmarshal([]byte(llm.StripFences(result.Text)), &plan); err != nil {
		return artifact.Plan{}, artifact.ValidationReport{}, fmt.Errorf("plan stage: undecodable plan reply: %w", err)
	}
	// The model owns the beats; the request owns the metadata.
	plan.Subject = req.Subject
	plan.Grade = req.Grade
	plan.Difficulty = req.Difficulty
	if plan.Title == "" {
		plan.Title = req.Chapter
	}

	report, issues := p.deps.Gates.Run(gates.ArtifactPlan, &plan)
	if len(issues) > 0 {
		return artifact.Plan{}, report, fmt.Errorf("plan stage: plan failed validation: %s", joinIssues(issues))
	}

	logging.Pipeline("plan ready for %s/%s: %d beats (correlation %s)",
		req.Subject, req.Chapter, len(plan.Beats), req.CorrelationID)
	return plan, report, nil
}

// referenceContext resolves and formats the optional reference document.
func (p *Planner) referenceContext(req artifact.Request) string {
	if p.deps.RefDocs == nil {
		return ""
	}
	doc, err := p.deps.RefDocs.Resolve(string(req.Subject), req.Chapter)
	if err != nil {
		logging.Pipeline("reference lookup failed for %s/%s: %v", req.Subject, req.Chapter, err)
		return ""
	}
	if doc == nil {
		return ""
	}
	content := doc.Content
	if len(content) > maxReferenceChars {
		content = content[:maxReferenceChars]
	}
	return "\n\nReference material for this chapter:\n" + strings.TrimSpace(content)
}
