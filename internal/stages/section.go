package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"readerforge/internal/artifact"
	"readerforge/internal/gates"
	"readerforge/internal/llm"
	"readerforge/internal/logging"
	"readerforge/internal/repair"
	"readerforge/internal/retry"
)

// SectionResult is the M3 output for one section: the document, the updated
// running state for the next section, and any asset specs the section minted.
type SectionResult struct {
	Doc   artifact.SectionDoc
	State artifact.RunningState
	Specs []artifact.AssetSpec
}

// SectionGenerator is the M3 stage. Every sub-block (prose lead-in, then the
// asset itself) is generated, gated, repaired when repairable, and retried
// with validation feedback folded back into the prompt.
type SectionGenerator struct {
	deps  Deps
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSectionGenerator builds the stage.
func NewSectionGenerator(deps Deps) *SectionGenerator {
	return &SectionGenerator{deps: deps, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run generates one section from its scaffold context.
func (g *SectionGenerator) Run(ctx context.Context, sctx artifact.SectionContext, correlationID string) (SectionResult, error) {
	start := time.Now()
	defer func() {
		g.deps.Metrics.StageDuration.WithLabelValues("section").Observe(time.Since(start).Seconds())
	}()

	res := SectionResult{
		Doc: artifact.SectionDoc{
			SectionID: sctx.Section.ID,
			Title:     sctx.Section.Title,
		},
		State: sctx.State,
	}

	markers := sctx.Section.AssetMarkers
	if len(markers) == 0 {
		// A section with no assets is one prose pass over its concepts.
		markers = []string{""}
	}

	for _, marker := range markers {
		prose, err := g.proseSubBlock(ctx, sctx, marker, correlationID, &res.Doc)
		if err != nil {
			return SectionResult{}, err
		}
		res.Doc.Blocks = append(res.Doc.Blocks, prose)

		if marker == "" {
			continue
		}
		block, spec, err := g.assetSubBlock(ctx, sctx, marker, prose.Markdown, correlationID, &res.Doc)
		if err != nil {
			return SectionResult{}, err
		}
		res.Doc.Blocks = append(res.Doc.Blocks, block)
		if spec != nil {
			res.Specs = append(res.Specs, *spec)
			res.State.UsedAssets = append(res.State.UsedAssets, spec.Name())
		}
	}

	if err := g.updateRunningState(ctx, sctx, correlationID, &res); err != nil {
		return SectionResult{}, err
	}
	res.Doc.State = res.State

	logging.Pipeline("section %s ready: %d blocks (correlation %s)",
		sctx.Section.ID, len(res.Doc.Blocks), correlationID)
	return res, nil
}

// proseSubBlock generates the prose leading into marker.
func (g *SectionGenerator) proseSubBlock(ctx context.Context, sctx artifact.SectionContext, marker, correlationID string, doc *artifact.SectionDoc) (artifact.ContentBlock, error) {
	tmpl, err := g.deps.Prompts.Get("section-prose")
	if err != nil {
		return artifact.ContentBlock{}, fmt.Errorf("section %s: %w", sctx.Section.ID, err)
	}
	markerText := marker
	if markerText == "" {
		markerText = "next section"
	}
	base, err := tmpl.Render(map[string]string{
		"subject":      string(sctx.Plan.Subject),
		"grade":        sctx.Plan.Grade,
		"difficulty":   string(sctx.Plan.Difficulty),
		"sectionTitle": sctx.Section.Title,
		"concepts":     strings.Join(sctx.Section.ConceptSequence, ", "),
		"recap":        sctx.State.Recap,
		"marker":       markerText,
	})
	if err != nil {
		return artifact.ContentBlock{}, fmt.Errorf("section %s: %w", sctx.Section.ID, err)
	}

	var block artifact.ContentBlock
	err = g.withAttempts(ctx, sctx.Section.ID+"/prose", func(feedback string) ([]gates.Issue, error) {
		result, err := g.deps.Gateway.Generate(ctx, withFeedback(base, feedback), llm.Options{
			Schema:        tmpl.SchemaHint,
			CorrelationID: correlationID,
		})
		if err != nil {
			return nil, err
		}
		text := llm.ExtractText(result.Text)
		block = artifact.ContentBlock{
			Kind:      artifact.BlockProse,
			Markdown:  text,
			WordCount: len(strings.Fields(text)),
		}
		return g.gateAndRepair(gates.ArtifactBlock, &block, nil, sctx.Section.ID, correlationID, doc), nil
	})
	if err != nil {
		return artifact.ContentBlock{}, err
	}
	return block, nil
}

// assetSubBlock generates the block (and spec, for compiled kinds) behind one
// placement marker.
func (g *SectionGenerator) assetSubBlock(ctx context.Context, sctx artifact.SectionContext, marker, narrative, correlationID string, doc *artifact.SectionDoc) (artifact.ContentBlock, *artifact.AssetSpec, error) {
	kind, name, err := parseMarker(marker)
	if err != nil {
		return artifact.ContentBlock{}, nil, fmt.Errorf("section %s: %w", sctx.Section.ID, err)
	}
	if kind == "widget" {
		// Widgets are placed by reference only; their specs are authored
		// outside the pipeline.
		return artifact.ContentBlock{Kind: artifact.BlockWidget, SpecRef: name}, nil, nil
	}

	tmpl, err := g.deps.Prompts.Get("section-asset")
	if err != nil {
		return artifact.ContentBlock{}, nil, fmt.Errorf("section %s: %w", sctx.Section.ID, err)
	}
	narrative = tail(narrative, 1200)
	base, err := tmpl.Render(map[string]string{
		"subject": string(sctx.Plan.Subject),
		"grade":   sctx.Plan.Grade,
		"marker":  marker,
		"context": narrative,
	})
	if err != nil {
		return artifact.ContentBlock{}, nil, fmt.Errorf("section %s: %w", sctx.Section.ID, err)
	}

	var block artifact.ContentBlock
	var spec *artifact.AssetSpec
	err = g.withAttempts(ctx, sctx.Section.ID+"/"+marker, func(feedback string) ([]gates.Issue, error) {
		result, err := g.deps.Gateway.Generate(ctx, withFeedback(base, feedback), llm.Options{
			Schema:        tmpl.SchemaHint,
			CorrelationID: correlationID,
		})
		if err != nil {
			return nil, err
		}
		payload := llm.StripFences(result.Text)

		switch kind {
		case "eq":
			var eq struct {
				TeX   string                 `json:"tex"`
				Check *artifact.NumericCheck `json:"check"`
			}
			if err := json.Unmarshal([]byte(payload), &eq); err != nil {
				return []gates.Issue{{Kind: gates.KindSchemaInvalid, Message: err.Error()}}, nil
			}
			block = artifact.ContentBlock{Kind: artifact.BlockEquation, TeX: eq.TeX, Check: eq.Check}
			spec = nil
			return g.gateAndRepair(gates.ArtifactBlock, &block, nil, sctx.Section.ID, correlationID, doc), nil

		case "chem":
			var chem artifact.ChemSpec
			if err := json.Unmarshal([]byte(payload), &chem); err != nil {
				return []gates.Issue{{Kind: gates.KindSchemaInvalid, Message: err.Error()}}, nil
			}
			// The plan marker names the asset; a model-supplied name is
			// never trusted to become a file name.
			chem.Name = name
			block = artifact.ContentBlock{Kind: artifact.BlockChemistry, SMILES: chem.SMILES, Caption: chem.Caption}
			spec = &artifact.AssetSpec{Kind: artifact.AssetChem, Chem: &chem}
			issues := g.gateAndRepair(gates.ArtifactBlock, &block, nil, sctx.Section.ID, correlationID, doc)
			chem.SMILES = block.SMILES // repairs land on the block
			return issues, nil

		case "plot":
			var plot artifact.PlotSpec
			if err := json.Unmarshal([]byte(payload), &plot); err != nil {
				return []gates.Issue{{Kind: gates.KindSchemaInvalid, Message: err.Error()}}, nil
			}
			plot.Name = name
			spec = &artifact.AssetSpec{Kind: artifact.AssetPlot, Plot: &plot}
			block = artifact.ContentBlock{Kind: artifact.BlockPlot, SpecRef: plot.Name}
			return g.gateAndRepair(gates.ArtifactAsset, nil, spec, sctx.Section.ID, correlationID, doc), nil

		case "diagram":
			var diagram artifact.DiagramSpec
			if err := json.Unmarshal([]byte(payload), &diagram); err != nil {
				return []gates.Issue{{Kind: gates.KindSchemaInvalid, Message: err.Error()}}, nil
			}
			diagram.Name = name
			spec = &artifact.AssetSpec{Kind: artifact.AssetDiagram, Diagram: &diagram}
			block = artifact.ContentBlock{Kind: artifact.BlockDiagram, SpecRef: diagram.Name}
			return g.gateAndRepair(gates.ArtifactAsset, nil, spec, sctx.Section.ID, correlationID, doc), nil

		default:
			return nil, fmt.Errorf("unknown asset kind %q in marker %q", kind, marker)
		}
	})
	if err != nil {
		return artifact.ContentBlock{}, nil, err
	}
	return block, spec, nil
}

// gateAndRepair runs the declared gate set, invokes the repair engine on
// failures (bounded by config), and re-validates after each repair. The
// section document's report accumulates every gate run and repair record.
func (g *SectionGenerator) gateAndRepair(artifactKind string, block *artifact.ContentBlock, spec *artifact.AssetSpec, sectionID, correlationID string, doc *artifact.SectionDoc) []gates.Issue {
	var input interface{}
	if block != nil {
		input = block
	} else {
		input = spec
	}

	report, issues := g.deps.Gates.Run(artifactKind, input)
	doc.Report.Gates = append(doc.Report.Gates, report.Gates...)
	doc.Report.Warnings = append(doc.Report.Warnings, report.Warnings...)

	for invocation := 0; invocation < g.deps.Section.RepairInvocations && len(issues) > 0; invocation++ {
		out := g.deps.Repair.Repair(repair.Input{
			Module:        sectionID,
			CorrelationID: correlationID,
			Block:         block,
			Asset:         spec,
			Issues:        issues,
		})
		doc.Report.Repairs = append(doc.Report.Repairs, out.Records...)
		if !out.Changed {
			break
		}
		report, issues = g.deps.Gates.Run(artifactKind, input)
		doc.Report.Gates = append(doc.Report.Gates, report.Gates...)
		doc.Report.Warnings = append(doc.Report.Warnings, report.Warnings...)
	}
	return issues
}

// withAttempts drives one sub-block to a clean gate run, feeding validation
// findings back into the next prompt so retries are not byte-identical (and
// therefore not served from the generation cache).
func (g *SectionGenerator) withAttempts(ctx context.Context, label string, attempt func(feedback string) ([]gates.Issue, error)) error {
	policy := g.deps.Retry.Phases[retry.PhaseContentGeneration]
	attempts := g.deps.Section.SubBlockAttempts
	feedback := ""

	var lastErr error
	for n := 1; n <= attempts; n++ {
		issues, err := attempt(feedback)
		if err == nil && len(issues) == 0 {
			return nil
		}
		if err != nil {
			lastErr = err
			logging.Pipeline("sub-block %s attempt %d/%d errored: %v", label, n, attempts, err)
		} else {
			lastErr = fmt.Errorf("validation failed: %s", joinIssues(issues))
			feedback = joinIssues(issues)
			logging.Pipeline("sub-block %s attempt %d/%d failed gates: %s", label, n, attempts, feedback)
		}
		if n == attempts {
			break
		}
		if err := g.sleep(ctx, backoffDelay(policy.InitialDelayMs, policy.BackoffMultiplier, policy.MaxDelayMs, n)); err != nil {
			return err
		}
	}
	return fmt.Errorf("sub-block %s failed after %d attempts: %w", label, attempts, lastErr)
}

// tail returns at most max trailing bytes of s without splitting a rune.
func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

func backoffDelay(initialMs int, multiplier float64, maxMs, attempt int) time.Duration {
	delay := float64(initialMs)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
	}
	if maxMs > 0 && delay > float64(maxMs) {
		delay = float64(maxMs)
	}
	return time.Duration(delay) * time.Millisecond
}

func withFeedback(base, feedback string) string {
	if feedback == "" {
		return base
	}
	return base + "\n\nYour previous reply failed validation:\n" + feedback + "\nFix these problems and reply again."
}

// updateRunningState asks the model for a fresh bounded recap and carries
// the section's terms forward.
func (g *SectionGenerator) updateRunningState(ctx context.Context, sctx artifact.SectionContext, correlationID string, res *SectionResult) error {
	tmpl, err := g.deps.Prompts.Get("section-recap")
	if err != nil {
		return fmt.Errorf("section %s: %w", sctx.Section.ID, err)
	}
	text, err := tmpl.Render(map[string]string{
		"previousRecap":  sctx.State.Recap,
		"sectionSummary": sctx.Section.Title + ": " + strings.Join(sctx.Section.ConceptSequence, ", "),
		"wordLimit":      strconv.Itoa(g.deps.Section.RecapWordLimit),
	})
	if err != nil {
		return fmt.Errorf("section %s: %w", sctx.Section.ID, err)
	}
	result, err := g.deps.Gateway.Generate(ctx, text, llm.Options{CorrelationID: correlationID})
	if err != nil {
		return fmt.Errorf("section %s recap: %w", sctx.Section.ID, err)
	}

	recap := llm.ExtractText(result.Text)
	if words := strings.Fields(recap); len(words) > g.deps.Section.RecapWordLimit {
		recap = strings.Join(words[:g.deps.Section.RecapWordLimit], " ")
	}
	res.State.Recap = recap
	res.State.Terms = mergeTerms(res.State.Terms, sctx.Section.ConceptSequence)
	return nil
}

func mergeTerms(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[t] = true
	}
	for _, t := range added {
		if !seen[t] {
			existing = append(existing, t)
			seen[t] = true
		}
	}
	return existing
}
