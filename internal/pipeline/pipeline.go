// Package pipeline drives one authoring request through the stage machine:
// ACCEPTED, PLANNING, SCAFFOLDING, SECTIONS, ASSEMBLING, PUBLISHING, then
// COMPLETED or FAILED. Transitions are strictly forward and the terminal
// stages absorb; a run never moves backwards and never resumes after
// terminating.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"readerforge/internal/artifact"
	"readerforge/internal/assets"
	"readerforge/internal/config"
	"readerforge/internal/logging"
	"readerforge/internal/metrics"
	"readerforge/internal/publish"
	"readerforge/internal/stages"
)

// Stage is one state of the pipeline machine.
type Stage string

const (
	StageAccepted    Stage = "ACCEPTED"
	StagePlanning    Stage = "PLANNING"
	StageScaffolding Stage = "SCAFFOLDING"
	StageSections    Stage = "SECTIONS"
	StageAssembling  Stage = "ASSEMBLING"
	StagePublishing  Stage = "PUBLISHING"
	StageCompleted   Stage = "COMPLETED"
	StageFailed      Stage = "FAILED"
)

// forward is the only legal successor map. Terminal stages have none.
var forward = map[Stage]map[Stage]bool{
	StageAccepted:    {StagePlanning: true, StageFailed: true},
	StagePlanning:    {StageScaffolding: true, StageFailed: true},
	StageScaffolding: {StageSections: true, StageFailed: true},
	StageSections:    {StageAssembling: true, StageFailed: true},
	StageAssembling:  {StagePublishing: true, StageFailed: true},
	StagePublishing:  {StageCompleted: true, StageFailed: true},
}

// progressAt maps each stage to its progress floor.
var progressAt = map[Stage]int{
	StageAccepted:    0,
	StagePlanning:    10,
	StageScaffolding: 25,
	StageSections:    30,
	StageAssembling:  75,
	StagePublishing:  90,
	StageCompleted:   100,
	StageFailed:      100,
}

// Observer receives stage and progress updates. May be nil.
type Observer func(stage Stage, progress int)

// Outcome is a completed run's product.
type Outcome struct {
	Doc       artifact.ReaderDoc       `json:"doc"`
	Assets    map[string]assets.Result `json:"assets,omitempty"`
	Published []publish.Result         `json:"published,omitempty"`
	Reports   []artifact.SectionDoc    `json:"-"`
}

// Orchestrator executes pipeline runs.
type Orchestrator struct {
	cfg        config.PipelineConfig
	planner    *stages.Planner
	scaffolder *stages.Scaffolder
	sections   *stages.SectionGenerator
	assembler  *stages.Assembler
	compiler   *assets.Compiler
	outputDir  string
	metrics    *metrics.Set
}

// New wires the orchestrator over the four stage generators, the asset
// compiler, and the publication root.
func New(cfg config.PipelineConfig, deps stages.Deps, compiler *assets.Compiler, outputDir string, m *metrics.Set) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		planner:    stages.NewPlanner(deps),
		scaffolder: stages.NewScaffolder(deps),
		sections:   stages.NewSectionGenerator(deps),
		assembler:  stages.NewAssembler(deps),
		compiler:   compiler,
		outputDir:  outputDir,
		metrics:    m,
	}
}

// run tracks the machine state for one execution.
type run struct {
	stage    Stage
	observer Observer
}

// advance moves the machine forward or reports the illegal transition.
func (r *run) advance(next Stage) error {
	if !forward[r.stage][next] {
		return fmt.Errorf("illegal pipeline transition %s -> %s", r.stage, next)
	}
	r.stage = next
	if r.observer != nil {
		r.observer(next, progressAt[next])
	}
	return nil
}

// Execute runs one request to a terminal stage. A context cancellation
// aborts at the next transition and the run terminates FAILED. No partial
// output is published: publication is the last stage and is atomic per file.
func (o *Orchestrator) Execute(ctx context.Context, req artifact.Request, observe Observer) (Outcome, error) {
	r := &run{stage: StageAccepted, observer: observe}
	if observe != nil {
		observe(StageAccepted, progressAt[StageAccepted])
	}

	outcome, err := o.execute(ctx, req, r)
	if err != nil {
		failedIn := r.stage
		r.stage = StageFailed
		if observe != nil {
			observe(StageFailed, progressAt[StageFailed])
		}
		o.metrics.PipelineRuns.WithLabelValues("failed").Inc()
		logging.Pipeline("run failed for %s/%s in %s: %v", req.Subject, req.Chapter, failedIn, err)
		return Outcome{}, err
	}
	o.metrics.PipelineRuns.WithLabelValues("completed").Inc()
	return outcome, nil
}

func (o *Orchestrator) execute(ctx context.Context, req artifact.Request, r *run) (Outcome, error) {
	stageCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, o.cfg.StageTimeoutDuration())
	}
	checkpoint := func(next Stage) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run canceled before %s: %w", next, err)
		}
		return r.advance(next)
	}

	// PLANNING
	if err := checkpoint(StagePlanning); err != nil {
		return Outcome{}, err
	}
	planCtx, cancel := stageCtx()
	plan, _, err := o.planner.Run(planCtx, req)
	cancel()
	if err != nil {
		return Outcome{}, err
	}
	sealedPlan, err := artifact.Seal(artifact.StagePlan, artifact.CurrentVersion, req.CorrelationID, plan)
	if err != nil {
		return Outcome{}, err
	}

	// SCAFFOLDING
	if err := checkpoint(StageScaffolding); err != nil {
		return Outcome{}, err
	}
	if err := artifact.CheckVersion(artifact.StageScaffold, sealedPlan.Version); err != nil {
		return Outcome{}, err
	}
	if err := sealedPlan.Verify(); err != nil {
		return Outcome{}, err
	}
	scaffold, _, err := o.scaffolder.Run(sealedPlan.Payload)
	if err != nil {
		return Outcome{}, err
	}

	// SECTIONS
	if err := checkpoint(StageSections); err != nil {
		return Outcome{}, err
	}
	results, err := o.runSections(ctx, plan, scaffold, req.CorrelationID, r)
	if err != nil {
		return Outcome{}, err
	}

	// ASSEMBLING
	if err := checkpoint(StageAssembling); err != nil {
		return Outcome{}, err
	}
	docs := make([]artifact.SectionDoc, len(results))
	var specs []artifact.AssetSpec
	for i, res := range results {
		docs[i] = res.Doc
		specs = append(specs, res.Specs...)
	}
	doc, err := o.assembler.Run(plan, scaffold, docs, req.CorrelationID)
	if err != nil {
		return Outcome{}, err
	}

	// PUBLISHING
	if err := checkpoint(StagePublishing); err != nil {
		return Outcome{}, err
	}
	outcome := Outcome{Doc: doc, Reports: docs}
	if err := o.publishRun(ctx, &outcome, specs, req.CorrelationID); err != nil {
		return Outcome{}, err
	}

	if err := checkpoint(StageCompleted); err != nil {
		return Outcome{}, err
	}
	logging.Pipeline("run completed for %s/%s: %d sections, %d blocks, %d assets (correlation %s)",
		req.Subject, req.Chapter, len(doc.SectionIDs), len(doc.Blocks), len(outcome.Assets), req.CorrelationID)
	return outcome, nil
}

// runSections fans the scaffold's sections out over a bounded worker pool
// and fans the results back in by scaffold position, so the output order
// never depends on completion order. The first failure cancels the rest.
func (o *Orchestrator) runSections(ctx context.Context, plan artifact.Plan, scaffold artifact.Scaffold, correlationID string, r *run) ([]stages.SectionResult, error) {
	total := len(scaffold.Sections)
	results := make([]stages.SectionResult, total)
	sem := semaphore.NewWeighted(int64(o.cfg.SectionWorkers))

	group, groupCtx := errgroup.WithContext(ctx)
	start := time.Now()
	var done atomic.Int64

	for i := range scaffold.Sections {
		i := i
		group.Go(func() error {
			if err := sem.Acquire(groupCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			sctx := artifact.SectionContext{
				Section: scaffold.Sections[i],
				Index:   i,
				Total:   total,
				Plan:    plan,
				// Sections generate concurrently, so the recap each one
				// sees is derived from the scaffold, not from sibling
				// output. Determinism beats richer context here.
				State: scaffoldState(scaffold, i),
			}
			res, err := o.sections.Run(groupCtx, sctx, correlationID)
			if err != nil {
				return err
			}
			results[i] = res

			if r.observer != nil {
				// 30..70 proportional to completed sections.
				n := int(done.Add(1))
				r.observer(StageSections, 30+40*n/total)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	logging.Pipeline("sections done: %d in %s (workers=%d)", total, time.Since(start).Round(time.Millisecond), o.cfg.SectionWorkers)
	return results, nil
}

// scaffoldState builds the deterministic running state a section starts
// from: what the scaffold says came before it.
func scaffoldState(scaffold artifact.Scaffold, index int) artifact.RunningState {
	state := artifact.RunningState{}
	for _, prior := range scaffold.Sections[:index] {
		state.Terms = append(state.Terms, prior.ConceptSequence...)
	}
	if index > 0 {
		prev := scaffold.Sections[index-1]
		state.Recap = fmt.Sprintf("The reader has worked through %q covering: %s.",
			prev.Title, joinStrings(prev.ConceptSequence))
	}
	return state
}

// publishRun compiles every asset spec and writes the run's artifacts under
// the output root: the sealed document at chapters/<promptId>.json and each
// SVG at assets/<identifier>.svg. The publisher refuses any path that would
// resolve outside the root.
func (o *Orchestrator) publishRun(ctx context.Context, outcome *Outcome, specs []artifact.AssetSpec, correlationID string) error {
	opts := publish.Options{Fsync: true, Verify: true, Root: o.outputDir}

	// Deterministic compile order.
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name() < specs[j].Name() })

	outcome.Assets = make(map[string]assets.Result, len(specs))
	for _, spec := range specs {
		res, err := o.compiler.Compile(ctx, spec, correlationID)
		if err != nil {
			return fmt.Errorf("publishing: %w", err)
		}
		outcome.Assets[spec.Name()] = res

		pub, err := publish.Write(
			filepath.Join(o.outputDir, "assets", spec.Name()+".svg"),
			correlationID, []byte(res.SVG), opts)
		if err != nil {
			return fmt.Errorf("publishing asset %s: %w", spec.Name(), err)
		}
		outcome.Published = append(outcome.Published, pub)
	}

	sealed, err := artifact.Seal(artifact.StageAssemble, artifact.CurrentVersion, correlationID, outcome.Doc)
	if err != nil {
		return fmt.Errorf("publishing: %w", err)
	}
	data, err := json.MarshalIndent(sealed, "", "  ")
	if err != nil {
		return fmt.Errorf("publishing: encode document: %w", err)
	}
	pub, err := publish.Write(filepath.Join(o.outputDir, "chapters", correlationID+".json"),
		correlationID, data, opts)
	if err != nil {
		return fmt.Errorf("publishing document: %w", err)
	}
	outcome.Published = append(outcome.Published, pub)
	return nil
}

func joinStrings(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
