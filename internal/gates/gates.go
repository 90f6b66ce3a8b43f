// Package gates holds the validation gates: pure, independently runnable
// checks over pipeline artifacts. A registry maps artifact kinds to gate
// sets; the runner collects every failure in one pass and reports skipped
// gates explicitly, never silently.
package gates

import (
	"fmt"
	"sort"

	"readerforge/internal/artifact"
	"readerforge/internal/logging"
	"readerforge/internal/metrics"
)

// Error kinds drive repair strategy selection.
const (
	KindSchemaMissing    = "schema-missing-field"
	KindSchemaInvalid    = "schema-invalid"
	KindLaTeXUnbalanced  = "latex-unbalanced"
	KindLaTeXUnknown     = "latex-unknown-command"
	KindNumericParens    = "numeric-parens"
	KindNumericMismatch  = "numeric-mismatch"
	KindNumericForbidden = "numeric-forbidden-token"
	KindExprToken        = "expr-disallowed-token"
	KindExprComplexity   = "expr-complexity"
	KindExprMalformed    = "expr-malformed"
	KindSMILESInvalid    = "smiles-invalid"
	KindDiagramTopology  = "diagram-topology"
	KindCrossRef         = "crossref-collision"
	KindUnicode          = "unicode-dangerous"
	KindUnits            = "units-mismatch"
	KindStyle            = "style-violation"
)

// Issue is one gate finding, typed by kind so the repair engine can pick a
// strategy.
type Issue struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (i Issue) String() string { return fmt.Sprintf("[%s] %s", i.Kind, i.Message) }

// Result is the outcome of one gate run.
type Result struct {
	Valid    bool                   `json:"valid"`
	Skipped  bool                   `json:"skipped,omitempty"`
	Errors   []Issue                `json:"errors,omitempty"`
	Warnings []string               `json:"warnings,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

func pass() Result { return Result{Valid: true} }
func skip(reason string) Result {
	return Result{Valid: true, Skipped: true, Warnings: []string{reason}}
}
func fail(issues ...Issue) Result { return Result{Valid: false, Errors: issues} }

// issue is shorthand for building a typed finding.
func issue(kind, format string, args ...interface{}) Issue {
	return Issue{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Gate is one validation check. Implementations are pure: no I/O, no
// mutation of the input. A gate handed an input type it does not understand
// reports skipped, not valid.
type Gate interface {
	ID() string
	Validate(input interface{}) Result
}

// Registry maps gate ids to implementations and artifact kinds to gate sets.
type Registry struct {
	gates   map[string]Gate
	byKind  map[string][]string
	metrics *metrics.Set
}

// Artifact kinds used for gate-set selection.
const (
	ArtifactPlan      = "plan"
	ArtifactScaffold  = "scaffold"
	ArtifactBlock     = "block"
	ArtifactAsset     = "asset"
	ArtifactReaderDoc = "readerdoc"
)

// NewRegistry builds the standard registry with every gate registered and
// the per-artifact gate sets wired. strictUnicode selects whether CRITICAL
// unicode findings fail or merely warn.
func NewRegistry(numericTrials int, strictUnicode bool, m *metrics.Set) *Registry {
	r := &Registry{
		gates:   make(map[string]Gate),
		byKind:  make(map[string][]string),
		metrics: m,
	}
	r.Register(NewSchemaGate())
	r.Register(NewBeatGraphGate())
	r.Register(NewLaTeXGate())
	r.Register(NewNumericGate(numericTrials))
	r.Register(NewExpressionGate())
	r.Register(NewSMILESGate())
	r.Register(NewDiagramGate())
	r.Register(NewCrossRefGate())
	r.Register(NewUnicodeGate(strictUnicode))
	r.Register(NewUnitsGate())
	r.Register(NewStyleGate())

	r.byKind[ArtifactPlan] = []string{"schema", "beat-graph"}
	r.byKind[ArtifactScaffold] = []string{"schema"}
	r.byKind[ArtifactBlock] = []string{
		"latex", "numeric", "expression", "smiles", "units", "style", "unicode",
	}
	r.byKind[ArtifactAsset] = []string{"schema", "expression", "smiles", "diagram"}
	r.byKind[ArtifactReaderDoc] = []string{"schema", "crossref"}
	return r
}

// Register adds or replaces a gate.
func (r *Registry) Register(g Gate) { r.gates[g.ID()] = g }

// Get returns a gate by id.
func (r *Registry) Get(id string) (Gate, bool) {
	g, ok := r.gates[id]
	return g, ok
}

// IDs lists registered gate ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.gates))
	for id := range r.gates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GateSet returns the gate ids declared for an artifact kind.
func (r *Registry) GateSet(artifactKind string) []string {
	return append([]string(nil), r.byKind[artifactKind]...)
}

// Run executes the declared gate set for an artifact kind over input and
// returns the aggregate report. Every declared gate appears in the report,
// run or skipped; all failures are collected in one pass.
func (r *Registry) Run(artifactKind string, input interface{}) (artifact.ValidationReport, []Issue) {
	report := artifact.ValidationReport{}
	var all []Issue
	for _, id := range r.byKind[artifactKind] {
		g, ok := r.gates[id]
		if !ok {
			report.Gates = append(report.Gates, artifact.GateRecord{
				Gate: id, Skipped: true, Warnings: []string{"gate not registered"},
			})
			r.metrics.GateSkips.WithLabelValues(id).Inc()
			continue
		}
		res := g.Validate(input)
		record := artifact.GateRecord{
			Gate:     id,
			Passed:   res.Valid,
			Skipped:  res.Skipped,
			Warnings: res.Warnings,
		}
		for _, iss := range res.Errors {
			record.Errors = append(record.Errors, iss.String())
		}
		report.Gates = append(report.Gates, record)
		report.Warnings = append(report.Warnings, res.Warnings...)
		all = append(all, res.Errors...)

		if res.Skipped {
			r.metrics.GateSkips.WithLabelValues(id).Inc()
		} else if !res.Valid {
			r.metrics.GateFailures.WithLabelValues(id).Inc()
			logging.GatesDebug("gate %s failed: %d errors", id, len(res.Errors))
		}
	}
	return report, all
}
