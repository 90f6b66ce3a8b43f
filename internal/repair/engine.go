// Package repair patches artifacts that failed validation. Strategies are
// selected by error kind, attempts are bounded per (module, correlationId),
// and every attempt is recorded so a reader of the validation report can
// audit exactly what was changed. Repairing an artifact with no findings is
// a no-op.
package repair

import (
	"fmt"
	"sort"
	"sync"

	"readerforge/internal/artifact"
	"readerforge/internal/gates"
	"readerforge/internal/logging"
	"readerforge/internal/metrics"
)

// ActionManualReview marks findings no strategy covers.
const ActionManualReview = "manual-review"

// maxAttemptsPerKind bounds how often one error kind is patched for the
// same (module, correlationId) before the engine gives up on it.
const maxAttemptsPerKind = 2

// Input is one repair request: the artifact plus the findings against it.
type Input struct {
	Module        string
	CorrelationID string
	Block         *artifact.ContentBlock
	Asset         *artifact.AssetSpec
	Doc           *artifact.ReaderDoc
	Issues        []gates.Issue
}

// Outcome reports what the engine did.
type Outcome struct {
	Changed bool
	Records []artifact.RepairRecord
	Actions []string // manual-review notes for kinds without a strategy
}

// strategy patches one error kind on an Input. It returns a human-readable
// patch description and whether anything changed.
type strategy func(in *Input, issues []gates.Issue) (patch string, changed bool)

// Engine applies repair strategies with bounded attempts.
type Engine struct {
	mu       sync.Mutex
	attempts map[string]map[string]int // (module|correlationId) -> kind -> count

	strategies map[string]strategy
	metrics    *metrics.Set
}

// NewEngine builds the engine with the standard strategy table.
func NewEngine(m *metrics.Set) *Engine {
	e := &Engine{
		attempts: make(map[string]map[string]int),
		metrics:  m,
	}
	e.strategies = map[string]strategy{
		gates.KindSchemaMissing:   repairSchemaDefaults,
		gates.KindLaTeXUnbalanced: repairLaTeXBalance,
		gates.KindLaTeXUnknown:    repairLaTeXCommands,
		gates.KindNumericParens:   repairNumericExpr,
		gates.KindNumericMismatch: repairNumericTolerance,
		gates.KindExprToken:       repairPlotExpression,
		gates.KindExprMalformed:   repairPlotExpression,
		gates.KindSMILESInvalid:   repairSMILES,
		gates.KindUnicode:         repairUnicode,
		gates.KindStyle:           repairStyle,
		gates.KindCrossRef:        repairCrossRefs,
	}
	return e
}

// Repair groups the findings by kind and applies one strategy per kind, in
// deterministic kind order. Kinds past their attempt budget and kinds with
// no strategy produce manual-review actions instead of patches.
func (e *Engine) Repair(in Input) Outcome {
	out := Outcome{}
	if len(in.Issues) == 0 {
		return out
	}

	byKind := map[string][]gates.Issue{}
	for _, iss := range in.Issues {
		byKind[iss.Kind] = append(byKind[iss.Kind], iss)
	}
	kinds := make([]string, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		strat, ok := e.strategies[kind]
		if !ok {
			out.Actions = append(out.Actions,
				fmt.Sprintf("%s: no repair strategy for kind %s", ActionManualReview, kind))
			e.metrics.RepairAttempts.WithLabelValues(kind, "unknown").Inc()
			continue
		}

		attempt := e.bumpAttempt(in.Module, in.CorrelationID, kind)
		if attempt > maxAttemptsPerKind {
			out.Actions = append(out.Actions,
				fmt.Sprintf("%s: kind %s exceeded %d attempts", ActionManualReview, kind, maxAttemptsPerKind))
			e.metrics.RepairAttempts.WithLabelValues(kind, "exhausted").Inc()
			continue
		}

		patch, changed := strat(&in, byKind[kind])
		record := artifact.RepairRecord{
			Kind:    kind,
			Attempt: attempt,
			Success: changed,
			Patch:   patch,
		}
		out.Records = append(out.Records, record)
		if changed {
			out.Changed = true
			e.metrics.RepairAttempts.WithLabelValues(kind, "applied").Inc()
			logging.Get(logging.CategoryRepair).Debug("%s attempt %d on %s/%s: %s",
				kind, attempt, in.Module, in.CorrelationID, patch)
		} else {
			e.metrics.RepairAttempts.WithLabelValues(kind, "noop").Inc()
		}
	}
	return out
}

// Reset clears the attempt counters for one (module, correlationId), for
// when a fresh sub-block generation starts over.
func (e *Engine) Reset(module, correlationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.attempts, module+"|"+correlationID)
}

func (e *Engine) bumpAttempt(module, correlationID, kind string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := module + "|" + correlationID
	if e.attempts[key] == nil {
		e.attempts[key] = make(map[string]int)
	}
	e.attempts[key][kind]++
	return e.attempts[key][kind]
}
