package gates

import (
	"readerforge/internal/artifact"
)

// BeatGraphGate checks a Plan's beat structure: prereq references resolve to
// strictly preceding beats, the induced graph is acyclic, and asset tokens
// match the token grammar.
type BeatGraphGate struct{}

// NewBeatGraphGate builds the gate.
func NewBeatGraphGate() *BeatGraphGate { return &BeatGraphGate{} }

func (g *BeatGraphGate) ID() string { return "beat-graph" }

func (g *BeatGraphGate) Validate(input interface{}) Result {
	var plan *artifact.Plan
	switch v := input.(type) {
	case artifact.Plan:
		plan = &v
	case *artifact.Plan:
		plan = v
	default:
		return skip("beat-graph gate: input is not a plan")
	}

	var issues []Issue

	position := make(map[string]int, len(plan.Beats))
	for i, beat := range plan.Beats {
		if prev, dup := position[beat.ID]; dup {
			issues = append(issues, issue(KindSchemaInvalid,
				"beat id %q duplicated at positions %d and %d", beat.ID, prev, i))
			continue
		}
		position[beat.ID] = i
	}

	for i, beat := range plan.Beats {
		for _, prereq := range beat.Prereqs {
			j, ok := position[prereq]
			if !ok {
				issues = append(issues, issue(KindSchemaInvalid,
					"beat %q prereq %q does not resolve", beat.ID, prereq))
				continue
			}
			if j >= i {
				issues = append(issues, issue(KindSchemaInvalid,
					"beat %q prereq %q must precede it", beat.ID, prereq))
			}
		}
		for _, token := range beat.AssetTokens {
			if !artifact.AssetTokenPattern.MatchString(token) {
				issues = append(issues, issue(KindSchemaInvalid,
					"beat %q asset token %q is malformed", beat.ID, token))
			}
		}
	}

	if cycle := findCycle(plan.Beats, position); cycle != "" {
		issues = append(issues, issue(KindSchemaInvalid, "prereq graph has a cycle through beat %q", cycle))
	}

	if len(issues) > 0 {
		return fail(issues...)
	}
	return pass()
}

// findCycle runs a three-color DFS over the prereq graph and returns a beat
// id on a cycle, or "".
func findCycle(beats []artifact.Beat, position map[string]int) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(beats))

	var visit func(i int) string
	visit = func(i int) string {
		color[i] = gray
		for _, prereq := range beats[i].Prereqs {
			j, ok := position[prereq]
			if !ok {
				continue
			}
			switch color[j] {
			case gray:
				return beats[j].ID
			case white:
				if hit := visit(j); hit != "" {
					return hit
				}
			}
		}
		color[i] = black
		return ""
	}

	for i := range beats {
		if color[i] == white {
			if hit := visit(i); hit != "" {
				return hit
			}
		}
	}
	return ""
}
