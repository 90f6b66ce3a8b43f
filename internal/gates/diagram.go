package gates

import (
	"math"

	"readerforge/internal/artifact"
)

// DiagramGate checks diagram specs: unique node ids, arrows referencing
// existing endpoints, declared required nodes present, and node positions
// on the grid.
type DiagramGate struct{}

// NewDiagramGate builds the gate.
func NewDiagramGate() *DiagramGate { return &DiagramGate{} }

func (g *DiagramGate) ID() string { return "diagram" }

func (g *DiagramGate) Validate(input interface{}) Result {
	spec, ok := diagramSpec(input)
	if !ok {
		return skip("diagram gate: input carries no diagram spec")
	}

	var issues []Issue

	nodes := make(map[string]artifact.DiagramNode, len(spec.Nodes))
	for _, node := range spec.Nodes {
		if _, dup := nodes[node.ID]; dup {
			issues = append(issues, issue(KindDiagramTopology, "node id %q duplicated", node.ID))
			continue
		}
		nodes[node.ID] = node
	}

	for i, arrow := range spec.Arrows {
		if _, ok := nodes[arrow.From]; !ok {
			issues = append(issues, issue(KindDiagramTopology, "arrow %d references unknown node %q", i, arrow.From))
		}
		if _, ok := nodes[arrow.To]; !ok {
			issues = append(issues, issue(KindDiagramTopology, "arrow %d references unknown node %q", i, arrow.To))
		}
		if arrow.From == arrow.To {
			issues = append(issues, issue(KindDiagramTopology, "arrow %d is a self-loop on %q", i, arrow.From))
		}
	}

	for _, required := range spec.Required {
		if _, ok := nodes[required]; !ok {
			issues = append(issues, issue(KindDiagramTopology, "required node %q missing", required))
		}
	}

	if spec.GridSize > 0 {
		grid := float64(spec.GridSize)
		for _, node := range spec.Nodes {
			if !onGrid(node.X, grid) || !onGrid(node.Y, grid) {
				issues = append(issues, issue(KindDiagramTopology,
					"node %q at (%g, %g) is off the %d-unit grid", node.ID, node.X, node.Y, spec.GridSize))
			}
		}
	}

	if len(issues) > 0 {
		return fail(issues...)
	}
	return pass()
}

func diagramSpec(input interface{}) (*artifact.DiagramSpec, bool) {
	switch v := input.(type) {
	case artifact.DiagramSpec:
		return &v, true
	case *artifact.DiagramSpec:
		return v, v != nil
	case artifact.AssetSpec:
		if v.Kind == artifact.AssetDiagram && v.Diagram != nil {
			return v.Diagram, true
		}
	case *artifact.AssetSpec:
		if v != nil && v.Kind == artifact.AssetDiagram && v.Diagram != nil {
			return v.Diagram, true
		}
	}
	return nil, false
}

func onGrid(coord, grid float64) bool {
	_, frac := math.Modf(math.Abs(coord) / grid)
	return frac < 1e-9 || frac > 1-1e-9
}
