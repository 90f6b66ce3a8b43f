package artifact

import "readerforge/internal/canon"

// AssetKind discriminates asset specs.
type AssetKind string

const (
	AssetPlot    AssetKind = "plot"
	AssetDiagram AssetKind = "diagram"
	AssetChem    AssetKind = "chem"
	AssetWidget  AssetKind = "widget"
	AssetEq      AssetKind = "eq"
)

// AxisRange bounds one plot axis.
type AxisRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// PlotStyle is the display sub-record of a plot spec.
type PlotStyle struct {
	LineColor string `json:"lineColor,omitempty"`
	LineWidth int    `json:"lineWidth,omitempty"`
	Grid      bool   `json:"grid"`
	Samples   int    `json:"samples,omitempty"`
}

// PlotSpec describes a sampled-expression plot with bounded axes.
type PlotSpec struct {
	Name       string    `json:"name" validate:"required"`
	Expression string    `json:"expression" validate:"required"`
	XRange     AxisRange `json:"xRange"`
	YRange     AxisRange `json:"yRange"`
	XLabel     string    `json:"xLabel,omitempty"`
	YLabel     string    `json:"yLabel,omitempty"`
	Style      PlotStyle `json:"style"`
}

// DiagramNode is a point on the fixed-grid canvas.
type DiagramNode struct {
	ID string  `json:"id" validate:"required"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// DiagramArrow connects two nodes by id.
type DiagramArrow struct {
	From  string `json:"from" validate:"required"`
	To    string `json:"to" validate:"required"`
	Label string `json:"label,omitempty"`
}

// DiagramLabel is free text anchored to a grid position.
type DiagramLabel struct {
	Text string  `json:"text" validate:"required"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// DiagramSpec describes nodes, arrows and labels on a fixed-grid canvas.
type DiagramSpec struct {
	Name     string         `json:"name" validate:"required"`
	GridSize int            `json:"gridSize" validate:"gt=0"`
	Nodes    []DiagramNode  `json:"nodes" validate:"required,min=1,dive"`
	Arrows   []DiagramArrow `json:"arrows" validate:"dive"`
	Labels   []DiagramLabel `json:"labels" validate:"dive"`
	Required []string       `json:"required,omitempty"`
}

// ChemSpec carries a SMILES string plus an optional caption.
type ChemSpec struct {
	Name    string `json:"name" validate:"required"`
	SMILES  string `json:"smiles" validate:"required"`
	Caption string `json:"caption,omitempty"`
}

// AssetSpec is the tagged union over asset kinds. Exactly one of the spec
// pointers matching Kind is set.
type AssetSpec struct {
	Kind    AssetKind    `json:"kind" validate:"required,oneof=plot diagram chem widget eq"`
	Plot    *PlotSpec    `json:"plot,omitempty"`
	Diagram *DiagramSpec `json:"diagram,omitempty"`
	Chem    *ChemSpec    `json:"chem,omitempty"`
}

// Name returns the identifier of the embedded spec.
func (a AssetSpec) Name() string {
	switch a.Kind {
	case AssetPlot:
		if a.Plot != nil {
			return a.Plot.Name
		}
	case AssetDiagram:
		if a.Diagram != nil {
			return a.Diagram.Name
		}
	case AssetChem:
		if a.Chem != nil {
			return a.Chem.Name
		}
	}
	return ""
}

// ContentHash returns the canonical hash of the spec.
func (a AssetSpec) ContentHash() (string, error) {
	return canon.Hash(a)
}
