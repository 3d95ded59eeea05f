// Package stage defines the document lifecycle states and the allowed
// transitions between them.
package stage

type Stage string

const (
	Draft       Stage = "Draft"
	Uploaded    Stage = "Uploaded"
	PreApprove  Stage = "PreApprove"
	Execute     Stage = "Execute"
	PostApprove Stage = "PostApprove"
	Finalised   Stage = "Finalised"
	Closed      Stage = "Closed"
	Voided      Stage = "Voided"
)

var ordered = []Stage{Draft, Uploaded, PreApprove, Execute, PostApprove, Finalised, Closed}

// Parse normalizes a raw stage string. Unknown values map to Draft so a
// half-written checkpoint never produces an unrepresentable document.
func Parse(raw string) Stage {
	switch Stage(raw) {
	case Draft, Uploaded, PreApprove, Execute, PostApprove, Finalised, Closed, Voided:
		return Stage(raw)
	default:
		return Draft
	}
}

// IsTerminal reports whether no further transitions are allowed.
func (s Stage) IsTerminal() bool {
	return s == Closed || s == Voided
}

// CanTransition reports whether moving from one stage to the next is a legal
// lifecycle step. Voided is reachable from any non-terminal stage; the rest of
// the lifecycle advances strictly in order, with Closed following Finalised.
func CanTransition(from, to Stage) bool {
	if from.IsTerminal() {
		return false
	}
	if to == Voided {
		return true
	}
	for i := 0; i < len(ordered)-1; i++ {
		if ordered[i] == from {
			return ordered[i+1] == to
		}
	}
	return false
}

// HighlightTint returns the cell tint used when a cell is marked selected
// while the document sits in the given stage. Colors are 9-character ARGB
// tokens as the editor expects them.
func (s Stage) HighlightTint() string {
	switch s {
	case Execute:
		return "#FFD1E7DD"
	case PostApprove:
		return "#FFCFE2FF"
	default:
		return "#FFFFF3CD"
	}
}

// SelectedPalette is the set of tints a cell may already carry from a prior
// highlight. A cell whose background is in this set is never tinted again.
var SelectedPalette = map[string]struct{}{
	"#FFFFF3CD": {},
	"#FFD1E7DD": {},
	"#FFCFE2FF": {},
}
