package gates

import (
	"strings"

	"readerforge/internal/artifact"
)

// CrossRefGate checks an assembled ReaderDoc: block ids must be globally
// unique, and every reference a block makes to another block must resolve.
type CrossRefGate struct{}

// NewCrossRefGate builds the gate.
func NewCrossRefGate() *CrossRefGate { return &CrossRefGate{} }

func (g *CrossRefGate) ID() string { return "crossref" }

func (g *CrossRefGate) Validate(input interface{}) Result {
	var doc *artifact.ReaderDoc
	switch v := input.(type) {
	case artifact.ReaderDoc:
		doc = &v
	case *artifact.ReaderDoc:
		doc = v
	default:
		return skip("crossref gate: input is not a reader document")
	}

	var issues []Issue

	seen := make(map[string]int, len(doc.Blocks))
	for i, block := range doc.Blocks {
		if block.ID == "" {
			issues = append(issues, issue(KindCrossRef, "block %d has no id", i))
			continue
		}
		if prev, dup := seen[block.ID]; dup {
			issues = append(issues, issue(KindCrossRef,
				"block id %q collides (positions %d and %d)", block.ID, prev, i))
			continue
		}
		seen[block.ID] = i
	}

	// References appear in prose as [ref:block-id].
	for i, block := range doc.Blocks {
		for _, ref := range extractRefs(block.Markdown) {
			if _, ok := seen[ref]; !ok {
				issues = append(issues, issue(KindCrossRef,
					"block %d references unknown id %q", i, ref))
			}
		}
	}

	if len(issues) > 0 {
		return fail(issues...)
	}
	return pass()
}

// extractRefs pulls [ref:...] targets out of prose.
func extractRefs(markdown string) []string {
	var refs []string
	rest := markdown
	for {
		start := strings.Index(rest, "[ref:")
		if start < 0 {
			return refs
		}
		rest = rest[start+len("[ref:"):]
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return refs
		}
		if target := strings.TrimSpace(rest[:end]); target != "" {
			refs = append(refs, target)
		}
		rest = rest[end+1:]
	}
}
