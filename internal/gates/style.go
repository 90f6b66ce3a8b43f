package gates

import (
	"regexp"
	"strings"

	"readerforge/internal/artifact"
)

// Reader prose is flowing text; structural markdown belongs to the renderer,
// not the author. The style gate rejects structure and offers the repaired
// line as a suggestion.

var (
	headerPattern       = regexp.MustCompile(`^\s{0,3}#{1,6}\s`)
	bulletPattern       = regexp.MustCompile(`^\s*[-*+]\s`)
	numberedListPattern = regexp.MustCompile(`^\s*\d+[.)]\s`)
	filenamePattern     = regexp.MustCompile(`\b[\w./-]+\.(go|py|js|ts|json|yaml|yml|csv|txt|md|svg|png)\b`)
)

// StyleGate checks prose blocks for structural markdown and raw filename
// references.
type StyleGate struct{}

// NewStyleGate builds the gate.
func NewStyleGate() *StyleGate { return &StyleGate{} }

func (g *StyleGate) ID() string { return "style" }

func (g *StyleGate) Validate(input interface{}) Result {
	text, ok := styleSource(input)
	if !ok {
		return skip("style gate: input carries no prose")
	}

	var issues []Issue
	suggestions := map[string]string{}

	if strings.Contains(text, "```") {
		issues = append(issues, issue(KindStyle, "prose contains a code fence"))
		suggestions["code fence"] = "remove the fenced block or describe it in prose"
	}

	for lineNo, line := range strings.Split(text, "\n") {
		switch {
		case headerPattern.MatchString(line):
			issues = append(issues, issue(KindStyle, "line %d is a markdown header", lineNo+1))
			suggestions[line] = strings.TrimSpace(strings.TrimLeft(line, " #"))
		case bulletPattern.MatchString(line):
			issues = append(issues, issue(KindStyle, "line %d is a bullet item", lineNo+1))
			suggestions[line] = strings.TrimSpace(bulletPattern.ReplaceAllString(line, ""))
		case numberedListPattern.MatchString(line):
			issues = append(issues, issue(KindStyle, "line %d is a numbered list item", lineNo+1))
			suggestions[line] = strings.TrimSpace(numberedListPattern.ReplaceAllString(line, ""))
		}
	}

	if m := filenamePattern.FindString(text); m != "" {
		issues = append(issues, issue(KindStyle, "prose references raw filename %q", m))
		suggestions[m] = "name the concept, not the file"
	}

	if len(issues) > 0 {
		res := fail(issues...)
		res.Data = map[string]interface{}{"suggestions": suggestions}
		return res
	}
	return pass()
}

func styleSource(input interface{}) (string, bool) {
	switch v := input.(type) {
	case string:
		return v, v != ""
	case artifact.ContentBlock:
		return v.Markdown, v.Kind == artifact.BlockProse && v.Markdown != ""
	case *artifact.ContentBlock:
		return v.Markdown, v != nil && v.Kind == artifact.BlockProse && v.Markdown != ""
	default:
		return "", false
	}
}
