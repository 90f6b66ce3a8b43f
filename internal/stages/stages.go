// Package stages holds the four pipeline stage generators: plan, scaffold,
// section, and assemble. Each stage turns the previous stage's artifact into
// the next one and gates the result before handing it on.
package stages

import (
	"fmt"
	"strings"

	"readerforge/internal/config"
	"readerforge/internal/gates"
	"readerforge/internal/llm"
	"readerforge/internal/metrics"
	"readerforge/internal/prompt"
	"readerforge/internal/refdoc"
	"readerforge/internal/repair"
)

// Deps bundles what every stage generator composes. RefDocs is optional;
// a nil resolver just means plans are generated without reference context.
type Deps struct {
	Gateway *llm.Gateway
	Prompts *prompt.Store
	Gates   *gates.Registry
	Repair  *repair.Engine
	RefDocs *refdoc.Resolver
	Section config.SectionConfig
	Retry   config.RetryConfig
	Metrics *metrics.Set
}

// joinIssues renders gate findings for error messages and LLM feedback.
func joinIssues(issues []gates.Issue) string {
	parts := make([]string, len(issues))
	for i, iss := range issues {
		parts[i] = iss.String()
	}
	return strings.Join(parts, "; ")
}

// parseMarker splits a "{{type:name}}" placement marker.
func parseMarker(marker string) (kind, name string, err error) {
	token := strings.TrimSuffix(strings.TrimPrefix(marker, "{{"), "}}")
	i := strings.IndexByte(token, ':')
	if i <= 0 || i == len(token)-1 {
		return "", "", fmt.Errorf("malformed asset marker %q", marker)
	}
	return token[:i], token[i+1:], nil
}

// Marker formats an asset token as a placement marker.
func Marker(token string) string { return "{{" + token + "}}" }
