package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Model replies are not always clean JSON. The extraction helpers recover
// the useful payload: declared fields first, then the longest plausible text,
// and for equations the first well-formed LaTeX span.

var codeFencePattern = regexp.MustCompile("(?s)```(?:json|latex|tex)?\\s*(.*?)```")

// StripFences removes a surrounding markdown code fence, if any.
func StripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if m := codeFencePattern.FindStringSubmatch(trimmed); m != nil && strings.HasPrefix(trimmed, "```") {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}

// ExtractJSON returns the reply decoded as a JSON object, tolerating code
// fences and leading prose before the first brace.
func ExtractJSON(text string) (map[string]interface{}, bool) {
	cleaned := StripFences(text)
	start := strings.IndexByte(cleaned, '{')
	if start < 0 {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(cleaned[start:]))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, false
	}
	return obj, true
}

// ExtractField pulls a named string field out of a JSON reply. Falls back
// through the declared fields in order.
func ExtractField(text string, fields ...string) (string, bool) {
	obj, ok := ExtractJSON(text)
	if !ok {
		return "", false
	}
	for _, field := range fields {
		if v, ok := obj[field]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s, true
			}
		}
	}
	return "", false
}

// ExtractText recovers prose from a reply: a declared field when the reply
// is JSON, otherwise the longest string value in the object, otherwise the
// fence-stripped reply itself.
func ExtractText(text string) string {
	if s, ok := ExtractField(text, "text", "prose", "content", "markdown"); ok {
		return strings.TrimSpace(s)
	}
	if obj, ok := ExtractJSON(text); ok {
		longest := ""
		for _, v := range obj {
			if s, ok := v.(string); ok && len(s) > len(longest) {
				longest = s
			}
		}
		if strings.TrimSpace(longest) != "" {
			return strings.TrimSpace(longest)
		}
	}
	return StripFences(text)
}

var (
	displayMathPattern  = regexp.MustCompile(`(?s)\$\$(.+?)\$\$`)
	bracketMathPattern  = regexp.MustCompile(`(?s)\\\[(.+?)\\\]`)
	latexCommandPattern = regexp.MustCompile(`\\[a-zA-Z]+`)
)

// ExtractLaTeX finds the first well-formed LaTeX span: $$...$$ first, then
// \[...\], then the first line carrying a TeX command.
func ExtractLaTeX(text string) (string, bool) {
	cleaned := StripFences(text)
	if m := displayMathPattern.FindStringSubmatch(cleaned); m != nil {
		if s := strings.TrimSpace(m[1]); s != "" {
			return s, true
		}
	}
	if m := bracketMathPattern.FindStringSubmatch(cleaned); m != nil {
		if s := strings.TrimSpace(m[1]); s != "" {
			return s, true
		}
	}
	for _, line := range strings.Split(cleaned, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && latexCommandPattern.MatchString(line) {
			return strings.Trim(line, "$ "), true
		}
	}
	return "", false
}
