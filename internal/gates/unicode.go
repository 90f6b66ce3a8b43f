package gates

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"readerforge/internal/artifact"
)

// Severity levels for unicode findings.
const (
	severityWarning  = "WARNING"
	severityCritical = "CRITICAL"
)

// homoglyphs maps lookalike characters to their ASCII intent. The table
// covers the Cyrillic and Greek letters most often swapped into Latin text.
var homoglyphs = map[rune]rune{
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'х': 'x', 'у': 'y',
	'А': 'A', 'В': 'B', 'Е': 'E', 'К': 'K', 'М': 'M', 'Н': 'H', 'О': 'O',
	'Р': 'P', 'С': 'C', 'Т': 'T', 'Х': 'X',
	'ο': 'o', 'ν': 'v', 'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Ζ': 'Z', 'Η': 'H',
	'Ι': 'I', 'Κ': 'K', 'Μ': 'M', 'Ν': 'N', 'Ο': 'O', 'Ρ': 'P', 'Τ': 'T',
	'Υ': 'Y', 'Χ': 'X',
	'＋': '+', '－': '-', '＝': '=',
}

// mixedScriptThreshold is the count of scripts beyond which prose is
// flagged. Latin plus one more (formulas, names) is normal.
const mixedScriptThreshold = 2

// UnicodeGate screens text for dangerous code points and spoofing. In
// strict mode any CRITICAL finding fails the gate; in permissive mode
// findings become warnings and the sanitized text is returned in Data.
type UnicodeGate struct {
	strict bool
}

// NewUnicodeGate builds the gate.
func NewUnicodeGate(strict bool) *UnicodeGate { return &UnicodeGate{strict: strict} }

func (g *UnicodeGate) ID() string { return "unicode" }

// unicodeFinding is one categorized observation.
type unicodeFinding struct {
	severity string
	message  string
}

func (g *UnicodeGate) Validate(input interface{}) Result {
	text, ok := proseSource(input)
	if !ok {
		return skip("unicode gate: input carries no prose")
	}

	findings := inspectUnicode(text)
	if len(findings) == 0 {
		return pass()
	}

	if g.strict {
		var issues []Issue
		var warnings []string
		for _, f := range findings {
			if f.severity == severityCritical {
				issues = append(issues, issue(KindUnicode, "%s", f.message))
			} else {
				warnings = append(warnings, f.message)
			}
		}
		if len(issues) > 0 {
			res := fail(issues...)
			res.Warnings = warnings
			return res
		}
		return Result{Valid: true, Warnings: warnings}
	}

	warnings := make([]string, 0, len(findings))
	for _, f := range findings {
		warnings = append(warnings, f.severity+": "+f.message)
	}
	return Result{
		Valid:    true,
		Warnings: warnings,
		Data:     map[string]interface{}{"sanitized": SanitizeText(text)},
	}
}

func proseSource(input interface{}) (string, bool) {
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

func inspectUnicode(text string) []unicodeFinding {
	var findings []unicodeFinding

	if !utf8.ValidString(text) {
		findings = append(findings, unicodeFinding{severityCritical, "text is not valid UTF-8"})
	}
	if !norm.NFC.IsNormalString(text) {
		findings = append(findings, unicodeFinding{severityWarning, "text is not NFC-normalized"})
	}

	scripts := map[string]int{}
	letters := 0
	suspicious := 0
	for _, r := range text {
		switch {
		case r == '\n' || r == '\t' || r == '\r':
			// allowed whitespace
		case unicode.IsControl(r):
			findings = append(findings, unicodeFinding{severityCritical, "control character U+" + hexRune(r)})
		case isBidiControl(r):
			findings = append(findings, unicodeFinding{severityCritical, "bidi control U+" + hexRune(r)})
		case isZeroWidth(r):
			findings = append(findings, unicodeFinding{severityCritical, "zero-width character U+" + hexRune(r)})
		case unicode.In(r, unicode.Co):
			findings = append(findings, unicodeFinding{severityCritical, "private-use character U+" + hexRune(r)})
		case isNonCharacter(r):
			findings = append(findings, unicodeFinding{severityCritical, "non-character U+" + hexRune(r)})
		case unicode.Is(unicode.Cs, r):
			findings = append(findings, unicodeFinding{severityCritical, "unpaired surrogate U+" + hexRune(r)})
		}

		if unicode.IsLetter(r) {
			letters++
			scripts[scriptOf(r)]++
			if _, spoofed := homoglyphs[r]; spoofed {
				suspicious++
			}
		}
	}

	if len(scripts) > mixedScriptThreshold {
		findings = append(findings, unicodeFinding{severityWarning,
			"text mixes " + strconv.Itoa(len(scripts)) + " scripts"})
	}

	if suspicious > 0 && letters > 0 {
		ratio := float64(suspicious) / float64(letters)
		severity := severityWarning
		if ratio >= 0.05 {
			severity = severityCritical
		}
		findings = append(findings, unicodeFinding{severity,
			"homoglyph characters present (" + strconv.Itoa(suspicious) + " of " + strconv.Itoa(letters) + " letters)"})
	}
	return findings
}

// SanitizeText returns prose safe for publication: NFC, homoglyphs mapped
// to their ASCII intent, dangerous code points stripped, whitespace runs
// collapsed. Sanitizing already-sanitized text is a no-op.
func SanitizeText(text string) string {
	normalized := norm.NFC.String(text)
	var b strings.Builder
	b.Grow(len(normalized))
	for _, r := range normalized {
		if mapped, ok := homoglyphs[r]; ok {
			b.WriteRune(mapped)
			continue
		}
		switch {
		case r == '\n' || r == '\t' || r == '\r':
			b.WriteRune(' ')
		case unicode.IsControl(r), isBidiControl(r), isZeroWidth(r),
			unicode.In(r, unicode.Co), isNonCharacter(r), unicode.Is(unicode.Cs, r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	collapsed := strings.Join(strings.Fields(b.String()), " ")
	return collapsed
}

func isBidiControl(r rune) bool {
	switch r {
	case 0x202A, 0x202B, 0x202C, 0x202D, 0x202E, 0x2066, 0x2067, 0x2068, 0x2069, 0x200E, 0x200F, 0x061C:
		return true
	}
	return false
}

func isZeroWidth(r rune) bool {
	switch r {
	case 0x200B, 0x200C, 0x200D, 0x2060, 0xFEFF:
		return true
	}
	return false
}

func isNonCharacter(r rune) bool {
	if r >= 0xFDD0 && r <= 0xFDEF {
		return true
	}
	return r&0xFFFE == 0xFFFE
}

func scriptOf(r rune) string {
	switch {
	case unicode.Is(unicode.Latin, r):
		return "latin"
	case unicode.Is(unicode.Greek, r):
		return "greek"
	case unicode.Is(unicode.Cyrillic, r):
		return "cyrillic"
	case unicode.Is(unicode.Han, r):
		return "han"
	case unicode.Is(unicode.Arabic, r):
		return "arabic"
	case unicode.Is(unicode.Devanagari, r):
		return "devanagari"
	default:
		return "other"
	}
}

func hexRune(r rune) string { return fmt.Sprintf("%04X", r) }
