package gates

import (
	"strings"
	"unicode"

	"readerforge/internal/artifact"
)

// knownTeXCommands is the accepted TeX subset for reader equations.
var knownTeXCommands = map[string]bool{
	// structure
	"frac": true, "sqrt": true, "left": true, "right": true,
	"begin": true, "end": true, "text": true, "mathrm": true, "mathbf": true,
	"overline": true, "underline": true, "hat": true, "vec": true, "dot": true,
	"ddot": true, "bar": true,
	// operators and relations
	"cdot": true, "times": true, "div": true, "pm": true, "mp": true,
	"leq": true, "geq": true, "neq": true, "approx": true, "propto": true,
	"rightarrow": true, "leftarrow": true, "Rightarrow": true, "infty": true,
	"sum": true, "prod": true, "int": true, "partial": true, "nabla": true,
	"lim": true, "to": true, "sim": true, "equiv": true,
	// functions
	"sin": true, "cos": true, "tan": true, "arcsin": true, "arccos": true,
	"arctan": true, "log": true, "ln": true, "exp": true, "min": true,
	"max": true,
	// greek
	"alpha": true, "beta": true, "gamma": true, "delta": true, "epsilon": true,
	"zeta": true, "eta": true, "theta": true, "iota": true, "kappa": true,
	"lambda": true, "mu": true, "nu": true, "xi": true, "rho": true,
	"sigma": true, "tau": true, "phi": true, "chi": true, "psi": true,
	"omega": true, "Gamma": true, "Delta": true, "Theta": true, "Lambda": true,
	"Xi": true, "Pi": true, "Sigma": true, "Phi": true, "Psi": true,
	"Omega": true, "pi": true, "varepsilon": true, "varphi": true,
	// spacing
	"quad": true, "qquad": true, ",": true, ";": true, " ": true,
}

// LaTeXGate parses equation sources under the TeX subset: unknown commands,
// unbalanced braces, and unmatched \left...\right pairs are errors.
type LaTeXGate struct{}

// NewLaTeXGate builds the gate.
func NewLaTeXGate() *LaTeXGate { return &LaTeXGate{} }

func (g *LaTeXGate) ID() string { return "latex" }

func (g *LaTeXGate) Validate(input interface{}) Result {
	tex, ok := texSource(input)
	if !ok {
		return skip("latex gate: input carries no TeX source")
	}
	issues := CheckLaTeX(tex)
	if len(issues) > 0 {
		return fail(issues...)
	}
	return pass()
}

func texSource(input interface{}) (string, bool) {
	switch v := input.(type) {
	case string:
		return v, v != ""
	case artifact.ContentBlock:
		return v.TeX, v.Kind == artifact.BlockEquation && v.TeX != ""
	case *artifact.ContentBlock:
		return v.TeX, v.Kind == artifact.BlockEquation && v.TeX != ""
	default:
		return "", false
	}
}

// CheckLaTeX scans a TeX source and returns every finding: unknown commands,
// brace imbalance, and \left/\right mismatch. Exported for the repair engine,
// which re-checks patched sources.
func CheckLaTeX(tex string) []Issue {
	var issues []Issue

	braceDepth := 0
	leftDepth := 0
	runes := []rune(tex)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '{':
			braceDepth++
		case '}':
			braceDepth--
			if braceDepth < 0 {
				issues = append(issues, issue(KindLaTeXUnbalanced, "unmatched closing brace at %d", i))
				braceDepth = 0
			}
		case '\\':
			if i+1 >= len(runes) {
				issues = append(issues, issue(KindLaTeXUnknown, "trailing backslash"))
				break
			}
			next := runes[i+1]
			if !unicode.IsLetter(next) {
				// escaped symbol like \, \; \{ \\
				i++
				continue
			}
			start := i + 1
			j := start
			for j < len(runes) && unicode.IsLetter(runes[j]) {
				j++
			}
			cmd := string(runes[start:j])
			switch cmd {
			case "left":
				leftDepth++
			case "right":
				leftDepth--
				if leftDepth < 0 {
					issues = append(issues, issue(KindLaTeXUnbalanced, `\right without matching \left`))
					leftDepth = 0
				}
			}
			if !knownTeXCommands[cmd] {
				issues = append(issues, issue(KindLaTeXUnknown, `unknown command \%s`, cmd))
			}
			i = j - 1
		}
	}

	if braceDepth > 0 {
		issues = append(issues, issue(KindLaTeXUnbalanced, "%d unclosed brace(s)", braceDepth))
	}
	if leftDepth > 0 {
		issues = append(issues, issue(KindLaTeXUnbalanced, `%d \left without matching \right`, leftDepth))
	}
	if strings.TrimSpace(tex) == "" {
		issues = append(issues, issue(KindLaTeXUnknown, "empty equation source"))
	}
	return issues
}
